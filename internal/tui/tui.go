// Package tui is a small bubbletea follower for `task logs -f` and `task get
// --verbose`: it polls a StatusProvider on a tick and renders a task's node
// states and recent conversation lines, quitting on q/ctrl+c or once the
// task reaches a terminal status (spec.md §6 CLI).
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// NodeStatus is one node's rendered row.
type NodeStatus struct {
	NodeID string
	Status string // store.NodeExecStatus as a plain string
}

// Snapshot is one poll of a task's live execution state.
type Snapshot struct {
	TaskID string
	Status string // store.InstanceStatus as a plain string
	Nodes  []NodeStatus
	Lines  []string // recent conversation/log lines, oldest first
	Err    string
}

// Done reports whether Status is a terminal instance status.
func (s Snapshot) Done() bool {
	switch s.Status {
	case "completed", "failed", "cancelled":
		return true
	default:
		return false
	}
}

// StatusProvider returns the latest Snapshot on each tick.
type StatusProvider func() Snapshot

type model struct {
	taskID   string
	provider StatusProvider
	snap     Snapshot
	follow   bool
	interval time.Duration
}

type tickMsg time.Time

func (m model) tickCmd() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m model) Init() tea.Cmd {
	return m.tickCmd()
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
	case tickMsg:
		m.snap = m.provider()
		if !m.follow || m.snap.Done() {
			return m, tea.Quit
		}
		return m, m.tickCmd()
	}
	return m, nil
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true)
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	doneStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	waitStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
)

func styleForNodeStatus(status string) lipgloss.Style {
	switch status {
	case "done":
		return doneStyle
	case "failed":
		return failStyle
	case "running", "waiting", "ready":
		return waitStyle
	default:
		return dimStyle
	}
}

func (m model) View() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\n", headerStyle.Render("task "+m.taskID))
	fmt.Fprintf(&b, "status: %s\n\n", m.snap.Status)

	for _, n := range m.snap.Nodes {
		style := styleForNodeStatus(n.Status)
		fmt.Fprintf(&b, "  %s %s\n", n.NodeID, style.Render(n.Status))
	}
	if len(m.snap.Nodes) > 0 {
		b.WriteString("\n")
	}

	for _, line := range m.snap.Lines {
		b.WriteString(dimStyle.Render(line) + "\n")
	}

	if m.snap.Err != "" {
		b.WriteString("\n" + failStyle.Render("error: "+m.snap.Err) + "\n")
	}

	b.WriteString("\n" + dimStyle.Render("press q to quit") + "\n")
	return b.String()
}

// Run drives the follower until ctx is cancelled, the user quits, or (when
// follow is true) the task reaches a terminal status. follow=false renders
// exactly one snapshot and exits, for `task get --verbose`.
func Run(ctx context.Context, taskID string, provider StatusProvider, follow bool) error {
	defer bestEffortResetTTY()

	interval := 500 * time.Millisecond
	m := model{taskID: taskID, provider: provider, snap: provider(), follow: follow, interval: interval}
	if !follow {
		fmt.Print(m.View())
		return nil
	}

	p := tea.NewProgram(m)
	done := make(chan error, 1)
	go func() {
		_, err := p.Run()
		done <- err
	}()

	select {
	case <-ctx.Done():
		p.Quit()
		return ctx.Err()
	case err := <-done:
		return err
	}
}
