package tui

import (
	"context"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

func TestView_DisplaysNodesAndLines(t *testing.T) {
	m := model{
		taskID: "task-1",
		snap: Snapshot{
			TaskID: "task-1",
			Status: "running",
			Nodes: []NodeStatus{
				{NodeID: "start", Status: "done"},
				{NodeID: "build", Status: "running"},
			},
			Lines: []string{"assistant: compiling..."},
		},
	}
	view := m.View()

	for _, want := range []string{
		"task-1",
		"status: running",
		"start",
		"done",
		"build",
		"running",
		"compiling...",
	} {
		if !strings.Contains(view, want) {
			t.Errorf("expected view to contain %q, got:\n%s", want, view)
		}
	}
}

func TestView_DisplaysError(t *testing.T) {
	m := model{snap: Snapshot{Status: "failed", Err: "node build failed: exit 1"}}
	view := m.View()
	if !strings.Contains(view, "node build failed") {
		t.Fatalf("expected view to contain the error, got:\n%s", view)
	}
}

func TestSnapshot_Done(t *testing.T) {
	for status, want := range map[string]bool{
		"running":   false,
		"pending":   false,
		"paused":    false,
		"completed": true,
		"failed":    true,
		"cancelled": true,
	} {
		if got := (Snapshot{Status: status}).Done(); got != want {
			t.Errorf("Snapshot{Status: %q}.Done() = %v, want %v", status, got, want)
		}
	}
}

func TestTUI_HeadlessNonTTY(t *testing.T) {
	provider := func() Snapshot {
		return Snapshot{TaskID: "task-1", Status: "running", Nodes: []NodeStatus{{NodeID: "start", Status: "done"}}}
	}

	m := model{taskID: "task-1", provider: provider, snap: provider(), follow: true, interval: 10 * time.Millisecond}

	cmd := m.Init()
	if cmd == nil {
		t.Fatal("expected Init to return a cmd")
	}

	updated, quitCmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})
	if updated == nil {
		t.Fatal("expected non-nil model after Update")
	}
	if quitCmd == nil {
		t.Fatal("expected quit command on 'q' key")
	}

	m2 := model{taskID: "task-1", provider: provider, snap: Snapshot{}, follow: true, interval: 10 * time.Millisecond}
	updated2, tickCmd := m2.Update(tickMsg(time.Now()))
	if tickCmd == nil {
		t.Fatal("expected tick cmd after tick message")
	}
	updatedModel := updated2.(model)
	if updatedModel.snap.Status != "running" {
		t.Fatal("expected snapshot to be refreshed from provider")
	}

	view := m.View()
	if view == "" {
		t.Fatal("expected non-empty view output in headless mode")
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Run(cancelCtx, "task-1", provider, true)
	if err != nil && err != context.Canceled {
		t.Fatalf("expected clean exit or context.Canceled, got: %v", err)
	}
}

func TestTUI_QuitsOnDoneWhenFollowing(t *testing.T) {
	provider := func() Snapshot { return Snapshot{Status: "completed"} }
	m := model{provider: provider, follow: true, interval: 10 * time.Millisecond}
	_, cmd := m.Update(tickMsg(time.Now()))
	if cmd == nil {
		t.Fatal("expected a quit cmd once the task reaches a terminal status")
	}
}

func TestRun_NonFollowPrintsOnceAndReturns(t *testing.T) {
	calls := 0
	provider := func() Snapshot {
		calls++
		return Snapshot{TaskID: "task-1", Status: "completed"}
	}
	if err := Run(context.Background(), "task-1", provider, false); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected exactly one provider call for a non-follow run, got %d", calls)
	}
}
