package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/basket/go-claw/internal/audit"
	"github.com/basket/go-claw/internal/store"
	"github.com/basket/go-claw/internal/tui"
	"github.com/mattn/go-isatty"
)

// Exit codes (spec.md §6 CLI surface).
const (
	exitOK             = 0
	exitGeneric        = 1
	exitBadArgs        = 2
	exitNotFound       = 3
	exitResumeConflict = 4
)

// runTaskCommand dispatches `task list/get/logs/stop/resume/pause`.
func runTaskCommand(ctx context.Context, dataDir string, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "task: missing subcommand (list, get, logs, stop, resume, pause)")
		return exitBadArgs
	}

	s, closer, err := openStore(dataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "task: %v\n", err)
		return exitGeneric
	}
	defer closer()

	sub, rest := args[0], args[1:]
	switch sub {
	case "list":
		return runTaskList(s, rest)
	case "get":
		return runTaskGet(ctx, s, rest)
	case "logs":
		return runTaskLogs(ctx, s, rest)
	case "stop":
		return runTaskStop(s, rest)
	case "resume":
		return runTaskResume(dataDir, s, rest)
	case "pause":
		return runTaskPause(s, rest)
	default:
		fmt.Fprintf(os.Stderr, "task: unknown subcommand %q\n", sub)
		return exitBadArgs
	}
}

func runTaskList(s *store.Store, args []string) int {
	fs := flag.NewFlagSet("task list", flag.ContinueOnError)
	status := fs.String("status", "", "filter by status")
	if err := fs.Parse(args); err != nil {
		return exitBadArgs
	}

	tasks, err := s.ListTasks()
	if err != nil {
		fmt.Fprintf(os.Stderr, "task list: %v\n", err)
		return exitGeneric
	}
	for _, t := range tasks {
		if *status != "" && string(t.Status) != *status {
			continue
		}
		fmt.Printf("%s\t%-10s\t%-8s\t%s\n", t.ID, t.Status, t.Priority, t.Title)
	}
	return exitOK
}

func runTaskGet(ctx context.Context, s *store.Store, args []string) int {
	fs := flag.NewFlagSet("task get", flag.ContinueOnError)
	asJSON := fs.Bool("json", false, "print raw JSON")
	verbose := fs.Bool("verbose", false, "show live node/conversation state")
	if err := fs.Parse(args); err != nil {
		return exitBadArgs
	}
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "task get: missing task id")
		return exitBadArgs
	}
	taskID := fs.Arg(0)

	task, ok := s.GetTask(taskID)
	if !ok {
		fmt.Fprintf(os.Stderr, "task get: %q not found\n", taskID)
		return exitNotFound
	}

	if *verbose {
		provider := snapshotProvider(s, taskID)
		if !isatty.IsTerminal(os.Stdout.Fd()) {
			printSnapshotPlain(provider())
			return exitOK
		}
		_ = tui.Run(ctx, taskID, provider, false)
		return exitOK
	}
	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(task)
		return exitOK
	}
	fmt.Printf("id:       %s\ntitle:    %s\nstatus:   %s\npriority: %s\ncreated:  %s\nupdated:  %s\n",
		task.ID, task.Title, task.Status, task.Priority, task.CreatedAt.Format(time.RFC3339), task.UpdatedAt.Format(time.RFC3339))
	if task.Output != "" {
		fmt.Printf("output:   %s\n", task.Output)
	}
	return exitOK
}

func runTaskLogs(ctx context.Context, s *store.Store, args []string) int {
	fs := flag.NewFlagSet("task logs", flag.ContinueOnError)
	follow := fs.Bool("f", false, "follow until the task reaches a terminal status")
	if err := fs.Parse(args); err != nil {
		return exitBadArgs
	}
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "task logs: missing task id")
		return exitBadArgs
	}
	taskID := fs.Arg(0)
	if _, ok := s.GetTask(taskID); !ok {
		fmt.Fprintf(os.Stderr, "task logs: %q not found\n", taskID)
		return exitNotFound
	}

	provider := snapshotProvider(s, taskID)
	if !isatty.IsTerminal(os.Stdout.Fd()) {
		return runTaskLogsPlain(ctx, provider, *follow)
	}
	if err := tui.Run(ctx, taskID, provider, *follow); err != nil && err != context.Canceled {
		fmt.Fprintf(os.Stderr, "task logs: %v\n", err)
		return exitGeneric
	}
	return exitOK
}

// runTaskLogsPlain is the non-interactive fallback for piped/redirected
// stdout, where the bubbletea TUI would just corrupt the output.
func runTaskLogsPlain(ctx context.Context, provider tui.StatusProvider, follow bool) int {
	printed := 0
	printOnce := func() tui.Snapshot {
		snap := provider()
		for _, line := range snap.Lines[printed:] {
			fmt.Println(line)
		}
		printed = len(snap.Lines)
		return snap
	}

	snap := printOnce()
	if !follow || snap.Done() {
		return exitOK
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return exitOK
		case <-ticker.C:
			if printOnce().Done() {
				return exitOK
			}
		}
	}
}

// printSnapshotPlain renders one Snapshot for `task get --verbose` when
// stdout isn't a terminal.
func printSnapshotPlain(snap tui.Snapshot) {
	fmt.Printf("task:   %s\nstatus: %s\n", snap.TaskID, snap.Status)
	if snap.Err != "" {
		fmt.Printf("error:  %s\n", snap.Err)
	}
	for _, n := range snap.Nodes {
		fmt.Printf("  node %-12s %s\n", n.NodeID, n.Status)
	}
	for _, line := range snap.Lines {
		fmt.Println(line)
	}
}

func runTaskStop(s *store.Store, args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "task stop: missing task id")
		return exitBadArgs
	}
	taskID := args[0]
	task, ok := s.GetTask(taskID)
	if !ok {
		fmt.Fprintf(os.Stderr, "task stop: %q not found\n", taskID)
		return exitNotFound
	}
	if !store.CanTransitionTask(task.Status, store.TaskCancelled) {
		audit.Record("stop", taskID, "denied", fmt.Sprintf("invalid transition from %s", task.Status), "cli-user")
		fmt.Fprintf(os.Stderr, "task stop: cannot cancel task in status %q\n", task.Status)
		return exitGeneric
	}
	task.Status = store.TaskCancelled
	task.UpdatedAt = time.Now().UTC()
	if err := s.PutTask(task); err != nil {
		fmt.Fprintf(os.Stderr, "task stop: %v\n", err)
		return exitGeneric
	}
	audit.Record("stop", taskID, "applied", "", "cli-user")
	fmt.Printf("task %s cancelled\n", taskID)
	return exitOK
}

func runTaskPause(s *store.Store, args []string) int {
	fs := flag.NewFlagSet("task pause", flag.ContinueOnError)
	reason := fs.String("reason", "", "reason recorded alongside the pause")
	if err := fs.Parse(args); err != nil {
		return exitBadArgs
	}
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "task pause: missing task id")
		return exitBadArgs
	}
	taskID := fs.Arg(0)
	task, ok := s.GetTask(taskID)
	if !ok {
		fmt.Fprintf(os.Stderr, "task pause: %q not found\n", taskID)
		return exitNotFound
	}
	if !store.CanTransitionTask(task.Status, store.TaskPaused) {
		audit.Record("pause", taskID, "denied", fmt.Sprintf("invalid transition from %s", task.Status), "cli-user")
		fmt.Fprintf(os.Stderr, "task pause: cannot pause task in status %q\n", task.Status)
		return exitGeneric
	}
	now := time.Now().UTC()
	task.Status = store.TaskPaused
	task.UpdatedAt = now
	if err := s.PutTask(task); err != nil {
		fmt.Fprintf(os.Stderr, "task pause: %v\n", err)
		return exitGeneric
	}

	if inst, ok := s.GetInstance(taskID); ok {
		inst.PausedAt = &now
		inst.PauseReason = *reason
		_ = s.PutInstance(taskID, inst)
	}
	audit.Record("pause", taskID, "applied", *reason, "cli-user")
	fmt.Printf("task %s paused\n", taskID)
	return exitOK
}

func runTaskResume(dataDir string, s *store.Store, args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "task resume: missing task id")
		return exitBadArgs
	}
	taskID := args[0]
	task, ok := s.GetTask(taskID)
	if !ok {
		fmt.Fprintf(os.Stderr, "task resume: %q not found\n", taskID)
		return exitNotFound
	}
	if !store.CanTransitionTask(task.Status, store.TaskDeveloping) {
		fmt.Fprintf(os.Stderr, "task resume: cannot resume task in status %q\n", task.Status)
		return exitGeneric
	}

	if rec, ok := s.GetProcessRecord(taskID); ok && processAlive(rec.PID) {
		audit.Record("resume", taskID, "denied", "sibling runner process still alive", "cli-user")
		fmt.Fprintf(os.Stderr, "task resume: a runner for %q appears to still be alive (pid %d)\n", taskID, rec.PID)
		return exitResumeConflict
	}

	task.Status = store.TaskDeveloping
	task.UpdatedAt = time.Now().UTC()
	if err := s.PutTask(task); err != nil {
		fmt.Fprintf(os.Stderr, "task resume: %v\n", err)
		return exitGeneric
	}

	binPath, err := currentBinPath()
	if err != nil {
		fmt.Fprintf(os.Stderr, "task resume: %v\n", err)
		return exitGeneric
	}
	launcher := &processLauncher{BinPath: binPath, DataDir: s.Root(), Store: s, Logger: defaultCLILogger()}
	if err := launcher.LaunchResume(taskID); err != nil {
		fmt.Fprintf(os.Stderr, "task resume: %v\n", err)
		return exitGeneric
	}
	audit.Record("resume", taskID, "applied", "", "cli-user")
	fmt.Printf("task %s resuming\n", taskID)
	return exitOK
}

// snapshotProvider builds a tui.StatusProvider from what's on disk for
// taskID, the translation step between store's rich types and tui's
// plain-string Snapshot (internal/tui deliberately has no store import).
func snapshotProvider(s *store.Store, taskID string) tui.StatusProvider {
	return func() tui.Snapshot {
		inst, ok := s.GetInstance(taskID)
		if !ok {
			return tui.Snapshot{TaskID: taskID, Status: "pending"}
		}
		snap := tui.Snapshot{TaskID: taskID, Status: string(inst.Status), Err: inst.Error}
		for id, ns := range inst.NodeStates {
			snap.Nodes = append(snap.Nodes, tui.NodeStatus{NodeID: id, Status: string(ns.Status)})
		}
		entries, _ := s.ListConversationEntries(taskID)
		start := 0
		if len(entries) > 10 {
			start = len(entries) - 10
		}
		for _, e := range entries[start:] {
			snap.Lines = append(snap.Lines, e.Role+": "+truncateLine(e.Text, 200))
		}
		return snap
	}
}

func truncateLine(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
