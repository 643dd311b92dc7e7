package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/basket/go-claw/internal/ids"
	"github.com/basket/go-claw/internal/store"
)

// processLauncher starts the detached per-task runner process (spec.md §6
// "Scheduling model": a long-lived daemon plus per-task detached worker
// processes, "launched via the process manager"). It implements both
// schedule.Launcher (fresh runs fired by a cron template) and
// channels.Router (task creation from an inbound chat message).
type processLauncher struct {
	BinPath string
	DataDir string
	Store   *store.Store
	Logger  *slog.Logger
}

// Launch starts a fresh (non-resume) runner process for taskID.
func (p *processLauncher) Launch(taskID string) error {
	return p.spawn(taskID, false)
}

// LaunchResume starts a runner process in resume mode for taskID.
func (p *processLauncher) LaunchResume(taskID string) error {
	return p.spawn(taskID, true)
}

func (p *processLauncher) spawn(taskID string, resume bool) error {
	args := []string{"run", "--data-dir", p.DataDir, "--task", taskID}
	if resume {
		args = append(args, "--resume")
	}
	cmd := exec.Command(p.BinPath, args...)
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	detachProcess(cmd)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("launch runner for task %q: %w", taskID, err)
	}
	pid := cmd.Process.Pid
	if err := cmd.Process.Release(); err != nil {
		p.Logger.Warn("launcher: failed to release runner process handle", "taskId", taskID, "error", err)
	}
	now := time.Now().UTC()
	_ = p.Store.PutProcessRecord(taskID, store.ProcessRecord{PID: pid, StartedAt: now, Status: store.TaskDeveloping})
	p.Logger.Info("launcher: started task runner", "taskId", taskID, "pid", pid, "resume", resume)
	return nil
}

// CreateChatTask implements channels.Router: it persists a pending Task
// sourced from chatID's message and launches its runner immediately.
func (p *processLauncher) CreateChatTask(ctx context.Context, chatID, content string) (string, error) {
	now := time.Now().UTC()
	taskID := ids.NewPrefixed("task")
	title := content
	if len(title) > 80 {
		title = title[:80] + "..."
	}
	task := store.Task{
		ID:          taskID,
		Title:       title,
		Description: content,
		Priority:    store.PriorityMedium,
		Status:      store.TaskPending,
		Source:      "chat:" + chatID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := p.Store.PutTask(task); err != nil {
		return "", fmt.Errorf("persist chat task: %w", err)
	}
	if err := p.Launch(taskID); err != nil {
		return taskID, err
	}
	return taskID, nil
}

// currentBinPath resolves the absolute path to this running binary, so a
// relaunch under a different cwd still finds the same executable.
func currentBinPath() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", err
	}
	return exe, nil
}
