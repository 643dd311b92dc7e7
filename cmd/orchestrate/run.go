package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/basket/go-claw/internal/runner"
	"github.com/basket/go-claw/internal/store"
)

// runRunCommand is the detached per-task runner process body (spec.md §6
// "Scheduling model"): one process drives exactly one task's workflow
// instance to a terminal state, then exits. It is never invoked directly
// by a human; processLauncher spawns it.
func runRunCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	dataDir := fs.String("data-dir", "", "data directory")
	taskID := fs.String("task", "", "task id to run")
	resume := fs.Bool("resume", false, "resume an interrupted instance instead of planning fresh")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *taskID == "" {
		fmt.Fprintln(os.Stderr, "run: --task is required")
		return 2
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, closer, err := buildCore(ctx, *dataDir, true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "run: %v\n", err)
		return 1
	}
	defer closer.Close()
	defer c.Otel.Shutdown(ctx)

	r := runner.New(c.Store, c.Queue, c.Engine, c.Bus, c.Backend, c.Persona, c.Memory, c.Logger)

	runErr := r.Run(ctx, *taskID, *resume)

	rec, _ := c.Store.GetProcessRecord(*taskID)
	if runErr != nil {
		c.Logger.Error("run: task runner exited with error", "taskId", *taskID, "error", runErr)
		rec.Error = runErr.Error()
	}
	rec.Status = store.TaskFailed
	if task, ok := c.Store.GetTask(*taskID); ok {
		rec.Status = task.Status
	}
	_ = c.Store.PutProcessRecord(*taskID, rec)

	if runErr != nil {
		return 1
	}
	return 0
}
