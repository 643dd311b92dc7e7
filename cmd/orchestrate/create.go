package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/basket/go-claw/internal/ids"
	"github.com/basket/go-claw/internal/schedule"
	"github.com/basket/go-claw/internal/store"
)

// runCreateCommand implements `create <description> [--priority ...]
// [--schedule CRON] [--no-run]` (spec.md §6 CLI surface).
func runCreateCommand(dataDir string, args []string) int {
	fs := flag.NewFlagSet("create", flag.ContinueOnError)
	priority := fs.String("priority", string(store.PriorityMedium), "low|medium|high")
	cron := fs.String("schedule", "", "cron expression for a recurring task")
	noRun := fs.Bool("no-run", false, "create the task without launching its runner")
	if err := fs.Parse(args); err != nil {
		return exitBadArgs
	}
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "create: missing description")
		return exitBadArgs
	}
	description := strings.Join(fs.Args(), " ")

	s, closer, err := openStore(dataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create: %v\n", err)
		return exitGeneric
	}
	defer closer()

	now := time.Now().UTC()
	title := description
	if len(title) > 80 {
		title = title[:80] + "..."
	}
	task := store.Task{
		ID:           ids.NewPrefixed("task"),
		Title:        title,
		Description:  description,
		Priority:     store.TaskPriority(*priority),
		Status:       store.TaskPending,
		ScheduleCron: *cron,
		Source:       "cli",
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if *cron != "" {
		if _, err := schedule.NextRunTime(*cron, now); err != nil {
			fmt.Fprintf(os.Stderr, "create: invalid --schedule: %v\n", err)
			return exitBadArgs
		}
	}

	if err := s.PutTask(task); err != nil {
		fmt.Fprintf(os.Stderr, "create: %v\n", err)
		return exitGeneric
	}

	if *cron == "" && !*noRun {
		binPath, err := currentBinPath()
		if err != nil {
			fmt.Fprintf(os.Stderr, "create: %v\n", err)
			return exitGeneric
		}
		launcher := &processLauncher{BinPath: binPath, DataDir: s.Root(), Store: s, Logger: defaultCLILogger()}
		if err := launcher.Launch(task.ID); err != nil {
			fmt.Fprintf(os.Stderr, "create: %v\n", err)
			return exitGeneric
		}
	}

	fmt.Println(task.ID)
	return exitOK
}
