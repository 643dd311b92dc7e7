// Package schedule is the cron-driven recurring task path (spec.md §3
// Task.scheduleCron, CLI `create --schedule CRON`): a ticking Scheduler
// that, for every task carrying a scheduleCron, creates a fresh one-off
// task instance when its cron expression comes due and hands it off to a
// Launcher for execution.
//
// This is distinct from the `schedule` node type's one-shot wall-time
// wait, which internal/engine's node executor already handles directly
// from a resolved deadline; this package supplies the recurring,
// template-level half of "schedule" spec.md's glossary separates out.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/go-claw/internal/ids"
	"github.com/basket/go-claw/internal/store"
)

var cronParser = cronlib.NewParser(cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow)

// NextRunTime parses cronExpr and returns the next fire time strictly
// after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return sched.Next(after), nil
}

// Launcher starts the detached per-task runner process for taskID (spec.md
// §4.7/§4.11's "launched via the process manager", one process per task).
type Launcher interface {
	Launch(taskID string) error
}

// Config configures a Scheduler.
type Config struct {
	Store    *store.Store
	Launcher Launcher
	Logger   *slog.Logger
	Interval time.Duration
}

// Scheduler polls for due scheduleCron templates and fires them.
type Scheduler struct {
	store    *store.Store
	launcher Launcher
	logger   *slog.Logger
	interval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler builds a Scheduler from cfg, defaulting Interval to one
// minute and Logger to slog.Default().
func NewScheduler(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{store: cfg.Store, launcher: cfg.Launcher, logger: logger, interval: interval}
}

// Start begins the polling loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop(ctx)
	}()
	s.logger.Info("schedule: scheduler started", "interval", s.interval)
}

// Stop cancels the polling loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("schedule: scheduler stopped")
}

// loop fires tick immediately on startup, then on every interval, until
// ctx is cancelled.
func (s *Scheduler) loop(ctx context.Context) {
	s.tick(ctx)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick loads every scheduleCron template, lazily initializes schedule
// state for ones never seen before, and fires whichever are due.
func (s *Scheduler) tick(ctx context.Context) {
	templates, err := s.store.ListScheduledTasks()
	if err != nil {
		s.logger.Error("schedule: failed to list scheduled tasks", "error", err)
		return
	}

	now := time.Now().UTC()
	for _, task := range templates {
		state, ok := s.store.GetScheduleState(task.ID)
		if !ok || state.NextRunAt == nil {
			next, err := NextRunTime(task.ScheduleCron, now)
			if err != nil {
				s.logger.Error("schedule: invalid cron expression", "taskId", task.ID, "cron", task.ScheduleCron, "error", err)
				continue
			}
			state.NextRunAt = &next
			if err := s.store.PutScheduleState(task.ID, state); err != nil {
				s.logger.Error("schedule: failed to persist initial schedule state", "taskId", task.ID, "error", err)
			}
			continue
		}
		if state.NextRunAt.After(now) {
			continue
		}
		s.fire(task, state, now)
	}
}

// fire creates a fresh one-off task cloned from the template, hands it to
// the Launcher, and advances the template's schedule state.
func (s *Scheduler) fire(template store.Task, state store.ScheduleState, now time.Time) {
	child := store.Task{
		ID:          ids.NewPrefixed("task"),
		Title:       template.Title,
		Description: template.Description,
		Priority:    template.Priority,
		Status:      store.TaskPending,
		Assignee:    template.Assignee,
		Source:      template.ID,
		Metadata:    cloneMetadata(template.Metadata),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.PutTask(child); err != nil {
		s.logger.Error("schedule: failed to create task for template", "templateId", template.ID, "error", err)
		return
	}

	next, err := NextRunTime(template.ScheduleCron, now)
	if err != nil {
		s.logger.Error("schedule: failed to compute next run time", "templateId", template.ID, "cron", template.ScheduleCron, "error", err)
		next = now.Add(s.interval)
	}
	state.LastRunAt = &now
	state.NextRunAt = &next
	if err := s.store.PutScheduleState(template.ID, state); err != nil {
		s.logger.Error("schedule: failed to persist schedule state", "templateId", template.ID, "error", err)
	}

	s.logger.Info("schedule: template fired", "templateId", template.ID, "taskId", child.ID, "nextRunAt", next)

	if s.launcher == nil {
		return
	}
	if err := s.launcher.Launch(child.ID); err != nil {
		s.logger.Error("schedule: failed to launch task", "taskId", child.ID, "error", err)
	}
}

func cloneMetadata(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
