package schedule

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/basket/go-claw/internal/store"
)

type fakeLauncher struct {
	launched []string
}

func (f *fakeLauncher) Launch(taskID string) error {
	f.launched = append(f.launched, taskID)
	return nil
}

func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(t.TempDir(), slog.Default())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	return s
}

func putTemplate(t *testing.T, s *store.Store, id, cronExpr string) store.Task {
	t.Helper()
	task := store.Task{
		ID: id, Title: "nightly sweep", Description: "run the nightly sweep",
		Priority: store.PriorityMedium, Status: store.TaskPending, ScheduleCron: cronExpr,
		CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	if err := s.PutTask(task); err != nil {
		t.Fatalf("PutTask: %v", err)
	}
	return task
}

func TestNextRunTimeParsesFiveFieldExpression(t *testing.T) {
	after := time.Date(2026, 1, 1, 8, 59, 0, 0, time.UTC)
	next, err := NextRunTime("0 9 * * *", after)
	if err != nil {
		t.Fatalf("NextRunTime: %v", err)
	}
	if next.Hour() != 9 || next.Minute() != 0 {
		t.Fatalf("expected 09:00, got %v", next)
	}
}

func TestNextRunTimeRejectsMalformedExpression(t *testing.T) {
	if _, err := NextRunTime("not a cron expr", time.Now()); err == nil {
		t.Fatal("expected an error for a malformed cron expression")
	}
}

func TestTickInitializesScheduleStateWithoutFiring(t *testing.T) {
	s := newTestStore(t)
	putTemplate(t, s, "tmpl-1", "*/5 * * * *")
	launcher := &fakeLauncher{}
	sched := NewScheduler(Config{Store: s, Launcher: launcher, Interval: time.Hour})

	sched.tick(context.Background())

	state, ok := s.GetScheduleState("tmpl-1")
	if !ok || state.NextRunAt == nil {
		t.Fatal("expected schedule state to be initialized with a next run time")
	}
	if len(launcher.launched) != 0 {
		t.Fatalf("expected no task launched on first sighting, got %v", launcher.launched)
	}
}

func TestSchedulerFiresDueTemplateAndCreatesTask(t *testing.T) {
	s := newTestStore(t)
	putTemplate(t, s, "tmpl-2", "*/5 * * * *")
	past := time.Now().UTC().Add(-time.Hour)
	if err := s.PutScheduleState("tmpl-2", store.ScheduleState{NextRunAt: &past}); err != nil {
		t.Fatalf("PutScheduleState: %v", err)
	}
	launcher := &fakeLauncher{}
	sched := NewScheduler(Config{Store: s, Launcher: launcher, Interval: 20 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sched.Start(ctx)
	defer sched.Stop()

	waitFor(t, 2*time.Second, func() bool { return len(launcher.launched) == 1 })

	tasks, err := s.ListTasks()
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	var found bool
	for _, tk := range tasks {
		if tk.ID == launcher.launched[0] {
			found = true
			if tk.Source != "tmpl-2" {
				t.Fatalf("expected created task to reference template as source, got %q", tk.Source)
			}
			if tk.Status != store.TaskPending {
				t.Fatalf("expected created task pending, got %v", tk.Status)
			}
			if tk.ScheduleCron != "" {
				t.Fatalf("expected created task to not itself carry a scheduleCron, got %q", tk.ScheduleCron)
			}
		}
	}
	if !found {
		t.Fatal("expected the launched task id to correspond to a persisted task")
	}
}

func TestSchedulerDoesNotFireBeforeNextRunAt(t *testing.T) {
	s := newTestStore(t)
	putTemplate(t, s, "tmpl-3", "*/5 * * * *")
	future := time.Now().UTC().Add(time.Hour)
	if err := s.PutScheduleState("tmpl-3", store.ScheduleState{NextRunAt: &future}); err != nil {
		t.Fatalf("PutScheduleState: %v", err)
	}
	launcher := &fakeLauncher{}
	sched := NewScheduler(Config{Store: s, Launcher: launcher, Interval: time.Hour})

	sched.tick(context.Background())

	if len(launcher.launched) != 0 {
		t.Fatalf("expected no task launched before next run time, got %v", launcher.launched)
	}
}

func TestSchedulerAdvancesNextRunAtAfterFiring(t *testing.T) {
	s := newTestStore(t)
	putTemplate(t, s, "tmpl-4", "*/5 * * * *")
	past := time.Now().UTC().Add(-time.Minute)
	if err := s.PutScheduleState("tmpl-4", store.ScheduleState{NextRunAt: &past}); err != nil {
		t.Fatalf("PutScheduleState: %v", err)
	}
	launcher := &fakeLauncher{}
	sched := NewScheduler(Config{Store: s, Launcher: launcher, Interval: time.Hour})

	sched.tick(context.Background())

	state, ok := s.GetScheduleState("tmpl-4")
	if !ok || state.LastRunAt == nil || state.NextRunAt == nil {
		t.Fatal("expected schedule state to record last and next run times")
	}
	if !state.NextRunAt.After(past) {
		t.Fatalf("expected next run time to advance past the prior due time, got %v", state.NextRunAt)
	}
}
