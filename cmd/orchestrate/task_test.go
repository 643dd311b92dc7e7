package main

import (
	"os"
	"testing"
	"time"

	"github.com/basket/go-claw/internal/ids"
	"github.com/basket/go-claw/internal/store"
)

func newTestStore(t *testing.T) (*store.Store, func()) {
	t.Helper()
	s, closer, err := openStore(t.TempDir())
	if err != nil {
		t.Fatalf("openStore: %v", err)
	}
	return s, closer
}

func putTestTask(t *testing.T, s *store.Store, status store.TaskStatus) store.Task {
	t.Helper()
	now := time.Now().UTC()
	task := store.Task{
		ID:        ids.NewPrefixed("task"),
		Title:     "test task",
		Priority:  store.PriorityMedium,
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.PutTask(task); err != nil {
		t.Fatalf("PutTask: %v", err)
	}
	return task
}

func TestRunTaskStop(t *testing.T) {
	s, closer := newTestStore(t)
	defer closer()

	task := putTestTask(t, s, store.TaskDeveloping)
	if code := runTaskStop(s, []string{task.ID}); code != exitOK {
		t.Fatalf("runTaskStop() = %d, want %d", code, exitOK)
	}
	got, _ := s.GetTask(task.ID)
	if got.Status != store.TaskCancelled {
		t.Fatalf("status = %q, want cancelled", got.Status)
	}

	// already-terminal task refuses a second cancel.
	if code := runTaskStop(s, []string{task.ID}); code != exitGeneric {
		t.Fatalf("runTaskStop() on terminal task = %d, want %d", code, exitGeneric)
	}
}

func TestRunTaskStopNotFound(t *testing.T) {
	s, closer := newTestStore(t)
	defer closer()

	if code := runTaskStop(s, []string{"task-nope"}); code != exitNotFound {
		t.Fatalf("runTaskStop() = %d, want %d", code, exitNotFound)
	}
}

func TestRunTaskStopMissingArg(t *testing.T) {
	s, closer := newTestStore(t)
	defer closer()

	if code := runTaskStop(s, nil); code != exitBadArgs {
		t.Fatalf("runTaskStop() = %d, want %d", code, exitBadArgs)
	}
}

func TestRunTaskPauseSetsInstance(t *testing.T) {
	s, closer := newTestStore(t)
	defer closer()

	task := putTestTask(t, s, store.TaskDeveloping)
	if err := s.PutInstance(task.ID, store.WorkflowInstance{TaskID: task.ID, Status: store.InstanceRunning}); err != nil {
		t.Fatalf("PutInstance: %v", err)
	}

	if code := runTaskPause(s, []string{"--reason", "investigating", task.ID}); code != exitOK {
		t.Fatalf("runTaskPause() = %d, want %d", code, exitOK)
	}

	got, _ := s.GetTask(task.ID)
	if got.Status != store.TaskPaused {
		t.Fatalf("status = %q, want paused", got.Status)
	}
	inst, ok := s.GetInstance(task.ID)
	if !ok {
		t.Fatalf("instance missing after pause")
	}
	if inst.PauseReason != "investigating" {
		t.Fatalf("PauseReason = %q, want investigating", inst.PauseReason)
	}
	if inst.PausedAt == nil {
		t.Fatalf("PausedAt not set")
	}
}

func TestRunTaskResumeConflictWhenRunnerAlive(t *testing.T) {
	s, closer := newTestStore(t)
	defer closer()

	task := putTestTask(t, s, store.TaskPaused)
	if err := s.PutProcessRecord(task.ID, store.ProcessRecord{
		PID:       os.Getpid(),
		StartedAt: time.Now().UTC(),
		Status:    store.TaskDeveloping,
	}); err != nil {
		t.Fatalf("PutProcessRecord: %v", err)
	}

	code := runTaskResume(s.Root(), s, []string{task.ID})
	if code != exitResumeConflict {
		t.Fatalf("runTaskResume() = %d, want %d", code, exitResumeConflict)
	}
	got, _ := s.GetTask(task.ID)
	if got.Status != store.TaskPaused {
		t.Fatalf("status changed to %q despite resume conflict", got.Status)
	}
}

func TestRunTaskResumeRejectsBadTransition(t *testing.T) {
	s, closer := newTestStore(t)
	defer closer()

	task := putTestTask(t, s, store.TaskPending)
	if code := runTaskResume(s.Root(), s, []string{task.ID}); code != exitGeneric {
		t.Fatalf("runTaskResume() = %d, want %d", code, exitGeneric)
	}
}

func TestRunTaskListFiltersByStatus(t *testing.T) {
	s, closer := newTestStore(t)
	defer closer()

	putTestTask(t, s, store.TaskDeveloping)
	putTestTask(t, s, store.TaskCompleted)

	if code := runTaskList(s, []string{"--status", "developing"}); code != exitOK {
		t.Fatalf("runTaskList() = %d, want %d", code, exitOK)
	}
}

func TestTruncateLine(t *testing.T) {
	cases := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"line\nbreak", 20, "line break"},
		{"0123456789", 5, "01234..."},
	}
	for _, c := range cases {
		if got := truncateLine(c.in, c.n); got != c.want {
			t.Errorf("truncateLine(%q, %d) = %q, want %q", c.in, c.n, got, c.want)
		}
	}
}

func TestProcessAlive(t *testing.T) {
	if !processAlive(os.Getpid()) {
		t.Fatalf("processAlive(self pid) = false, want true")
	}
	if processAlive(0) {
		t.Fatalf("processAlive(0) = true, want false")
	}
	if processAlive(-1) {
		t.Fatalf("processAlive(-1) = true, want false")
	}
}

func TestSnapshotProviderEmptyInstance(t *testing.T) {
	s, closer := newTestStore(t)
	defer closer()

	task := putTestTask(t, s, store.TaskPending)
	provider := snapshotProvider(s, task.ID)
	snap := provider()
	if snap.Status != "pending" {
		t.Fatalf("Status = %q, want pending", snap.Status)
	}
	if len(snap.Nodes) != 0 || len(snap.Lines) != 0 {
		t.Fatalf("expected no nodes/lines for a task with no instance yet")
	}
}

func TestSnapshotProviderTailsConversation(t *testing.T) {
	s, closer := newTestStore(t)
	defer closer()

	task := putTestTask(t, s, store.TaskDeveloping)
	if err := s.PutInstance(task.ID, store.WorkflowInstance{TaskID: task.ID, Status: store.InstanceRunning}); err != nil {
		t.Fatalf("PutInstance: %v", err)
	}
	for i := 0; i < 15; i++ {
		if err := s.AppendConversationEntry(task.ID, store.ConversationEntry{Role: "assistant", Text: "line"}); err != nil {
			t.Fatalf("AppendConversationEntry: %v", err)
		}
	}

	snap := snapshotProvider(s, task.ID)()
	if len(snap.Lines) != 10 {
		t.Fatalf("len(Lines) = %d, want 10 (capped tail)", len(snap.Lines))
	}
}

func TestRunCreateCommandRejectsBadCron(t *testing.T) {
	dir := t.TempDir()
	code := runCreateCommand(dir, []string{"--schedule", "not a cron", "do the thing"})
	if code != exitBadArgs {
		t.Fatalf("runCreateCommand() = %d, want %d", code, exitBadArgs)
	}
}

func TestRunCreateCommandMissingDescription(t *testing.T) {
	dir := t.TempDir()
	if code := runCreateCommand(dir, nil); code != exitBadArgs {
		t.Fatalf("runCreateCommand() = %d, want %d", code, exitBadArgs)
	}
}

func TestRunCreateCommandNoRunSkipsLaunch(t *testing.T) {
	dir := t.TempDir()
	code := runCreateCommand(dir, []string{"--no-run", "investigate the flaky test"})
	if code != exitOK {
		t.Fatalf("runCreateCommand() = %d, want %d", code, exitOK)
	}

	s, closer, err := openStore(dir)
	if err != nil {
		t.Fatalf("openStore: %v", err)
	}
	defer closer()
	tasks, err := s.ListTasks()
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("len(tasks) = %d, want 1", len(tasks))
	}
	if tasks[0].Status != store.TaskPending {
		t.Fatalf("status = %q, want pending (no-run should not launch)", tasks[0].Status)
	}
}

func TestRunCreateCommandScheduleSkipsImmediateLaunch(t *testing.T) {
	dir := t.TempDir()
	code := runCreateCommand(dir, []string{"--schedule", "0 * * * *", "nightly sweep"})
	if code != exitOK {
		t.Fatalf("runCreateCommand() = %d, want %d", code, exitOK)
	}

	s, closer, err := openStore(dir)
	if err != nil {
		t.Fatalf("openStore: %v", err)
	}
	defer closer()
	tasks, err := s.ListTasks()
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(tasks) != 1 || tasks[0].ScheduleCron != "0 * * * *" {
		t.Fatalf("unexpected tasks: %+v", tasks)
	}
}
