package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/basket/go-claw/internal/backend"
	"github.com/basket/go-claw/internal/bus"
	"github.com/basket/go-claw/internal/engine"
	"github.com/basket/go-claw/internal/queue"
	"github.com/basket/go-claw/internal/store"
)

type fakeBackend struct {
	invoke func(ctx context.Context, opts backend.Options) (backend.Result, error)
}

func (f *fakeBackend) Invoke(ctx context.Context, opts backend.Options) (backend.Result, error) {
	return f.invoke(ctx, opts)
}
func (f *fakeBackend) CheckAvailable(ctx context.Context) bool { return true }

func newTestWorker(t *testing.T, be backend.Backend) (*Worker, *store.Store) {
	t.Helper()
	s, err := store.Open(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	q := queue.New(s)
	b := bus.New()
	eng := engine.New(s, be, b, nil, nil)
	w := New(s, q, eng, b, 2, nil)
	return w, s
}

func linearWorkflow(taskID string) store.Workflow {
	return store.Workflow{
		ID:     "wf-1",
		TaskID: taskID,
		Nodes: []store.Node{
			{ID: "start", Type: store.NodeStart},
			{ID: "a", Type: store.NodeTask, Config: store.NodeConfig{Prompt: "do the thing"}},
			{ID: "end", Type: store.NodeEnd},
		},
		Edges: []store.Edge{
			{From: "start", To: "a"},
			{From: "a", To: "end"},
		},
	}
}

func TestProcessJobSuccessEnqueuesNextNode(t *testing.T) {
	be := &fakeBackend{invoke: func(ctx context.Context, opts backend.Options) (backend.Result, error) {
		return backend.Result{Response: "done!"}, nil
	}}
	w, s := newTestWorker(t, be)
	taskID := "task-1"
	wf := linearWorkflow(taskID)
	if err := s.PutWorkflow(taskID, wf); err != nil {
		t.Fatalf("PutWorkflow: %v", err)
	}
	inst := store.WorkflowInstance{
		ID:         "inst-1",
		WorkflowID: wf.ID,
		Status:     store.InstanceRunning,
		NodeStates: map[string]store.NodeState{
			"start": {Status: store.NodeDone},
		},
	}
	if err := s.PutInstance(taskID, inst); err != nil {
		t.Fatalf("PutInstance: %v", err)
	}

	ctx := context.Background()
	if _, err := w.Queue.Enqueue(ctx, queue.JobData{TaskID: taskID, WorkflowID: wf.ID, InstanceID: inst.ID, NodeID: "a"}, queue.EnqueueOptions{}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	job, err := w.Queue.Dequeue(ctx)
	if err != nil || job == nil {
		t.Fatalf("Dequeue: job=%v err=%v", job, err)
	}
	w.processJob(ctx, *job)

	got, ok := s.GetInstance(taskID)
	if !ok {
		t.Fatal("expected instance to be persisted")
	}
	if got.NodeStates["a"].Status != store.NodeDone {
		t.Fatalf("expected node a done, got %v", got.NodeStates["a"].Status)
	}
	if got.Outputs["a"] != "done!" {
		t.Fatalf("expected output recorded, got %v", got.Outputs["a"])
	}

	waiting, err := w.Queue.ListByStatus(context.Background(), queue.StatusWaiting)
	if err != nil {
		t.Fatalf("ListByStatus: %v", err)
	}
	found := false
	for _, j := range waiting {
		if j.Data.NodeID == "end" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected end node enqueued, got %+v", waiting)
	}
}

func TestProcessJobPermanentFailureDrainsInstanceJobs(t *testing.T) {
	be := &fakeBackend{invoke: func(ctx context.Context, opts backend.Options) (backend.Result, error) {
		return backend.Result{}, errors.New("403 forbidden")
	}}
	w, s := newTestWorker(t, be)
	taskID := "task-2"
	wf := linearWorkflow(taskID)
	_ = s.PutWorkflow(taskID, wf)
	inst := store.WorkflowInstance{ID: "inst-2", WorkflowID: wf.ID, Status: store.InstanceRunning, NodeStates: map[string]store.NodeState{"start": {Status: store.NodeDone}}}
	_ = s.PutInstance(taskID, inst)

	ctx := context.Background()
	if _, err := w.Queue.Enqueue(ctx, queue.JobData{TaskID: taskID, WorkflowID: wf.ID, InstanceID: inst.ID, NodeID: "end"}, queue.EnqueueOptions{}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	job := queue.Job{ID: "job-2", Data: queue.JobData{TaskID: taskID, WorkflowID: wf.ID, InstanceID: inst.ID, NodeID: "a"}, MaxAttempts: 3}
	w.processJob(ctx, job)

	got, _ := s.GetInstance(taskID)
	if got.Status != store.InstanceFailed {
		t.Fatalf("expected instance failed, got %v", got.Status)
	}
	if got.NodeStates["a"].Status != store.NodeFailed {
		t.Fatalf("expected node a failed, got %v", got.NodeStates["a"].Status)
	}

	remaining, err := w.Queue.ListByStatus(ctx, queue.StatusWaiting)
	if err != nil {
		t.Fatalf("ListByStatus: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("expected all jobs for the instance drained, got %+v", remaining)
	}
}

func TestProcessJobTransientFailureReschedules(t *testing.T) {
	be := &fakeBackend{invoke: func(ctx context.Context, opts backend.Options) (backend.Result, error) {
		return backend.Result{}, errors.New("connection timeout")
	}}
	w, s := newTestWorker(t, be)
	taskID := "task-3"
	wf := linearWorkflow(taskID)
	_ = s.PutWorkflow(taskID, wf)
	inst := store.WorkflowInstance{ID: "inst-3", WorkflowID: wf.ID, Status: store.InstanceRunning, NodeStates: map[string]store.NodeState{"start": {Status: store.NodeDone}}}
	_ = s.PutInstance(taskID, inst)

	ctx := context.Background()
	if _, err := w.Queue.Enqueue(ctx, queue.JobData{TaskID: taskID, WorkflowID: wf.ID, InstanceID: inst.ID, NodeID: "a"}, queue.EnqueueOptions{}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	job, err := w.Queue.Dequeue(ctx)
	if err != nil || job == nil {
		t.Fatalf("Dequeue: job=%v err=%v", job, err)
	}
	w.processJob(ctx, *job)

	got, _ := s.GetInstance(taskID)
	if got.Status == store.InstanceFailed {
		t.Fatal("transient failure should not fail the instance")
	}
	if got.NodeStates["a"].Status != store.NodePending {
		t.Fatalf("expected node a back to pending for retry, got %v", got.NodeStates["a"].Status)
	}

	delayed, err := w.Queue.ListByStatus(ctx, queue.StatusDelayed)
	if err != nil {
		t.Fatalf("ListByStatus: %v", err)
	}
	if len(delayed) != 1 {
		t.Fatalf("expected job rescheduled as delayed, got %+v", delayed)
	}
}

func TestProcessJobHumanNodeMarksWaiting(t *testing.T) {
	w, s := newTestWorker(t, nil)
	taskID := "task-4"
	wf := store.Workflow{
		ID:     "wf-4",
		TaskID: taskID,
		Nodes: []store.Node{
			{ID: "start", Type: store.NodeStart},
			{ID: "approve", Type: store.NodeHuman, Config: store.NodeConfig{ApprovalPrompt: "ok to proceed?"}},
			{ID: "end", Type: store.NodeEnd},
		},
		Edges: []store.Edge{{From: "start", To: "approve"}, {From: "approve", To: "end"}},
	}
	_ = s.PutWorkflow(taskID, wf)
	inst := store.WorkflowInstance{ID: "inst-4", WorkflowID: wf.ID, Status: store.InstanceRunning, NodeStates: map[string]store.NodeState{"start": {Status: store.NodeDone}}}
	_ = s.PutInstance(taskID, inst)

	ctx := context.Background()
	jobID, err := w.Queue.Enqueue(ctx, queue.JobData{TaskID: taskID, WorkflowID: wf.ID, InstanceID: inst.ID, NodeID: "approve"}, queue.EnqueueOptions{})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	job, err := w.Queue.Dequeue(ctx)
	if err != nil || job == nil {
		t.Fatalf("Dequeue: job=%v err=%v", job, err)
	}

	w.processJob(ctx, *job)

	got, _ := s.GetInstance(taskID)
	if got.NodeStates["approve"].Status != store.NodeWaiting {
		t.Fatalf("expected node waiting, got %v", got.NodeStates["approve"].Status)
	}

	waiting, err := w.Queue.ListByStatus(ctx, queue.StatusHumanWaiting)
	if err != nil {
		t.Fatalf("ListByStatus: %v", err)
	}
	found := false
	for _, j := range waiting {
		if j.ID == jobID {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected job %s marked human_waiting, got %+v", jobID, waiting)
	}
}

func TestWorkerTickDrainsEligibleJobs(t *testing.T) {
	be := &fakeBackend{invoke: func(ctx context.Context, opts backend.Options) (backend.Result, error) {
		return backend.Result{Response: "ok"}, nil
	}}
	w, s := newTestWorker(t, be)
	taskID := "task-5"
	wf := linearWorkflow(taskID)
	_ = s.PutWorkflow(taskID, wf)
	inst := store.WorkflowInstance{ID: "inst-5", WorkflowID: wf.ID, Status: store.InstanceRunning, NodeStates: map[string]store.NodeState{"start": {Status: store.NodeDone}}}
	_ = s.PutInstance(taskID, inst)

	ctx := context.Background()
	if _, err := w.Queue.Enqueue(ctx, queue.JobData{TaskID: taskID, WorkflowID: wf.ID, InstanceID: inst.ID, NodeID: "a"}, queue.EnqueueOptions{}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	w.tick(ctx)
	w.wg.Wait()

	got, _ := s.GetInstance(taskID)
	if got.NodeStates["a"].Status != store.NodeDone {
		t.Fatalf("expected tick to process the job, got %v", got.NodeStates["a"].Status)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	w, _ := newTestWorker(t, &fakeBackend{invoke: func(ctx context.Context, opts backend.Options) (backend.Result, error) {
		return backend.Result{}, nil
	}})
	w.PollInterval = 10 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancel")
	}
}
