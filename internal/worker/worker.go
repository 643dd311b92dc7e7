// Package worker is the poll loop that drains the queue, asks the Engine to
// execute each job's node, and re-derives next jobs from the graph
// component (spec.md §4.5).
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/go-claw/internal/bus"
	"github.com/basket/go-claw/internal/engine"
	"github.com/basket/go-claw/internal/graph"
	otelpkg "github.com/basket/go-claw/internal/otel"
	"github.com/basket/go-claw/internal/queue"
	"github.com/basket/go-claw/internal/store"
)

const defaultPollInterval = time.Second

// Worker is one poll loop instance. A daemon runs one process-wide Worker;
// a task runner process (spec.md §4.7) runs its own with Concurrency 1.
type Worker struct {
	Store        *store.Store
	Queue        *queue.Queue
	Engine       *engine.Engine
	Bus          *bus.Bus
	Concurrency  int
	PollInterval time.Duration
	Logger       *slog.Logger
	Metrics      *otelpkg.Metrics // optional; nil skips gauge updates

	mu           sync.Mutex
	inFlight     int
	lastQueueObs int64
	wg           sync.WaitGroup
}

// New builds a Worker. concurrency <= 0 defaults to 1.
func New(s *store.Store, q *queue.Queue, eng *engine.Engine, b *bus.Bus, concurrency int, logger *slog.Logger) *Worker {
	if concurrency <= 0 {
		concurrency = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{Store: s, Queue: q, Engine: eng, Bus: b, Concurrency: concurrency, PollInterval: defaultPollInterval, Logger: logger}
}

// Run ticks every PollInterval until ctx is cancelled, promoting delayed
// jobs and spawning a goroutine per dequeued job up to Concurrency (spec.md
// §4.5). It blocks until ctx is done, then waits for in-flight jobs to
// finish before returning.
func (w *Worker) Run(ctx context.Context) {
	interval := w.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.wg.Wait()
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *Worker) tick(ctx context.Context) {
	if _, err := w.Queue.PromoteDelayed(ctx); err != nil {
		w.Logger.Error("worker: promote delayed failed", "error", err)
	}
	if w.Metrics != nil {
		if pending, err := w.Queue.ListByStatus(ctx, queue.StatusWaiting); err == nil {
			depth := int64(len(pending))
			w.Metrics.QueueDepth.Add(ctx, depth-w.lastQueueObs)
			w.lastQueueObs = depth
		}
	}

	for w.slotAvailable() {
		job, err := w.Queue.Dequeue(ctx)
		if err != nil {
			w.Logger.Error("worker: dequeue failed", "error", err)
			return
		}
		if job == nil {
			return
		}
		w.acquireSlot(ctx)
		w.wg.Add(1)
		go func(j queue.Job) {
			defer w.wg.Done()
			defer w.releaseSlot(ctx)
			w.processJob(ctx, j)
		}(*job)
	}
}

func (w *Worker) slotAvailable() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.inFlight < w.Concurrency
}

func (w *Worker) acquireSlot(ctx context.Context) {
	w.mu.Lock()
	w.inFlight++
	w.mu.Unlock()
	if w.Metrics != nil {
		w.Metrics.ActiveWorkers.Add(ctx, 1)
	}
}

func (w *Worker) releaseSlot(ctx context.Context) {
	w.mu.Lock()
	w.inFlight--
	w.mu.Unlock()
	if w.Metrics != nil {
		w.Metrics.ActiveWorkers.Add(ctx, -1)
	}
}

// processJob runs one job to completion: execute the node, persist the
// resulting instance/node-state transition, settle the job's queue status,
// and enqueue whatever nodes become reachable next (spec.md §4.5).
func (w *Worker) processJob(ctx context.Context, job queue.Job) {
	taskID := job.Data.TaskID
	wf, ok := w.Store.GetWorkflow(taskID)
	if !ok {
		w.Logger.Error("worker: workflow not found", "taskId", taskID, "jobId", job.ID)
		_ = w.Queue.MarkFailed(ctx, job.ID, "workflow not found")
		return
	}
	inst, ok := w.Store.GetInstance(taskID)
	if !ok {
		w.Logger.Error("worker: instance not found", "taskId", taskID, "jobId", job.ID)
		_ = w.Queue.MarkFailed(ctx, job.ID, "instance not found")
		return
	}

	now := time.Now().UTC()
	if inst.NodeStates == nil {
		inst.NodeStates = map[string]store.NodeState{}
	}
	state := inst.NodeStates[job.Data.NodeID]
	state.Status = store.NodeRunning
	state.Attempts = job.Attempts + 1
	state.StartedAt = &now
	inst.NodeStates[job.Data.NodeID] = state

	result := w.Engine.ExecuteNode(ctx, taskID, wf, &inst, job.Data.NodeID, job.Data)

	switch {
	case result.Waiting:
		w.settleWaiting(ctx, taskID, &inst, job)
	case result.Error != "":
		w.settleFailure(ctx, taskID, &inst, job, result)
	default:
		w.settleSuccess(ctx, taskID, wf, &inst, job, result)
	}
}

func (w *Worker) settleWaiting(ctx context.Context, taskID string, inst *store.WorkflowInstance, job queue.Job) {
	state := inst.NodeStates[job.Data.NodeID]
	state.Status = store.NodeWaiting
	inst.NodeStates[job.Data.NodeID] = state
	_ = w.Store.PutInstance(taskID, *inst)
	if err := w.Queue.MarkHumanWaiting(ctx, job.ID); err != nil {
		w.Logger.Error("worker: mark human waiting failed", "error", err)
	}
}

func (w *Worker) settleFailure(ctx context.Context, taskID string, inst *store.WorkflowInstance, job queue.Job, result engine.NodeResult) {
	decision := ShouldRetry(result.Error, job.Attempts+1)
	if decision.ShouldRetry {
		state := inst.NodeStates[job.Data.NodeID]
		state.Status = store.NodePending
		state.Error = result.Error
		inst.NodeStates[job.Data.NodeID] = state
		_ = w.Store.PutInstance(taskID, *inst)
		if err := w.Queue.MarkDelayed(ctx, job.ID, decision.DelayMs, result.Error); err != nil {
			w.Logger.Error("worker: mark delayed failed", "error", err)
		}
		return
	}

	now := time.Now().UTC()
	state := inst.NodeStates[job.Data.NodeID]
	state.Status = store.NodeFailed
	state.CompletedAt = &now
	state.Error = result.Error
	inst.NodeStates[job.Data.NodeID] = state

	// Fail-fast is the only supported instance policy: any node exhausting
	// its retries takes the whole instance down and drains its jobs.
	inst.Status = store.InstanceFailed
	inst.Error = result.Error
	inst.CompletedAt = &now
	_ = w.Store.PutInstance(taskID, *inst)

	if err := w.Queue.MarkFailed(ctx, job.ID, result.Error); err != nil {
		w.Logger.Error("worker: mark failed failed", "error", err)
	}
	if _, err := w.Queue.RemoveByInstance(ctx, inst.ID); err != nil {
		w.Logger.Error("worker: remove by instance failed", "error", err)
	}

	if w.Bus != nil {
		w.Bus.Emit(bus.Event{Type: bus.EventNodeFailed, TaskID: taskID, InstanceID: inst.ID, NodeID: job.Data.NodeID, Payload: map[string]interface{}{"error": result.Error}})
		w.Bus.EmitAsync(bus.Event{Type: bus.EventWorkflowFailed, TaskID: taskID, InstanceID: inst.ID, Payload: map[string]interface{}{"error": result.Error}})
	}
}

func (w *Worker) settleSuccess(ctx context.Context, taskID string, wf store.Workflow, inst *store.WorkflowInstance, job queue.Job, result engine.NodeResult) {
	now := time.Now().UTC()
	state := inst.NodeStates[job.Data.NodeID]
	if state.StartedAt != nil {
		state.DurationMs = now.Sub(*state.StartedAt).Milliseconds()
	}
	state.Status = store.NodeDone
	state.CompletedAt = &now
	state.Result = result.Output
	state.Error = ""
	inst.NodeStates[job.Data.NodeID] = state

	if inst.Outputs == nil {
		inst.Outputs = map[string]interface{}{}
	}
	if result.Output != nil {
		inst.Outputs[job.Data.NodeID] = result.Output
	}

	if err := w.Queue.MarkCompleted(ctx, job.ID); err != nil {
		w.Logger.Error("worker: mark completed failed", "error", err)
	}
	if w.Bus != nil {
		w.Bus.Emit(bus.Event{Type: bus.EventNodeCompleted, TaskID: taskID, InstanceID: inst.ID, NodeID: job.Data.NodeID, Payload: map[string]interface{}{"durationMs": state.DurationMs}})
	}

	idx := graph.Index(wf)

	next := result.NextNodes
	if next == nil {
		next = idx.ReadyNodes(*inst)
	}
	for _, nodeID := range next {
		ns := inst.NodeStates[nodeID]
		if ns.Status == store.NodePending || ns.Status == "" {
			ns.Status = store.NodeReady
			inst.NodeStates[nodeID] = ns
		}
		if _, err := w.Queue.Enqueue(ctx, queue.JobData{TaskID: taskID, WorkflowID: wf.ID, InstanceID: inst.ID, NodeID: nodeID, Attempt: 1}, queue.EnqueueOptions{}); err != nil {
			w.Logger.Error("worker: enqueue next node failed", "nodeId", nodeID, "error", err)
		}
	}

	done, stuck := idx.IsTerminal(*inst)
	if done {
		inst.Status = store.InstanceCompleted
		inst.CompletedAt = &now
	} else if stuck {
		inst.Status = store.InstanceFailed
		inst.Error = "no ready nodes and no active nodes: workflow is stuck"
		inst.CompletedAt = &now
	}
	_ = w.Store.PutInstance(taskID, *inst)

	if w.Bus != nil {
		switch {
		case done:
			w.Bus.EmitAsync(bus.Event{Type: bus.EventWorkflowCompleted, TaskID: taskID, InstanceID: inst.ID})
		case stuck:
			w.Bus.EmitAsync(bus.Event{Type: bus.EventWorkflowFailed, TaskID: taskID, InstanceID: inst.ID, Payload: map[string]interface{}{"error": inst.Error}})
		default:
			w.Bus.Emit(bus.Event{Type: bus.EventWorkflowProgress, TaskID: taskID, InstanceID: inst.ID, NodeID: job.Data.NodeID})
		}
	}
}
