// Package runner is the Task Runner (spec.md §4.7): the detached
// per-task process that plans a workflow, drives it to completion
// through its own Worker, and finalizes the task's terminal state.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/go-claw/internal/backend"
	"github.com/basket/go-claw/internal/bus"
	"github.com/basket/go-claw/internal/engine"
	"github.com/basket/go-claw/internal/graph"
	"github.com/basket/go-claw/internal/ids"
	"github.com/basket/go-claw/internal/memory"
	"github.com/basket/go-claw/internal/queue"
	"github.com/basket/go-claw/internal/store"
	"github.com/basket/go-claw/internal/worker"
)

// recentNodeActivityThreshold is spec.md §4.7's resume-conflict guard: a
// running node whose startedAt is this recent is presumed to belong to a
// still-live sibling process.
const recentNodeActivityThreshold = 60 * time.Second

const pollInterval = time.Second

// PersonaResolver maps a persona name (e.g. "architect") to a system prompt.
type PersonaResolver interface {
	ResolvePersona(name string) string
}

// Runner drives one task from plan through finalize. One process runs
// exactly one Runner for exactly one task (spec.md §4.7).
type Runner struct {
	Store   *store.Store
	Queue   *queue.Queue
	Engine  *engine.Engine
	Bus     *bus.Bus
	Backend backend.Backend
	Persona PersonaResolver
	Memory  *memory.Engine
	Logger  *slog.Logger

	workflowSchema *jsonschema.Schema
}

// New builds a Runner. Concurrency for the task's own Worker is fixed at
// 1 (spec.md §4.7 "bounded concurrency 1 for this task runner").
func New(s *store.Store, q *queue.Queue, eng *engine.Engine, b *bus.Bus, be backend.Backend, persona PersonaResolver, mem *memory.Engine, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	schema, err := compileWorkflowSchema()
	if err != nil {
		logger.Error("runner: failed to compile workflow schema, falling back to graph.Validate only", "error", err)
	}
	return &Runner{Store: s, Queue: q, Engine: eng, Bus: b, Backend: be, Persona: persona, Memory: mem, Logger: logger, workflowSchema: schema}
}

// Run executes the full lifecycle for taskID: plan (unless resuming),
// execute, and finalize (spec.md §4.7).
func (r *Runner) Run(ctx context.Context, taskID string, resume bool) error {
	task, ok := r.Store.GetTask(taskID)
	if !ok {
		return fmt.Errorf("task %q not found", taskID)
	}

	var wf store.Workflow
	var inst store.WorkflowInstance

	if resume {
		var err error
		wf, inst, err = r.prepareResume(ctx, task)
		if err != nil {
			return err
		}
	} else {
		var err error
		wf, err = r.plan(ctx, task)
		if err != nil {
			task.Status = store.TaskFailed
			task.Output = err.Error()
			task.UpdatedAt = time.Now().UTC()
			_ = r.Store.PutTask(task)
			return err
		}
		task, _ = r.Store.GetTask(taskID)
		inst = r.startInstance(task, wf)
	}

	w := worker.New(r.Store, r.Queue, r.Engine, r.Bus, 1, r.Logger)
	w.PollInterval = pollInterval
	workerCtx, cancelWorker := context.WithCancel(ctx)
	go w.Run(workerCtx)

	finalInst, finalCancel, err := r.waitForCompletion(ctx, task.ID, inst.ID, w, cancelWorker)
	finalCancel()
	if err != nil {
		return err
	}

	return r.finalize(ctx, task.ID, finalInst)
}

// startInstance creates and persists a fresh instance for wf and enqueues
// its start node (spec.md §4.7 execute phase).
func (r *Runner) startInstance(task store.Task, wf store.Workflow) store.WorkflowInstance {
	now := time.Now().UTC()
	task.Status = store.TaskDeveloping
	task.UpdatedAt = now
	_ = r.Store.PutTask(task)

	inst := store.WorkflowInstance{
		ID:         ids.NewPrefixed("inst"),
		WorkflowID: wf.ID,
		Status:     store.InstanceRunning,
		NodeStates: map[string]store.NodeState{},
		Variables:  copyVariables(wf.Variables),
		Outputs:    map[string]interface{}{},
		LoopCounts: map[string]int{},
		StartedAt:  &now,
	}
	_ = r.Store.PutInstance(task.ID, inst)

	startNode := "start"
	for _, n := range wf.Nodes {
		if n.Type == store.NodeStart {
			startNode = n.ID
			break
		}
	}
	if _, err := r.Queue.Enqueue(context.Background(), queue.JobData{
		TaskID: task.ID, WorkflowID: wf.ID, InstanceID: inst.ID, NodeID: startNode, Attempt: 1,
	}, queue.EnqueueOptions{}); err != nil {
		r.Logger.Error("runner: enqueue start node failed", "taskId", task.ID, "error", err)
	}
	if r.Bus != nil {
		r.Bus.Emit(bus.Event{Type: bus.EventWorkflowStarted, TaskID: task.ID, InstanceID: inst.ID})
	}
	return inst
}

func copyVariables(vars map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(vars))
	for k, v := range vars {
		out[k] = v
	}
	return out
}

// waitForCompletion is spec.md §4.7's completion wait loop: poll the
// instance, stop the worker and wait while the task is paused, and
// return once the instance reaches a terminal status.
func (r *Runner) waitForCompletion(ctx context.Context, taskID, instanceID string, w *worker.Worker, cancelWorker context.CancelFunc) (store.WorkflowInstance, context.CancelFunc, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	paused := false
	for {
		select {
		case <-ctx.Done():
			return store.WorkflowInstance{}, cancelWorker, ctx.Err()
		case <-ticker.C:
		}

		inst, ok := r.Store.GetInstance(taskID)
		if !ok {
			return store.WorkflowInstance{}, cancelWorker, fmt.Errorf("instance for task %q disappeared", taskID)
		}
		if inst.Status == store.InstanceCompleted || inst.Status == store.InstanceFailed || inst.Status == store.InstanceCancelled {
			return inst, cancelWorker, nil
		}

		task, _ := r.Store.GetTask(taskID)
		if task.Status == store.TaskPaused {
			if !paused {
				paused = true
				cancelWorker()
				_ = r.Store.AppendExecutionLog(taskID, "info", "runner", "worker stopped: task paused")
			}
			continue
		}
		if paused && task.Status != store.TaskPaused {
			paused = false
			var restartCtx context.Context
			restartCtx, cancelWorker = context.WithCancel(ctx)
			go w.Run(restartCtx)
			if _, err := r.Queue.ResumeWaitingForInstance(ctx, instanceID); err != nil {
				r.Logger.Error("runner: resume waiting jobs failed", "error", err)
			}
			_ = r.Store.AppendExecutionLog(taskID, "info", "runner", "worker restarted: task unpaused")
		}

		if r.Bus != nil {
			r.Bus.Emit(bus.Event{Type: bus.EventWorkflowProgress, TaskID: taskID, InstanceID: instanceID})
			r.persistDirtyStats(taskID, instanceID, "")
		}
	}
}

// persistDirtyStats is spec.md §4.8's debounced stats.json write: every
// instance whose StatsAggregator entry is dirty (or matches terminal) gets
// its WorkflowExecutionStats translated and persisted. Called once per
// pollInterval tick, which doubles as the 1s debounce window.
func (r *Runner) persistDirtyStats(taskID, instanceID, terminal string) {
	for _, st := range r.Bus.Stats().TakeDirty(terminal) {
		if st.InstanceID != instanceID {
			continue
		}
		if err := r.Store.PutStats(taskID, statsFromAggregate(st)); err != nil {
			r.Logger.Error("runner: failed to persist stats.json", "taskId", taskID, "error", err)
		}
	}
}

// statsFromAggregate converts the bus's live per-instance counters into the
// WorkflowExecutionStats shape stats.json persists (spec.md §4.8).
func statsFromAggregate(st bus.InstanceStats) store.WorkflowExecutionStats {
	running := st.NodesStarted - st.NodesCompleted - st.NodesFailed - st.NodesSkipped
	if running < 0 {
		running = 0
	}
	counts := map[store.NodeExecStatus]int{
		store.NodeDone:    st.NodesCompleted,
		store.NodeFailed:  st.NodesFailed,
		store.NodeSkipped: st.NodesSkipped,
	}
	if running > 0 {
		counts[store.NodeRunning] = running
	}
	return store.WorkflowExecutionStats{
		InstanceID:     st.InstanceID,
		NodeCounts:     counts,
		TotalNodes:     st.NodesStarted,
		NodeDurationMs: st.NodeDurationMs,
		NodeCostUsd:    st.NodeCostUSD,
		UpdatedAt:      st.UpdatedAt,
	}
}

// prepareResume reloads an interrupted instance, resets any running nodes
// to pending, recomputes ready nodes, and re-enqueues them (spec.md §4.7
// resume path). It guards against a still-live sibling process.
func (r *Runner) prepareResume(ctx context.Context, task store.Task) (store.Workflow, store.WorkflowInstance, error) {
	wf, ok := r.Store.GetWorkflow(task.ID)
	if !ok {
		return store.Workflow{}, store.WorkflowInstance{}, fmt.Errorf("resume requested but workflow.json missing for task %q", task.ID)
	}
	inst, ok := r.Store.GetInstance(task.ID)
	if !ok {
		return store.Workflow{}, store.WorkflowInstance{}, fmt.Errorf("resume requested but instance.json missing for task %q", task.ID)
	}

	if conflict := r.detectResumeConflict(task.ID, inst); conflict {
		return store.Workflow{}, store.WorkflowInstance{}, fmt.Errorf("resume conflict: task %q appears to have a live sibling process", task.ID)
	}

	now := time.Now().UTC()
	for id, ns := range inst.NodeStates {
		if ns.Status == store.NodeRunning {
			ns.Status = store.NodePending
			ns.StartedAt = nil
			inst.NodeStates[id] = ns
		}
	}
	inst.Status = store.InstanceRunning
	_ = r.Store.PutInstance(task.ID, inst)

	idx := graph.Index(wf)
	for _, nodeID := range idx.ReadyNodes(inst) {
		ns := inst.NodeStates[nodeID]
		ns.Status = store.NodeReady
		inst.NodeStates[nodeID] = ns
		if _, err := r.Queue.Enqueue(ctx, queue.JobData{TaskID: task.ID, WorkflowID: wf.ID, InstanceID: inst.ID, NodeID: nodeID, Attempt: 1}, queue.EnqueueOptions{}); err != nil {
			r.Logger.Error("runner: resume enqueue failed", "nodeId", nodeID, "error", err)
		}
	}
	_ = r.Store.PutInstance(task.ID, inst)

	task.Status = store.TaskDeveloping
	task.UpdatedAt = now
	_ = r.Store.PutTask(task)

	return wf, inst, nil
}

// detectResumeConflict implements the ~60s recent-activity check: if any
// running node started within the threshold, sleep 5s and recheck before
// concluding a sibling process is genuinely still live.
func (r *Runner) detectResumeConflict(taskID string, inst store.WorkflowInstance) bool {
	if !hasRecentRunningNode(inst) {
		return false
	}
	time.Sleep(5 * time.Second)
	fresh, ok := r.Store.GetInstance(taskID)
	if !ok {
		return false
	}
	return hasRecentRunningNode(fresh)
}

func hasRecentRunningNode(inst store.WorkflowInstance) bool {
	now := time.Now().UTC()
	for _, ns := range inst.NodeStates {
		if ns.Status == store.NodeRunning && ns.StartedAt != nil && now.Sub(*ns.StartedAt) < recentNodeActivityThreshold {
			return true
		}
	}
	return false
}
