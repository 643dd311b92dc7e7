package runner

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/basket/go-claw/internal/bus"
	"github.com/basket/go-claw/internal/memory"
	"github.com/basket/go-claw/internal/store"
)

const maxOutputPreview = 2000

// finalize is spec.md §4.7's finalize phase: render outputs/result.md,
// flip the task to its terminal status, and synchronously emit
// task:completed so any subscriber (notifications, sessions) flushes
// before the process exits.
func (r *Runner) finalize(ctx context.Context, taskID string, inst store.WorkflowInstance) error {
	task, ok := r.Store.GetTask(taskID)
	if !ok {
		return fmt.Errorf("task %q disappeared before finalize", taskID)
	}

	markdown := renderResult(task, inst)
	if err := r.Store.PutResultMarkdown(taskID, markdown); err != nil {
		r.Logger.Error("runner: failed to write result.md", "taskId", taskID, "error", err)
	}

	if r.Bus != nil {
		r.persistDirtyStats(taskID, inst.ID, inst.ID)
		r.Bus.Stats().Forget(inst.ID)
	}

	now := time.Now().UTC()
	switch inst.Status {
	case store.InstanceCompleted:
		task.Status = store.TaskCompleted
	case store.InstanceCancelled:
		task.Status = store.TaskCancelled
	default:
		task.Status = store.TaskFailed
	}
	task.Output = summarize(inst)
	task.UpdatedAt = now
	if err := r.Store.PutTask(task); err != nil {
		r.Logger.Error("runner: failed to persist terminal task status", "taskId", taskID, "error", err)
	}

	if r.Bus != nil {
		r.Bus.EmitAsync(bus.Event{
			Type:       bus.EventTaskCompleted,
			TaskID:     taskID,
			InstanceID: inst.ID,
			Payload: map[string]interface{}{
				"status": string(task.Status),
			},
		})
	}

	if r.Memory != nil {
		r.reinforceTaskMemories(task, reinforceSourceForStatus(task.Status))
	}

	return nil
}

// reinforceSourceForStatus maps a terminal task status to the memory
// reinforcement source it implies (spec.md §4.10 task_success/task_failure).
func reinforceSourceForStatus(status store.TaskStatus) memory.ReinforceSource {
	if status == store.TaskCompleted {
		return memory.SourceTaskSuccess
	}
	return memory.SourceTaskFailure
}

func (r *Runner) reinforceTaskMemories(task store.Task, source memory.ReinforceSource) {
	entries, err := r.Store.ListMemories()
	if err != nil {
		return
	}
	for _, m := range entries {
		if m.Source != task.ID {
			continue
		}
		if err := r.Memory.ReinforceByID(m.ID, source); err != nil {
			r.Logger.Error("runner: failed to reinforce task memory", "memoryId", m.ID, "error", err)
		}
	}
}

func renderResult(task store.Task, inst store.WorkflowInstance) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", task.Title)
	fmt.Fprintf(&b, "Status: **%s**\n\n", task.Status)
	if inst.Error != "" {
		fmt.Fprintf(&b, "Error: %s\n\n", inst.Error)
	}

	b.WriteString("## Steps\n\n")
	ids := make([]string, 0, len(inst.NodeStates))
	for id := range inst.NodeStates {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		ns := inst.NodeStates[id]
		fmt.Fprintf(&b, "- `%s` — %s (%dms)", id, ns.Status, ns.DurationMs)
		if ns.Error != "" {
			fmt.Fprintf(&b, " — error: %s", ns.Error)
		}
		b.WriteString("\n")
		if ns.Result != nil {
			fmt.Fprintf(&b, "  %s\n", truncate(fmt.Sprintf("%v", ns.Result), maxOutputPreview))
		}
	}

	if answer, ok := inst.Variables["answer"].(string); ok && answer != "" {
		b.WriteString("\n## Answer\n\n")
		b.WriteString(answer)
		b.WriteString("\n")
	}

	return b.String()
}

func summarize(inst store.WorkflowInstance) string {
	if answer, ok := inst.Variables["answer"].(string); ok && answer != "" {
		return truncate(answer, maxOutputPreview)
	}
	if inst.Error != "" {
		return inst.Error
	}
	return fmt.Sprintf("workflow %s finished with status %s across %d nodes", inst.WorkflowID, inst.Status, len(inst.NodeStates))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "... [truncated]"
}
