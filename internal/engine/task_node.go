package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/go-claw/internal/backend"
	"github.com/basket/go-claw/internal/bus"
	otelpkg "github.com/basket/go-claw/internal/otel"
	"github.com/basket/go-claw/internal/safety"
	"github.com/basket/go-claw/internal/store"
)

// executeTask resolves the node's persona, builds a prompt from the
// instance's accumulated outputs/variables, calls the Backend Adapter, and
// records the exchange to the task's conversation log (spec.md §4.6
// "task" row).
func (e *Engine) executeTask(ctx context.Context, taskID string, node store.Node, inst *store.WorkflowInstance) NodeResult {
	ctx = traceScope(ctx, taskID, inst.ID, node.ID)

	systemPrompt := ""
	if e.Persona != nil {
		systemPrompt = e.Persona.ResolvePersona(node.Config.Persona)
	}
	prompt := buildTaskPrompt(systemPrompt, node.Config.Prompt, inst)

	if e.Sanitizer != nil {
		switch check := e.Sanitizer.Check(prompt); check.Action {
		case safety.ActionBlock:
			return NodeResult{Error: check.MustAllow().Error()}
		case safety.ActionWarn:
			e.Logger.Warn("engine: sanitizer warning on task prompt", "taskId", taskID, "nodeId", node.ID, "reason", check.Reason)
		}
	}

	if e.Store != nil {
		_ = e.Store.AppendConversationEntry(taskID, store.ConversationEntry{Role: "user", Text: prompt})
	}
	if e.Bus != nil {
		e.Bus.Emit(bus.Event{Type: bus.EventNodeStarted, TaskID: taskID, InstanceID: inst.ID, NodeID: node.ID})
	}

	if e.Backend == nil {
		return NodeResult{Error: "no backend configured"}
	}
	sessionID, _ := inst.Variables["_sessionId"].(string)
	opts := backend.Options{Prompt: prompt, SessionID: sessionID}

	backendCtx := ctx
	if e.Tracer != nil {
		var span trace.Span
		backendCtx, span = otelpkg.StartBackendSpan(ctx, e.Tracer, opts.BackendType, opts.Model)
		defer span.End()
	}
	start := time.Now()
	result, err := e.Backend.Invoke(backendCtx, opts)
	if e.Metrics != nil {
		e.Metrics.BackendDuration.Record(ctx, time.Since(start).Seconds())
	}
	if err != nil {
		return NodeResult{Error: err.Error()}
	}
	if e.Metrics != nil && result.CostUSD > 0 {
		e.Metrics.BackendCostUSD.Add(ctx, result.CostUSD)
	}

	if e.LeakDetector != nil {
		if warnings := e.LeakDetector.Scan(result.Response); len(warnings) > 0 {
			for _, w := range warnings {
				e.Logger.Warn("engine: possible secret leak in backend output", "taskId", taskID, "nodeId", node.ID, "pattern", w.Pattern, "sample", w.Sample)
			}
		}
	}
	if e.Store != nil {
		_ = e.Store.AppendConversationEntry(taskID, store.ConversationEntry{Role: "assistant", Text: result.Response, SessionID: result.SessionID})
	}
	if inst.Variables == nil {
		inst.Variables = map[string]interface{}{}
	}
	if result.SessionID != "" {
		inst.Variables["_sessionId"] = result.SessionID
	}

	return NodeResult{Success: true, Output: result.Response}
}

func buildTaskPrompt(systemPrompt, nodePrompt string, inst *store.WorkflowInstance) string {
	var b strings.Builder
	if systemPrompt != "" {
		b.WriteString(systemPrompt)
		b.WriteString("\n\n")
	}
	b.WriteString(nodePrompt)
	if len(inst.Outputs) > 0 {
		b.WriteString("\n\nContext from prior steps:\n")
		for k, v := range inst.Outputs {
			fmt.Fprintf(&b, "- %s: %v\n", k, v)
		}
	}
	return b.String()
}
