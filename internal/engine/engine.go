// Package engine is the single source of truth for node-type dispatch
// (spec.md §4.6): executeNode resolves one node's behavior, mutates the
// instance, and persists it back atomically after every transition.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/go-claw/internal/backend"
	"github.com/basket/go-claw/internal/bus"
	"github.com/basket/go-claw/internal/expr"
	otelpkg "github.com/basket/go-claw/internal/otel"
	"github.com/basket/go-claw/internal/queue"
	"github.com/basket/go-claw/internal/safety"
	"github.com/basket/go-claw/internal/sandbox"
	"github.com/basket/go-claw/internal/shared"
	"github.com/basket/go-claw/internal/store"
)

// Sentinel outcome a task/human node can signal instead of success/failure.
const WaitingForApproval = "WAITING_FOR_APPROVAL"

// NodeResult is executeNode's uniform return shape (spec.md §4.5/§4.6).
type NodeResult struct {
	Success   bool
	Output    interface{}
	Error     string
	Waiting   bool // WAITING_FOR_APPROVAL sentinel
	NextNodes []string
}

// PersonaResolver maps a task node's persona name to a system prompt; the
// planner/runner own the concrete persona table (spec.md §4.7 "architect"
// persona etc).
type PersonaResolver interface {
	ResolvePersona(name string) string
}

// Engine dispatches node execution by type and is the only writer of
// instance state (spec.md §4.6).
type Engine struct {
	Store   *store.Store
	Backend backend.Backend
	Bus     *bus.Bus
	Persona PersonaResolver
	Logger  *slog.Logger

	// Tracer and Metrics are optional; a nil Tracer/Metrics skips span
	// creation and metric recording entirely rather than using a noop
	// implementation, so Engine works unmodified in existing callers and
	// tests that never set them.
	Tracer  trace.Tracer
	Metrics *otelpkg.Metrics

	// Sandbox is optional; a "script" node with Config.SkillModule set
	// requires it, everything else (the expr path) works without one.
	Sandbox *sandbox.Host

	// Sanitizer and LeakDetector are optional; nil skips the corresponding
	// check entirely rather than allowing everything through silently.
	Sanitizer    *safety.Sanitizer
	LeakDetector *safety.LeakDetector
}

// New builds an Engine. logger may be nil (defaults applied).
func New(s *store.Store, be backend.Backend, b *bus.Bus, persona PersonaResolver, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{Store: s, Backend: be, Bus: b, Persona: persona, Logger: logger}
}

// ExecuteNode resolves and runs one node of one instance by type (spec.md
// §4.6's dispatch table), mutating inst in place. It does not persist —
// callers (the worker) own the persist-after-transition step so that a
// single call to PutInstance serializes the whole mutation.
func (e *Engine) ExecuteNode(ctx context.Context, taskID string, wf store.Workflow, inst *store.WorkflowInstance, nodeID string, job queue.JobData) NodeResult {
	node, ok := nodeByID(wf, nodeID)
	if !ok {
		return NodeResult{Error: fmt.Sprintf("unknown node %q", nodeID)}
	}

	if e.Tracer != nil {
		var span trace.Span
		ctx, span = otelpkg.StartNodeSpan(ctx, e.Tracer, taskID, inst.ID, nodeID, string(node.Type))
		defer span.End()
	}
	if e.Metrics != nil {
		start := time.Now()
		defer func() {
			e.Metrics.NodeDuration.Record(ctx, time.Since(start).Seconds())
		}()
	}

	result := e.executeNode(ctx, taskID, wf, node, inst, job)
	if e.Metrics != nil && result.Error != "" {
		e.Metrics.NodeFailures.Add(ctx, 1)
	}
	return result
}

func (e *Engine) executeNode(ctx context.Context, taskID string, wf store.Workflow, node store.Node, inst *store.WorkflowInstance, job queue.JobData) NodeResult {
	switch node.Type {
	case store.NodeStart, store.NodeEnd, store.NodeParallel, store.NodeJoin, store.NodeCondition:
		return NodeResult{Success: true}
	case store.NodeTask:
		return e.executeTask(ctx, taskID, node, inst)
	case store.NodeHuman:
		return e.executeHuman(ctx, taskID, node, inst)
	case store.NodeDelay:
		return NodeResult{Success: true, Output: map[string]interface{}{"delayMs": node.Config.DelayMs}}
	case store.NodeSchedule:
		return e.executeSchedule(node)
	case store.NodeSwitch:
		return e.executeSwitch(node, inst)
	case store.NodeAssign:
		return e.executeAssign(node, inst)
	case store.NodeScript:
		return e.executeScript(ctx, node, inst)
	case store.NodeLoop:
		return e.executeLoop(node, inst)
	case store.NodeForeach:
		return e.executeForeach(node, inst)
	default:
		return NodeResult{Error: fmt.Sprintf("unhandled node type %q", node.Type)}
	}
}

func nodeByID(wf store.Workflow, id string) (store.Node, bool) {
	for _, n := range wf.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return store.Node{}, false
}

func scopeOf(inst *store.WorkflowInstance) expr.Scope {
	return expr.Scope{
		Outputs:    inst.Outputs,
		Variables:  inst.Variables,
		LoopCount:  inst.LoopCounts,
		NodeStates: nodeStatesAsMap(inst.NodeStates),
	}
}

func nodeStatesAsMap(states map[string]store.NodeState) map[string]interface{} {
	out := make(map[string]interface{}, len(states))
	for id, s := range states {
		out[id] = map[string]interface{}{"status": string(s.Status), "attempts": s.Attempts, "error": s.Error}
	}
	return out
}

// ApprovalVariablePrefix namespaces a human node's recorded decision within
// an instance's Variables ("approval:<nodeId>" -> "approved"|"rejected"),
// set by whatever channel surfaced the approval before it calls
// resumeWaitingForInstance. Re-dispatching the node consumes the decision
// instead of emitting a second notification.
const ApprovalVariablePrefix = "approval:"

func (e *Engine) executeHuman(ctx context.Context, taskID string, node store.Node, inst *store.WorkflowInstance) NodeResult {
	if decision, ok := inst.Variables[ApprovalVariablePrefix+node.ID].(string); ok {
		if decision == "rejected" {
			return NodeResult{Error: "human approval rejected"}
		}
		return NodeResult{Success: true, Output: decision}
	}
	if e.Bus != nil {
		e.Bus.Emit(bus.Event{
			Type:       bus.EventNodeStarted,
			TaskID:     taskID,
			InstanceID: inst.ID,
			NodeID:     node.ID,
			Payload: map[string]interface{}{
				"approvalPrompt": node.Config.ApprovalPrompt,
			},
		})
	}
	return NodeResult{Waiting: true}
}

func (e *Engine) executeSchedule(node store.Node) NodeResult {
	if node.Config.At == nil {
		return NodeResult{Success: true}
	}
	delay := time.Until(*node.Config.At)
	if delay < 0 {
		delay = 0
	}
	return NodeResult{Success: true, Output: map[string]interface{}{"delayMs": delay.Milliseconds()}}
}

func (e *Engine) executeSwitch(node store.Node, inst *store.WorkflowInstance) NodeResult {
	scope := scopeOf(inst)
	for _, c := range node.Config.Cases {
		truthy, err := expr.EvalBool(c.Condition, scope)
		if err != nil {
			continue
		}
		if truthy {
			return NodeResult{Success: true, Output: map[string]interface{}{"targetNode": c.TargetNode}, NextNodes: []string{c.TargetNode}}
		}
	}
	if node.Config.DefaultNode != "" {
		return NodeResult{Success: true, Output: map[string]interface{}{"targetNode": node.Config.DefaultNode}, NextNodes: []string{node.Config.DefaultNode}}
	}
	return NodeResult{Success: true}
}

func (e *Engine) executeAssign(node store.Node, inst *store.WorkflowInstance) NodeResult {
	scope := scopeOf(inst)
	if inst.Variables == nil {
		inst.Variables = map[string]interface{}{}
	}
	assigned := make(map[string]interface{}, len(node.Config.Assignments))
	for name, src := range node.Config.Assignments {
		v, err := expr.Eval(src, scope)
		if err != nil {
			return NodeResult{Error: fmt.Sprintf("assign %s: %v", name, err)}
		}
		inst.Variables[name] = v
		assigned[name] = v
	}
	return NodeResult{Success: true, Output: assigned}
}

func (e *Engine) executeScript(ctx context.Context, node store.Node, inst *store.WorkflowInstance) NodeResult {
	var v interface{}
	if node.Config.SkillModule != "" {
		if e.Sandbox == nil {
			return NodeResult{Error: fmt.Sprintf("script node %q names skill module %q but no sandbox is configured", node.ID, node.Config.SkillModule)}
		}
		result, err := e.Sandbox.InvokeModule(ctx, node.Config.SkillModule)
		if err != nil {
			return NodeResult{Error: fmt.Sprintf("skill %s: %v", node.Config.SkillModule, err)}
		}
		v = result
	} else {
		scope := scopeOf(inst)
		result, err := expr.Eval(node.Config.Expr, scope)
		if err != nil {
			return NodeResult{Error: fmt.Sprintf("script expr: %v", err)}
		}
		v = result
	}
	if node.Config.OutputVar != "" {
		if inst.Variables == nil {
			inst.Variables = map[string]interface{}{}
		}
		inst.Variables[node.Config.OutputVar] = v
	}
	return NodeResult{Success: true, Output: v}
}

func (e *Engine) executeLoop(node store.Node, inst *store.WorkflowInstance) NodeResult {
	if inst.LoopCounts == nil {
		inst.LoopCounts = map[string]int{}
	}
	inst.LoopCounts[node.ID]++
	if inst.LoopCounts[node.ID] > node.Config.MaxIterations {
		return NodeResult{Success: true, Output: map[string]interface{}{"shouldContinue": false}}
	}
	scope := scopeOf(inst)
	scope.Locals = map[string]interface{}{"index": float64(inst.LoopCounts[node.ID] - 1)}
	truthy, err := expr.EvalBool(node.Config.LoopCondition, scope)
	if err != nil {
		return NodeResult{Error: fmt.Sprintf("loop condition: %v", err)}
	}
	var next []string
	if truthy {
		next = append([]string{}, node.Config.BodyNodes...)
	}
	return NodeResult{
		Success:   true,
		Output:    map[string]interface{}{"shouldContinue": truthy, "iteration": inst.LoopCounts[node.ID]},
		NextNodes: next,
	}
}

func (e *Engine) executeForeach(node store.Node, inst *store.WorkflowInstance) NodeResult {
	scope := scopeOf(inst)
	itemsVal, err := expr.Eval(node.Config.ItemsExpr, scope)
	if err != nil {
		return NodeResult{Error: fmt.Sprintf("foreach items: %v", err)}
	}
	items, ok := itemsVal.([]interface{})
	if !ok {
		items = nil
	}
	var next []string
	if len(items) > 0 {
		next = append([]string{}, node.Config.BodyNodes...)
	}
	return NodeResult{
		Success:   true,
		Output:    map[string]interface{}{"items": items, "itemVar": node.Config.ItemVar, "indexVar": node.Config.IndexVar, "mode": node.Config.Mode},
		NextNodes: next,
	}
}

// traceScope stamps a context with the identifiers every downstream log
// line and event correlate by (spec.md "Ordering guarantees" trace
// propagation).
func traceScope(ctx context.Context, taskID, instanceID, nodeID string) context.Context {
	ctx = shared.WithTaskID(ctx, taskID)
	ctx = shared.WithInstanceID(ctx, instanceID)
	ctx = shared.WithNodeID(ctx, nodeID)
	return ctx
}
