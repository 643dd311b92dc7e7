package graph

import (
	"github.com/basket/go-claw/internal/expr"
	"github.com/basket/go-claw/internal/store"
)

// indexed is a workflow with lookup maps built once and reused across calls.
type indexed struct {
	wf       store.Workflow
	byID     map[string]store.Node
	incoming map[string][]store.Edge // edges landing on a node
}

// Index builds lookup structures for repeated ReadyNodes/IsTerminal calls
// against the same workflow.
func Index(wf store.Workflow) *indexed {
	idx := &indexed{
		wf:       wf,
		byID:     make(map[string]store.Node, len(wf.Nodes)),
		incoming: make(map[string][]store.Edge),
	}
	for _, n := range wf.Nodes {
		idx.byID[n.ID] = n
	}
	for _, e := range wf.Edges {
		idx.incoming[e.To] = append(idx.incoming[e.To], e)
	}
	return idx
}

func scopeFor(inst store.WorkflowInstance) expr.Scope {
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
		out[id] = map[string]interface{}{
			"status":     string(s.Status),
			"attempts":   s.Attempts,
			"error":      s.Error,
			"durationMs": s.DurationMs,
		}
	}
	return out
}

// ReadyNodes returns the IDs of every pending node whose readiness
// condition holds (spec.md §4.3):
//
//	A node is ready when (a) all incoming edges from non-loop-back sources
//	have a done/skipped source AND (b) the edge's condition, if any,
//	evaluates truthy AND (c) the node itself is pending AND (d) for a join
//	node, at least one incoming path completed and no sibling is still
//	running.
func (idx *indexed) ReadyNodes(inst store.WorkflowInstance) []string {
	scope := scopeFor(inst)
	var ready []string
	for _, n := range idx.wf.Nodes {
		state, ok := inst.NodeStates[n.ID]
		if ok && state.Status != store.NodePending {
			continue
		}
		if !ok {
			state = store.NodeState{Status: store.NodePending}
		}
		if idx.nodeReady(n, inst, scope) {
			ready = append(ready, n.ID)
		}
	}
	return ready
}

func (idx *indexed) nodeReady(n store.Node, inst store.WorkflowInstance, scope expr.Scope) bool {
	incoming := idx.incoming[n.ID]
	if n.Type == store.NodeStart {
		return len(incoming) == 0 || allIncomingSatisfied(idx, incoming, inst, scope)
	}
	if len(incoming) == 0 {
		return false // only start may be reached with no predecessors
	}

	if n.Type == store.NodeJoin {
		return idx.joinReady(n, incoming, inst)
	}
	return allIncomingSatisfied(idx, incoming, inst, scope)
}

// allIncomingSatisfied requires every non-loop-back incoming edge to have a
// done/skipped source whose condition (if any) evaluates truthy.
func allIncomingSatisfied(idx *indexed, incoming []store.Edge, inst store.WorkflowInstance, scope expr.Scope) bool {
	for _, e := range incoming {
		if e.MaxLoops > 0 && inst.LoopCounts[e.From] == 0 {
			continue // loop back-edge that hasn't looped yet doesn't gate readiness
		}
		srcState, ok := inst.NodeStates[e.From]
		if !ok || (srcState.Status != store.NodeDone && srcState.Status != store.NodeSkipped) {
			return false
		}
		if e.Condition != "" {
			truthy, err := expr.EvalBool(e.Condition, scope)
			if err != nil || !truthy {
				return false
			}
		}
	}
	return true
}

// joinReady implements clause (d): at least one incoming path completed and
// no sibling branch is still running.
func (idx *indexed) joinReady(n store.Node, incoming []store.Edge, inst store.WorkflowInstance) bool {
	anyDone := false
	for _, e := range incoming {
		state, ok := inst.NodeStates[e.From]
		if !ok {
			continue
		}
		switch state.Status {
		case store.NodeDone, store.NodeSkipped:
			anyDone = true
		case store.NodeRunning, store.NodeReady:
			return false // a sibling branch is still active
		}
	}
	return anyDone
}

// IsTerminal reports whether the instance has reached a stable end state:
// the end node is done, or no ready nodes remain and no active nodes exist
// (stuck -> failed per spec.md §4.3).
func (idx *indexed) IsTerminal(inst store.WorkflowInstance) (done bool, stuck bool) {
	for _, n := range idx.wf.Nodes {
		if n.Type == store.NodeEnd {
			if s, ok := inst.NodeStates[n.ID]; ok && s.Status == store.NodeDone {
				return true, false
			}
		}
	}
	if len(idx.ReadyNodes(inst)) > 0 {
		return false, false
	}
	for _, s := range inst.NodeStates {
		if s.Status == store.NodeRunning || s.Status == store.NodeReady || s.Status == store.NodeWaiting {
			return false, false
		}
	}
	return false, true
}
