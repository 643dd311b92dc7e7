// Package graph validates workflow definitions and computes ready-node sets
// over a running instance (spec.md §4.3). The graph itself is a value type;
// mutation only happens during authoring from the planner's JSON output.
package graph

import (
	"fmt"

	"github.com/basket/go-claw/internal/expr"
	"github.com/basket/go-claw/internal/store"
)

// Validate checks a workflow is well-formed: single start/end, every edge
// endpoint exists, every edge condition parses, and loop/foreach nodes
// carry their required config.
func Validate(wf store.Workflow) error {
	seen := make(map[string]store.Node, len(wf.Nodes))
	var starts, ends int
	for _, n := range wf.Nodes {
		if n.ID == "" {
			return fmt.Errorf("node has empty id")
		}
		if _, dup := seen[n.ID]; dup {
			return fmt.Errorf("duplicate node id %q", n.ID)
		}
		seen[n.ID] = n
		switch n.Type {
		case store.NodeStart:
			starts++
		case store.NodeEnd:
			ends++
		}
	}
	if starts != 1 {
		return fmt.Errorf("workflow must have exactly one start node, found %d", starts)
	}
	if ends != 1 {
		return fmt.Errorf("workflow must have exactly one end node, found %d", ends)
	}

	for _, e := range wf.Edges {
		if _, ok := seen[e.From]; !ok {
			return fmt.Errorf("edge references nonexistent source node %q", e.From)
		}
		if _, ok := seen[e.To]; !ok {
			return fmt.Errorf("edge references nonexistent target node %q", e.To)
		}
		if e.Condition != "" {
			if _, err := expr.Parse(e.Condition); err != nil {
				return fmt.Errorf("edge %s->%s has invalid condition: %w", e.From, e.To, err)
			}
		}
	}

	for _, n := range wf.Nodes {
		if err := validateNodeConfig(n); err != nil {
			return fmt.Errorf("node %s: %w", n.ID, err)
		}
	}
	return nil
}

func validateNodeConfig(n store.Node) error {
	switch n.Type {
	case store.NodeSwitch:
		if len(n.Config.Cases) == 0 && n.Config.DefaultNode == "" {
			return fmt.Errorf("switch node requires at least one case or a default")
		}
		for _, c := range n.Config.Cases {
			if _, err := expr.Parse(c.Condition); err != nil {
				return fmt.Errorf("switch case condition invalid: %w", err)
			}
		}
	case store.NodeLoop:
		if n.Config.LoopCondition == "" {
			return fmt.Errorf("loop node requires a loop condition")
		}
		if _, err := expr.Parse(n.Config.LoopCondition); err != nil {
			return fmt.Errorf("loop condition invalid: %w", err)
		}
		if n.Config.MaxIterations <= 0 {
			return fmt.Errorf("loop node requires a positive maxIterations ceiling")
		}
	case store.NodeForeach:
		if n.Config.ItemsExpr == "" {
			return fmt.Errorf("foreach node requires an items expression")
		}
		if _, err := expr.Parse(n.Config.ItemsExpr); err != nil {
			return fmt.Errorf("foreach items expression invalid: %w", err)
		}
	case store.NodeDelay:
		if n.Config.DelayMs <= 0 {
			return fmt.Errorf("delay node requires a positive delayMs")
		}
	case store.NodeAssign:
		if len(n.Config.Assignments) == 0 {
			return fmt.Errorf("assign node requires at least one assignment")
		}
		for k, v := range n.Config.Assignments {
			if _, err := expr.Parse(v); err != nil {
				return fmt.Errorf("assign %s has invalid expression: %w", k, err)
			}
		}
	case store.NodeScript:
		if n.Config.Expr == "" {
			return fmt.Errorf("script node requires an expression")
		}
		if _, err := expr.Parse(n.Config.Expr); err != nil {
			return fmt.Errorf("script expression invalid: %w", err)
		}
	}
	return nil
}
