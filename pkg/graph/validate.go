package graph

import (
	"errors"
	"fmt"

	"github.com/aescanero/rowflow/pkg/domain"
	"github.com/aescanero/rowflow/pkg/expression"
)

func validate(g *Graph) error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	produced := make(map[string]bool)
	for _, n := range g.order {
		for branch := range n.ForkBranches {
			produced[branch] = true
		}
	}

	for _, n := range g.order {
		switch n.Name {
		case RouteContinue, RouteFork, PolicyDiscard:
			add("node name %q is reserved", n.Name)
		}

		if n.Kind == KindSink {
			if n.Next != "" {
				add("sink %q cannot have a next node", n.Name)
			}
		} else if n.Kind != KindGate && n.Next == "" {
			add("%s %q has no next node", n.Kind, n.Name)
		}
		if n.Next != "" {
			checkExists(g, n.Name, "next", n.Next, add)
		}

		for _, dest := range []struct{ field, value string }{
			{"on_error", n.OnError},
			{"on_validation_failure", n.OnValidationFailure},
		} {
			if dest.value == "" || dest.value == PolicyDiscard {
				continue
			}
			target, ok := g.nodes[dest.value]
			switch {
			case !ok:
				add("node %q: %s references unknown node %q", n.Name, dest.field, dest.value)
			case target.Kind != KindSink:
				add("node %q: %s must name a sink, %q is a %s", n.Name, dest.field, dest.value, target.Kind)
			}
		}
		if n.OnValidationFailure != "" && n.Kind != KindSource {
			add("node %q: on_validation_failure only applies to sources", n.Name)
		}

		for branch, dest := range n.ForkBranches {
			if branch == "" {
				add("node %q has an unnamed fork branch", n.Name)
			}
			checkExists(g, n.Name, "fork branch "+branch, dest, add)
		}

		switch n.Kind {
		case KindGate:
			validateGate(g, n, add)
		case KindCoalesce:
			validateCoalesce(n, produced, add)
		case KindAggregation:
			validateAggregation(n, add)
		case KindTransform, KindSource, KindSink:
			if len(n.Routes) > 0 {
				add("%s %q cannot declare routes", n.Kind, n.Name)
			}
		}

		if n.Retry.MaxAttempts < 0 {
			add("node %q: retry max_attempts cannot be negative", n.Name)
		}
		if n.Kind == KindSink && n.Retry.MaxAttempts > 1 {
			add("sink %q cannot be retried", n.Name)
		}
	}

	checkAcyclicAndReachable(g, add)

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", domain.ErrInvalidGraph, errors.Join(errs...))
	}
	return nil
}

func checkExists(g *Graph, from, field, name string, add func(string, ...any)) {
	if _, ok := g.nodes[name]; !ok {
		add("node %q: %s references unknown node %q", from, field, name)
	}
}

func validateGate(g *Graph, n *Node, add func(string, ...any)) {
	if len(n.Routes) == 0 && len(n.ForkBranches) == 0 && n.Next == "" {
		add("gate %q has no routes", n.Name)
	}
	labels := make([]string, 0, len(n.Routes))
	for label, dest := range n.Routes {
		labels = append(labels, label)
		switch dest {
		case RouteContinue:
			if n.Next == "" {
				add("gate %q: route %q continues but the gate has no next node", n.Name, label)
			}
		case RouteFork:
			if len(n.ForkBranches) == 0 {
				add("gate %q: route %q forks but the gate has no fork branches", n.Name, label)
			}
		default:
			checkExists(g, n.Name, "route "+label, dest, add)
		}
	}
	if c, ok := n.Gate.(Conditional); ok && c.Condition() != nil {
		if err := expression.ValidateRouteLabels(c.Condition().Shape(), labels); err != nil {
			add("gate %q (%s): %w", n.Name, c.Condition().Source(), err)
		}
	}
}

func validateCoalesce(n *Node, produced map[string]bool, add func(string, ...any)) {
	cs := n.Coalesce
	if cs == nil {
		add("coalesce %q has no settings", n.Name)
		return
	}
	if len(cs.Branches) == 0 {
		add("coalesce %q has no branches", n.Name)
	}
	seen := make(map[string]bool, len(cs.Branches))
	for _, b := range cs.Branches {
		if seen[b] {
			add("coalesce %q lists branch %q twice", n.Name, b)
		}
		seen[b] = true
		if !produced[b] {
			add("coalesce %q waits for branch %q that no fork produces", n.Name, b)
		}
	}

	switch cs.Policy {
	case PolicyRequireAll, PolicyBestEffort:
	case PolicyQuorum:
		if cs.Quorum < 1 || cs.Quorum > len(cs.Branches) {
			add("coalesce %q: quorum %d must be between 1 and %d", n.Name, cs.Quorum, len(cs.Branches))
		}
	default:
		add("coalesce %q has unknown policy %q", n.Name, cs.Policy)
	}
	if cs.Timeout < 0 {
		add("coalesce %q has a negative timeout", n.Name)
	}

	switch cs.Merge {
	case MergeUnion, MergeNested:
	case MergeSelect:
		if !seen[cs.SelectBranch] {
			add("coalesce %q selects branch %q which it does not wait for", n.Name, cs.SelectBranch)
		}
	default:
		add("coalesce %q has unknown merge strategy %q", n.Name, cs.Merge)
	}
}

func validateAggregation(n *Node, add func(string, ...any)) {
	as := n.Aggregation
	if as == nil {
		add("aggregation %q has no settings", n.Name)
		return
	}
	t := as.Trigger
	if t.Count <= 0 && t.Timeout <= 0 && t.Condition == "" {
		add("aggregation %q has no trigger", n.Name)
	}
	if t.Count < 0 || t.Timeout < 0 {
		add("aggregation %q has a negative trigger", n.Name)
	}
	if n.TriggerCondition != nil {
		switch n.TriggerCondition.Shape() {
		case expression.ShapeBoolean, expression.ShapeDynamic:
		default:
			add("aggregation %q: trigger condition %q is not boolean", n.Name, t.Condition)
		}
	}
	switch as.OutputMode {
	case OutputSingle, OutputPassthrough, OutputTransform:
	default:
		add("aggregation %q has unknown output mode %q", n.Name, as.OutputMode)
	}
}

func checkAcyclicAndReachable(g *Graph, add func(string, ...any)) {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(g.nodes))

	var visit func(name string) bool
	visit = func(name string) bool {
		switch state[name] {
		case visiting:
			return false
		case done:
			return true
		}
		state[name] = visiting
		n := g.nodes[name]
		for _, s := range successors(n) {
			if _, ok := g.nodes[s]; !ok {
				continue
			}
			if !visit(s) {
				add("cycle detected through node %q", name)
				state[name] = done
				return true
			}
		}
		state[name] = done
		return true
	}
	visit(g.source.Name)

	for _, n := range g.order {
		if state[n.Name] == unvisited {
			add("node %q is not reachable from source %q", n.Name, g.source.Name)
		}
	}
}
