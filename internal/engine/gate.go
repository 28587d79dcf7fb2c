package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/aescanero/rowflow/pkg/canonical"
	"github.com/aescanero/rowflow/pkg/domain"
	"github.com/aescanero/rowflow/pkg/graph"
)

// GateDecision is a resolved gate result. Destination is the resolved
// route of a RouteTo action (a node name, graph.RouteContinue or
// graph.RouteFork); Branches lists the branches of a fork in order.
type GateDecision struct {
	Row         domain.Row
	Action      domain.RoutingAction
	Destination string
	Branches    []string
	StateID     string
}

// GateExecutor runs gate plugins, resolves their routing against the graph
// and records the routing event.
type GateExecutor struct {
	rc     *runContext
	states nodeStates
}

func newGateExecutor(rc *runContext) *GateExecutor {
	return &GateExecutor{rc: rc, states: nodeStates{rc: rc}}
}

// Execute evaluates node's gate for token. Unresolvable routing is fatal.
func (e *GateExecutor) Execute(ctx context.Context, node *graph.Node, token domain.Token) (GateDecision, error) {
	inputHash, err := hashInput(node, token.Data)
	if err != nil {
		return GateDecision{}, err
	}

	var decision GateDecision
	attempt := func(n int) error {
		open, err := e.states.begin(ctx, node, token, n, inputHash)
		if err != nil {
			return err
		}
		decision = GateDecision{StateID: open.StateID}

		pctx := e.rc.pluginContext(node, token, open.StateID, n)
		res, err := invoke(node, func() (domain.GateResult, error) {
			return node.Gate.Evaluate(ctx, token.Data.Clone(), pctx)
		})
		if err != nil {
			var pe *domain.PluginError
			if errors.As(err, &pe) {
				if ferr := e.states.fail(ctx, node, open, pe.Detail()); ferr != nil {
					return ferr
				}
			}
			return err
		}

		row := res.Row
		if row == nil {
			row = token.Data
		}
		decision.Row = row
		decision.Action = res.Action

		mode, destinations, err := e.resolve(node, &decision)
		if err != nil {
			if ferr := e.states.fail(ctx, node, open, domain.FailureDetail{Type: "unresolved_route", Message: err.Error()}); ferr != nil {
				return ferr
			}
			return err
		}

		out, err := canonical.Hash(row)
		if err != nil {
			pe := &domain.PluginError{NodeName: node.Name, Plugin: node.PluginName, Err: fmt.Errorf("unhashable output: %w", err)}
			if ferr := e.states.fail(ctx, node, open, pe.Detail()); ferr != nil {
				return ferr
			}
			return pe
		}
		if err := e.states.complete(ctx, node, open, out); err != nil {
			return err
		}

		label := ""
		if rt, ok := res.Action.(domain.RouteTo); ok {
			label = rt.Label
		}
		if err := e.rc.recorder.RecordRoutingEvent(ctx, domain.RoutingEvent{
			EventID:      newUUID(),
			RunID:        e.rc.runID,
			StateID:      open.StateID,
			TokenID:      token.ID,
			NodeID:       node.ID,
			Label:        label,
			Mode:         mode,
			Destinations: destinations,
			CreatedAt:    e.rc.clock.Now(),
		}); err != nil {
			return fmt.Errorf("failed to record routing event at %s: %w", node.Name, err)
		}
		return nil
	}

	if err := runWithRetry(ctx, e.rc, node, attempt); err != nil {
		return decision, err
	}
	return decision, nil
}

// resolve checks the action against the graph and fills in Destination or
// Branches. It returns the routing mode and destination nodes for audit.
func (e *GateExecutor) resolve(node *graph.Node, d *GateDecision) (domain.RoutingMode, []string, error) {
	g := e.rc.graph
	switch a := d.Action.(type) {
	case domain.Continue:
		if node.Next == "" {
			return "", nil, domain.NewInvariantError("gate "+node.Name, fmt.Errorf("%w: continue without a next node", domain.ErrUnknownRoute))
		}
		return domain.RoutingContinue, []string{node.Next}, nil

	case domain.RouteTo:
		dest, err := g.ResolveRoute(node, a.Label)
		if err != nil {
			return "", nil, err
		}
		d.Destination = dest
		switch dest {
		case graph.RouteContinue:
			return domain.RoutingContinue, []string{node.Next}, nil
		case graph.RouteFork:
			d.Branches = node.ForkBranchNames()
			return domain.RoutingFork, forkDestinations(node, d.Branches), nil
		default:
			return domain.RoutingMove, []string{dest}, nil
		}

	case domain.ForkTo:
		for _, b := range a.Branches {
			if _, ok := node.ForkBranches[b]; !ok {
				return "", nil, fmt.Errorf("%w: gate %q has no fork branch %q", domain.ErrUnknownRoute, node.Name, b)
			}
		}
		d.Branches = append([]string(nil), a.Branches...)
		return domain.RoutingFork, forkDestinations(node, d.Branches), nil

	default:
		return "", nil, &domain.ContractViolationError{NodeName: node.Name, Detail: fmt.Sprintf("returned unsupported routing action %T", d.Action)}
	}
}

func forkDestinations(node *graph.Node, branches []string) []string {
	out := make([]string, len(branches))
	for i, b := range branches {
		out[i] = node.ForkBranches[b]
	}
	return out
}
