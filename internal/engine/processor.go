package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/aescanero/rowflow/pkg/domain"
	"github.com/aescanero/rowflow/pkg/graph"
	"github.com/aescanero/rowflow/pkg/ports"
)

type workItem struct {
	token domain.Token
	node  *graph.Node
}

// RowProcessor moves tokens through the graph. Work is kept on an explicit
// FIFO queue: each step consumes one token at one node and may enqueue
// successors.
type RowProcessor struct {
	rc           *runContext
	tokens       *TokenManager
	transforms   *TransformExecutor
	gates        *GateExecutor
	aggregations *AggregationExecutor
	coalesces    *CoalesceExecutor
}

func newRowProcessor(rc *runContext, tokens *TokenManager) *RowProcessor {
	return &RowProcessor{
		rc:           rc,
		tokens:       tokens,
		transforms:   newTransformExecutor(rc),
		gates:        newGateExecutor(rc),
		aggregations: newAggregationExecutor(rc),
		coalesces:    newCoalesceExecutor(rc, tokens),
	}
}

// ProcessRow ingests one source row and drives every token it spawns until
// each is terminal or held by an aggregation or join.
func (p *RowProcessor) ProcessRow(ctx context.Context, rowIndex int64, src ports.SourceRow) error {
	source := p.rc.graph.Source()
	token, err := p.tokens.CreateInitialToken(ctx, rowIndex, src.Row)
	if err != nil {
		return err
	}
	p.rc.counters.RowsProcessed++
	p.rc.lastTokenID = token.ID
	p.rc.metrics.RecordRowProcessed(p.rc.graph.Name())

	if src.Invalid {
		sink := source.OnValidationFailure
		if sink == graph.PolicyDiscard {
			sink = ""
		}
		detail := &domain.FailureDetail{Type: domain.ReasonSourceValidation, Message: src.ValidationError}
		return p.rc.emit(ctx, domain.RowResult{
			Token:   token,
			NodeID:  source.ID,
			Outcome: domain.Quarantined{Sink: sink, Reason: domain.ReasonSourceValidation, Error: detail},
		})
	}

	next, err := p.rc.graph.Next(source)
	if err != nil {
		return domain.NewInvariantError("source "+source.Name, err)
	}
	return p.drain(ctx, []workItem{{token: token, node: next}})
}

// ProcessToken drives an existing token starting at node.
func (p *RowProcessor) ProcessToken(ctx context.Context, token domain.Token, node *graph.Node) error {
	return p.drain(ctx, []workItem{{token: token, node: node}})
}

func (p *RowProcessor) drain(ctx context.Context, queue []workItem) error {
	limit := p.rc.settings.MaxIterations
	for iterations := 0; len(queue) > 0; iterations++ {
		if iterations >= limit {
			return domain.NewInvariantError("process row",
				fmt.Errorf("%w: %d steps with %d items still queued", domain.ErrIterationCapExceeded, iterations, len(queue)))
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		item := queue[0]
		queue = queue[1:]

		more, err := p.step(ctx, item)
		if err != nil {
			return err
		}
		queue = append(queue, more...)
	}
	return nil
}

func (p *RowProcessor) step(ctx context.Context, item workItem) ([]workItem, error) {
	switch item.node.Kind {
	case graph.KindSink:
		return nil, p.rc.emit(ctx, domain.RowResult{
			Token:   item.token,
			NodeID:  item.node.ID,
			Outcome: domain.Succeeded{Sink: item.node.Name},
		})
	case graph.KindTransform:
		return p.stepTransform(ctx, item.node, item.token)
	case graph.KindGate:
		return p.stepGate(ctx, item.node, item.token)
	case graph.KindAggregation:
		return p.stepAggregation(ctx, item.node, item.token)
	case graph.KindCoalesce:
		res, err := p.coalesces.Accept(ctx, item.node, item.token)
		if err != nil {
			return nil, err
		}
		return p.applyCoalesce(ctx, res)
	case graph.KindSource:
		return nil, domain.NewInvariantError("process row", fmt.Errorf("%w: token %s routed back to source %q", domain.ErrUnknownRoute, item.token.ID, item.node.Name))
	default:
		panic(fmt.Sprintf("engine: unhandled node kind %q", item.node.Kind))
	}
}

func (p *RowProcessor) next(node *graph.Node, token domain.Token) ([]workItem, error) {
	n, err := p.rc.graph.Next(node)
	if err != nil {
		return nil, domain.NewInvariantError("continue from "+node.Name, err)
	}
	return []workItem{{token: token, node: n}}, nil
}

func (p *RowProcessor) stepTransform(ctx context.Context, node *graph.Node, token domain.Token) ([]workItem, error) {
	exec, err := p.transforms.Execute(ctx, node, token)
	if err != nil {
		return nil, p.handleRaised(ctx, node, token, err)
	}

	switch r := exec.Result.(type) {
	case domain.RowSuccess:
		return p.next(node, token.WithData(r.Row))

	case domain.MultiRowSuccess:
		children, err := p.tokens.Expand(ctx, token, r.Rows, node.Step)
		if err != nil {
			return nil, err
		}
		if err := p.rc.emit(ctx, domain.RowResult{
			Token:   token,
			NodeID:  node.ID,
			Outcome: domain.Expanded{ExpandGroupID: children[0].ExpandGroupID, Children: tokenIDs(children)},
		}); err != nil {
			return nil, err
		}
		var items []workItem
		for _, child := range children {
			more, err := p.next(node, child)
			if err != nil {
				return nil, err
			}
			items = append(items, more...)
		}
		return items, nil

	case domain.ErrorResult:
		reason := domain.ReasonTransformError
		if exec.RetriesExhausted {
			reason = domain.ReasonRetriesExhausted
		}
		return nil, p.handleFailure(ctx, node, token, failure{reason: reason, detail: r.Detail()})

	default:
		return nil, &domain.ContractViolationError{NodeName: node.Name, Detail: fmt.Sprintf("returned unsupported result %T", exec.Result)}
	}
}

func (p *RowProcessor) stepGate(ctx context.Context, node *graph.Node, token domain.Token) ([]workItem, error) {
	decision, err := p.gates.Execute(ctx, node, token)
	if err != nil {
		return nil, p.handleRaised(ctx, node, token, err)
	}
	token = token.WithData(decision.Row)

	switch a := decision.Action.(type) {
	case domain.Continue:
		return p.next(node, token)
	case domain.ForkTo:
		return p.fork(ctx, node, token, decision.Branches)
	case domain.RouteTo:
		switch decision.Destination {
		case graph.RouteContinue:
			return p.next(node, token)
		case graph.RouteFork:
			return p.fork(ctx, node, token, decision.Branches)
		}
		dest, err := p.rc.graph.Node(decision.Destination)
		if err != nil {
			return nil, domain.NewInvariantError("gate "+node.Name, err)
		}
		if dest.Kind == graph.KindSink {
			return nil, p.rc.emit(ctx, domain.RowResult{
				Token:   token,
				NodeID:  node.ID,
				Outcome: domain.Routed{Sink: dest.Name, Label: a.Label},
			})
		}
		return []workItem{{token: token, node: dest}}, nil
	default:
		panic(fmt.Sprintf("engine: unhandled routing action %T", decision.Action))
	}
}

func (p *RowProcessor) fork(ctx context.Context, node *graph.Node, token domain.Token, branches []string) ([]workItem, error) {
	children, err := p.tokens.Fork(ctx, token, branches, node.Step)
	if err != nil {
		return nil, err
	}
	if err := p.rc.emit(ctx, domain.RowResult{
		Token:   token,
		NodeID:  node.ID,
		Outcome: domain.Forked{ForkGroupID: children[0].ForkGroupID, Children: tokenIDs(children)},
	}); err != nil {
		return nil, err
	}

	items := make([]workItem, 0, len(children))
	for _, child := range children {
		dest, err := p.rc.graph.ForkDestination(node, child.BranchName)
		if err != nil {
			return nil, domain.NewInvariantError("fork at "+node.Name, err)
		}
		items = append(items, workItem{token: child, node: dest})
	}
	return items, nil
}

func (p *RowProcessor) stepAggregation(ctx context.Context, node *graph.Node, token domain.Token) ([]workItem, error) {
	batchID, err := p.aggregations.Buffer(ctx, node, token)
	if err != nil {
		return nil, err
	}

	// A token that triggers the flush goes straight into the batch.
	decision, err := p.aggregations.ShouldFlush(node)
	if err != nil {
		return nil, err
	}
	if decision.Flush {
		return p.flushAggregation(ctx, node, decision)
	}
	return nil, p.rc.emit(ctx, domain.RowResult{
		Token:   token,
		NodeID:  node.ID,
		Outcome: domain.Buffered{NodeID: node.ID, BatchID: batchID},
	})
}

func (p *RowProcessor) flushAggregation(ctx context.Context, node *graph.Node, decision FlushDecision) ([]workItem, error) {
	fr, err := p.aggregations.Flush(ctx, node, decision)
	if err != nil {
		return nil, err
	}
	if len(fr.Tokens) == 0 {
		return nil, nil
	}

	if fr.Raised != nil {
		var unhandled error
		for _, t := range fr.Tokens {
			err := p.handleRaised(ctx, node, t, fr.Raised)
			switch {
			case err == nil:
			case errors.Is(err, domain.ErrUnhandledPluginFailure):
				if unhandled == nil {
					unhandled = err
				}
			default:
				return nil, err
			}
		}
		return nil, unhandled
	}

	var rows []domain.Row
	switch r := fr.Result.(type) {
	case domain.ErrorResult:
		reason := domain.ReasonBatchFailed
		if fr.RetriesExhausted {
			reason = domain.ReasonRetriesExhausted
		}
		for _, t := range fr.Tokens {
			if err := p.handleFailure(ctx, node, t, failure{reason: reason, detail: r.Detail()}); err != nil {
				return nil, err
			}
		}
		return nil, nil
	case domain.RowSuccess:
		rows = []domain.Row{r.Row}
	case domain.MultiRowSuccess:
		rows = r.Rows
	default:
		return nil, &domain.ContractViolationError{NodeName: node.Name, Detail: fmt.Sprintf("returned unsupported result %T", fr.Result)}
	}

	switch node.Aggregation.OutputMode {
	case graph.OutputPassthrough:
		if len(rows) != len(fr.Tokens) {
			return nil, &domain.ContractViolationError{NodeName: node.Name,
				Detail: fmt.Sprintf("passthrough batch of %d tokens returned %d rows", len(fr.Tokens), len(rows))}
		}
		items := make([]workItem, 0, len(rows))
		for i, t := range fr.Tokens {
			more, err := p.next(node, t.WithData(rows[i]))
			if err != nil {
				return nil, err
			}
			items = append(items, more...)
		}
		return items, nil

	case graph.OutputTransform:
		if len(rows) == 0 {
			return nil, domain.NewInvariantError("aggregation "+node.Name, domain.ErrEmptyExpand)
		}
		children, err := p.tokens.Expand(ctx, fr.Carrier, rows, node.Step)
		if err != nil {
			return nil, err
		}
		if err := p.consume(ctx, node, fr); err != nil {
			return nil, err
		}
		var items []workItem
		for _, child := range children {
			more, err := p.next(node, child)
			if err != nil {
				return nil, err
			}
			items = append(items, more...)
		}
		return items, nil

	default:
		if len(rows) != 1 {
			return nil, &domain.ContractViolationError{NodeName: node.Name,
				Detail: fmt.Sprintf("single output mode returned %d rows", len(rows))}
		}
		out, err := p.tokens.Aggregate(ctx, fr.Tokens, fr.Carrier, rows[0], fr.BatchID, node.Step)
		if err != nil {
			return nil, err
		}
		if err := p.consume(ctx, node, fr); err != nil {
			return nil, err
		}
		return p.next(node, out)
	}
}

func (p *RowProcessor) consume(ctx context.Context, node *graph.Node, fr FlushResult) error {
	for _, t := range fr.Tokens {
		if err := p.rc.emit(ctx, domain.RowResult{
			Token:   t,
			NodeID:  node.ID,
			Outcome: domain.ConsumedInBatch{BatchID: fr.BatchID, Trigger: string(fr.Trigger)},
		}); err != nil {
			return err
		}
	}
	return nil
}

func (p *RowProcessor) applyCoalesce(ctx context.Context, res CoalesceResult) ([]workItem, error) {
	for _, r := range res.Outcomes {
		if err := p.rc.emit(ctx, r); err != nil {
			return nil, err
		}
	}
	if res.Merged == nil {
		return nil, nil
	}
	return p.next(res.Node, *res.Merged)
}

// SweepTimeouts resolves joins and flushes aggregations whose timeout has
// elapsed, then drives whatever they released.
func (p *RowProcessor) SweepTimeouts(ctx context.Context) error {
	results, err := p.coalesces.CheckTimeouts(ctx, p.rc.clock.Now())
	if err != nil {
		return err
	}
	var items []workItem
	for _, res := range results {
		more, err := p.applyCoalesce(ctx, res)
		if err != nil {
			return err
		}
		items = append(items, more...)
	}

	for _, node := range p.rc.graph.NodesOfKind(graph.KindAggregation) {
		if p.aggregations.Pending(node) == 0 {
			continue
		}
		decision, err := p.aggregations.ShouldFlush(node)
		if err != nil {
			return err
		}
		if !decision.Flush {
			continue
		}
		more, err := p.flushAggregation(ctx, node, decision)
		if err != nil {
			return err
		}
		items = append(items, more...)
	}
	return p.drain(ctx, items)
}

// Settle forgets resolved joins that no held token can reach any more.
// It must only run when no work is queued, that is between rows.
func (p *RowProcessor) Settle() {
	p.coalesces.Forget(p.aggregations.heldJoinKeys())
}

// FlushAll resolves everything still held at end of source. Nodes are
// visited in step order so tokens released upstream are held, and then
// flushed, by downstream nodes in the same pass.
func (p *RowProcessor) FlushAll(ctx context.Context) error {
	endOfSource := FlushDecision{Flush: true, Trigger: domain.TriggerEndOfSource, Reason: "end of source"}
	for _, node := range p.rc.graph.Nodes() {
		var items []workItem
		switch node.Kind {
		case graph.KindAggregation:
			if p.aggregations.Pending(node) == 0 {
				continue
			}
			more, err := p.flushAggregation(ctx, node, endOfSource)
			if err != nil {
				return err
			}
			items = more
		case graph.KindCoalesce:
			results, err := p.coalesces.FlushPending(ctx, node.Step)
			if err != nil {
				return err
			}
			for _, res := range results {
				more, err := p.applyCoalesce(ctx, res)
				if err != nil {
					return err
				}
				items = append(items, more...)
			}
		default:
			continue
		}
		if err := p.drain(ctx, items); err != nil {
			return err
		}
	}
	return nil
}

// failure is a token-level failure awaiting the node's error policy.
type failure struct {
	reason string
	detail domain.FailureDetail
	cause  error
}

// handleRaised applies the error policy to a raised plugin failure. Engine
// errors and cancellation pass through unchanged.
func (p *RowProcessor) handleRaised(ctx context.Context, node *graph.Node, token domain.Token, err error) error {
	var pe *domain.PluginError
	if domain.IsFatal(err) || !errors.As(err, &pe) {
		return err
	}
	reason := domain.ReasonPluginFailure
	if domain.IsMaxRetriesExceeded(err) {
		reason = domain.ReasonRetriesExhausted
	}
	return p.handleFailure(ctx, node, token, failure{reason: reason, detail: pe.Detail(), cause: err})
}

// handleFailure routes a failed token according to node.OnError. A raised
// failure (cause set) at a node without a policy records the token as
// failed and stops the run.
func (p *RowProcessor) handleFailure(ctx context.Context, node *graph.Node, token domain.Token, f failure) error {
	detail := f.detail
	var outcome domain.RowOutcome
	switch node.OnError {
	case "":
		outcome = domain.Failed{Reason: f.reason, Error: &detail}
		if f.cause != nil {
			if err := p.rc.emit(ctx, domain.RowResult{Token: token, NodeID: node.ID, Outcome: outcome}); err != nil {
				return err
			}
			return fmt.Errorf("%w: node %s: %w", domain.ErrUnhandledPluginFailure, node.Name, f.cause)
		}
	case graph.PolicyDiscard:
		outcome = domain.Quarantined{Reason: f.reason, Error: &detail}
	default:
		outcome = domain.Quarantined{Sink: node.OnError, Reason: f.reason, Error: &detail}
	}
	return p.rc.emit(ctx, domain.RowResult{Token: token, NodeID: node.ID, Outcome: outcome})
}

func tokenIDs(tokens []domain.Token) []string {
	ids := make([]string, len(tokens))
	for i, t := range tokens {
		ids[i] = t.ID
	}
	return ids
}
