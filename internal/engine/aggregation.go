package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aescanero/rowflow/pkg/canonical"
	"github.com/aescanero/rowflow/pkg/domain"
	"github.com/aescanero/rowflow/pkg/graph"
)

type aggregationBuffer struct {
	node    *graph.Node
	batchID string
	tokens  []domain.Token
	trigger *TriggerEvaluator
}

// FlushResult is what an aggregation flush produced. Exactly one of
// Result (a success or an ErrorResult) and Raised is set.
type FlushResult struct {
	BatchID          string
	Tokens           []domain.Token
	Carrier          domain.Token
	Trigger          domain.TriggerType
	StateID          string
	Result           domain.TransformResult
	Raised           error
	RetriesExhausted bool
}

// AggregationExecutor owns the batch buffers and trigger evaluators of
// every aggregation node in one run.
type AggregationExecutor struct {
	rc      *runContext
	states  nodeStates
	buffers map[string]*aggregationBuffer
}

func newAggregationExecutor(rc *runContext) *AggregationExecutor {
	return &AggregationExecutor{rc: rc, states: nodeStates{rc: rc}, buffers: make(map[string]*aggregationBuffer)}
}

func (e *AggregationExecutor) buffer(node *graph.Node) *aggregationBuffer {
	b, ok := e.buffers[node.Name]
	if !ok {
		b = &aggregationBuffer{
			node:    node,
			trigger: NewTriggerEvaluator(node.Aggregation.Trigger, node.TriggerCondition, e.rc.clock),
		}
		e.buffers[node.Name] = b
	}
	return b
}

// Buffer adds token to node's open batch, creating the batch on first use,
// and returns the batch id.
func (e *AggregationExecutor) Buffer(ctx context.Context, node *graph.Node, token domain.Token) (string, error) {
	b := e.buffer(node)
	if b.batchID == "" {
		b.batchID = newUUID()
		if err := e.rc.recorder.CreateBatch(ctx, domain.BatchRecord{
			BatchID:   b.batchID,
			RunID:     e.rc.runID,
			NodeID:    node.ID,
			Status:    domain.BatchStatusOpen,
			CreatedAt: e.rc.clock.Now(),
		}); err != nil {
			return "", fmt.Errorf("failed to create batch at %s: %w", node.Name, err)
		}
	}
	if err := e.rc.recorder.AddBatchMember(ctx, b.batchID, token.ID, len(b.tokens)); err != nil {
		return "", fmt.Errorf("failed to add batch member at %s: %w", node.Name, err)
	}
	b.tokens = append(b.tokens, token)
	b.trigger.RecordAccept()
	return b.batchID, nil
}

// ShouldFlush consults node's trigger evaluator.
func (e *AggregationExecutor) ShouldFlush(node *graph.Node) (FlushDecision, error) {
	d, err := e.buffer(node).trigger.ShouldFlush()
	if err != nil {
		return FlushDecision{}, fmt.Errorf("aggregation %s: %w", node.Name, err)
	}
	return d, nil
}

// Pending is the number of tokens buffered at node.
func (e *AggregationExecutor) Pending(node *graph.Node) int {
	if b, ok := e.buffers[node.Name]; ok {
		return len(b.tokens)
	}
	return 0
}

// Flush runs the batch transform over node's buffer. The batch moves to
// executing, then to completed or failed; the buffer and trigger are reset
// either way because every buffered token resolves with this flush.
func (e *AggregationExecutor) Flush(ctx context.Context, node *graph.Node, decision FlushDecision) (FlushResult, error) {
	b := e.buffer(node)
	if len(b.tokens) == 0 {
		return FlushResult{}, nil
	}

	tokens := b.tokens
	carrier := tokens[len(tokens)-1]
	res := FlushResult{BatchID: b.batchID, Tokens: tokens, Carrier: carrier, Trigger: decision.Trigger}

	if err := e.updateStatus(ctx, b, domain.BatchStatusExecuting, decision, ""); err != nil {
		return FlushResult{}, err
	}

	rows := domain.Rows(tokens)
	inputHash, err := hashInput(node, rows)
	if err != nil {
		return FlushResult{}, err
	}

	attempt := func(n int) error {
		open, err := e.states.begin(ctx, node, carrier, n, inputHash)
		if err != nil {
			return err
		}
		res.StateID = open.StateID

		pctx := e.rc.pluginContext(node, carrier, open.StateID, n)
		out, err := invoke(node, func() (domain.TransformResult, error) {
			batch := make([]domain.Row, len(rows))
			for i, r := range rows {
				batch[i] = r.Clone()
			}
			return node.BatchTransform.ProcessBatch(ctx, batch, pctx)
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

		switch r := out.(type) {
		case domain.RowSuccess, domain.MultiRowSuccess:
			h, err := canonical.Hash(r)
			if err != nil {
				pe := &domain.PluginError{NodeName: node.Name, Plugin: node.PluginName, Err: fmt.Errorf("unhashable output: %w", err)}
				if ferr := e.states.fail(ctx, node, open, pe.Detail()); ferr != nil {
					return ferr
				}
				return pe
			}
			res.Result = r
			return e.states.complete(ctx, node, open, h)
		case domain.ErrorResult:
			res.Result = r
			if err := e.states.fail(ctx, node, open, r.Detail()); err != nil {
				return err
			}
			if r.Retryable {
				return &retryableStructured{result: r}
			}
			return nil
		default:
			violation := &domain.ContractViolationError{NodeName: node.Name, Detail: fmt.Sprintf("returned unsupported result %T", out)}
			if ferr := e.states.fail(ctx, node, open, domain.FailureDetail{Type: "contract_violation", Message: violation.Error()}); ferr != nil {
				return ferr
			}
			return violation
		}
	}

	err = runWithRetry(ctx, e.rc, node, attempt)
	if err != nil {
		if structured, ok := unwrapStructured(err); ok {
			res.Result = structured
			res.RetriesExhausted = domain.IsMaxRetriesExceeded(err)
			err = nil
		} else {
			var pe *domain.PluginError
			if !errors.As(err, &pe) || domain.IsFatal(err) {
				return FlushResult{}, err
			}
			res.Raised = err
			res.Result = nil
		}
	}

	status := domain.BatchStatusCompleted
	if _, failed := res.Result.(domain.ErrorResult); failed || res.Raised != nil {
		status = domain.BatchStatusFailed
	}
	if err := e.updateStatus(ctx, b, status, decision, res.StateID); err != nil {
		return FlushResult{}, err
	}

	b.tokens = nil
	b.batchID = ""
	b.trigger.Reset()
	return res, nil
}

func (e *AggregationExecutor) updateStatus(ctx context.Context, b *aggregationBuffer, status domain.BatchStatus, decision FlushDecision, stateID string) error {
	if err := e.rc.recorder.UpdateBatchStatus(ctx, domain.BatchStatusUpdate{
		BatchID:       b.batchID,
		Status:        status,
		Trigger:       decision.Trigger,
		TriggerReason: decision.Reason,
		StateID:       stateID,
		UpdatedAt:     e.rc.clock.Now(),
	}); err != nil {
		return fmt.Errorf("failed to move batch %s to %s: %w", b.batchID, status, err)
	}
	return nil
}

// heldJoinKeys returns the join key of every buffered token.
func (e *AggregationExecutor) heldJoinKeys() map[string]bool {
	held := make(map[string]bool)
	for _, b := range e.buffers {
		for _, t := range b.tokens {
			held[joinKey(t)] = true
		}
	}
	return held
}

// Snapshot captures every non-empty buffer for a checkpoint.
func (e *AggregationExecutor) Snapshot() []domain.AggregationCheckpoint {
	var out []domain.AggregationCheckpoint
	for _, node := range e.rc.graph.NodesOfKind(graph.KindAggregation) {
		b, ok := e.buffers[node.Name]
		if !ok || len(b.tokens) == 0 {
			continue
		}
		out = append(out, domain.AggregationCheckpoint{
			NodeName:       node.Name,
			BatchID:        b.batchID,
			Tokens:         append([]domain.Token(nil), b.tokens...),
			ElapsedSeconds: b.trigger.Elapsed().Seconds(),
		})
	}
	return out
}

// Restore rebuilds a buffer from a checkpoint without replaying time.
func (e *AggregationExecutor) Restore(node *graph.Node, cp domain.AggregationCheckpoint) {
	b := e.buffer(node)
	b.batchID = cp.BatchID
	b.tokens = append([]domain.Token(nil), cp.Tokens...)
	b.trigger.Restore(len(cp.Tokens), time.Duration(cp.ElapsedSeconds*float64(time.Second)))
}
