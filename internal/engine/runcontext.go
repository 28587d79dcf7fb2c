package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/aescanero/rowflow/pkg/domain"
	"github.com/aescanero/rowflow/pkg/graph"
	"github.com/aescanero/rowflow/pkg/ports"
)

// runContext is the state owned by one run. Nothing in it is shared with
// other runs, and it is only touched by the run's own goroutine.
type runContext struct {
	runID    string
	graph    *graph.Graph
	recorder ports.Recorder
	clock    Clock
	logger   *zap.Logger
	metrics  ports.MetricsCollector
	settings Settings

	counters    domain.RowCounters
	lastTokenID string

	// Sink-bound outcomes wait here until their sink write succeeds.
	pending map[string][]domain.RowResult
}

func newRunContext(runID string, g *graph.Graph, recorder ports.Recorder, clock Clock, logger *zap.Logger, metrics ports.MetricsCollector, settings Settings) *runContext {
	return &runContext{
		runID:    runID,
		graph:    g,
		recorder: recorder,
		clock:    clock,
		logger:   logger.With(zap.String("run_id", runID)),
		metrics:  metrics,
		settings: settings,
		pending:  make(map[string][]domain.RowResult),
	}
}

// pluginContext builds the context passed to a plugin invocation.
func (rc *runContext) pluginContext(node *graph.Node, token domain.Token, stateID string, attempt int) ports.PluginContext {
	return ports.PluginContext{
		RunID:    rc.runID,
		NodeID:   node.ID,
		NodeName: node.Name,
		StateID:  stateID,
		TokenID:  token.ID,
		RowID:    token.RowID,
		Attempt:  attempt,
		Logger:   rc.logger.With(zap.String("node", node.Name), zap.String("token_id", token.ID)),
	}
}

// emit routes a result: sink-bound outcomes wait for their sink write,
// everything else is recorded immediately.
func (rc *runContext) emit(ctx context.Context, result domain.RowResult) error {
	if sink, ok := domain.SinkOf(result.Outcome); ok {
		rc.pending[sink] = append(rc.pending[sink], result)
		return nil
	}
	return rc.record(ctx, result)
}

func (rc *runContext) record(ctx context.Context, result domain.RowResult) error {
	if err := rc.recorder.RecordTokenOutcome(ctx, domain.TokenOutcomeRecord{
		RunID:   rc.runID,
		TokenID: result.Token.ID,
		RowID:   result.Token.RowID,
		NodeID:  result.NodeID,
		Outcome: result.Outcome,
	}); err != nil {
		return fmt.Errorf("failed to record %s outcome for token %s: %w", result.Outcome.Kind(), result.Token.ID, err)
	}
	rc.counters.Add(result.Outcome)
	rc.metrics.RecordOutcome(result.Outcome.Kind())
	return nil
}

// pendingWrites is the number of outcomes waiting for a sink.
func (rc *runContext) pendingWrites() int {
	n := 0
	for _, results := range rc.pending {
		n += len(results)
	}
	return n
}

// flushSinks writes every sink whose buffer holds at least minBatch
// outcomes. Sinks are written in step order. A failed write records the
// affected tokens as failed and stops the run. A sink's buffer is taken
// before its write, so every call that fails has consumed one buffer.
func (rc *runContext) flushSinks(ctx context.Context, sinks *SinkExecutor, minBatch int) error {
	for _, node := range rc.graph.NodesOfKind(graph.KindSink) {
		results := rc.pending[node.Name]
		if len(results) == 0 || len(results) < minBatch {
			continue
		}
		delete(rc.pending, node.Name)

		tokens := make([]domain.Token, len(results))
		for i, r := range results {
			tokens[i] = r.Token
		}

		if _, err := sinks.Write(ctx, node, tokens); err != nil {
			detail := &domain.FailureDetail{Type: domain.ReasonSinkWriteFailed, Message: err.Error()}
			for _, r := range results {
				failed := domain.RowResult{Token: r.Token, NodeID: node.ID, Outcome: domain.Failed{Reason: domain.ReasonSinkWriteFailed, Error: detail}}
				if rerr := rc.record(ctx, failed); rerr != nil {
					return rerr
				}
			}
			return err
		}

		for _, r := range results {
			if err := rc.record(ctx, r); err != nil {
				return err
			}
		}
	}
	return nil
}
