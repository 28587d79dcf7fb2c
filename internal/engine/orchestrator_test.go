package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aescanero/rowflow/pkg/adapters/storage/memory"
	"github.com/aescanero/rowflow/pkg/domain"
	"github.com/aescanero/rowflow/pkg/graph"
	"github.com/aescanero/rowflow/pkg/ports"
)

func TestRun_LinearPipeline(t *testing.T) {
	h := newHarness()
	out := &memSink{name: "out"}
	g, err := graph.NewBuilder("linear").Add(
		graph.NodeSpec{Name: "in", Kind: graph.KindSource, Plugin: &listSource{rows: rowsN(3)}, Next: "tag"},
		graph.NodeSpec{Name: "tag", Kind: graph.KindTransform, Plugin: setField("tag", "seen", true), Next: "out"},
		graph.NodeSpec{Name: "out", Kind: graph.KindSink, Plugin: out},
	).Build()
	require.NoError(t, err)

	res, err := h.orchestrator(nil).Run(context.Background(), g, RunOptions{RunID: "run-linear"})
	require.NoError(t, err)

	assert.Equal(t, domain.RunStatusCompleted, res.Status)
	assert.Equal(t, int64(3), res.Counters.RowsProcessed)
	assert.Equal(t, int64(3), res.Counters.Succeeded)

	rows := out.Rows()
	require.Len(t, rows, 3)
	for i, r := range rows {
		assert.Equal(t, i, r["id"])
		assert.Equal(t, true, r["seen"])
	}
	assert.Equal(t, 1, out.writes)
	assert.True(t, out.closed)

	run, err := h.recorder.GetRun(context.Background(), "run-linear")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, run.Status)
	assert.Equal(t, g.Hash(), run.GraphHash)
	require.NotNil(t, run.CompletedAt)

	artifacts := h.recorder.Artifacts("run-linear")
	require.Len(t, artifacts, 1)
	assert.NotEmpty(t, artifacts[0].Artifact.ContentHash)
	assert.Len(t, h.recorder.Rows("run-linear"), 3)

	assertLineageComplete(t, h.recorder, "run-linear")
}

func TestRun_SinkBatchSize(t *testing.T) {
	h := newHarness()
	h.settings.SinkBatchSize = 2
	out := &memSink{name: "out"}
	g, err := graph.NewBuilder("batched").Add(
		graph.NodeSpec{Name: "in", Kind: graph.KindSource, Plugin: &listSource{rows: rowsN(3)}, Next: "out"},
		graph.NodeSpec{Name: "out", Kind: graph.KindSink, Plugin: out},
	).Build()
	require.NoError(t, err)

	_, err = h.orchestrator(nil).Run(context.Background(), g, RunOptions{RunID: "run-batched"})
	require.NoError(t, err)
	assert.Equal(t, 2, out.writes)
	assert.Len(t, out.Rows(), 3)
	assert.Len(t, h.recorder.Artifacts("run-batched"), 2)
}

func TestRun_StructuredErrorPolicies(t *testing.T) {
	tests := []struct {
		name       string
		onError    string
		wantKind   domain.OutcomeKind
		wantErrors int
		wantStatus domain.RunStatus
	}{
		{name: "no policy", onError: "", wantKind: domain.OutcomeFailed, wantStatus: domain.RunStatusCompletedWithFailures},
		{name: "discard", onError: graph.PolicyDiscard, wantKind: domain.OutcomeQuarantined, wantStatus: domain.RunStatusCompletedWithFailures},
		{name: "error sink", onError: "errors", wantKind: domain.OutcomeQuarantined, wantErrors: 1, wantStatus: domain.RunStatusCompletedWithFailures},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			out := &memSink{name: "out"}
			errs := &memSink{name: "errors"}
			validate := &funcTransform{name: "validate", fn: func(row domain.Row, _ int) (domain.TransformResult, error) {
				if row["id"] == 1 {
					return domain.Error("bad_value", "id 1 is rejected", false), nil
				}
				return domain.Success(row), nil
			}}

			specs := []graph.NodeSpec{
				{Name: "in", Kind: graph.KindSource, Plugin: &listSource{rows: rowsN(3)}, Next: "validate"},
				{Name: "validate", Kind: graph.KindTransform, Plugin: validate, Next: "out", OnError: tt.onError},
				{Name: "out", Kind: graph.KindSink, Plugin: out},
			}
			if tt.onError == "errors" {
				specs = append(specs, graph.NodeSpec{Name: "errors", Kind: graph.KindSink, Plugin: errs})
			}
			g, err := graph.NewBuilder("policies").Add(specs...).Build()
			require.NoError(t, err)

			res, err := h.orchestrator(nil).Run(context.Background(), g, RunOptions{RunID: "run"})
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, res.Status)
			assert.Equal(t, int64(2), res.Counters.Succeeded)
			assert.Len(t, out.Rows(), 2)
			assert.Len(t, errs.Rows(), tt.wantErrors)

			got := outcomesOfKind(t, h.recorder, "run", tt.wantKind)
			require.Len(t, got, 1)
			switch o := got[0].(type) {
			case domain.Failed:
				assert.Equal(t, domain.ReasonTransformError, o.Reason)
				assert.Equal(t, "bad_value", o.Error.Type)
			case domain.Quarantined:
				assert.Equal(t, domain.ReasonTransformError, o.Reason)
				if tt.onError == "errors" {
					assert.Equal(t, "errors", o.Sink)
				} else {
					assert.Empty(t, o.Sink)
				}
			default:
				t.Fatalf("unexpected outcome %T", o)
			}
			assertLineageComplete(t, h.recorder, "run")
		})
	}
}

func TestRun_RaisedFailureWithoutPolicyIsFatal(t *testing.T) {
	h := newHarness()
	boom := &funcTransform{name: "boom", fn: func(domain.Row, int) (domain.TransformResult, error) {
		return nil, errors.New("connection refused")
	}}
	g, err := graph.NewBuilder("raised").Add(
		graph.NodeSpec{Name: "in", Kind: graph.KindSource, Plugin: &listSource{rows: rowsN(2)}, Next: "boom"},
		graph.NodeSpec{Name: "boom", Kind: graph.KindTransform, Plugin: boom, Next: "out"},
		graph.NodeSpec{Name: "out", Kind: graph.KindSink, Plugin: &memSink{name: "out"}},
	).Build()
	require.NoError(t, err)

	res, err := h.orchestrator(nil).Run(context.Background(), g, RunOptions{RunID: "run-raised"})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrUnhandledPluginFailure)
	assert.True(t, domain.IsFatal(err))
	assert.Equal(t, domain.RunStatusFailed, res.Status)
	assert.NotEmpty(t, res.Error)

	run, err := h.recorder.GetRun(context.Background(), "run-raised")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusFailed, run.Status)
}

func TestRun_FatalFailureWritesBufferedSinkOutcomes(t *testing.T) {
	h := newHarness()
	h.settings.SinkBatchSize = 100
	out := &memSink{name: "out"}
	boom := &funcTransform{name: "boom", fn: func(row domain.Row, _ int) (domain.TransformResult, error) {
		if row["id"] == 2 {
			return nil, errors.New("connection refused")
		}
		return domain.Success(row), nil
	}}
	g, err := graph.NewBuilder("raised").Add(
		graph.NodeSpec{Name: "in", Kind: graph.KindSource, Plugin: &listSource{rows: rowsN(4)}, Next: "boom"},
		graph.NodeSpec{Name: "boom", Kind: graph.KindTransform, Plugin: boom, Next: "out"},
		graph.NodeSpec{Name: "out", Kind: graph.KindSink, Plugin: out},
	).Build()
	require.NoError(t, err)

	res, err := h.orchestrator(nil).Run(context.Background(), g, RunOptions{RunID: "run-fatal"})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrUnhandledPluginFailure)
	assert.Equal(t, domain.RunStatusFailed, res.Status)

	assert.Equal(t, []domain.Row{{"id": 0}, {"id": 1}}, out.Rows())
	assert.Equal(t, int64(3), res.Counters.RowsProcessed)
	assert.Equal(t, int64(2), res.Counters.Succeeded)
	assert.Equal(t, int64(1), res.Counters.Failed)

	failed := outcomesOfKind(t, h.recorder, "run-fatal", domain.OutcomeFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, domain.ReasonPluginFailure, failed[0].(domain.Failed).Reason)
	assertLineageComplete(t, h.recorder, "run-fatal")
}

func TestRun_PanicIsQuarantinedByPolicy(t *testing.T) {
	h := newHarness()
	panicky := &funcTransform{name: "panicky", fn: func(domain.Row, int) (domain.TransformResult, error) {
		panic("nil map")
	}}
	g, err := graph.NewBuilder("panic").Add(
		graph.NodeSpec{Name: "in", Kind: graph.KindSource, Plugin: &listSource{rows: rowsN(1)}, Next: "panicky"},
		graph.NodeSpec{Name: "panicky", Kind: graph.KindTransform, Plugin: panicky, Next: "out", OnError: graph.PolicyDiscard,
			Retry: &graph.RetrySettings{MaxAttempts: 3}},
		graph.NodeSpec{Name: "out", Kind: graph.KindSink, Plugin: &memSink{name: "out"}},
	).Build()
	require.NoError(t, err)

	res, err := h.orchestrator(nil).Run(context.Background(), g, RunOptions{RunID: "run-panic"})
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusFailed, res.Status)
	assert.Equal(t, 1, panicky.calls, "panics are not retried")

	got := outcomesOfKind(t, h.recorder, "run-panic", domain.OutcomeQuarantined)
	require.Len(t, got, 1)
	q := got[0].(domain.Quarantined)
	assert.Equal(t, domain.ReasonPluginFailure, q.Reason)
	assert.Equal(t, "plugin_panic", q.Error.Type)
}

func TestRun_RetryThenSucceed(t *testing.T) {
	h := newHarness()
	flaky := &funcTransform{name: "flaky", fn: func(row domain.Row, attempt int) (domain.TransformResult, error) {
		if attempt < 3 {
			return nil, errFlaky
		}
		return domain.Success(row), nil
	}}
	g, err := graph.NewBuilder("retry").Add(
		graph.NodeSpec{Name: "in", Kind: graph.KindSource, Plugin: &listSource{rows: rowsN(1)}, Next: "flaky"},
		graph.NodeSpec{Name: "flaky", Kind: graph.KindTransform, Plugin: flaky, Next: "out",
			Retry: &graph.RetrySettings{MaxAttempts: 3}},
		graph.NodeSpec{Name: "out", Kind: graph.KindSink, Plugin: &memSink{name: "out"}},
	).Build()
	require.NoError(t, err)

	res, err := h.orchestrator(nil).Run(context.Background(), g, RunOptions{RunID: "run-retry"})
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, res.Status)
	assert.Equal(t, 3, flaky.calls)

	node, err := g.Node("flaky")
	require.NoError(t, err)
	states, err := h.recorder.ListNodeStates(context.Background(), "run-retry")
	require.NoError(t, err)

	var attempts []int
	var statuses []domain.NodeStateStatus
	for _, s := range states {
		if s.NodeID == node.ID {
			attempts = append(attempts, s.Attempt)
			statuses = append(statuses, s.Status)
		}
	}
	assert.Equal(t, []int{1, 2, 3}, attempts)
	assert.Equal(t, []domain.NodeStateStatus{
		domain.NodeStateStatusFailed, domain.NodeStateStatusFailed, domain.NodeStateStatusCompleted,
	}, statuses)
	assertLineageComplete(t, h.recorder, "run-retry")
}

func TestRun_RetriesExhausted(t *testing.T) {
	h := newHarness()
	flaky := &funcTransform{name: "flaky", fn: func(domain.Row, int) (domain.TransformResult, error) {
		return nil, errFlaky
	}}
	busy := &funcTransform{name: "busy", fn: func(domain.Row, int) (domain.TransformResult, error) {
		return domain.Error("busy", "try later", true), nil
	}}
	g, err := graph.NewBuilder("exhausted").Add(
		graph.NodeSpec{Name: "in", Kind: graph.KindSource, Plugin: &listSource{rows: rowsN(1)}, Next: "split"},
		graph.NodeSpec{Name: "split", Kind: graph.KindGate, Plugin: funcGate{fn: func(domain.Row) domain.RoutingAction {
			return domain.ForkTo{Branches: []string{"raised", "structured"}}
		}}, ForkBranches: map[string]string{"raised": "flaky", "structured": "busy"}},
		graph.NodeSpec{Name: "flaky", Kind: graph.KindTransform, Plugin: flaky, Next: "out", OnError: graph.PolicyDiscard,
			Retry: &graph.RetrySettings{MaxAttempts: 3}},
		graph.NodeSpec{Name: "busy", Kind: graph.KindTransform, Plugin: busy, Next: "out",
			Retry: &graph.RetrySettings{MaxAttempts: 2}},
		graph.NodeSpec{Name: "out", Kind: graph.KindSink, Plugin: &memSink{name: "out"}},
	).Build()
	require.NoError(t, err)

	res, err := h.orchestrator(nil).Run(context.Background(), g, RunOptions{RunID: "run-exhausted"})
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusFailed, res.Status)
	assert.Equal(t, 3, flaky.calls)
	assert.Equal(t, 2, busy.calls)

	quarantined := outcomesOfKind(t, h.recorder, "run-exhausted", domain.OutcomeQuarantined)
	require.Len(t, quarantined, 1)
	assert.Equal(t, domain.ReasonRetriesExhausted, quarantined[0].(domain.Quarantined).Reason)

	failed := outcomesOfKind(t, h.recorder, "run-exhausted", domain.OutcomeFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, domain.ReasonRetriesExhausted, failed[0].(domain.Failed).Reason)
	assert.Equal(t, "busy", failed[0].(domain.Failed).Error.Type)
	assertLineageComplete(t, h.recorder, "run-exhausted")
}

func TestRun_MultiRowWithoutCreatesTokensIsContractViolation(t *testing.T) {
	h := newHarness()
	dup := &funcTransform{name: "dup", fn: func(row domain.Row, _ int) (domain.TransformResult, error) {
		return domain.SuccessMulti(row, row), nil
	}}
	g, err := graph.NewBuilder("contract").Add(
		graph.NodeSpec{Name: "in", Kind: graph.KindSource, Plugin: &listSource{rows: rowsN(1)}, Next: "dup"},
		graph.NodeSpec{Name: "dup", Kind: graph.KindTransform, Plugin: dup, Next: "out", OnError: graph.PolicyDiscard},
		graph.NodeSpec{Name: "out", Kind: graph.KindSink, Plugin: &memSink{name: "out"}},
	).Build()
	require.NoError(t, err)

	res, err := h.orchestrator(nil).Run(context.Background(), g, RunOptions{RunID: "run-contract"})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrContractViolation)
	assert.True(t, domain.IsFatal(err))
	assert.Equal(t, domain.RunStatusFailed, res.Status)
}

func TestRun_ExpandWithCreatesTokens(t *testing.T) {
	h := newHarness()
	out := &memSink{name: "out"}
	explode := &funcTransform{
		name: "explode",
		meta: ports.PluginMetadata{CreatesTokens: true},
		fn: func(row domain.Row, _ int) (domain.TransformResult, error) {
			return domain.SuccessMulti(
				domain.Row{"id": row["id"], "part": 0},
				domain.Row{"id": row["id"], "part": 1},
				domain.Row{"id": row["id"], "part": 2},
			), nil
		},
	}
	g, err := graph.NewBuilder("expand").Add(
		graph.NodeSpec{Name: "in", Kind: graph.KindSource, Plugin: &listSource{rows: rowsN(1)}, Next: "explode"},
		graph.NodeSpec{Name: "explode", Kind: graph.KindTransform, Plugin: explode, Next: "out"},
		graph.NodeSpec{Name: "out", Kind: graph.KindSink, Plugin: out},
	).Build()
	require.NoError(t, err)

	res, err := h.orchestrator(nil).Run(context.Background(), g, RunOptions{RunID: "run-expand"})
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, res.Status)
	assert.Equal(t, int64(1), res.Counters.Expanded)
	assert.Equal(t, int64(3), res.Counters.Succeeded)
	assert.Len(t, out.Rows(), 3)

	edges := h.recorder.Edges("run-expand")
	require.Len(t, edges, 3)
	for i, e := range edges {
		assert.Equal(t, domain.LineageExpand, e.Kind)
		assert.Equal(t, i, e.Ordinal)
	}
	assertLineageComplete(t, h.recorder, "run-expand")
}

func TestRun_GateRoutesToSink(t *testing.T) {
	h := newHarness()
	out := &memSink{name: "out"}
	alerts := &memSink{name: "alerts"}
	gate := funcGate{fn: func(row domain.Row) domain.RoutingAction {
		if row["id"].(int) >= 2 {
			return domain.RouteTo{Label: "high"}
		}
		return domain.Continue{}
	}}
	g, err := graph.NewBuilder("routing").Add(
		graph.NodeSpec{Name: "in", Kind: graph.KindSource, Plugin: &listSource{rows: rowsN(4)}, Next: "check"},
		graph.NodeSpec{Name: "check", Kind: graph.KindGate, Plugin: gate, Next: "out", Routes: map[string]string{"high": "alerts"}},
		graph.NodeSpec{Name: "out", Kind: graph.KindSink, Plugin: out},
		graph.NodeSpec{Name: "alerts", Kind: graph.KindSink, Plugin: alerts},
	).Build()
	require.NoError(t, err)

	res, err := h.orchestrator(nil).Run(context.Background(), g, RunOptions{RunID: "run-routing"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Counters.Routed)
	assert.Equal(t, int64(2), res.Counters.Succeeded)
	assert.Len(t, out.Rows(), 2)
	assert.Len(t, alerts.Rows(), 2)

	events := h.recorder.RoutingEvents("run-routing")
	require.Len(t, events, 4)
	assert.Equal(t, domain.RoutingContinue, events[0].Mode)
	assert.Equal(t, domain.RoutingMove, events[3].Mode)
	assert.Equal(t, "high", events[3].Label)

	routed := outcomesOfKind(t, h.recorder, "run-routing", domain.OutcomeRouted)
	require.Len(t, routed, 2)
	assert.Equal(t, domain.Routed{Sink: "alerts", Label: "high"}, routed[0])
	assertLineageComplete(t, h.recorder, "run-routing")
}

func TestRun_SourceValidationFailure(t *testing.T) {
	h := newHarness()
	out := &memSink{name: "out"}
	rejects := &memSink{name: "rejects"}
	src := &listSource{rows: rowsN(3), invalid: map[int]string{1: "missing amount"}}
	g, err := graph.NewBuilder("validation").Add(
		graph.NodeSpec{Name: "in", Kind: graph.KindSource, Plugin: src, Next: "out", OnValidationFailure: "rejects"},
		graph.NodeSpec{Name: "out", Kind: graph.KindSink, Plugin: out},
		graph.NodeSpec{Name: "rejects", Kind: graph.KindSink, Plugin: rejects},
	).Build()
	require.NoError(t, err)

	res, err := h.orchestrator(nil).Run(context.Background(), g, RunOptions{RunID: "run-validation"})
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Counters.RowsProcessed)
	assert.Equal(t, int64(1), res.Counters.Quarantined)
	assert.Len(t, out.Rows(), 2)
	require.Len(t, rejects.Rows(), 1)
	assert.Equal(t, 1, rejects.Rows()[0]["id"])
	assertLineageComplete(t, h.recorder, "run-validation")
}

func TestRun_SinkWriteFailure(t *testing.T) {
	h := newHarness()
	out := &memSink{name: "out", failErr: errors.New("disk full")}
	g, err := graph.NewBuilder("sinkfail").Add(
		graph.NodeSpec{Name: "in", Kind: graph.KindSource, Plugin: &listSource{rows: rowsN(2)}, Next: "out"},
		graph.NodeSpec{Name: "out", Kind: graph.KindSink, Plugin: out},
	).Build()
	require.NoError(t, err)

	res, err := h.orchestrator(nil).Run(context.Background(), g, RunOptions{RunID: "run-sinkfail"})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrSinkWrite)
	assert.Equal(t, domain.RunStatusFailed, res.Status)

	failed := outcomesOfKind(t, h.recorder, "run-sinkfail", domain.OutcomeFailed)
	require.Len(t, failed, 2)
	assert.Equal(t, domain.ReasonSinkWriteFailed, failed[0].(domain.Failed).Reason)
	assertLineageComplete(t, h.recorder, "run-sinkfail")
}

func TestRun_IterationCap(t *testing.T) {
	h := newHarness()
	h.settings.MaxIterations = 25
	g, err := graph.NewBuilder("loop").Add(
		graph.NodeSpec{Name: "in", Kind: graph.KindSource, Plugin: &listSource{rows: rowsN(1)}, Next: "ping"},
		graph.NodeSpec{Name: "ping", Kind: graph.KindTransform, Plugin: passthrough("ping"), Next: "pong"},
		graph.NodeSpec{Name: "pong", Kind: graph.KindTransform, Plugin: passthrough("pong"), Next: "ping"},
	).BuildWithoutValidation()
	require.NoError(t, err)

	res, err := h.orchestrator(nil).Run(context.Background(), g, RunOptions{RunID: "run-loop"})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrIterationCapExceeded)
	assert.Equal(t, domain.RunStatusFailed, res.Status)
}

func TestRun_InterruptAndResume(t *testing.T) {
	h := newHarness()
	h.settings.CheckpointInterval = 2
	store := memory.NewCheckpointStore()

	sum := func() *funcBatch {
		return &funcBatch{name: "sum", fn: func(rows []domain.Row) (domain.TransformResult, error) {
			total := 0
			for _, r := range rows {
				total += r["id"].(int)
			}
			return domain.Success(domain.Row{"count": len(rows), "sum": total}), nil
		}}
	}
	build := func(src *listSource, out *memSink) *graph.Graph {
		g, err := graph.NewBuilder("resumable").Add(
			graph.NodeSpec{Name: "in", Kind: graph.KindSource, Plugin: src, Next: "total"},
			graph.NodeSpec{Name: "total", Kind: graph.KindAggregation, Plugin: sum(), Next: "out",
				Aggregation: &graph.AggregationSettings{Trigger: graph.TriggerSettings{Count: 10}}},
			graph.NodeSpec{Name: "out", Kind: graph.KindSink, Plugin: out},
		).Build()
		require.NoError(t, err)
		return g
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	first := &memSink{name: "out"}
	g1 := build(&listSource{rows: rowsN(5), onNext: func(i int) {
		if i == 3 {
			cancel()
		}
	}}, first)

	res, err := h.orchestrator(store).Run(ctx, g1, RunOptions{RunID: "run-resume"})
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusInterrupted, res.Status)
	assert.NotEmpty(t, res.CheckpointID)
	assert.Empty(t, first.Rows())
	assert.True(t, first.closed)

	cp, err := store.Load(context.Background(), "run-resume")
	require.NoError(t, err)
	assert.Equal(t, int64(3), cp.LastRowIndex)
	assert.Equal(t, res.CheckpointID, cp.CheckpointID)
	require.Len(t, cp.Aggregations, 1)
	assert.Len(t, cp.Aggregations[0].Tokens, 4)

	second := &memSink{name: "out"}
	g2 := build(&listSource{rows: rowsN(5)}, second)
	res, err = h.orchestrator(store).ResumeRun(context.Background(), g2, "run-resume")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, res.Status)
	assert.Equal(t, int64(5), res.Counters.RowsProcessed)
	assert.Equal(t, int64(5), res.Counters.ConsumedInBatch)
	assert.Equal(t, []domain.Row{{"count": 5, "sum": 10}}, second.Rows())

	_, err = store.Load(context.Background(), "run-resume")
	assert.True(t, domain.IsNotFound(err))

	run, err := h.recorder.GetRun(context.Background(), "run-resume")
	require.NoError(t, err)
	assert.Equal(t, cp.CheckpointID, run.ResumedFrom)
	assertLineageComplete(t, h.recorder, "run-resume")
}

func TestRun_InterruptWithoutCheckpointStore(t *testing.T) {
	h := newHarness()
	h.settings.SinkBatchSize = 100
	h.settings.CheckpointInterval = 2

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := &memSink{name: "out"}
	g, err := graph.NewBuilder("unsaved").Add(
		graph.NodeSpec{Name: "in", Kind: graph.KindSource, Plugin: &listSource{rows: rowsN(5), onNext: func(i int) {
			if i == 3 {
				cancel()
			}
		}}, Next: "out"},
		graph.NodeSpec{Name: "out", Kind: graph.KindSink, Plugin: out},
	).Build()
	require.NoError(t, err)

	res, err := h.orchestrator(nil).Run(ctx, g, RunOptions{RunID: "run-unsaved"})
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusInterrupted, res.Status)
	assert.Empty(t, res.CheckpointID)
	assert.Equal(t, int64(4), res.Counters.RowsProcessed)
	assert.Equal(t, int64(4), res.Counters.Succeeded)
	assert.Len(t, out.Rows(), 4)
	assertLineageComplete(t, h.recorder, "run-unsaved")
}

func TestRun_InterruptWithoutCheckpointStoreReleasesBatches(t *testing.T) {
	h := newHarness()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := &memSink{name: "out"}
	g, err := graph.NewBuilder("unsaved-batch").Add(
		graph.NodeSpec{Name: "in", Kind: graph.KindSource, Plugin: &listSource{rows: rowsN(5), onNext: func(i int) {
			if i == 2 {
				cancel()
			}
		}}, Next: "total"},
		graph.NodeSpec{Name: "total", Kind: graph.KindAggregation, Plugin: summing(), Next: "out",
			Aggregation: &graph.AggregationSettings{Trigger: graph.TriggerSettings{Count: 10}}},
		graph.NodeSpec{Name: "out", Kind: graph.KindSink, Plugin: out},
	).Build()
	require.NoError(t, err)

	res, err := h.orchestrator(nil).Run(ctx, g, RunOptions{RunID: "run-unsaved-batch"})
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusInterrupted, res.Status)
	assert.Equal(t, int64(3), res.Counters.ConsumedInBatch)
	assert.Equal(t, []domain.Row{{"count": 3, "sum": 3}}, out.Rows())
	assertLineageComplete(t, h.recorder, "run-unsaved-batch")
}

func TestResume_RejectsDifferentGraph(t *testing.T) {
	h := newHarness()
	g, err := graph.NewBuilder("other").Add(
		graph.NodeSpec{Name: "in", Kind: graph.KindSource, Plugin: &listSource{}, Next: "out"},
		graph.NodeSpec{Name: "out", Kind: graph.KindSink, Plugin: &memSink{name: "out"}},
	).Build()
	require.NoError(t, err)

	cp := domain.Checkpoint{CheckpointID: "cp", RunID: "run", GraphHash: "not-this-graph", LastRowIndex: 0}
	_, err = h.orchestrator(nil).Resume(context.Background(), g, cp)
	assert.ErrorIs(t, err, domain.ErrCheckpointIncompatible)

	_, err = h.orchestrator(nil).Resume(context.Background(), g, domain.Checkpoint{})
	assert.ErrorIs(t, err, domain.ErrInvalidCheckpoint)
}
