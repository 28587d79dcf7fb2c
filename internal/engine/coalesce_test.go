package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aescanero/rowflow/pkg/adapters/audit/memory"
	storagememory "github.com/aescanero/rowflow/pkg/adapters/storage/memory"
	"github.com/aescanero/rowflow/pkg/domain"
	"github.com/aescanero/rowflow/pkg/graph"
	"github.com/aescanero/rowflow/pkg/ports"
)

func forkAll(branches ...string) funcGate {
	return funcGate{fn: func(domain.Row) domain.RoutingAction {
		return domain.ForkTo{Branches: branches}
	}}
}

func TestRun_ForkAndCoalesceUnion(t *testing.T) {
	h := newHarness()
	out := &memSink{name: "out"}
	g, err := graph.NewBuilder("enrich").Add(
		graph.NodeSpec{Name: "in", Kind: graph.KindSource, Plugin: &listSource{rows: rowsN(2)}, Next: "split"},
		graph.NodeSpec{Name: "split", Kind: graph.KindGate, Plugin: forkAll("a", "b"),
			ForkBranches: map[string]string{"a": "enrich_a", "b": "enrich_b"}},
		graph.NodeSpec{Name: "enrich_a", Kind: graph.KindTransform, Plugin: setField("enrich_a", "a", 1), Next: "join"},
		graph.NodeSpec{Name: "enrich_b", Kind: graph.KindTransform, Plugin: setField("enrich_b", "b", 2), Next: "join"},
		graph.NodeSpec{Name: "join", Kind: graph.KindCoalesce, Next: "out",
			Coalesce: &graph.CoalesceSettings{Branches: []string{"a", "b"}, Policy: graph.PolicyRequireAll}},
		graph.NodeSpec{Name: "out", Kind: graph.KindSink, Plugin: out},
	).Build()
	require.NoError(t, err)

	res, err := h.orchestrator(nil).Run(context.Background(), g, RunOptions{RunID: "run-union"})
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, res.Status)
	assert.Equal(t, int64(2), res.Counters.Forked)
	assert.Equal(t, int64(4), res.Counters.Coalesced)
	assert.Equal(t, int64(2), res.Counters.Succeeded)

	assert.Equal(t, []domain.Row{
		{"id": 0, "a": 1, "b": 2},
		{"id": 1, "a": 1, "b": 2},
	}, out.Rows())

	for _, o := range outcomesOfKind(t, h.recorder, "run-union", domain.OutcomeCoalesced) {
		c := o.(domain.Coalesced)
		assert.Equal(t, "join", c.CoalesceName)
		assert.NotEmpty(t, c.MergedTokenID)
		assert.Empty(t, c.MissingBranches)
	}
	assertLineageComplete(t, h.recorder, "run-union")
}

func TestRun_QuorumMergesAndRecordsLateBranch(t *testing.T) {
	h := newHarness()
	out := &memSink{name: "out"}
	g, err := graph.NewBuilder("quorum").Add(
		graph.NodeSpec{Name: "in", Kind: graph.KindSource, Plugin: &listSource{rows: rowsN(1)}, Next: "split"},
		graph.NodeSpec{Name: "split", Kind: graph.KindGate, Plugin: forkAll("a", "b", "c"),
			ForkBranches: map[string]string{"a": "via_a", "b": "via_b", "c": "via_c"}},
		graph.NodeSpec{Name: "via_a", Kind: graph.KindTransform, Plugin: setField("via_a", "a", true), Next: "join"},
		graph.NodeSpec{Name: "via_b", Kind: graph.KindTransform, Plugin: setField("via_b", "b", true), Next: "join"},
		graph.NodeSpec{Name: "via_c", Kind: graph.KindTransform, Plugin: setField("via_c", "c", true), Next: "join"},
		graph.NodeSpec{Name: "join", Kind: graph.KindCoalesce, Next: "out",
			Coalesce: &graph.CoalesceSettings{Branches: []string{"a", "b", "c"}, Policy: graph.PolicyQuorum, Quorum: 2}},
		graph.NodeSpec{Name: "out", Kind: graph.KindSink, Plugin: out},
	).Build()
	require.NoError(t, err)

	res, err := h.orchestrator(nil).Run(context.Background(), g, RunOptions{RunID: "run-quorum"})
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, res.Status)
	assert.Equal(t, int64(2), res.Counters.Coalesced)
	assert.Zero(t, res.Counters.Quarantined)
	assert.Equal(t, int64(1), res.Counters.LateArrivals)
	assert.Equal(t, int64(1), res.Counters.Succeeded)
	assert.Equal(t, []domain.Row{{"id": 0, "a": true, "b": true}}, out.Rows())

	coalesced := outcomesOfKind(t, h.recorder, "run-quorum", domain.OutcomeCoalesced)
	require.Len(t, coalesced, 2)
	assert.Equal(t, []string{"c"}, coalesced[0].(domain.Coalesced).MissingBranches)

	late := outcomesOfKind(t, h.recorder, "run-quorum", domain.OutcomeQuarantined)
	require.Len(t, late, 1)
	assert.Equal(t, domain.ReasonLateArrival, late[0].(domain.Quarantined).Reason)
	assertLineageComplete(t, h.recorder, "run-quorum")
}

// savedCheckpoints keeps a copy of every checkpoint the run writes.
type savedCheckpoints struct {
	ports.CheckpointStore
	saved []domain.Checkpoint
}

func (s *savedCheckpoints) Save(ctx context.Context, cp domain.Checkpoint) error {
	s.saved = append(s.saved, cp)
	return s.CheckpointStore.Save(ctx, cp)
}

func TestRun_ResolvedJoinsAreForgotten(t *testing.T) {
	h := newHarness()
	h.settings.CheckpointInterval = 10
	store := &savedCheckpoints{CheckpointStore: storagememory.NewCheckpointStore()}
	out := &memSink{name: "out"}
	g, err := graph.NewBuilder("many").Add(
		graph.NodeSpec{Name: "in", Kind: graph.KindSource, Plugin: &listSource{rows: rowsN(100)}, Next: "split"},
		graph.NodeSpec{Name: "split", Kind: graph.KindGate, Plugin: forkAll("a", "b"),
			ForkBranches: map[string]string{"a": "enrich_a", "b": "enrich_b"}},
		graph.NodeSpec{Name: "enrich_a", Kind: graph.KindTransform, Plugin: setField("enrich_a", "a", 1), Next: "join"},
		graph.NodeSpec{Name: "enrich_b", Kind: graph.KindTransform, Plugin: setField("enrich_b", "b", 2), Next: "join"},
		graph.NodeSpec{Name: "join", Kind: graph.KindCoalesce, Next: "out",
			Coalesce: &graph.CoalesceSettings{Branches: []string{"a", "b"}, Policy: graph.PolicyRequireAll}},
		graph.NodeSpec{Name: "out", Kind: graph.KindSink, Plugin: out},
	).Build()
	require.NoError(t, err)

	res, err := h.orchestrator(store).Run(context.Background(), g, RunOptions{RunID: "run-many"})
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, res.Status)
	assert.Len(t, out.Rows(), 100)

	require.Len(t, store.saved, 10)
	for _, cp := range store.saved {
		assert.Empty(t, cp.ResolvedJoins, "checkpoint %d", cp.SequenceNumber)
		assert.Empty(t, cp.Coalesces)
	}
}

func TestRun_LateBranchHeldByAggregationIsStillRecognised(t *testing.T) {
	h := newHarness()
	h.settings.CheckpointInterval = 1
	store := &savedCheckpoints{CheckpointStore: storagememory.NewCheckpointStore()}
	out := &memSink{name: "out"}
	annotate := &funcBatch{name: "annotate", fn: func(rows []domain.Row) (domain.TransformResult, error) {
		return domain.SuccessMulti(rows...), nil
	}}
	g, err := graph.NewBuilder("held").Add(
		graph.NodeSpec{Name: "in", Kind: graph.KindSource, Plugin: &listSource{rows: rowsN(2)}, Next: "split"},
		graph.NodeSpec{Name: "split", Kind: graph.KindGate, Plugin: forkAll("a", "b"),
			ForkBranches: map[string]string{"a": "via_a", "b": "hold"}},
		graph.NodeSpec{Name: "via_a", Kind: graph.KindTransform, Plugin: setField("via_a", "a", true), Next: "join"},
		graph.NodeSpec{Name: "hold", Kind: graph.KindAggregation, Plugin: annotate, Next: "join",
			Aggregation: &graph.AggregationSettings{Trigger: graph.TriggerSettings{Count: 2}, OutputMode: graph.OutputPassthrough}},
		graph.NodeSpec{Name: "join", Kind: graph.KindCoalesce, Next: "out",
			Coalesce: &graph.CoalesceSettings{Branches: []string{"a", "b"}, Policy: graph.PolicyQuorum, Quorum: 1}},
		graph.NodeSpec{Name: "out", Kind: graph.KindSink, Plugin: out},
	).Build()
	require.NoError(t, err)

	res, err := h.orchestrator(store).Run(context.Background(), g, RunOptions{RunID: "run-held"})
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, res.Status)
	assert.Equal(t, int64(2), res.Counters.Succeeded)
	assert.Equal(t, int64(2), res.Counters.LateArrivals)

	require.Len(t, store.saved, 2)
	assert.Len(t, store.saved[0].ResolvedJoins, 1, "row 0's join is kept while its b branch is buffered")
	assert.Empty(t, store.saved[1].ResolvedJoins)

	late := outcomesOfKind(t, h.recorder, "run-held", domain.OutcomeQuarantined)
	require.Len(t, late, 2)
	for _, o := range late {
		assert.Equal(t, domain.ReasonLateArrival, o.(domain.Quarantined).Reason)
	}
	assertLineageComplete(t, h.recorder, "run-held")
}

func TestRun_RequireAllFailsIncompleteJoinAtEndOfSource(t *testing.T) {
	h := newHarness()
	dropped := &memSink{name: "dropped"}
	drop := funcGate{fn: func(domain.Row) domain.RoutingAction { return domain.RouteTo{Label: "drop"} }}
	g, err := graph.NewBuilder("incomplete").Add(
		graph.NodeSpec{Name: "in", Kind: graph.KindSource, Plugin: &listSource{rows: rowsN(1)}, Next: "split"},
		graph.NodeSpec{Name: "split", Kind: graph.KindGate, Plugin: forkAll("a", "b"),
			ForkBranches: map[string]string{"a": "enrich_a", "b": "filter"}},
		graph.NodeSpec{Name: "enrich_a", Kind: graph.KindTransform, Plugin: passthrough("enrich_a"), Next: "join"},
		graph.NodeSpec{Name: "filter", Kind: graph.KindGate, Plugin: drop, Next: "join", Routes: map[string]string{"drop": "dropped"}},
		graph.NodeSpec{Name: "join", Kind: graph.KindCoalesce, Next: "out",
			Coalesce: &graph.CoalesceSettings{Branches: []string{"a", "b"}, Policy: graph.PolicyRequireAll, Timeout: time.Minute}},
		graph.NodeSpec{Name: "out", Kind: graph.KindSink, Plugin: &memSink{name: "out"}},
		graph.NodeSpec{Name: "dropped", Kind: graph.KindSink, Plugin: dropped},
	).Build()
	require.NoError(t, err)

	res, err := h.orchestrator(nil).Run(context.Background(), g, RunOptions{RunID: "run-incomplete"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Counters.Failed)
	assert.Equal(t, int64(1), res.Counters.Routed)
	assert.Len(t, dropped.Rows(), 1)

	failed := outcomesOfKind(t, h.recorder, "run-incomplete", domain.OutcomeFailed)
	require.Len(t, failed, 1)
	f := failed[0].(domain.Failed)
	assert.Equal(t, domain.ReasonIncompleteBranches, f.Reason)
	assert.Equal(t, []string{"b"}, f.Error.Details["missing"])
	assertLineageComplete(t, h.recorder, "run-incomplete")
}

// coalesceFixture drives a CoalesceExecutor directly.
type coalesceFixture struct {
	clock    *manualClock
	recorder *memory.Recorder
	rc       *runContext
	tokens   *TokenManager
	exec     *CoalesceExecutor
	join     *graph.Node
	out      *graph.Node
}

func newCoalesceFixture(t *testing.T, settings graph.CoalesceSettings) *coalesceFixture {
	t.Helper()
	g, err := graph.NewBuilder("join").Add(
		graph.NodeSpec{Name: "in", Kind: graph.KindSource, Plugin: &listSource{}, Next: "split"},
		graph.NodeSpec{Name: "split", Kind: graph.KindGate, Plugin: forkAll("a", "b"),
			ForkBranches: map[string]string{"a": "join", "b": "join"}},
		graph.NodeSpec{Name: "join", Kind: graph.KindCoalesce, Next: "out", Coalesce: &settings},
		graph.NodeSpec{Name: "out", Kind: graph.KindSink, Plugin: &memSink{name: "out"}},
	).Build()
	require.NoError(t, err)

	f := &coalesceFixture{clock: newManualClock(), recorder: memory.NewRecorder()}
	f.rc = newRunContext("run-join", g, f.recorder, f.clock, zap.NewNop(), ports.NopMetrics{}, Settings{Clock: f.clock}.withDefaults())
	f.tokens = NewTokenManager("run-join", g.Source().ID, f.recorder, f.clock)
	f.exec = newCoalesceExecutor(f.rc, f.tokens)
	f.join, err = g.Node("join")
	require.NoError(t, err)
	f.out, err = g.Node("out")
	require.NoError(t, err)
	return f
}

// branches forks one source row into a and b tokens carrying extra fields.
func (f *coalesceFixture) branches(t *testing.T, index int64) (domain.Token, domain.Token) {
	t.Helper()
	ctx := context.Background()
	root, err := f.tokens.CreateInitialToken(ctx, index, domain.Row{"id": index, "nested": map[string]any{"k": "root"}})
	require.NoError(t, err)
	children, err := f.tokens.Fork(ctx, root, []string{"a", "b"}, 1)
	require.NoError(t, err)
	a, b := children[0], children[1]
	a = a.WithData(domain.Row{"id": index, "from": "a", "nested": map[string]any{"ka": 1}})
	b = b.WithData(domain.Row{"id": index, "from": "b", "nested": map[string]any{"kb": 2}})
	return a, b
}

func TestCoalesce_UnionDeepMergesInBranchOrder(t *testing.T) {
	f := newCoalesceFixture(t, graph.CoalesceSettings{Branches: []string{"a", "b"}, Policy: graph.PolicyRequireAll})
	ctx := context.Background()
	a, b := f.branches(t, 0)

	res, err := f.exec.Accept(ctx, f.join, b)
	require.NoError(t, err)
	assert.Nil(t, res.Merged)
	require.Len(t, res.Outcomes, 1)
	assert.IsType(t, domain.Buffered{}, res.Outcomes[0].Outcome)

	res, err = f.exec.Accept(ctx, f.join, a)
	require.NoError(t, err)
	require.NotNil(t, res.Merged)
	assert.Equal(t, domain.Row{
		"id":     int64(0),
		"from":   "b",
		"nested": map[string]any{"ka": 1, "kb": 2},
	}, res.Merged.Data)
	assert.Len(t, res.Outcomes, 2)
	assert.Equal(t, 0, f.exec.PendingCount())

	// Branch tokens are untouched by the merge.
	assert.Equal(t, map[string]any{"ka": 1}, a.Data["nested"])
}

func TestCoalesce_NestedAndSelect(t *testing.T) {
	ctx := context.Background()

	nested := newCoalesceFixture(t, graph.CoalesceSettings{Branches: []string{"a", "b"}, Policy: graph.PolicyRequireAll, Merge: graph.MergeNested})
	a, b := nested.branches(t, 0)
	_, err := nested.exec.Accept(ctx, nested.join, a)
	require.NoError(t, err)
	res, err := nested.exec.Accept(ctx, nested.join, b)
	require.NoError(t, err)
	require.NotNil(t, res.Merged)
	assert.Equal(t, "a", res.Merged.Data["a"].(map[string]any)["from"])
	assert.Equal(t, "b", res.Merged.Data["b"].(map[string]any)["from"])

	sel := newCoalesceFixture(t, graph.CoalesceSettings{Branches: []string{"a", "b"}, Policy: graph.PolicyRequireAll,
		Merge: graph.MergeSelect, SelectBranch: "b"})
	a, b = sel.branches(t, 0)
	_, err = sel.exec.Accept(ctx, sel.join, a)
	require.NoError(t, err)
	res, err = sel.exec.Accept(ctx, sel.join, b)
	require.NoError(t, err)
	require.NotNil(t, res.Merged)
	assert.Equal(t, "b", res.Merged.Data["from"])
}

func TestCoalesce_SelectBranchMissingFails(t *testing.T) {
	f := newCoalesceFixture(t, graph.CoalesceSettings{Branches: []string{"a", "b"}, Policy: graph.PolicyBestEffort,
		Merge: graph.MergeSelect, SelectBranch: "b", Timeout: time.Second})
	ctx := context.Background()
	a, _ := f.branches(t, 0)

	_, err := f.exec.Accept(ctx, f.join, a)
	require.NoError(t, err)

	results, err := f.exec.CheckTimeouts(ctx, f.clock.Now().Add(2*time.Second))
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Nil(t, results[0].Merged)
	require.Len(t, results[0].Outcomes, 1)
	assert.Equal(t, domain.ReasonSelectBranchMissing, results[0].Outcomes[0].Outcome.(domain.Failed).Reason)
}

func TestCoalesce_TimeoutsAreIdempotent(t *testing.T) {
	f := newCoalesceFixture(t, graph.CoalesceSettings{Branches: []string{"a", "b"}, Policy: graph.PolicyRequireAll, Timeout: 5 * time.Second})
	ctx := context.Background()
	a, b := f.branches(t, 0)

	_, err := f.exec.Accept(ctx, f.join, a)
	require.NoError(t, err)

	results, err := f.exec.CheckTimeouts(ctx, f.clock.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Empty(t, results)

	at := f.clock.Now().Add(6 * time.Second)
	results, err = f.exec.CheckTimeouts(ctx, at)
	require.NoError(t, err)
	require.Len(t, results, 1)
	failed := results[0].Outcomes[0].Outcome.(domain.Failed)
	assert.Equal(t, domain.ReasonIncompleteBranches, failed.Reason)

	results, err = f.exec.CheckTimeouts(ctx, at)
	require.NoError(t, err)
	assert.Empty(t, results)

	res, err := f.exec.Accept(ctx, f.join, b)
	require.NoError(t, err)
	require.Len(t, res.Outcomes, 1)
	assert.Equal(t, domain.ReasonLateArrival, res.Outcomes[0].Outcome.(domain.Quarantined).Reason)

	states, err := f.recorder.ListNodeStates(ctx, "run-join")
	require.NoError(t, err)
	require.Len(t, states, 2)
	for _, s := range states {
		assert.Equal(t, domain.NodeStateStatusFailed, s.Status)
	}
}

func TestCoalesce_BestEffortMergesOnTimeout(t *testing.T) {
	f := newCoalesceFixture(t, graph.CoalesceSettings{Branches: []string{"a", "b"}, Policy: graph.PolicyBestEffort, Timeout: time.Second})
	ctx := context.Background()
	a, _ := f.branches(t, 0)

	res, err := f.exec.Accept(ctx, f.join, a)
	require.NoError(t, err)
	assert.Nil(t, res.Merged, "best effort never merges on arrival")

	results, err := f.exec.CheckTimeouts(ctx, f.clock.Now().Add(time.Second))
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.NotNil(t, results[0].Merged)
	c := results[0].Outcomes[0].Outcome.(domain.Coalesced)
	assert.Equal(t, []string{"b"}, c.MissingBranches)
	assert.Equal(t, string(graph.PolicyBestEffort), c.Policy)
}

func TestCoalesce_InvariantViolations(t *testing.T) {
	f := newCoalesceFixture(t, graph.CoalesceSettings{Branches: []string{"a", "b"}, Policy: graph.PolicyRequireAll})
	ctx := context.Background()
	a, _ := f.branches(t, 0)

	_, err := f.exec.Accept(ctx, f.out, a)
	assert.ErrorIs(t, err, domain.ErrUnknownCoalescePoint)

	stray := a
	stray.BranchName = "z"
	_, err = f.exec.Accept(ctx, f.join, stray)
	assert.ErrorIs(t, err, domain.ErrUnexpectedBranch)

	_, err = f.exec.Accept(ctx, f.join, a)
	require.NoError(t, err)
	_, err = f.exec.Accept(ctx, f.join, a)
	assert.ErrorIs(t, err, domain.ErrDuplicateArrival)
	assert.True(t, domain.IsFatal(err))

	states, err := f.recorder.ListNodeStates(ctx, "run-join")
	require.NoError(t, err)
	var failed []domain.NodeStateRecord
	for _, s := range states {
		if s.Status == domain.NodeStateStatusFailed {
			failed = append(failed, s)
		}
	}
	require.Len(t, failed, 1)
	require.NotNil(t, failed[0].Error)
	assert.Equal(t, domain.ReasonDuplicateArrival, failed[0].Error.Type)
}

func TestCoalesce_SnapshotRestore(t *testing.T) {
	f := newCoalesceFixture(t, graph.CoalesceSettings{Branches: []string{"a", "b"}, Policy: graph.PolicyRequireAll, Timeout: 5 * time.Second})
	ctx := context.Background()
	a, b := f.branches(t, 0)
	_, err := f.exec.Accept(ctx, f.join, a)
	require.NoError(t, err)

	f.clock.Advance(2 * time.Second)
	pending, resolved := f.exec.Snapshot(f.clock.Now())
	require.Len(t, pending, 1)
	assert.Empty(t, resolved)
	assert.Equal(t, 2.0, pending[0].ElapsedSeconds)
	require.Len(t, pending[0].Arrivals, 1)
	assert.Equal(t, "a", pending[0].Arrivals[0].Branch)

	restored := newCoalesceExecutor(f.rc, f.tokens)
	require.NoError(t, restored.Restore(pending, resolved))
	assert.Equal(t, 1, restored.PendingCount())

	res, err := restored.Accept(ctx, f.join, b)
	require.NoError(t, err)
	require.NotNil(t, res.Merged)

	_, resolved = restored.Snapshot(f.clock.Now())
	assert.Equal(t, []domain.ResolvedJoin{{NodeName: "join", JoinKey: a.ForkGroupID}}, resolved)
}
