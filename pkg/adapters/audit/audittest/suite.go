// Package audittest holds the behaviour every audit recorder must share.
// Adapter tests call Run with a constructor for a fresh, empty recorder.
package audittest

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aescanero/rowflow/pkg/domain"
	"github.com/aescanero/rowflow/pkg/ports"
)

// Store is a recorder that can also be read back.
type Store interface {
	ports.Recorder
	ports.AuditReader
}

// Run exercises a recorder against the audit contract.
func Run(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("run lifecycle", func(t *testing.T) { testRunLifecycle(t, newStore(t)) })
	t.Run("node states", func(t *testing.T) { testNodeStates(t, newStore(t)) })
	t.Run("outcomes", func(t *testing.T) { testOutcomes(t, newStore(t)) })
	t.Run("lineage and batches", func(t *testing.T) { testLineageAndBatches(t, newStore(t)) })
}

var base = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func beginRun(t *testing.T, s Store) string {
	t.Helper()
	runID := uuid.NewString()
	require.NoError(t, s.BeginRun(context.Background(), domain.RunRecord{
		RunID:        runID,
		PipelineName: "orders",
		GraphHash:    "hash",
		Status:       domain.RunStatusRunning,
		StartedAt:    base,
	}))
	return runID
}

func testRunLifecycle(t *testing.T, s Store) {
	ctx := context.Background()
	runID := beginRun(t, s)

	counters := domain.RowCounters{RowsProcessed: 3, Succeeded: 2, Failed: 1}
	require.NoError(t, s.CompleteRun(ctx, runID, domain.RunStatusInterrupted, counters, base.Add(time.Minute)))

	run, err := s.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusInterrupted, run.Status)
	assert.Equal(t, counters, run.Counters)
	require.NotNil(t, run.CompletedAt)

	// Resume reopens the same header.
	require.NoError(t, s.BeginRun(ctx, domain.RunRecord{
		RunID:       runID,
		Status:      domain.RunStatusRunning,
		ResumedFrom: "cp-1",
		StartedAt:   base.Add(2 * time.Minute),
	}))
	run, err = s.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusRunning, run.Status)
	assert.Equal(t, "cp-1", run.ResumedFrom)
	assert.Equal(t, "orders", run.PipelineName)
	assert.Nil(t, run.CompletedAt)

	_, err = s.GetRun(ctx, uuid.NewString())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func testNodeStates(t *testing.T, s Store) {
	ctx := context.Background()
	runID := beginRun(t, s)

	open := func(id string, attempt int) domain.NodeStateOpen {
		return domain.NodeStateOpen{
			StateID: id, RunID: runID, TokenID: "tok-1", NodeID: "transform-t-00000000",
			Step: 1, Attempt: attempt, InputHash: "in", StartedAt: base,
		}
	}
	first, second := open(runID+"-s1", 1), open(runID+"-s2", 2)
	require.NoError(t, s.BeginNodeState(ctx, first))
	require.NoError(t, s.BeginNodeState(ctx, second))
	assert.Error(t, s.BeginNodeState(ctx, first), "state ids are unique")

	failed := first.Fail(domain.FailureDetail{Type: "transform_error", Message: "boom", Retryable: true}, base.Add(time.Second))
	require.NoError(t, s.CompleteNodeState(ctx, failed))
	completed := second.Complete("out", base.Add(3*time.Second))
	require.NoError(t, s.CompleteNodeState(ctx, completed))

	err := s.CompleteNodeState(ctx, first.Complete("again", base.Add(5*time.Second)))
	assert.ErrorIs(t, err, domain.ErrNodeStateTerminal)

	err = s.CompleteNodeState(ctx, open(runID+"-missing", 1).Complete("x", base.Add(time.Second)))
	assert.ErrorIs(t, err, domain.ErrNotFound)

	assert.ErrorIs(t, s.CompleteNodeState(ctx, open(runID+"-s3", 1)), domain.ErrAuditIntegrity)

	records, err := s.ListNodeStates(ctx, runID)
	require.NoError(t, err)
	require.Len(t, records, 2)

	st, err := records[0].ToNodeState()
	require.NoError(t, err)
	f, ok := st.(domain.NodeStateFailed)
	require.True(t, ok, "got %T", st)
	assert.Equal(t, "boom", f.Error.Message)
	assert.Equal(t, time.Second, f.Duration)

	st, err = records[1].ToNodeState()
	require.NoError(t, err)
	c, ok := st.(domain.NodeStateCompleted)
	require.True(t, ok, "got %T", st)
	assert.Equal(t, "out", c.OutputHash)
	assert.Equal(t, 2, c.Attempt)
}

func testOutcomes(t *testing.T, s Store) {
	ctx := context.Background()
	runID := beginRun(t, s)

	outcomes := []domain.RowOutcome{
		domain.Forked{ForkGroupID: "fg", Children: []string{"a", "b"}},
		domain.Coalesced{CoalesceName: "join", JoinGroupID: "jg", MergedTokenID: "m", Policy: "quorum", MissingBranches: []string{"c"}},
		domain.Quarantined{Reason: "late_arrival_after_merge"},
		domain.Succeeded{Sink: "out"},
	}
	for i, o := range outcomes {
		require.NoError(t, s.RecordTokenOutcome(ctx, domain.TokenOutcomeRecord{
			RunID: runID, TokenID: string(rune('a' + i)), RowID: "row-1", NodeID: "n", Outcome: o,
		}))
	}

	got, err := s.ListTokenOutcomes(ctx, runID)
	require.NoError(t, err)
	require.Len(t, got, len(outcomes))
	for i, rec := range got {
		assert.Equal(t, outcomes[i], rec.Outcome)
		assert.Equal(t, string(rune('a'+i)), rec.TokenID)
		assert.Equal(t, "row-1", rec.RowID)
	}
}

func testLineageAndBatches(t *testing.T, s Store) {
	ctx := context.Background()
	runID := beginRun(t, s)
	id := func(name string) string { return runID + "-" + name }

	parent := domain.Token{ID: id("p"), RowID: id("r"), Data: domain.Row{"x": 1.0}}
	require.NoError(t, s.CreateRow(ctx, domain.RowRecord{RowID: id("r"), RunID: runID, DataHash: "h", Data: domain.Row{"x": 1.0}, CreatedAt: base}))
	require.NoError(t, s.CreateToken(ctx, runID, parent, base))

	children := []domain.Token{{ID: id("c1"), RowID: id("r"), BranchName: "a"}, {ID: id("c2"), RowID: id("r"), BranchName: "b"}}
	edges := []domain.LineageEdge{
		{ParentTokenID: id("p"), ChildTokenID: id("c1"), Kind: domain.LineageFork, GroupID: "fg", Ordinal: 0},
		{ParentTokenID: id("p"), ChildTokenID: id("c2"), Kind: domain.LineageFork, GroupID: "fg", Ordinal: 1},
	}
	require.NoError(t, s.ForkToken(ctx, runID, children, edges, base))
	require.NoError(t, s.MergeTokens(ctx, runID, domain.Token{ID: id("m"), RowID: id("r"), JoinGroupID: "jg"}, []domain.LineageEdge{
		{ParentTokenID: id("c1"), ChildTokenID: id("m"), Kind: domain.LineageCoalesce, GroupID: "jg"},
		{ParentTokenID: id("c2"), ChildTokenID: id("m"), Kind: domain.LineageCoalesce, GroupID: "jg", Ordinal: 1},
	}, base))

	batchID := uuid.NewString()
	require.NoError(t, s.CreateBatch(ctx, domain.BatchRecord{BatchID: batchID, RunID: runID, NodeID: "agg", Status: domain.BatchStatusOpen, CreatedAt: base}))
	require.NoError(t, s.AddBatchMember(ctx, batchID, id("c1"), 0))
	require.NoError(t, s.AddBatchMember(ctx, batchID, id("c2"), 1))
	assert.Error(t, s.AddBatchMember(ctx, batchID, id("m"), 5))
	assert.ErrorIs(t, s.AddBatchMember(ctx, uuid.NewString(), id("m"), 0), domain.ErrNotFound)

	require.NoError(t, s.UpdateBatchStatus(ctx, domain.BatchStatusUpdate{
		BatchID: batchID, Status: domain.BatchStatusCompleted, Trigger: domain.TriggerCount, UpdatedAt: base,
	}))
	assert.ErrorIs(t, s.UpdateBatchStatus(ctx, domain.BatchStatusUpdate{BatchID: uuid.NewString()}), domain.ErrNotFound)

	require.NoError(t, s.RecordRoutingEvent(ctx, domain.RoutingEvent{
		EventID: uuid.NewString(), RunID: runID, StateID: "s", TokenID: id("p"), NodeID: "gate",
		Label: "high", Mode: domain.RoutingMove, Destinations: []string{"out"}, CreatedAt: base,
	}))
	require.NoError(t, s.RecordArtifact(ctx, domain.ArtifactRecord{
		ArtifactID: uuid.NewString(), RunID: runID, SinkNodeID: "sink", StateID: "s",
		Artifact: domain.ArtifactDescriptor{ArtifactType: "file", PathOrURI: "out.jsonl", ContentHash: "abc", SizeBytes: 10},
		CreatedAt: base,
	}))
}
