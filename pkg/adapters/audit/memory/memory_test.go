package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aescanero/rowflow/pkg/adapters/audit/audittest"
	"github.com/aescanero/rowflow/pkg/domain"
)

func TestRecorder_Contract(t *testing.T) {
	audittest.Run(t, func(*testing.T) audittest.Store { return NewRecorder() })
}

func TestRecorder_TerminalOutcomesSkipBuffered(t *testing.T) {
	r := NewRecorder()
	ctx := context.Background()

	for _, o := range []domain.RowOutcome{
		domain.Buffered{NodeID: "agg", BatchID: "b"},
		domain.ConsumedInBatch{BatchID: "b", Trigger: "count"},
	} {
		require.NoError(t, r.RecordTokenOutcome(ctx, domain.TokenOutcomeRecord{RunID: "run", TokenID: "t", Outcome: o}))
	}

	got := r.TerminalOutcomes("run")
	require.Len(t, got["t"], 1)
	assert.Equal(t, domain.OutcomeConsumedInBatch, got["t"][0].Kind())
}

func TestRecorder_BatchHistory(t *testing.T) {
	r := NewRecorder()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, r.CreateBatch(ctx, domain.BatchRecord{BatchID: "b", RunID: "run", Status: domain.BatchStatusOpen, CreatedAt: now}))
	require.NoError(t, r.AddBatchMember(ctx, "b", "t1", 0))
	for _, st := range []domain.BatchStatus{domain.BatchStatusExecuting, domain.BatchStatusCompleted} {
		require.NoError(t, r.UpdateBatchStatus(ctx, domain.BatchStatusUpdate{BatchID: "b", Status: st, UpdatedAt: now}))
	}

	batches := r.Batches("run")
	require.Len(t, batches, 1)
	assert.Equal(t, domain.BatchStatusCompleted, batches[0].Record.Status)
	assert.Equal(t, []string{"t1"}, batches[0].Members)
	assert.Len(t, batches[0].Updates, 2)
	assert.Empty(t, r.Batches("other"))
}
