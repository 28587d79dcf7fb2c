package badger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aescanero/rowflow/pkg/domain"
)

func newStore(t *testing.T) *CheckpointStore {
	t.Helper()
	db, err := Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewCheckpointStore(db, 0, nil)
}

func TestCheckpointStore_SaveLoadDelete(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	cp := domain.Checkpoint{
		RunID:          "run-1",
		GraphHash:      "abc",
		SequenceNumber: 2,
		LastRowIndex:   41,
		Coalesces: []domain.CoalesceCheckpoint{{
			NodeName: "join",
			JoinKey:  "fg-1",
			Arrivals: []domain.CoalesceArrival{{Branch: "a", Token: domain.Token{ID: "t1"}, StateID: "s1"}},
		}},
	}
	require.NoError(t, store.Save(ctx, cp))

	got, err := store.Load(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, int64(41), got.LastRowIndex)
	require.Len(t, got.Coalesces, 1)
	assert.Equal(t, "s1", got.Coalesces[0].Arrivals[0].StateID)

	require.NoError(t, store.Delete(ctx, "run-1"))
	_, err = store.Load(ctx, "run-1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCheckpointStore_KeepsNewest(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, domain.Checkpoint{RunID: "r", GraphHash: "h", SequenceNumber: 4}))
	require.NoError(t, store.Save(ctx, domain.Checkpoint{RunID: "r", GraphHash: "h", SequenceNumber: 1}))

	got, err := store.Load(ctx, "r")
	require.NoError(t, err)
	assert.Equal(t, int64(4), got.SequenceNumber)
}

func TestCheckpointStore_List(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	for _, id := range []string{"run-b", "run-a"} {
		require.NoError(t, store.Save(ctx, domain.Checkpoint{RunID: id, GraphHash: "h"}))
	}
	ids, err := store.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"run-a", "run-b"}, ids)
}
