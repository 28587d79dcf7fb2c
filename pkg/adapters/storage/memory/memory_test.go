package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aescanero/rowflow/pkg/domain"
)

func TestCheckpointStore(t *testing.T) {
	store := NewCheckpointStore()
	ctx := context.Background()

	_, err := store.Load(ctx, "run-1")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, store.Save(ctx, domain.Checkpoint{RunID: "run-1", SequenceNumber: 3}))
	require.NoError(t, store.Save(ctx, domain.Checkpoint{RunID: "run-1", SequenceNumber: 2}))
	require.NoError(t, store.Save(ctx, domain.Checkpoint{RunID: "run-0", SequenceNumber: 1}))

	got, err := store.Load(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.SequenceNumber)

	ids, err := store.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"run-0", "run-1"}, ids)

	require.NoError(t, store.Delete(ctx, "run-1"))
	_, err = store.Load(ctx, "run-1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
