package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aescanero/rowflow/pkg/adapters/audit/audittest"
	"github.com/aescanero/rowflow/pkg/domain"
)

func newRecorder(t *testing.T) (*miniredis.Miniredis, *Recorder) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, NewRecorder(client, nil)
}

func TestRecorder_Contract(t *testing.T) {
	audittest.Run(t, func(t *testing.T) audittest.Store {
		_, r := newRecorder(t)
		return r
	})
}

func TestRecorder_KeysShareRunSlot(t *testing.T) {
	mr, r := newRecorder(t)
	ctx := context.Background()

	require.NoError(t, r.BeginRun(ctx, domain.RunRecord{RunID: "run-1", Status: domain.RunStatusRunning}))
	require.NoError(t, r.RecordTokenOutcome(ctx, domain.TokenOutcomeRecord{
		RunID: "run-1", TokenID: "t", Outcome: domain.Succeeded{Sink: "out"},
	}))

	assert.True(t, mr.Exists("rowflow:audit:{run-1}:header"))
	entries, err := mr.Stream("rowflow:audit:{run-1}:outcomes")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestRecorder_CorruptStateFailsLoudly(t *testing.T) {
	mr, r := newRecorder(t)
	ctx := context.Background()

	mr.HSet("rowflow:audit:{run-1}:states", "s1", `{"StateID":"s1","Status":"completed"}`)
	mr.RPush("rowflow:audit:{run-1}:state_order", "s1")

	records, err := r.ListNodeStates(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	_, err = records[0].ToNodeState()
	assert.ErrorIs(t, err, domain.ErrAuditIntegrity)
}
