package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aescanero/rowflow/pkg/domain"
	"github.com/aescanero/rowflow/pkg/expression"
	"github.com/aescanero/rowflow/pkg/graph"
)

func TestTriggerEvaluator_EmptyNeverFlushes(t *testing.T) {
	clock := newManualClock()
	ev := NewTriggerEvaluator(graph.TriggerSettings{Count: 1, Timeout: time.Millisecond}, nil, clock)
	clock.Advance(time.Hour)

	d, err := ev.ShouldFlush()
	require.NoError(t, err)
	assert.False(t, d.Flush)
}

func TestTriggerEvaluator_Count(t *testing.T) {
	ev := NewTriggerEvaluator(graph.TriggerSettings{Count: 3}, nil, newManualClock())
	for i := 0; i < 2; i++ {
		ev.RecordAccept()
		d, err := ev.ShouldFlush()
		require.NoError(t, err)
		assert.False(t, d.Flush)
	}
	ev.RecordAccept()
	d, err := ev.ShouldFlush()
	require.NoError(t, err)
	assert.True(t, d.Flush)
	assert.Equal(t, domain.TriggerCount, d.Trigger)

	ev.Reset()
	assert.Equal(t, 0, ev.Count())
	assert.Zero(t, ev.Elapsed())
}

func TestTriggerEvaluator_TimeoutFromFirstAccept(t *testing.T) {
	clock := newManualClock()
	ev := NewTriggerEvaluator(graph.TriggerSettings{Timeout: 10 * time.Second}, nil, clock)

	ev.RecordAccept()
	clock.Advance(6 * time.Second)
	ev.RecordAccept()
	d, err := ev.ShouldFlush()
	require.NoError(t, err)
	assert.False(t, d.Flush)

	clock.Advance(4 * time.Second)
	d, err = ev.ShouldFlush()
	require.NoError(t, err)
	assert.True(t, d.Flush)
	assert.Equal(t, domain.TriggerTimeout, d.Trigger)
}

func TestTriggerEvaluator_CountBeatsTimeout(t *testing.T) {
	clock := newManualClock()
	ev := NewTriggerEvaluator(graph.TriggerSettings{Count: 1, Timeout: time.Second}, nil, clock)
	ev.RecordAccept()
	clock.Advance(time.Minute)

	d, err := ev.ShouldFlush()
	require.NoError(t, err)
	assert.Equal(t, domain.TriggerCount, d.Trigger)
}

func TestTriggerEvaluator_Condition(t *testing.T) {
	cond, err := expression.Compile("batch_count >= 2 || batch_age_seconds > 30", expression.TriggerEnv())
	require.NoError(t, err)

	clock := newManualClock()
	ev := NewTriggerEvaluator(graph.TriggerSettings{}, cond, clock)
	ev.RecordAccept()
	d, err := ev.ShouldFlush()
	require.NoError(t, err)
	assert.False(t, d.Flush)

	clock.Advance(31 * time.Second)
	d, err = ev.ShouldFlush()
	require.NoError(t, err)
	assert.True(t, d.Flush)
	assert.Equal(t, domain.TriggerCondition, d.Trigger)
	assert.Equal(t, cond.Source(), d.Reason)
}

func TestTriggerEvaluator_Restore(t *testing.T) {
	clock := newManualClock()
	ev := NewTriggerEvaluator(graph.TriggerSettings{Timeout: 10 * time.Second}, nil, clock)
	ev.Restore(2, 8*time.Second)

	assert.Equal(t, 2, ev.Count())
	assert.Equal(t, 8*time.Second, ev.Elapsed())

	clock.Advance(2 * time.Second)
	d, err := ev.ShouldFlush()
	require.NoError(t, err)
	assert.True(t, d.Flush)
}
