package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRowCounters_FinalStatus(t *testing.T) {
	tests := []struct {
		name     string
		outcomes []RowOutcome
		want     RunStatus
	}{
		{
			name:     "all delivered",
			outcomes: []RowOutcome{Succeeded{Sink: "out"}, Routed{Sink: "alt"}},
			want:     RunStatusCompleted,
		},
		{
			name: "late arrival is not a failure",
			outcomes: []RowOutcome{
				Succeeded{Sink: "out"},
				Coalesced{CoalesceName: "join"},
				Quarantined{Reason: ReasonLateArrival},
			},
			want: RunStatusCompleted,
		},
		{
			name:     "quarantine counts as failure",
			outcomes: []RowOutcome{Succeeded{Sink: "out"}, Quarantined{Sink: "rejects", Reason: ReasonSourceValidation}},
			want:     RunStatusCompletedWithFailures,
		},
		{
			name:     "nothing delivered",
			outcomes: []RowOutcome{Failed{Reason: ReasonTransformError}},
			want:     RunStatusFailed,
		},
		{
			name:     "buffered is ignored",
			outcomes: []RowOutcome{Buffered{NodeID: "agg"}, Succeeded{Sink: "out"}},
			want:     RunStatusCompleted,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var c RowCounters
			for _, o := range tt.outcomes {
				c.Add(o)
			}
			assert.Equal(t, tt.want, c.FinalStatus())
		})
	}
}

func TestRowCounters_LateArrivalsCountedSeparately(t *testing.T) {
	var c RowCounters
	c.Add(Quarantined{Reason: ReasonLateArrival})
	c.Add(Quarantined{Reason: ReasonPluginFailure})
	assert.Equal(t, int64(1), c.LateArrivals)
	assert.Equal(t, int64(1), c.Quarantined)
}
