package domain

import (
	"fmt"
	"time"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunStatusPending               RunStatus = "pending"
	RunStatusRunning               RunStatus = "running"
	RunStatusCompleted             RunStatus = "completed"
	RunStatusCompletedWithFailures RunStatus = "completed_with_failures"
	RunStatusFailed                RunStatus = "failed"
	RunStatusInterrupted           RunStatus = "interrupted"
)

// Terminal reports whether no further processing will happen for the run
// without an explicit resume.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusCompletedWithFailures, RunStatusFailed, RunStatusInterrupted:
		return true
	}
	return false
}

// RowCounters aggregates terminal outcomes across a run.
type RowCounters struct {
	RowsProcessed   int64 `json:"rows_processed"`
	Succeeded       int64 `json:"succeeded"`
	Failed          int64 `json:"failed"`
	Routed          int64 `json:"routed"`
	Quarantined     int64 `json:"quarantined"`
	Forked          int64 `json:"forked"`
	Coalesced       int64 `json:"coalesced"`
	Expanded        int64 `json:"expanded"`
	ConsumedInBatch int64 `json:"consumed_in_batch"`
	LateArrivals    int64 `json:"late_arrivals"`
}

// Add counts one outcome. Buffered outcomes are not counted, they resolve
// into a terminal outcome later. A branch quarantined for arriving after
// its join resolved is counted as a late arrival, not as quarantined.
func (c *RowCounters) Add(o RowOutcome) {
	switch o := o.(type) {
	case Succeeded:
		c.Succeeded++
	case Routed:
		c.Routed++
	case Failed:
		c.Failed++
	case Quarantined:
		if o.Reason == ReasonLateArrival {
			c.LateArrivals++
		} else {
			c.Quarantined++
		}
	case Forked:
		c.Forked++
	case Coalesced:
		c.Coalesced++
	case Expanded:
		c.Expanded++
	case ConsumedInBatch:
		c.ConsumedInBatch++
	case Buffered:
	default:
		panic(fmt.Sprintf("domain: unhandled row outcome %T", o))
	}
}

// Delivered is the number of tokens that reached a sink by normal routing.
func (c RowCounters) Delivered() int64 {
	return c.Succeeded + c.Routed
}

// FinalStatus derives the status of a run that ended without a fatal error.
// Quarantined tokens count as failures for status purposes; late arrivals
// do not, since a quorum join expects them.
func (c RowCounters) FinalStatus() RunStatus {
	failures := c.Failed + c.Quarantined
	switch {
	case failures == 0:
		return RunStatusCompleted
	case c.Delivered() == 0:
		return RunStatusFailed
	default:
		return RunStatusCompletedWithFailures
	}
}

// RunResult is returned by Run and Resume.
type RunResult struct {
	RunID        string      `json:"run_id"`
	PipelineName string      `json:"pipeline_name"`
	Status       RunStatus   `json:"status"`
	Counters     RowCounters `json:"counters"`
	Error        string      `json:"error,omitempty"`
	CheckpointID string      `json:"checkpoint_id,omitempty"`
	StartedAt    time.Time   `json:"started_at"`
	CompletedAt  time.Time   `json:"completed_at"`
}
