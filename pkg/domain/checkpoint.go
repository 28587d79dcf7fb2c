package domain

import (
	"errors"
	"fmt"
	"time"
)

// Checkpoint is the resumable snapshot of a run, taken at a row boundary
// after all pending sink writes have been flushed.
type Checkpoint struct {
	CheckpointID   string                  `json:"checkpoint_id"`
	RunID          string                  `json:"run_id"`
	PipelineName   string                  `json:"pipeline_name"`
	GraphHash      string                  `json:"graph_hash"`
	SequenceNumber int64                   `json:"sequence_number"`
	LastRowIndex   int64                   `json:"last_row_index"`
	LastTokenID    string                  `json:"last_token_id"`
	Aggregations   []AggregationCheckpoint `json:"aggregations,omitempty"`
	Coalesces      []CoalesceCheckpoint    `json:"coalesces,omitempty"`
	ResolvedJoins  []ResolvedJoin          `json:"resolved_joins,omitempty"`
	Counters       RowCounters             `json:"counters"`
	CreatedAt      time.Time               `json:"created_at"`
}

// AggregationCheckpoint is the buffer of one aggregation node.
type AggregationCheckpoint struct {
	NodeName       string  `json:"node_name"`
	BatchID        string  `json:"batch_id"`
	Tokens         []Token `json:"tokens"`
	ElapsedSeconds float64 `json:"elapsed_seconds"`
}

// CoalesceCheckpoint is one pending join entry.
type CoalesceCheckpoint struct {
	NodeName       string            `json:"node_name"`
	JoinKey        string            `json:"join_key"`
	ElapsedSeconds float64           `json:"elapsed_seconds"`
	Arrivals       []CoalesceArrival `json:"arrivals"`
}

// CoalesceArrival is one branch token held by a pending join, with its
// arrival expressed relative to the first arrival.
type CoalesceArrival struct {
	Branch        string  `json:"branch"`
	Token         Token   `json:"token"`
	StateID       string  `json:"state_id"`
	OffsetSeconds float64 `json:"offset_seconds"`
}

// ResolvedJoin remembers a join key that has already resolved so late
// arrivals after a resume are still recognised.
type ResolvedJoin struct {
	NodeName string `json:"node_name"`
	JoinKey  string `json:"join_key"`
}

// Validate checks the checkpoint is usable for a resume.
func (c Checkpoint) Validate() error {
	var errs []error
	if c.RunID == "" {
		errs = append(errs, errors.New("run_id is required"))
	}
	if c.GraphHash == "" {
		errs = append(errs, errors.New("graph_hash is required"))
	}
	if c.LastRowIndex < -1 {
		errs = append(errs, fmt.Errorf("last_row_index %d is invalid", c.LastRowIndex))
	}
	for _, agg := range c.Aggregations {
		if agg.NodeName == "" {
			errs = append(errs, errors.New("aggregation checkpoint without node name"))
		}
		if agg.ElapsedSeconds < 0 {
			errs = append(errs, fmt.Errorf("aggregation %s has negative elapsed time", agg.NodeName))
		}
	}
	for _, co := range c.Coalesces {
		if co.NodeName == "" || co.JoinKey == "" {
			errs = append(errs, errors.New("coalesce checkpoint without node name or join key"))
		}
		if len(co.Arrivals) == 0 {
			errs = append(errs, fmt.Errorf("coalesce %s/%s has no arrivals", co.NodeName, co.JoinKey))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidCheckpoint, errors.Join(errs...))
	}
	return nil
}
