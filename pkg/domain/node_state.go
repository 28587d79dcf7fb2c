package domain

import (
	"fmt"
	"time"
)

// NodeStateStatus is the lifecycle position of a node state.
type NodeStateStatus string

const (
	NodeStateStatusOpen      NodeStateStatus = "open"
	NodeStateStatusCompleted NodeStateStatus = "completed"
	NodeStateStatusFailed    NodeStateStatus = "failed"
)

// NodeState is the audit record of one token executing at one node for one
// attempt. Variants: NodeStateOpen, NodeStateCompleted, NodeStateFailed.
type NodeState interface {
	ID() string
	Status() NodeStateStatus
	nodeState()
}

// NodeStateOpen is written before a plugin runs. It is the only mutable state.
type NodeStateOpen struct {
	StateID   string    `json:"state_id"`
	RunID     string    `json:"run_id"`
	TokenID   string    `json:"token_id"`
	NodeID    string    `json:"node_id"`
	Step      int       `json:"step"`
	Attempt   int       `json:"attempt"`
	InputHash string    `json:"input_hash"`
	StartedAt time.Time `json:"started_at"`
}

// NodeStateCompleted closes an open state successfully.
type NodeStateCompleted struct {
	NodeStateOpen
	OutputHash  string        `json:"output_hash"`
	CompletedAt time.Time     `json:"completed_at"`
	Duration    time.Duration `json:"duration"`
}

// NodeStateFailed closes an open state with a failure.
type NodeStateFailed struct {
	NodeStateOpen
	Error       FailureDetail `json:"error"`
	CompletedAt time.Time     `json:"completed_at"`
	Duration    time.Duration `json:"duration"`
}

func (s NodeStateOpen) ID() string      { return s.StateID }
func (s NodeStateCompleted) ID() string { return s.StateID }
func (s NodeStateFailed) ID() string    { return s.StateID }

func (NodeStateOpen) Status() NodeStateStatus      { return NodeStateStatusOpen }
func (NodeStateCompleted) Status() NodeStateStatus { return NodeStateStatusCompleted }
func (NodeStateFailed) Status() NodeStateStatus    { return NodeStateStatusFailed }

func (NodeStateOpen) nodeState()      {}
func (NodeStateCompleted) nodeState() {}
func (NodeStateFailed) nodeState()    {}

// Complete closes the state as completed at the given instant.
func (s NodeStateOpen) Complete(outputHash string, at time.Time) NodeStateCompleted {
	return NodeStateCompleted{
		NodeStateOpen: s,
		OutputHash:    outputHash,
		CompletedAt:   at,
		Duration:      at.Sub(s.StartedAt),
	}
}

// Fail closes the state as failed at the given instant.
func (s NodeStateOpen) Fail(detail FailureDetail, at time.Time) NodeStateFailed {
	return NodeStateFailed{
		NodeStateOpen: s,
		Error:         detail,
		CompletedAt:   at,
		Duration:      at.Sub(s.StartedAt),
	}
}

// FailureDetail describes why a node state or a row failed.
type FailureDetail struct {
	Type      string         `json:"type"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// NodeStateRecord is the flat, nullable shape of a node state as stored by a
// recorder. Terminal rows read back with missing completion fields are audit
// corruption and are rejected by ToNodeState.
type NodeStateRecord struct {
	StateID     string
	RunID       string
	TokenID     string
	NodeID      string
	Step        int
	Attempt     int
	Status      NodeStateStatus
	InputHash   string
	OutputHash  *string
	StartedAt   time.Time
	CompletedAt *time.Time
	DurationMS  *float64
	Error       *FailureDetail
}

// ToNodeState converts a stored record into its typed variant.
func (r NodeStateRecord) ToNodeState() (NodeState, error) {
	open := NodeStateOpen{
		StateID:   r.StateID,
		RunID:     r.RunID,
		TokenID:   r.TokenID,
		NodeID:    r.NodeID,
		Step:      r.Step,
		Attempt:   r.Attempt,
		InputHash: r.InputHash,
		StartedAt: r.StartedAt,
	}

	switch r.Status {
	case NodeStateStatusOpen:
		return open, nil
	case NodeStateStatusCompleted, NodeStateStatusFailed:
		if r.CompletedAt == nil {
			return nil, fmt.Errorf("%w: node state %s is %s without completed_at", ErrAuditIntegrity, r.StateID, r.Status)
		}
		if r.DurationMS == nil {
			return nil, fmt.Errorf("%w: node state %s is %s without duration", ErrAuditIntegrity, r.StateID, r.Status)
		}
		duration := time.Duration(*r.DurationMS * float64(time.Millisecond))
		if r.Status == NodeStateStatusCompleted {
			if r.OutputHash == nil {
				return nil, fmt.Errorf("%w: node state %s is completed without output_hash", ErrAuditIntegrity, r.StateID)
			}
			return NodeStateCompleted{NodeStateOpen: open, OutputHash: *r.OutputHash, CompletedAt: *r.CompletedAt, Duration: duration}, nil
		}
		if r.Error == nil {
			return nil, fmt.Errorf("%w: node state %s is failed without error detail", ErrAuditIntegrity, r.StateID)
		}
		return NodeStateFailed{NodeStateOpen: open, Error: *r.Error, CompletedAt: *r.CompletedAt, Duration: duration}, nil
	default:
		return nil, fmt.Errorf("%w: node state %s has unknown status %q", ErrAuditIntegrity, r.StateID, r.Status)
	}
}

// RecordOf flattens a typed node state into its stored shape.
func RecordOf(s NodeState) NodeStateRecord {
	switch v := s.(type) {
	case NodeStateOpen:
		return NodeStateRecord{
			StateID: v.StateID, RunID: v.RunID, TokenID: v.TokenID, NodeID: v.NodeID,
			Step: v.Step, Attempt: v.Attempt, Status: NodeStateStatusOpen,
			InputHash: v.InputHash, StartedAt: v.StartedAt,
		}
	case NodeStateCompleted:
		rec := RecordOf(v.NodeStateOpen)
		rec.Status = NodeStateStatusCompleted
		rec.OutputHash = &v.OutputHash
		rec.CompletedAt = &v.CompletedAt
		ms := durationMS(v.Duration)
		rec.DurationMS = &ms
		return rec
	case NodeStateFailed:
		rec := RecordOf(v.NodeStateOpen)
		rec.Status = NodeStateStatusFailed
		rec.CompletedAt = &v.CompletedAt
		ms := durationMS(v.Duration)
		rec.DurationMS = &ms
		detail := v.Error
		rec.Error = &detail
		return rec
	default:
		panic(fmt.Sprintf("domain: unhandled node state %T", s))
	}
}

// ValidateTerminal checks the fields every terminal state must carry.
func ValidateTerminal(s NodeState) error {
	switch v := s.(type) {
	case NodeStateOpen:
		return fmt.Errorf("%w: node state %s is not terminal", ErrAuditIntegrity, v.StateID)
	case NodeStateCompleted:
		if v.CompletedAt.IsZero() || v.Duration < 0 {
			return fmt.Errorf("%w: completed node state %s lacks completion time or duration", ErrAuditIntegrity, v.StateID)
		}
	case NodeStateFailed:
		if v.CompletedAt.IsZero() || v.Duration < 0 {
			return fmt.Errorf("%w: failed node state %s lacks completion time or duration", ErrAuditIntegrity, v.StateID)
		}
	}
	return nil
}

func durationMS(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
