package domain

import "time"

// BatchStatus is the lifecycle of an aggregation batch.
type BatchStatus string

const (
	BatchStatusOpen      BatchStatus = "open"
	BatchStatusExecuting BatchStatus = "executing"
	BatchStatusCompleted BatchStatus = "completed"
	BatchStatusFailed    BatchStatus = "failed"
)

// TriggerType identifies what closed a batch.
type TriggerType string

const (
	TriggerNone        TriggerType = ""
	TriggerCount       TriggerType = "count"
	TriggerTimeout     TriggerType = "timeout"
	TriggerCondition   TriggerType = "condition"
	TriggerEndOfSource TriggerType = "end_of_source"
)

// Batch is an aggregation buffer owned by one aggregation node.
type Batch struct {
	BatchID       string      `json:"batch_id"`
	RunID         string      `json:"run_id"`
	NodeID        string      `json:"node_id"`
	Members       []Token     `json:"members"`
	Status        BatchStatus `json:"status"`
	Trigger       TriggerType `json:"trigger,omitempty"`
	TriggerReason string      `json:"trigger_reason,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
}

// BatchRecord is the audit view of a batch; members are written separately.
type BatchRecord struct {
	BatchID   string
	RunID     string
	NodeID    string
	Status    BatchStatus
	CreatedAt time.Time
}

// BatchStatusUpdate moves a batch through its lifecycle.
type BatchStatusUpdate struct {
	BatchID       string
	Status        BatchStatus
	Trigger       TriggerType
	TriggerReason string
	StateID       string
	UpdatedAt     time.Time
}
