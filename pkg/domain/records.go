package domain

import "time"

// RunRecord is the audit header of a run.
type RunRecord struct {
	RunID        string      `json:"run_id"`
	PipelineName string      `json:"pipeline_name"`
	GraphHash    string      `json:"graph_hash"`
	Status       RunStatus   `json:"status"`
	ResumedFrom  string      `json:"resumed_from,omitempty"`
	StartedAt    time.Time   `json:"started_at"`
	CompletedAt  *time.Time  `json:"completed_at,omitempty"`
	Counters     RowCounters `json:"counters"`
}

// RowRecord is a source row as ingested.
type RowRecord struct {
	RowID        string    `json:"row_id"`
	RunID        string    `json:"run_id"`
	RowIndex     int64     `json:"row_index"`
	SourceNodeID string    `json:"source_node_id"`
	DataHash     string    `json:"data_hash"`
	Data         Row       `json:"data"`
	CreatedAt    time.Time `json:"created_at"`
}

// TokenRecord is a token as created.
type TokenRecord struct {
	Token     Token     `json:"token"`
	RunID     string    `json:"run_id"`
	CreatedAt time.Time `json:"created_at"`
}

// RoutingEvent records one gate decision.
type RoutingEvent struct {
	EventID      string      `json:"event_id"`
	RunID        string      `json:"run_id"`
	StateID      string      `json:"state_id"`
	TokenID      string      `json:"token_id"`
	NodeID       string      `json:"node_id"`
	Label        string      `json:"label,omitempty"`
	Mode         RoutingMode `json:"mode"`
	Destinations []string    `json:"destinations"`
	CreatedAt    time.Time   `json:"created_at"`
}

// ArtifactRecord ties a sink artifact to the node state that produced it.
type ArtifactRecord struct {
	ArtifactID string             `json:"artifact_id"`
	RunID      string             `json:"run_id"`
	SinkNodeID string             `json:"sink_node_id"`
	StateID    string             `json:"state_id"`
	Artifact   ArtifactDescriptor `json:"artifact"`
	CreatedAt  time.Time          `json:"created_at"`
}
