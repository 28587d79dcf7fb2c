package ports

import (
	"context"
	"time"

	"github.com/aescanero/rowflow/pkg/domain"
)

// Recorder is the append-only audit trail written by the engine.
// Implementations serialize their own writes.
type Recorder interface {
	BeginRun(ctx context.Context, run domain.RunRecord) error
	CompleteRun(ctx context.Context, runID string, status domain.RunStatus, counters domain.RowCounters, at time.Time) error

	CreateRow(ctx context.Context, row domain.RowRecord) error
	CreateToken(ctx context.Context, runID string, token domain.Token, at time.Time) error

	// ForkToken, ExpandToken and MergeTokens create the derived tokens and
	// their lineage edges in one write. MergeTokens covers both coalesce
	// joins and single-row aggregation flushes.
	ForkToken(ctx context.Context, runID string, children []domain.Token, edges []domain.LineageEdge, at time.Time) error
	ExpandToken(ctx context.Context, runID string, children []domain.Token, edges []domain.LineageEdge, at time.Time) error
	MergeTokens(ctx context.Context, runID string, merged domain.Token, edges []domain.LineageEdge, at time.Time) error

	BeginNodeState(ctx context.Context, state domain.NodeStateOpen) error
	// CompleteNodeState closes an open state. Completing a state that is
	// already terminal fails with domain.ErrNodeStateTerminal.
	CompleteNodeState(ctx context.Context, state domain.NodeState) error

	RecordTokenOutcome(ctx context.Context, rec domain.TokenOutcomeRecord) error

	CreateBatch(ctx context.Context, batch domain.BatchRecord) error
	AddBatchMember(ctx context.Context, batchID, tokenID string, ordinal int) error
	UpdateBatchStatus(ctx context.Context, update domain.BatchStatusUpdate) error

	RecordRoutingEvent(ctx context.Context, event domain.RoutingEvent) error
	RecordArtifact(ctx context.Context, artifact domain.ArtifactRecord) error
}

// AuditReader queries a recorded run. The engine itself never reads the
// audit trail; readers serve the API and tests.
type AuditReader interface {
	GetRun(ctx context.Context, runID string) (domain.RunRecord, error)
	ListNodeStates(ctx context.Context, runID string) ([]domain.NodeStateRecord, error)
	ListTokenOutcomes(ctx context.Context, runID string) ([]domain.TokenOutcomeRecord, error)
}

// CheckpointStore persists the latest checkpoint of each run.
type CheckpointStore interface {
	Save(ctx context.Context, cp domain.Checkpoint) error
	// Load returns domain.ErrNotFound when the run has no checkpoint.
	Load(ctx context.Context, runID string) (domain.Checkpoint, error)
	Delete(ctx context.Context, runID string) error
}
