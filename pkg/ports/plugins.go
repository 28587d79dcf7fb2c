package ports

import (
	"context"

	"go.uber.org/zap"

	"github.com/aescanero/rowflow/pkg/domain"
)

// Plugin is the part common to every plugin role.
type Plugin interface {
	Name() string
}

// Determinism classifies how reproducible a plugin's output is.
type Determinism string

const (
	Deterministic    Determinism = "deterministic"
	Seeded           Determinism = "seeded"
	NonDeterministic Determinism = "non_deterministic"
)

// PluginMetadata is optional information a plugin declares about itself.
// The graph builder reads it when the plugin implements Describer.
type PluginMetadata struct {
	// CreatesTokens allows a transform to return MultiRowSuccess.
	CreatesTokens bool
	// Determinism is recorded with the node.
	Determinism Determinism
	// OnError is a default error policy used when the node sets none.
	OnError string
}

// Describer is implemented by plugins that declare metadata.
type Describer interface {
	Metadata() PluginMetadata
}

// PluginContext is passed to every plugin invocation.
type PluginContext struct {
	RunID    string
	NodeID   string
	NodeName string
	StateID  string
	TokenID  string
	RowID    string
	Attempt  int
	Logger   *zap.Logger
}

// SourceRow is one row yielded by a source. Invalid rows are quarantined
// by the engine instead of entering the graph.
type SourceRow struct {
	Row             domain.Row
	Invalid         bool
	ValidationError string
}

// RowIterator yields source rows in order. Next returns ok=false at the
// end of input.
type RowIterator interface {
	Next(ctx context.Context) (row SourceRow, ok bool, err error)
	Close() error
}

// Source produces the rows of a run.
type Source interface {
	Plugin
	Open(ctx context.Context, pctx PluginContext) (RowIterator, error)
}

// Transform processes one row. Expected domain failures are returned as
// domain.ErrorResult; a returned error signals an unexpected bug.
type Transform interface {
	Plugin
	Process(ctx context.Context, row domain.Row, pctx PluginContext) (domain.TransformResult, error)
}

// BatchTransform processes the buffered rows of an aggregation batch.
type BatchTransform interface {
	Plugin
	ProcessBatch(ctx context.Context, rows []domain.Row, pctx PluginContext) (domain.TransformResult, error)
}

// Gate decides where a row goes next.
type Gate interface {
	Plugin
	Evaluate(ctx context.Context, row domain.Row, pctx PluginContext) (domain.GateResult, error)
}

// Sink writes rows and describes what it wrote.
type Sink interface {
	Plugin
	Write(ctx context.Context, rows []domain.Row, pctx PluginContext) (domain.ArtifactDescriptor, error)
	Close(ctx context.Context) error
}
