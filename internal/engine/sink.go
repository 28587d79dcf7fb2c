package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/aescanero/rowflow/pkg/canonical"
	"github.com/aescanero/rowflow/pkg/domain"
	"github.com/aescanero/rowflow/pkg/graph"
)

// SinkExecutor writes batches of tokens to sink plugins.
type SinkExecutor struct {
	rc     *runContext
	states nodeStates
}

func newSinkExecutor(rc *runContext) *SinkExecutor {
	return &SinkExecutor{rc: rc, states: nodeStates{rc: rc}}
}

// Write opens a node state per token, writes all rows in one plugin call
// and records the resulting artifact. A failed write fails every state and
// returns an error wrapping domain.ErrSinkWrite.
func (e *SinkExecutor) Write(ctx context.Context, node *graph.Node, tokens []domain.Token) (domain.ArtifactDescriptor, error) {
	if node.ID == "" {
		return domain.ArtifactDescriptor{}, domain.NewInvariantError("sink "+node.Name, domain.ErrNodeIDUnassigned)
	}
	if len(tokens) == 0 {
		return domain.ArtifactDescriptor{}, nil
	}

	opens := make([]domain.NodeStateOpen, 0, len(tokens))
	for _, t := range tokens {
		inputHash, err := hashInput(node, t.Data)
		if err != nil {
			return domain.ArtifactDescriptor{}, err
		}
		open, err := e.states.begin(ctx, node, t, 1, inputHash)
		if err != nil {
			return domain.ArtifactDescriptor{}, err
		}
		opens = append(opens, open)
	}

	rows := domain.Rows(tokens)
	pctx := e.rc.pluginContext(node, tokens[0], opens[0].StateID, 1)
	artifact, err := invoke(node, func() (domain.ArtifactDescriptor, error) {
		return node.Sink.Write(ctx, rows, pctx)
	})
	if err != nil {
		detail := domain.FailureDetail{Type: domain.ReasonSinkWriteFailed, Message: err.Error()}
		var pe *domain.PluginError
		if errors.As(err, &pe) {
			detail = pe.Detail()
		}
		for _, open := range opens {
			if ferr := e.states.fail(ctx, node, open, detail); ferr != nil {
				return domain.ArtifactDescriptor{}, ferr
			}
		}
		return domain.ArtifactDescriptor{}, fmt.Errorf("%w: sink %s: %w", domain.ErrSinkWrite, node.Name, err)
	}

	if artifact.ContentHash == "" {
		h, err := canonical.Hash(rows)
		if err != nil {
			return domain.ArtifactDescriptor{}, fmt.Errorf("%w: sink %s rows: %w", domain.ErrAuditIntegrity, node.Name, err)
		}
		artifact.ContentHash = h
	}

	for _, open := range opens {
		if err := e.states.complete(ctx, node, open, artifact.ContentHash); err != nil {
			return domain.ArtifactDescriptor{}, err
		}
	}

	if err := e.rc.recorder.RecordArtifact(ctx, domain.ArtifactRecord{
		ArtifactID: newUUID(),
		RunID:      e.rc.runID,
		SinkNodeID: node.ID,
		StateID:    opens[0].StateID,
		Artifact:   artifact,
		CreatedAt:  e.rc.clock.Now(),
	}); err != nil {
		return domain.ArtifactDescriptor{}, fmt.Errorf("failed to record artifact of %s: %w", node.Name, err)
	}
	return artifact, nil
}
