package engine

import (
	"context"
	"fmt"

	"github.com/aescanero/rowflow/pkg/canonical"
	"github.com/aescanero/rowflow/pkg/domain"
	"github.com/aescanero/rowflow/pkg/ports"
)

// TokenManager creates tokens and records their lineage. Every derived
// token is written to the recorder before the caller records the parent's
// terminal outcome.
type TokenManager struct {
	runID        string
	sourceNodeID string
	recorder     ports.Recorder
	clock        Clock
	ids          *idGenerator
}

// NewTokenManager creates a token manager for one run.
func NewTokenManager(runID, sourceNodeID string, recorder ports.Recorder, clock Clock) *TokenManager {
	return &TokenManager{
		runID:        runID,
		sourceNodeID: sourceNodeID,
		recorder:     recorder,
		clock:        clock,
		ids:          newIDGenerator(),
	}
}

// CreateInitialToken records a source row and returns its first token.
func (m *TokenManager) CreateInitialToken(ctx context.Context, rowIndex int64, row domain.Row) (domain.Token, error) {
	now := m.clock.Now()
	data := row.Clone()

	hash, err := canonical.Hash(data)
	if err != nil {
		return domain.Token{}, fmt.Errorf("%w: source row %d: %w", domain.ErrAuditIntegrity, rowIndex, err)
	}

	rowID := m.ids.next(now)
	if err := m.recorder.CreateRow(ctx, domain.RowRecord{
		RowID:        rowID,
		RunID:        m.runID,
		RowIndex:     rowIndex,
		SourceNodeID: m.sourceNodeID,
		DataHash:     hash,
		Data:         data,
		CreatedAt:    now,
	}); err != nil {
		return domain.Token{}, fmt.Errorf("failed to record row %d: %w", rowIndex, err)
	}

	token := domain.Token{ID: m.ids.next(now), RowID: rowID, Data: data}
	if err := m.recorder.CreateToken(ctx, m.runID, token, now); err != nil {
		return domain.Token{}, fmt.Errorf("failed to record token for row %d: %w", rowIndex, err)
	}
	return token, nil
}

// Fork creates one child per branch, all sharing a new fork group.
func (m *TokenManager) Fork(ctx context.Context, parent domain.Token, branches []string, step int) ([]domain.Token, error) {
	if len(branches) == 0 {
		return nil, domain.NewInvariantError("fork token "+parent.ID, domain.ErrEmptyFork)
	}

	now := m.clock.Now()
	group := newUUID()
	children := make([]domain.Token, len(branches))
	edges := make([]domain.LineageEdge, len(branches))
	for i, branch := range branches {
		children[i] = domain.Token{
			ID:            m.ids.next(now),
			RowID:         parent.RowID,
			Data:          parent.Data.Clone(),
			BranchName:    branch,
			ForkGroupID:   group,
			ExpandGroupID: parent.ExpandGroupID,
			Step:          step,
		}
		edges[i] = domain.LineageEdge{
			ParentTokenID: parent.ID,
			ChildTokenID:  children[i].ID,
			Kind:          domain.LineageFork,
			GroupID:       group,
			Ordinal:       i,
		}
	}

	if err := m.recorder.ForkToken(ctx, m.runID, children, edges, now); err != nil {
		return nil, fmt.Errorf("failed to record fork of %s: %w", parent.ID, err)
	}
	return children, nil
}

// Expand creates one child per output row, all sharing a new expand group.
// Children keep the parent's branch so they can still reach a join.
func (m *TokenManager) Expand(ctx context.Context, parent domain.Token, rows []domain.Row, step int) ([]domain.Token, error) {
	if len(rows) == 0 {
		return nil, domain.NewInvariantError("expand token "+parent.ID, domain.ErrEmptyExpand)
	}

	now := m.clock.Now()
	group := newUUID()
	children := make([]domain.Token, len(rows))
	edges := make([]domain.LineageEdge, len(rows))
	for i, row := range rows {
		children[i] = domain.Token{
			ID:            m.ids.next(now),
			RowID:         parent.RowID,
			Data:          row.Clone(),
			BranchName:    parent.BranchName,
			ForkGroupID:   parent.ForkGroupID,
			ExpandGroupID: group,
			Step:          step,
		}
		edges[i] = domain.LineageEdge{
			ParentTokenID: parent.ID,
			ChildTokenID:  children[i].ID,
			Kind:          domain.LineageExpand,
			GroupID:       group,
			Ordinal:       i,
		}
	}

	if err := m.recorder.ExpandToken(ctx, m.runID, children, edges, now); err != nil {
		return nil, fmt.Errorf("failed to record expand of %s: %w", parent.ID, err)
	}
	return children, nil
}

// Coalesce creates the token produced by a join of parents.
func (m *TokenManager) Coalesce(ctx context.Context, parents []domain.Token, row domain.Row, step int) (domain.Token, error) {
	if len(parents) == 0 {
		return domain.Token{}, domain.NewInvariantError("coalesce", domain.ErrEmptyMerge)
	}

	group := newUUID()
	merged := domain.Token{
		RowID:         parents[0].RowID,
		Data:          row.Clone(),
		JoinGroupID:   group,
		ExpandGroupID: parents[0].ExpandGroupID,
		Step:          step,
	}
	return m.merge(ctx, parents, merged, domain.LineageCoalesce, group)
}

// Aggregate creates the token that carries a single-row aggregation result.
// It keeps the carrier's branch and group metadata and records every batch
// member as a parent.
func (m *TokenManager) Aggregate(ctx context.Context, members []domain.Token, carrier domain.Token, row domain.Row, batchID string, step int) (domain.Token, error) {
	out := domain.Token{
		RowID:         carrier.RowID,
		Data:          row.Clone(),
		BranchName:    carrier.BranchName,
		ForkGroupID:   carrier.ForkGroupID,
		JoinGroupID:   carrier.JoinGroupID,
		ExpandGroupID: carrier.ExpandGroupID,
		Step:          step,
	}
	return m.merge(ctx, members, out, domain.LineageBatch, batchID)
}

func (m *TokenManager) merge(ctx context.Context, parents []domain.Token, out domain.Token, kind domain.LineageKind, group string) (domain.Token, error) {
	if len(parents) == 0 {
		return domain.Token{}, domain.NewInvariantError(string(kind), domain.ErrEmptyMerge)
	}
	now := m.clock.Now()
	out.ID = m.ids.next(now)

	edges := make([]domain.LineageEdge, len(parents))
	for i, p := range parents {
		edges[i] = domain.LineageEdge{
			ParentTokenID: p.ID,
			ChildTokenID:  out.ID,
			Kind:          kind,
			GroupID:       group,
			Ordinal:       i,
		}
	}
	if err := m.recorder.MergeTokens(ctx, m.runID, out, edges, now); err != nil {
		return domain.Token{}, fmt.Errorf("failed to record %s of %d tokens: %w", kind, len(parents), err)
	}
	return out, nil
}
