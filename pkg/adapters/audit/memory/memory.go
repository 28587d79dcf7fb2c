package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aescanero/rowflow/pkg/domain"
)

// Recorder keeps a complete audit trail in memory. It implements both
// ports.Recorder and ports.AuditReader, and exposes extra accessors used
// by tests and the API.
type Recorder struct {
	mu sync.RWMutex

	runs      map[string]*domain.RunRecord
	rows      map[string][]domain.RowRecord
	tokens    map[string][]domain.TokenRecord
	edges     map[string][]domain.LineageEdge
	states    map[string]domain.NodeState
	stateRuns map[string][]string
	outcomes  map[string][]domain.TokenOutcomeRecord
	batches   map[string]*Batch
	routing   map[string][]domain.RoutingEvent
	artifacts map[string][]domain.ArtifactRecord
}

// Batch is a recorded aggregation batch with its members and status history.
type Batch struct {
	Record  domain.BatchRecord
	Members []string
	Updates []domain.BatchStatusUpdate
}

// NewRecorder creates an empty in-memory recorder.
func NewRecorder() *Recorder {
	return &Recorder{
		runs:      make(map[string]*domain.RunRecord),
		rows:      make(map[string][]domain.RowRecord),
		tokens:    make(map[string][]domain.TokenRecord),
		edges:     make(map[string][]domain.LineageEdge),
		states:    make(map[string]domain.NodeState),
		stateRuns: make(map[string][]string),
		outcomes:  make(map[string][]domain.TokenOutcomeRecord),
		batches:   make(map[string]*Batch),
		routing:   make(map[string][]domain.RoutingEvent),
		artifacts: make(map[string][]domain.ArtifactRecord),
	}
}

// BeginRun creates the run header, or reopens it when a run is resumed.
func (r *Recorder) BeginRun(ctx context.Context, run domain.RunRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.runs[run.RunID]; ok {
		existing.Status = run.Status
		existing.ResumedFrom = run.ResumedFrom
		existing.CompletedAt = nil
		return nil
	}
	rec := run
	r.runs[run.RunID] = &rec
	return nil
}

func (r *Recorder) CompleteRun(ctx context.Context, runID string, status domain.RunStatus, counters domain.RowCounters, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	run, ok := r.runs[runID]
	if !ok {
		return fmt.Errorf("run %s: %w", runID, domain.ErrNotFound)
	}
	run.Status = status
	run.Counters = counters
	run.CompletedAt = &at
	return nil
}

func (r *Recorder) CreateRow(ctx context.Context, row domain.RowRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows[row.RunID] = append(r.rows[row.RunID], row)
	return nil
}

func (r *Recorder) CreateToken(ctx context.Context, runID string, token domain.Token, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens[runID] = append(r.tokens[runID], domain.TokenRecord{Token: token, RunID: runID, CreatedAt: at})
	return nil
}

func (r *Recorder) ForkToken(ctx context.Context, runID string, children []domain.Token, edges []domain.LineageEdge, at time.Time) error {
	return r.derive(runID, children, edges, at)
}

func (r *Recorder) ExpandToken(ctx context.Context, runID string, children []domain.Token, edges []domain.LineageEdge, at time.Time) error {
	return r.derive(runID, children, edges, at)
}

func (r *Recorder) MergeTokens(ctx context.Context, runID string, merged domain.Token, edges []domain.LineageEdge, at time.Time) error {
	return r.derive(runID, []domain.Token{merged}, edges, at)
}

func (r *Recorder) derive(runID string, children []domain.Token, edges []domain.LineageEdge, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range children {
		r.tokens[runID] = append(r.tokens[runID], domain.TokenRecord{Token: c, RunID: runID, CreatedAt: at})
	}
	r.edges[runID] = append(r.edges[runID], edges...)
	return nil
}

func (r *Recorder) BeginNodeState(ctx context.Context, state domain.NodeStateOpen) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.states[state.StateID]; ok {
		return fmt.Errorf("node state %s already exists", state.StateID)
	}
	r.states[state.StateID] = state
	r.stateRuns[state.RunID] = append(r.stateRuns[state.RunID], state.StateID)
	return nil
}

func (r *Recorder) CompleteNodeState(ctx context.Context, state domain.NodeState) error {
	if err := domain.ValidateTerminal(state); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.states[state.ID()]
	if !ok {
		return fmt.Errorf("node state %s: %w", state.ID(), domain.ErrNotFound)
	}
	if current.Status() != domain.NodeStateStatusOpen {
		return fmt.Errorf("node state %s is %s: %w", state.ID(), current.Status(), domain.ErrNodeStateTerminal)
	}
	r.states[state.ID()] = state
	return nil
}

func (r *Recorder) RecordTokenOutcome(ctx context.Context, rec domain.TokenOutcomeRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes[rec.RunID] = append(r.outcomes[rec.RunID], rec)
	return nil
}

func (r *Recorder) CreateBatch(ctx context.Context, batch domain.BatchRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches[batch.BatchID] = &Batch{Record: batch}
	return nil
}

func (r *Recorder) AddBatchMember(ctx context.Context, batchID, tokenID string, ordinal int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.batches[batchID]
	if !ok {
		return fmt.Errorf("batch %s: %w", batchID, domain.ErrNotFound)
	}
	if ordinal != len(b.Members) {
		return fmt.Errorf("batch %s: member ordinal %d out of sequence", batchID, ordinal)
	}
	b.Members = append(b.Members, tokenID)
	return nil
}

func (r *Recorder) UpdateBatchStatus(ctx context.Context, update domain.BatchStatusUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.batches[update.BatchID]
	if !ok {
		return fmt.Errorf("batch %s: %w", update.BatchID, domain.ErrNotFound)
	}
	b.Record.Status = update.Status
	b.Updates = append(b.Updates, update)
	return nil
}

func (r *Recorder) RecordRoutingEvent(ctx context.Context, event domain.RoutingEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routing[event.RunID] = append(r.routing[event.RunID], event)
	return nil
}

func (r *Recorder) RecordArtifact(ctx context.Context, artifact domain.ArtifactRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.artifacts[artifact.RunID] = append(r.artifacts[artifact.RunID], artifact)
	return nil
}

// GetRun implements ports.AuditReader.
func (r *Recorder) GetRun(ctx context.Context, runID string) (domain.RunRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	run, ok := r.runs[runID]
	if !ok {
		return domain.RunRecord{}, fmt.Errorf("run %s: %w", runID, domain.ErrNotFound)
	}
	return *run, nil
}

// ListNodeStates returns the run's node states in the order they opened.
func (r *Recorder) ListNodeStates(ctx context.Context, runID string) ([]domain.NodeStateRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.stateRuns[runID]
	out := make([]domain.NodeStateRecord, len(ids))
	for i, id := range ids {
		out[i] = domain.RecordOf(r.states[id])
	}
	return out, nil
}

// ListTokenOutcomes returns the run's outcomes in recording order.
func (r *Recorder) ListTokenOutcomes(ctx context.Context, runID string) ([]domain.TokenOutcomeRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]domain.TokenOutcomeRecord(nil), r.outcomes[runID]...), nil
}

// Rows returns the recorded source rows of a run.
func (r *Recorder) Rows(runID string) []domain.RowRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]domain.RowRecord(nil), r.rows[runID]...)
}

// Tokens returns every token created in a run.
func (r *Recorder) Tokens(runID string) []domain.TokenRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]domain.TokenRecord(nil), r.tokens[runID]...)
}

// Edges returns every lineage edge of a run.
func (r *Recorder) Edges(runID string) []domain.LineageEdge {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]domain.LineageEdge(nil), r.edges[runID]...)
}

// Batches returns the batches created by a run.
func (r *Recorder) Batches(runID string) []Batch {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Batch
	for _, b := range r.batches {
		if b.Record.RunID == runID {
			out = append(out, Batch{
				Record:  b.Record,
				Members: append([]string(nil), b.Members...),
				Updates: append([]domain.BatchStatusUpdate(nil), b.Updates...),
			})
		}
	}
	return out
}

// RoutingEvents returns the gate decisions of a run.
func (r *Recorder) RoutingEvents(runID string) []domain.RoutingEvent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]domain.RoutingEvent(nil), r.routing[runID]...)
}

// Artifacts returns the sink artifacts of a run.
func (r *Recorder) Artifacts(runID string) []domain.ArtifactRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]domain.ArtifactRecord(nil), r.artifacts[runID]...)
}

// TerminalOutcomes maps each token of a run to its terminal outcome.
// A token with more than one terminal outcome keeps all of them.
func (r *Recorder) TerminalOutcomes(runID string) map[string][]domain.RowOutcome {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string][]domain.RowOutcome)
	for _, rec := range r.outcomes[runID] {
		if rec.Outcome.Terminal() {
			out[rec.TokenID] = append(out[rec.TokenID], rec.Outcome)
		}
	}
	return out
}
