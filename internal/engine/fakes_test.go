package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aescanero/rowflow/pkg/adapters/audit/memory"
	"github.com/aescanero/rowflow/pkg/domain"
	"github.com/aescanero/rowflow/pkg/ports"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// instantTimer fires immediately, so retries never sleep.
type instantTimer struct {
	c chan time.Time
}

func (t *instantTimer) Start(time.Duration) {
	t.c = make(chan time.Time, 1)
	t.c <- time.Time{}
}
func (t *instantTimer) Stop()               {}
func (t *instantTimer) C() <-chan time.Time { return t.c }

type listSource struct {
	rows    []domain.Row
	invalid map[int]string
	// onNext runs before row i is returned.
	onNext func(i int)
}

func (s *listSource) Name() string { return "list" }
func (s *listSource) Open(context.Context, ports.PluginContext) (ports.RowIterator, error) {
	return &listIterator{src: s}, nil
}

type listIterator struct {
	src *listSource
	pos int
}

func (it *listIterator) Next(ctx context.Context) (ports.SourceRow, bool, error) {
	if it.pos >= len(it.src.rows) {
		return ports.SourceRow{}, false, nil
	}
	i := it.pos
	it.pos++
	if it.src.onNext != nil {
		it.src.onNext(i)
	}
	row := ports.SourceRow{Row: it.src.rows[i]}
	if msg, ok := it.src.invalid[i]; ok {
		row.Invalid = true
		row.ValidationError = msg
	}
	return row, true, nil
}
func (it *listIterator) Close() error { return nil }

type funcTransform struct {
	name  string
	meta  ports.PluginMetadata
	calls int
	fn    func(row domain.Row, attempt int) (domain.TransformResult, error)
}

func (t *funcTransform) Name() string                   { return t.name }
func (t *funcTransform) Metadata() ports.PluginMetadata { return t.meta }
func (t *funcTransform) Process(_ context.Context, row domain.Row, pctx ports.PluginContext) (domain.TransformResult, error) {
	t.calls++
	return t.fn(row, pctx.Attempt)
}

type funcBatch struct {
	name string
	fn   func(rows []domain.Row) (domain.TransformResult, error)
}

func (b *funcBatch) Name() string { return b.name }
func (b *funcBatch) ProcessBatch(_ context.Context, rows []domain.Row, _ ports.PluginContext) (domain.TransformResult, error) {
	return b.fn(rows)
}

type funcGate struct {
	fn func(row domain.Row) domain.RoutingAction
}

func (funcGate) Name() string { return "func_gate" }
func (g funcGate) Evaluate(_ context.Context, row domain.Row, _ ports.PluginContext) (domain.GateResult, error) {
	return domain.GateResult{Row: row, Action: g.fn(row)}, nil
}

type memSink struct {
	name    string
	mu      sync.Mutex
	rows    []domain.Row
	writes  int
	closed  bool
	failErr error
}

func (s *memSink) Name() string { return s.name }
func (s *memSink) Write(_ context.Context, rows []domain.Row, _ ports.PluginContext) (domain.ArtifactDescriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return domain.ArtifactDescriptor{}, s.failErr
	}
	s.writes++
	for _, r := range rows {
		s.rows = append(s.rows, r.Clone())
	}
	return domain.ArtifactDescriptor{ArtifactType: "memory", PathOrURI: "mem://" + s.name}, nil
}
func (s *memSink) Close(context.Context) error {
	s.closed = true
	return nil
}

func (s *memSink) Rows() []domain.Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Row(nil), s.rows...)
}

func passthrough(name string) *funcTransform {
	return &funcTransform{name: name, fn: func(row domain.Row, _ int) (domain.TransformResult, error) {
		return domain.Success(row), nil
	}}
}

func setField(name, key string, value any) *funcTransform {
	return &funcTransform{name: name, fn: func(row domain.Row, _ int) (domain.TransformResult, error) {
		out := row.Clone()
		out[key] = value
		return domain.Success(out), nil
	}}
}

var errFlaky = errors.New("flaky dependency")

func rowsN(n int) []domain.Row {
	rows := make([]domain.Row, n)
	for i := range rows {
		rows[i] = domain.Row{"id": i}
	}
	return rows
}

type harness struct {
	clock    *manualClock
	recorder *memory.Recorder
	settings Settings
}

func newHarness() *harness {
	clock := newManualClock()
	return &harness{
		clock:    clock,
		recorder: memory.NewRecorder(),
		settings: Settings{RetryTimer: &instantTimer{}, Clock: clock},
	}
}

func (h *harness) orchestrator(checkpoints ports.CheckpointStore) *Orchestrator {
	return NewOrchestrator(h.recorder, checkpoints, nil, nil, zap.NewNop(), h.settings)
}

// assertLineageComplete checks that every token of the run reached exactly
// one terminal outcome and that no node state was left open.
func assertLineageComplete(t *testing.T, rec *memory.Recorder, runID string) {
	t.Helper()
	terminal := rec.TerminalOutcomes(runID)
	for _, tok := range rec.Tokens(runID) {
		outcomes := terminal[tok.Token.ID]
		assert.Len(t, outcomes, 1, "token %s (branch %q) outcomes: %v", tok.Token.ID, tok.Token.BranchName, outcomes)
	}

	states, err := rec.ListNodeStates(context.Background(), runID)
	require.NoError(t, err)
	for _, s := range states {
		assert.NotEqual(t, domain.NodeStateStatusOpen, s.Status, "state %s at %s left open", s.StateID, s.NodeID)
	}
}

func outcomesOfKind(t *testing.T, rec *memory.Recorder, runID string, kind domain.OutcomeKind) []domain.RowOutcome {
	t.Helper()
	records, err := rec.ListTokenOutcomes(context.Background(), runID)
	require.NoError(t, err)
	var out []domain.RowOutcome
	for _, r := range records {
		if r.Outcome.Kind() == kind {
			out = append(out, r.Outcome)
		}
	}
	return out
}
