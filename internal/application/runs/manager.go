package runs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aescanero/rowflow/internal/application/workers"
	"github.com/aescanero/rowflow/internal/engine"
	"github.com/aescanero/rowflow/internal/pipeline"
	"github.com/aescanero/rowflow/pkg/domain"
	"github.com/aescanero/rowflow/pkg/graph"
	"github.com/aescanero/rowflow/pkg/ports"
)

var (
	// ErrInvalidRequest wraps request validation failures.
	ErrInvalidRequest = errors.New("validation failed")
	// ErrUnknownPipeline is returned for a pipeline name that is not registered.
	ErrUnknownPipeline = errors.New("unknown pipeline")
	// ErrRunActive is returned when a run id is already executing.
	ErrRunActive = errors.New("run is already active")
	// ErrRunNotActive is returned when cancelling a run that has finished.
	ErrRunNotActive = errors.New("run is not active")
	// ErrShuttingDown is returned for runs submitted after Shutdown.
	ErrShuttingDown = errors.New("run manager is shutting down")
)

// Runner executes graphs. *engine.Orchestrator implements it.
type Runner interface {
	Run(ctx context.Context, g *graph.Graph, opts engine.RunOptions) (domain.RunResult, error)
	ResumeRun(ctx context.Context, g *graph.Graph, runID string) (domain.RunResult, error)
}

// SubmitRequest asks for a new run. An empty RunID is generated.
type SubmitRequest struct {
	Pipeline string `json:"pipeline"`
	RunID    string `json:"run_id,omitempty"`
}

// RunView is the externally visible state of a run.
type RunView struct {
	RunID       string              `json:"run_id"`
	Pipeline    string              `json:"pipeline"`
	Status      domain.RunStatus    `json:"status"`
	SubmittedAt time.Time           `json:"submitted_at,omitempty"`
	Resumed     bool                `json:"resumed,omitempty"`
	Counters    *domain.RowCounters `json:"counters,omitempty"`
	Result      *domain.RunResult   `json:"result,omitempty"`
	Error       string              `json:"error,omitempty"`
}

// Manager coordinates pipeline runs
type Manager struct {
	runner    Runner
	registry  *pipeline.Registry
	audit     ports.AuditReader
	pool      *workers.Pool
	metrics   ports.MetricsCollector
	validator *Validator
	logger    *zap.Logger

	runTimeout time.Duration

	mu        sync.RWMutex
	pipelines map[string]*pipeline.Definition
	closing   bool

	// Track executions, active and finished
	executions sync.Map // map[string]*execution
	active     sync.WaitGroup
}

// execution holds state for a single run
type execution struct {
	runID       string
	pipeline    string
	resumed     bool
	submittedAt time.Time

	mu        sync.RWMutex
	status    domain.RunStatus
	cancel    context.CancelFunc
	cancelled bool
	result    *domain.RunResult
	err       string
	done      chan struct{}
}

// NewManager creates a new run manager. audit may be nil, in which case
// only runs submitted to this manager can be looked up.
func NewManager(
	runner Runner,
	registry *pipeline.Registry,
	audit ports.AuditReader,
	pool *workers.Pool,
	metrics ports.MetricsCollector,
	validator *Validator,
	logger *zap.Logger,
	runTimeout time.Duration,
) *Manager {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	if validator == nil {
		validator = NewValidator()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		runner:     runner,
		registry:   registry,
		audit:      audit,
		pool:       pool,
		metrics:    metrics,
		validator:  validator,
		logger:     logger,
		runTimeout: runTimeout,
		pipelines:  make(map[string]*pipeline.Definition),
	}
}

// RegisterPipeline validates def by building it once and makes it
// available for runs. A definition with the same name is replaced.
func (m *Manager) RegisterPipeline(def *pipeline.Definition) error {
	if err := m.validator.ValidateDefinition(def); err != nil {
		return err
	}
	if _, err := def.Build(m.registry); err != nil {
		return fmt.Errorf("pipeline %s: %w", def.Name, err)
	}

	m.mu.Lock()
	m.pipelines[def.Name] = def
	m.mu.Unlock()

	m.logger.Info("pipeline registered",
		zap.String("pipeline", def.Name),
		zap.Int("nodes", len(def.Nodes)))
	return nil
}

// Pipelines lists the registered pipeline names.
func (m *Manager) Pipelines() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.pipelines))
	for name := range m.pipelines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Pipeline returns a registered definition.
func (m *Manager) Pipeline(name string) (*pipeline.Definition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	def, ok := m.pipelines[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPipeline, name)
	}
	return def, nil
}

// Submit validates the request and queues a new run
func (m *Manager) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	if err := m.validator.ValidateRequest(req); err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	def, err := m.Pipeline(req.Pipeline)
	if err != nil {
		return "", err
	}
	g, err := def.Build(m.registry)
	if err != nil {
		return "", fmt.Errorf("failed to build pipeline %s: %w", def.Name, err)
	}

	runID := req.RunID
	if runID == "" {
		runID = uuid.New().String()
	}

	exec, err := m.track(runID, def.Name, false)
	if err != nil {
		return "", err
	}
	err = m.enqueue(exec, func(ctx context.Context) (domain.RunResult, error) {
		return m.runner.Run(ctx, g, engine.RunOptions{RunID: runID})
	})
	if err != nil {
		return "", err
	}

	m.logger.Info("run submitted",
		zap.String("run_id", runID),
		zap.String("pipeline", def.Name))
	return runID, nil
}

// Resume queues the continuation of an interrupted or failed run from its
// latest checkpoint.
func (m *Manager) Resume(ctx context.Context, runID string) error {
	if err := m.validator.ValidateRunID(runID); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	pipelineName, err := m.pipelineOf(ctx, runID)
	if err != nil {
		return err
	}
	def, err := m.Pipeline(pipelineName)
	if err != nil {
		return err
	}
	g, err := def.Build(m.registry)
	if err != nil {
		return fmt.Errorf("failed to build pipeline %s: %w", def.Name, err)
	}

	exec, err := m.track(runID, def.Name, true)
	if err != nil {
		return err
	}
	err = m.enqueue(exec, func(ctx context.Context) (domain.RunResult, error) {
		return m.runner.ResumeRun(ctx, g, runID)
	})
	if err != nil {
		return err
	}

	m.logger.Info("run resume submitted",
		zap.String("run_id", runID),
		zap.String("pipeline", def.Name))
	return nil
}

// GetStatus returns the state of a run. Runs not tracked by this manager
// are looked up in the audit trail.
func (m *Manager) GetStatus(ctx context.Context, runID string) (RunView, error) {
	if val, ok := m.executions.Load(runID); ok {
		return val.(*execution).view(), nil
	}
	if m.audit == nil {
		return RunView{}, fmt.Errorf("run %s: %w", runID, domain.ErrNotFound)
	}
	rec, err := m.audit.GetRun(ctx, runID)
	if err != nil {
		return RunView{}, fmt.Errorf("run %s: %w", runID, err)
	}
	counters := rec.Counters
	return RunView{
		RunID:       rec.RunID,
		Pipeline:    rec.PipelineName,
		Status:      rec.Status,
		SubmittedAt: rec.StartedAt,
		Resumed:     rec.ResumedFrom != "",
		Counters:    &counters,
	}, nil
}

// List returns every run tracked by this manager, oldest first.
func (m *Manager) List() []RunView {
	var views []RunView
	m.executions.Range(func(_, value any) bool {
		views = append(views, value.(*execution).view())
		return true
	})
	sort.Slice(views, func(i, j int) bool {
		if views[i].SubmittedAt.Equal(views[j].SubmittedAt) {
			return views[i].RunID < views[j].RunID
		}
		return views[i].SubmittedAt.Before(views[j].SubmittedAt)
	})
	return views
}

// Cancel interrupts an active run. A running run stops at the next row
// boundary and is checkpointed; a queued run never starts.
func (m *Manager) Cancel(ctx context.Context, runID string) error {
	val, ok := m.executions.Load(runID)
	if !ok {
		return fmt.Errorf("run %s: %w", runID, domain.ErrNotFound)
	}

	exec := val.(*execution)
	exec.mu.Lock()
	if exec.status.Terminal() {
		status := exec.status
		exec.mu.Unlock()
		return fmt.Errorf("%w: run %s is %s", ErrRunNotActive, runID, status)
	}
	exec.cancelled = true
	cancel := exec.cancel
	exec.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.logger.Info("run cancelled", zap.String("run_id", runID))
	return nil
}

// Wait blocks until the run finishes or ctx is done.
func (m *Manager) Wait(ctx context.Context, runID string) (RunView, error) {
	val, ok := m.executions.Load(runID)
	if !ok {
		return RunView{}, fmt.Errorf("run %s: %w", runID, domain.ErrNotFound)
	}
	exec := val.(*execution)
	select {
	case <-exec.done:
		return exec.view(), nil
	case <-ctx.Done():
		return RunView{}, ctx.Err()
	}
}

// Shutdown interrupts every active run and waits for them to checkpoint.
// Queued runs are drained by the pool, so call it before shutting the
// pool down.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.logger.Info("shutting down run manager")

	m.mu.Lock()
	m.closing = true
	m.mu.Unlock()

	m.executions.Range(func(_, value any) bool {
		exec := value.(*execution)
		exec.mu.Lock()
		if !exec.status.Terminal() {
			exec.cancelled = true
			if exec.cancel != nil {
				exec.cancel()
			}
		}
		exec.mu.Unlock()
		return true
	})

	done := make(chan struct{})
	go func() {
		m.active.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.logger.Info("run manager shut down complete")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown timeout: %w", ctx.Err())
	}
}

// pipelineOf finds the pipeline a run belongs to.
func (m *Manager) pipelineOf(ctx context.Context, runID string) (string, error) {
	if val, ok := m.executions.Load(runID); ok {
		return val.(*execution).pipeline, nil
	}
	if m.audit == nil {
		return "", fmt.Errorf("run %s: %w", runID, domain.ErrNotFound)
	}
	rec, err := m.audit.GetRun(ctx, runID)
	if err != nil {
		return "", fmt.Errorf("run %s: %w", runID, err)
	}
	return rec.PipelineName, nil
}

// track registers an execution, replacing a finished one with the same id.
func (m *Manager) track(runID, pipelineName string, resumed bool) (*execution, error) {
	exec := &execution{
		runID:       runID,
		pipeline:    pipelineName,
		resumed:     resumed,
		submittedAt: time.Now(),
		status:      domain.RunStatusPending,
		done:        make(chan struct{}),
	}
	for {
		prev, loaded := m.executions.LoadOrStore(runID, exec)
		if !loaded {
			return exec, nil
		}
		p := prev.(*execution)
		p.mu.RLock()
		terminal := p.status.Terminal()
		p.mu.RUnlock()
		if !terminal {
			return nil, fmt.Errorf("%w: %s", ErrRunActive, runID)
		}
		if m.executions.CompareAndSwap(runID, prev, exec) {
			return exec, nil
		}
	}
}

func (m *Manager) enqueue(exec *execution, run func(ctx context.Context) (domain.RunResult, error)) error {
	m.mu.RLock()
	if m.closing {
		m.mu.RUnlock()
		m.executions.CompareAndDelete(exec.runID, exec)
		return ErrShuttingDown
	}
	m.active.Add(1)
	m.mu.RUnlock()
	m.updateActiveRuns()

	job := workers.Job{ID: exec.runID, Run: func(poolCtx context.Context) {
		defer m.active.Done()
		m.execute(poolCtx, exec, run)
	}}
	if err := m.pool.Submit(job); err != nil {
		m.executions.CompareAndDelete(exec.runID, exec)
		m.active.Done()
		m.updateActiveRuns()
		return fmt.Errorf("failed to queue run %s: %w", exec.runID, err)
	}
	return nil
}

func (m *Manager) execute(poolCtx context.Context, exec *execution, run func(ctx context.Context) (domain.RunResult, error)) {
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if m.runTimeout > 0 {
		ctx, cancel = context.WithTimeout(poolCtx, m.runTimeout)
	} else {
		ctx, cancel = context.WithCancel(poolCtx)
	}
	defer cancel()

	if !exec.start(cancel) {
		exec.finish(domain.RunResult{
			RunID:        exec.runID,
			PipelineName: exec.pipeline,
			Status:       domain.RunStatusInterrupted,
		}, errors.New("cancelled before start"))
		m.updateActiveRuns()
		return
	}

	result, err := run(ctx)
	if result.RunID == "" {
		result.RunID = exec.runID
		result.PipelineName = exec.pipeline
		result.Status = domain.RunStatusFailed
	}
	exec.finish(result, err)
	m.updateActiveRuns()

	fields := []zap.Field{
		zap.String("run_id", exec.runID),
		zap.String("pipeline", exec.pipeline),
		zap.String("status", string(result.Status)),
	}
	if err != nil {
		m.logger.Error("run failed", append(fields, zap.Error(err))...)
		return
	}
	m.logger.Info("run finished", fields...)
}

func (m *Manager) updateActiveRuns() {
	count := 0
	m.executions.Range(func(_, value any) bool {
		exec := value.(*execution)
		exec.mu.RLock()
		if !exec.status.Terminal() {
			count++
		}
		exec.mu.RUnlock()
		return true
	})
	m.metrics.SetActiveRuns(count)
}

// start moves a queued execution to running. It reports false when the
// run was cancelled while queued.
func (e *execution) start(cancel context.CancelFunc) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancelled {
		return false
	}
	e.status = domain.RunStatusRunning
	e.cancel = cancel
	return true
}

func (e *execution) finish(result domain.RunResult, err error) {
	e.mu.Lock()
	e.status = result.Status
	e.result = &result
	e.cancel = nil
	if err != nil {
		e.err = err.Error()
	}
	e.mu.Unlock()
	close(e.done)
}

func (e *execution) view() RunView {
	e.mu.RLock()
	defer e.mu.RUnlock()

	v := RunView{
		RunID:       e.runID,
		Pipeline:    e.pipeline,
		Status:      e.status,
		SubmittedAt: e.submittedAt,
		Resumed:     e.resumed,
		Error:       e.err,
	}
	if e.result != nil {
		r := *e.result
		v.Result = &r
		v.Counters = &r.Counters
	}
	return v
}
