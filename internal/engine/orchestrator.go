package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/aescanero/rowflow/pkg/domain"
	"github.com/aescanero/rowflow/pkg/graph"
	"github.com/aescanero/rowflow/pkg/ports"
)

// DefaultMaxIterations bounds the work-queue steps spent on one source row.
const DefaultMaxIterations = 10000

// Settings tune a run.
//
// SinkBatchSize is the number of outcomes a sink buffers before it is
// written; zero writes sinks only at checkpoints and at end of source.
// CheckpointInterval and ProgressInterval are counted in source rows, zero
// disables them. RetryTimer and Clock replace the wall clock in tests.
type Settings struct {
	MaxIterations      int
	SinkBatchSize      int
	CheckpointInterval int
	ProgressInterval   int
	RetryTimer         backoff.Timer
	Clock              Clock
}

// DefaultSettings returns the settings used when none are configured.
func DefaultSettings() Settings {
	return Settings{
		MaxIterations:      DefaultMaxIterations,
		SinkBatchSize:      100,
		CheckpointInterval: 1000,
		ProgressInterval:   1000,
	}
}

func (s Settings) withDefaults() Settings {
	if s.MaxIterations <= 0 {
		s.MaxIterations = DefaultMaxIterations
	}
	if s.Clock == nil {
		s.Clock = SystemClock
	}
	return s
}

// RunOptions identify a run. An empty RunID is generated.
type RunOptions struct {
	RunID string
}

// Orchestrator runs pipeline graphs. It keeps no per-run state, so one
// orchestrator can execute several runs concurrently.
type Orchestrator struct {
	recorder    ports.Recorder
	checkpoints ports.CheckpointStore
	events      ports.EventBus
	metrics     ports.MetricsCollector
	logger      *zap.Logger
	settings    Settings
}

// NewOrchestrator creates an orchestrator. checkpoints and events may be
// nil, which disables checkpointing and lifecycle events.
func NewOrchestrator(
	recorder ports.Recorder,
	checkpoints ports.CheckpointStore,
	events ports.EventBus,
	metrics ports.MetricsCollector,
	logger *zap.Logger,
	settings Settings,
) *Orchestrator {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		recorder:    recorder,
		checkpoints: checkpoints,
		events:      events,
		metrics:     metrics,
		logger:      logger,
		settings:    settings.withDefaults(),
	}
}

// Run executes g from the first source row. Row-level failures are part of
// the result; a non-nil error means an engine invariant was violated or the
// audit trail could not be written, and the run is marked failed.
// Cancelling ctx stops the run at the next row boundary with status
// interrupted and a checkpoint to resume from.
func (o *Orchestrator) Run(ctx context.Context, g *graph.Graph, opts RunOptions) (domain.RunResult, error) {
	runID := opts.RunID
	if runID == "" {
		runID = newUUID()
	}
	return o.execute(ctx, g, runID, nil)
}

// Resume continues a run from its checkpoint. The graph must hash the same
// as the one the checkpoint was taken with.
func (o *Orchestrator) Resume(ctx context.Context, g *graph.Graph, cp domain.Checkpoint) (domain.RunResult, error) {
	if err := cp.Validate(); err != nil {
		return domain.RunResult{}, err
	}
	if cp.GraphHash != g.Hash() {
		return domain.RunResult{}, fmt.Errorf("%w: run %s was checkpointed with graph %s, got %s",
			domain.ErrCheckpointIncompatible, cp.RunID, cp.GraphHash, g.Hash())
	}
	return o.execute(ctx, g, cp.RunID, &cp)
}

// ResumeRun loads the latest checkpoint of runID and resumes it.
func (o *Orchestrator) ResumeRun(ctx context.Context, g *graph.Graph, runID string) (domain.RunResult, error) {
	if o.checkpoints == nil {
		return domain.RunResult{}, fmt.Errorf("resume run %s: %w: no checkpoint store configured", runID, domain.ErrNotFound)
	}
	cp, err := o.checkpoints.Load(ctx, runID)
	if err != nil {
		return domain.RunResult{}, fmt.Errorf("failed to load checkpoint of run %s: %w", runID, err)
	}
	return o.Resume(ctx, g, cp)
}

// run is the mutable state of one execution.
type run struct {
	rc        *runContext
	proc      *RowProcessor
	sinks     *SinkExecutor
	startedAt time.Time
	sequence  int64
	lastRow   int64
	lastCPID  string
}

func (o *Orchestrator) execute(ctx context.Context, g *graph.Graph, runID string, cp *domain.Checkpoint) (domain.RunResult, error) {
	clock := o.settings.Clock
	rc := newRunContext(runID, g, o.recorder, clock, o.logger, o.metrics, o.settings)
	tokens := NewTokenManager(runID, g.Source().ID, o.recorder, clock)
	r := &run{
		rc:        rc,
		proc:      newRowProcessor(rc, tokens),
		sinks:     newSinkExecutor(rc),
		startedAt: clock.Now(),
		lastRow:   -1,
	}

	header := domain.RunRecord{
		RunID:        runID,
		PipelineName: g.Name(),
		GraphHash:    g.Hash(),
		Status:       domain.RunStatusRunning,
		StartedAt:    r.startedAt,
	}
	if cp != nil {
		header.ResumedFrom = cp.CheckpointID
		if err := o.restore(r, cp); err != nil {
			return domain.RunResult{}, err
		}
	}
	if err := o.recorder.BeginRun(ctx, header); err != nil {
		return domain.RunResult{}, fmt.Errorf("failed to begin run %s: %w", runID, err)
	}

	o.metrics.RecordRunStarted(g.Name())
	o.publish(ctx, ports.EventRunStarted, runID, map[string]any{
		"pipeline":     g.Name(),
		"graph_hash":   g.Hash(),
		"resumed_from": header.ResumedFrom,
	})
	rc.logger.Info("run started",
		zap.String("pipeline", g.Name()),
		zap.Int64("resume_after_row", r.lastRow))

	defer o.closeSinks(ctx, r)

	err := o.consume(ctx, r)
	switch {
	case err == nil:
		return o.finish(ctx, r)
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		return o.interrupt(ctx, r)
	default:
		return o.fail(ctx, r, err)
	}
}

func (o *Orchestrator) restore(r *run, cp *domain.Checkpoint) error {
	g := r.rc.graph
	for _, agg := range cp.Aggregations {
		node, err := g.Node(agg.NodeName)
		if err != nil {
			return fmt.Errorf("%w: %w", domain.ErrCheckpointIncompatible, err)
		}
		if node.Kind != graph.KindAggregation {
			return fmt.Errorf("%w: %q is not an aggregation", domain.ErrCheckpointIncompatible, agg.NodeName)
		}
		r.proc.aggregations.Restore(node, agg)
	}
	if err := r.proc.coalesces.Restore(cp.Coalesces, cp.ResolvedJoins); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrCheckpointIncompatible, err)
	}
	r.rc.counters = cp.Counters
	r.rc.lastTokenID = cp.LastTokenID
	r.sequence = cp.SequenceNumber
	r.lastRow = cp.LastRowIndex
	return nil
}

// consume reads the source to its end. Rows at or before the resume point
// are read and skipped. Rows are processed under a context that ignores
// cancellation, so the run only stops between rows.
func (o *Orchestrator) consume(ctx context.Context, r *run) error {
	rc := r.rc
	source := rc.graph.Source()
	rowCtx := context.WithoutCancel(ctx)

	pctx := rc.pluginContext(source, domain.Token{}, "", 1)
	iter, err := invoke(source, func() (ports.RowIterator, error) {
		return source.Source.Open(ctx, pctx)
	})
	if err != nil {
		return err
	}
	defer func() {
		if cerr := iter.Close(); cerr != nil {
			rc.logger.Warn("failed to close source", zap.String("node", source.Name), zap.Error(cerr))
		}
	}()

	resumeAfter := r.lastRow
	processed := 0
	for index := int64(0); ; index++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.proc.SweepTimeouts(rowCtx); err != nil {
			return err
		}

		read, err := invoke(source, func() (sourceRead, error) {
			src, ok, err := iter.Next(ctx)
			return sourceRead{row: src, ok: ok}, err
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if !read.ok {
			break
		}
		if index <= resumeAfter {
			continue
		}

		if err := r.proc.ProcessRow(rowCtx, index, read.row); err != nil {
			return err
		}
		r.lastRow = index
		processed++
		r.proc.Settle()

		if o.settings.SinkBatchSize > 0 {
			if err := rc.flushSinks(rowCtx, r.sinks, o.settings.SinkBatchSize); err != nil {
				return err
			}
		}
		if o.settings.CheckpointInterval > 0 && processed%o.settings.CheckpointInterval == 0 {
			if err := o.checkpoint(rowCtx, r); err != nil {
				return err
			}
		}
		if o.settings.ProgressInterval > 0 && processed%o.settings.ProgressInterval == 0 {
			o.publish(rowCtx, ports.EventRunProgress, rc.runID, map[string]any{
				"last_row_index": r.lastRow,
				"counters":       rc.counters,
			})
		}
	}

	if err := r.proc.FlushAll(rowCtx); err != nil {
		return err
	}
	return rc.flushSinks(rowCtx, r.sinks, 0)
}

// checkpoint writes pending sink outcomes, then snapshots the run. Without
// a checkpoint store only the sink write happens.
func (o *Orchestrator) checkpoint(ctx context.Context, r *run) error {
	rc := r.rc
	if err := rc.flushSinks(ctx, r.sinks, 0); err != nil {
		return err
	}
	if o.checkpoints == nil {
		return nil
	}

	now := rc.clock.Now()
	coalesces, resolved := r.proc.coalesces.Snapshot(now)
	r.sequence++
	cp := domain.Checkpoint{
		CheckpointID:   newUUID(),
		RunID:          rc.runID,
		PipelineName:   rc.graph.Name(),
		GraphHash:      rc.graph.Hash(),
		SequenceNumber: r.sequence,
		LastRowIndex:   r.lastRow,
		LastTokenID:    rc.lastTokenID,
		Aggregations:   r.proc.aggregations.Snapshot(),
		Coalesces:      coalesces,
		ResolvedJoins:  resolved,
		Counters:       rc.counters,
		CreatedAt:      now,
	}
	if err := o.checkpoints.Save(ctx, cp); err != nil {
		return fmt.Errorf("failed to save checkpoint %d of run %s: %w", cp.SequenceNumber, rc.runID, err)
	}
	r.lastCPID = cp.CheckpointID
	rc.logger.Debug("checkpoint saved",
		zap.Int64("sequence", cp.SequenceNumber),
		zap.Int64("last_row_index", cp.LastRowIndex))
	return nil
}

func (o *Orchestrator) finish(ctx context.Context, r *run) (domain.RunResult, error) {
	rc := r.rc
	status := rc.counters.FinalStatus()
	result, err := o.complete(ctx, r, status, nil)
	if err != nil {
		return result, err
	}
	if o.checkpoints != nil {
		if err := o.checkpoints.Delete(ctx, rc.runID); err != nil && !domain.IsNotFound(err) {
			rc.logger.Warn("failed to delete checkpoint", zap.Error(err))
		}
	}
	o.publish(ctx, ports.EventRunCompleted, rc.runID, map[string]any{
		"status":   string(status),
		"counters": rc.counters,
	})
	return result, nil
}

// interrupt checkpoints a cancelled run so it can be resumed. A run that
// cannot be resumed releases everything held in aggregations and joins as
// if the source had ended, so every token still reaches a terminal outcome.
func (o *Orchestrator) interrupt(ctx context.Context, r *run) (domain.RunResult, error) {
	bg := context.WithoutCancel(ctx)
	if o.checkpoints == nil {
		if err := r.proc.FlushAll(bg); err != nil {
			return o.fail(ctx, r, err)
		}
	}
	if err := o.checkpoint(bg, r); err != nil {
		return o.fail(ctx, r, err)
	}
	result, err := o.complete(bg, r, domain.RunStatusInterrupted, nil)
	if err != nil {
		return result, err
	}
	result.CheckpointID = r.lastCPID
	r.rc.logger.Info("run interrupted", zap.Int64("last_row_index", r.lastRow))
	return result, nil
}

func (o *Orchestrator) fail(ctx context.Context, r *run, cause error) (domain.RunResult, error) {
	bg := context.WithoutCancel(ctx)
	r.rc.logger.Error("run failed", zap.Error(cause), zap.Bool("invariant", domain.IsFatal(cause)))
	o.drainSinks(bg, r)
	result, err := o.complete(bg, r, domain.RunStatusFailed, cause)
	if err != nil {
		return result, errors.Join(cause, err)
	}
	result.CheckpointID = r.lastCPID
	o.publish(bg, ports.EventRunFailed, r.rc.runID, map[string]any{"error": cause.Error()})
	return result, cause
}

// drainSinks writes whatever sink outcomes are still pending when a run
// fails. A sink that cannot be written records its tokens as failed.
func (o *Orchestrator) drainSinks(ctx context.Context, r *run) {
	rc := r.rc
	for left := rc.pendingWrites(); left > 0; {
		if err := rc.flushSinks(ctx, r.sinks, 0); err != nil {
			rc.logger.Warn("failed to write pending sink outcomes", zap.Error(err))
		}
		remaining := rc.pendingWrites()
		if remaining >= left {
			rc.logger.Error("sink outcomes left unwritten", zap.Int("pending", remaining))
			return
		}
		left = remaining
	}
}

func (o *Orchestrator) complete(ctx context.Context, r *run, status domain.RunStatus, cause error) (domain.RunResult, error) {
	rc := r.rc
	now := rc.clock.Now()
	result := domain.RunResult{
		RunID:        rc.runID,
		PipelineName: rc.graph.Name(),
		Status:       status,
		Counters:     rc.counters,
		StartedAt:    r.startedAt,
		CompletedAt:  now,
	}
	if cause != nil {
		result.Error = cause.Error()
	}
	o.metrics.RecordRunCompleted(rc.graph.Name(), status, now.Sub(r.startedAt))
	if err := o.recorder.CompleteRun(ctx, rc.runID, status, rc.counters, now); err != nil {
		return result, fmt.Errorf("failed to complete run %s: %w", rc.runID, err)
	}
	rc.logger.Info("run completed",
		zap.String("status", string(status)),
		zap.Int64("rows", rc.counters.RowsProcessed),
		zap.Int64("succeeded", rc.counters.Succeeded),
		zap.Int64("failed", rc.counters.Failed),
		zap.Int64("quarantined", rc.counters.Quarantined))
	return result, nil
}

func (o *Orchestrator) closeSinks(ctx context.Context, r *run) {
	bg := context.WithoutCancel(ctx)
	for _, node := range r.rc.graph.NodesOfKind(graph.KindSink) {
		if err := node.Sink.Close(bg); err != nil {
			r.rc.logger.Warn("failed to close sink", zap.String("node", node.Name), zap.Error(err))
		}
	}
}

func (o *Orchestrator) publish(ctx context.Context, typ ports.EventType, runID string, data map[string]any) {
	if o.events == nil {
		return
	}
	event := ports.Event{
		ID:        newUUID(),
		Type:      typ,
		RunID:     runID,
		Timestamp: o.settings.Clock.Now(),
		Data:      data,
	}
	if err := o.events.Publish(context.WithoutCancel(ctx), ports.TopicRunEvents, event); err != nil {
		o.logger.Warn("failed to publish event",
			zap.String("type", string(typ)),
			zap.String("run_id", runID),
			zap.Error(err))
	}
}

type sourceRead struct {
	row ports.SourceRow
	ok  bool
}
