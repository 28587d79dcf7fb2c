// Package postgres records the audit trail in PostgreSQL through the pgx
// database/sql driver.
package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"github.com/aescanero/rowflow/pkg/domain"
)

//go:embed schema.sql
var schema string

// Config holds connection pool settings.
type Config struct {
	URL             string
	PingTimeout     time.Duration
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

func (c Config) Validate() error {
	if c.URL == "" {
		return errors.New("postgres url is required")
	}
	if c.MaxOpenConns < 1 {
		return errors.New("postgres max open conns must be >= 1")
	}
	if c.MaxIdleConns > c.MaxOpenConns {
		return errors.New("postgres max idle conns must be <= max open conns")
	}
	return nil
}

// Open connects and pings the database.
func Open(ctx context.Context, cfg Config) (*sql.DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	db, err := sql.Open("pgx", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	timeout := cfg.PingTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return db, nil
}

// Recorder implements ports.Recorder and ports.AuditReader on PostgreSQL.
type Recorder struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewRecorder(db *sql.DB, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{db: db, logger: logger}
}

// Migrate creates the audit tables if they do not exist.
func (r *Recorder) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate audit schema: %w", err)
	}
	return nil
}

func (r *Recorder) BeginRun(ctx context.Context, run domain.RunRecord) error {
	counters, err := json.Marshal(run.Counters)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO rowflow_runs (run_id, pipeline_name, graph_hash, status, resumed_from, started_at, counters)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (run_id) DO UPDATE
		SET status = EXCLUDED.status, resumed_from = EXCLUDED.resumed_from, completed_at = NULL`,
		run.RunID, run.PipelineName, run.GraphHash, string(run.Status), nullString(run.ResumedFrom), run.StartedAt, string(counters))
	if err != nil {
		return fmt.Errorf("begin run %s: %w", run.RunID, err)
	}
	return nil
}

func (r *Recorder) CompleteRun(ctx context.Context, runID string, status domain.RunStatus, counters domain.RowCounters, at time.Time) error {
	data, err := json.Marshal(counters)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE rowflow_runs SET status = $2, counters = $3, completed_at = $4 WHERE run_id = $1`,
		runID, string(status), string(data), at)
	if err != nil {
		return fmt.Errorf("complete run %s: %w", runID, err)
	}
	return expectOne(res, fmt.Sprintf("run %s", runID))
}

func (r *Recorder) CreateRow(ctx context.Context, row domain.RowRecord) error {
	data, err := json.Marshal(row.Data)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO rowflow_rows (row_id, run_id, row_index, source_node_id, data_hash, data, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		row.RowID, row.RunID, row.RowIndex, row.SourceNodeID, row.DataHash, string(data), row.CreatedAt)
	if err != nil {
		return fmt.Errorf("create row %s: %w", row.RowID, err)
	}
	return nil
}

func (r *Recorder) CreateToken(ctx context.Context, runID string, token domain.Token, at time.Time) error {
	return r.inTx(ctx, func(tx *sql.Tx) error {
		return insertToken(ctx, tx, runID, token, at)
	})
}

func (r *Recorder) ForkToken(ctx context.Context, runID string, children []domain.Token, edges []domain.LineageEdge, at time.Time) error {
	return r.derive(ctx, runID, children, edges, at)
}

func (r *Recorder) ExpandToken(ctx context.Context, runID string, children []domain.Token, edges []domain.LineageEdge, at time.Time) error {
	return r.derive(ctx, runID, children, edges, at)
}

func (r *Recorder) MergeTokens(ctx context.Context, runID string, merged domain.Token, edges []domain.LineageEdge, at time.Time) error {
	return r.derive(ctx, runID, []domain.Token{merged}, edges, at)
}

func (r *Recorder) derive(ctx context.Context, runID string, children []domain.Token, edges []domain.LineageEdge, at time.Time) error {
	return r.inTx(ctx, func(tx *sql.Tx) error {
		for _, c := range children {
			if err := insertToken(ctx, tx, runID, c, at); err != nil {
				return err
			}
		}
		for _, e := range edges {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO rowflow_lineage_edges (run_id, parent_token_id, child_token_id, kind, group_id, ordinal)
				VALUES ($1, $2, $3, $4, $5, $6)`,
				runID, e.ParentTokenID, e.ChildTokenID, string(e.Kind), e.GroupID, e.Ordinal)
			if err != nil {
				return fmt.Errorf("insert lineage edge %s->%s: %w", e.ParentTokenID, e.ChildTokenID, err)
			}
		}
		return nil
	})
}

func insertToken(ctx context.Context, tx *sql.Tx, runID string, t domain.Token, at time.Time) error {
	data, err := json.Marshal(t.Data)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO rowflow_tokens (token_id, run_id, row_id, branch_name, fork_group_id, join_group_id, expand_group_id, step, data, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		t.ID, runID, t.RowID, nullString(t.BranchName), nullString(t.ForkGroupID), nullString(t.JoinGroupID),
		nullString(t.ExpandGroupID), t.Step, string(data), at)
	if err != nil {
		return fmt.Errorf("insert token %s: %w", t.ID, err)
	}
	return nil
}

func (r *Recorder) BeginNodeState(ctx context.Context, state domain.NodeStateOpen) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO rowflow_node_states (state_id, run_id, token_id, node_id, step, attempt, status, input_hash, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		state.StateID, state.RunID, state.TokenID, state.NodeID, state.Step, state.Attempt,
		string(domain.NodeStateStatusOpen), state.InputHash, state.StartedAt)
	if err != nil {
		return fmt.Errorf("begin node state %s: %w", state.StateID, err)
	}
	return nil
}

func (r *Recorder) CompleteNodeState(ctx context.Context, state domain.NodeState) error {
	if err := domain.ValidateTerminal(state); err != nil {
		return err
	}
	rec := domain.RecordOf(state)

	var detail sql.NullString
	if rec.Error != nil {
		data, err := json.Marshal(rec.Error)
		if err != nil {
			return err
		}
		detail = sql.NullString{String: string(data), Valid: true}
	}
	var output sql.NullString
	if rec.OutputHash != nil {
		output = sql.NullString{String: *rec.OutputHash, Valid: true}
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE rowflow_node_states
		SET status = $2, output_hash = $3, completed_at = $4, duration_ms = $5, error = $6
		WHERE state_id = $1 AND status = 'open'`,
		rec.StateID, string(rec.Status), output, *rec.CompletedAt, *rec.DurationMS, detail)
	if err != nil {
		return fmt.Errorf("complete node state %s: %w", rec.StateID, err)
	}
	if n, err := res.RowsAffected(); err != nil || n == 1 {
		return err
	}

	var exists bool
	err = r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM rowflow_node_states WHERE state_id = $1)`, rec.StateID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("complete node state %s: %w", rec.StateID, err)
	}
	if !exists {
		return fmt.Errorf("node state %s: %w", rec.StateID, domain.ErrNotFound)
	}
	return fmt.Errorf("node state %s: %w", rec.StateID, domain.ErrNodeStateTerminal)
}

func (r *Recorder) RecordTokenOutcome(ctx context.Context, rec domain.TokenOutcomeRecord) error {
	enc, err := domain.EncodeOutcome(rec.Outcome)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO rowflow_token_outcomes (run_id, token_id, row_id, node_id, kind, data)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.RunID, rec.TokenID, rec.RowID, rec.NodeID, string(enc.Kind), string(enc.Data))
	if err != nil {
		return fmt.Errorf("record outcome of token %s: %w", rec.TokenID, err)
	}
	return nil
}

func (r *Recorder) CreateBatch(ctx context.Context, batch domain.BatchRecord) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO rowflow_batches (batch_id, run_id, node_id, status, created_at) VALUES ($1, $2, $3, $4, $5)`,
		batch.BatchID, batch.RunID, batch.NodeID, string(batch.Status), batch.CreatedAt)
	if err != nil {
		return fmt.Errorf("create batch %s: %w", batch.BatchID, err)
	}
	return nil
}

func (r *Recorder) AddBatchMember(ctx context.Context, batchID, tokenID string, ordinal int) error {
	return r.inTx(ctx, func(tx *sql.Tx) error {
		var one int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM rowflow_batches WHERE batch_id = $1 FOR UPDATE`, batchID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("batch %s: %w", batchID, domain.ErrNotFound)
		}
		if err != nil {
			return err
		}

		var count int
		if err := tx.QueryRowContext(ctx, `SELECT count(*) FROM rowflow_batch_members WHERE batch_id = $1`, batchID).Scan(&count); err != nil {
			return err
		}
		if count != ordinal {
			return fmt.Errorf("batch %s: member ordinal %d out of sequence", batchID, ordinal)
		}

		_, err = tx.ExecContext(ctx, `INSERT INTO rowflow_batch_members (batch_id, token_id, ordinal) VALUES ($1, $2, $3)`,
			batchID, tokenID, ordinal)
		return err
	})
}

func (r *Recorder) UpdateBatchStatus(ctx context.Context, update domain.BatchStatusUpdate) error {
	return r.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE rowflow_batches SET status = $2 WHERE batch_id = $1`,
			update.BatchID, string(update.Status))
		if err != nil {
			return err
		}
		if err := expectOne(res, fmt.Sprintf("batch %s", update.BatchID)); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO rowflow_batch_status_updates (batch_id, status, trigger_type, trigger_reason, state_id, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			update.BatchID, string(update.Status), nullString(string(update.Trigger)), nullString(update.TriggerReason),
			nullString(update.StateID), update.UpdatedAt)
		return err
	})
}

func (r *Recorder) RecordRoutingEvent(ctx context.Context, event domain.RoutingEvent) error {
	dests, err := json.Marshal(event.Destinations)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO rowflow_routing_events (event_id, run_id, state_id, token_id, node_id, label, mode, destinations, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		event.EventID, event.RunID, event.StateID, event.TokenID, event.NodeID, nullString(event.Label),
		string(event.Mode), string(dests), event.CreatedAt)
	if err != nil {
		return fmt.Errorf("record routing event: %w", err)
	}
	return nil
}

func (r *Recorder) RecordArtifact(ctx context.Context, artifact domain.ArtifactRecord) error {
	data, err := json.Marshal(artifact.Artifact)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO rowflow_artifacts (artifact_id, run_id, sink_node_id, state_id, artifact, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		artifact.ArtifactID, artifact.RunID, artifact.SinkNodeID, artifact.StateID, string(data), artifact.CreatedAt)
	if err != nil {
		return fmt.Errorf("record artifact: %w", err)
	}
	return nil
}

// GetRun implements ports.AuditReader.
func (r *Recorder) GetRun(ctx context.Context, runID string) (domain.RunRecord, error) {
	var (
		run         domain.RunRecord
		status      string
		resumedFrom sql.NullString
		completedAt sql.NullTime
		counters    []byte
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT run_id, pipeline_name, graph_hash, status, resumed_from, started_at, completed_at, counters
		FROM rowflow_runs WHERE run_id = $1`, runID).
		Scan(&run.RunID, &run.PipelineName, &run.GraphHash, &status, &resumedFrom, &run.StartedAt, &completedAt, &counters)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.RunRecord{}, fmt.Errorf("run %s: %w", runID, domain.ErrNotFound)
	}
	if err != nil {
		return domain.RunRecord{}, fmt.Errorf("get run %s: %w", runID, err)
	}

	run.Status = domain.RunStatus(status)
	run.ResumedFrom = resumedFrom.String
	if completedAt.Valid {
		at := completedAt.Time
		run.CompletedAt = &at
	}
	if err := json.Unmarshal(counters, &run.Counters); err != nil {
		return domain.RunRecord{}, fmt.Errorf("decode counters of run %s: %w", runID, err)
	}
	return run, nil
}

// ListNodeStates returns the run's node states in the order they opened.
// Nullable columns are passed through so ToNodeState can reject corrupt rows.
func (r *Recorder) ListNodeStates(ctx context.Context, runID string) ([]domain.NodeStateRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT state_id, run_id, token_id, node_id, step, attempt, status, input_hash,
		       output_hash, started_at, completed_at, duration_ms, error
		FROM rowflow_node_states WHERE run_id = $1 ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("list node states: %w", err)
	}
	defer rows.Close()

	var out []domain.NodeStateRecord
	for rows.Next() {
		var (
			rec         domain.NodeStateRecord
			status      string
			outputHash  sql.NullString
			completedAt sql.NullTime
			durationMS  sql.NullFloat64
			detail      []byte
		)
		err := rows.Scan(&rec.StateID, &rec.RunID, &rec.TokenID, &rec.NodeID, &rec.Step, &rec.Attempt, &status,
			&rec.InputHash, &outputHash, &rec.StartedAt, &completedAt, &durationMS, &detail)
		if err != nil {
			return nil, fmt.Errorf("scan node state: %w", err)
		}
		rec.Status = domain.NodeStateStatus(status)
		if outputHash.Valid {
			rec.OutputHash = &outputHash.String
		}
		if completedAt.Valid {
			rec.CompletedAt = &completedAt.Time
		}
		if durationMS.Valid {
			rec.DurationMS = &durationMS.Float64
		}
		if detail != nil {
			var fd domain.FailureDetail
			if err := json.Unmarshal(detail, &fd); err != nil {
				return nil, fmt.Errorf("decode error of node state %s: %w", rec.StateID, err)
			}
			rec.Error = &fd
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ListTokenOutcomes returns the run's outcomes in recording order.
func (r *Recorder) ListTokenOutcomes(ctx context.Context, runID string) ([]domain.TokenOutcomeRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT token_id, row_id, node_id, kind, data FROM rowflow_token_outcomes WHERE run_id = $1 ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("list outcomes: %w", err)
	}
	defer rows.Close()

	var out []domain.TokenOutcomeRecord
	for rows.Next() {
		var (
			rec  = domain.TokenOutcomeRecord{RunID: runID}
			kind string
			data []byte
		)
		if err := rows.Scan(&rec.TokenID, &rec.RowID, &rec.NodeID, &kind, &data); err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		rec.Outcome, err = domain.DecodeOutcome(domain.EncodedOutcome{Kind: domain.OutcomeKind(kind), Data: data})
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *Recorder) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func expectOne(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, domain.ErrNotFound)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
