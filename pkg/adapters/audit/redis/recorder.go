// Package redis records the audit trail in Redis. Each run's keys share a
// hash tag so a run lives on one cluster slot: lists hold rows, tokens,
// edges, routing events and artifacts; hashes hold node states; a stream
// holds token outcomes in recording order.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/aescanero/rowflow/pkg/domain"
)

const prefix = "rowflow:audit:"

// completeStateScript closes an open node state. Returns -1 when the state
// is unknown, 0 when it is already terminal.
var completeStateScript = redis.NewScript(`
local status = redis.call("HGET", KEYS[1], ARGV[1])
if not status then
  return -1
end
if status ~= "open" then
  return 0
end
redis.call("HSET", KEYS[1], ARGV[1], ARGV[2])
redis.call("HSET", KEYS[2], ARGV[1], ARGV[3])
return 1
`)

// addMemberScript appends a batch member if its ordinal is next in line.
var addMemberScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
  return -1
end
if redis.call("LLEN", KEYS[2]) ~= tonumber(ARGV[1]) then
  return 0
end
redis.call("RPUSH", KEYS[2], ARGV[2])
return 1
`)

// Recorder implements ports.Recorder and ports.AuditReader on Redis.
type Recorder struct {
	client redis.UniversalClient
	logger *zap.Logger
}

// NewRecorder creates a Redis audit recorder.
func NewRecorder(client redis.UniversalClient, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{client: client, logger: logger}
}

func runKey(runID, part string) string {
	return prefix + "{" + runID + "}:" + part
}

func batchKey(batchID, part string) string {
	return prefix + "batch:" + batchID + ":" + part
}

func (r *Recorder) BeginRun(ctx context.Context, run domain.RunRecord) error {
	key := runKey(run.RunID, "header")
	existing, err := r.GetRun(ctx, run.RunID)
	switch {
	case err == nil:
		existing.Status = run.Status
		existing.ResumedFrom = run.ResumedFrom
		existing.CompletedAt = nil
		run = existing
	case !errors.Is(err, domain.ErrNotFound):
		return err
	}
	return r.setJSON(ctx, key, run)
}

func (r *Recorder) CompleteRun(ctx context.Context, runID string, status domain.RunStatus, counters domain.RowCounters, at time.Time) error {
	run, err := r.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	run.Status = status
	run.Counters = counters
	run.CompletedAt = &at
	return r.setJSON(ctx, runKey(runID, "header"), run)
}

func (r *Recorder) CreateRow(ctx context.Context, row domain.RowRecord) error {
	return r.push(ctx, runKey(row.RunID, "rows"), row)
}

func (r *Recorder) CreateToken(ctx context.Context, runID string, token domain.Token, at time.Time) error {
	return r.push(ctx, runKey(runID, "tokens"), domain.TokenRecord{Token: token, RunID: runID, CreatedAt: at})
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

// derive writes tokens and edges in one MULTI/EXEC.
func (r *Recorder) derive(ctx context.Context, runID string, children []domain.Token, edges []domain.LineageEdge, at time.Time) error {
	tokens := make([]any, 0, len(children))
	for _, c := range children {
		data, err := json.Marshal(domain.TokenRecord{Token: c, RunID: runID, CreatedAt: at})
		if err != nil {
			return fmt.Errorf("failed to marshal token: %w", err)
		}
		tokens = append(tokens, data)
	}
	links := make([]any, 0, len(edges))
	for _, e := range edges {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("failed to marshal edge: %w", err)
		}
		links = append(links, data)
	}

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if len(tokens) > 0 {
			pipe.RPush(ctx, runKey(runID, "tokens"), tokens...)
		}
		if len(links) > 0 {
			pipe.RPush(ctx, runKey(runID, "edges"), links...)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to record derived tokens: %w", err)
	}
	return nil
}

func (r *Recorder) BeginNodeState(ctx context.Context, state domain.NodeStateOpen) error {
	data, err := json.Marshal(domain.RecordOf(state))
	if err != nil {
		return fmt.Errorf("failed to marshal node state: %w", err)
	}
	created, err := r.client.HSetNX(ctx, runKey(state.RunID, "state_status"), state.StateID, string(domain.NodeStateStatusOpen)).Result()
	if err != nil {
		return fmt.Errorf("failed to open node state: %w", err)
	}
	if !created {
		return fmt.Errorf("node state %s already exists", state.StateID)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, runKey(state.RunID, "states"), state.StateID, data)
		pipe.RPush(ctx, runKey(state.RunID, "state_order"), state.StateID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to open node state: %w", err)
	}
	return nil
}

func (r *Recorder) CompleteNodeState(ctx context.Context, state domain.NodeState) error {
	if err := domain.ValidateTerminal(state); err != nil {
		return err
	}
	rec := domain.RecordOf(state)
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal node state: %w", err)
	}

	keys := []string{runKey(rec.RunID, "state_status"), runKey(rec.RunID, "states")}
	res, err := completeStateScript.Run(ctx, r.client, keys, rec.StateID, string(rec.Status), data).Int()
	if err != nil {
		return fmt.Errorf("failed to complete node state: %w", err)
	}
	switch res {
	case -1:
		return fmt.Errorf("node state %s: %w", rec.StateID, domain.ErrNotFound)
	case 0:
		return fmt.Errorf("node state %s: %w", rec.StateID, domain.ErrNodeStateTerminal)
	}
	return nil
}

func (r *Recorder) RecordTokenOutcome(ctx context.Context, rec domain.TokenOutcomeRecord) error {
	enc, err := domain.EncodeOutcome(rec.Outcome)
	if err != nil {
		return err
	}
	err = r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: runKey(rec.RunID, "outcomes"),
		Values: map[string]any{
			"token_id": rec.TokenID,
			"row_id":   rec.RowID,
			"node_id":  rec.NodeID,
			"kind":     string(enc.Kind),
			"data":     string(enc.Data),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to record outcome: %w", err)
	}
	return nil
}

func (r *Recorder) CreateBatch(ctx context.Context, batch domain.BatchRecord) error {
	return r.setJSON(ctx, batchKey(batch.BatchID, "record"), batch)
}

func (r *Recorder) AddBatchMember(ctx context.Context, batchID, tokenID string, ordinal int) error {
	keys := []string{batchKey(batchID, "record"), batchKey(batchID, "members")}
	res, err := addMemberScript.Run(ctx, r.client, keys, ordinal, tokenID).Int()
	if err != nil {
		return fmt.Errorf("failed to add batch member: %w", err)
	}
	switch res {
	case -1:
		return fmt.Errorf("batch %s: %w", batchID, domain.ErrNotFound)
	case 0:
		return fmt.Errorf("batch %s: member ordinal %d out of sequence", batchID, ordinal)
	}
	return nil
}

func (r *Recorder) UpdateBatchStatus(ctx context.Context, update domain.BatchStatusUpdate) error {
	key := batchKey(update.BatchID, "record")
	var batch domain.BatchRecord
	if err := r.getJSON(ctx, key, &batch); err != nil {
		return fmt.Errorf("batch %s: %w", update.BatchID, err)
	}
	batch.Status = update.Status
	if err := r.setJSON(ctx, key, batch); err != nil {
		return err
	}
	return r.push(ctx, batchKey(update.BatchID, "updates"), update)
}

func (r *Recorder) RecordRoutingEvent(ctx context.Context, event domain.RoutingEvent) error {
	return r.push(ctx, runKey(event.RunID, "routing"), event)
}

func (r *Recorder) RecordArtifact(ctx context.Context, artifact domain.ArtifactRecord) error {
	return r.push(ctx, runKey(artifact.RunID, "artifacts"), artifact)
}

// GetRun implements ports.AuditReader.
func (r *Recorder) GetRun(ctx context.Context, runID string) (domain.RunRecord, error) {
	var run domain.RunRecord
	if err := r.getJSON(ctx, runKey(runID, "header"), &run); err != nil {
		return domain.RunRecord{}, fmt.Errorf("run %s: %w", runID, err)
	}
	return run, nil
}

// ListNodeStates returns the run's node states in the order they opened.
func (r *Recorder) ListNodeStates(ctx context.Context, runID string) ([]domain.NodeStateRecord, error) {
	ids, err := r.client.LRange(ctx, runKey(runID, "state_order"), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list node states: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	values, err := r.client.HMGet(ctx, runKey(runID, "states"), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load node states: %w", err)
	}

	out := make([]domain.NodeStateRecord, 0, len(values))
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%w: node state %s missing", domain.ErrAuditIntegrity, ids[i])
		}
		var rec domain.NodeStateRecord
		if err := json.Unmarshal([]byte(s), &rec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal node state %s: %w", ids[i], err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// ListTokenOutcomes returns the run's outcomes in recording order.
func (r *Recorder) ListTokenOutcomes(ctx context.Context, runID string) ([]domain.TokenOutcomeRecord, error) {
	msgs, err := r.client.XRange(ctx, runKey(runID, "outcomes"), "-", "+").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list outcomes: %w", err)
	}

	out := make([]domain.TokenOutcomeRecord, 0, len(msgs))
	for _, m := range msgs {
		field := func(name string) string {
			s, _ := m.Values[name].(string)
			return s
		}
		outcome, err := domain.DecodeOutcome(domain.EncodedOutcome{
			Kind: domain.OutcomeKind(field("kind")),
			Data: json.RawMessage(field("data")),
		})
		if err != nil {
			return nil, err
		}
		out = append(out, domain.TokenOutcomeRecord{
			RunID:   runID,
			TokenID: field("token_id"),
			RowID:   field("row_id"),
			NodeID:  field("node_id"),
			Outcome: outcome,
		})
	}
	return out, nil
}

func (r *Recorder) setJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	if err := r.client.Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

func (r *Recorder) getJSON(ctx context.Context, key string, v any) error {
	data, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", key, err)
	}
	return json.Unmarshal(data, v)
}

func (r *Recorder) push(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s entry: %w", key, err)
	}
	if err := r.client.RPush(ctx, key, data).Err(); err != nil {
		return fmt.Errorf("failed to append to %s: %w", key, err)
	}
	return nil
}
