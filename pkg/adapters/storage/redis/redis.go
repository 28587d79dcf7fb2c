package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/aescanero/rowflow/pkg/domain"
)

const keyPrefix = "rowflow:checkpoint:"

// saveScript writes the checkpoint unless the stored one has a higher
// sequence number. KEYS[1] holds the checkpoint JSON, KEYS[2] its sequence.
var saveScript = redis.NewScript(`
local current = redis.call("GET", KEYS[2])
if current and tonumber(current) > tonumber(ARGV[2]) then
  return 0
end
local ttl = tonumber(ARGV[3])
if ttl > 0 then
  redis.call("SET", KEYS[1], ARGV[1], "PX", ttl)
  redis.call("SET", KEYS[2], ARGV[2], "PX", ttl)
else
  redis.call("SET", KEYS[1], ARGV[1])
  redis.call("SET", KEYS[2], ARGV[2])
end
return 1
`)

// CheckpointStore implements ports.CheckpointStore using Redis
type CheckpointStore struct {
	client redis.UniversalClient
	logger *zap.Logger
	ttl    time.Duration
}

// NewCheckpointStore creates a new Redis checkpoint store. A zero ttl
// keeps checkpoints until they are deleted.
func NewCheckpointStore(client redis.UniversalClient, ttl time.Duration, logger *zap.Logger) *CheckpointStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CheckpointStore{
		client: client,
		logger: logger,
		ttl:    ttl,
	}
}

// Save persists the checkpoint of a run. A checkpoint older than the stored
// one is ignored.
func (s *CheckpointStore) Save(ctx context.Context, cp domain.Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	keys := []string{checkpointKey(cp.RunID), sequenceKey(cp.RunID)}
	written, err := saveScript.Run(ctx, s.client, keys, data, cp.SequenceNumber, s.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	if written == 0 {
		s.logger.Debug("stale checkpoint ignored",
			zap.String("run_id", cp.RunID),
			zap.Int64("sequence", cp.SequenceNumber))
		return nil
	}

	s.logger.Debug("checkpoint saved",
		zap.String("run_id", cp.RunID),
		zap.String("checkpoint_id", cp.CheckpointID),
		zap.Int64("sequence", cp.SequenceNumber))
	return nil
}

// Load retrieves the latest checkpoint of a run
func (s *CheckpointStore) Load(ctx context.Context, runID string) (domain.Checkpoint, error) {
	data, err := s.client.Get(ctx, checkpointKey(runID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Checkpoint{}, fmt.Errorf("checkpoint of run %s: %w", runID, domain.ErrNotFound)
		}
		return domain.Checkpoint{}, fmt.Errorf("failed to get checkpoint: %w", err)
	}

	var cp domain.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return domain.Checkpoint{}, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	return cp, nil
}

// Delete removes the checkpoint of a run
func (s *CheckpointStore) Delete(ctx context.Context, runID string) error {
	if err := s.client.Del(ctx, checkpointKey(runID), sequenceKey(runID)).Err(); err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	s.logger.Debug("checkpoint deleted", zap.String("run_id", runID))
	return nil
}

// List returns the ids of runs that have a checkpoint
func (s *CheckpointStore) List(ctx context.Context) ([]string, error) {
	var (
		cursor uint64
		runIDs []string
	)
	for {
		batch, next, err := s.client.Scan(ctx, cursor, keyPrefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan keys: %w", err)
		}
		for _, key := range batch {
			id := strings.TrimPrefix(key, keyPrefix)
			if strings.HasSuffix(id, ":seq") {
				continue
			}
			runIDs = append(runIDs, id)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	sort.Strings(runIDs)
	return runIDs, nil
}

func checkpointKey(runID string) string {
	return keyPrefix + runID
}

func sequenceKey(runID string) string {
	return keyPrefix + runID + ":seq"
}
