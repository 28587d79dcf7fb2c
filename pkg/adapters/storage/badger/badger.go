// Package badger stores run checkpoints in an embedded Badger database,
// for single-node deployments without Redis.
package badger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/aescanero/rowflow/pkg/domain"
)

const keyPrefix = "checkpoint:"

// CheckpointStore implements ports.CheckpointStore on Badger.
type CheckpointStore struct {
	db     *badger.DB
	ttl    time.Duration
	logger *zap.Logger
}

// Open opens (or creates) a Badger database at dir. An empty dir opens an
// in-memory database.
func Open(dir string) (*badger.DB, error) {
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger at %q: %w", dir, err)
	}
	return db, nil
}

// NewCheckpointStore wraps an open database. The caller closes db.
func NewCheckpointStore(db *badger.DB, ttl time.Duration, logger *zap.Logger) *CheckpointStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CheckpointStore{db: db, ttl: ttl, logger: logger}
}

// Save writes the checkpoint unless a newer one is already stored.
func (s *CheckpointStore) Save(ctx context.Context, cp domain.Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	stale := false
	err = s.db.Update(func(txn *badger.Txn) error {
		current, err := get(txn, cp.RunID)
		switch {
		case err == nil && current.SequenceNumber > cp.SequenceNumber:
			stale = true
			return nil
		case err != nil && !errors.Is(err, domain.ErrNotFound):
			return err
		}

		entry := badger.NewEntry(key(cp.RunID), data)
		if s.ttl > 0 {
			entry = entry.WithTTL(s.ttl)
		}
		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	if stale {
		s.logger.Debug("stale checkpoint ignored", zap.String("run_id", cp.RunID), zap.Int64("sequence", cp.SequenceNumber))
	}
	return nil
}

// Load returns the latest checkpoint of a run.
func (s *CheckpointStore) Load(ctx context.Context, runID string) (domain.Checkpoint, error) {
	var cp domain.Checkpoint
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		cp, err = get(txn, runID)
		return err
	})
	return cp, err
}

func (s *CheckpointStore) Delete(ctx context.Context, runID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key(runID))
	})
}

// List returns the ids of runs that have a checkpoint, in key order.
func (s *CheckpointStore) List(ctx context.Context) ([]string, error) {
	var runIDs []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			runIDs = append(runIDs, string(it.Item().Key()[len(keyPrefix):]))
		}
		return nil
	})
	return runIDs, err
}

func get(txn *badger.Txn, runID string) (domain.Checkpoint, error) {
	item, err := txn.Get(key(runID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return domain.Checkpoint{}, fmt.Errorf("checkpoint of run %s: %w", runID, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Checkpoint{}, err
	}

	var cp domain.Checkpoint
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &cp)
	})
	if err != nil {
		return domain.Checkpoint{}, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	return cp, nil
}

func key(runID string) []byte {
	return []byte(keyPrefix + runID)
}
