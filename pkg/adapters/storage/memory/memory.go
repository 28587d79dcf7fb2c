package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/aescanero/rowflow/pkg/domain"
)

// CheckpointStore implements ports.CheckpointStore using an in-memory map.
// Only the latest checkpoint of each run is kept.
type CheckpointStore struct {
	checkpoints map[string]domain.Checkpoint
	mu          sync.RWMutex
}

// NewCheckpointStore creates a new in-memory checkpoint store
func NewCheckpointStore() *CheckpointStore {
	return &CheckpointStore{
		checkpoints: make(map[string]domain.Checkpoint),
	}
}

// Save replaces the run's checkpoint. Older sequence numbers are ignored.
func (s *CheckpointStore) Save(ctx context.Context, cp domain.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if current, ok := s.checkpoints[cp.RunID]; ok && current.SequenceNumber > cp.SequenceNumber {
		return nil
	}
	s.checkpoints[cp.RunID] = cp
	return nil
}

// Load returns the latest checkpoint of a run
func (s *CheckpointStore) Load(ctx context.Context, runID string) (domain.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cp, ok := s.checkpoints[runID]
	if !ok {
		return domain.Checkpoint{}, fmt.Errorf("checkpoint of run %s: %w", runID, domain.ErrNotFound)
	}
	return cp, nil
}

// Delete removes the checkpoint of a run
func (s *CheckpointStore) Delete(ctx context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.checkpoints, runID)
	return nil
}

// List returns the ids of runs that have a checkpoint
func (s *CheckpointStore) List(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runIDs := make([]string, 0, len(s.checkpoints))
	for id := range s.checkpoints {
		runIDs = append(runIDs, id)
	}
	sort.Strings(runIDs)
	return runIDs, nil
}
