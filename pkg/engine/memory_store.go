package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore is a CheckpointStore kept in process memory. It is used in
// tests and for dry-run only deployments; checkpoints do not survive a restart.
type MemoryStore struct {
	mu          sync.RWMutex
	checkpoints map[string]*Checkpoint
	closed      bool
}

// NewMemoryStore creates an empty in-memory checkpoint store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{checkpoints: make(map[string]*Checkpoint)}
}

// Put implements CheckpointStore.
func (s *MemoryStore) Put(_ context.Context, cp *Checkpoint, expectedVersion int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, fmt.Errorf("checkpoint store is closed")
	}

	var current int64
	if existing, ok := s.checkpoints[cp.ExecutionID]; ok {
		current = existing.Version
	}
	if current != expectedVersion {
		return 0, NewCheckpointConflictError(cp.ExecutionID, expectedVersion, current)
	}

	stored := copyCheckpoint(cp)
	stored.Version = expectedVersion + 1
	s.checkpoints[cp.ExecutionID] = stored
	return stored.Version, nil
}

// Get implements CheckpointStore.
func (s *MemoryStore) Get(_ context.Context, executionID string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cp, ok := s.checkpoints[executionID]
	if !ok {
		return nil, NewPermanentError("checkpoint not found", nil).
			WithCode(ErrCodeNotFound).
			WithResource(executionID)
	}
	return copyCheckpoint(cp), nil
}

// List implements CheckpointStore.
func (s *MemoryStore) List(_ context.Context, filter CheckpointFilter) ([]*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Checkpoint
	for _, cp := range s.checkpoints {
		if filter.Matches(cp) {
			out = append(out, copyCheckpoint(cp))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ExecutionID < out[j].ExecutionID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Close implements CheckpointStore.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func copyCheckpoint(cp *Checkpoint) *Checkpoint {
	out := *cp
	out.State = append([]byte(nil), cp.State...)
	return &out
}
