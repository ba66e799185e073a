// Package storetest provides a conformance suite for engine.CheckpointStore
// implementations.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stagehand/stagehand/pkg/engine"
)

// Factory creates an empty store for one subtest. The suite closes it.
type Factory func(t *testing.T) engine.CheckpointStore

// Run exercises the CheckpointStore contract against stores built by factory.
func Run(t *testing.T, factory Factory) {
	t.Run("PutAndGet", func(t *testing.T) { testPutAndGet(t, factory(t)) })
	t.Run("OptimisticVersioning", func(t *testing.T) { testOptimisticVersioning(t, factory(t)) })
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, factory(t)) })
	t.Run("ListFilters", func(t *testing.T) { testListFilters(t, factory(t)) })
	t.Run("ConcurrentWriters", func(t *testing.T) { testConcurrentWriters(t, factory(t)) })
}

// Checkpoint builds a checkpoint for an execution in the given state.
func Checkpoint(t *testing.T, id, target string, status engine.ExecutionStatus, created time.Time) *engine.Checkpoint {
	t.Helper()
	exec := &engine.Execution{
		ID:         id,
		ProposalID: "prop-" + id,
		Proposal: &engine.Proposal{
			ID:               "prop-" + id,
			ActionType:       engine.ActionRightsize,
			TargetResourceID: target,
			RiskLevel:        engine.RiskLow,
		},
		Status:    status,
		CreatedAt: created.UTC(),
		UpdatedAt: created.UTC(),
	}
	cp, err := engine.NewCheckpoint(exec)
	if err != nil {
		t.Fatalf("Failed to build checkpoint: %v", err)
	}
	return cp
}

func testPutAndGet(t *testing.T, store engine.CheckpointStore) {
	defer store.Close()
	ctx := context.Background()

	cp := Checkpoint(t, "exec-1", "vm-1", engine.StatusPending, time.Now())
	version, err := store.Put(ctx, cp, 0)
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if version != 1 {
		t.Errorf("Expected version 1, got %d", version)
	}

	got, err := store.Get(ctx, "exec-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Version != 1 || got.Status != engine.StatusPending || got.TargetResourceID != "vm-1" || !got.Active {
		t.Errorf("Unexpected checkpoint: %+v", got)
	}
	exec, err := got.Execution()
	if err != nil {
		t.Fatalf("Failed to decode execution: %v", err)
	}
	if exec.Proposal.TargetResourceID != "vm-1" || exec.Version != 1 {
		t.Errorf("Unexpected decoded execution: %+v", exec)
	}
}

func testOptimisticVersioning(t *testing.T, store engine.CheckpointStore) {
	defer store.Close()
	ctx := context.Background()

	cp := Checkpoint(t, "exec-2", "vm-2", engine.StatusPending, time.Now())
	if _, err := store.Put(ctx, cp, 0); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if _, err := store.Put(ctx, cp, 0); !engine.HasCode(err, engine.ErrCodeCheckpointConflict) {
		t.Errorf("Expected CHECKPOINT_CONFLICT recreating a checkpoint, got %v", err)
	}

	next := Checkpoint(t, "exec-2", "vm-2", engine.StatusValidating, time.Now())
	version, err := store.Put(ctx, next, 1)
	if err != nil {
		t.Fatalf("Put at version 1 failed: %v", err)
	}
	if version != 2 {
		t.Errorf("Expected version 2, got %d", version)
	}
	if _, err := store.Put(ctx, next, 1); !engine.HasCode(err, engine.ErrCodeCheckpointConflict) {
		t.Errorf("Expected CHECKPOINT_CONFLICT for stale version, got %v", err)
	}
	if !engine.IsConflict(mustConflict(ctx, store, next)) {
		t.Error("Expected checkpoint conflicts to be classified as conflicts")
	}

	got, err := store.Get(ctx, "exec-2")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != engine.StatusValidating || got.Version != 2 {
		t.Errorf("Expected validating@2, got %s@%d", got.Status, got.Version)
	}
}

func mustConflict(ctx context.Context, store engine.CheckpointStore, cp *engine.Checkpoint) error {
	_, err := store.Put(ctx, cp, 99)
	return err
}

func testGetMissing(t *testing.T, store engine.CheckpointStore) {
	defer store.Close()
	_, err := store.Get(context.Background(), "missing")
	if !engine.HasCode(err, engine.ErrCodeNotFound) {
		t.Errorf("Expected NOT_FOUND, got %v", err)
	}
}

func testListFilters(t *testing.T, store engine.CheckpointStore) {
	defer store.Close()
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	seed := []*engine.Checkpoint{
		Checkpoint(t, "exec-c", "vm-a", engine.StatusExecuting, base.Add(3*time.Second)),
		Checkpoint(t, "exec-a", "vm-a", engine.StatusCompleted, base.Add(1*time.Second)),
		Checkpoint(t, "exec-b", "vm-b", engine.StatusAwaitingApproval, base.Add(2*time.Second)),
		Checkpoint(t, "exec-d", "vm-a", engine.StatusPending, base.Add(4*time.Second)),
	}
	for _, cp := range seed {
		if _, err := store.Put(ctx, cp, 0); err != nil {
			t.Fatalf("Put(%s) failed: %v", cp.ExecutionID, err)
		}
	}

	tests := []struct {
		name   string
		filter engine.CheckpointFilter
		want   []string
	}{
		{name: "all in creation order", filter: engine.CheckpointFilter{}, want: []string{"exec-a", "exec-b", "exec-c", "exec-d"}},
		{name: "active on target", filter: engine.CheckpointFilter{TargetResourceID: "vm-a", ActiveOnly: true}, want: []string{"exec-c", "exec-d"}},
		{name: "by status", filter: engine.CheckpointFilter{Statuses: []engine.ExecutionStatus{engine.StatusCompleted, engine.StatusAwaitingApproval}}, want: []string{"exec-a", "exec-b"}},
		{name: "limit", filter: engine.CheckpointFilter{Limit: 2}, want: []string{"exec-a", "exec-b"}},
		{name: "no match", filter: engine.CheckpointFilter{TargetResourceID: "vm-z"}, want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.List(ctx, tt.filter)
			if err != nil {
				t.Fatalf("List failed: %v", err)
			}
			ids := make([]string, 0, len(got))
			for _, cp := range got {
				ids = append(ids, cp.ExecutionID)
			}
			if fmt.Sprint(ids) != fmt.Sprint(append([]string{}, tt.want...)) {
				t.Errorf("Expected %v, got %v", tt.want, ids)
			}
		})
	}
}

func testConcurrentWriters(t *testing.T, store engine.CheckpointStore) {
	defer store.Close()
	ctx := context.Background()

	cp := Checkpoint(t, "exec-race", "vm-r", engine.StatusPending, time.Now())
	if _, err := store.Put(ctx, cp, 0); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	const writers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	next := Checkpoint(t, "exec-race", "vm-r", engine.StatusValidating, time.Now())
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.Put(ctx, next, 1); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("Expected exactly one writer to win version 2, got %d", wins)
	}
}
