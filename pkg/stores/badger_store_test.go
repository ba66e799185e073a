package stores

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stagehand/stagehand/pkg/engine"
	"github.com/stagehand/stagehand/pkg/engine/storetest"
)

func setupBadgerStore(t *testing.T) *BadgerStore {
	t.Helper()
	store, err := NewBadgerStore(BadgerConfig{InMemory: true})
	require.NoError(t, err)
	require.NoError(t, store.Init(context.Background()))
	require.NoError(t, store.Migrate(context.Background()))
	return store
}

func TestBadgerStore_Checkpoints(t *testing.T) {
	storetest.Run(t, func(t *testing.T) engine.CheckpointStore { return setupBadgerStore(t) })
}

func TestBadgerStore_Journal(t *testing.T) {
	runJournalSuite(t, func(t *testing.T) Backend { return setupBadgerStore(t) })
}

// TestBadgerStore_Persistent verifies checkpoints and journal ids survive a reopen.
func TestBadgerStore_Persistent(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	cfg := DefaultBadgerConfig(dir)
	cfg.SyncWrites = false
	cfg.GCInterval = 0

	store, err := NewBadgerStore(cfg)
	require.NoError(t, err)
	require.NoError(t, store.Init(ctx))

	cp := storetest.Checkpoint(t, "exec-1", "vm-1", engine.StatusMonitoring, testTime)
	_, err = store.Put(ctx, cp, 0)
	require.NoError(t, err)
	first := &Event{ExecutionID: "exec-1", ToStatus: engine.StatusMonitoring, Level: EventLevelInfo, Message: "stage 1"}
	require.NoError(t, store.AppendEvent(ctx, first))
	require.NoError(t, store.Close())

	reopened, err := NewBadgerStore(cfg)
	require.NoError(t, err)
	require.NoError(t, reopened.Init(ctx))
	defer reopened.Close()

	got, err := reopened.Get(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)
	assert.Equal(t, engine.StatusMonitoring, got.Status)
	assert.True(t, got.CreatedAt.Equal(testTime))

	second := &Event{ExecutionID: "exec-1", ToStatus: engine.StatusCompleted, Level: EventLevelInfo, Message: "done"}
	require.NoError(t, reopened.AppendEvent(ctx, second))
	assert.Greater(t, second.ID, first.ID)

	events, err := reopened.ListEvents(ctx, "exec-1", 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, engine.StatusCompleted, events[1].ToStatus)
}

func TestBadgerStore_CreatedAtFixedOnUpdate(t *testing.T) {
	store := setupBadgerStore(t)
	defer store.Close()
	ctx := context.Background()

	_, err := store.Put(ctx, storetest.Checkpoint(t, "exec-1", "vm-1", engine.StatusPending, testTime), 0)
	require.NoError(t, err)
	later := storetest.Checkpoint(t, "exec-1", "vm-1", engine.StatusValidating, testTime.Add(1e9))
	_, err = store.Put(ctx, later, 1)
	require.NoError(t, err)

	got, err := store.Get(ctx, "exec-1")
	require.NoError(t, err)
	assert.True(t, got.CreatedAt.Equal(testTime))
	assert.Equal(t, engine.StatusValidating, got.Status)
}

func TestBadgerStore_NotInitialized(t *testing.T) {
	store, err := NewBadgerStore(BadgerConfig{InMemory: true})
	require.NoError(t, err)

	_, err = store.Get(context.Background(), "x")
	assert.Error(t, err)
	assert.Error(t, store.HealthCheck(context.Background()))
	assert.NoError(t, store.Close())

	_, err = NewBadgerStore(BadgerConfig{})
	assert.Error(t, err)
}
