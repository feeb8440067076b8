package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcclowes/reqon/pkg/execution"
)

func seededStore(t *testing.T) (*InMemoryStore, context.Context) {
	t.Helper()
	store := NewInMemoryStore()
	ctx := context.Background()

	base := time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC)
	for i, spec := range []struct {
		id      string
		mission string
		status  execution.Status
	}{
		{"exec_a1_00000001", "crm-sync", execution.StatusCompleted},
		{"exec_a2_00000002", "crm-sync", execution.StatusFailed},
		{"exec_a3_00000003", "billing-sync", execution.StatusRunning},
		{"exec_a4_00000004", "crm-sync", execution.StatusPaused},
	} {
		state := sampleState(spec.id, spec.mission, base.Add(time.Duration(i)*time.Minute))
		state.Status = spec.status
		require.NoError(t, store.Save(ctx, state))
	}
	return store, ctx
}

func TestInMemoryStoreSaveLoad(t *testing.T) {
	store, ctx := seededStore(t)

	state, err := store.Load(ctx, "exec_a1_00000001")
	require.NoError(t, err)
	assert.Equal(t, "crm-sync", state.Mission)

	_, err = store.Load(ctx, "exec_missing")
	assert.ErrorIs(t, err, ErrExecutionNotFound)
}

func TestInMemoryStoreIsolatesCallers(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()
	original := sampleState("exec_iso_00000001", "crm-sync", time.Now().UTC())
	require.NoError(t, store.Save(ctx, original))

	// Mutating the saved value must not affect the stored copy.
	original.Status = execution.StatusCompleted
	original.Stages[0].Error = "tampered"

	loaded, err := store.Load(ctx, "exec_iso_00000001")
	require.NoError(t, err)
	assert.Equal(t, execution.StatusFailed, loaded.Status)
	assert.Empty(t, loaded.Stages[0].Error)

	// Mutating a loaded value must not affect later loads.
	loaded.Stages[0].Error = "tampered again"
	reloaded, err := store.Load(ctx, "exec_iso_00000001")
	require.NoError(t, err)
	assert.Empty(t, reloaded.Stages[0].Error)
}

func TestInMemoryStoreListByMission(t *testing.T) {
	store, ctx := seededStore(t)

	states, err := store.ListByMission(ctx, "crm-sync")
	require.NoError(t, err)
	require.Len(t, states, 3)
	// Newest first.
	assert.Equal(t, "exec_a4_00000004", states[0].ID)
	assert.Equal(t, "exec_a2_00000002", states[1].ID)
	assert.Equal(t, "exec_a1_00000001", states[2].ID)
}

func TestInMemoryStoreListRecent(t *testing.T) {
	store, ctx := seededStore(t)

	states, err := store.ListRecent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, states, 2)
	assert.Equal(t, "exec_a4_00000004", states[0].ID)
	assert.Equal(t, "exec_a3_00000003", states[1].ID)

	all, err := store.ListRecent(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestInMemoryStoreDelete(t *testing.T) {
	store, ctx := seededStore(t)

	require.NoError(t, store.Delete(ctx, "exec_a1_00000001"))
	_, err := store.Load(ctx, "exec_a1_00000001")
	assert.ErrorIs(t, err, ErrExecutionNotFound)

	assert.ErrorIs(t, store.Delete(ctx, "exec_a1_00000001"), ErrExecutionNotFound)
}

func TestInMemoryStoreFindLatest(t *testing.T) {
	store, ctx := seededStore(t)

	state, err := store.FindLatest(ctx, "crm-sync")
	require.NoError(t, err)
	assert.Equal(t, "exec_a4_00000004", state.ID)

	_, err = store.FindLatest(ctx, "unknown-mission")
	assert.ErrorIs(t, err, ErrExecutionNotFound)
}

func TestInMemoryStoreFindResumable(t *testing.T) {
	store, ctx := seededStore(t)

	states, err := store.FindResumable(ctx, "crm-sync")
	require.NoError(t, err)
	require.Len(t, states, 2)
	// Failed and paused only, newest first.
	assert.Equal(t, "exec_a4_00000004", states[0].ID)
	assert.Equal(t, "exec_a2_00000002", states[1].ID)

	states, err = store.FindResumable(ctx, "billing-sync")
	require.NoError(t, err)
	assert.Empty(t, states)
}

func TestInMemoryStoreCheckpoints(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	_, err := store.GetCheckpoint(ctx, "crm:GET:/contacts")
	assert.ErrorIs(t, err, ErrCheckpointNotFound)

	cp := execution.SyncCheckpoint{
		Key:          "crm:GET:/contacts",
		Source:       "crm",
		LastSyncedAt: time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC),
		RecordCount:  250,
		UpdatedAt:    time.Date(2026, 1, 15, 10, 0, 1, 0, time.UTC),
	}
	require.NoError(t, store.PutCheckpoint(ctx, cp))

	got, err := store.GetCheckpoint(ctx, cp.Key)
	require.NoError(t, err)
	assert.Equal(t, cp, got)

	require.NoError(t, store.PutCheckpoint(ctx, execution.SyncCheckpoint{Key: "billing:GET:/invoices", Source: "billing"}))
	all, err := store.ListCheckpoints(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "billing:GET:/invoices", all[0].Key)
	assert.Equal(t, "crm:GET:/contacts", all[1].Key)

	require.NoError(t, store.DeleteCheckpoint(ctx, cp.Key))
	_, err = store.GetCheckpoint(ctx, cp.Key)
	assert.ErrorIs(t, err, ErrCheckpointNotFound)
}

func TestPersistenceDefaulted(t *testing.T) {
	p := Persistence{}.Defaulted()
	require.NotNil(t, p.Executions)
	require.NotNil(t, p.Checkpoints)
	require.NotNil(t, p.Events)

	// Executions and checkpoints share one backing store by default.
	assert.Same(t, p.Executions, p.Checkpoints)
}
