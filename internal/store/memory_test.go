package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rollgate/rollgate/internal/interfaces"
)

func testMetadata(attemptID string, handle interfaces.BackendHandle) *interfaces.AttemptMetadata {
	now := time.Now().UTC().Truncate(time.Second)
	return &interfaces.AttemptMetadata{
		AttemptID:        attemptID,
		BackendHandle:    handle,
		TargetVersionRef: "app:2.0.0",
		Strategy:         interfaces.StrategyCanary5m,
		State:            interfaces.StatePending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

func TestMemoryStoreAttemptLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryStore()

	meta := testMetadata("ro-memory-1", "mock")
	require.NoError(t, store.CreateAttempt(ctx, meta))

	t.Run("GetReturnsCopy", func(t *testing.T) {
		t.Parallel()
		got, err := store.GetAttempt(ctx, "ro-memory-1")
		require.NoError(t, err)
		assert.Equal(t, meta.AttemptID, got.AttemptID)
		assert.Equal(t, meta.BackendHandle, got.BackendHandle)
		assert.Equal(t, meta.TargetVersionRef, got.TargetVersionRef)

		// Mutating the returned copy must not touch stored state
		got.State = interfaces.StateFailed
		again, err := store.GetAttempt(ctx, "ro-memory-1")
		require.NoError(t, err)
		assert.Equal(t, interfaces.StatePending, again.State)
	})

	t.Run("UpdateState", func(t *testing.T) {
		t.Parallel()
		updStore := NewMemoryStore()
		require.NoError(t, updStore.CreateAttempt(ctx, testMetadata("ro-update", "mock")))

		require.NoError(t, updStore.UpdateAttemptState(ctx, "ro-update", interfaces.StateDeploying))

		got, err := updStore.GetAttempt(ctx, "ro-update")
		require.NoError(t, err)
		assert.Equal(t, interfaces.StateDeploying, got.State)
		assert.False(t, got.UpdatedAt.Before(got.CreatedAt))

		err = updStore.UpdateAttemptState(ctx, "ro-missing", interfaces.StateDeploying)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not found")
	})

	t.Run("ListAndDelete", func(t *testing.T) {
		t.Parallel()
		listStore := NewMemoryStore()
		require.NoError(t, listStore.CreateAttempt(ctx, testMetadata("ro-list-1", "mock")))
		require.NoError(t, listStore.CreateAttempt(ctx, testMetadata("ro-list-2", "mock")))

		attempts, err := listStore.ListAttempts(ctx)
		require.NoError(t, err)
		assert.Len(t, attempts, 2)

		require.NoError(t, listStore.DeleteAttempt(ctx, "ro-list-1"))
		_, err = listStore.GetAttempt(ctx, "ro-list-1")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not found")
	})

	t.Run("Validation", func(t *testing.T) {
		t.Parallel()
		err := store.CreateAttempt(ctx, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "attempt ID is required")

		err = store.CreateAttempt(ctx, &interfaces.AttemptMetadata{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "attempt ID is required")
	})
}

func TestMemoryStoreRecords(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryStore()

	record := []byte(`{"id":"ro-rec-1","state":"STABLE"}`)
	require.NoError(t, store.SaveAttemptRecord(ctx, "ro-rec-1", record))

	// Mutating the caller's slice must not touch stored bytes
	record[0] = 'X'

	loaded, err := store.LoadAttemptRecord(ctx, "ro-rec-1")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"id":"ro-rec-1","state":"STABLE"}`), loaded)

	_, err = store.LoadAttemptRecord(ctx, "ro-rec-missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")

	require.NoError(t, store.DeleteAttemptRecord(ctx, "ro-rec-1"))
	_, err = store.LoadAttemptRecord(ctx, "ro-rec-1")
	require.Error(t, err)

	err = store.SaveAttemptRecord(ctx, "", record)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "attempt ID is required")
}

func TestMemoryStoreBackendLock(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryStore()
	handle := interfaces.BackendHandle("task-fleet:prod/web")

	lock, err := store.LockBackend(ctx, handle)
	require.NoError(t, err)
	assert.NotEmpty(t, lock.ID())
	assert.Equal(t, handle, lock.BackendHandle())
	assert.False(t, lock.CreatedAt().IsZero())

	// Second claim while held must fail
	_, err = store.LockBackend(ctx, handle)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already locked")

	// A different backend is independent
	other, err := store.LockBackend(ctx, "task-fleet:prod/api")
	require.NoError(t, err)
	require.NoError(t, other.Release())

	require.NoError(t, lock.Release())

	// Released lock frees the backend
	again, err := store.LockBackend(ctx, handle)
	require.NoError(t, err)

	// Releasing a stale lock reports it as no longer held
	err = lock.Release()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no longer held")

	require.NoError(t, again.Release())
}

func TestMemoryStoreStorageInfo(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.CreateAttempt(ctx, testMetadata("ro-info-1", "mock")))
	require.NoError(t, store.CreateAttempt(ctx, testMetadata("ro-info-2", "mock")))
	require.NoError(t, store.SaveAttemptRecord(ctx, "ro-info-1", []byte(`{"a":1}`)))

	require.NoError(t, store.Ping(ctx))

	info := store.GetStorageInfo()
	assert.Equal(t, "memory", info.Type)
	assert.True(t, info.Exists)
	assert.True(t, info.Writable)
	assert.Equal(t, 2, info.AttemptCount)
	assert.Equal(t, int64(len(`{"a":1}`)), info.TotalSizeBytes)
}
