package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rollgate/rollgate/internal/interfaces"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	tempDir, err := os.MkdirTemp("", "rollgate_sqlite_*")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(tempDir) })

	store, err := NewSQLiteStore(tempDir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteStoreRequiresDataDir(t *testing.T) {
	t.Parallel()
	_, err := NewSQLiteStore("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "data directory is required")
}

func TestSQLiteStoreAttemptLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestSQLiteStore(t)

	ended := time.Now().UTC().Truncate(time.Second)
	meta := testMetadata("ro-sqlite-1", "task-fleet:prod/web")
	meta.State = interfaces.StateStable
	meta.Outcome = interfaces.OutcomeStable
	meta.EndedAt = &ended
	meta.ErrorMessage = ""

	require.NoError(t, store.CreateAttempt(ctx, meta))

	got, err := store.GetAttempt(ctx, "ro-sqlite-1")
	require.NoError(t, err)
	assert.Equal(t, meta.AttemptID, got.AttemptID)
	assert.Equal(t, meta.BackendHandle, got.BackendHandle)
	assert.Equal(t, meta.TargetVersionRef, got.TargetVersionRef)
	assert.Equal(t, meta.Strategy, got.Strategy)
	assert.Equal(t, interfaces.StateStable, got.State)
	assert.Equal(t, interfaces.OutcomeStable, got.Outcome)
	assert.True(t, meta.CreatedAt.Equal(got.CreatedAt))
	require.NotNil(t, got.EndedAt)
	assert.True(t, ended.Equal(*got.EndedAt))
	assert.Empty(t, got.ErrorMessage)

	_, err = store.GetAttempt(ctx, "ro-sqlite-missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestSQLiteStoreUpsertAndUpdate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestSQLiteStore(t)

	meta := testMetadata("ro-upsert", "mock")
	require.NoError(t, store.CreateAttempt(ctx, meta))

	// Re-saving the same attempt replaces it instead of duplicating
	meta.State = interfaces.StateRollingBack
	meta.ErrorMessage = "critical burn rate"
	require.NoError(t, store.CreateAttempt(ctx, meta))

	attempts, err := store.ListAttempts(ctx)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, interfaces.StateRollingBack, attempts[0].State)
	assert.Equal(t, "critical burn rate", attempts[0].ErrorMessage)

	require.NoError(t, store.UpdateAttemptState(ctx, "ro-upsert", interfaces.StateRolledBack))
	got, err := store.GetAttempt(ctx, "ro-upsert")
	require.NoError(t, err)
	assert.Equal(t, interfaces.StateRolledBack, got.State)

	err = store.UpdateAttemptState(ctx, "ro-missing", interfaces.StateFailed)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestSQLiteStoreListNewestFirst(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestSQLiteStore(t)

	base := time.Now().UTC().Truncate(time.Second)
	for i, id := range []string{"ro-old", "ro-mid", "ro-new"} {
		meta := testMetadata(id, "mock")
		meta.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		meta.UpdatedAt = meta.CreatedAt
		require.NoError(t, store.CreateAttempt(ctx, meta))
	}

	attempts, err := store.ListAttempts(ctx)
	require.NoError(t, err)
	require.Len(t, attempts, 3)
	assert.Equal(t, "ro-new", attempts[0].AttemptID)
	assert.Equal(t, "ro-old", attempts[2].AttemptID)
}

func TestSQLiteStoreRecords(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestSQLiteStore(t)

	record := []byte(`{"id":"ro-rec","state":"STABLE"}`)
	require.NoError(t, store.SaveAttemptRecord(ctx, "ro-rec", record))

	loaded, err := store.LoadAttemptRecord(ctx, "ro-rec")
	require.NoError(t, err)
	assert.Equal(t, record, loaded)

	// Re-save replaces the stored document
	updated := []byte(`{"id":"ro-rec","state":"ROLLED_BACK"}`)
	require.NoError(t, store.SaveAttemptRecord(ctx, "ro-rec", updated))
	loaded, err = store.LoadAttemptRecord(ctx, "ro-rec")
	require.NoError(t, err)
	assert.Equal(t, updated, loaded)

	_, err = store.LoadAttemptRecord(ctx, "ro-rec-missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")

	require.NoError(t, store.DeleteAttemptRecord(ctx, "ro-rec"))
	_, err = store.LoadAttemptRecord(ctx, "ro-rec")
	require.Error(t, err)
}

func TestSQLiteStoreDeleteRemovesRecord(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestSQLiteStore(t)

	require.NoError(t, store.CreateAttempt(ctx, testMetadata("ro-del", "mock")))
	require.NoError(t, store.SaveAttemptRecord(ctx, "ro-del", []byte(`{"state":"FAILED"}`)))

	require.NoError(t, store.DeleteAttempt(ctx, "ro-del"))

	_, err := store.GetAttempt(ctx, "ro-del")
	require.Error(t, err)
	_, err = store.LoadAttemptRecord(ctx, "ro-del")
	require.Error(t, err)
}

func TestSQLiteStoreBackendLock(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestSQLiteStore(t)
	handle := interfaces.BackendHandle("in-place:rollout-group=web")

	lock, err := store.LockBackend(ctx, handle)
	require.NoError(t, err)
	assert.NotEmpty(t, lock.ID())
	assert.Equal(t, handle, lock.BackendHandle())

	_, err = store.LockBackend(ctx, handle)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already locked")

	require.NoError(t, lock.Release())

	// Releasing again reports the lock as gone
	err = lock.Release()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no longer held")

	relock, err := store.LockBackend(ctx, handle)
	require.NoError(t, err)
	require.NoError(t, relock.Release())
}

func TestSQLiteStoreCleanupRemovesStaleLocks(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestSQLiteStore(t)

	// A crashed process leaves its lock row behind
	stale := formatTime(time.Now().Add(-48 * time.Hour))
	_, err := store.db.Exec(
		`INSERT INTO backend_locks (backend_handle, lock_id, created_at) VALUES (?, ?, ?)`,
		"crashed-backend", "sqlite-lock-stale", stale)
	require.NoError(t, err)

	live, err := store.LockBackend(ctx, "live-backend")
	require.NoError(t, err)

	require.NoError(t, store.Cleanup(24*time.Hour))

	// Stale row is gone, so the backend can be locked again
	reclaimed, err := store.LockBackend(ctx, "crashed-backend")
	require.NoError(t, err)
	require.NoError(t, reclaimed.Release())

	// Live lock survived cleanup
	_, err = store.LockBackend(ctx, "live-backend")
	require.Error(t, err)
	require.NoError(t, live.Release())
}

func TestSQLiteStorePersistsAcrossReopen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tempDir, err := os.MkdirTemp("", "rollgate_sqlite_reopen_*")
	require.NoError(t, err)
	defer func() { _ = os.RemoveAll(tempDir) }()

	store, err := NewSQLiteStore(tempDir)
	require.NoError(t, err)
	require.NoError(t, store.CreateAttempt(ctx, testMetadata("ro-persist", "mock")))
	require.NoError(t, store.SaveAttemptRecord(ctx, "ro-persist", []byte(`{"state":"STABLE"}`)))
	require.NoError(t, store.Close())

	reopened, err := NewSQLiteStore(tempDir)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	got, err := reopened.GetAttempt(ctx, "ro-persist")
	require.NoError(t, err)
	assert.Equal(t, "ro-persist", got.AttemptID)

	record, err := reopened.LoadAttemptRecord(ctx, "ro-persist")
	require.NoError(t, err)
	assert.JSONEq(t, `{"state":"STABLE"}`, string(record))
}

func TestSQLiteStoreHealthAndStorageInfo(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestSQLiteStore(t)

	require.NoError(t, store.Ping(ctx))

	require.NoError(t, store.CreateAttempt(ctx, testMetadata("ro-info", "mock")))

	info := store.GetStorageInfo()
	assert.Equal(t, "sqlite", info.Type)
	assert.True(t, info.Exists)
	assert.True(t, info.Writable)
	assert.Equal(t, 1, info.AttemptCount)
	assert.Positive(t, info.TotalSizeBytes)
}
