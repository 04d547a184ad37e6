package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/rollgate/rollgate/internal/interfaces"
	"github.com/rollgate/rollgate/internal/utils/fsutil"
)

const (
	sqliteDriverName = "sqlite"
	sqliteDBName     = "rollgate.db"

	// Fixed-width fraction keeps lexicographic order equal to time order,
	// so ORDER BY and range comparisons work on the TEXT columns
	sqliteTimeFormat = "2006-01-02T15:04:05.000000000Z07:00"
)

// SQLiteStore persists attempts in a single-file SQLite database. Suited to
// single-node servers that want queryable history without external
// infrastructure.
type SQLiteStore struct {
	db     *sql.DB
	dbFile string
}

// NewSQLiteStore opens (or creates) the attempt database under dataDir
func NewSQLiteStore(dataDir string) (*SQLiteStore, error) {
	if dataDir == "" {
		return nil, fmt.Errorf("data directory is required")
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbFile := filepath.Join(dataDir, sqliteDBName)
	database, err := sql.Open(sqliteDriverName, dbFile)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := database.Ping(); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := database.Exec("PRAGMA foreign_keys = ON"); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := database.Exec("PRAGMA journal_mode = WAL"); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("failed to set journal mode: %w", err)
	}
	if _, err := database.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	store := &SQLiteStore{db: database, dbFile: dbFile}
	if err := store.createSchema(); err != nil {
		_ = database.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS attempts (
    attempt_id TEXT PRIMARY KEY,            -- Controller-minted ID (ro-<uuid>)
    backend_handle TEXT NOT NULL,           -- Backend the attempt ran against
    target_version_ref TEXT NOT NULL,
    strategy TEXT NOT NULL,
    state TEXT NOT NULL,
    outcome TEXT,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    ended_at TEXT,
    error_message TEXT
);

CREATE INDEX IF NOT EXISTS idx_attempts_backend_handle ON attempts(backend_handle);
CREATE INDEX IF NOT EXISTS idx_attempts_state ON attempts(state);
CREATE INDEX IF NOT EXISTS idx_attempts_created_at ON attempts(created_at);

CREATE TABLE IF NOT EXISTS attempt_records (
    attempt_id TEXT PRIMARY KEY,
    record JSON NOT NULL,                   -- Full serialized attempt record
    saved_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS backend_locks (
    backend_handle TEXT PRIMARY KEY,
    lock_id TEXT NOT NULL,
    created_at TEXT NOT NULL
);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close closes the underlying database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeFormat)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// CreateAttempt upserts attempt metadata
func (s *SQLiteStore) CreateAttempt(ctx context.Context, meta *interfaces.AttemptMetadata) error {
	if meta == nil || meta.AttemptID == "" {
		return fmt.Errorf("attempt ID is required")
	}

	var endedAt sql.NullString
	if meta.EndedAt != nil {
		endedAt = sql.NullString{String: formatTime(*meta.EndedAt), Valid: true}
	}

	query := `
        INSERT INTO attempts (attempt_id, backend_handle, target_version_ref, strategy,
                              state, outcome, created_at, updated_at, ended_at, error_message)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(attempt_id) DO UPDATE SET
            state = excluded.state,
            outcome = excluded.outcome,
            updated_at = excluded.updated_at,
            ended_at = excluded.ended_at,
            error_message = excluded.error_message`
	_, err := s.db.ExecContext(ctx, query,
		meta.AttemptID, string(meta.BackendHandle), string(meta.TargetVersionRef), string(meta.Strategy),
		string(meta.State), string(meta.Outcome), formatTime(meta.CreatedAt), formatTime(meta.UpdatedAt),
		endedAt, meta.ErrorMessage)
	if err != nil {
		return fmt.Errorf("failed to save attempt metadata: %w", err)
	}
	return nil
}

const attemptColumns = `attempt_id, backend_handle, target_version_ref, strategy,
                        state, outcome, created_at, updated_at, ended_at, error_message`

func scanAttempt(row interface{ Scan(dest ...interface{}) error }) (*interfaces.AttemptMetadata, error) {
	var (
		attemptID, backendHandle, targetVersionRef, strategy, state string
		createdAt, updatedAt                                        string
		outcome, endedAt, errorMessage                              sql.NullString
	)
	if err := row.Scan(&attemptID, &backendHandle, &targetVersionRef, &strategy,
		&state, &outcome, &createdAt, &updatedAt, &endedAt, &errorMessage); err != nil {
		return nil, err
	}

	meta := &interfaces.AttemptMetadata{
		AttemptID:        attemptID,
		BackendHandle:    interfaces.BackendHandle(backendHandle),
		TargetVersionRef: interfaces.VersionRef(targetVersionRef),
		Strategy:         interfaces.Strategy(strategy),
		State:            interfaces.RolloutState(state),
		Outcome:          interfaces.RolloutOutcome(outcome.String),
		CreatedAt:        parseTime(createdAt),
		UpdatedAt:        parseTime(updatedAt),
		ErrorMessage:     errorMessage.String,
	}
	if endedAt.Valid {
		ended := parseTime(endedAt.String)
		meta.EndedAt = &ended
	}
	return meta, nil
}

// GetAttempt retrieves attempt metadata by ID
func (s *SQLiteStore) GetAttempt(ctx context.Context, attemptID string) (*interfaces.AttemptMetadata, error) {
	query := `SELECT ` + attemptColumns + ` FROM attempts WHERE attempt_id = ?`
	meta, err := scanAttempt(s.db.QueryRowContext(ctx, query, attemptID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("attempt %s not found", attemptID)
		}
		return nil, fmt.Errorf("failed to read attempt metadata: %w", err)
	}
	return meta, nil
}

// ListAttempts returns all attempts, newest first
func (s *SQLiteStore) ListAttempts(ctx context.Context) ([]*interfaces.AttemptMetadata, error) {
	query := `SELECT ` + attemptColumns + ` FROM attempts ORDER BY created_at DESC`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list attempts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var attempts []*interfaces.AttemptMetadata
	for rows.Next() {
		meta, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan attempt row: %w", err)
		}
		attempts = append(attempts, meta)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate attempts: %w", err)
	}
	return attempts, nil
}

// UpdateAttemptState updates the state of an attempt
func (s *SQLiteStore) UpdateAttemptState(ctx context.Context, attemptID string, state interfaces.RolloutState) error {
	query := `UPDATE attempts SET state = ?, updated_at = ? WHERE attempt_id = ?`
	result, err := s.db.ExecContext(ctx, query, string(state), formatTime(time.Now()), attemptID)
	if err != nil {
		return fmt.Errorf("failed to update attempt state: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("attempt %s not found", attemptID)
	}
	return nil
}

// DeleteAttempt removes attempt metadata and its record
func (s *SQLiteStore) DeleteAttempt(ctx context.Context, attemptID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM attempts WHERE attempt_id = ?`, attemptID); err != nil {
		return fmt.Errorf("failed to delete attempt metadata: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM attempt_records WHERE attempt_id = ?`, attemptID); err != nil {
		return fmt.Errorf("failed to delete attempt record: %w", err)
	}
	return nil
}

// SaveAttemptRecord upserts the serialized attempt record
func (s *SQLiteStore) SaveAttemptRecord(ctx context.Context, attemptID string, record []byte) error {
	if attemptID == "" {
		return fmt.Errorf("attempt ID is required")
	}

	query := `
        INSERT INTO attempt_records (attempt_id, record, saved_at)
        VALUES (?, ?, ?)
        ON CONFLICT(attempt_id) DO UPDATE SET
            record = excluded.record,
            saved_at = excluded.saved_at`
	if _, err := s.db.ExecContext(ctx, query, attemptID, record, formatTime(time.Now())); err != nil {
		return fmt.Errorf("failed to save attempt record: %w", err)
	}
	return nil
}

// LoadAttemptRecord retrieves the serialized attempt record
func (s *SQLiteStore) LoadAttemptRecord(ctx context.Context, attemptID string) ([]byte, error) {
	var record []byte
	query := `SELECT record FROM attempt_records WHERE attempt_id = ?`
	if err := s.db.QueryRowContext(ctx, query, attemptID).Scan(&record); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("attempt record %s not found", attemptID)
		}
		return nil, fmt.Errorf("failed to read attempt record: %w", err)
	}
	return record, nil
}

// DeleteAttemptRecord removes the attempt record
func (s *SQLiteStore) DeleteAttemptRecord(ctx context.Context, attemptID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM attempt_records WHERE attempt_id = ?`, attemptID); err != nil {
		return fmt.Errorf("failed to delete attempt record: %w", err)
	}
	return nil
}

// LockBackend claims the per-backend lock row. The primary key makes the
// insert the atomic claim.
func (s *SQLiteStore) LockBackend(ctx context.Context, handle interfaces.BackendHandle) (interfaces.BackendLock, error) {
	lock := &SQLiteLock{
		id:        fmt.Sprintf("sqlite-lock-%d", time.Now().UnixNano()),
		handle:    handle,
		createdAt: time.Now().UTC(),
		store:     s,
	}

	query := `INSERT OR IGNORE INTO backend_locks (backend_handle, lock_id, created_at) VALUES (?, ?, ?)`
	result, err := s.db.ExecContext(ctx, query, string(handle), lock.id, formatTime(lock.createdAt))
	if err != nil {
		return nil, fmt.Errorf("failed to claim backend lock: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return nil, fmt.Errorf("backend %s is already locked", handle)
	}
	return lock, nil
}

// UnlockBackend releases a backend lock
func (s *SQLiteStore) UnlockBackend(ctx context.Context, lock interfaces.BackendLock) error {
	sqliteLock, ok := lock.(*SQLiteLock)
	if !ok {
		return fmt.Errorf("invalid lock type")
	}

	query := `DELETE FROM backend_locks WHERE backend_handle = ? AND lock_id = ?`
	result, err := s.db.ExecContext(ctx, query, string(sqliteLock.handle), sqliteLock.id)
	if err != nil {
		return fmt.Errorf("failed to release backend lock: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("lock %s no longer held for backend %s", sqliteLock.id, sqliteLock.handle)
	}
	return nil
}

// Cleanup removes lock rows left behind by crashed processes
func (s *SQLiteStore) Cleanup(olderThan time.Duration) error {
	cutoff := formatTime(time.Now().Add(-olderThan))
	if _, err := s.db.Exec(`DELETE FROM backend_locks WHERE created_at < ?`, cutoff); err != nil {
		return fmt.Errorf("failed to clean up stale locks: %w", err)
	}
	return nil
}

// Ping checks database connectivity
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("attempt store not accessible: %w", err)
	}
	return nil
}

// GetStorageInfo returns information about the storage backend
func (s *SQLiteStore) GetStorageInfo() *interfaces.StorageInfo {
	info := &interfaces.StorageInfo{
		Type:     "sqlite",
		Exists:   true,
		Writable: true,
	}

	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM attempts`).Scan(&count); err == nil {
		info.AttemptCount = count
	}

	if fileInfo, err := os.Stat(s.dbFile); err == nil {
		info.TotalSizeBytes = fileInfo.Size()
	} else {
		info.Exists = false
	}

	if usage, err := fsutil.GetDiskUsage(filepath.Dir(s.dbFile)); err == nil {
		info.UsedPercent = usage.UsedPercent
	}

	return info
}

// SQLiteLock is a backend lock persisted as a database row
type SQLiteLock struct {
	id        string
	handle    interfaces.BackendHandle
	createdAt time.Time
	store     *SQLiteStore
}

// ID returns the lock identifier
func (l *SQLiteLock) ID() string { return l.id }

// BackendHandle returns the locked backend handle
func (l *SQLiteLock) BackendHandle() interfaces.BackendHandle { return l.handle }

// CreatedAt returns when the lock was claimed
func (l *SQLiteLock) CreatedAt() time.Time { return l.createdAt }

// Release releases the lock
func (l *SQLiteLock) Release() error {
	return l.store.UnlockBackend(context.Background(), l)
}

// Interface compliance check
var _ interfaces.AttemptStore = (*SQLiteStore)(nil)
