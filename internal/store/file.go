package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rollgate/rollgate/internal/interfaces"
	"github.com/rollgate/rollgate/internal/utils/fsutil"
)

// attemptIDPattern keeps attempt IDs safe for use as file names
var attemptIDPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*[a-zA-Z0-9]$`)

// FileStore persists attempts as JSON documents under a data directory.
// Writes are atomic (temp file + rename); backend locks are exclusive lock
// files with a platform file lock, so two server processes sharing the data
// directory cannot run attempts against the same backend.
type FileStore struct {
	baseDir string

	locksMu sync.Mutex
	locks   map[interfaces.BackendHandle]*FileLock

	writeMu sync.Mutex
	dirMu   sync.Mutex
}

// NewFileStore creates a file-backed attempt store rooted at baseDir
func NewFileStore(baseDir string) (*FileStore, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("data directory is required")
	}

	dirs := []string{
		baseDir,
		filepath.Join(baseDir, "attempts"),
		filepath.Join(baseDir, "records"),
		filepath.Join(baseDir, "locks"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return &FileStore{
		baseDir: baseDir,
		locks:   make(map[interfaces.BackendHandle]*FileLock),
	}, nil
}

// atomicWriteJSON writes data atomically using the temp file + rename pattern
func (s *FileStore) atomicWriteJSON(filePath string, data interface{}) error {
	jsonData, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}

	parentDir := filepath.Dir(filePath)
	s.dirMu.Lock()
	if err := os.MkdirAll(parentDir, 0o700); err != nil {
		s.dirMu.Unlock()
		return fmt.Errorf("failed to create parent directory: %w", err)
	}
	s.dirMu.Unlock()

	tempPath := filePath + ".tmp"
	if err := os.WriteFile(tempPath, jsonData, 0o600); err != nil {
		return fmt.Errorf("failed to write temporary file: %w", err)
	}

	if err := os.Rename(tempPath, filePath); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("failed to commit atomic write: %w", err)
	}

	return nil
}

func validateAttemptID(attemptID string) error {
	if attemptID == "" {
		return fmt.Errorf("attempt ID cannot be empty")
	}
	if len(attemptID) > 100 {
		return fmt.Errorf("attempt ID too long (max 100 characters)")
	}
	if !attemptIDPattern.MatchString(attemptID) {
		return fmt.Errorf("attempt ID contains invalid characters")
	}
	return nil
}

// handleFileName converts a backend handle into a filesystem-safe name.
// Handles carry ":" and "/" separators ("task-fleet:prod/web").
func handleFileName(handle interfaces.BackendHandle) string {
	return strings.NewReplacer("/", "_", ":", "_").Replace(string(handle))
}

func (s *FileStore) attemptPath(attemptID string) string {
	return filepath.Join(s.baseDir, "attempts", attemptID+".json")
}

func (s *FileStore) recordPath(attemptID string) string {
	return filepath.Join(s.baseDir, "records", attemptID+".json")
}

// CreateAttempt writes attempt metadata to disk
func (s *FileStore) CreateAttempt(_ context.Context, meta *interfaces.AttemptMetadata) error {
	if meta == nil {
		return fmt.Errorf("attempt metadata is required")
	}
	if err := validateAttemptID(meta.AttemptID); err != nil {
		return fmt.Errorf("invalid attempt ID: %w", err)
	}
	return s.atomicWriteJSON(s.attemptPath(meta.AttemptID), meta)
}

// GetAttempt reads attempt metadata from disk
func (s *FileStore) GetAttempt(_ context.Context, attemptID string) (*interfaces.AttemptMetadata, error) {
	if err := validateAttemptID(attemptID); err != nil {
		return nil, fmt.Errorf("invalid attempt ID: %w", err)
	}

	data, err := os.ReadFile(s.attemptPath(attemptID)) // #nosec G304 - path is constructed from a validated ID under baseDir
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("attempt %s not found", attemptID)
		}
		return nil, fmt.Errorf("failed to read attempt metadata: %w", err)
	}

	var meta interfaces.AttemptMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse attempt metadata: %w", err)
	}
	return &meta, nil
}

// ListAttempts reads all attempt metadata documents
func (s *FileStore) ListAttempts(ctx context.Context) ([]*interfaces.AttemptMetadata, error) {
	entries, err := os.ReadDir(filepath.Join(s.baseDir, "attempts"))
	if err != nil {
		if os.IsNotExist(err) {
			return []*interfaces.AttemptMetadata{}, nil
		}
		return nil, fmt.Errorf("failed to read attempts directory: %w", err)
	}

	attempts := make([]*interfaces.AttemptMetadata, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		attemptID := strings.TrimSuffix(entry.Name(), ".json")
		meta, err := s.GetAttempt(ctx, attemptID)
		if err != nil {
			// Skip documents that are mid-write or corrupted
			continue
		}
		attempts = append(attempts, meta)
	}
	return attempts, nil
}

// UpdateAttemptState rewrites the metadata document with the new state
func (s *FileStore) UpdateAttemptState(ctx context.Context, attemptID string, state interfaces.RolloutState) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	meta, err := s.GetAttempt(ctx, attemptID)
	if err != nil {
		return err
	}

	meta.State = state
	meta.UpdatedAt = time.Now().UTC()
	return s.atomicWriteJSON(s.attemptPath(attemptID), meta)
}

// DeleteAttempt removes the metadata document and its record
func (s *FileStore) DeleteAttempt(_ context.Context, attemptID string) error {
	if err := validateAttemptID(attemptID); err != nil {
		return fmt.Errorf("invalid attempt ID: %w", err)
	}

	if err := os.Remove(s.attemptPath(attemptID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete attempt metadata: %w", err)
	}
	if err := os.Remove(s.recordPath(attemptID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete attempt record: %w", err)
	}
	return nil
}

// SaveAttemptRecord writes the serialized attempt record atomically
func (s *FileStore) SaveAttemptRecord(_ context.Context, attemptID string, record []byte) error {
	if err := validateAttemptID(attemptID); err != nil {
		return fmt.Errorf("invalid attempt ID: %w", err)
	}
	return s.atomicWriteJSON(s.recordPath(attemptID), json.RawMessage(record))
}

// LoadAttemptRecord reads the serialized attempt record
func (s *FileStore) LoadAttemptRecord(_ context.Context, attemptID string) ([]byte, error) {
	if err := validateAttemptID(attemptID); err != nil {
		return nil, fmt.Errorf("invalid attempt ID: %w", err)
	}

	data, err := os.ReadFile(s.recordPath(attemptID)) // #nosec G304 - path is constructed from a validated ID under baseDir
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("attempt record %s not found", attemptID)
		}
		return nil, fmt.Errorf("failed to read attempt record: %w", err)
	}
	return data, nil
}

// DeleteAttemptRecord removes the record document
func (s *FileStore) DeleteAttemptRecord(_ context.Context, attemptID string) error {
	if err := validateAttemptID(attemptID); err != nil {
		return fmt.Errorf("invalid attempt ID: %w", err)
	}
	if err := os.Remove(s.recordPath(attemptID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete attempt record: %w", err)
	}
	return nil
}

// LockBackend claims an exclusive lock file for the backend handle
func (s *FileStore) LockBackend(_ context.Context, handle interfaces.BackendHandle) (interfaces.BackendLock, error) {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	if _, held := s.locks[handle]; held {
		return nil, fmt.Errorf("backend %s is already locked", handle)
	}

	name := handleFileName(handle)
	lockPath := filepath.Join(s.baseDir, "locks", name+".lock")
	infoPath := filepath.Join(s.baseDir, "locks", name+".lock.info")

	// O_EXCL makes creation the atomic claim across processes
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o600) // #nosec G304 - lockPath is constructed from controlled baseDir
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("backend %s is already locked by another process", handle)
		}
		return nil, fmt.Errorf("failed to create lock file: %w", err)
	}

	if err := lockFile(file); err != nil {
		_ = file.Close()
		_ = os.Remove(lockPath)
		return nil, fmt.Errorf("failed to acquire file lock: %w", err)
	}

	lock := &FileLock{
		id:        fmt.Sprintf("file-lock-%d", time.Now().UnixNano()),
		handle:    handle,
		createdAt: time.Now().UTC(),
		lockFile:  file,
		lockPath:  lockPath,
		infoPath:  infoPath,
		store:     s,
	}

	hostname, _ := os.Hostname()
	lockInfo := map[string]interface{}{
		"id":             lock.id,
		"backend_handle": string(handle),
		"created_at":     lock.createdAt.Format(time.RFC3339),
		"process_id":     os.Getpid(),
		"hostname":       hostname,
	}
	if err := s.atomicWriteJSON(infoPath, lockInfo); err != nil {
		_ = unlockFile(file)
		_ = file.Close()
		_ = os.Remove(lockPath)
		return nil, fmt.Errorf("failed to write lock metadata: %w", err)
	}

	s.locks[handle] = lock
	return lock, nil
}

// UnlockBackend releases a backend lock
func (s *FileStore) UnlockBackend(_ context.Context, lock interfaces.BackendLock) error {
	fileLock, ok := lock.(*FileLock)
	if !ok {
		return fmt.Errorf("invalid lock type")
	}
	return fileLock.Release()
}

// Ping verifies the data directory is writable
func (s *FileStore) Ping(_ context.Context) error {
	testFile := filepath.Join(s.baseDir, ".ping")
	if err := s.atomicWriteJSON(testFile, map[string]interface{}{"ping": "ok"}); err != nil {
		return fmt.Errorf("attempt store not accessible: %w", err)
	}
	_ = os.Remove(testFile)
	return nil
}

// Cleanup removes stale lock files left behind by crashed processes
func (s *FileStore) Cleanup(olderThan time.Duration) error {
	cutoff := time.Now().Add(-olderThan)

	lockDir := filepath.Join(s.baseDir, "locks")
	entries, err := os.ReadDir(lockDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read locks directory: %w", err)
	}

	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			_ = os.Remove(filepath.Join(lockDir, entry.Name()))
		}
	}
	return nil
}

// GetStorageInfo returns information about the storage backend
func (s *FileStore) GetStorageInfo() *interfaces.StorageInfo {
	info := &interfaces.StorageInfo{
		Type:     "file",
		Exists:   fsutil.DirExists(s.baseDir),
		Writable: fsutil.IsWritable(s.baseDir),
	}

	attemptDir := filepath.Join(s.baseDir, "attempts")
	if entries, err := os.ReadDir(attemptDir); err == nil {
		for _, entry := range entries {
			if !strings.HasSuffix(entry.Name(), ".json") {
				continue
			}
			info.AttemptCount++
			if fileInfo, err := entry.Info(); err == nil {
				info.TotalSizeBytes += fileInfo.Size()
			}
		}
	}

	recordDir := filepath.Join(s.baseDir, "records")
	if entries, err := os.ReadDir(recordDir); err == nil {
		for _, entry := range entries {
			if fileInfo, err := entry.Info(); err == nil {
				info.TotalSizeBytes += fileInfo.Size()
			}
		}
	}

	if usage, err := fsutil.GetDiskUsage(s.baseDir); err == nil {
		info.UsedPercent = usage.UsedPercent
	}

	return info
}

// FileLock is a cross-process backend lock backed by an exclusive lock file
type FileLock struct {
	id        string
	handle    interfaces.BackendHandle
	createdAt time.Time
	lockFile  *os.File
	lockPath  string
	infoPath  string
	store     *FileStore
}

// ID returns the lock identifier
func (l *FileLock) ID() string { return l.id }

// BackendHandle returns the locked backend handle
func (l *FileLock) BackendHandle() interfaces.BackendHandle { return l.handle }

// CreatedAt returns when the lock was claimed
func (l *FileLock) CreatedAt() time.Time { return l.createdAt }

// Release unlocks and removes the lock file
func (l *FileLock) Release() error {
	l.store.locksMu.Lock()
	delete(l.store.locks, l.handle)
	l.store.locksMu.Unlock()

	if err := unlockFile(l.lockFile); err != nil {
		return fmt.Errorf("failed to release file lock: %w", err)
	}

	_ = l.lockFile.Close()
	_ = os.Remove(l.lockPath)
	_ = os.Remove(l.infoPath)
	return nil
}

// Interface compliance check
var _ interfaces.AttemptStore = (*FileStore)(nil)
