// Package store provides the attempt store implementations: memory for tests
// and development, file for single-node servers, sqlite for single-node
// servers that need queryable history, and aws (DynamoDB metadata + S3
// records) for replicated deployments. All of them implement
// interfaces.AttemptStore, including the per-backend lock that guarantees at
// most one attempt per backend handle.
package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rollgate/rollgate/internal/interfaces"
)

// MemoryStore is an in-memory attempt store. State does not survive the
// process; locks are process-local.
type MemoryStore struct {
	mu       sync.RWMutex
	attempts map[string]*interfaces.AttemptMetadata
	records  map[string][]byte
	locks    map[interfaces.BackendHandle]*MemoryLock
}

// NewMemoryStore creates an empty in-memory attempt store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		attempts: make(map[string]*interfaces.AttemptMetadata),
		records:  make(map[string][]byte),
		locks:    make(map[interfaces.BackendHandle]*MemoryLock),
	}
}

// CreateAttempt stores attempt metadata
func (s *MemoryStore) CreateAttempt(_ context.Context, meta *interfaces.AttemptMetadata) error {
	if meta == nil || meta.AttemptID == "" {
		return fmt.Errorf("attempt ID is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *meta
	s.attempts[meta.AttemptID] = &stored
	return nil
}

// GetAttempt retrieves attempt metadata by ID
func (s *MemoryStore) GetAttempt(_ context.Context, attemptID string) (*interfaces.AttemptMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	meta, ok := s.attempts[attemptID]
	if !ok {
		return nil, fmt.Errorf("attempt %s not found", attemptID)
	}

	found := *meta
	return &found, nil
}

// ListAttempts returns all attempt metadata
func (s *MemoryStore) ListAttempts(_ context.Context) ([]*interfaces.AttemptMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	attempts := make([]*interfaces.AttemptMetadata, 0, len(s.attempts))
	for _, meta := range s.attempts {
		found := *meta
		attempts = append(attempts, &found)
	}
	return attempts, nil
}

// UpdateAttemptState updates the state of an attempt
func (s *MemoryStore) UpdateAttemptState(_ context.Context, attemptID string, state interfaces.RolloutState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, ok := s.attempts[attemptID]
	if !ok {
		return fmt.Errorf("attempt %s not found", attemptID)
	}

	meta.State = state
	meta.UpdatedAt = time.Now().UTC()
	return nil
}

// DeleteAttempt removes attempt metadata and its record
func (s *MemoryStore) DeleteAttempt(_ context.Context, attemptID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.attempts, attemptID)
	delete(s.records, attemptID)
	return nil
}

// SaveAttemptRecord stores a serialized attempt record
func (s *MemoryStore) SaveAttemptRecord(_ context.Context, attemptID string, record []byte) error {
	if attemptID == "" {
		return fmt.Errorf("attempt ID is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := make([]byte, len(record))
	copy(stored, record)
	s.records[attemptID] = stored
	return nil
}

// LoadAttemptRecord retrieves a serialized attempt record
func (s *MemoryStore) LoadAttemptRecord(_ context.Context, attemptID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.records[attemptID]
	if !ok {
		return nil, fmt.Errorf("attempt record %s not found", attemptID)
	}

	found := make([]byte, len(record))
	copy(found, record)
	return found, nil
}

// DeleteAttemptRecord removes a serialized attempt record
func (s *MemoryStore) DeleteAttemptRecord(_ context.Context, attemptID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.records, attemptID)
	return nil
}

// LockBackend claims the exclusive per-backend lock
func (s *MemoryStore) LockBackend(_ context.Context, handle interfaces.BackendHandle) (interfaces.BackendLock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, held := s.locks[handle]; held {
		return nil, fmt.Errorf("backend %s is already locked", handle)
	}

	lock := &MemoryLock{
		id:        fmt.Sprintf("memory-lock-%d", time.Now().UnixNano()),
		handle:    handle,
		createdAt: time.Now().UTC(),
		store:     s,
	}
	s.locks[handle] = lock
	return lock, nil
}

// UnlockBackend releases a backend lock
func (s *MemoryStore) UnlockBackend(_ context.Context, lock interfaces.BackendLock) error {
	memLock, ok := lock.(*MemoryLock)
	if !ok {
		return fmt.Errorf("invalid lock type")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	held, exists := s.locks[memLock.handle]
	if !exists || held.id != memLock.id {
		return fmt.Errorf("lock %s no longer held for backend %s", memLock.id, memLock.handle)
	}

	delete(s.locks, memLock.handle)
	return nil
}

// Ping reports the store as always reachable
func (s *MemoryStore) Ping(_ context.Context) error {
	return nil
}

// GetStorageInfo returns information about the storage backend
func (s *MemoryStore) GetStorageInfo() *interfaces.StorageInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total int64
	for _, record := range s.records {
		total += int64(len(record))
	}

	return &interfaces.StorageInfo{
		Type:           "memory",
		Exists:         true,
		Writable:       true,
		AttemptCount:   len(s.attempts),
		TotalSizeBytes: total,
	}
}

// MemoryLock is a process-local backend lock
type MemoryLock struct {
	id        string
	handle    interfaces.BackendHandle
	createdAt time.Time
	store     *MemoryStore
}

// ID returns the lock identifier
func (l *MemoryLock) ID() string { return l.id }

// BackendHandle returns the locked backend handle
func (l *MemoryLock) BackendHandle() interfaces.BackendHandle { return l.handle }

// CreatedAt returns when the lock was claimed
func (l *MemoryLock) CreatedAt() time.Time { return l.createdAt }

// Release releases the lock
func (l *MemoryLock) Release() error {
	return l.store.UnlockBackend(context.Background(), l)
}

// Interface compliance check
var _ interfaces.AttemptStore = (*MemoryStore)(nil)
