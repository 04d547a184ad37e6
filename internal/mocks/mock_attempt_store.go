package mocks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rollgate/rollgate/internal/interfaces"
)

// MockAttemptStore implements interfaces.AttemptStore for testing
type MockAttemptStore struct {
	attempts   map[string]*interfaces.AttemptMetadata
	records    map[string][]byte
	locks      map[interfaces.BackendHandle]interfaces.BackendLock
	shouldFail map[string]error
	mutex      sync.RWMutex

	calls       []MethodCall
	storageInfo *interfaces.StorageInfo
}

// MethodCall represents a method call for testing purposes
type MethodCall struct {
	Method string
	Args   []interface{}
}

// NewMockAttemptStore creates a new mock attempt store
func NewMockAttemptStore() *MockAttemptStore {
	return &MockAttemptStore{
		attempts:   make(map[string]*interfaces.AttemptMetadata),
		records:    make(map[string][]byte),
		locks:      make(map[interfaces.BackendHandle]interfaces.BackendLock),
		shouldFail: make(map[string]error),
		calls:      make([]MethodCall, 0),
	}
}

// SetShouldFail configures the mock to fail for specific methods
func (m *MockAttemptStore) SetShouldFail(method string, err error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.shouldFail[method] = err
}

// checkShouldFail checks if a method should fail
func (m *MockAttemptStore) checkShouldFail(method string) error {
	if err, ok := m.shouldFail[method]; ok {
		return err
	}
	return nil
}

// CreateAttempt creates new attempt metadata
func (m *MockAttemptStore) CreateAttempt(_ context.Context, meta *interfaces.AttemptMetadata) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.recordCall("CreateAttempt", meta.AttemptID, meta)

	if err := m.checkShouldFail("CreateAttempt"); err != nil {
		return err
	}

	m.attempts[meta.AttemptID] = meta
	return nil
}

// GetAttempt retrieves attempt metadata by ID
func (m *MockAttemptStore) GetAttempt(_ context.Context, attemptID string) (*interfaces.AttemptMetadata, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	if err := m.checkShouldFail("GetAttempt"); err != nil {
		return nil, err
	}

	meta, ok := m.attempts[attemptID]
	if !ok {
		return nil, fmt.Errorf("attempt %s not found", attemptID)
	}

	return meta, nil
}

// ListAttempts returns all attempt metadata
func (m *MockAttemptStore) ListAttempts(_ context.Context) ([]*interfaces.AttemptMetadata, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	if err := m.checkShouldFail("ListAttempts"); err != nil {
		return nil, err
	}

	attempts := make([]*interfaces.AttemptMetadata, 0, len(m.attempts))
	for _, meta := range m.attempts {
		attempts = append(attempts, meta)
	}

	return attempts, nil
}

// UpdateAttemptState updates the state of an attempt
func (m *MockAttemptStore) UpdateAttemptState(_ context.Context, attemptID string, state interfaces.RolloutState) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.recordCall("UpdateAttemptState", attemptID, state)

	if err := m.checkShouldFail("UpdateAttemptState"); err != nil {
		return err
	}

	meta, ok := m.attempts[attemptID]
	if !ok {
		return fmt.Errorf("attempt %s not found", attemptID)
	}

	meta.State = state
	meta.UpdatedAt = time.Now()
	return nil
}

// DeleteAttempt deletes attempt metadata and its record
func (m *MockAttemptStore) DeleteAttempt(_ context.Context, attemptID string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.recordCall("DeleteAttempt", attemptID)

	if err := m.checkShouldFail("DeleteAttempt"); err != nil {
		return err
	}

	delete(m.attempts, attemptID)
	delete(m.records, attemptID)
	return nil
}

// SaveAttemptRecord saves a serialized attempt record
func (m *MockAttemptStore) SaveAttemptRecord(_ context.Context, attemptID string, record []byte) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.recordCall("SaveAttemptRecord", attemptID)

	if err := m.checkShouldFail("SaveAttemptRecord"); err != nil {
		return err
	}

	m.records[attemptID] = record
	return nil
}

// LoadAttemptRecord loads a serialized attempt record
func (m *MockAttemptStore) LoadAttemptRecord(_ context.Context, attemptID string) ([]byte, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	if err := m.checkShouldFail("LoadAttemptRecord"); err != nil {
		return nil, err
	}

	record, ok := m.records[attemptID]
	if !ok {
		return nil, fmt.Errorf("attempt record not found for attempt %s", attemptID)
	}

	return record, nil
}

// DeleteAttemptRecord deletes a serialized attempt record
func (m *MockAttemptStore) DeleteAttemptRecord(_ context.Context, attemptID string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if err := m.checkShouldFail("DeleteAttemptRecord"); err != nil {
		return err
	}

	delete(m.records, attemptID)
	return nil
}

// LockBackend acquires the exclusive per-backend lock
func (m *MockAttemptStore) LockBackend(_ context.Context, handle interfaces.BackendHandle) (interfaces.BackendLock, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.recordCall("LockBackend", handle)

	if err := m.checkShouldFail("LockBackend"); err != nil {
		return nil, err
	}

	if _, exists := m.locks[handle]; exists {
		return nil, fmt.Errorf("backend %s is already locked", handle)
	}

	lock := &MockBackendLock{
		id:        fmt.Sprintf("lock-%s", handle),
		handle:    handle,
		createdAt: time.Now(),
		store:     m,
	}
	m.locks[handle] = lock
	return lock, nil
}

// UnlockBackend releases a backend lock
func (m *MockAttemptStore) UnlockBackend(_ context.Context, lock interfaces.BackendLock) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.recordCall("UnlockBackend", lock)

	if err := m.checkShouldFail("UnlockBackend"); err != nil {
		return err
	}

	mockLock, ok := lock.(*MockBackendLock)
	if !ok {
		return fmt.Errorf("invalid lock type")
	}

	delete(m.locks, mockLock.handle)
	return nil
}

// Ping checks if the store is accessible
func (m *MockAttemptStore) Ping(_ context.Context) error {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	if err := m.checkShouldFail("Ping"); err != nil {
		return err
	}

	return nil
}

// MockBackendLock implements interfaces.BackendLock for testing
type MockBackendLock struct {
	id        string
	handle    interfaces.BackendHandle
	createdAt time.Time
	store     *MockAttemptStore
}

// ID returns the lock ID
func (l *MockBackendLock) ID() string {
	return l.id
}

// BackendHandle returns the locked backend handle
func (l *MockBackendLock) BackendHandle() interfaces.BackendHandle {
	return l.handle
}

// CreatedAt returns when the lock was created
func (l *MockBackendLock) CreatedAt() time.Time {
	return l.createdAt
}

// Release releases the lock by calling the store's UnlockBackend method
func (l *MockBackendLock) Release() error {
	ctx := context.Background()
	return l.store.UnlockBackend(ctx, l)
}

// GetCalls returns all method calls made to this mock
func (m *MockAttemptStore) GetCalls() []MethodCall {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.calls
}

// recordCall records a method call for testing purposes
func (m *MockAttemptStore) recordCall(method string, args ...interface{}) {
	m.calls = append(m.calls, MethodCall{
		Method: method,
		Args:   args,
	})
}

// SetupGetStorageInfo configures the mock to return specific storage info
func (m *MockAttemptStore) SetupGetStorageInfo(info *interfaces.StorageInfo) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.storageInfo = info
}

// GetStorageInfo returns configured storage info (for testing handlers)
func (m *MockAttemptStore) GetStorageInfo() *interfaces.StorageInfo {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	return m.storageInfo
}
