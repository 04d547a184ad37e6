package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/rollgate/rollgate/internal/interfaces"
)

// RolloutQueue is a testify mock for interfaces.RolloutQueue
type RolloutQueue struct {
	mock.Mock
}

// NewRolloutQueue creates a RolloutQueue mock that asserts its expectations
// during test cleanup
func NewRolloutQueue(t interface {
	mock.TestingT
	Cleanup(func())
},
) *RolloutQueue {
	m := &RolloutQueue{}
	m.Mock.Test(t)

	t.Cleanup(func() { m.AssertExpectations(t) })

	return m
}

// Enqueue mocks queue submission
func (m *RolloutQueue) Enqueue(ctx context.Context, rollout *interfaces.QueuedRollout) error {
	args := m.Called(ctx, rollout)
	return args.Error(0)
}

// Cancel mocks rollout cancellation
func (m *RolloutQueue) Cancel(ctx context.Context, rolloutID string) error {
	args := m.Called(ctx, rolloutID)
	return args.Error(0)
}

// GetMetrics mocks queue metrics retrieval
func (m *RolloutQueue) GetMetrics() interfaces.QueueMetrics {
	args := m.Called()
	metrics, _ := args.Get(0).(interfaces.QueueMetrics)
	return metrics
}

// RolloutTracker is a testify mock for interfaces.RolloutTracker
type RolloutTracker struct {
	mock.Mock
}

// NewRolloutTracker creates a RolloutTracker mock that asserts its
// expectations during test cleanup
func NewRolloutTracker(t interface {
	mock.TestingT
	Cleanup(func())
},
) *RolloutTracker {
	m := &RolloutTracker{}
	m.Mock.Test(t)

	t.Cleanup(func() { m.AssertExpectations(t) })

	return m
}

// Register mocks rollout registration
func (m *RolloutTracker) Register(rollout *interfaces.QueuedRollout) error {
	args := m.Called(rollout)
	return args.Error(0)
}

// GetByID mocks rollout lookup
func (m *RolloutTracker) GetByID(rolloutID string) (*interfaces.QueuedRollout, error) {
	args := m.Called(rolloutID)
	var rollout *interfaces.QueuedRollout
	if v := args.Get(0); v != nil {
		rollout, _ = v.(*interfaces.QueuedRollout)
	}
	return rollout, args.Error(1)
}

// GetStatus mocks status retrieval
func (m *RolloutTracker) GetStatus(rolloutID string) (*interfaces.RolloutStatus, error) {
	args := m.Called(rolloutID)
	var status *interfaces.RolloutStatus
	if v := args.Get(0); v != nil {
		status, _ = v.(*interfaces.RolloutStatus)
	}
	return status, args.Error(1)
}

// SetStatus mocks status updates
func (m *RolloutTracker) SetStatus(rolloutID string, status interfaces.RolloutStatus) error {
	args := m.Called(rolloutID, status)
	return args.Error(0)
}

// GetResult mocks result retrieval
func (m *RolloutTracker) GetResult(rolloutID string) (*interfaces.RolloutResult, error) {
	args := m.Called(rolloutID)
	var result *interfaces.RolloutResult
	if v := args.Get(0); v != nil {
		result, _ = v.(*interfaces.RolloutResult)
	}
	return result, args.Error(1)
}

// SetResult mocks result storage
func (m *RolloutTracker) SetResult(rolloutID string, result *interfaces.RolloutResult) error {
	args := m.Called(rolloutID, result)
	return args.Error(0)
}

// List mocks filtered listing
func (m *RolloutTracker) List(filter interfaces.RolloutFilter) ([]*interfaces.QueuedRollout, error) {
	args := m.Called(filter)
	var rollouts []*interfaces.QueuedRollout
	if v := args.Get(0); v != nil {
		rollouts, _ = v.([]*interfaces.QueuedRollout)
	}
	return rollouts, args.Error(1)
}

// Remove mocks rollout removal
func (m *RolloutTracker) Remove(rolloutID string) error {
	args := m.Called(rolloutID)
	return args.Error(0)
}

// Load mocks restoring tracked rollouts from a store
func (m *RolloutTracker) Load(store interfaces.AttemptStore) error {
	args := m.Called(store)
	return args.Error(0)
}

// WorkerPool is a testify mock for interfaces.WorkerPool
type WorkerPool struct {
	mock.Mock
}

// NewWorkerPool creates a WorkerPool mock that asserts its expectations
// during test cleanup
func NewWorkerPool(t interface {
	mock.TestingT
	Cleanup(func())
},
) *WorkerPool {
	m := &WorkerPool{}
	m.Mock.Test(t)

	t.Cleanup(func() { m.AssertExpectations(t) })

	return m
}

// Start mocks worker pool startup
func (m *WorkerPool) Start() {
	m.Called()
}

// Stop mocks worker pool shutdown
func (m *WorkerPool) Stop(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// RolloutService is a testify mock for interfaces.RolloutService
type RolloutService struct {
	mock.Mock
}

// ListRollouts mocks filtered rollout listing
func (m *RolloutService) ListRollouts(filter interfaces.RolloutFilter) ([]*interfaces.QueuedRollout, error) {
	args := m.Called(filter)
	var rollouts []*interfaces.QueuedRollout
	if v := args.Get(0); v != nil {
		rollouts, _ = v.([]*interfaces.QueuedRollout)
	}
	return rollouts, args.Error(1)
}

// CreateRollout mocks rollout submission
func (m *RolloutService) CreateRollout(request *interfaces.RolloutRequest) (*interfaces.QueuedRollout, error) {
	args := m.Called(request)
	var rollout *interfaces.QueuedRollout
	if v := args.Get(0); v != nil {
		rollout, _ = v.(*interfaces.QueuedRollout)
	}
	return rollout, args.Error(1)
}

// GetRolloutByID mocks rollout lookup
func (m *RolloutService) GetRolloutByID(rolloutID string) (*interfaces.QueuedRollout, error) {
	args := m.Called(rolloutID)
	var rollout *interfaces.QueuedRollout
	if v := args.Get(0); v != nil {
		rollout, _ = v.(*interfaces.QueuedRollout)
	}
	return rollout, args.Error(1)
}

// CancelRollout mocks cancellation requests
func (m *RolloutService) CancelRollout(rolloutID string) error {
	args := m.Called(rolloutID)
	return args.Error(0)
}

// GetRolloutStatus mocks queue status retrieval
func (m *RolloutService) GetRolloutStatus(rolloutID string) (*interfaces.RolloutStatus, error) {
	args := m.Called(rolloutID)
	var status *interfaces.RolloutStatus
	if v := args.Get(0); v != nil {
		status, _ = v.(*interfaces.RolloutStatus)
	}
	return status, args.Error(1)
}

// GetAttemptRecord mocks attempt record retrieval
func (m *RolloutService) GetAttemptRecord(rolloutID string) (*interfaces.RolloutAttempt, error) {
	args := m.Called(rolloutID)
	var attempt *interfaces.RolloutAttempt
	if v := args.Get(0); v != nil {
		attempt, _ = v.(*interfaces.RolloutAttempt)
	}
	return attempt, args.Error(1)
}

// GetQueueMetrics mocks queue metrics retrieval
func (m *RolloutService) GetQueueMetrics() interfaces.QueueMetrics {
	args := m.Called()
	metrics, _ := args.Get(0).(interfaces.QueueMetrics)
	return metrics
}
