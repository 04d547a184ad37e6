package interfaces

import (
	"context"
	"time"
)

// RolloutTracker manages the state and metadata of rollouts.
// It provides rollout registration, status tracking, and result storage.
type RolloutTracker interface {
	Register(rollout *QueuedRollout) error
	GetByID(rolloutID string) (*QueuedRollout, error)
	GetStatus(rolloutID string) (*RolloutStatus, error)
	SetStatus(rolloutID string, status RolloutStatus) error
	GetResult(rolloutID string) (*RolloutResult, error)
	SetResult(rolloutID string, result *RolloutResult) error
	List(filter RolloutFilter) ([]*QueuedRollout, error)
	Remove(rolloutID string) error
	// Load restores rollouts from persistent storage (if supported).
	// The store parameter is optional and may be nil.
	Load(store AttemptStore) error
}

// RolloutQueue is responsible for enqueueing and managing rollouts.
// It provides a simple, focused interface for queue operations.
type RolloutQueue interface {
	Enqueue(ctx context.Context, rollout *QueuedRollout) error
	Cancel(ctx context.Context, rolloutID string) error
	GetMetrics() QueueMetrics
}

// WorkerPool manages the lifecycle of background workers.
// It provides a simple interface for worker pool operations.
type WorkerPool interface {
	Start()
	Stop(ctx context.Context) error
}

// PoolMetrics provides aggregate throughput metrics for the worker pool
type PoolMetrics struct {
	TotalJobs          int64
	CompletedJobs      int64
	FailedJobs         int64
	AverageJobDuration time.Duration
	WorkerUtilization  float64
	QueueWaitTime      time.Duration
}

// RolloutResult represents the result of a completed rollout
type RolloutResult struct {
	RolloutID   string          `json:"rollout_id"`
	Outcome     RolloutOutcome  `json:"outcome"`
	Attempt     *RolloutAttempt `json:"attempt,omitempty"`
	Error       error           `json:"error,omitempty"`
	CompletedAt time.Time       `json:"completed_at"`
}

// Success reports whether the rollout reached STABLE
func (r *RolloutResult) Success() bool {
	return r != nil && r.Outcome == OutcomeStable
}
