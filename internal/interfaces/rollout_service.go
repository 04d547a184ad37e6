package interfaces

// RolloutService defines the business logic operations for rollouts
type RolloutService interface {
	// ListRollouts returns rollouts matching the filter criteria
	ListRollouts(filter RolloutFilter) ([]*QueuedRollout, error)

	// CreateRollout validates and enqueues a new rollout from the request
	CreateRollout(request *RolloutRequest) (*QueuedRollout, error)

	// GetRolloutByID retrieves a rollout by its ID
	GetRolloutByID(rolloutID string) (*QueuedRollout, error)

	// CancelRollout requests cancellation of an in-progress rollout.
	// Cancellation triggers the rollback path, not an abandonment.
	CancelRollout(rolloutID string) error

	// GetRolloutStatus returns the current queue status of a rollout
	GetRolloutStatus(rolloutID string) (*RolloutStatus, error)

	// GetAttemptRecord returns the full attempt record for a rollout
	GetAttemptRecord(rolloutID string) (*RolloutAttempt, error)

	// GetQueueMetrics returns current queue metrics
	GetQueueMetrics() QueueMetrics
}
