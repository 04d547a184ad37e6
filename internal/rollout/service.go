package rollout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rollgate/rollgate/internal/interfaces"
	"github.com/rollgate/rollgate/pkg/logging"
)

// Service implements the RolloutService interface on top of the queue and
// tracker. It owns request admission: everything it enqueues has already
// passed structural validation, so workers only ever see decodable requests.
type Service struct {
	queue      interfaces.RolloutQueue
	tracker    interfaces.RolloutTracker
	serializer *RequestSerializer
	logger     *logging.Logger
}

// ServiceConfig holds all dependencies needed by the rollout service
type ServiceConfig struct {
	Queue   interfaces.RolloutQueue
	Tracker interfaces.RolloutTracker
}

// NewServiceWithConfig creates a new rollout service with full configuration
func NewServiceWithConfig(cfg ServiceConfig) (interfaces.RolloutService, error) {
	if cfg.Queue == nil {
		return nil, errors.New("rollout queue is required")
	}
	if cfg.Tracker == nil {
		return nil, errors.New("rollout tracker is required")
	}
	return &Service{
		queue:      cfg.Queue,
		tracker:    cfg.Tracker,
		serializer: NewRequestSerializer(),
		logger:     logging.NewLogger("rollout-service"),
	}, nil
}

// ListRollouts returns rollouts matching the filter criteria
func (s *Service) ListRollouts(filter interfaces.RolloutFilter) ([]*interfaces.QueuedRollout, error) {
	rollouts, err := s.tracker.List(filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list rollouts: %w", err)
	}
	return rollouts, nil
}

// CreateRollout validates and enqueues a new rollout from the request
func (s *Service) CreateRollout(request *interfaces.RolloutRequest) (*interfaces.QueuedRollout, error) {
	if request == nil {
		return nil, errors.New("rollout request is required")
	}
	if err := s.serializer.validateRequest(request); err != nil {
		return nil, WrapError(ErrCodeInvalidRequest, err, "rejecting rollout request")
	}

	// Create a new queued rollout
	rollout := &interfaces.QueuedRollout{
		ID:        generateRolloutID(),
		Request:   request,
		Status:    interfaces.RolloutStatusQueued,
		CreatedAt: time.Now(),
	}

	// Extract request ID from metadata if present
	if request.Metadata != nil {
		if requestID, ok := request.Metadata[interfaces.MetadataKeyRequestID].(string); ok && requestID != "" {
			rollout.RequestID = requestID
		}
	}

	// Register and enqueue as one unit so a failure partway leaves nothing behind
	if err := submitRollout(s.tracker, s.queue, rollout); err != nil {
		return nil, fmt.Errorf("failed to create rollout: %w", err)
	}

	s.logger.Info("rollout %s queued: %s onto %s via %s",
		rollout.ID, request.TargetVersionRef, request.Backend.Type, request.Strategy)
	return rollout, nil
}

// GetRolloutByID retrieves a rollout by its ID
func (s *Service) GetRolloutByID(rolloutID string) (*interfaces.QueuedRollout, error) {
	if rolloutID == "" {
		return nil, errors.New("rollout ID is required")
	}

	rollout, err := s.tracker.GetByID(rolloutID)
	if err != nil {
		return nil, fmt.Errorf("failed to get rollout: %w", err)
	}
	return rollout, nil
}

// GetRolloutStatus returns the current queue status of a rollout
func (s *Service) GetRolloutStatus(rolloutID string) (*interfaces.RolloutStatus, error) {
	if rolloutID == "" {
		return nil, errors.New("rollout ID is required")
	}

	status, err := s.tracker.GetStatus(rolloutID)
	if err != nil {
		return nil, fmt.Errorf("failed to get rollout status: %w", err)
	}
	return status, nil
}

// CancelRollout requests cancellation of an in-progress rollout. The worker
// observes the cancellation and drives the attempt through its rollback path;
// the rollout is never abandoned mid-shift.
func (s *Service) CancelRollout(rolloutID string) error {
	if rolloutID == "" {
		return errors.New("rollout ID is required")
	}

	ctx := context.Background()
	if err := s.queue.Cancel(ctx, rolloutID); err != nil {
		return fmt.Errorf("failed to cancel rollout: %w", err)
	}
	return nil
}

// GetAttemptRecord returns the full attempt record for a rollout. The record
// materializes with the result once the worker finishes the attempt; before
// that only the queue status exists.
func (s *Service) GetAttemptRecord(rolloutID string) (*interfaces.RolloutAttempt, error) {
	if rolloutID == "" {
		return nil, errors.New("rollout ID is required")
	}

	result, err := s.tracker.GetResult(rolloutID)
	if err != nil {
		return nil, fmt.Errorf("failed to get rollout result: %w", err)
	}
	if result == nil || result.Attempt == nil {
		return nil, NewError(ErrCodeRolloutNotFound, "no attempt record for rollout %s", rolloutID)
	}
	return result.Attempt, nil
}

// GetQueueMetrics returns current queue metrics
func (s *Service) GetQueueMetrics() interfaces.QueueMetrics {
	return s.queue.GetMetrics()
}

// generateRolloutID returns a queue-level rollout identifier. Attempt IDs are
// minted separately by the controller once a worker picks the rollout up.
func generateRolloutID() string {
	return fmt.Sprintf("rollout-%d", time.Now().UnixNano())
}
