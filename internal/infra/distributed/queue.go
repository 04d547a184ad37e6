package distributed

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/rollgate/rollgate/internal/interfaces"
	"github.com/rollgate/rollgate/pkg/logging"
)

const (
	// TaskTypeRollout is the task type for rollouts
	TaskTypeRollout = "rollout:process"

	// rolloutQueueName is the asynq queue rollout tasks land on
	rolloutQueueName = "rollouts"
)

// Queue implements interfaces.RolloutQueue using Asynq (Redis-backed)
type Queue struct {
	client   *asynq.Client
	redisOpt asynq.RedisConnOpt
	logger   *logging.Logger
	guard    *EnqueueGuard
}

// NewQueue creates a new distributed rollout queue
func NewQueue(redisURL string) (*Queue, error) {
	if redisURL == "" {
		return nil, fmt.Errorf("redis URL is required")
	}

	// Parse Redis connection options
	redisOpt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	return &Queue{
		client:   asynq.NewClient(redisOpt),
		redisOpt: redisOpt,
		logger:   logging.NewLogger("distributed-queue"),
		guard:    NewEnqueueGuard(redisOpt, DefaultEnqueuePolicy()),
	}, nil
}

// Enqueue adds a rollout to the distributed queue with resilience patterns
func (q *Queue) Enqueue(ctx context.Context, rollout *interfaces.QueuedRollout) error {
	if rollout == nil {
		return fmt.Errorf("rollout is nil")
	}
	if rollout.ID == "" {
		return fmt.Errorf("rollout ID is empty")
	}

	return q.guard.Do(ctx, fmt.Sprintf("enqueue-%s", rollout.ID), func() error {
		// Serialize rollout to JSON
		payload, err := marshalRollout(rollout)
		if err != nil {
			return err
		}

		// Create asynq task
		task := asynq.NewTask(TaskTypeRollout, payload,
			asynq.TaskID(rollout.ID),
			asynq.Queue(rolloutQueueName),
			asynq.MaxRetry(rollout.Request.Options.MaxRetries),
		)

		// Enqueue the task
		info, err := q.client.EnqueueContext(ctx, task)
		if err != nil {
			return fmt.Errorf("failed to enqueue rollout: %w", err)
		}

		// Log success
		q.logger.Info("Enqueued rollout %s, task ID: %s", rollout.ID, info.ID)
		return nil
	})
}

// Cancel cancels a rollout in the queue. Pending tasks are deleted outright;
// an active task gets a cancellation signal delivered to its handler context.
func (q *Queue) Cancel(_ context.Context, rolloutID string) error {
	if rolloutID == "" {
		return fmt.Errorf("rollout ID is empty")
	}

	inspector := asynq.NewInspector(q.redisOpt)
	defer func() {
		if err := inspector.Close(); err != nil {
			q.logger.Warn("Failed to close inspector during cancel operation: %v", err)
		}
	}()

	// Pending, scheduled, and retry tasks can all be deleted from the queue
	if err := inspector.DeleteTask(rolloutQueueName, rolloutID); err == nil {
		return nil
	}

	// An active task cannot be deleted; signal its handler instead
	info, err := inspector.GetTaskInfo(rolloutQueueName, rolloutID)
	if err == nil && info.State == asynq.TaskStateActive {
		if err := inspector.CancelProcessing(rolloutID); err != nil {
			return fmt.Errorf("failed to cancel active rollout %s: %w", rolloutID, err)
		}
		return nil
	}

	return fmt.Errorf("rollout %s not found in queue", rolloutID)
}

// Close closes the enqueue guard and the queue client
func (q *Queue) Close() error {
	if q.guard != nil {
		if err := q.guard.Close(); err != nil {
			q.logger.Error("Failed to close enqueue guard: %v", err)
		}
	}

	if err := q.client.Close(); err != nil {
		return fmt.Errorf("failed to close asynq client: %w", err)
	}
	return nil
}

// GetRedisClient returns the underlying Redis client options
// This is useful for creating other components that need the same Redis connection
func (q *Queue) GetRedisClient() asynq.RedisConnOpt {
	return q.redisOpt
}

// GetMetrics returns queue metrics
func (q *Queue) GetMetrics() interfaces.QueueMetrics {
	inspector := asynq.NewInspector(q.redisOpt)
	defer func() {
		if err := inspector.Close(); err != nil {
			q.logger.Error("Failed to close inspector: %v", err)
		}
	}()

	// Get queue info
	info, err := inspector.GetQueueInfo(rolloutQueueName)
	if err != nil {
		q.logger.Error("Failed to get queue info: %v", err)
		return interfaces.QueueMetrics{}
	}

	// Calculate average wait time from latency (milliseconds to duration)
	avgWaitTime := info.Latency * time.Millisecond

	// Get oldest rollout time
	var oldestTime time.Time
	if info.Size > 0 {
		// Try to get the oldest pending task
		tasks, err := inspector.ListPendingTasks(rolloutQueueName, asynq.PageSize(1))
		if err == nil && len(tasks) > 0 {
			// Get the task's enqueued time
			oldestTime = tasks[0].NextProcessAt
		}
	}

	return interfaces.QueueMetrics{
		TotalEnqueued:   int64(info.Processed + info.Size + info.Active),
		TotalDequeued:   int64(info.Processed),
		CurrentDepth:    info.Size,
		AverageWaitTime: avgWaitTime,
		OldestRollout:   oldestTime,
	}
}
