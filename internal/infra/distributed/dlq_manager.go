package distributed

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/rollgate/rollgate/internal/interfaces"
)

// monitoredQueues are the asynq queues that may hold rollout tasks
var monitoredQueues = []string{rolloutQueueName, "critical", "default"}

// DLQManager provides operations for managing archived tasks (Dead Letter Queue).
// Failed tasks are automatically archived by asynq after max retries.
type DLQManager struct {
	inspector *asynq.Inspector
	redisOpt  asynq.RedisConnOpt
}

// NewDLQManager creates a new DLQ manager
func NewDLQManager(redisURL string) (*DLQManager, error) {
	redisOpt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	inspector := asynq.NewInspector(redisOpt)

	return &DLQManager{
		inspector: inspector,
		redisOpt:  redisOpt,
	}, nil
}

// DeadRollout represents a rollout that failed all retries
type DeadRollout struct {
	ID           string                    `json:"id"`
	Rollout      *interfaces.QueuedRollout `json:"rollout"`
	Error        string                    `json:"error"`
	LastFailedAt time.Time                 `json:"last_failed_at"`
	RetryCount   int                       `json:"retry_count"`
	Queue        string                    `json:"queue"`
}

// ListDeadRollouts returns all archived rollouts (equivalent to DLQ)
func (m *DLQManager) ListDeadRollouts(_ context.Context) ([]*DeadRollout, error) {
	var deadRollouts []*DeadRollout

	// Check archived tasks in each queue
	for _, queue := range monitoredQueues {
		archivedTasks, err := m.inspector.ListArchivedTasks(queue)
		if err != nil {
			continue // Queue might not exist yet
		}

		for _, task := range archivedTasks {
			if task.Type != TaskTypeRollout {
				continue
			}

			rollout, err := unmarshalRollout(task.Payload)
			if err != nil {
				continue
			}

			deadRollouts = append(deadRollouts, &DeadRollout{
				ID:           task.ID,
				Rollout:      rollout,
				Error:        task.LastErr,
				LastFailedAt: task.LastFailedAt,
				RetryCount:   task.Retried,
				Queue:        queue,
			})
		}
	}

	return deadRollouts, nil
}

// GetDeadRollout retrieves a specific rollout from the archived tasks
func (m *DLQManager) GetDeadRollout(_ context.Context, rolloutID string) (*DeadRollout, error) {
	// Archived tasks remain in their original queues
	for _, queueName := range monitoredQueues {
		// Get archived tasks from this queue
		archivedTasks, err := m.inspector.ListArchivedTasks(queueName)
		if err != nil {
			continue
		}

		// Search for the specific rollout
		for _, task := range archivedTasks {
			if task.Type != TaskTypeRollout || task.ID != rolloutID {
				continue
			}

			rollout, err := unmarshalRollout(task.Payload)
			if err != nil {
				return nil, err
			}

			return &DeadRollout{
				ID:           task.ID,
				Rollout:      rollout,
				Error:        task.LastErr,
				LastFailedAt: task.LastFailedAt,
				RetryCount:   task.Retried,
				Queue:        queueName,
			}, nil
		}
	}

	return nil, fmt.Errorf("rollout %s not found in archived tasks", rolloutID)
}

// RequeueDeadRollout moves a rollout from archived state back to the active queue
func (m *DLQManager) RequeueDeadRollout(ctx context.Context, rolloutID string) error {
	// Find the rollout in archived tasks
	deadRollout, err := m.GetDeadRollout(ctx, rolloutID)
	if err != nil {
		return err
	}

	// Remove from archived tasks
	if err := m.inspector.DeleteTask(deadRollout.Queue, rolloutID); err != nil {
		return fmt.Errorf("failed to delete from archived tasks: %w", err)
	}

	// Re-enqueue using asynq client
	client := asynq.NewClient(m.redisOpt)
	defer func() { _ = client.Close() }()

	// Create new task with reset retry count
	payload, err := marshalRollout(deadRollout.Rollout)
	if err != nil {
		return err
	}

	task := asynq.NewTask(TaskTypeRollout, payload,
		asynq.TaskID(rolloutID),
		asynq.Queue(rolloutQueueName),
		asynq.MaxRetry(3), // Reset retry count
	)

	_, err = client.EnqueueContext(ctx, task)
	if err != nil {
		return fmt.Errorf("failed to requeue rollout: %w", err)
	}

	return nil
}

// PurgeDeadRollout permanently removes a rollout from archived tasks
func (m *DLQManager) PurgeDeadRollout(ctx context.Context, rolloutID string) error {
	deadRollout, err := m.GetDeadRollout(ctx, rolloutID)
	if err != nil {
		return err
	}

	if err := m.inspector.DeleteTask(deadRollout.Queue, rolloutID); err != nil {
		return fmt.Errorf("failed to delete from archived tasks: %w", err)
	}

	return nil
}

// GetDLQStats returns statistics about archived tasks (DLQ)
func (m *DLQManager) GetDLQStats(_ context.Context) (map[string]int, error) {
	stats := make(map[string]int)

	for _, queueName := range monitoredQueues {
		info, err := m.inspector.GetQueueInfo(queueName)
		if err != nil {
			continue // Queue might not exist yet
		}
		// Archived tasks are the DLQ equivalent
		if info.Archived > 0 {
			stats[queueName] = info.Archived
		}
	}

	return stats, nil
}

// Close closes the DLQ manager
func (m *DLQManager) Close() error {
	err := m.inspector.Close()
	if err != nil {
		return fmt.Errorf("failed to close inspector: %w", err)
	}
	return nil
}
