package distributed

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/rollgate/rollgate/internal/interfaces"
	"github.com/rollgate/rollgate/pkg/logging"
)

// WorkerPool implements interfaces.WorkerPool using Asynq Server
type WorkerPool struct {
	server      *asynq.Server
	mux         *asynq.ServeMux
	tracker     *Tracker
	executor    RolloutExecutor
	redisOpt    asynq.RedisConnOpt
	logger      *logging.Logger
	concurrency int
}

// RolloutExecutor is the function that executes one rollout end to end. It
// returns the result to store; a context cancellation mid-attempt triggers
// rollback inside the executor, and the result reflects the outcome.
type RolloutExecutor func(ctx context.Context, rollout *interfaces.QueuedRollout) (*interfaces.RolloutResult, error)

// WorkerPoolConfig configures the distributed worker pool
type WorkerPoolConfig struct {
	RedisURL    string
	Tracker     *Tracker
	Executor    RolloutExecutor
	Concurrency int
	QueueConfig map[string]int // Queue priorities
}

// NewWorkerPool creates a new distributed worker pool
func NewWorkerPool(config WorkerPoolConfig) (*WorkerPool, error) {
	if config.RedisURL == "" {
		return nil, fmt.Errorf("redis URL is required")
	}
	if config.Tracker == nil {
		return nil, fmt.Errorf("tracker is required")
	}
	if config.Executor == nil {
		return nil, fmt.Errorf("executor is required")
	}

	// Parse Redis connection options
	redisOpt, err := asynq.ParseRedisURI(config.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	// Set default concurrency if not specified
	if config.Concurrency <= 0 {
		config.Concurrency = 10
	}

	// Set default queue config if not specified
	if config.QueueConfig == nil {
		config.QueueConfig = map[string]int{
			"critical":       6,
			rolloutQueueName: 3,
			"default":        1,
		}
	}

	// Create asynq server with DLQ configuration
	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: config.Concurrency,
			Queues:      config.QueueConfig,
			ErrorHandler: asynq.ErrorHandlerFunc(func(_ context.Context, task *asynq.Task, err error) {
				// Create a temporary logger since this is a closure and we don't have access to pool.logger yet
				tempLogger := logging.NewLogger("distributed-worker")
				tempLogger.Error("Error processing task %s: %v", task.Type(), err)
				// Task will be automatically archived after max retries
			}),
			// Failed tasks become "archived" after max retries. The DLQManager
			// in dlq_manager.go provides operations to list, requeue, and
			// purge archived tasks.
		},
	)

	// Create handler mux
	mux := asynq.NewServeMux()

	pool := &WorkerPool{
		server:      server,
		mux:         mux,
		tracker:     config.Tracker,
		executor:    config.Executor,
		redisOpt:    redisOpt,
		concurrency: config.Concurrency,
		logger:      logging.NewLogger("distributed-worker"),
	}

	// Register task handler
	mux.HandleFunc(TaskTypeRollout, pool.handleRolloutTask)

	return pool, nil
}

// Start begins processing rollouts from the queue
func (p *WorkerPool) Start() {
	// Start server in a goroutine
	go func() {
		if err := p.server.Start(p.mux); err != nil {
			p.logger.Error("Failed to start asynq server: %v", err)
		}
	}()
}

// Stop gracefully stops the worker pool
func (p *WorkerPool) Stop(ctx context.Context) error {
	// Shutdown the server gracefully
	p.server.Shutdown()

	// Wait for completion or timeout
	done := make(chan struct{})
	go func() {
		// Asynq server blocks until all workers finish
		p.server.Stop()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop timeout: %w", ctx.Err())
	}
}

// CancelActive cancels the handler context of an in-flight rollout. It
// returns false when the rollout is not currently executing. The caller is
// expected to set the canceling status first so the final status comes out
// canceled.
func (p *WorkerPool) CancelActive(rolloutID string) bool {
	inspector := asynq.NewInspector(p.redisOpt)
	defer func() {
		if err := inspector.Close(); err != nil {
			p.logger.Warn("Failed to close inspector during cancel: %v", err)
		}
	}()

	info, err := inspector.GetTaskInfo(rolloutQueueName, rolloutID)
	if err != nil || info.State != asynq.TaskStateActive {
		return false
	}

	if err := inspector.CancelProcessing(rolloutID); err != nil {
		p.logger.Error("Failed to cancel active rollout %s: %v", rolloutID, err)
		return false
	}
	return true
}

// handleRolloutTask processes a rollout task. The returned error drives
// asynq's retry machinery: canceled rollouts return nil so they are never
// retried, failed ones return the execution error so retry and archive
// policies apply.
func (p *WorkerPool) handleRolloutTask(ctx context.Context, task *asynq.Task) (err error) {
	// Deserialize rollout from task payload
	rollout, unmarshalErr := unmarshalRollout(task.Payload())
	if unmarshalErr != nil {
		return unmarshalErr
	}

	// Surface handler panics as failed rollouts rather than crashed workers
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Worker panic while processing rollout %s: %v", rollout.ID, r)

			panicErr := fmt.Errorf("panic during execution: %v", r)
			if terr := p.tracker.SetError(rollout.ID, panicErr); terr != nil {
				p.logger.Error("Failed to set error after panic: %v", terr)
			}
			err = panicErr
		}
	}()

	// A cancellation can land while the rollout waits in the queue; honor it
	// before any work starts
	if status, serr := p.tracker.GetStatus(rollout.ID); serr == nil && status != nil {
		switch *status {
		case interfaces.RolloutStatusCanceling:
			if terr := p.tracker.SetStatus(rollout.ID, interfaces.RolloutStatusCanceled); terr != nil {
				p.logger.Error("Failed to mark rollout %s canceled: %v", rollout.ID, terr)
			}
			return nil
		case interfaces.RolloutStatusCanceled:
			return nil
		}
	}

	// Update status to processing
	if terr := p.tracker.SetStatus(rollout.ID, interfaces.RolloutStatusProcessing); terr != nil {
		// Log error but continue
		p.logger.Error("Failed to update status to processing: %v", terr)
	}

	// Execute the rollout. Asynq cancels ctx when the task is canceled or
	// the server shuts down, which triggers rollback inside the executor.
	result, execErr := p.executor(ctx, rollout)

	// A canceling status means the cancel was user-requested rather than a
	// shutdown; the terminal status is canceled no matter how the executor
	// came out
	if status, serr := p.tracker.GetStatus(rollout.ID); serr == nil && status != nil &&
		*status == interfaces.RolloutStatusCanceling {
		if terr := p.tracker.SetStatus(rollout.ID, interfaces.RolloutStatusCanceled); terr != nil {
			p.logger.Error("Failed to mark rollout %s canceled: %v", rollout.ID, terr)
		}
		if result != nil {
			if terr := p.tracker.SetResult(rollout.ID, result); terr != nil {
				p.logger.Error("Failed to store result for canceled rollout %s: %v", rollout.ID, terr)
			}
		}
		if execErr != nil {
			if terr := p.tracker.SetError(rollout.ID, execErr); terr != nil {
				p.logger.Error("Failed to set error for canceled rollout %s: %v", rollout.ID, terr)
			}
		}
		return nil
	}

	if execErr != nil {
		p.logger.Error("Rollout %s failed: %v", rollout.ID, execErr)
		if terr := p.tracker.SetError(rollout.ID, execErr); terr != nil {
			p.logger.Error("Failed to set error for rollout %s: %v", rollout.ID, terr)
		}
	}

	if result != nil {
		// SetResult syncs the terminal status from the outcome
		if terr := p.tracker.SetResult(rollout.ID, result); terr != nil {
			p.logger.Error("Failed to store result for rollout %s: %v", rollout.ID, terr)
		}
		return execErr
	}

	if execErr == nil {
		// The executor contract promises a result or an error; getting
		// neither is a defect, surfaced as a failed rollout
		execErr = fmt.Errorf("executor returned no result")
		if terr := p.tracker.SetError(rollout.ID, execErr); terr != nil {
			p.logger.Error("Failed to set error for rollout %s: %v", rollout.ID, terr)
		}
	}

	return execErr
}

// GetStats returns current worker pool statistics
func (p *WorkerPool) GetStats() (*asynq.ServerInfo, error) {
	// Create inspector to get server info
	inspector := asynq.NewInspector(p.redisOpt)
	defer func() {
		if err := inspector.Close(); err != nil {
			// Error closing inspector - logged but doesn't fail the operation
			p.logger.Warn("Failed to close inspector during stats collection: %v", err)
		}
	}()

	servers, err := inspector.Servers()
	if err != nil {
		return nil, fmt.Errorf("failed to get server info: %w", err)
	}

	// Find our server by matching concurrency
	for _, server := range servers {
		if server.Concurrency == p.concurrency {
			return server, nil
		}
	}

	return nil, fmt.Errorf("server info not found")
}
