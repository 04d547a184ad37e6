// Package system assembles the job system components from configuration
package system

import (
	"context"
	"fmt"

	"github.com/rollgate/rollgate/internal/config"
	"github.com/rollgate/rollgate/internal/infra/distributed"
	"github.com/rollgate/rollgate/internal/infra/embedded"
	"github.com/rollgate/rollgate/internal/interfaces"
)

const (
	// embeddedQueueCapacity bounds how many admitted rollouts may wait for
	// a worker before Enqueue starts rejecting
	embeddedQueueCapacity = 100

	// defaultWorkers is the pool size when Queue.Workers is left unset
	defaultWorkers = 4
)

// BackgroundSystemComponents holds all the components of the background system
type BackgroundSystemComponents struct {
	Queue         interfaces.RolloutQueue
	Tracker       interfaces.RolloutTracker
	WorkerPool    interfaces.WorkerPool
	AttemptStore  interfaces.AttemptStore
	OrphanMonitor interface {
		Start() error
		Stop(context.Context) error
	} // Optional orphan monitor
}

// RolloutExecutor is the function that executes one queued rollout end to end
type RolloutExecutor func(ctx context.Context, rollout *interfaces.QueuedRollout) (*interfaces.RolloutResult, error)

// NewBackgroundSystem creates the appropriate background system based on
// configuration. The attempt store doubles as the tracker's persistence
// target in embedded mode; a nil store leaves the tracker in-memory only.
func NewBackgroundSystem(cfg *config.ServerConfig, executor RolloutExecutor, attemptStore interfaces.AttemptStore) (*BackgroundSystemComponents, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration is required")
	}
	if executor == nil {
		return nil, fmt.Errorf("executor is required")
	}

	switch cfg.Queue.Type {
	case "embedded":
		return newEmbeddedSystem(cfg, executor, attemptStore)
	case "distributed":
		return newDistributedSystem(cfg, executor, attemptStore)
	default:
		return nil, fmt.Errorf("unsupported queue type: %s", cfg.Queue.Type)
	}
}

// workerCount resolves the worker ceiling shared by both modes.
func workerCount(cfg *config.ServerConfig) int {
	if cfg.Queue.Workers > 0 {
		return cfg.Queue.Workers
	}
	return defaultWorkers
}

func newEmbeddedSystem(cfg *config.ServerConfig, executor RolloutExecutor, attemptStore interfaces.AttemptStore) (*BackgroundSystemComponents, error) {
	tracker := embedded.NewTracker()
	queue := embedded.NewQueue(embeddedQueueCapacity)

	// Restore finished rollouts from the store and make it the persistence
	// target for new ones; anything mid-flight at the last shutdown comes
	// back failed because queue contents do not survive a restart
	if err := tracker.Load(attemptStore); err != nil {
		return nil, fmt.Errorf("failed to load rollouts from attempt store: %w", err)
	}

	// MinWorkers is left to the pool's own floor of one
	pool, err := embedded.NewWorkerPool(embedded.WorkerPoolConfig{
		MaxWorkers: workerCount(cfg),
		Queue:      queue,
		Tracker:    tracker,
		Executor:   embedded.RolloutExecutor(executor),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create embedded worker pool: %w", err)
	}

	return &BackgroundSystemComponents{
		Queue:        queue,
		Tracker:      tracker,
		WorkerPool:   pool,
		AttemptStore: attemptStore,
	}, nil
}

func newDistributedSystem(cfg *config.ServerConfig, executor RolloutExecutor, attemptStore interfaces.AttemptStore) (*BackgroundSystemComponents, error) {
	if cfg.Queue.RedisURL == "" {
		return nil, fmt.Errorf("redis URL is required for distributed mode")
	}

	queue, err := distributed.NewQueue(cfg.Queue.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create distributed queue: %w", err)
	}

	// The tracker shares the queue's Redis connection rather than dialing
	// its own
	tracker, err := distributed.NewTracker(queue.GetRedisClient())
	if err != nil {
		return nil, fmt.Errorf("failed to create distributed tracker: %w", err)
	}

	// Queue weights stay at the pool's defaults so there is one place that
	// defines them
	pool, err := distributed.NewWorkerPool(distributed.WorkerPoolConfig{
		RedisURL:    cfg.Queue.RedisURL,
		Tracker:     tracker,
		Executor:    distributed.RolloutExecutor(executor),
		Concurrency: workerCount(cfg),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create distributed worker pool: %w", err)
	}

	return &BackgroundSystemComponents{
		Queue:        queue,
		Tracker:      tracker,
		WorkerPool:   pool,
		AttemptStore: attemptStore,
	}, nil
}

// Close gracefully shuts down all components. The orphan monitor goes first
// so its sweeps do not fight the draining pool, then the pool, then the
// transports underneath.
func (c *BackgroundSystemComponents) Close(ctx context.Context) error {
	if c.OrphanMonitor != nil {
		if err := c.OrphanMonitor.Stop(ctx); err != nil {
			return fmt.Errorf("failed to stop orphan monitor: %w", err)
		}
	}

	if err := c.WorkerPool.Stop(ctx); err != nil {
		return fmt.Errorf("failed to stop worker pool: %w", err)
	}

	// The embedded queue closes without an error, the distributed one
	// reports its Redis teardown
	switch closer := c.Queue.(type) {
	case interface{ Close() error }:
		if err := closer.Close(); err != nil {
			return fmt.Errorf("failed to close queue: %w", err)
		}
	case interface{ Close() }:
		closer.Close()
	}

	if closer, ok := c.Tracker.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			return fmt.Errorf("failed to close tracker: %w", err)
		}
	}

	return nil
}
