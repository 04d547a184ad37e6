package embedded

import (
	"context"
	"fmt"
	"sync"

	"github.com/gammazero/workerpool"

	"github.com/rollgate/rollgate/internal/interfaces"
	"github.com/rollgate/rollgate/pkg/logging"
)

// WorkerPool implements interfaces.WorkerPool using gammazero/workerpool
type WorkerPool struct {
	pool     *workerpool.WorkerPool
	queue    *Queue
	tracker  *Tracker
	executor RolloutExecutor
	logger   *logging.Logger
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	started  bool
	mu       sync.Mutex

	// In-flight rollouts by ID, for targeted cancellation
	active   map[string]context.CancelFunc
	activeMu sync.Mutex
}

// RolloutExecutor is the function that executes one rollout end to end. It
// returns the result to store; a context cancellation mid-attempt triggers
// rollback inside the executor, and the result reflects the outcome.
type RolloutExecutor func(ctx context.Context, rollout *interfaces.QueuedRollout) (*interfaces.RolloutResult, error)

// WorkerPoolConfig configures the worker pool
type WorkerPoolConfig struct {
	MinWorkers int
	MaxWorkers int
	Queue      *Queue
	Tracker    *Tracker
	Executor   RolloutExecutor
}

// NewWorkerPool creates a new embedded worker pool
func NewWorkerPool(config WorkerPoolConfig) (*WorkerPool, error) {
	if config.Queue == nil {
		return nil, fmt.Errorf("queue is required")
	}
	if config.Tracker == nil {
		return nil, fmt.Errorf("tracker is required")
	}
	if config.Executor == nil {
		return nil, fmt.Errorf("executor is required")
	}

	if config.MinWorkers <= 0 {
		config.MinWorkers = 1
	}
	if config.MaxWorkers < config.MinWorkers {
		config.MaxWorkers = config.MinWorkers * 2
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &WorkerPool{
		pool:     workerpool.New(config.MaxWorkers),
		queue:    config.Queue,
		tracker:  config.Tracker,
		executor: config.Executor,
		logger:   logging.NewLogger("embedded-worker"),
		ctx:      ctx,
		cancel:   cancel,
		active:   make(map[string]context.CancelFunc),
	}, nil
}

// Start begins processing rollouts from the queue
func (p *WorkerPool) Start() {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	// Start the main processing loop
	p.wg.Add(1)
	go p.processLoop()
}

// Stop gracefully stops the worker pool
func (p *WorkerPool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	// Cancel the processing loop and all in-flight rollout contexts
	p.cancel()

	// Wait for the processing loop to finish
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	// Wait for completion or timeout
	select {
	case <-done:
		// Success
	case <-ctx.Done():
		return fmt.Errorf("stop timeout: %w", ctx.Err())
	}

	// Stop the underlying worker pool
	p.pool.StopWait()

	return nil
}

// CancelActive cancels the context of an in-flight rollout. It returns false
// when the rollout is not currently executing. The caller is expected to set
// the canceling status first so the final status comes out canceled.
func (p *WorkerPool) CancelActive(rolloutID string) bool {
	p.activeMu.Lock()
	cancel, exists := p.active[rolloutID]
	p.activeMu.Unlock()

	if !exists {
		return false
	}
	cancel()
	return true
}

// processLoop continuously dequeues and processes rollouts
func (p *WorkerPool) processLoop() {
	defer p.wg.Done()

	// Add panic recovery for the entire loop
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Worker pool process loop panicked: %v", r)
		}
	}()

	for {
		select {
		case <-p.ctx.Done():
			return
		default:
			// Try to dequeue a rollout
			rollout, err := p.queue.Dequeue(p.ctx)
			if err != nil {
				// Context canceled or queue closed
				if p.ctx.Err() != nil {
					return
				}
				continue
			}

			// Submit to worker pool
			p.pool.Submit(func() {
				p.processRollout(rollout)
			})
		}
	}
}

// processRollout handles a single rollout
func (p *WorkerPool) processRollout(rollout *interfaces.QueuedRollout) {
	// Add panic recovery to prevent worker pool crashes
	defer func() {
		if r := recover(); r != nil {
			// Log the panic
			p.logger.Error("Worker pool panic while processing rollout %s: %v", rollout.ID, r)

			// Mark rollout as failed
			panicErr := fmt.Errorf("panic during execution: %v", r)

			// Update the error in the tracker
			if err := p.tracker.SetError(rollout.ID, panicErr); err != nil {
				p.logger.Error("Failed to set error after panic: %v", err)
			}

			if err := p.tracker.SetStatus(rollout.ID, interfaces.RolloutStatusFailed); err != nil {
				p.logger.Error("Failed to update status after panic: %v", err)
			}
		}
	}()

	// A cancellation can land while the rollout waits in the channel; honor
	// it before any work starts
	if status, err := p.tracker.GetStatus(rollout.ID); err == nil && status != nil {
		switch *status {
		case interfaces.RolloutStatusCanceling:
			if err := p.tracker.SetStatus(rollout.ID, interfaces.RolloutStatusCanceled); err != nil {
				p.logger.Error("Failed to mark rollout %s canceled: %v", rollout.ID, err)
			}
			return
		case interfaces.RolloutStatusCanceled:
			return
		}
	}

	// Update status to processing
	if err := p.tracker.SetStatus(rollout.ID, interfaces.RolloutStatusProcessing); err != nil {
		// Log error but continue
		p.logger.Error("Failed to update status to processing: %v", err)
	}

	// Give the rollout its own cancelable context so a cancel request can
	// reach just this attempt
	rolloutCtx, cancel := context.WithCancel(p.ctx)
	p.activeMu.Lock()
	p.active[rollout.ID] = cancel
	p.activeMu.Unlock()
	defer func() {
		p.activeMu.Lock()
		delete(p.active, rollout.ID)
		p.activeMu.Unlock()
		cancel()
	}()

	// Execute the rollout
	result, execErr := p.executor(rolloutCtx, rollout)

	// A canceling status means the cancel was user-requested rather than a
	// shutdown; the terminal status is canceled no matter how the executor
	// came out
	if status, err := p.tracker.GetStatus(rollout.ID); err == nil && status != nil &&
		*status == interfaces.RolloutStatusCanceling {
		if err := p.tracker.SetStatus(rollout.ID, interfaces.RolloutStatusCanceled); err != nil {
			p.logger.Error("Failed to mark rollout %s canceled: %v", rollout.ID, err)
		}
		if result != nil {
			if err := p.tracker.SetResult(rollout.ID, result); err != nil {
				p.logger.Error("Failed to store result for canceled rollout %s: %v", rollout.ID, err)
			}
		}
		if execErr != nil {
			if err := p.tracker.SetError(rollout.ID, execErr); err != nil {
				p.logger.Error("Failed to set error for canceled rollout %s: %v", rollout.ID, err)
			}
		}
		return
	}

	if execErr != nil {
		p.logger.Error("Rollout %s failed: %v", rollout.ID, execErr)
		if err := p.tracker.SetError(rollout.ID, execErr); err != nil {
			p.logger.Error("Failed to set error for rollout %s: %v", rollout.ID, err)
		}
	}

	if result != nil {
		// SetResult syncs the terminal status from the outcome
		if err := p.tracker.SetResult(rollout.ID, result); err != nil {
			p.logger.Error("Failed to store result for rollout %s: %v", rollout.ID, err)
		}
		return
	}

	if execErr == nil {
		// The executor contract promises a result or an error; getting
		// neither is a defect, surfaced as a failed rollout
		if err := p.tracker.SetError(rollout.ID, fmt.Errorf("executor returned no result")); err != nil {
			p.logger.Error("Failed to set error for rollout %s: %v", rollout.ID, err)
		}
	}
}

// GetWorkerCount returns the current number of active workers
func (p *WorkerPool) GetWorkerCount() int {
	return p.pool.Size()
}

// GetQueuedCount returns the number of queued rollouts
func (p *WorkerPool) GetQueuedCount() int {
	return p.pool.WaitingQueueSize()
}
