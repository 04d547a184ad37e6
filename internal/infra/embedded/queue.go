// Package embedded provides in-memory infrastructure components for single
// process rollout execution: a channel-backed queue, a map-backed tracker,
// and a worker pool that drains the queue.
package embedded

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rollgate/rollgate/internal/interfaces"
)

// Queue implements interfaces.RolloutQueue using a Go channel
type Queue struct {
	mu        sync.RWMutex
	rollouts  chan *interfaces.QueuedRollout
	cancelMap map[string]context.CancelFunc
	closed    bool
	closeOnce sync.Once

	// Metrics
	totalEnqueued  int64
	totalDequeued  int64
	oldestEnqueued time.Time
	totalWaitTime  time.Duration
}

// NewQueue creates a new embedded rollout queue
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 100 // Default capacity
	}

	return &Queue{
		rollouts:  make(chan *interfaces.QueuedRollout, capacity),
		cancelMap: make(map[string]context.CancelFunc),
	}
}

// Enqueue adds a rollout to the queue
func (q *Queue) Enqueue(ctx context.Context, rollout *interfaces.QueuedRollout) error {
	if rollout == nil {
		return fmt.Errorf("rollout is nil")
	}
	if rollout.ID == "" {
		return fmt.Errorf("rollout ID is empty")
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return fmt.Errorf("queue is closed")
	}

	// Check if context is already canceled
	if err := ctx.Err(); err != nil {
		q.mu.Unlock()
		return fmt.Errorf("enqueue canceled: %w", err)
	}

	// Create a cancelable context for this rollout
	rolloutCtx, cancel := context.WithCancel(ctx)
	q.cancelMap[rollout.ID] = cancel
	q.mu.Unlock()

	// Try to enqueue
	select {
	case q.rollouts <- rollout:
		// Update metrics
		q.mu.Lock()
		q.totalEnqueued++
		if q.oldestEnqueued.IsZero() || len(q.rollouts) == 1 {
			q.oldestEnqueued = time.Now()
		}
		q.mu.Unlock()
		return nil
	case <-rolloutCtx.Done():
		// Clean up cancel function if context was canceled
		q.mu.Lock()
		delete(q.cancelMap, rollout.ID)
		q.mu.Unlock()
		return fmt.Errorf("enqueue canceled: %w", rolloutCtx.Err())
	default:
		// Queue is full
		q.mu.Lock()
		delete(q.cancelMap, rollout.ID)
		q.mu.Unlock()
		return fmt.Errorf("queue is full")
	}
}

// Cancel cancels a rollout still waiting in the queue
func (q *Queue) Cancel(_ context.Context, rolloutID string) error {
	if rolloutID == "" {
		return fmt.Errorf("rollout ID is empty")
	}

	q.mu.Lock()
	cancel, exists := q.cancelMap[rolloutID]
	if !exists {
		q.mu.Unlock()
		return fmt.Errorf("rollout %s not found in queue", rolloutID)
	}
	delete(q.cancelMap, rolloutID)
	q.mu.Unlock()

	// Cancel the rollout's context
	cancel()

	return nil
}

// Dequeue retrieves the next rollout from the queue
// This is an internal method used by the worker pool
func (q *Queue) Dequeue(ctx context.Context) (*interfaces.QueuedRollout, error) {
	select {
	case rollout := <-q.rollouts:
		if rollout == nil {
			return nil, fmt.Errorf("queue is closed")
		}

		// Update metrics
		q.mu.Lock()
		q.totalDequeued++
		if rollout.CreatedAt.After(time.Time{}) {
			waitTime := time.Since(rollout.CreatedAt)
			q.totalWaitTime += waitTime
		}
		// Update oldest if queue is now empty
		if len(q.rollouts) == 0 {
			q.oldestEnqueued = time.Time{}
		}
		// Clean up cancel function
		delete(q.cancelMap, rollout.ID)
		q.mu.Unlock()

		return rollout, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("context canceled: %w", ctx.Err())
	}
}

// Close closes the queue
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		q.mu.Lock()
		defer q.mu.Unlock()

		q.closed = true
		close(q.rollouts)

		// Cancel all pending rollouts
		for _, cancel := range q.cancelMap {
			cancel()
		}
		q.cancelMap = make(map[string]context.CancelFunc)
	})
}

// Size returns the current number of rollouts in the queue
func (q *Queue) Size() int {
	return len(q.rollouts)
}

// Capacity returns the queue capacity
func (q *Queue) Capacity() int {
	return cap(q.rollouts)
}

// GetMetrics returns queue metrics
func (q *Queue) GetMetrics() interfaces.QueueMetrics {
	q.mu.RLock()
	defer q.mu.RUnlock()

	metrics := interfaces.QueueMetrics{
		TotalEnqueued: q.totalEnqueued,
		TotalDequeued: q.totalDequeued,
		CurrentDepth:  len(q.rollouts),
		OldestRollout: q.oldestEnqueued,
	}

	// Calculate average wait time
	if q.totalDequeued > 0 {
		metrics.AverageWaitTime = q.totalWaitTime / time.Duration(q.totalDequeued)
	}

	return metrics
}
