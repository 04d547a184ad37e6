// Package metrics provides metrics collection and monitoring for rollout operations.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rollgate/rollgate/internal/interfaces"
)

// Collector tracks system metrics
type Collector struct {
	mu sync.RWMutex

	// Counters
	rolloutsQueued     int64
	rolloutsStarted    int64
	rolloutsStable     int64
	rolloutsRolledBack int64
	rolloutsFailed     int64
	rolloutsCanceled   int64

	// Timing
	rolloutDurations []time.Duration
	queueWaitTimes   []time.Duration

	// Real-time metrics
	activeWorkers int32
	queueDepth    int32

	// System info
	startTime time.Time

	// Per-rollout tracking
	rolloutStartTimes sync.Map // rolloutID -> time.Time
	rolloutQueueTimes sync.Map // rolloutID -> time.Time
}

// NewCollector creates a new metrics collector
func NewCollector() *Collector {
	return &Collector{
		startTime:        time.Now(),
		rolloutDurations: make([]time.Duration, 0, 1000),
		queueWaitTimes:   make([]time.Duration, 0, 1000),
	}
}

// RecordRolloutQueued records when a rollout is queued
func (c *Collector) RecordRolloutQueued(rolloutID string) {
	atomic.AddInt64(&c.rolloutsQueued, 1)
	c.rolloutQueueTimes.Store(rolloutID, time.Now())
}

// RecordRolloutStarted records when a rollout starts processing
func (c *Collector) RecordRolloutStarted(rolloutID string) {
	atomic.AddInt64(&c.rolloutsStarted, 1)

	// Calculate queue wait time
	if queueTime, ok := c.rolloutQueueTimes.LoadAndDelete(rolloutID); ok {
		waitTime := time.Since(queueTime.(time.Time))
		c.mu.Lock()
		c.queueWaitTimes = append(c.queueWaitTimes, waitTime)
		// Keep only last 1000 entries to avoid unbounded growth
		if len(c.queueWaitTimes) > 1000 {
			c.queueWaitTimes = c.queueWaitTimes[len(c.queueWaitTimes)-1000:]
		}
		c.mu.Unlock()
	}

	c.rolloutStartTimes.Store(rolloutID, time.Now())
}

// RecordRolloutStable records a rollout that finished with the target version live
func (c *Collector) RecordRolloutStable(rolloutID string) {
	atomic.AddInt64(&c.rolloutsStable, 1)
	c.recordRolloutDuration(rolloutID)
}

// RecordRolloutRolledBack records a rollout that was reverted to its prior version
func (c *Collector) RecordRolloutRolledBack(rolloutID string) {
	atomic.AddInt64(&c.rolloutsRolledBack, 1)
	c.recordRolloutDuration(rolloutID)
}

// RecordRolloutFailed records a rollout that failed outright
func (c *Collector) RecordRolloutFailed(rolloutID string) {
	atomic.AddInt64(&c.rolloutsFailed, 1)
	c.recordRolloutDuration(rolloutID)
}

// RecordRolloutCanceled records when a rollout is canceled
func (c *Collector) RecordRolloutCanceled(rolloutID string) {
	atomic.AddInt64(&c.rolloutsCanceled, 1)
	c.rolloutStartTimes.Delete(rolloutID)
	c.rolloutQueueTimes.Delete(rolloutID)
}

// UpdateQueueDepth updates the current queue depth
func (c *Collector) UpdateQueueDepth(depth int) {
	atomic.StoreInt32(&c.queueDepth, int32(depth)) // #nosec G115 - queue depth will never exceed int32 limits
}

// UpdateActiveWorkers updates the number of active workers
func (c *Collector) UpdateActiveWorkers(count int) {
	atomic.StoreInt32(&c.activeWorkers, int32(count)) // #nosec G115 - worker count will never exceed int32 limits
}

// GetSystemMetrics returns current system metrics
func (c *Collector) GetSystemMetrics() interfaces.SystemMetrics {
	processed := atomic.LoadInt64(&c.rolloutsStable) +
		atomic.LoadInt64(&c.rolloutsRolledBack) +
		atomic.LoadInt64(&c.rolloutsFailed)

	c.mu.RLock()
	avgRolloutTime := c.calculateAverageRolloutTimeNoLock()
	c.mu.RUnlock()

	return interfaces.SystemMetrics{
		RolloutsProcessed:  processed,
		RolloutsStable:     atomic.LoadInt64(&c.rolloutsStable),
		RolloutsRolledBack: atomic.LoadInt64(&c.rolloutsRolledBack),
		RolloutsFailed:     atomic.LoadInt64(&c.rolloutsFailed),
		AverageRolloutTime: avgRolloutTime,
		CurrentQueueDepth:  int(atomic.LoadInt32(&c.queueDepth)),
		ActiveWorkers:      int(atomic.LoadInt32(&c.activeWorkers)),
		SystemUptime:       time.Since(c.startTime),
	}
}

// GetQueueMetrics returns current queue metrics
func (c *Collector) GetQueueMetrics() interfaces.QueueMetrics {
	c.mu.RLock()
	avgWaitTime := c.calculateAverageQueueWaitTimeNoLock()
	c.mu.RUnlock()

	var oldestTime time.Time
	c.rolloutQueueTimes.Range(func(_, value interface{}) bool {
		queueTime := value.(time.Time)
		if oldestTime.IsZero() || queueTime.Before(oldestTime) {
			oldestTime = queueTime
		}
		return true
	})

	return interfaces.QueueMetrics{
		TotalEnqueued:   atomic.LoadInt64(&c.rolloutsQueued),
		TotalDequeued:   atomic.LoadInt64(&c.rolloutsStarted),
		CurrentDepth:    int(atomic.LoadInt32(&c.queueDepth)),
		AverageWaitTime: avgWaitTime,
		OldestRollout:   oldestTime,
	}
}

// GetPoolMetrics returns current worker pool metrics. Rollbacks count as
// failed jobs here: the attempt ran, but the target version did not stick.
func (c *Collector) GetPoolMetrics() interfaces.PoolMetrics {
	totalJobs := atomic.LoadInt64(&c.rolloutsStarted)
	completedJobs := atomic.LoadInt64(&c.rolloutsStable)
	failedJobs := atomic.LoadInt64(&c.rolloutsFailed) +
		atomic.LoadInt64(&c.rolloutsRolledBack)

	// Calculate worker utilization (simplified)
	activeWorkers := float64(atomic.LoadInt32(&c.activeWorkers))
	var utilization float64
	if activeWorkers > 0 {
		// Count rollouts currently being processed
		var processing int
		c.rolloutStartTimes.Range(func(_, _ interface{}) bool {
			processing++
			return true
		})
		utilization = float64(processing) / activeWorkers
		if utilization > 1.0 {
			utilization = 1.0
		}
	}

	c.mu.RLock()
	avgJobDuration := c.calculateAverageRolloutTimeNoLock()
	avgQueueWaitTime := c.calculateAverageQueueWaitTimeNoLock()
	c.mu.RUnlock()

	return interfaces.PoolMetrics{
		TotalJobs:          totalJobs,
		CompletedJobs:      completedJobs,
		FailedJobs:         failedJobs,
		AverageJobDuration: avgJobDuration,
		WorkerUtilization:  utilization,
		QueueWaitTime:      avgQueueWaitTime,
	}
}

// recordRolloutDuration records the duration of a rollout
func (c *Collector) recordRolloutDuration(rolloutID string) {
	if startTime, ok := c.rolloutStartTimes.LoadAndDelete(rolloutID); ok {
		duration := time.Since(startTime.(time.Time))
		c.mu.Lock()
		c.rolloutDurations = append(c.rolloutDurations, duration)
		// Keep only last 1000 entries
		if len(c.rolloutDurations) > 1000 {
			c.rolloutDurations = c.rolloutDurations[len(c.rolloutDurations)-1000:]
		}
		c.mu.Unlock()
	}
}

// calculateAverageRolloutTimeNoLock calculates average rollout time without acquiring lock
func (c *Collector) calculateAverageRolloutTimeNoLock() time.Duration {
	if len(c.rolloutDurations) == 0 {
		return 0
	}

	var total time.Duration
	for _, d := range c.rolloutDurations {
		total += d
	}

	return total / time.Duration(len(c.rolloutDurations))
}

// calculateAverageQueueWaitTimeNoLock calculates average queue wait time without acquiring lock
func (c *Collector) calculateAverageQueueWaitTimeNoLock() time.Duration {
	if len(c.queueWaitTimes) == 0 {
		return 0
	}

	var total time.Duration
	for _, d := range c.queueWaitTimes {
		total += d
	}

	return total / time.Duration(len(c.queueWaitTimes))
}

// Reset resets all metrics (useful for testing)
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	atomic.StoreInt64(&c.rolloutsQueued, 0)
	atomic.StoreInt64(&c.rolloutsStarted, 0)
	atomic.StoreInt64(&c.rolloutsStable, 0)
	atomic.StoreInt64(&c.rolloutsRolledBack, 0)
	atomic.StoreInt64(&c.rolloutsFailed, 0)
	atomic.StoreInt64(&c.rolloutsCanceled, 0)
	atomic.StoreInt32(&c.queueDepth, 0)
	atomic.StoreInt32(&c.activeWorkers, 0)

	c.rolloutDurations = c.rolloutDurations[:0]
	c.queueWaitTimes = c.queueWaitTimes[:0]
	c.startTime = time.Now()

	// Clear maps
	c.rolloutStartTimes.Range(func(key, _ interface{}) bool {
		c.rolloutStartTimes.Delete(key)
		return true
	})
	c.rolloutQueueTimes.Range(func(key, _ interface{}) bool {
		c.rolloutQueueTimes.Delete(key)
		return true
	})
}
