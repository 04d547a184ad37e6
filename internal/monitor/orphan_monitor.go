// Package monitor reconciles the rollout tracker against the work queue.
// Workers that die mid-rollout and enqueues that are lost after the tracker
// write both leave orphans, and the monitor is the component that puts those
// records back into a consistent state.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hibiken/asynq"

	"github.com/rollgate/rollgate/internal/interfaces"
	"github.com/rollgate/rollgate/internal/logging"
	"github.com/rollgate/rollgate/internal/metrics"
)

// OrphanMonitor periodically sweeps the tracker and queue for rollouts that
// lost their worker or their queue task. Sweeps back off geometrically while
// the system is clean and snap back to the base cadence as soon as an orphan
// turns up.
type OrphanMonitor struct {
	queue     interfaces.RolloutQueue
	tracker   interfaces.RolloutTracker
	inspector *asynq.Inspector
	metrics   *metrics.Collector
	logger    *logging.Logger
	reconcile bool

	mu         sync.RWMutex
	running    bool
	done       chan struct{}
	wg         sync.WaitGroup
	lastSweep  time.Time
	orphans    int
	staleAfter time.Duration
	base       time.Duration
	cadence    time.Duration
	backoff    float64
	ceiling    time.Duration
}

// Config holds the monitor's collaborators and tuning knobs.
type Config struct {
	Queue   interfaces.RolloutQueue
	Tracker interfaces.RolloutTracker

	// Inspector enables the queue-side passes. Embedded mode runs without
	// one, so only the stale-processing pass applies there.
	Inspector *asynq.Inspector

	Metrics *metrics.Collector

	// ScanInterval is the base sweep cadence. Zero means one minute.
	ScanInterval time.Duration

	// StaleThreshold is how long a rollout may sit in processing before it
	// counts as abandoned. Zero means ten minutes.
	StaleThreshold time.Duration

	// ReconcileOrphans makes the monitor repair what it finds instead of
	// only reporting it.
	ReconcileOrphans bool

	// MaxBackoff caps how far idle sweeps stretch the cadence. Zero means
	// ten times ScanInterval.
	MaxBackoff time.Duration
}

// NewOrphanMonitor builds a monitor from cfg, substituting defaults for any
// zero tuning value.
func NewOrphanMonitor(cfg Config) *OrphanMonitor {
	if cfg.ScanInterval == 0 {
		cfg.ScanInterval = time.Minute
	}
	if cfg.StaleThreshold == 0 {
		cfg.StaleThreshold = 10 * time.Minute
	}
	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = 10 * cfg.ScanInterval
	}

	return &OrphanMonitor{
		queue:      cfg.Queue,
		tracker:    cfg.Tracker,
		inspector:  cfg.Inspector,
		metrics:    cfg.Metrics,
		logger:     logging.NewLogger("orphan-monitor"),
		reconcile:  cfg.ReconcileOrphans,
		staleAfter: cfg.StaleThreshold,
		base:       cfg.ScanInterval,
		cadence:    cfg.ScanInterval,
		backoff:    1.0,
		ceiling:    cfg.MaxBackoff,
	}
}

// Start launches the sweep loop. The first sweep runs immediately so a
// restarted server converges without waiting out a full interval.
func (m *OrphanMonitor) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return fmt.Errorf("orphan monitor already running")
	}
	m.running = true
	m.done = make(chan struct{})

	m.wg.Add(1)
	go m.run(m.done)

	m.logger.Infof("Sweeping every %v, failing rollouts stuck past %v", m.base, m.staleAfter)
	return nil
}

// Stop halts the sweep loop and waits for an in-flight sweep to finish,
// bounded by ctx. Stopping a stopped monitor is a no-op.
func (m *OrphanMonitor) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	close(m.done)
	m.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("orphan monitor did not stop: %w", ctx.Err())
	}
}

// Stats is a point-in-time snapshot of the monitor.
type Stats struct {
	Running     bool
	LastScan    time.Time
	OrphanCount int
}

// GetStats reports whether the monitor runs, when it last swept, and how
// many orphans that sweep saw.
func (m *OrphanMonitor) GetStats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return Stats{
		Running:     m.running,
		LastScan:    m.lastSweep,
		OrphanCount: m.orphans,
	}
}

func (m *OrphanMonitor) run(done <-chan struct{}) {
	defer m.wg.Done()

	m.sweepOnce()

	for {
		// The cadence changes between rounds, so each round arms a fresh
		// timer instead of sharing a ticker.
		timer := time.NewTimer(m.waitFor())
		select {
		case <-done:
			timer.Stop()
			return
		case <-timer.C:
			m.sweepOnce()
		}
	}
}

func (m *OrphanMonitor) waitFor() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cadence
}

func (m *OrphanMonitor) sweepOnce() {
	start := time.Now()
	found := m.sweep()
	m.settle(found)
	m.logger.Infof("Sweep finished in %v, found %d orphans", time.Since(start), found)
}

// settle records the sweep outcome and retunes the cadence. A clean sweep
// doubles the wait once and then grows it by half per round up to the
// ceiling. Any orphan resets the cadence to the base interval.
func (m *OrphanMonitor) settle(found int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastSweep = time.Now()
	m.orphans = found

	if found > 0 {
		if m.backoff > 1.0 {
			m.logger.Infof("Orphans found, sweeping every %v again", m.base)
		}
		m.backoff = 1.0
		m.cadence = m.base
		return
	}

	if m.backoff < 2.0 {
		m.backoff = 2.0
	} else {
		m.backoff *= 1.5
	}
	next := time.Duration(float64(m.base) * m.backoff)
	if next > m.ceiling {
		next = m.ceiling
		// Clamp the multiplier too, otherwise an idle week grows it
		// until the duration conversion overflows.
		m.backoff = float64(m.ceiling) / float64(m.base)
	}
	if next != m.cadence {
		m.logger.Infof("Queue is quiet, stretching sweep cadence to %v", next)
	}
	m.cadence = next
}
