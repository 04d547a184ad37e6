// Package rollback captures the pre-mutation version snapshot for a rollout
// attempt and restores it on failure. A manager belongs to exactly one
// attempt: the snapshot is captured once and never overwritten, and restore
// runs at most once. A failed restore is never retried automatically;
// repeated rollback attempts against a backend already in a bad state risk
// compounding the problem.
package rollback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rollgate/rollgate/internal/interfaces"
	"github.com/rollgate/rollgate/pkg/logging"
)

var (
	// ErrSnapshotFailed indicates the live version could not be captured.
	// Nothing has been mutated when this is returned.
	ErrSnapshotFailed = errors.New("snapshot failed")

	// ErrRestoreFailed indicates the captured version could not be restored
	// or did not stabilize after redeployment
	ErrRestoreFailed = errors.New("restore failed")

	// ErrNoSnapshot indicates restore was requested before a snapshot exists
	ErrNoSnapshot = errors.New("no snapshot captured")

	// ErrRestoreAlreadyAttempted guards against rollback-of-rollback
	ErrRestoreAlreadyAttempted = errors.New("restore already attempted")
)

// Manager owns the snapshot/restore lifecycle for a single attempt
type Manager struct {
	mu               sync.Mutex
	backend          interfaces.ComputeBackend
	logger           *logging.Logger
	snapshot         interfaces.VersionRef
	captured         bool
	restoreAttempted bool
	stabilizeTimeout time.Duration
}

// Option configures a Manager
type Option func(*Manager)

// WithStabilizationTimeout bounds the post-restore WaitStable call
func WithStabilizationTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.stabilizeTimeout = d
		}
	}
}

// NewManager creates a rollback manager for one backend
func NewManager(backend interfaces.ComputeBackend, opts ...Option) *Manager {
	m := &Manager{
		backend:          backend,
		logger:           logging.NewLogger("rollback"),
		stabilizeTimeout: interfaces.DefaultStabilizationTimeout,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Snapshot captures the currently-live version. The first successful capture
// wins; later calls return the same ref without consulting the backend again.
func (m *Manager) Snapshot(ctx context.Context) (interfaces.VersionRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.captured {
		return m.snapshot, nil
	}

	ref, err := m.backend.CurrentVersion(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: reading live version: %w", ErrSnapshotFailed, err)
	}
	if ref == "" {
		return "", fmt.Errorf("%w: backend reports no live version to return to", ErrSnapshotFailed)
	}

	m.snapshot = ref
	m.captured = true
	m.logger.Info("captured snapshot of live version %s", ref)
	return ref, nil
}

// Previous returns the captured snapshot, if any
func (m *Manager) Previous() (interfaces.VersionRef, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot, m.captured
}

// Restore redeploys the snapshot, routes full traffic back to it, and waits
// for the backend to stabilize. The caller re-verifies health afterwards;
// restore succeeding is not the same as the restored version being healthy.
func (m *Manager) Restore(ctx context.Context) error {
	m.mu.Lock()
	if !m.captured {
		m.mu.Unlock()
		return ErrNoSnapshot
	}
	if m.restoreAttempted {
		m.mu.Unlock()
		return ErrRestoreAlreadyAttempted
	}
	m.restoreAttempted = true
	ref := m.snapshot
	m.mu.Unlock()

	m.logger.Warn("restoring previous version %s", ref)

	handle, err := m.backend.DeployVersion(ctx, ref)
	if err != nil {
		return fmt.Errorf("%w: redeploying %s: %w", ErrRestoreFailed, ref, err)
	}
	if err := m.backend.ScaleTrafficPercentage(ctx, handle, 100); err != nil {
		return fmt.Errorf("%w: returning traffic to %s: %w", ErrRestoreFailed, ref, err)
	}
	if err := m.backend.WaitStable(ctx, handle, m.stabilizeTimeout); err != nil {
		return fmt.Errorf("%w: %s never stabilized: %w", ErrRestoreFailed, ref, err)
	}

	m.logger.Info("previous version %s restored and stable", ref)
	return nil
}
