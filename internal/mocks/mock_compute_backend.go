package mocks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rollgate/rollgate/internal/interfaces"
)

// BackendCall extends CommonCall with the arguments of a compute backend
// operation
type BackendCall struct {
	CommonCall
	Version interfaces.VersionRef
	Percent int
}

// MockComputeBackend implements interfaces.ComputeBackend for testing.
// The live version it reports moves with DeployVersion calls, so a restore
// that redeploys the snapshot is observable through CurrentVersionValue.
type MockComputeBackend struct {
	handle interfaces.BackendHandle

	mutex           sync.Mutex
	currentVersion  interfaces.VersionRef
	healthy         bool
	shouldFail      map[string]error
	deployFailures  map[interfaces.VersionRef]error
	scaleFailures   map[int]error
	waitStableDelay time.Duration
	deployed        []interfaces.VersionRef
	scaled          []int

	tracker *CallTracker[BackendCall]
}

// NewMockComputeBackend creates a mock backend reporting the given version
// as live
func NewMockComputeBackend(handle interfaces.BackendHandle, liveVersion interfaces.VersionRef) *MockComputeBackend {
	return &MockComputeBackend{
		handle:         handle,
		currentVersion: liveVersion,
		healthy:        true,
		shouldFail:     make(map[string]error),
		deployFailures: make(map[interfaces.VersionRef]error),
		scaleFailures:  make(map[int]error),
		tracker:        NewCallTracker[BackendCall](),
	}
}

// SetShouldFail configures the mock to fail for specific methods
func (m *MockComputeBackend) SetShouldFail(method string, err error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.shouldFail[method] = err
}

// SetDeployFailureFor fails DeployVersion calls for one specific version ref.
// Deploys of other refs still succeed, which lets a test fail the restore
// redeploy without touching the initial target deploy.
func (m *MockComputeBackend) SetDeployFailureFor(ref interfaces.VersionRef, err error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.deployFailures[ref] = err
}

// SetScaleFailureAt fails ScaleTrafficPercentage calls at one specific
// percentage step
func (m *MockComputeBackend) SetScaleFailureAt(percent int, err error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.scaleFailures[percent] = err
}

// SetHealthy configures the IsHealthySelf answer
func (m *MockComputeBackend) SetHealthy(healthy bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.healthy = healthy
}

// SetCurrentVersion overrides the reported live version
func (m *MockComputeBackend) SetCurrentVersion(ref interfaces.VersionRef) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.currentVersion = ref
}

// SetWaitStableDelay makes WaitStable block for the given duration, honoring
// context cancellation while it waits
func (m *MockComputeBackend) SetWaitStableDelay(d time.Duration) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.waitStableDelay = d
}

// Handle returns the backend's identity
func (m *MockComputeBackend) Handle() interfaces.BackendHandle {
	return m.handle
}

// CurrentVersion reports the version currently live on the mock backend
func (m *MockComputeBackend) CurrentVersion(_ context.Context) (interfaces.VersionRef, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if err := m.shouldFail["CurrentVersion"]; err != nil {
		m.tracker.RecordCall(BackendCall{CommonCall: NewCommonCall("CurrentVersion", err)})
		return "", err
	}

	m.tracker.RecordCall(BackendCall{CommonCall: NewCommonCall("CurrentVersion", nil), Version: m.currentVersion})
	return m.currentVersion, nil
}

// DeployVersion moves the live version to ref and returns a deploy handle
func (m *MockComputeBackend) DeployVersion(ctx context.Context, ref interfaces.VersionRef) (*interfaces.DeployHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	err := m.shouldFail["DeployVersion"]
	if err == nil {
		err = m.deployFailures[ref]
	}
	m.tracker.RecordCall(BackendCall{CommonCall: NewCommonCall("DeployVersion", err), Version: ref})
	if err != nil {
		return nil, err
	}

	m.currentVersion = ref
	m.deployed = append(m.deployed, ref)
	return &interfaces.DeployHandle{
		Backend:   m.handle,
		Version:   ref,
		StartedAt: time.Now(),
	}, nil
}

// ScaleTrafficPercentage records the requested traffic percentage
func (m *MockComputeBackend) ScaleTrafficPercentage(ctx context.Context, handle *interfaces.DeployHandle, percent int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if handle == nil {
		return fmt.Errorf("nil deploy handle")
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	err := m.shouldFail["ScaleTrafficPercentage"]
	if err == nil {
		err = m.scaleFailures[percent]
	}
	m.tracker.RecordCall(BackendCall{CommonCall: NewCommonCall("ScaleTrafficPercentage", err), Version: handle.Version, Percent: percent})
	if err != nil {
		return err
	}

	m.scaled = append(m.scaled, percent)
	return nil
}

// WaitStable blocks for the configured delay, or returns immediately
func (m *MockComputeBackend) WaitStable(ctx context.Context, handle *interfaces.DeployHandle, _ time.Duration) error {
	if handle == nil {
		return fmt.Errorf("nil deploy handle")
	}

	m.mutex.Lock()
	err := m.shouldFail["WaitStable"]
	delay := m.waitStableDelay
	m.tracker.RecordCall(BackendCall{CommonCall: NewCommonCall("WaitStable", err), Version: handle.Version})
	m.mutex.Unlock()

	if err != nil {
		return err
	}

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return ctx.Err()
}

// IsHealthySelf reports the configured health answer
func (m *MockComputeBackend) IsHealthySelf(_ context.Context, _ *interfaces.DeployHandle) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if err := m.shouldFail["IsHealthySelf"]; err != nil {
		m.tracker.RecordCall(BackendCall{CommonCall: NewCommonCall("IsHealthySelf", err)})
		return false, err
	}

	m.tracker.RecordCall(BackendCall{CommonCall: NewCommonCall("IsHealthySelf", nil)})
	return m.healthy, nil
}

// CurrentVersionValue returns the live version without recording a call
func (m *MockComputeBackend) CurrentVersionValue() interfaces.VersionRef {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.currentVersion
}

// DeployedVersions returns every version successfully deployed, in order
func (m *MockComputeBackend) DeployedVersions() []interfaces.VersionRef {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	out := make([]interfaces.VersionRef, len(m.deployed))
	copy(out, m.deployed)
	return out
}

// ScaledPercents returns every successfully applied traffic percentage, in
// order
func (m *MockComputeBackend) ScaledPercents() []int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	out := make([]int, len(m.scaled))
	copy(out, m.scaled)
	return out
}

// Calls returns all recorded backend calls
func (m *MockComputeBackend) Calls() []BackendCall {
	return m.tracker.GetCalls()
}

// MutationCalls returns only the calls that mutate backend state
func (m *MockComputeBackend) MutationCalls() []BackendCall {
	return m.tracker.FilterCalls(func(c BackendCall) bool {
		return c.Method == "DeployVersion" || c.Method == "ScaleTrafficPercentage"
	})
}

// MockBackendFactory implements interfaces.BackendFactory, handing out a
// fixed backend (or error) and recording the configs it was asked for
type MockBackendFactory struct {
	Backend interfaces.ComputeBackend
	Err     error

	mutex   sync.Mutex
	configs []interfaces.BackendConfig
}

// CreateBackend returns the configured backend or error
func (f *MockBackendFactory) CreateBackend(_ context.Context, config interfaces.BackendConfig) (interfaces.ComputeBackend, error) {
	f.mutex.Lock()
	f.configs = append(f.configs, config)
	f.mutex.Unlock()

	if f.Err != nil {
		return nil, f.Err
	}
	return f.Backend, nil
}

// Configs returns every backend config passed to CreateBackend
func (f *MockBackendFactory) Configs() []interfaces.BackendConfig {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	out := make([]interfaces.BackendConfig, len(f.configs))
	copy(out, f.configs)
	return out
}
