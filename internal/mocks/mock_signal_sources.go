package mocks

import (
	"context"
	"sync"

	"github.com/rollgate/rollgate/internal/interfaces"
)

// MockMetricsSource implements interfaces.MetricsSource with a scripted
// sequence of trailing windows. Once the sequence is exhausted the last
// window repeats, so a burn monitor that samples more often than the script
// is long sees a steady tail instead of an error.
type MockMetricsSource struct {
	mutex   sync.Mutex
	windows []*interfaces.WindowMetrics
	index   int
	err     error
	served  int
}

// NewMockMetricsSource creates a metrics source serving the given windows in
// order
func NewMockMetricsSource(windows ...*interfaces.WindowMetrics) *MockMetricsSource {
	return &MockMetricsSource{windows: windows}
}

// Window returns the next scripted window
func (m *MockMetricsSource) Window(_ context.Context) (*interfaces.WindowMetrics, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.err != nil {
		return nil, m.err
	}

	m.served++
	if len(m.windows) == 0 {
		// No script means no traffic
		return &interfaces.WindowMetrics{}, nil
	}
	if m.index >= len(m.windows) {
		return m.windows[len(m.windows)-1], nil
	}
	w := m.windows[m.index]
	m.index++
	return w, nil
}

// SetError makes every subsequent Window call fail
func (m *MockMetricsSource) SetError(err error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.err = err
}

// Append adds windows to the end of the script
func (m *MockMetricsSource) Append(windows ...*interfaces.WindowMetrics) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.windows = append(m.windows, windows...)
}

// SampleCount returns how many windows have been served
func (m *MockMetricsSource) SampleCount() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.served
}

// MockAlarmSource implements interfaces.AlarmSource with a settable answer
type MockAlarmSource struct {
	mutex  sync.Mutex
	active bool
	err    error
	calls  int
}

// NewMockAlarmSource creates an alarm source reporting no active alarms
func NewMockAlarmSource() *MockAlarmSource {
	return &MockAlarmSource{}
}

// CriticalAlarmActive returns the configured alarm state
func (m *MockAlarmSource) CriticalAlarmActive(_ context.Context) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.calls++
	if m.err != nil {
		return false, m.err
	}
	return m.active, nil
}

// SetActive configures whether a critical alarm is firing
func (m *MockAlarmSource) SetActive(active bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.active = active
}

// SetError makes every subsequent check fail
func (m *MockAlarmSource) SetError(err error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.err = err
}

// CallCount returns how many times the alarm state was checked
func (m *MockAlarmSource) CallCount() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.calls
}

// MockSignalFactory implements interfaces.SignalFactory by handing out
// preconfigured sources
type MockSignalFactory struct {
	Metrics    interfaces.MetricsSource
	Alarms     interfaces.AlarmSource
	MetricsErr error
	AlarmsErr  error
}

// CreateMetricsSource returns the configured metrics source
func (f *MockSignalFactory) CreateMetricsSource(_ interfaces.ObserveConfig) (interfaces.MetricsSource, error) {
	if f.MetricsErr != nil {
		return nil, f.MetricsErr
	}
	return f.Metrics, nil
}

// CreateAlarmSource returns the configured alarm source
func (f *MockSignalFactory) CreateAlarmSource(_ interfaces.ObserveConfig) (interfaces.AlarmSource, error) {
	if f.AlarmsErr != nil {
		return nil, f.AlarmsErr
	}
	return f.Alarms, nil
}
