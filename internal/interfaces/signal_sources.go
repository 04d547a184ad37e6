package interfaces

import (
	"context"
	"time"
)

// WindowMetrics is one trailing-window reading from the metrics
// collaborator. The orchestrator consumes these values; it never collects
// them.
type WindowMetrics struct {
	Start        time.Time     `json:"start"`
	End          time.Time     `json:"end"`
	RequestCount float64       `json:"request_count"`
	ErrorCount   float64       `json:"error_count"`
	LatencyP99   time.Duration `json:"latency_p99"`
}

// ErrorRatePercent returns the observed error rate over the window as a
// percentage of requests. A window with no requests has a zero error rate.
func (w WindowMetrics) ErrorRatePercent() float64 {
	if w.RequestCount <= 0 {
		return 0
	}
	return (w.ErrorCount / w.RequestCount) * 100
}

// MetricsSource supplies trailing-window traffic metrics on demand
type MetricsSource interface {
	Window(ctx context.Context) (*WindowMetrics, error)
}

// AlarmSource supplies the external critical-alarm signal consulted during
// traffic shifting
type AlarmSource interface {
	CriticalAlarmActive(ctx context.Context) (bool, error)
}

// SignalFactory builds the per-rollout metrics and alarm collaborators from
// the request's observe configuration
type SignalFactory interface {
	CreateMetricsSource(config ObserveConfig) (MetricsSource, error)
	CreateAlarmSource(config ObserveConfig) (AlarmSource, error)
}
