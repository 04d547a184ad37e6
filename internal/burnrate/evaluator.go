// Package burnrate evaluates SLO error-budget burn from trailing traffic
// windows. The evaluator consumes metrics produced elsewhere and performs no
// collection of its own.
//
// Burn is the ratio of the observed error rate to the error budget
// (100 - availability target). A burn of 14.4 sustained for two consecutive
// 5-minute windows exhausts a 30-day budget in roughly two hours and is
// classified critical; a burn of 6 is classified warning and is recorded
// without ever aborting anything. Latency is judged against its own fixed
// threshold and is never blended into the error-rate ratio.
package burnrate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rollgate/rollgate/internal/interfaces"
	"github.com/rollgate/rollgate/pkg/logging"
)

// Evaluator classifies error-budget burn for one rollout attempt. Streak
// state spans the attempt, so a fresh evaluator is constructed per attempt.
type Evaluator struct {
	mu     sync.Mutex
	source interfaces.MetricsSource
	alarms interfaces.AlarmSource
	slo    interfaces.SLOConfig
	logger *logging.Logger

	criticalStreak int
	warningStreak  int
}

// Option configures an Evaluator
type Option func(*Evaluator)

// WithAlarmSource attaches an external alarm feed. An active critical alarm
// is an abort signal independent of the burn math.
func WithAlarmSource(alarms interfaces.AlarmSource) Option {
	return func(e *Evaluator) {
		e.alarms = alarms
	}
}

// NewEvaluator creates an evaluator reading trailing windows from source and
// judging them against slo
func NewEvaluator(source interfaces.MetricsSource, slo interfaces.SLOConfig, opts ...Option) *Evaluator {
	e := &Evaluator{
		source: source,
		slo:    slo,
		logger: logging.NewLogger("burn-rate"),
	}
	if e.slo.AvailabilityTargetPercent == 0 {
		e.slo.AvailabilityTargetPercent = interfaces.DefaultAvailabilityTargetPercent
	}
	if e.slo.LatencyThreshold == 0 {
		e.slo.LatencyThreshold = interfaces.DefaultLatencyThreshold
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Sample reads the current trailing window, computes the burn ratios, and
// classifies them. Classification carries the consecutive-window streak
// rules: a single hot window records as warning, critical requires the
// configured number of consecutive critical-level windows.
func (e *Evaluator) Sample(ctx context.Context) (*interfaces.BurnRateSample, error) {
	metrics, err := e.source.Window(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading metrics window: %w", err)
	}

	errorRate := metrics.ErrorRatePercent()
	availabilityBurn := e.availabilityBurn(errorRate)
	latencyBurn := e.latencyBurn(metrics.LatencyP99)

	e.mu.Lock()
	if availabilityBurn >= interfaces.BurnCriticalThreshold {
		e.criticalStreak++
	} else {
		e.criticalStreak = 0
	}
	if availabilityBurn >= interfaces.BurnWarningThreshold {
		e.warningStreak++
	} else {
		e.warningStreak = 0
	}
	classification := e.classify(availabilityBurn)
	criticalStreak := e.criticalStreak
	warningStreak := e.warningStreak
	e.mu.Unlock()

	sample := &interfaces.BurnRateSample{
		Timestamp:        sampleTime(metrics),
		AvailabilityBurn: availabilityBurn,
		LatencyBurn:      latencyBurn,
		ErrorRateBurn:    errorRate,
		Classification:   classification,
		LatencyWarning:   e.latencyWarning(metrics.LatencyP99),
	}

	switch {
	case classification == interfaces.BurnCritical:
		e.logger.Warn("critical burn %.2f sustained for %d windows", availabilityBurn, criticalStreak)
	case warningStreak >= interfaces.BurnWarningWindows:
		e.logger.Warn("warning burn %.2f sustained for %d windows", availabilityBurn, warningStreak)
	case classification == interfaces.BurnWarning:
		e.logger.Info("warning burn %.2f", availabilityBurn)
	default:
		e.logger.Debug("burn %.2f nominal", availabilityBurn)
	}

	return sample, nil
}

// CheckAlarms reports whether any configured external alarm is active
func (e *Evaluator) CheckAlarms(ctx context.Context) (bool, error) {
	if e.alarms == nil {
		return false, nil
	}
	active, err := e.alarms.CriticalAlarmActive(ctx)
	if err != nil {
		return false, fmt.Errorf("checking alarms: %w", err)
	}
	return active, nil
}

// availabilityBurn converts an error-rate percentage into budget multiples.
// A target of 100% has no budget, so any error at all burns critically.
func (e *Evaluator) availabilityBurn(errorRatePercent float64) float64 {
	budget := e.slo.ErrorBudget()
	if budget <= 0 {
		if errorRatePercent > 0 {
			return 2 * interfaces.BurnCriticalThreshold
		}
		return 0
	}
	return errorRatePercent / budget
}

func (e *Evaluator) latencyBurn(p99 time.Duration) float64 {
	if e.slo.LatencyThreshold <= 0 {
		return 0
	}
	return float64(p99) / float64(e.slo.LatencyThreshold)
}

func (e *Evaluator) latencyWarning(p99 time.Duration) bool {
	if e.slo.LatencyThreshold <= 0 {
		return false
	}
	warnAt := time.Duration(float64(e.slo.LatencyThreshold) * interfaces.LatencyWarningFraction)
	return p99 >= warnAt
}

// classify is called with e.mu held
func (e *Evaluator) classify(burn float64) interfaces.BurnClassification {
	if e.criticalStreak >= interfaces.BurnCriticalWindows {
		return interfaces.BurnCritical
	}
	if burn >= interfaces.BurnWarningThreshold {
		return interfaces.BurnWarning
	}
	return interfaces.BurnNominal
}

func sampleTime(metrics *interfaces.WindowMetrics) time.Time {
	if !metrics.End.IsZero() {
		return metrics.End
	}
	return time.Now()
}
