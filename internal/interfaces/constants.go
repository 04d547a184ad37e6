package interfaces

import "time"

// Default timing bounds for rollout attempts. Zero-valued RolloutOptions
// fields fall back to these.
const (
	// DefaultHealthMaxAttempts bounds verification rounds
	DefaultHealthMaxAttempts = 30
	// DefaultHealthInterval is the delay between verification rounds
	DefaultHealthInterval = 10 * time.Second
	// DefaultHealthOverallTimeout caps an entire verification run
	DefaultHealthOverallTimeout = 5 * time.Minute
	// DefaultHealthProbeTimeout caps a single endpoint probe
	DefaultHealthProbeTimeout = 10 * time.Second
	// DefaultStabilizationTimeout caps the backend WaitStable call
	DefaultStabilizationTimeout = 10 * time.Minute
)

// SLO defaults and burn-rate classification parameters
const (
	// DefaultAvailabilityTargetPercent is the availability objective used
	// when the request does not supply one
	DefaultAvailabilityTargetPercent = 99.9
	// DefaultLatencyThreshold is the fixed p99 latency objective
	DefaultLatencyThreshold = 500 * time.Millisecond
	// LatencyWarningFraction of the threshold at which latency warns
	LatencyWarningFraction = 0.8
	// BurnCriticalThreshold fires after BurnCriticalWindows consecutive
	// windows at or above it (~2h budget exhaustion horizon)
	BurnCriticalThreshold = 14.4
	// BurnWarningThreshold fires after BurnWarningWindows consecutive
	// windows at or above it (~5d horizon)
	BurnWarningThreshold = 6.0
	// BurnCriticalWindows is the sustain requirement for critical
	BurnCriticalWindows = 2
	// BurnWarningWindows is the sustain requirement for warning
	BurnWarningWindows = 6
	// BurnWindow is the trailing metrics window size
	BurnWindow = 5 * time.Minute
)

// Metadata key constants used across the rollout system
const (
	MetadataKeyRolloutID   = "rollout_id"
	MetadataKeyRequestID   = "request_id"
	MetadataKeyTriggeredBy = "triggered_by"
	MetadataKeyPipelineRun = "pipeline_run"
)
