package interfaces

import (
	"time"
)

// Types for rollout queue functionality
// These types are used by RolloutQueue and related interfaces

// QueuedRollout represents a rollout in the queue
type QueuedRollout struct {
	ID          string         `json:"id"`
	RequestID   string         `json:"request_id,omitempty"` // Correlation ID for distributed tracing
	Request     *RolloutRequest `json:"request"`
	Status      RolloutStatus  `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	LastError   error          `json:"last_error,omitempty"`
	RetryCount  int            `json:"retry_count"`
}

// RolloutRequest represents a request to roll out a version onto a backend
type RolloutRequest struct {
	TargetVersionRef VersionRef             `json:"target_version_ref"`
	Strategy         Strategy               `json:"strategy"`
	Backend          BackendConfig          `json:"backend"`
	SLO              SLOConfig              `json:"slo"`
	HealthEndpoints  []HealthEndpoint       `json:"health_endpoints"`
	HealthBaseURL    string                 `json:"health_base_url,omitempty"`
	Observe          ObserveConfig          `json:"observe,omitempty"`
	Options          RolloutOptions         `json:"options"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
}

// RolloutOptions configures per-attempt timing bounds. Zero values fall back
// to the package defaults.
type RolloutOptions struct {
	StabilizationTimeout time.Duration `json:"stabilization_timeout"`
	HealthMaxAttempts    int           `json:"health_max_attempts"`
	HealthInterval       time.Duration `json:"health_interval"`
	HealthOverallTimeout time.Duration `json:"health_overall_timeout"`
	HealthProbeTimeout   time.Duration `json:"health_probe_timeout"`
	MaxRetries           int           `json:"max_retries"`
}

// ObserveConfig tells the signal factory where the metrics and alarm
// collaborators find this service's traffic telemetry
type ObserveConfig struct {
	MetricsNamespace string            `json:"metrics_namespace,omitempty"`
	Dimensions       map[string]string `json:"dimensions,omitempty"`
	AlarmNames       []string          `json:"alarm_names,omitempty"`
}

// RolloutStatus represents the queue-level status of a rollout
type RolloutStatus string

// RolloutStatus constants represent the various queue states of a rollout
const (
	RolloutStatusQueued     RolloutStatus = "queued"
	RolloutStatusProcessing RolloutStatus = "processing"
	RolloutStatusCompleted  RolloutStatus = "completed"
	RolloutStatusFailed     RolloutStatus = "failed"
	RolloutStatusCanceled   RolloutStatus = "canceled"
	RolloutStatusCanceling  RolloutStatus = "canceling"
)

// RolloutFilter provides filtering options for querying rollouts
type RolloutFilter struct {
	Status        []RolloutStatus
	Backend       BackendHandle
	CreatedAfter  time.Time
	CreatedBefore time.Time
}

// QueueMetrics provides metrics about the rollout queue
type QueueMetrics struct {
	TotalEnqueued   int64
	TotalDequeued   int64
	CurrentDepth    int
	AverageWaitTime time.Duration
	OldestRollout   time.Time
}
