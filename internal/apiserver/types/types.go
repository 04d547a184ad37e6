// Package types provides API request/response types and conversion utilities
package types

import (
	"time"

	"github.com/rollgate/rollgate/internal/interfaces"
)

// RolloutSubmission represents an API request to start a rollout. Field names
// follow the rollout file format, so a file submitted over HTTP needs no
// rewriting.
type RolloutSubmission struct {
	TargetVersionRef string                 `json:"targetVersionRef"`
	Strategy         string                 `json:"strategy"`
	Backend          BackendSpec            `json:"backend"`
	SLO              *SLOSpec               `json:"slo,omitempty"`
	HealthEndpoints  []HealthEndpointSpec   `json:"healthEndpoints,omitempty"`
	HealthBaseURL    string                 `json:"healthBaseUrl,omitempty"`
	Observe          *ObserveSpec           `json:"observe,omitempty"`
	Options          *OptionsSpec           `json:"options,omitempty"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
}

// BackendSpec selects and configures the compute backend
type BackendSpec struct {
	Type    string                 `json:"type"`
	Options map[string]interface{} `json:"options,omitempty"`
}

// SLOSpec carries the service level objective thresholds for burn evaluation
type SLOSpec struct {
	AvailabilityTargetPercent float64 `json:"availabilityTargetPercent"`
	LatencyThresholdMillis    int64   `json:"latencyThresholdMillis,omitempty"`
}

// HealthEndpointSpec describes one endpoint the verifier probes
type HealthEndpointSpec struct {
	Path        string `json:"path"`
	Criticality string `json:"criticality"`
}

// ObserveSpec points the signal sources at the service's telemetry
type ObserveSpec struct {
	MetricsNamespace string            `json:"metricsNamespace,omitempty"`
	Dimensions       map[string]string `json:"dimensions,omitempty"`
	AlarmNames       []string          `json:"alarmNames,omitempty"`
}

// OptionsSpec overrides per-attempt timing bounds
type OptionsSpec struct {
	StabilizationTimeoutSeconds int `json:"stabilizationTimeoutSeconds,omitempty"`
	HealthMaxAttempts           int `json:"healthMaxAttempts,omitempty"`
	HealthIntervalSeconds       int `json:"healthIntervalSeconds,omitempty"`
	HealthOverallTimeoutSeconds int `json:"healthOverallTimeoutSeconds,omitempty"`
	HealthProbeTimeoutSeconds   int `json:"healthProbeTimeoutSeconds,omitempty"`
	MaxRetries                  int `json:"maxRetries,omitempty"`
}

// RequestConverter handles conversion between API request types and internal types
type RequestConverter struct {
	defaults RolloutDefaults
}

// RolloutDefaults contains default values applied to submissions that omit them
type RolloutDefaults struct {
	AvailabilityTargetPercent float64
	LatencyThreshold          time.Duration
	MaxRetries                int
}

// NewRequestConverter creates a new request converter with specified defaults
func NewRequestConverter(defaults RolloutDefaults) *RequestConverter {
	return &RequestConverter{
		defaults: defaults,
	}
}

// NewRequestConverterWithDefaults creates a request converter with sensible defaults
func NewRequestConverterWithDefaults() *RequestConverter {
	return NewRequestConverter(RolloutDefaults{
		AvailabilityTargetPercent: 99.9,
		LatencyThreshold:          500 * time.Millisecond,
		MaxRetries:                3,
	})
}

// ToRolloutRequest converts an API RolloutSubmission to interfaces.RolloutRequest
func (rc *RequestConverter) ToRolloutRequest(apiReq *RolloutSubmission) *interfaces.RolloutRequest {
	req := &interfaces.RolloutRequest{
		TargetVersionRef: interfaces.VersionRef(apiReq.TargetVersionRef),
		Strategy:         interfaces.Strategy(apiReq.Strategy),
		Backend: interfaces.BackendConfig{
			Type:    apiReq.Backend.Type,
			Options: apiReq.Backend.Options,
		},
		SLO:           rc.buildSLO(apiReq.SLO),
		HealthBaseURL: apiReq.HealthBaseURL,
		Options:       rc.buildRolloutOptions(apiReq.Options),
		Metadata:      rc.buildMetadata(apiReq),
	}

	for _, endpoint := range apiReq.HealthEndpoints {
		req.HealthEndpoints = append(req.HealthEndpoints, interfaces.HealthEndpoint{
			Path:        endpoint.Path,
			Criticality: interfaces.EndpointCriticality(endpoint.Criticality),
		})
	}

	if apiReq.Observe != nil {
		req.Observe = interfaces.ObserveConfig{
			MetricsNamespace: apiReq.Observe.MetricsNamespace,
			Dimensions:       apiReq.Observe.Dimensions,
			AlarmNames:       apiReq.Observe.AlarmNames,
		}
	}

	return req
}

// buildSLO maps the SLO spec onto the internal config, falling back to the
// converter defaults when the submission omits the block
func (rc *RequestConverter) buildSLO(spec *SLOSpec) interfaces.SLOConfig {
	if spec == nil {
		return interfaces.SLOConfig{
			AvailabilityTargetPercent: rc.defaults.AvailabilityTargetPercent,
			LatencyThreshold:          rc.defaults.LatencyThreshold,
		}
	}

	return interfaces.SLOConfig{
		AvailabilityTargetPercent: spec.AvailabilityTargetPercent,
		LatencyThreshold:          time.Duration(spec.LatencyThresholdMillis) * time.Millisecond,
	}
}

// buildRolloutOptions creates RolloutOptions with defaults and any overrides
func (rc *RequestConverter) buildRolloutOptions(spec *OptionsSpec) interfaces.RolloutOptions {
	options := interfaces.RolloutOptions{
		MaxRetries: rc.defaults.MaxRetries,
	}

	if spec == nil {
		return options
	}

	if spec.StabilizationTimeoutSeconds > 0 {
		options.StabilizationTimeout = time.Duration(spec.StabilizationTimeoutSeconds) * time.Second
	}
	if spec.HealthMaxAttempts > 0 {
		options.HealthMaxAttempts = spec.HealthMaxAttempts
	}
	if spec.HealthIntervalSeconds > 0 {
		options.HealthInterval = time.Duration(spec.HealthIntervalSeconds) * time.Second
	}
	if spec.HealthOverallTimeoutSeconds > 0 {
		options.HealthOverallTimeout = time.Duration(spec.HealthOverallTimeoutSeconds) * time.Second
	}
	if spec.HealthProbeTimeoutSeconds > 0 {
		options.HealthProbeTimeout = time.Duration(spec.HealthProbeTimeoutSeconds) * time.Second
	}
	if spec.MaxRetries > 0 {
		options.MaxRetries = spec.MaxRetries
	}

	return options
}

// buildMetadata creates the metadata map from the API submission
func (rc *RequestConverter) buildMetadata(apiReq *RolloutSubmission) map[string]interface{} {
	metadata := make(map[string]interface{}, len(apiReq.Metadata))
	for k, v := range apiReq.Metadata {
		metadata[k] = v
	}
	return metadata
}

// UpdateDefaults allows updating the default values
func (rc *RequestConverter) UpdateDefaults(defaults RolloutDefaults) {
	rc.defaults = defaults
}

// GetDefaults returns the current default values
func (rc *RequestConverter) GetDefaults() RolloutDefaults {
	return rc.defaults
}
