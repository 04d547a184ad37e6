package rollout

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/mitchellh/mapstructure"

	"github.com/rollgate/rollgate/internal/interfaces"
)

// RequestSerializer handles safe serialization and deserialization of rollout
// requests. Requests cross process boundaries twice: queue payloads are JSON
// maps, and rollout files decode through koanf into untyped maps. Both come
// back through Deserialize.
type RequestSerializer struct{}

// NewRequestSerializer creates a new rollout request serializer
func NewRequestSerializer() *RequestSerializer {
	return &RequestSerializer{}
}

// Serialize converts a RolloutRequest to a map for JSON serialization
func (s *RequestSerializer) Serialize(request *interfaces.RolloutRequest) (map[string]interface{}, error) {
	if request == nil {
		return nil, fmt.Errorf("rollout request is nil")
	}

	// Use JSON marshal/unmarshal for safe conversion
	data, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal rollout request: %w", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal to map: %w", err)
	}

	return result, nil
}

// Deserialize converts various types to RolloutRequest using mapstructure
func (s *RequestSerializer) Deserialize(input interface{}) (*interfaces.RolloutRequest, error) {
	if input == nil {
		return nil, fmt.Errorf("input is nil")
	}

	// If already a RolloutRequest, return it
	if request, ok := input.(*interfaces.RolloutRequest); ok {
		return request, nil
	}

	// Create decoder with custom settings
	var request interfaces.RolloutRequest
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &request,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			s.stringToStrategyHook(),
			s.stringToCriticalityHook(),
			mapstructure.StringToTimeDurationHookFunc(),
		),
		TagName: "json",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}

	if err := decoder.Decode(input); err != nil {
		return nil, fmt.Errorf("failed to decode rollout request: %w", err)
	}

	// Validate the deserialized request
	if err := s.validateRequest(&request); err != nil {
		return nil, fmt.Errorf("invalid rollout request: %w", err)
	}

	return &request, nil
}

// stringToStrategyHook converts string to Strategy
func (s *RequestSerializer) stringToStrategyHook() mapstructure.DecodeHookFunc {
	return func(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t != reflect.TypeOf(interfaces.StrategyAllAtOnce) {
			return data, nil
		}

		str, ok := data.(string)
		if !ok {
			return data, nil
		}

		switch str {
		case "all-at-once":
			return interfaces.StrategyAllAtOnce, nil
		case "linear-10-1m":
			return interfaces.StrategyLinear10m1, nil
		case "linear-10-3m":
			return interfaces.StrategyLinear10m3, nil
		case "canary-10-5m":
			return interfaces.StrategyCanary5m, nil
		case "canary-10-15m":
			return interfaces.StrategyCanary15m, nil
		default:
			return nil, fmt.Errorf("unknown strategy: %s", str)
		}
	}
}

// stringToCriticalityHook converts string to EndpointCriticality
func (s *RequestSerializer) stringToCriticalityHook() mapstructure.DecodeHookFunc {
	return func(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t != reflect.TypeOf(interfaces.CriticalityCritical) {
			return data, nil
		}

		str, ok := data.(string)
		if !ok {
			return data, nil
		}

		switch str {
		case "critical":
			return interfaces.CriticalityCritical, nil
		case "informational", "info":
			return interfaces.CriticalityInformational, nil
		default:
			return nil, fmt.Errorf("unknown endpoint criticality: %s", str)
		}
	}
}

// validateRequest ensures the request has all required fields
func (s *RequestSerializer) validateRequest(request *interfaces.RolloutRequest) error { //nolint:gocyclo // Comprehensive request validation
	if request.TargetVersionRef == "" {
		return fmt.Errorf("target version ref is required")
	}
	if request.Strategy == "" {
		return fmt.Errorf("strategy is required")
	}
	if !request.Strategy.Valid() {
		return fmt.Errorf("unknown strategy: %s", request.Strategy)
	}
	if request.Backend.Type == "" {
		return fmt.Errorf("backend type is required")
	}

	if request.SLO.AvailabilityTargetPercent < 0 || request.SLO.AvailabilityTargetPercent >= 100 {
		return fmt.Errorf("availability target must be within [0, 100): got %v",
			request.SLO.AvailabilityTargetPercent)
	}
	if request.SLO.LatencyThreshold < 0 {
		return fmt.Errorf("latency threshold must not be negative")
	}

	// Validate each health endpoint
	for i, endpoint := range request.HealthEndpoints {
		if endpoint.Path == "" {
			return fmt.Errorf("health endpoint %d: path is required", i)
		}
		switch endpoint.Criticality {
		case interfaces.CriticalityCritical, interfaces.CriticalityInformational:
		case "":
			return fmt.Errorf("health endpoint %d: criticality is required", i)
		default:
			return fmt.Errorf("health endpoint %d: unknown criticality %q", i, endpoint.Criticality)
		}
	}

	return nil
}

// ExtractRequest safely extracts and deserializes the request carried by a
// queued rollout
func ExtractRequest(rollout *interfaces.QueuedRollout) (*interfaces.RolloutRequest, error) {
	if rollout == nil {
		return nil, fmt.Errorf("rollout is nil")
	}
	if rollout.Request == nil {
		return nil, fmt.Errorf("rollout request is nil")
	}

	serializer := NewRequestSerializer()
	return serializer.Deserialize(rollout.Request)
}
