// Package testutil provides test utilities and factories for distributed infrastructure testing.
package testutil

import (
	"fmt"
	"time"

	"github.com/rollgate/rollgate/internal/interfaces"
)

// CreateTestRollout creates a test rollout with reasonable defaults
func CreateTestRollout(id string) *interfaces.QueuedRollout {
	return &interfaces.QueuedRollout{
		ID:        id,
		Status:    interfaces.RolloutStatusQueued,
		CreatedAt: time.Now(),
		Request: &interfaces.RolloutRequest{
			TargetVersionRef: interfaces.VersionRef(fmt.Sprintf("app:%s", id)),
			Strategy:         interfaces.StrategyAllAtOnce,
			Backend: interfaces.BackendConfig{
				Type: interfaces.BackendTypeMock,
				Options: map[string]interface{}{
					"handle": fmt.Sprintf("mock-%s", id),
				},
			},
			SLO: interfaces.SLOConfig{
				AvailabilityTargetPercent: 99.9,
				LatencyThreshold:          250 * time.Millisecond,
			},
			HealthEndpoints: []interfaces.HealthEndpoint{
				{Path: "/healthz", Criticality: interfaces.CriticalityCritical},
			},
			Options: interfaces.RolloutOptions{
				StabilizationTimeout: 5 * time.Minute,
				MaxRetries:           3,
			},
			Metadata: map[string]interface{}{
				"test": true,
			},
		},
	}
}

// CreateTestRolloutWithEndpoints creates a rollout probing multiple endpoints
func CreateTestRolloutWithEndpoints(id string, endpointCount int) *interfaces.QueuedRollout {
	rollout := CreateTestRollout(id)
	rollout.Request.HealthEndpoints = make([]interfaces.HealthEndpoint, endpointCount)

	for i := 0; i < endpointCount; i++ {
		rollout.Request.HealthEndpoints[i] = interfaces.HealthEndpoint{
			Path:        fmt.Sprintf("/healthz/%s-%d", id, i),
			Criticality: interfaces.CriticalityCritical,
		}
	}

	return rollout
}

// CreateTestEndpoint creates an informational health endpoint
func CreateTestEndpoint(path string) interfaces.HealthEndpoint {
	return interfaces.HealthEndpoint{
		Path:        path,
		Criticality: interfaces.CriticalityInformational,
	}
}

// CreateLargeRollout creates a rollout with a bulky request for load testing
func CreateLargeRollout(id string) *interfaces.QueuedRollout {
	rollout := CreateTestRollout(id)
	rollout.Request.Strategy = interfaces.StrategyCanary5m

	// Probe 10 endpoints
	rollout.Request.HealthEndpoints = make([]interfaces.HealthEndpoint, 10)
	for i := 0; i < 10; i++ {
		rollout.Request.HealthEndpoints[i] = CreateTestEndpoint(fmt.Sprintf("/deep/%s-%d", id, i))
	}

	// Watch 10 alarms
	rollout.Request.Observe = interfaces.ObserveConfig{
		MetricsNamespace: "test/rollouts",
		Dimensions: map[string]string{
			"service": id,
			"env":     "test",
		},
		AlarmNames: make([]string, 10),
	}
	for i := 0; i < 10; i++ {
		rollout.Request.Observe.AlarmNames[i] = fmt.Sprintf("alarm-%s-%d", id, i)
	}

	// Pad metadata so the serialized request is comfortably large
	rollout.Request.Metadata = make(map[string]interface{}, 50)
	for i := 0; i < 50; i++ {
		rollout.Request.Metadata[fmt.Sprintf("annotation-%d", i)] = fmt.Sprintf(
			"This is some test data for entry %d in rollout %s", i, id)
	}

	return rollout
}
