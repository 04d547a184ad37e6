package interfaces

import (
	"context"
	"fmt"
	"time"
)

// BackendHandle identifies a compute backend instance. It is supplied by the
// provisioning pipeline (a cluster/service pair, a host-group tag) and is the
// serialization point for rollouts: at most one attempt runs per handle.
type BackendHandle string

// Backend type discriminators used by BackendConfig and the backend factory
const (
	BackendTypeTaskFleet = "task-fleet"
	BackendTypeInPlace   = "in-place"
	BackendTypeMock      = "mock"
)

// DeployHandle represents one in-flight deployment on a backend. It is
// returned by DeployVersion and threaded through the subsequent calls so
// implementations can serialize work per backend.
type DeployHandle struct {
	Backend   BackendHandle `json:"backend"`
	Version   VersionRef    `json:"version"`
	StartedAt time.Time     `json:"started_at"`
}

// ComputeBackend is the uniform abstraction over a set of running instances
// serving a version. Variants differ in mechanics (replace-and-wait vs
// push-and-restart) but expose the same five operations. Mutating calls are
// idempotent from the caller's perspective: a second DeployVersion with the
// same ref while one is in flight returns the existing handle instead of
// creating duplicate work.
type ComputeBackend interface {
	// Handle returns the backend's identity
	Handle() BackendHandle

	// CurrentVersion reports the version currently live on the backend.
	// It is the sole source of truth for "what is live now".
	CurrentVersion(ctx context.Context) (VersionRef, error)

	// DeployVersion starts rolling the given version onto the backend.
	// Fails with BackendUnavailable or InvalidVersion.
	DeployVersion(ctx context.Context, ref VersionRef) (*DeployHandle, error)

	// ScaleTrafficPercentage routes the given percentage of traffic to the
	// deployment identified by handle. Fails with UnsupportedStrategy when
	// the backend variant cannot shift partial traffic.
	ScaleTrafficPercentage(ctx context.Context, handle *DeployHandle, percent int) error

	// WaitStable blocks until the backend reports all replacement instances
	// healthy, or fails with StabilizationTimeout.
	WaitStable(ctx context.Context, handle *DeployHandle, timeout time.Duration) error

	// IsHealthySelf reports the backend's own cheap health signal, distinct
	// from endpoint probing.
	IsHealthySelf(ctx context.Context, handle *DeployHandle) (bool, error)
}

// BackendConfig describes how to construct a compute backend
type BackendConfig struct {
	Type    string                 `json:"type"`
	Options map[string]interface{} `json:"options,omitempty"`
}

// Label derives the handle the configured backend will identify itself with,
// mirroring the format each variant mints. Trackers use it to index attempts
// before the backend itself is constructed.
func (c BackendConfig) Label() BackendHandle {
	opt := func(key string) string {
		if c.Options == nil {
			return ""
		}
		s, _ := c.Options[key].(string)
		return s
	}

	switch c.Type {
	case BackendTypeTaskFleet:
		if cluster, service := opt("cluster"), opt("service"); cluster != "" && service != "" {
			return BackendHandle(fmt.Sprintf("task-fleet:%s/%s", cluster, service))
		}
	case BackendTypeInPlace:
		if group := opt("hostGroupTag"); group != "" {
			tagKey := opt("tagKey")
			if tagKey == "" {
				tagKey = "rollout-group"
			}
			return BackendHandle(fmt.Sprintf("in-place:%s=%s", tagKey, group))
		}
	case BackendTypeMock:
		if handle := opt("handle"); handle != "" {
			return BackendHandle(handle)
		}
		return "mock"
	}
	return BackendHandle(c.Type)
}

// BackendFactory creates ComputeBackend instances from configuration
type BackendFactory interface {
	CreateBackend(ctx context.Context, config BackendConfig) (ComputeBackend, error)
}
