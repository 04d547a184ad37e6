// Package interfaces defines core interfaces and configuration types for system components
package interfaces

import (
	"context"
	"time"
)

// ComponentFactory defines the interface for creating system components.
// Worker pools are not built here: they need the queue and executor, which
// the system wires together itself.
type ComponentFactory interface {
	CreateAttemptStore(config StoreConfig) (AttemptStore, error)
	CreateBackendFactory(config BackendFactoryConfig) (BackendFactory, error)
	CreateSignalFactory(config SignalFactoryConfig) (SignalFactory, error)
}

// StoreConfig provides configuration for creating an AttemptStore
type StoreConfig struct {
	Type             string // "memory", "file", "sqlite", "aws"
	ConnectionString string
	Options          map[string]interface{}
}

// BackendFactoryConfig provides configuration for creating a BackendFactory
type BackendFactoryConfig struct {
	Region      string
	EndpointURL string
	Options     map[string]interface{}
}

// SignalFactoryConfig provides configuration for creating a SignalFactory
type SignalFactoryConfig struct {
	Region      string
	EndpointURL string
	Options     map[string]interface{}
}

// RetryConfig provides retry configuration for a component
type RetryConfig struct {
	MaxRetries      int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	Multiplier      float64
	RandomizeFactor float64
}

// RolloutExecutor executes a single queued rollout end to end and returns
// its result. The worker pool drives implementations of this interface.
type RolloutExecutor interface {
	Execute(ctx context.Context, rollout *QueuedRollout) (*RolloutResult, error)
}
