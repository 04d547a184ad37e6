package main

import (
	"fmt"

	"github.com/rollgate/rollgate/internal/config"
	"github.com/rollgate/rollgate/internal/events"
	"github.com/rollgate/rollgate/internal/executor"
	"github.com/rollgate/rollgate/internal/interfaces"
	"github.com/rollgate/rollgate/internal/rollout"
	"github.com/rollgate/rollgate/internal/system"
	"github.com/rollgate/rollgate/internal/utils/components"
)

// createAttemptStore creates an attempt store based on configuration
func createAttemptStore(cfg *config.ServerConfig) (interfaces.AttemptStore, error) {
	attemptStore, err := components.CreateAttemptStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create attempt store: %w", err)
	}
	return attemptStore, nil
}

// createBackendFactory creates a compute backend factory based on configuration
func createBackendFactory(cfg *config.ServerConfig) (interfaces.BackendFactory, error) {
	factory, err := components.CreateBackendFactory(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create backend factory: %w", err)
	}
	return factory, nil
}

// createSignalFactory creates a signal source factory based on configuration
func createSignalFactory(cfg *config.ServerConfig) (interfaces.SignalFactory, error) {
	factory, err := components.CreateSignalFactory(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create signal factory: %w", err)
	}
	return factory, nil
}

// rolloutSystem is the assembled execution stack shared by the server and
// the one-shot rollout command.
type rolloutSystem struct {
	components   *system.BackgroundSystemComponents
	eventBus     *events.EventBus
	attemptStore interfaces.AttemptStore
}

// assembleRolloutSystem builds the store, controller, executor and
// background system from cfg and subscribes the tracker to rollout events.
// The worker pool is left stopped so callers can attach further
// subscribers first.
func assembleRolloutSystem(cfg *config.ServerConfig) (*rolloutSystem, error) {
	attemptStore, err := createAttemptStore(cfg)
	if err != nil {
		return nil, err
	}
	backends, err := createBackendFactory(cfg)
	if err != nil {
		return nil, err
	}
	signals, err := createSignalFactory(cfg)
	if err != nil {
		return nil, err
	}

	eventBus := events.NewEventBus()
	controller := rollout.NewController(
		rollout.WithEventBus(eventBus),
		rollout.WithSignalFactory(signals),
		rollout.WithRecordStore(attemptStore),
	)
	rolloutExecutor, err := executor.New(backends, controller)
	if err != nil {
		return nil, fmt.Errorf("failed to create rollout executor: %w", err)
	}

	sys, err := system.NewBackgroundSystem(cfg, rolloutExecutor.Execute, attemptStore)
	if err != nil {
		return nil, fmt.Errorf("failed to create background system: %w", err)
	}
	events.ConnectTrackerToEventBus(eventBus, sys.Tracker)

	return &rolloutSystem{
		components:   sys,
		eventBus:     eventBus,
		attemptStore: attemptStore,
	}, nil
}
