// Package executor bridges the job system and the rollout controller: it
// turns a queued rollout into a live attempt against a freshly constructed
// compute backend.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rollgate/rollgate/internal/events"
	"github.com/rollgate/rollgate/internal/interfaces"
	"github.com/rollgate/rollgate/internal/rollout"
	"github.com/rollgate/rollgate/pkg/logging"
)

// defaultAttemptTimeout caps one attempt end to end. The slowest strategy
// (canary-10-15m) spends 30m holding plus stabilization, health rounds, and a
// possible rollback, so the cap sits well above that.
const defaultAttemptTimeout = 2 * time.Hour

// RolloutExecutor executes queued rollouts through the rollout controller.
// Backends are constructed per rollout from the request's backend config; the
// controller and its in-flight registry are shared across executions.
type RolloutExecutor struct {
	backends   interfaces.BackendFactory
	controller *rollout.Controller
	timeout    time.Duration
	logger     *logging.Logger
}

// Option is a functional option for configuring a RolloutExecutor
type Option func(*RolloutExecutor)

// WithTimeout sets a custom per-attempt timeout for the executor
func WithTimeout(timeout time.Duration) Option {
	return func(e *RolloutExecutor) {
		if timeout > 0 {
			e.timeout = timeout
		}
	}
}

// WithLogger sets a custom logger
func WithLogger(logger *logging.Logger) Option {
	return func(e *RolloutExecutor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// New creates a rollout executor
func New(backends interfaces.BackendFactory, controller *rollout.Controller, opts ...Option) (*RolloutExecutor, error) {
	if backends == nil {
		return nil, errors.New("backend factory is required")
	}
	if controller == nil {
		return nil, errors.New("rollout controller is required")
	}

	executor := &RolloutExecutor{
		backends:   backends,
		controller: controller,
		timeout:    defaultAttemptTimeout,
		logger:     logging.NewLogger("rollout-executor"),
	}
	for _, opt := range opts {
		opt(executor)
	}
	return executor, nil
}

// GetEventBus returns the event bus for subscribing to attempt events
func (e *RolloutExecutor) GetEventBus() *events.EventBus {
	return e.controller.GetEventBus()
}

// Execute runs one queued rollout end to end. The result carries the attempt
// record whenever one was produced; the error reports anything short of a
// STABLE outcome so the job system can mark the rollout failed.
func (e *RolloutExecutor) Execute(ctx context.Context, queued *interfaces.QueuedRollout) (*interfaces.RolloutResult, error) {
	request, err := rollout.ExtractRequest(queued)
	if err != nil {
		return nil, fmt.Errorf("extracting rollout request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	backend, err := e.backends.CreateBackend(ctx, request.Backend)
	if err != nil {
		e.GetEventBus().PublishStatusChange(queued.ID, interfaces.RolloutStatusFailed)
		return nil, fmt.Errorf("constructing %s backend: %w", request.Backend.Type, err)
	}

	e.logger.Info("rollout %s: executing attempt for %s on %s",
		queued.ID, request.TargetVersionRef, backend.Handle())
	e.GetEventBus().PublishStatusChange(queued.ID, interfaces.RolloutStatusProcessing)

	attempt, err := e.controller.Run(ctx, backend, *request)
	result := e.buildResult(queued.ID, attempt)
	e.publishOutcome(queued.ID, result)
	if err != nil {
		// Entry rejection or pre-mutation failure: nothing was rolled out
		return result, err
	}
	if !result.Success() {
		return result, fmt.Errorf("attempt %s ended %s: %s", attempt.ID, attempt.State, attempt.LastError)
	}
	return result, nil
}

// publishOutcome mirrors the attempt's terminal outcome onto the queue-level
// rollout ID. The controller's own events carry attempt IDs; bus subscribers
// tracking queued rollouts need the queue's key. A nil result means the
// attempt was rejected before a record existed, reported as a plain failure.
func (e *RolloutExecutor) publishOutcome(rolloutID string, result *interfaces.RolloutResult) {
	bus := e.GetEventBus()
	if result == nil {
		bus.PublishStatusChange(rolloutID, interfaces.RolloutStatusFailed)
		return
	}
	bus.PublishResult(rolloutID, result)
}

// buildResult assembles the rollout result from the attempt record. A nil
// attempt (rejected before an ID was minted) yields a nil result.
func (e *RolloutExecutor) buildResult(rolloutID string, attempt *interfaces.RolloutAttempt) *interfaces.RolloutResult {
	if attempt == nil {
		return nil
	}
	result := &interfaces.RolloutResult{
		RolloutID:   rolloutID,
		Outcome:     attempt.Outcome,
		Attempt:     attempt,
		CompletedAt: time.Now(),
	}
	if attempt.EndedAt != nil {
		result.CompletedAt = *attempt.EndedAt
	}
	if attempt.LastError != "" {
		result.Error = errors.New(attempt.LastError)
	}
	return result
}
