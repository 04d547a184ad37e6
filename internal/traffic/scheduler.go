// Package traffic builds and executes stepwise traffic-shift plans. A plan
// is a fixed schedule of (percent, hold) steps derived from the rollout
// strategy; execution walks the plan forward only, with every hold
// interruptible by cancellation or an external abort signal.
package traffic

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rollgate/rollgate/internal/interfaces"
	"github.com/rollgate/rollgate/pkg/logging"
)

var (
	// ErrUnknownStrategy indicates a strategy name with no fixed schedule
	ErrUnknownStrategy = errors.New("unknown rollout strategy")

	// ErrInvalidPlan indicates a plan that violates the forward-only contract
	ErrInvalidPlan = errors.New("invalid traffic plan")

	// ErrAborted indicates execution was pre-empted by cancellation or an
	// external abort signal before the plan completed
	ErrAborted = errors.New("traffic shift aborted")
)

// BuildPlan returns the fixed step schedule for a strategy. Canary schedules
// hold the final 100% step for one bake window so post-shift burn samples
// exist before the plan is declared complete.
func BuildPlan(strategy interfaces.Strategy) ([]interfaces.TrafficStep, error) {
	switch strategy {
	case interfaces.StrategyAllAtOnce:
		return []interfaces.TrafficStep{{Percent: 100, Hold: 0}}, nil
	case interfaces.StrategyLinear10m1:
		return linearSteps(time.Minute), nil
	case interfaces.StrategyLinear10m3:
		return linearSteps(3 * time.Minute), nil
	case interfaces.StrategyCanary5m:
		return []interfaces.TrafficStep{
			{Percent: 10, Hold: 5 * time.Minute},
			{Percent: 100, Hold: 5 * time.Minute},
		}, nil
	case interfaces.StrategyCanary15m:
		return []interfaces.TrafficStep{
			{Percent: 10, Hold: 15 * time.Minute},
			{Percent: 100, Hold: 15 * time.Minute},
		}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, strategy)
	}
}

func linearSteps(hold time.Duration) []interfaces.TrafficStep {
	steps := make([]interfaces.TrafficStep, 0, 10)
	for percent := 10; percent <= 100; percent += 10 {
		steps = append(steps, interfaces.TrafficStep{Percent: percent, Hold: hold})
	}
	return steps
}

// ValidatePlan rejects plans that would move traffic backwards or outside
// 0-100. Traffic only increases while progressing forward; the only path
// that ever decreases it is the controller's explicit rollback.
func ValidatePlan(plan []interfaces.TrafficStep) error {
	previous := 0
	for i, step := range plan {
		if step.Percent <= 0 || step.Percent > 100 {
			return fmt.Errorf("%w: step %d percent %d out of range", ErrInvalidPlan, i+1, step.Percent)
		}
		if step.Percent < previous {
			return fmt.Errorf("%w: step %d decreases traffic from %d%% to %d%%", ErrInvalidPlan, i+1, previous, step.Percent)
		}
		if step.Hold < 0 {
			return fmt.Errorf("%w: step %d has negative hold", ErrInvalidPlan, i+1)
		}
		previous = step.Percent
	}
	if len(plan) > 0 && previous != 100 {
		return fmt.Errorf("%w: plan ends at %d%%, not 100%%", ErrInvalidPlan, previous)
	}
	return nil
}

// PlanDuration returns the total hold time of a plan
func PlanDuration(plan []interfaces.TrafficStep) time.Duration {
	var total time.Duration
	for _, step := range plan {
		total += step.Hold
	}
	return total
}

// Gate is consulted after each step's hold completes. A non-nil error aborts
// the remaining plan.
type Gate func(ctx context.Context, step interfaces.TrafficStep) error

// Scheduler executes traffic plans against one backend
type Scheduler struct {
	backend interfaces.ComputeBackend
	logger  *logging.Logger
}

// NewScheduler creates a scheduler shifting traffic on the given backend
func NewScheduler(backend interfaces.ComputeBackend) *Scheduler {
	return &Scheduler{
		backend: backend,
		logger:  logging.NewLogger("traffic-shift"),
	}
}

// Execute walks the plan in order: scale, hold, gate. Holds are interruptible
// sleeps racing a timer against ctx and the abort channel, so an external
// signal wakes a hold early instead of waiting it out. A message received on
// abort carries the reason and fails execution with ErrAborted.
func (s *Scheduler) Execute(ctx context.Context, handle *interfaces.DeployHandle, plan []interfaces.TrafficStep, gate Gate, abort <-chan string) error {
	if err := ValidatePlan(plan); err != nil {
		return err
	}

	for i, step := range plan {
		select {
		case reason := <-abort:
			return fmt.Errorf("%w before step %d: %s", ErrAborted, i+1, reason)
		case <-ctx.Done():
			return fmt.Errorf("%w before step %d: %v", ErrAborted, i+1, ctx.Err())
		default:
		}

		if err := s.backend.ScaleTrafficPercentage(ctx, handle, step.Percent); err != nil {
			return fmt.Errorf("scaling to %d%%: %w", step.Percent, err)
		}
		s.logger.Info("step %d/%d: %d%% of traffic shifted, holding %s", i+1, len(plan), step.Percent, step.Hold)

		if err := s.hold(ctx, step, abort); err != nil {
			return err
		}

		if gate != nil {
			if err := gate(ctx, step); err != nil {
				return fmt.Errorf("gate rejected step at %d%%: %w", step.Percent, err)
			}
		}
	}
	return nil
}

func (s *Scheduler) hold(ctx context.Context, step interfaces.TrafficStep, abort <-chan string) error {
	if step.Hold <= 0 {
		return nil
	}

	timer := time.NewTimer(step.Hold)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case reason := <-abort:
		return fmt.Errorf("%w during %d%% hold: %s", ErrAborted, step.Percent, reason)
	case <-ctx.Done():
		return fmt.Errorf("%w during %d%% hold: %v", ErrAborted, step.Percent, ctx.Err())
	}
}
