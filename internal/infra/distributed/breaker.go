// Package distributed provides the Redis-backed rollout queue, tracker, and
// worker pool, plus the resilience components they share.
package distributed

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rollgate/rollgate/pkg/logging"
)

// Breaker admission errors. Both are returned before the wrapped function
// runs, so callers can tell rejection apart from execution failure.
var (
	ErrBreakerOpen    = errors.New("circuit breaker open")
	ErrBreakerProbing = errors.New("circuit breaker half-open, probe already in flight")
)

// BreakerState is the position of the circuit: closed circuits admit every
// request, open circuits admit none, half-open circuits admit a single probe.
type BreakerState int32

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

// String returns the state name used in logs.
func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Counts accumulates request outcomes within the current breaker generation.
type Counts struct {
	Requests             int64
	TotalSuccesses       int64
	TotalFailures        int64
	ConsecutiveSuccesses int64
	ConsecutiveFailures  int64
}

// BreakerConfig tunes when the circuit trips and how long it stays open.
type BreakerConfig struct {
	// Cooldown is how long an open circuit waits before admitting a probe.
	Cooldown time.Duration
	// TripWhen is consulted after every failure while closed; returning true
	// opens the circuit.
	TripWhen func(Counts) bool
	// OnChange, when set, observes every state transition.
	OnChange func(name string, from, to BreakerState)
}

// DefaultBreakerConfig trips at a 50% failure rate once ten requests have
// been seen, with a thirty second cooldown before probing.
func DefaultBreakerConfig() *BreakerConfig {
	return &BreakerConfig{
		Cooldown: 30 * time.Second,
		TripWhen: func(c Counts) bool {
			return c.Requests >= 10 && c.TotalFailures > c.Requests/2
		},
	}
}

// CircuitBreaker guards a dependency with the usual closed/open/half-open
// cycle. A generation counter ties each outcome report to the state that
// admitted the request; reports from a superseded generation are dropped
// because their counts were already reset.
type CircuitBreaker struct {
	name string
	cfg  *BreakerConfig
	log  *logging.Logger

	mu     sync.Mutex
	state  BreakerState
	counts Counts
	gen    int64
	reopen time.Time
}

// NewCircuitBreaker creates a closed breaker. A nil config gets defaults.
func NewCircuitBreaker(name string, cfg *BreakerConfig) *CircuitBreaker {
	if cfg == nil {
		cfg = DefaultBreakerConfig()
	}
	return &CircuitBreaker{
		name: name,
		cfg:  cfg,
		log:  logging.NewLogger("circuit-breaker"),
	}
}

// Do runs fn if the circuit admits it. Panics propagate after being counted
// as failures.
func (cb *CircuitBreaker) Do(ctx context.Context, fn func() error) error {
	gen, err := cb.admit()
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			cb.record(gen, false)
			panic(r)
		}
	}()

	if err := ctx.Err(); err != nil {
		cb.record(gen, false)
		return err //nolint:wrapcheck // context errors pass through unwrapped
	}

	err = fn()
	cb.record(gen, err == nil)
	return err
}

// admit decides whether a request may proceed and returns the generation it
// was admitted under.
func (cb *CircuitBreaker) admit() (int64, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch state := cb.refresh(time.Now()); {
	case state == BreakerOpen:
		return cb.gen, ErrBreakerOpen
	case state == BreakerHalfOpen && cb.counts.Requests > 0:
		return cb.gen, ErrBreakerProbing
	}

	cb.counts.Requests++
	return cb.gen, nil
}

// record reports the outcome of a request admitted under gen.
func (cb *CircuitBreaker) record(gen int64, ok bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	state := cb.refresh(now)
	if gen != cb.gen {
		return
	}

	if ok {
		cb.counts.TotalSuccesses++
		cb.counts.ConsecutiveSuccesses++
		cb.counts.ConsecutiveFailures = 0
		if state == BreakerHalfOpen {
			cb.transition(BreakerClosed, now)
		}
		return
	}

	cb.counts.TotalFailures++
	cb.counts.ConsecutiveFailures++
	cb.counts.ConsecutiveSuccesses = 0
	switch state {
	case BreakerClosed:
		if cb.cfg.TripWhen != nil && cb.cfg.TripWhen(cb.counts) {
			cb.transition(BreakerOpen, now)
		}
	case BreakerHalfOpen:
		cb.transition(BreakerOpen, now)
	case BreakerOpen:
		// admit never lets a request through an open circuit in the
		// same generation, so there is nothing to record here
	}
}

// refresh moves an open circuit whose cooldown has elapsed into half-open.
// Caller must hold mu.
func (cb *CircuitBreaker) refresh(now time.Time) BreakerState {
	if cb.state == BreakerOpen && cb.reopen.Before(now) {
		cb.transition(BreakerHalfOpen, now)
	}
	return cb.state
}

// transition changes state, resets the counts, and bumps the generation.
// Caller must hold mu.
func (cb *CircuitBreaker) transition(to BreakerState, now time.Time) {
	if cb.state == to {
		return
	}

	from := cb.state
	cb.state = to
	cb.gen++
	cb.counts = Counts{}

	if to == BreakerOpen {
		cb.reopen = now.Add(cb.cfg.Cooldown)
	} else {
		cb.reopen = time.Time{}
	}

	cb.log.Info("Circuit %s moved from %s to %s", cb.name, from, to)
	if cb.cfg.OnChange != nil {
		cb.cfg.OnChange(cb.name, from, to)
	}
}

// State reports the current state, applying the cooldown transition first.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.refresh(time.Now())
}

// Snapshot returns a copy of the counts for the current generation.
func (cb *CircuitBreaker) Snapshot() Counts {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.counts
}
