package distributed

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/rollgate/rollgate/pkg/logging"
)

// probeTimeout bounds the Redis INFO round trip so a hung server cannot
// stall the enqueue path.
const probeTimeout = time.Second

// EnqueuePolicy tunes retry, backoff, and degradation behavior for queue
// writes.
type EnqueuePolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	DelayCap    time.Duration
	Growth      float64

	Breaker *BreakerConfig

	// Redis memory limits, read from INFO used_memory before each attempt.
	// Crossing the soft limit logs a warning; crossing the hard limit
	// refuses new enqueues outright.
	MemorySoftLimit int64
	MemoryHardLimit int64

	// HoldFailed parks enqueues that failed with an overload-class error in
	// a local buffer and replays them until HoldTTL expires.
	HoldFailed bool
	HoldTTL    time.Duration
}

// DefaultEnqueuePolicy returns the production defaults.
func DefaultEnqueuePolicy() *EnqueuePolicy {
	return &EnqueuePolicy{
		MaxAttempts:     3,
		BaseDelay:       100 * time.Millisecond,
		DelayCap:        5 * time.Second,
		Growth:          2.0,
		Breaker:         DefaultBreakerConfig(),
		MemorySoftLimit: 100 << 20,
		MemoryHardLimit: 500 << 20,
		HoldFailed:      true,
		HoldTTL:         5 * time.Minute,
	}
}

// EnqueueGuard wraps queue writes with a circuit breaker, bounded retries,
// Redis memory probing, and an optional local hold queue for degraded
// periods.
type EnqueueGuard struct {
	policy  *EnqueuePolicy
	breaker *CircuitBreaker
	redis   redis.UniversalClient
	hold    *holdQueue
	logger  *logging.Logger
}

// NewEnqueueGuard builds a guard around the given Redis connection. A nil
// policy gets defaults. Connection kinds without a probe mapping still get
// the breaker and retry behavior, just no memory checks.
func NewEnqueueGuard(redisOpt asynq.RedisConnOpt, policy *EnqueuePolicy) *EnqueueGuard {
	if policy == nil {
		policy = DefaultEnqueuePolicy()
	}

	g := &EnqueueGuard{
		policy:  policy,
		breaker: NewCircuitBreaker("queue-enqueue", policy.Breaker),
		redis:   newProbeClient(redisOpt),
		logger:  logging.NewLogger("enqueue-guard"),
	}
	if policy.HoldFailed {
		g.hold = newHoldQueue(policy.HoldTTL)
	}
	return g
}

// newProbeClient builds a short-timeout client for INFO probes from the same
// connection options asynq uses. ParseRedisURI hands back value types, so
// both value and pointer forms must be handled.
func newProbeClient(opt asynq.RedisConnOpt) redis.UniversalClient {
	if p, ok := opt.(*asynq.RedisClientOpt); ok {
		opt = *p
	}
	if p, ok := opt.(*asynq.RedisClusterClientOpt); ok {
		opt = *p
	}

	switch o := opt.(type) {
	case asynq.RedisClientOpt:
		return redis.NewClient(&redis.Options{
			Addr:         o.Addr,
			Username:     o.Username,
			Password:     o.Password,
			DB:           o.DB,
			ReadTimeout:  probeTimeout,
			WriteTimeout: probeTimeout,
		})
	case asynq.RedisClusterClientOpt:
		return redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:        o.Addrs,
			Username:     o.Username,
			Password:     o.Password,
			ReadTimeout:  probeTimeout,
			WriteTimeout: probeTimeout,
		})
	default:
		return nil
	}
}

// Do runs a queue write under the breaker with retries. op labels the
// operation in logs and hold-queue entries.
func (g *EnqueueGuard) Do(ctx context.Context, op string, fn func() error) error {
	return g.breaker.Do(ctx, func() error {
		return g.attempt(ctx, op, fn)
	})
}

// attempt drives the retry loop. Non-retryable and exhausted failures either
// park in the hold queue, when the verdict allows it, or surface to the
// caller.
func (g *EnqueueGuard) attempt(ctx context.Context, op string, fn func() error) error {
	delay := g.policy.BaseDelay

	for try := 1; ; try++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s aborted: %w", op, err)
		}
		if err := g.overMemoryLimit(ctx); err != nil {
			return fmt.Errorf("refusing %s: %w", op, err)
		}

		err := fn()
		if err == nil {
			if try > 1 {
				g.logger.Info("Operation %s recovered on attempt %d", op, try)
			}
			return nil
		}

		v := classify(err)
		if !v.retry || try == g.policy.MaxAttempts {
			if g.hold != nil && v.hold {
				g.logger.Warn("Parking %s after %s failure: %v", op, v.class, err)
				return g.park(ctx, op, fn)
			}
			return fmt.Errorf("%s failed after %d attempts (%s): %w", op, try, v.class, err)
		}

		// The verdict can raise the floor on the next delay.
		if v.floor > delay {
			delay = v.floor
		}
		g.logger.Warn("Attempt %d/%d for %s failed: %v, next try in %v",
			try, g.policy.MaxAttempts, op, err, delay)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("retry wait aborted: %w", ctx.Err())
		}
		delay = time.Duration(float64(delay) * g.policy.Growth)
		if delay > g.policy.DelayCap {
			delay = g.policy.DelayCap
		}
	}
}

// overMemoryLimit probes Redis memory usage. Nil when usage is acceptable or
// the probe itself fails; an unreachable Redis surfaces through fn and the
// retry path, not through the probe.
func (g *EnqueueGuard) overMemoryLimit(ctx context.Context) error {
	if g.redis == nil {
		return nil
	}

	info, err := g.redis.Info(ctx, "memory").Result()
	if err != nil {
		return nil //nolint:nilerr // probe failures must not block the write path
	}

	used, err := usedMemoryBytes(info)
	if err != nil {
		g.logger.Warn("Unparseable Redis memory info: %v", err)
		return nil
	}

	if used >= g.policy.MemoryHardLimit {
		return &MemoryLimitError{Used: used, Limit: g.policy.MemoryHardLimit}
	}
	if used >= g.policy.MemorySoftLimit {
		g.logger.Warn("Redis memory above soft limit: %d of %d bytes", used, g.policy.MemorySoftLimit)
	}
	return nil
}

// usedMemoryBytes extracts used_memory from Redis INFO output. Lines end in
// \r\n, which TrimSpace covers.
func usedMemoryBytes(info string) (int64, error) {
	for _, line := range strings.Split(info, "\n") {
		rest, ok := strings.CutPrefix(line, "used_memory:")
		if !ok {
			continue
		}
		value := strings.TrimSpace(rest)
		used, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("bad used_memory value %q: %w", value, err)
		}
		return used, nil
	}
	return 0, errors.New("used_memory missing from INFO output")
}

// park stores the operation in the hold queue and reports success to the
// caller, so a degraded Redis does not cascade into rollout failures.
func (g *EnqueueGuard) park(ctx context.Context, op string, fn func() error) error {
	select {
	case <-ctx.Done():
		return ctx.Err() //nolint:wrapcheck // context errors pass through unwrapped
	default:
	}
	g.hold.add(op, fn)
	return nil
}

// Close releases the probe client and stops the hold queue.
func (g *EnqueueGuard) Close() error {
	if g.redis != nil {
		if err := g.redis.Close(); err != nil {
			g.logger.Error("Probe client close failed: %v", err)
		}
	}
	if g.hold != nil {
		g.hold.shutdown()
	}
	return nil
}

// MemoryLimitError reports that Redis is over the configured hard memory
// limit and new enqueues are being refused.
type MemoryLimitError struct {
	Used  int64
	Limit int64
}

func (e *MemoryLimitError) Error() string {
	return fmt.Sprintf("redis over memory limit: %d of %d bytes used", e.Used, e.Limit)
}
