package distributed

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func twoStrikeBreaker(cooldown time.Duration) *CircuitBreaker {
	return NewCircuitBreaker("test", &BreakerConfig{
		Cooldown: cooldown,
		TripWhen: func(c Counts) bool { return c.ConsecutiveFailures >= 2 },
	})
}

func TestCircuitBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	cb := twoStrikeBreaker(time.Minute)
	ctx := context.Background()
	boom := errors.New("boom")

	require.ErrorIs(t, cb.Do(ctx, func() error { return boom }), boom)
	require.Equal(t, BreakerClosed, cb.State())

	require.ErrorIs(t, cb.Do(ctx, func() error { return boom }), boom)
	require.Equal(t, BreakerOpen, cb.State())

	// Open circuit rejects without running the function
	ran := false
	err := cb.Do(ctx, func() error { ran = true; return nil })
	require.ErrorIs(t, err, ErrBreakerOpen)
	assert.False(t, ran)
}

func TestCircuitBreakerClosesAfterSuccessfulProbe(t *testing.T) {
	cb := twoStrikeBreaker(20 * time.Millisecond)
	ctx := context.Background()
	boom := errors.New("boom")

	for i := 0; i < 2; i++ {
		require.Error(t, cb.Do(ctx, func() error { return boom }))
	}
	require.Equal(t, BreakerOpen, cb.State())

	time.Sleep(30 * time.Millisecond)
	require.Equal(t, BreakerHalfOpen, cb.State())

	require.NoError(t, cb.Do(ctx, func() error { return nil }))
	assert.Equal(t, BreakerClosed, cb.State())
}

func TestCircuitBreakerReopensOnFailedProbe(t *testing.T) {
	cb := twoStrikeBreaker(20 * time.Millisecond)
	ctx := context.Background()
	boom := errors.New("boom")

	for i := 0; i < 2; i++ {
		require.Error(t, cb.Do(ctx, func() error { return boom }))
	}
	time.Sleep(30 * time.Millisecond)

	require.ErrorIs(t, cb.Do(ctx, func() error { return boom }), boom)
	assert.Equal(t, BreakerOpen, cb.State())

	err := cb.Do(ctx, func() error { return nil })
	assert.ErrorIs(t, err, ErrBreakerOpen)
}

func TestCircuitBreakerAdmitsOneProbeAtATime(t *testing.T) {
	cb := twoStrikeBreaker(20 * time.Millisecond)
	ctx := context.Background()
	boom := errors.New("boom")

	for i := 0; i < 2; i++ {
		require.Error(t, cb.Do(ctx, func() error { return boom }))
	}
	time.Sleep(30 * time.Millisecond)

	release := make(chan struct{})
	probeDone := make(chan error, 1)
	go func() {
		probeDone <- cb.Do(ctx, func() error { <-release; return nil })
	}()

	require.Eventually(t, func() bool {
		return cb.State() == BreakerHalfOpen && cb.Snapshot().Requests == 1
	}, time.Second, time.Millisecond)

	err := cb.Do(ctx, func() error { return nil })
	require.ErrorIs(t, err, ErrBreakerProbing)

	close(release)
	require.NoError(t, <-probeDone)
	assert.Equal(t, BreakerClosed, cb.State())
}

func TestCircuitBreakerCountsCanceledContextAsFailure(t *testing.T) {
	cb := twoStrikeBreaker(time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ran := false
	err := cb.Do(ctx, func() error { ran = true; return nil })
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, ran)
	assert.Equal(t, int64(1), cb.Snapshot().TotalFailures)
}

func TestDefaultBreakerConfigTripRule(t *testing.T) {
	trip := DefaultBreakerConfig().TripWhen

	assert.False(t, trip(Counts{Requests: 9, TotalFailures: 9}),
		"must not trip before ten requests")
	assert.False(t, trip(Counts{Requests: 10, TotalFailures: 5}),
		"must not trip at exactly half")
	assert.True(t, trip(Counts{Requests: 10, TotalFailures: 6}))
}
