//go:build integration
// +build integration

package distributed_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rollgate/rollgate/internal/backend"
	"github.com/rollgate/rollgate/internal/executor"
	"github.com/rollgate/rollgate/internal/infra/distributed"
	"github.com/rollgate/rollgate/internal/infra/distributed/testutil"
	"github.com/rollgate/rollgate/internal/interfaces"
	"github.com/rollgate/rollgate/internal/rollout"
)

func TestDistributedSystem_EndToEnd(t *testing.T) {
	t.Parallel()
	// Setup Redis container
	redisSetup := testutil.SetupRedis(t)

	// Parse Redis connection options
	redisOpt := testutil.ParseRedisOpt(t, redisSetup.URL)

	// Create queue
	queue, err := distributed.NewQueue(redisSetup.URL)
	require.NoError(t, err)
	defer queue.Close()

	// Create tracker
	tracker, err := distributed.NewTracker(redisOpt)
	require.NoError(t, err)
	defer tracker.Close()

	// Track executor calls
	executorCalled := int32(0)
	testExecutor := func(_ context.Context, r *interfaces.QueuedRollout) (*interfaces.RolloutResult, error) {
		atomic.AddInt32(&executorCalled, 1)
		// Simulate some work
		time.Sleep(50 * time.Millisecond)
		return &interfaces.RolloutResult{
			RolloutID:   r.ID,
			Outcome:     interfaces.OutcomeStable,
			CompletedAt: time.Now(),
		}, nil
	}

	// Create worker pool
	poolConfig := distributed.WorkerPoolConfig{
		RedisURL:    redisSetup.URL,
		Tracker:     tracker,
		Executor:    distributed.RolloutExecutor(testExecutor),
		Concurrency: 2,
		QueueConfig: map[string]int{
			"rollouts": 1,
		},
	}

	pool, err := distributed.NewWorkerPool(poolConfig)
	require.NoError(t, err)

	// Start processing
	pool.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		pool.Stop(ctx)
	})

	// Create and process rollout
	rollout := testutil.CreateTestRollout("e2e-test-1")

	// Register
	err = tracker.Register(rollout)
	require.NoError(t, err)

	// Enqueue
	err = queue.Enqueue(context.Background(), rollout)
	require.NoError(t, err)

	// Wait for processing
	assert.Eventually(t, func() bool {
		status, err := tracker.GetStatus(rollout.ID)
		if err != nil {
			return false
		}
		return status != nil && *status == interfaces.RolloutStatusCompleted
	}, 5*time.Second, 100*time.Millisecond, "Rollout should be completed")

	// Verify executor was called
	assert.Equal(t, int32(1), atomic.LoadInt32(&executorCalled))

	// Result should be stored alongside the status
	result, err := tracker.GetResult(rollout.ID)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, interfaces.OutcomeStable, result.Outcome)
	assert.True(t, result.Success())
}

func TestDistributedSystem_MultipleRollouts(t *testing.T) {
	t.Parallel()
	redisSetup := testutil.SetupRedis(t)
	redisOpt := testutil.ParseRedisOpt(t, redisSetup.URL)

	queue, err := distributed.NewQueue(redisSetup.URL)
	require.NoError(t, err)
	defer queue.Close()

	tracker, err := distributed.NewTracker(redisOpt)
	require.NoError(t, err)
	defer tracker.Close()

	// Track processing
	var processedCount int32
	var mu sync.Mutex
	processedIDs := make(map[string]bool)

	testExecutor := func(_ context.Context, r *interfaces.QueuedRollout) (*interfaces.RolloutResult, error) {
		atomic.AddInt32(&processedCount, 1)
		mu.Lock()
		processedIDs[r.ID] = true
		mu.Unlock()

		// Simulate varying work
		time.Sleep(time.Duration(10+len(r.ID)%20) * time.Millisecond)
		return &interfaces.RolloutResult{
			RolloutID:   r.ID,
			Outcome:     interfaces.OutcomeStable,
			CompletedAt: time.Now(),
		}, nil
	}

	// Create worker pool with more concurrency
	poolConfig := distributed.WorkerPoolConfig{
		RedisURL:    redisSetup.URL,
		Tracker:     tracker,
		Executor:    distributed.RolloutExecutor(testExecutor),
		Concurrency: 5,
		QueueConfig: map[string]int{
			"rollouts": 3,
		},
	}

	pool, err := distributed.NewWorkerPool(poolConfig)
	require.NoError(t, err)

	pool.Start()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		pool.Stop(ctx)
	}()

	// Create and enqueue multiple rollouts
	const numRollouts = 10
	for i := 0; i < numRollouts; i++ {
		rollout := testutil.CreateTestRollout(fmt.Sprintf("multi-test-%d", i))

		err = tracker.Register(rollout)
		require.NoError(t, err)

		err = queue.Enqueue(context.Background(), rollout)
		require.NoError(t, err)
	}

	// Wait for all to complete
	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&processedCount) == numRollouts
	}, 10*time.Second, 100*time.Millisecond)

	// Verify all were processed
	mu.Lock()
	assert.Len(t, processedIDs, numRollouts)
	mu.Unlock()

	// Wait for all rollouts to have completed status in tracker
	assert.Eventually(t, func() bool {
		rollouts, err := tracker.List(interfaces.RolloutFilter{
			Status: []interfaces.RolloutStatus{interfaces.RolloutStatusCompleted},
		})
		if err != nil {
			return false
		}
		return len(rollouts) >= numRollouts
	}, 5*time.Second, 100*time.Millisecond, "Not all rollouts reached completed status")
}

func TestDistributedSystem_ErrorHandling(t *testing.T) {
	t.Parallel()
	redisSetup := testutil.SetupRedis(t)
	redisOpt := testutil.ParseRedisOpt(t, redisSetup.URL)

	queue, err := distributed.NewQueue(redisSetup.URL)
	require.NoError(t, err)
	defer queue.Close()

	tracker, err := distributed.NewTracker(redisOpt)
	require.NoError(t, err)
	defer tracker.Close()

	// Executor that fails for specific rollouts
	testExecutor := func(_ context.Context, r *interfaces.QueuedRollout) (*interfaces.RolloutResult, error) {
		if r.ID == "fail-test" {
			return nil, fmt.Errorf("simulated failure")
		}
		return &interfaces.RolloutResult{
			RolloutID:   r.ID,
			Outcome:     interfaces.OutcomeStable,
			CompletedAt: time.Now(),
		}, nil
	}

	poolConfig := distributed.WorkerPoolConfig{
		RedisURL:    redisSetup.URL,
		Tracker:     tracker,
		Executor:    distributed.RolloutExecutor(testExecutor),
		Concurrency: 2,
		QueueConfig: map[string]int{
			"rollouts": 1,
		},
	}

	pool, err := distributed.NewWorkerPool(poolConfig)
	require.NoError(t, err)

	pool.Start()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		pool.Stop(ctx)
	}()

	// Create failing rollout
	rollout := testutil.CreateTestRollout("fail-test")
	rollout.Request.Options.MaxRetries = 0 // No retries

	err = tracker.Register(rollout)
	require.NoError(t, err)

	err = queue.Enqueue(context.Background(), rollout)
	require.NoError(t, err)

	// Should eventually fail
	assert.Eventually(t, func() bool {
		status, err := tracker.GetStatus(rollout.ID)
		if err != nil {
			return false
		}
		return status != nil && *status == interfaces.RolloutStatusFailed
	}, 5*time.Second, 100*time.Millisecond)

	// The failure reason is preserved
	stored, err := tracker.GetByID(rollout.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.LastError)
	assert.Contains(t, stored.LastError.Error(), "simulated failure")
}

func TestDistributedSystem_CancelActiveRollout(t *testing.T) {
	t.Parallel()
	redisSetup := testutil.SetupRedis(t)
	redisOpt := testutil.ParseRedisOpt(t, redisSetup.URL)

	queue, err := distributed.NewQueue(redisSetup.URL)
	require.NoError(t, err)
	defer queue.Close()

	tracker, err := distributed.NewTracker(redisOpt)
	require.NoError(t, err)
	defer tracker.Close()

	// Executor that blocks until its context is canceled, then reports
	// the rollback it would have performed
	var executorCalls int32
	started := make(chan struct{}, 1)
	testExecutor := func(ctx context.Context, r *interfaces.QueuedRollout) (*interfaces.RolloutResult, error) {
		atomic.AddInt32(&executorCalls, 1)
		started <- struct{}{}
		<-ctx.Done()
		return &interfaces.RolloutResult{
			RolloutID:   r.ID,
			Outcome:     interfaces.OutcomeRolledBack,
			Error:       ctx.Err(),
			CompletedAt: time.Now(),
		}, ctx.Err()
	}

	poolConfig := distributed.WorkerPoolConfig{
		RedisURL:    redisSetup.URL,
		Tracker:     tracker,
		Executor:    distributed.RolloutExecutor(testExecutor),
		Concurrency: 2,
		QueueConfig: map[string]int{
			"rollouts": 1,
		},
	}

	pool, err := distributed.NewWorkerPool(poolConfig)
	require.NoError(t, err)

	pool.Start()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		pool.Stop(ctx)
	}()

	rollout := testutil.CreateTestRollout("cancel-active-test")
	require.NoError(t, tracker.Register(rollout))
	require.NoError(t, queue.Enqueue(context.Background(), rollout))

	// Wait until the worker is inside the executor
	select {
	case <-started:
	case <-time.After(10 * time.Second):
		t.Fatal("executor never started")
	}

	// Mark the cancellation intent, then cancel the running handler
	require.NoError(t, tracker.SetStatus(rollout.ID, interfaces.RolloutStatusCanceling))
	require.True(t, pool.CancelActive(rollout.ID), "rollout should be active and cancelable")

	// The rollout settles as canceled, not failed
	assert.Eventually(t, func() bool {
		status, err := tracker.GetStatus(rollout.ID)
		if err != nil {
			return false
		}
		return status != nil && *status == interfaces.RolloutStatusCanceled
	}, 10*time.Second, 100*time.Millisecond, "rollout should settle as canceled")

	// The rollback result is preserved alongside the canceled status
	result, err := tracker.GetResult(rollout.ID)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, interfaces.OutcomeRolledBack, result.Outcome)

	// Canceled rollouts are acked, never retried
	assert.Equal(t, int32(1), atomic.LoadInt32(&executorCalls))
}

func TestDistributedSystem_WithRealExecutor(t *testing.T) {
	t.Parallel()
	redisSetup := testutil.SetupRedis(t)
	redisOpt := testutil.ParseRedisOpt(t, redisSetup.URL)

	queue, err := distributed.NewQueue(redisSetup.URL)
	require.NoError(t, err)
	defer queue.Close()

	tracker, err := distributed.NewTracker(redisOpt)
	require.NoError(t, err)
	defer tracker.Close()

	// Health endpoints answer from a local server
	healthSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer healthSrv.Close()

	// Real executor over the real backend factory; the request below picks
	// the simulated backend variant
	factory := backend.NewFactory(interfaces.BackendFactoryConfig{})
	controller := rollout.NewController()
	rolloutExecutor, err := executor.New(factory, controller, executor.WithTimeout(30*time.Second))
	require.NoError(t, err)

	// Create worker pool with real executor
	poolConfig := distributed.WorkerPoolConfig{
		RedisURL:    redisSetup.URL,
		Tracker:     tracker,
		Executor:    rolloutExecutor.Execute,
		Concurrency: 2,
		QueueConfig: map[string]int{
			"rollouts": 1,
		},
	}

	pool, err := distributed.NewWorkerPool(poolConfig)
	require.NoError(t, err)

	pool.Start()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		pool.Stop(ctx)
	}()

	// Create rollout
	queued := testutil.CreateTestRollout("real-executor-test")
	queued.Request.HealthBaseURL = healthSrv.URL

	err = tracker.Register(queued)
	require.NoError(t, err)

	err = queue.Enqueue(context.Background(), queued)
	require.NoError(t, err)

	// Wait for completion
	assert.Eventually(t, func() bool {
		status, err := tracker.GetStatus(queued.ID)
		if err != nil {
			return false
		}
		return status != nil && *status == interfaces.RolloutStatusCompleted
	}, 10*time.Second, 100*time.Millisecond)

	// The stored result carries the full attempt record
	result, err := tracker.GetResult(queued.ID)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, interfaces.OutcomeStable, result.Outcome)
	require.NotNil(t, result.Attempt)
	assert.Equal(t, interfaces.StateStable, result.Attempt.State)
	assert.Equal(t, queued.Request.TargetVersionRef, result.Attempt.TargetVersionRef)
}
