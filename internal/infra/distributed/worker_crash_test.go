//go:build integration
// +build integration

package distributed_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rollgate/rollgate/internal/infra/distributed"
	"github.com/rollgate/rollgate/internal/infra/distributed/testutil"
	"github.com/rollgate/rollgate/internal/interfaces"
)

// TestWorkerCrashRecovery tests worker crash and recovery scenarios
func TestWorkerCrashRecovery(t *testing.T) {
	t.Parallel()
	redisSetup := testutil.SetupRedis(t)
	redisOpt := testutil.ParseRedisOpt(t, redisSetup.URL)

	queue, err := distributed.NewQueue(redisSetup.URL)
	require.NoError(t, err)
	defer queue.Close()

	tracker, err := distributed.NewTracker(redisOpt)
	require.NoError(t, err)
	defer tracker.Close()

	t.Run("MultipleWorkersCrashSimultaneously", func(t *testing.T) {
		var processedCount int32
		var mu sync.Mutex
		processedIDs := make(map[string]int)

		testExecutor := func(_ context.Context, r *interfaces.QueuedRollout) (*interfaces.RolloutResult, error) {
			atomic.AddInt32(&processedCount, 1)
			mu.Lock()
			processedIDs[r.ID]++
			mu.Unlock()

			// Simulate work
			time.Sleep(100 * time.Millisecond)
			return &interfaces.RolloutResult{
				RolloutID:   r.ID,
				Outcome:     interfaces.OutcomeStable,
				CompletedAt: time.Now(),
			}, nil
		}

		// Create multiple worker pools
		const numWorkers = 3
		pools := make([]*distributed.WorkerPool, numWorkers)

		for i := 0; i < numWorkers; i++ {
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
			pools[i] = pool
		}

		// Enqueue multiple rollouts
		const numRollouts = 20
		for i := 0; i < numRollouts; i++ {
			rollout := testutil.CreateTestRollout(fmt.Sprintf("multi-crash-%d", i))
			rollout.Request.Options.MaxRetries = 2

			err = tracker.Register(rollout)
			require.NoError(t, err)

			err = queue.Enqueue(context.Background(), rollout)
			require.NoError(t, err)
		}

		// Let some processing happen
		time.Sleep(2 * time.Second)

		// Crash all workers simultaneously
		for _, pool := range pools {
			go pool.Stop(context.Background())
		}

		// Wait for workers to stop
		time.Sleep(2 * time.Second)

		// Start new set of workers
		newPools := make([]*distributed.WorkerPool, numWorkers)
		for i := 0; i < numWorkers; i++ {
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
			newPools[i] = pool
		}

		// Cleanup new pools
		defer func() {
			for _, pool := range newPools {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				pool.Stop(ctx)
				cancel()
			}
		}()

		// Wait for all rollouts to complete
		assert.Eventually(t, func() bool {
			rollouts, err := tracker.List(interfaces.RolloutFilter{
				Status: []interfaces.RolloutStatus{interfaces.RolloutStatusCompleted},
			})
			if err != nil {
				return false
			}
			return len(rollouts) >= numRollouts
		}, 30*time.Second, 500*time.Millisecond)

		// Verify all rollouts were processed
		mu.Lock()
		defer mu.Unlock()
		assert.GreaterOrEqual(t, len(processedIDs), numRollouts)
	})

	t.Run("WorkerCrashWithPoisonPillMessage", func(t *testing.T) {
		var healthyProcessed int32
		crashOnID := "poison-pill"

		// The worker pool's own panic recovery must contain the crash
		testExecutor := func(_ context.Context, r *interfaces.QueuedRollout) (*interfaces.RolloutResult, error) {
			if r.ID == crashOnID {
				panic("simulated worker crash")
			}
			atomic.AddInt32(&healthyProcessed, 1)
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

		// Enqueue poison pill
		poisonRollout := testutil.CreateTestRollout(crashOnID)
		poisonRollout.Request.Options.MaxRetries = 0 // Don't retry

		err = tracker.Register(poisonRollout)
		require.NoError(t, err)

		err = queue.Enqueue(context.Background(), poisonRollout)
		require.NoError(t, err)

		// Enqueue healthy rollouts
		for i := 0; i < 5; i++ {
			rollout := testutil.CreateTestRollout(fmt.Sprintf("healthy-%d", i))
			err = tracker.Register(rollout)
			require.NoError(t, err)

			err = queue.Enqueue(context.Background(), rollout)
			require.NoError(t, err)
		}

		// Wait for processing
		time.Sleep(5 * time.Second)

		// Verify healthy messages were processed
		assert.Equal(t, int32(5), atomic.LoadInt32(&healthyProcessed))

		// Verify poison pill was marked failed by the panic recovery
		status, err := tracker.GetStatus(crashOnID)
		require.NoError(t, err)
		require.NotNil(t, status)
		assert.Equal(t, interfaces.RolloutStatusFailed, *status)

		stored, err := tracker.GetByID(crashOnID)
		require.NoError(t, err)
		require.NotNil(t, stored.LastError)
		assert.Contains(t, stored.LastError.Error(), "panic during execution")
	})
}

// TestWorkerGracefulShutdown tests graceful shutdown scenarios
func TestWorkerGracefulShutdown(t *testing.T) {
	t.Parallel()
	redisSetup := testutil.SetupRedis(t)
	redisOpt := testutil.ParseRedisOpt(t, redisSetup.URL)

	queue, err := distributed.NewQueue(redisSetup.URL)
	require.NoError(t, err)
	defer queue.Close()

	tracker, err := distributed.NewTracker(redisOpt)
	require.NoError(t, err)
	defer tracker.Close()

	t.Run("ShutdownWaitsForInProgressTasks", func(t *testing.T) {
		processingStarted := make(chan struct{})
		processingCompleted := make(chan struct{})

		testExecutor := func(_ context.Context, r *interfaces.QueuedRollout) (*interfaces.RolloutResult, error) {
			close(processingStarted)
			// Simulate long-running task
			time.Sleep(2 * time.Second)
			close(processingCompleted)
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
			Concurrency: 1,
			QueueConfig: map[string]int{
				"rollouts": 1,
			},
		}

		pool, err := distributed.NewWorkerPool(poolConfig)
		require.NoError(t, err)
		pool.Start()

		// Enqueue rollout
		rollout := testutil.CreateTestRollout("graceful-shutdown-test")
		err = tracker.Register(rollout)
		require.NoError(t, err)

		err = queue.Enqueue(context.Background(), rollout)
		require.NoError(t, err)

		// Wait for processing to start
		<-processingStarted

		// Start shutdown with timeout longer than task duration
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		shutdownDone := make(chan error)
		go func() {
			shutdownDone <- pool.Stop(shutdownCtx)
		}()

		// Verify processing completes before shutdown
		select {
		case <-processingCompleted:
			// Good, task completed
		case <-time.After(3 * time.Second):
			t.Fatal("Processing did not complete")
		}

		// Verify shutdown completes
		select {
		case err := <-shutdownDone:
			assert.NoError(t, err)
		case <-time.After(6 * time.Second):
			t.Fatal("Shutdown did not complete")
		}

		// Verify rollout was marked as completed
		status, err := tracker.GetStatus(rollout.ID)
		require.NoError(t, err)
		assert.Equal(t, interfaces.RolloutStatusCompleted, *status)
	})
}
