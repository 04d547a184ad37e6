//go:build integration
// +build integration

package distributed_test

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rollgate/rollgate/internal/infra/distributed"
	"github.com/rollgate/rollgate/internal/infra/distributed/testutil"
	"github.com/rollgate/rollgate/internal/interfaces"
	"github.com/rollgate/rollgate/internal/metrics"
	"github.com/rollgate/rollgate/internal/monitor"
)

// monitorRig is a queue, tracker, and inspector on a private database of the
// shared Redis container, so each test reconciles only its own keyspace.
type monitorRig struct {
	url       string
	queue     *distributed.Queue
	tracker   *distributed.Tracker
	inspector *asynq.Inspector
}

func newMonitorRig(t *testing.T) *monitorRig {
	t.Helper()

	setup := testutil.SetupSharedRedis(t)
	opt := testutil.ParseRedisOpt(t, setup.URL)

	queue, err := distributed.NewQueue(setup.URL)
	require.NoError(t, err)
	t.Cleanup(func() { _ = queue.Close() })

	tracker, err := distributed.NewTracker(opt)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tracker.Close() })

	inspector := asynq.NewInspector(opt)
	t.Cleanup(func() { _ = inspector.Close() })

	return &monitorRig{url: setup.URL, queue: queue, tracker: tracker, inspector: inspector}
}

// startMonitor builds a reconciling monitor on the rig and runs it until the
// test ends. Seed the orphan state before calling this.
func (r *monitorRig) startMonitor(t *testing.T, scan, stale time.Duration) *monitor.OrphanMonitor {
	t.Helper()

	m := monitor.NewOrphanMonitor(monitor.Config{
		Queue:            r.queue,
		Tracker:          r.tracker,
		Inspector:        r.inspector,
		Metrics:          metrics.NewCollector(),
		ScanInterval:     scan,
		StaleThreshold:   stale,
		ReconcileOrphans: true,
	})
	require.NoError(t, m.Start())
	t.Cleanup(func() { _ = m.Stop(context.Background()) })
	return m
}

func (r *monitorRig) registerProcessing(t *testing.T, id string) *interfaces.QueuedRollout {
	t.Helper()
	rollout := testutil.CreateTestRollout(id)
	require.NoError(t, r.tracker.Register(rollout))
	require.NoError(t, r.tracker.SetStatus(id, interfaces.RolloutStatusProcessing))
	return rollout
}

func (r *monitorRig) isFailed(id string) bool {
	status, err := r.tracker.GetStatus(id)
	return err == nil && status != nil && *status == interfaces.RolloutStatusFailed
}

func TestMonitorCountsUntrackedQueueTasks(t *testing.T) {
	t.Parallel()
	rig := newMonitorRig(t)

	// A task with no tracker record cannot be rebuilt, so the monitor only
	// counts and reports it.
	require.NoError(t, rig.queue.Enqueue(context.Background(), testutil.CreateTestRollout("untracked-task")))

	m := rig.startMonitor(t, 100*time.Millisecond, time.Minute)

	require.Eventually(t, func() bool {
		stats := m.GetStats()
		return stats.Running && stats.OrphanCount > 0
	}, 3*time.Second, 50*time.Millisecond)

	// The task itself must be left alone.
	task, err := rig.inspector.GetTaskInfo("rollouts", "untracked-task")
	require.NoError(t, err)
	assert.NotNil(t, task)
}

func TestMonitorRequeuesTrackedButUnqueued(t *testing.T) {
	t.Parallel()
	rig := newMonitorRig(t)

	// Registered as queued with no task behind it, the shape left by an
	// enqueue lost after the tracker write.
	lost := testutil.CreateTestRollout("lost-enqueue")
	require.NoError(t, rig.tracker.Register(lost))

	_, err := rig.inspector.GetTaskInfo("rollouts", lost.ID)
	require.Error(t, err, "the task must start out missing")

	rig.startMonitor(t, 100*time.Millisecond, time.Minute)

	require.Eventually(t, func() bool {
		task, err := rig.inspector.GetTaskInfo("rollouts", lost.ID)
		return err == nil && task != nil
	}, 3*time.Second, 50*time.Millisecond, "monitor should put the rollout back on the queue")
}

func TestMonitorFailsStaleWhilePoolKeepsWorking(t *testing.T) {
	t.Parallel()
	rig := newMonitorRig(t)

	var liveProcessed atomic.Bool
	executor := func(_ context.Context, r *interfaces.QueuedRollout) (*interfaces.RolloutResult, error) {
		if r.ID == "live-rollout" {
			liveProcessed.Store(true)
		}
		return &interfaces.RolloutResult{
			RolloutID:   r.ID,
			Outcome:     interfaces.OutcomeStable,
			CompletedAt: time.Now(),
		}, nil
	}

	pool, err := distributed.NewWorkerPool(distributed.WorkerPoolConfig{
		RedisURL:    rig.url,
		Tracker:     rig.tracker,
		Executor:    executor,
		Concurrency: 1,
	})
	require.NoError(t, err)
	pool.Start()
	t.Cleanup(func() { pool.Stop(context.Background()) })

	// A worker that died mid-attempt leaves processing status with no live
	// task behind it.
	stalled := rig.registerProcessing(t, "stalled-rollout")

	rig.startMonitor(t, 100*time.Millisecond, 200*time.Millisecond)

	require.Eventually(t, func() bool {
		return rig.isFailed(stalled.ID)
	}, 3*time.Second, 50*time.Millisecond)

	stored, err := rig.tracker.GetByID(stalled.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.LastError)
	assert.Contains(t, stored.LastError.Error(), "stuck in processing")

	// Reconciliation must not starve the pool of fresh work.
	live := testutil.CreateTestRollout("live-rollout")
	require.NoError(t, rig.tracker.Register(live))
	require.NoError(t, rig.queue.Enqueue(context.Background(), live))

	require.Eventually(t, liveProcessed.Load, 5*time.Second, 100*time.Millisecond)
}

func TestTwoMonitorsAgreeOnStaleRollout(t *testing.T) {
	t.Parallel()
	rig := newMonitorRig(t)

	stalled := rig.registerProcessing(t, "doubly-watched")

	// Two reconcilers over the same keyspace, as in a two-server setup.
	// SetError is idempotent for an already failed rollout, so whichever
	// monitor loses the race must not corrupt the record.
	rig.startMonitor(t, 100*time.Millisecond, 100*time.Millisecond)
	rig.startMonitor(t, 100*time.Millisecond, 100*time.Millisecond)

	require.Eventually(t, func() bool {
		return rig.isFailed(stalled.ID)
	}, 3*time.Second, 50*time.Millisecond)

	status, err := rig.tracker.GetStatus(stalled.ID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.RolloutStatusFailed, *status)
}

func TestMonitorReconcilesManyStaleInOneSweep(t *testing.T) {
	t.Parallel()
	if testing.Short() {
		t.Skip("skipping load test in short mode")
	}

	rig := newMonitorRig(t)

	const stale = 100
	for i := 0; i < stale; i++ {
		rig.registerProcessing(t, fmt.Sprintf("backlog-%d", i))
	}
	time.Sleep(100 * time.Millisecond)

	// The interval is long, so the startup sweep has to handle the whole
	// backlog on its own.
	rig.startMonitor(t, 5*time.Second, 50*time.Millisecond)

	require.Eventually(t, func() bool {
		failed, err := rig.tracker.List(interfaces.RolloutFilter{
			Status: []interfaces.RolloutStatus{interfaces.RolloutStatusFailed},
		})
		if err != nil {
			return false
		}
		count := 0
		for _, r := range failed {
			if strings.HasPrefix(r.ID, "backlog-") {
				count++
			}
		}
		return count == stale
	}, 5*time.Second, 100*time.Millisecond)
}
