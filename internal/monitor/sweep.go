package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/rollgate/rollgate/internal/interfaces"
)

// watchedQueues are the asynq queues cross-checked against the tracker.
var watchedQueues = []string{"rollouts"}

// errorSetter is implemented by trackers that can attach an error to a
// rollout alongside the failed status.
type errorSetter interface {
	SetError(rolloutID string, err error) error
}

// sweep runs the reconciliation passes and returns how many orphans they
// saw. The queue-side passes need an inspector and are skipped without one.
func (m *OrphanMonitor) sweep() int {
	found := m.sweepStale()
	if m.inspector != nil {
		found += m.sweepUntracked()
		found += m.sweepUnqueued()
	}
	return found
}

// sweepStale fails rollouts that have sat in processing past the stale
// threshold. A worker that died mid-rollout leaves exactly this signature.
func (m *OrphanMonitor) sweepStale() int {
	m.mu.RLock()
	staleAfter := m.staleAfter
	m.mu.RUnlock()

	stuck, err := m.tracker.List(interfaces.RolloutFilter{
		Status: []interfaces.RolloutStatus{interfaces.RolloutStatusProcessing},
	})
	if err != nil {
		m.logger.Errorf("Cannot list processing rollouts: %v", err)
		return 0
	}

	found := 0
	now := time.Now()
	for _, r := range stuck {
		if r.StartedAt == nil {
			continue
		}
		age := now.Sub(*r.StartedAt)
		if age <= staleAfter {
			continue
		}
		found++
		m.logger.Warnf("Rollout %s has been processing for %v", r.ID, age)
		if m.reconcile {
			m.failStale(r, age)
		}
	}
	return found
}

// failStale marks a stuck rollout failed. Requeueing is left to asynq's
// lease recovery so a slow but living worker is not raced.
func (m *OrphanMonitor) failStale(r *interfaces.QueuedRollout, age time.Duration) {
	staleErr := fmt.Errorf("stuck in processing for %v, reconciled by orphan monitor", age.Round(time.Second))

	if setter, ok := m.tracker.(errorSetter); ok {
		if err := setter.SetError(r.ID, staleErr); err != nil {
			m.logger.Errorf("Cannot fail stale rollout %s: %v", r.ID, err)
			return
		}
	} else if err := m.tracker.SetStatus(r.ID, interfaces.RolloutStatusFailed); err != nil {
		m.logger.Errorf("Cannot fail stale rollout %s: %v", r.ID, err)
		return
	}

	if m.metrics != nil {
		m.metrics.RecordRolloutFailed(r.ID)
	}
}

// sweepUntracked reports queue tasks that have no tracker record. Without a
// record there is no request to rebuild, so these are left for an operator
// rather than reconciled.
func (m *OrphanMonitor) sweepUntracked() int {
	found := 0
	for _, queueName := range watchedQueues {
		tasks, err := m.inspector.ListPendingTasks(queueName)
		if err != nil {
			m.logger.Errorf("Cannot list pending tasks in %s: %v", queueName, err)
			continue
		}
		for _, task := range tasks {
			if _, err := m.tracker.GetStatus(task.ID); err == nil {
				continue
			}
			found++
			m.logger.Warnf("Task %s in queue %s has no tracker record, manual intervention required",
				task.ID, queueName)
		}
	}
	return found
}

// sweepUnqueued finds tracker entries in queued state with no task behind
// them and puts them back on the queue.
func (m *OrphanMonitor) sweepUnqueued() int {
	queued, err := m.tracker.List(interfaces.RolloutFilter{
		Status: []interfaces.RolloutStatus{interfaces.RolloutStatusQueued},
	})
	if err != nil {
		m.logger.Errorf("Cannot list queued rollouts: %v", err)
		return 0
	}

	found := 0
	for _, r := range queued {
		if m.inQueue(r.ID) {
			continue
		}
		found++
		m.logger.Warnf("Rollout %s is tracked as queued but has no queue task", r.ID)
		if m.reconcile {
			m.requeue(r)
		}
	}
	return found
}

func (m *OrphanMonitor) inQueue(id string) bool {
	for _, queueName := range watchedQueues {
		if _, err := m.inspector.GetTaskInfo(queueName, id); err == nil {
			return true
		}
	}
	return false
}

// requeue puts a lost rollout back on the queue, failing it when the queue
// will not take it.
func (m *OrphanMonitor) requeue(r *interfaces.QueuedRollout) {
	if err := m.queue.Enqueue(context.Background(), r); err != nil {
		m.logger.Errorf("Cannot requeue orphaned rollout %s: %v", r.ID, err)
		if statusErr := m.tracker.SetStatus(r.ID, interfaces.RolloutStatusFailed); statusErr != nil {
			m.logger.Errorf("Cannot fail unqueueable rollout %s: %v", r.ID, statusErr)
		}
		if m.metrics != nil {
			m.metrics.RecordRolloutFailed(r.ID)
		}
		return
	}

	if m.metrics != nil {
		m.metrics.RecordRolloutQueued(r.ID)
	}
	m.logger.Infof("Requeued orphaned rollout %s", r.ID)
}
