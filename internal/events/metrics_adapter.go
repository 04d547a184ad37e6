package events

import (
	"github.com/rollgate/rollgate/internal/interfaces"
	"github.com/rollgate/rollgate/internal/metrics"
)

// ConnectMetricsToEventBus feeds the collector from rollout lifecycle events.
// Terminal outcomes are counted from result events; the failed status branch
// only fires for rollouts rejected before an attempt record existed, so each
// rollout lands in exactly one outcome counter.
func ConnectMetricsToEventBus(eventBus *EventBus, collector *metrics.Collector) {
	eventBus.Subscribe(EventStatusChanged, func(event RolloutEvent) {
		if event.Status == nil {
			return
		}
		switch *event.Status {
		case interfaces.RolloutStatusQueued:
			collector.RecordRolloutQueued(event.RolloutID)
		case interfaces.RolloutStatusProcessing:
			collector.RecordRolloutStarted(event.RolloutID)
		case interfaces.RolloutStatusFailed:
			collector.RecordRolloutFailed(event.RolloutID)
		case interfaces.RolloutStatusCanceled:
			collector.RecordRolloutCanceled(event.RolloutID)
		case interfaces.RolloutStatusCompleted, interfaces.RolloutStatusCanceling:
			// Completed arrives with the result event; canceling is transient
		}
	})

	eventBus.Subscribe(EventResultReady, func(event RolloutEvent) {
		if event.Result == nil {
			return
		}
		switch event.Result.Outcome {
		case interfaces.OutcomeStable:
			collector.RecordRolloutStable(event.RolloutID)
		case interfaces.OutcomeRolledBack:
			collector.RecordRolloutRolledBack(event.RolloutID)
		default:
			collector.RecordRolloutFailed(event.RolloutID)
		}
	})
}
