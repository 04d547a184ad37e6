package events

import (
	"github.com/rollgate/rollgate/internal/interfaces"
	"github.com/rollgate/rollgate/pkg/logging"
)

var logger = logging.NewLogger("tracker-adapter")

// ConnectTrackerToEventBus subscribes a tracker to rollout events
func ConnectTrackerToEventBus(eventBus *EventBus, tracker interfaces.RolloutTracker) {
	// Subscribe to status change events
	eventBus.Subscribe(EventStatusChanged, func(event RolloutEvent) {
		if event.Status != nil {
			if err := tracker.SetStatus(event.RolloutID, *event.Status); err != nil {
				logger.Error("Failed to update rollout %s status: %v", event.RolloutID, err)
			}
		}
	})

	// Subscribe to result events
	eventBus.Subscribe(EventResultReady, func(event RolloutEvent) {
		if event.Result != nil {
			if err := tracker.SetResult(event.RolloutID, event.Result); err != nil {
				logger.Error("Failed to set rollout %s result: %v", event.RolloutID, err)
			}
		}
	})

	// Subscribe to error events
	eventBus.Subscribe(EventError, func(event RolloutEvent) {
		logger.Error("Rollout %s error: %v", event.RolloutID, event.Error)
	})
}

// ConnectAuditLoggerToEventBus logs every state machine transition so the
// attempt's path through the rollout is reconstructable from logs alone
func ConnectAuditLoggerToEventBus(eventBus *EventBus) {
	eventBus.Subscribe(EventStateChanged, func(event RolloutEvent) {
		if event.State == nil {
			return
		}
		from := interfaces.RolloutState("")
		if event.Previous != nil {
			from = *event.Previous
		}
		logging.StateTransition(event.RolloutID, string(from), string(*event.State))
	})
}
