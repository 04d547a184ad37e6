// Package events provides event handling and tracking for rollout lifecycle events.
package events

import (
	"sync"
	"time"

	"github.com/rollgate/rollgate/internal/interfaces"
)

// EventType represents the type of rollout event
type EventType string

const (
	// EventStateChanged is emitted when an attempt moves through the rollout
	// state machine
	EventStateChanged EventType = "state_changed"
	// EventStatusChanged is emitted when a queued rollout's processing status changes
	EventStatusChanged EventType = "status_changed"
	// EventResultReady is emitted when a rollout result is ready
	EventResultReady EventType = "result_ready"
	// EventError is emitted when an error occurs
	EventError EventType = "error"
)

// RolloutEvent represents an event in the rollout lifecycle
type RolloutEvent struct {
	Type      EventType
	RolloutID string
	Timestamp time.Time

	// Event-specific data
	State    *interfaces.RolloutState
	Previous *interfaces.RolloutState
	Status   *interfaces.RolloutStatus
	Result   *interfaces.RolloutResult
	Error    error
}

// EventHandler is a function that handles rollout events
type EventHandler func(event RolloutEvent)

// EventBus manages rollout event subscriptions and dispatching
type EventBus struct {
	mu          sync.RWMutex
	handlers    map[EventType][]EventHandler
	synchronous bool // When true, handlers are called synchronously (for testing)
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		handlers: make(map[EventType][]EventHandler),
	}
}

// NewSynchronousEventBus creates a new event bus that calls handlers synchronously (for testing)
func NewSynchronousEventBus() *EventBus {
	return &EventBus{
		handlers:    make(map[EventType][]EventHandler),
		synchronous: true,
	}
}

// Subscribe registers a handler for specific event types
func (eb *EventBus) Subscribe(eventType EventType, handler EventHandler) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.handlers[eventType] = append(eb.handlers[eventType], handler)
}

// Publish sends an event to all registered handlers
func (eb *EventBus) Publish(event RolloutEvent) {
	eb.mu.RLock()
	handlers := eb.handlers[event.Type]
	synchronous := eb.synchronous
	eb.mu.RUnlock()

	if synchronous {
		// Call handlers synchronously for testing
		for _, handler := range handlers {
			handler(event)
		}
	} else {
		// Call handlers asynchronously to avoid blocking
		for _, handler := range handlers {
			go handler(event)
		}
	}
}

// PublishStateChange is a convenience method for state machine transitions
func (eb *EventBus) PublishStateChange(rolloutID string, from, to interfaces.RolloutState) {
	eb.Publish(RolloutEvent{
		Type:      EventStateChanged,
		RolloutID: rolloutID,
		Timestamp: time.Now(),
		State:     &to,
		Previous:  &from,
	})
}

// PublishStatusChange is a convenience method for processing status events
func (eb *EventBus) PublishStatusChange(rolloutID string, status interfaces.RolloutStatus) {
	eb.Publish(RolloutEvent{
		Type:      EventStatusChanged,
		RolloutID: rolloutID,
		Timestamp: time.Now(),
		Status:    &status,
	})
}

// PublishResult is a convenience method for result events
func (eb *EventBus) PublishResult(rolloutID string, result *interfaces.RolloutResult) {
	eb.Publish(RolloutEvent{
		Type:      EventResultReady,
		RolloutID: rolloutID,
		Timestamp: time.Now(),
		Result:    result,
	})
}

// PublishError is a convenience method for error events
func (eb *EventBus) PublishError(rolloutID string, err error) {
	eb.Publish(RolloutEvent{
		Type:      EventError,
		RolloutID: rolloutID,
		Timestamp: time.Now(),
		Error:     err,
	})
}
