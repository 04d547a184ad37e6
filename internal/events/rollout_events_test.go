package events

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rollgate/rollgate/internal/interfaces"
)

func TestEventBus(t *testing.T) { //nolint:funlen // Test function with comprehensive test cases
	t.Parallel()

	t.Run("StateChangeEvent", func(t *testing.T) {
		t.Parallel()
		eb := NewEventBus()

		var received RolloutEvent
		var wg sync.WaitGroup
		wg.Add(1)

		eb.Subscribe(EventStateChanged, func(event RolloutEvent) {
			received = event
			wg.Done()
		})

		eb.PublishStateChange("rollout-1", interfaces.StatePending, interfaces.StateValidating)
		wg.Wait()

		assert.Equal(t, EventStateChanged, received.Type)
		assert.Equal(t, "rollout-1", received.RolloutID)
		require.NotNil(t, received.State)
		assert.Equal(t, interfaces.StateValidating, *received.State)
		require.NotNil(t, received.Previous)
		assert.Equal(t, interfaces.StatePending, *received.Previous)
	})

	t.Run("StatusChangeEvent", func(t *testing.T) {
		t.Parallel()
		eb := NewEventBus()

		var received RolloutEvent
		var wg sync.WaitGroup
		wg.Add(1)

		eb.Subscribe(EventStatusChanged, func(event RolloutEvent) {
			received = event
			wg.Done()
		})

		eb.PublishStatusChange("rollout-2", interfaces.RolloutStatusProcessing)
		wg.Wait()

		assert.Equal(t, EventStatusChanged, received.Type)
		require.NotNil(t, received.Status)
		assert.Equal(t, interfaces.RolloutStatusProcessing, *received.Status)
	})

	t.Run("ResultEvent", func(t *testing.T) {
		t.Parallel()
		eb := NewEventBus()

		var received RolloutEvent
		var wg sync.WaitGroup
		wg.Add(1)

		eb.Subscribe(EventResultReady, func(event RolloutEvent) {
			received = event
			wg.Done()
		})

		result := &interfaces.RolloutResult{
			RolloutID:   "rollout-3",
			Outcome:     interfaces.OutcomeStable,
			CompletedAt: time.Now(),
		}
		eb.PublishResult("rollout-3", result)
		wg.Wait()

		assert.Equal(t, EventResultReady, received.Type)
		require.NotNil(t, received.Result)
		assert.Equal(t, interfaces.OutcomeStable, received.Result.Outcome)
	})

	t.Run("ErrorEvent", func(t *testing.T) {
		t.Parallel()
		eb := NewEventBus()

		var received RolloutEvent
		var wg sync.WaitGroup
		wg.Add(1)

		eb.Subscribe(EventError, func(event RolloutEvent) {
			received = event
			wg.Done()
		})

		eb.PublishError("rollout-4", fmt.Errorf("backend unreachable"))
		wg.Wait()

		assert.Equal(t, EventError, received.Type)
		require.Error(t, received.Error)
	})

	t.Run("MultipleSubscribers", func(t *testing.T) {
		t.Parallel()
		eb := NewEventBus()

		const subscribers = 3
		var wg sync.WaitGroup
		wg.Add(subscribers)

		var mu sync.Mutex
		deliveries := 0
		for i := 0; i < subscribers; i++ {
			eb.Subscribe(EventStateChanged, func(_ RolloutEvent) {
				mu.Lock()
				deliveries++
				mu.Unlock()
				wg.Done()
			})
		}

		eb.PublishStateChange("rollout-5", interfaces.StateDeploying, interfaces.StateHealthChecking)
		wg.Wait()

		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, subscribers, deliveries)
	})

	t.Run("SynchronousBusDeliversInline", func(t *testing.T) {
		t.Parallel()
		eb := NewSynchronousEventBus()

		delivered := false
		eb.Subscribe(EventStateChanged, func(_ RolloutEvent) {
			delivered = true
		})

		eb.PublishStateChange("rollout-6", interfaces.StateTrafficShifting, interfaces.StateStable)
		assert.True(t, delivered, "synchronous bus must deliver before Publish returns")
	})

	t.Run("UnsubscribedEventTypeIgnored", func(t *testing.T) {
		t.Parallel()
		eb := NewSynchronousEventBus()

		called := false
		eb.Subscribe(EventError, func(_ RolloutEvent) {
			called = true
		})

		eb.PublishStateChange("rollout-7", interfaces.StatePending, interfaces.StateValidating)
		assert.False(t, called)
	})
}

type stubTracker struct {
	mu       sync.Mutex
	statuses map[string]interfaces.RolloutStatus
	results  map[string]*interfaces.RolloutResult
}

func newStubTracker() *stubTracker {
	return &stubTracker{
		statuses: make(map[string]interfaces.RolloutStatus),
		results:  make(map[string]*interfaces.RolloutResult),
	}
}

func (s *stubTracker) Register(_ *interfaces.QueuedRollout) error { return nil }

func (s *stubTracker) GetByID(_ string) (*interfaces.QueuedRollout, error) { return nil, nil }

func (s *stubTracker) GetStatus(id string) (*interfaces.RolloutStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	status, ok := s.statuses[id]
	if !ok {
		return nil, nil
	}
	return &status, nil
}

func (s *stubTracker) SetStatus(id string, status interfaces.RolloutStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[id] = status
	return nil
}

func (s *stubTracker) GetResult(id string) (*interfaces.RolloutResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.results[id], nil
}

func (s *stubTracker) SetResult(id string, result *interfaces.RolloutResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[id] = result
	return nil
}

func (s *stubTracker) List(_ interfaces.RolloutFilter) ([]*interfaces.QueuedRollout, error) {
	return nil, nil
}

func (s *stubTracker) Remove(_ string) error { return nil }

func (s *stubTracker) Load(_ interfaces.AttemptStore) error { return nil }

func TestConnectTrackerToEventBus(t *testing.T) {
	t.Parallel()

	eb := NewSynchronousEventBus()
	tracker := newStubTracker()
	ConnectTrackerToEventBus(eb, tracker)

	eb.PublishStatusChange("rollout-8", interfaces.RolloutStatusCompleted)
	status, err := tracker.GetStatus("rollout-8")
	require.NoError(t, err)
	require.NotNil(t, status)
	assert.Equal(t, interfaces.RolloutStatusCompleted, *status)

	eb.PublishResult("rollout-8", &interfaces.RolloutResult{
		RolloutID: "rollout-8",
		Outcome:   interfaces.OutcomeRolledBack,
	})
	result, err := tracker.GetResult("rollout-8")
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, interfaces.OutcomeRolledBack, result.Outcome)
}
