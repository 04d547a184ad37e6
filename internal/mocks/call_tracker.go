// Package mocks provides shared test doubles for the rollgate interfaces.
// Hand mocks record their calls through CallTracker so tests can assert on
// ordering and arguments; queue-facing mocks use testify's mock package.
package mocks

import (
	"sync"
	"time"
)

// CallTracker accumulates the calls a hand mock receives.
type CallTracker[T any] struct {
	mu    sync.RWMutex
	calls []T
}

// NewCallTracker creates an empty tracker, one per mock instance.
func NewCallTracker[T any]() *CallTracker[T] {
	return &CallTracker[T]{}
}

// RecordCall appends one call to the history.
func (t *CallTracker[T]) RecordCall(call T) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = append(t.calls, call)
}

// GetCalls returns a copy of the history so callers can range over it
// while the mock keeps recording.
func (t *CallTracker[T]) GetCalls() []T {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]T(nil), t.calls...)
}

// FilterCalls returns the calls matching keep, in recording order.
func (t *CallTracker[T]) FilterCalls(keep func(T) bool) []T {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var matched []T
	for _, call := range t.calls {
		if keep(call) {
			matched = append(matched, call)
		}
	}
	return matched
}

// CommonCall carries the fields every recorded call shares. Mock call
// types embed it and add their own arguments.
type CommonCall struct {
	Method    string
	Timestamp time.Time
	Error     error
}

// NewCommonCall stamps a call record with the current time.
func NewCommonCall(method string, err error) CommonCall {
	return CommonCall{
		Method:    method,
		Timestamp: time.Now(),
		Error:     err,
	}
}
