//go:build !integration
// +build !integration

package mocks_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rollgate/rollgate/internal/interfaces"
	"github.com/rollgate/rollgate/internal/mocks"
)

//nolint:gocognit,funlen,gocyclo // Complex mock test with multiple assertions
func TestMockAttemptStore(t *testing.T) {
	t.Parallel()

	// Test successful attempt state update
	t.Run("UpdateAttemptState_Success", func(t *testing.T) {
		t.Parallel()
		// Create separate store instance for this test to avoid shared state
		store := mocks.NewMockAttemptStore()
		attemptID := "test-attempt-1"
		meta := &interfaces.AttemptMetadata{
			AttemptID:        attemptID,
			BackendHandle:    "prod/web",
			TargetVersionRef: "app:2.0.0",
			Strategy:         interfaces.StrategyCanary5m,
			State:            interfaces.StatePending,
			CreatedAt:        time.Now(),
			UpdatedAt:        time.Now(),
		}

		err := store.CreateAttempt(context.Background(), meta)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		err = store.UpdateAttemptState(context.Background(), attemptID, interfaces.StateDeploying)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		// Verify the state was stored
		retrieved, err := store.GetAttempt(context.Background(), attemptID)
		if err != nil {
			t.Fatalf("unexpected error retrieving attempt: %v", err)
		}

		if retrieved.State != interfaces.StateDeploying {
			t.Errorf("expected state DEPLOYING, got %v", retrieved.State)
		}

		// Check that the mutating calls were recorded
		calls := store.GetCalls()
		const expectedCallCount = 2 // One for CreateAttempt, one for UpdateAttemptState
		if len(calls) != expectedCallCount {
			t.Errorf("expected %d calls, got %d", expectedCallCount, len(calls))
		}
	})

	// Test error injection
	t.Run("SaveAttemptRecord_Error", func(t *testing.T) {
		t.Parallel()
		// Create separate store instance for this test to avoid shared state
		testStore := mocks.NewMockAttemptStore()
		// Configure mock to fail
		expectedErr := errors.New("simulated storage error")
		testStore.SetShouldFail("SaveAttemptRecord", expectedErr)

		err := testStore.SaveAttemptRecord(context.Background(), "test-attempt-2", []byte(`{}`))
		if err == nil {
			t.Fatal("expected error, got nil")
		}

		if err.Error() != expectedErr.Error() {
			t.Errorf("expected error '%v', got '%v'", expectedErr, err)
		}

		// Reset error injection
		testStore.SetShouldFail("SaveAttemptRecord", nil)

		err = testStore.SaveAttemptRecord(context.Background(), "test-attempt-2", []byte(`{}`))
		if err != nil {
			t.Fatalf("unexpected error after reset: %v", err)
		}
	})

	// Test backend locking
	t.Run("BackendLocking", func(t *testing.T) {
		t.Parallel()
		// Create separate store instance for this test to avoid shared state
		store := mocks.NewMockAttemptStore()
		handle := interfaces.BackendHandle("prod/web")

		// Acquire lock
		lock, err := store.LockBackend(context.Background(), handle)
		if err != nil {
			t.Fatalf("unexpected error acquiring lock: %v", err)
		}

		// Ensure lock is released even if test fails
		defer func() {
			if lock != nil {
				_ = lock.Release()
			}
		}()

		if lock.BackendHandle() != handle {
			t.Errorf("expected handle %s, got %s", handle, lock.BackendHandle())
		}

		// Try to acquire lock again - should fail
		_, err = store.LockBackend(context.Background(), handle)
		if err == nil {
			t.Fatal("expected error acquiring duplicate lock")
		}

		// Release lock
		err = lock.Release()
		if err != nil {
			t.Fatalf("unexpected error releasing lock: %v", err)
		}
		lock = nil // Mark as released to prevent double release

		// Should be able to acquire lock again
		lock2, err := store.LockBackend(context.Background(), handle)
		if err != nil {
			t.Fatalf("unexpected error re-acquiring lock: %v", err)
		}
		defer func() { _ = lock2.Release() }()
	})

	// Test record round trip
	t.Run("RecordRoundTrip", func(t *testing.T) {
		t.Parallel()
		store := mocks.NewMockAttemptStore()
		record := []byte(`{"id":"ro-1","state":"STABLE"}`)

		err := store.SaveAttemptRecord(context.Background(), "ro-1", record)
		if err != nil {
			t.Fatalf("unexpected error saving record: %v", err)
		}

		loaded, err := store.LoadAttemptRecord(context.Background(), "ro-1")
		if err != nil {
			t.Fatalf("unexpected error loading record: %v", err)
		}
		if string(loaded) != string(record) {
			t.Errorf("record mismatch: got %s", loaded)
		}

		err = store.DeleteAttemptRecord(context.Background(), "ro-1")
		if err != nil {
			t.Fatalf("unexpected error deleting record: %v", err)
		}

		_, err = store.LoadAttemptRecord(context.Background(), "ro-1")
		if err == nil {
			t.Error("expected error loading deleted record")
		}
	})

	// Verify all calls were recorded
	t.Run("CallTracking", func(t *testing.T) {
		t.Parallel()
		// Create separate store instance and perform operations to test call tracking
		testStore := mocks.NewMockAttemptStore()

		// Perform operations to generate calls
		_ = testStore.CreateAttempt(context.Background(), &interfaces.AttemptMetadata{
			AttemptID: "test-attempt-1",
			State:     interfaces.StatePending,
		})
		_ = testStore.UpdateAttemptState(context.Background(), "test-attempt-1", interfaces.StateStable)
		lock, _ := testStore.LockBackend(context.Background(), "prod/web")
		if lock != nil {
			_ = lock.Release()
		}
		_ = testStore.SaveAttemptRecord(context.Background(), "test-attempt-1", []byte(`{}`))
		_ = testStore.DeleteAttempt(context.Background(), "test-attempt-1")

		allCalls := testStore.GetCalls()
		if len(allCalls) == 0 {
			t.Error("expected calls to be recorded")
		}

		// Check that different methods were called
		methodCounts := make(map[string]int)
		for _, call := range allCalls {
			methodCounts[call.Method]++
		}

		expectedMethods := []string{
			"CreateAttempt",
			"UpdateAttemptState",
			"LockBackend",
			"UnlockBackend",
			"SaveAttemptRecord",
			"DeleteAttempt",
		}

		for _, method := range expectedMethods {
			if methodCounts[method] == 0 {
				t.Errorf("expected method %s to be called", method)
			}
		}
	})
}
