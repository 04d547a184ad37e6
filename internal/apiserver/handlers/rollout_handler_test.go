//go:build !integration
// +build !integration

package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/rollgate/rollgate/internal/apiserver/handlers"
	"github.com/rollgate/rollgate/internal/apiserver/types"
	"github.com/rollgate/rollgate/internal/interfaces"
	"github.com/rollgate/rollgate/internal/mocks"
	"github.com/rollgate/rollgate/internal/rollout"
)

const (
	testRolloutID = "rollout-123456"
)

// TestCreateRollout tests the CreateRollout handler
func TestCreateRollout(t *testing.T) { //nolint:funlen // Test function with comprehensive test cases
	t.Parallel()

	t.Run("SuccessfulCreation", func(t *testing.T) {
		t.Parallel()
		// Create mock rollout service
		rolloutService := new(mocks.RolloutService)

		// Set up expectations
		expectedRollout := &interfaces.QueuedRollout{
			ID:        testRolloutID,
			Status:    interfaces.RolloutStatusQueued,
			CreatedAt: time.Now(),
			Request: &interfaces.RolloutRequest{
				TargetVersionRef: "registry.example.com/app:2.4.1",
				Strategy:         interfaces.StrategyCanary5m,
				Backend: interfaces.BackendConfig{
					Type:    "mock",
					Options: map[string]interface{}{"handle": "mock/web"},
				},
			},
		}
		rolloutService.On("CreateRollout", mock.AnythingOfType("*interfaces.RolloutRequest")).Return(expectedRollout, nil)

		// Mock GetQueueMetrics call
		expectedMetrics := interfaces.QueueMetrics{
			CurrentDepth:    5,
			AverageWaitTime: 10 * time.Second,
		}
		rolloutService.On("GetQueueMetrics").Return(expectedMetrics)

		// Create handler
		handler, handlerErr := handlers.NewRolloutHandler(rolloutService, types.NewRequestConverterWithDefaults())
		require.NoError(t, handlerErr)

		// Create request
		reqBody := map[string]interface{}{
			"targetVersionRef": "registry.example.com/app:2.4.1",
			"strategy":         "canary-10-5m",
			"backend": map[string]interface{}{
				"type":    "mock",
				"options": map[string]interface{}{"handle": "mock/web"},
			},
		}
		body, _ := json.Marshal(reqBody)
		req := httptest.NewRequest("POST", "/api/v1/rollouts", bytes.NewReader(body))
		rec := httptest.NewRecorder()

		// Execute
		handler.CreateRollout(rec, req)

		// Verify
		assert.Equal(t, http.StatusAccepted, rec.Code)

		var response map[string]interface{}
		err := json.NewDecoder(rec.Body).Decode(&response)
		require.NoError(t, err)
		assert.Equal(t, testRolloutID, response["id"])
		assert.Equal(t, "queued", response["status"])

		// Verify queueInfo is included
		assert.Contains(t, response, "queueInfo")
		queueInfo, ok := response["queueInfo"].(map[string]interface{})
		require.True(t, ok)
		assert.InEpsilon(t, float64(5), queueInfo["queueDepth"], 0.01)
		assert.InEpsilon(t, float64(10), queueInfo["averageWaitTime"], 0.01)

		rolloutService.AssertExpectations(t)
	})

	t.Run("ValidationError", func(t *testing.T) {
		t.Parallel()
		// Create mock rollout service (no expectations as it shouldn't be called)
		rolloutService := new(mocks.RolloutService)

		// Create handler
		handler, handlerErr := handlers.NewRolloutHandler(rolloutService, types.NewRequestConverterWithDefaults())
		require.NoError(t, handlerErr)

		// Create request with missing target version
		reqBody := map[string]interface{}{
			"strategy": "all-at-once",
			"backend":  map[string]interface{}{"type": "mock"},
		}
		body, _ := json.Marshal(reqBody)
		req := httptest.NewRequest("POST", "/api/v1/rollouts", bytes.NewReader(body))
		rec := httptest.NewRecorder()

		// Execute
		handler.CreateRollout(rec, req)

		// Verify
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		var response map[string]interface{}
		err := json.NewDecoder(rec.Body).Decode(&response)
		require.NoError(t, err)
		assert.Equal(t, "validation_failed", response["error"])

		// Service should not have been called
		rolloutService.AssertNotCalled(t, "CreateRollout")
	})

	t.Run("ServiceRejection", func(t *testing.T) {
		t.Parallel()
		// Create mock rollout service that rejects the request
		rolloutService := new(mocks.RolloutService)
		rolloutService.On("CreateRollout", mock.AnythingOfType("*interfaces.RolloutRequest")).
			Return(nil, rollout.NewError(rollout.ErrCodeInvalidRequest, "unknown strategy: linear-50-9h"))

		// Create handler
		handler, handlerErr := handlers.NewRolloutHandler(rolloutService, types.NewRequestConverterWithDefaults())
		require.NoError(t, handlerErr)

		reqBody := map[string]interface{}{
			"targetVersionRef": "registry.example.com/app:2.4.1",
			"strategy":         "linear-50-9h",
			"backend":          map[string]interface{}{"type": "mock"},
		}
		body, _ := json.Marshal(reqBody)
		req := httptest.NewRequest("POST", "/api/v1/rollouts", bytes.NewReader(body))
		rec := httptest.NewRecorder()

		// Execute
		handler.CreateRollout(rec, req)

		// Verify the rollout error's status and code pass through
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		var response map[string]interface{}
		err := json.NewDecoder(rec.Body).Decode(&response)
		require.NoError(t, err)
		assert.Equal(t, string(rollout.ErrCodeInvalidRequest), response["error"])

		rolloutService.AssertExpectations(t)
	})
}

// TestGetRollout tests the GetRollout handler
func TestGetRollout(t *testing.T) { //nolint:funlen // Test function with comprehensive test cases
	t.Parallel()

	t.Run("CompletedRolloutWithAttempt", func(t *testing.T) {
		t.Parallel()
		// Create mock rollout service
		rolloutService := new(mocks.RolloutService)

		// Set up expectations
		rolloutID := testRolloutID
		queued := &interfaces.QueuedRollout{
			ID:        rolloutID,
			Status:    interfaces.RolloutStatusCompleted,
			CreatedAt: time.Now(),
			Request: &interfaces.RolloutRequest{
				TargetVersionRef: "registry.example.com/app:2.4.1",
				Strategy:         interfaces.StrategyCanary5m,
				Backend: interfaces.BackendConfig{
					Type:    "mock",
					Options: map[string]interface{}{"handle": "mock/web"},
				},
			},
		}
		rolloutService.On("GetRolloutByID", rolloutID).Return(queued, nil)

		// Mock attempt record for completed rollout
		endedAt := time.Now()
		rolloutService.On("GetAttemptRecord", rolloutID).Return(&interfaces.RolloutAttempt{
			ID:               "attempt-1",
			TargetVersionRef: "registry.example.com/app:2.4.1",
			Strategy:         interfaces.StrategyCanary5m,
			State:            interfaces.StateStable,
			Outcome:          interfaces.OutcomeStable,
			StartedAt:        endedAt.Add(-10 * time.Minute),
			EndedAt:          &endedAt,
			Backend:          "mock/web",
		}, nil)

		// Create handler
		handler, handlerErr := handlers.NewRolloutHandler(rolloutService, types.NewRequestConverterWithDefaults())
		require.NoError(t, handlerErr)

		// Create request
		req := httptest.NewRequest("GET", "/api/v1/rollouts/"+rolloutID, nil)
		rec := httptest.NewRecorder()

		// Add URL parameters
		rctx := chi.NewRouteContext()
		rctx.URLParams.Add("id", rolloutID)
		req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))

		// Execute
		handler.GetRollout(rec, req)

		// Verify
		assert.Equal(t, http.StatusOK, rec.Code)

		var response map[string]interface{}
		err := json.NewDecoder(rec.Body).Decode(&response)
		require.NoError(t, err)
		assert.Equal(t, rolloutID, response["id"])
		assert.Equal(t, "completed", response["status"])
		assert.Equal(t, "registry.example.com/app:2.4.1", response["targetVersionRef"])

		attempt, ok := response["attempt"].(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, "attempt-1", attempt["id"])
		assert.Equal(t, "STABLE", attempt["state"])
		assert.Equal(t, "stable", attempt["outcome"])

		rolloutService.AssertExpectations(t)
	})

	t.Run("RolloutWithNilRequest", func(t *testing.T) {
		t.Parallel()
		// Create mock rollout service
		rolloutService := new(mocks.RolloutService)

		// Set up expectations - rollout with nil Request field
		rolloutID := "test-nil-request"
		queued := &interfaces.QueuedRollout{
			ID:        rolloutID,
			Status:    interfaces.RolloutStatusCompleted,
			CreatedAt: time.Now().Add(-1 * time.Hour),
			Request:   nil, // This is the critical case - nil Request
		}
		rolloutService.On("GetRolloutByID", rolloutID).Return(queued, nil)
		rolloutService.On("GetAttemptRecord", rolloutID).
			Return(nil, rollout.NewError(rollout.ErrCodeRolloutNotFound, "no attempt record for rollout %s", rolloutID))

		// Create handler
		handler, handlerErr := handlers.NewRolloutHandler(rolloutService, types.NewRequestConverterWithDefaults())
		require.NoError(t, handlerErr)

		// Create request
		req := httptest.NewRequest("GET", "/api/v1/rollouts/"+rolloutID, nil)
		rec := httptest.NewRecorder()

		// Add URL parameters
		rctx := chi.NewRouteContext()
		rctx.URLParams.Add("id", rolloutID)
		req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))

		// Execute - should not panic
		handler.GetRollout(rec, req)

		// Verify
		assert.Equal(t, http.StatusOK, rec.Code)

		var response map[string]interface{}
		err := json.NewDecoder(rec.Body).Decode(&response)
		require.NoError(t, err)
		assert.Equal(t, rolloutID, response["id"])
		assert.Equal(t, "completed", response["status"])
		assert.NotContains(t, response, "targetVersionRef") // Should not surface request fields when Request is nil
		assert.NotContains(t, response, "attempt")          // No record yet

		rolloutService.AssertExpectations(t)
	})

	t.Run("NonExistentRollout", func(t *testing.T) {
		t.Parallel()
		// Create mock rollout service
		rolloutService := new(mocks.RolloutService)

		// Set up expectations
		rolloutID := "non-existent"
		rolloutService.On("GetRolloutByID", rolloutID).Return(nil, errors.New("rollout non-existent not found"))

		// Create handler
		handler, handlerErr := handlers.NewRolloutHandler(rolloutService, types.NewRequestConverterWithDefaults())
		require.NoError(t, handlerErr)

		// Create request
		req := httptest.NewRequest("GET", "/api/v1/rollouts/"+rolloutID, nil)
		rec := httptest.NewRecorder()

		// Add URL parameters
		rctx := chi.NewRouteContext()
		rctx.URLParams.Add("id", rolloutID)
		req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))

		// Execute
		handler.GetRollout(rec, req)

		// Verify
		assert.Equal(t, http.StatusNotFound, rec.Code)

		var response map[string]interface{}
		err := json.NewDecoder(rec.Body).Decode(&response)
		require.NoError(t, err)
		assert.Equal(t, "not_found", response["error"])

		rolloutService.AssertExpectations(t)
	})
}

// TestListRollouts tests the ListRollouts handler
func TestListRollouts(t *testing.T) { //nolint:funlen // Test function with comprehensive test cases
	t.Parallel()

	t.Run("SuccessfulList", func(t *testing.T) {
		t.Parallel()
		// Create mock rollout service
		rolloutService := new(mocks.RolloutService)

		// Set up expectations
		rollouts := []*interfaces.QueuedRollout{
			{
				ID:        "rollout-1",
				Status:    interfaces.RolloutStatusCompleted,
				CreatedAt: time.Now(),
				Request: &interfaces.RolloutRequest{
					TargetVersionRef: "registry.example.com/app:2.4.1",
					Strategy:         interfaces.StrategyAllAtOnce,
					Backend:          interfaces.BackendConfig{Type: "mock"},
				},
			},
			{
				ID:        "rollout-2",
				Status:    interfaces.RolloutStatusQueued,
				CreatedAt: time.Now(),
				Request: &interfaces.RolloutRequest{
					TargetVersionRef: "registry.example.com/app:2.5.0",
					Strategy:         interfaces.StrategyAllAtOnce,
					Backend:          interfaces.BackendConfig{Type: "mock"},
				},
			},
		}
		rolloutService.On("ListRollouts", mock.AnythingOfType("interfaces.RolloutFilter")).Return(rollouts, nil)

		// Only the completed rollout gets an attempt record lookup
		rolloutService.On("GetAttemptRecord", "rollout-1").Return(&interfaces.RolloutAttempt{
			ID:      "attempt-1",
			State:   interfaces.StateStable,
			Outcome: interfaces.OutcomeStable,
			Backend: "mock",
		}, nil)

		// Create handler
		handler, handlerErr := handlers.NewRolloutHandler(rolloutService, types.NewRequestConverterWithDefaults())
		require.NoError(t, handlerErr)

		// Create request
		req := httptest.NewRequest("GET", "/api/v1/rollouts", nil)
		rec := httptest.NewRecorder()

		// Execute
		handler.ListRollouts(rec, req)

		// Verify
		assert.Equal(t, http.StatusOK, rec.Code)

		var response []map[string]interface{}
		err := json.NewDecoder(rec.Body).Decode(&response)
		require.NoError(t, err)
		assert.Len(t, response, 2)
		assert.Equal(t, "rollout-1", response[0]["id"])
		assert.Contains(t, response[0], "attempt")
		assert.Equal(t, "rollout-2", response[1]["id"])
		assert.NotContains(t, response[1], "attempt")

		rolloutService.AssertExpectations(t)
		rolloutService.AssertNotCalled(t, "GetAttemptRecord", "rollout-2")
	})

	t.Run("StateAndBackendFilter", func(t *testing.T) {
		t.Parallel()
		// Create mock rollout service
		rolloutService := new(mocks.RolloutService)

		// The query parameters should arrive parsed in the filter
		rolloutService.On("ListRollouts", mock.MatchedBy(func(f interfaces.RolloutFilter) bool {
			return len(f.Status) == 2 &&
				f.Status[0] == interfaces.RolloutStatusQueued &&
				f.Status[1] == interfaces.RolloutStatusProcessing &&
				f.Backend == interfaces.BackendHandle("task-fleet:prod/web")
		})).Return([]*interfaces.QueuedRollout{}, nil)

		// Create handler
		handler, handlerErr := handlers.NewRolloutHandler(rolloutService, types.NewRequestConverterWithDefaults())
		require.NoError(t, handlerErr)

		// Create request with filters
		req := httptest.NewRequest("GET", "/api/v1/rollouts?state=queued,processing&backend=task-fleet:prod/web", nil)
		rec := httptest.NewRecorder()

		// Execute
		handler.ListRollouts(rec, req)

		// Verify
		assert.Equal(t, http.StatusOK, rec.Code)

		var response []map[string]interface{}
		err := json.NewDecoder(rec.Body).Decode(&response)
		require.NoError(t, err)
		assert.Empty(t, response)

		rolloutService.AssertExpectations(t)
	})
}
