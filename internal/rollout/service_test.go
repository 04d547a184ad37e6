package rollout

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/rollgate/rollgate/internal/interfaces"
	"github.com/rollgate/rollgate/internal/mocks"
)

const testRolloutShortID = "rollout-123"

// createTestService is a helper function to create a service for tests
func createTestService(queue interfaces.RolloutQueue, tracker interfaces.RolloutTracker) (interfaces.RolloutService, error) {
	return NewServiceWithConfig(ServiceConfig{
		Queue:   queue,
		Tracker: tracker,
	})
}

func TestNewService(t *testing.T) {
	t.Parallel()
	t.Run("ReturnsErrorWithNilQueue", func(t *testing.T) {
		t.Parallel()
		tracker := new(mocks.RolloutTracker)
		service, err := NewServiceWithConfig(ServiceConfig{
			Queue:   nil,
			Tracker: tracker,
		})
		require.Error(t, err)
		assert.Nil(t, service)
		assert.Equal(t, "rollout queue is required", err.Error())
	})

	t.Run("ReturnsErrorWithNilTracker", func(t *testing.T) {
		t.Parallel()
		queue := new(mocks.RolloutQueue)
		service, err := NewServiceWithConfig(ServiceConfig{
			Queue:   queue,
			Tracker: nil,
		})
		require.Error(t, err)
		assert.Nil(t, service)
		assert.Equal(t, "rollout tracker is required", err.Error())
	})

	t.Run("CreatesServiceSuccessfully", func(t *testing.T) {
		t.Parallel()
		queue := new(mocks.RolloutQueue)
		tracker := new(mocks.RolloutTracker)
		service, err := NewServiceWithConfig(ServiceConfig{
			Queue:   queue,
			Tracker: tracker,
		})
		require.NoError(t, err)
		assert.NotNil(t, service)
	})
}

func TestListRollouts(t *testing.T) {
	t.Parallel()
	t.Run("SuccessfulList", func(t *testing.T) {
		t.Parallel()
		queue := new(mocks.RolloutQueue)
		tracker := new(mocks.RolloutTracker)
		service, err := createTestService(queue, tracker)
		require.NoError(t, err)

		expectedRollouts := []*interfaces.QueuedRollout{
			{ID: "rollout-1", Status: interfaces.RolloutStatusQueued},
			{ID: "rollout-2", Status: interfaces.RolloutStatusCompleted},
		}
		filter := interfaces.RolloutFilter{}
		tracker.On("List", filter).Return(expectedRollouts, nil)

		rollouts, err := service.ListRollouts(filter)

		require.NoError(t, err)
		assert.Equal(t, expectedRollouts, rollouts)
		tracker.AssertExpectations(t)
	})

	t.Run("ErrorFromTracker", func(t *testing.T) {
		t.Parallel()
		queue := new(mocks.RolloutQueue)
		tracker := new(mocks.RolloutTracker)
		service, err := createTestService(queue, tracker)
		require.NoError(t, err)

		filter := interfaces.RolloutFilter{}
		expectedError := errors.New("database error")
		tracker.On("List", filter).Return(nil, expectedError)

		rollouts, err := service.ListRollouts(filter)

		require.Error(t, err)
		assert.Nil(t, rollouts)
		require.ErrorIs(t, err, expectedError)
		tracker.AssertExpectations(t)
	})
}

func TestCreateRollout(t *testing.T) { //nolint:funlen // Test function with comprehensive test cases
	t.Parallel()

	t.Run("SuccessfulCreation", func(t *testing.T) {
		t.Parallel()
		queue := new(mocks.RolloutQueue)
		tracker := new(mocks.RolloutTracker)
		service, err := createTestService(queue, tracker)
		require.NoError(t, err)

		request := validRequest()
		request.Metadata = map[string]interface{}{
			interfaces.MetadataKeyRequestID: "req-42",
		}

		tracker.On("Register", mock.MatchedBy(func(r *interfaces.QueuedRollout) bool {
			return r.Request == request && r.Status == interfaces.RolloutStatusQueued
		})).Return(nil)

		queue.On("Enqueue", mock.Anything, mock.MatchedBy(func(r *interfaces.QueuedRollout) bool {
			return r.Request == request && r.Status == interfaces.RolloutStatusQueued
		})).Return(nil)

		rollout, err := service.CreateRollout(request)

		require.NoError(t, err)
		assert.NotNil(t, rollout)
		assert.Equal(t, request, rollout.Request)
		assert.Equal(t, interfaces.RolloutStatusQueued, rollout.Status)
		assert.True(t, strings.HasPrefix(rollout.ID, "rollout-"))
		assert.Equal(t, "req-42", rollout.RequestID)
		assert.NotZero(t, rollout.CreatedAt)
		tracker.AssertExpectations(t)
		queue.AssertExpectations(t)
	})

	t.Run("NilRequestError", func(t *testing.T) {
		t.Parallel()
		queue := new(mocks.RolloutQueue)
		tracker := new(mocks.RolloutTracker)
		service, err := createTestService(queue, tracker)
		require.NoError(t, err)

		rollout, err := service.CreateRollout(nil)

		require.Error(t, err)
		assert.Nil(t, rollout)
		assert.Equal(t, "rollout request is required", err.Error())
	})

	t.Run("InvalidRequestRejected", func(t *testing.T) {
		t.Parallel()
		queue := new(mocks.RolloutQueue)
		tracker := new(mocks.RolloutTracker)
		service, err := createTestService(queue, tracker)
		require.NoError(t, err)

		request := validRequest()
		request.Backend.Type = ""

		rollout, err := service.CreateRollout(request)

		require.Error(t, err)
		assert.Nil(t, rollout)
		assert.True(t, HasCode(err, ErrCodeInvalidRequest))
		assert.Contains(t, err.Error(), "backend type is required")
		// Nothing was registered or enqueued
		tracker.AssertExpectations(t)
		queue.AssertExpectations(t)
	})

	t.Run("RegisterFailure", func(t *testing.T) {
		t.Parallel()
		queue := new(mocks.RolloutQueue)
		tracker := new(mocks.RolloutTracker)
		service, err := createTestService(queue, tracker)
		require.NoError(t, err)

		expectedError := errors.New("register failed")
		tracker.On("Register", mock.Anything).Return(expectedError)

		rollout, err := service.CreateRollout(validRequest())

		require.Error(t, err)
		assert.Nil(t, rollout)
		assert.Contains(t, err.Error(), "register_tracker failed")
		tracker.AssertExpectations(t)
	})

	t.Run("EnqueueFailureUnregisters", func(t *testing.T) {
		t.Parallel()
		queue := new(mocks.RolloutQueue)
		tracker := new(mocks.RolloutTracker)
		service, err := createTestService(queue, tracker)
		require.NoError(t, err)

		expectedError := errors.New("enqueue failed")
		tracker.On("Register", mock.Anything).Return(nil)
		queue.On("Enqueue", mock.Anything, mock.Anything).Return(expectedError)
		tracker.On("Remove", mock.AnythingOfType("string")).Return(nil) // Compensation

		rollout, err := service.CreateRollout(validRequest())

		require.Error(t, err)
		assert.Nil(t, rollout)
		assert.Contains(t, err.Error(), "enqueue_rollout failed")
		tracker.AssertExpectations(t)
		queue.AssertExpectations(t)
	})
}

func TestCancelRollout(t *testing.T) {
	t.Parallel()

	t.Run("SuccessfulCancel", func(t *testing.T) {
		t.Parallel()
		queue := new(mocks.RolloutQueue)
		tracker := new(mocks.RolloutTracker)
		service, err := createTestService(queue, tracker)
		require.NoError(t, err)

		queue.On("Cancel", mock.Anything, testRolloutShortID).Return(nil)

		err = service.CancelRollout(testRolloutShortID)

		require.NoError(t, err)
		queue.AssertExpectations(t)
	})

	t.Run("CancelError", func(t *testing.T) {
		t.Parallel()
		queue := new(mocks.RolloutQueue)
		tracker := new(mocks.RolloutTracker)
		service, err := createTestService(queue, tracker)
		require.NoError(t, err)

		expectedError := errors.New("cancel failed")
		queue.On("Cancel", mock.Anything, testRolloutShortID).Return(expectedError)

		err = service.CancelRollout(testRolloutShortID)

		require.Error(t, err)
		require.ErrorIs(t, err, expectedError)
		queue.AssertExpectations(t)
	})

	t.Run("EmptyRolloutIDError", func(t *testing.T) {
		t.Parallel()
		queue := new(mocks.RolloutQueue)
		tracker := new(mocks.RolloutTracker)
		service, err := createTestService(queue, tracker)
		require.NoError(t, err)

		err = service.CancelRollout("")

		require.Error(t, err)
		assert.Equal(t, "rollout ID is required", err.Error())
	})
}

func TestGetRolloutByID(t *testing.T) {
	t.Parallel()

	t.Run("SuccessfulGet", func(t *testing.T) {
		t.Parallel()
		queue := new(mocks.RolloutQueue)
		tracker := new(mocks.RolloutTracker)
		service, err := createTestService(queue, tracker)
		require.NoError(t, err)

		expected := &interfaces.QueuedRollout{ID: testRolloutShortID, Status: interfaces.RolloutStatusProcessing}
		tracker.On("GetByID", testRolloutShortID).Return(expected, nil)

		rollout, err := service.GetRolloutByID(testRolloutShortID)

		require.NoError(t, err)
		assert.Equal(t, expected, rollout)
		tracker.AssertExpectations(t)
	})

	t.Run("EmptyRolloutIDError", func(t *testing.T) {
		t.Parallel()
		queue := new(mocks.RolloutQueue)
		tracker := new(mocks.RolloutTracker)
		service, err := createTestService(queue, tracker)
		require.NoError(t, err)

		rollout, err := service.GetRolloutByID("")

		require.Error(t, err)
		assert.Nil(t, rollout)
		assert.Equal(t, "rollout ID is required", err.Error())
	})
}

func TestGetRolloutStatus(t *testing.T) {
	t.Parallel()

	t.Run("SuccessfulGetStatus", func(t *testing.T) {
		t.Parallel()
		queue := new(mocks.RolloutQueue)
		tracker := new(mocks.RolloutTracker)
		service, err := createTestService(queue, tracker)
		require.NoError(t, err)

		expectedStatus := interfaces.RolloutStatusProcessing
		tracker.On("GetStatus", testRolloutShortID).Return(&expectedStatus, nil)

		status, err := service.GetRolloutStatus(testRolloutShortID)

		require.NoError(t, err)
		assert.NotNil(t, status)
		assert.Equal(t, expectedStatus, *status)
		tracker.AssertExpectations(t)
	})

	t.Run("EmptyRolloutIDError", func(t *testing.T) {
		t.Parallel()
		queue := new(mocks.RolloutQueue)
		tracker := new(mocks.RolloutTracker)
		service, err := createTestService(queue, tracker)
		require.NoError(t, err)

		status, err := service.GetRolloutStatus("")

		require.Error(t, err)
		assert.Nil(t, status)
		assert.Equal(t, "rollout ID is required", err.Error())
	})
}

func TestGetAttemptRecord(t *testing.T) {
	t.Parallel()

	t.Run("ResultCarriesAttempt", func(t *testing.T) {
		t.Parallel()
		queue := new(mocks.RolloutQueue)
		tracker := new(mocks.RolloutTracker)
		service, err := createTestService(queue, tracker)
		require.NoError(t, err)

		attempt := &interfaces.RolloutAttempt{
			ID:      "ro-abc",
			State:   interfaces.StateStable,
			Outcome: interfaces.OutcomeStable,
		}
		result := &interfaces.RolloutResult{
			RolloutID:   testRolloutShortID,
			Outcome:     interfaces.OutcomeStable,
			Attempt:     attempt,
			CompletedAt: time.Now(),
		}
		tracker.On("GetResult", testRolloutShortID).Return(result, nil)

		record, err := service.GetAttemptRecord(testRolloutShortID)

		require.NoError(t, err)
		assert.Equal(t, attempt, record)
		tracker.AssertExpectations(t)
	})

	t.Run("NoResultYet", func(t *testing.T) {
		t.Parallel()
		queue := new(mocks.RolloutQueue)
		tracker := new(mocks.RolloutTracker)
		service, err := createTestService(queue, tracker)
		require.NoError(t, err)

		tracker.On("GetResult", testRolloutShortID).Return(nil, nil)

		record, err := service.GetAttemptRecord(testRolloutShortID)

		require.Error(t, err)
		assert.Nil(t, record)
		assert.True(t, HasCode(err, ErrCodeRolloutNotFound))
		tracker.AssertExpectations(t)
	})

	t.Run("TrackerError", func(t *testing.T) {
		t.Parallel()
		queue := new(mocks.RolloutQueue)
		tracker := new(mocks.RolloutTracker)
		service, err := createTestService(queue, tracker)
		require.NoError(t, err)

		expectedError := errors.New("redis down")
		tracker.On("GetResult", testRolloutShortID).Return(nil, expectedError)

		record, err := service.GetAttemptRecord(testRolloutShortID)

		require.Error(t, err)
		assert.Nil(t, record)
		require.ErrorIs(t, err, expectedError)
		tracker.AssertExpectations(t)
	})
}

func TestGetQueueMetrics(t *testing.T) {
	t.Parallel()

	queue := new(mocks.RolloutQueue)
	tracker := new(mocks.RolloutTracker)
	service, err := createTestService(queue, tracker)
	require.NoError(t, err)

	expected := interfaces.QueueMetrics{
		TotalEnqueued: 10,
		TotalDequeued: 7,
		CurrentDepth:  3,
	}
	queue.On("GetMetrics").Return(expected)

	metrics := service.GetQueueMetrics()

	assert.Equal(t, expected, metrics)
	queue.AssertExpectations(t)
}
