// Package handlers provides HTTP request handlers for the API server.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/rollgate/rollgate/internal/apiserver/types"
	"github.com/rollgate/rollgate/internal/interfaces"
	"github.com/rollgate/rollgate/internal/logging"
	"github.com/rollgate/rollgate/internal/rollout"
)

// Package-level logger for global functions
var logger = logging.NewLogger("rollout-handler")

// ErrorResponse represents a structured error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// writeJSON safely writes JSON response with proper error handling
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "encoding_error", "Failed to encode response")
		logger.Errorf("JSON encoding error: %v, data: %+v", err, data)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if _, err := w.Write(jsonData); err != nil {
		logger.Errorf("Failed to write response body: %v", err)
	}
}

// writeError writes a structured error response
func writeError(w http.ResponseWriter, status int, code string, message string) {
	response := ErrorResponse{
		Error:   code,
		Message: message,
	}

	jsonData, err := json.Marshal(response)
	if err != nil {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("Internal server error: failed to encode error response"))
		logger.Errorf("Failed to encode error response: %v", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if _, err := w.Write(jsonData); err != nil {
		logger.Errorf("Failed to write error response: %v", err)
	}
}

// Error constants for rollout operations
var (
	ErrMissingVersionRef  = errors.New("target version reference is required")
	ErrMissingStrategy    = errors.New("rollout strategy is required")
	ErrMissingBackendType = errors.New("backend type is required")
)

// RolloutHandler handles rollout-related HTTP requests
type RolloutHandler struct {
	rolloutService   interfaces.RolloutService
	requestConverter *types.RequestConverter
	logger           *logging.Logger
}

// NewRolloutHandler creates a new rollout handler
func NewRolloutHandler(
	rolloutService interfaces.RolloutService,
	converter *types.RequestConverter,
) (*RolloutHandler, error) {
	if rolloutService == nil {
		return nil, errors.New("rollout service is required")
	}
	return &RolloutHandler{
		rolloutService:   rolloutService,
		requestConverter: converter,
		logger:           logging.NewLogger("rollout-handler"),
	}, nil
}

// CreateRollout submits a new rollout
// @Summary Submit new rollout
// @Description Queue a rollout of the target version through the selected strategy
// @Tags rollouts
// @Accept json
// @Produce json
// @Param rollout body types.RolloutSubmission true "Rollout configuration"
// @Success 202 {object} map[string]interface{} "Rollout accepted"
// @Failure 400 {object} map[string]interface{} "Bad request"
// @Failure 500 {object} map[string]interface{} "Internal server error"
// @Router /rollouts [post]
func (h *RolloutHandler) CreateRollout(w http.ResponseWriter, r *http.Request) {
	var req types.RolloutSubmission
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "Invalid JSON in request body")
		return
	}

	if err := h.validateRolloutSubmission(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}

	// Convert to internal rollout request
	rolloutRequest := h.requestConverter.ToRolloutRequest(&req)

	// Add request ID to metadata for tracing
	requestID := middleware.GetReqID(r.Context())
	if rolloutRequest.Metadata == nil {
		rolloutRequest.Metadata = make(map[string]interface{})
	}
	rolloutRequest.Metadata[interfaces.MetadataKeyRequestID] = requestID
	if user := r.Header.Get("X-User-ID"); user != "" {
		rolloutRequest.Metadata[interfaces.MetadataKeyTriggeredBy] = user
	}

	// Submit to rollout service
	queuedRollout, err := h.rolloutService.CreateRollout(rolloutRequest)
	if err != nil {
		if rolloutErr, ok := rollout.IsRolloutError(err); ok {
			writeError(w, rolloutErr.HTTPStatus, string(rolloutErr.Code), rolloutErr.Message)
		} else {
			writeError(w, http.StatusInternalServerError, "rollout_failed", err.Error())
		}
		return
	}

	// Build and return response
	response := h.buildQueuedRolloutResponse(queuedRollout)

	// Add queue information
	metrics := h.rolloutService.GetQueueMetrics()
	response["queueInfo"] = map[string]interface{}{
		"queueDepth":      metrics.CurrentDepth,
		"averageWaitTime": metrics.AverageWaitTime.Seconds(),
	}

	writeJSON(w, http.StatusAccepted, response)
}

// validateRolloutSubmission validates the rollout submission
func (h *RolloutHandler) validateRolloutSubmission(req *types.RolloutSubmission) error {
	if req.TargetVersionRef == "" {
		return ErrMissingVersionRef
	}
	if req.Strategy == "" {
		return ErrMissingStrategy
	}
	if req.Backend.Type == "" {
		return ErrMissingBackendType
	}
	return nil
}

// GetRollout retrieves a rollout by ID
// @Summary Get rollout details
// @Description Retrieve the queue envelope and full attempt record for a rollout
// @Tags rollouts
// @Accept json
// @Produce json
// @Param id path string true "Rollout ID"
// @Success 200 {object} map[string]interface{} "Rollout details"
// @Failure 404 {object} map[string]interface{} "Rollout not found"
// @Router /rollouts/{id} [get]
func (h *RolloutHandler) GetRollout(w http.ResponseWriter, r *http.Request) {
	rolloutID := chi.URLParam(r, "id")

	// Get rollout from service
	queued, err := h.rolloutService.GetRolloutByID(rolloutID)
	if err != nil {
		// Check if it's a custom rollout error
		if rolloutErr, ok := rollout.IsRolloutError(err); ok {
			writeError(w, rolloutErr.HTTPStatus, string(rolloutErr.Code), rolloutErr.Message)
		} else {
			// Default to not found for backwards compatibility
			writeError(w, http.StatusNotFound, "not_found", "rollout not found")
		}
		return
	}

	// Always use detailed response to show the attempt record
	response := h.buildQueuedRolloutResponseWithAttempt(queued)
	writeJSON(w, http.StatusOK, response)
}

// ListRollouts retrieves all rollouts
// @Summary List all rollouts
// @Description Retrieve a list of rollouts, optionally filtered by state or backend
// @Tags rollouts
// @Accept json
// @Produce json
// @Param state query string false "Comma-separated queue states to include"
// @Param backend query string false "Backend handle to filter by"
// @Success 200 {array} map[string]interface{} "List of rollouts"
// @Failure 500 {object} map[string]interface{} "Internal server error"
// @Router /rollouts [get]
func (h *RolloutHandler) ListRollouts(w http.ResponseWriter, r *http.Request) {
	filter := h.parseRolloutFilter(r)
	rollouts, err := h.rolloutService.ListRollouts(filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list_failed", err.Error())
		return
	}

	// Convert to response format
	response := make([]map[string]interface{}, len(rollouts))
	for i, qr := range rollouts {
		// Use detailed response for rollouts that have finished an attempt
		if isTerminalStatus(qr.Status) {
			response[i] = h.buildQueuedRolloutResponseWithAttempt(qr)
		} else {
			response[i] = h.buildQueuedRolloutResponse(qr)
		}
	}

	writeJSON(w, http.StatusOK, response)
}

// parseRolloutFilter builds a filter from list query parameters
func (h *RolloutHandler) parseRolloutFilter(r *http.Request) interfaces.RolloutFilter {
	filter := interfaces.RolloutFilter{}

	if states := r.URL.Query().Get("state"); states != "" {
		for _, s := range strings.Split(states, ",") {
			if s = strings.TrimSpace(s); s != "" {
				filter.Status = append(filter.Status, interfaces.RolloutStatus(s))
			}
		}
	}

	if backend := r.URL.Query().Get("backend"); backend != "" {
		filter.Backend = interfaces.BackendHandle(backend)
	}

	return filter
}

// isTerminalStatus reports whether the rollout has left the queue for good
func isTerminalStatus(status interfaces.RolloutStatus) bool {
	return status == interfaces.RolloutStatusCompleted ||
		status == interfaces.RolloutStatusFailed ||
		status == interfaces.RolloutStatusCanceled
}

// Helper methods

func (h *RolloutHandler) buildQueuedRolloutResponse(qr *interfaces.QueuedRollout) map[string]interface{} {
	response := map[string]interface{}{
		"id":        qr.ID,
		"status":    string(qr.Status),
		"createdAt": qr.CreatedAt.Format(time.RFC3339),
	}

	// Surface the request essentials so list responses are readable on their own
	if qr.Request != nil {
		response["targetVersionRef"] = string(qr.Request.TargetVersionRef)
		response["strategy"] = string(qr.Request.Strategy)
		response["backend"] = string(qr.Request.Backend.Label())
	}

	// Add metadata if present
	if qr.Request != nil && qr.Request.Metadata != nil {
		if triggeredBy, ok := qr.Request.Metadata[interfaces.MetadataKeyTriggeredBy].(string); ok {
			response["triggeredBy"] = triggeredBy
		}
	}

	if qr.StartedAt != nil {
		response["startedAt"] = qr.StartedAt.Format(time.RFC3339)
	}

	if qr.CompletedAt != nil {
		response["completedAt"] = qr.CompletedAt.Format(time.RFC3339)
	}

	if qr.LastError != nil {
		response["error"] = qr.LastError.Error()
	}

	return response
}

func (h *RolloutHandler) buildQueuedRolloutResponseWithAttempt(qr *interfaces.QueuedRollout) map[string]interface{} {
	// Start with basic response
	response := h.buildQueuedRolloutResponse(qr)

	// Attach the attempt record when the worker has produced one. Queued
	// rollouts have no record yet, so a missing record is not an error.
	attempt, err := h.rolloutService.GetAttemptRecord(qr.ID)
	switch {
	case err != nil:
		if !rollout.HasCode(err, rollout.ErrCodeRolloutNotFound) {
			h.logger.Warnf("Failed to get attempt record for %s: %v", qr.ID, err)
		}
	case attempt != nil:
		response["attempt"] = attempt
	}

	return response
}
