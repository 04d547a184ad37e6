// Package apiserver provides HTTP API endpoints and server functionality for Rollgate
package apiserver

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"runtime"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	httpSwagger "github.com/swaggo/http-swagger/v2"

	"github.com/rollgate/rollgate/internal/apiserver/handlers"
	customMiddleware "github.com/rollgate/rollgate/internal/apiserver/middleware"
	"github.com/rollgate/rollgate/internal/apiserver/types"
	"github.com/rollgate/rollgate/internal/config"
	"github.com/rollgate/rollgate/internal/interfaces"
	"github.com/rollgate/rollgate/internal/logging"
	"github.com/rollgate/rollgate/internal/metrics"
	"github.com/rollgate/rollgate/internal/rollout"
	"github.com/rollgate/rollgate/internal/utils/fsutil"
)

// APIServer provides HTTP API endpoints for rollout management
type APIServer struct {
	router           chi.Router
	server           *http.Server
	queue            interfaces.RolloutQueue
	tracker          interfaces.RolloutTracker
	workerPool       interfaces.WorkerPool
	attemptStore     interfaces.AttemptStore
	rolloutService   interfaces.RolloutService
	requestConverter *types.RequestConverter
	metrics          *metrics.Collector
	config           *config.ServerConfig
	logger           *logging.Logger
}

// Validation helpers
var (
	// validIDPattern for rollout identifiers
	validIDPattern = regexp.MustCompile(`^[a-zA-Z0-9-]+$`)
)

// validateRolloutID validates rollout IDs
func validateRolloutID(id string) error {
	if id == "" {
		return fmt.Errorf("rollout ID is required")
	}
	if len(id) > 100 {
		return fmt.Errorf("rollout ID must be less than 100 characters")
	}
	if !validIDPattern.MatchString(id) {
		return fmt.Errorf("rollout ID contains invalid characters")
	}
	return nil
}

// NewAPIServerWithComponents creates a new API server with individual components
func NewAPIServerWithComponents(
	cfg *config.ServerConfig,
	queue interfaces.RolloutQueue,
	tracker interfaces.RolloutTracker,
	workerPool interfaces.WorkerPool,
	attemptStore interfaces.AttemptStore,
	collector *metrics.Collector,
) (*APIServer, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration is required")
	}
	if queue == nil {
		return nil, fmt.Errorf("rollout queue is required")
	}
	if tracker == nil {
		return nil, fmt.Errorf("rollout tracker is required")
	}
	if workerPool == nil {
		return nil, fmt.Errorf("worker pool is required")
	}
	if attemptStore == nil {
		return nil, fmt.Errorf("attempt store is required")
	}
	// collector can be nil; the metrics endpoint then reports queue data only

	// Create rollout service on top of the queue and tracker
	rolloutServiceConfig := rollout.ServiceConfig{
		Queue:   queue,
		Tracker: tracker,
	}

	rolloutService, err := rollout.NewServiceWithConfig(rolloutServiceConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create rollout service: %w", err)
	}

	router := chi.NewRouter()

	// Middleware
	router.Use(middleware.RequestID) // Generate unique request ID for tracing
	router.Use(middleware.RealIP)    // Get real client IP for logging
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)
	router.Use(middleware.StripSlashes) // Remove trailing slashes for consistent routing
	router.Use(middleware.Timeout(RequestTimeout))

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  ReadTimeout,
		WriteTimeout: WriteTimeout,
		IdleTimeout:  IdleTimeout,
	}

	// Create API server with components
	apiServer := &APIServer{
		router:           router,
		server:           server,
		queue:            queue,
		tracker:          tracker,
		workerPool:       workerPool,
		attemptStore:     attemptStore,
		rolloutService:   rolloutService,
		requestConverter: types.NewRequestConverterWithDefaults(),
		metrics:          collector,
		config:           cfg,
		logger:           logging.NewLogger("apiserver"),
	}

	// Setup routes with config
	if err := apiServer.setupRoutesWithConfig(); err != nil {
		return nil, err
	}

	// Add global 404 handler that returns JSON instead of HTML
	// Set after routes to ensure it's the fallback
	router.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "The requested endpoint was not found")
	})

	return apiServer, nil
}

// GetRolloutService returns the rollout service instance
func (s *APIServer) GetRolloutService() interfaces.RolloutService {
	return s.rolloutService
}

// setupRoutesWithConfig sets up routes including operational endpoints when config is available
func (s *APIServer) setupRoutesWithConfig() error {
	rolloutHandler, err := s.createRolloutHandler()
	if err != nil {
		return fmt.Errorf("failed to create rollout handler: %w", err)
	}

	s.router.Route(APIPrefix, func(r chi.Router) {
		// Set 404 handler for this subrouter
		r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
			writeError(w, http.StatusNotFound, "not_found", "The requested endpoint was not found")
		})

		// Apply content type validation to all endpoints
		r.Use(customMiddleware.ContentTypeValidator())

		// Rollout endpoints using handlers with validation
		r.Route("/rollouts", func(r chi.Router) {
			// Endpoints that submit rollouts need additional validation
			r.With(customMiddleware.VersionRefValidator(), customMiddleware.RolloutSpecValidator()).
				Post("/", rolloutHandler.CreateRollout)

			r.Get("/", rolloutHandler.ListRollouts)

			r.Route("/{id}", func(r chi.Router) {
				// Apply ID validation to all endpoints with {id} parameter
				r.Use(customMiddleware.IDValidator("id"))

				r.Get("/", rolloutHandler.GetRollout)

				// Worker system endpoints
				r.Post("/cancel", s.cancelRollout)
			})
		})

		// Queue and system endpoints (no special validation needed)
		r.Get("/queue/metrics", s.getQueueMetrics)
		r.Get("/system/health", s.getSystemHealth)
		r.Get("/system/metrics", s.getSystemMetricsReport)

		// Add operational endpoints if config is available
		if s.config != nil {
			// Create operations handler
			opsHandler := handlers.NewOperationsHandler(s.config, s.attemptStore, s.workerPool, s.queue)

			// Register operations routes
			opsHandler.RegisterRoutes(r)
		}
	})

	// Add Swagger UI endpoint
	s.router.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL(fmt.Sprintf("http://localhost:%d/swagger/doc.json", s.config.Port)),
	))

	return nil
}

// createRolloutHandler creates a new rollout handler with the required dependencies
func (s *APIServer) createRolloutHandler() (*handlers.RolloutHandler, error) {
	handler, err := handlers.NewRolloutHandler(s.rolloutService, s.requestConverter)
	if err != nil {
		return nil, fmt.Errorf("failed to create rollout handler: %w", err)
	}
	return handler, nil
}

// writeStatusResponse writes a small id/status JSON document
func writeStatusResponse(w http.ResponseWriter, statusCode int, rolloutID string, status interfaces.RolloutStatus) {
	writeJSON(w, statusCode, map[string]string{
		"id":     rolloutID,
		"status": string(status),
	})
}

// cancelRollout requests cancellation of a rollout
// @Summary Cancel rollout
// @Description Request cancellation of a queued or processing rollout. A processing rollout rolls back to its snapshot before reaching a terminal state.
// @Tags rollouts
// @Accept json
// @Produce json
// @Param id path string true "Rollout ID"
// @Success 202 {object} map[string]string "Cancellation initiated"
// @Success 200 {object} map[string]string "Already canceled"
// @Failure 404 {object} map[string]interface{} "Rollout not found"
// @Failure 409 {object} map[string]interface{} "Rollout already finished"
// @Router /rollouts/{id}/cancel [post]
func (s *APIServer) cancelRollout(w http.ResponseWriter, r *http.Request) {
	rolloutID := chi.URLParam(r, "id")

	// Validate rollout ID
	if err := validateRolloutID(rolloutID); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id", err.Error())
		return
	}

	status, err := s.tracker.GetStatus(rolloutID)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", "rollout not found")
		return
	}

	switch *status {
	case interfaces.RolloutStatusQueued, interfaces.RolloutStatusProcessing:
		// Mark canceling first so a worker picking the rollout up sees it
		if err := s.tracker.SetStatus(rolloutID, interfaces.RolloutStatusCanceling); err != nil {
			writeError(w, http.StatusInternalServerError, "cancel_failed", err.Error())
			return
		}

		// Drop the queue entry if the rollout has not been dequeued yet
		if err := s.queue.Cancel(r.Context(), rolloutID); err != nil {
			s.logger.Debugf("Queue cancel for %s: %v", rolloutID, err)
		}

		// Interrupt a running attempt so the worker drives it through rollback
		// instead of finishing the traffic shift
		if canceler, ok := s.workerPool.(interface{ CancelActive(string) bool }); ok {
			if canceler.CancelActive(rolloutID) {
				s.logger.Infof("Canceled active attempt for rollout %s", rolloutID)
			}
		}

		writeStatusResponse(w, http.StatusAccepted, rolloutID, interfaces.RolloutStatusCanceling)

	case interfaces.RolloutStatusCanceling:
		// Cancellation already requested, idempotent
		writeStatusResponse(w, http.StatusAccepted, rolloutID, interfaces.RolloutStatusCanceling)

	case interfaces.RolloutStatusCanceled:
		writeStatusResponse(w, http.StatusOK, rolloutID, interfaces.RolloutStatusCanceled)

	case interfaces.RolloutStatusCompleted, interfaces.RolloutStatusFailed:
		writeError(w, http.StatusConflict, "already_finished", "rollout has already reached a terminal state")

	default:
		writeError(w, http.StatusBadRequest, "invalid_status", "invalid rollout status for cancellation")
	}
}

// getQueueMetrics returns queue metrics
// @Summary Get queue metrics
// @Description Get metrics about the rollout queue
// @Tags system
// @Accept json
// @Produce json
// @Success 200 {object} map[string]interface{} "Queue metrics"
// @Router /queue/metrics [get]
func (s *APIServer) getQueueMetrics(w http.ResponseWriter, _ *http.Request) {
	queueMetrics := s.rolloutService.GetQueueMetrics()

	response := map[string]interface{}{
		"total_enqueued":    queueMetrics.TotalEnqueued,
		"total_dequeued":    queueMetrics.TotalDequeued,
		"current_depth":     queueMetrics.CurrentDepth,
		"average_wait_time": queueMetrics.AverageWaitTime.String(),
		"oldest_rollout":    queueMetrics.OldestRollout.Format(time.RFC3339),
	}

	writeJSON(w, http.StatusOK, response)
}

// getSystemMetricsReport returns queue and orchestrator metrics
// @Summary Get system metrics
// @Description Get queue metrics plus rollout outcome counters and worker statistics
// @Tags system
// @Accept json
// @Produce json
// @Success 200 {object} map[string]interface{} "System metrics"
// @Router /system/metrics [get]
func (s *APIServer) getSystemMetricsReport(w http.ResponseWriter, _ *http.Request) {
	queueMetrics := s.rolloutService.GetQueueMetrics()

	response := map[string]interface{}{
		"queue": map[string]interface{}{
			"total_enqueued":    queueMetrics.TotalEnqueued,
			"total_dequeued":    queueMetrics.TotalDequeued,
			"current_depth":     queueMetrics.CurrentDepth,
			"average_wait_time": queueMetrics.AverageWaitTime.String(),
		},
	}

	if s.metrics != nil {
		systemMetrics := s.metrics.GetSystemMetrics()
		response["rollouts"] = map[string]interface{}{
			"processed":            systemMetrics.RolloutsProcessed,
			"stable":               systemMetrics.RolloutsStable,
			"rolled_back":          systemMetrics.RolloutsRolledBack,
			"failed":               systemMetrics.RolloutsFailed,
			"average_rollout_time": systemMetrics.AverageRolloutTime.String(),
		}
		response["workers"] = map[string]interface{}{
			"active": systemMetrics.ActiveWorkers,
		}
		response["uptime"] = systemMetrics.SystemUptime.String()
	}

	writeJSON(w, http.StatusOK, response)
}

// componentHealth is one probe's verdict. Failed marks a probe that
// could not run at all, which outranks a capacity warning in the rollup.
type componentHealth struct {
	Details map[string]interface{}
	Healthy bool
	Failed  bool
}

// unhealthyComponent reports a component that failed its probe.
func unhealthyComponent(message string) componentHealth {
	return componentHealth{
		Details: map[string]interface{}{
			"status":  "unhealthy",
			"message": message,
		},
		Healthy: false,
		Failed:  true,
	}
}

// getSystemHealth returns system health status
// @Summary Health check
// @Description Check if the API server is running and healthy
// @Tags system
// @Accept json
// @Produce json
// @Success 200 {object} map[string]interface{} "Service is healthy"
// @Success 503 {object} map[string]interface{} "Service unhealthy"
// @Router /system/health [get]
func (s *APIServer) getSystemHealth(w http.ResponseWriter, _ *http.Request) {
	probes := map[string]componentHealth{
		"queue":        s.checkQueueHealth(),
		"tracker":      s.checkTrackerHealth(),
		"workerPool":   s.checkWorkerPoolHealth(),
		"attemptStore": s.checkAttemptStoreHealth(),
		"disk":         s.checkDiskHealth(),
	}

	componentDetails := make(map[string]interface{}, len(probes))
	for name, probe := range probes {
		componentDetails[name] = probe.Details
	}

	sendHealthResponse(w, rollupHealth(probes), componentDetails, s.getSystemMetrics())
}

// rollupHealth grades the whole system from its component probes.
func rollupHealth(probes map[string]componentHealth) interfaces.HealthStatus {
	status := interfaces.HealthStatusHealthy
	for _, probe := range probes {
		if probe.Failed {
			return interfaces.HealthStatusUnhealthy
		}
		if !probe.Healthy {
			status = interfaces.HealthStatusDegraded
		}
	}
	return status
}

// checkQueueHealth checks the health of the queue component
func (s *APIServer) checkQueueHealth() componentHealth {
	if s.queue == nil {
		return unhealthyComponent("Queue not initialized")
	}

	queueMetrics := s.queue.GetMetrics()
	details := map[string]interface{}{
		"status":   "healthy",
		"depth":    queueMetrics.CurrentDepth,
		"enqueued": queueMetrics.TotalEnqueued,
		"dequeued": queueMetrics.TotalDequeued,
	}

	// Check if queue depth is too high
	healthy := true
	if queueMetrics.CurrentDepth > 1000 {
		details["status"] = "warning"
		details["message"] = "Queue depth is high"
		healthy = false
	}

	return componentHealth{Details: details, Healthy: healthy}
}

// checkTrackerHealth checks the health of the tracker component
func (s *APIServer) checkTrackerHealth() componentHealth {
	if s.tracker == nil {
		return unhealthyComponent("Tracker not initialized")
	}

	// Try to list recent rollouts to verify the tracker is working
	rollouts, err := s.tracker.List(interfaces.RolloutFilter{
		CreatedAfter: time.Now().Add(-1 * time.Minute),
	})
	if err != nil {
		return unhealthyComponent(fmt.Sprintf("Failed to query tracker: %v", err))
	}

	return componentHealth{
		Details: map[string]interface{}{
			"status":          "healthy",
			"recent_rollouts": len(rollouts),
		},
		Healthy: true,
	}
}

// checkWorkerPoolHealth checks the health of the worker pool
func (s *APIServer) checkWorkerPoolHealth() componentHealth {
	if s.workerPool == nil {
		return unhealthyComponent("Worker pool not initialized")
	}

	// Worker pool is assumed healthy if it exists
	// Could be enhanced if worker pool exposes metrics
	return componentHealth{
		Details: map[string]interface{}{
			"status": "healthy",
		},
		Healthy: true,
	}
}

// checkAttemptStoreHealth checks the health of the attempt store
func (s *APIServer) checkAttemptStoreHealth() componentHealth {
	if s.attemptStore == nil {
		return unhealthyComponent("Attempt store not initialized")
	}

	// Try a simple operation to verify connectivity. Bounded so a hung
	// store cannot stall the whole health endpoint.
	ctx, cancel := context.WithTimeout(context.Background(), HealthCheckTimeout)
	defer cancel()

	if err := s.attemptStore.Ping(ctx); err != nil {
		return unhealthyComponent(fmt.Sprintf("Attempt store connectivity issue: %v", err))
	}

	return componentHealth{
		Details: map[string]interface{}{
			"status": "healthy",
		},
		Healthy: true,
	}
}

// checkDiskHealth checks capacity of the data directory so the health
// endpoint degrades before the attempt store fills
func (s *APIServer) checkDiskHealth() componentHealth {
	usage, err := fsutil.GetDiskUsageMap(s.config.DataDir)
	if err != nil {
		// Stat failures are reported but do not fail the health check
		return componentHealth{
			Details: map[string]interface{}{
				"status":  "unknown",
				"message": fmt.Sprintf("Failed to read disk usage: %v", err),
			},
			Healthy: true,
		}
	}

	percentUsed, ok := usage["used_percent"].(float64)
	if !ok {
		return componentHealth{
			Details: map[string]interface{}{
				"status": "unknown",
			},
			Healthy: true,
		}
	}

	return diskHealthFor(percentUsed)
}

// diskHealthFor classifies data-dir headroom against the 80/90 thresholds.
func diskHealthFor(percentUsed float64) componentHealth {
	details := map[string]interface{}{
		"status":       "healthy",
		"used_percent": percentUsed,
	}

	healthy := true
	switch {
	case percentUsed >= 90.0:
		details["status"] = "critical"
		details["message"] = "Data directory is almost full"
		healthy = false
	case percentUsed >= 80.0:
		details["status"] = "warning"
		details["message"] = "Data directory usage is high"
		healthy = false
	}

	return componentHealth{Details: details, Healthy: healthy}
}

// getSystemMetrics returns current system metrics
func (s *APIServer) getSystemMetrics() map[string]interface{} {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return map[string]interface{}{
		"goroutines": runtime.NumGoroutine(),
		"memory": map[string]interface{}{
			"alloc_mb": m.Alloc / 1024 / 1024,
			"sys_mb":   m.Sys / 1024 / 1024,
			"gc_count": m.NumGC,
		},
	}
}

// sendHealthResponse sends the health check response. Anything short of
// healthy answers 503 so load balancers stop routing here.
func sendHealthResponse(w http.ResponseWriter, status interfaces.HealthStatus, components, system map[string]interface{}) {
	response := map[string]interface{}{
		"status":     status,
		"time":       time.Now().Format(time.RFC3339),
		"components": components,
		"system":     system,
		"version": map[string]interface{}{
			"api": APIVersion,
		},
	}

	statusCode := http.StatusOK
	if status != interfaces.HealthStatusHealthy {
		statusCode = http.StatusServiceUnavailable
	}

	writeJSON(w, statusCode, response)
}

// Start starts the API server
func (s *APIServer) Start() error {
	s.logger.Infof("Starting API server on %s", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Router returns the HTTP router for testing
func (s *APIServer) Router() http.Handler {
	return s.router
}

// Shutdown gracefully shuts down the API server
func (s *APIServer) Shutdown(ctx context.Context) error {
	s.logger.Infof("Shutting down API server...")

	// Stop worker pool if present
	if s.workerPool != nil {
		if err := s.workerPool.Stop(ctx); err != nil {
			s.logger.Warnf("Warning: failed to stop worker pool: %v", err)
		}
	}

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}
