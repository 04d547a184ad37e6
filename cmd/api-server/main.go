// Package main implements the Rollgate API server
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/rollgate/rollgate/internal/apiserver"
	"github.com/rollgate/rollgate/internal/config"
	"github.com/rollgate/rollgate/internal/events"
	"github.com/rollgate/rollgate/internal/executor"
	"github.com/rollgate/rollgate/internal/infra/distributed"
	"github.com/rollgate/rollgate/internal/interfaces"
	"github.com/rollgate/rollgate/internal/metrics"
	"github.com/rollgate/rollgate/internal/monitor"
	"github.com/rollgate/rollgate/internal/rollout"
	"github.com/rollgate/rollgate/internal/system"
	"github.com/rollgate/rollgate/internal/utils/components"
	"github.com/rollgate/rollgate/pkg/logging"
)

// Version can be set at build time
var Version = "dev"

var logger = logging.NewLogger("api-server")

// @title           Rollgate API
// @version         1.0
// @description     REST API for deployment rollouts with automatic rollback
// @termsOfService  http://swagger.io/terms/

// @contact.name   API Support
// @contact.url    https://github.com/rollgate/rollgate/issues
// @contact.email  support@rollgate.io

// @license.name  Apache 2.0
// @license.url   http://www.apache.org/licenses/LICENSE-2.0.html

// @host      localhost:8080
// @BasePath  /api/v1

// @schemes http https

// @securityDefinitions.basic BasicAuth

// @externalDocs.description  OpenAPI
// @externalDocs.url          https://swagger.io/resources/open-api/
func main() {
	if err := run(); err != nil {
		logger.Error("Fatal error: %v", err)
		os.Exit(1)
	}
}

func run() error {
	var port int
	var debug bool
	flag.IntVar(&port, "port", 8080, "Port to listen on")
	flag.BoolVar(&debug, "debug", false, "Enable debug mode")
	flag.Parse()

	// Set the version in config package
	config.AppVersion = Version

	// Create and configure server
	cfg, err := createServerConfig(port, debug)
	if err != nil {
		return err
	}

	// Log configuration
	logConfiguration(cfg)

	// Initialize components
	svcComponents, err := initializeComponents(cfg)
	if err != nil {
		return err
	}

	// Start server and handle shutdown
	return runServer(cfg, svcComponents)
}

func createServerConfig(port int, debug bool) (*config.ServerConfig, error) {
	cfg := config.NewServerConfig()
	cfg.Port = port
	cfg.Debug = debug

	// Load from environment
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}

	// Expand paths
	if err := cfg.ExpandPaths(); err != nil {
		return nil, fmt.Errorf("failed to expand paths: %w", err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func logConfiguration(cfg *config.ServerConfig) {
	logger.Info("Starting Rollgate API server v%s", Version)
	logger.Info("Configuration:")
	logger.Info("  Port: %d", cfg.Port)
	logger.Info("  Debug: %t", cfg.Debug)
	logger.Info("  Attempt Store: %s", cfg.Store.Type)
	logger.Info("  Queue Type: %s", cfg.Queue.Type)
}

type serverComponents struct {
	attemptStore interfaces.AttemptStore
	bgComponents *system.BackgroundSystemComponents
	server       *apiserver.APIServer
}

//nolint:funlen // Component wiring happens in one place
func initializeComponents(cfg *config.ServerConfig) (*serverComponents, error) {
	// Create attempt store
	attemptStore, err := components.CreateAttemptStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create attempt store: %w", err)
	}

	// Create backend and signal factories
	backends, err := components.CreateBackendFactory(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create backend factory: %w", err)
	}
	signals, err := components.CreateSignalFactory(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create signal factory: %w", err)
	}

	// Create the rollout controller and executor sharing one event bus
	eventBus := events.NewEventBus()
	controller := rollout.NewController(
		rollout.WithEventBus(eventBus),
		rollout.WithSignalFactory(signals),
		rollout.WithRecordStore(attemptStore),
	)
	rolloutExecutor, err := executor.New(backends, controller)
	if err != nil {
		return nil, fmt.Errorf("failed to create rollout executor: %w", err)
	}

	// Create background system using factory
	bgComponents, err := system.NewBackgroundSystem(cfg, rolloutExecutor.Execute, attemptStore)
	if err != nil {
		return nil, fmt.Errorf("failed to create background system: %w", err)
	}

	// Connect event bus subscribers: tracker sync, audit log, metrics
	events.ConnectTrackerToEventBus(eventBus, bgComponents.Tracker)
	events.ConnectAuditLoggerToEventBus(eventBus)

	collector := metrics.NewCollector()
	events.ConnectMetricsToEventBus(eventBus, collector)

	// Create and start the orphan monitor. In distributed mode it also gets an
	// asynq inspector so it can cross-check the tracker against Redis.
	var inspector *asynq.Inspector
	if q, ok := bgComponents.Queue.(*distributed.Queue); ok {
		inspector = asynq.NewInspector(q.GetRedisClient())
	}
	orphanMonitor := monitor.NewOrphanMonitor(monitor.Config{
		Queue:            bgComponents.Queue,
		Tracker:          bgComponents.Tracker,
		Inspector:        inspector,
		Metrics:          collector,
		ReconcileOrphans: true,
	})
	if err := orphanMonitor.Start(); err != nil {
		return nil, fmt.Errorf("failed to start orphan monitor: %w", err)
	}
	bgComponents.OrphanMonitor = orphanMonitor

	// Start the worker pool
	bgComponents.WorkerPool.Start()

	// Create server
	server, err := apiserver.NewAPIServerWithComponents(
		cfg, bgComponents.Queue, bgComponents.Tracker,
		bgComponents.WorkerPool, attemptStore, collector,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create server: %w", err)
	}

	return &serverComponents{
		attemptStore: attemptStore,
		bgComponents: bgComponents,
		server:       server,
	}, nil
}

func runServer(_ *config.ServerConfig, svcComponents *serverComponents) error {
	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Start server in goroutine
	errChan := make(chan error, 1)
	go func() {
		if err := svcComponents.server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Wait for signal or error
	select {
	case <-sigChan:
		logger.Info("Received shutdown signal")
		return gracefulShutdown(svcComponents)
	case err := <-errChan:
		// Ensure cleanup happens even on error
		shutdownErr := gracefulShutdown(svcComponents)
		if shutdownErr != nil {
			logger.Error("Shutdown error: %v", shutdownErr)
		}
		return fmt.Errorf("server failed: %w", err)
	}
}

func gracefulShutdown(svcComponents *serverComponents) error {
	ctx, cancel := context.WithTimeout(context.Background(), apiserver.ShutdownTimeout)
	defer cancel()

	// Shutdown server
	if err := svcComponents.server.Shutdown(ctx); err != nil {
		logger.Error("Failed to shutdown server: %v", err)
	}

	// Shutdown background components
	if err := svcComponents.bgComponents.Close(ctx); err != nil {
		logger.Error("Failed to shutdown components: %v", err)
		return fmt.Errorf("failed to close background components: %w", err)
	}

	// Release the attempt store last; running workers persist through it
	if closeable, ok := svcComponents.attemptStore.(interface{ Close() error }); ok {
		if err := closeable.Close(); err != nil {
			logger.Error("Failed to close attempt store: %v", err)
		}
	}

	return nil
}
