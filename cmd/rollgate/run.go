//nolint:forbidigo // CLI command needs fmt.Print* for user output
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rollgate/rollgate/internal/apiserver/types"
	"github.com/rollgate/rollgate/internal/config"
	"github.com/rollgate/rollgate/internal/interfaces"
	"github.com/rollgate/rollgate/internal/system"
	"github.com/rollgate/rollgate/internal/utils"
)

// Static errors for err113 compliance
var (
	ErrRolloutNotStable = errors.New("rollout did not end stable on the target version")
	ErrRolloutCanceled  = errors.New("rollout canceled")
)

func parseWaitTimeout(raw string) (time.Duration, error) {
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid --timeout value %q: %w", raw, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("--timeout must be positive, got %s", d)
	}
	return d, nil
}

func runRollout(filename string, waitTimeout time.Duration) error {
	// Load and decode the rollout file
	doc, err := loadRolloutFile(filename)
	if err != nil {
		return err
	}

	submission, err := decodeSubmission(doc)
	if err != nil {
		return err
	}

	if debugMode {
		echoRolloutFile(doc)
	}

	// Set up the worker system (same as API server)
	components, err := setupWorkerSystem()
	if err != nil {
		return err
	}
	defer func() {
		ctx := context.Background()
		if err := components.Components.Close(ctx); err != nil {
			fmt.Printf("Warning: failed to shutdown components: %v\n", err)
		}
	}()

	// Log the start of the rollout
	fmt.Printf("Rolling out %s from %s\n", submission.TargetVersionRef, filename)

	return executeRolloutWithComponents(components, submission, waitTimeout)
}

// echoRolloutFile prints the parsed rollout file with secret-looking values masked
func echoRolloutFile(doc map[string]interface{}) {
	redacted, err := json.MarshalIndent(utils.RedactForLogging(doc), "", "  ")
	if err != nil {
		return
	}
	fmt.Fprintf(os.Stderr, "Parsed rollout file:\n%s\n", redacted)
}

// WorkerSystemComponents holds the components needed to run a rollout locally
type WorkerSystemComponents struct {
	Queue        interfaces.RolloutQueue
	Tracker      interfaces.RolloutTracker
	WorkerPool   interfaces.WorkerPool
	AttemptStore interfaces.AttemptStore
	Components   *system.BackgroundSystemComponents
}

// setupWorkerSystem creates the worker system components with CLI-appropriate configuration
func setupWorkerSystem() (*WorkerSystemComponents, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}

	dataDir := filepath.Join(homeDir, ".rollgate", "data")

	// Ensure the data directory exists
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	// Create configuration for CLI. Environment is loaded first so backend and
	// signal settings (regions, endpoints) still apply; store and queue are
	// forced local because a one-shot run owns its whole lifecycle.
	cfg := config.NewServerConfig()
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}
	cfg.DataDir = dataDir
	cfg.Store.Type = "file"
	cfg.Store.File.Path = filepath.Join(dataDir, "attempts")
	cfg.Queue.Type = "embedded" // Use embedded mode for CLI

	rt, err := assembleRolloutSystem(cfg)
	if err != nil {
		return nil, err
	}

	// No further subscribers for a one-shot run, the pool can start now
	rt.components.WorkerPool.Start()

	return &WorkerSystemComponents{
		Queue:        rt.components.Queue,
		Tracker:      rt.components.Tracker,
		WorkerPool:   rt.components.WorkerPool,
		AttemptStore: rt.attemptStore,
		Components:   rt.components,
	}, nil
}

// executeRolloutWithComponents submits the rollout and waits for a terminal status
func executeRolloutWithComponents(components *WorkerSystemComponents, submission *types.RolloutSubmission, waitTimeout time.Duration) error {
	converter := types.NewRequestConverterWithDefaults()
	rolloutRequest := converter.ToRolloutRequest(submission)

	if rolloutRequest.Metadata == nil {
		rolloutRequest.Metadata = make(map[string]interface{})
	}
	rolloutRequest.Metadata[interfaces.MetadataKeyTriggeredBy] = "cli"

	// Create a queued rollout
	queuedRollout := &interfaces.QueuedRollout{
		ID:        fmt.Sprintf("rollout-%d", time.Now().UnixNano()),
		Status:    interfaces.RolloutStatusQueued,
		CreatedAt: time.Now(),
		Request:   rolloutRequest,
	}

	// Register with tracker
	if err := components.Tracker.Register(queuedRollout); err != nil {
		return fmt.Errorf("failed to register rollout: %w", err)
	}

	// Submit rollout to queue
	ctx := context.Background()
	if err := components.Queue.Enqueue(ctx, queuedRollout); err != nil {
		// Remove from tracker if enqueue fails
		_ = components.Tracker.Remove(queuedRollout.ID)
		return fmt.Errorf("failed to enqueue rollout: %w", err)
	}

	fmt.Printf("Rollout submitted: %s\n", queuedRollout.ID)

	// Wait for the rollout to complete
	return waitForRolloutCompletion(components, queuedRollout.ID, waitTimeout)
}

// waitForRolloutCompletion monitors rollout progress and reports the outcome
//
//nolint:gocognit,gocyclo // Rollout monitoring covers every terminal status
func waitForRolloutCompletion(components *WorkerSystemComponents, rolloutID string, waitTimeout time.Duration) error {
	checkInterval := 1 * time.Second
	startTime := time.Now()

	for {
		if time.Since(startTime) > waitTimeout {
			return fmt.Errorf("rollout timed out after %v", waitTimeout)
		}

		queuedRollout, err := components.Tracker.GetByID(rolloutID)
		if err != nil {
			return fmt.Errorf("failed to get rollout: %w", err)
		}
		if queuedRollout == nil {
			return fmt.Errorf("rollout %s not found", rolloutID)
		}

		// Print status update
		fmt.Printf("Status: %s\n", queuedRollout.Status)

		switch queuedRollout.Status {
		case interfaces.RolloutStatusCompleted:
			// Completed means the attempt ended stable; the result carries
			// the attempt record
			fmt.Println("✓ Rollout completed: target version is stable")
			printAttemptRecord(components, rolloutID)
			return nil

		case interfaces.RolloutStatusFailed:
			result, resultErr := components.Tracker.GetResult(rolloutID)
			if resultErr == nil && result != nil {
				switch result.Outcome {
				case interfaces.OutcomeRolledBack:
					fmt.Println("✗ Rollout rolled back to the baseline version")
				case interfaces.OutcomeRollbackFailed:
					fmt.Println("✗ Rollout failed and rollback did not restore the baseline")
				case interfaces.OutcomeStable:
					// Failed status with a stable outcome does not happen;
					// report it rather than hide it
					fmt.Println("✗ Rollout failed")
				}
				if result.Error != nil {
					fmt.Printf("Error: %v\n", result.Error)
				}
			} else {
				fmt.Println("✗ Rollout failed")
				if queuedRollout.LastError != nil {
					fmt.Printf("Error: %v\n", queuedRollout.LastError)
				}
			}
			printAttemptRecord(components, rolloutID)
			return ErrRolloutNotStable

		case interfaces.RolloutStatusProcessing:
			if queuedRollout.Request != nil {
				fmt.Printf("Running %s rollout to %s...\n",
					queuedRollout.Request.Strategy, queuedRollout.Request.TargetVersionRef)
			}

		case interfaces.RolloutStatusQueued:
			fmt.Println("Rollout is queued...")

		case interfaces.RolloutStatusCanceled:
			fmt.Println("✗ Rollout was canceled")
			return ErrRolloutCanceled

		case interfaces.RolloutStatusCanceling:
			fmt.Println("Rollout is being canceled...")
		}

		time.Sleep(checkInterval)
		// Exponential backoff for check interval
		if checkInterval < 5*time.Second {
			checkInterval *= 2
		}
	}
}

// printAttemptRecord displays the attempt record as indented JSON
func printAttemptRecord(components *WorkerSystemComponents, rolloutID string) {
	result, err := components.Tracker.GetResult(rolloutID)
	if err != nil || result == nil || result.Attempt == nil {
		return
	}

	record, err := json.MarshalIndent(result.Attempt, "", "  ")
	if err != nil {
		return
	}
	fmt.Printf("\nAttempt record:\n%s\n", record)
}
