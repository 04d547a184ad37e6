package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/rollgate/rollgate/internal/apiserver"
	"github.com/rollgate/rollgate/internal/config"
	"github.com/rollgate/rollgate/internal/events"
	"github.com/rollgate/rollgate/internal/infra/distributed"
	"github.com/rollgate/rollgate/internal/logging"
	"github.com/rollgate/rollgate/internal/metrics"
	"github.com/rollgate/rollgate/internal/monitor"
	"github.com/rollgate/rollgate/internal/monitoring"
	"github.com/rollgate/rollgate/internal/system"
)

// Version can be set at build time with:
// go build -ldflags "-X main.Version=1.0.0"
var Version = "dev"

// Static errors for err113 compliance
var (
	ErrServerFailedToStart = errors.New("server failed to start, check logs")
	ErrServerNotRunning    = errors.New("server is not running")
)

const (
	// daemonStartGrace is how long a freshly forked server gets to crash on
	// startup errors before the parent declares it healthy
	daemonStartGrace = 2 * time.Second

	// stopGrace is how long a server gets to exit after SIGTERM before Kill
	stopGrace = 5 * time.Second

	stopPollInterval   = 500 * time.Millisecond
	statusProbeTimeout = 5 * time.Second
)

// serverConfig builds the effective configuration for a server process from
// flags and environment.
func serverConfig(port int, debug, daemon bool) (*config.ServerConfig, error) {
	cfg := config.NewServerConfig()
	cfg.Port = port
	cfg.Debug = debug
	cfg.DaemonMode = daemon

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}
	if err := cfg.ExpandPaths(); err != nil {
		return nil, fmt.Errorf("failed to expand paths: %w", err)
	}
	return cfg, nil
}

func runServerForeground(port int, debug bool) error {
	config.AppVersion = Version
	logger := logging.NewLogger("server")

	cfg, err := serverConfig(port, debug, false)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logStartup(logger, cfg)

	if err := cfg.WriteConfigInfo(); err != nil {
		logger.Warnf("Failed to write config info: %v", err)
	}

	rt, err := assembleRolloutSystem(cfg)
	if err != nil {
		return err
	}

	// The server process also feeds the audit log and metrics from rollout
	// events; the one-shot CLI path does not
	events.ConnectAuditLoggerToEventBus(rt.eventBus)
	collector := metrics.NewCollector()
	events.ConnectMetricsToEventBus(rt.eventBus, collector)

	if err := startOrphanMonitor(rt.components, collector); err != nil {
		return err
	}

	rt.components.WorkerPool.Start()

	server, err := apiserver.NewAPIServerWithComponents(
		cfg, rt.components.Queue, rt.components.Tracker, rt.components.WorkerPool,
		rt.attemptStore, collector,
	)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	return serveUntilSignal(cfg, server, rt.components, logger)
}

// logStartup reports the effective configuration. Paths stay out of the log
// unless debug asks for them.
func logStartup(logger *logging.Logger, cfg *config.ServerConfig) {
	logger.Infof("Starting Rollgate server v%s", Version)
	logger.Infof("Port %d, debug %t", cfg.Port, cfg.Debug)
	logger.Infof("Attempt store %s, queue %s, workers %d",
		cfg.Store.Type, cfg.Queue.Type, cfg.Queue.Workers)

	if cfg.Debug {
		logger.Debugf("Data directory: %s", cfg.DataDir)
		logger.Debugf("Log file: %s", cfg.GetLogPath())
		logger.Debugf("Attempt store path: %s", cfg.Store.File.Path)
	}
}

// startOrphanMonitor attaches the reconciling monitor to the assembled
// system. In distributed mode it also gets an asynq inspector so it can
// cross-check the tracker against Redis.
func startOrphanMonitor(components *system.BackgroundSystemComponents, collector *metrics.Collector) error {
	var inspector *asynq.Inspector
	if q, ok := components.Queue.(*distributed.Queue); ok {
		inspector = asynq.NewInspector(q.GetRedisClient())
	}

	orphanMonitor := monitor.NewOrphanMonitor(monitor.Config{
		Queue:            components.Queue,
		Tracker:          components.Tracker,
		Inspector:        inspector,
		Metrics:          collector,
		ReconcileOrphans: true,
	})
	if err := orphanMonitor.Start(); err != nil {
		return fmt.Errorf("failed to start orphan monitor: %w", err)
	}
	components.OrphanMonitor = orphanMonitor
	return nil
}

// serveUntilSignal runs the HTTP server until SIGINT/SIGTERM or a listener
// error, then drains the background components.
func serveUntilSignal(cfg *config.ServerConfig, server *apiserver.APIServer, components *system.BackgroundSystemComponents, logger *logging.Logger) error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	monitorCtx, monitorCancel := context.WithCancel(context.Background())
	defer monitorCancel()
	if !cfg.DaemonMode {
		go monitoring.NewDiskMonitor(cfg).Start(monitorCtx)
		logger.Infof("Disk monitoring enabled")
	}

	errChan := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-sigChan:
		ctx, cancel := context.WithTimeout(context.Background(), apiserver.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown server: %w", err)
		}
		if err := components.Close(ctx); err != nil {
			return fmt.Errorf("failed to shutdown components: %w", err)
		}
		return nil
	case err := <-errChan:
		return err
	}
}

func runServerDaemon(port int, debug bool) error {
	logger := logging.NewLogger("server-daemon")

	// savePID below claims the PID file atomically, so no pre-check for a
	// running server happens here
	cfg, err := serverConfig(port, debug, true)
	if err != nil {
		return err
	}

	logPath := cfg.GetLogPath()
	logFile, err := openDaemonLog(logPath)
	if err != nil {
		return err
	}

	child, err := spawnServer(logFile, port, debug)
	closeErr := logFile.Close()
	if err != nil {
		return err
	}
	if closeErr != nil {
		return fmt.Errorf("failed to close log file: %w", closeErr)
	}

	if err := savePID(child.Process.Pid, cfg.PIDFile); err != nil {
		_ = child.Process.Kill()
		return fmt.Errorf("failed to save PID: %w", err)
	}

	time.Sleep(daemonStartGrace)
	if !isServerRunning(cfg.PIDFile) {
		return fmt.Errorf("%w at: %s", ErrServerFailedToStart, logPath)
	}

	logger.Infof("Server started in background (PID %d)", child.Process.Pid)
	logger.Infof("Log file: %s", logPath)
	logger.Infof("PID file: %s", cfg.PIDFile)
	return nil
}

// openDaemonLog truncates and reopens the daemon log with owner-only
// permissions, creating its directory as needed.
func openDaemonLog(logPath string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(logPath), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600) // #nosec G304 - logPath is from config
	if err != nil {
		return nil, fmt.Errorf("failed to create log file: %w", err)
	}
	return logFile, nil
}

// spawnServer re-executes this binary as a foreground server child with its
// output routed to the daemon log.
func spawnServer(logFile *os.File, port int, debug bool) (*exec.Cmd, error) {
	executable, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("failed to get executable path: %w", err)
	}

	args := []string{"server", "start", "--port", strconv.Itoa(port)}
	if debug {
		args = append(args, "--debug")
	}

	cmd := exec.Command(executable, args...) // #nosec G204 - executable is self (os.Executable), args are controlled
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	setupServerProcess(cmd)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start server: %w", err)
	}
	return cmd, nil
}

func stopServer(pidFile string) error {
	pid, err := readPIDFromFile(pidFile)
	if err != nil {
		return ErrServerNotRunning
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("failed to find process: %w", err)
	}

	// Request graceful shutdown, escalating to Kill below if needed
	if err := terminateProcess(process); err != nil {
		// Process might already be dead
		removePIDFile(pidFile)
		return ErrServerNotRunning
	}

	if !waitForExit(pid, stopGrace) {
		_ = process.Kill()
	}

	removePIDFile(pidFile)
	return nil
}

// waitForExit polls until the process is gone or the grace period runs out,
// reporting whether it exited.
func waitForExit(pid int, grace time.Duration) bool {
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !isProcessRunning(pid) {
			return true
		}
		time.Sleep(stopPollInterval)
	}
	return !isProcessRunning(pid)
}

//nolint:forbidigo // Status reports go to the terminal, not the log
func checkServerStatus(pidFile string, port int) error {
	pid, err := readPIDFromFile(pidFile)
	if err != nil || !isProcessRunning(pid) {
		fmt.Println("Server is not running")
		return nil
	}
	fmt.Printf("Server is running (PID %d)\n", pid)

	// The PID only proves a process exists; the health endpoint proves it
	// still serves
	ctx, cancel := context.WithTimeout(context.Background(), statusProbeTimeout)
	defer cancel()

	url := fmt.Sprintf("http://localhost:%d/api/v1/system/health", port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil
	}

	resp, err := (&http.Client{Timeout: statusProbeTimeout}).Do(req)
	if err != nil {
		fmt.Printf("Health endpoint on port %d is not answering\n", port)
		return nil
	}
	defer func() { _ = resp.Body.Close() }()

	fmt.Printf("Health endpoint on port %d answered: %s\n", port, resp.Status)
	return nil
}

func isServerRunning(pidFile string) bool {
	pid, err := readPIDFromFile(pidFile)
	if err != nil {
		return false
	}
	return isProcessRunning(pid)
}

func savePID(pid int, pidFile string) error {
	if err := os.MkdirAll(filepath.Dir(pidFile), 0o700); err != nil {
		return fmt.Errorf("failed to create PID directory: %w", err)
	}

	file, err := claimPIDFile(pidFile)
	if err != nil {
		return err
	}
	defer func() { _ = file.Close() }()

	if _, err := fmt.Fprintf(file, "%d\n", pid); err != nil {
		_ = os.Remove(pidFile)
		return fmt.Errorf("failed to write PID: %w", err)
	}
	return nil
}

// claimPIDFile creates the PID file with O_EXCL so two concurrent starts
// cannot both win. A leftover file naming a dead process is removed and
// claimed again; one naming a live process refuses the claim.
func claimPIDFile(pidFile string) (*os.File, error) {
	file, err := os.OpenFile(pidFile, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600) // #nosec G304 - pidFile path is from config
	if err == nil {
		return file, nil
	}
	if !os.IsExist(err) {
		return nil, fmt.Errorf("failed to create PID file %s: %w", pidFile, err)
	}

	existingPID, readErr := readPIDFromFile(pidFile)
	if readErr == nil && isProcessRunning(existingPID) {
		return nil, fmt.Errorf("server already running with PID %d (pid file: %s)", existingPID, pidFile)
	}

	_ = os.Remove(pidFile)
	file, err = os.OpenFile(pidFile, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600) // #nosec G304 - pidFile path is from config
	if err != nil {
		return nil, fmt.Errorf("failed to create PID file %s after removing stale file: %w", pidFile, err)
	}
	return file, nil
}

func readPIDFromFile(pidFile string) (int, error) {
	data, err := os.ReadFile(pidFile) // #nosec G304 - pidFile path is from config
	if err != nil {
		return 0, fmt.Errorf("failed to read PID file %s: %w", pidFile, err)
	}

	pidStr := strings.TrimSpace(string(data))
	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return 0, fmt.Errorf("failed to parse PID from file %s (content: %q): %w", pidFile, pidStr, err)
	}
	return pid, nil
}

func removePIDFile(pidFile string) {
	_ = os.Remove(pidFile) // Ignore error - cleanup operation
}
