package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rollgate/rollgate/internal/config"
)

// loadServerConfig reads the environment into a fresh ServerConfig and
// expands the paths in it. The config subcommands all start here.
func loadServerConfig() (*config.ServerConfig, error) {
	cfg := config.NewServerConfig()
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}
	if err := cfg.ExpandPaths(); err != nil {
		return nil, fmt.Errorf("failed to expand paths: %w", err)
	}
	return cfg, nil
}

var (
	version = "dev"
	commit  = "none"    //nolint:gochecknoglobals // Build-time commit info
	date    = "unknown" //nolint:gochecknoglobals // Build-time date info

	debugMode bool //nolint:gochecknoglobals // CLI global flag
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCommand wires the CLI tree. --debug is persistent so every
// subcommand can flip the environment before its config load runs.
func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "rollgate",
		Short: "Deployment rollouts with automatic rollback",
		Long: `Rollgate shifts traffic to a new service version in observed steps and
rolls back on its own when health checks or SLO burn rates say the version is bad.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			if debugMode {
				// Config loads read these, so they must be in place
				// before any RunE fires
				_ = os.Setenv("ROLLGATE_DEBUG", "true")
				_ = os.Setenv("ROLLGATE_LOG_LEVEL", "DEBUG")
			}
		},
	}

	root.PersistentFlags().BoolVar(&debugMode, "debug", false,
		"Enable debug logging and echo the parsed rollout file")

	root.AddCommand(
		newRunCommand(),
		newServerCommand(),
		newConfigCommand(),
		newStrategiesCommand(),
	)

	return root
}

func newRunCommand() *cobra.Command {
	var timeout string

	cmd := &cobra.Command{
		Use:   "run [file]",
		Short: "Run a rollout from a rollout file",
		Long: `Run a rollout described by a YAML, JSON, or TOML rollout file and wait
for it to finish. Exits nonzero unless the rollout ends stable on the
target version.`,
		Args: cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			waitTimeout, err := parseWaitTimeout(timeout)
			if err != nil {
				return err
			}
			return runRollout(args[0], waitTimeout)
		},
	}

	cmd.Flags().StringVar(&timeout, "timeout", "3h", "Maximum time to wait for the rollout to finish")
	return cmd
}

func newServerCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Manage the Rollgate API server",
		Long:  "Start, stop, and query the API server that takes rollout submissions over REST",
	}
	cmd.AddCommand(newServerStartCommand(), newServerStopCommand(), newServerStatusCommand())
	return cmd
}

func newServerStartCommand() *cobra.Command {
	var (
		port   int
		daemon bool
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the API server",
		RunE: func(_ *cobra.Command, _ []string) error {
			if daemon {
				return runServerDaemon(port, debugMode)
			}
			return runServerForeground(port, debugMode)
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 8080, "Port to listen on")
	cmd.Flags().BoolVarP(&daemon, "daemon", "d", false, "Detach and run in the background")
	return cmd
}

func newServerStopCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the API server",
		RunE: func(_ *cobra.Command, _ []string) error {
			return stopServer(config.GetPIDPath())
		},
	}
}

func newServerStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Check API server status",
		RunE: func(_ *cobra.Command, _ []string) error {
			// GetPIDPath and GetPort skip the full config load
			return checkServerStatus(config.GetPIDPath(), config.GetPort())
		},
	}
}
