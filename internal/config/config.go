package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	taskFleetBackendName = "task-fleet"
)

// Config holds tunable timeouts for rollout execution
type Config struct {
	// Backend and attempt timeout configuration
	BackendTimeout       time.Duration
	StabilizationTimeout time.Duration
	AttemptTimeout       time.Duration
}

// LoadConfig loads timeout configuration from environment variables
func LoadConfig() *Config {
	cfg := &Config{
		// Default timeouts
		BackendTimeout:       2 * time.Minute,
		StabilizationTimeout: 10 * time.Minute,
		AttemptTimeout:       2 * time.Hour,
	}

	// Load backend operation timeout from ROLLGATE_BACKEND_TIMEOUT
	if timeout := os.Getenv("ROLLGATE_BACKEND_TIMEOUT"); timeout != "" {
		if duration, err := time.ParseDuration(timeout); err == nil {
			cfg.BackendTimeout = duration
		}
	}

	// Load post-shift stabilization timeout
	if timeout := os.Getenv("ROLLGATE_STABILIZATION_TIMEOUT"); timeout != "" {
		if duration, err := time.ParseDuration(timeout); err == nil {
			cfg.StabilizationTimeout = duration
		}
	}

	// Load whole-attempt execution timeout
	if timeout := os.Getenv("ROLLGATE_ATTEMPT_TIMEOUT"); timeout != "" {
		if duration, err := time.ParseDuration(timeout); err == nil {
			cfg.AttemptTimeout = duration
		}
	}

	// Real AWS endpoints get a longer default: task-fleet drains wait on
	// load balancer deregistration, which takes minutes
	if os.Getenv("AWS_PROFILE") != "" || os.Getenv("AWS_ACCESS_KEY_ID") != "" {
		if cfg.BackendTimeout < 5*time.Minute {
			cfg.BackendTimeout = 5 * time.Minute
		}
	}

	return cfg
}

// GetBackendTimeout returns the operation timeout for a specific backend type
func (c *Config) GetBackendTimeout(backendType string) time.Duration {
	// Check for backend-specific timeout, hyphens mapped to underscores
	envKey := "ROLLGATE_BACKEND_TIMEOUT_" + strings.ToUpper(strings.ReplaceAll(backendType, "-", "_"))
	if timeout := os.Getenv(envKey); timeout != "" {
		if duration, err := time.ParseDuration(timeout); err == nil {
			return duration
		}
	}

	// Task-fleet gets a longer default timeout
	if backendType == taskFleetBackendName && c.BackendTimeout < 5*time.Minute {
		return 5 * time.Minute
	}

	return c.BackendTimeout
}

// GetHTTPClientTimeout returns timeout for HTTP clients based on debug mode
func GetHTTPClientTimeout() time.Duration {
	// Check if ROLLGATE_DEBUG is set to a truthy value
	debug := os.Getenv("ROLLGATE_DEBUG")
	if debug != "" {
		// Parse as bool
		if b, err := strconv.ParseBool(debug); err == nil && b {
			return 5 * time.Minute
		}
		// Also accept "1" as true
		if debug == "1" {
			return 5 * time.Minute
		}
	}
	return 30 * time.Second
}
