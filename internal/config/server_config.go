// Package config holds server configuration loaded from environment variables.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	storeTypeFile   = "file"
	storeTypeMemory = "memory"
	storeTypeSQLite = "sqlite"
	storeTypeAWS    = "aws"

	queueTypeEmbedded    = "embedded"
	queueTypeDistributed = "distributed"
)

// AppVersion is the application version, can be set at build time or runtime
var AppVersion = "dev"

// ServerConfig holds all configuration for the Rollgate server
type ServerConfig struct {
	// Server settings
	Port  int  `json:"port" env:"ROLLGATE_PORT" flag:"port" default:"8080" desc:"Server port"`
	Debug bool `json:"debug" env:"ROLLGATE_DEBUG" flag:"debug" default:"false" desc:"Enable debug mode"`

	// Storage paths
	DataDir string `json:"data_dir" env:"ROLLGATE_DATA_DIR" flag:"data-dir" default:"~/.rollgate/data" desc:"Data directory path"`
	LogFile string `json:"log_file" env:"ROLLGATE_LOG_FILE" flag:"log-file" default:"" desc:"Log file path"` // empty = stdout

	// Attempt store configuration
	Store StoreConfig `json:"store"`

	// Queue configuration
	Queue QueueConfig `json:"queue"`

	// AWS settings shared by compute backends and signal sources
	AWS AWSConfig `json:"aws"`

	// Daemon settings
	DaemonMode bool   `json:"daemon_mode" flag:"daemon" default:"false" desc:"Run in daemon mode"`
	PIDFile    string `json:"pid_file" env:"ROLLGATE_PID_FILE" flag:"pid-file" default:"" desc:"PID file path"`
}

// StoreConfig holds attempt store specific configuration
type StoreConfig struct {
	Type   string            `json:"type" env:"ROLLGATE_STORE" flag:"store" default:"file" desc:"Attempt store type (file, memory, sqlite, aws)"`
	File   FileStoreConfig   `json:"file"`
	SQLite SQLiteStoreConfig `json:"sqlite"`
	AWS    AWSStoreConfig    `json:"aws"`
}

// FileStoreConfig holds file-based attempt store configuration
type FileStoreConfig struct {
	Path string `json:"path" env:"ROLLGATE_STORE_PATH" flag:"store-path" default:"~/.rollgate/data/attempts" desc:"Attempt store path"`
}

// SQLiteStoreConfig holds sqlite-based attempt store configuration
type SQLiteStoreConfig struct {
	Path string `json:"path" env:"ROLLGATE_SQLITE_PATH" flag:"sqlite-path" default:"~/.rollgate/data/rollgate.db" desc:"SQLite database path"`
}

// AWSStoreConfig holds AWS-based attempt store configuration (S3 + DynamoDB)
type AWSStoreConfig struct {
	// S3 Configuration
	S3 AWSS3Config `json:"s3"`

	// DynamoDB Configuration
	DynamoDB AWSDynamoDBConfig `json:"dynamodb"`
}

// AWSS3Config holds S3-specific configuration for the AWS store
type AWSS3Config struct {
	Bucket   string `json:"bucket" env:"ROLLGATE_AWS_S3_BUCKET" desc:"S3 bucket name for attempt records"`
	Region   string `json:"region" env:"ROLLGATE_AWS_S3_REGION" desc:"AWS region for S3 bucket"`
	Prefix   string `json:"prefix" env:"ROLLGATE_AWS_S3_PREFIX" default:"attempts/" desc:"S3 key prefix for attempt records"`
	Endpoint string `json:"endpoint" env:"ROLLGATE_AWS_S3_ENDPOINT" desc:"Custom S3 endpoint (for LocalStack)"`
}

// AWSDynamoDBConfig holds DynamoDB-specific configuration for the AWS store
type AWSDynamoDBConfig struct {
	Table    string           `json:"table" env:"ROLLGATE_AWS_DYNAMODB_TABLE" desc:"DynamoDB table name for rollout metadata"`
	Region   string           `json:"region" env:"ROLLGATE_AWS_DYNAMODB_REGION" desc:"AWS region for DynamoDB table"`
	Endpoint string           `json:"endpoint" env:"ROLLGATE_AWS_DYNAMODB_ENDPOINT" desc:"Custom DynamoDB endpoint (for LocalStack)"`
	Locking  AWSLockingConfig `json:"locking"`
}

// AWSLockingConfig holds locking configuration for the AWS store
type AWSLockingConfig struct {
	Enabled    bool `json:"enabled" env:"ROLLGATE_AWS_LOCKING_ENABLED" default:"true" desc:"Enable DynamoDB attempt locking"`
	TTLSeconds int  `json:"ttl_seconds" env:"ROLLGATE_AWS_LOCKING_TTL_SECONDS" default:"300" desc:"Lock TTL in seconds"`
}

// QueueConfig holds queue system configuration
type QueueConfig struct {
	Type     string `json:"type" env:"ROLLGATE_QUEUE_TYPE" flag:"queue-type" default:"embedded" desc:"Queue type (embedded, distributed)"`
	RedisURL string `json:"redis_url" env:"ROLLGATE_REDIS_URL" flag:"redis-url" default:"" desc:"Redis URL for distributed mode"`
	Workers  int    `json:"workers" env:"ROLLGATE_WORKERS" flag:"workers" default:"4" desc:"Worker pool concurrency"`
}

// AWSConfig holds AWS settings used by the task-fleet backend and the
// CloudWatch signal sources. Empty values fall through to the SDK's default
// credential and region chain.
type AWSConfig struct {
	Region      string `json:"region" env:"ROLLGATE_AWS_REGION" desc:"AWS region for backends and signals"`
	EndpointURL string `json:"endpoint_url" env:"ROLLGATE_AWS_ENDPOINT" desc:"Custom AWS endpoint (for LocalStack)"`
}

// NewServerConfig creates a new server configuration with defaults
func NewServerConfig() *ServerConfig {
	return &ServerConfig{
		Port:    8080,
		Debug:   false,
		DataDir: "~/.rollgate/data",
		LogFile: "",
		Store: StoreConfig{
			Type: "file",
			File: FileStoreConfig{
				Path: "~/.rollgate/data/attempts",
			},
			SQLite: SQLiteStoreConfig{
				Path: "~/.rollgate/data/rollgate.db",
			},
			AWS: AWSStoreConfig{
				S3: AWSS3Config{
					Prefix: "attempts/",
				},
				DynamoDB: AWSDynamoDBConfig{
					Locking: AWSLockingConfig{
						Enabled:    true,
						TTLSeconds: 300,
					},
				},
			},
		},
		Queue: QueueConfig{
			Type:     "embedded",
			RedisURL: "",
			Workers:  4,
		},
	}
}

// LoadFromEnv loads configuration from environment variables
func (c *ServerConfig) LoadFromEnv() error { //nolint:funlen,gocognit,gocyclo // Configuration loading function with many environment variables
	// Port
	if port := os.Getenv("ROLLGATE_PORT"); port != "" {
		var p int
		if _, err := fmt.Sscanf(port, "%d", &p); err != nil {
			return fmt.Errorf("invalid ROLLGATE_PORT value: %s", port)
		}
		c.Port = p
	}

	// Debug
	if debug := os.Getenv("ROLLGATE_DEBUG"); debug != "" {
		switch strings.ToLower(debug) {
		case "true", "1", "yes", "on":
			c.Debug = true
		case "false", "0", "no", "off":
			c.Debug = false
		default:
			return fmt.Errorf("invalid ROLLGATE_DEBUG value: %s", debug)
		}
	}

	// Paths
	if dataDir := os.Getenv("ROLLGATE_DATA_DIR"); dataDir != "" {
		c.DataDir = dataDir
	}
	if logFile := os.Getenv("ROLLGATE_LOG_FILE"); logFile != "" {
		c.LogFile = logFile
	}

	// Attempt store
	if store := os.Getenv("ROLLGATE_STORE"); store != "" {
		c.Store.Type = store
	}
	if storePath := os.Getenv("ROLLGATE_STORE_PATH"); storePath != "" {
		c.Store.File.Path = storePath
	}
	if sqlitePath := os.Getenv("ROLLGATE_SQLITE_PATH"); sqlitePath != "" {
		c.Store.SQLite.Path = sqlitePath
	}

	// AWS attempt store configuration
	if bucket := os.Getenv("ROLLGATE_AWS_S3_BUCKET"); bucket != "" {
		c.Store.AWS.S3.Bucket = bucket
	}
	if region := os.Getenv("ROLLGATE_AWS_S3_REGION"); region != "" {
		c.Store.AWS.S3.Region = region
	}
	if prefix := os.Getenv("ROLLGATE_AWS_S3_PREFIX"); prefix != "" {
		c.Store.AWS.S3.Prefix = prefix
	}
	if endpoint := os.Getenv("ROLLGATE_AWS_S3_ENDPOINT"); endpoint != "" {
		c.Store.AWS.S3.Endpoint = endpoint
	}
	if table := os.Getenv("ROLLGATE_AWS_DYNAMODB_TABLE"); table != "" {
		c.Store.AWS.DynamoDB.Table = table
	}
	if region := os.Getenv("ROLLGATE_AWS_DYNAMODB_REGION"); region != "" {
		c.Store.AWS.DynamoDB.Region = region
	}
	if endpoint := os.Getenv("ROLLGATE_AWS_DYNAMODB_ENDPOINT"); endpoint != "" {
		c.Store.AWS.DynamoDB.Endpoint = endpoint
	}
	if enabled := os.Getenv("ROLLGATE_AWS_LOCKING_ENABLED"); enabled != "" {
		c.Store.AWS.DynamoDB.Locking.Enabled = parseBool(enabled)
	}
	if ttl := os.Getenv("ROLLGATE_AWS_LOCKING_TTL_SECONDS"); ttl != "" {
		if ttlInt, err := strconv.Atoi(ttl); err == nil {
			c.Store.AWS.DynamoDB.Locking.TTLSeconds = ttlInt
		}
	}

	// Queue
	if queueType := os.Getenv("ROLLGATE_QUEUE_TYPE"); queueType != "" {
		c.Queue.Type = queueType
	}
	if redisURL := os.Getenv("ROLLGATE_REDIS_URL"); redisURL != "" {
		c.Queue.RedisURL = redisURL
	}
	if workers := os.Getenv("ROLLGATE_WORKERS"); workers != "" {
		w, err := strconv.Atoi(workers)
		if err != nil || w < 1 {
			return fmt.Errorf("invalid ROLLGATE_WORKERS value: %s", workers)
		}
		c.Queue.Workers = w
	}

	// Backend / signal AWS settings, falling back to the SDK's standard
	// region variables
	if region := os.Getenv("ROLLGATE_AWS_REGION"); region != "" {
		c.AWS.Region = region
	} else if region := os.Getenv("AWS_REGION"); region != "" {
		c.AWS.Region = region
	} else if region := os.Getenv("AWS_DEFAULT_REGION"); region != "" {
		c.AWS.Region = region
	}
	if endpoint := os.Getenv("ROLLGATE_AWS_ENDPOINT"); endpoint != "" {
		c.AWS.EndpointURL = endpoint
	}

	// PID file
	if pidFile := os.Getenv("ROLLGATE_PID_FILE"); pidFile != "" {
		c.PIDFile = pidFile
	}

	return nil
}

// ExpandPaths expands all paths in the configuration (~ to home directory)
func (c *ServerConfig) ExpandPaths() error {
	var err error

	c.DataDir, err = expandPath(c.DataDir)
	if err != nil {
		return fmt.Errorf("failed to expand data_dir: %w", err)
	}

	if c.LogFile != "" {
		c.LogFile, err = expandPath(c.LogFile)
		if err != nil {
			return fmt.Errorf("failed to expand log_file: %w", err)
		}
	}

	c.Store.File.Path, err = expandPath(c.Store.File.Path)
	if err != nil {
		return fmt.Errorf("failed to expand store_path: %w", err)
	}

	c.Store.SQLite.Path, err = expandPath(c.Store.SQLite.Path)
	if err != nil {
		return fmt.Errorf("failed to expand sqlite_path: %w", err)
	}

	if c.PIDFile == "" {
		// Default PID file location
		c.PIDFile = filepath.Join(os.TempDir(), "rollgate-server.pid")
	} else {
		c.PIDFile, err = expandPath(c.PIDFile)
		if err != nil {
			return fmt.Errorf("failed to expand pid_file: %w", err)
		}
	}

	return nil
}

// Validate checks if the configuration is valid
func (c *ServerConfig) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}

	// Validate required directories
	if c.DataDir == "" {
		return fmt.Errorf("data directory cannot be empty")
	}

	// Validate store type
	switch c.Store.Type {
	case storeTypeFile, storeTypeMemory, storeTypeSQLite, storeTypeAWS:
		// Valid types
	default:
		return fmt.Errorf("invalid store type: %s", c.Store.Type)
	}

	// Validate AWS configuration if AWS type is selected
	if c.Store.Type == storeTypeAWS {
		if c.Store.AWS.S3.Bucket == "" {
			return fmt.Errorf("AWS S3 bucket is required when using AWS store")
		}
		if c.Store.AWS.S3.Region == "" {
			return fmt.Errorf("AWS S3 region is required when using AWS store")
		}
		if c.Store.AWS.DynamoDB.Table == "" {
			return fmt.Errorf("AWS DynamoDB table is required when using AWS store")
		}
		if c.Store.AWS.DynamoDB.Region == "" {
			return fmt.Errorf("AWS DynamoDB region is required when using AWS store")
		}
		if c.Store.AWS.S3.Prefix == "" {
			c.Store.AWS.S3.Prefix = "attempts/" // Set default if empty
		}
		if c.Store.AWS.DynamoDB.Locking.TTLSeconds <= 0 {
			return fmt.Errorf("AWS locking TTL seconds must be positive")
		}
	}

	if c.Store.Type == storeTypeSQLite && c.Store.SQLite.Path == "" {
		return fmt.Errorf("sqlite path is required when using sqlite store")
	}

	// Validate queue type
	switch c.Queue.Type {
	case queueTypeEmbedded, queueTypeDistributed:
		// Valid types
	default:
		return fmt.Errorf("invalid queue type: %s", c.Queue.Type)
	}

	if c.Queue.Type == queueTypeDistributed && c.Queue.RedisURL == "" {
		return fmt.Errorf("redis URL is required when using distributed queue")
	}

	if c.Queue.Workers < 1 {
		return fmt.Errorf("worker count must be positive")
	}

	return nil
}

// GetLogPath returns the full path for the log file, handling defaults
func (c *ServerConfig) GetLogPath() string {
	if c.LogFile != "" {
		return c.LogFile
	}
	if c.DaemonMode {
		// Default log file for daemon mode
		return filepath.Join(os.TempDir(), "rollgate-server.log")
	}
	return "" // stdout
}

// ToJSON returns the configuration as a JSON string
func (c *ServerConfig) ToJSON() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// GetSanitized returns a sanitized version of the config safe for logging
func (c *ServerConfig) GetSanitized() map[string]interface{} {
	// Only return non-sensitive configuration
	sanitized := map[string]interface{}{
		"port":        c.Port,
		"debug":       c.Debug,
		"daemon_mode": c.DaemonMode,
		"store":       c.Store.Type,
		"queue_type":  c.Queue.Type,
		"workers":     c.Queue.Workers,
	}

	// In debug mode, include configuration status but still sanitize values
	if c.Debug {
		sanitized["data_configured"] = c.DataDir != ""
		sanitized["log_configured"] = c.GetLogPath() != ""
		sanitized["redis_configured"] = c.Queue.RedisURL != ""

		// Include AWS configuration status without sensitive values
		if c.Store.Type == storeTypeAWS {
			awsConfig := map[string]interface{}{
				"s3_bucket_configured":         c.Store.AWS.S3.Bucket != "",
				"s3_region_configured":         c.Store.AWS.S3.Region != "",
				"s3_prefix":                    c.Store.AWS.S3.Prefix,
				"s3_endpoint_configured":       c.Store.AWS.S3.Endpoint != "",
				"dynamodb_table_configured":    c.Store.AWS.DynamoDB.Table != "",
				"dynamodb_region_configured":   c.Store.AWS.DynamoDB.Region != "",
				"dynamodb_endpoint_configured": c.Store.AWS.DynamoDB.Endpoint != "",
				"locking_enabled":              c.Store.AWS.DynamoDB.Locking.Enabled,
				"locking_ttl_seconds":          c.Store.AWS.DynamoDB.Locking.TTLSeconds,
			}
			sanitized["aws_config"] = awsConfig
		}
	}

	return sanitized
}

// expandPath expands ~ to the home directory
func expandPath(path string) (string, error) {
	if path == "" {
		return path, nil
	}

	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}

	return filepath.Clean(path), nil
}

// WriteConfigInfo writes configuration info to a well-known location for debugging
func (c *ServerConfig) WriteConfigInfo() error {
	info := struct {
		StartedAt string                 `json:"started_at"`
		PID       int                    `json:"pid"`
		Version   string                 `json:"version"`
		Config    map[string]interface{} `json:"config"`
	}{
		StartedAt: time.Now().Format(time.RFC3339),
		PID:       os.Getpid(),
		Version:   AppVersion,
		Config:    c.GetSanitized(),
	}

	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config info: %w", err)
	}

	// Check for custom path from environment
	infoPath := os.Getenv("ROLLGATE_INFO_FILE")
	if infoPath == "" {
		// Fall back to temp directory
		infoPath = filepath.Join(os.TempDir(), "rollgate.info")
	}

	// Expand ~ if present
	expanded, err := expandPath(infoPath)
	if err == nil {
		infoPath = expanded
	}

	if err := os.WriteFile(infoPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write server info: %w", err)
	}
	return nil
}

// GetPIDPath returns just the PID file path from environment
// This is a lightweight alternative to loading the full config
func GetPIDPath() string {
	pidFile := os.Getenv("ROLLGATE_PID_FILE")
	if pidFile != "" {
		expanded, err := expandPath(pidFile)
		if err == nil {
			return expanded
		}
		// Fall through to default on error
	}

	// Default PID file location
	home, err := os.UserHomeDir()
	if err != nil {
		return "/tmp/rollgate.pid"
	}
	return filepath.Join(home, ".rollgate", "rollgate.pid")
}

// GetPort returns just the port from environment
// This is a lightweight alternative to loading the full config
func GetPort() int {
	portStr := os.Getenv("ROLLGATE_PORT")
	if portStr == "" {
		return 8080 // default
	}

	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return 8080 // default on error
	}

	return port
}

// parseBool parses a string to bool with more lenient handling
func parseBool(value string) bool {
	switch strings.ToLower(value) {
	case "true", "1", "yes", "on", "enabled":
		return true
	case "false", "0", "no", "off", "disabled", "":
		return false
	default:
		return false
	}
}
