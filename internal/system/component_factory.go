package system

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rollgate/rollgate/internal/backend"
	configpkg "github.com/rollgate/rollgate/internal/config"
	"github.com/rollgate/rollgate/internal/interfaces"
	"github.com/rollgate/rollgate/internal/mocks"
	"github.com/rollgate/rollgate/internal/observe"
	"github.com/rollgate/rollgate/internal/store"
	"github.com/rollgate/rollgate/pkg/logging"
)

var logger = logging.NewLogger("component-factory")

// DefaultComponentFactory implements interfaces.ComponentFactory with sensible defaults
type DefaultComponentFactory struct{}

// Compile-time interface check
var _ interfaces.ComponentFactory = (*DefaultComponentFactory)(nil)

// NewDefaultComponentFactory creates a new DefaultComponentFactory
func NewDefaultComponentFactory() *DefaultComponentFactory {
	return &DefaultComponentFactory{}
}

// CreateAttemptStore creates an AttemptStore based on the configuration
func (f *DefaultComponentFactory) CreateAttemptStore(config interfaces.StoreConfig) (interfaces.AttemptStore, error) {
	switch config.Type {
	case "memory", "mock", "":
		// In-process store for development and testing
		return store.NewMemoryStore(), nil
	case "file":
		filePath := "./attempts" // Default path
		if config.Options != nil {
			if path, ok := config.Options["path"].(string); ok && path != "" {
				filePath = path
			}
		}

		filePath, err := expandHomePath(filePath)
		if err != nil {
			return nil, err
		}

		fileStore, err := store.NewFileStore(filePath)
		if err != nil {
			return nil, fmt.Errorf("failed to create file attempt store: %w", err)
		}

		logger.Info("Created file-based attempt store at: %s", filePath)
		return fileStore, nil
	case "sqlite":
		dbPath := "./rollgate.db" // Default path
		if config.Options != nil {
			if path, ok := config.Options["path"].(string); ok && path != "" {
				dbPath = path
			}
		}

		dbPath, err := expandHomePath(dbPath)
		if err != nil {
			return nil, err
		}

		// Configuration points at the database file; the store wants its
		// directory
		dataDir := dbPath
		if filepath.Ext(dbPath) != "" {
			dataDir = filepath.Dir(dbPath)
		}

		sqliteStore, err := store.NewSQLiteStore(dataDir)
		if err != nil {
			return nil, fmt.Errorf("failed to create sqlite attempt store: %w", err)
		}

		logger.Info("Created sqlite attempt store under: %s", dataDir)
		return sqliteStore, nil
	case "aws":
		// Replicated store with S3 + DynamoDB
		if config.Options == nil {
			return nil, fmt.Errorf("AWS configuration options are required")
		}

		awsConfig, err := f.extractAWSConfig(config.Options)
		if err != nil {
			return nil, fmt.Errorf("failed to extract AWS configuration: %w", err)
		}

		logger.Info("Creating AWS-based attempt store for S3 bucket: %s, DynamoDB table: %s",
			awsConfig.S3Bucket, awsConfig.DynamoDBTable)
		awsStore, err := store.NewAWSStore(context.Background(), *awsConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create AWS attempt store: %w", err)
		}
		return awsStore, nil
	default:
		return nil, fmt.Errorf("unsupported AttemptStore type: %s (supported: memory, file, sqlite, aws)", config.Type)
	}
}

// CreateBackendFactory creates a BackendFactory based on the configuration
func (f *DefaultComponentFactory) CreateBackendFactory(config interfaces.BackendFactoryConfig) (interfaces.BackendFactory, error) {
	// Check if we should use mock for testing
	if config.Options != nil {
		if useMock, ok := config.Options["use_mock"]; ok && useMock.(bool) {
			return &mocks.MockBackendFactory{
				Backend: mocks.NewMockComputeBackend("mock", ""),
			}, nil
		}
	}

	return backend.NewFactory(config), nil
}

// CreateSignalFactory creates a SignalFactory based on the configuration
func (f *DefaultComponentFactory) CreateSignalFactory(config interfaces.SignalFactoryConfig) (interfaces.SignalFactory, error) {
	// Check if we should use mock for testing
	if config.Options != nil {
		if useMock, ok := config.Options["use_mock"]; ok && useMock.(bool) {
			return &mocks.MockSignalFactory{
				Metrics: mocks.NewMockMetricsSource(),
				Alarms:  mocks.NewMockAlarmSource(),
			}, nil
		}
	}

	return observe.NewFactory(context.Background(), config)
}

// extractAWSConfig extracts AWS configuration from the options map
func (f *DefaultComponentFactory) extractAWSConfig(options map[string]interface{}) (*store.AWSStoreConfig, error) {
	// Extract AWS configuration from the server config that was passed through options
	serverConfig, ok := options["server_config"].(*configpkg.ServerConfig)
	if !ok {
		return nil, fmt.Errorf("server configuration not found in options")
	}

	awsCfg := &serverConfig.Store.AWS

	// Convert server AWS config to attempt store AWS config
	storeConfig := &store.AWSStoreConfig{
		// DynamoDB settings
		DynamoDBTable: awsCfg.DynamoDB.Table,

		// S3 settings
		S3Bucket: awsCfg.S3.Bucket,
		S3Prefix: awsCfg.S3.Prefix,

		// Common settings - prefer S3 region and endpoint, fall back to DynamoDB
		Region:   awsCfg.S3.Region,
		Endpoint: awsCfg.S3.Endpoint,
	}

	if storeConfig.Region == "" {
		storeConfig.Region = awsCfg.DynamoDB.Region
	}
	if storeConfig.Endpoint == "" && awsCfg.DynamoDB.Endpoint != "" {
		storeConfig.Endpoint = awsCfg.DynamoDB.Endpoint
	}

	// Backend locks serialize attempts across replicas; the TTL bounds how
	// long a crashed holder can block the next attempt
	if awsCfg.DynamoDB.Locking.TTLSeconds > 0 {
		storeConfig.LockTTL = time.Duration(awsCfg.DynamoDB.Locking.TTLSeconds) * time.Second
	}

	return storeConfig, nil
}

// expandHomePath expands a leading ~/ to the user's home directory
func expandHomePath(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, path[2:]), nil
}
