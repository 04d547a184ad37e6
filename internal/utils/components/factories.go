// Package components provides factory functions for creating system components from server configuration.
package components

import (
	"fmt"

	"github.com/rollgate/rollgate/internal/config"
	"github.com/rollgate/rollgate/internal/interfaces"
	"github.com/rollgate/rollgate/internal/system"
)

// CreateAttemptStore creates an attempt store based on configuration
func CreateAttemptStore(cfg *config.ServerConfig) (interfaces.AttemptStore, error) {
	factory := system.NewDefaultComponentFactory()

	storeConfig := interfaces.StoreConfig{
		Type:    cfg.Store.Type,
		Options: map[string]interface{}{},
	}
	switch cfg.Store.Type {
	case "file":
		storeConfig.Options["path"] = cfg.Store.File.Path
	case "sqlite":
		storeConfig.Options["path"] = cfg.Store.SQLite.Path
	case "aws":
		storeConfig.Options["server_config"] = cfg // Full server config for S3/DynamoDB extraction
	}

	attemptStore, err := factory.CreateAttemptStore(storeConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create attempt store: %w", err)
	}
	return attemptStore, nil
}

// CreateBackendFactory creates a compute backend factory based on configuration
func CreateBackendFactory(cfg *config.ServerConfig) (interfaces.BackendFactory, error) {
	factory := system.NewDefaultComponentFactory()

	backendFactory, err := factory.CreateBackendFactory(interfaces.BackendFactoryConfig{
		Region:      cfg.AWS.Region,
		EndpointURL: cfg.AWS.EndpointURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create backend factory: %w", err)
	}
	return backendFactory, nil
}

// CreateSignalFactory creates a signal factory based on configuration
func CreateSignalFactory(cfg *config.ServerConfig) (interfaces.SignalFactory, error) {
	factory := system.NewDefaultComponentFactory()

	signalFactory, err := factory.CreateSignalFactory(interfaces.SignalFactoryConfig{
		Region:      cfg.AWS.Region,
		EndpointURL: cfg.AWS.EndpointURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create signal factory: %w", err)
	}
	return signalFactory, nil
}
