// Package backend constructs compute backends from declarative
// configuration. The factory decodes the untyped option document of a
// rollout request or rollout file into the typed options of the chosen
// variant.
package backend

import (
	"context"
	"fmt"

	"github.com/mitchellh/mapstructure"

	"github.com/rollgate/rollgate/internal/backend/inplace"
	"github.com/rollgate/rollgate/internal/backend/taskfleet"
	"github.com/rollgate/rollgate/internal/interfaces"
	"github.com/rollgate/rollgate/internal/mocks"
)

// Factory builds ComputeBackend instances from BackendConfig documents. The
// region and endpoint defaults come from server configuration; per-backend
// options may override both.
type Factory struct {
	region   string
	endpoint string
}

// NewFactory creates a backend factory with the given defaults
func NewFactory(cfg interfaces.BackendFactoryConfig) *Factory {
	return &Factory{
		region:   cfg.Region,
		endpoint: cfg.EndpointURL,
	}
}

// mockOptions configures the simulated backend used in tests and demos
type mockOptions struct {
	Handle         string `json:"handle,omitempty"`
	CurrentVersion string `json:"currentVersion,omitempty"`
}

// CreateBackend constructs the backend described by config
func (f *Factory) CreateBackend(ctx context.Context, config interfaces.BackendConfig) (interfaces.ComputeBackend, error) {
	switch config.Type {
	case interfaces.BackendTypeTaskFleet:
		var opts taskfleet.Options
		if err := decodeOptions(config.Options, &opts); err != nil {
			return nil, fmt.Errorf("failed to decode task-fleet options: %w", err)
		}
		f.applyDefaults(&opts.Region, &opts.Endpoint)
		return taskfleet.New(ctx, opts)

	case interfaces.BackendTypeInPlace:
		var opts inplace.Options
		if err := decodeOptions(config.Options, &opts); err != nil {
			return nil, fmt.Errorf("failed to decode in-place options: %w", err)
		}
		f.applyDefaults(&opts.Region, &opts.Endpoint)
		return inplace.New(ctx, opts)

	case interfaces.BackendTypeMock:
		var opts mockOptions
		if err := decodeOptions(config.Options, &opts); err != nil {
			return nil, fmt.Errorf("failed to decode mock options: %w", err)
		}
		if opts.Handle == "" {
			opts.Handle = "mock"
		}
		return mocks.NewMockComputeBackend(interfaces.BackendHandle(opts.Handle), interfaces.VersionRef(opts.CurrentVersion)), nil

	case "":
		return nil, fmt.Errorf("backend type is required")

	default:
		return nil, fmt.Errorf("unknown backend type: %s", config.Type)
	}
}

func (f *Factory) applyDefaults(region, endpoint *string) {
	if *region == "" {
		*region = f.region
	}
	if *endpoint == "" {
		*endpoint = f.endpoint
	}
}

// decodeOptions maps an untyped option document onto a typed option struct
func decodeOptions(src map[string]interface{}, dst interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           dst,
		TagName:          "json",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return fmt.Errorf("failed to create options decoder: %w", err)
	}
	if err := decoder.Decode(src); err != nil {
		return fmt.Errorf("failed to decode options: %w", err)
	}
	return nil
}

// Interface compliance check
var _ interfaces.BackendFactory = (*Factory)(nil)
