// Package awsclient provides shared AWS SDK configuration for the compute
// backends, the aws attempt store, and the CloudWatch signal sources.
package awsclient

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
)

// Config carries the settings every AWS-backed component shares. Credentials
// are resolved through the default chain (IAM roles, instance profiles,
// environment variables); they are never part of configuration files.
type Config struct {
	Region   string
	Endpoint string // For LocalStack or custom endpoints
}

// IsLocalEndpoint detects LocalStack or test environments where static test
// credentials should be used instead of the default chain.
func IsLocalEndpoint(endpoint string) bool {
	if endpoint != "" {
		endpointLower := strings.ToLower(endpoint)
		if strings.Contains(endpointLower, "localstack") || strings.Contains(endpointLower, "localhost") || strings.Contains(endpointLower, "127.0.0.1") {
			return true
		}
	}

	if os.Getenv("ROLLGATE_USE_LOCALSTACK") == "true" || os.Getenv("LOCALSTACK_ENDPOINT") != "" {
		return true
	}

	// Go test binaries always run against local fakes or LocalStack
	if os.Getenv("GO_TEST_PROCESS") != "" || strings.HasSuffix(os.Args[0], ".test") {
		return true
	}

	return false
}

// Load resolves an aws.Config for the given region and endpoint. Callers
// construct their typed service clients from the result and apply the
// endpoint override themselves, since each client carries its own options.
func Load(ctx context.Context, cfg Config) (aws.Config, error) {
	configOptions := []func(*config.LoadOptions) error{}

	if cfg.Region != "" {
		configOptions = append(configOptions, config.WithRegion(cfg.Region))
	}

	if IsLocalEndpoint(cfg.Endpoint) {
		configOptions = append(configOptions,
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("test", "test", "")),
		)
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, configOptions...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return awsCfg, nil
}

// BaseEndpoint returns the endpoint as a client option value, or nil when no
// override is configured so the SDK resolves the real service endpoint.
func BaseEndpoint(endpoint string) *string {
	if endpoint == "" {
		return nil
	}
	return aws.String(endpoint)
}
