// Package testutil provides shared container helpers for integration tests
package testutil

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/localstack"
	"github.com/testcontainers/testcontainers-go/wait"
)

const localstackImage = "localstack/localstack:3.8.1"

// defaultServices covers what the aws attempt store touches: record bodies
// in S3, metadata and locks in DynamoDB, STS for the SDK credential chain.
var defaultServices = []string{"s3", "dynamodb", "sts"}

// LocalStack is a per-test LocalStack container. Each test gets its own
// container so tests stay isolated and parallelizable.
type LocalStack struct {
	Container testcontainers.Container
	Endpoint  string
}

// StartLocalStack starts a LocalStack container, points the AWS SDK
// environment at it, and registers cleanup. With no arguments it runs the
// services the attempt store needs.
func StartLocalStack(t *testing.T, services ...string) *LocalStack {
	t.Helper()

	if len(services) == 0 {
		services = defaultServices
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	var ls *LocalStack
	if network := sharedDockerNetwork(); network != "" {
		ls = startOnSharedNetwork(ctx, t, network, services)
	} else {
		ls = startStandalone(ctx, t, services)
	}

	t.Setenv("AWS_ENDPOINT_URL", ls.Endpoint)
	t.Setenv("AWS_ACCESS_KEY_ID", "test")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "test")
	t.Setenv("AWS_REGION", "us-east-1")

	return ls
}

// sharedDockerNetwork reports the docker network to join when the tests
// themselves run inside a container (CI or act), where a host-mapped port
// would not be reachable. Empty means run standalone.
func sharedDockerNetwork() string {
	network := os.Getenv("DOCKER_NETWORK_NAME")
	if network == "" {
		return ""
	}
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return network
	}
	if os.Getenv("ACT") == "true" {
		return network
	}
	return ""
}

// startOnSharedNetwork runs LocalStack as a sibling container on the given
// network and addresses it by container name.
func startOnSharedNetwork(ctx context.Context, t *testing.T, network string, services []string) *LocalStack {
	t.Helper()

	name := fmt.Sprintf("localstack-test-%d-%d", os.Getpid(), time.Now().UnixNano())
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Name:     name,
			Image:    localstackImage,
			Env:      localstackEnv(services),
			Networks: []string{network},
			NetworkAliases: map[string][]string{
				network: {name},
			},
			WaitingFor: wait.ForLog("Ready").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("Failed to start LocalStack container: %v", err)
	}
	registerCleanup(t, container)

	return &LocalStack{
		Container: container,
		Endpoint:  fmt.Sprintf("http://%s:4566", name),
	}
}

// startStandalone runs LocalStack through the testcontainers module and
// addresses it over the host-mapped port.
func startStandalone(ctx context.Context, t *testing.T, services []string) *LocalStack {
	t.Helper()

	container, err := localstack.Run(ctx, localstackImage,
		testcontainers.WithEnv(localstackEnv(services)),
	)
	if err != nil {
		t.Fatalf("Failed to start LocalStack container: %v", err)
	}
	registerCleanup(t, container)

	port, err := container.MappedPort(ctx, "4566/tcp")
	if err != nil {
		t.Fatalf("Failed to get LocalStack port: %v", err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get LocalStack host: %v", err)
	}

	return &LocalStack{
		Container: container,
		Endpoint:  fmt.Sprintf("http://%s:%s", host, port.Port()),
	}
}

func localstackEnv(services []string) map[string]string {
	return map[string]string{
		"SERVICES": strings.Join(services, ","),
		"DEBUG":    "0",
	}
}

func registerCleanup(t *testing.T, container testcontainers.Container) {
	t.Helper()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate LocalStack container: %v", err)
		}
	})
}

// Stop pauses the container so tests can exercise store behavior while the
// AWS endpoint is unreachable.
func (l *LocalStack) Stop(ctx context.Context) error {
	timeout := 10 * time.Second
	if err := l.Container.Stop(ctx, &timeout); err != nil {
		return fmt.Errorf("failed to stop container: %w", err)
	}
	return nil
}

// Start resumes a stopped container.
func (l *LocalStack) Start(ctx context.Context) error {
	if err := l.Container.Start(ctx); err != nil {
		return fmt.Errorf("failed to start container: %w", err)
	}
	return nil
}
