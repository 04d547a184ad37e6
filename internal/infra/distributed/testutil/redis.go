// Package testutil provides Redis containers and fixtures for the
// distributed queue tests.
package testutil

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const redisImage = "redis:7-alpine"

func init() {
	// Ryuk would serialize container teardown across packages; tests clean
	// up through t.Cleanup instead. Set globally because t.Setenv disables
	// t.Parallel.
	_ = os.Setenv("TESTCONTAINERS_RYUK_DISABLED", "true")
}

// RedisContainer is a dedicated Redis container for a single test.
type RedisContainer struct {
	Container testcontainers.Container
	URL       string
}

// SetupRedis starts an isolated Redis container and registers its cleanup.
// Tests that stop and restart Redis need their own container; tests that
// only need a clean keyspace should prefer SetupSharedRedis.
func SetupRedis(t *testing.T) *RedisContainer {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if network := os.Getenv("DOCKER_NETWORK_NAME"); network != "" {
		return startRedisOnNetwork(ctx, t, network)
	}
	return startRedis(ctx, t)
}

// startRedisOnNetwork runs Redis as a sibling container on the given docker
// network, addressed by container name. Used when the tests themselves run
// inside a container and cannot reach host-mapped ports.
func startRedisOnNetwork(ctx context.Context, t *testing.T, network string) *RedisContainer {
	t.Helper()

	name := fmt.Sprintf("redis-test-%d-%d", os.Getpid(), time.Now().UnixNano())
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Name:     name,
			Image:    redisImage,
			Networks: []string{network},
			NetworkAliases: map[string][]string{
				network: {name},
			},
			Env:        map[string]string{"REDIS_MAXMEMORY": "100mb"},
			Cmd:        redisCommand("--bind", "0.0.0.0", "--protected-mode", "no"),
			WaitingFor: redisReady(),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}
	cleanupContainer(t, container)

	return &RedisContainer{
		Container: container,
		URL:       fmt.Sprintf("redis://%s:6379", name),
	}
}

// startRedis runs Redis with a host-mapped port.
func startRedis(ctx context.Context, t *testing.T) *RedisContainer {
	t.Helper()

	container, err := newMappedRedisContainer(ctx)
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}
	cleanupContainer(t, container.Container)
	return container
}

// newMappedRedisContainer starts a host-mapped Redis container without a
// testing.T so the shared-container path can reuse it.
func newMappedRedisContainer(ctx context.Context) (*RedisContainer, error) {
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        redisImage,
			ExposedPorts: []string{"6379/tcp"},
			Env:          map[string]string{"REDIS_MAXMEMORY": "100mb"},
			Cmd:          redisCommand(),
			WaitingFor:   redisReady(),
		},
		Started: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start Redis container: %w", err)
	}

	host, port, err := mappedAddress(ctx, container)
	if err != nil {
		return nil, err
	}

	return &RedisContainer{
		Container: container,
		URL:       fmt.Sprintf("redis://%s:%s", host, port),
	}, nil
}

// redisCommand returns the server command with a memory cap so runaway tests
// cannot exhaust the docker host, plus any extra flags.
func redisCommand(extra ...string) []string {
	cmd := []string{"redis-server", "--loglevel", "notice"}
	cmd = append(cmd, extra...)
	return append(cmd, "--maxmemory", "100mb", "--maxmemory-policy", "allkeys-lru")
}

// redisReady waits on the server log line; port probing costs extra docker
// API round trips behind a proxy.
func redisReady() wait.Strategy {
	return wait.ForLog("Ready to accept connections").WithStartupTimeout(15 * time.Second)
}

func cleanupContainer(t *testing.T, container testcontainers.Container) {
	t.Helper()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate Redis container: %v", err)
		}
	})
}

// mappedAddress resolves the host-mapped address of the container's Redis
// port, retrying transient docker API failures.
func mappedAddress(ctx context.Context, container testcontainers.Container) (string, string, error) {
	const attempts = 3
	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			time.Sleep(time.Duration(i) * 200 * time.Millisecond)
		}

		attemptCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		host, err := container.Host(attemptCtx)
		if err != nil {
			cancel()
			lastErr = err
			continue
		}
		port, err := container.MappedPort(attemptCtx, "6379")
		cancel()
		if err != nil {
			lastErr = err
			continue
		}

		// CI resolvers sometimes hand back IPv6 localhost forms that the
		// redis client cannot dial
		if host == "localhost" || host == "::1" || host == "[::1]" {
			host = "127.0.0.1"
		}
		return host, port.Port(), nil
	}
	return "", "", fmt.Errorf("failed to resolve Redis address after %d attempts: %w", attempts, lastErr)
}

// Stop halts the container so tests can exercise Redis-unavailable paths.
func (r *RedisContainer) Stop(ctx context.Context) error {
	timeout := 10 * time.Second
	if err := r.Container.Stop(ctx, &timeout); err != nil {
		return fmt.Errorf("failed to stop container: %w", err)
	}
	return nil
}

// Start resumes a stopped container and refreshes the URL, since the host
// port mapping can change across a restart.
func (r *RedisContainer) Start(ctx context.Context) error {
	if err := r.Container.Start(ctx); err != nil {
		return fmt.Errorf("failed to start container: %w", err)
	}

	host, port, err := mappedAddress(ctx, r.Container)
	if err != nil {
		return fmt.Errorf("failed to resolve address after restart: %w", err)
	}
	r.URL = fmt.Sprintf("redis://%s:%s", host, port)
	return nil
}
