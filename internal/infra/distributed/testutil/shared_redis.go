package testutil

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hibiken/asynq"
)

// One Redis container is shared across the package; each test claims a
// numbered database out of the server's 16 and flushes it before and after.
var shared struct {
	mu        sync.Mutex
	container *RedisContainer
	nextDB    int32
	flushMu   sync.Mutex
}

// RedisSetup is a test's claim on one database of the shared container.
type RedisSetup struct {
	URL  string
	DB   int
	Host string
	Port string
}

// SetupSharedRedis hands the test an isolated database on the shared Redis
// container, creating the container on first use. Falls back to a dedicated
// container when the shared one cannot be started or has died.
func SetupSharedRedis(t *testing.T) *RedisSetup {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	container, err := sharedRedis(ctx)
	if err != nil {
		t.Logf("Shared Redis unavailable, using dedicated container: %v", err)
		return dedicatedSetup(t)
	}

	host, port, err := splitRedisURL(container.URL)
	if err != nil {
		t.Fatalf("Failed to parse Redis URL: %v", err)
	}

	db := int(atomic.AddInt32(&shared.nextDB, 1) % 16)
	flushDatabase(t, host, port, db)
	t.Cleanup(func() { flushDatabase(t, host, port, db) })

	return &RedisSetup{
		URL:  fmt.Sprintf("redis://%s:%s/%d", host, port, db),
		DB:   db,
		Host: host,
		Port: port,
	}
}

// sharedRedis returns the package's shared container, starting or replacing
// it under the lock.
func sharedRedis(ctx context.Context) (*RedisContainer, error) {
	shared.mu.Lock()
	defer shared.mu.Unlock()

	if shared.container != nil && containerRunning(ctx, shared.container) {
		return shared.container, nil
	}

	container, err := newMappedRedisContainer(ctx)
	if err != nil {
		return nil, err
	}
	shared.container = container
	return container, nil
}

func containerRunning(ctx context.Context, c *RedisContainer) bool {
	stateCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	state, err := c.Container.State(stateCtx)
	return err == nil && state.Running
}

// dedicatedSetup starts a throwaway container on database 0.
func dedicatedSetup(t *testing.T) *RedisSetup {
	t.Helper()

	container := SetupRedis(t)
	host, port, err := splitRedisURL(container.URL)
	if err != nil {
		t.Fatalf("Failed to parse Redis URL: %v", err)
	}

	return &RedisSetup{
		URL:  container.URL + "/0",
		DB:   0,
		Host: host,
		Port: port,
	}
}

// flushDatabase deletes every asynq queue in the given database. Serialized
// so concurrent tests do not race FLUSH-style operations on the shared
// server.
func flushDatabase(t *testing.T, host, port string, db int) {
	t.Helper()

	shared.flushMu.Lock()
	defer shared.flushMu.Unlock()

	inspector := asynq.NewInspector(asynq.RedisClientOpt{
		Addr:         net.JoinHostPort(host, port),
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
	defer func() {
		if err := inspector.Close(); err != nil {
			t.Logf("Warning: failed to close inspector: %v", err)
		}
	}()

	const attempts = 3
	for i := 0; i < attempts; i++ {
		queues, err := inspector.Queues()
		if err == nil {
			for _, queue := range queues {
				if err := inspector.DeleteQueue(queue, true); err != nil {
					t.Logf("Warning: failed to delete queue %s in DB %d: %v", queue, db, err)
				}
			}
			return
		}

		if i < attempts-1 && transientRedisError(err) {
			backoff := time.Duration(i+1) * 150 * time.Millisecond
			t.Logf("Redis flush attempt %d/%d failed, retrying in %v: %v", i+1, attempts, backoff, err)
			time.Sleep(backoff)
			continue
		}

		t.Logf("Warning: failed to flush Redis DB %d: %v", db, err)
		return
	}
}

func transientRedisError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "deadline exceeded")
}

// splitRedisURL returns the host and port of a redis://host:port URL.
func splitRedisURL(url string) (string, string, error) {
	hostPort := strings.TrimSuffix(strings.TrimPrefix(url, "redis://"), "/")
	host, port, err := net.SplitHostPort(hostPort)
	if err != nil {
		return "", "", fmt.Errorf("invalid Redis URL %q: %w", url, err)
	}
	return host, port, nil
}
