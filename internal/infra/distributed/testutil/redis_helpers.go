package testutil

import (
	"testing"

	"github.com/hibiken/asynq"
)

// ParseRedisOpt converts a redis:// URL into asynq connection options,
// failing the test on a malformed URL.
func ParseRedisOpt(t *testing.T, redisURL string) asynq.RedisConnOpt {
	t.Helper()

	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		t.Fatalf("Invalid Redis URL %s: %v", redisURL, err)
	}
	return opt
}
