package distributed

import (
	"errors"
	"strings"
	"time"
)

// failureClass buckets enqueue errors by how the guard should react to them.
type failureClass int

const (
	failUnknown failureClass = iota
	failTransient
	failConnection
	failTimeout
	failOverload
	failAuth
	failMemory
)

func (c failureClass) String() string {
	switch c {
	case failTransient:
		return "transient"
	case failConnection:
		return "connection"
	case failTimeout:
		return "timeout"
	case failOverload:
		return "overload"
	case failAuth:
		return "auth"
	case failMemory:
		return "memory"
	default:
		return "unknown"
	}
}

// verdict is the guard's reaction to a failed attempt: whether to retry,
// the minimum delay before the next try (zero leaves the backoff schedule
// alone), and whether the operation may be parked in the hold queue instead
// of failing.
type verdict struct {
	class failureClass
	retry bool
	floor time.Duration
	hold  bool
}

// failureRules maps error-text fragments to verdicts. First match wins, so
// the order is part of the contract: connection and timeout markers are
// narrower than the catch-all transient ones and must come first.
var failureRules = []struct {
	fragments []string
	v         verdict
}{
	{
		fragments: []string{
			"connection refused", "connection reset by peer", "connection closed",
			"connection pool exhausted", "no route to host", "network unreachable",
		},
		v: verdict{class: failConnection, retry: true, floor: time.Second},
	},
	{
		fragments: []string{"timeout", "deadline exceeded"},
		v:         verdict{class: failTimeout, retry: true},
	},
	{
		fragments: []string{
			"out of memory", "oom", "maxmemory", "memory limit exceeded",
			"too many connections", "resource temporarily unavailable",
		},
		v: verdict{class: failOverload, floor: 5 * time.Second, hold: true},
	},
	{
		fragments: []string{
			"authentication failed", "invalid username or password", "noauth",
			"permission denied", "access denied", "unauthorized",
		},
		v: verdict{class: failAuth},
	},
	{
		fragments: []string{
			"temporary", "temporarily", "unavailable", "try again", "retry",
			"redis:", "broken pipe", "connection aborted",
		},
		v: verdict{class: failTransient, retry: true, floor: 500 * time.Millisecond, hold: true},
	},
}

// classify matches err against the failure rules. A memory-limit error from
// the guard's own probe is recognized by type; everything else by the text
// Redis and the net stack put in the message. Unmatched errors get the zero
// verdict: no retry, no hold.
func classify(err error) verdict {
	if err == nil {
		return verdict{}
	}

	var memErr *MemoryLimitError
	if errors.As(err, &memErr) {
		return verdict{class: failMemory, floor: 5 * time.Second, hold: true}
	}

	text := strings.ToLower(err.Error())
	for _, rule := range failureRules {
		for _, frag := range rule.fragments {
			if strings.Contains(text, frag) {
				return rule.v
			}
		}
	}
	return verdict{}
}
