package distributed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/rollgate/rollgate/internal/interfaces"
)

// rolloutTTL bounds how long rollout records live in Redis
const rolloutTTL = 7 * 24 * time.Hour

// Tracker implements interfaces.RolloutTracker using Redis
type Tracker struct {
	redis redis.UniversalClient
}

// NewTracker creates a new distributed rollout tracker
func NewTracker(redisOpt asynq.RedisConnOpt) (*Tracker, error) {
	// Create Redis client for custom operations
	var redisClient redis.UniversalClient
	switch opt := redisOpt.(type) {
	case *asynq.RedisClientOpt:
		redisClient = redis.NewClient(&redis.Options{
			Addr:     opt.Addr,
			Username: opt.Username,
			Password: opt.Password,
			DB:       opt.DB,
		})
	case *asynq.RedisClusterClientOpt:
		redisClient = redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:    opt.Addrs,
			Username: opt.Username,
			Password: opt.Password,
		})
	default:
		return nil, fmt.Errorf("unsupported redis connection type")
	}

	return &Tracker{
		redis: redisClient,
	}, nil
}

// Register adds a new rollout to the tracker
func (t *Tracker) Register(rollout *interfaces.QueuedRollout) error {
	if rollout == nil {
		return fmt.Errorf("rollout is nil")
	}
	if rollout.ID == "" {
		return fmt.Errorf("rollout ID is empty")
	}

	ctx := context.Background()
	return t.saveRollout(ctx, rollout)
}

// GetByID returns a rollout by its ID
func (t *Tracker) GetByID(rolloutID string) (*interfaces.QueuedRollout, error) {
	if rolloutID == "" {
		return nil, fmt.Errorf("rollout ID is empty")
	}

	ctx := context.Background()
	return t.loadRollout(ctx, rolloutID)
}

// GetStatus returns the queue-level status of a rollout
func (t *Tracker) GetStatus(rolloutID string) (*interfaces.RolloutStatus, error) {
	if rolloutID == "" {
		return nil, fmt.Errorf("rollout ID is empty")
	}

	ctx := context.Background()

	// Try the status key first (faster)
	statusStr, err := t.redis.Get(ctx, statusKey(rolloutID)).Result()
	if err == nil {
		status := interfaces.RolloutStatus(statusStr)
		return &status, nil
	}

	// If the status key is gone, fall back to the rollout document
	rollout, err := t.loadRollout(ctx, rolloutID)
	if err != nil {
		return nil, err
	}

	status := rollout.Status
	return &status, nil
}

// SetStatus updates the status of a rollout
func (t *Tracker) SetStatus(rolloutID string, status interfaces.RolloutStatus) error {
	if rolloutID == "" {
		return fmt.Errorf("rollout ID is empty")
	}

	ctx := context.Background()

	rollout, err := t.loadRollout(ctx, rolloutID)
	if err != nil {
		return err
	}

	rollout.Status = status

	// Update timestamps based on status
	now := time.Now()
	switch status {
	case interfaces.RolloutStatusQueued:
		// No timestamp update needed for queued status
	case interfaces.RolloutStatusProcessing:
		if rollout.StartedAt == nil {
			rollout.StartedAt = &now
		}
	case interfaces.RolloutStatusCompleted, interfaces.RolloutStatusFailed, interfaces.RolloutStatusCanceled:
		if rollout.CompletedAt == nil {
			rollout.CompletedAt = &now
		}
	case interfaces.RolloutStatusCanceling:
		// Transitional state, no timestamp update
	}

	return t.saveRollout(ctx, rollout)
}

// GetResult returns the result of a rollout
func (t *Tracker) GetResult(rolloutID string) (*interfaces.RolloutResult, error) {
	if rolloutID == "" {
		return nil, fmt.Errorf("rollout ID is empty")
	}

	ctx := context.Background()
	data, err := t.redis.Get(ctx, resultKey(rolloutID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil // No result yet
		}
		return nil, fmt.Errorf("failed to get result: %w", err)
	}

	return unmarshalResult([]byte(data))
}

// SetResult stores the result of a rollout and syncs its terminal status
func (t *Tracker) SetResult(rolloutID string, result *interfaces.RolloutResult) error {
	if rolloutID == "" {
		return fmt.Errorf("rollout ID is empty")
	}
	if result == nil {
		return fmt.Errorf("result is nil")
	}

	ctx := context.Background()

	rollout, err := t.loadRollout(ctx, rolloutID)
	if err != nil {
		return err
	}

	data, err := marshalResult(result)
	if err != nil {
		return err
	}
	if err := t.redis.Set(ctx, resultKey(rolloutID), data, rolloutTTL).Err(); err != nil {
		return fmt.Errorf("failed to store result: %w", err)
	}

	// Bring the queue status in line with the result unless a terminal status
	// was already set (a canceled rollout stays canceled)
	if terminalStatus(rollout.Status) {
		return nil
	}

	if result.Success() {
		rollout.Status = interfaces.RolloutStatusCompleted
	} else {
		rollout.Status = interfaces.RolloutStatusFailed
	}

	if rollout.CompletedAt == nil {
		now := time.Now()
		rollout.CompletedAt = &now
	}

	return t.saveRollout(ctx, rollout)
}

// SetError records the error for a rollout and marks it failed unless it
// already reached a terminal status
func (t *Tracker) SetError(rolloutID string, setErr error) error {
	if rolloutID == "" {
		return fmt.Errorf("rollout ID is empty")
	}

	ctx := context.Background()

	rollout, err := t.loadRollout(ctx, rolloutID)
	if err != nil {
		return err
	}

	rollout.LastError = setErr

	if !terminalStatus(rollout.Status) {
		rollout.Status = interfaces.RolloutStatusFailed

		if rollout.CompletedAt == nil {
			now := time.Now()
			rollout.CompletedAt = &now
		}
	}

	return t.saveRollout(ctx, rollout)
}

// List returns rollouts matching the filter
func (t *Tracker) List(filter interfaces.RolloutFilter) ([]*interfaces.QueuedRollout, error) {
	ctx := context.Background()

	// Use SCAN instead of KEYS for better performance
	pattern := "rollout:*:data"
	var results []*interfaces.QueuedRollout

	// SCAN returns results in batches
	var cursor uint64
	for {
		var keys []string
		var err error
		keys, cursor, err = t.redis.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan rollouts: %w", err)
		}

		// Process this batch of keys
		for _, key := range keys {
			data, err := t.redis.Get(ctx, key).Result()
			if err != nil {
				continue // Skip if can't read
			}

			rollout, err := unmarshalRollout([]byte(data))
			if err != nil {
				continue // Skip if can't unmarshal
			}

			if t.matchesFilter(ctx, rollout, filter) {
				results = append(results, rollout)
			}
		}

		// If cursor is 0, we've scanned all keys
		if cursor == 0 {
			break
		}
	}

	return results, nil
}

// Remove deletes a rollout from the tracker
func (t *Tracker) Remove(rolloutID string) error {
	if rolloutID == "" {
		return fmt.Errorf("rollout ID is empty")
	}

	ctx := context.Background()

	// Remove all keys related to this rollout
	keys := []string{
		rolloutKey(rolloutID),
		statusKey(rolloutID),
		resultKey(rolloutID),
	}

	for _, key := range keys {
		_ = t.redis.Del(ctx, key).Err()
	}

	return nil
}

// Close closes the tracker connections
func (t *Tracker) Close() error {
	err := t.redis.Close()
	if err != nil {
		return fmt.Errorf("failed to close redis client: %w", err)
	}
	return nil
}

// Load is a no-op for the distributed tracker. Redis already persists
// rollouts across restarts, so there is nothing to restore from an attempt
// store; Load exists for embedded trackers with in-memory state.
func (t *Tracker) Load(_ interfaces.AttemptStore) error {
	return nil
}

// loadRollout reads the rollout document and overlays the status key, which
// is authoritative when the two disagree
func (t *Tracker) loadRollout(ctx context.Context, rolloutID string) (*interfaces.QueuedRollout, error) {
	data, err := t.redis.Get(ctx, rolloutKey(rolloutID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("rollout %s not found", rolloutID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rollout: %w", err)
	}

	rollout, err := unmarshalRollout([]byte(data))
	if err != nil {
		return nil, err
	}

	if statusStr, err := t.redis.Get(ctx, statusKey(rolloutID)).Result(); err == nil {
		rollout.Status = interfaces.RolloutStatus(statusStr)
	}

	return rollout, nil
}

// saveRollout writes the rollout document and its status key. Caller is
// responsible for any timestamp updates.
func (t *Tracker) saveRollout(ctx context.Context, rollout *interfaces.QueuedRollout) error {
	data, err := marshalRollout(rollout)
	if err != nil {
		return err
	}

	if err := t.redis.Set(ctx, rolloutKey(rollout.ID), data, rolloutTTL).Err(); err != nil {
		return fmt.Errorf("failed to store rollout: %w", err)
	}

	// Also store status separately for quick access
	if err := t.redis.Set(ctx, statusKey(rollout.ID), string(rollout.Status), rolloutTTL).Err(); err != nil {
		return fmt.Errorf("failed to store status: %w", err)
	}

	return nil
}

// matchesFilter checks if a rollout matches the given filter criteria
func (t *Tracker) matchesFilter(ctx context.Context, rollout *interfaces.QueuedRollout, filter interfaces.RolloutFilter) bool {
	// Check status filter
	if len(filter.Status) > 0 {
		statusMatches := false
		for _, status := range filter.Status {
			if rollout.Status == status {
				statusMatches = true
				break
			}
		}
		if !statusMatches {
			return false
		}
	}

	// Check backend filter
	if filter.Backend != "" {
		if t.backendLabel(ctx, rollout) != filter.Backend {
			return false
		}
	}

	// Check created after
	if !filter.CreatedAfter.IsZero() && rollout.CreatedAt.Before(filter.CreatedAfter) {
		return false
	}

	// Check created before
	if !filter.CreatedBefore.IsZero() && rollout.CreatedAt.After(filter.CreatedBefore) {
		return false
	}

	return true
}

// backendLabel resolves the backend handle a rollout ran (or will run)
// against. The attempt carries the authoritative handle once a result
// exists; before that the handle is derived from the requested backend.
func (t *Tracker) backendLabel(ctx context.Context, rollout *interfaces.QueuedRollout) interfaces.BackendHandle {
	data, err := t.redis.Get(ctx, resultKey(rollout.ID)).Result()
	if err == nil {
		if result, err := unmarshalResult([]byte(data)); err == nil && result.Attempt != nil && result.Attempt.Backend != "" {
			return result.Attempt.Backend
		}
	}
	if rollout.Request != nil {
		if label := rollout.Request.Backend.Label(); label != "" {
			return label
		}
	}
	return "unknown"
}

// terminalStatus reports whether a queue status is final
func terminalStatus(s interfaces.RolloutStatus) bool {
	return s == interfaces.RolloutStatusCompleted ||
		s == interfaces.RolloutStatusFailed ||
		s == interfaces.RolloutStatusCanceled
}

// Key helpers

func rolloutKey(rolloutID string) string {
	return fmt.Sprintf("rollout:%s:data", rolloutID)
}

func statusKey(rolloutID string) string {
	return fmt.Sprintf("rollout:%s:status", rolloutID)
}

func resultKey(rolloutID string) string {
	return fmt.Sprintf("rollout:%s:result", rolloutID)
}

// Wire documents. Error values do not survive a JSON round trip, so they
// travel as strings and are rebuilt on load.

// rolloutDoc is the JSON document stored under the data key
type rolloutDoc struct {
	*interfaces.QueuedRollout
	LastError string `json:"last_error,omitempty"`
}

// resultDoc mirrors interfaces.RolloutResult with a string error
type resultDoc struct {
	RolloutID   string                     `json:"rollout_id"`
	Outcome     interfaces.RolloutOutcome  `json:"outcome,omitempty"`
	Attempt     *interfaces.RolloutAttempt `json:"attempt,omitempty"`
	Error       string                     `json:"error,omitempty"`
	CompletedAt time.Time                  `json:"completed_at"`
}

func marshalRollout(rollout *interfaces.QueuedRollout) ([]byte, error) {
	doc := rolloutDoc{QueuedRollout: rollout}
	if rollout.LastError != nil {
		doc.LastError = rollout.LastError.Error()
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal rollout: %w", err)
	}
	return data, nil
}

func unmarshalRollout(data []byte) (*interfaces.QueuedRollout, error) {
	var doc rolloutDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal rollout: %w", err)
	}
	if doc.QueuedRollout == nil {
		return nil, fmt.Errorf("no rollout data found in document")
	}

	rollout := doc.QueuedRollout
	if doc.LastError != "" {
		rollout.LastError = errors.New(doc.LastError)
	}
	return rollout, nil
}

func marshalResult(result *interfaces.RolloutResult) ([]byte, error) {
	doc := resultDoc{
		RolloutID:   result.RolloutID,
		Outcome:     result.Outcome,
		Attempt:     result.Attempt,
		CompletedAt: result.CompletedAt,
	}
	if result.Error != nil {
		doc.Error = result.Error.Error()
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	return data, nil
}

func unmarshalResult(data []byte) (*interfaces.RolloutResult, error) {
	var doc resultDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal result: %w", err)
	}

	result := &interfaces.RolloutResult{
		RolloutID:   doc.RolloutID,
		Outcome:     doc.Outcome,
		Attempt:     doc.Attempt,
		CompletedAt: doc.CompletedAt,
	}
	if doc.Error != "" {
		result.Error = errors.New(doc.Error)
	}
	return result, nil
}
