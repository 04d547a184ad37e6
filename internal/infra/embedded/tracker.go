package embedded

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rollgate/rollgate/internal/interfaces"
	"github.com/rollgate/rollgate/pkg/logging"
)

// Tracker implements interfaces.RolloutTracker using in-memory storage
type Tracker struct {
	mu       sync.RWMutex
	rollouts map[string]*interfaces.QueuedRollout
	results  map[string]*interfaces.RolloutResult
	store    interfaces.AttemptStore // Optional persistent storage
	logger   *logging.Logger
}

// NewTracker creates a new embedded rollout tracker
func NewTracker() *Tracker {
	return &Tracker{
		rollouts: make(map[string]*interfaces.QueuedRollout),
		results:  make(map[string]*interfaces.RolloutResult),
		logger:   logging.NewLogger("embedded-tracker"),
	}
}

// Register adds a new rollout to the tracker
func (t *Tracker) Register(rollout *interfaces.QueuedRollout) error {
	if rollout == nil {
		return fmt.Errorf("rollout is nil")
	}
	if rollout.ID == "" {
		return fmt.Errorf("rollout ID is empty")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.rollouts[rollout.ID]; exists {
		return fmt.Errorf("rollout %s already exists", rollout.ID)
	}

	// Store a copy to prevent external modifications
	r := *rollout
	t.rollouts[rollout.ID] = &r

	// Persist while holding the lock so writes stay ordered
	t.persistRollout(&r)

	return nil
}

// GetByID returns a rollout by its ID
func (t *Tracker) GetByID(rolloutID string) (*interfaces.QueuedRollout, error) {
	if rolloutID == "" {
		return nil, fmt.Errorf("rollout ID is empty")
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	rollout, exists := t.rollouts[rolloutID]
	if !exists {
		return nil, fmt.Errorf("rollout %s not found", rolloutID)
	}

	// Return a copy to prevent external modifications
	r := *rollout
	return &r, nil
}

// GetStatus returns the queue-level status of a rollout
func (t *Tracker) GetStatus(rolloutID string) (*interfaces.RolloutStatus, error) {
	if rolloutID == "" {
		return nil, fmt.Errorf("rollout ID is empty")
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	rollout, exists := t.rollouts[rolloutID]
	if !exists {
		return nil, fmt.Errorf("rollout %s not found", rolloutID)
	}

	status := rollout.Status
	return &status, nil
}

// SetStatus updates the status of a rollout
func (t *Tracker) SetStatus(rolloutID string, status interfaces.RolloutStatus) error {
	if rolloutID == "" {
		return fmt.Errorf("rollout ID is empty")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	rollout, exists := t.rollouts[rolloutID]
	if !exists {
		return fmt.Errorf("rollout %s not found", rolloutID)
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

	// Persist while holding the lock so writes stay ordered
	t.persistRollout(rollout)

	return nil
}

// GetResult returns the result of a rollout
func (t *Tracker) GetResult(rolloutID string) (*interfaces.RolloutResult, error) {
	if rolloutID == "" {
		return nil, fmt.Errorf("rollout ID is empty")
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	result, exists := t.results[rolloutID]
	if !exists {
		return nil, nil // Not an error, just no result yet
	}

	// Return a copy to prevent external modifications
	r := *result
	if r.Attempt != nil {
		r.Attempt = r.Attempt.Clone()
	}
	return &r, nil
}

// SetResult stores the result of a rollout and syncs its terminal status
func (t *Tracker) SetResult(rolloutID string, result *interfaces.RolloutResult) error {
	if rolloutID == "" {
		return fmt.Errorf("rollout ID is empty")
	}
	if result == nil {
		return fmt.Errorf("result is nil")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	rollout, exists := t.rollouts[rolloutID]
	if !exists {
		return fmt.Errorf("rollout %s not found", rolloutID)
	}

	t.logger.Debug("SetResult: rollout %s outcome=%s hasAttempt=%v",
		rolloutID, result.Outcome, result.Attempt != nil)

	// Store a copy to prevent external modifications
	r := *result
	if r.Attempt != nil {
		r.Attempt = r.Attempt.Clone()
	}
	t.results[rolloutID] = &r

	// Bring the queue status in line with the result unless a terminal status
	// was already set (a canceled rollout stays canceled)
	if !terminalStatus(rollout.Status) {
		if result.Success() {
			rollout.Status = interfaces.RolloutStatusCompleted
		} else {
			rollout.Status = interfaces.RolloutStatusFailed
		}

		now := time.Now()
		if rollout.CompletedAt == nil {
			rollout.CompletedAt = &now
		}
	}

	// Persist the result alongside the rollout so it survives restarts
	t.persistRolloutWithResult(rollout, &r)

	return nil
}

// SetError records the error for a rollout and marks it failed unless it
// already reached a terminal status
func (t *Tracker) SetError(rolloutID string, err error) error {
	if rolloutID == "" {
		return fmt.Errorf("rollout ID is empty")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	rollout, exists := t.rollouts[rolloutID]
	if !exists {
		return fmt.Errorf("rollout %s not found", rolloutID)
	}

	rollout.LastError = err

	if !terminalStatus(rollout.Status) {
		rollout.Status = interfaces.RolloutStatusFailed

		now := time.Now()
		if rollout.CompletedAt == nil {
			rollout.CompletedAt = &now
		}
	}

	// Persist while holding the lock so writes stay ordered
	t.persistRollout(rollout)

	return nil
}

// List returns rollouts matching the filter
func (t *Tracker) List(filter interfaces.RolloutFilter) ([]*interfaces.QueuedRollout, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var matches []*interfaces.QueuedRollout

	for _, rollout := range t.rollouts {
		if t.matchesFilter(rollout, filter) {
			// Return a copy to prevent external modifications
			r := *rollout
			matches = append(matches, &r)
		}
	}

	return matches, nil
}

// Remove deletes a rollout from the tracker
func (t *Tracker) Remove(rolloutID string) error {
	if rolloutID == "" {
		return fmt.Errorf("rollout ID is empty")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.rollouts[rolloutID]; !exists {
		return fmt.Errorf("rollout %s not found", rolloutID)
	}

	delete(t.rollouts, rolloutID)
	delete(t.results, rolloutID)

	// DeleteAttempt removes the record document as well
	if t.store != nil {
		ctx := context.Background()
		if err := t.store.DeleteAttempt(ctx, rolloutID); err != nil {
			t.logger.Warn("Failed to delete rollout %s from attempt store: %v", rolloutID, err)
		}
	}

	return nil
}

// matchesFilter checks if a rollout matches the given filter criteria.
// Caller must hold at least a read lock.
func (t *Tracker) matchesFilter(rollout *interfaces.QueuedRollout, filter interfaces.RolloutFilter) bool {
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
		if t.backendLabel(rollout) != filter.Backend {
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
// against. The attempt carries the authoritative handle once one exists;
// before that the handle is derived from the requested backend config.
// Caller must hold at least a read lock.
func (t *Tracker) backendLabel(rollout *interfaces.QueuedRollout) interfaces.BackendHandle {
	if result, exists := t.results[rollout.ID]; exists && result.Attempt != nil && result.Attempt.Backend != "" {
		return result.Attempt.Backend
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

// Load restores rollouts from the attempt store into the tracker. The store
// also becomes the persistence target for subsequent updates. A nil store
// disables persistence.
func (t *Tracker) Load(store interfaces.AttemptStore) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.store = store

	if store == nil {
		return nil
	}

	ctx := context.Background()
	attempts, err := store.ListAttempts(ctx)
	if err != nil {
		return fmt.Errorf("failed to list attempts from store: %w", err)
	}

	if len(attempts) == 0 {
		return nil
	}

	restored := 0
	for _, meta := range attempts {
		if err := t.loadSingleRollout(ctx, meta); err != nil {
			t.logger.Warn("Failed to load rollout %s: %v", meta.AttemptID, err)
			continue
		}
		restored++
	}

	t.logger.Info("Restored %d rollouts from attempt store", restored)
	return nil
}

// loadSingleRollout restores one rollout from its metadata row, preferring
// the full persisted document when one exists (helper for Load)
func (t *Tracker) loadSingleRollout(ctx context.Context, meta *interfaces.AttemptMetadata) error {
	if meta == nil || meta.AttemptID == "" {
		return fmt.Errorf("attempt metadata is empty")
	}

	rollout, result, err := t.loadPersistedDoc(ctx, meta.AttemptID)
	if err != nil || rollout == nil {
		// No document or an unreadable one; fall back to the metadata row
		rollout = metadataToQueuedRollout(meta)
	}

	// The queue contents do not survive a restart, so anything still moving
	// when the process exited cannot resume
	if !terminalStatus(rollout.Status) {
		rollout.Status = interfaces.RolloutStatusFailed
		if rollout.LastError == nil {
			rollout.LastError = errors.New("interrupted by restart")
		}
		if rollout.CompletedAt == nil {
			now := time.Now()
			rollout.CompletedAt = &now
		}
	}

	t.rollouts[rollout.ID] = rollout
	if result != nil {
		t.results[rollout.ID] = result
	}

	return nil
}

// loadPersistedDoc reads and decodes the persisted rollout document
func (t *Tracker) loadPersistedDoc(ctx context.Context, rolloutID string) (*interfaces.QueuedRollout, *interfaces.RolloutResult, error) {
	data, err := t.store.LoadAttemptRecord(ctx, rolloutID)
	if err != nil {
		return nil, nil, err
	}
	return deserializeRollout(data)
}

// persistenceDoc is the JSON document persisted per rollout. Error values do
// not survive a JSON round trip, so they travel as strings and are rebuilt
// on load.
type persistenceDoc struct {
	*interfaces.QueuedRollout
	LastError string           `json:"last_error,omitempty"`
	Result    *persistedResult `json:"result,omitempty"`
}

// persistedResult mirrors interfaces.RolloutResult with a string error
type persistedResult struct {
	RolloutID   string                     `json:"rollout_id"`
	Outcome     interfaces.RolloutOutcome  `json:"outcome,omitempty"`
	Attempt     *interfaces.RolloutAttempt `json:"attempt,omitempty"`
	Error       string                     `json:"error,omitempty"`
	CompletedAt time.Time                  `json:"completed_at"`
}

// serializeRollout encodes a rollout and its optional result for persistence
func serializeRollout(rollout *interfaces.QueuedRollout, result *interfaces.RolloutResult) ([]byte, error) {
	doc := persistenceDoc{
		QueuedRollout: rollout,
	}
	if rollout.LastError != nil {
		doc.LastError = rollout.LastError.Error()
	}
	if result != nil {
		doc.Result = &persistedResult{
			RolloutID:   result.RolloutID,
			Outcome:     result.Outcome,
			Attempt:     result.Attempt,
			CompletedAt: result.CompletedAt,
		}
		if result.Error != nil {
			doc.Result.Error = result.Error.Error()
		}
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal rollout document: %w", err)
	}
	return data, nil
}

// deserializeRollout decodes a persisted rollout document
func deserializeRollout(data []byte) (*interfaces.QueuedRollout, *interfaces.RolloutResult, error) {
	var doc persistenceDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, nil, fmt.Errorf("failed to unmarshal rollout document: %w", err)
	}
	if doc.QueuedRollout == nil {
		return nil, nil, fmt.Errorf("no rollout data found in document")
	}

	rollout := doc.QueuedRollout
	if doc.LastError != "" {
		rollout.LastError = errors.New(doc.LastError)
	}

	var result *interfaces.RolloutResult
	if doc.Result != nil {
		result = &interfaces.RolloutResult{
			RolloutID:   doc.Result.RolloutID,
			Outcome:     doc.Result.Outcome,
			Attempt:     doc.Result.Attempt,
			CompletedAt: doc.Result.CompletedAt,
		}
		if doc.Result.Error != "" {
			result.Error = errors.New(doc.Result.Error)
		}
	}

	return rollout, result, nil
}

// persistRollout saves a rollout to the attempt store if one is configured.
// Caller must hold the write lock.
func (t *Tracker) persistRollout(rollout *interfaces.QueuedRollout) {
	// Preserve any result already stored for this rollout
	var result *interfaces.RolloutResult
	if r, exists := t.results[rollout.ID]; exists {
		result = r
	}
	t.persistRolloutWithResult(rollout, result)
}

// persistRolloutWithResult saves a rollout and optionally its result to the
// attempt store. CreateAttempt and SaveAttemptRecord are both upserts, so no
// read-modify-write cycle is needed. Caller must hold the write lock.
func (t *Tracker) persistRolloutWithResult(rollout *interfaces.QueuedRollout, result *interfaces.RolloutResult) {
	if t.store == nil {
		return
	}

	ctx := context.Background()

	meta := t.queuedRolloutToMetadata(rollout, result)
	if err := t.store.CreateAttempt(ctx, meta); err != nil {
		t.logger.Warn("Failed to persist rollout %s metadata: %v", rollout.ID, err)
	}

	doc, err := serializeRollout(rollout, result)
	if err != nil {
		t.logger.Warn("Failed to serialize rollout %s: %v", rollout.ID, err)
		return
	}
	if err := t.store.SaveAttemptRecord(ctx, rollout.ID, doc); err != nil {
		t.logger.Warn("Failed to persist rollout %s document: %v", rollout.ID, err)
	}
}

// metadataToQueuedRollout reconstructs a coarse rollout from its metadata
// row. The request itself is only recoverable from the full document.
func metadataToQueuedRollout(meta *interfaces.AttemptMetadata) *interfaces.QueuedRollout {
	rollout := &interfaces.QueuedRollout{
		ID:        meta.AttemptID,
		Status:    statusFromAttemptState(meta.State, meta.Outcome),
		CreatedAt: meta.CreatedAt,
	}

	if meta.EndedAt != nil {
		rollout.CompletedAt = meta.EndedAt
	}
	if meta.ErrorMessage != "" {
		rollout.LastError = errors.New(meta.ErrorMessage)
	}

	return rollout
}

// queuedRolloutToMetadata derives the metadata row for a rollout. When a
// result with an attempt exists, the attempt supplies the authoritative
// state, outcome, and backend handle.
func (t *Tracker) queuedRolloutToMetadata(rollout *interfaces.QueuedRollout, result *interfaces.RolloutResult) *interfaces.AttemptMetadata {
	meta := &interfaces.AttemptMetadata{
		AttemptID:     rollout.ID,
		BackendHandle: "unknown",
		State:         attemptStateFromStatus(rollout.Status),
		CreatedAt:     rollout.CreatedAt,
		UpdatedAt:     time.Now(),
		EndedAt:       rollout.CompletedAt,
	}

	if rollout.Request != nil {
		meta.TargetVersionRef = rollout.Request.TargetVersionRef
		meta.Strategy = rollout.Request.Strategy
		if label := rollout.Request.Backend.Label(); label != "" {
			meta.BackendHandle = label
		}
	}
	if rollout.LastError != nil {
		meta.ErrorMessage = rollout.LastError.Error()
	}

	if result != nil && result.Attempt != nil {
		attempt := result.Attempt
		meta.State = attempt.State
		meta.Outcome = attempt.Outcome
		if attempt.Backend != "" {
			meta.BackendHandle = attempt.Backend
		}
		if attempt.EndedAt != nil {
			meta.EndedAt = attempt.EndedAt
		}
		if attempt.LastError != "" {
			meta.ErrorMessage = attempt.LastError
		}
	}

	return meta
}

// attemptStateFromStatus maps a queue status onto the rollout state recorded
// in metadata. Precise states come from the attempt once one exists; this
// covers the window before and the rollouts that never produce one.
func attemptStateFromStatus(status interfaces.RolloutStatus) interfaces.RolloutState {
	switch status {
	case interfaces.RolloutStatusQueued:
		return interfaces.StatePending
	case interfaces.RolloutStatusProcessing:
		return interfaces.StateValidating
	case interfaces.RolloutStatusCanceling:
		return interfaces.StateRollingBack
	case interfaces.RolloutStatusCompleted:
		return interfaces.StateStable
	case interfaces.RolloutStatusFailed, interfaces.RolloutStatusCanceled:
		return interfaces.StateFailed
	default:
		return interfaces.StatePending
	}
}

// statusFromAttemptState maps a persisted rollout state back to a queue
// status (inverse of attemptStateFromStatus, for metadata-only restores)
func statusFromAttemptState(state interfaces.RolloutState, outcome interfaces.RolloutOutcome) interfaces.RolloutStatus {
	switch {
	case state == interfaces.StateStable || outcome == interfaces.OutcomeStable:
		return interfaces.RolloutStatusCompleted
	case state.Terminal():
		return interfaces.RolloutStatusFailed
	case state == interfaces.StatePending:
		return interfaces.RolloutStatusQueued
	default:
		return interfaces.RolloutStatusProcessing
	}
}
