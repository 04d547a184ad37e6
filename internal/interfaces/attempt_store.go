// Package interfaces defines the core interfaces for the Rollgate system
package interfaces

import (
	"context"
	"time"
)

// AttemptMetadataStore handles attempt metadata operations (DynamoDB-style).
// This interface manages attempt lifecycle and lookup keys but not the full
// attempt record documents.
type AttemptMetadataStore interface {
	// Core attempt operations
	CreateAttempt(ctx context.Context, meta *AttemptMetadata) error
	GetAttempt(ctx context.Context, attemptID string) (*AttemptMetadata, error)
	ListAttempts(ctx context.Context) ([]*AttemptMetadata, error)
	UpdateAttemptState(ctx context.Context, attemptID string, state RolloutState) error
	DeleteAttempt(ctx context.Context, attemptID string) error

	// Health check
	Ping(ctx context.Context) error
}

// AttemptRecordStore handles full attempt record documents (S3-style).
// Records are the JSON-serialized RolloutAttempt handed to the pipeline
// runner; the orchestrator itself never deletes them.
type AttemptRecordStore interface {
	// SaveAttemptRecord saves the serialized attempt record
	SaveAttemptRecord(ctx context.Context, attemptID string, record []byte) error

	// LoadAttemptRecord retrieves the serialized attempt record
	LoadAttemptRecord(ctx context.Context, attemptID string) ([]byte, error)

	// DeleteAttemptRecord removes an attempt record. Exposed for retention
	// tooling; the controller never calls it.
	DeleteAttemptRecord(ctx context.Context, attemptID string) error

	// Health check
	Ping(ctx context.Context) error
}

// AttemptStore combines metadata and record operations for full
// functionality. This is the main interface most components use.
type AttemptStore interface {
	AttemptMetadataStore
	AttemptRecordStore

	// Backend locking: at most one attempt per backend handle. The lock is
	// the serialization point the controller acquires before mutating.
	LockBackend(ctx context.Context, handle BackendHandle) (BackendLock, error)
	UnlockBackend(ctx context.Context, lock BackendLock) error
}

// BackendLock represents an exclusive claim on a backend handle for the
// duration of one rollout attempt
type BackendLock interface {
	ID() string
	BackendHandle() BackendHandle
	CreatedAt() time.Time
	Release() error
}

// AttemptMetadata represents the lookup metadata for an attempt
// (the full record lives in the AttemptRecordStore)
type AttemptMetadata struct {
	AttemptID        string         `json:"attempt_id"`
	BackendHandle    BackendHandle  `json:"backend_handle"`
	TargetVersionRef VersionRef     `json:"target_version_ref"`
	Strategy         Strategy       `json:"strategy"`
	State            RolloutState   `json:"state"`
	Outcome          RolloutOutcome `json:"outcome,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
	EndedAt          *time.Time     `json:"ended_at,omitempty"`
	ErrorMessage     string         `json:"error_message,omitempty"`
}

// StorageInfo provides information about a storage backend
type StorageInfo struct {
	Type           string  `json:"type"`
	Exists         bool    `json:"exists"`
	Writable       bool    `json:"writable"`
	AttemptCount   int     `json:"attempt_count"`
	TotalSizeBytes int64   `json:"total_size_bytes"`
	UsedPercent    float64 `json:"used_percent"`
}
