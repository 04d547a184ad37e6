package rollout

import (
	"context"
	"fmt"
	"time"

	"github.com/rollgate/rollgate/internal/interfaces"
)

// Transaction is a submit guard: operations run in order, and when one
// fails the completed ones are unwound by their compensations, newest
// first. The failed operation's own compensation never runs. A
// Transaction is built and run on one goroutine.
type Transaction struct {
	ID          string
	State       TransactionState
	StartedAt   time.Time
	CompletedAt *time.Time

	steps []txStep
}

// txStep pairs an operation with the compensation that undoes it
type txStep struct {
	name     string
	run      func() error
	undoName string
	undo     func() error
}

// TransactionState tracks where a transaction ended up
type TransactionState int

const (
	// TransactionPending means no step has run yet
	TransactionPending TransactionState = iota
	// TransactionInProgress means steps are executing
	TransactionInProgress
	// TransactionCommitted means every step completed
	TransactionCommitted
	// TransactionRolledBack means a step failed and the unwind succeeded
	TransactionRolledBack
	// TransactionFailed means a compensation failed during the unwind
	TransactionFailed
)

// NewTransaction starts an empty transaction
func NewTransaction(id string) *Transaction {
	return &Transaction{
		ID:        id,
		State:     TransactionPending,
		StartedAt: time.Now(),
	}
}

// Add appends an operation and the compensation that undoes it
func (tx *Transaction) Add(name string, run func() error, undoName string, undo func() error) {
	tx.steps = append(tx.steps, txStep{name: name, run: run, undoName: undoName, undo: undo})
}

// Run executes the steps in order, stopping at the first failure or
// context cancellation and unwinding what already completed
func (tx *Transaction) Run(ctx context.Context) error {
	tx.State = TransactionInProgress

	for i, s := range tx.steps {
		if err := ctx.Err(); err != nil {
			return tx.unwind(i, fmt.Errorf("transaction canceled: %w", err))
		}
		if err := s.run(); err != nil {
			return tx.unwind(i, fmt.Errorf("operation %s failed: %w", s.name, err))
		}
	}

	tx.finish(TransactionCommitted)
	return nil
}

// unwind compensates the first done steps in reverse order and reports
// the original error, with any compensation failures appended
func (tx *Transaction) unwind(done int, cause error) error {
	var undoErrs []error
	for i := done - 1; i >= 0; i-- {
		s := tx.steps[i]
		if err := s.undo(); err != nil {
			undoErrs = append(undoErrs, fmt.Errorf("compensation %s failed: %w", s.undoName, err))
		}
	}

	if len(undoErrs) > 0 {
		tx.finish(TransactionFailed)
		return fmt.Errorf("transaction failed: %w (rollback errors: %v)", cause, undoErrs)
	}

	tx.finish(TransactionRolledBack)
	return cause
}

func (tx *Transaction) finish(state TransactionState) {
	tx.State = state
	now := time.Now()
	tx.CompletedAt = &now
}

// submitRollout registers a rollout with the tracker and enqueues it as
// one unit. A failed enqueue unregisters, so no rollout sits in the
// tracker that will never run.
func submitRollout(
	tracker interfaces.RolloutTracker,
	queue interfaces.RolloutQueue,
	rollout *interfaces.QueuedRollout,
) error {
	tx := NewTransaction(rollout.ID)

	tx.Add(
		"register_tracker", func() error { return tracker.Register(rollout) },
		"unregister_tracker", func() error { return tracker.Remove(rollout.ID) },
	)
	tx.Add(
		"enqueue_rollout", func() error { return queue.Enqueue(context.Background(), rollout) },
		// Queues have no un-enqueue; marking canceled keeps workers off it
		"cancel_rollout", func() error { return tracker.SetStatus(rollout.ID, interfaces.RolloutStatusCanceled) },
	)

	return tx.Run(context.Background())
}
