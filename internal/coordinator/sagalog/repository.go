package sagalog

import (
	"context"
	"time"
)

// Repository is the port for persisting saga records. The coordinator
// depends on this abstraction, so SQLite, in-memory (tests) or any other
// single-row-atomic store can back it.
//
// Errors are classified with package errs: NotFound, Duplicate, Conflict
// (stale Version) and InvalidState (write to a terminal record).
type Repository interface {
	// Create inserts a new record with Version 1.
	Create(ctx context.Context, tx *SagaTransaction) error

	// Get returns a private copy of the record.
	Get(ctx context.Context, sagaID string) (*SagaTransaction, error)

	// Update writes tx if the stored Version still equals tx.Version, then
	// bumps tx.Version and tx.UpdatedAt. The stored TimeoutAt never moves
	// backwards and terminal records cannot be updated.
	Update(ctx context.Context, tx *SagaTransaction) error

	// FindTimedOut returns non-terminal records whose TimeoutAt <= now,
	// oldest deadline first.
	FindTimedOut(ctx context.Context, now time.Time, limit int) ([]*SagaTransaction, error)

	// FindStuck returns non-terminal records not updated since updatedBefore.
	FindStuck(ctx context.Context, updatedBefore time.Time, limit int) ([]*SagaTransaction, error)

	// CountByStatus returns the number of records per status.
	CountByStatus(ctx context.Context) (map[Status]int, error)

	// AppendTransition adds a row to the append-only saga log.
	AppendTransition(ctx context.Context, t *Transition) error

	// Transitions returns the saga log of one saga in insertion order.
	Transitions(ctx context.Context, sagaID string) ([]Transition, error)
}
