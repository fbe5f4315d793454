// Package memory is an in-process sagalog.Repository used by tests and by
// single-node deployments that accept losing in-flight sagas on restart.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/tidwall/btree"

	"github.com/jcmexdev/identity-sagas/internal/coordinator/sagalog"
	"github.com/jcmexdev/identity-sagas/internal/pkg/errs"
)

// deadline is the ordering key of the timeout index.
type deadline struct {
	at     time.Time
	sagaID string
}

func byDeadline(a, b deadline) bool {
	if a.at.Equal(b.at) {
		return a.sagaID < b.sagaID
	}
	return a.at.Before(b.at)
}

// Store keeps records in a concurrent map and indexes non-terminal sagas by
// TimeoutAt so the sweep never scans finished ones.
type Store struct {
	sagas     *xsync.MapOf[string, *sagalog.SagaTransaction]
	deadlines *btree.BTreeG[deadline]

	mu      sync.Mutex
	history map[string][]sagalog.Transition

	now func() time.Time
}

func New() *Store {
	return &Store{
		sagas:     xsync.NewMapOf[string, *sagalog.SagaTransaction](),
		deadlines: btree.NewBTreeG(byDeadline),
		history:   make(map[string][]sagalog.Transition),
		now:       time.Now,
	}
}

var _ sagalog.Repository = (*Store)(nil)

func (s *Store) Create(_ context.Context, tx *sagalog.SagaTransaction) error {
	now := s.now().UTC()
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = now
	}
	tx.UpdatedAt = now
	tx.Version = 1

	stored := tx.Clone()
	if _, loaded := s.sagas.LoadOrStore(tx.SagaID, stored); loaded {
		return errs.Errorf(errs.Duplicate, "memory.Create", "saga %s already exists", tx.SagaID)
	}
	if !tx.Status.Terminal() {
		s.deadlines.Set(deadline{at: tx.TimeoutAt, sagaID: tx.SagaID})
	}
	return nil
}

func (s *Store) Get(_ context.Context, sagaID string) (*sagalog.SagaTransaction, error) {
	tx, ok := s.sagas.Load(sagaID)
	if !ok {
		return nil, errs.Errorf(errs.NotFound, "memory.Get", "saga %s not found", sagaID)
	}
	return tx.Clone(), nil
}

func (s *Store) Update(_ context.Context, tx *sagalog.SagaTransaction) error {
	var (
		opErr       error
		oldDeadline time.Time
		next        *sagalog.SagaTransaction
	)

	s.sagas.Compute(tx.SagaID, func(cur *sagalog.SagaTransaction, loaded bool) (*sagalog.SagaTransaction, bool) {
		switch {
		case !loaded:
			opErr = errs.Errorf(errs.NotFound, "memory.Update", "saga %s not found", tx.SagaID)
			return nil, true
		case cur.Status.Terminal():
			opErr = errs.Errorf(errs.InvalidState, "memory.Update", "saga %s is %s", tx.SagaID, cur.Status)
			return cur, false
		case cur.Version != tx.Version:
			opErr = errs.Errorf(errs.Conflict, "memory.Update", "saga %s at version %d, write based on %d", tx.SagaID, cur.Version, tx.Version)
			return cur, false
		}

		next = tx.Clone()
		next.Version = cur.Version + 1
		next.UpdatedAt = s.now().UTC()
		next.CreatedAt = cur.CreatedAt
		if next.TimeoutAt.Before(cur.TimeoutAt) {
			next.TimeoutAt = cur.TimeoutAt
		}
		oldDeadline = cur.TimeoutAt
		return next, false
	})
	if opErr != nil {
		return opErr
	}

	if !oldDeadline.Equal(next.TimeoutAt) || next.Status.Terminal() {
		s.deadlines.Delete(deadline{at: oldDeadline, sagaID: tx.SagaID})
	}
	if !next.Status.Terminal() {
		s.deadlines.Set(deadline{at: next.TimeoutAt, sagaID: tx.SagaID})
	}

	tx.Version = next.Version
	tx.UpdatedAt = next.UpdatedAt
	tx.TimeoutAt = next.TimeoutAt
	return nil
}

func (s *Store) FindTimedOut(_ context.Context, now time.Time, limit int) ([]*sagalog.SagaTransaction, error) {
	var out []*sagalog.SagaTransaction
	s.deadlines.Scan(func(d deadline) bool {
		if d.at.After(now) {
			return false
		}
		// The index may briefly lag the map; the map is authoritative.
		if tx, ok := s.sagas.Load(d.sagaID); ok && !tx.Status.Terminal() && tx.TimedOut(now) {
			out = append(out, tx.Clone())
		}
		return limit <= 0 || len(out) < limit
	})
	return out, nil
}

func (s *Store) FindStuck(_ context.Context, updatedBefore time.Time, limit int) ([]*sagalog.SagaTransaction, error) {
	var out []*sagalog.SagaTransaction
	s.sagas.Range(func(_ string, tx *sagalog.SagaTransaction) bool {
		if !tx.Status.Terminal() && tx.UpdatedAt.Before(updatedBefore) {
			out = append(out, tx.Clone())
		}
		return limit <= 0 || len(out) < limit
	})
	return out, nil
}

func (s *Store) CountByStatus(context.Context) (map[sagalog.Status]int, error) {
	counts := make(map[sagalog.Status]int)
	s.sagas.Range(func(_ string, tx *sagalog.SagaTransaction) bool {
		counts[tx.Status]++
		return true
	})
	return counts, nil
}

func (s *Store) AppendTransition(_ context.Context, t *sagalog.Transition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history[t.SagaID] = append(s.history[t.SagaID], *t)
	return nil
}

func (s *Store) Transitions(_ context.Context, sagaID string) ([]sagalog.Transition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sagalog.Transition(nil), s.history[sagaID]...), nil
}
