// Package sagalogtest holds the behaviour every sagalog.Repository must share.
package sagalogtest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcmexdev/identity-sagas/internal/coordinator/sagalog"
	"github.com/jcmexdev/identity-sagas/internal/pkg/errs"
)

// Factory returns an empty repository for one subtest.
type Factory func(t *testing.T) sagalog.Repository

// NewSaga returns a fresh STARTED record.
func NewSaga(id string, timeoutAt time.Time) *sagalog.SagaTransaction {
	return &sagalog.SagaTransaction{
		SagaID:        id,
		EventType:     "USER_REGISTRATION",
		UserID:        "user-" + id,
		Status:        sagalog.StatusStarted,
		MaxRetryCount: 3,
		TimeoutAt:     timeoutAt.UTC().Truncate(time.Microsecond),
	}
}

// Run exercises newRepo against the repository contract.
func Run(t *testing.T, newRepo Factory) {
	ctx := context.Background()

	t.Run("create and get round trip", func(t *testing.T) {
		repo := newRepo(t)
		tx := NewSaga("s-1", time.Now().Add(time.Minute))
		tx.SetContext("email", "a@example.com")
		tx.PushCompleted("create_account", `{"accountId":"a-1"}`, time.Now().UTC().Truncate(time.Microsecond))

		require.NoError(t, repo.Create(ctx, tx))
		assert.Equal(t, int64(1), tx.Version)

		got, err := repo.Get(ctx, "s-1")
		require.NoError(t, err)
		assert.Equal(t, sagalog.StatusStarted, got.Status)
		assert.Equal(t, "a@example.com", got.ContextValue("email"))
		require.Len(t, got.CompletedSteps, 1)
		assert.Equal(t, `{"accountId":"a-1"}`, got.CompletedSteps[0].Output)
		assert.True(t, tx.TimeoutAt.Equal(got.TimeoutAt))
		assert.Equal(t, int64(1), got.Version)
	})

	t.Run("create duplicate", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.Create(ctx, NewSaga("s-1", time.Now())))
		err := repo.Create(ctx, NewSaga("s-1", time.Now()))
		assert.Equal(t, errs.Duplicate, errs.KindOf(err))
	})

	t.Run("get missing", func(t *testing.T) {
		repo := newRepo(t)
		_, err := repo.Get(ctx, "nope")
		assert.Equal(t, errs.NotFound, errs.KindOf(err))
	})

	t.Run("get returns a private copy", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.Create(ctx, NewSaga("s-1", time.Now())))
		got, err := repo.Get(ctx, "s-1")
		require.NoError(t, err)
		got.Status = sagalog.StatusCompleted
		got.SetContext("k", "v")

		again, err := repo.Get(ctx, "s-1")
		require.NoError(t, err)
		assert.Equal(t, sagalog.StatusStarted, again.Status)
		assert.Empty(t, again.ContextValue("k"))
	})

	t.Run("update bumps version and rejects stale writers", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.Create(ctx, NewSaga("s-1", time.Now().Add(time.Minute))))

		a, err := repo.Get(ctx, "s-1")
		require.NoError(t, err)
		b, err := repo.Get(ctx, "s-1")
		require.NoError(t, err)

		a.Status = sagalog.StatusInProgress
		require.NoError(t, repo.Update(ctx, a))
		assert.Equal(t, int64(2), a.Version)

		b.Status = sagalog.StatusTimeout
		err = repo.Update(ctx, b)
		assert.Equal(t, errs.Conflict, errs.KindOf(err))

		got, err := repo.Get(ctx, "s-1")
		require.NoError(t, err)
		assert.Equal(t, sagalog.StatusInProgress, got.Status)
	})

	t.Run("update missing", func(t *testing.T) {
		repo := newRepo(t)
		tx := NewSaga("ghost", time.Now())
		tx.Version = 1
		assert.Equal(t, errs.NotFound, errs.KindOf(repo.Update(ctx, tx)))
	})

	t.Run("terminal records are immutable", func(t *testing.T) {
		repo := newRepo(t)
		tx := NewSaga("s-1", time.Now().Add(time.Minute))
		require.NoError(t, repo.Create(ctx, tx))
		tx.Status = sagalog.StatusCompleted
		require.NoError(t, repo.Update(ctx, tx))

		tx.Status = sagalog.StatusCompensating
		assert.Equal(t, errs.InvalidState, errs.KindOf(repo.Update(ctx, tx)))
	})

	t.Run("timeout never decreases", func(t *testing.T) {
		repo := newRepo(t)
		deadline := time.Now().Add(time.Hour).UTC().Truncate(time.Microsecond)
		tx := NewSaga("s-1", deadline)
		require.NoError(t, repo.Create(ctx, tx))

		tx.TimeoutAt = deadline.Add(-30 * time.Minute)
		require.NoError(t, repo.Update(ctx, tx))
		assert.True(t, deadline.Equal(tx.TimeoutAt))

		got, err := repo.Get(ctx, "s-1")
		require.NoError(t, err)
		assert.True(t, deadline.Equal(got.TimeoutAt))
	})

	t.Run("find timed out skips terminal and future deadlines", func(t *testing.T) {
		repo := newRepo(t)
		now := time.Now()

		require.NoError(t, repo.Create(ctx, NewSaga("late-2", now.Add(-time.Second))))
		require.NoError(t, repo.Create(ctx, NewSaga("late-1", now.Add(-time.Minute))))
		require.NoError(t, repo.Create(ctx, NewSaga("future", now.Add(time.Hour))))
		done := NewSaga("done", now.Add(-time.Hour))
		require.NoError(t, repo.Create(ctx, done))
		done.Status = sagalog.StatusCompensated
		require.NoError(t, repo.Update(ctx, done))

		got, err := repo.FindTimedOut(ctx, now, 0)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "late-1", got[0].SagaID)
		assert.Equal(t, "late-2", got[1].SagaID)

		limited, err := repo.FindTimedOut(ctx, now, 1)
		require.NoError(t, err)
		assert.Len(t, limited, 1)
	})

	t.Run("find stuck and count by status", func(t *testing.T) {
		repo := newRepo(t)
		for i := range 3 {
			require.NoError(t, repo.Create(ctx, NewSaga(fmt.Sprintf("s-%d", i), time.Now().Add(time.Hour))))
		}
		tx, err := repo.Get(ctx, "s-0")
		require.NoError(t, err)
		tx.Status = sagalog.StatusCompensationFailed
		require.NoError(t, repo.Update(ctx, tx))

		stuck, err := repo.FindStuck(ctx, time.Now().Add(time.Minute), 0)
		require.NoError(t, err)
		assert.Len(t, stuck, 2)

		none, err := repo.FindStuck(ctx, time.Now().Add(-time.Hour), 0)
		require.NoError(t, err)
		assert.Empty(t, none)

		counts, err := repo.CountByStatus(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, counts[sagalog.StatusStarted])
		assert.Equal(t, 1, counts[sagalog.StatusCompensationFailed])
	})

	t.Run("transitions keep insertion order", func(t *testing.T) {
		repo := newRepo(t)
		tx := NewSaga("s-1", time.Now())
		now := time.Now().UTC().Truncate(time.Microsecond)

		for _, to := range []sagalog.Status{sagalog.StatusInProgress, sagalog.StatusStepFailed, sagalog.StatusCompensating} {
			from := tx.Status
			tx.Status = to
			require.NoError(t, repo.AppendTransition(ctx, sagalog.NewTransition(ctx, tx, from, "test", now)))
		}

		got, err := repo.Transitions(ctx, "s-1")
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, sagalog.StatusStarted, got[0].FromStatus)
		assert.Equal(t, sagalog.StatusCompensating, got[2].ToStatus)
		assert.True(t, now.Equal(got[0].At))

		other, err := repo.Transitions(ctx, "s-2")
		require.NoError(t, err)
		assert.Empty(t, other)
	})
}
