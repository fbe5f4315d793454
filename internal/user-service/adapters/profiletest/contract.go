// Package profiletest holds the behaviour every ports.ProfileStore must show.
package profiletest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcmexdev/identity-sagas/internal/pkg/errs"
	"github.com/jcmexdev/identity-sagas/internal/user-service/core/domain"
	"github.com/jcmexdev/identity-sagas/internal/user-service/core/ports"
)

// Run exercises a fresh store returned by newStore for every subtest.
func Run(t *testing.T, newStore func(t *testing.T) ports.ProfileStore) {
	t.Run("create and read", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		require.NoError(t, s.Create(ctx, &domain.Profile{UserID: "u-1", Email: " Ann@Example.com ", Username: "ann"}))

		p, err := s.Get(ctx, "u-1")
		require.NoError(t, err)
		assert.Equal(t, "ann@example.com", p.Email)
		assert.Equal(t, domain.StatusActive, p.Status)
		assert.False(t, p.CreatedAt.IsZero())

		byEmail, err := s.GetByEmail(ctx, "ANN@example.com")
		require.NoError(t, err)
		assert.Equal(t, "u-1", byEmail.UserID)
	})

	t.Run("duplicate id or email", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		require.NoError(t, s.Create(ctx, &domain.Profile{UserID: "u-1", Email: "a@example.com", Username: "a"}))

		err := s.Create(ctx, &domain.Profile{UserID: "u-1", Email: "other@example.com", Username: "a"})
		assert.True(t, errs.Is(err, errs.Duplicate), "same id: %v", err)
		err = s.Create(ctx, &domain.Profile{UserID: "u-2", Email: "A@example.com", Username: "b"})
		assert.True(t, errs.Is(err, errs.Duplicate), "same email: %v", err)
	})

	t.Run("missing rows", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		_, err := s.Get(ctx, "nobody")
		assert.True(t, errs.Is(err, errs.NotFound))
		_, err = s.GetByEmail(ctx, "nobody@example.com")
		assert.True(t, errs.Is(err, errs.NotFound))
		assert.True(t, errs.Is(s.SoftDelete(ctx, "nobody"), errs.NotFound))
		assert.True(t, errs.Is(s.Restore(ctx, "nobody"), errs.NotFound))
		assert.NoError(t, s.HardDelete(ctx, "nobody"))
	})

	t.Run("soft delete and restore", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		require.NoError(t, s.Create(ctx, &domain.Profile{UserID: "u-1", Email: "a@example.com", Username: "a"}))

		require.NoError(t, s.SoftDelete(ctx, "u-1"))
		p, err := s.Get(ctx, "u-1")
		require.NoError(t, err)
		assert.Equal(t, domain.StatusDeleted, p.Status)
		require.NotNil(t, p.DeletedAt)
		_, err = s.GetByEmail(ctx, "a@example.com")
		assert.True(t, errs.Is(err, errs.NotFound), "deleted profiles are not found by email")

		require.NoError(t, s.Restore(ctx, "u-1"))
		p, err = s.Get(ctx, "u-1")
		require.NoError(t, err)
		assert.True(t, p.Active())
		assert.Nil(t, p.DeletedAt)
	})

	t.Run("email freed by soft delete", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		require.NoError(t, s.Create(ctx, &domain.Profile{UserID: "u-1", Email: "a@example.com", Username: "a"}))
		require.NoError(t, s.SoftDelete(ctx, "u-1"))
		require.NoError(t, s.Create(ctx, &domain.Profile{UserID: "u-2", Email: "a@example.com", Username: "b"}))

		assert.True(t, errs.Is(s.Restore(ctx, "u-1"), errs.Conflict))
	})

	t.Run("hard delete", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		require.NoError(t, s.Create(ctx, &domain.Profile{UserID: "u-1", Email: "a@example.com", Username: "a"}))
		require.NoError(t, s.HardDelete(ctx, "u-1"))
		require.NoError(t, s.HardDelete(ctx, "u-1"))

		_, err := s.Get(ctx, "u-1")
		assert.True(t, errs.Is(err, errs.NotFound))
		require.NoError(t, s.Create(ctx, &domain.Profile{UserID: "u-1", Email: "a@example.com", Username: "a"}))
	})
}
