// Package cached puts a Redis read cache in front of a profile store. Only
// lookups by id are cached; every write drops the cached entry.
package cached

import (
	"context"
	"log/slog"
	"time"

	"github.com/jcmexdev/identity-sagas/internal/pkg/cache"
	"github.com/jcmexdev/identity-sagas/internal/user-service/core/domain"
	"github.com/jcmexdev/identity-sagas/internal/user-service/core/ports"
)

const operation = "profile"

type ProfileStore struct {
	next  ports.ProfileStore
	cache cache.Cache
	ttl   time.Duration
}

var _ ports.ProfileStore = (*ProfileStore)(nil)

func NewProfileStore(next ports.ProfileStore, c cache.Cache, ttl time.Duration) *ProfileStore {
	return &ProfileStore{next: next, cache: c, ttl: ttl}
}

func (s *ProfileStore) Get(ctx context.Context, userID string) (*domain.Profile, error) {
	key := s.cache.GenerateKey(operation, userID)
	var p domain.Profile
	hit, err := s.cache.Get(ctx, key, &p)
	if err != nil {
		slog.WarnContext(ctx, "profile cache read failed", "user_id", userID, "error", err)
	}
	if hit {
		return &p, nil
	}

	found, err := s.next.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := s.cache.Set(ctx, key, found, s.ttl); err != nil {
		slog.WarnContext(ctx, "profile cache write failed", "user_id", userID, "error", err)
	}
	return found, nil
}

func (s *ProfileStore) GetByEmail(ctx context.Context, email string) (*domain.Profile, error) {
	return s.next.GetByEmail(ctx, email)
}

func (s *ProfileStore) Create(ctx context.Context, p *domain.Profile) error {
	defer s.invalidate(ctx, p.UserID)
	return s.next.Create(ctx, p)
}

func (s *ProfileStore) SoftDelete(ctx context.Context, userID string) error {
	defer s.invalidate(ctx, userID)
	return s.next.SoftDelete(ctx, userID)
}

func (s *ProfileStore) Restore(ctx context.Context, userID string) error {
	defer s.invalidate(ctx, userID)
	return s.next.Restore(ctx, userID)
}

func (s *ProfileStore) HardDelete(ctx context.Context, userID string) error {
	defer s.invalidate(ctx, userID)
	return s.next.HardDelete(ctx, userID)
}

func (s *ProfileStore) invalidate(ctx context.Context, userID string) {
	if err := s.cache.Delete(ctx, s.cache.GenerateKey(operation, userID)); err != nil {
		slog.WarnContext(ctx, "profile cache invalidation failed", "user_id", userID, "error", err)
	}
}
