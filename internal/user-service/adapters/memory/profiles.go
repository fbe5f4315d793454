// Package memory is an in-process profile store for tests and the
// single-process mode.
package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/jcmexdev/identity-sagas/internal/pkg/errs"
	"github.com/jcmexdev/identity-sagas/internal/user-service/core/domain"
	"github.com/jcmexdev/identity-sagas/internal/user-service/core/ports"
)

// ProfileStore serves reads from a concurrent map. Writes are serialized so
// the email check and the insert happen as one step.
type ProfileStore struct {
	profiles *xsync.MapOf[string, domain.Profile]

	mu      sync.Mutex
	byEmail map[string]string

	now func() time.Time
}

var _ ports.ProfileStore = (*ProfileStore)(nil)

func NewProfileStore() *ProfileStore {
	return &ProfileStore{
		profiles: xsync.NewMapOf[string, domain.Profile](),
		byEmail:  make(map[string]string),
		now:      time.Now,
	}
}

func (s *ProfileStore) Create(_ context.Context, p *domain.Profile) error {
	email := normalizeEmail(p.Email)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.profiles.Load(p.UserID); ok {
		return errs.Errorf(errs.Duplicate, "memory.CreateProfile", "profile %s already exists", p.UserID)
	}
	if _, ok := s.byEmail[email]; ok {
		return errs.Errorf(errs.Duplicate, "memory.CreateProfile", "email already in use")
	}

	now := s.now().UTC()
	p.Email = email
	if p.Status == "" {
		p.Status = domain.StatusActive
	}
	p.CreatedAt, p.UpdatedAt = now, now
	s.profiles.Store(p.UserID, *p)
	if p.Active() {
		s.byEmail[email] = p.UserID
	}
	return nil
}

func (s *ProfileStore) Get(_ context.Context, userID string) (*domain.Profile, error) {
	p, ok := s.profiles.Load(userID)
	if !ok {
		return nil, errs.Errorf(errs.NotFound, "memory.GetProfile", "profile %s not found", userID)
	}
	return &p, nil
}

func (s *ProfileStore) GetByEmail(ctx context.Context, email string) (*domain.Profile, error) {
	s.mu.Lock()
	id, ok := s.byEmail[normalizeEmail(email)]
	s.mu.Unlock()
	if !ok {
		return nil, errs.Errorf(errs.NotFound, "memory.GetProfileByEmail", "no active profile for email")
	}
	return s.Get(ctx, id)
}

func (s *ProfileStore) SoftDelete(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles.Load(userID)
	if !ok {
		return errs.Errorf(errs.NotFound, "memory.SoftDeleteProfile", "profile %s not found", userID)
	}
	now := s.now().UTC()
	p.Status = domain.StatusDeleted
	p.DeletedAt = &now
	p.UpdatedAt = now
	s.profiles.Store(userID, p)
	if s.byEmail[p.Email] == userID {
		delete(s.byEmail, p.Email)
	}
	return nil
}

func (s *ProfileStore) Restore(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles.Load(userID)
	if !ok {
		return errs.Errorf(errs.NotFound, "memory.RestoreProfile", "profile %s not found", userID)
	}
	if owner, taken := s.byEmail[p.Email]; taken && owner != userID {
		return errs.Errorf(errs.Conflict, "memory.RestoreProfile", "email of profile %s is in use by another profile", userID)
	}
	p.Status = domain.StatusActive
	p.DeletedAt = nil
	p.UpdatedAt = s.now().UTC()
	s.profiles.Store(userID, p)
	s.byEmail[p.Email] = userID
	return nil
}

func (s *ProfileStore) HardDelete(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles.LoadAndDelete(userID)
	if ok && s.byEmail[p.Email] == userID {
		delete(s.byEmail, p.Email)
	}
	return nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
