package ports

import (
	"context"

	"github.com/jcmexdev/identity-sagas/internal/user-service/core/domain"
)

// ProfileStore is the profile owner's store. Email is unique among active
// profiles; Create returns a Duplicate error on an id or email clash and
// lookups return NotFound for missing rows.
type ProfileStore interface {
	Create(ctx context.Context, p *domain.Profile) error

	// Get returns the profile whatever its status.
	Get(ctx context.Context, userID string) (*domain.Profile, error)

	// GetByEmail only sees active profiles.
	GetByEmail(ctx context.Context, email string) (*domain.Profile, error)

	SoftDelete(ctx context.Context, userID string) error

	// Restore reactivates a soft-deleted profile. It returns Conflict when the
	// email has been taken in the meantime.
	Restore(ctx context.Context, userID string) error

	// HardDelete removes the row. Removing a missing row is not an error.
	HardDelete(ctx context.Context, userID string) error
}
