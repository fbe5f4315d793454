package ports

import (
	"context"

	"github.com/jcmexdev/identity-sagas/internal/auth-service/core/domain"
)

// AccountStore is the authentication store. Errors are classified with
// package errs: Duplicate on id or email clashes, NotFound on missing rows.
type AccountStore interface {
	Create(ctx context.Context, a *domain.Account) error
	Get(ctx context.Context, id string) (*domain.Account, error)
	GetByEmail(ctx context.Context, email string) (*domain.Account, error)

	// SetStatus changes the status and returns the previous one.
	SetStatus(ctx context.Context, id string, status domain.AccountStatus) (domain.AccountStatus, error)

	// Delete removes the row. Deleting a missing row is not an error.
	Delete(ctx context.Context, id string) error
}
