package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/jcmexdev/identity-sagas/internal/auth-service/core/domain"
	"github.com/jcmexdev/identity-sagas/internal/auth-service/core/ports"
	"github.com/jcmexdev/identity-sagas/internal/coordinator"
	"github.com/jcmexdev/identity-sagas/internal/coordinator/sagalog"
	"github.com/jcmexdev/identity-sagas/internal/event"
	"github.com/jcmexdev/identity-sagas/internal/pkg/errs"
)

// ErrInvalidRequest wraps every input validation failure.
var ErrInvalidRequest = errors.New("invalid request")

type Registration struct {
	Email       string
	Username    string
	DisplayName string
	Password    string
}

func (r Registration) validate() error {
	var problems []string
	if _, err := mail.ParseAddress(r.Email); err != nil {
		problems = append(problems, "email is not a valid address")
	}
	if strings.TrimSpace(r.Username) == "" {
		problems = append(problems, "username is required")
	}
	if len(r.Password) < 8 {
		problems = append(problems, "password must be at least 8 characters")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidRequest, strings.Join(problems, "; "))
	}
	return nil
}

// Service starts and inspects the auth service's sagas.
type Service struct {
	orch     *coordinator.Orchestrator
	accounts ports.AccountStore
	newID    func() string
	cost     int
}

func NewService(orch *coordinator.Orchestrator, accounts ports.AccountStore) *Service {
	return &Service{orch: orch, accounts: accounts, newID: uuid.NewString, cost: bcrypt.DefaultCost}
}

// Register starts a USER_REGISTRATION saga. The returned record reflects the
// saga after its local steps ran; it is usually IN_PROGRESS waiting for the
// user service.
func (s *Service) Register(ctx context.Context, r Registration) (*sagalog.SagaTransaction, error) {
	if err := r.validate(); err != nil {
		return nil, err
	}
	if _, err := s.accounts.GetByEmail(ctx, r.Email); err == nil {
		return nil, errs.Errorf(errs.Conflict, "app.Register", "email %s is already registered", event.Mask(r.Email))
	} else if !errs.Is(err, errs.NotFound) {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(r.Password), s.cost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	userID := s.newID()
	values := map[string]string{
		KeyEmail:        strings.TrimSpace(r.Email),
		KeyUsername:     strings.TrimSpace(r.Username),
		KeyDisplayName:  strings.TrimSpace(r.DisplayName),
		KeyPasswordHash: string(hash),
	}
	slog.InfoContext(ctx, "starting registration", "user_id", userID, "email", event.Mask(r.Email))
	return s.start(ctx, SagaRegistration, userID, values)
}

// Delete starts a USER_DELETION saga for an existing account.
func (s *Service) Delete(ctx context.Context, userID string) (*sagalog.SagaTransaction, error) {
	acc, err := s.accounts.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if acc.Status == domain.StatusDeactivated {
		return nil, errs.Errorf(errs.Conflict, "app.Delete", "account %s is already being deleted", userID)
	}
	slog.InfoContext(ctx, "starting deletion", "user_id", userID)
	return s.start(ctx, SagaDeletion, userID, nil)
}

// The saga must not be cut short by the client going away.
func (s *Service) start(ctx context.Context, sagaType, userID string, values map[string]string) (*sagalog.SagaTransaction, error) {
	ctx = context.WithoutCancel(ctx)
	sagaID, err := s.orch.StartSaga(ctx, sagaType, userID, values)
	if sagaID == "" {
		return nil, err
	}
	if err != nil {
		// The saga exists and already settled, typically compensated.
		slog.WarnContext(ctx, "saga did not complete", "saga_id", sagaID, "saga_type", sagaType, "error", err)
	}
	return s.orch.Get(ctx, sagaID)
}

func (s *Service) Account(ctx context.Context, userID string) (*domain.Account, error) {
	return s.accounts.Get(ctx, userID)
}

func (s *Service) Saga(ctx context.Context, sagaID string) (*sagalog.SagaTransaction, error) {
	return s.orch.Get(ctx, sagaID)
}

func (s *Service) History(ctx context.Context, sagaID string) ([]sagalog.Transition, error) {
	return s.orch.History(ctx, sagaID)
}
