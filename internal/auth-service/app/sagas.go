// Package app is the auth service's side of the identity sagas: it owns the
// account steps, dispatches profile commands to the user service and applies
// the user service's status reports.
package app

import (
	"context"
	"strings"
	"time"

	"github.com/jcmexdev/identity-sagas/internal/auth-service/core/domain"
	"github.com/jcmexdev/identity-sagas/internal/auth-service/core/ports"
	"github.com/jcmexdev/identity-sagas/internal/coordinator"
	"github.com/jcmexdev/identity-sagas/internal/event"
	"github.com/jcmexdev/identity-sagas/internal/pkg/errs"
	"github.com/jcmexdev/identity-sagas/internal/transport"
)

const (
	SagaRegistration = "USER_REGISTRATION"
	SagaDeletion     = "USER_DELETION"
)

const (
	StepCreateAccount     = "create_account"
	StepProvisionProfile  = "provision_profile"
	StepActivateAccount   = "activate_account"
	StepDeactivateAccount = "deactivate_account"
	StepRemoveProfile     = "remove_profile"
	StepDeleteAccount     = "delete_account"
)

// Saga context keys.
const (
	KeyEmail        = "email"
	KeyUsername     = "username"
	KeyDisplayName  = "display_name"
	KeyPasswordHash = "password_hash"
)

// Settings shape the saga definitions.
type Settings struct {
	MaxRetries          int
	RegistrationTimeout time.Duration
	DeletionTimeout     time.Duration
	CommandTopic        string
}

// NewRegistry registers the account steps and both saga types.
func NewRegistry(accounts ports.AccountStore, pub *transport.Publisher, s Settings) (*coordinator.Registry, error) {
	if s.CommandTopic == "" {
		s.CommandTopic = event.TopicUserEvents
	}
	st := &steps{accounts: accounts, pub: pub, topic: s.CommandTopic}

	reg := coordinator.NewRegistry()
	err := reg.Register(
		coordinator.Step{Name: StepCreateAccount, Execute: st.createAccount, Reverse: st.deleteCreatedAccount},
		coordinator.Step{
			Name:            StepProvisionProfile,
			Mode:            coordinator.ModeRemote,
			Execute:         st.provisionProfile,
			Reverse:         st.unprovisionProfile,
			ReverseInFlight: true,
		},
		coordinator.Step{Name: StepActivateAccount, Execute: st.activateAccount, Reverse: st.restorePending},
		coordinator.Step{Name: StepDeactivateAccount, Execute: st.deactivateAccount, Reverse: st.restoreStatus},
		coordinator.Step{Name: StepRemoveProfile, Mode: coordinator.ModeRemote, Execute: st.removeProfile},
		coordinator.Step{Name: StepDeleteAccount, Execute: st.deleteAccount},
	)
	if err != nil {
		return nil, err
	}

	if err := reg.Define(coordinator.Definition{
		Type:       SagaRegistration,
		Steps:      []string{StepCreateAccount, StepProvisionProfile, StepActivateAccount},
		Timeout:    s.RegistrationTimeout,
		MaxRetries: s.MaxRetries,
	}); err != nil {
		return nil, err
	}
	if err := reg.Define(coordinator.Definition{
		Type:       SagaDeletion,
		Steps:      []string{StepDeactivateAccount, StepRemoveProfile, StepDeleteAccount},
		Timeout:    s.DeletionTimeout,
		MaxRetries: s.MaxRetries,
	}); err != nil {
		return nil, err
	}
	return reg, nil
}

type steps struct {
	accounts ports.AccountStore
	pub      *transport.Publisher
	topic    string
}

func (s *steps) createAccount(ctx context.Context, sc *coordinator.StepContext) (string, error) {
	email := sc.Get(KeyEmail)
	err := s.accounts.Create(ctx, &domain.Account{
		ID:           sc.UserID,
		Email:        email,
		Username:     sc.Get(KeyUsername),
		DisplayName:  sc.Get(KeyDisplayName),
		PasswordHash: sc.Get(KeyPasswordHash),
		Status:       domain.StatusPending,
	})
	if errs.Is(err, errs.Duplicate) {
		// A retry after the row was written but the step was not recorded.
		if existing, gerr := s.accounts.Get(ctx, sc.UserID); gerr == nil && strings.EqualFold(existing.Email, strings.TrimSpace(email)) {
			sc.Set(KeyPasswordHash, "")
			return existing.ID, nil
		}
		return "", errs.Errorf(errs.StepFailed, StepCreateAccount, "email %s is already registered", event.Mask(email))
	}
	if err != nil {
		return "", err
	}
	// The hash lives on in the account only, not in the saga record.
	sc.Set(KeyPasswordHash, "")
	return sc.UserID, nil
}

func (s *steps) deleteCreatedAccount(ctx context.Context, sc *coordinator.StepContext, output string) error {
	id := output
	if id == "" {
		id = sc.UserID
	}
	return s.accounts.Delete(ctx, id)
}

func (s *steps) provisionProfile(ctx context.Context, sc *coordinator.StepContext) (string, error) {
	_, err := s.pub.Publish(ctx, s.topic, event.TypeUserRegistered, sc.SagaID, event.UserRegistered{
		SagaID:      sc.SagaID,
		Step:        sc.Step,
		Attempt:     sc.Attempt,
		UserID:      sc.UserID,
		Email:       sc.Get(KeyEmail),
		Username:    sc.Get(KeyUsername),
		DisplayName: sc.Get(KeyDisplayName),
	})
	return "", err
}

// unprovisionProfile asks the user service to drop the profile. Deleting a
// profile that was never created is a no-op there.
func (s *steps) unprovisionProfile(ctx context.Context, sc *coordinator.StepContext, _ string) error {
	_, err := s.pub.Publish(ctx, s.topic, event.TypeUserDeleted, sc.SagaID, event.UserDeleted{
		SagaID: sc.SagaID,
		UserID: sc.UserID,
		Reason: event.ReasonCompensation,
	})
	return err
}

func (s *steps) activateAccount(ctx context.Context, sc *coordinator.StepContext) (string, error) {
	prev, err := s.accounts.SetStatus(ctx, sc.UserID, domain.StatusActive)
	return string(prev), err
}

func (s *steps) restorePending(ctx context.Context, sc *coordinator.StepContext, _ string) error {
	_, err := s.accounts.SetStatus(ctx, sc.UserID, domain.StatusPending)
	if errs.Is(err, errs.NotFound) {
		return nil
	}
	return err
}

func (s *steps) deactivateAccount(ctx context.Context, sc *coordinator.StepContext) (string, error) {
	prev, err := s.accounts.SetStatus(ctx, sc.UserID, domain.StatusDeactivated)
	if errs.Is(err, errs.NotFound) {
		return "", errs.Errorf(errs.StepFailed, StepDeactivateAccount, "account %s does not exist", sc.UserID)
	}
	return string(prev), err
}

func (s *steps) restoreStatus(ctx context.Context, sc *coordinator.StepContext, output string) error {
	prev := domain.AccountStatus(output)
	if !prev.Valid() || prev == domain.StatusDeactivated {
		prev = domain.StatusActive
	}
	_, err := s.accounts.SetStatus(ctx, sc.UserID, prev)
	return err
}

func (s *steps) removeProfile(ctx context.Context, sc *coordinator.StepContext) (string, error) {
	_, err := s.pub.Publish(ctx, s.topic, event.TypeUserDeleted, sc.SagaID, event.UserDeleted{
		SagaID:  sc.SagaID,
		Step:    sc.Step,
		Attempt: sc.Attempt,
		UserID:  sc.UserID,
		Reason:  event.ReasonUserRequest,
	})
	return "", err
}

func (s *steps) deleteAccount(ctx context.Context, sc *coordinator.StepContext) (string, error) {
	return sc.UserID, s.accounts.Delete(ctx, sc.UserID)
}
