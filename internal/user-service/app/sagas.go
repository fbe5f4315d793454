// Package app runs the user service's participant sagas: every command from
// the auth service becomes one local saga whose outcome is reported back.
package app

import (
	"context"
	"strings"
	"time"

	"github.com/jcmexdev/identity-sagas/internal/coordinator"
	"github.com/jcmexdev/identity-sagas/internal/event"
	"github.com/jcmexdev/identity-sagas/internal/pkg/errs"
	"github.com/jcmexdev/identity-sagas/internal/user-service/core/domain"
	"github.com/jcmexdev/identity-sagas/internal/user-service/core/ports"
)

const (
	SagaProfileRegistration = "PROFILE_REGISTRATION"
	SagaProfileDeletion     = "PROFILE_DELETION"
)

const (
	StepValidateRegistration = "validate_registration"
	StepCreateProfile        = "create_profile"
	StepValidateDeletion     = "validate_deletion"
	StepDeleteProfile        = "delete_profile"
)

// Saga context keys.
const (
	KeyEmail       = "email"
	KeyUsername    = "username"
	KeyDisplayName = "display_name"
	KeyReason      = "reason"

	KeyOriginSagaID  = "origin_saga_id"
	KeyOriginStep    = "origin_step"
	KeyOriginAttempt = "origin_attempt"

	// KeyProfileExists marks a registration replayed after the profile was written.
	KeyProfileExists = "profile_exists"
	// KeyProfileMissing marks a deletion with nothing left to delete.
	KeyProfileMissing = "profile_missing"
)

// Outputs of delete_profile, read back by its reverse.
const (
	deletedSoft = "soft"
	deletedHard = "hard"
)

type Settings struct {
	MaxRetries int
	Timeout    time.Duration
}

// NewRegistry registers the profile steps and both participant sagas.
func NewRegistry(profiles ports.ProfileStore, s Settings) (*coordinator.Registry, error) {
	st := &steps{profiles: profiles}

	reg := coordinator.NewRegistry()
	err := reg.Register(
		coordinator.Step{Name: StepValidateRegistration, Execute: st.validateRegistration},
		coordinator.Step{Name: StepCreateProfile, Execute: st.createProfile, Reverse: st.removeCreatedProfile},
		coordinator.Step{Name: StepValidateDeletion, Execute: st.validateDeletion},
		coordinator.Step{Name: StepDeleteProfile, Execute: st.deleteProfile, Reverse: st.undeleteProfile},
	)
	if err != nil {
		return nil, err
	}
	for _, d := range []coordinator.Definition{
		{Type: SagaProfileRegistration, Steps: []string{StepValidateRegistration, StepCreateProfile}},
		{Type: SagaProfileDeletion, Steps: []string{StepValidateDeletion, StepDeleteProfile}},
	} {
		d.Timeout, d.MaxRetries = s.Timeout, s.MaxRetries
		if err := reg.Define(d); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

type steps struct {
	profiles ports.ProfileStore
}

func (s *steps) validateRegistration(ctx context.Context, sc *coordinator.StepContext) (string, error) {
	var missing []string
	if sc.UserID == "" {
		missing = append(missing, "user id")
	}
	if strings.TrimSpace(sc.Get(KeyEmail)) == "" {
		missing = append(missing, KeyEmail)
	}
	if strings.TrimSpace(sc.Get(KeyUsername)) == "" {
		missing = append(missing, KeyUsername)
	}
	if len(missing) > 0 {
		return "", errs.Errorf(errs.StepFailed, StepValidateRegistration, "missing %s", strings.Join(missing, ", "))
	}

	owner, err := s.profiles.GetByEmail(ctx, sc.Get(KeyEmail))
	switch {
	case err == nil && owner.UserID != sc.UserID:
		return "", errs.Errorf(errs.StepFailed, StepValidateRegistration, "email %s belongs to another profile", event.Mask(sc.Get(KeyEmail)))
	case err == nil:
		sc.Set(KeyProfileExists, "true")
		return "", nil
	case !errs.Is(err, errs.NotFound):
		return "", err
	}

	if p, err := s.profiles.Get(ctx, sc.UserID); err == nil && p.Active() {
		return "", errs.Errorf(errs.StepFailed, StepValidateRegistration, "user %s already has a profile under another email", sc.UserID)
	}
	return "", nil
}

func (s *steps) createProfile(ctx context.Context, sc *coordinator.StepContext) (string, error) {
	if sc.Get(KeyProfileExists) == "true" {
		return sc.UserID, nil
	}
	err := s.profiles.Create(ctx, &domain.Profile{
		UserID:      sc.UserID,
		Email:       sc.Get(KeyEmail),
		Username:    sc.Get(KeyUsername),
		DisplayName: sc.Get(KeyDisplayName),
		Status:      domain.StatusActive,
	})
	if errs.Is(err, errs.Duplicate) {
		// Lost a race with a concurrent delivery of the same command.
		if p, gerr := s.profiles.Get(ctx, sc.UserID); gerr == nil && p.Active() && strings.EqualFold(p.Email, strings.TrimSpace(sc.Get(KeyEmail))) {
			return sc.UserID, nil
		}
		return "", errs.E(errs.StepFailed, StepCreateProfile, err)
	}
	if err != nil {
		return "", err
	}
	return sc.UserID, nil
}

func (s *steps) removeCreatedProfile(ctx context.Context, sc *coordinator.StepContext, _ string) error {
	return s.profiles.HardDelete(ctx, sc.UserID)
}

func (s *steps) validateDeletion(ctx context.Context, sc *coordinator.StepContext) (string, error) {
	if sc.UserID == "" {
		return "", errs.Errorf(errs.StepFailed, StepValidateDeletion, "missing user id")
	}
	p, err := s.profiles.Get(ctx, sc.UserID)
	switch {
	case errs.Is(err, errs.NotFound):
		sc.Set(KeyProfileMissing, "true")
		return "", nil
	case err != nil:
		return "", err
	case !p.Active() && sc.Get(KeyReason) != event.ReasonCompensation:
		sc.Set(KeyProfileMissing, "true")
	}
	return "", nil
}

// deleteProfile soft-deletes on user request so the step can be undone, and
// hard-deletes when the auth service is rolling back a registration.
func (s *steps) deleteProfile(ctx context.Context, sc *coordinator.StepContext) (string, error) {
	if sc.Get(KeyProfileMissing) == "true" {
		return "", nil
	}
	if sc.Get(KeyReason) == event.ReasonCompensation {
		return deletedHard, s.profiles.HardDelete(ctx, sc.UserID)
	}
	err := s.profiles.SoftDelete(ctx, sc.UserID)
	if errs.Is(err, errs.NotFound) {
		return "", nil
	}
	return deletedSoft, err
}

func (s *steps) undeleteProfile(ctx context.Context, sc *coordinator.StepContext, output string) error {
	if output != deletedSoft {
		return nil
	}
	return s.profiles.Restore(ctx, sc.UserID)
}
