package app_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	authsqlite "github.com/jcmexdev/identity-sagas/internal/auth-service/adapters/sqlite"
	authapp "github.com/jcmexdev/identity-sagas/internal/auth-service/app"
	"github.com/jcmexdev/identity-sagas/internal/auth-service/core/domain"
	"github.com/jcmexdev/identity-sagas/internal/coordinator"
	"github.com/jcmexdev/identity-sagas/internal/coordinator/sagalog"
	sagamemory "github.com/jcmexdev/identity-sagas/internal/coordinator/sagalog/memory"
	sagasqlite "github.com/jcmexdev/identity-sagas/internal/coordinator/sagalog/sqlite"
	"github.com/jcmexdev/identity-sagas/internal/event"
	"github.com/jcmexdev/identity-sagas/internal/ledger"
	"github.com/jcmexdev/identity-sagas/internal/pkg/errs"
	"github.com/jcmexdev/identity-sagas/internal/transport"
	"github.com/jcmexdev/identity-sagas/internal/transport/memory"
	profilememory "github.com/jcmexdev/identity-sagas/internal/user-service/adapters/memory"
	userapp "github.com/jcmexdev/identity-sagas/internal/user-service/app"
	profiledomain "github.com/jcmexdev/identity-sagas/internal/user-service/core/domain"
)

// system is both services sharing one in-memory broker.
type system struct {
	auth     *authapp.Service
	accounts *authsqlite.AccountStore
	profiles *profilememory.ProfileStore

	broker   *memory.Broker
	feedback transport.Handler
	commands transport.Handler
}

func newSystem(t *testing.T) *system {
	t.Helper()
	broker := memory.NewBroker()
	codec := event.NewCodec(nil)

	db, err := sagasqlite.OpenDB(filepath.Join(t.TempDir(), "auth.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	authRepo, err := sagasqlite.New(db)
	require.NoError(t, err)
	accounts, err := authsqlite.NewAccountStore(db)
	require.NoError(t, err)

	authReg, err := authapp.NewRegistry(accounts, transport.NewPublisher(broker, codec, "auth-service"), authapp.Settings{
		MaxRetries:          3,
		RegistrationTimeout: 30 * time.Second,
		DeletionTimeout:     time.Minute,
	})
	require.NoError(t, err)
	authOrch := coordinator.New(authRepo, authReg)

	profiles := profilememory.NewProfileStore()
	userReg, err := userapp.NewRegistry(profiles, userapp.Settings{MaxRetries: 3, Timeout: 30 * time.Second})
	require.NoError(t, err)
	reporter := userapp.NewStatusReporter(transport.NewPublisher(broker, codec, "user-service"), event.TopicUserStatus)
	userOrch := coordinator.New(sagamemory.New(), userReg, coordinator.WithNotifier(reporter))

	return &system{
		auth:     authapp.NewService(authOrch, accounts),
		accounts: accounts,
		profiles: profiles,
		broker:   broker,
		feedback: authapp.NewFeedbackConsumer(authOrch, ledger.NewConsumer(ledger.NewMemory(), "auth-1"), codec).Handler(),
		commands: userapp.NewCommandConsumer(userOrch, ledger.NewConsumer(ledger.NewMemory(), "user-1"), codec, reporter).Handler(),
	}
}

// settle delivers messages in both directions until the broker is idle.
func (s *system) settle(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for range 20 {
		n := s.broker.Drain(ctx, event.TopicUserEvents, s.commands)
		n += s.broker.Drain(ctx, event.TopicUserStatus, s.feedback)
		if n == 0 {
			return
		}
	}
	t.Fatal("messages still flowing after 20 rounds")
}

func TestRegistrationAndDeletionAcrossServices(t *testing.T) {
	ctx := context.Background()
	s := newSystem(t)

	tx, err := s.auth.Register(ctx, authapp.Registration{
		Email:       "ivan@example.com",
		Username:    "ivan",
		DisplayName: "Ivan",
		Password:    "long enough",
	})
	require.NoError(t, err)
	s.settle(t)

	reg, err := s.auth.Saga(ctx, tx.SagaID)
	require.NoError(t, err)
	assert.Equal(t, sagalog.StatusCompleted, reg.Status)

	acc, err := s.accounts.Get(ctx, tx.UserID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, acc.Status)
	p, err := s.profiles.Get(ctx, tx.UserID)
	require.NoError(t, err)
	assert.Equal(t, "ivan", p.Username)

	del, err := s.auth.Delete(ctx, tx.UserID)
	require.NoError(t, err)
	s.settle(t)

	done, err := s.auth.Saga(ctx, del.SagaID)
	require.NoError(t, err)
	assert.Equal(t, sagalog.StatusCompleted, done.Status)
	_, err = s.accounts.Get(ctx, tx.UserID)
	assert.True(t, errs.Is(err, errs.NotFound))
	p, err = s.profiles.Get(ctx, tx.UserID)
	require.NoError(t, err)
	assert.Equal(t, profiledomain.StatusDeleted, p.Status)

	hist, err := s.auth.History(ctx, del.SagaID)
	require.NoError(t, err)
	assert.Equal(t, sagalog.StatusCompleted, hist[len(hist)-1].ToStatus)
}

func TestProfileConflictRollsBackAccount(t *testing.T) {
	ctx := context.Background()
	s := newSystem(t)
	require.NoError(t, s.profiles.Create(ctx, &profiledomain.Profile{UserID: "legacy", Email: "judy@example.com", Username: "judy"}))

	tx, err := s.auth.Register(ctx, authapp.Registration{
		Email:    "judy@example.com",
		Username: "judy",
		Password: "long enough",
	})
	require.NoError(t, err)
	s.settle(t)

	reg, err := s.auth.Saga(ctx, tx.SagaID)
	require.NoError(t, err)
	assert.Equal(t, sagalog.StatusCompensated, reg.Status)
	assert.Equal(t, "failed, no partial state left", reg.Status.Outcome())
	assert.Equal(t, 3, reg.RetryCount)

	_, err = s.accounts.Get(ctx, tx.UserID)
	assert.True(t, errs.Is(err, errs.NotFound))
	_, err = s.profiles.Get(ctx, tx.UserID)
	assert.True(t, errs.Is(err, errs.NotFound))
	assert.Empty(t, s.broker.DeadLetters(event.TopicUserEvents))
	assert.Empty(t, s.broker.DeadLetters(event.TopicUserStatus))
}
