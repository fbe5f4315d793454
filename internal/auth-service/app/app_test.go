package app

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	authsqlite "github.com/jcmexdev/identity-sagas/internal/auth-service/adapters/sqlite"
	"github.com/jcmexdev/identity-sagas/internal/auth-service/core/domain"
	"github.com/jcmexdev/identity-sagas/internal/coordinator"
	"github.com/jcmexdev/identity-sagas/internal/coordinator/sagalog"
	sagasqlite "github.com/jcmexdev/identity-sagas/internal/coordinator/sagalog/sqlite"
	"github.com/jcmexdev/identity-sagas/internal/event"
	"github.com/jcmexdev/identity-sagas/internal/ledger"
	"github.com/jcmexdev/identity-sagas/internal/pkg/errs"
	"github.com/jcmexdev/identity-sagas/internal/transport"
	"github.com/jcmexdev/identity-sagas/internal/transport/memory"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	svc      *Service
	orch     *coordinator.Orchestrator
	accounts *authsqlite.AccountStore
	broker   *memory.Broker
	codec    *event.Codec
	feedback *FeedbackConsumer
	replies  *transport.Publisher
	clock    *clock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := sagasqlite.OpenDB(filepath.Join(t.TempDir(), "auth.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	repo, err := sagasqlite.New(db)
	require.NoError(t, err)
	accounts, err := authsqlite.NewAccountStore(db)
	require.NoError(t, err)

	broker := memory.NewBroker()
	codec := event.NewCodec(nil)
	reg, err := NewRegistry(accounts, transport.NewPublisher(broker, codec, "auth-service"), Settings{
		MaxRetries:          3,
		RegistrationTimeout: 30 * time.Second,
		DeletionTimeout:     time.Minute,
	})
	require.NoError(t, err)

	clk := &clock{now: time.Now().UTC()}
	orch := coordinator.New(repo, reg, coordinator.WithClock(clk.Now))
	svc := NewService(orch, accounts)
	svc.cost = bcrypt.MinCost

	return &fixture{
		svc:      svc,
		orch:     orch,
		accounts: accounts,
		broker:   broker,
		codec:    codec,
		feedback: NewFeedbackConsumer(orch, ledger.NewConsumer(ledger.NewMemory(), "test"), codec),
		replies:  transport.NewPublisher(broker, codec, "user-service"),
		clock:    clk,
	}
}

func (f *fixture) register(t *testing.T, email string) *sagalog.SagaTransaction {
	t.Helper()
	tx, err := f.svc.Register(context.Background(), Registration{
		Email:       email,
		Username:    "alice",
		DisplayName: "Alice",
		Password:    "correct horse",
	})
	require.NoError(t, err)
	return tx
}

// commands returns the envelopes sent to the user service so far.
func (f *fixture) commands(t *testing.T) []event.Envelope {
	t.Helper()
	var out []event.Envelope
	for _, msg := range f.broker.Published(event.TopicUserEvents) {
		env, err := f.codec.Unmarshal(msg.Value)
		require.NoError(t, err)
		out = append(out, env)
	}
	return out
}

func (f *fixture) lastCommand(t *testing.T) (event.Envelope, string, int) {
	t.Helper()
	cmds := f.commands(t)
	require.NotEmpty(t, cmds)
	env := cmds[len(cmds)-1]
	var probe struct {
		Step    string `json:"step"`
		Attempt int    `json:"attempt"`
	}
	require.NoError(t, f.codec.Open(env, &probe))
	return env, probe.Step, probe.Attempt
}

// reply answers the latest command the way the user service would.
func (f *fixture) reply(t *testing.T, status sagalog.Status, errorType, message string) event.Envelope {
	t.Helper()
	ctx := context.Background()
	cmd, step, attempt := f.lastCommand(t)
	env, err := f.replies.Publish(ctx, event.TopicUserStatus, event.TypeUserManagementStatus, cmd.CorrelationID, event.UserManagementStatus{
		SagaID:       "participant-" + cmd.EventID,
		OriginSagaID: cmd.CorrelationID,
		Step:         step,
		Attempt:      attempt,
		Status:       string(status),
		ErrorType:    errorType,
		ErrorMessage: message,
	})
	require.NoError(t, err)
	f.broker.Drain(ctx, event.TopicUserStatus, f.feedback.Handler())
	return env
}

func (f *fixture) saga(t *testing.T, id string) *sagalog.SagaTransaction {
	t.Helper()
	tx, err := f.orch.Get(context.Background(), id)
	require.NoError(t, err)
	return tx
}

func TestRegistrationWaitsForProfileThenActivates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	tx := f.register(t, "alice@example.com")
	assert.Equal(t, sagalog.StatusInProgress, tx.Status)
	assert.Equal(t, StepProvisionProfile, tx.CurrentStep)

	acc, err := f.accounts.Get(ctx, tx.UserID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, acc.Status)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(acc.PasswordHash), []byte("correct horse")))

	stored := f.saga(t, tx.SagaID)
	assert.NotContains(t, stored.Context, KeyPasswordHash, "hash is kept by the account only")
	assert.Equal(t, "alice@example.com", stored.ContextValue(KeyEmail))

	cmds := f.commands(t)
	require.Len(t, cmds, 1)
	assert.Equal(t, event.TypeUserRegistered, cmds[0].EventType)
	var reg event.UserRegistered
	require.NoError(t, f.codec.Open(cmds[0], &reg))
	assert.Equal(t, tx.SagaID, reg.SagaID)
	assert.Equal(t, tx.UserID, reg.UserID)
	assert.Equal(t, "alice@example.com", reg.Email)
	assert.Equal(t, 1, reg.Attempt)

	f.reply(t, sagalog.StatusCompleted, "", "")

	done := f.saga(t, tx.SagaID)
	assert.Equal(t, sagalog.StatusCompleted, done.Status)
	acc, err = f.accounts.Get(ctx, tx.UserID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, acc.Status)
}

func TestRegistrationCompensatesAfterProfileFailures(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	tx := f.register(t, "bob@example.com")

	for i := 1; i <= 3; i++ {
		_, _, attempt := f.lastCommand(t)
		assert.Equal(t, i, attempt)
		f.reply(t, sagalog.StatusCompensated, errs.StepFailed.String(), "profile store rejected the row")
	}

	done := f.saga(t, tx.SagaID)
	assert.Equal(t, sagalog.StatusCompensated, done.Status)
	assert.Len(t, f.commands(t), 3, "no reverse command without an in-flight timeout")

	_, err := f.accounts.Get(ctx, tx.UserID)
	assert.True(t, errs.Is(err, errs.NotFound), "account row removed by compensation")
}

func TestDuplicateFeedbackIsAppliedOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	tx := f.register(t, "carol@example.com")

	env := f.reply(t, sagalog.StatusCompleted, "", "")
	require.NoError(t, f.replies.PublishEnvelope(ctx, event.TopicUserStatus, env))
	f.broker.Drain(ctx, event.TopicUserStatus, f.feedback.Handler())

	assert.Equal(t, sagalog.StatusCompleted, f.saga(t, tx.SagaID).Status)
	assert.Empty(t, f.broker.DeadLetters(event.TopicUserStatus))
}

func TestStaleFeedbackIsIgnored(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	tx := f.register(t, "dave@example.com")
	f.reply(t, sagalog.StatusCompleted, "", "")

	// A late answer to the same step, under a new event id.
	_, err := f.replies.Publish(ctx, event.TopicUserStatus, event.TypeUserManagementStatus, tx.SagaID, event.UserManagementStatus{
		OriginSagaID: tx.SagaID,
		Step:         StepProvisionProfile,
		Attempt:      1,
		Status:       string(sagalog.StatusCompensated),
	})
	require.NoError(t, err)
	f.broker.Drain(ctx, event.TopicUserStatus, f.feedback.Handler())

	assert.Equal(t, sagalog.StatusCompleted, f.saga(t, tx.SagaID).Status)
	assert.Empty(t, f.broker.DeadLetters(event.TopicUserStatus))
}

func TestCompensationAcknowledgementNeedsNoSaga(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.replies.Publish(ctx, event.TopicUserStatus, event.TypeUserManagementStatus, "unknown", event.UserManagementStatus{
		OriginSagaID: "unknown",
		Status:       string(sagalog.StatusCompleted),
	})
	require.NoError(t, err)
	f.broker.Drain(ctx, event.TopicUserStatus, f.feedback.Handler())
	assert.Empty(t, f.broker.DeadLetters(event.TopicUserStatus))
}

func TestMalformedFeedbackIsDeadLettered(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.broker.Publish(ctx, transport.Message{Topic: event.TopicUserStatus, Value: []byte("{not json")}))
	f.broker.Drain(ctx, event.TopicUserStatus, f.feedback.Handler())

	dlq := f.broker.DeadLetters(event.TopicUserStatus)
	require.Len(t, dlq, 1)
	assert.Equal(t, transport.ReasonMalformedPayload, dlq[0].Header(transport.HeaderDLQReason))
}

func TestRegisterRejectsInput(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Register(context.Background(), Registration{Email: "nope", Password: "short"})
	require.ErrorIs(t, err, ErrInvalidRequest)
	assert.Contains(t, err.Error(), "email")
	assert.Contains(t, err.Error(), "username")
	assert.Contains(t, err.Error(), "password")
	assert.Empty(t, f.commands(t))
}

func TestRegisterRejectsKnownEmail(t *testing.T) {
	f := newFixture(t)
	f.register(t, "erin@example.com")

	_, err := f.svc.Register(context.Background(), Registration{
		Email:    "Erin@example.com",
		Username: "erin2",
		Password: "another password",
	})
	assert.True(t, errs.Is(err, errs.Conflict))
}

func TestDeletionRemovesAccountAfterProfile(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	reg := f.register(t, "frank@example.com")
	f.reply(t, sagalog.StatusCompleted, "", "")

	tx, err := f.svc.Delete(ctx, reg.UserID)
	require.NoError(t, err)
	assert.Equal(t, sagalog.StatusInProgress, tx.Status)
	assert.Equal(t, StepRemoveProfile, tx.CurrentStep)

	acc, err := f.accounts.Get(ctx, reg.UserID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDeactivated, acc.Status)

	cmd, _, _ := f.lastCommand(t)
	var del event.UserDeleted
	require.NoError(t, f.codec.Open(cmd, &del))
	assert.Equal(t, event.ReasonUserRequest, del.Reason)

	_, err = f.svc.Delete(ctx, reg.UserID)
	assert.True(t, errs.Is(err, errs.Conflict), "second deletion while one runs")

	f.reply(t, sagalog.StatusCompleted, "", "")
	assert.Equal(t, sagalog.StatusCompleted, f.saga(t, tx.SagaID).Status)
	_, err = f.accounts.Get(ctx, reg.UserID)
	assert.True(t, errs.Is(err, errs.NotFound))
}

func TestDeletionFailureRestoresAccount(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	reg := f.register(t, "grace@example.com")
	f.reply(t, sagalog.StatusCompleted, "", "")

	tx, err := f.svc.Delete(ctx, reg.UserID)
	require.NoError(t, err)
	for range 3 {
		f.reply(t, sagalog.StatusCompensated, errs.StepFailed.String(), "profile store down")
	}

	assert.Equal(t, sagalog.StatusCompensated, f.saga(t, tx.SagaID).Status)
	acc, err := f.accounts.Get(ctx, reg.UserID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, acc.Status)
}

func TestDeleteUnknownAccount(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Delete(context.Background(), "missing")
	assert.True(t, errs.Is(err, errs.NotFound))
}

func TestTimeoutReversesInFlightProvisioning(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	tx := f.register(t, "heidi@example.com")

	require.NoError(t, f.orch.ForceTimeout(ctx, tx.SagaID), "within deadline is a no-op")
	assert.Equal(t, sagalog.StatusInProgress, f.saga(t, tx.SagaID).Status)

	f.clock.Advance(31 * time.Second)
	require.NoError(t, f.orch.ForceTimeout(ctx, tx.SagaID))

	done := f.saga(t, tx.SagaID)
	assert.Equal(t, sagalog.StatusCompensated, done.Status)
	assert.Equal(t, errs.Timeout.String(), done.ErrorType)

	cmds := f.commands(t)
	require.Len(t, cmds, 2)
	assert.Equal(t, event.TypeUserDeleted, cmds[1].EventType)
	var del event.UserDeleted
	require.NoError(t, f.codec.Open(cmds[1], &del))
	assert.Equal(t, event.ReasonCompensation, del.Reason)
	assert.Empty(t, del.Step)

	_, err := f.accounts.Get(ctx, tx.UserID)
	assert.True(t, errs.Is(err, errs.NotFound))

	// The profile answer arriving after the timeout is stale.
	_, err = f.replies.Publish(ctx, event.TopicUserStatus, event.TypeUserManagementStatus, tx.SagaID, event.UserManagementStatus{
		OriginSagaID: tx.SagaID,
		Step:         StepProvisionProfile,
		Attempt:      1,
		Status:       string(sagalog.StatusCompleted),
	})
	require.NoError(t, err)
	f.broker.Drain(ctx, event.TopicUserStatus, f.feedback.Handler())
	assert.Equal(t, sagalog.StatusCompensated, f.saga(t, tx.SagaID).Status)
}
