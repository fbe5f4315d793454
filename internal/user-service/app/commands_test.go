package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcmexdev/identity-sagas/internal/coordinator"
	"github.com/jcmexdev/identity-sagas/internal/coordinator/sagalog"
	sagamemory "github.com/jcmexdev/identity-sagas/internal/coordinator/sagalog/memory"
	"github.com/jcmexdev/identity-sagas/internal/event"
	"github.com/jcmexdev/identity-sagas/internal/ledger"
	"github.com/jcmexdev/identity-sagas/internal/pkg/errs"
	"github.com/jcmexdev/identity-sagas/internal/transport"
	"github.com/jcmexdev/identity-sagas/internal/transport/memory"
	profilememory "github.com/jcmexdev/identity-sagas/internal/user-service/adapters/memory"
	"github.com/jcmexdev/identity-sagas/internal/user-service/core/domain"
)

type fixture struct {
	profiles *profilememory.ProfileStore
	sagas    *sagamemory.Store
	orch     *coordinator.Orchestrator
	broker   *memory.Broker
	codec    *event.Codec
	reporter *StatusReporter
	consumer *CommandConsumer
	ledger   *ledger.Memory
	origin   *transport.Publisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	profiles := profilememory.NewProfileStore()
	reg, err := NewRegistry(profiles, Settings{MaxRetries: 3, Timeout: 30 * time.Second})
	require.NoError(t, err)

	broker := memory.NewBroker()
	codec := event.NewCodec(nil)
	reporter := NewStatusReporter(transport.NewPublisher(broker, codec, "user-service"), "")
	sagas := sagamemory.New()
	orch := coordinator.New(sagas, reg, coordinator.WithNotifier(reporter))
	processed := ledger.NewMemory()

	return &fixture{
		profiles: profiles,
		sagas:    sagas,
		orch:     orch,
		broker:   broker,
		codec:    codec,
		reporter: reporter,
		consumer: NewCommandConsumer(orch, ledger.NewConsumer(processed, "test"), codec, reporter),
		ledger:   processed,
		origin:   transport.NewPublisher(broker, codec, "auth-service"),
	}
}

func (f *fixture) send(t *testing.T, eventType string, originSagaID string, payload any) event.Envelope {
	t.Helper()
	env, err := f.origin.Publish(context.Background(), event.TopicUserEvents, eventType, originSagaID, payload)
	require.NoError(t, err)
	f.drain()
	return env
}

func (f *fixture) drain() {
	f.broker.Drain(context.Background(), event.TopicUserEvents, f.consumer.Handler())
}

func (f *fixture) statuses(t *testing.T) []event.UserManagementStatus {
	t.Helper()
	var out []event.UserManagementStatus
	for _, msg := range f.broker.Published(event.TopicUserStatus) {
		env, err := f.codec.Unmarshal(msg.Value)
		require.NoError(t, err)
		assert.Equal(t, event.TypeUserManagementStatus, env.EventType)
		var st event.UserManagementStatus
		require.NoError(t, f.codec.Open(env, &st))
		assert.Equal(t, st.OriginSagaID, env.CorrelationID)
		out = append(out, st)
	}
	return out
}

func registered(userID, email string) event.UserRegistered {
	return event.UserRegistered{
		SagaID:   "origin-" + userID,
		Step:     "provision_profile",
		Attempt:  1,
		UserID:   userID,
		Email:    email,
		Username: "user-" + userID,
	}
}

func TestRegistrationCreatesProfileAndReports(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	cmd := registered("u-1", "ann@example.com")
	cmd.Attempt = 2
	env := f.send(t, event.TypeUserRegistered, cmd.SagaID, cmd)

	p, err := f.profiles.Get(ctx, "u-1")
	require.NoError(t, err)
	assert.Equal(t, "ann@example.com", p.Email)

	tx, err := f.orch.Get(ctx, SagaIDFor(env.EventID))
	require.NoError(t, err)
	assert.Equal(t, sagalog.StatusCompleted, tx.Status)
	assert.Equal(t, env.EventID, tx.OriginalEventID)
	assert.Equal(t, "origin-u-1", tx.ContextValue(KeyOriginSagaID))

	sts := f.statuses(t)
	require.Len(t, sts, 1)
	assert.Equal(t, event.UserManagementStatus{
		SagaID:           tx.SagaID,
		OriginSagaID:     "origin-u-1",
		Step:             "provision_profile",
		Attempt:          2,
		Status:           "COMPLETED",
		Output:           "u-1",
		ProcessingTimeMs: sts[0].ProcessingTimeMs,
	}, sts[0])
}

func TestDuplicateDeliveryRunsOnceAndReportsAgain(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	cmd := registered("u-1", "ann@example.com")
	env := f.send(t, event.TypeUserRegistered, cmd.SagaID, cmd)

	require.NoError(t, f.origin.PublishEnvelope(ctx, event.TopicUserEvents, env))
	f.drain()

	counts, err := f.sagas.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[sagalog.Status]int{sagalog.StatusCompleted: 1}, counts)

	sts := f.statuses(t)
	require.Len(t, sts, 2)
	assert.Equal(t, sts[0].SagaID, sts[1].SagaID)
	assert.Equal(t, "COMPLETED", sts[1].Status)

	rec, err := f.ledger.Lookup(ctx, env.EventID)
	require.NoError(t, err)
	assert.True(t, rec.IsSuccess)
	assert.Empty(t, rec.ErrorMessage)
	assert.Empty(t, f.broker.DeadLetters(event.TopicUserEvents))
}

func TestRedeliveryAfterLostLedgerRecordFindsSaga(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	cmd := registered("u-1", "ann@example.com")
	env := f.send(t, event.TypeUserRegistered, cmd.SagaID, cmd)

	// A second instance without the first one's ledger record.
	other := NewCommandConsumer(f.orch, ledger.NewConsumer(ledger.NewMemory(), "other"), f.codec, f.reporter)
	require.NoError(t, f.origin.PublishEnvelope(ctx, event.TopicUserEvents, env))
	f.broker.Drain(ctx, event.TopicUserEvents, other.Handler())

	counts, err := f.sagas.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[sagalog.StatusCompleted])
	assert.Len(t, f.statuses(t), 2)
}

func TestRegistrationForTakenEmailIsCompensated(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.profiles.Create(ctx, &domain.Profile{UserID: "u-0", Email: "ann@example.com", Username: "first"}))

	cmd := registered("u-1", "ann@example.com")
	f.send(t, event.TypeUserRegistered, cmd.SagaID, cmd)

	_, err := f.profiles.Get(ctx, "u-1")
	assert.True(t, errs.Is(err, errs.NotFound))

	sts := f.statuses(t)
	require.Len(t, sts, 1)
	assert.Equal(t, "COMPENSATED", sts[0].Status)
	assert.Equal(t, errs.StepFailed.String(), sts[0].ErrorType)
	assert.Contains(t, sts[0].ErrorMessage, "another profile")
}

func TestRegistrationReplayAcceptsOwnProfile(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.profiles.Create(ctx, &domain.Profile{UserID: "u-1", Email: "ann@example.com", Username: "ann"}))

	cmd := registered("u-1", "Ann@example.com")
	f.send(t, event.TypeUserRegistered, cmd.SagaID, cmd)

	sts := f.statuses(t)
	require.Len(t, sts, 1)
	assert.Equal(t, "COMPLETED", sts[0].Status)
}

func TestRegistrationWithoutEmailFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	cmd := registered("u-1", "")
	env := f.send(t, event.TypeUserRegistered, cmd.SagaID, cmd)

	sts := f.statuses(t)
	require.Len(t, sts, 1)
	assert.Equal(t, "COMPENSATED", sts[0].Status)
	assert.Contains(t, sts[0].ErrorMessage, "email")

	rec, err := f.ledger.Lookup(ctx, env.EventID)
	require.NoError(t, err)
	assert.False(t, rec.IsSuccess)
	assert.Equal(t, "COMPENSATED", rec.Output)
	assert.Contains(t, rec.ErrorMessage, "missing email")

	// The recorded failure still answers a redelivery.
	require.NoError(t, f.origin.PublishEnvelope(ctx, event.TopicUserEvents, env))
	f.drain()
	sts = f.statuses(t)
	require.Len(t, sts, 2)
	assert.Equal(t, "COMPENSATED", sts[1].Status)
}

func TestDeletionSoftDeletesAndReports(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.profiles.Create(ctx, &domain.Profile{UserID: "u-1", Email: "ann@example.com", Username: "ann"}))

	f.send(t, event.TypeUserDeleted, "origin-del", event.UserDeleted{
		SagaID:  "origin-del",
		Step:    "remove_profile",
		Attempt: 1,
		UserID:  "u-1",
		Reason:  event.ReasonUserRequest,
	})

	p, err := f.profiles.Get(ctx, "u-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDeleted, p.Status)

	sts := f.statuses(t)
	require.Len(t, sts, 1)
	assert.Equal(t, "COMPLETED", sts[0].Status)
	assert.Equal(t, "remove_profile", sts[0].Step)
}

func TestDeletionOfMissingProfileSucceeds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	env := f.send(t, event.TypeUserDeleted, "origin-del", event.UserDeleted{
		SagaID:  "origin-del",
		Step:    "remove_profile",
		Attempt: 1,
		UserID:  "ghost",
		Reason:  event.ReasonUserRequest,
	})

	tx, err := f.orch.Get(ctx, SagaIDFor(env.EventID))
	require.NoError(t, err)
	assert.Equal(t, sagalog.StatusCompleted, tx.Status)
	assert.Equal(t, "true", tx.ContextValue(KeyProfileMissing))
	require.Len(t, f.statuses(t), 1)
}

func TestCompensationCommandHardDeletesSilently(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.profiles.Create(ctx, &domain.Profile{UserID: "u-1", Email: "ann@example.com", Username: "ann"}))

	f.send(t, event.TypeUserDeleted, "origin-reg", event.UserDeleted{
		SagaID: "origin-reg",
		UserID: "u-1",
		Reason: event.ReasonCompensation,
	})

	_, err := f.profiles.Get(ctx, "u-1")
	assert.True(t, errs.Is(err, errs.NotFound))
	assert.Empty(t, f.statuses(t), "nothing on the origin side waits for a compensation")
}

func TestUnknownEventTypeIsIgnored(t *testing.T) {
	f := newFixture(t)
	f.send(t, "ORDER_PLACED", "x", map[string]string{"id": "1"})
	assert.Empty(t, f.statuses(t))
	assert.Empty(t, f.broker.DeadLetters(event.TopicUserEvents))
}

func TestSagaIDIsDeterministic(t *testing.T) {
	assert.Equal(t, SagaIDFor("e-1"), SagaIDFor("e-1"))
	assert.NotEqual(t, SagaIDFor("e-1"), SagaIDFor("e-2"))
}
