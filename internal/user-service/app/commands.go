package app

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/google/uuid"

	"github.com/jcmexdev/identity-sagas/internal/coordinator"
	"github.com/jcmexdev/identity-sagas/internal/coordinator/sagalog"
	"github.com/jcmexdev/identity-sagas/internal/event"
	"github.com/jcmexdev/identity-sagas/internal/ledger"
	"github.com/jcmexdev/identity-sagas/internal/pkg/errs"
	"github.com/jcmexdev/identity-sagas/internal/pkg/metrics"
	"github.com/jcmexdev/identity-sagas/internal/transport"
)

// sagaNamespace derives participant saga ids from command event ids, so a
// redelivered command maps onto the saga it already started.
var sagaNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:identity-sagas:user-service:saga"))

// CommandConsumer turns USER_REGISTERED and USER_DELETED commands into
// participant sagas.
type CommandConsumer struct {
	orch     *coordinator.Orchestrator
	guard    *ledger.Consumer
	codec    *event.Codec
	notifier coordinator.Notifier
}

// NewCommandConsumer wires the consumer. notifier must be the one given to
// orch; it is called again when a finished saga's command is redelivered.
func NewCommandConsumer(orch *coordinator.Orchestrator, guard *ledger.Consumer, codec *event.Codec, notifier coordinator.Notifier) *CommandConsumer {
	return &CommandConsumer{orch: orch, guard: guard, codec: codec, notifier: notifier}
}

func (c *CommandConsumer) Handler() transport.Handler {
	return transport.Decode(c.codec, c.handle)
}

// SagaIDFor is the participant saga id of a command event.
func SagaIDFor(eventID string) string {
	return uuid.NewSHA1(sagaNamespace, []byte(eventID)).String()
}

type command struct {
	sagaType string
	userID   string
	values   map[string]string
}

func (c *CommandConsumer) decode(env event.Envelope) (command, bool, error) {
	switch env.EventType {
	case event.TypeUserRegistered:
		var p event.UserRegistered
		if err := c.codec.Open(env, &p); err != nil {
			return command{}, false, err
		}
		return command{
			sagaType: SagaProfileRegistration,
			userID:   p.UserID,
			values: origin(p.SagaID, p.Step, p.Attempt, map[string]string{
				KeyEmail:       p.Email,
				KeyUsername:    p.Username,
				KeyDisplayName: p.DisplayName,
			}),
		}, true, nil
	case event.TypeUserDeleted:
		var p event.UserDeleted
		if err := c.codec.Open(env, &p); err != nil {
			return command{}, false, err
		}
		return command{
			sagaType: SagaProfileDeletion,
			userID:   p.UserID,
			values:   origin(p.SagaID, p.Step, p.Attempt, map[string]string{KeyReason: p.Reason}),
		}, true, nil
	}
	return command{}, false, nil
}

func origin(sagaID, step string, attempt int, values map[string]string) map[string]string {
	values[KeyOriginSagaID] = sagaID
	if step != "" {
		values[KeyOriginStep] = step
		values[KeyOriginAttempt] = strconv.Itoa(attempt)
	}
	return values
}

func (c *CommandConsumer) handle(ctx context.Context, env event.Envelope) error {
	cmd, ok, err := c.decode(env)
	if err != nil {
		return err
	}
	if !ok {
		slog.DebugContext(ctx, "commands: ignoring event", "event_type", env.EventType, "event_id", env.EventID)
		return nil
	}
	sagaID := SagaIDFor(env.EventID)

	out, err := c.guard.Process(ctx, env, func(ctx context.Context) (ledger.Result, error) {
		tx, err := c.run(ctx, sagaID, env, cmd)
		if err != nil {
			return ledger.Result{UserID: cmd.userID}, err
		}
		res := ledger.Result{UserID: cmd.userID, Output: string(tx.Status)}
		return res, outcomeError(tx)
	})
	if err != nil {
		return err
	}
	if out.Duplicate {
		metrics.DuplicateEvents.WithLabelValues(env.EventType).Inc()
		slog.InfoContext(ctx, "commands: duplicate delivery skipped", "event_id", env.EventID, "saga_id", sagaID)
		c.renotify(ctx, sagaID)
	}
	return nil
}

// run starts the participant saga. A saga that already exists for this event
// is not started again; its outcome is reported once more if it has one.
func (c *CommandConsumer) run(ctx context.Context, sagaID string, env event.Envelope, cmd command) (*sagalog.SagaTransaction, error) {
	_, err := c.orch.StartSaga(ctx, cmd.sagaType, cmd.userID, cmd.values,
		coordinator.WithSagaID(sagaID),
		coordinator.WithOriginalEvent(env.EventID),
	)
	if err != nil && !errs.Is(err, errs.Duplicate) {
		// The saga may have settled despite the error, e.g. after a failed
		// compensation; only unsettled sagas are worth a redelivery.
		if tx, gerr := c.orch.Get(ctx, sagaID); gerr == nil && tx.Status.Terminal() {
			return tx, nil
		}
		return nil, err
	}

	tx, gerr := c.orch.Get(ctx, sagaID)
	if gerr != nil {
		return nil, gerr
	}
	if errs.Is(err, errs.Duplicate) {
		if tx.Status.Terminal() {
			c.renotify(ctx, sagaID)
		} else {
			slog.WarnContext(ctx, "commands: saga already running for event", "saga_id", sagaID, "status", tx.Status)
		}
	}
	return tx, nil
}

// outcomeError turns a saga that settled without completing into the
// business failure the ledger records for its command.
func outcomeError(tx *sagalog.SagaTransaction) error {
	switch tx.Status {
	case sagalog.StatusCompensated, sagalog.StatusFailed:
		return errs.Errorf(errs.StepFailed, "", "saga %s %s: %s", tx.SagaID, tx.Status, tx.ErrorMessage)
	case sagalog.StatusCompensationFailed:
		return errs.Errorf(errs.CompensationFailed, "", "saga %s %s: %s", tx.SagaID, tx.Status, tx.ErrorMessage)
	}
	return nil
}

func (c *CommandConsumer) renotify(ctx context.Context, sagaID string) {
	if c.notifier == nil {
		return
	}
	tx, err := c.orch.Get(ctx, sagaID)
	if err != nil || !tx.Status.Terminal() {
		return
	}
	if err := c.notifier.Notify(ctx, tx); err != nil {
		slog.WarnContext(ctx, "commands: re-sending status failed", "saga_id", sagaID, "error", err)
	}
}
