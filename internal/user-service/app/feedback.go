package app

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/jcmexdev/identity-sagas/internal/coordinator/sagalog"
	"github.com/jcmexdev/identity-sagas/internal/event"
	"github.com/jcmexdev/identity-sagas/internal/transport"
)

// StatusReporter tells the auth service how a participant saga ended.
// Compensation commands carry no origin step and are not reported.
type StatusReporter struct {
	pub   *transport.Publisher
	topic string
	now   func() time.Time
}

func NewStatusReporter(pub *transport.Publisher, topic string) *StatusReporter {
	if topic == "" {
		topic = event.TopicUserStatus
	}
	return &StatusReporter{pub: pub, topic: topic, now: time.Now}
}

func (r *StatusReporter) Notify(ctx context.Context, tx *sagalog.SagaTransaction) error {
	origin := tx.ContextValue(KeyOriginSagaID)
	step := tx.ContextValue(KeyOriginStep)
	if origin == "" || step == "" {
		slog.DebugContext(ctx, "feedback: nothing waits on saga", "saga_id", tx.SagaID, "status", tx.Status)
		return nil
	}
	attempt, _ := strconv.Atoi(tx.ContextValue(KeyOriginAttempt))

	st := event.UserManagementStatus{
		SagaID:           tx.SagaID,
		OriginSagaID:     origin,
		Step:             step,
		Attempt:          attempt,
		Status:           string(tx.Status),
		ErrorType:        tx.ErrorType,
		ErrorMessage:     tx.ErrorMessage,
		ProcessingTimeMs: tx.ProcessingTime(r.now()).Milliseconds(),
	}
	if rec, ok := tx.PeekCompleted(); ok && tx.Status == sagalog.StatusCompleted {
		st.Output = rec.Output
	}

	env, err := r.pub.Publish(ctx, r.topic, event.TypeUserManagementStatus, origin, st)
	if err != nil {
		return err
	}
	slog.InfoContext(ctx, "feedback: reported saga outcome",
		"saga_id", tx.SagaID,
		"origin_saga_id", origin,
		"status", tx.Status,
		"event_id", env.EventID,
	)
	return nil
}
