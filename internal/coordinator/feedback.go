package coordinator

import (
	"context"
	"errors"
	"time"

	"github.com/jcmexdev/identity-sagas/internal/coordinator/sagalog"
	"github.com/jcmexdev/identity-sagas/internal/event"
	"github.com/jcmexdev/identity-sagas/internal/transport"
)

// StatusPublisher announces terminal sagas as SAGA_STATUS events.
type StatusPublisher struct {
	pub   *transport.Publisher
	topic string
	now   func() time.Time
}

func NewStatusPublisher(pub *transport.Publisher, topic string) *StatusPublisher {
	return &StatusPublisher{pub: pub, topic: topic, now: time.Now}
}

func (p *StatusPublisher) Notify(ctx context.Context, tx *sagalog.SagaTransaction) error {
	_, err := p.pub.Publish(ctx, p.topic, event.TypeSagaStatus, tx.SagaID, StatusEvent(tx, p.now()))
	return err
}

// StatusEvent summarizes a saga for its status event.
func StatusEvent(tx *sagalog.SagaTransaction, now time.Time) event.SagaStatus {
	return event.SagaStatus{
		SagaID:           tx.SagaID,
		SagaType:         tx.EventType,
		UserID:           tx.UserID,
		Status:           string(tx.Status),
		Outcome:          tx.Status.Outcome(),
		ErrorType:        tx.ErrorType,
		ErrorMessage:     tx.ErrorMessage,
		CompletedSteps:   stepNames(tx.CompletedSteps),
		CompensatedSteps: stepNames(tx.CompensatedSteps),
		ProcessingTimeMs: tx.ProcessingTime(now).Milliseconds(),
	}
}

func stepNames(recs []sagalog.StepRecord) []string {
	if len(recs) == 0 {
		return nil
	}
	names := make([]string, len(recs))
	for i, r := range recs {
		names[i] = r.Name
	}
	return names
}

// Notifiers fans a notification out to every member.
type Notifiers []Notifier

func (ns Notifiers) Notify(ctx context.Context, tx *sagalog.SagaTransaction) error {
	var errList []error
	for _, n := range ns {
		if err := n.Notify(ctx, tx); err != nil {
			errList = append(errList, err)
		}
	}
	return errors.Join(errList...)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, tx *sagalog.SagaTransaction) error

func (f NotifierFunc) Notify(ctx context.Context, tx *sagalog.SagaTransaction) error {
	return f(ctx, tx)
}
