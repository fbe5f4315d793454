package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jcmexdev/identity-sagas/internal/coordinator/sagalog"
	"github.com/jcmexdev/identity-sagas/internal/pkg/errs"
	"github.com/jcmexdev/identity-sagas/internal/pkg/metrics"
)

// Compensate reverses the completed steps of a failed or timed-out saga,
// newest first. Terminal sagas and sagas already being compensated by this
// process are left alone.
func (o *Orchestrator) Compensate(ctx context.Context, sagaID string) error {
	release, ok := o.claim(sagaID)
	if !ok {
		return nil
	}
	defer release()

	tx, err := o.repo.Get(ctx, sagaID)
	if err != nil {
		return err
	}
	if tx.Status.Terminal() {
		return nil
	}
	if !tx.Status.AwaitingCompensation() {
		return errs.Errorf(errs.InvalidState, "coordinator.Compensate", "saga %s is %s", sagaID, tx.Status)
	}
	return o.compensate(ctx, tx)
}

// ForceTimeout moves an overdue saga to TIMEOUT and compensates it. A saga
// found in TIMEOUT or COMPENSATING was interrupted mid-compensation and is
// resumed. Sagas whose deadline has not passed are skipped.
func (o *Orchestrator) ForceTimeout(ctx context.Context, sagaID string) error {
	release, ok := o.claim(sagaID)
	if !ok {
		return nil
	}
	defer release()

	tx, err := o.repo.Get(ctx, sagaID)
	if err != nil {
		return err
	}
	if tx.Status.Terminal() {
		return nil
	}

	switch tx.Status {
	case sagalog.StatusTimeout, sagalog.StatusCompensating:
	default:
		now := o.now().UTC()
		if !tx.TimedOut(now) {
			return nil
		}
		o.reverseInFlight(tx, now)
		tx.ErrorType = errs.Timeout.String()
		tx.ErrorMessage = fmt.Sprintf("deadline %s exceeded while %s", tx.TimeoutAt.Format("2006-01-02T15:04:05Z07:00"), describe(tx))
		if err := o.transition(ctx, tx, sagalog.StatusTimeout, "deadline exceeded"); err != nil {
			return err
		}
		metrics.SagasTimedOut.Inc()
	}
	return o.compensate(ctx, tx)
}

// reverseInFlight records the outstanding remote step as completed when it
// asks to be undone on timeout, so compensation covers whatever the
// participant may already have done.
func (o *Orchestrator) reverseInFlight(tx *sagalog.SagaTransaction, now time.Time) {
	if tx.Status != sagalog.StatusInProgress || tx.CurrentStep == "" {
		return
	}
	step, ok := o.registry.Step(tx.CurrentStep)
	if !ok || step.Mode != ModeRemote || !step.ReverseInFlight || step.Reverse == nil {
		return
	}
	if _, done := tx.Completed(step.Name); done {
		return
	}
	tx.PushCompleted(step.Name, "", now)
}

// compensate runs with the claim held. Each reverse is followed by a
// COMPENSATING write so a crash resumes after the last undone step.
func (o *Orchestrator) compensate(ctx context.Context, tx *sagalog.SagaTransaction) error {
	ctx, span := tracer.Start(ctx, "saga.compensate", trace.WithAttributes(
		attribute.String("saga.id", tx.SagaID),
		attribute.Int("saga.completed_steps", len(tx.CompletedSteps)),
	))
	defer span.End()

	if tx.Status != sagalog.StatusCompensating {
		if err := o.transition(ctx, tx, sagalog.StatusCompensating, "compensation started"); err != nil {
			return err
		}
	}

	for {
		rec, ok := tx.PeekCompleted()
		if !ok {
			break
		}

		step, known := o.registry.Step(rec.Name)
		switch {
		case !known:
			return o.compensationFailed(ctx, span, tx, rec.Name, fmt.Errorf("step %q is not registered", rec.Name))
		case step.Reverse != nil:
			sc := newStepContext(tx.SagaID, tx.EventType, tx.UserID, rec.Name, 1, tx.Context)
			if err := o.reverse(ctx, step, sc, rec.Output); err != nil {
				metrics.ReverseActions.WithLabelValues(rec.Name, "failure").Inc()
				return o.compensationFailed(ctx, span, tx, rec.Name, err)
			}
			metrics.ReverseActions.WithLabelValues(rec.Name, "success").Inc()
		}

		tx.PopCompleted()
		tx.CurrentStep = rec.Name
		if err := o.transition(ctx, tx, sagalog.StatusCompensating, "reversed "+rec.Name); err != nil {
			return err
		}
	}

	tx.CurrentStep = ""
	return o.transition(ctx, tx, sagalog.StatusCompensated, "all completed steps reversed")
}

func (o *Orchestrator) compensationFailed(ctx context.Context, span trace.Span, tx *sagalog.SagaTransaction, step string, cause error) error {
	slog.ErrorContext(ctx, "coordinator: reverse action failed, manual cleanup required",
		"saga_id", tx.SagaID,
		"step", step,
		"error", cause,
	)
	span.RecordError(cause)
	span.SetStatus(codes.Error, "compensation failed")

	tx.CurrentStep = step
	tx.ErrorType = errs.CompensationFailed.String()
	tx.ErrorMessage = fmt.Sprintf("reverse %s: %v", step, cause)
	if err := o.transition(ctx, tx, sagalog.StatusCompensationFailed, "reverse action failed"); err != nil {
		return err
	}
	return errs.E(errs.CompensationFailed, "coordinator.Compensate", fmt.Errorf("saga %s: reverse %s: %w", tx.SagaID, step, cause))
}

func (o *Orchestrator) reverse(ctx context.Context, step Step, sc *StepContext, output string) (err error) {
	ctx, span := tracer.Start(ctx, "saga.reverse "+step.Name, trace.WithAttributes(attribute.String("saga.id", sc.SagaID)))
	defer span.End()
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("reverse %s panicked: %v", step.Name, p)
		}
	}()
	return step.Reverse(ctx, sc, output)
}

func describe(tx *sagalog.SagaTransaction) string {
	if tx.CurrentStep == "" {
		return string(tx.Status)
	}
	return fmt.Sprintf("%s on %s", tx.Status, tx.CurrentStep)
}
