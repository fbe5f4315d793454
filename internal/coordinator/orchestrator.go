// Package coordinator drives sagas through their state machine.
//
// The Orchestrator owns the forward path: it creates the saga record,
// dispatches steps in definition order, retries failed steps and hands
// exhausted ones to compensation. Local steps run inline; remote steps
// publish a command and park the saga until HandleStepResult is called with
// the participant's answer.
//
// Every status change is one compare-and-swap on the saga record followed by
// one row in the saga log. The record and any event the change emits are not
// written atomically, so both sides are made replayable: consumers sit behind
// the idempotency ledger and stale step results are discarded here.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jcmexdev/identity-sagas/internal/coordinator/sagalog"
	"github.com/jcmexdev/identity-sagas/internal/pkg/errs"
	"github.com/jcmexdev/identity-sagas/internal/pkg/metrics"
)

var tracer = otel.Tracer("github.com/jcmexdev/identity-sagas/internal/coordinator")

// Notifier is told about every saga that reaches a terminal status. It is
// how outcomes are fed back to whoever started the saga.
type Notifier interface {
	Notify(ctx context.Context, tx *sagalog.SagaTransaction) error
}

// Orchestrator is safe for concurrent use.
type Orchestrator struct {
	repo     sagalog.Repository
	registry *Registry
	notifier Notifier

	// claims marks sagas whose compensation is running in this process.
	claims *xsync.MapOf[string, struct{}]

	now   func() time.Time
	newID func() string
}

type Option func(*Orchestrator)

func WithNotifier(n Notifier) Option {
	return func(o *Orchestrator) { o.notifier = n }
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

func New(repo sagalog.Repository, registry *Registry, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		repo:     repo,
		registry: registry,
		claims:   xsync.NewMapOf[string, struct{}](),
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// StartOption customizes the record created by StartSaga.
type StartOption func(*sagalog.SagaTransaction)

// WithSagaID fixes the saga id instead of generating one.
func WithSagaID(id string) StartOption {
	return func(tx *sagalog.SagaTransaction) { tx.SagaID = id }
}

// WithOriginalEvent records the id of the event that caused the saga.
func WithOriginalEvent(eventID string) StartOption {
	return func(tx *sagalog.SagaTransaction) { tx.OriginalEventID = eventID }
}

// StartSaga creates a saga of the given type and dispatches its first step.
// Local steps run before StartSaga returns; the saga id is returned whenever
// the record was created, together with any error hit while advancing it.
func (o *Orchestrator) StartSaga(ctx context.Context, sagaType, userID string, values map[string]string, opts ...StartOption) (string, error) {
	def, ok := o.registry.Definition(sagaType)
	if !ok {
		return "", errs.Errorf(errs.InvalidState, "coordinator.StartSaga", "unknown saga type %q", sagaType)
	}

	now := o.now().UTC()
	tx := &sagalog.SagaTransaction{
		SagaID:        o.newID(),
		EventType:     sagaType,
		UserID:        userID,
		Status:        sagalog.StatusStarted,
		Context:       maps.Clone(values),
		MaxRetryCount: def.MaxRetries,
		TimeoutAt:     now.Add(def.Timeout),
		CreatedAt:     now,
	}
	for _, opt := range opts {
		opt(tx)
	}

	ctx, span := tracer.Start(ctx, "saga.start "+sagaType, trace.WithAttributes(
		attribute.String("saga.id", tx.SagaID),
		attribute.String("saga.type", sagaType),
	))
	defer span.End()
	tx.TraceID = sagalog.ExtractTraceInfo(ctx).TraceID

	if err := o.repo.Create(ctx, tx); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	metrics.SagasStarted.WithLabelValues(sagaType).Inc()
	o.record(ctx, tx, "", "saga created")

	if err := o.run(ctx, tx, def, ""); err != nil {
		span.RecordError(err)
		return tx.SagaID, err
	}
	return tx.SagaID, nil
}

// Get returns the current record of a saga.
func (o *Orchestrator) Get(ctx context.Context, sagaID string) (*sagalog.SagaTransaction, error) {
	return o.repo.Get(ctx, sagaID)
}

// History returns the saga log of a saga.
func (o *Orchestrator) History(ctx context.Context, sagaID string) ([]sagalog.Transition, error) {
	return o.repo.Transitions(ctx, sagaID)
}

// StepResult is a participant's answer to a remote step.
type StepResult struct {
	SagaID string
	Step   string

	// Attempt echoes the attempt number of the command; zero skips the check.
	Attempt int

	Success      bool
	Output       string
	ErrorType    string
	ErrorMessage string
}

// HandleStepResult applies the outcome of a remote step. Results that do not
// match what the saga is waiting for (wrong step, wrong attempt, saga no
// longer in progress) are stale deliveries and are dropped without error.
func (o *Orchestrator) HandleStepResult(ctx context.Context, r StepResult) error {
	tx, err := o.repo.Get(ctx, r.SagaID)
	if err != nil {
		return err
	}
	def, ok := o.registry.Definition(tx.EventType)
	if !ok {
		return errs.Errorf(errs.InvalidState, "coordinator.HandleStepResult", "saga %s has unknown type %q", tx.SagaID, tx.EventType)
	}

	if reason := o.staleReason(tx, r); reason != "" {
		metrics.StaleEvents.WithLabelValues(tx.EventType).Inc()
		slog.WarnContext(ctx, "coordinator: discarding stale step result",
			"saga_id", tx.SagaID,
			"step", r.Step,
			"attempt", r.Attempt,
			"status", tx.Status,
			"current_step", tx.CurrentStep,
			"reason", reason,
		)
		return nil
	}

	ctx, span := tracer.Start(ctx, "saga.step_result "+r.Step, trace.WithAttributes(
		attribute.String("saga.id", tx.SagaID),
		attribute.Bool("saga.step.success", r.Success),
	))
	defer span.End()

	if r.Success {
		if err := o.completeStep(ctx, tx, r.Step, r.Output, nil); err != nil {
			return err
		}
		return o.run(ctx, tx, def, "")
	}

	kind := kindFromString(r.ErrorType)
	cause := errs.Errorf(kind, "remote "+r.Step, "%s", r.ErrorMessage)
	retry, err := o.failStep(ctx, tx, r.Step, cause)
	if err != nil || !retry {
		return err
	}
	return o.run(ctx, tx, def, r.Step)
}

func (o *Orchestrator) staleReason(tx *sagalog.SagaTransaction, r StepResult) string {
	step, known := o.registry.Step(r.Step)
	switch {
	case tx.Status.Terminal():
		return "saga already terminal"
	case tx.Status != sagalog.StatusInProgress:
		return "saga not waiting on a step"
	case tx.CurrentStep != r.Step:
		return "result for a step other than the current one"
	case !known || step.Mode != ModeRemote:
		return "step does not report asynchronously"
	case r.Attempt > 0 && r.Attempt != tx.RetryCount+1:
		return "result for an earlier attempt"
	}
	return ""
}

// run dispatches `next`, or the step after the last completed one when next
// is empty, and keeps going while local steps complete. It stops when the
// saga completes, waits on a remote step or leaves the forward path.
func (o *Orchestrator) run(ctx context.Context, tx *sagalog.SagaTransaction, def Definition, next string) error {
	for {
		if next == "" {
			last := ""
			if rec, ok := tx.PeekCompleted(); ok {
				last = rec.Name
			}
			var more bool
			if next, more = def.After(last); !more {
				tx.CurrentStep = ""
				return o.transition(ctx, tx, sagalog.StatusCompleted, "all steps completed")
			}
			tx.RetryCount = 0
		}

		waiting, err := o.dispatch(ctx, tx, next)
		if err != nil || waiting || tx.Status != sagalog.StatusStepCompleted {
			return err
		}
		next = ""
	}
}

// dispatch executes one step, retrying it inline while attempts remain.
// waiting is true when a remote step was dispatched successfully.
func (o *Orchestrator) dispatch(ctx context.Context, tx *sagalog.SagaTransaction, name string) (waiting bool, err error) {
	step, ok := o.registry.Step(name)
	if !ok {
		tx.ErrorType = errs.InvalidState.String()
		tx.ErrorMessage = fmt.Sprintf("step %q is not registered", name)
		return false, o.transition(ctx, tx, sagalog.StatusFailed, "unknown step")
	}

	for {
		reason := "dispatch " + name
		if tx.RetryCount > 0 {
			reason = fmt.Sprintf("retry %s, attempt %d", name, tx.RetryCount+1)
		}
		tx.CurrentStep = name
		tx.MarkProcessingStart(o.now().UTC())
		if err := o.transition(ctx, tx, sagalog.StatusInProgress, reason); err != nil {
			return false, err
		}

		sc := newStepContext(tx.SagaID, tx.EventType, tx.UserID, name, tx.RetryCount+1, tx.Context)
		output, execErr := o.execute(ctx, step, sc)
		if execErr == nil {
			if step.Mode == ModeRemote {
				slog.InfoContext(ctx, "coordinator: waiting on remote step", "saga_id", tx.SagaID, "step", name, "attempt", sc.Attempt)
				return true, nil
			}
			return false, o.completeStep(ctx, tx, name, output, sc.updates)
		}

		retry, err := o.failStep(ctx, tx, name, execErr)
		if err != nil || !retry {
			return false, err
		}
	}
}

func (o *Orchestrator) execute(ctx context.Context, step Step, sc *StepContext) (output string, err error) {
	ctx, span := tracer.Start(ctx, "saga.step "+step.Name, trace.WithAttributes(
		attribute.String("saga.id", sc.SagaID),
		attribute.String("saga.step.mode", step.Mode.String()),
		attribute.Int("saga.step.attempt", sc.Attempt),
	))
	defer span.End()
	defer func() {
		if p := recover(); p != nil {
			err = errs.Errorf(errs.StepFailed, "coordinator.execute", "step %s panicked: %v", step.Name, p)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()
	return step.Execute(ctx, sc)
}

func (o *Orchestrator) completeStep(ctx context.Context, tx *sagalog.SagaTransaction, name, output string, updates map[string]string) error {
	for k, v := range updates {
		tx.SetContext(k, v)
	}
	tx.PushCompleted(name, output, o.now().UTC())
	tx.ErrorType, tx.ErrorMessage = "", ""
	return o.transition(ctx, tx, sagalog.StatusStepCompleted, "step "+name+" completed")
}

// failStep counts a failed attempt. The step is retried while
// RetryCount < MaxRetryCount after counting, so MaxRetryCount is the total
// number of attempts. Once they are used up the saga moves to STEP_FAILED
// and into compensation.
func (o *Orchestrator) failStep(ctx context.Context, tx *sagalog.SagaTransaction, name string, cause error) (retry bool, err error) {
	kind := errs.KindOf(cause)
	if kind == errs.Unknown {
		kind = errs.StepFailed
	}
	tx.RetryCount++
	tx.ErrorType = kind.String()
	tx.ErrorMessage = cause.Error()

	if tx.RetryCount < tx.MaxRetryCount {
		metrics.StepRetries.WithLabelValues(name).Inc()
		slog.WarnContext(ctx, "coordinator: step failed, retrying",
			"saga_id", tx.SagaID,
			"step", name,
			"retry_count", tx.RetryCount,
			"max_retry_count", tx.MaxRetryCount,
			"error", cause,
		)
		return true, nil
	}

	slog.ErrorContext(ctx, "coordinator: step failed, retries exhausted",
		"saga_id", tx.SagaID,
		"step", name,
		"retry_count", tx.RetryCount,
		"error", cause,
	)
	if err := o.transition(ctx, tx, sagalog.StatusStepFailed, "retries exhausted"); err != nil {
		return false, err
	}

	release, ok := o.claim(tx.SagaID)
	if !ok {
		slog.WarnContext(ctx, "coordinator: compensation already claimed, leaving saga STEP_FAILED",
			"saga_id", tx.SagaID,
			"step", name,
			"timeout_at", tx.TimeoutAt,
		)
		return false, nil
	}
	defer release()
	return false, o.compensate(ctx, tx)
}

// transition moves tx to `to`, persists it and appends the saga log row.
func (o *Orchestrator) transition(ctx context.Context, tx *sagalog.SagaTransaction, to sagalog.Status, reason string) error {
	from := tx.Status
	if !sagalog.CanTransition(from, to) {
		return errs.Errorf(errs.InvalidState, "coordinator.transition", "saga %s cannot move from %s to %s", tx.SagaID, from, to)
	}

	tx.Status = to
	if to.Terminal() {
		tx.ProcessingEndTime = o.now().UTC()
	}
	if err := o.repo.Update(ctx, tx); err != nil {
		tx.Status = from
		return fmt.Errorf("coordinator: persist %s -> %s for saga %s: %w", from, to, tx.SagaID, err)
	}
	o.record(ctx, tx, from, reason)

	if to.Terminal() {
		o.finish(ctx, tx)
	}
	return nil
}

func (o *Orchestrator) record(ctx context.Context, tx *sagalog.SagaTransaction, from sagalog.Status, reason string) {
	tr := sagalog.NewTransition(ctx, tx, from, reason, o.now())
	if err := o.repo.AppendTransition(ctx, tr); err != nil {
		slog.WarnContext(ctx, "coordinator: saga log write failed", "saga_id", tx.SagaID, "error", err)
	}
	slog.InfoContext(ctx, "coordinator: saga transition",
		"saga_id", tx.SagaID,
		"saga_type", tx.EventType,
		"from", from,
		"to", tx.Status,
		"step", tx.CurrentStep,
		"retry_count", tx.RetryCount,
		"reason", reason,
	)
}

func (o *Orchestrator) finish(ctx context.Context, tx *sagalog.SagaTransaction) {
	metrics.SagasFinished.WithLabelValues(tx.EventType, string(tx.Status)).Inc()
	if o.notifier == nil {
		return
	}
	// The record is already terminal; a lost notification is recovered by the
	// origin's own timeout.
	if err := o.notifier.Notify(ctx, tx.Clone()); err != nil {
		slog.ErrorContext(ctx, "coordinator: status feedback not delivered",
			"saga_id", tx.SagaID,
			"status", tx.Status,
			"error", err,
		)
	}
}

func (o *Orchestrator) claim(sagaID string) (release func(), ok bool) {
	if _, loaded := o.claims.LoadOrStore(sagaID, struct{}{}); loaded {
		return nil, false
	}
	return func() { o.claims.Delete(sagaID) }, true
}

func kindFromString(s string) errs.Kind {
	for k := errs.Transient; k <= errs.Unavailable; k++ {
		if k.String() == s {
			return k
		}
	}
	return errs.StepFailed
}
