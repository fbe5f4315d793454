// Package ledger records which events a consumer has already handled so that
// at-least-once delivery never reapplies a side effect.
//
// The guard in Consumer.Process is check-then-act: Lookup and Record are
// separate calls. Two concurrent deliveries of one event can both pass the
// check, so business mutations must also be idempotent by natural key.
package ledger

import (
	"context"
	"time"

	"github.com/jcmexdev/identity-sagas/internal/event"
	"github.com/jcmexdev/identity-sagas/internal/pkg/errs"
)

// ProcessedEvent is the idempotency record of one handled event. It is
// written once and never updated.
type ProcessedEvent struct {
	EventID          string    `json:"eventId"`
	EventType        string    `json:"eventType"`
	SagaID           string    `json:"sagaId"`
	UserID           string    `json:"userId,omitempty"`
	IsSuccess        bool      `json:"isSuccess"`
	ErrorMessage     string    `json:"errorMessage,omitempty"`
	ProcessingNode   string    `json:"processingNode"`
	ProcessingTimeMs int64     `json:"processingTimeMs"`
	ProcessedAt      time.Time `json:"processedAt"`

	// Output is the handler result replayed to duplicate deliveries.
	Output string `json:"output,omitempty"`
}

// Ledger is the store behind the guard.
type Ledger interface {
	// Lookup returns the record for eventID or a NotFound error.
	Lookup(ctx context.Context, eventID string) (*ProcessedEvent, error)

	// Record stores e. A second record for the same EventID returns a
	// Duplicate error and leaves the first one untouched.
	Record(ctx context.Context, e *ProcessedEvent) error
}

// Result is what a guarded handler reports back.
type Result struct {
	UserID string
	Output string
}

// HandlerFunc performs the business side effect of one event.
type HandlerFunc func(ctx context.Context) (Result, error)

// Outcome describes how Process resolved a delivery.
type Outcome struct {
	Event *ProcessedEvent

	// Duplicate is set when the event had already been processed and the
	// handler was not invoked.
	Duplicate bool
}

// Consumer wraps handlers with the ledger check.
type Consumer struct {
	ledger Ledger
	node   string
	now    func() time.Time
}

// NewConsumer returns a guard that stamps records with node as ProcessingNode.
func NewConsumer(l Ledger, node string) *Consumer {
	return &Consumer{ledger: l, node: node, now: time.Now}
}

// AlreadyProcessed reports whether eventID has a record.
func (c *Consumer) AlreadyProcessed(ctx context.Context, eventID string) (bool, error) {
	_, err := c.ledger.Lookup(ctx, eventID)
	switch {
	case err == nil:
		return true, nil
	case errs.Is(err, errs.NotFound):
		return false, nil
	default:
		return false, err
	}
}

// Process runs fn at most once per env.EventID, as far as the ledger can tell.
//
// A nil error from fn and a business failure (see Recordable) are both
// recorded and returned as a nil error with the outcome. Any other error is
// returned unrecorded so the transport can redeliver or dead-letter.
func (c *Consumer) Process(ctx context.Context, env event.Envelope, fn HandlerFunc) (Outcome, error) {
	prev, err := c.ledger.Lookup(ctx, env.EventID)
	if err == nil {
		return Outcome{Event: prev, Duplicate: true}, nil
	}
	if !errs.Is(err, errs.NotFound) {
		return Outcome{}, errs.E(errs.Transient, "ledger.Process", err)
	}

	start := c.now()
	res, runErr := fn(ctx)
	if runErr != nil && !Recordable(runErr) {
		return Outcome{}, runErr
	}

	rec := &ProcessedEvent{
		EventID:          env.EventID,
		EventType:        env.EventType,
		SagaID:           env.CorrelationID,
		UserID:           res.UserID,
		IsSuccess:        runErr == nil,
		ProcessingNode:   c.node,
		ProcessingTimeMs: c.now().Sub(start).Milliseconds(),
		ProcessedAt:      c.now().UTC(),
		Output:           res.Output,
	}
	if runErr != nil {
		rec.ErrorMessage = runErr.Error()
	}

	if err := c.ledger.Record(ctx, rec); err != nil {
		if errs.Is(err, errs.Duplicate) {
			// Lost the race against a concurrent delivery; report its outcome.
			if first, lerr := c.ledger.Lookup(ctx, env.EventID); lerr == nil {
				return Outcome{Event: first, Duplicate: true}, nil
			}
		}
		return Outcome{}, errs.E(errs.Transient, "ledger.Process", err)
	}
	return Outcome{Event: rec}, nil
}

// Recordable reports whether a handler error is a final business outcome
// rather than something redelivery could fix.
func Recordable(err error) bool {
	switch errs.KindOf(err) {
	case errs.StepFailed, errs.CompensationFailed, errs.InvalidState, errs.Timeout, errs.Duplicate, errs.NotFound:
		return true
	}
	return false
}
