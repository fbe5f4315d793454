// Package event defines the wire envelope exchanged between services and the
// codec that turns it into bytes.
//
// The envelope itself is always plain JSON. Only the Payload field may be
// encrypted, so brokers and dead-letter tooling can still route and inspect a
// message without the payload key.
package event

import (
	"time"

	"github.com/google/uuid"

	"github.com/jcmexdev/identity-sagas/internal/pkg/errs"
)

// CurrentVersion is stamped on every envelope produced by this module.
const CurrentVersion = "1.0"

// Envelope is the canonical event representation. It is never persisted.
type Envelope struct {
	EventID   string `json:"eventId"`
	EventType string `json:"eventType"`

	// CorrelationID is the saga id. Every event belonging to a saga carries it.
	CorrelationID string `json:"correlationId"`

	Producer string `json:"producer"`
	Version  string `json:"version"`

	// Payload is the canonical JSON text of the business payload, or its
	// ciphertext when field encryption is enabled. See IsEncrypted.
	Payload string `json:"payload"`

	Timestamp time.Time `json:"timestamp"`
}

// New returns an envelope with a fresh event id and the current timestamp.
// The payload is attached later by Codec.Seal.
func New(eventType, correlationID, producer string) Envelope {
	return Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		CorrelationID: correlationID,
		Producer:      producer,
		Version:       CurrentVersion,
		Timestamp:     time.Now().UTC(),
	}
}

// Validate checks the fields every consumer relies on.
func (e Envelope) Validate() error {
	switch {
	case e.EventID == "":
		return errs.Errorf(errs.Serialization, "event.Validate", "eventId is required")
	case e.EventType == "":
		return errs.Errorf(errs.Serialization, "event.Validate", "eventType is required for event %s", e.EventID)
	case e.CorrelationID == "":
		return errs.Errorf(errs.Serialization, "event.Validate", "correlationId is required for event %s", e.EventID)
	}
	return nil
}
