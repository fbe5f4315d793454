// Package transport abstracts the message broker between services.
//
// Brokers deliver at least once. Every delivery is settled exactly one way:
// completed, abandoned for redelivery, or dead-lettered. The policy that
// picks between them lives in Decide and is shared by all brokers.
package transport

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"strconv"

	"github.com/jcmexdev/identity-sagas/internal/pkg/errs"
	"github.com/jcmexdev/identity-sagas/internal/pkg/metrics"
)

// Header keys carried on every message.
const (
	HeaderEventID        = "event-id"
	HeaderEventType      = "event-type"
	HeaderCorrelationID  = "correlation-id"
	HeaderProducer       = "producer"
	HeaderVersion        = "version"
	HeaderDeliveryCount  = "delivery-count"
	HeaderDLQReason      = "dlq-reason"
	HeaderDLQDescription = "dlq-description"
)

// MaxDeliveryCount is the delivery attempt at which a failing message is
// dead-lettered instead of abandoned.
const MaxDeliveryCount = 3

// Dead-letter reason codes.
const (
	ReasonMalformedPayload = "MalformedPayload"
	ReasonMaxRetryExceeded = "MaxRetryExceeded"
)

// ErrClosed is returned by brokers after Close.
var ErrClosed = errors.New("transport: broker closed")

// Message is one delivery. DeliveryCount starts at 1.
type Message struct {
	Topic         string
	Key           []byte
	Value         []byte
	Headers       map[string]string
	DeliveryCount int
}

// Header returns a header value or "".
func (m Message) Header(key string) string {
	return m.Headers[key]
}

// Clone copies the headers so a message can be re-published safely.
func (m Message) Clone() Message {
	m.Headers = maps.Clone(m.Headers)
	if m.Headers == nil {
		m.Headers = make(map[string]string)
	}
	return m
}

// DeadLetterTopic names the holding topic for messages from topic.
func DeadLetterTopic(topic string) string {
	return topic + ".dlq"
}

// DeliveryCountOf reads the header written on redelivery, defaulting to 1.
func DeliveryCountOf(headers map[string]string) int {
	n, err := strconv.Atoi(headers[HeaderDeliveryCount])
	if err != nil || n < 1 {
		return 1
	}
	return n
}

// Redelivery returns the copy of m that is re-published by Abandon.
func (m Message) Redelivery() Message {
	next := m.Clone()
	next.DeliveryCount = m.DeliveryCount + 1
	next.Headers[HeaderDeliveryCount] = strconv.Itoa(next.DeliveryCount)
	return next
}

// DeadLettered returns the copy of m that is published to the dead-letter topic.
func (m Message) DeadLettered(reason, description string) Message {
	dl := m.Clone()
	dl.Topic = DeadLetterTopic(m.Topic)
	dl.Headers[HeaderDLQReason] = reason
	dl.Headers[HeaderDLQDescription] = description
	return dl
}

// Handler processes one delivery. A nil error completes it.
type Handler func(ctx context.Context, msg Message) error

// Broker is implemented by Kafka and the in-memory broker.
type Broker interface {
	Publish(ctx context.Context, msg Message) error

	// Subscribe blocks, handing each delivery of topic to h, until ctx is
	// done or the broker is closed.
	Subscribe(ctx context.Context, topic, group string, h Handler) error

	// Healthy is true only if a lightweight round trip to the broker succeeds.
	Healthy(ctx context.Context) bool

	Close() error
}

// Settler finalizes one delivery on the broker it came from.
type Settler interface {
	Complete(ctx context.Context) error
	Abandon(ctx context.Context) error
	DeadLetter(ctx context.Context, reason, description string) error
}

// Action is a settlement outcome.
type Action string

const (
	ActionComplete   Action = "complete"
	ActionAbandon    Action = "abandon"
	ActionDeadLetter Action = "dead_letter"
)

// Decision is what Decide picked for a delivery.
type Decision struct {
	Action      Action
	Reason      string
	Description string
}

// Decide applies the settlement policy to the result of a handler.
func Decide(handlerErr error, deliveryCount int) Decision {
	switch {
	case handlerErr == nil:
		return Decision{Action: ActionComplete}
	case errs.Permanent(handlerErr):
		return Decision{Action: ActionDeadLetter, Reason: ReasonMalformedPayload, Description: handlerErr.Error()}
	case deliveryCount >= MaxDeliveryCount:
		return Decision{Action: ActionDeadLetter, Reason: ReasonMaxRetryExceeded, Description: handlerErr.Error()}
	default:
		return Decision{Action: ActionAbandon, Description: handlerErr.Error()}
	}
}

// Settle runs h on msg and settles the delivery through s. The returned
// error is a settlement failure, never the handler's own error.
func Settle(ctx context.Context, s Settler, msg Message, h Handler) error {
	herr := h(ctx, msg)
	d := Decide(herr, msg.DeliveryCount)

	var err error
	switch d.Action {
	case ActionComplete:
		err = s.Complete(ctx)
	case ActionAbandon:
		slog.WarnContext(ctx, "transport: handler failed, abandoning for redelivery",
			"topic", msg.Topic,
			"event_id", msg.Header(HeaderEventID),
			"delivery_count", msg.DeliveryCount,
			"error", herr,
		)
		err = s.Abandon(ctx)
	case ActionDeadLetter:
		slog.ErrorContext(ctx, "transport: dead-lettering message",
			"topic", msg.Topic,
			"event_id", msg.Header(HeaderEventID),
			"correlation_id", msg.Header(HeaderCorrelationID),
			"delivery_count", msg.DeliveryCount,
			"reason", d.Reason,
			"error", herr,
		)
		metrics.DeadLettered.WithLabelValues(msg.Topic, d.Reason).Inc()
		err = s.DeadLetter(ctx, d.Reason, d.Description)
	}
	metrics.EventsConsumed.WithLabelValues(msg.Topic, string(d.Action)).Inc()
	return err
}
