package transport

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jcmexdev/identity-sagas/internal/event"
	"github.com/jcmexdev/identity-sagas/internal/pkg/metrics"
	"github.com/jcmexdev/identity-sagas/internal/pkg/telemetry"
)

// EnvelopeHandler handles one decoded envelope.
type EnvelopeHandler func(ctx context.Context, env event.Envelope) error

// Decode adapts an EnvelopeHandler to a broker Handler. It restores the
// producer's trace context and opens a consumer span around h. Malformed
// messages fail with a Serialization error, which the settlement policy
// dead-letters on first delivery.
func Decode(codec *event.Codec, h EnvelopeHandler) Handler {
	return func(ctx context.Context, msg Message) error {
		ctx = telemetry.ExtractHeaders(ctx, msg.Headers)
		ctx, span := tracer.Start(ctx, "consume "+msg.Topic,
			trace.WithSpanKind(trace.SpanKindConsumer),
			trace.WithAttributes(
				attribute.String("messaging.destination.name", msg.Topic),
				attribute.String("messaging.message.id", msg.Header(HeaderEventID)),
				attribute.Int("messaging.delivery_count", msg.DeliveryCount),
			),
		)
		defer span.End()

		start := time.Now()
		defer func() {
			metrics.EventHandlingDuration.WithLabelValues(msg.Topic).Observe(float64(time.Since(start).Milliseconds()))
		}()

		env, err := codec.Unmarshal(msg.Value)
		if err == nil {
			span.SetAttributes(attribute.String("saga.correlation_id", env.CorrelationID))
			err = h(ctx, env)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return err
	}
}
