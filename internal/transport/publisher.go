package transport

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jcmexdev/identity-sagas/internal/event"
	"github.com/jcmexdev/identity-sagas/internal/pkg/errs"
	"github.com/jcmexdev/identity-sagas/internal/pkg/metrics"
	"github.com/jcmexdev/identity-sagas/internal/pkg/telemetry"
)

var tracer = otel.Tracer("github.com/jcmexdev/identity-sagas/internal/transport")

// RetryPolicy bounds publish retries of transient failures.
type RetryPolicy struct {
	Attempts       int
	InitialBackoff time.Duration
	Multiplier     float64
}

// DefaultRetry is three attempts waiting 1s then 2s.
var DefaultRetry = RetryPolicy{Attempts: 3, InitialBackoff: time.Second, Multiplier: 2}

// Publisher turns business payloads into envelopes and hands them to a broker.
type Publisher struct {
	broker   Broker
	codec    *event.Codec
	producer string
	retry    RetryPolicy
	sleep    func(ctx context.Context, d time.Duration) error
}

type PublisherOption func(*Publisher)

func WithRetry(p RetryPolicy) PublisherOption {
	return func(pub *Publisher) { pub.retry = p }
}

func NewPublisher(b Broker, codec *event.Codec, producer string, opts ...PublisherOption) *Publisher {
	p := &Publisher{
		broker:   b,
		codec:    codec,
		producer: producer,
		retry:    DefaultRetry,
		sleep:    sleepCtx,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Producer is the name stamped on every envelope.
func (p *Publisher) Producer() string { return p.producer }

// Publish wraps payload in a fresh envelope correlated to correlationID and
// publishes it to topic. The envelope is returned even on failure so callers
// can log its id.
func (p *Publisher) Publish(ctx context.Context, topic, eventType, correlationID string, payload any) (event.Envelope, error) {
	env := event.New(eventType, correlationID, p.producer)
	if err := p.codec.Seal(&env, payload); err != nil {
		return env, err
	}
	return env, p.PublishEnvelope(ctx, topic, env)
}

// PublishEnvelope publishes an already sealed envelope, retrying transient
// broker failures with exponential backoff.
func (p *Publisher) PublishEnvelope(ctx context.Context, topic string, env event.Envelope) error {
	ctx, span := tracer.Start(ctx, "publish "+topic,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", topic),
			attribute.String("messaging.message.id", env.EventID),
			attribute.String("saga.correlation_id", env.CorrelationID),
		),
	)
	defer span.End()

	value, err := p.codec.Marshal(env)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	msg := Message{
		Topic: topic,
		Key:   []byte(env.CorrelationID),
		Value: value,
		Headers: map[string]string{
			HeaderEventID:       env.EventID,
			HeaderEventType:     env.EventType,
			HeaderCorrelationID: env.CorrelationID,
			HeaderProducer:      env.Producer,
			HeaderVersion:       env.Version,
			HeaderDeliveryCount: "1",
		},
		DeliveryCount: 1,
	}
	telemetry.InjectHeaders(ctx, msg.Headers)

	backoff := p.retry.InitialBackoff
	attempts := max(p.retry.Attempts, 1)
	for attempt := 1; ; attempt++ {
		err = p.broker.Publish(ctx, msg)
		if err == nil {
			metrics.EventsPublished.WithLabelValues(topic, "success").Inc()
			return nil
		}
		metrics.EventsPublished.WithLabelValues(topic, "failure").Inc()
		if errs.Permanent(err) || attempt >= attempts {
			break
		}

		slog.WarnContext(ctx, "transport: publish failed, retrying",
			"topic", topic,
			"event_id", env.EventID,
			"attempt", attempt,
			"backoff", backoff,
			"error", err,
		)
		if serr := p.sleep(ctx, backoff); serr != nil {
			err = serr
			break
		}
		backoff = time.Duration(float64(backoff) * p.retry.Multiplier)
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if errs.KindOf(err) == errs.Unknown {
		err = errs.E(errs.Transient, "transport.Publish", fmt.Errorf("publish %s to %s: %w", env.EventID, topic, err))
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
