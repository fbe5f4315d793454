package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcmexdev/identity-sagas/internal/event"
	"github.com/jcmexdev/identity-sagas/internal/pkg/errs"
)

func TestDecide(t *testing.T) {
	transient := errs.E(errs.Transient, "op", errors.New("db down"))

	cases := []struct {
		name   string
		err    error
		count  int
		action Action
		reason string
	}{
		{"success", nil, 1, ActionComplete, ""},
		{"success on last attempt", nil, 3, ActionComplete, ""},
		{"first failure", transient, 1, ActionAbandon, ""},
		{"second failure", transient, 2, ActionAbandon, ""},
		{"third failure", transient, 3, ActionDeadLetter, ReasonMaxRetryExceeded},
		{"malformed", errs.E(errs.Serialization, "op", nil), 1, ActionDeadLetter, ReasonMalformedPayload},
		{"undecryptable", errs.E(errs.Decryption, "op", nil), 1, ActionDeadLetter, ReasonMalformedPayload},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := Decide(tc.err, tc.count)
			assert.Equal(t, tc.action, d.Action)
			assert.Equal(t, tc.reason, d.Reason)
		})
	}
}

type recordingSettler struct {
	calls  []string
	reason string
}

func (s *recordingSettler) Complete(context.Context) error {
	s.calls = append(s.calls, "complete")
	return nil
}

func (s *recordingSettler) Abandon(context.Context) error {
	s.calls = append(s.calls, "abandon")
	return nil
}

func (s *recordingSettler) DeadLetter(_ context.Context, reason, _ string) error {
	s.calls = append(s.calls, "dead_letter")
	s.reason = reason
	return nil
}

func TestSettleSettlesExactlyOnce(t *testing.T) {
	s := &recordingSettler{}
	msg := Message{Topic: "user-events", DeliveryCount: 3}
	err := Settle(context.Background(), s, msg, func(context.Context, Message) error {
		return errors.New("still failing")
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"dead_letter"}, s.calls)
	assert.Equal(t, ReasonMaxRetryExceeded, s.reason)
}

func TestMessageRedeliveryAndDeadLetter(t *testing.T) {
	msg := Message{Topic: "user-events", Headers: map[string]string{HeaderEventID: "e-1"}, DeliveryCount: 1}

	next := msg.Redelivery()
	assert.Equal(t, 2, next.DeliveryCount)
	assert.Equal(t, "2", next.Header(HeaderDeliveryCount))
	assert.Empty(t, msg.Header(HeaderDeliveryCount), "original headers must not change")

	dl := next.DeadLettered(ReasonMaxRetryExceeded, "boom")
	assert.Equal(t, "user-events.dlq", dl.Topic)
	assert.Equal(t, ReasonMaxRetryExceeded, dl.Header(HeaderDLQReason))
	assert.Equal(t, "boom", dl.Header(HeaderDLQDescription))
	assert.Equal(t, "e-1", dl.Header(HeaderEventID))

	assert.Equal(t, 1, DeliveryCountOf(nil))
	assert.Equal(t, 1, DeliveryCountOf(map[string]string{HeaderDeliveryCount: "x"}))
	assert.Equal(t, 4, DeliveryCountOf(map[string]string{HeaderDeliveryCount: "4"}))
}

// flakyBroker fails the first n publishes.
type flakyBroker struct {
	mu        sync.Mutex
	failures  int
	err       error
	published []Message
}

func (b *flakyBroker) Publish(_ context.Context, msg Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failures > 0 {
		b.failures--
		return b.err
	}
	b.published = append(b.published, msg)
	return nil
}

func (b *flakyBroker) Subscribe(ctx context.Context, _, _ string, _ Handler) error {
	<-ctx.Done()
	return ctx.Err()
}

func (b *flakyBroker) Healthy(context.Context) bool { return true }
func (b *flakyBroker) Close() error                 { return nil }

func newTestPublisher(b Broker) (*Publisher, *[]time.Duration) {
	var waits []time.Duration
	p := NewPublisher(b, event.NewCodec(nil), "auth-service")
	p.sleep = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}
	return p, &waits
}

func TestPublishRetriesWithBackoff(t *testing.T) {
	b := &flakyBroker{failures: 2, err: errors.New("leader not available")}
	p, waits := newTestPublisher(b)

	env, err := p.Publish(context.Background(), "user-events", "USER_REGISTERED", "saga-1", map[string]string{"userId": "u-1"})
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, *waits)

	require.Len(t, b.published, 1)
	msg := b.published[0]
	assert.Equal(t, env.EventID, msg.Header(HeaderEventID))
	assert.Equal(t, "saga-1", msg.Header(HeaderCorrelationID))
	assert.Equal(t, "USER_REGISTERED", msg.Header(HeaderEventType))
	assert.Equal(t, "1", msg.Header(HeaderDeliveryCount))
	assert.Equal(t, []byte("saga-1"), msg.Key)
}

func TestPublishGivesUpAfterThreeAttempts(t *testing.T) {
	b := &flakyBroker{failures: 5, err: errors.New("leader not available")}
	p, waits := newTestPublisher(b)

	_, err := p.Publish(context.Background(), "user-events", "USER_REGISTERED", "saga-1", struct{}{})
	require.Error(t, err)
	assert.Equal(t, errs.Transient, errs.KindOf(err))
	assert.Len(t, *waits, 2)
	assert.Equal(t, 2, b.failures)
}

func TestPublishDoesNotRetryPermanentErrors(t *testing.T) {
	b := &flakyBroker{failures: 1, err: errs.E(errs.Serialization, "broker", errors.New("message too large"))}
	p, waits := newTestPublisher(b)

	_, err := p.Publish(context.Background(), "user-events", "USER_REGISTERED", "saga-1", struct{}{})
	assert.Equal(t, errs.Serialization, errs.KindOf(err))
	assert.Empty(t, *waits)
}

func TestPublishRejectsEnvelopeWithoutCorrelation(t *testing.T) {
	b := &flakyBroker{}
	p, _ := newTestPublisher(b)

	_, err := p.Publish(context.Background(), "user-events", "USER_REGISTERED", "", struct{}{})
	assert.Equal(t, errs.Serialization, errs.KindOf(err))
	assert.Empty(t, b.published)
}

func TestDecodeMalformedIsSerialization(t *testing.T) {
	called := false
	h := Decode(event.NewCodec(nil), func(context.Context, event.Envelope) error {
		called = true
		return nil
	})

	err := h(context.Background(), Message{Topic: "user-events", Value: []byte("{oops")})
	assert.Equal(t, errs.Serialization, errs.KindOf(err))
	assert.False(t, called)
	assert.Equal(t, ActionDeadLetter, Decide(err, 1).Action)
}

func TestDecodePassesEnvelope(t *testing.T) {
	codec := event.NewCodec(nil)
	env := event.New("USER_DELETED", "saga-7", "auth-service")
	require.NoError(t, codec.Seal(&env, map[string]string{"userId": "u-7"}))
	raw, err := codec.Marshal(env)
	require.NoError(t, err)

	var got event.Envelope
	h := Decode(codec, func(_ context.Context, e event.Envelope) error {
		got = e
		return nil
	})
	require.NoError(t, h(context.Background(), Message{Topic: "user-events", Value: raw}))
	assert.Equal(t, env.EventID, got.EventID)
	assert.Equal(t, "saga-7", got.CorrelationID)
}
