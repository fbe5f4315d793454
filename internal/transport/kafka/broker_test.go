package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcmexdev/identity-sagas/internal/pkg/errs"
	"github.com/jcmexdev/identity-sagas/internal/transport"
)

type fakeWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

// fakeReader serves a fixed list of messages, then blocks until ctx is done.
type fakeReader struct {
	mu        sync.Mutex
	pending   []kafka.Message
	committed []kafka.Message
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.pending) > 0 {
		m := r.pending[0]
		r.pending = r.pending[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *fakeReader) Close() error { return nil }

func newTestBroker(w *fakeWriter, r *fakeReader) *Broker {
	return &Broker{
		cfg:       Config{Brokers: []string{"localhost:9092"}, MaxFetchErrors: 1},
		writer:    w,
		newReader: func(string, string) messageReader { return r },
		dial:      func(context.Context) error { return nil },
		sleep:     sleepCtx,
	}
}

// runUntilDrained subscribes until every pending message has been settled.
func runUntilDrained(t *testing.T, b *Broker, r *fakeReader, want int, h transport.Handler) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- b.Subscribe(ctx, "user-events", "user-service", h) }()

	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return len(r.committed) >= want
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-done
}

func header(m kafka.Message, key string) string {
	for _, h := range m.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func TestCompleteCommits(t *testing.T) {
	w, r := &fakeWriter{}, &fakeReader{pending: []kafka.Message{{Topic: "user-events", Offset: 7, Value: []byte("x")}}}
	runUntilDrained(t, newTestBroker(w, r), r, 1, func(context.Context, transport.Message) error { return nil })

	require.Len(t, r.committed, 1)
	assert.Equal(t, int64(7), r.committed[0].Offset)
	assert.Empty(t, w.msgs)
}

func TestAbandonRepublishesWithIncrementedCount(t *testing.T) {
	w := &fakeWriter{}
	r := &fakeReader{pending: []kafka.Message{{
		Topic:   "user-events",
		Value:   []byte("x"),
		Headers: []kafka.Header{{Key: transport.HeaderDeliveryCount, Value: []byte("1")}},
	}}}

	var seen int
	runUntilDrained(t, newTestBroker(w, r), r, 1, func(_ context.Context, msg transport.Message) error {
		seen = msg.DeliveryCount
		return errors.New("db down")
	})

	assert.Equal(t, 1, seen)
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "user-events", w.msgs[0].Topic)
	assert.Equal(t, "2", header(w.msgs[0], transport.HeaderDeliveryCount))
}

func TestThirdFailureDeadLetters(t *testing.T) {
	w := &fakeWriter{}
	r := &fakeReader{pending: []kafka.Message{{
		Topic:   "user-events",
		Value:   []byte("x"),
		Headers: []kafka.Header{{Key: transport.HeaderDeliveryCount, Value: []byte("3")}},
	}}}

	runUntilDrained(t, newTestBroker(w, r), r, 1, func(context.Context, transport.Message) error {
		return errors.New("db down")
	})

	require.Len(t, w.msgs, 1)
	assert.Equal(t, "user-events.dlq", w.msgs[0].Topic)
	assert.Equal(t, transport.ReasonMaxRetryExceeded, header(w.msgs[0], transport.HeaderDLQReason))
}

func TestMalformedDeadLettersOnFirstDelivery(t *testing.T) {
	w := &fakeWriter{}
	r := &fakeReader{pending: []kafka.Message{{Topic: "user-events", Value: []byte("x")}}}

	runUntilDrained(t, newTestBroker(w, r), r, 1, func(context.Context, transport.Message) error {
		return errs.E(errs.Serialization, "codec.Unmarshal", nil)
	})

	require.Len(t, w.msgs, 1)
	assert.Equal(t, transport.ReasonMalformedPayload, header(w.msgs[0], transport.HeaderDLQReason))
}

func TestSettlementFailureStopsWithoutCommit(t *testing.T) {
	w := &fakeWriter{err: errors.New("broker gone")}
	r := &fakeReader{pending: []kafka.Message{{Topic: "user-events", Value: []byte("x")}}}
	b := newTestBroker(w, r)

	err := b.Subscribe(context.Background(), "user-events", "user-service", func(context.Context, transport.Message) error {
		return errors.New("db down")
	})
	assert.Equal(t, errs.Unavailable, errs.KindOf(err))
	assert.Empty(t, r.committed)
}

func TestPublishWrapsWriterErrors(t *testing.T) {
	w := &fakeWriter{err: errors.New("no leader")}
	b := newTestBroker(w, &fakeReader{})

	err := b.Publish(context.Background(), transport.Message{Topic: "user-events", Headers: map[string]string{"a": "b"}})
	assert.Equal(t, errs.Transient, errs.KindOf(err))
}

func TestHeadersRoundTrip(t *testing.T) {
	in := transport.Message{Topic: "t", Key: []byte("k"), Headers: map[string]string{transport.HeaderEventID: "e-1", transport.HeaderDeliveryCount: "2"}}
	out := fromKafka(toKafka(in))
	assert.Equal(t, in.Headers, out.Headers)
	assert.Equal(t, 2, out.DeliveryCount)
}

func TestClosedBrokerRejectsSubscribe(t *testing.T) {
	b := newTestBroker(&fakeWriter{}, &fakeReader{})
	require.NoError(t, b.Close())
	assert.ErrorIs(t, b.Subscribe(context.Background(), "t", "g", nil), transport.ErrClosed)
	assert.True(t, b.Healthy(context.Background()))
}

// failingReader fails every fetch until ctx is done.
type failingReader struct {
	fakeReader
	fetches chan struct{}
}

func (r *failingReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case r.fetches <- struct{}{}:
	default:
	}
	if err := ctx.Err(); err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{}, errors.New("broker not available")
}

func TestFetchBackoffStopsOnCancel(t *testing.T) {
	r := &failingReader{fetches: make(chan struct{}, 1)}
	b := newTestBroker(&fakeWriter{}, nil)
	b.cfg.MaxFetchErrors = 5
	b.cfg.FetchBackoff = time.Hour
	b.newReader = func(string, string) messageReader { return r }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Subscribe(ctx, "user-events", "user-service", nil) }()

	select {
	case <-r.fetches:
	case <-time.After(2 * time.Second):
		t.Fatal("no fetch attempted")
	}
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("subscribe kept waiting out the backoff")
	}
}
