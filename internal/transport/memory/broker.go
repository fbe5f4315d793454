// Package memory is an in-process broker with the same delivery semantics as
// the Kafka one: delivery counts, redelivery on abandon and a dead-letter
// topic. Queues are unbounded. Consumer groups are not modelled; all
// subscribers of a topic compete.
package memory

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/jcmexdev/identity-sagas/internal/pkg/errs"
	"github.com/jcmexdev/identity-sagas/internal/transport"
)

// queue holds undelivered messages without a bound, so settling a delivery
// (redelivery or dead letter) never waits on a consumer.
type queue struct {
	mu      sync.Mutex
	pending []transport.Message
	log     []transport.Message

	// ready has one slot; it is signalled whenever pending grows.
	ready chan struct{}
}

func (q *queue) push(msg transport.Message) {
	q.mu.Lock()
	q.log = append(q.log, msg)
	q.pending = append(q.pending, msg)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *queue) pop() (transport.Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return transport.Message{}, false
	}
	msg := q.pending[0]
	q.pending[0] = transport.Message{}
	q.pending = q.pending[1:]
	return msg, true
}

type Broker struct {
	queues  *xsync.MapOf[string, *queue]
	healthy atomic.Bool
	closed  chan struct{}
	once    sync.Once
}

var _ transport.Broker = (*Broker)(nil)

func NewBroker() *Broker {
	b := &Broker{
		queues: xsync.NewMapOf[string, *queue](),
		closed: make(chan struct{}),
	}
	b.healthy.Store(true)
	return b
}

func (b *Broker) queue(topic string) *queue {
	q, _ := b.queues.LoadOrCompute(topic, func() *queue {
		return &queue{ready: make(chan struct{}, 1)}
	})
	return q
}

// Publish never blocks. An unhealthy broker rejects it with Unavailable.
func (b *Broker) Publish(_ context.Context, msg transport.Message) error {
	if !b.healthy.Load() {
		if b.isClosed() {
			return transport.ErrClosed
		}
		return errs.Errorf(errs.Unavailable, "memory.Publish", "broker unavailable")
	}
	return b.enqueue(msg)
}

// enqueue is the settlement path: redeliveries and dead letters are accepted
// whatever SetHealthy says, as a broker keeps a delivery it already holds.
func (b *Broker) enqueue(msg transport.Message) error {
	if b.isClosed() {
		return transport.ErrClosed
	}
	msg = msg.Clone()
	if msg.DeliveryCount == 0 {
		msg.DeliveryCount = transport.DeliveryCountOf(msg.Headers)
	}
	b.queue(msg.Topic).push(msg)
	return nil
}

func (b *Broker) isClosed() bool {
	select {
	case <-b.closed:
		return true
	default:
		return false
	}
}

func (b *Broker) Subscribe(ctx context.Context, topic, _ string, h transport.Handler) error {
	q := b.queue(topic)
	for {
		if msg, ok := q.pop(); ok {
			b.settle(ctx, msg, h)
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.closed:
			return transport.ErrClosed
		case <-q.ready:
		}
	}
}

func (b *Broker) settle(ctx context.Context, msg transport.Message, h transport.Handler) {
	if err := transport.Settle(ctx, &settler{broker: b, msg: msg}, msg, h); err != nil {
		slog.ErrorContext(ctx, "memory: settlement failed, delivery dropped",
			"topic", msg.Topic,
			"event_id", msg.Header(transport.HeaderEventID),
			"delivery_count", msg.DeliveryCount,
			"error", err,
		)
	}
}

// Poll handles at most one pending message of topic without blocking and
// reports whether one was handled. Tests use it to step a flow.
func (b *Broker) Poll(ctx context.Context, topic string, h transport.Handler) bool {
	msg, ok := b.queue(topic).pop()
	if !ok {
		return false
	}
	b.settle(ctx, msg, h)
	return true
}

// Drain polls topic until it is empty and returns how many deliveries ran.
func (b *Broker) Drain(ctx context.Context, topic string, h transport.Handler) int {
	n := 0
	for b.Poll(ctx, topic, h) {
		n++
	}
	return n
}

// Pending is the number of undelivered messages on topic.
func (b *Broker) Pending(topic string) int {
	q := b.queue(topic)
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Published returns every message ever published to topic, redeliveries included.
func (b *Broker) Published(topic string) []transport.Message {
	q := b.queue(topic)
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.Clone(q.log)
}

// DeadLetters returns the messages dead-lettered from topic.
func (b *Broker) DeadLetters(topic string) []transport.Message {
	return b.Published(transport.DeadLetterTopic(topic))
}

// SetHealthy toggles availability; an unhealthy broker rejects publishes.
func (b *Broker) SetHealthy(ok bool) {
	b.healthy.Store(ok)
}

func (b *Broker) Healthy(context.Context) bool {
	return !b.isClosed() && b.healthy.Load()
}

func (b *Broker) Close() error {
	b.once.Do(func() { close(b.closed) })
	return nil
}

type settler struct {
	broker *Broker
	msg    transport.Message
}

func (s *settler) Complete(context.Context) error { return nil }

func (s *settler) Abandon(context.Context) error {
	return s.broker.enqueue(s.msg.Redelivery())
}

func (s *settler) DeadLetter(_ context.Context, reason, description string) error {
	return s.broker.enqueue(s.msg.DeadLettered(reason, description))
}
