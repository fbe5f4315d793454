// Package kafka implements transport.Broker on segmentio/kafka-go.
//
// Kafka has no per-message abandon, so settlement is expressed with offsets:
// complete commits the offset, abandon re-publishes the message with an
// incremented delivery-count header and then commits, and dead-letter
// publishes to "<topic>.dlq" and then commits.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/jcmexdev/identity-sagas/internal/pkg/errs"
	"github.com/jcmexdev/identity-sagas/internal/transport"
)

// messageWriter is the subset of *kafka.Writer used here, so tests can
// swap in a fake.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// messageReader is the subset of *kafka.Reader used here.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Config holds the connection settings.
type Config struct {
	Brokers []string

	// MaxFetchErrors is how many consecutive fetch errors Subscribe tolerates
	// before giving up.
	MaxFetchErrors int

	// FetchBackoff is the wait after the first failed fetch; it grows
	// linearly with consecutive failures.
	FetchBackoff time.Duration
}

type Broker struct {
	cfg       Config
	writer    messageWriter
	newReader func(topic, group string) messageReader
	dial      func(ctx context.Context) error
	sleep     func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	readers []messageReader
	closed  bool
}

var _ transport.Broker = (*Broker)(nil)

func NewBroker(cfg Config) *Broker {
	if cfg.MaxFetchErrors <= 0 {
		cfg.MaxFetchErrors = 5
	}
	if cfg.FetchBackoff <= 0 {
		cfg.FetchBackoff = 100 * time.Millisecond
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{}, // same saga, same partition
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
	return &Broker{
		cfg:    cfg,
		writer: w,
		sleep:  sleepCtx,
		newReader: func(topic, group string) messageReader {
			return kafka.NewReader(kafka.ReaderConfig{
				Brokers:  cfg.Brokers,
				Topic:    topic,
				GroupID:  group,
				MinBytes: 1,
				MaxBytes: 10e6,
			})
		},
		dial: func(ctx context.Context) error {
			conn, err := kafka.DialContext(ctx, "tcp", cfg.Brokers[0])
			if err != nil {
				return err
			}
			defer conn.Close()
			_, err = conn.Brokers()
			return err
		},
	}
}

func (b *Broker) Publish(ctx context.Context, msg transport.Message) error {
	if err := b.writer.WriteMessages(ctx, toKafka(msg)); err != nil {
		return errs.E(errs.Transient, "kafka.Publish", fmt.Errorf("write to %s: %w", msg.Topic, err))
	}
	return nil
}

func (b *Broker) Subscribe(ctx context.Context, topic, group string, h transport.Handler) error {
	r, err := b.register(topic, group)
	if err != nil {
		return err
	}

	failures := 0
	for {
		raw, err := r.FetchMessage(ctx)
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, io.EOF):
			return transport.ErrClosed
		case err != nil:
			failures++
			slog.WarnContext(ctx, "kafka: fetch failed", "topic", topic, "group", group, "attempt", failures, "error", err)
			if failures > b.cfg.MaxFetchErrors {
				return errs.E(errs.Unavailable, "kafka.Subscribe", fmt.Errorf("fetch from %s: %w", topic, err))
			}
			if err := b.sleep(ctx, time.Duration(failures)*b.cfg.FetchBackoff); err != nil {
				return err
			}
			continue
		}
		failures = 0

		msg := fromKafka(raw)
		s := &settler{writer: b.writer, reader: r, raw: raw, msg: msg}
		if err := transport.Settle(ctx, s, msg, h); err != nil {
			// The offset is not committed; stop so the group replays from it.
			return errs.E(errs.Unavailable, "kafka.Subscribe", fmt.Errorf("settle %s offset %d: %w", topic, raw.Offset, err))
		}
	}
}

func (b *Broker) register(topic, group string) (messageReader, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, transport.ErrClosed
	}
	r := b.newReader(topic, group)
	b.readers = append(b.readers, r)
	return r, nil
}

// Healthy dials a broker and reads the cluster metadata.
func (b *Broker) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return b.dial(ctx) == nil
}

func (b *Broker) Close() error {
	b.mu.Lock()
	b.closed = true
	readers := b.readers
	b.readers = nil
	b.mu.Unlock()

	var errList []error
	for _, r := range readers {
		errList = append(errList, r.Close())
	}
	errList = append(errList, b.writer.Close())
	return errors.Join(errList...)
}

type settler struct {
	writer messageWriter
	reader messageReader
	raw    kafka.Message
	msg    transport.Message
}

func (s *settler) Complete(ctx context.Context) error {
	return s.reader.CommitMessages(ctx, s.raw)
}

func (s *settler) Abandon(ctx context.Context) error {
	if err := s.writer.WriteMessages(ctx, toKafka(s.msg.Redelivery())); err != nil {
		return fmt.Errorf("kafka: re-publish for redelivery: %w", err)
	}
	return s.reader.CommitMessages(ctx, s.raw)
}

func (s *settler) DeadLetter(ctx context.Context, reason, description string) error {
	if err := s.writer.WriteMessages(ctx, toKafka(s.msg.DeadLettered(reason, description))); err != nil {
		return fmt.Errorf("kafka: publish to dead-letter topic: %w", err)
	}
	return s.reader.CommitMessages(ctx, s.raw)
}

func toKafka(m transport.Message) kafka.Message {
	headers := make([]kafka.Header, 0, len(m.Headers))
	for k, v := range m.Headers {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	return kafka.Message{Topic: m.Topic, Key: m.Key, Value: m.Value, Headers: headers}
}

func fromKafka(m kafka.Message) transport.Message {
	headers := make(map[string]string, len(m.Headers))
	for _, h := range m.Headers {
		headers[h.Key] = string(h.Value)
	}
	return transport.Message{
		Topic:         m.Topic,
		Key:           m.Key,
		Value:         m.Value,
		Headers:       headers,
		DeliveryCount: transport.DeliveryCountOf(headers),
	}
}

// sleepCtx waits d or until ctx is done.
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
