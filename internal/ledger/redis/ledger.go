// Package redis stores processed-event records in Redis, one key per event.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/jcmexdev/identity-sagas/internal/ledger"
	"github.com/jcmexdev/identity-sagas/internal/pkg/errs"
)

type Ledger struct {
	client      redis.UniversalClient
	serviceName string
}

var _ ledger.Ledger = (*Ledger)(nil)

// NewLedger connects to addr. Keys are namespaced by serviceName so several
// consumers can share one Redis.
func NewLedger(addr, serviceName string) *Ledger {
	return New(redis.NewClient(&redis.Options{Addr: addr}), serviceName)
}

func New(client redis.UniversalClient, serviceName string) *Ledger {
	return &Ledger{client: client, serviceName: serviceName}
}

func (l *Ledger) Lookup(ctx context.Context, eventID string) (*ledger.ProcessedEvent, error) {
	raw, err := l.client.Get(ctx, l.key(eventID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, errs.Errorf(errs.NotFound, "redis.Lookup", "event %s not processed", eventID)
	}
	if err != nil {
		return nil, errs.E(errs.Transient, "redis.Lookup", err)
	}

	var rec ledger.ProcessedEvent
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, errs.E(errs.Serialization, "redis.Lookup", fmt.Errorf("decode record of %s: %w", eventID, err))
	}
	return &rec, nil
}

// Record uses SETNX without expiry: records are never deleted by the core.
func (l *Ledger) Record(ctx context.Context, e *ledger.ProcessedEvent) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return errs.E(errs.Serialization, "redis.Record", err)
	}
	ok, err := l.client.SetNX(ctx, l.key(e.EventID), raw, 0).Result()
	if err != nil {
		return errs.E(errs.Transient, "redis.Record", err)
	}
	if !ok {
		return errs.Errorf(errs.Duplicate, "redis.Record", "event %s already recorded", e.EventID)
	}
	return nil
}

// Ping checks the connection.
func (l *Ledger) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

func (l *Ledger) Close() error {
	return l.client.Close()
}

func (l *Ledger) key(eventID string) string {
	return fmt.Sprintf("%s:processed-event:%s", l.serviceName, eventID)
}
