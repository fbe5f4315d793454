// Package sqlite stores processed-event records in a processed_events table.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	migrate "github.com/rubenv/sql-migrate"

	"github.com/jcmexdev/identity-sagas/internal/ledger"
	"github.com/jcmexdev/identity-sagas/internal/pkg/errs"
)

var migrations = &migrate.MemoryMigrationSource{
	Migrations: []*migrate.Migration{
		{
			Id: "0001_processed_events",
			Up: []string{`
CREATE TABLE IF NOT EXISTS processed_events (
    event_id           TEXT    NOT NULL UNIQUE,
    event_type         TEXT    NOT NULL,
    saga_id            TEXT    NOT NULL,
    user_id            TEXT    NOT NULL DEFAULT '',
    is_success         INTEGER NOT NULL,
    error_message      TEXT    NOT NULL DEFAULT '',
    processing_node    TEXT    NOT NULL DEFAULT '',
    processing_time_ms INTEGER NOT NULL DEFAULT 0,
    output             TEXT    NOT NULL DEFAULT '',
    processed_at       TEXT    NOT NULL
)`,
				`CREATE INDEX IF NOT EXISTS idx_processed_events_saga_id ON processed_events(saga_id)`,
			},
			Down: []string{`DROP TABLE processed_events`},
		},
	},
}

type Ledger struct {
	db *sql.DB
}

var _ ledger.Ledger = (*Ledger)(nil)

// New migrates db and wraps it. db is typically shared with the saga store.
func New(db *sql.DB) (*Ledger, error) {
	set := migrate.MigrationSet{TableName: "ledger_migrations"}
	if _, err := set.Exec(db, "sqlite3", migrations, migrate.Up); err != nil {
		return nil, fmt.Errorf("sqlite: migrate ledger: %w", err)
	}
	return &Ledger{db: db}, nil
}

func (l *Ledger) Lookup(ctx context.Context, eventID string) (*ledger.ProcessedEvent, error) {
	const q = `
		SELECT event_id, event_type, saga_id, user_id, is_success, error_message,
		       processing_node, processing_time_ms, output, processed_at
		FROM   processed_events
		WHERE  event_id = ?`

	var (
		rec ledger.ProcessedEvent
		at  string
	)
	err := l.db.QueryRowContext(ctx, q, eventID).Scan(
		&rec.EventID, &rec.EventType, &rec.SagaID, &rec.UserID, &rec.IsSuccess, &rec.ErrorMessage,
		&rec.ProcessingNode, &rec.ProcessingTimeMs, &rec.Output, &at,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.Errorf(errs.NotFound, "sqlite.Lookup", "event %s not processed", eventID)
	}
	if err != nil {
		return nil, errs.E(errs.Transient, "sqlite.Lookup", err)
	}
	if rec.ProcessedAt, err = time.Parse(time.RFC3339Nano, at); err != nil {
		return nil, errs.E(errs.Serialization, "sqlite.Lookup", fmt.Errorf("parse time %q: %w", at, err))
	}
	return &rec, nil
}

func (l *Ledger) Record(ctx context.Context, e *ledger.ProcessedEvent) error {
	const q = `
		INSERT INTO processed_events
			(event_id, event_type, saga_id, user_id, is_success, error_message,
			 processing_node, processing_time_ms, output, processed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(event_id) DO NOTHING`

	res, err := l.db.ExecContext(ctx, q,
		e.EventID, e.EventType, e.SagaID, e.UserID, e.IsSuccess, e.ErrorMessage,
		e.ProcessingNode, e.ProcessingTimeMs, e.Output, e.ProcessedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return errs.E(errs.Transient, "sqlite.Record", fmt.Errorf("insert %s: %w", e.EventID, err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.Errorf(errs.Duplicate, "sqlite.Record", "event %s already recorded", e.EventID)
	}
	return nil
}
