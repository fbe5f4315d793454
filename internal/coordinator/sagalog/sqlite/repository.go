// Package sqlite provides a SQLite-backed implementation of sagalog.Repository.
//
// WAL mode is enabled on Open so that readers never block writers, which
// matters because the timeout sweep reads while consumers write.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	migrate "github.com/rubenv/sql-migrate"

	"github.com/jcmexdev/identity-sagas/internal/coordinator/sagalog"
	"github.com/jcmexdev/identity-sagas/internal/pkg/errs"

	// Register the pure-Go SQLite driver.
	// We use modernc.org/sqlite instead of mattn/go-sqlite3 to avoid CGO
	// requirements, making it easier to build and run in Docker (Alpine).
	_ "modernc.org/sqlite"
)

// migrations is the schema history of the saga store.
//
// sagas holds one mutable row per saga, guarded by version. saga_transitions
// is append-only: one row per status change.
var migrations = &migrate.MemoryMigrationSource{
	Migrations: []*migrate.Migration{
		{
			Id: "0001_sagas",
			Up: []string{`
CREATE TABLE IF NOT EXISTS sagas (
    saga_id               TEXT    PRIMARY KEY,
    original_event_id     TEXT    NOT NULL DEFAULT '',
    event_type            TEXT    NOT NULL,
    user_id               TEXT    NOT NULL DEFAULT '',
    status                TEXT    NOT NULL,
    current_step          TEXT    NOT NULL DEFAULT '',

    -- JSON arrays of {name, output, completedAt}, oldest first.
    completed_steps       TEXT    NOT NULL DEFAULT '[]',
    compensated_steps     TEXT    NOT NULL DEFAULT '[]',

    -- JSON object of string to string.
    context               TEXT    NOT NULL DEFAULT '{}',

    retry_count           INTEGER NOT NULL DEFAULT 0,
    max_retry_count       INTEGER NOT NULL DEFAULT 0,
    error_type            TEXT    NOT NULL DEFAULT '',
    error_message         TEXT    NOT NULL DEFAULT '',
    processing_start_time TEXT,
    processing_end_time   TEXT,
    timeout_at            TEXT,
    created_at            TEXT    NOT NULL,
    updated_at            TEXT    NOT NULL,
    version               INTEGER NOT NULL,
    trace_id              TEXT    NOT NULL DEFAULT ''
)`,
				`CREATE INDEX IF NOT EXISTS idx_sagas_status_timeout ON sagas(status, timeout_at)`,
				`CREATE INDEX IF NOT EXISTS idx_sagas_status_updated ON sagas(status, updated_at)`,
			},
			Down: []string{`DROP TABLE sagas`},
		},
		{
			Id: "0002_saga_transitions",
			Up: []string{`
CREATE TABLE IF NOT EXISTS saga_transitions (
    id                 INTEGER PRIMARY KEY AUTOINCREMENT,
    saga_id            TEXT    NOT NULL,
    from_status        TEXT    NOT NULL DEFAULT '',
    to_status          TEXT    NOT NULL,
    step               TEXT    NOT NULL DEFAULT '',
    reason             TEXT    NOT NULL DEFAULT '',
    error_message      TEXT    NOT NULL DEFAULT '',
    retry_count        INTEGER NOT NULL DEFAULT 0,
    processing_time_ms INTEGER NOT NULL DEFAULT 0,

    -- W3C trace_id (32 hex chars) from the active OTel span.
    trace_id           TEXT    NOT NULL DEFAULT '',
    span_id            TEXT    NOT NULL DEFAULT '',
    created_at         TEXT    NOT NULL
)`,
				`CREATE INDEX IF NOT EXISTS idx_saga_transitions_saga_id ON saga_transitions(saga_id, id)`,
				`CREATE INDEX IF NOT EXISTS idx_saga_transitions_trace_id ON saga_transitions(trace_id)`,
			},
			Down: []string{`DROP TABLE saga_transitions`},
		},
	},
}

const terminalFilter = `status NOT IN ('COMPLETED', 'FAILED', 'COMPENSATED', 'COMPENSATION_FAILED')`

const sagaColumns = `saga_id, original_event_id, event_type, user_id, status, current_step,
	completed_steps, compensated_steps, context, retry_count, max_retry_count,
	error_type, error_message, processing_start_time, processing_end_time,
	timeout_at, created_at, updated_at, version, trace_id`

// Repository is the SQLite implementation of sagalog.Repository.
type Repository struct {
	db  *sql.DB
	now func() time.Time
}

var _ sagalog.Repository = (*Repository)(nil)

// Open opens (or creates) the SQLite database at the given path and applies
// pending migrations.
//
//	repo, err := sqlite.Open("./data/auth.db")
func Open(path string) (*Repository, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	repo, err := New(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return repo, nil
}

// OpenDB opens a SQLite handle configured the way every store in this module
// expects. Stores sharing one file can each be built from the same handle.
func OpenDB(path string) (*sql.DB, error) {
	// busy_timeout waits for locks instead of failing immediately.
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)", path)

	// Use "sqlite", not "sqlite3" for the modernc driver.
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %q: %w", path, err)
	}

	// SQLite performs best with a single writer connection. It also keeps
	// ":memory:" databases alive for the lifetime of the handle.
	db.SetMaxOpenConns(1)
	return db, nil
}

// New migrates db and wraps it.
func New(db *sql.DB) (*Repository, error) {
	set := migrate.MigrationSet{TableName: "saga_migrations"}
	if _, err := set.Exec(db, "sqlite3", migrations, migrate.Up); err != nil {
		return nil, fmt.Errorf("sqlite: migrate saga store: %w", err)
	}
	return &Repository{db: db, now: time.Now}, nil
}

// Close releases the database connection. Call it with defer in main().
func (r *Repository) Close() error {
	return r.db.Close()
}

// Ping checks the database is reachable.
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *Repository) Create(ctx context.Context, tx *sagalog.SagaTransaction) error {
	now := r.now().UTC()
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = now
	}
	tx.UpdatedAt = now
	tx.Version = 1

	cols, err := encodeCollections(tx)
	if err != nil {
		return err
	}

	const q = `INSERT INTO sagas (` + sagaColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(saga_id) DO NOTHING`

	res, err := r.db.ExecContext(ctx, q,
		tx.SagaID, tx.OriginalEventID, tx.EventType, tx.UserID, string(tx.Status), tx.CurrentStep,
		cols.completed, cols.compensated, cols.context, tx.RetryCount, tx.MaxRetryCount,
		tx.ErrorType, tx.ErrorMessage, nullableTime(tx.ProcessingStartTime), nullableTime(tx.ProcessingEndTime),
		nullableTime(tx.TimeoutAt), formatTime(tx.CreatedAt), formatTime(tx.UpdatedAt), tx.Version, tx.TraceID,
	)
	if err != nil {
		return errs.E(errs.Transient, "sqlite.Create", fmt.Errorf("insert saga %q: %w", tx.SagaID, err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.Errorf(errs.Duplicate, "sqlite.Create", "saga %s already exists", tx.SagaID)
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, sagaID string) (*sagalog.SagaTransaction, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sagaColumns+` FROM sagas WHERE saga_id = ?`, sagaID)
	tx, err := scanSaga(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.Errorf(errs.NotFound, "sqlite.Get", "saga %s not found", sagaID)
	}
	if err != nil {
		return nil, errs.E(errs.Transient, "sqlite.Get", err)
	}
	return tx, nil
}

func (r *Repository) Update(ctx context.Context, tx *sagalog.SagaTransaction) error {
	cols, err := encodeCollections(tx)
	if err != nil {
		return err
	}
	now := r.now().UTC()

	// The compare-and-swap, the terminal guard and the monotonic deadline are
	// all enforced by this single statement.
	const q = `UPDATE sagas SET
			status = ?, current_step = ?, completed_steps = ?, compensated_steps = ?, context = ?,
			retry_count = ?, max_retry_count = ?, error_type = ?, error_message = ?,
			processing_start_time = ?, processing_end_time = ?,
			timeout_at = NULLIF(MAX(COALESCE(timeout_at, ''), COALESCE(?, '')), ''),
			updated_at = ?, version = version + 1
		WHERE saga_id = ? AND version = ? AND ` + terminalFilter + `
		RETURNING version, timeout_at`

	var (
		version   int64
		timeoutAt sql.NullString
	)
	err = r.db.QueryRowContext(ctx, q,
		string(tx.Status), tx.CurrentStep, cols.completed, cols.compensated, cols.context,
		tx.RetryCount, tx.MaxRetryCount, tx.ErrorType, tx.ErrorMessage,
		nullableTime(tx.ProcessingStartTime), nullableTime(tx.ProcessingEndTime),
		nullableTime(tx.TimeoutAt),
		formatTime(now),
		tx.SagaID, tx.Version,
	).Scan(&version, &timeoutAt)
	if errors.Is(err, sql.ErrNoRows) {
		return r.classifyMiss(ctx, tx)
	}
	if err != nil {
		return errs.E(errs.Transient, "sqlite.Update", fmt.Errorf("update saga %q: %w", tx.SagaID, err))
	}

	deadline, err := parseNullTime(timeoutAt)
	if err != nil {
		return err
	}
	tx.Version = version
	tx.UpdatedAt = now
	tx.TimeoutAt = deadline
	return nil
}

// classifyMiss explains why an UPDATE matched no row.
func (r *Repository) classifyMiss(ctx context.Context, tx *sagalog.SagaTransaction) error {
	var (
		status  string
		version int64
	)
	err := r.db.QueryRowContext(ctx, `SELECT status, version FROM sagas WHERE saga_id = ?`, tx.SagaID).Scan(&status, &version)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return errs.Errorf(errs.NotFound, "sqlite.Update", "saga %s not found", tx.SagaID)
	case err != nil:
		return errs.E(errs.Transient, "sqlite.Update", err)
	case sagalog.Status(status).Terminal():
		return errs.Errorf(errs.InvalidState, "sqlite.Update", "saga %s is %s", tx.SagaID, status)
	default:
		return errs.Errorf(errs.Conflict, "sqlite.Update", "saga %s at version %d, write based on %d", tx.SagaID, version, tx.Version)
	}
}

func (r *Repository) FindTimedOut(ctx context.Context, now time.Time, limit int) ([]*sagalog.SagaTransaction, error) {
	q := `SELECT ` + sagaColumns + ` FROM sagas
		WHERE ` + terminalFilter + ` AND timeout_at IS NOT NULL AND timeout_at <= ?
		ORDER BY timeout_at, saga_id` + limitClause(limit)
	return r.query(ctx, "sqlite.FindTimedOut", q, formatTime(now))
}

func (r *Repository) FindStuck(ctx context.Context, updatedBefore time.Time, limit int) ([]*sagalog.SagaTransaction, error) {
	q := `SELECT ` + sagaColumns + ` FROM sagas
		WHERE ` + terminalFilter + ` AND updated_at < ?
		ORDER BY updated_at, saga_id` + limitClause(limit)
	return r.query(ctx, "sqlite.FindStuck", q, formatTime(updatedBefore))
}

func (r *Repository) CountByStatus(ctx context.Context) (map[sagalog.Status]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM sagas GROUP BY status`)
	if err != nil {
		return nil, errs.E(errs.Transient, "sqlite.CountByStatus", err)
	}
	defer rows.Close()

	counts := make(map[sagalog.Status]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, errs.E(errs.Transient, "sqlite.CountByStatus", err)
		}
		counts[sagalog.Status(status)] = n
	}
	return counts, rows.Err()
}

func (r *Repository) AppendTransition(ctx context.Context, t *sagalog.Transition) error {
	const q = `
		INSERT INTO saga_transitions
			(saga_id, from_status, to_status, step, reason, error_message, retry_count,
			 processing_time_ms, trace_id, span_id, created_at)
		VALUES
			(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, q,
		t.SagaID, string(t.FromStatus), string(t.ToStatus), t.Step, t.Reason, t.ErrorMessage,
		t.RetryCount, t.ProcessingTimeMs, t.TraceID, t.SpanID, formatTime(t.At),
	)
	if err != nil {
		return errs.E(errs.Transient, "sqlite.AppendTransition", fmt.Errorf("save transition for %q: %w", t.SagaID, err))
	}
	return nil
}

func (r *Repository) Transitions(ctx context.Context, sagaID string) ([]sagalog.Transition, error) {
	const q = `
		SELECT saga_id, from_status, to_status, step, reason, error_message, retry_count,
		       processing_time_ms, trace_id, span_id, created_at
		FROM   saga_transitions
		WHERE  saga_id = ?
		ORDER  BY id`

	rows, err := r.db.QueryContext(ctx, q, sagaID)
	if err != nil {
		return nil, errs.E(errs.Transient, "sqlite.Transitions", err)
	}
	defer rows.Close()

	var out []sagalog.Transition
	for rows.Next() {
		var (
			t        sagalog.Transition
			from, to string
			at       string
		)
		if err := rows.Scan(&t.SagaID, &from, &to, &t.Step, &t.Reason, &t.ErrorMessage, &t.RetryCount,
			&t.ProcessingTimeMs, &t.TraceID, &t.SpanID, &at); err != nil {
			return nil, errs.E(errs.Transient, "sqlite.Transitions", err)
		}
		t.FromStatus, t.ToStatus = sagalog.Status(from), sagalog.Status(to)
		if t.At, err = parseRFC3339(at); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *Repository) query(ctx context.Context, op, q string, args ...any) ([]*sagalog.SagaTransaction, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errs.E(errs.Transient, op, err)
	}
	defer rows.Close()

	var out []*sagalog.SagaTransaction
	for rows.Next() {
		tx, err := scanSaga(rows)
		if err != nil {
			return nil, errs.E(errs.Transient, op, err)
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

func limitClause(limit int) string {
	if limit <= 0 {
		return ""
	}
	return fmt.Sprintf(" LIMIT %d", limit)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSaga(s scanner) (*sagalog.SagaTransaction, error) {
	var (
		tx                           sagalog.SagaTransaction
		status                       string
		completed, compensated, ctxs string
		start, end, timeout          sql.NullString
		created, updated             string
	)
	if err := s.Scan(
		&tx.SagaID, &tx.OriginalEventID, &tx.EventType, &tx.UserID, &status, &tx.CurrentStep,
		&completed, &compensated, &ctxs, &tx.RetryCount, &tx.MaxRetryCount,
		&tx.ErrorType, &tx.ErrorMessage, &start, &end,
		&timeout, &created, &updated, &tx.Version, &tx.TraceID,
	); err != nil {
		return nil, err
	}
	tx.Status = sagalog.Status(status)

	if err := json.Unmarshal([]byte(completed), &tx.CompletedSteps); err != nil {
		return nil, fmt.Errorf("sqlite: decode completed_steps of %q: %w", tx.SagaID, err)
	}
	if err := json.Unmarshal([]byte(compensated), &tx.CompensatedSteps); err != nil {
		return nil, fmt.Errorf("sqlite: decode compensated_steps of %q: %w", tx.SagaID, err)
	}
	if err := json.Unmarshal([]byte(ctxs), &tx.Context); err != nil {
		return nil, fmt.Errorf("sqlite: decode context of %q: %w", tx.SagaID, err)
	}

	var err error
	if tx.ProcessingStartTime, err = parseNullTime(start); err != nil {
		return nil, err
	}
	if tx.ProcessingEndTime, err = parseNullTime(end); err != nil {
		return nil, err
	}
	if tx.TimeoutAt, err = parseNullTime(timeout); err != nil {
		return nil, err
	}
	if tx.CreatedAt, err = parseRFC3339(created); err != nil {
		return nil, err
	}
	if tx.UpdatedAt, err = parseRFC3339(updated); err != nil {
		return nil, err
	}
	return &tx, nil
}

type collections struct {
	completed, compensated, context string
}

func encodeCollections(tx *sagalog.SagaTransaction) (collections, error) {
	var c collections
	for _, f := range []struct {
		dst *string
		v   any
	}{
		{&c.completed, nonNilSteps(tx.CompletedSteps)},
		{&c.compensated, nonNilSteps(tx.CompensatedSteps)},
		{&c.context, nonNilContext(tx.Context)},
	} {
		b, err := json.Marshal(f.v)
		if err != nil {
			return c, errs.E(errs.Serialization, "sqlite.encode", err)
		}
		*f.dst = string(b)
	}
	return c, nil
}

func nonNilSteps(s []sagalog.StepRecord) []sagalog.StepRecord {
	if s == nil {
		return []sagalog.StepRecord{}
	}
	return s
}

func nonNilContext(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
