// Package sqlite stores accounts in the auth service's SQLite database, next
// to its saga store.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	migrate "github.com/rubenv/sql-migrate"

	"github.com/jcmexdev/identity-sagas/internal/auth-service/core/domain"
	"github.com/jcmexdev/identity-sagas/internal/auth-service/core/ports"
	"github.com/jcmexdev/identity-sagas/internal/pkg/errs"
)

var migrations = &migrate.MemoryMigrationSource{
	Migrations: []*migrate.Migration{
		{
			Id: "0001_accounts",
			Up: []string{`
CREATE TABLE IF NOT EXISTS accounts (
    id            TEXT PRIMARY KEY,
    email         TEXT NOT NULL UNIQUE,
    username      TEXT NOT NULL,
    display_name  TEXT NOT NULL DEFAULT '',
    password_hash TEXT NOT NULL DEFAULT '',
    status        TEXT NOT NULL,
    created_at    TEXT NOT NULL,
    updated_at    TEXT NOT NULL
)`},
			Down: []string{`DROP TABLE accounts`},
		},
	},
}

type AccountStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ ports.AccountStore = (*AccountStore)(nil)

// NewAccountStore migrates db and wraps it.
func NewAccountStore(db *sql.DB) (*AccountStore, error) {
	set := migrate.MigrationSet{TableName: "account_migrations"}
	if _, err := set.Exec(db, "sqlite3", migrations, migrate.Up); err != nil {
		return nil, fmt.Errorf("sqlite: migrate accounts: %w", err)
	}
	return &AccountStore{db: db, now: time.Now}, nil
}

func (s *AccountStore) Create(ctx context.Context, a *domain.Account) error {
	const q = `
		INSERT INTO accounts (id, email, username, display_name, password_hash, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`

	now := s.now().UTC()
	a.Email = normalizeEmail(a.Email)
	a.CreatedAt, a.UpdatedAt = now, now
	at := now.Format(time.RFC3339Nano)

	res, err := s.db.ExecContext(ctx, q, a.ID, a.Email, a.Username, a.DisplayName, a.PasswordHash, string(a.Status), at, at)
	if err != nil {
		return errs.E(errs.Transient, "sqlite.CreateAccount", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.Errorf(errs.Duplicate, "sqlite.CreateAccount", "account %s or email already exists", a.ID)
	}
	return nil
}

func (s *AccountStore) Get(ctx context.Context, id string) (*domain.Account, error) {
	return s.queryOne(ctx, "sqlite.GetAccount", `WHERE id = ?`, id)
}

func (s *AccountStore) GetByEmail(ctx context.Context, email string) (*domain.Account, error) {
	return s.queryOne(ctx, "sqlite.GetAccountByEmail", `WHERE email = ?`, normalizeEmail(email))
}

func (s *AccountStore) SetStatus(ctx context.Context, id string, status domain.AccountStatus) (domain.AccountStatus, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", errs.E(errs.Transient, "sqlite.SetStatus", err)
	}
	defer func() { _ = tx.Rollback() }()

	var prev string
	err = tx.QueryRowContext(ctx, `SELECT status FROM accounts WHERE id = ?`, id).Scan(&prev)
	if errors.Is(err, sql.ErrNoRows) {
		return "", errs.Errorf(errs.NotFound, "sqlite.SetStatus", "account %s not found", id)
	}
	if err != nil {
		return "", errs.E(errs.Transient, "sqlite.SetStatus", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE accounts SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), s.now().UTC().Format(time.RFC3339Nano), id); err != nil {
		return "", errs.E(errs.Transient, "sqlite.SetStatus", err)
	}
	if err := tx.Commit(); err != nil {
		return "", errs.E(errs.Transient, "sqlite.SetStatus", err)
	}
	return domain.AccountStatus(prev), nil
}

func (s *AccountStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, id); err != nil {
		return errs.E(errs.Transient, "sqlite.DeleteAccount", err)
	}
	return nil
}

func (s *AccountStore) queryOne(ctx context.Context, op, where string, arg any) (*domain.Account, error) {
	q := `SELECT id, email, username, display_name, password_hash, status, created_at, updated_at FROM accounts ` + where

	var (
		a                    domain.Account
		status               string
		createdAt, updatedAt string
	)
	err := s.db.QueryRowContext(ctx, q, arg).Scan(
		&a.ID, &a.Email, &a.Username, &a.DisplayName, &a.PasswordHash, &status, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.Errorf(errs.NotFound, op, "account %v not found", arg)
	}
	if err != nil {
		return nil, errs.E(errs.Transient, op, err)
	}
	a.Status = domain.AccountStatus(status)
	if a.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, errs.E(errs.Serialization, op, err)
	}
	if a.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, errs.E(errs.Serialization, op, err)
	}
	return &a, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
