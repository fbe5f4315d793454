package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sagasqlite "github.com/jcmexdev/identity-sagas/internal/coordinator/sagalog/sqlite"
	"github.com/jcmexdev/identity-sagas/internal/ledger"
	"github.com/jcmexdev/identity-sagas/internal/pkg/errs"
)

func newLedger(t *testing.T) *Ledger {
	t.Helper()
	db, err := sagasqlite.OpenDB(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	// Sharing the handle with the saga store must not confuse either migration set.
	_, err = sagasqlite.New(db)
	require.NoError(t, err)
	l, err := New(db)
	require.NoError(t, err)
	return l
}

func TestRecordLookup(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)
	at := time.Now().UTC()

	require.NoError(t, l.Record(ctx, &ledger.ProcessedEvent{
		EventID: "e-1", EventType: "USER_MANAGEMENT_STATUS", SagaID: "saga-1",
		IsSuccess: false, ErrorMessage: "email taken", ProcessingTimeMs: 12, ProcessedAt: at,
	}))

	got, err := l.Lookup(ctx, "e-1")
	require.NoError(t, err)
	assert.False(t, got.IsSuccess)
	assert.Equal(t, "email taken", got.ErrorMessage)
	assert.Equal(t, int64(12), got.ProcessingTimeMs)
	assert.True(t, at.Equal(got.ProcessedAt))
}

func TestRecordDuplicate(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)

	require.NoError(t, l.Record(ctx, &ledger.ProcessedEvent{EventID: "e-1", EventType: "X", SagaID: "s", IsSuccess: true}))
	err := l.Record(ctx, &ledger.ProcessedEvent{EventID: "e-1", EventType: "X", SagaID: "s"})
	assert.Equal(t, errs.Duplicate, errs.KindOf(err))

	got, err := l.Lookup(ctx, "e-1")
	require.NoError(t, err)
	assert.True(t, got.IsSuccess)
}

func TestLookupMissing(t *testing.T) {
	_, err := newLedger(t).Lookup(context.Background(), "nope")
	assert.Equal(t, errs.NotFound, errs.KindOf(err))
}
