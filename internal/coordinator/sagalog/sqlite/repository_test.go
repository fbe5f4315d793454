package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcmexdev/identity-sagas/internal/coordinator/sagalog"
	"github.com/jcmexdev/identity-sagas/internal/coordinator/sagalog/sagalogtest"
)

func openTemp(t *testing.T) *Repository {
	t.Helper()
	repo, err := Open(filepath.Join(t.TempDir(), "saga.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func TestContract(t *testing.T) {
	sagalogtest.Run(t, func(t *testing.T) sagalog.Repository { return openTemp(t) })
}

func TestMigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "saga.db")
	first, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, first.Create(context.Background(), sagalogtest.NewSaga("s-1", time.Now())))
	require.NoError(t, first.Close())

	second, err := Open(path)
	require.NoError(t, err)
	defer second.Close()

	got, err := second.Get(context.Background(), "s-1")
	require.NoError(t, err)
	assert.Equal(t, sagalog.StatusStarted, got.Status)
}

func TestTimeLayoutSortsAsText(t *testing.T) {
	a := time.Date(2026, 3, 1, 10, 0, 0, 5, time.UTC)
	b := time.Date(2026, 3, 1, 10, 0, 0, 40, time.UTC)
	assert.Less(t, formatTime(a), formatTime(b))

	parsed, err := parseRFC3339(formatTime(b))
	require.NoError(t, err)
	assert.True(t, b.Equal(parsed))
}
