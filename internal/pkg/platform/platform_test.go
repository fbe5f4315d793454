package platform

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcmexdev/identity-sagas/internal/config"
	"github.com/jcmexdev/identity-sagas/internal/event"
	"github.com/jcmexdev/identity-sagas/internal/ledger"
	"github.com/jcmexdev/identity-sagas/internal/transport/memory"
)

func TestNewBroker(t *testing.T) {
	b, err := NewBroker(config.TransportConfig{Kind: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &memory.Broker{}, b)

	_, err = NewBroker(config.TransportConfig{Kind: "nats"})
	assert.Error(t, err)
}

func TestNewCodec(t *testing.T) {
	plain, err := NewCodec(config.CryptoConfig{})
	require.NoError(t, err)
	assert.False(t, plain.Encrypting())

	sealed, err := NewCodec(config.CryptoConfig{Secret: "s3cret", Salt: "salt"})
	require.NoError(t, err)
	assert.True(t, sealed.Encrypting())

	env := event.New(event.TypeUserDeleted, "saga-1", "test")
	require.NoError(t, sealed.Seal(&env, event.UserDeleted{SagaID: "saga-1", UserID: "u-1"}))
	var got event.UserDeleted
	require.NoError(t, sealed.Open(env, &got))
	assert.Equal(t, "u-1", got.UserID)
}

func TestNewLedger(t *testing.T) {
	cfg := config.Default("test")

	cfg.Ledger.Kind = "memory"
	l, closer, err := NewLedger(context.Background(), cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &ledger.Memory{}, l)
	assert.NoError(t, closer.Close())

	cfg.Ledger.Kind = "sqlite"
	_, _, err = NewLedger(context.Background(), cfg, nil)
	assert.Error(t, err)

	cfg.Ledger.Kind = "etcd"
	_, _, err = NewLedger(context.Background(), cfg, nil)
	assert.Error(t, err)
}
