// Package platform builds the infrastructure both services share from their
// configuration: the broker, the payload codec and the processed-event ledger.
package platform

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/jcmexdev/identity-sagas/internal/config"
	"github.com/jcmexdev/identity-sagas/internal/event"
	"github.com/jcmexdev/identity-sagas/internal/ledger"
	ledgerredis "github.com/jcmexdev/identity-sagas/internal/ledger/redis"
	ledgersqlite "github.com/jcmexdev/identity-sagas/internal/ledger/sqlite"
	"github.com/jcmexdev/identity-sagas/internal/pkg/healthsrv"
	"github.com/jcmexdev/identity-sagas/internal/transport"
	"github.com/jcmexdev/identity-sagas/internal/transport/kafka"
	"github.com/jcmexdev/identity-sagas/internal/transport/memory"
)

func NewBroker(cfg config.TransportConfig) (transport.Broker, error) {
	switch cfg.Kind {
	case "kafka":
		return kafka.NewBroker(kafka.Config{Brokers: cfg.Brokers}), nil
	case "memory":
		return memory.NewBroker(), nil
	}
	return nil, fmt.Errorf("platform: unknown transport %q", cfg.Kind)
}

// NewCodec encrypts payloads when a secret is configured.
func NewCodec(cfg config.CryptoConfig) (*event.Codec, error) {
	if cfg.Secret == "" {
		return event.NewCodec(nil), nil
	}
	key, err := event.DeriveKey(cfg.Secret, cfg.Salt)
	if err != nil {
		return nil, err
	}
	c, err := event.NewAESCipher(key)
	if err != nil {
		return nil, err
	}
	return event.NewCodec(c), nil
}

// NewLedger opens the configured ledger. db backs the sqlite kind. The
// returned closer is never nil.
func NewLedger(ctx context.Context, cfg config.Config, db *sql.DB) (ledger.Ledger, io.Closer, error) {
	switch cfg.Ledger.Kind {
	case "redis":
		l := ledgerredis.NewLedger(cfg.Ledger.RedisAddr, cfg.Service)
		if err := l.Ping(ctx); err != nil {
			_ = l.Close()
			return nil, nil, fmt.Errorf("platform: redis ledger at %s: %w", cfg.Ledger.RedisAddr, err)
		}
		return l, l, nil
	case "sqlite":
		if db == nil {
			return nil, nil, fmt.Errorf("platform: sqlite ledger needs a database")
		}
		l, err := ledgersqlite.New(db)
		if err != nil {
			return nil, nil, err
		}
		return l, nopCloser{}, nil
	case "memory":
		return ledger.NewMemory(), nopCloser{}, nil
	}
	return nil, nil, fmt.Errorf("platform: unknown ledger %q", cfg.Ledger.Kind)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// NodeName identifies this instance in ledger records.
func NodeName(service string) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return service
	}
	return service + "@" + host
}

// Subscribe consumes topic in the background until ctx is done. A broker
// error is sent to errc.
func Subscribe(ctx context.Context, b transport.Broker, topic, group string, h transport.Handler, errc chan<- error) {
	go func() {
		slog.InfoContext(ctx, "consuming", "topic", topic, "group", group)
		if err := b.Subscribe(ctx, topic, group, h); err != nil && ctx.Err() == nil {
			errc <- fmt.Errorf("subscribe %s: %w", topic, err)
		}
	}()
}

// Serve runs the HTTP and gRPC servers until ctx is done or either fails,
// then shuts both down.
func Serve(ctx context.Context, httpSrv *http.Server, grpcAddr string, hs *healthsrv.Server, errc chan error) error {
	lis, err := net.Listen("tcp", grpcAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", grpcAddr, err)
	}

	go hs.Watch(ctx, 10*time.Second)
	go func() {
		slog.Info("gRPC health service running", "addr", grpcAddr)
		if err := hs.GRPC.Serve(lis); err != nil {
			errc <- fmt.Errorf("grpc: %w", err)
		}
	}()
	go func() {
		slog.Info("HTTP API running", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- fmt.Errorf("http: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		err = nil
	case err = <-errc:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if serr := httpSrv.Shutdown(shutdownCtx); serr != nil {
		slog.Error("http shutdown error", "error", serr)
	}
	hs.GRPC.GracefulStop()
	return err
}
