package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jcmexdev/identity-sagas/internal/auth-service/adapters/sqlite"
	"github.com/jcmexdev/identity-sagas/internal/auth-service/app"
	"github.com/jcmexdev/identity-sagas/internal/auth-service/infra/httpx"
	"github.com/jcmexdev/identity-sagas/internal/config"
	"github.com/jcmexdev/identity-sagas/internal/coordinator"
	sagasqlite "github.com/jcmexdev/identity-sagas/internal/coordinator/sagalog/sqlite"
	"github.com/jcmexdev/identity-sagas/internal/event"
	"github.com/jcmexdev/identity-sagas/internal/ledger"
	"github.com/jcmexdev/identity-sagas/internal/pkg/healthsrv"
	"github.com/jcmexdev/identity-sagas/internal/pkg/platform"
	"github.com/jcmexdev/identity-sagas/internal/pkg/telemetry"
	"github.com/jcmexdev/identity-sagas/internal/scheduler"
	"github.com/jcmexdev/identity-sagas/internal/transport"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "YAML config file")
	flag.Parse()

	loader, err := config.NewLoader("auth-service", *configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	cfg := loader.Config()
	telemetry.InitLogger(cfg.Service, cfg.Log.Level)

	if err := run(loader); err != nil {
		slog.Error("auth service stopped", "error", err)
		os.Exit(1)
	}
}

func run(loader *config.Loader) error {
	cfg := loader.Config()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdown, err := telemetry.SetupTracer(ctx, cfg.Service, telemetry.TracerConfig{
		Endpoint:    cfg.Telemetry.Endpoint,
		Environment: cfg.Telemetry.Environment,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			slog.Error("tracer shutdown error", "error", err)
		}
	}()

	broker, err := platform.NewBroker(cfg.Transport)
	if err != nil {
		return err
	}
	defer broker.Close()
	codec, err := platform.NewCodec(cfg.Crypto)
	if err != nil {
		return err
	}

	// Sagas, accounts and the ledger share one database file.
	db, err := sagasqlite.OpenDB(cfg.Store.SQLitePath)
	if err != nil {
		return err
	}
	defer db.Close()
	repo, err := sagasqlite.New(db)
	if err != nil {
		return err
	}
	accounts, err := sqlite.NewAccountStore(db)
	if err != nil {
		return err
	}
	processed, closer, err := platform.NewLedger(ctx, cfg, db)
	if err != nil {
		return err
	}
	defer closer.Close()

	pub := transport.NewPublisher(broker, codec, cfg.Service)
	registry, err := app.NewRegistry(accounts, pub, app.Settings{
		MaxRetries:          cfg.Saga.MaxRetries,
		RegistrationTimeout: cfg.Saga.RegistrationTimeout,
		DeletionTimeout:     cfg.Saga.DeletionTimeout,
		CommandTopic:        event.TopicUserEvents,
	})
	if err != nil {
		return fmt.Errorf("saga registry: %w", err)
	}
	orch := coordinator.New(repo, registry,
		coordinator.WithNotifier(coordinator.NewStatusPublisher(pub, event.TopicSagaStatus)))

	sched := scheduler.New(repo, orch, scheduler.Config{
		TimeoutInterval: cfg.Scheduler.TimeoutInterval,
		HealthInterval:  cfg.Scheduler.HealthInterval,
		StuckAfter:      cfg.Scheduler.StuckAfter,
		BatchSize:       cfg.Scheduler.BatchSize,
	})
	sched.Start(ctx)
	defer sched.Stop()

	loader.OnChange(func(c config.Config) {
		telemetry.SetLevel(c.Log.Level)
		sched.SetStuckAfter(c.Scheduler.StuckAfter)
	})
	if stopWatch, err := loader.Watch(); err != nil {
		slog.Warn("config hot reload disabled", "error", err)
	} else {
		defer stopWatch()
	}

	errc := make(chan error, 4)
	feedback := app.NewFeedbackConsumer(orch, ledger.NewConsumer(processed, platform.NodeName(cfg.Service)), codec)
	platform.Subscribe(ctx, broker, event.TopicUserStatus, cfg.Transport.Group, feedback.Handler(), errc)

	health := coordinator.NewHealthReporter(broker, sched)
	hs := healthsrv.New(func(ctx context.Context) bool { return health.IsHealthy(ctx).OK() })
	httpSrv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           httpx.NewRouter(httpx.NewHandler(app.NewService(orch, accounts), health)),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return platform.Serve(ctx, httpSrv, cfg.GRPC.Addr, hs, errc)
}
