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

	"github.com/redis/go-redis/v9"

	"github.com/jcmexdev/identity-sagas/internal/config"
	"github.com/jcmexdev/identity-sagas/internal/coordinator"
	sagasqlite "github.com/jcmexdev/identity-sagas/internal/coordinator/sagalog/sqlite"
	"github.com/jcmexdev/identity-sagas/internal/event"
	"github.com/jcmexdev/identity-sagas/internal/ledger"
	"github.com/jcmexdev/identity-sagas/internal/pkg/cache"
	"github.com/jcmexdev/identity-sagas/internal/pkg/healthsrv"
	"github.com/jcmexdev/identity-sagas/internal/pkg/platform"
	"github.com/jcmexdev/identity-sagas/internal/pkg/telemetry"
	"github.com/jcmexdev/identity-sagas/internal/scheduler"
	"github.com/jcmexdev/identity-sagas/internal/transport"
	"github.com/jcmexdev/identity-sagas/internal/user-service/adapters/cached"
	"github.com/jcmexdev/identity-sagas/internal/user-service/adapters/memory"
	"github.com/jcmexdev/identity-sagas/internal/user-service/adapters/mongo"
	"github.com/jcmexdev/identity-sagas/internal/user-service/app"
	"github.com/jcmexdev/identity-sagas/internal/user-service/core/ports"
	"github.com/jcmexdev/identity-sagas/internal/user-service/infra/httpx"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "YAML config file")
	flag.Parse()

	loader, err := config.NewLoader("user-service", *configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	cfg := loader.Config()
	telemetry.InitLogger(cfg.Service, cfg.Log.Level)

	if err := run(loader); err != nil {
		slog.Error("user service stopped", "error", err)
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

	profiles, closeProfiles, err := openProfiles(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeProfiles()

	db, err := sagasqlite.OpenDB(cfg.Store.SQLitePath)
	if err != nil {
		return err
	}
	defer db.Close()
	repo, err := sagasqlite.New(db)
	if err != nil {
		return err
	}
	processed, closer, err := platform.NewLedger(ctx, cfg, db)
	if err != nil {
		return err
	}
	defer closer.Close()

	registry, err := app.NewRegistry(profiles, app.Settings{
		MaxRetries: cfg.Saga.MaxRetries,
		Timeout:    cfg.Saga.RegistrationTimeout,
	})
	if err != nil {
		return fmt.Errorf("saga registry: %w", err)
	}
	pub := transport.NewPublisher(broker, codec, cfg.Service)
	reporter := app.NewStatusReporter(pub, event.TopicUserStatus)
	orch := coordinator.New(repo, registry, coordinator.WithNotifier(coordinator.Notifiers{
		reporter,
		coordinator.NewStatusPublisher(pub, event.TopicSagaStatus),
	}))

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
	commands := app.NewCommandConsumer(orch, ledger.NewConsumer(processed, platform.NodeName(cfg.Service)), codec, reporter)
	platform.Subscribe(ctx, broker, event.TopicUserEvents, cfg.Transport.Group, commands.Handler(), errc)

	health := coordinator.NewHealthReporter(broker, sched)
	hs := healthsrv.New(func(ctx context.Context) bool { return health.IsHealthy(ctx).OK() })
	httpSrv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           httpx.NewRouter(httpx.NewHandler(profiles, health)),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return platform.Serve(ctx, httpSrv, cfg.GRPC.Addr, hs, errc)
}

// openProfiles uses Mongo, behind the Redis cache when one is configured,
// except in single-process memory mode.
func openProfiles(ctx context.Context, cfg config.Config) (ports.ProfileStore, func(), error) {
	if cfg.Transport.Kind == "memory" {
		return memory.NewProfileStore(), func() {}, nil
	}
	client, err := mongo.Connect(ctx, cfg.Mongo.URI)
	if err != nil {
		return nil, nil, err
	}
	disconnect := func() {
		dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Disconnect(dctx); err != nil {
			slog.Error("mongo disconnect error", "error", err)
		}
	}
	store, err := mongo.NewProfileStore(ctx, client.Database(cfg.Mongo.Database))
	if err != nil {
		disconnect()
		return nil, nil, err
	}
	if cfg.Mongo.CacheTTL <= 0 || cfg.Ledger.RedisAddr == "" {
		return store, disconnect, nil
	}

	rc := redis.NewClient(&redis.Options{Addr: cfg.Ledger.RedisAddr})
	closeAll := func() {
		_ = rc.Close()
		disconnect()
	}
	slog.Info("profile cache enabled", "redis", cfg.Ledger.RedisAddr, "ttl", cfg.Mongo.CacheTTL)
	return cached.NewProfileStore(store, cache.New(rc, cfg.Service), cfg.Mongo.CacheTTL), closeAll, nil
}
