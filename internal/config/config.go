// Package config loads service configuration from an optional YAML file,
// applies environment overrides and validates the result.
package config

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Service   string          `yaml:"service"`
	Log       LogConfig       `yaml:"log"`
	HTTP      ListenConfig    `yaml:"http"`
	GRPC      ListenConfig    `yaml:"grpc"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Transport TransportConfig `yaml:"transport"`
	Store     StoreConfig     `yaml:"store"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Mongo     MongoConfig     `yaml:"mongo"`
	Crypto    CryptoConfig    `yaml:"crypto"`
	Saga      SagaConfig      `yaml:"saga"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type ListenConfig struct {
	Addr string `yaml:"addr"`
}

type TelemetryConfig struct {
	// Endpoint is the OTLP gRPC collector; empty disables export.
	Endpoint    string `yaml:"endpoint"`
	Environment string `yaml:"environment"`
}

type TransportConfig struct {
	Kind    string   `yaml:"kind"` // kafka or memory
	Brokers []string `yaml:"brokers"`
	Group   string   `yaml:"group"`
}

type StoreConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

type LedgerConfig struct {
	Kind      string `yaml:"kind"` // redis, sqlite or memory
	RedisAddr string `yaml:"redis_addr"`
}

type MongoConfig struct {
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`

	// CacheTTL enables the Redis read cache in front of profile lookups.
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// CryptoConfig enables payload encryption when Secret is set.
type CryptoConfig struct {
	Secret string `yaml:"secret"`
	Salt   string `yaml:"salt"`
}

type SagaConfig struct {
	MaxRetries          int           `yaml:"max_retries"`
	RegistrationTimeout time.Duration `yaml:"registration_timeout"`
	DeletionTimeout     time.Duration `yaml:"deletion_timeout"`
}

type SchedulerConfig struct {
	TimeoutInterval time.Duration `yaml:"timeout_interval"`
	HealthInterval  time.Duration `yaml:"health_interval"`
	StuckAfter      time.Duration `yaml:"stuck_after"`
	BatchSize       int           `yaml:"batch_size"`
}

// Default returns the configuration used when neither file nor environment
// say otherwise.
func Default(service string) Config {
	return Config{
		Service: service,
		Log:     LogConfig{Level: "info"},
		HTTP:    ListenConfig{Addr: ":8080"},
		GRPC:    ListenConfig{Addr: ":9090"},
		Telemetry: TelemetryConfig{
			Endpoint:    "localhost:4317",
			Environment: "local",
		},
		Transport: TransportConfig{Kind: "kafka", Brokers: []string{"localhost:9092"}, Group: service},
		Store:     StoreConfig{SQLitePath: service + ".db"},
		Ledger:    LedgerConfig{Kind: "redis", RedisAddr: "localhost:6379"},
		Mongo:     MongoConfig{URI: "mongodb://localhost:27017", Database: "identity", CacheTTL: 30 * time.Second},
		Crypto:    CryptoConfig{Salt: "identity-sagas"},
		Saga: SagaConfig{
			MaxRetries:          3,
			RegistrationTimeout: 30 * time.Second,
			DeletionTimeout:     60 * time.Second,
		},
		Scheduler: SchedulerConfig{
			TimeoutInterval: 30 * time.Second,
			HealthInterval:  5 * time.Minute,
			StuckAfter:      10 * time.Minute,
			BatchSize:       100,
		},
	}
}

// lookup is os.LookupEnv; tests replace it.
var lookup = os.LookupEnv

// applyEnv overrides fields from environment variables.
func (c *Config) applyEnv() error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("SERVICE_NAME", &c.Service)
	str("LOG_LEVEL", &c.Log.Level)
	str("HTTP_ADDR", &c.HTTP.Addr)
	str("GRPC_ADDR", &c.GRPC.Addr)
	str("OTEL_EXPORTER_OTLP_ENDPOINT", &c.Telemetry.Endpoint)
	str("OTEL_RESOURCE_ATTRIBUTES_ENV", &c.Telemetry.Environment)
	str("TRANSPORT_KIND", &c.Transport.Kind)
	str("KAFKA_GROUP", &c.Transport.Group)
	str("SQLITE_PATH", &c.Store.SQLitePath)
	str("LEDGER_KIND", &c.Ledger.Kind)
	str("REDIS_ADDR", &c.Ledger.RedisAddr)
	str("MONGO_URI", &c.Mongo.URI)
	str("MONGO_DATABASE", &c.Mongo.Database)
	str("EVENT_SECRET", &c.Crypto.Secret)
	str("EVENT_SALT", &c.Crypto.Salt)

	if v, ok := lookup("KAFKA_BROKERS"); ok && v != "" {
		c.Transport.Brokers = splitList(v)
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"SAGA_REGISTRATION_TIMEOUT", &c.Saga.RegistrationTimeout},
		{"SAGA_DELETION_TIMEOUT", &c.Saga.DeletionTimeout},
		{"SCHEDULER_TIMEOUT_INTERVAL", &c.Scheduler.TimeoutInterval},
		{"SCHEDULER_HEALTH_INTERVAL", &c.Scheduler.HealthInterval},
		{"SCHEDULER_STUCK_AFTER", &c.Scheduler.StuckAfter},
		{"PROFILE_CACHE_TTL", &c.Mongo.CacheTTL},
	}
	for _, d := range durations {
		v, ok := lookup(d.key)
		if !ok || v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: %s: %w", d.key, err)
		}
		*d.dst = parsed
	}

	if v, ok := lookup("SAGA_MAX_RETRIES"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: SAGA_MAX_RETRIES: %w", err)
		}
		c.Saga.MaxRetries = n
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) { problems = append(problems, fmt.Sprintf(format, args...)) }

	if c.Service == "" {
		add("service is required")
	}
	if !slices.Contains([]string{"debug", "info", "warn", "error"}, strings.ToLower(c.Log.Level)) {
		add("log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}
	switch c.Transport.Kind {
	case "kafka":
		if len(c.Transport.Brokers) == 0 {
			add("transport.brokers must not be empty for kafka")
		}
		if c.Transport.Group == "" {
			add("transport.group is required for kafka")
		}
	case "memory":
	default:
		add("transport.kind %q is not one of kafka, memory", c.Transport.Kind)
	}
	switch c.Ledger.Kind {
	case "redis":
		if c.Ledger.RedisAddr == "" {
			add("ledger.redis_addr is required for redis")
		}
	case "sqlite", "memory":
	default:
		add("ledger.kind %q is not one of redis, sqlite, memory", c.Ledger.Kind)
	}
	if c.Store.SQLitePath == "" {
		add("store.sqlite_path is required")
	}
	if c.Saga.MaxRetries < 1 {
		add("saga.max_retries must be at least 1")
	}
	if c.Saga.RegistrationTimeout <= 0 || c.Saga.DeletionTimeout <= 0 {
		add("saga timeouts must be positive")
	}
	if c.Scheduler.TimeoutInterval <= 0 || c.Scheduler.HealthInterval <= 0 || c.Scheduler.StuckAfter <= 0 {
		add("scheduler intervals must be positive")
	}
	if c.Mongo.CacheTTL < 0 {
		add("mongo.cache_ttl must not be negative")
	}
	if c.Crypto.Secret != "" && c.Crypto.Salt == "" {
		add("crypto.salt is required when crypto.secret is set")
	}

	if len(problems) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(problems, "\n  - "))
	}
	return nil
}
