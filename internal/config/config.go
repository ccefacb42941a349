// Package config loads service configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/drfirst/go-pharmatrace/internal/ledger"
)

// Store drivers
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// StoreConfig selects and locates the ledger backend
type StoreConfig struct {
	Driver      string
	SQLitePath  string
	DatabaseURL string
}

// LedgerConfig holds the engine and authorization settings
type LedgerConfig struct {
	StatusPolicy ledger.StatusPolicy
	Regulators   []ledger.Identity
	LockTimeout  time.Duration
	BusyRetries  uint
}

// KafkaConfig locates the Redpanda cluster
type KafkaConfig struct {
	Brokers []string
	GroupID string
}

// RedisConfig locates the holdings projection
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// ArchiveConfig locates the audit archive bucket
type ArchiveConfig struct {
	Bucket    string
	Region    string
	Endpoint  string
	PathStyle bool
}

// OutboxConfig tunes the outbox relay
type OutboxConfig struct {
	PollInterval time.Duration
	BatchSize    int
	MaxRetries   int
}

// TracingConfig controls OpenTelemetry export
type TracingConfig struct {
	Enabled    bool
	Endpoint   string
	SampleRate float64
}

// Config holds application configuration
type Config struct {
	Port      string
	LogLevel  string
	LogFormat string
	// APIKeys maps an API key to the identity it authenticates
	APIKeys map[string]ledger.Identity
	Store   StoreConfig
	Ledger  LedgerConfig
	Kafka   KafkaConfig
	Redis   RedisConfig
	Archive ArchiveConfig
	Outbox  OutboxConfig
	Tracing TracingConfig
}

// Load reads the configuration from the environment, applying defaults.
// defaultPort is used when PORT is unset.
func Load(defaultPort string) (Config, error) {
	cfg := Config{
		Port:      getEnv("PORT", defaultPort),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
		Store: StoreConfig{
			Driver:      strings.ToLower(getEnv("STORE_DRIVER", DriverMemory)),
			SQLitePath:  getEnv("SQLITE_PATH", "pharmatrace.db"),
			DatabaseURL: os.Getenv("DATABASE_URL"),
		},
		Kafka: KafkaConfig{
			Brokers: splitList(os.Getenv("KAFKA_BROKERS")),
			GroupID: getEnv("KAFKA_GROUP_ID", "custody-indexer"),
		},
		Redis: RedisConfig{
			Addr:     os.Getenv("REDIS_ADDR"),
			Password: os.Getenv("REDIS_PASSWORD"),
		},
		Archive: ArchiveConfig{
			Bucket:   os.Getenv("ARCHIVE_S3_BUCKET"),
			Region:   getEnv("ARCHIVE_S3_REGION", "us-east-1"),
			Endpoint: os.Getenv("ARCHIVE_S3_ENDPOINT"),
		},
		Tracing: TracingConfig{
			Endpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		},
	}

	var err error
	if cfg.APIKeys, err = parseAPIKeys(os.Getenv("API_KEYS")); err != nil {
		return Config{}, err
	}

	switch cfg.Store.Driver {
	case DriverMemory, DriverSQLite:
	case DriverPostgres:
		if cfg.Store.DatabaseURL == "" {
			return Config{}, fmt.Errorf("DATABASE_URL required for the postgres store driver")
		}
	default:
		return Config{}, fmt.Errorf("unknown STORE_DRIVER %q", cfg.Store.Driver)
	}

	if cfg.Ledger.StatusPolicy, err = ledger.ParseStatusPolicy(os.Getenv("STATUS_POLICY")); err != nil {
		return Config{}, err
	}
	for _, id := range splitList(os.Getenv("REGULATORS")) {
		cfg.Ledger.Regulators = append(cfg.Ledger.Regulators, ledger.Identity(id))
	}
	if cfg.Ledger.LockTimeout, err = getDuration("LOCK_TIMEOUT", ledger.DefaultLockTimeout); err != nil {
		return Config{}, err
	}
	retries, err := getInt("BUSY_RETRIES", 3)
	if err != nil {
		return Config{}, err
	}
	if retries < 1 {
		return Config{}, fmt.Errorf("BUSY_RETRIES must be at least 1, got %d", retries)
	}
	cfg.Ledger.BusyRetries = uint(retries)

	if cfg.Redis.DB, err = getInt("REDIS_DB", 0); err != nil {
		return Config{}, err
	}
	if cfg.Archive.PathStyle, err = getBool("ARCHIVE_S3_PATH_STYLE", false); err != nil {
		return Config{}, err
	}

	if cfg.Outbox.PollInterval, err = getDuration("OUTBOX_POLL_INTERVAL", 100*time.Millisecond); err != nil {
		return Config{}, err
	}
	if cfg.Outbox.BatchSize, err = getInt("OUTBOX_BATCH_SIZE", 100); err != nil {
		return Config{}, err
	}
	if cfg.Outbox.MaxRetries, err = getInt("OUTBOX_MAX_RETRIES", 5); err != nil {
		return Config{}, err
	}

	if cfg.Tracing.Enabled, err = getBool("OTEL_ENABLED", false); err != nil {
		return Config{}, err
	}
	if cfg.Tracing.SampleRate, err = getFloat("OTEL_SAMPLE_RATE", 1.0); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// parseAPIKeys parses "key=identity,key2=identity2"
func parseAPIKeys(raw string) (map[string]ledger.Identity, error) {
	keys := make(map[string]ledger.Identity)
	for _, pair := range splitList(raw) {
		key, identity, ok := strings.Cut(pair, "=")
		key, identity = strings.TrimSpace(key), strings.TrimSpace(identity)
		if !ok || key == "" || identity == "" {
			return nil, fmt.Errorf("API_KEYS: malformed entry %q, want key=identity", pair)
		}
		keys[key] = ledger.Identity(identity)
	}
	return keys, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}

func getFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return f, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
