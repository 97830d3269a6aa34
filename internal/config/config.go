package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/SmitUplenchwar2687/turnstile/internal/limiter"
	"github.com/SmitUplenchwar2687/turnstile/internal/storage"
	"github.com/SmitUplenchwar2687/turnstile/internal/telemetry"
)

// Storage backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
)

// Config is the top-level configuration for a Turnstile process.
type Config struct {
	Server  ServerConfig            `yaml:"server"`
	Limiter LimiterConfig           `yaml:"limiter"`
	Storage StorageConfig           `yaml:"storage"`
	Log     LogConfig               `yaml:"log"`
	Tracing telemetry.TracingConfig `yaml:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr string `yaml:"addr"`
	// FailOpen admits requests when the store is unavailable instead of answering 503.
	FailOpen bool `yaml:"fail_open"`
	// ConflictRetries is how many times a check aborted by a concurrent writer is retried.
	ConflictRetries int `yaml:"conflict_retries"`
}

// LimiterConfig is the limit enforced by the server.
type LimiterConfig struct {
	Algorithm   string        `yaml:"algorithm"`
	MaxRequests int           `yaml:"max_requests"`
	Interval    time.Duration `yaml:"interval"`
}

// Limit converts the file representation to a limiter.Config.
func (c LimiterConfig) Limit() limiter.Config {
	return limiter.Config{
		Algorithm:       limiter.Algorithm(strings.ToLower(strings.TrimSpace(c.Algorithm))),
		MaxRequests:     c.MaxRequests,
		IntervalSeconds: int64(c.Interval / time.Second),
	}
}

// StorageConfig selects and configures the state store.
type StorageConfig struct {
	Backend   string              `yaml:"backend"`
	KeyPrefix string              `yaml:"key_prefix"`
	Memory    MemoryStorageConfig `yaml:"memory"`
	Redis     storage.RedisConfig `yaml:"redis"`
	SQLite    SQLiteStorageConfig `yaml:"sqlite"`
}

// MemoryStorageConfig configures the in-process store.
type MemoryStorageConfig struct {
	// CleanupInterval is how often expired keys are swept. Zero disables the sweep.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// SQLiteStorageConfig configures the SQLite store.
type SQLiteStorageConfig struct {
	Path            string        `yaml:"path"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or text
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ConflictRetries: 3,
		},
		Limiter: LimiterConfig{
			Algorithm:   string(limiter.AlgorithmTokenBucket),
			MaxRequests: 10,
			Interval:    time.Minute,
		},
		Storage: StorageConfig{
			Backend:   BackendMemory,
			KeyPrefix: limiter.DefaultKeyPrefix,
			Memory: MemoryStorageConfig{
				CleanupInterval: time.Minute,
			},
			Redis: storage.RedisConfig{
				Host:        "localhost",
				Port:        6379,
				PoolSize:    20,
				MaxRetries:  3,
				DialTimeout: 5 * time.Second,
			},
			SQLite: SQLiteStorageConfig{
				Path:            "turnstile.db",
				CleanupInterval: 5 * time.Minute,
			},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: telemetry.TracingConfig{
			Insecure:    true,
			SampleRatio: 1,
		},
	}
}

// Validate checks that the config is valid.
func (c Config) Validate() error {
	var errs []error

	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Server.ConflictRetries < 0 {
		errs = append(errs, fmt.Errorf("server.conflict_retries must not be negative, got %d", c.Server.ConflictRetries))
	}

	if c.Limiter.Interval%time.Second != 0 {
		errs = append(errs, fmt.Errorf("limiter.interval must be a whole number of seconds, got %s", c.Limiter.Interval))
	}
	if err := c.Limiter.Limit().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("limiter: %w", err))
	}

	switch c.Storage.Backend {
	case BackendMemory:
	case BackendRedis:
		r := c.Storage.Redis
		if r.Cluster && len(r.ClusterNodes) == 0 {
			errs = append(errs, errors.New("storage.redis.cluster_nodes is required when cluster is enabled"))
		}
		if !r.Cluster && (r.Host == "" || r.Port <= 0) {
			errs = append(errs, errors.New("storage.redis.host and storage.redis.port are required"))
		}
	case BackendSQLite:
		if c.Storage.SQLite.Path == "" {
			errs = append(errs, errors.New("storage.sqlite.path is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.backend %q, must be one of: memory, redis, sqlite", c.Storage.Backend))
	}

	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		errs = append(errs, fmt.Errorf("tracing.sample_ratio must be between 0 and 1, got %g", c.Tracing.SampleRatio))
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format must be json or text, got %q", c.Log.Format))
	}

	return errors.Join(errs...)
}

// Load builds the effective configuration: defaults, then the file at path
// (if any), then .env files, then TURNSTILE_* environment variables.
// The result is validated.
func Load(path string, envFiles ...string) (Config, error) {
	cfg := Default()
	if path != "" {
		var err error
		if cfg, err = LoadFile(path); err != nil {
			return cfg, err
		}
	}
	if err := LoadDotEnv(envFiles...); err != nil {
		return cfg, err
	}
	if err := ApplyEnv(&cfg); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadFile reads a YAML (or JSON) config file and merges it with defaults.
// Fields not specified in the file retain their default values.
func LoadFile(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config file: %w", err)
	}
	return cfg, nil
}

const example = `# Turnstile configuration. Every key can be overridden with TURNSTILE_<SECTION>_<KEY>.
server:
  addr: ":8080"
  fail_open: false
  conflict_retries: 3

limiter:
  # fixed_window, leaky_bucket, sliding_log, sliding_window or token_bucket
  algorithm: token_bucket
  max_requests: 10
  interval: 1m

storage:
  # memory, redis or sqlite
  backend: memory
  key_prefix: turnstile
  memory:
    cleanup_interval: 1m
  redis:
    host: localhost
    port: 6379
    password: ""
    db: 0
    cluster: false
    # cluster_nodes: ["10.0.0.1:7000", "10.0.0.2:7000"]
    pool_size: 20
    max_retries: 3
    dial_timeout: 5s
  sqlite:
    path: turnstile.db
    cleanup_interval: 5m

log:
  level: info
  format: json

tracing:
  endpoint: ""
  insecure: true
  sample_ratio: 1
`

// WriteExample writes an example config file to the given path.
func WriteExample(path string) error {
	return os.WriteFile(path, []byte(example), 0o644)
}
