package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment variable read by ApplyEnv.
const EnvPrefix = "TURNSTILE_"

// LoadDotEnv loads .env files into the process environment. Variables that
// are already set win. Missing files are ignored; with no paths ".env" is tried.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("loading %s: %w", p, err)
		}
	}
	return nil
}

// envReader collects parse errors so every bad variable is reported at once.
type envReader struct {
	errs []error
}

func (r *envReader) lookup(name string) (string, bool) {
	v, ok := os.LookupEnv(EnvPrefix + name)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func (r *envReader) str(name string, dst *string) {
	if v, ok := r.lookup(name); ok {
		*dst = v
	}
}

func (r *envReader) int(name string, dst *int) {
	v, ok := r.lookup(name)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
		return
	}
	*dst = n
}

func (r *envReader) bool(name string, dst *bool) {
	v, ok := r.lookup(name)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
		return
	}
	*dst = b
}

func (r *envReader) duration(name string, dst *time.Duration) {
	v, ok := r.lookup(name)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
		return
	}
	*dst = d
}

func (r *envReader) float(name string, dst *float64) {
	v, ok := r.lookup(name)
	if !ok {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
		return
	}
	*dst = f
}

func (r *envReader) list(name string, dst *[]string) {
	v, ok := r.lookup(name)
	if !ok {
		return
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	*dst = out
}

// ApplyEnv overrides cfg with TURNSTILE_* environment variables, e.g.
// TURNSTILE_LIMITER_MAX_REQUESTS=100 or TURNSTILE_STORAGE_REDIS_CLUSTER_NODES=a:7000,b:7001.
func ApplyEnv(cfg *Config) error {
	r := &envReader{}

	r.str("SERVER_ADDR", &cfg.Server.Addr)
	r.bool("SERVER_FAIL_OPEN", &cfg.Server.FailOpen)
	r.int("SERVER_CONFLICT_RETRIES", &cfg.Server.ConflictRetries)

	r.str("LIMITER_ALGORITHM", &cfg.Limiter.Algorithm)
	r.int("LIMITER_MAX_REQUESTS", &cfg.Limiter.MaxRequests)
	r.duration("LIMITER_INTERVAL", &cfg.Limiter.Interval)

	r.str("STORAGE_BACKEND", &cfg.Storage.Backend)
	r.str("STORAGE_KEY_PREFIX", &cfg.Storage.KeyPrefix)
	r.duration("STORAGE_MEMORY_CLEANUP_INTERVAL", &cfg.Storage.Memory.CleanupInterval)

	redis := &cfg.Storage.Redis
	r.str("STORAGE_REDIS_HOST", &redis.Host)
	r.int("STORAGE_REDIS_PORT", &redis.Port)
	r.str("STORAGE_REDIS_PASSWORD", &redis.Password)
	r.int("STORAGE_REDIS_DB", &redis.DB)
	r.bool("STORAGE_REDIS_CLUSTER", &redis.Cluster)
	r.list("STORAGE_REDIS_CLUSTER_NODES", &redis.ClusterNodes)
	r.int("STORAGE_REDIS_POOL_SIZE", &redis.PoolSize)
	r.int("STORAGE_REDIS_MAX_RETRIES", &redis.MaxRetries)
	r.duration("STORAGE_REDIS_DIAL_TIMEOUT", &redis.DialTimeout)

	r.str("STORAGE_SQLITE_PATH", &cfg.Storage.SQLite.Path)
	r.duration("STORAGE_SQLITE_CLEANUP_INTERVAL", &cfg.Storage.SQLite.CleanupInterval)

	r.str("LOG_LEVEL", &cfg.Log.Level)
	r.str("LOG_FORMAT", &cfg.Log.Format)

	r.str("TRACING_ENDPOINT", &cfg.Tracing.Endpoint)
	r.bool("TRACING_INSECURE", &cfg.Tracing.Insecure)
	r.float("TRACING_SAMPLE_RATIO", &cfg.Tracing.SampleRatio)

	return errors.Join(r.errs...)
}
