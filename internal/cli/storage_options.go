package cli

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/SmitUplenchwar2687/turnstile/internal/clock"
	"github.com/SmitUplenchwar2687/turnstile/internal/config"
	"github.com/SmitUplenchwar2687/turnstile/internal/storage"
)

type storageOptions struct {
	backend               string
	keyPrefix             string
	memoryCleanupInterval time.Duration
	redisHost             string
	redisPort             int
	redisPassword         string
	redisDB               int
	redisCluster          bool
	redisClusterNodes     []string
	redisPoolSize         int
	redisMaxRetries       int
	redisDialTimeout      time.Duration
	sqlitePath            string
	sqliteCleanupInterval time.Duration
}

func defaultStorageOptions() storageOptions {
	d := config.Default().Storage
	return storageOptions{
		backend:               d.Backend,
		keyPrefix:             d.KeyPrefix,
		memoryCleanupInterval: d.Memory.CleanupInterval,
		redisHost:             d.Redis.Host,
		redisPort:             d.Redis.Port,
		redisDB:               d.Redis.DB,
		redisPoolSize:         d.Redis.PoolSize,
		redisMaxRetries:       d.Redis.MaxRetries,
		redisDialTimeout:      d.Redis.DialTimeout,
		sqlitePath:            d.SQLite.Path,
		sqliteCleanupInterval: d.SQLite.CleanupInterval,
	}
}

func (o *storageOptions) addFlags(cmd *cobra.Command) {
	d := defaultStorageOptions()
	cmd.Flags().StringVar(&o.backend, "storage", d.backend, "storage backend (memory, redis, sqlite)")
	cmd.Flags().StringVar(&o.keyPrefix, "key-prefix", d.keyPrefix, "namespace prepended to every store key")
	cmd.Flags().DurationVar(&o.memoryCleanupInterval, "storage-memory-cleanup-interval", d.memoryCleanupInterval, "expired key sweep interval for the memory backend (0 disables)")
	cmd.Flags().StringVar(&o.redisHost, "redis-host", d.redisHost, "redis host (or host:port)")
	cmd.Flags().IntVar(&o.redisPort, "redis-port", d.redisPort, "redis port")
	cmd.Flags().StringVar(&o.redisPassword, "redis-password", "", "redis password")
	cmd.Flags().IntVar(&o.redisDB, "redis-db", d.redisDB, "redis database index")
	cmd.Flags().BoolVar(&o.redisCluster, "redis-cluster", false, "enable redis cluster mode")
	cmd.Flags().StringSliceVar(&o.redisClusterNodes, "redis-cluster-nodes", nil, "redis cluster nodes host:port list")
	cmd.Flags().IntVar(&o.redisPoolSize, "redis-pool-size", d.redisPoolSize, "redis connection pool size")
	cmd.Flags().IntVar(&o.redisMaxRetries, "redis-max-retries", d.redisMaxRetries, "redis max retries")
	cmd.Flags().DurationVar(&o.redisDialTimeout, "redis-dial-timeout", d.redisDialTimeout, "redis dial timeout")
	cmd.Flags().StringVar(&o.sqlitePath, "sqlite-path", d.sqlitePath, "sqlite database file")
	cmd.Flags().DurationVar(&o.sqliteCleanupInterval, "sqlite-cleanup-interval", d.sqliteCleanupInterval, "expired key sweep interval for the sqlite backend (0 disables)")
}

// applyConfigIfUnset copies cfg into every option whose flag was not given,
// so explicit flags win over the config file and environment.
func (o *storageOptions) applyConfigIfUnset(cmd *cobra.Command, cfg *config.StorageConfig) {
	if cfg == nil {
		return
	}

	if !cmd.Flags().Changed("storage") {
		o.backend = cfg.Backend
	}
	if !cmd.Flags().Changed("key-prefix") {
		o.keyPrefix = cfg.KeyPrefix
	}
	if !cmd.Flags().Changed("storage-memory-cleanup-interval") {
		o.memoryCleanupInterval = cfg.Memory.CleanupInterval
	}
	if !cmd.Flags().Changed("redis-host") {
		o.redisHost = cfg.Redis.Host
	}
	if !cmd.Flags().Changed("redis-port") {
		o.redisPort = cfg.Redis.Port
	}
	if !cmd.Flags().Changed("redis-password") {
		o.redisPassword = cfg.Redis.Password
	}
	if !cmd.Flags().Changed("redis-db") {
		o.redisDB = cfg.Redis.DB
	}
	if !cmd.Flags().Changed("redis-cluster") {
		o.redisCluster = cfg.Redis.Cluster
	}
	if !cmd.Flags().Changed("redis-cluster-nodes") {
		o.redisClusterNodes = cfg.Redis.ClusterNodes
	}
	if !cmd.Flags().Changed("redis-pool-size") {
		o.redisPoolSize = cfg.Redis.PoolSize
	}
	if !cmd.Flags().Changed("redis-max-retries") {
		o.redisMaxRetries = cfg.Redis.MaxRetries
	}
	if !cmd.Flags().Changed("redis-dial-timeout") {
		o.redisDialTimeout = cfg.Redis.DialTimeout
	}
	if !cmd.Flags().Changed("sqlite-path") {
		o.sqlitePath = cfg.SQLite.Path
	}
	if !cmd.Flags().Changed("sqlite-cleanup-interval") {
		o.sqliteCleanupInterval = cfg.SQLite.CleanupInterval
	}
}

func (o *storageOptions) normalize() error {
	if o.backend != config.BackendRedis || o.redisCluster {
		return nil
	}

	host, port, err := normalizeRedisHostPort(o.redisHost, o.redisPort)
	if err != nil {
		return err
	}
	o.redisHost = host
	o.redisPort = port
	return nil
}

func (o *storageOptions) toConfig() config.StorageConfig {
	return config.StorageConfig{
		Backend:   o.backend,
		KeyPrefix: o.keyPrefix,
		Memory: config.MemoryStorageConfig{
			CleanupInterval: o.memoryCleanupInterval,
		},
		Redis: storage.RedisConfig{
			Host:         o.redisHost,
			Port:         o.redisPort,
			Password:     o.redisPassword,
			DB:           o.redisDB,
			Cluster:      o.redisCluster,
			ClusterNodes: append([]string(nil), o.redisClusterNodes...),
			PoolSize:     o.redisPoolSize,
			MaxRetries:   o.redisMaxRetries,
			DialTimeout:  o.redisDialTimeout,
		},
		SQLite: config.SQLiteStorageConfig{
			Path:            o.sqlitePath,
			CleanupInterval: o.sqliteCleanupInterval,
		},
	}
}

func normalizeRedisHostPort(host string, port int) (string, int, error) {
	if strings.Contains(host, ":") {
		h, p, err := net.SplitHostPort(host)
		if err != nil {
			return "", 0, fmt.Errorf("invalid --redis-host value %q: %w", host, err)
		}
		n, err := strconv.Atoi(p)
		if err != nil {
			return "", 0, fmt.Errorf("invalid redis port in --redis-host %q: %w", host, err)
		}
		host = h
		port = n
	}

	if host == "" {
		return "", 0, fmt.Errorf("redis host cannot be empty")
	}
	if port <= 0 {
		return "", 0, fmt.Errorf("redis port must be positive, got %d", port)
	}

	return host, port, nil
}

// openStore builds the store selected by cfg. Memory and sqlite TTLs follow c;
// redis expires keys on the server's own clock.
func openStore(ctx context.Context, cfg config.StorageConfig, c clock.Clock) (storage.Store, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return storage.NewMemoryStore(c), nil
	case config.BackendRedis:
		return storage.NewRedisStore(ctx, &cfg.Redis)
	case config.BackendSQLite:
		return storage.NewSQLiteStore(storage.SQLiteConfig{Path: cfg.SQLite.Path}, c)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// sweepInterval is how often expired keys of the selected backend are swept.
// Redis expires keys itself and reports zero.
func sweepInterval(cfg config.StorageConfig) time.Duration {
	switch cfg.Backend {
	case config.BackendMemory:
		return cfg.Memory.CleanupInterval
	case config.BackendSQLite:
		return cfg.SQLite.CleanupInterval
	default:
		return 0
	}
}
