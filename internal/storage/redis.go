package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisPoolSize    = 20
	defaultRedisMaxRetries  = 3
	defaultRedisDialTimeout = 5 * time.Second
)

// RedisConfig configures the Redis backend.
type RedisConfig struct {
	Host         string        `json:"host" yaml:"host"`
	Port         int           `json:"port" yaml:"port"`
	Password     string        `json:"password" yaml:"password"`
	DB           int           `json:"db" yaml:"db"`
	Cluster      bool          `json:"cluster" yaml:"cluster"`
	ClusterNodes []string      `json:"cluster_nodes" yaml:"cluster_nodes"`
	PoolSize     int           `json:"pool_size" yaml:"pool_size"`
	MaxRetries   int           `json:"max_retries" yaml:"max_retries"`
	DialTimeout  time.Duration `json:"dial_timeout" yaml:"dial_timeout"`
}

// RedisStore is a Redis-backed implementation of Store.
//
// Atomic uses optimistic locking: the transaction keys are WATCHed, reads run
// on the watched connection and the buffered writes are sent in MULTI/EXEC.
// In cluster mode all keys of one transaction must hash to the same slot, so
// callers group them with a {hash tag}.
type RedisStore struct {
	client redis.UniversalClient

	closeOnce sync.Once
	closeErr  error
}

// NewRedisStore dials Redis (or a Redis cluster) and verifies the connection.
func NewRedisStore(ctx context.Context, cfg *RedisConfig) (*RedisStore, error) {
	conf, err := normalizeRedisConfig(cfg)
	if err != nil {
		return nil, err
	}

	client := newRedisClient(conf)
	s := NewRedisStoreFromClient(client)

	if err := s.pingWithRetry(ctx, conf.MaxRetries); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w: %w", ErrUnavailable, err)
	}

	return s, nil
}

// NewRedisStoreFromClient wraps an existing client. The store takes ownership
// of the client and closes it in Close.
func NewRedisStoreFromClient(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func unavailable(op string, err error) error {
	return fmt.Errorf("redis %s: %w: %w", op, ErrUnavailable, err)
}

func scoreArg(v int64) string {
	return strconv.FormatInt(v, 10)
}

func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var rerr redis.Error
	if errors.As(err, &rerr) && strings.HasPrefix(rerr.Error(), "WRONGTYPE") {
		return fmt.Errorf("redis %s: %w", op, ErrWrongType)
	}
	return unavailable(op, err)
}

// The read helpers run against either the plain client or a watched *redis.Tx.

func redisGet(ctx context.Context, c redis.Cmdable, key string) (int64, bool, error) {
	v, err := c.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, classify("get", err)
	}
	return v, true, nil
}

func redisExists(ctx context.Context, c redis.Cmdable, key string) (bool, error) {
	n, err := c.Exists(ctx, key).Result()
	if err != nil {
		return false, classify("exists", err)
	}
	return n > 0, nil
}

func redisZCount(ctx context.Context, c redis.Cmdable, key string, min, max int64) (int64, error) {
	n, err := c.ZCount(ctx, key, scoreArg(min), scoreArg(max)).Result()
	if err != nil {
		return 0, classify("zcount", err)
	}
	return n, nil
}

func redisZCard(ctx context.Context, c redis.Cmdable, key string) (int64, error) {
	n, err := c.ZCard(ctx, key).Result()
	if err != nil {
		return 0, classify("zcard", err)
	}
	return n, nil
}

func redisZMinScore(ctx context.Context, c redis.Cmdable, key string, min int64) (int64, bool, error) {
	zs, err := c.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{
		Min:   scoreArg(min),
		Max:   "+inf",
		Count: 1,
	}).Result()
	if err != nil {
		return 0, false, classify("zrangebyscore", err)
	}
	if len(zs) == 0 {
		return 0, false, nil
	}
	return int64(zs[0].Score), true, nil
}

func redisLLen(ctx context.Context, c redis.Cmdable, key string) (int64, error) {
	n, err := c.LLen(ctx, key).Result()
	if err != nil {
		return 0, classify("llen", err)
	}
	return n, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (int64, bool, error) {
	return redisGet(ctx, s.client, key)
}

func (s *RedisStore) Set(ctx context.Context, key string, value int64, ttl time.Duration) error {
	return classify("set", s.client.Set(ctx, key, value, ttl).Err())
}

func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	return redisExists(ctx, s.client, key)
}

func (s *RedisStore) Incr(ctx context.Context, key string) (int64, error) {
	n, err := s.client.Incr(ctx, key).Result()
	return n, classify("incr", err)
}

func (s *RedisStore) Decr(ctx context.Context, key string) (int64, error) {
	n, err := s.client.Decr(ctx, key).Result()
	return n, classify("decr", err)
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := s.client.Expire(ctx, key, ttl).Result()
	return ok, classify("expire", err)
}

func (s *RedisStore) ZAdd(ctx context.Context, key string, score int64, member string) error {
	return classify("zadd", s.client.ZAdd(ctx, key, redis.Z{Score: float64(score), Member: member}).Err())
}

func (s *RedisStore) ZCount(ctx context.Context, key string, min, max int64) (int64, error) {
	return redisZCount(ctx, s.client, key, min, max)
}

func (s *RedisStore) ZCard(ctx context.Context, key string) (int64, error) {
	return redisZCard(ctx, s.client, key)
}

func (s *RedisStore) ZRemRangeByScore(ctx context.Context, key string, min, max int64) (int64, error) {
	n, err := s.client.ZRemRangeByScore(ctx, key, scoreArg(min), scoreArg(max)).Result()
	return n, classify("zremrangebyscore", err)
}

func (s *RedisStore) LLen(ctx context.Context, key string) (int64, error) {
	return redisLLen(ctx, s.client, key)
}

func (s *RedisStore) LPopOldest(ctx context.Context, key string) (string, bool, error) {
	v, err := s.client.LPop(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, classify("lpop", err)
	}
	return v, true, nil
}

func (s *RedisStore) LPushNewest(ctx context.Context, key, member string) (int64, error) {
	n, err := s.client.RPush(ctx, key, member).Result()
	return n, classify("rpush", err)
}

// abortError carries an error returned by the transaction body through
// client.Watch so it can be told apart from Redis failures.
type abortError struct{ err error }

func (e *abortError) Error() string { return e.err.Error() }

func (s *RedisStore) Atomic(ctx context.Context, keys []string, fn func(tx Tx) error) error {
	err := s.client.Watch(ctx, func(rtx *redis.Tx) error {
		tx := &redisTx{ctx: ctx, tx: rtx}
		if err := fn(tx); err != nil {
			return &abortError{err: err}
		}
		if len(tx.writes) == 0 {
			return nil
		}
		_, err := rtx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, w := range tx.writes {
				w(pipe)
			}
			return nil
		})
		return err
	}, keys...)

	var abort *abortError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &abort):
		return abort.err
	case errors.Is(err, redis.TxFailedErr):
		return ErrConflict
	default:
		return classify("transaction", err)
	}
}

// Close releases Redis resources. It is idempotent.
func (s *RedisStore) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.client.Close()
	})
	return s.closeErr
}

type redisTx struct {
	ctx    context.Context
	tx     *redis.Tx
	writes []func(redis.Pipeliner)
}

func (t *redisTx) Get(key string) (int64, bool, error) { return redisGet(t.ctx, t.tx, key) }
func (t *redisTx) Exists(key string) (bool, error) { return redisExists(t.ctx, t.tx, key) }
func (t *redisTx) ZCard(key string) (int64, error) { return redisZCard(t.ctx, t.tx, key) }
func (t *redisTx) LLen(key string) (int64, error) { return redisLLen(t.ctx, t.tx, key) }
func (t *redisTx) ZCount(key string, min, max int64) (int64, error) {
	return redisZCount(t.ctx, t.tx, key, min, max)
}
func (t *redisTx) ZMinScore(key string, min int64) (int64, bool, error) {
	return redisZMinScore(t.ctx, t.tx, key, min)
}

func (t *redisTx) queue(w func(redis.Pipeliner)) {
	t.writes = append(t.writes, w)
}

func (t *redisTx) Set(key string, value int64, ttl time.Duration) {
	t.queue(func(p redis.Pipeliner) { p.Set(t.ctx, key, value, ttl) })
}

func (t *redisTx) Incr(key string) {
	t.queue(func(p redis.Pipeliner) { p.Incr(t.ctx, key) })
}

func (t *redisTx) Decr(key string) {
	t.queue(func(p redis.Pipeliner) { p.Decr(t.ctx, key) })
}

func (t *redisTx) Expire(key string, ttl time.Duration) {
	t.queue(func(p redis.Pipeliner) { p.Expire(t.ctx, key, ttl) })
}

func (t *redisTx) ZAdd(key string, score int64, member string) {
	t.queue(func(p redis.Pipeliner) {
		p.ZAdd(t.ctx, key, redis.Z{Score: float64(score), Member: member})
	})
}

func (t *redisTx) ZRemRangeByScore(key string, min, max int64) {
	t.queue(func(p redis.Pipeliner) { p.ZRemRangeByScore(t.ctx, key, scoreArg(min), scoreArg(max)) })
}

func (t *redisTx) LPopOldest(key string) {
	t.queue(func(p redis.Pipeliner) { p.LPop(t.ctx, key) })
}

func (t *redisTx) LPushNewest(key, member string) {
	t.queue(func(p redis.Pipeliner) { p.RPush(t.ctx, key, member) })
}

func (s *RedisStore) pingWithRetry(ctx context.Context, maxRetries int) error {
	attempts := maxRetries + 1
	if attempts < 1 {
		attempts = 1
	}

	backoff := 100 * time.Millisecond
	var lastErr error
	for i := 0; i < attempts; i++ {
		lastErr = s.client.Ping(ctx).Err()
		if lastErr == nil {
			return nil
		}

		if i == attempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
	}

	if lastErr == nil {
		lastErr = errors.New("ping failed with unknown error")
	}
	return lastErr
}

func normalizeRedisConfig(cfg *RedisConfig) (*RedisConfig, error) {
	if cfg == nil {
		return nil, fmt.Errorf("redis config is required")
	}

	conf := *cfg
	if conf.PoolSize <= 0 {
		conf.PoolSize = defaultRedisPoolSize
	}
	if conf.MaxRetries <= 0 {
		conf.MaxRetries = defaultRedisMaxRetries
	}
	if conf.DialTimeout <= 0 {
		conf.DialTimeout = defaultRedisDialTimeout
	}

	if conf.Cluster {
		if len(conf.ClusterNodes) == 0 {
			return nil, fmt.Errorf("cluster_nodes is required when cluster=true")
		}
	} else {
		if conf.Host == "" {
			return nil, fmt.Errorf("host is required when cluster=false")
		}
		if conf.Port <= 0 {
			return nil, fmt.Errorf("port must be positive when cluster=false, got %d", conf.Port)
		}
	}

	return &conf, nil
}

func newRedisClient(cfg *RedisConfig) redis.UniversalClient {
	if cfg.Cluster {
		return redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:       cfg.ClusterNodes,
			Password:    cfg.Password,
			PoolSize:    cfg.PoolSize,
			MaxRetries:  cfg.MaxRetries,
			DialTimeout: cfg.DialTimeout,
		})
	}

	addr := cfg.Host + ":" + strconv.Itoa(cfg.Port)
	return redis.NewClient(&redis.Options{
		Addr:        addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		PoolSize:    cfg.PoolSize,
		MaxRetries:  cfg.MaxRetries,
		DialTimeout: cfg.DialTimeout,
	})
}
