// Package turnstile is the public API for embedding Turnstile's rate limiter
// in another program without running the server.
package turnstile

import (
	"context"

	"github.com/redis/go-redis/v9"

	"github.com/SmitUplenchwar2687/turnstile/internal/clock"
	"github.com/SmitUplenchwar2687/turnstile/internal/limiter"
	"github.com/SmitUplenchwar2687/turnstile/internal/storage"
)

// Algorithm identifies a rate limiting algorithm.
type Algorithm = limiter.Algorithm

const (
	AlgorithmFixedWindow   = limiter.AlgorithmFixedWindow
	AlgorithmLeakyBucket   = limiter.AlgorithmLeakyBucket
	AlgorithmSlidingLog    = limiter.AlgorithmSlidingLog
	AlgorithmSlidingWindow = limiter.AlgorithmSlidingWindow
	AlgorithmTokenBucket   = limiter.AlgorithmTokenBucket
)

// Limiter checks requests against the configured algorithm.
type Limiter = limiter.Limiter

// Config selects an algorithm and its limit.
type Config = limiter.Config

// Decision is the outcome of a single check.
type Decision = limiter.Decision

// Event identifies the request being checked.
type Event = limiter.Event

// Option customizes a Limiter.
type Option = limiter.Option

// Store holds limiter state.
type Store = storage.Store

// Clock reports the current time in Unix seconds.
type Clock = clock.Clock

// VirtualClock is a manually advanced clock for tests and simulations.
type VirtualClock = clock.VirtualClock

// Errors returned by Check and Configure.
var (
	ErrStoreUnavailable     = limiter.ErrStoreUnavailable
	ErrInvalidConfiguration = limiter.ErrInvalidConfiguration
	ErrConcurrencyViolation = limiter.ErrConcurrencyViolation
	ErrInvalidIdentity      = limiter.ErrInvalidIdentity
	ErrNotConfigured        = limiter.ErrNotConfigured
)

var (
	WithKeyPrefix      = limiter.WithKeyPrefix
	WithTracerProvider = limiter.WithTracerProvider
	WithConfig         = limiter.WithConfig
)

// New creates a Limiter over store. A nil clock means the real clock.
func New(store Store, c Clock, opts ...Option) (*Limiter, error) {
	return limiter.New(store, c, opts...)
}

// NewMemoryStore returns a process-local store whose TTLs follow c.
func NewMemoryStore(c Clock) *storage.MemoryStore {
	return storage.NewMemoryStore(c)
}

// NewRedisStore wraps an existing go-redis client, standalone or cluster.
func NewRedisStore(client redis.UniversalClient) *storage.RedisStore {
	return storage.NewRedisStoreFromClient(client)
}

// DialRedis connects to redis and verifies the connection.
func DialRedis(ctx context.Context, cfg *storage.RedisConfig) (*storage.RedisStore, error) {
	return storage.NewRedisStore(ctx, cfg)
}

// NewSQLiteStore opens or creates the database at path.
func NewSQLiteStore(path string, c Clock) (*storage.SQLiteStore, error) {
	return storage.NewSQLiteStore(storage.SQLiteConfig{Path: path}, c)
}

// NewVirtualClock creates a clock fixed at start until advanced.
func NewVirtualClock(start int64) *VirtualClock {
	return clock.NewVirtualClock(start)
}

// NewRealClock returns the wall clock.
func NewRealClock() Clock {
	return clock.NewRealClock()
}
