package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUnavailable wraps every failure to reach or use the backing store.
	ErrUnavailable = errors.New("storage unavailable")

	// ErrConflict reports that a transaction was aborted because another client
	// modified one of its keys. Nothing from the aborted transaction was written.
	ErrConflict = errors.New("storage transaction conflict")

	// ErrWrongType is returned when an operation targets a key holding a
	// different kind of value (e.g. a list operation on a counter).
	ErrWrongType = errors.New("operation against a key holding the wrong kind of value")
)

// Store is the shared key/value contract rate limiting strategies run against.
// Every single operation is atomic on its own; multi-step sequences must go
// through Atomic. Implementations must be safe for concurrent use.
//
// A ttl of 0 means the key does not expire.
type Store interface {
	// Get returns the counter stored at key, and false if the key is absent or expired.
	Get(ctx context.Context, key string) (int64, bool, error)
	// Set stores a counter value, replacing whatever the key held.
	Set(ctx context.Context, key string, value int64, ttl time.Duration) error
	Exists(ctx context.Context, key string) (bool, error)
	// Incr adds one to the counter at key, creating it at 0 first if absent.
	// The key's expiry is left untouched.
	Incr(ctx context.Context, key string) (int64, error)
	Decr(ctx context.Context, key string) (int64, error)
	// Expire sets the ttl of an existing key. It reports false if the key is absent.
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// ZAdd inserts member with the given score into the ordered set at key.
	// Members with equal scores keep insertion order.
	ZAdd(ctx context.Context, key string, score int64, member string) error
	// ZCount counts members with min <= score <= max.
	ZCount(ctx context.Context, key string, min, max int64) (int64, error)
	ZCard(ctx context.Context, key string) (int64, error)
	// ZRemRangeByScore deletes members with min <= score <= max and returns how many were removed.
	ZRemRangeByScore(ctx context.Context, key string, min, max int64) (int64, error)

	LLen(ctx context.Context, key string) (int64, error)
	// LPopOldest removes and returns the oldest list entry; false if the list is empty.
	LPopOldest(ctx context.Context, key string) (string, bool, error)
	// LPushNewest appends member and returns the new length.
	LPushNewest(ctx context.Context, key, member string) (int64, error)

	// Atomic runs fn as one transaction over keys. fn may be invoked with a Tx
	// whose writes are committed together only if fn returns nil. When another
	// client changes one of keys concurrently, Atomic returns ErrConflict and
	// nothing is written. Errors returned by fn are passed through unchanged.
	Atomic(ctx context.Context, keys []string, fn func(tx Tx) error) error

	Close() error
}

// Tx is the view of a Store inside Atomic.
//
// Reads observe the keys as of the start of the transaction. Writes are
// recorded and committed when fn returns; their results are not observable by
// later reads of the same transaction, so callers finish reading before they
// start writing.
type Tx interface {
	Get(key string) (int64, bool, error)
	Exists(key string) (bool, error)
	ZCount(key string, min, max int64) (int64, error)
	ZCard(key string) (int64, error)
	// ZMinScore returns the lowest score >= min in the ordered set, false if none.
	ZMinScore(key string, min int64) (int64, bool, error)
	LLen(key string) (int64, error)

	Set(key string, value int64, ttl time.Duration)
	Incr(key string)
	Decr(key string)
	Expire(key string, ttl time.Duration)
	ZAdd(key string, score int64, member string)
	ZRemRangeByScore(key string, min, max int64)
	LPopOldest(key string)
	LPushNewest(key, member string)
}

// Sweeper is implemented by stores that reclaim expired keys lazily and
// benefit from a periodic full sweep.
type Sweeper interface {
	// Cleanup removes all expired keys and returns how many were removed.
	Cleanup(ctx context.Context) (int, error)
}

// ttlSeconds converts a ttl to whole seconds, rounding up so a positive ttl
// never collapses to "no expiry".
func ttlSeconds(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	secs := int64(ttl / time.Second)
	if ttl%time.Second != 0 {
		secs++
	}
	return secs
}
