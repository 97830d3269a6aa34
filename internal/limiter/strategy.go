package limiter

import (
	"fmt"
	"time"

	"github.com/SmitUplenchwar2687/turnstile/internal/clock"
	"github.com/SmitUplenchwar2687/turnstile/internal/storage"
)

// base carries what every strategy needs: a store, a clock, the limit and the keyspace.
type base struct {
	store    storage.Store
	clock    clock.Clock
	keys     keyspace
	max      int
	interval int64
}

func newBase(store storage.Store, c clock.Clock, maxRequests int, interval int64, prefix string) base {
	return base{
		store:    store,
		clock:    c,
		keys:     newKeyspace(prefix),
		max:      maxRequests,
		interval: interval,
	}
}

// ttl returns n intervals as a store ttl.
func (b *base) ttl(n int64) time.Duration {
	return time.Duration(n*b.interval) * time.Second
}

func (b *base) denied(resetAt, retryAt int64) Decision {
	return Decision{
		Allowed: false,
		Limit:   b.max,
		ResetAt: resetAt,
		RetryAt: retryAt,
	}
}

// NewStrategy builds the strategy named by cfg.Algorithm.
func NewStrategy(cfg Config, store storage.Store, c clock.Clock, prefix string) (Strategy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrInvalidConfiguration)
	}
	if c == nil {
		return nil, fmt.Errorf("%w: clock is required", ErrInvalidConfiguration)
	}

	alg, _ := ParseAlgorithm(string(cfg.Algorithm))
	switch alg {
	case AlgorithmFixedWindow:
		return NewFixedWindow(store, c, cfg.MaxRequests, cfg.IntervalSeconds, prefix), nil
	case AlgorithmLeakyBucket:
		return NewLeakyBucket(store, c, cfg.MaxRequests, cfg.IntervalSeconds, prefix), nil
	case AlgorithmSlidingLog:
		return NewSlidingLog(store, c, cfg.MaxRequests, cfg.IntervalSeconds, prefix), nil
	case AlgorithmSlidingWindow:
		return NewSlidingWindow(store, c, cfg.MaxRequests, cfg.IntervalSeconds, prefix), nil
	case AlgorithmTokenBucket:
		return NewTokenBucket(store, c, cfg.MaxRequests, cfg.IntervalSeconds, prefix), nil
	default:
		return nil, fmt.Errorf("%w: unknown algorithm %q", ErrInvalidConfiguration, cfg.Algorithm)
	}
}
