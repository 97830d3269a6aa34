package limiter

import (
	"context"

	"github.com/google/uuid"

	"github.com/SmitUplenchwar2687/turnstile/internal/clock"
	"github.com/SmitUplenchwar2687/turnstile/internal/storage"
)

// LeakyBucket bounds the number of outstanding requests per identity with a
// fixed-capacity queue of event ids.
//
// This is a counting bucket: nothing drains the queue on a timer. The queue
// key expires one interval after the last admission, which empties an idle
// bucket; callers that want a steady leak run their own pass with Leak.
type LeakyBucket struct {
	base
}

// NewLeakyBucket creates a leaky bucket limiter.
//   - maxRequests: queue capacity
//   - interval: seconds an idle bucket is kept before it drains entirely
//   - prefix: key namespace, DefaultKeyPrefix when empty
func NewLeakyBucket(store storage.Store, c clock.Clock, maxRequests int, interval int64, prefix string) *LeakyBucket {
	return &LeakyBucket{base: newBase(store, c, maxRequests, interval, prefix)}
}

func (lb *LeakyBucket) Algorithm() Algorithm { return AlgorithmLeakyBucket }

func (lb *LeakyBucket) Check(ctx context.Context, identity string, ev Event) (Decision, error) {
	now := lb.clock.Now()
	key := lb.keys.key(identity, AlgorithmLeakyBucket)

	id := ev.ID
	if id == "" {
		id = uuid.NewString()
	}

	var d Decision
	err := lb.store.Atomic(ctx, []string{key}, func(tx storage.Tx) error {
		n, err := tx.LLen(key)
		if err != nil {
			return err
		}
		if n >= int64(lb.max) {
			d = lb.denied(0, 0)
			return nil
		}

		tx.LPushNewest(key, id)
		tx.Expire(key, lb.ttl(1))

		d = Decision{
			Allowed:   true,
			Limit:     lb.max,
			Remaining: lb.max - int(n+1),
			ResetAt:   now + lb.interval,
		}
		return nil
	})
	if err != nil {
		return Decision{}, storeError(AlgorithmLeakyBucket, err)
	}
	return d, nil
}

// Leak removes up to n of the oldest entries from identity's bucket and
// returns how many were removed.
func (lb *LeakyBucket) Leak(ctx context.Context, identity string, n int) (int, error) {
	if n <= 0 {
		return 0, nil
	}
	key := lb.keys.key(identity, AlgorithmLeakyBucket)

	var leaked int
	err := lb.store.Atomic(ctx, []string{key}, func(tx storage.Tx) error {
		size, err := tx.LLen(key)
		if err != nil {
			return err
		}
		leaked = min(n, int(size))
		for i := 0; i < leaked; i++ {
			tx.LPopOldest(key)
		}
		return nil
	})
	if err != nil {
		return 0, storeError(AlgorithmLeakyBucket, err)
	}
	return leaked, nil
}
