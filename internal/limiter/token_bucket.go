package limiter

import (
	"context"

	"github.com/SmitUplenchwar2687/turnstile/internal/clock"
	"github.com/SmitUplenchwar2687/turnstile/internal/storage"
)

// TokenBucket implements the token bucket rate limiting algorithm.
//
// Each identity gets maxRequests tokens. Every admitted request consumes one.
// Once interval seconds have passed since the last refill the bucket is
// refilled in full, regardless of how many tokens remained.
//
// The ledger is two keys, the last refill time and the token count, both read
// and written in one store transaction so the last token is never handed out twice.
type TokenBucket struct {
	base
}

// NewTokenBucket creates a token bucket limiter.
//   - maxRequests: bucket capacity, refilled in full each interval
//   - interval: refill period in seconds
//   - prefix: key namespace, DefaultKeyPrefix when empty
func NewTokenBucket(store storage.Store, c clock.Clock, maxRequests int, interval int64, prefix string) *TokenBucket {
	return &TokenBucket{base: newBase(store, c, maxRequests, interval, prefix)}
}

func (tb *TokenBucket) Algorithm() Algorithm { return AlgorithmTokenBucket }

func (tb *TokenBucket) Check(ctx context.Context, identity string, _ Event) (Decision, error) {
	now := tb.clock.Now()
	lastKey := tb.keys.key(identity, AlgorithmTokenBucket, "last_reset")
	tokensKey := tb.keys.key(identity, AlgorithmTokenBucket, "tokens")

	var d Decision
	err := tb.store.Atomic(ctx, []string{lastKey, tokensKey}, func(tx storage.Tx) error {
		last, lastOK, err := tx.Get(lastKey)
		if err != nil {
			return err
		}
		tokens, tokensOK, err := tx.Get(tokensKey)
		if err != nil {
			return err
		}

		if !lastOK || !tokensOK || now-last >= tb.interval {
			// First request or refill: a full bucket minus this request.
			ttl := tb.ttl(2)
			tx.Set(lastKey, now, ttl)
			tx.Set(tokensKey, int64(tb.max-1), ttl)
			d = Decision{
				Allowed:   true,
				Limit:     tb.max,
				Remaining: tb.max - 1,
				ResetAt:   now + tb.interval,
			}
			return nil
		}

		resetAt := last + tb.interval
		if tokens <= 0 {
			d = tb.denied(resetAt, resetAt)
			return nil
		}

		tx.Decr(tokensKey)
		d = Decision{
			Allowed:   true,
			Limit:     tb.max,
			Remaining: int(tokens - 1),
			ResetAt:   resetAt,
		}
		return nil
	})
	if err != nil {
		return Decision{}, storeError(AlgorithmTokenBucket, err)
	}
	return d, nil
}
