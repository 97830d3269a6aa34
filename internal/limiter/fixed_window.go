package limiter

import (
	"context"

	"github.com/SmitUplenchwar2687/turnstile/internal/clock"
	"github.com/SmitUplenchwar2687/turnstile/internal/storage"
)

// FixedWindow implements the fixed window counter rate limiting algorithm.
//
// Time is divided into interval-aligned windows. Each window has a counter
// that expires after two intervals. Requests increment the counter; once it
// reaches the limit further requests in that window are denied.
//
// Simple and memory-efficient, but can allow up to 2x the rate at window boundaries.
type FixedWindow struct {
	base
}

// NewFixedWindow creates a fixed window limiter.
//   - maxRequests: max requests allowed per window
//   - interval: window length in seconds
//   - prefix: key namespace, DefaultKeyPrefix when empty
func NewFixedWindow(store storage.Store, c clock.Clock, maxRequests int, interval int64, prefix string) *FixedWindow {
	return &FixedWindow{base: newBase(store, c, maxRequests, interval, prefix)}
}

func (fw *FixedWindow) Algorithm() Algorithm { return AlgorithmFixedWindow }

// windowStart returns the start of the window containing now.
func (fw *FixedWindow) windowStart(now int64) int64 {
	return now - now%fw.interval
}

func (fw *FixedWindow) Check(ctx context.Context, identity string, _ Event) (Decision, error) {
	now := fw.clock.Now()
	start := fw.windowStart(now)
	resetAt := start + fw.interval
	key := fw.keys.window(identity, AlgorithmFixedWindow, start)

	var d Decision
	err := fw.store.Atomic(ctx, []string{key}, func(tx storage.Tx) error {
		count, ok, err := tx.Get(key)
		if err != nil {
			return err
		}
		if ok && count >= int64(fw.max) {
			d = fw.denied(resetAt, resetAt)
			return nil
		}

		if ok {
			tx.Incr(key)
			count++
		} else {
			// The first request in a window counts, so the counter starts at 1.
			tx.Set(key, 1, fw.ttl(2))
			count = 1
		}

		d = Decision{
			Allowed:   true,
			Limit:     fw.max,
			Remaining: fw.max - int(count),
			ResetAt:   resetAt,
		}
		return nil
	})
	if err != nil {
		return Decision{}, storeError(AlgorithmFixedWindow, err)
	}
	return d, nil
}
