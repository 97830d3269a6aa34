package limiter

import (
	"context"

	"github.com/SmitUplenchwar2687/turnstile/internal/clock"
	"github.com/SmitUplenchwar2687/turnstile/internal/storage"
)

// SlidingWindow implements the sliding window counter algorithm.
//
// It keeps a counter for the current and the previous fixed window and
// estimates the trailing count as
//
//	current + previous * (interval - elapsed) / interval
//
// The comparison is done multiplied through by interval, so the weight of the
// previous window is never truncated. This trades some precision for O(1)
// state compared to SlidingLog.
type SlidingWindow struct {
	base
}

// NewSlidingWindow creates a sliding window limiter.
//   - maxRequests: max requests per interval
//   - interval: window length in seconds
//   - prefix: key namespace, DefaultKeyPrefix when empty
func NewSlidingWindow(store storage.Store, c clock.Clock, maxRequests int, interval int64, prefix string) *SlidingWindow {
	return &SlidingWindow{base: newBase(store, c, maxRequests, interval, prefix)}
}

func (sw *SlidingWindow) Algorithm() Algorithm { return AlgorithmSlidingWindow }

// weighted returns the estimate scaled by interval.
func (sw *SlidingWindow) weighted(current, previous, elapsed int64) int64 {
	return current*sw.interval + previous*(sw.interval-elapsed)
}

func (sw *SlidingWindow) Check(ctx context.Context, identity string, _ Event) (Decision, error) {
	now := sw.clock.Now()
	start := now - now%sw.interval
	elapsed := now - start
	resetAt := start + sw.interval

	curKey := sw.keys.window(identity, AlgorithmSlidingWindow, start)
	prevKey := sw.keys.window(identity, AlgorithmSlidingWindow, start-sw.interval)
	limit := int64(sw.max) * sw.interval

	var d Decision
	err := sw.store.Atomic(ctx, []string{curKey, prevKey}, func(tx storage.Tx) error {
		current, curOK, err := tx.Get(curKey)
		if err != nil {
			return err
		}
		previous, _, err := tx.Get(prevKey)
		if err != nil {
			return err
		}

		w := sw.weighted(current, previous, elapsed)
		if w >= limit {
			d = sw.denied(resetAt, 0)
			return nil
		}

		if curOK {
			tx.Incr(curKey)
		} else {
			tx.Set(curKey, 1, sw.ttl(5))
		}

		remaining := (limit - (w + sw.interval)) / sw.interval
		if remaining < 0 {
			remaining = 0
		}
		d = Decision{
			Allowed:   true,
			Limit:     sw.max,
			Remaining: int(remaining),
			ResetAt:   resetAt,
		}
		return nil
	})
	if err != nil {
		return Decision{}, storeError(AlgorithmSlidingWindow, err)
	}
	return d, nil
}
