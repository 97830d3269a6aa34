package limiter

import (
	"context"
	"math"

	"github.com/google/uuid"

	"github.com/SmitUplenchwar2687/turnstile/internal/clock"
	"github.com/SmitUplenchwar2687/turnstile/internal/storage"
)

// compactFactor bounds the log of a denied identity: once it holds more than
// compactFactor x maxRequests entries, entries older than the window are removed.
const compactFactor = 100

// SlidingLog implements exact sliding window rate limiting with a timestamped
// log per identity. An admitted request is logged with score = now; the
// in-window count is the number of entries with score in [now-interval, now].
//
// Precise, at the cost of O(maxRequests) state per identity.
type SlidingLog struct {
	base
}

// NewSlidingLog creates a sliding log limiter.
//   - maxRequests: max requests in any trailing interval
//   - interval: trailing window length in seconds
//   - prefix: key namespace, DefaultKeyPrefix when empty
func NewSlidingLog(store storage.Store, c clock.Clock, maxRequests int, interval int64, prefix string) *SlidingLog {
	return &SlidingLog{base: newBase(store, c, maxRequests, interval, prefix)}
}

func (sl *SlidingLog) Algorithm() Algorithm { return AlgorithmSlidingLog }

// member makes every log entry unique, so repeated event ids count separately.
func member(eventID string) string {
	if eventID == "" {
		return uuid.NewString()
	}
	return eventID + ":" + uuid.NewString()
}

func (sl *SlidingLog) Check(ctx context.Context, identity string, ev Event) (Decision, error) {
	now := sl.clock.Now()
	windowStart := now - sl.interval
	key := sl.keys.key(identity, AlgorithmSlidingLog)

	var d Decision
	err := sl.store.Atomic(ctx, []string{key}, func(tx storage.Tx) error {
		inWindow, err := tx.ZCount(key, windowStart, now)
		if err != nil {
			return err
		}

		if inWindow >= int64(sl.max) {
			var retryAt int64
			oldest, ok, err := tx.ZMinScore(key, windowStart)
			if err != nil {
				return err
			}
			if ok {
				retryAt = oldest + sl.interval + 1
			}

			total, err := tx.ZCard(key)
			if err != nil {
				return err
			}
			if total > int64(compactFactor*sl.max) {
				tx.ZRemRangeByScore(key, math.MinInt64, windowStart-1)
			}

			d = sl.denied(now+sl.interval, retryAt)
			return nil
		}

		tx.ZAdd(key, now, member(ev.ID))
		tx.Expire(key, sl.ttl(2))

		d = Decision{
			Allowed:   true,
			Limit:     sl.max,
			Remaining: sl.max - int(inWindow+1),
			ResetAt:   now + sl.interval,
		}
		return nil
	})
	if err != nil {
		return Decision{}, storeError(AlgorithmSlidingLog, err)
	}
	return d, nil
}
