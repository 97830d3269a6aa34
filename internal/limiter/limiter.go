package limiter

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"
)

// Algorithm identifies a rate limiting algorithm.
type Algorithm string

const (
	AlgorithmFixedWindow   Algorithm = "fixed_window"
	AlgorithmLeakyBucket   Algorithm = "leaky_bucket"
	AlgorithmSlidingLog    Algorithm = "sliding_log"
	AlgorithmSlidingWindow Algorithm = "sliding_window"
	AlgorithmTokenBucket   Algorithm = "token_bucket"
)

// Algorithms returns every supported algorithm.
func Algorithms() []Algorithm {
	return []Algorithm{
		AlgorithmFixedWindow,
		AlgorithmLeakyBucket,
		AlgorithmSlidingLog,
		AlgorithmSlidingWindow,
		AlgorithmTokenBucket,
	}
}

// ParseAlgorithm converts a string such as "token_bucket" to an Algorithm.
func ParseAlgorithm(s string) (Algorithm, error) {
	a := Algorithm(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Algorithms() {
		if a == known {
			return a, nil
		}
	}
	return "", fmt.Errorf("%w: unknown algorithm %q", ErrInvalidConfiguration, s)
}

// Event is the request being admitted. ID is optional; strategies that keep
// per-event entries generate one when it is empty.
type Event struct {
	ID string `json:"id,omitempty"`
}

// Decision captures the result of a rate limit check.
// Zero values of Remaining, ResetAt and RetryAt mean "unknown".
type Decision struct {
	Allowed   bool  `json:"allowed"`
	Limit     int   `json:"limit"`
	Remaining int   `json:"remaining,omitempty"` // requests left in the current interval after this check
	ResetAt   int64 `json:"reset_at,omitempty"`  // Unix seconds when the quota fully resets
	RetryAt   int64 `json:"retry_at,omitempty"`  // earliest Unix second worth retrying (if denied)
}

// RetryAfter returns the number of seconds from now until RetryAt, falling
// back to ResetAt. It returns 0 when neither is known or both are in the past.
func (d Decision) RetryAfter(now int64) int64 {
	at := d.RetryAt
	if at == 0 {
		at = d.ResetAt
	}
	if at <= now {
		return 0
	}
	return at - now
}

// Config holds the limit a strategy enforces.
type Config struct {
	Algorithm       Algorithm `json:"algorithm" yaml:"algorithm"`
	MaxRequests     int       `json:"max_requests" yaml:"max_requests"`
	IntervalSeconds int64     `json:"interval_seconds" yaml:"interval_seconds"`
}

// MaxLimitProduct bounds MaxRequests x IntervalSeconds. The sliding window
// scales two window counts by the interval, which must fit in an int64.
const MaxLimitProduct = math.MaxInt64 / 4

// Validate reports whether the config can be enforced.
func (c Config) Validate() error {
	if _, err := ParseAlgorithm(string(c.Algorithm)); err != nil {
		return err
	}
	if c.MaxRequests <= 0 {
		return fmt.Errorf("%w: max requests must be positive, got %d", ErrInvalidConfiguration, c.MaxRequests)
	}
	if c.IntervalSeconds <= 0 {
		return fmt.Errorf("%w: interval must be positive, got %ds", ErrInvalidConfiguration, c.IntervalSeconds)
	}
	if int64(c.MaxRequests) > MaxLimitProduct/c.IntervalSeconds {
		return fmt.Errorf("%w: max requests x interval must not exceed %d, got %d x %ds",
			ErrInvalidConfiguration, int64(MaxLimitProduct), c.MaxRequests, c.IntervalSeconds)
	}
	return nil
}

// Interval returns the interval as a time.Duration.
func (c Config) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// Checker decides whether a request may proceed.
// Servers, replayers and instrumentation wrappers depend on this interface.
type Checker interface {
	Check(ctx context.Context, identity string, ev Event) (Decision, error)
}

// Strategy is one rate limiting algorithm bound to a store and a limit.
// Implementations keep no per-identity state in process.
type Strategy interface {
	Checker
	Algorithm() Algorithm
}
