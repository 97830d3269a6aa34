package limiter

import (
	"errors"
	"fmt"

	"github.com/SmitUplenchwar2687/turnstile/internal/storage"
)

var (
	// ErrStoreUnavailable means the backing store could not be reached or failed
	// mid-check. Callers choose whether to fail open or closed.
	ErrStoreUnavailable = errors.New("rate limit store unavailable")

	// ErrInvalidConfiguration is returned for non-positive limits or unknown algorithms.
	ErrInvalidConfiguration = errors.New("invalid rate limit configuration")

	// ErrConcurrencyViolation means the store aborted the check because another
	// client changed the same state. Nothing was written; retrying the check once is safe.
	ErrConcurrencyViolation = errors.New("concurrent modification detected")

	// ErrInvalidIdentity is returned for an empty identity.
	ErrInvalidIdentity = errors.New("identity must not be empty")

	// ErrNotConfigured is returned by Check before Configure succeeded.
	ErrNotConfigured = errors.New("limiter is not configured")
)

// storeError translates a storage failure into the limiter's error vocabulary,
// keeping the original error in the chain.
func storeError(alg Algorithm, err error) error {
	if errors.Is(err, storage.ErrConflict) {
		return fmt.Errorf("%s: %w: %w", alg, ErrConcurrencyViolation, err)
	}
	return fmt.Errorf("%s: %w: %w", alg, ErrStoreUnavailable, err)
}
