package replay

import (
	"slices"
	"strings"
	"time"

	"github.com/SmitUplenchwar2687/turnstile/internal/recorder"
)

// Filter defines criteria for selecting traffic records during replay.
type Filter struct {
	Identities []string  // Only include these identities (empty = all)
	Endpoints  []string  // Only include endpoints containing one of these (empty = all)
	After      time.Time // Only include records after this time (zero = no limit)
	Before     time.Time // Only include records before this time (zero = no limit)
}

// Match returns true if the record passes the filter.
func (f *Filter) Match(r recorder.TrafficRecord) bool {
	if f == nil {
		return true
	}
	if len(f.Identities) > 0 && !slices.Contains(f.Identities, r.Identity) {
		return false
	}
	if len(f.Endpoints) > 0 && !matchEndpoint(f.Endpoints, r.Endpoint) {
		return false
	}
	if !f.After.IsZero() && !r.Timestamp.After(f.After) {
		return false
	}
	if !f.Before.IsZero() && !r.Timestamp.Before(f.Before) {
		return false
	}
	return true
}

func matchEndpoint(patterns []string, endpoint string) bool {
	for _, p := range patterns {
		if p == endpoint || strings.Contains(endpoint, p) {
			return true
		}
	}
	return false
}
