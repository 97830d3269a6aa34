package replay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/SmitUplenchwar2687/turnstile/internal/clock"
	"github.com/SmitUplenchwar2687/turnstile/internal/limiter"
	"github.com/SmitUplenchwar2687/turnstile/internal/recorder"
)

// Replayer feeds recorded traffic through a checker while driving a virtual clock
// to each record's timestamp, so the checker sees the same timeline as production.
type Replayer struct {
	records []recorder.TrafficRecord
	checker limiter.Checker
	clock   *clock.VirtualClock
	filter  *Filter
	speed   float64 // 1.0 = real-time, 10.0 = 10x, 0 = instant
}

// Result captures the outcome of replaying a single record.
type Result struct {
	Record   recorder.TrafficRecord `json:"record"`
	Decision limiter.Decision       `json:"decision"`
	Error    string                 `json:"error,omitempty"`
	Time     int64                  `json:"time"` // virtual Unix time of the check
}

// Summary aggregates replay statistics.
type Summary struct {
	TotalRecords int                        `json:"total_records"`
	Filtered     int                        `json:"filtered"` // records that passed the filter
	Replayed     int                        `json:"replayed"`
	Allowed      int                        `json:"allowed"`
	Denied       int                        `json:"denied"`
	Errors       int                        `json:"errors"`
	Duration     time.Duration              `json:"duration"`      // virtual time span
	WallDuration time.Duration              `json:"wall_duration"` // actual wall clock time
	PerIdentity  map[string]IdentitySummary `json:"per_identity"`
}

// IdentitySummary has per-identity stats.
type IdentitySummary struct {
	Allowed int `json:"allowed"`
	Denied  int `json:"denied"`
	Errors  int `json:"errors"`
}

// New creates a replayer. vc must be the clock the checker's strategies read.
func New(checker limiter.Checker, vc *clock.VirtualClock, speed float64, filter *Filter) *Replayer {
	if speed < 0 {
		speed = 0
	}
	return &Replayer{
		checker: checker,
		clock:   vc,
		speed:   speed,
		filter:  filter,
	}
}

// Load reads traffic records from a JSON array or a newline-delimited stream.
func (r *Replayer) Load(reader io.Reader) error {
	records, err := recorder.LoadJSON(reader)
	if err != nil {
		return fmt.Errorf("loading records: %w", err)
	}
	r.records = records
	return nil
}

// LoadRecords sets the records directly.
func (r *Replayer) LoadRecords(records []recorder.TrafficRecord) {
	r.records = make([]recorder.TrafficRecord, len(records))
	copy(r.records, records)
}

// Run replays all loaded records in timestamp order.
// cb is called for each replayed record. A check error is counted and
// reported in the result; cancellation of ctx stops the run.
func (r *Replayer) Run(ctx context.Context, cb func(Result)) (*Summary, error) {
	if len(r.records) == 0 {
		return nil, fmt.Errorf("no records loaded")
	}

	sorted := make([]recorder.TrafficRecord, len(r.records))
	copy(sorted, r.records)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	var filtered []recorder.TrafficRecord
	for _, rec := range sorted {
		if r.filter.Match(rec) {
			filtered = append(filtered, rec)
		}
	}

	summary := &Summary{
		TotalRecords: len(sorted),
		Filtered:     len(filtered),
		PerIdentity:  make(map[string]IdentitySummary),
	}
	if len(filtered) == 0 {
		return summary, nil
	}

	wallStart := time.Now()
	for i, rec := range filtered {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		if i > 0 && r.speed > 0 {
			gap := rec.Timestamp.Sub(filtered[i-1].Timestamp)
			if scaled := time.Duration(float64(gap) / r.speed); scaled > time.Millisecond {
				select {
				case <-ctx.Done():
					return summary, ctx.Err()
				case <-time.After(scaled):
				}
			}
		}
		if ts := rec.Timestamp.Unix(); ts > r.clock.Now() {
			r.clock.Set(ts)
		}

		decision, err := r.checker.Check(ctx, rec.Identity, rec.Event())
		if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			return summary, ctx.Err()
		}

		result := Result{Record: rec, Decision: decision, Time: r.clock.Now()}
		summary.Replayed++
		is := summary.PerIdentity[rec.Identity]
		switch {
		case err != nil:
			result.Error = err.Error()
			summary.Errors++
			is.Errors++
		case decision.Allowed:
			summary.Allowed++
			is.Allowed++
		default:
			summary.Denied++
			is.Denied++
		}
		summary.PerIdentity[rec.Identity] = is

		if cb != nil {
			cb(result)
		}
	}

	summary.Duration = filtered[len(filtered)-1].Timestamp.Sub(filtered[0].Timestamp)
	summary.WallDuration = time.Since(wallStart)
	return summary, nil
}
