package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/SmitUplenchwar2687/turnstile/internal/clock"
	"github.com/SmitUplenchwar2687/turnstile/internal/limiter"
	"github.com/SmitUplenchwar2687/turnstile/internal/storage"
)

func newTestCmd() *cobra.Command {
	var (
		limit       limitOptions
		requests    int
		identities  []string
		fastForward time.Duration
		outputJSON  bool
	)

	cmd := &cobra.Command{
		Use:   "test",
		Short: "Run rate limit test scenarios with time travel",
		Long: `Runs rate limit checks against a virtual clock, allowing you to
fast-forward time without waiting. This lets you verify limiter
behavior over hours or days in seconds.

The test sends a batch of requests, optionally fast-forwards time,
then sends another batch to show how limits reset.`,
		Example: `  turnstile test --requests 20 --rate 10 --window 1m
  turnstile test --algorithm leaky_bucket --rate 5 --window 30s --fast-forward 1m
  turnstile test --identities user1,user2 --requests 15 --rate 10 --window 1m --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(identities) == 0 {
				identities = []string{"test-user"}
			}
			cfg, err := limit.limit()
			if err != nil {
				return err
			}

			vc := clock.NewVirtualClock(time.Now().Unix())
			lim, err := newVirtualLimiter(vc, cfg)
			if err != nil {
				return err
			}

			result, err := runTest(cmd.Context(), vc, lim, cfg, identities, requests, fastForward)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if outputJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(result)
			}
			printTestResult(out, &result)
			return nil
		},
	}

	limit.addFlags(cmd)
	cmd.Flags().IntVar(&requests, "requests", 15, "number of requests to send per identity per batch")
	cmd.Flags().StringSliceVar(&identities, "identities", nil, "comma-separated identities to test")
	cmd.Flags().DurationVar(&fastForward, "fast-forward", 0, "time to fast-forward between batches")
	cmd.Flags().BoolVar(&outputJSON, "json", false, "output results as JSON")

	return cmd
}

// newVirtualLimiter builds a facade over a memory store whose TTLs follow vc.
func newVirtualLimiter(vc *clock.VirtualClock, cfg limiter.Config) (*limiter.Limiter, error) {
	return limiter.New(storage.NewMemoryStore(vc), vc, limiter.WithConfig(cfg))
}

// TestResult captures the full output of a test run.
type TestResult struct {
	Algorithm   limiter.Algorithm  `json:"algorithm"`
	MaxRequests int                `json:"max_requests"`
	Interval    string             `json:"interval"`
	FastForward string             `json:"fast_forward,omitempty"`
	Batches     []BatchResult      `json:"batches"`
	Summary     map[string]Summary `json:"summary"`
}

// BatchResult captures results for one batch of requests.
type BatchResult struct {
	Label     string           `json:"label"`
	Time      string           `json:"time"`
	Decisions []DecisionRecord `json:"decisions"`
}

// DecisionRecord is a single rate limit check result.
type DecisionRecord struct {
	Identity string           `json:"identity"`
	Decision limiter.Decision `json:"decision"`
}

// Summary aggregates stats per identity.
type Summary struct {
	TotalRequests int `json:"total_requests"`
	Allowed       int `json:"allowed"`
	Denied        int `json:"denied"`
}

func runTest(ctx context.Context, vc *clock.VirtualClock, lim limiter.Checker, cfg limiter.Config, identities []string, requests int, fastForward time.Duration) (TestResult, error) {
	result := TestResult{
		Algorithm:   cfg.Algorithm,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval().String(),
		Summary:     make(map[string]Summary),
	}

	batch := func(label string) error {
		b := BatchResult{
			Label: label,
			Time:  time.Unix(vc.Now(), 0).UTC().Format(time.RFC3339),
		}
		for i := 0; i < requests; i++ {
			for _, id := range identities {
				d, err := lim.Check(ctx, id, limiter.Event{})
				if err != nil {
					return fmt.Errorf("check %s: %w", id, err)
				}
				b.Decisions = append(b.Decisions, DecisionRecord{Identity: id, Decision: d})
				s := result.Summary[id]
				s.TotalRequests++
				if d.Allowed {
					s.Allowed++
				} else {
					s.Denied++
				}
				result.Summary[id] = s
			}
		}
		result.Batches = append(result.Batches, b)
		return nil
	}

	if err := batch("Initial requests"); err != nil {
		return result, err
	}
	if fastForward > 0 {
		vc.Advance(fastForward)
		result.FastForward = fastForward.String()
		if err := batch(fmt.Sprintf("After fast-forward %s", fastForward)); err != nil {
			return result, err
		}
	}
	return result, nil
}

func printTestResult(w io.Writer, r *TestResult) {
	fmt.Fprintln(w, "=== Turnstile Rate Limit Test ===")
	fmt.Fprintf(w, "%s: %d per %s\n\n", r.Algorithm, r.MaxRequests, r.Interval)

	for _, batch := range r.Batches {
		fmt.Fprintf(w, "--- %s (at %s) ---\n", batch.Label, batch.Time)
		for i, dr := range batch.Decisions {
			status := "ALLOW"
			if !dr.Decision.Allowed {
				status = "DENY "
			}
			fmt.Fprintf(w, "  #%03d [%s] identity=%s remaining=%d/%d\n",
				i+1, status, dr.Identity, dr.Decision.Remaining, dr.Decision.Limit)
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintln(w, "--- Summary ---")
	ids := make([]string, 0, len(r.Summary))
	for id := range r.Summary {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		s := r.Summary[id]
		fmt.Fprintf(w, "  %s: %d total, %d allowed, %d denied\n", id, s.TotalRequests, s.Allowed, s.Denied)
	}

	if r.FastForward != "" {
		fmt.Fprintf(w, "\nTime travel: fast-forwarded %s\n", r.FastForward)
	}

	if recovered(r) {
		fmt.Fprintln(w)
		fmt.Fprintln(w, strings.Repeat("=", 50))
		fmt.Fprintln(w, "Time travel worked! Requests were denied, then")
		fmt.Fprintln(w, "allowed again after fast-forwarding the clock.")
		fmt.Fprintln(w, strings.Repeat("=", 50))
	}
}

// recovered reports whether the first batch saw a denial and the second an admission.
func recovered(r *TestResult) bool {
	if len(r.Batches) < 2 {
		return false
	}
	denied := false
	for _, dr := range r.Batches[0].Decisions {
		if !dr.Decision.Allowed {
			denied = true
			break
		}
	}
	if !denied {
		return false
	}
	for _, dr := range r.Batches[1].Decisions {
		if dr.Decision.Allowed {
			return true
		}
	}
	return false
}
