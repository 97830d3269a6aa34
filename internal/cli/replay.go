package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/SmitUplenchwar2687/turnstile/internal/clock"
	"github.com/SmitUplenchwar2687/turnstile/internal/replay"
)

func newReplayCmd() *cobra.Command {
	var (
		file       string
		limit      limitOptions
		speed      float64
		identities []string
		endpoints  []string
		after      string
		before     string
		outputJSON bool
	)

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay recorded traffic through a rate limiter",
		Long: `Replays previously recorded traffic through a rate limiter with speed control.

Records are replayed in timestamp order. The virtual clock advances
to each record's timestamp, so rate limiting behaves exactly as it
would in production, at any speed you choose.

Speed: 0 = instant, 1 = real-time, 10 = 10x, 100 = 100x`,
		Example: `  turnstile replay --file traffic.ndjson
  turnstile replay --file traffic.json --speed 100 --algorithm sliding_log
  turnstile replay --file traffic.json --identities user1,user2 --endpoints /api
  turnstile replay --file traffic.json --after 2024-01-01T10:00:00Z --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("--file is required")
			}
			filter, err := buildFilter(identities, endpoints, after, before)
			if err != nil {
				return err
			}
			cfg, err := limit.limit()
			if err != nil {
				return err
			}

			f, err := os.Open(file)
			if err != nil {
				return fmt.Errorf("opening file: %w", err)
			}
			defer f.Close()

			// The clock starts at zero and jumps to the first record's timestamp.
			vc := clock.NewVirtualClock(0)
			lim, err := newVirtualLimiter(vc, cfg)
			if err != nil {
				return err
			}

			r := replay.New(lim, vc, speed, filter)
			if err := r.Load(f); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if !outputJSON {
				fmt.Fprintf(out, "Replaying %s through %s (%d per %s) at %gx speed...\n\n",
					file, cfg.Algorithm, cfg.MaxRequests, cfg.Interval(), speed)
			}

			var results []replay.Result
			summary, err := r.Run(cmd.Context(), func(res replay.Result) {
				if outputJSON {
					results = append(results, res)
					return
				}
				printResult(out, res)
			})
			if err != nil {
				return err
			}

			if outputJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(map[string]any{
					"results": results,
					"summary": summary,
				})
			}
			printSummary(out, summary)
			return nil
		},
	}

	cmd.Flags().StringVar(&file, "file", "", "path to recorded traffic, a JSON array or newline-delimited JSON (required)")
	limit.addFlags(cmd)
	cmd.Flags().Float64Var(&speed, "speed", 0, "replay speed (0=instant, 1=real-time, 10=10x)")
	cmd.Flags().StringSliceVar(&identities, "identities", nil, "filter by identities (comma-separated)")
	cmd.Flags().StringSliceVar(&endpoints, "endpoints", nil, "filter by endpoints (comma-separated)")
	cmd.Flags().StringVar(&after, "after", "", "only replay records after this RFC3339 time")
	cmd.Flags().StringVar(&before, "before", "", "only replay records before this RFC3339 time")
	cmd.Flags().BoolVar(&outputJSON, "json", false, "output results as JSON")

	return cmd
}

func buildFilter(identities, endpoints []string, after, before string) (*replay.Filter, error) {
	f := &replay.Filter{Identities: identities, Endpoints: endpoints}
	var err error
	if after != "" {
		if f.After, err = time.Parse(time.RFC3339, after); err != nil {
			return nil, fmt.Errorf("invalid --after: %w", err)
		}
	}
	if before != "" {
		if f.Before, err = time.Parse(time.RFC3339, before); err != nil {
			return nil, fmt.Errorf("invalid --before: %w", err)
		}
	}
	if !f.After.IsZero() && !f.Before.IsZero() && !f.After.Before(f.Before) {
		return nil, fmt.Errorf("--after must be earlier than --before")
	}
	return f, nil
}

func printResult(w io.Writer, res replay.Result) {
	status := "ALLOW"
	switch {
	case res.Error != "":
		status = "ERROR"
	case !res.Decision.Allowed:
		status = "DENY "
	}
	fmt.Fprintf(w, "  [%s] %s identity=%s remaining=%d/%d",
		status,
		res.Record.Timestamp.UTC().Format("15:04:05"),
		res.Record.Identity,
		res.Decision.Remaining,
		res.Decision.Limit)
	if res.Error != "" {
		fmt.Fprintf(w, " error=%q", res.Error)
	}
	fmt.Fprintln(w)
}

func printSummary(w io.Writer, summary *replay.Summary) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, "--- Replay Summary ---")
	fmt.Fprintf(w, "  Total records:  %d\n", summary.TotalRecords)
	fmt.Fprintf(w, "  Filtered:       %d\n", summary.Filtered)
	fmt.Fprintf(w, "  Replayed:       %d\n", summary.Replayed)
	fmt.Fprintf(w, "  Allowed:        %d\n", summary.Allowed)
	fmt.Fprintf(w, "  Denied:         %d\n", summary.Denied)
	if summary.Errors > 0 {
		fmt.Fprintf(w, "  Errors:         %d\n", summary.Errors)
	}
	fmt.Fprintf(w, "  Virtual time:   %s\n", summary.Duration)
	fmt.Fprintf(w, "  Wall time:      %s\n", summary.WallDuration.Round(time.Millisecond))

	if len(summary.PerIdentity) > 1 {
		ids := make([]string, 0, len(summary.PerIdentity))
		for id := range summary.PerIdentity {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		fmt.Fprintln(w)
		fmt.Fprintln(w, "  Per identity:")
		for _, id := range ids {
			s := summary.PerIdentity[id]
			fmt.Fprintf(w, "    %s: %d allowed, %d denied\n", id, s.Allowed, s.Denied)
		}
	}

	if summary.Denied > 0 && summary.Allowed > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, strings.Repeat("=", 50))
		denyRate := float64(summary.Denied) / float64(summary.Replayed) * 100
		fmt.Fprintf(w, "Deny rate: %.1f%% (%d/%d requests denied)\n", denyRate, summary.Denied, summary.Replayed)
		fmt.Fprintln(w, strings.Repeat("=", 50))
	}
}
