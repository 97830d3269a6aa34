package cli

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root turnstile command.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "turnstile",
		Short: "Request admission control with pluggable rate limiting algorithms",
		Long: `Turnstile decides whether a request may proceed under a configured limit.
Five algorithms share one store contract: fixed_window, leaky_bucket,
sliding_log, sliding_window and token_bucket, over memory, redis or sqlite.`,
		SilenceUsage: true,
	}

	root.AddCommand(
		newServerCmd(),
		newTestCmd(),
		newReplayCmd(),
		newGenerateCmd(),
		newConfigCmd(),
	)

	return root
}
