package cli

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/SmitUplenchwar2687/turnstile/internal/config"
	"github.com/SmitUplenchwar2687/turnstile/internal/limiter"
)

type limitOptions struct {
	algorithm   string
	maxRequests int
	interval    time.Duration
}

func (o *limitOptions) addFlags(cmd *cobra.Command) {
	d := config.Default().Limiter
	cmd.Flags().StringVar(&o.algorithm, "algorithm", d.Algorithm, "rate limiting algorithm (fixed_window, leaky_bucket, sliding_log, sliding_window, token_bucket)")
	cmd.Flags().IntVar(&o.maxRequests, "rate", d.MaxRequests, "requests allowed per interval")
	cmd.Flags().DurationVar(&o.interval, "window", d.Interval, "rate limit interval (whole seconds)")
}

func (o *limitOptions) applyConfigIfUnset(cmd *cobra.Command, cfg *config.LimiterConfig) {
	if cfg == nil {
		return
	}
	if !cmd.Flags().Changed("algorithm") {
		o.algorithm = cfg.Algorithm
	}
	if !cmd.Flags().Changed("rate") {
		o.maxRequests = cfg.MaxRequests
	}
	if !cmd.Flags().Changed("window") {
		o.interval = cfg.Interval
	}
}

func (o *limitOptions) toConfig() config.LimiterConfig {
	return config.LimiterConfig{
		Algorithm:   o.algorithm,
		MaxRequests: o.maxRequests,
		Interval:    o.interval,
	}
}

// limit validates the options as a limiter.Config.
func (o *limitOptions) limit() (limiter.Config, error) {
	cfg := o.toConfig().Limit()
	if err := cfg.Validate(); err != nil {
		return limiter.Config{}, err
	}
	return cfg, nil
}
