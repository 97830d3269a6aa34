package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/SmitUplenchwar2687/turnstile/internal/clock"
	"github.com/SmitUplenchwar2687/turnstile/internal/config"
	"github.com/SmitUplenchwar2687/turnstile/internal/limiter"
	"github.com/SmitUplenchwar2687/turnstile/internal/metrics"
	"github.com/SmitUplenchwar2687/turnstile/internal/recorder"
	"github.com/SmitUplenchwar2687/turnstile/internal/server"
	"github.com/SmitUplenchwar2687/turnstile/internal/telemetry"
)

type serverOptions struct {
	configPath      string
	envFiles        []string
	addr            string
	failOpen        bool
	conflictRetries int
	logLevel        string
	recordFile      string
	watch           bool

	limit   limitOptions
	storage storageOptions
}

func newServerCmd() *cobra.Command {
	o := serverOptions{storage: defaultStorageOptions()}

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Start the Turnstile HTTP server with rate limiting",
		Long: `Starts an HTTP server that applies rate limiting to incoming requests.

Settings come from defaults, then the --config file, then .env files and
TURNSTILE_* environment variables, then explicitly set flags.

Endpoints:
  GET /                       Greeting, guarded by the limiter
  GET /health                 Health check and active limit
  GET /api/check              Check the limit for the caller's identity
  GET /api/check/{identity}   Check the limit for a specific identity
  GET /metrics                Prometheus metrics
  WS  /ws                     Decision stream`,
		Example: `  turnstile server
  turnstile server --config turnstile.yaml
  turnstile server --addr :9090 --algorithm sliding_log --rate 100 --window 1m
  turnstile server --storage redis --redis-host localhost:6379 --fail-open
  turnstile server --storage sqlite --sqlite-path /var/lib/turnstile.db
  turnstile server --record traffic.ndjson`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := o.resolve(cmd)
			if err != nil {
				return err
			}
			return runServer(cmd, &o, cfg)
		},
	}

	o.addFlags(cmd)

	return cmd
}

func (o *serverOptions) addFlags(cmd *cobra.Command) {
	d := config.Default()
	cmd.Flags().StringVar(&o.configPath, "config", "", "path to a YAML or JSON config file")
	cmd.Flags().StringSliceVar(&o.envFiles, "env-file", nil, "dotenv files to load (default .env)")
	cmd.Flags().StringVar(&o.addr, "addr", d.Server.Addr, "address to listen on")
	cmd.Flags().BoolVar(&o.failOpen, "fail-open", d.Server.FailOpen, "admit requests when the store is unavailable")
	cmd.Flags().IntVar(&o.conflictRetries, "conflict-retries", d.Server.ConflictRetries, "retries for checks aborted by a concurrent writer")
	cmd.Flags().StringVar(&o.logLevel, "log-level", d.Log.Level, "log level (debug, info, warn, error)")
	cmd.Flags().StringVar(&o.recordFile, "record", "", "stream traffic records to this file (newline-delimited JSON)")
	cmd.Flags().BoolVar(&o.watch, "watch", true, "reload the limit when the config file changes")
	o.limit.addFlags(cmd)
	o.storage.addFlags(cmd)
}

// resolve layers explicitly set flags over the loaded configuration.
func (o *serverOptions) resolve(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(o.configPath, o.envFiles...)
	if err != nil {
		return cfg, err
	}

	if cmd.Flags().Changed("addr") {
		cfg.Server.Addr = o.addr
	}
	if cmd.Flags().Changed("fail-open") {
		cfg.Server.FailOpen = o.failOpen
	}
	if cmd.Flags().Changed("conflict-retries") {
		cfg.Server.ConflictRetries = o.conflictRetries
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Log.Level = o.logLevel
	}

	o.limit.applyConfigIfUnset(cmd, &cfg.Limiter)
	cfg.Limiter = o.limit.toConfig()

	o.storage.applyConfigIfUnset(cmd, &cfg.Storage)
	if err := o.storage.normalize(); err != nil {
		return cfg, err
	}
	cfg.Storage = o.storage.toConfig()

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func runServer(cmd *cobra.Command, o *serverOptions, cfg config.Config) error {
	logger, err := cfg.Log.NewLogger(cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	// Graceful shutdown on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracer, err := telemetry.NewTracer(ctx, cfg.Tracing)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracer.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("tracer shutdown failed")
		}
	}()

	clk := clock.NewRealClock()
	store, err := openStore(ctx, cfg.Storage, clk)
	if err != nil {
		return fmt.Errorf("opening %s store: %w", cfg.Storage.Backend, err)
	}
	defer store.Close()

	sweeper, err := startSweeper(ctx, store, sweepInterval(cfg.Storage), logger)
	if err != nil {
		return err
	}
	if sweeper != nil {
		defer sweeper.Stop()
	}

	lim, err := limiter.New(store, clk,
		limiter.WithKeyPrefix(cfg.Storage.KeyPrefix),
		limiter.WithTracerProvider(tracer.Provider()),
		limiter.WithConfig(cfg.Limiter.Limit()),
	)
	if err != nil {
		return err
	}

	opts := server.Options{
		Addr:            cfg.Server.Addr,
		FailOpen:        cfg.Server.FailOpen,
		ConflictRetries: cfg.Server.ConflictRetries,
		Clock:           clk,
		Logger:          logger,
		Metrics:         metrics.NewCollector(nil),
		Hub:             server.NewHub(logger),
	}
	if o.recordFile != "" {
		f, err := os.OpenFile(o.recordFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("opening record file: %w", err)
		}
		defer f.Close()
		opts.Recorder = recorder.New(f)
	}

	if o.watch && o.configPath != "" {
		if err := watchLimit(ctx, cmd, o, lim, logger); err != nil {
			return err
		}
	}

	srv := server.New(lim, opts)
	logger.WithFields(logrus.Fields{
		"algorithm":    cfg.Limiter.Algorithm,
		"max_requests": cfg.Limiter.MaxRequests,
		"interval":     cfg.Limiter.Interval.String(),
		"storage":      cfg.Storage.Backend,
		"fail_open":    cfg.Server.FailOpen,
		"tracing":      tracer.Enabled(),
	}).Info("starting turnstile")

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		logger.Info("shutting down")
		if opts.Recorder != nil {
			logger.WithFields(logrus.Fields{
				"records": opts.Recorder.Len(),
				"file":    o.recordFile,
			}).Info("traffic recorded")
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// watchLimit reconfigures lim whenever the config file changes. Flags given on
// the command line keep overriding the file.
func watchLimit(ctx context.Context, cmd *cobra.Command, o *serverOptions, lim *limiter.Limiter, logger logrus.FieldLogger) error {
	w, err := config.NewWatcher(o.configPath, logger)
	if err != nil {
		return err
	}

	go func() {
		defer w.Close()
		err := w.Watch(ctx, func(c config.Config) {
			reloadLimit(cmd, o, lim, c, logger)
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.WithError(err).Error("config watcher stopped")
		}
	}()
	return nil
}

func reloadLimit(cmd *cobra.Command, o *serverOptions, lim *limiter.Limiter, c config.Config, logger logrus.FieldLogger) {
	opts := o.limit
	opts.applyConfigIfUnset(cmd, &c.Limiter)
	next, err := opts.limit()
	if err != nil {
		logger.WithError(err).Warn("reloaded limit rejected")
		return
	}
	if current, ok := lim.Config(); ok && current == next {
		return
	}
	if err := lim.Configure(next); err != nil {
		logger.WithError(err).Warn("reloaded limit rejected")
		return
	}
	logger.WithFields(logrus.Fields{
		"algorithm":    next.Algorithm,
		"max_requests": next.MaxRequests,
		"interval":     next.Interval().String(),
	}).Info("limit reconfigured")
}
