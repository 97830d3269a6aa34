package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/SmitUplenchwar2687/turnstile/internal/limiter"
)

// Collector holds the Prometheus metrics for rate limit checks.
type Collector struct {
	registry *prometheus.Registry

	checks        *prometheus.CounterVec
	checkErrors   *prometheus.CounterVec
	checkDuration *prometheus.HistogramVec
}

// NewCollector registers the check metrics on registry. A nil registry gets a
// fresh one with the Go runtime and process collectors.
func NewCollector(registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	factory := promauto.With(registry)

	return &Collector{
		registry: registry,

		checks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "turnstile_checks_total",
				Help: "Total number of rate limit checks by outcome",
			},
			[]string{"algorithm", "result"},
		),

		checkErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "turnstile_check_errors_total",
				Help: "Total number of rate limit checks that failed",
			},
			[]string{"algorithm", "kind"},
		),

		checkDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "turnstile_check_duration_seconds",
				Help:    "Duration of rate limit checks in seconds",
				Buckets: prometheus.ExponentialBuckets(0.00001, 2, 16), // 10µs to ~0.3s
			},
			[]string{"algorithm"},
		),
	}
}

// Registry returns the registry the collector writes to.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler returns an HTTP handler for the Prometheus metrics endpoint.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}

// RecordDecision records the outcome of a successful check.
func (c *Collector) RecordDecision(algorithm string, allowed bool, took time.Duration) {
	result := "allowed"
	if !allowed {
		result = "denied"
	}
	c.checks.WithLabelValues(algorithm, result).Inc()
	c.checkDuration.WithLabelValues(algorithm).Observe(took.Seconds())
}

// RecordError records a failed check.
func (c *Collector) RecordError(algorithm string, err error, took time.Duration) {
	c.checkErrors.WithLabelValues(algorithm, ErrorKind(err)).Inc()
	c.checkDuration.WithLabelValues(algorithm).Observe(took.Seconds())
}

// ErrorKind maps a check error to a low-cardinality label value.
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, limiter.ErrConcurrencyViolation):
		return "conflict"
	case errors.Is(err, limiter.ErrStoreUnavailable):
		return "store_unavailable"
	case errors.Is(err, limiter.ErrInvalidIdentity):
		return "invalid_identity"
	case errors.Is(err, limiter.ErrNotConfigured):
		return "not_configured"
	default:
		return "other"
	}
}

// configured is implemented by *limiter.Limiter.
type configured interface {
	Config() (limiter.Config, bool)
}

type instrumented struct {
	next      limiter.Checker
	collector *Collector
}

// Instrument wraps next so every check is counted and timed.
// The algorithm label comes from the checker's active configuration.
func (c *Collector) Instrument(next limiter.Checker) limiter.Checker {
	return &instrumented{next: next, collector: c}
}

func (i *instrumented) algorithm() string {
	switch n := i.next.(type) {
	case configured:
		if cfg, ok := n.Config(); ok {
			return string(cfg.Algorithm)
		}
	case limiter.Strategy:
		return string(n.Algorithm())
	}
	return "unknown"
}

func (i *instrumented) Check(ctx context.Context, identity string, ev limiter.Event) (limiter.Decision, error) {
	start := time.Now()
	d, err := i.next.Check(ctx, identity, ev)
	took := time.Since(start)

	alg := i.algorithm()
	if err != nil {
		i.collector.RecordError(alg, err, took)
		return d, err
	}
	i.collector.RecordDecision(alg, d.Allowed, took)
	return d, nil
}
