package limiter

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/SmitUplenchwar2687/turnstile/internal/clock"
	"github.com/SmitUplenchwar2687/turnstile/internal/storage"
)

const tracerName = "github.com/SmitUplenchwar2687/turnstile/internal/limiter"

// Limiter selects a strategy by configuration and exposes a single Check call.
//
// Limiter is safe for concurrent use. Configure swaps the active strategy
// atomically; checks already in flight finish against the one they started with.
// The store handle is owned by the caller.
type Limiter struct {
	store  storage.Store
	clock  clock.Clock
	prefix string
	tracer trace.Tracer

	pending *Config
	active  atomic.Pointer[activeStrategy]
}

type activeStrategy struct {
	cfg      Config
	strategy Strategy
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithKeyPrefix sets the namespace of every store key. Defaults to DefaultKeyPrefix.
func WithKeyPrefix(prefix string) Option {
	return func(l *Limiter) { l.prefix = prefix }
}

// WithTracerProvider sets the provider spans are created from.
// Defaults to the global provider, which is a noop unless one was installed.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(l *Limiter) {
		if tp != nil {
			l.tracer = tp.Tracer(tracerName)
		}
	}
}

// WithConfig configures the limiter at construction time.
func WithConfig(cfg Config) Option {
	return func(l *Limiter) {
		l.pending = &cfg
	}
}

// New creates an unconfigured Limiter over store. A nil clock means the real clock.
func New(store storage.Store, c clock.Clock, opts ...Option) (*Limiter, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrInvalidConfiguration)
	}
	if c == nil {
		c = clock.NewRealClock()
	}

	l := &Limiter{
		store:  store,
		clock:  c,
		prefix: DefaultKeyPrefix,
		tracer: otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.pending != nil {
		if err := l.Configure(*l.pending); err != nil {
			return nil, err
		}
		l.pending = nil
	}
	return l, nil
}

// Configure validates cfg and makes it the active limit.
// An invalid cfg leaves the previous configuration in place.
func (l *Limiter) Configure(cfg Config) error {
	s, err := NewStrategy(cfg, l.store, l.clock, l.prefix)
	if err != nil {
		return err
	}
	cfg.Algorithm = s.Algorithm()
	l.active.Store(&activeStrategy{cfg: cfg, strategy: s})
	return nil
}

// Config returns the active configuration and false if none is set.
func (l *Limiter) Config() (Config, bool) {
	a := l.active.Load()
	if a == nil {
		return Config{}, false
	}
	return a.cfg, true
}

// Strategy returns the active strategy, or nil before Configure.
func (l *Limiter) Strategy() Strategy {
	a := l.active.Load()
	if a == nil {
		return nil
	}
	return a.strategy
}

// Check decides whether the request ev from identity may proceed.
// A deny is a Decision with Allowed=false, never an error.
func (l *Limiter) Check(ctx context.Context, identity string, ev Event) (Decision, error) {
	if identity == "" {
		return Decision{}, ErrInvalidIdentity
	}
	a := l.active.Load()
	if a == nil {
		return Decision{}, ErrNotConfigured
	}

	ctx, span := l.tracer.Start(ctx, "limiter.Check",
		trace.WithAttributes(attribute.String("turnstile.algorithm", string(a.cfg.Algorithm))))
	defer span.End()

	d, err := a.strategy.Check(ctx, identity, ev)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Decision{}, err
	}

	span.SetAttributes(attribute.Bool("turnstile.allowed", d.Allowed))
	return d, nil
}
