package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc/credentials/insecure"
)

const serviceName = "turnstile"

// TracingConfig configures span export.
type TracingConfig struct {
	// Endpoint is the OTLP gRPC collector address (host:port). Empty disables tracing.
	Endpoint string `json:"endpoint" yaml:"endpoint"`
	// Insecure disables TLS to the collector.
	Insecure bool `json:"insecure" yaml:"insecure"`
	// SampleRatio is the fraction of traces kept, 1 when unset.
	SampleRatio float64 `json:"sample_ratio" yaml:"sample_ratio"`
}

// Tracer owns the tracer provider for the process.
type Tracer struct {
	provider trace.TracerProvider
	sdk      *sdktrace.TracerProvider
}

// NewTracer builds a tracer provider from cfg and installs it globally.
// With no endpoint configured it returns a noop provider and installs nothing.
func NewTracer(ctx context.Context, cfg TracingConfig) (*Tracer, error) {
	if cfg.Endpoint == "" {
		return &Tracer{provider: noop.NewTracerProvider()}, nil
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithTLSCredentials(insecure.NewCredentials()))
	}

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	exporter, err := otlptrace.New(dialCtx, otlptracegrpc.NewClient(opts...))
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	return newTracer(exporter, cfg.SampleRatio), nil
}

// newTracer wires an exporter into an SDK provider and installs it globally.
func newTracer(exporter sdktrace.SpanExporter, ratio float64) *Tracer {
	if ratio <= 0 || ratio > 1 {
		ratio = 1
	}

	res := resource.NewSchemaless(attribute.String("service.name", serviceName))
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
	)

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Tracer{provider: provider, sdk: provider}
}

// Provider returns the tracer provider to hand to instrumented components.
func (t *Tracer) Provider() trace.TracerProvider {
	return t.provider
}

// Enabled reports whether spans are exported.
func (t *Tracer) Enabled() bool {
	return t.sdk != nil
}

// Shutdown flushes pending spans. It is a no-op for the noop provider.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t.sdk == nil {
		return nil
	}
	return t.sdk.Shutdown(ctx)
}
