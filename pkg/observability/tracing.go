package observability

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/trace"
)

// TracingConfig configures the tracer provider: the span-only subset
// this repo needs (no separate metrics SDK — RED metrics are served by
// Registry, not go.opentelemetry.io/otel/sdk/metric).
type TracingConfig struct {
	ServiceName  string
	Exporter     string // "none", "otlp", or "console"
	OTLPEndpoint string
	Insecure     bool
}

// TracingConfigFromEnv reads OTEL_TRACES_EXPORTER and
// OTEL_EXPORTER_OTLP_ENDPOINT.
func TracingConfigFromEnv(serviceName string) TracingConfig {
	cfg := TracingConfig{
		ServiceName:  serviceName,
		Exporter:     os.Getenv("OTEL_TRACES_EXPORTER"),
		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}
	if cfg.Exporter == "" {
		cfg.Exporter = "none"
	}
	if cfg.OTLPEndpoint == "" {
		cfg.OTLPEndpoint = "localhost:4317"
	}
	return cfg
}

// Provider holds the tracer and a shutdown hook. The zero value of
// tracerProvider is left nil for "none", in which case Tracer falls
// back to the global no-op provider — tracing calls remain safe but do
// nothing.
type Provider struct {
	cfg            TracingConfig
	tracerProvider *sdktrace.TracerProvider
	tracer         trace.Tracer
	Metrics        *Registry
}

// NewProvider constructs a Provider per cfg.Exporter: "none" installs no
// span processor at all (spans are created and immediately discarded
// with no work done); "otlp" batches spans to cfg.OTLPEndpoint via gRPC;
// "console" batches spans to a slog-backed exporter instead of standard
// output directly, so trace output interleaves with the rest of this
// process's structured logs.
func NewProvider(ctx context.Context, cfg TracingConfig) (*Provider, error) {
	p := &Provider{cfg: cfg, Metrics: NewRegistry()}

	if cfg.Exporter == "none" || cfg.Exporter == "" {
		p.tracer = otel.Tracer(cfg.ServiceName)
		return p, nil
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		attribute.String("service.name", cfg.ServiceName),
	))
	if err != nil {
		return nil, fmt.Errorf("observability: build resource: %w", err)
	}

	var exporter sdktrace.SpanExporter
	switch cfg.Exporter {
	case "otlp":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err = otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("observability: create OTLP exporter: %w", err)
		}
	case "console":
		exporter = &slogSpanExporter{logger: slog.Default().With("component", "tracing")}
	default:
		return nil, fmt.Errorf("observability: unknown OTEL_TRACES_EXPORTER %q", cfg.Exporter)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(p.tracerProvider)
	p.tracer = p.tracerProvider.Tracer(cfg.ServiceName)
	return p, nil
}

// Tracer returns the configured tracer (a no-op tracer when the
// exporter is "none").
func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer(p.cfg.ServiceName)
	}
	return p.tracer
}

// StartSpan starts a span named name under ctx.
func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.Tracer().Start(ctx, name, opts...)
}

// Shutdown flushes and stops the tracer provider, if one was created.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider == nil {
		return nil
	}
	return p.tracerProvider.Shutdown(ctx)
}

// slogSpanExporter implements sdktrace.SpanExporter by logging each
// finished span as a structured slog record, for the "console" exporter
// mode. It never errors — a broken console sink should never fail a
// delivery or dispatch.
type slogSpanExporter struct {
	logger *slog.Logger
}

func (e *slogSpanExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, s := range spans {
		e.logger.Info("span",
			"name", s.Name(),
			"trace_id", s.SpanContext().TraceID().String(),
			"span_id", s.SpanContext().SpanID().String(),
			"duration", s.EndTime().Sub(s.StartTime()).String(),
			"status", fmt.Sprintf("%v", s.Status().Code),
		)
	}
	return nil
}

func (e *slogSpanExporter) Shutdown(_ context.Context) error { return nil }
