// Package observability provides OpenTelemetry-based tracing and RED
// metrics (Rate, Errors, Duration), trimmed down from the teacher's much
// larger pkg/observability (which also carried SLO/SLI error-budget
// tracking and an audit timeline projection — both out of scope here, see
// DESIGN.md) but keeping the same Provider shape: one tracer, one meter,
// three RED instruments, and a slog logger that is safe to use even when
// telemetry export is disabled.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Config configures the Provider.
type Config struct {
	ServiceName  string
	Environment  string
	OTLPEndpoint string
	Enabled      bool
	Insecure     bool
}

// DefaultConfig returns telemetry-disabled defaults, safe for tests.
func DefaultConfig() *Config {
	return &Config{
		ServiceName: "cybernetic-substrate",
		Environment: "development",
		Enabled:     false,
		Insecure:    true,
	}
}

// Provider bundles a tracer, a meter, and the three RED instruments used
// across ingestion, the policy engine, and Prism.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	requestCounter metric.Int64Counter
	errorCounter   metric.Int64Counter
	durationHist   metric.Float64Histogram
}

// New creates a Provider. When cfg.Enabled is false, tracer/meter calls are
// routed to OpenTelemetry's no-op implementations so callers never need to
// nil-check.
func New(ctx context.Context, cfg *Config) (*Provider, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	p := &Provider{
		config: cfg,
		logger: slog.Default().With("component", "observability"),
	}

	if !cfg.Enabled {
		p.tracer = otel.Tracer("substrate")
		p.meter = otel.Meter("substrate")
		if err := p.initInstruments(); err != nil {
			return nil, err
		}
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.DeploymentEnvironment(cfg.Environment),
			attribute.String("substrate.component", "core"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("observability: trace provider: %w", err)
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("observability: metric provider: %w", err)
	}

	p.tracer = otel.Tracer("substrate")
	p.meter = otel.Meter("substrate")
	if err := p.initInstruments(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return err
	}
	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(p.tracerProvider)
	return nil
}

func (p *Provider) initMetricProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return err
	}
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initInstruments() error {
	var err error
	p.requestCounter, err = p.meter.Int64Counter("substrate.requests", metric.WithDescription("requests processed, by component"))
	if err != nil {
		return err
	}
	p.errorCounter, err = p.meter.Int64Counter("substrate.errors", metric.WithDescription("errors encountered, by component"))
	if err != nil {
		return err
	}
	p.durationHist, err = p.meter.Float64Histogram("substrate.duration_ms", metric.WithDescription("operation duration in milliseconds, by component"))
	if err != nil {
		return err
	}
	return nil
}

// Tracer returns the component tracer.
func (p *Provider) Tracer() trace.Tracer { return p.tracer }

// Logger returns the structured logger.
func (p *Provider) Logger() *slog.Logger { return p.logger }

// StartSpan opens a span named "<component>.<op>" and returns an End
// function that records duration/success into the RED instruments. Callers
// should `defer end(&err)`.
func (p *Provider) StartSpan(ctx context.Context, component, op string) (context.Context, func(errp *error)) {
	spanCtx, span := p.tracer.Start(ctx, component+"."+op)
	start := time.Now()
	attrs := []attribute.KeyValue{attribute.String("component", component), attribute.String("op", op)}

	return spanCtx, func(errp *error) {
		dur := time.Since(start).Milliseconds()
		p.requestCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
		p.durationHist.Record(ctx, float64(dur), metric.WithAttributes(attrs...))
		if errp != nil && *errp != nil {
			p.errorCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
			span.RecordError(*errp)
		}
		span.End()
	}
}

// Shutdown flushes and closes the trace/metric providers, if any were
// started.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			return err
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			return err
		}
	}
	return nil
}
