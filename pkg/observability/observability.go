// Package observability wires OpenTelemetry tracing and metrics for the
// case engine: OTLP gRPC export, run and proposal counters, waitpoint
// and sweep instruments. Disabled it is a set of cheap no-ops, so
// callers never branch on whether telemetry is configured.
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
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	// OTLPEndpoint is the collector address, e.g. "localhost:4317".
	// Empty disables export entirely.
	OTLPEndpoint string
	SampleRate   float64
	BatchTimeout time.Duration
	Insecure     bool
}

// DefaultConfig returns local-collector defaults.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "docket",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   "",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Insecure:       true,
	}
}

// Provider manages the trace and metric providers plus the engine's
// domain instruments.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	runsStarted    metric.Int64Counter
	runsFinished   metric.Int64Counter
	proposalsGated metric.Int64Counter
	proposalsDone  metric.Int64Counter
	openWaitpoints metric.Int64UpDownCounter
	portalTimeouts metric.Int64Counter
	sweepDuration  metric.Float64Histogram
}

// New builds the provider. An empty OTLP endpoint yields a fully inert
// provider; instruments exist but record nowhere.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}

	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}

	if config.OTLPEndpoint == "" {
		p.logger.InfoContext(ctx, "telemetry export disabled")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("init trace provider: %w", err)
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("init metric provider: %w", err)
	}

	p.tracer = otel.Tracer("docket",
		trace.WithInstrumentationVersion(config.ServiceVersion))
	p.meter = otel.Meter("docket",
		metric.WithInstrumentationVersion(config.ServiceVersion))

	if err := p.initInstruments(); err != nil {
		return nil, fmt.Errorf("init instruments: %w", err)
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"service", config.ServiceName,
		"environment", config.Environment,
		"endpoint", config.OTLPEndpoint,
		"sample_rate", config.SampleRate)
	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint),
	}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("create trace exporter: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case p.config.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case p.config.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(p.config.SampleRate)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(p.config.BatchTimeout)),
		sdktrace.WithSampler(sampler),
	)

	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

func (p *Provider) initMetricProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint),
	}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}

	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("create metric exporter: %w", err)
	}

	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initInstruments() error {
	var err error

	p.runsStarted, err = p.meter.Int64Counter("docket.runs.started",
		metric.WithDescription("Agent runs started"),
		metric.WithUnit("{run}"))
	if err != nil {
		return err
	}
	p.runsFinished, err = p.meter.Int64Counter("docket.runs.finished",
		metric.WithDescription("Agent runs finished, by terminal status"),
		metric.WithUnit("{run}"))
	if err != nil {
		return err
	}
	p.proposalsGated, err = p.meter.Int64Counter("docket.proposals.gated",
		metric.WithDescription("Proposals parked for human approval"),
		metric.WithUnit("{proposal}"))
	if err != nil {
		return err
	}
	p.proposalsDone, err = p.meter.Int64Counter("docket.proposals.executed",
		metric.WithDescription("Proposals executed, by route"),
		metric.WithUnit("{proposal}"))
	if err != nil {
		return err
	}
	p.openWaitpoints, err = p.meter.Int64UpDownCounter("docket.waitpoints.open",
		metric.WithDescription("Waitpoints currently awaiting a decision"),
		metric.WithUnit("{waitpoint}"))
	if err != nil {
		return err
	}
	p.portalTimeouts, err = p.meter.Int64Counter("docket.portal.timeouts",
		metric.WithDescription("Portal submissions abandoned at the hard timeout"),
		metric.WithUnit("{task}"))
	if err != nil {
		return err
	}
	p.sweepDuration, err = p.meter.Float64Histogram("docket.reaper.sweep_duration",
		metric.WithDescription("Reaper sweep duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10))
	if err != nil {
		return err
	}
	return nil
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "trace provider shutdown", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "meter provider shutdown", "error", err)
		}
	}
	return nil
}

// Tracer returns the engine tracer.
func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer("docket")
	}
	return p.tracer
}

// Meter returns the engine meter.
func (p *Provider) Meter() metric.Meter {
	if p.meter == nil {
		return otel.Meter("docket")
	}
	return p.meter
}

// RunStarted counts a run pickup.
func (p *Provider) RunStarted(ctx context.Context, taskType string) {
	if p.runsStarted != nil {
		p.runsStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("task", taskType)))
	}
}

// RunFinished counts a run reaching a terminal status.
func (p *Provider) RunFinished(ctx context.Context, taskType, status string) {
	if p.runsFinished != nil {
		p.runsFinished.Add(ctx, 1, metric.WithAttributes(
			attribute.String("task", taskType),
			attribute.String("status", status)))
	}
}

// ProposalGated counts a proposal parked for review.
func (p *Provider) ProposalGated(ctx context.Context, actionType string) {
	if p.proposalsGated != nil {
		p.proposalsGated.Add(ctx, 1, metric.WithAttributes(attribute.String("action", actionType)))
	}
	if p.openWaitpoints != nil {
		p.openWaitpoints.Add(ctx, 1)
	}
}

// ProposalExecuted counts a finished proposal. Route is "auto",
// "approved", or "portal".
func (p *Provider) ProposalExecuted(ctx context.Context, actionType, route string) {
	if p.proposalsDone != nil {
		p.proposalsDone.Add(ctx, 1, metric.WithAttributes(
			attribute.String("action", actionType),
			attribute.String("route", route)))
	}
}

// WaitpointClosed decrements the open-waitpoints gauge.
func (p *Provider) WaitpointClosed(ctx context.Context) {
	if p.openWaitpoints != nil {
		p.openWaitpoints.Add(ctx, -1)
	}
}

// PortalTimedOut counts a hard portal timeout.
func (p *Provider) PortalTimedOut(ctx context.Context, provider string) {
	if p.portalTimeouts != nil {
		p.portalTimeouts.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", provider)))
	}
}

// TrackSweep opens a span for one reaper sweep and returns the closer.
func (p *Provider) TrackSweep(ctx context.Context) (context.Context, func(err error)) {
	start := time.Now()
	ctx, span := p.Tracer().Start(ctx, "reaper.sweep",
		trace.WithSpanKind(trace.SpanKindInternal))
	return ctx, func(err error) {
		if p.sweepDuration != nil {
			p.sweepDuration.Record(ctx, time.Since(start).Seconds())
		}
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}
}
