// Package observability wires OpenTelemetry tracing and RED metrics
// for the gateway's eight-stage pipeline, adapted from the teacher's
// general-purpose Provider to name spans and counters after pipeline
// stages instead of generic request/error/duration labels.
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

// Stage names pipeline stages for span/metric labeling (spec §4).
type Stage string

const (
	StagePrincipalResolve  Stage = "principal_resolve"
	StageCapabilityLookup  Stage = "capability_lookup"
	StageRateLimit         Stage = "rate_limit"
	StagePolicyDecision    Stage = "policy_decision"
	StageParameterFilter   Stage = "parameter_filter"
	StageBudgetCheck       Stage = "budget_check"
	StageAdapterDispatch   Stage = "adapter_dispatch"
	StageAuditEmit         Stage = "audit_emit"
)

// Config configures the OpenTelemetry providers. Fields are explicit
// and set by the caller's construction code, never read from the
// environment.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string
	SampleRate     float64
	BatchTimeout   time.Duration
	Enabled        bool
	Insecure       bool
}

// DefaultConfig returns conservative defaults for local development.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "sentrygate",
		ServiceVersion: "0.1.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        true,
		Insecure:       true,
	}
}

// Provider manages the trace and metric providers and the gateway's
// per-stage RED instruments.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	requestCounter   metric.Int64Counter
	errorCounter     metric.Int64Counter
	denyCounter      metric.Int64Counter
	durationHist     metric.Float64Histogram
	activeOperations metric.Int64UpDownCounter
}

// New constructs a Provider. A nil config is replaced by
// DefaultConfig(), which is enabled; a disabled config returns a
// no-op Provider whose methods are safe to call unconditionally.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}

	p := &Provider{config: config, logger: slog.Default().With("component", "observability")}

	if !config.Enabled {
		p.logger.InfoContext(ctx, "observability disabled")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
			attribute.String("sentrygate.component", "gateway"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: build resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("observability: init trace provider: %w", err)
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("observability: init metric provider: %w", err)
	}

	p.tracer = otel.Tracer("sentrygate.gateway", trace.WithInstrumentationVersion(config.ServiceVersion))
	p.meter = otel.Meter("sentrygate.gateway", metric.WithInstrumentationVersion(config.ServiceVersion))

	if err := p.initREDMetrics(); err != nil {
		return nil, fmt.Errorf("observability: init RED metrics: %w", err)
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"service", config.ServiceName, "environment", config.Environment, "endpoint", config.OTLPEndpoint)

	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint)}
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
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(p.config.BatchTimeout)),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))
	return nil
}

func (p *Provider) initMetricProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}

	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("create metric exporter: %w", err)
	}

	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initREDMetrics() error {
	var err error

	p.requestCounter, err = p.meter.Int64Counter("sentrygate.stage.requests",
		metric.WithDescription("Requests processed per pipeline stage"), metric.WithUnit("{request}"))
	if err != nil {
		return err
	}

	p.errorCounter, err = p.meter.Int64Counter("sentrygate.stage.errors",
		metric.WithDescription("Errors per pipeline stage"), metric.WithUnit("{error}"))
	if err != nil {
		return err
	}

	p.denyCounter, err = p.meter.Int64Counter("sentrygate.stage.denies",
		metric.WithDescription("Deny decisions per pipeline stage"), metric.WithUnit("{decision}"))
	if err != nil {
		return err
	}

	p.durationHist, err = p.meter.Float64Histogram("sentrygate.stage.duration",
		metric.WithDescription("Stage duration in seconds"), metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5))
	if err != nil {
		return err
	}

	p.activeOperations, err = p.meter.Int64UpDownCounter("sentrygate.stage.active",
		metric.WithDescription("Currently in-flight stage executions"), metric.WithUnit("{operation}"))
	return err
}

// Shutdown drains and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "trace provider shutdown failed", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "metric provider shutdown failed", "error", err)
		}
	}
	return nil
}

func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer("sentrygate.gateway")
	}
	return p.tracer
}

func (p *Provider) Meter() metric.Meter {
	if p.meter == nil {
		return otel.Meter("sentrygate.gateway")
	}
	return p.meter
}

func stageAttr(stage Stage) attribute.KeyValue { return attribute.String("stage", string(stage)) }

// TrackStage wraps one pipeline stage's execution: it opens a span
// named after the stage, records request/duration/error/deny metrics,
// and returns a function to call with the stage's outcome.
func (p *Provider) TrackStage(ctx context.Context, stage Stage, attrs ...attribute.KeyValue) (context.Context, func(err error, denied bool)) {
	start := time.Now()
	allAttrs := append([]attribute.KeyValue{stageAttr(stage)}, attrs...)

	ctx, span := p.Tracer().Start(ctx, string(stage),
		trace.WithSpanKind(trace.SpanKindInternal), trace.WithAttributes(allAttrs...))

	if p.activeOperations != nil {
		p.activeOperations.Add(ctx, 1, metric.WithAttributes(allAttrs...))
	}
	if p.requestCounter != nil {
		p.requestCounter.Add(ctx, 1, metric.WithAttributes(allAttrs...))
	}

	return ctx, func(err error, denied bool) {
		duration := time.Since(start)

		if p.activeOperations != nil {
			p.activeOperations.Add(ctx, -1, metric.WithAttributes(allAttrs...))
		}
		if p.durationHist != nil {
			p.durationHist.Record(ctx, duration.Seconds(), metric.WithAttributes(allAttrs...))
		}
		if err != nil {
			span.RecordError(err)
			if p.errorCounter != nil {
				p.errorCounter.Add(ctx, 1, metric.WithAttributes(allAttrs...))
			}
		}
		if denied && p.denyCounter != nil {
			p.denyCounter.Add(ctx, 1, metric.WithAttributes(allAttrs...))
		}
		span.End()
	}
}
