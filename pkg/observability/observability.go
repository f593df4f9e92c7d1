// Package observability provides OpenTelemetry tracing and metrics for
// the pipeline: per-stage job counters and duration histograms, queue
// depth gauges, and circuit-breaker transition counts.
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

// Attribute keys shared across instruments.
var (
	AttrQueue    = attribute.Key("regtruth.queue")
	AttrOutcome  = attribute.Key("regtruth.outcome")
	AttrProvider = attribute.Key("regtruth.provider")
	AttrAgent    = attribute.Key("regtruth.agent")
)

// Config configures the OpenTelemetry providers.
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

func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "regtruth",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        true,
	}
}

// Provider manages the trace and metric providers plus the pipeline
// instruments. A disabled provider is a safe no-op.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	jobsProcessed      metric.Int64Counter
	stageDuration      metric.Float64Histogram
	llmTokens          metric.Int64Counter
	breakerTransitions metric.Int64Counter
	queueDepth         metric.Int64ObservableGauge
}

// DepthFunc reports the current depth of a named queue; registered via
// ObserveQueueDepths.
type DepthFunc func(ctx context.Context, name string) (int, error)

func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}
	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}
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
		),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: build resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("observability: trace provider: %w", err)
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("observability: metric provider: %w", err)
	}

	p.tracer = otel.Tracer("regtruth",
		trace.WithInstrumentationVersion(config.ServiceVersion))
	p.meter = otel.Meter("regtruth",
		metric.WithInstrumentationVersion(config.ServiceVersion))

	if err := p.initPipelineMetrics(); err != nil {
		return nil, fmt.Errorf("observability: pipeline metrics: %w", err)
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"service", config.ServiceName,
		"endpoint", config.OTLPEndpoint,
		"sample_rate", config.SampleRate)
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
		propagation.TraceContext{},
		propagation.Baggage{},
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
		return err
	}
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initPipelineMetrics() error {
	var err error
	p.jobsProcessed, err = p.meter.Int64Counter("regtruth.jobs.processed",
		metric.WithDescription("Jobs processed per queue and outcome"),
		metric.WithUnit("{job}"))
	if err != nil {
		return err
	}
	p.stageDuration, err = p.meter.Float64Histogram("regtruth.stage.duration",
		metric.WithDescription("Per-job stage duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300))
	if err != nil {
		return err
	}
	p.llmTokens, err = p.meter.Int64Counter("regtruth.llm.tokens",
		metric.WithDescription("LLM tokens used per agent"),
		metric.WithUnit("{token}"))
	if err != nil {
		return err
	}
	p.breakerTransitions, err = p.meter.Int64Counter("regtruth.breaker.transitions",
		metric.WithDescription("Circuit breaker state transitions per provider"),
		metric.WithUnit("{transition}"))
	if err != nil {
		return err
	}
	return nil
}

// ObserveQueueDepths registers a gauge callback over the named queues
// plus the dead-letter queue.
func (p *Provider) ObserveQueueDepths(depth DepthFunc, names ...string) error {
	if p.meter == nil {
		return nil
	}
	var err error
	p.queueDepth, err = p.meter.Int64ObservableGauge("regtruth.queue.depth",
		metric.WithDescription("Jobs pending or leased per queue"),
		metric.WithUnit("{job}"))
	if err != nil {
		return err
	}
	_, err = p.meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		for _, name := range names {
			n, err := depth(ctx, name)
			if err != nil {
				continue
			}
			o.ObserveInt64(p.queueDepth, int64(n), metric.WithAttributes(AttrQueue.String(name)))
		}
		return nil
	}, p.queueDepth)
	return err
}

// RecordJob counts one processed job and its duration.
func (p *Provider) RecordJob(ctx context.Context, queueName, outcome string, d time.Duration) {
	attrs := metric.WithAttributes(AttrQueue.String(queueName), AttrOutcome.String(outcome))
	if p.jobsProcessed != nil {
		p.jobsProcessed.Add(ctx, 1, attrs)
	}
	if p.stageDuration != nil {
		p.stageDuration.Record(ctx, d.Seconds(), metric.WithAttributes(AttrQueue.String(queueName)))
	}
}

// RecordTokens counts LLM tokens used by one agent run.
func (p *Provider) RecordTokens(ctx context.Context, agent string, tokens int) {
	if p.llmTokens != nil && tokens > 0 {
		p.llmTokens.Add(ctx, int64(tokens), metric.WithAttributes(AttrAgent.String(agent)))
	}
}

// RecordBreakerTransition counts one circuit state change.
func (p *Provider) RecordBreakerTransition(ctx context.Context, provider, from, to string) {
	if p.breakerTransitions != nil {
		p.breakerTransitions.Add(ctx, 1, metric.WithAttributes(
			AttrProvider.String(provider),
			attribute.String("from", from),
			attribute.String("to", to),
		))
	}
}

// Tracer returns the configured tracer.
func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer("regtruth")
	}
	return p.tracer
}

// StartSpan starts a span on the provider's tracer.
func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.Tracer().Start(ctx, name, opts...)
}

// TrackJob opens a span for one job and returns the completion hook
// that records duration and outcome.
func (p *Provider) TrackJob(ctx context.Context, queueName, jobID string) (context.Context, func(outcome string, err error)) {
	start := time.Now()
	ctx, span := p.StartSpan(ctx, "pipeline."+queueName,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(AttrQueue.String(queueName), attribute.String("job.id", jobID)))

	return ctx, func(outcome string, err error) {
		p.RecordJob(ctx, queueName, outcome, time.Since(start))
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}
}

// Shutdown flushes and stops both providers.
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
