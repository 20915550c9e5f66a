package observability

import (
	"context"
	"fmt"
	"log"
	"time"

	"reading-assessment/internal/common/logger"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	ExporterNone = "none"
	ExporterLog  = "log"
)

type Observability struct {
	meterProvider  *metric.MeterProvider
	tracerProvider *sdktrace.TracerProvider
	meter          otelmetric.Meter
	tracer         trace.Tracer
	jobCounter     otelmetric.Int64Counter
	jobDuration    otelmetric.Float64Histogram
}

type options struct {
	processors  []sdktrace.SpanProcessor
	sampleRatio float64
}

type Option func(*options)

// WithSpanExporter ships finished spans to exp in batches.
func WithSpanExporter(exp sdktrace.SpanExporter) Option {
	return func(o *options) {
		if exp != nil {
			o.processors = append(o.processors, sdktrace.NewBatchSpanProcessor(exp))
		}
	}
}

// WithSpanProcessor hands spans to sp as they start and end.
func WithSpanProcessor(sp sdktrace.SpanProcessor) Option {
	return func(o *options) {
		if sp != nil {
			o.processors = append(o.processors, sp)
		}
	}
}

// WithSampleRatio keeps a fraction of root spans. Child spans follow their
// parent.
func WithSampleRatio(r float64) Option {
	return func(o *options) {
		if r > 0 && r <= 1 {
			o.sampleRatio = r
		}
	}
}

// NewTraceExporter builds the span exporter named by kind. "none" returns a
// nil exporter and tracing stays off.
func NewTraceExporter(kind string, log logger.Logger) (sdktrace.SpanExporter, error) {
	switch kind {
	case "", ExporterNone:
		return nil, nil
	case ExporterLog:
		return NewLogExporter(log), nil
	default:
		return nil, fmt.Errorf("unknown trace exporter %q", kind)
	}
}

// New registers the OTel Prometheus exporter with the default registry.
func New(serviceName string, opts ...Option) *Observability {
	return NewWithRegisterer(serviceName, prometheus.DefaultRegisterer, opts...)
}

// NewWithRegisterer is New against an explicit registry. Without a span
// exporter or processor no tracer provider is built and StartSpan returns
// no-op spans.
func NewWithRegisterer(serviceName string, reg prometheus.Registerer, opts ...Option) *Observability {
	cfg := options{sampleRatio: 1}
	for _, opt := range opts {
		opt(&cfg)
	}

	o := &Observability{}

	if len(cfg.processors) > 0 {
		tpOpts := []sdktrace.TracerProviderOption{
			sdktrace.WithResource(resource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceName(serviceName))),
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.sampleRatio))),
		}
		for _, sp := range cfg.processors {
			tpOpts = append(tpOpts, sdktrace.WithSpanProcessor(sp))
		}
		tp := sdktrace.NewTracerProvider(tpOpts...)
		otel.SetTracerProvider(tp)
		o.tracerProvider = tp
		o.tracer = tp.Tracer(serviceName)
	}

	exporter, err := otelprom.New(otelprom.WithRegisterer(reg))
	if err != nil {
		log.Printf("Failed to create Prometheus exporter: %v", err)
		return o
	}

	provider := metric.NewMeterProvider(metric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	o.meterProvider = provider
	o.meter = provider.Meter(serviceName)
	o.jobCounter, _ = o.meter.Int64Counter(
		"jobs_processed",
		otelmetric.WithDescription("Number of assessment jobs processed"),
	)
	o.jobDuration, _ = o.meter.Float64Histogram(
		"jobs_duration",
		otelmetric.WithDescription("Assessment job processing duration"),
		otelmetric.WithUnit("ms"),
	)
	return o
}

// StartSpan opens a span named after a pipeline stage. A nil receiver yields
// a no-op span so callers need not guard.
func (o *Observability) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if o == nil || o.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return o.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// Tracing reports whether spans are recorded anywhere.
func (o *Observability) Tracing() bool {
	return o != nil && o.tracer != nil
}

func (o *Observability) RecordJobProcessed(ctx context.Context, status string) {
	if o != nil && o.jobCounter != nil {
		o.jobCounter.Add(ctx, 1, otelmetric.WithAttributes(
			attribute.String("status", status),
		))
	}
}

func (o *Observability) RecordJobDuration(ctx context.Context, duration time.Duration, status string) {
	if o != nil && o.jobDuration != nil {
		o.jobDuration.Record(ctx, float64(duration.Milliseconds()), otelmetric.WithAttributes(
			attribute.String("status", status),
		))
	}
}

// Shutdown flushes pending spans and stops both providers.
func (o *Observability) Shutdown() {
	if o == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if o.meterProvider != nil {
		_ = o.meterProvider.Shutdown(ctx)
	}
	if o.tracerProvider != nil {
		_ = o.tracerProvider.Shutdown(ctx)
	}
}
