package telemetry

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/flowhook/flowhook/core"
)

// Counter names. Names are invariant; only label values vary, and those
// are bounded by the taxonomies and the cardinality limiter.
const (
	MetricEventsEmitted      = "events_emitted_total"
	MetricEventsDeduplicated = "events_deduplicated_total"
	MetricBroadcastFallbacks = "event_broadcast_fallbacks_total"
	MetricTriggerMatches     = "trigger_matches_total"
	MetricActionExecutions   = "action_executions_total"
	MetricActionRetries      = "action_retries_total"
	MetricActionCompensation = "action_compensations_total"
	MetricDLQEntries         = "dlq_entries_total"
	MetricDLQRetries         = "dlq_retries_total"
	MetricInboundRequests    = "inbound_webhook_requests_total"
	MetricDeliveries         = "webhook_deliveries_total"
	MetricDeliveryLatency    = "webhook_delivery_duration_ms"
)

// OTelProvider implements core.Telemetry with OpenTelemetry. Metric label
// values pass through a cardinality limiter before reaching any instrument.
type OTelProvider struct {
	tracer        trace.Tracer
	meter         metric.Meter
	traceProvider *sdktrace.TracerProvider
	limiter       *CardinalityLimiter

	mu         sync.Mutex
	counters   map[string]metric.Float64Counter
	histograms map[string]metric.Float64Histogram
}

// NewOTelProvider creates the provider. When endpoint is empty, spans go
// to a stdout exporter instead of OTLP. sampleRate applies to spans not
// forced by the error-biased sampler.
func NewOTelProvider(serviceName, endpoint string, sampleRate float64) (*OTelProvider, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String(serviceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	var exporter sdktrace.SpanExporter
	if endpoint == "" {
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	} else {
		exporter, err = otlptracegrpc.New(context.Background(),
			otlptracegrpc.WithEndpoint(endpoint),
			otlptracegrpc.WithInsecure(),
		)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(NewSampler(sampleRate))),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return &OTelProvider{
		tracer:        tp.Tracer(serviceName),
		meter:         otel.Meter(serviceName),
		traceProvider: tp,
		limiter:       NewCardinalityLimiter(),
		counters:      make(map[string]metric.Float64Counter),
		histograms:    make(map[string]metric.Float64Histogram),
	}, nil
}

// Tracer exposes the underlying tracer for Instrument.
func (o *OTelProvider) Tracer() trace.Tracer {
	return o.tracer
}

// StartSpan starts a new span.
func (o *OTelProvider) StartSpan(ctx context.Context, name string) (context.Context, core.Span) {
	ctx, span := o.tracer.Start(ctx, name)
	return ctx, &otelSpan{span: span}
}

// RecordMetric increments the named counter. Latency metrics (names
// ending in "_ms") record into a histogram instead.
func (o *OTelProvider) RecordMetric(name string, value float64, labels map[string]string) {
	attrs := make([]attribute.KeyValue, 0, len(labels))
	for k, v := range labels {
		attrs = append(attrs, attribute.String(k, o.limiter.Allow(k, v)))
	}
	opt := metric.WithAttributes(attrs...)

	if len(name) > 3 && name[len(name)-3:] == "_ms" {
		h, err := o.histogram(name)
		if err != nil {
			return
		}
		h.Record(context.Background(), value, opt)
		return
	}

	c, err := o.counter(name)
	if err != nil {
		return
	}
	c.Add(context.Background(), value, opt)
}

func (o *OTelProvider) counter(name string) (metric.Float64Counter, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if c, ok := o.counters[name]; ok {
		return c, nil
	}
	c, err := o.meter.Float64Counter(name)
	if err != nil {
		return nil, err
	}
	o.counters[name] = c
	return c, nil
}

func (o *OTelProvider) histogram(name string) (metric.Float64Histogram, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if h, ok := o.histograms[name]; ok {
		return h, nil
	}
	h, err := o.meter.Float64Histogram(name)
	if err != nil {
		return nil, err
	}
	o.histograms[name] = h
	return h, nil
}

// Shutdown flushes and stops the trace provider.
func (o *OTelProvider) Shutdown(ctx context.Context) error {
	return o.traceProvider.Shutdown(ctx)
}

var _ core.Telemetry = (*OTelProvider)(nil)

// otelSpan adapts an OpenTelemetry span to core.Span.
type otelSpan struct {
	span trace.Span
}

func (s *otelSpan) End() {
	s.span.End()
}

func (s *otelSpan) SetAttribute(key string, value interface{}) {
	switch v := value.(type) {
	case string:
		s.span.SetAttributes(TruncateAttr(attribute.String(key, v)))
	case int:
		s.span.SetAttributes(attribute.Int(key, v))
	case int64:
		s.span.SetAttributes(attribute.Int64(key, v))
	case float64:
		s.span.SetAttributes(attribute.Float64(key, v))
	case bool:
		s.span.SetAttributes(attribute.Bool(key, v))
	default:
		s.span.SetAttributes(TruncateAttr(attribute.String(key, fmt.Sprintf("%v", v))))
	}
}

func (s *otelSpan) RecordError(err error) {
	if err == nil {
		return
	}
	s.span.SetAttributes(attribute.Bool("error", true))
	s.span.RecordError(fmt.Errorf("%s", core.RedactString(err.Error())))
}
