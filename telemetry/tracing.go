package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/flowhook/flowhook/core"
)

// maxAttributeBytes caps the serialized size of a single span attribute.
const maxAttributeBytes = 10 * 1024

const truncationMarker = "… [truncated]"

// criticalSpans are always sampled regardless of the configured rate.
var criticalSpans = map[string]struct{}{
	"event.emit":     {},
	"action.execute": {},
	"trigger.match":  {},
}

// errorBiasedSampler always samples critical span names and spans carrying
// an error attribute; everything else falls through to a ratio sampler.
type errorBiasedSampler struct {
	rate     float64
	fallback sdktrace.Sampler
}

// NewSampler builds the sampler used by the trace provider. rate is the
// probability for non-critical, non-error spans (0..1).
func NewSampler(rate float64) sdktrace.Sampler {
	if rate < 0 {
		rate = 0
	}
	if rate > 1 {
		rate = 1
	}
	return &errorBiasedSampler{
		rate:     rate,
		fallback: sdktrace.TraceIDRatioBased(rate),
	}
}

func (s *errorBiasedSampler) ShouldSample(p sdktrace.SamplingParameters) sdktrace.SamplingResult {
	psc := trace.SpanContextFromContext(p.ParentContext)

	if _, ok := criticalSpans[p.Name]; ok {
		return sdktrace.SamplingResult{
			Decision:   sdktrace.RecordAndSample,
			Tracestate: psc.TraceState(),
		}
	}
	for _, attr := range p.Attributes {
		if attr.Key == "error" && attr.Value.Type() == attribute.BOOL && attr.Value.AsBool() {
			return sdktrace.SamplingResult{
				Decision:   sdktrace.RecordAndSample,
				Tracestate: psc.TraceState(),
			}
		}
	}
	return s.fallback.ShouldSample(p)
}

func (s *errorBiasedSampler) Description() string {
	return fmt.Sprintf("ErrorBiasedSampler{rate=%g}", s.rate)
}

// TruncateAttr caps a string attribute value at maxAttributeBytes,
// appending the truncation marker when it was cut.
func TruncateAttr(attr attribute.KeyValue) attribute.KeyValue {
	if attr.Value.Type() != attribute.STRING {
		return attr
	}
	v := attr.Value.AsString()
	if len(v) <= maxAttributeBytes {
		return attr
	}
	return attribute.String(string(attr.Key), v[:maxAttributeBytes]+truncationMarker)
}

func truncateAttrs(attrs []attribute.KeyValue) []attribute.KeyValue {
	out := make([]attribute.KeyValue, len(attrs))
	for i, attr := range attrs {
		out[i] = TruncateAttr(attr)
	}
	return out
}

// Instrument wraps fn in a span: start, set attributes, invoke, set status
// from the outcome, and always end the span. Error messages recorded on
// the span are PII-redacted first.
func Instrument(ctx context.Context, tracer trace.Tracer, name string, attrs []attribute.KeyValue, fn func(context.Context) error) error {
	ctx, span := tracer.Start(ctx, name, trace.WithAttributes(truncateAttrs(attrs)...))
	defer span.End()

	if err := fn(ctx); err != nil {
		redacted := core.RedactString(err.Error())
		span.SetAttributes(attribute.Bool("error", true))
		span.RecordError(fmt.Errorf("%s", redacted))
		span.SetStatus(codes.Error, redacted)
		return err
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

// TraceContext holds trace and span identifiers for log correlation.
type TraceContext struct {
	TraceID string
	SpanID  string
	Sampled bool
}

// GetTraceContext extracts trace identifiers from the context for
// inclusion in structured logs. Returns zero values when no valid span
// context exists.
func GetTraceContext(ctx context.Context) TraceContext {
	if ctx == nil {
		return TraceContext{}
	}
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return TraceContext{}
	}
	return TraceContext{
		TraceID: sc.TraceID().String(),
		SpanID:  sc.SpanID().String(),
		Sampled: sc.IsSampled(),
	}
}

// AddSpanEvent marks a point in time on the current span. Safe to call
// when no span is in the context.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	if ctx == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.AddEvent(name, trace.WithAttributes(truncateAttrs(attrs)...))
	}
}

// RecordSpanError records a redacted error on the current span and marks
// the span status as error.
func RecordSpanError(ctx context.Context, err error) {
	if ctx == nil || err == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		redacted := core.RedactString(err.Error())
		span.SetAttributes(attribute.Bool("error", true))
		span.RecordError(fmt.Errorf("%s", redacted))
		span.SetStatus(codes.Error, redacted)
	}
}
