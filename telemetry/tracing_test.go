package telemetry

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	oteltrace "go.opentelemetry.io/otel/trace"
)

func newTestTracer() (*tracetest.InMemoryExporter, *sdktrace.TracerProvider) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
		sdktrace.WithSampler(sdktrace.ParentBased(NewSampler(0))),
	)
	return exporter, tp
}

func TestSamplerAlwaysKeepsCriticalSpans(t *testing.T) {
	exporter, tp := newTestTracer()
	tracer := tp.Tracer("test")

	for _, name := range []string{"event.emit", "action.execute", "trigger.match"} {
		_, span := tracer.Start(context.Background(), name)
		span.End()
	}
	// Rate is 0, so a non-critical span without error must be dropped.
	_, span := tracer.Start(context.Background(), "boring.span")
	span.End()

	spans := exporter.GetSpans()
	require.Len(t, spans, 3)
	names := make([]string, 0, 3)
	for _, s := range spans {
		names = append(names, s.Name)
	}
	assert.ElementsMatch(t, []string{"event.emit", "action.execute", "trigger.match"}, names)
}

func TestSamplerKeepsErrorSpans(t *testing.T) {
	exporter, tp := newTestTracer()
	tracer := tp.Tracer("test")

	_, span := tracer.Start(context.Background(), "boring.span",
		oteltrace.WithAttributes(attribute.Bool("error", true)))
	span.End()

	require.Len(t, exporter.GetSpans(), 1)
}

func TestTruncateAttr(t *testing.T) {
	short := TruncateAttr(attribute.String("k", "small"))
	assert.Equal(t, "small", short.Value.AsString())

	long := TruncateAttr(attribute.String("k", strings.Repeat("a", maxAttributeBytes+100)))
	got := long.Value.AsString()
	assert.True(t, strings.HasSuffix(got, truncationMarker))
	assert.Len(t, got, maxAttributeBytes+len(truncationMarker))

	num := TruncateAttr(attribute.Int("n", 42))
	assert.Equal(t, int64(42), num.Value.AsInt64())
}

func TestInstrumentSuccess(t *testing.T) {
	exporter, tp := newTestTracer()
	tracer := tp.Tracer("test")

	err := Instrument(context.Background(), tracer, "event.emit",
		[]attribute.KeyValue{attribute.String("event_type", "form.submitted")},
		func(ctx context.Context) error { return nil })
	require.NoError(t, err)

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Ok, spans[0].Status.Code)
}

func TestInstrumentErrorRedacted(t *testing.T) {
	exporter, tp := newTestTracer()
	tracer := tp.Tracer("test")

	inner := errors.New("delivery to alice@example.com failed")
	err := Instrument(context.Background(), tracer, "action.execute", nil,
		func(ctx context.Context) error { return inner })
	assert.ErrorIs(t, err, inner)

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status.Code)
	assert.NotContains(t, spans[0].Status.Description, "alice@example.com")
	assert.Contains(t, spans[0].Status.Description, "a***@e***.com")
}

func TestInstrumentAlwaysEndsSpan(t *testing.T) {
	exporter, tp := newTestTracer()
	tracer := tp.Tracer("test")

	_ = Instrument(context.Background(), tracer, "trigger.match", nil,
		func(ctx context.Context) error { return errors.New("boom") })

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.False(t, spans[0].EndTime.IsZero())
}

func TestGetTraceContext(t *testing.T) {
	assert.Equal(t, TraceContext{}, GetTraceContext(context.Background()))

	_, tp := newTestTracer()
	ctx, span := tp.Tracer("test").Start(context.Background(), "event.emit")
	defer span.End()

	tc := GetTraceContext(ctx)
	assert.Len(t, tc.TraceID, 32)
	assert.Len(t, tc.SpanID, 16)
	assert.True(t, tc.Sampled)
}
