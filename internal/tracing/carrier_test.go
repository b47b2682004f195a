package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func TestRecordCarrier_SetReplacesExisting(t *testing.T) {
	rec := &kgo.Record{Headers: []kgo.RecordHeader{{Key: "x-event-id", Value: []byte("e-1")}}}
	c := NewRecordCarrier(rec)

	c.Set("traceparent", "a")
	c.Set("traceparent", "b")

	if got := c.Get("traceparent"); got != "b" {
		t.Errorf("expected b, got %q", got)
	}
	if len(rec.Headers) != 2 {
		t.Errorf("expected 2 headers, got %d", len(rec.Headers))
	}
	if keys := c.Keys(); keys[0] != "x-event-id" || keys[1] != "traceparent" {
		t.Errorf("unexpected keys %v", keys)
	}
	if c.Get("missing") != "" {
		t.Error("expected empty value for missing header")
	}
}

func TestInjectExtractRecord_RoundTrip(t *testing.T) {
	prop := propagation.TraceContext{}
	tp := sdktrace.NewTracerProvider()
	defer tp.Shutdown(context.Background())

	ctx, span := tp.Tracer("test").Start(context.Background(), SpanLeadPublish)
	defer span.End()

	rec := &kgo.Record{}
	prop.Inject(ctx, NewRecordCarrier(rec))
	if NewRecordCarrier(rec).Get("traceparent") == "" {
		t.Fatal("expected traceparent header")
	}

	remote := trace.SpanContextFromContext(prop.Extract(context.Background(), NewRecordCarrier(rec)))
	if remote.TraceID() != span.SpanContext().TraceID() {
		t.Errorf("expected trace id %s, got %s", span.SpanContext().TraceID(), remote.TraceID())
	}
}

func TestStartSpan_RecordsError(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer tp.Shutdown(context.Background())

	ctx, span := StartSpan(context.Background(), tp.Tracer("test"), SpanLeadConsume,
		trace.WithAttributes(KafkaAttrs("leads.events", 1, 7)...))
	if !IsTraced(ctx) {
		t.Error("expected traced context")
	}
	SetSpanError(span, errors.New("boom"))
	span.End()

	ended := recorder.Ended()
	if len(ended) != 1 {
		t.Fatalf("expected 1 span, got %d", len(ended))
	}
	if ended[0].Name() != SpanLeadConsume {
		t.Errorf("unexpected span name %s", ended[0].Name())
	}
	if ended[0].Status().Description != "boom" {
		t.Errorf("expected error status, got %+v", ended[0].Status())
	}
}

func TestStartSpan_NilTracer(t *testing.T) {
	ctx, span := StartSpan(context.Background(), nil, SpanLeadPublish)
	if span == nil {
		t.Fatal("expected non-nil span")
	}
	if IsTraced(ctx) {
		t.Error("expected untraced context")
	}
	SetSpanOK(span)
}
