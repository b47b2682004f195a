package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Attribute key constants for consistent span attributes.
const (
	AttrEventID        = "lead.event_id"
	AttrEventType      = "lead.event_type"
	AttrTenantID       = "lead.tenant_id"
	AttrConsumerRole   = "lead.consumer.role"
	AttrOutcome        = "lead.outcome"
	AttrCorrelationID  = "lead.correlation_id"
	AttrKafkaTopic     = "messaging.kafka.topic"
	AttrKafkaPartition = "messaging.kafka.partition"
	AttrKafkaOffset    = "messaging.kafka.offset"
	AttrErrorClass     = "error.type"
)

// Span names.
const (
	SpanLeadPublish    = "lead.publish"
	SpanLeadConsume    = "lead.consume"
	SpanLeadDeadLetter = "lead.deadletter"
)

// StartSpan starts a new span with the given name and options.
// If tracer is nil, returns the span already in ctx.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tracer.Start(ctx, name, opts...)
}

// SetSpanError records an error on the span and sets the status to Error.
func SetSpanError(span trace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanOK sets the span status to Ok.
func SetSpanOK(span trace.Span) {
	if span == nil {
		return
	}
	span.SetStatus(codes.Ok, "")
}

func EventIDAttr(id string) attribute.KeyValue { return attribute.String(AttrEventID, id) }

func EventTypeAttr(typ string) attribute.KeyValue { return attribute.String(AttrEventType, typ) }

func TenantAttr(tenant string) attribute.KeyValue { return attribute.String(AttrTenantID, tenant) }

func RoleAttr(role string) attribute.KeyValue { return attribute.String(AttrConsumerRole, role) }

func OutcomeAttr(outcome string) attribute.KeyValue { return attribute.String(AttrOutcome, outcome) }

func CorrelationAttr(id string) attribute.KeyValue { return attribute.String(AttrCorrelationID, id) }

func ErrorClassAttr(class string) attribute.KeyValue { return attribute.String(AttrErrorClass, class) }

// KafkaAttrs returns the topic, partition and offset attributes of a record.
func KafkaAttrs(topic string, partition int32, offset int64) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrKafkaTopic, topic),
		attribute.Int64(AttrKafkaPartition, int64(partition)),
		attribute.Int64(AttrKafkaOffset, offset),
	}
}

// IsTraced returns true if there is a valid recording span in the context.
func IsTraced(ctx context.Context) bool {
	span := trace.SpanFromContext(ctx)
	return span.SpanContext().IsValid() && span.IsRecording()
}
