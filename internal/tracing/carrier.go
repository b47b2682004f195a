package tracing

import (
	"context"

	"github.com/twmb/franz-go/pkg/kgo"
)

// RecordCarrier adapts Kafka record headers to propagation.TextMapCarrier.
type RecordCarrier struct {
	rec *kgo.Record
}

// NewRecordCarrier wraps rec.
func NewRecordCarrier(rec *kgo.Record) RecordCarrier { return RecordCarrier{rec: rec} }

// Get returns the first header value for key.
func (c RecordCarrier) Get(key string) string {
	for _, h := range c.rec.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

// Set replaces or appends the header.
func (c RecordCarrier) Set(key, value string) {
	for i, h := range c.rec.Headers {
		if h.Key == key {
			c.rec.Headers[i].Value = []byte(value)
			return
		}
	}
	c.rec.Headers = append(c.rec.Headers, kgo.RecordHeader{Key: key, Value: []byte(value)})
}

// Keys lists header keys.
func (c RecordCarrier) Keys() []string {
	keys := make([]string, 0, len(c.rec.Headers))
	for _, h := range c.rec.Headers {
		keys = append(keys, h.Key)
	}
	return keys
}

// InjectRecord writes the span context of ctx into rec's headers.
func InjectRecord(ctx context.Context, rec *kgo.Record) {
	Propagator().Inject(ctx, NewRecordCarrier(rec))
}

// ExtractRecord returns ctx carrying the remote span context found in rec.
func ExtractRecord(ctx context.Context, rec *kgo.Record) context.Context {
	return Propagator().Extract(ctx, NewRecordCarrier(rec))
}
