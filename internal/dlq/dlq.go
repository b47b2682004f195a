// Package dlq copies records that could not be processed to a dead-letter topic.
package dlq

import (
	"context"
	"fmt"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/twmb/franz-go/pkg/kgo"
)

// Header keys added to every dead-lettered record.
const (
	HeaderOriginalTopic     = "x-dlt-original-topic"
	HeaderOriginalPartition = "x-dlt-original-partition"
	HeaderOriginalOffset    = "x-dlt-original-offset"
	HeaderErrorClass        = "x-dlt-error-class"
	HeaderErrorMessage      = "x-dlt-error-message"
	HeaderAttempts          = "x-dlt-attempts"
	HeaderFailedAt          = "x-dlt-failed-at"
	HeaderConsumerRole      = "x-dlt-consumer-role"
)

// maxMessageLen bounds the error text carried in a header.
const maxMessageLen = 1024

// Publisher is the interface for publishing records to a broker.
// Implementations must honour the Partition set on the record.
type Publisher interface {
	Publish(ctx context.Context, rec *kgo.Record) error
	Close() error
}

// FailureInfo contains metadata about why a record failed processing.
type FailureInfo struct {
	ErrorClass   string
	ErrorMessage string
	Attempts     int
	Role         string
}

// Handler publishes failed records to the dead-letter topic.
type Handler struct {
	publisher Publisher
	topic     string
	now       func() time.Time
}

// Option configures a Handler.
type Option func(*Handler)

// WithClock overrides the failure timestamp source.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) {
		h.now = now
	}
}

// NewHandler creates a handler writing to topic.
func NewHandler(pub Publisher, topic string, opts ...Option) *Handler {
	h := &Handler{
		publisher: pub,
		topic:     topic,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Topic returns the dead-letter topic name.
func (h *Handler) Topic() string { return h.topic }

// Send copies rec to the dead-letter topic on the same partition number.
// Key, value and the original headers are preserved byte for byte.
func (h *Handler) Send(ctx context.Context, rec *kgo.Record, info FailureInfo) error {
	headers := make([]kgo.RecordHeader, 0, len(rec.Headers)+8)
	headers = append(headers, rec.Headers...)
	headers = append(headers,
		kgo.RecordHeader{Key: HeaderOriginalTopic, Value: []byte(rec.Topic)},
		kgo.RecordHeader{Key: HeaderOriginalPartition, Value: []byte(strconv.FormatInt(int64(rec.Partition), 10))},
		kgo.RecordHeader{Key: HeaderOriginalOffset, Value: []byte(strconv.FormatInt(rec.Offset, 10))},
		kgo.RecordHeader{Key: HeaderErrorClass, Value: []byte(info.ErrorClass)},
		kgo.RecordHeader{Key: HeaderErrorMessage, Value: []byte(truncate(info.ErrorMessage, maxMessageLen))},
		kgo.RecordHeader{Key: HeaderAttempts, Value: []byte(strconv.Itoa(info.Attempts))},
		kgo.RecordHeader{Key: HeaderFailedAt, Value: []byte(h.now().UTC().Format(time.RFC3339))},
	)
	if info.Role != "" {
		headers = append(headers, kgo.RecordHeader{Key: HeaderConsumerRole, Value: []byte(info.Role)})
	}

	out := &kgo.Record{
		Topic:     h.topic,
		Partition: rec.Partition,
		Key:       rec.Key,
		Value:     rec.Value,
		Headers:   headers,
		Timestamp: rec.Timestamp,
	}
	if err := h.publisher.Publish(ctx, out); err != nil {
		return fmt.Errorf("dlq publish to %s[%d]: %w", h.topic, rec.Partition, err)
	}
	return nil
}

// Close releases resources held by the handler.
func (h *Handler) Close() error {
	return h.publisher.Close()
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
