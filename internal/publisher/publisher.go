// Package publisher writes lead events to Kafka inside producer
// transactions so a returned event id always refers to a committed record.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel/trace"

	"github.com/lsm/leadgate/internal/event"
	"github.com/lsm/leadgate/internal/kafka"
	"github.com/lsm/leadgate/internal/observability"
	"github.com/lsm/leadgate/internal/tracing"
)

// txnProducer abstracts the kgo client methods used by Publisher for testing.
type txnProducer interface {
	BeginTransaction() error
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	EndTransaction(ctx context.Context, commit kgo.TransactionEndTry) error
	AbortBufferedRecords(ctx context.Context) error
	Close()
}

// Publisher emits one CREATED event per command. Transactions are
// serialised: a transactional producer holds at most one open transaction.
type Publisher struct {
	mu      sync.Mutex
	client  txnProducer
	topic   string
	now     func() time.Time
	newID   func() uuid.UUID
	logger  *slog.Logger
	tlog    *observability.TraceLogger
	metrics *observability.Metrics
	tracer  trace.Tracer
}

// Option configures a Publisher.
type Option func(*Publisher)

func WithLogger(l *slog.Logger) Option { return func(p *Publisher) { p.logger = l } }

func WithMetrics(m *observability.Metrics) Option { return func(p *Publisher) { p.metrics = m } }

func WithTracer(t trace.Tracer) Option { return func(p *Publisher) { p.tracer = t } }

// WithClock overrides the occurredAt source.
func WithClock(now func() time.Time) Option { return func(p *Publisher) { p.now = now } }

// WithIDGenerator overrides event and lead id generation.
func WithIDGenerator(fn func() uuid.UUID) Option { return func(p *Publisher) { p.newID = fn } }

// New creates a transactional publisher writing to topic.
func New(cluster *kafka.ClusterConfig, settings kafka.ProducerSettings, topic string, opts ...Option) (*Publisher, error) {
	if cluster == nil {
		return nil, fmt.Errorf("cluster config is required")
	}
	kopts, err := kafka.TransactionalProducerOptions(cluster, settings)
	if err != nil {
		return nil, fmt.Errorf("producer options: %w", err)
	}
	client, err := kgo.NewClient(kopts...)
	if err != nil {
		return nil, fmt.Errorf("kafka producer client: %w", err)
	}
	return newPublisher(client, topic, opts...), nil
}

func newPublisher(client txnProducer, topic string, opts ...Option) *Publisher {
	p := &Publisher{
		client: client,
		topic:  topic,
		now:    time.Now,
		newID:  uuid.New,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.tlog = observability.NewTraceLogger(p.logger)
	return p
}

// Publish validates cmd and writes one CREATED event for it in its own
// transaction. The event id is returned only after the commit succeeded.
// Validation failures are *event.ValidationError; transport failures are
// returned after the transaction was aborted and are not retried here.
func (p *Publisher) Publish(ctx context.Context, cmd event.Command, tenantHint, correlationID string) (uuid.UUID, error) {
	if err := cmd.Validate(); err != nil {
		return uuid.Nil, err
	}

	leadID := strings.TrimSpace(cmd.LeadID)
	if leadID == "" {
		leadID = p.newID().String()
	}
	payload, err := cmd.Payload(leadID)
	if err != nil {
		return uuid.Nil, err
	}
	env, err := event.NewEnvelope(p.newID(), tenantHint, event.TypeCreated, payload, p.now())
	if err != nil {
		return uuid.Nil, err
	}
	rec, err := p.record(env, correlationID)
	if err != nil {
		return uuid.Nil, err
	}

	ctx, span := tracing.StartSpan(ctx, p.tracer, tracing.SpanLeadPublish,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			tracing.EventIDAttr(env.EventID.String()),
			tracing.TenantAttr(env.TenantID),
			tracing.CorrelationAttr(correlationID),
		),
	)
	defer span.End()
	tracing.InjectRecord(ctx, rec)

	logger := p.tlog.WithTraceContext(ctx).With("event_id", env.EventID, "lead_id", leadID, "tenant_id", env.TenantID, "correlation_id", correlationID)

	if err := p.send(ctx, rec); err != nil {
		tracing.SetSpanError(span, err)
		p.count("aborted")
		logger.Error("lead publish failed", "error", err)
		return uuid.Nil, err
	}

	tracing.SetSpanOK(span)
	p.count("committed")
	logger.Info("lead published", "partition", rec.Partition, "offset", rec.Offset)
	return env.EventID, nil
}

func (p *Publisher) send(ctx context.Context, rec *kgo.Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.client.BeginTransaction(); err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := p.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return p.abort(ctx, fmt.Errorf("produce to %s: %w", p.topic, err))
	}
	if err := p.client.EndTransaction(ctx, kgo.TryCommit); err != nil {
		return p.abort(ctx, fmt.Errorf("commit transaction: %w", err))
	}
	return nil
}

// abort rolls back the open transaction so the producer can start the next
// one. The abort runs on a detached context so a cancelled request still
// leaves the producer usable.
func (p *Publisher) abort(ctx context.Context, cause error) error {
	abortCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	var errs []error
	if err := p.client.AbortBufferedRecords(abortCtx); err != nil {
		errs = append(errs, fmt.Errorf("abort buffered records: %w", err))
	}
	if err := p.client.EndTransaction(abortCtx, kgo.TryAbort); err != nil {
		errs = append(errs, fmt.Errorf("abort transaction: %w", err))
	}
	return errors.Join(append([]error{cause}, errs...)...)
}

func (p *Publisher) record(env event.Envelope, correlationID string) (*kgo.Record, error) {
	value, err := event.Encode(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	headers := []kgo.RecordHeader{
		{Key: event.HeaderEventID, Value: []byte(env.EventID.String())},
		{Key: event.HeaderTenantID, Value: []byte(env.TenantID)},
		{Key: event.HeaderType, Value: []byte(env.Type)},
	}
	if c := strings.TrimSpace(correlationID); c != "" {
		headers = append(headers, kgo.RecordHeader{Key: event.HeaderTraceID, Value: []byte(c)})
	}
	return &kgo.Record{
		Topic:   p.topic,
		Key:     []byte(env.Key()),
		Value:   value,
		Headers: headers,
	}, nil
}

func (p *Publisher) count(status string) {
	if p.metrics != nil {
		p.metrics.PublishedTotal.WithLabelValues(status).Inc()
	}
}

// Close closes the producer client.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.client.Close()
	return nil
}
