// Package consumer runs the two lead consumer roles: the fan-out sink that
// keeps a full copy per group and the worker pool that shares partitions
// and maintains the aggregate projection.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/lsm/leadgate/internal/delivery"
	"github.com/lsm/leadgate/internal/event"
	"github.com/lsm/leadgate/internal/kafka"
	"github.com/lsm/leadgate/internal/observability"
	"github.com/lsm/leadgate/internal/tracing"
)

// Roles, used in logs and metric labels.
const (
	RoleFanout = "fanout"
	RoleWorker = "worker"
)

// Default consumer groups.
const (
	DefaultFanoutGroup = "crm-fanout"
	DefaultWorkerGroup = "lead-workers"
)

// DefaultConcurrency bounds the partitions processed in parallel.
const DefaultConcurrency = 3

const commitTimeout = 10 * time.Second

// client abstracts the kgo client methods used by the consumers for testing.
type client interface {
	PollFetches(ctx context.Context) kgo.Fetches
	MarkCommitRecords(rs ...*kgo.Record)
	CommitMarkedOffsets(ctx context.Context) error
	AllowRebalance()
	Close()
}

// Config selects what a consumer reads.
type Config struct {
	Cluster     *kafka.ClusterConfig
	Topic       string
	Group       string
	Concurrency int
}

// Option configures a consumer.
type Option func(*runner)

func WithLogger(l *slog.Logger) Option { return func(r *runner) { r.logger = l } }

func WithMetrics(m *observability.Metrics) Option { return func(r *runner) { r.metrics = m } }

func WithTracer(t trace.Tracer) Option { return func(r *runner) { r.tracer = t } }

// processFunc handles one record and returns a short result label such as
// "inserted" or "duplicate".
type processFunc func(ctx context.Context, rec *kgo.Record) (string, error)

// runner is the poll loop shared by both roles.
type runner struct {
	client      client
	role        string
	topic       string
	concurrency int
	// commitEach commits after every record instead of once per batch.
	commitEach bool
	policy     *delivery.Policy
	process    processFunc
	logger     *slog.Logger
	tlog       *observability.TraceLogger
	metrics    *observability.Metrics
	tracer     trace.Tracer
	// failed is set when the loop stops on an error so revocation on
	// close does not commit the abandoned batch.
	failed atomic.Bool
}

func newRunner(c client, role, topic string, concurrency int, policy *delivery.Policy, opts []Option) *runner {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	r := &runner{
		client:      c,
		role:        role,
		topic:       topic,
		concurrency: concurrency,
		policy:      policy,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("role", role)
	r.tlog = observability.NewTraceLogger(r.logger)
	return r
}

// connect creates the group client for r.
func (r *runner) connect(cfg Config) error {
	if cfg.Cluster == nil {
		return fmt.Errorf("cluster config is required")
	}
	opts, err := kafka.ConsumerOptions(cfg.Cluster, kafka.ConsumerSettings{
		Group:     cfg.Group,
		Topic:     cfg.Topic,
		OnRevoked: kafka.CommitOnRevoke(r.logger, r.failed.Load),
	})
	if err != nil {
		return fmt.Errorf("consumer options: %w", err)
	}
	cl, err := kgo.NewClient(opts...)
	if err != nil {
		return fmt.Errorf("kafka consumer client: %w", err)
	}
	r.client = cl
	return nil
}

// run polls until ctx is cancelled or a record cannot be handled. The batch
// in flight when ctx is cancelled is finished and committed first.
func (r *runner) run(ctx context.Context) error {
	r.logger.Info("starting consumer", "topic", r.topic, "concurrency", r.concurrency)

	for {
		fetches := r.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return nil
		}
		for _, err := range fetches.Errors() {
			if ctx.Err() != nil && errors.Is(err.Err, ctx.Err()) {
				continue
			}
			r.logger.Error("fetch error", "topic", err.Topic, "partition", err.Partition, "error", err.Err)
		}

		if err := r.processBatch(ctx, fetches); err != nil {
			r.failed.Store(true)
			r.client.AllowRebalance()
			r.logger.Error("consumer stopped without committing the batch", "error", err)
			return err
		}
		if err := r.commit(ctx); err != nil {
			r.client.AllowRebalance()
			if ctx.Err() != nil {
				return err
			}
			r.logger.Error("batch commit failed, records will be redelivered", "error", err)
		}
		r.client.AllowRebalance()

		if ctx.Err() != nil {
			r.logger.Info("consumer draining complete", "topic", r.topic)
			return ctx.Err()
		}
	}
}

// processBatch handles each partition of a poll on its own goroutine, at
// most concurrency at a time. Records of one partition run in offset order.
func (r *runner) processBatch(ctx context.Context, fetches kgo.Fetches) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)

	fetches.EachPartition(func(p kgo.FetchTopicPartition) {
		if len(p.Records) == 0 {
			return
		}
		records := p.Records
		g.Go(func() error {
			for _, rec := range records {
				stop, err := r.handleRecord(gctx, rec)
				if err != nil {
					return err
				}
				if stop {
					return nil
				}
			}
			return nil
		})
	})
	return g.Wait()
}

// handleRecord runs one record through the delivery policy. It reports
// stop when cancellation interrupted a retry; the record stays unacked.
func (r *runner) handleRecord(ctx context.Context, rec *kgo.Record) (bool, error) {
	recordCtx := tracing.ExtractRecord(ctx, rec)
	recordCtx, span := tracing.StartSpan(recordCtx, r.tracer, tracing.SpanLeadConsume,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(tracing.KafkaAttrs(rec.Topic, rec.Partition, rec.Offset)...),
		trace.WithAttributes(tracing.RoleAttr(r.role), tracing.CorrelationAttr(header(rec, event.HeaderTraceID))),
	)
	defer span.End()

	var result string
	outcome, err := r.policy.Handle(recordCtx, rec, func(ctx context.Context) error {
		res, err := r.process(ctx, rec)
		result = res
		return err
	})
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			span.SetAttributes(tracing.OutcomeAttr(outcome.String()))
			return true, nil
		}
		tracing.SetSpanError(span, err)
		r.tlog.Error(recordCtx, "record could not be handled",
			"topic", rec.Topic, "partition", rec.Partition, "offset", rec.Offset, "outcome", outcome.String(), "error", err)
		return false, fmt.Errorf("%s[%d]@%d: %w", rec.Topic, rec.Partition, rec.Offset, err)
	}

	label := outcome.String()
	if outcome == delivery.Committed && result != "" {
		label = result
	}
	span.SetAttributes(tracing.OutcomeAttr(label))
	tracing.SetSpanOK(span)
	if r.metrics != nil {
		r.metrics.ConsumedTotal.WithLabelValues(r.role, label).Inc()
	}

	r.client.MarkCommitRecords(rec)
	if r.commitEach {
		if err := r.commit(ctx); err != nil {
			r.tlog.Error(recordCtx, "offset commit failed, record may be redelivered",
				"topic", rec.Topic, "partition", rec.Partition, "offset", rec.Offset, "error", err)
		}
	}
	return false, nil
}

// commit flushes marked offsets on a context that outlives shutdown.
func (r *runner) commit(ctx context.Context) error {
	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
	defer cancel()
	return r.client.CommitMarkedOffsets(commitCtx)
}

func (r *runner) close() {
	r.client.Close()
}

func header(rec *kgo.Record, key string) string {
	for _, h := range rec.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}
