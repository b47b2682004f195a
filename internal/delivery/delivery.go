// Package delivery decides what happens to a consumed record whose
// processing failed: retry with backoff, or copy it to the dead-letter
// topic so its offset can be committed.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel/trace"

	"github.com/lsm/leadgate/internal/dlq"
	"github.com/lsm/leadgate/internal/event"
	"github.com/lsm/leadgate/internal/observability"
	"github.com/lsm/leadgate/internal/retry"
	"github.com/lsm/leadgate/internal/tracing"
)

// Class is the retry classification of a processing error.
type Class int

const (
	Retryable Class = iota
	NonRetryable
)

func (c Class) String() string {
	if c == NonRetryable {
		return "non-retryable"
	}
	return "retryable"
}

// Permanent marks err as non-retryable.
func Permanent(err error) error {
	return retry.Permanent(err)
}

// Classify returns NonRetryable for decode and validation failures and for
// errors marked with Permanent. Everything else is Retryable.
func Classify(err error) Class {
	var (
		decodeErr     *event.DecodeError
		validationErr *event.ValidationError
	)
	switch {
	case errors.As(err, &decodeErr), errors.As(err, &validationErr), retry.IsPermanent(err):
		return NonRetryable
	default:
		return Retryable
	}
}

// Outcome is the terminal state of one record.
type Outcome int

const (
	// Unhandled means the record must not be acknowledged.
	Unhandled Outcome = iota
	// Committed means processing succeeded.
	Committed
	// DeadLettered means the record was copied to the dead-letter topic.
	DeadLettered
)

func (o Outcome) String() string {
	switch o {
	case Committed:
		return "committed"
	case DeadLettered:
		return "dead_lettered"
	default:
		return "unhandled"
	}
}

// Acknowledge reports whether the record's offset may be committed.
func (o Outcome) Acknowledge() bool {
	return o == Committed || o == DeadLettered
}

// Dead-letter reasons used as metric labels.
const (
	ReasonNonRetryable = "non-retryable"
	ReasonExhausted    = "exhausted"
)

// Policy applies retry and dead-letter handling for one consumer role.
type Policy struct {
	role    string
	cfg     retry.Config
	dlq     *dlq.Handler
	logger  *slog.Logger
	tlog    *observability.TraceLogger
	metrics *observability.Metrics
	tracer  trace.Tracer
	sleep   func(ctx context.Context, d time.Duration) error
	// dltTimeout bounds one dead-letter publish.
	dltTimeout time.Duration
}

// DefaultDeadLetterTimeout bounds a dead-letter publish.
const DefaultDeadLetterTimeout = 30 * time.Second

// Option configures a Policy.
type Option func(*Policy)

func WithLogger(l *slog.Logger) Option { return func(p *Policy) { p.logger = l } }

func WithMetrics(m *observability.Metrics) Option { return func(p *Policy) { p.metrics = m } }

func WithTracer(t trace.Tracer) Option { return func(p *Policy) { p.tracer = t } }

// WithSleep replaces the backoff wait.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(p *Policy) { p.sleep = fn }
}

// WithDeadLetterTimeout bounds how long a dead-letter publish may block.
func WithDeadLetterTimeout(d time.Duration) Option {
	return func(p *Policy) {
		if d > 0 {
			p.dltTimeout = d
		}
	}
}

// New creates a Policy for role that dead-letters through handler.
func New(role string, cfg retry.Config, handler *dlq.Handler, opts ...Option) (*Policy, error) {
	if handler == nil {
		return nil, fmt.Errorf("dead-letter handler is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("retry config: %w", err)
	}
	p := &Policy{
		role:   role,
		cfg:    cfg,
		dlq:    handler,
		logger: slog.Default(),
		sleep:  retry.Sleep,

		dltTimeout: DefaultDeadLetterTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.tlog = observability.NewTraceLogger(p.logger)
	return p, nil
}

// Role returns the consumer role the policy reports under.
func (p *Policy) Role() string { return p.role }

// Handle runs fn for rec until it succeeds, fails non-retryably or runs out
// of attempts; failures end on the dead-letter topic. fn runs on a context
// that is not cancelled with ctx so a started attempt can finish; only the
// backoff waits observe ctx. A dead-letter publish is bounded and is
// abandoned when ctx is cancelled. A non-nil error means the record was not
// handled and its offset must not be committed.
func (p *Policy) Handle(ctx context.Context, rec *kgo.Record, fn func(ctx context.Context) error) (Outcome, error) {
	start := time.Now()
	defer func() {
		if p.metrics != nil {
			p.metrics.ProcessingDuration.WithLabelValues(p.role).Observe(time.Since(start).Seconds())
		}
	}()

	logger := p.tlog.WithTraceContext(ctx).With("topic", rec.Topic, "partition", rec.Partition, "offset", rec.Offset)
	workCtx := context.WithoutCancel(ctx)

	attempts, err := retry.Do(ctx, p.cfg,
		func(int) error {
			err := fn(workCtx)
			if err != nil && Classify(err) == NonRetryable {
				return retry.Permanent(err)
			}
			return err
		},
		retry.WithSleep(p.sleep),
		retry.OnRetry(func(attempt int, delay time.Duration, err error) {
			logger.Warn("processing failed, retry scheduled",
				"attempt", attempt, "max_attempts", p.cfg.MaxAttempts, "backoff", delay, "error", err)
			if p.metrics != nil {
				p.metrics.RetriesTotal.WithLabelValues(p.role).Inc()
			}
		}),
	)
	if err == nil {
		return Committed, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		logger.Info("retry interrupted by shutdown", "attempts", attempts)
		return Unhandled, err
	}

	class := Classify(err)
	reason := ReasonExhausted
	if class == NonRetryable {
		reason = ReasonNonRetryable
	}
	if err := p.deadLetterBounded(ctx, rec, err, class, attempts); err != nil {
		logger.Error("dead-letter publish failed", "error", err)
		return Unhandled, err
	}

	logger.Warn("record dead-lettered", "reason", reason, "attempts", attempts, "error", err)
	if p.metrics != nil {
		p.metrics.DeadLetteredTotal.WithLabelValues(p.role, reason).Inc()
	}
	return DeadLettered, nil
}

// deadLetterBounded publishes under the dead-letter timeout and stops early
// when ctx is cancelled, returning ctx's error in that case.
func (p *Policy) deadLetterBounded(ctx context.Context, rec *kgo.Record, cause error, class Class, attempts int) error {
	dltCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.dltTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := p.deadLetter(dltCtx, rec, cause, class, attempts)
	if err != nil && ctx.Err() != nil {
		return fmt.Errorf("dead-letter publish interrupted: %w", ctx.Err())
	}
	return err
}

func (p *Policy) deadLetter(ctx context.Context, rec *kgo.Record, cause error, class Class, attempts int) error {
	ctx, span := tracing.StartSpan(ctx, p.tracer, tracing.SpanLeadDeadLetter,
		trace.WithAttributes(tracing.KafkaAttrs(rec.Topic, rec.Partition, rec.Offset)...),
		trace.WithAttributes(tracing.RoleAttr(p.role), tracing.ErrorClassAttr(class.String())),
	)
	defer span.End()

	err := p.dlq.Send(ctx, rec, dlq.FailureInfo{
		ErrorClass:   class.String(),
		ErrorMessage: unwrapPermanent(cause).Error(),
		Attempts:     attempts,
		Role:         p.role,
	})
	if err != nil {
		tracing.SetSpanError(span, err)
		return err
	}
	tracing.SetSpanOK(span)
	return nil
}

func unwrapPermanent(err error) error {
	var pe *retry.PermanentError
	if errors.As(err, &pe) && pe.Err != nil {
		return pe.Err
	}
	return err
}
