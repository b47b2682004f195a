package consumer

import (
	"context"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/lsm/leadgate/internal/delivery"
	"github.com/lsm/leadgate/internal/event"
	"github.com/lsm/leadgate/internal/store"
)

// txRunner opens local transactions over the aggregate store and ledger.
type txRunner interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error
}

// Worker maintains the aggregate projection. Instances in one group share
// the partitions. Every record is committed to Kafka individually after
// its database transaction committed.
type Worker struct {
	r  *runner
	db txRunner
}

// NewWorker connects a worker consumer. An empty group selects
// DefaultWorkerGroup.
func NewWorker(cfg Config, db txRunner, policy *delivery.Policy, opts ...Option) (*Worker, error) {
	if cfg.Group == "" {
		cfg.Group = DefaultWorkerGroup
	}
	w, err := newWorker(nil, cfg, db, policy, opts...)
	if err != nil {
		return nil, err
	}
	if err := w.r.connect(cfg); err != nil {
		return nil, err
	}
	return w, nil
}

func newWorker(c client, cfg Config, db txRunner, policy *delivery.Policy, opts ...Option) (*Worker, error) {
	if db == nil {
		return nil, fmt.Errorf("store is required")
	}
	if policy == nil {
		return nil, fmt.Errorf("delivery policy is required")
	}
	w := &Worker{db: db}
	w.r = newRunner(c, RoleWorker, cfg.Topic, cfg.Concurrency, policy, opts)
	w.r.commitEach = true
	w.r.process = w.process
	return w, nil
}

// Run consumes until ctx is cancelled or a record cannot be handled.
func (w *Worker) Run(ctx context.Context) error { return w.r.run(ctx) }

// Close leaves the group and closes the client.
func (w *Worker) Close() error {
	w.r.close()
	return nil
}

// process inserts the aggregate row and advances the ledger in one local
// transaction. Any failure rolls both back. The watermark gauge reports the
// stored ledger value, so a replayed lower offset leaves it unchanged.
func (w *Worker) process(ctx context.Context, rec *kgo.Record) (string, error) {
	env, err := event.Decode(rec.Value)
	if err != nil {
		return "", err
	}
	row := store.AggregateRowFromEnvelope(env)

	var (
		inserted bool
		wm       store.Watermark
	)
	err = w.db.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		if inserted, err = tx.Aggregates().InsertIfAbsent(ctx, row); err != nil {
			return err
		}
		if err := tx.Offsets().Advance(ctx, rec.Topic, rec.Partition, rec.Offset); err != nil {
			return err
		}
		wm, _, err = tx.Offsets().Watermark(ctx, rec.Topic, rec.Partition)
		return err
	})
	if err != nil {
		return "", err
	}
	w.r.metrics.ObserveWatermark(rec.Topic, rec.Partition, wm.Offset)

	logger := w.r.tlog.WithTraceContext(ctx).With("event_id", env.EventID, "tenant_id", env.TenantID,
		"partition", rec.Partition, "offset", rec.Offset)
	if !inserted {
		logger.Info("duplicate lead event ignored")
		return "duplicate", nil
	}
	logger.Debug("lead aggregated")
	return "inserted", nil
}
