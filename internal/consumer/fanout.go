package consumer

import (
	"context"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/lsm/leadgate/internal/delivery"
	"github.com/lsm/leadgate/internal/event"
	"github.com/lsm/leadgate/internal/store"
)

// Fanout copies every lead event into the lead projection. Each consumer
// group running it receives the full stream. Offsets are committed once per
// polled batch.
type Fanout struct {
	r     *runner
	leads store.IdempotentStore[store.LeadRow]
}

// NewFanout connects a fan-out consumer. An empty group selects
// DefaultFanoutGroup.
func NewFanout(cfg Config, leads store.IdempotentStore[store.LeadRow], policy *delivery.Policy, opts ...Option) (*Fanout, error) {
	if cfg.Group == "" {
		cfg.Group = DefaultFanoutGroup
	}
	f, err := newFanout(nil, cfg, leads, policy, opts...)
	if err != nil {
		return nil, err
	}
	if err := f.r.connect(cfg); err != nil {
		return nil, err
	}
	return f, nil
}

func newFanout(c client, cfg Config, leads store.IdempotentStore[store.LeadRow], policy *delivery.Policy, opts ...Option) (*Fanout, error) {
	if leads == nil {
		return nil, fmt.Errorf("lead store is required")
	}
	if policy == nil {
		return nil, fmt.Errorf("delivery policy is required")
	}
	f := &Fanout{leads: leads}
	f.r = newRunner(c, RoleFanout, cfg.Topic, cfg.Concurrency, policy, opts)
	f.r.process = f.process
	return f, nil
}

// Run consumes until ctx is cancelled or a record cannot be handled.
func (f *Fanout) Run(ctx context.Context) error { return f.r.run(ctx) }

// Close leaves the group and closes the client.
func (f *Fanout) Close() error {
	f.r.close()
	return nil
}

func (f *Fanout) process(ctx context.Context, rec *kgo.Record) (string, error) {
	env, err := event.Decode(rec.Value)
	if err != nil {
		return "", err
	}
	inserted, err := f.leads.InsertIfAbsent(ctx, store.LeadRowFromEnvelope(env))
	if err != nil {
		return "", err
	}

	logger := f.r.tlog.WithTraceContext(ctx).With("event_id", env.EventID, "lead_id", env.Payload.LeadID, "tenant_id", env.TenantID,
		"partition", rec.Partition, "offset", rec.Offset)
	if !inserted {
		logger.Info("duplicate lead event ignored")
		return "duplicate", nil
	}
	logger.Debug("lead stored")
	return "inserted", nil
}
