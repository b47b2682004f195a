// Package store defines the projection and offset bookkeeping contracts
// shared by the SQLite and Postgres backends.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/lsm/leadgate/internal/event"
)

// ErrNotConfigured is returned by a nil or closed store.
var ErrNotConfigured = errors.New("storage is not configured")

// IdempotentStore inserts rows keyed by event id at most once.
type IdempotentStore[R any] interface {
	// InsertIfAbsent reports true when the row was written and false when a
	// row with the same event id already existed.
	InsertIfAbsent(ctx context.Context, row R) (bool, error)
	ExistsByEventID(ctx context.Context, eventID uuid.UUID) (bool, error)
}

// OffsetLedger records the highest processed offset per topic partition.
type OffsetLedger interface {
	// Advance stores offset when it is larger than the stored value.
	Advance(ctx context.Context, topic string, partition int32, offset int64) error
	Watermark(ctx context.Context, topic string, partition int32) (Watermark, bool, error)
}

// Tx exposes the stores bound to one local transaction.
type Tx interface {
	Leads() IdempotentStore[LeadRow]
	Aggregates() IdempotentStore[AggregateRow]
	Offsets() OffsetLedger
}

// Store is a backend holding both projections and the offset ledger.
type Store interface {
	Tx
	// WithinTx runs fn in one transaction, committing when fn returns nil
	// and rolling back otherwise.
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	Ping(ctx context.Context) error
	Close() error
}

// LeadRow is the full-copy projection row written by the fan-out consumer.
type LeadRow struct {
	EventID    uuid.UUID
	TenantID   string
	LeadID     string
	FullName   string
	Email      *string
	Phone      *string
	City       *string
	Source     *string
	BudgetUSD  *int
	OccurredAt time.Time
	CreatedAt  time.Time
}

// AggregateRow is the reduced projection row written by workers.
type AggregateRow struct {
	EventID    uuid.UUID
	TenantID   string
	City       *string
	BudgetUSD  *int
	OccurredAt time.Time
	CreatedAt  time.Time
}

// Watermark is the stored high-water offset of one partition.
type Watermark struct {
	Topic     string
	Partition int32
	Offset    int64
	UpdatedAt time.Time
}

// LeadRowFromEnvelope maps an envelope to a fan-out row. CreatedAt is left
// for the store to set.
func LeadRowFromEnvelope(e event.Envelope) LeadRow {
	p := e.Payload
	return LeadRow{
		EventID:    e.EventID,
		TenantID:   e.TenantID,
		LeadID:     p.LeadID,
		FullName:   p.FullName,
		Email:      p.Email,
		Phone:      p.Phone,
		City:       p.City,
		Source:     p.Source,
		BudgetUSD:  p.BudgetUSD,
		OccurredAt: e.OccurredAt,
	}
}

// AggregateRowFromEnvelope maps an envelope to an aggregate row.
func AggregateRowFromEnvelope(e event.Envelope) AggregateRow {
	return AggregateRow{
		EventID:    e.EventID,
		TenantID:   e.TenantID,
		City:       e.Payload.City,
		BudgetUSD:  e.Payload.BudgetUSD,
		OccurredAt: e.OccurredAt,
	}
}
