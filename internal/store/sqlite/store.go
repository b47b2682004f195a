// Package sqlite implements the lead projections and offset ledger on an
// embedded SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/lsm/leadgate/internal/store"
	"github.com/lsm/leadgate/internal/store/sqlite/migrations"
)

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store is a SQLite-backed store.Store.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ store.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the clock used for created_at and updated_at.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open opens the database file at path and applies migrations.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) +
		"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// SQLite allows one writer; a single connection serialises access
	// from partition goroutines instead of surfacing SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(ctx, db, migrations.FS); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return store.ErrNotConfigured
	}
	return s.db.PingContext(ctx)
}

// Close releases the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Leads returns the fan-out projection.
func (s *Store) Leads() store.IdempotentStore[store.LeadRow] { return &leads{q: s.db, now: s.now} }

// Aggregates returns the aggregate projection.
func (s *Store) Aggregates() store.IdempotentStore[store.AggregateRow] {
	return &aggregates{q: s.db, now: s.now}
}

// Offsets returns the offset ledger.
func (s *Store) Offsets() store.OffsetLedger { return &ledger{q: s.db, now: s.now} }

// WithinTx runs fn inside one transaction.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	if s == nil || s.db == nil {
		return store.ErrNotConfigured
	}
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(ctx, &txStores{q: sqlTx, now: s.now}); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil {
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type txStores struct {
	q   querier
	now func() time.Time
}

func (t *txStores) Leads() store.IdempotentStore[store.LeadRow] { return &leads{q: t.q, now: t.now} }
func (t *txStores) Aggregates() store.IdempotentStore[store.AggregateRow] {
	return &aggregates{q: t.q, now: t.now}
}
func (t *txStores) Offsets() store.OffsetLedger { return &ledger{q: t.q, now: t.now} }

type leads struct {
	q   querier
	now func() time.Time
}

func (l *leads) InsertIfAbsent(ctx context.Context, row store.LeadRow) (bool, error) {
	res, err := l.q.ExecContext(ctx, `
INSERT INTO lead (
	event_id, tenant_id, lead_id, full_name, email, phone, city, source,
	budget_usd, occurred_at, created_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (event_id) DO NOTHING`,
		row.EventID.String(), row.TenantID, row.LeadID, row.FullName,
		nullString(row.Email), nullString(row.Phone), nullString(row.City), nullString(row.Source),
		nullInt(row.BudgetUSD),
		row.OccurredAt.UTC().UnixMilli(), l.now().UTC().UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("insert lead %s: %w", row.EventID, err)
	}
	return affectedOne(res)
}

func (l *leads) ExistsByEventID(ctx context.Context, id uuid.UUID) (bool, error) {
	return exists(ctx, l.q, "lead", id)
}

type aggregates struct {
	q   querier
	now func() time.Time
}

func (a *aggregates) InsertIfAbsent(ctx context.Context, row store.AggregateRow) (bool, error) {
	res, err := a.q.ExecContext(ctx, `
INSERT INTO lead_aggregate (
	event_id, tenant_id, city, budget_usd, occurred_at, created_at
) VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (event_id) DO NOTHING`,
		row.EventID.String(), row.TenantID, nullString(row.City), nullInt(row.BudgetUSD),
		row.OccurredAt.UTC().UnixMilli(), a.now().UTC().UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("insert lead aggregate %s: %w", row.EventID, err)
	}
	return affectedOne(res)
}

func (a *aggregates) ExistsByEventID(ctx context.Context, id uuid.UUID) (bool, error) {
	return exists(ctx, a.q, "lead_aggregate", id)
}

type ledger struct {
	q   querier
	now func() time.Time
}

func (l *ledger) Advance(ctx context.Context, topic string, partition int32, offset int64) error {
	_, err := l.q.ExecContext(ctx, `
INSERT INTO lead_event_offset (topic, partition_id, last_offset, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT (topic, partition_id) DO UPDATE SET
	last_offset = excluded.last_offset,
	updated_at  = excluded.updated_at
WHERE excluded.last_offset > lead_event_offset.last_offset`,
		topic, partition, offset, l.now().UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("advance offset %s[%d] to %d: %w", topic, partition, offset, err)
	}
	return nil
}

func (l *ledger) Watermark(ctx context.Context, topic string, partition int32) (store.Watermark, bool, error) {
	var (
		offset    int64
		updatedAt int64
	)
	err := l.q.QueryRowContext(ctx,
		"SELECT last_offset, updated_at FROM lead_event_offset WHERE topic = ? AND partition_id = ?",
		topic, partition,
	).Scan(&offset, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Watermark{}, false, nil
	}
	if err != nil {
		return store.Watermark{}, false, fmt.Errorf("read offset %s[%d]: %w", topic, partition, err)
	}
	return store.Watermark{
		Topic:     topic,
		Partition: partition,
		Offset:    offset,
		UpdatedAt: time.UnixMilli(updatedAt).UTC(),
	}, true, nil
}

func exists(ctx context.Context, q querier, table string, id uuid.UUID) (bool, error) {
	var found int
	err := q.QueryRowContext(ctx, "SELECT 1 FROM "+table+" WHERE event_id = ?", id.String()).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup %s %s: %w", table, id, err)
	}
	return true, nil
}

func affectedOne(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullInt(i *int) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*i), Valid: true}
}
