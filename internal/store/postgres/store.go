// Package postgres implements the lead projections and offset ledger on
// PostgreSQL through a pgx connection pool.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lsm/leadgate/internal/store"
	"github.com/lsm/leadgate/internal/store/postgres/migrations"
)

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const (
	qInsertLead = `
INSERT INTO lead (
	event_id, tenant_id, lead_id, full_name, email, phone, city, source,
	budget_usd, occurred_at, created_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT (event_id) DO NOTHING`

	qInsertAggregate = `
INSERT INTO lead_aggregate (
	event_id, tenant_id, city, budget_usd, occurred_at, created_at
) VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (event_id) DO NOTHING`

	qAdvanceOffset = `
INSERT INTO lead_event_offset (topic, partition_id, last_offset, updated_at)
VALUES ($1,$2,$3,$4)
ON CONFLICT (topic, partition_id) DO UPDATE SET
	last_offset = EXCLUDED.last_offset,
	updated_at  = EXCLUDED.updated_at
WHERE lead_event_offset.last_offset < EXCLUDED.last_offset`

	qWatermark = `
SELECT last_offset, updated_at FROM lead_event_offset
WHERE topic = $1 AND partition_id = $2`
)

// Store is a Postgres-backed store.Store.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

var _ store.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the clock used for created_at and updated_at.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open connects to dsn and applies migrations.
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("database dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s, err := New(ctx, pool, opts...)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing pool and applies migrations. Close closes the pool.
func New(ctx context.Context, pool *pgxpool.Pool, opts ...Option) (*Store, error) {
	if err := applyMigrations(ctx, pool, migrations.FS); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	s := &Store{pool: pool, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Ping checks the pool.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return store.ErrNotConfigured
	}
	return s.pool.Ping(ctx)
}

// Close closes the pool.
func (s *Store) Close() error {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// Leads returns the fan-out projection.
func (s *Store) Leads() store.IdempotentStore[store.LeadRow] { return &leads{q: s.pool, now: s.now} }

// Aggregates returns the aggregate projection.
func (s *Store) Aggregates() store.IdempotentStore[store.AggregateRow] {
	return &aggregates{q: s.pool, now: s.now}
}

// Offsets returns the offset ledger.
func (s *Store) Offsets() store.OffsetLedger { return &ledger{q: s.pool, now: s.now} }

// WithinTx runs fn inside one transaction.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	if s == nil || s.pool == nil {
		return store.ErrNotConfigured
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(ctx, &txStores{q: tx, now: s.now}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
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
	tag, err := l.q.Exec(ctx, qInsertLead,
		row.EventID, row.TenantID, row.LeadID, row.FullName,
		row.Email, row.Phone, row.City, row.Source, row.BudgetUSD,
		row.OccurredAt.UTC(), l.now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("insert lead %s: %w", row.EventID, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (l *leads) ExistsByEventID(ctx context.Context, id uuid.UUID) (bool, error) {
	return exists(ctx, l.q, "lead", id)
}

type aggregates struct {
	q   querier
	now func() time.Time
}

func (a *aggregates) InsertIfAbsent(ctx context.Context, row store.AggregateRow) (bool, error) {
	tag, err := a.q.Exec(ctx, qInsertAggregate,
		row.EventID, row.TenantID, row.City, row.BudgetUSD,
		row.OccurredAt.UTC(), a.now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("insert lead aggregate %s: %w", row.EventID, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (a *aggregates) ExistsByEventID(ctx context.Context, id uuid.UUID) (bool, error) {
	return exists(ctx, a.q, "lead_aggregate", id)
}

type ledger struct {
	q   querier
	now func() time.Time
}

func (l *ledger) Advance(ctx context.Context, topic string, partition int32, offset int64) error {
	if _, err := l.q.Exec(ctx, qAdvanceOffset, topic, partition, offset, l.now().UTC()); err != nil {
		return fmt.Errorf("advance offset %s[%d] to %d: %w", topic, partition, offset, err)
	}
	return nil
}

func (l *ledger) Watermark(ctx context.Context, topic string, partition int32) (store.Watermark, bool, error) {
	w := store.Watermark{Topic: topic, Partition: partition}
	err := l.q.QueryRow(ctx, qWatermark, topic, partition).Scan(&w.Offset, &w.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Watermark{}, false, nil
	}
	if err != nil {
		return store.Watermark{}, false, fmt.Errorf("read offset %s[%d]: %w", topic, partition, err)
	}
	w.UpdatedAt = w.UpdatedAt.UTC()
	return w, true, nil
}

func exists(ctx context.Context, q querier, table string, id uuid.UUID) (bool, error) {
	var found bool
	err := q.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM "+table+" WHERE event_id = $1)", id).Scan(&found)
	if err != nil {
		return false, fmt.Errorf("lookup %s %s: %w", table, id, err)
	}
	return found, nil
}

func applyMigrations(ctx context.Context, pool *pgxpool.Pool, migrationFS fs.FS) error {
	entries, err := fs.ReadDir(migrationFS, ".")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)

	if _, err := pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
    name       TEXT PRIMARY KEY,
    applied_at TIMESTAMPTZ NOT NULL
)`); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}

	for _, file := range files {
		content, err := fs.ReadFile(migrationFS, file)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", file, err)
		}
		if err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
			tag, err := tx.Exec(ctx,
				"INSERT INTO schema_migrations (name, applied_at) VALUES ($1, now()) ON CONFLICT (name) DO NOTHING",
				file,
			)
			if err != nil {
				return err
			}
			if tag.RowsAffected() == 0 {
				return nil
			}
			_, err = tx.Exec(ctx, extractUp(string(content)))
			return err
		}); err != nil {
			return fmt.Errorf("apply migration %s: %w", file, err)
		}
	}
	return nil
}

func extractUp(content string) string {
	const upTag, downTag = "-- +migrate Up", "-- +migrate Down"
	upIdx := strings.Index(content, upTag)
	if upIdx == -1 {
		return content
	}
	rest := content[upIdx+len(upTag):]
	if downIdx := strings.Index(rest, downTag); downIdx != -1 {
		return strings.TrimSpace(rest[:downIdx])
	}
	return strings.TrimSpace(rest)
}
