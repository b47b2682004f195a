package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/lsm/leadgate/internal/store"
)

func strPtr(s string) *string { return &s }
func intPtr(i int) *int       { return &i }

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func openTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "leads.db"), opts...)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func leadRow() store.LeadRow {
	return store.LeadRow{
		EventID:    uuid.New(),
		TenantID:   "acme",
		LeadID:     "lead-1",
		FullName:   "Ada Lovelace",
		Email:      strPtr("ada@example.com"),
		City:       strPtr("London"),
		BudgetUSD:  intPtr(5000),
		OccurredAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestOpen_RequiresPath(t *testing.T) {
	if _, err := Open(context.Background(), "  "); err == nil {
		t.Fatal("expected error for blank path")
	}
}

func TestOpen_ReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "leads.db")

	s, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	row := leadRow()
	if _, err := s.Leads().InsertIfAbsent(ctx, row); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s, err = Open(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()

	found, err := s.Leads().ExistsByEventID(ctx, row.EventID)
	if err != nil {
		t.Fatalf("exists: %v", err)
	}
	if !found {
		t.Error("expected row to survive reopen")
	}

	var applied int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+migrationTable).Scan(&applied); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if applied != 2 {
		t.Errorf("expected 2 recorded migrations, got %d", applied)
	}
}

func TestLeads_InsertIfAbsent(t *testing.T) {
	ctx := context.Background()
	clock := &stepClock{now: time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)}
	s := openTestStore(t, WithClock(clock.Now))
	row := leadRow()

	inserted, err := s.Leads().InsertIfAbsent(ctx, row)
	if err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if !inserted {
		t.Fatal("expected first insert to write a row")
	}

	inserted, err = s.Leads().InsertIfAbsent(ctx, row)
	if err != nil {
		t.Fatalf("duplicate insert returned error: %v", err)
	}
	if inserted {
		t.Fatal("expected duplicate insert to be a no-op")
	}

	var count int
	var createdAt int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*), MIN(created_at) FROM lead").Scan(&count, &createdAt); err != nil {
		t.Fatalf("query: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 row, got %d", count)
	}
	want := time.Date(2026, 5, 1, 0, 0, 1, 0, time.UTC).UnixMilli()
	if createdAt != want {
		t.Errorf("expected created_at from first insert %d, got %d", want, createdAt)
	}

	found, err := s.Leads().ExistsByEventID(ctx, row.EventID)
	if err != nil || !found {
		t.Errorf("expected row to exist, found=%v err=%v", found, err)
	}
	found, err = s.Leads().ExistsByEventID(ctx, uuid.New())
	if err != nil || found {
		t.Errorf("expected unknown id to be absent, found=%v err=%v", found, err)
	}
}

func TestLeads_StoresAbsentOptionals(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	row := store.LeadRow{EventID: uuid.New(), TenantID: "default", LeadID: "l", FullName: "N", OccurredAt: time.Now()}

	if _, err := s.Leads().InsertIfAbsent(ctx, row); err != nil {
		t.Fatalf("insert: %v", err)
	}
	var nulls int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM lead WHERE email IS NULL AND phone IS NULL AND city IS NULL AND source IS NULL AND budget_usd IS NULL",
	).Scan(&nulls)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if nulls != 1 {
		t.Errorf("expected absent optionals stored as NULL")
	}
}

func TestLeads_ConcurrentDuplicates(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	row := leadRow()

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			inserted, err := s.Leads().InsertIfAbsent(ctx, row)
			if err != nil {
				t.Errorf("insert: %v", err)
				return
			}
			if inserted {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Errorf("expected exactly one insert to win, got %d", wins.Load())
	}
}

func TestAggregates_InsertIfAbsent(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	row := store.AggregateRow{EventID: uuid.New(), TenantID: "acme", City: strPtr("Lisbon"), BudgetUSD: intPtr(0), OccurredAt: time.Now()}

	for i, want := range []bool{true, false, false} {
		inserted, err := s.Aggregates().InsertIfAbsent(ctx, row)
		if err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
		if inserted != want {
			t.Errorf("insert %d: expected inserted=%v, got %v", i, want, inserted)
		}
	}

	found, err := s.Aggregates().ExistsByEventID(ctx, row.EventID)
	if err != nil || !found {
		t.Errorf("expected aggregate to exist, found=%v err=%v", found, err)
	}
	found, err = s.Leads().ExistsByEventID(ctx, row.EventID)
	if err != nil || found {
		t.Errorf("projections must be independent, found=%v err=%v", found, err)
	}
}

func TestOffsets_AdvanceKeepsMaximum(t *testing.T) {
	orders := [][]int64{
		{1, 2, 3, 7},
		{7, 3, 2, 1},
		{3, 7, 1, 2},
		{7, 7, 7, 7},
	}
	for _, order := range orders {
		ctx := context.Background()
		s := openTestStore(t)
		for _, off := range order {
			if err := s.Offsets().Advance(ctx, "leads.events", 0, off); err != nil {
				t.Fatalf("advance %d: %v", off, err)
			}
		}
		w, ok, err := s.Offsets().Watermark(ctx, "leads.events", 0)
		if err != nil || !ok {
			t.Fatalf("watermark: ok=%v err=%v", ok, err)
		}
		if w.Offset != 7 {
			t.Errorf("order %v: expected 7, got %d", order, w.Offset)
		}
	}
}

func TestOffsets_NoOpLeavesUpdatedAt(t *testing.T) {
	ctx := context.Background()
	clock := &stepClock{now: time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)}
	s := openTestStore(t, WithClock(clock.Now))

	if err := s.Offsets().Advance(ctx, "leads.events", 1, 10); err != nil {
		t.Fatalf("advance: %v", err)
	}
	first, _, _ := s.Offsets().Watermark(ctx, "leads.events", 1)

	if err := s.Offsets().Advance(ctx, "leads.events", 1, 4); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if err := s.Offsets().Advance(ctx, "leads.events", 1, 10); err != nil {
		t.Fatalf("advance: %v", err)
	}
	second, _, _ := s.Offsets().Watermark(ctx, "leads.events", 1)
	if second.Offset != 10 || !second.UpdatedAt.Equal(first.UpdatedAt) {
		t.Errorf("expected unchanged watermark %+v, got %+v", first, second)
	}

	if err := s.Offsets().Advance(ctx, "leads.events", 1, 11); err != nil {
		t.Fatalf("advance: %v", err)
	}
	third, _, _ := s.Offsets().Watermark(ctx, "leads.events", 1)
	if third.Offset != 11 || !third.UpdatedAt.After(first.UpdatedAt) {
		t.Errorf("expected advanced watermark, got %+v", third)
	}
}

func TestOffsets_PartitionsAreIndependent(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	_ = s.Offsets().Advance(ctx, "leads.events", 0, 100)
	_ = s.Offsets().Advance(ctx, "leads.events", 1, 5)
	_ = s.Offsets().Advance(ctx, "other", 0, 1)

	w, _, _ := s.Offsets().Watermark(ctx, "leads.events", 1)
	if w.Offset != 5 {
		t.Errorf("expected partition 1 at 5, got %d", w.Offset)
	}
	if _, ok, err := s.Offsets().Watermark(ctx, "leads.events", 2); ok || err != nil {
		t.Errorf("expected no watermark for unseen partition, ok=%v err=%v", ok, err)
	}
}

func TestOffsets_ConcurrentAdvance(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	var wg sync.WaitGroup
	for i := int64(0); i < 50; i++ {
		wg.Add(1)
		go func(off int64) {
			defer wg.Done()
			if err := s.Offsets().Advance(ctx, "leads.events", 0, off); err != nil {
				t.Errorf("advance %d: %v", off, err)
			}
		}((i * 37) % 50)
	}
	wg.Wait()

	w, _, _ := s.Offsets().Watermark(ctx, "leads.events", 0)
	if w.Offset != 49 {
		t.Errorf("expected max offset 49, got %d", w.Offset)
	}
}

func TestWithinTx_CommitsBoth(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	row := store.AggregateRow{EventID: uuid.New(), TenantID: "acme", OccurredAt: time.Now()}

	err := s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.Aggregates().InsertIfAbsent(ctx, row); err != nil {
			return err
		}
		return tx.Offsets().Advance(ctx, "leads.events", 2, 42)
	})
	if err != nil {
		t.Fatalf("WithinTx: %v", err)
	}

	if found, _ := s.Aggregates().ExistsByEventID(ctx, row.EventID); !found {
		t.Error("expected aggregate to be committed")
	}
	if w, ok, _ := s.Offsets().Watermark(ctx, "leads.events", 2); !ok || w.Offset != 42 {
		t.Errorf("expected offset 42 committed, got %+v ok=%v", w, ok)
	}
}

func TestWithinTx_RollsBackBoth(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	row := store.AggregateRow{EventID: uuid.New(), TenantID: "acme", OccurredAt: time.Now()}
	boom := errors.New("boom")

	err := s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.Aggregates().InsertIfAbsent(ctx, row); err != nil {
			return err
		}
		if err := tx.Offsets().Advance(ctx, "leads.events", 2, 42); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	if found, _ := s.Aggregates().ExistsByEventID(ctx, row.EventID); found {
		t.Error("expected aggregate insert to be rolled back")
	}
	if _, ok, _ := s.Offsets().Watermark(ctx, "leads.events", 2); ok {
		t.Error("expected offset advance to be rolled back")
	}

	inserted, err := s.Aggregates().InsertIfAbsent(ctx, row)
	if err != nil || !inserted {
		t.Errorf("expected retry after rollback to insert, inserted=%v err=%v", inserted, err)
	}
}

func TestExtractUp(t *testing.T) {
	got := extractUp("-- +migrate Up\nCREATE TABLE a (x);\n-- +migrate Down\nDROP TABLE a;")
	if got != "\nCREATE TABLE a (x);\n" {
		t.Errorf("unexpected up section %q", got)
	}
	if got := extractUp("SELECT 1;"); got != "SELECT 1;" {
		t.Errorf("expected whole content without markers, got %q", got)
	}
}

func TestNilStore(t *testing.T) {
	var s *Store
	if err := s.Ping(context.Background()); !errors.Is(err, store.ErrNotConfigured) {
		t.Errorf("expected ErrNotConfigured, got %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("expected nil close, got %v", err)
	}
}
