package pgstore_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/edrlink/internal/postgres"
	"github.com/linnemanlabs/edrlink/internal/report"
	"github.com/linnemanlabs/edrlink/internal/report/pgstore"
)

func openStore(t *testing.T) *pgstore.Store {
	t.Helper()
	dsn := os.Getenv("EDRLINK_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("EDRLINK_TEST_DATABASE_URL not set, skipping integration test")
	}
	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, dsn)
	if err != nil {
		t.Fatalf("postgres.NewPool: %v", err)
	}
	t.Cleanup(pool.Close)
	s, err := pgstore.New(ctx, pool)
	if err != nil {
		t.Fatalf("pgstore.New: %v", err)
	}
	return s
}

func TestPutAndGet(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	now := time.Now().Truncate(time.Microsecond).UTC()
	r := &report.Report{
		ID:                    ulid.Make().String(),
		StartedAt:             now,
		FinishedAt:            now.Add(42 * time.Second),
		AlertsFetched:         7,
		HandledAlertCount:     3,
		FinishedAnalysisCount: 2,
		PendingAnalyses:       1,
		Exceptions:            []string{"dispatch: alert_id=A1 file_hash=h1: boom"},
	}

	if err := s.Put(ctx, r); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, ok, err := s.Get(ctx, r.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatal("Get returned ok=false, want true")
	}

	assertEqual(t, "ID", r.ID, got.ID)
	if !got.StartedAt.Equal(r.StartedAt) {
		t.Errorf("StartedAt: got %v, want %v", got.StartedAt, r.StartedAt)
	}
	if !got.FinishedAt.Equal(r.FinishedAt) {
		t.Errorf("FinishedAt: got %v, want %v", got.FinishedAt, r.FinishedAt)
	}
	assertEqual(t, "AlertsFetched", r.AlertsFetched, got.AlertsFetched)
	assertEqual(t, "HandledAlertCount", r.HandledAlertCount, got.HandledAlertCount)
	assertEqual(t, "FinishedAnalysisCount", r.FinishedAnalysisCount, got.FinishedAnalysisCount)
	assertEqual(t, "PendingAnalyses", r.PendingAnalyses, got.PendingAnalyses)

	if len(got.Exceptions) != 1 || got.Exceptions[0] != r.Exceptions[0] {
		t.Errorf("Exceptions mismatch: got %v", got.Exceptions)
	}
}

func TestPutUpserts(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	r := &report.Report{ID: ulid.Make().String(), StartedAt: time.Now().UTC()}
	if err := s.Put(ctx, r); err != nil {
		t.Fatalf("Put: %v", err)
	}

	r.FinishedAt = r.StartedAt.Add(time.Minute)
	r.HandledAlertCount = 5
	if err := s.Put(ctx, r); err != nil {
		t.Fatalf("Put (update): %v", err)
	}

	got, _, err := s.Get(ctx, r.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	assertEqual(t, "HandledAlertCount", 5, got.HandledAlertCount)
	if got.Exceptions != nil {
		t.Errorf("Exceptions = %v, want nil", got.Exceptions)
	}
	if got.FinishedAt.IsZero() {
		t.Error("FinishedAt not updated")
	}
}

func TestGetMissing(t *testing.T) {
	s := openStore(t)

	_, ok, err := s.Get(context.Background(), "does-not-exist")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Error("Get returned ok=true for missing ID")
	}
}

func TestListNewestFirst(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	// far future so these sort ahead of rows left by other tests
	base := time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC)
	older := &report.Report{ID: ulid.Make().String(), StartedAt: base}
	newer := &report.Report{ID: ulid.Make().String(), StartedAt: base.Add(time.Hour)}
	for _, r := range []*report.Report{older, newer} {
		if err := s.Put(ctx, r); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	got, err := s.List(ctx, 2)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("List len = %d, want 2", len(got))
	}
	assertEqual(t, "first", newer.ID, got[0].ID)
	assertEqual(t, "second", older.ID, got[1].ID)
}

func assertEqual[T comparable](t *testing.T, field string, want, got T) {
	t.Helper()
	if want != got {
		t.Errorf("%s: got %v, want %v", field, got, want)
	}
}
