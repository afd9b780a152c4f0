package memstore

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/linnemanlabs/edrlink/internal/report"
)

func TestStore_PutAndGet(t *testing.T) {
	t.Parallel()

	s := New(0)
	ctx := context.Background()
	r := &report.Report{ID: "c-1", AlertsFetched: 4, Exceptions: []string{"boom"}}
	if err := s.Put(ctx, r); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, ok, err := s.Get(ctx, "c-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatal("expected report to be found")
	}
	if got.AlertsFetched != 4 {
		t.Errorf("AlertsFetched = %d, want 4", got.AlertsFetched)
	}
	if len(got.Exceptions) != 1 || got.Exceptions[0] != "boom" {
		t.Errorf("Exceptions = %v", got.Exceptions)
	}
}

func TestStore_GetMissing(t *testing.T) {
	t.Parallel()

	s := New(0)
	_, ok, err := s.Get(context.Background(), "nonexistent")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatal("expected ok=false for missing ID")
	}
}

func TestStore_PutOverwrites(t *testing.T) {
	t.Parallel()

	s := New(0)
	ctx := context.Background()
	_ = s.Put(ctx, &report.Report{ID: "c-3"})
	_ = s.Put(ctx, &report.Report{ID: "c-3", HandledAlertCount: 2})

	got, _, _ := s.Get(ctx, "c-3")
	if got.HandledAlertCount != 2 {
		t.Errorf("HandledAlertCount = %d, want 2", got.HandledAlertCount)
	}
	if s.Len() != 1 {
		t.Errorf("Len = %d, want 1", s.Len())
	}
}

func TestStore_ReturnsCopies(t *testing.T) {
	t.Parallel()

	s := New(0)
	ctx := context.Background()
	r := &report.Report{ID: "c-4", Exceptions: []string{"a"}}
	_ = s.Put(ctx, r)

	// mutating the original must not leak into the store
	r.Exceptions[0] = "mutated"
	r.AlertsFetched = 99

	got, _, _ := s.Get(ctx, "c-4")
	if got.Exceptions[0] != "a" || got.AlertsFetched != 0 {
		t.Errorf("stored report was mutated: %+v", got)
	}

	got.Exceptions[0] = "also mutated"
	again, _, _ := s.Get(ctx, "c-4")
	if again.Exceptions[0] != "a" {
		t.Errorf("returned copy aliases stored report: %v", again.Exceptions)
	}
}

func TestStore_ListNewestFirstAndEvicts(t *testing.T) {
	t.Parallel()

	s := New(3)
	ctx := context.Background()
	for i := range 5 {
		_ = s.Put(ctx, &report.Report{ID: fmt.Sprintf("c-%d", i)})
	}

	if s.Len() != 3 {
		t.Fatalf("Len = %d, want 3", s.Len())
	}
	if _, ok, _ := s.Get(ctx, "c-0"); ok {
		t.Error("oldest report should have been evicted")
	}

	all, err := s.List(ctx, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	want := []string{"c-4", "c-3", "c-2"}
	if len(all) != len(want) {
		t.Fatalf("List len = %d, want %d", len(all), len(want))
	}
	for i, id := range want {
		if all[i].ID != id {
			t.Errorf("List[%d] = %q, want %q", i, all[i].ID, id)
		}
	}

	two, _ := s.List(ctx, 2)
	if len(two) != 2 || two[0].ID != "c-4" {
		t.Errorf("List(2) = %v", two)
	}
}

func TestStore_AsSink(t *testing.T) {
	t.Parallel()

	s := New(0)
	sink := report.StoreSink(s)
	if err := sink.Send(context.Background(), &report.Report{ID: "c-9"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if _, ok, _ := s.Get(context.Background(), "c-9"); !ok {
		t.Error("report not stored through sink")
	}
}

func TestStore_ConcurrentAccess(t *testing.T) {
	t.Parallel()

	s := New(10)
	ctx := context.Background()
	var wg sync.WaitGroup

	for i := range 50 {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_ = s.Put(ctx, &report.Report{ID: fmt.Sprintf("c-%d", n)})
			_, _, _ = s.Get(ctx, fmt.Sprintf("c-%d", n))
			_, _ = s.List(ctx, 5)
		}(i)
	}

	wg.Wait()
	if s.Len() != 10 {
		t.Errorf("Len = %d, want 10", s.Len())
	}
}
