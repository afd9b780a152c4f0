package report

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestReport_Duration(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	r := &Report{StartedAt: start}
	if r.Duration() != 0 {
		t.Errorf("unfinished duration = %v, want 0", r.Duration())
	}
	r.FinishedAt = start.Add(90 * time.Second)
	if r.Duration() != 90*time.Second {
		t.Errorf("duration = %v, want 90s", r.Duration())
	}
}

func TestFanout_SendsToAllAndJoinsErrors(t *testing.T) {
	t.Parallel()

	var calls []string
	ok := SinkFunc(func(_ context.Context, _ *Report) error {
		calls = append(calls, "ok")
		return nil
	})
	bad := SinkFunc(func(_ context.Context, _ *Report) error {
		calls = append(calls, "bad")
		return errors.New("sink down")
	})

	err := Fanout(bad, nil, ok).Send(context.Background(), &Report{ID: "r-1"})
	if err == nil {
		t.Fatal("expected joined error")
	}
	if !strings.Contains(err.Error(), "sink down") {
		t.Errorf("error = %q, want to contain sink down", err)
	}
	if len(calls) != 2 || calls[0] != "bad" || calls[1] != "ok" {
		t.Errorf("calls = %v, want [bad ok]", calls)
	}
}

func TestFanout_Empty(t *testing.T) {
	t.Parallel()

	if err := Fanout().Send(context.Background(), &Report{}); err != nil {
		t.Errorf("empty fanout = %v, want nil", err)
	}
}
