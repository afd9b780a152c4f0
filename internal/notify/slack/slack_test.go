package slack

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/edrlink/internal/report"
)

func busyReport() *report.Report {
	start := time.Date(2026, 2, 26, 14, 0, 0, 0, time.UTC)
	return &report.Report{
		ID:                    "01JN123",
		StartedAt:             start,
		FinishedAt:            start.Add(90 * time.Second),
		AlertsFetched:         12,
		HandledAlertCount:     4,
		FinishedAnalysisCount: 2,
		PendingAnalyses:       1,
	}
}

func TestSend_PostsToWebhook(t *testing.T) {
	t.Parallel()

	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("content-type = %q, want application/json", r.Header.Get("Content-Type"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := New(srv.URL, log.Nop())
	if err := n.Send(context.Background(), busyReport()); err != nil {
		t.Fatalf("Send: %v", err)
	}

	blocks, ok := got["blocks"].([]any)
	if !ok {
		t.Fatal("expected blocks array in payload")
	}

	// header, divider, fields, divider, context = 5 blocks
	if len(blocks) != 5 {
		t.Errorf("blocks count = %d, want 5", len(blocks))
	}

	header := blocks[0].(map[string]any)
	headerText := header["text"].(map[string]any)["text"].(string)
	if !strings.Contains(headerText, "Cycle Complete") {
		t.Errorf("header text = %q, want Cycle Complete", headerText)
	}
	if !strings.Contains(headerText, "\U0001f7e2") {
		t.Errorf("header should contain green circle for a clean cycle")
	}

	fields := blocks[2].(map[string]any)["fields"].([]any)
	first := fields[1].(map[string]any)["text"].(string)
	if first != "*Alerts handled:* 4" {
		t.Errorf("handled field = %q", first)
	}

	ctxText := blocks[4].(map[string]any)["elements"].([]any)[0].(map[string]any)["text"].(string)
	if !strings.Contains(ctxText, "01JN123") || !strings.Contains(ctxText, "2026-02-26 14:01 UTC") {
		t.Errorf("context text = %q", ctxText)
	}
}

func TestSend_NoOpWithoutURL(t *testing.T) {
	t.Parallel()

	n := New("", nil)
	if err := n.Send(context.Background(), busyReport()); err != nil {
		t.Fatalf("Send with empty URL should be no-op, got: %v", err)
	}
}

func TestSend_SkipsQuietCycle(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := New(srv.URL, log.Nop())
	if err := n.Send(context.Background(), &report.Report{ID: "quiet", AlertsFetched: 30}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if calls.Load() != 0 {
		t.Errorf("webhook called %d times for a quiet cycle, want 0", calls.Load())
	}
}

func TestSend_IncludesExceptions(t *testing.T) {
	t.Parallel()

	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	r := &report.Report{
		ID:         "01JN456",
		Exceptions: []string{"fetch alerts: connection refused", strings.Repeat("x", 4000)},
	}
	n := New(srv.URL, log.Nop())
	if err := n.Send(context.Background(), r); err != nil {
		t.Fatalf("Send: %v", err)
	}

	blocks := got["blocks"].([]any)
	if len(blocks) != 7 {
		t.Fatalf("blocks count = %d, want 7", len(blocks))
	}
	header := blocks[0].(map[string]any)["text"].(map[string]any)["text"].(string)
	if !strings.Contains(header, "\U0001f534") || !strings.Contains(header, "Errors") {
		t.Errorf("header = %q, want red error header", header)
	}

	text := blocks[4].(map[string]any)["text"].(map[string]any)["text"].(string)
	if !strings.Contains(text, "• fetch alerts: connection refused") {
		t.Errorf("exceptions text missing first entry: %q", text[:80])
	}
	if len(text) > maxExceptionsLen+len("*Exceptions*\n\n") {
		t.Errorf("exceptions text length = %d, expected <= %d", len(text), maxExceptionsLen+len("*Exceptions*\n\n"))
	}
	if !strings.HasSuffix(text, "...") {
		t.Error("expected truncated exceptions to end with ...")
	}
}

func TestStatusEmoji(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		r    *report.Report
		want string
	}{
		{"clean", &report.Report{HandledAlertCount: 1}, "\U0001f7e2"},
		{"partial", &report.Report{HandledAlertCount: 1, Exceptions: []string{"e"}}, "\U0001f7e1"},
		{"failed", &report.Report{Exceptions: []string{"e"}}, "\U0001f534"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := statusEmoji(tt.r); got != tt.want {
				t.Errorf("statusEmoji = %q, want %q", got, tt.want)
			}
		})
	}
}

func FuzzSlackBuild(f *testing.F) {
	f.Add("01JN", "fetch alerts: boom", 3, 1)
	f.Add("", "", 0, 0)
	f.Add("<@U123> mention", "*bold* _italic_ ~strike~", 1, 0)
	f.Add("id\x00\x01\x02", "line\nbreak\ttab", 0, 5)
	f.Add(strings.Repeat("A", 5000), strings.Repeat("x", 10000), 10, 10)

	f.Fuzz(func(t *testing.T, id, exception string, handled, finished int) {
		r := &report.Report{
			ID:                    id,
			HandledAlertCount:     handled,
			FinishedAnalysisCount: finished,
			StartedAt:             time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		}
		if exception != "" {
			r.Exceptions = []string{exception}
		}

		// Must not panic
		msg := buildMessage(r)

		data, err := json.Marshal(msg)
		if err != nil {
			t.Fatalf("buildMessage produced non-marshalable output: %v", err)
		}

		var decoded map[string]any
		if err := json.Unmarshal(data, &decoded); err != nil {
			t.Fatalf("buildMessage JSON does not round-trip: %v", err)
		}

		blocks, ok := decoded["blocks"].([]any)
		if !ok {
			t.Fatal("expected blocks array")
		}
		want := 5
		if r.Failed() {
			want = 7
		}
		if len(blocks) != want {
			t.Fatalf("blocks count = %d, want %d", len(blocks), want)
		}
	})
}

func TestSend_NonOKStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("internal error"))
	}))
	defer srv.Close()

	n := New(srv.URL, log.Nop())
	err := n.Send(context.Background(), busyReport())
	if err == nil {
		t.Fatal("expected error on non-OK status")
	}
	if !strings.Contains(err.Error(), "500") {
		t.Errorf("error = %q, want to contain status code 500", err.Error())
	}
}
