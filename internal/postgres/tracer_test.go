package postgres

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
)

func TestShortenFuncName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"full path", "github.com/linnemanlabs/edrlink/internal/report/pgstore.(*Store).Get", "(*Store).Get"},
		{"already short", "(*Store).Get", "Get"},
		{"empty string", "", ""},
		{"no dots", "main", "main"},
		{"no slashes", "pgstore.(*Store).Get", "(*Store).Get"},
		{"single segment", "foo.Bar", "Bar"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := shortenFuncName(tt.in)
			if got != tt.want {
				t.Errorf("shortenFuncName(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestReqDBStats_AddQuery(t *testing.T) {
	t.Parallel()

	s := &ReqDBStats{}

	s.AddQuery(10*time.Millisecond, nil)
	s.AddQuery(20*time.Millisecond, errors.New("timeout"))
	s.AddQuery(5*time.Millisecond, nil)

	if s.QueryCount != 3 {
		t.Errorf("QueryCount = %d, want 3", s.QueryCount)
	}
	if s.TotalDuration != 35*time.Millisecond {
		t.Errorf("TotalDuration = %v, want 35ms", s.TotalDuration)
	}
	if s.ErrorCount != 1 {
		t.Errorf("ErrorCount = %d, want 1", s.ErrorCount)
	}
}

func TestReqDBStatsContext_RoundTrip(t *testing.T) {
	t.Parallel()

	ctx := NewReqDBStatsContext(context.Background())
	got, ok := ReqDBStatsFromContext(ctx)
	if !ok {
		t.Fatal("expected ok=true")
	}
	if got == nil {
		t.Fatal("expected non-nil stats")
	}

	// Verify it's the same pointer
	got.AddQuery(time.Millisecond, nil)
	got2, _ := ReqDBStatsFromContext(ctx)
	if got2.QueryCount != 1 {
		t.Errorf("QueryCount = %d, want 1 (same pointer)", got2.QueryCount)
	}
}

func TestReqDBStatsFromContext_Missing(t *testing.T) {
	t.Parallel()

	_, ok := ReqDBStatsFromContext(context.Background())
	if ok {
		t.Error("expected ok=false for plain context")
	}
}

func TestWithOrigin_RoundTrip(t *testing.T) {
	t.Parallel()

	ctx := WithOrigin(context.Background(), "POST")
	got := originFromContext(ctx)
	if got != "POST" {
		t.Errorf("originFromContext = %q, want %q", got, "POST")
	}
}

func TestWithOrigin_Empty(t *testing.T) {
	t.Parallel()

	ctx := WithOrigin(context.Background(), "")
	got := originFromContext(ctx)
	if got != "" {
		t.Errorf("originFromContext = %q, want empty", got)
	}
}

func TestWithDefaultOrigin(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		ctx  context.Context
		want string
	}{
		{"unset", context.Background(), OriginCycle},
		{"already set", WithOrigin(context.Background(), "GET"), "GET"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := originFromContext(WithDefaultOrigin(tt.ctx, OriginCycle)); got != tt.want {
				t.Errorf("origin = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRouteFromContext(t *testing.T) {
	t.Parallel()

	if got := routeFromContext(WithOrigin(context.Background(), OriginCycle)); got != "connector" {
		t.Errorf("cycle route = %q, want connector", got)
	}
	if got := routeFromContext(context.Background()); got != "" {
		t.Errorf("bare route = %q, want empty", got)
	}

	rctx := chi.NewRouteContext()
	rctx.RoutePatterns = []string{"/api/v1/reports/{id}"}
	ctx := context.WithValue(context.Background(), chi.RouteCtxKey, rctx)
	if got := routeFromContext(ctx); got != "/api/v1/reports/{id}" {
		t.Errorf("chi route = %q", got)
	}
}

func TestMiddleware_SetsOrigin(t *testing.T) {
	t.Parallel()

	var got string
	h := Middleware(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		got = originFromContext(r.Context())
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/reports", http.NoBody))
	if got != http.MethodGet {
		t.Errorf("origin = %q, want GET", got)
	}
}

func TestPoolConfig(t *testing.T) {
	t.Parallel()

	cfg, err := PoolConfig("postgres://edrlink:pw@localhost:5432/edrlink?sslmode=disable")
	if err != nil {
		t.Fatalf("PoolConfig: %v", err)
	}
	if cfg.MaxConns != defaultMaxConns {
		t.Errorf("MaxConns = %d, want %d", cfg.MaxConns, defaultMaxConns)
	}
	if cfg.MaxConnIdleTime != defaultMaxConnIdleTime {
		t.Errorf("MaxConnIdleTime = %v", cfg.MaxConnIdleTime)
	}
	if _, ok := cfg.ConnConfig.Tracer.(loggingTracer); !ok {
		t.Errorf("Tracer = %T, want loggingTracer", cfg.ConnConfig.Tracer)
	}

	cfg, err = PoolConfig("postgres://localhost/edrlink?pool_max_conns=9")
	if err != nil {
		t.Fatalf("PoolConfig: %v", err)
	}
	if cfg.MaxConns != 9 {
		t.Errorf("MaxConns = %d, want 9 from url", cfg.MaxConns)
	}

	if _, err := PoolConfig("://not a url"); err == nil {
		t.Error("expected parse error")
	}
}

func TestSetQueryObserver(t *testing.T) {
	t.Parallel()

	// Save and restore the global to avoid test pollution.
	defer SetQueryObserver(nil)

	called := false
	obs := QueryObserverFunc(func(_ context.Context, _, _, _ string, _ time.Duration) {
		called = true
	})

	SetQueryObserver(obs)
	got := getQueryObserver()
	if got == nil {
		t.Fatal("expected non-nil observer after Set")
	}
	got.ObserveQuery(context.Background(), "GET", "/test", "ok", time.Millisecond)
	if !called {
		t.Error("observer was not called")
	}

	SetQueryObserver(nil)
	got = getQueryObserver()
	if got != nil {
		t.Errorf("expected nil observer after Set(nil), got %v", got)
	}
}
