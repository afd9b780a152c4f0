// Package statusapi serves a read-only view of cycle report history and the
// analyses currently in flight.
package statusapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/edrlink/internal/authmw"
	"github.com/linnemanlabs/edrlink/internal/dedup"
	"github.com/linnemanlabs/edrlink/internal/report"
)

const (
	defaultListLimit = 20
	maxListLimit     = 500
)

// ReportReader is the read side of report.Store.
type ReportReader interface {
	Get(ctx context.Context, id string) (*report.Report, bool, error)
	List(ctx context.Context, limit int) ([]*report.Report, error)
}

// PendingSource exposes the dedup store snapshot.
type PendingSource interface {
	Pending() []dedup.Entry
	HandledCount() int
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger  log.Logger
	reports ReportReader
	pending PendingSource
	tokens  []string
}

// New creates a new API handler. With no tokens the routes are served
// without authentication.
func New(logger log.Logger, reports ReportReader, pending PendingSource, tokens ...string) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if reports == nil {
		panic(xerrors.New("report reader is required"))
	}
	if pending == nil {
		panic(xerrors.New("pending source is required"))
	}
	return &API{
		logger:  logger,
		reports: reports,
		pending: pending,
		tokens:  tokens,
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		if len(a.tokens) > 0 {
			r.Use(authmw.BearerToken(a.tokens...))
		}
		r.Get("/reports", a.handleListReports)
		r.Get("/reports/{id}", a.handleGetReport)
		r.Get("/pending", a.handlePending)
	})
}

// PendingView is the body of GET /api/v1/pending.
type PendingView struct {
	Count        int           `json:"count"`
	HandledCount int           `json:"handled_count"`
	Entries      []dedup.Entry `json:"entries"`
}

func (a *API) handleListReports(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxListLimit)
	}

	reports, err := a.reports.List(r.Context(), limit)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to list cycle reports", "limit", limit)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if reports == nil {
		reports = []*report.Report{}
	}

	trace.SpanFromContext(r.Context()).SetAttributes(attribute.Int("edrlink.reports.count", len(reports)))
	writeJSON(w, map[string]any{"reports": reports})
}

func (a *API) handleGetReport(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("edrlink.cycle.id", id))

	rep, ok, err := a.reports.Get(r.Context(), id)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to get cycle report", "cycle_id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	span.SetAttributes(attribute.Bool("edrlink.cycle.failed", rep.Failed()))
	writeJSON(w, rep)
}

func (a *API) handlePending(w http.ResponseWriter, _ *http.Request) {
	entries := a.pending.Pending()
	if entries == nil {
		entries = []dedup.Entry{}
	}
	writeJSON(w, PendingView{
		Count:        len(entries),
		HandledCount: a.pending.HandledCount(),
		Entries:      entries,
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
