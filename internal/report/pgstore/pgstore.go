// Package pgstore provides a PostgreSQL implementation of report.Store.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/edrlink/internal/postgres"
	"github.com/linnemanlabs/edrlink/internal/report"
)

var tracer = otel.Tracer("github.com/linnemanlabs/edrlink/internal/report/pgstore")

//go:embed schema.sql
var schema string

// Store persists cycle reports in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema on pool and returns a ready Store. The caller owns
// the pool.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

const reportColumns = `id, started_at, finished_at, alerts_fetched, handled_alerts_count,
	finished_analyses_count, pending_analyses, exceptions`

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// Get retrieves a report by ID.
func (s *Store) Get(ctx context.Context, id string) (*report.Report, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.Get", "SELECT")
	defer span.End()

	query := `SELECT ` + reportColumns + ` FROM cycle_reports WHERE id = $1`
	r, err := scanReport(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		return nil, false, fail(span, err)
	}
	if r == nil {
		return nil, false, nil
	}
	return r, true, nil
}

// List returns up to limit reports, newest first. limit <= 0 returns all.
func (s *Store) List(ctx context.Context, limit int) ([]*report.Report, error) {
	ctx, span := startSpan(ctx, "pgstore.List", "SELECT")
	defer span.End()

	query := `SELECT ` + reportColumns + ` FROM cycle_reports ORDER BY started_at DESC, id DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query reports: %w", err))
	}
	defer rows.Close()

	var out []*report.Report
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, fail(span, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate reports: %w", err))
	}
	span.SetAttributes(attribute.Int("db.rows", len(out)))
	return out, nil
}

// Put inserts or updates a report.
func (s *Store) Put(ctx context.Context, r *report.Report) error {
	// reports are only written by the polling loop
	ctx = postgres.WithDefaultOrigin(ctx, postgres.OriginCycle)
	ctx, span := startSpan(ctx, "pgstore.Put", "UPSERT")
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fail(span, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	if err := upsertReport(ctx, tx, r); err != nil {
		return fail(span, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fail(span, fmt.Errorf("commit: %w", err))
	}
	return nil
}

func upsertReport(ctx context.Context, tx pgx.Tx, r *report.Report) error {
	exceptions := r.Exceptions
	if exceptions == nil {
		exceptions = []string{}
	}
	exceptionsJSON, err := json.Marshal(exceptions)
	if err != nil {
		return fmt.Errorf("marshal exceptions: %w", err)
	}

	var finishedAt *time.Time
	if !r.FinishedAt.IsZero() {
		finishedAt = &r.FinishedAt
	}

	query := `INSERT INTO cycle_reports (
		id, started_at, finished_at, alerts_fetched, handled_alerts_count,
		finished_analyses_count, pending_analyses, exceptions
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	ON CONFLICT (id) DO UPDATE SET
		started_at              = EXCLUDED.started_at,
		finished_at             = EXCLUDED.finished_at,
		alerts_fetched          = EXCLUDED.alerts_fetched,
		handled_alerts_count    = EXCLUDED.handled_alerts_count,
		finished_analyses_count = EXCLUDED.finished_analyses_count,
		pending_analyses        = EXCLUDED.pending_analyses,
		exceptions              = EXCLUDED.exceptions`

	_, err = tx.Exec(ctx, query,
		r.ID, r.StartedAt, finishedAt, r.AlertsFetched, r.HandledAlertCount,
		r.FinishedAnalysisCount, r.PendingAnalyses, exceptionsJSON,
	)
	if err != nil {
		return fmt.Errorf("upsert report: %w", err)
	}
	return nil
}

// scanReport scans a single row into a report.Report.
// Returns (nil, nil) when no row is found.
func scanReport(row pgx.Row) (*report.Report, error) {
	var (
		r              report.Report
		finishedAt     *time.Time
		exceptionsJSON []byte
	)

	err := row.Scan(
		&r.ID, &r.StartedAt, &finishedAt, &r.AlertsFetched, &r.HandledAlertCount,
		&r.FinishedAnalysisCount, &r.PendingAnalyses, &exceptionsJSON,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan: %w", err)
	}

	if finishedAt != nil {
		r.FinishedAt = *finishedAt
	}
	if len(exceptionsJSON) > 0 {
		if err := json.Unmarshal(exceptionsJSON, &r.Exceptions); err != nil {
			return nil, fmt.Errorf("unmarshal exceptions: %w", err)
		}
	}
	if len(r.Exceptions) == 0 {
		r.Exceptions = nil
	}
	return &r, nil
}
