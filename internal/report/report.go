// Package report defines the per-cycle summary the connector emits and the
// sinks and stores that receive it.
package report

import (
	"context"
	"errors"
	"time"
)

// Report summarizes one polling cycle. It is reset at the start of every
// cycle and sent exactly once at its end.
type Report struct {
	ID                    string    `json:"id"`
	StartedAt             time.Time `json:"started_at"`
	FinishedAt            time.Time `json:"finished_at"`
	AlertsFetched         int       `json:"alerts_fetched"`
	HandledAlertCount     int       `json:"handled_alerts_count"`
	FinishedAnalysisCount int       `json:"finished_analyses_count"`
	PendingAnalyses       int       `json:"pending_analyses"`
	Exceptions            []string  `json:"exceptions,omitempty"`
}

// Duration is the wall clock time the cycle took.
func (r *Report) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Failed reports whether any exception was recorded.
func (r *Report) Failed() bool {
	return len(r.Exceptions) > 0
}

// Sink receives a finished cycle report.
type Sink interface {
	Send(ctx context.Context, r *Report) error
}

// SinkFunc adapts a plain function to Sink.
type SinkFunc func(ctx context.Context, r *Report) error

// Send implements Sink.
func (f SinkFunc) Send(ctx context.Context, r *Report) error {
	return f(ctx, r)
}

// Store keeps report history for the status API.
type Store interface {
	Put(ctx context.Context, r *Report) error
	Get(ctx context.Context, id string) (*Report, bool, error)
	List(ctx context.Context, limit int) ([]*Report, error)
}

// StoreSink adapts a Store to a Sink.
func StoreSink(s Store) Sink {
	return SinkFunc(func(ctx context.Context, r *Report) error {
		return s.Put(ctx, r)
	})
}

// Fanout returns a Sink that sends to every non-nil sink in order. All sinks
// are attempted; their errors are joined.
func Fanout(sinks ...Sink) Sink {
	var live []Sink
	for _, s := range sinks {
		if s != nil {
			live = append(live, s)
		}
	}
	return SinkFunc(func(ctx context.Context, r *Report) error {
		var errs []error
		for _, s := range live {
			if err := s.Send(ctx, r); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}
