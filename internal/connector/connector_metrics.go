package connector

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/edrlink/internal/analysis"
	"github.com/linnemanlabs/edrlink/internal/dedup"
	"github.com/linnemanlabs/edrlink/internal/report"
)

// Metrics holds Prometheus metrics for the polling loop.
type Metrics struct {
	CyclesTotal       *prometheus.CounterVec
	CycleDuration     prometheus.Histogram
	AlertsFetched     prometheus.Counter
	AlertsSkipped     *prometheus.CounterVec
	DispatchTotal     *prometheus.CounterVec
	AnalysesFinished  *prometheus.CounterVec
	NotesTotal        *prometheus.CounterVec
	AlertsHandled     prometheus.Counter
	PendingAnalyses   prometheus.Gauge
	CycleExceptions   prometheus.Counter
	LastCycleFinished prometheus.Gauge
}

// NewMetrics registers and returns connector metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CyclesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edrlink_cycles_total",
			Help: "Total polling cycles by result.",
		}, []string{"result"}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "edrlink_cycle_duration_seconds",
			Help:    "Duration of polling cycles in seconds.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s .. ~34m
		}),
		AlertsFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "edrlink_alerts_fetched_total",
			Help: "Total alerts returned by the EDR.",
		}),
		AlertsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edrlink_alerts_skipped_total",
			Help: "Alerts not dispatched, by reason.",
		}, []string{"reason"}),
		DispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edrlink_dispatch_total",
			Help: "Alert dispatch attempts by path and result.",
		}, []string{"path", "result"}),
		AnalysesFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edrlink_analyses_finished_total",
			Help: "Analyses that left the pending table, by final status.",
		}, []string{"status"}),
		NotesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edrlink_notes_total",
			Help: "Batched note writes by result.",
		}, []string{"result"}),
		AlertsHandled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "edrlink_alerts_handled_total",
			Help: "Alerts that received an analysis note.",
		}),
		PendingAnalyses: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "edrlink_pending_analyses",
			Help: "Analyses in flight at the end of the last cycle.",
		}),
		CycleExceptions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "edrlink_cycle_exceptions_total",
			Help: "Exceptions recorded in cycle reports.",
		}),
		LastCycleFinished: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "edrlink_last_cycle_finished_timestamp_seconds",
			Help: "Unix time the last cycle finished.",
		}),
	}

	reg.MustRegister(
		m.CyclesTotal,
		m.CycleDuration,
		m.AlertsFetched,
		m.AlertsSkipped,
		m.DispatchTotal,
		m.AnalysesFinished,
		m.NotesTotal,
		m.AlertsHandled,
		m.PendingAnalyses,
		m.CycleExceptions,
		m.LastCycleFinished,
	)

	return m
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// Hooks returns loop Hooks that update the corresponding metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnSkip: func(reason dedup.SkipReason) {
			m.AlertsSkipped.WithLabelValues(string(reason)).Inc()
		},
		OnDispatch: func(path DispatchPath, err error) {
			m.DispatchTotal.WithLabelValues(string(path), result(err)).Inc()
		},
		OnAnalysisDone: func(status analysis.Status) {
			m.AnalysesFinished.WithLabelValues(string(status)).Inc()
		},
		OnNote: func(alertCount int, err error) {
			m.NotesTotal.WithLabelValues(result(err)).Inc()
			if err == nil {
				m.AlertsHandled.Add(float64(alertCount))
			}
		},
		OnCycle: func(r *report.Report, elapsed time.Duration) {
			status := "ok"
			if r.Failed() {
				status = "failed"
			}
			m.CyclesTotal.WithLabelValues(status).Inc()
			m.CycleDuration.Observe(elapsed.Seconds())
			m.AlertsFetched.Add(float64(r.AlertsFetched))
			m.PendingAnalyses.Set(float64(r.PendingAnalyses))
			m.CycleExceptions.Add(float64(len(r.Exceptions)))
			m.LastCycleFinished.Set(float64(r.FinishedAt.Unix()))
		},
	}
}
