// Package connector runs the alert polling loop: fetch recent EDR alerts,
// drop the ones already handled or in flight, submit the rest for analysis,
// wait for results, write one note per finished analysis back to every alert
// that shared the file, report, then cool down and repeat.
package connector

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/edrlink/internal/analysis"
	"github.com/linnemanlabs/edrlink/internal/dedup"
	"github.com/linnemanlabs/edrlink/internal/edr"
	"github.com/linnemanlabs/edrlink/internal/report"
)

const tracerName = "github.com/linnemanlabs/edrlink/internal/connector"

// reportTimeout bounds delivery of a cycle report to the sinks.
const reportTimeout = 30 * time.Second

// Defaults for Config fields left at zero.
const (
	DefaultLookback     = 72 * time.Hour
	DefaultReuseWindow  = 30 * 24 * time.Hour
	DefaultCooldown     = 15 * time.Minute
	DefaultWaitCeiling  = 10 * time.Minute
	DefaultPollInterval = 5 * time.Second
)

// Config holds the loop's timing and tagging knobs.
type Config struct {
	// Lookback is how far back each FETCH asks for alerts.
	Lookback time.Duration
	// ReuseWindow is the maximum age of a prior analysis that may be reused.
	ReuseWindow time.Duration
	// Cooldown is the target period between cycle starts.
	Cooldown time.Duration
	// WaitCeiling bounds the whole WAIT phase of a cycle.
	WaitCeiling time.Duration
	// PollInterval is the pause between WAIT sweeps.
	PollInterval time.Duration
	// Requester tags file submissions with the EDR vendor.
	Requester string
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Lookback <= 0 {
		out.Lookback = DefaultLookback
	}
	if out.ReuseWindow <= 0 {
		out.ReuseWindow = DefaultReuseWindow
	}
	if out.Cooldown < 0 {
		out.Cooldown = 0
	}
	if out.WaitCeiling <= 0 {
		out.WaitCeiling = DefaultWaitCeiling
	}
	if out.PollInterval < 0 {
		out.PollInterval = 0
	}
	return out
}

// DispatchPath records how an alert's analysis was obtained, or why none was.
type DispatchPath string

const (
	PathReused      DispatchPath = "reused"
	PathHash        DispatchPath = "hash"
	PathFile        DispatchPath = "file"
	PathOffline     DispatchPath = "agent_offline"
	PathUnavailable DispatchPath = "file_unavailable"
)

// Hooks are optional callbacks fired as the loop progresses.
type Hooks struct {
	OnSkip         func(reason dedup.SkipReason)
	OnDispatch     func(path DispatchPath, err error)
	OnAnalysisDone func(status analysis.Status)
	OnNote         func(alertCount int, err error)
	OnCycle        func(r *report.Report, elapsed time.Duration)
}

// Manager owns the dedup state for the life of the process. It is not safe
// to run cycles concurrently.
type Manager struct {
	cfg     Config
	gateway edr.Gateway
	backend analysis.Backend
	store   *dedup.Store
	sink    report.Sink
	logger  log.Logger
	hooks   Hooks

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	seeded bool
}

// NewManager wires the loop. sink may be nil.
func NewManager(cfg Config, gw edr.Gateway, backend analysis.Backend, store *dedup.Store, sink report.Sink, logger log.Logger, hooks Hooks) *Manager {
	if gw == nil {
		panic(xerrors.New("edr gateway is required"))
	}
	if backend == nil {
		panic(xerrors.New("analysis backend is required"))
	}
	if store == nil {
		panic(xerrors.New("dedup store is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Manager{
		cfg:     cfg.withDefaults(),
		gateway: gw,
		backend: backend,
		store:   store,
		sink:    sink,
		logger:  logger,
		hooks:   hooks,
		now:     time.Now,
		sleep:   sleepCtx,
	}
}

// Run executes cycles until ctx is cancelled. Cycle failures never stop it.
func (m *Manager) Run(ctx context.Context) error {
	m.logger.Info(ctx, "connector loop starting",
		"lookback", m.cfg.Lookback,
		"cooldown", m.cfg.Cooldown,
		"wait_ceiling", m.cfg.WaitCeiling,
	)
	for {
		if ctx.Err() != nil {
			return nil
		}
		rep := m.RunCycle(ctx)

		elapsed := m.now().Sub(rep.StartedAt)
		pause := CooldownRemaining(m.cfg.Cooldown, elapsed)
		if pause > 0 {
			m.logger.Info(ctx, "no more alerts, going to sleep", "sleep", pause)
		}
		if err := m.sleep(ctx, pause); err != nil {
			return nil
		}
	}
}

// CooldownRemaining is how long to idle after a cycle that took elapsed. A
// cycle that overran the cooldown starts the next one immediately.
func CooldownRemaining(cooldown, elapsed time.Duration) time.Duration {
	if rem := cooldown - elapsed; rem > 0 {
		return rem
	}
	return 0
}

// RunCycle performs one FETCH, SEED, FILTER, DISPATCH, WAIT and REPORT pass.
// The returned report has already been sent to the sink.
func (m *Manager) RunCycle(ctx context.Context) *report.Report {
	rep := &report.Report{ID: ulid.Make().String(), StartedAt: m.now()}
	L := m.logger.With("cycle_id", rep.ID)

	ctx, span := otel.Tracer(tracerName).Start(ctx, "connector.cycle", trace.WithAttributes(
		attribute.String("edrlink.cycle.id", rep.ID),
	))
	defer span.End()

	defer func() {
		rep.FinishedAt = m.now()
		rep.PendingAnalyses = m.store.PendingCount()
		span.SetAttributes(
			attribute.Int("edrlink.cycle.alerts_fetched", rep.AlertsFetched),
			attribute.Int("edrlink.cycle.handled_alerts", rep.HandledAlertCount),
			attribute.Int("edrlink.cycle.finished_analyses", rep.FinishedAnalysisCount),
			attribute.Int("edrlink.cycle.exceptions", len(rep.Exceptions)),
		)
		if rep.Failed() {
			span.SetStatus(codes.Error, "cycle recorded exceptions")
		}
		m.deliver(ctx, L, rep)
		if m.hooks.OnCycle != nil {
			m.hooks.OnCycle(rep, rep.Duration())
		}
	}()

	alerts, err := m.gateway.FetchRecentAlerts(ctx, m.cfg.Lookback)
	if err != nil {
		L.Error(ctx, err, "failed to fetch alerts")
		span.RecordError(err)
		rep.Exceptions = append(rep.Exceptions, fmt.Sprintf("fetch alerts: %v", err))
		return rep
	}
	rep.AlertsFetched = len(alerts)
	L.Info(ctx, "fetched alerts", "count", len(alerts))

	if !m.seeded {
		if m.store.HandledCount() == 0 {
			m.seed(ctx, L, rep, alerts)
		}
		m.seeded = true
	}

	for _, a := range alerts {
		if ctx.Err() != nil {
			break
		}
		m.dispatch(ctx, L, rep, a)
	}

	m.wait(ctx, L, rep)
	return rep
}

func (m *Manager) deliver(ctx context.Context, L log.Logger, rep *report.Report) {
	L.Info(ctx, "cycle finished",
		"alerts_fetched", rep.AlertsFetched,
		"finished_analyses_count", rep.FinishedAnalysisCount,
		"handled_alerts_count", rep.HandledAlertCount,
		"pending_analyses", rep.PendingAnalyses,
		"exceptions", len(rep.Exceptions),
	)
	if m.sink == nil {
		return
	}
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
	defer cancel()
	if err := m.sink.Send(sendCtx, rep); err != nil {
		L.Error(ctx, err, "failed to deliver cycle report")
	}
}

// seed rebuilds the handled set from notes a previous run left on the
// fetched alerts.
func (m *Manager) seed(ctx context.Context, L log.Logger, rep *report.Report, alerts []edr.Alert) {
	marker := m.backend.NoteMarker()
	var handled []string
	for _, a := range alerts {
		notes, err := m.gateway.ReadNotes(ctx, a.ID)
		if err != nil {
			L.Error(ctx, err, "error fetching notes", "alert_id", a.ID)
			rep.Exceptions = append(rep.Exceptions, fmt.Sprintf("read notes: alert_id=%s: %v", a.ID, err))
			continue
		}
		for _, n := range notes {
			if strings.HasPrefix(n.Text, marker) {
				handled = append(handled, a.ID)
				break
			}
		}
	}
	m.store.SeedHandled(handled)
	L.Info(ctx, "seeded handled alerts from notes", "handled", len(handled), "scanned", len(alerts))
}

func (m *Manager) dispatch(ctx context.Context, L log.Logger, rep *report.Report, a edr.Alert) {
	if skip, reason := m.store.ShouldSkip(a); skip {
		if m.hooks.OnSkip != nil {
			m.hooks.OnSkip(reason)
		}
		return
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "connector.dispatch", trace.WithAttributes(
		attribute.String("edrlink.alert.id", a.ID),
		attribute.String("edrlink.file.hash", a.FileHash),
	))
	defer span.End()

	L = L.With("alert_id", a.ID, "file_hash", a.FileHash)
	L.Info(ctx, "analyzing alert")

	h, path, err := m.submit(ctx, L, a)
	if err == nil && h != "" {
		err = m.store.Register(a.FileHash, h, a.ID)
	}
	span.SetAttributes(attribute.String("edrlink.dispatch.path", string(path)))
	if m.hooks.OnDispatch != nil {
		m.hooks.OnDispatch(path, err)
	}
	if err != nil {
		L.Error(ctx, err, "failure in analyzing file")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		rep.Exceptions = append(rep.Exceptions,
			fmt.Sprintf("dispatch: alert_id=%s file_hash=%s: %v", a.ID, a.FileHash, err))
		return
	}
	if h != "" {
		span.SetAttributes(attribute.String("edrlink.analysis.id", string(h)))
		L.Info(ctx, "analysis registered", "analysis_id", h, "path", path)
	}
}

// submit obtains an analysis handle for the alert's file. An empty handle
// with a nil error means the alert is left for a later cycle.
func (m *Manager) submit(ctx context.Context, L log.Logger, a edr.Alert) (analysis.Handle, DispatchPath, error) {
	h, ok, err := m.backend.FindRecentResult(ctx, a.FileHash, m.cfg.ReuseWindow)
	if err != nil {
		return "", PathReused, fmt.Errorf("find recent result: %w", err)
	}
	if ok {
		return h, PathReused, nil
	}

	sub, err := m.backend.SubmitHash(ctx, a.FileHash)
	if err != nil {
		return "", PathHash, fmt.Errorf("analyze by hash: %w", err)
	}
	if sub.Outcome != analysis.HashUnknown {
		return sub.Handle, PathHash, nil
	}

	if !a.AgentActive {
		L.Info(ctx, "agent is offline, cannot download, skipping")
		return "", PathOffline, nil
	}

	art, err := m.gateway.DownloadFile(ctx, a.ID)
	if err != nil {
		return "", PathFile, fmt.Errorf("download file: %w", err)
	}
	if art == nil {
		return "", PathUnavailable, nil
	}

	h, err = m.backend.SubmitFile(ctx, analysis.FileSubmission{
		Data:       art.Data,
		Name:       a.ID + ".zip",
		Passphrase: art.Passphrase,
		Requester:  m.cfg.Requester,
	})
	if err != nil {
		return "", PathFile, fmt.Errorf("analyze by file: %w", err)
	}
	return h, PathFile, nil
}

// wait sweeps every pending analysis, including ones carried over from
// earlier cycles, until none is left or the ceiling passes. Finished
// analyses are reconciled as soon as they are seen.
func (m *Manager) wait(ctx context.Context, L log.Logger, rep *report.Report) {
	deadline := m.now().Add(m.cfg.WaitCeiling)
	// hashes that errored are left pending for the next cycle
	skip := make(map[string]struct{})

	for {
		remaining := 0
		for _, e := range m.store.Pending() {
			if ctx.Err() != nil {
				return
			}
			if _, ok := skip[e.FileHash]; ok {
				continue
			}

			status, err := m.backend.Poll(ctx, e.Handle)
			if err != nil {
				skip[e.FileHash] = struct{}{}
				L.Error(ctx, err, "failed to check analysis", "analysis_id", e.Handle, "file_hash", e.FileHash)
				rep.Exceptions = append(rep.Exceptions,
					fmt.Sprintf("poll: analysis_id=%s file_hash=%s: %v", e.Handle, e.FileHash, err))
				continue
			}

			switch status {
			case analysis.StatusComplete:
				L.Info(ctx, "analysis completed", "analysis_id", e.Handle)
				m.notify(analysis.StatusComplete)
				if !m.reconcile(ctx, L, rep, e) {
					skip[e.FileHash] = struct{}{}
				}
			case analysis.StatusFailed:
				m.notify(analysis.StatusFailed)
				if err := m.store.Drop(e.FileHash); err != nil {
					L.Error(ctx, err, "failed to drop failed analysis", "analysis_id", e.Handle, "file_hash", e.FileHash)
					rep.Exceptions = append(rep.Exceptions,
						fmt.Sprintf("drop: analysis_id=%s file_hash=%s: %v", e.Handle, e.FileHash, err))
				}
				err := fmt.Errorf("analysis %s failed", e.Handle)
				L.Error(ctx, err, "analysis failed", "file_hash", e.FileHash)
				rep.Exceptions = append(rep.Exceptions,
					fmt.Sprintf("analysis: analysis_id=%s file_hash=%s: failed", e.Handle, e.FileHash))
			default:
				remaining++
			}
		}

		if remaining == 0 {
			return
		}
		if !m.now().Before(deadline) {
			L.Warn(ctx, "wait ceiling reached, leaving analyses pending", "pending", remaining)
			return
		}
		if err := m.sleep(ctx, m.cfg.PollInterval); err != nil {
			return
		}
	}
}

func (m *Manager) notify(status analysis.Status) {
	if m.hooks.OnAnalysisDone != nil {
		m.hooks.OnAnalysisDone(status)
	}
}

// reconcile writes the finished analysis back to every alert that shared
// the file, in a single note. It reports false when the entry is still
// pending afterwards.
func (m *Manager) reconcile(ctx context.Context, L log.Logger, rep *report.Report, e dedup.Entry) bool {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "connector.reconcile", trace.WithAttributes(
		attribute.String("edrlink.analysis.id", string(e.Handle)),
		attribute.String("edrlink.file.hash", e.FileHash),
	))
	defer span.End()

	fail := func(stage string, err error) {
		L.Error(ctx, err, "failed to write back analysis", "analysis_id", e.Handle, "file_hash", e.FileHash)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		rep.Exceptions = append(rep.Exceptions,
			fmt.Sprintf("%s: analysis_id=%s file_hash=%s: %v", stage, e.Handle, e.FileHash, err))
	}

	summary, err := m.backend.Summarize(ctx, e.Handle)
	if err != nil {
		fail("summarize", err)
		return false
	}

	alertIDs, err := m.store.Resolve(e.FileHash)
	if err != nil {
		fail("resolve", err)
		return true
	}
	span.SetAttributes(attribute.Int("edrlink.note.alerts", len(alertIDs)))

	err = m.gateway.WriteNote(ctx, alertIDs, summary)
	if m.hooks.OnNote != nil {
		m.hooks.OnNote(len(alertIDs), err)
	}
	if err != nil {
		// the alerts stay unhandled and are picked up again by a later cycle
		fail("write note", err)
		return true
	}

	m.store.MarkHandled(alertIDs)
	rep.FinishedAnalysisCount++
	rep.HandledAlertCount += len(alertIDs)
	L.Info(ctx, "note sent", "analysis_id", e.Handle, "alert_ids", alertIDs)
	return true
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
