// Edrlink polls an EDR console for recent alerts, sends their files to
// Intezer Analyze and writes the verdicts back to the alerts as notes.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/linnemanlabs/go-core/cfg"
	"github.com/linnemanlabs/go-core/opshttp"
	"github.com/linnemanlabs/go-core/prof"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/go-core/health"

	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/httpserver"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/go-core/metrics"
	"github.com/linnemanlabs/go-core/otelx"
	v "github.com/linnemanlabs/go-core/version"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/edrlink/internal/analysis/intezer"
	"github.com/linnemanlabs/edrlink/internal/authmw"
	ec "github.com/linnemanlabs/edrlink/internal/cfg"
	"github.com/linnemanlabs/edrlink/internal/connector"
	"github.com/linnemanlabs/edrlink/internal/dedup"
	"github.com/linnemanlabs/edrlink/internal/edr"
	"github.com/linnemanlabs/edrlink/internal/edr/sentinelone"
	"github.com/linnemanlabs/edrlink/internal/notify/slack"
	"github.com/linnemanlabs/edrlink/internal/postgres"
	"github.com/linnemanlabs/edrlink/internal/report"
	"github.com/linnemanlabs/edrlink/internal/report/memstore"
	"github.com/linnemanlabs/edrlink/internal/report/pgstore"
	"github.com/linnemanlabs/edrlink/internal/statusapi"
)

const appName = "edrlink"
const component = "connector"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal error:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Set app name and component
	v.AppName = appName
	v.Component = component

	// Get build/version info
	vi := v.Get()

	// each package registers its own flags and options struct
	var (
		appCfg    ec.Config
		httpCfg   httpserver.Config
		httpmwCfg httpmw.Config
		logCfg    log.Config
		opsCfg    opshttp.Config
		profCfg   prof.Config
		traceCfg  otelx.Config
	)

	// register flags for each package, which will be parsed into the shared config struct
	appCfg.RegisterFlags(flag.CommandLine)
	httpCfg.RegisterFlags(flag.CommandLine)
	httpmwCfg.RegisterFlags(flag.CommandLine)
	logCfg.RegisterFlags(flag.CommandLine)
	opsCfg.RegisterFlags(flag.CommandLine)
	profCfg.RegisterFlags(flag.CommandLine)
	traceCfg.RegisterFlags(flag.CommandLine)
	var showVersion bool
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")

	// parse flags to get config values from cmdline, we check env vars next which do not override cmdline flags
	flag.Parse()
	if showVersion {
		fmt.Printf(
			"%s (%s) %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Component, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		return nil
	}

	// Fill in config values from environment variables with prefix EDRLINK_,
	// these do not override cmdline flags
	cfg.FillFromEnv(flag.CommandLine, "EDRLINK_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	// the YAML file wins over flags and env, but only when it opts in
	configFile, err := ec.LoadFile(appCfg.ConfigFile)
	if err != nil {
		return fmt.Errorf("configuration file: %w", err)
	}
	fileApplied := appCfg.ApplyFile(configFile)

	if err := errors.Join(
		appCfg.Validate(),
		httpCfg.Validate(),
		httpmwCfg.Validate(),
		logCfg.Validate(),
		opsCfg.Validate(),
		profCfg.Validate(),
		traceCfg.Validate(),
	); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	// cross-cutting checks that only main can validate
	if appCfg.APIPort != 0 && appCfg.APIPort == opsCfg.Port {
		return fmt.Errorf("api and admin ports must differ (both %d)", appCfg.APIPort)
	}

	// initialize logger early
	lg, err := log.New(logCfg.ToOptions(v.AppName))
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	// no-op for slog/stderr, but here if we swap backends in the future to ensure any buffered logs are flushed on shutdown
	defer func() { _ = lg.Sync() }()

	// create a logger with component field pre-filled for structured logging in this package
	L := lg.With("component", vi.Component)

	// add logger to context
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"commit_date", vi.CommitDate,
		"build_id", vi.BuildId,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.VCSDirty,
		"config_file", appCfg.ConfigFile,
		"config_file_applied", fileApplied,
		"edr_type", appCfg.EDRType,
		"base_address", appCfg.BaseAddress,
		"ssl_verification", appCfg.SSLVerification,
		"lookback", appCfg.Lookback(),
		"reuse_window", appCfg.ReuseWindow(),
		"cooldown", appCfg.Cooldown(),
		"wait_ceiling", appCfg.WaitCeiling(),
		"api_port", appCfg.APIPort,
		"admin_port", opsCfg.Port,
		"enable_pprof", opsCfg.EnablePprof,
		"enable_pyroscope", profCfg.EnablePyroscope,
		"enable_tracing", traceCfg.EnableTracing,
		"trace_sample", traceCfg.TraceSample,
		"trace_insecure", traceCfg.Insecure,
		"otlp_endpoint", traceCfg.OTLPEndpoint,
		"pyro_server", profCfg.PyroServer,
		"pyro_tenant", profCfg.PyroTenantID,
		"include_error_links", logCfg.IncludeErrorLinks,
		"max_error_links", logCfg.MaxErrorLinks,
		"trusted_proxy_hops", httpmwCfg.TrustedProxyHops,
	)

	// Setup pyroscope profiling early so we get profiles from the entire app lifetime
	profOpts := profCfg.ToOptions()
	profOpts.AppName = v.AppName
	profOpts.Tags = map[string]string{
		"app":       v.AppName,
		"component": v.Component,
		"version":   vi.Version,
		"commit":    vi.Commit,
		"build_id":  vi.BuildId,
		"source":    "lmlabs-go-agent",
	}
	// Start profiling, returns a stop function to call for clean shutdown (flush buffers, etc)
	stopProf, profErr := prof.Start(ctx, profOpts)
	if profErr != nil {
		L.Error(ctx, profErr, "pyroscope start failed", "pyro_server", profCfg.PyroServer)
	}
	if stopProf != nil {
		defer stopProf()
	}

	// Setup otel for tracing
	traceOpts := traceCfg.ToOptions()
	traceOpts.Service = v.AppName
	traceOpts.Component = v.Component
	traceOpts.Version = v.Version

	// Start otel, returns a shutdown function to call for clean shutdown (flush buffers, etc)
	shutdownOtelx, err := otelx.Init(ctx, traceOpts)
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	if shutdownOtelx != nil {
		defer func() { _ = shutdownOtelx(context.Background()) }()
	}

	// Setup metrics, we use our own metrics package for internal instrumentation
	var m = metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, component, &vi)
	m.SetProfilingActive(profErr == nil && profCfg.EnablePyroscope)

	// EDR gateway for the configured vendor
	gateway, err := newGateway(&appCfg, L)
	if err != nil {
		return fmt.Errorf("edr gateway: %w", err)
	}
	L.Info(ctx, "initialized edr gateway", "type", appCfg.EDRType, "base_address", appCfg.BaseAddress)

	// Analysis backend
	backend, err := intezer.New(intezer.Config{
		BaseURL:        appCfg.IntezerBaseURL,
		APIKey:         appCfg.IntezerAPIKey,
		VerifyTLS:      true,
		Timeout:        appCfg.HTTPTimeout(),
		HTTPRetries:    appCfg.HTTPRetries,
		HTTPRetryDelay: appCfg.HTTPRetryDelay(),
	}, L)
	if err != nil {
		return fmt.Errorf("intezer client: %w", err)
	}
	L.Info(ctx, "initialized analysis backend", "provider", "intezer", "base_url", appCfg.IntezerBaseURL)

	// Register per-query DB duration histogram and wire the observer.
	dbQueryDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "edrlink_db_query_duration_seconds",
		Help:    "Duration of individual database queries.",
		Buckets: prometheus.DefBuckets,
	}, []string{"origin", "route", "outcome"})
	m.Registry().MustRegister(dbQueryDuration)

	postgres.SetQueryObserver(postgres.QueryObserverFunc(
		func(_ context.Context, origin, route, outcome string, dur time.Duration) {
			dbQueryDuration.WithLabelValues(origin, route, outcome).Observe(dur.Seconds())
		},
	))

	// Initialize the report history store
	var reportStore report.Store
	if appCfg.DatabaseURL != "" {
		pool, err := postgres.NewPool(ctx, appCfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("postgres pool: %w", err)
		}
		defer pool.Close()
		pgStore, err := pgstore.New(ctx, pool)
		if err != nil {
			return fmt.Errorf("pgstore init: %w", err)
		}
		reportStore = pgStore
		L.Info(ctx, "using postgres report store")
	} else {
		reportStore = memstore.New(appCfg.ReportHistory)
		L.Info(ctx, "using in-memory report store (no database-url configured)", "capacity", appCfg.ReportHistory)
	}

	// Every cycle report goes to the backend summary endpoint and history.
	// Slack only when configured.
	sinks := []report.Sink{
		report.SinkFunc(backend.PostSummaryReport),
		report.StoreSink(reportStore),
	}
	if appCfg.SlackWebhookURL != "" {
		sinks = append(sinks, slack.New(appCfg.SlackWebhookURL, L))
		L.Info(ctx, "notifier enabled", "type", "slack")
	}

	// Initialize connector metrics on the shared Prometheus registry.
	connectorMetrics := connector.NewMetrics(m.Registry())

	dedupStore := dedup.New()
	manager := connector.NewManager(connector.Config{
		Lookback:     appCfg.Lookback(),
		ReuseWindow:  appCfg.ReuseWindow(),
		Cooldown:     appCfg.Cooldown(),
		WaitCeiling:  appCfg.WaitCeiling(),
		PollInterval: appCfg.PollInterval(),
		Requester:    appCfg.Type().Requester(),
	}, gateway, backend, dedupStore, report.Fanout(sinks...), L, connectorMetrics.Hooks())

	// setup toggle for server shutdown. this is used to fail readiness checks
	// during shutdown to drain connections from load balancer before killing the process.
	var shutdownGate health.ShutdownGate

	// setup readiness checks, currently just the shutdown gate
	readiness := health.All(
		shutdownGate.Probe(),
	)
	// liveness is always true if the app is able to respond
	liveness := health.Fixed(true, "")

	// Configure ops http server for metrics, health checks, pprof, etc
	opsOpts := opsCfg.ToOptions()
	opsOpts.Metrics = m.Handler()
	opsOpts.Health = liveness
	opsOpts.Readiness = readiness
	opsOpts.UseRecoverMW = true
	opsOpts.OnPanic = m.IncHttpPanic

	// start admin/ops listener
	opsHTTPStop, err := opshttp.Start(ctx, L, opsOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		return err
	}
	defer func() {
		err := opsHTTPStop(context.Background())
		if err != nil {
			L.Error(ctx, err, "failed to stop ops http listener")
		}
	}()

	// Status API is optional
	statusHTTPStop := func(context.Context) error { return nil }
	if appCfg.APIPort != 0 {
		// setup status api chi router and middleware stack
		r := chi.NewRouter()

		// Compress text responses (we are JSON only)
		r.Use(middleware.Compress(5, "application/json"))

		// Annotate logger (and tracer if trace is recording) with http.route from chi route pattern
		r.Use(httpmw.AnnotateHTTPRoute)

		// Stash HTTP method in context for DB query metrics labelling.
		r.Use(postgres.Middleware)

		// Access log middleware
		r.Use(httpmw.AccessLog())

		// read-only API, requests carry no body
		r.Use(httpmw.MaxBody(1024 * 4))

		// add health check endpoints to main listener
		r.Get("/-/healthy", health.HealthzHandler(liveness))
		r.Get("/-/ready", health.ReadyzHandler(readiness))

		// register api routes
		statusapi.New(L, reportStore, dedupStore, authmw.SplitTokens(appCfg.APIToken)...).RegisterRoutes(r)

		// middleware stack, order matters these are wrappers, outermost sees raw request
		// first and is last to see response
		var h http.Handler = r

		// Request-scoped logging (inner so it sees trace_id, chi route, etc)
		h = httpmw.WithLogger(L)(h)

		// add trace-id and span-id headers to any requests with a recording trace
		h = httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id")(h)

		// otel instrumentation for automatic spans and trace context propagation
		h = otelhttp.NewHandler(h, "http.server",
			otelhttp.WithFilter(func(r *http.Request) bool {
				// dont trace health/readiness checks
				return r.URL.Path != "/-/healthy" && r.URL.Path != "/-/ready"
			}),
			// AnnotateHTTPRoute will rename the span later to the final route pattern
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				return r.Method + " " + r.URL.Path
			}),
			otelhttp.WithPublicEndpointFn(func(_ *http.Request) bool { return true }),
		)

		// Metrics middleware for prometheus instrumentation
		h = m.Middleware(h)

		// Client IP resolution and spoofing protection middleware
		h = httpmw.ClientIPWithOptions(httpmw.ClientIPOptions{
			TrustedHops: httpmwCfg.TrustedProxyHops,
		})(h)

		// Request ID (outer so everything downstream sees it)
		h = httpmw.RequestID("X-Request-Id")(h)

		// Recovery middleware to recover and log panics and serve 500 response.
		h = httpmw.Recover(L, nil)(h)

		// Security headers outermost to ensure they are served on every response
		h = httpmw.SecurityHeaders(h)

		if appCfg.APIToken == "" {
			L.Warn(ctx, "status api enabled without api-token, serving unauthenticated", "api_port", appCfg.APIPort)
		}

		// Configure http server options from config
		statusOpts, err := httpCfg.ToOptions()
		if err != nil {
			L.Error(ctx, err, "invalid http config")
			return err
		}

		statusHTTPStop, err = httpserver.Start(ctx, fmt.Sprintf(":%d", appCfg.APIPort), h, L, statusOpts)
		if err != nil {
			L.Error(ctx, err, "failed to start status api http listener")
			return err
		}
		defer func() {
			err := statusHTTPStop(context.Background())
			if err != nil {
				L.Error(ctx, err, "failed to stop status api http listener")
			}
		}()
	}

	// Start the polling loop. It returns once ctx is cancelled, after
	// delivering the report of the cycle in progress.
	loopDone := make(chan error, 1)
	go func() {
		loopDone <- manager.Run(ctx)
	}()
	connectorStop := func(ctx context.Context) error {
		select {
		case err := <-loopDone:
			return err
		case <-ctx.Done():
			return fmt.Errorf("connector loop still running: %w", ctx.Err())
		}
	}

	// Notify systemd that we started successfully if started under systemd
	if err := notifySystemd(); err != nil {
		// log and dont exit, worst case systemd will kill the process after timeout
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	// Wait for ctrl+c / sigterm
	<-ctx.Done()

	L.Info(context.Background(), "shutdown signal received")

	// fail health checks to drain connections
	shutdownGate.Set("draining")
	L.Info(context.Background(), "shutdown gate closed")

	// Give status API clients a moment to finish while the loop winds down.
	drainDuration := time.Duration(appCfg.DrainSeconds) * time.Second
	L.Info(context.Background(), "sleeping for drain period", "drain_seconds", appCfg.DrainSeconds)
	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(drainDuration):
		L.Info(context.Background(), "drain period complete")
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	// Shutdown components with per-component budget sliced from total.
	// stopProf is synchronous and needs no context, so it's excluded.
	type stopFn struct {
		name string
		fn   func(context.Context) error
	}
	stopFns := []stopFn{
		{"connector loop", connectorStop},
		{"status api http server", statusHTTPStop},
		{"ops http server", opsHTTPStop},
	}
	if shutdownOtelx != nil {
		stopFns = append(stopFns, stopFn{"otel", shutdownOtelx})
	}

	budget := time.Duration(appCfg.ShutdownBudgetSeconds) * time.Second
	perComponent := budget / time.Duration(len(stopFns))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	for _, s := range stopFns {
		cctx, ccancel := context.WithTimeout(shutdownCtx, perComponent)
		if err := s.fn(cctx); err != nil {
			L.Error(context.Background(), err, s.name+" shutdown")
		}
		ccancel()
	}

	if stopProf != nil {
		stopProf()
	}

	L.Info(context.Background(), "shutdown complete")
	return nil
}

// newGateway builds the EDR gateway for the configured vendor type.
func newGateway(c *ec.Config, L log.Logger) (edr.Gateway, error) {
	switch c.Type() {
	case edr.TypeSentinelOne:
		return sentinelone.New(sentinelone.Config{
			BaseURL:           c.BaseAddress,
			APIKey:            c.EDRAPIKey,
			VerifyTLS:         c.SSLVerification,
			Timeout:           c.HTTPTimeout(),
			HTTPRetries:       c.HTTPRetries,
			HTTPRetryDelay:    c.HTTPRetryDelay(),
			RequestsPerSecond: c.EDRRequestsPerSecond,
			DownloadRetries:   c.DownloadRetries,
			DownloadDelay:     c.DownloadDelay(),
		}, L.With("edr", string(c.Type())))
	default:
		return nil, fmt.Errorf("unsupported edr type %q", c.EDRType)
	}
}

func notifySystemd() error {
	// systemd will set NOTIFY_SOCKET to a unix socket path if we were started under systemd with type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr) //nolint:gosec,noctx // G704: addr is from NOTIFY_SOCKET set by systemd not user input, no context support in net package for unixgram sockets
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	defer func() { _ = conn.Close() }()
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	return nil
}
