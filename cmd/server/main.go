// Ticketrouter classifies support tickets, folds duplicate storms into
// incidents and routes the rest to the best available agent.
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
	"github.com/linnemanlabs/go-core/health"
	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/httpserver"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/metrics"
	"github.com/linnemanlabs/go-core/opshttp"
	"github.com/linnemanlabs/go-core/otelx"
	"github.com/linnemanlabs/go-core/prof"
	v "github.com/linnemanlabs/go-core/version"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	vc "github.com/linnemanlabs/ticketrouter/internal/cfg"
	"github.com/linnemanlabs/ticketrouter/internal/postgres"
	"github.com/linnemanlabs/ticketrouter/internal/ticketapi"
	"github.com/linnemanlabs/ticketrouter/internal/triage"
)

const (
	appName   = "ticketrouter"
	component = "server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal error:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	v.AppName = appName
	v.Component = component
	vi := v.Get()

	var (
		appCfg    vc.Config
		httpCfg   httpserver.Config
		httpmwCfg httpmw.Config
		logCfg    log.Config
		opsCfg    opshttp.Config
		profCfg   prof.Config
		traceCfg  otelx.Config
	)

	appCfg.RegisterFlags(flag.CommandLine)
	httpCfg.RegisterFlags(flag.CommandLine)
	httpmwCfg.RegisterFlags(flag.CommandLine)
	logCfg.RegisterFlags(flag.CommandLine)
	opsCfg.RegisterFlags(flag.CommandLine)
	profCfg.RegisterFlags(flag.CommandLine)
	traceCfg.RegisterFlags(flag.CommandLine)
	var showVersion bool
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")

	flag.Parse()
	if showVersion {
		fmt.Printf(
			"%s (%s) %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Component, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		return nil
	}

	// TICKETROUTER_* env vars fill flags not set on the command line
	cfg.FillFromEnv(flag.CommandLine, "TICKETROUTER_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

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

	if appCfg.APIPort == opsCfg.Port {
		return fmt.Errorf("http and admin ports must differ (both %d)", appCfg.APIPort)
	}

	lg, err := log.New(logCfg.ToOptions(v.AppName))
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = lg.Sync() }()

	L := lg.With("component", vi.Component)
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"commit_date", vi.CommitDate,
		"build_id", vi.BuildId,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.VCSDirty,
		"http_port", appCfg.APIPort,
		"store_backend", appCfg.StoreBackend,
		"state_mode", appCfg.StateMode,
		"categories", appCfg.Categories,
		"embedder", appCfg.Embedder,
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

	profOpts := profCfg.ToOptions()
	profOpts.AppName = v.AppName
	profOpts.Tags = map[string]string{
		"app":       v.AppName,
		"component": v.Component,
		"version":   vi.Version,
		"commit":    vi.Commit,
		"build_id":  vi.BuildId,
	}
	stopProf, profErr := prof.Start(ctx, profOpts)
	if profErr != nil {
		L.Error(ctx, profErr, "pyroscope start failed", "pyro_server", profCfg.PyroServer)
	}
	if stopProf != nil {
		defer stopProf()
	}

	traceOpts := traceCfg.ToOptions()
	traceOpts.Service = v.AppName
	traceOpts.Component = v.Component
	traceOpts.Version = v.Version

	shutdownOtelx, err := otelx.Init(ctx, traceOpts)
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	if shutdownOtelx != nil {
		defer func() { _ = shutdownOtelx(context.Background()) }()
	}

	m := metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, component, &vi)
	m.SetProfilingActive(profErr == nil && profCfg.EnablePyroscope)

	// pipeline and DB query metrics share the ops registry
	triageMetrics := triage.NewMetrics(m.Registry())
	postgres.SetQueryObserver(triageMetrics)

	// Shared store backs lock tokens, results, snapshots, the storm window
	// and, in shared state mode, breaker and router state.
	store, closeStore, err := openStore(ctx, &appCfg, L)
	if err != nil {
		return err
	}
	defer closeStore()

	p, err := buildPipeline(ctx, &appCfg, store, L, triageMetrics)
	if err != nil {
		return err
	}

	// readiness fails once draining starts so balancers stop sending tickets
	var shutdownGate health.ShutdownGate
	readiness := health.All(
		shutdownGate.Probe(),
	)
	liveness := health.Fixed(true, "")

	opsOpts := opsCfg.ToOptions()
	opsOpts.Metrics = m.Handler()
	opsOpts.Health = liveness
	opsOpts.Readiness = readiness
	opsOpts.UseRecoverMW = true
	opsOpts.OnPanic = m.IncHttpPanic

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

	r := chi.NewRouter()
	r.Use(middleware.Compress(5, "application/json"))
	r.Use(httpmw.AnnotateHTTPRoute)

	// DB query metrics are labelled by HTTP method
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(postgres.WithHTTPMethod(req.Context(), req.Method)))
		})
	})

	r.Use(httpmw.AccessLog())
	r.Use(httpmw.MaxBody(maxTicketBody))

	r.Get("/-/healthy", health.HealthzHandler(liveness))
	r.Get("/-/ready", health.ReadyzHandler(readiness))

	ticketapiHTTP := ticketapi.New(L, p.service, p.router, p.breaker,
		ticketapi.WithIntakeLimit(appCfg.IntakeRPS, appCfg.IntakeBurst),
		ticketapi.WithAdminToken(appCfg.APIToken),
	)
	ticketapiHTTP.RegisterRoutes(r)

	// wrappers below run outermost last
	var h http.Handler = r
	h = httpmw.WithLogger(L)(h)
	h = httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id")(h)

	h = otelhttp.NewHandler(h, "http.server",
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/-/healthy" && r.URL.Path != "/-/ready"
		}),
		// AnnotateHTTPRoute will rename the span later to the final route pattern
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
		otelhttp.WithPublicEndpointFn(func(_ *http.Request) bool { return true }),
	)

	h = m.Middleware(h)
	h = httpmw.ClientIPWithOptions(httpmw.ClientIPOptions{
		TrustedHops: httpmwCfg.TrustedProxyHops,
	})(h)

	h = httpmw.RequestID("X-Request-Id")(h)
	h = httpmw.Recover(L, nil)(h)
	h = httpmw.SecurityHeaders(h)

	apiOpts, err := httpCfg.ToOptions()
	if err != nil {
		L.Error(ctx, err, "invalid http config")
		return err
	}

	apiHTTPStop, err := httpserver.Start(ctx, fmt.Sprintf(":%d", appCfg.APIPort), h, L, apiOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start api http listener")
		return err
	}
	defer func() {
		err := apiHTTPStop(context.Background())
		if err != nil {
			L.Error(ctx, err, "failed to stop api http listener")
		}
	}()

	agents, err := p.router.List(ctx)
	if err != nil {
		return fmt.Errorf("list agents: %w", err)
	}
	notifyService(ctx, L, readyStatus(len(agents), &appCfg))

	<-ctx.Done()

	L.Info(context.Background(), "shutdown signal received")
	shutdownGate.Set("draining")
	notifyService(context.Background(), L, "STOPPING=1\nSTATUS=draining ticket intake")

	drainDuration := vc.Seconds(appCfg.DrainSeconds)
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

	// intake stops before the service drains so no ticket is accepted
	// after its processing unit could be waited for
	stopAll(context.Background(), L, vc.Seconds(appCfg.ShutdownBudgetSeconds), []stopFn{
		{"api http server", apiHTTPStop},
		{"triage service", p.service.Drain},
		{"ops http server", opsHTTPStop},
		{"otel", shutdownOtelx},
	})
	if stopProf != nil {
		stopProf()
	}

	return nil
}

// maxTicketBody bounds request bodies on the ticket API.
const maxTicketBody = 64 << 10

type stopFn struct {
	name string
	fn   func(context.Context) error
}

// stopAll runs fns in order, giving each an equal slice of budget. A nil fn
// is skipped. Failures are logged and do not stop later components.
func stopAll(ctx context.Context, L log.Logger, budget time.Duration, fns []stopFn) {
	if len(fns) == 0 {
		return
	}
	per := budget / time.Duration(len(fns))
	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	for _, s := range fns {
		if s.fn == nil {
			continue
		}
		cctx, ccancel := context.WithTimeout(ctx, per)
		if err := s.fn(cctx); err != nil {
			L.Error(cctx, err, s.name+" shutdown")
		}
		ccancel()
	}
	L.Info(ctx, "shutdown complete")
}

// readyStatus is the systemd READY message, with a status line operators
// see in systemctl status.
func readyStatus(agents int, c *vc.Config) string {
	return fmt.Sprintf("READY=1\nSTATUS=routing %s tickets to %d agents (store=%s, state=%s)",
		c.Categories, agents, c.StoreBackend, c.StateMode)
}

var errNoNotifySocket = errors.New("NOTIFY_SOCKET not set")

// notifyService sends state to systemd, staying quiet outside systemd.
func notifyService(ctx context.Context, L log.Logger, state string) {
	if err := sdNotify(state); err != nil && !errors.Is(err, errNoNotifySocket) {
		L.Warn(ctx, "systemd notify failed", "error", err)
	}
}

// sdNotify writes state to the socket systemd names in NOTIFY_SOCKET for
// Type=notify units.
func sdNotify(state string) error {
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return errNoNotifySocket
	}
	conn, err := net.Dial("unixgram", addr) //nolint:gosec,noctx // addr comes from systemd; unixgram dial has no context variant
	if err != nil {
		return fmt.Errorf("systemd notify: dial: %w", err)
	}
	defer func() { _ = conn.Close() }()
	if _, err := conn.Write([]byte(state)); err != nil {
		return fmt.Errorf("systemd notify: write: %w", err)
	}
	return nil
}
