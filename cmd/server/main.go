package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/keithlinneman/linnemanlabs-ratelimit/internal/adminhttp"
	"github.com/keithlinneman/linnemanlabs-ratelimit/internal/cfg"
	"github.com/keithlinneman/linnemanlabs-ratelimit/internal/checkgrpc"
	"github.com/keithlinneman/linnemanlabs-ratelimit/internal/checkhttp"
	"github.com/keithlinneman/linnemanlabs-ratelimit/internal/decision"
	"github.com/keithlinneman/linnemanlabs-ratelimit/internal/health"
	"github.com/keithlinneman/linnemanlabs-ratelimit/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-ratelimit/internal/httpserver"
	"github.com/keithlinneman/linnemanlabs-ratelimit/internal/log"
	"github.com/keithlinneman/linnemanlabs-ratelimit/internal/metrics"
	"github.com/keithlinneman/linnemanlabs-ratelimit/internal/opshttp"
	"github.com/keithlinneman/linnemanlabs-ratelimit/internal/otelx"
	"github.com/keithlinneman/linnemanlabs-ratelimit/internal/prof"
	"github.com/keithlinneman/linnemanlabs-ratelimit/internal/ratelimit"
	"github.com/keithlinneman/linnemanlabs-ratelimit/internal/store"
	v "github.com/keithlinneman/linnemanlabs-ratelimit/internal/version"
)

const (
	envPrefix       = "RLS_"
	component       = "server"
	shutdownTimeout = 10 * time.Second
)

func main() {
	vi := v.Get()

	var conf cfg.App
	var showVersion bool
	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(vi.String())
		return
	}

	// precedence: cli flag > RLS_* env > default
	cfg.FillFromEnv(flag.CommandLine, envPrefix, func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})
	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	var logLevel slog.LevelVar
	lg, err := newLogger(conf, vi, &logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		os.Exit(1)
	}
	defer lg.Sync()
	L := lg.With("component", component)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = log.WithContext(ctx, L)

	if err := run(ctx, L, conf, vi, &logLevel); err != nil {
		L.Error(context.Background(), err, "exiting")
		stop()
		os.Exit(1)
	}
}

func newLogger(conf cfg.App, vi v.Info, level *slog.LevelVar) (log.Logger, error) {
	lvl, err := log.ParseLevel(conf.LogLevel)
	if err != nil {
		return nil, err
	}
	level.Set(lvl)
	stackLvl, err := log.ParseLevel(conf.StacktraceLevel)
	if err != nil {
		stackLvl = slog.LevelError
	}
	return log.New(log.Options{
		App:               v.AppName,
		Version:           vi.Version,
		Commit:            vi.Commit,
		BuildId:           vi.BuildId,
		LevelVar:          level,
		StacktraceLevel:   stackLvl,
		JsonFormat:        conf.LogJSON,
		MaxErrorLinks:     conf.MaxErrorLinks,
		IncludeErrorLinks: conf.IncludeErrorLinks,
	})
}

// run wires every component, serves until ctx is cancelled and then shuts
// down in order. Cleanup registered with defer runs on every return path.
func run(ctx context.Context, L log.Logger, conf cfg.App, vi v.Info, logLevel *slog.LevelVar) error {
	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_id", vi.BuildId,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.Dirty(),
		"http_port", conf.HTTPPort,
		"grpc_port", conf.GRPCPort,
		"admin_port", conf.AdminPort,
		"enable_grpc", conf.EnableGRPC,
		"enable_pprof", conf.EnablePprof,
		"enable_pyroscope", conf.EnablePyroscope,
		"enable_tracing", conf.EnableTracing,
		"trace_sample", conf.TraceSample,
		"policy_source", conf.PolicySource,
		"policy_poll_interval", conf.PolicyPollInterval,
		"default_limit", conf.DefaultLimit,
		"default_window", conf.DefaultWindow,
		"default_algorithm", conf.DefaultAlgorithm,
		"retention", conf.Retention,
		"store_max_keys", conf.StoreMaxKeys,
		"store_fallback", conf.StoreFallback,
		"identity_source", conf.IdentitySource,
		"trusted_hops", conf.TrustedHops,
	)

	stopProf, profErr := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       v.AppName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: prof.Tags(map[string]string{
			"app":       v.AppName,
			"component": component,
			"version":   vi.Version,
			"commit":    vi.Commit,
			"build_id":  vi.BuildId,
		}),
	})
	if profErr != nil {
		L.Error(ctx, profErr, "pyroscope start failed, continuing without profiling", "pyro_server", conf.PyroServer)
	}
	defer stopProf()

	// the collector runs on localhost, so no TLS
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  true,
		Sample:    conf.TraceSample,
		Service:   v.AppName,
		Component: component,
		Version:   vi.Version,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed, tracing disabled")
		shutdownOTEL = func(context.Context) error { return nil }
	}
	defer func() { _ = shutdownOTEL(context.Background()) }()

	m := metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, component, vi)
	m.SetProfilingActive(conf.EnablePyroscope && profErr == nil)

	policies, rules, closeSource, err := startPolicies(ctx, L, conf, m)
	if err != nil {
		return err
	}
	defer closeSource()

	states := store.New(store.Options{
		Shards:  conf.StoreShards,
		MaxKeys: conf.StoreMaxKeys,
	})
	m.SetStoreMaxKeys(conf.StoreMaxKeys)
	sweeper := store.NewSweeper(store.SweeperOptions{
		Logger:        L,
		Store:         states,
		Interval:      conf.SweepInterval,
		Retention:     conf.Retention,
		LongestWindow: policies.LongestWindow,
		Metrics:       m,
	})
	go prof.Do(ctx, "sweeper", func(ctx context.Context) { _ = sweeper.Run(ctx) })

	decider, err := decision.New(decision.Options{
		Logger:   L,
		Policies: policies,
		Store:    states,
		Metrics:  m,
		Fallback: decision.Fallback(conf.StoreFallback),
		// one line per key per throttling episode, not per denied request
		OnFirstDenied: func(ctx context.Context, k ratelimit.Key, vd ratelimit.Verdict) {
			m.IncKeyThrottled()
			L.Warn(ctx, "rate limit triggered",
				"identity", k.Identity,
				"endpoint", k.Endpoint,
				"policy", vd.Policy,
				"retry_after_ms", vd.RetryAfterMillis,
			)
		},
		OnCapacity: func(context.Context, ratelimit.Key, ratelimit.Verdict) {
			m.IncStoreCapacity()
		},
	})
	if err != nil {
		return err
	}

	identity, err := checkhttp.ParseIdentitySource(conf.IdentitySource)
	if err != nil {
		return err
	}
	checkHandler, err := checkhttp.New(checkhttp.Options{
		Logger:         L,
		Checker:        decider,
		IdentityHeader: conf.IdentityHeader,
		EndpointHeader: conf.EndpointHeader,
		Identity:       identity,
	})
	if err != nil {
		return err
	}

	// readiness fails until a snapshot is installed and again while draining
	var gate health.ShutdownGate
	readiness := health.All(
		gate.Probe(),
		health.Named("policies", health.CheckFunc(func(context.Context) error {
			return policies.ReadyErr()
		})),
	)

	var stops []namedStop

	checkHTTPStop, err := httpserver.Start(ctx, httpserver.Options{
		Logger:       L,
		Port:         conf.HTTPPort,
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		APIRoutes:    checkHandler.RegisterRoutes,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
		MetricsMW:    m.Middleware,
		PolicyInfo:   policies,
		ClientIPOpts: httpmw.ClientIPOptions{TrustedHops: conf.TrustedHops},
	})
	if err != nil {
		return err
	}
	stops = append(stops, namedStop{"check http", checkHTTPStop})
	defer func() { _ = checkHTTPStop(context.Background()) }()

	if conf.EnableGRPC {
		checkGRPCStop, err := checkgrpc.Start(ctx, checkgrpc.Options{
			Logger:         L,
			Checker:        decider,
			Metrics:        m,
			Port:           conf.GRPCPort,
			OnPanic:        m.IncHttpPanic,
			DisableTracing: !conf.EnableTracing,
		})
		if err != nil {
			return err
		}
		stops = append(stops, namedStop{"check grpc", checkGRPCStop})
		defer func() { _ = checkGRPCStop(context.Background()) }()
	}

	// the admin port is firewalled to monitoring, and opshttp also refuses
	// public peers in case that ever changes
	adminOpts := adminhttp.Options{
		Logger:   L,
		Policies: policies,
		Store:    states,
		LogLevel: logLevel,
		Draining: gate.Draining,
	}
	// rule edits only make sense where rules are stored in redis
	if rules != nil {
		adminOpts.Rules = rules
		L.Info(ctx, "rule management enabled on the admin API", "path", "/api/policies/{endpoint}")
	}
	adminAPI := adminhttp.NewAPI(adminOpts)
	opsHTTPStop, err := opshttp.Start(ctx, L, &opshttp.Options{
		Port:         conf.AdminPort,
		Metrics:      m.Handler(),
		EnablePprof:  conf.EnablePprof,
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		API:          adminAPI.Handler(),
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
	})
	if err != nil {
		return err
	}
	stops = append(stops, namedStop{"admin http", opsHTTPStop})
	defer func() { _ = opsHTTPStop(context.Background()) }()

	if sent, err := notifySystemd(); err != nil {
		// systemd kills us after its start timeout, keep serving until then
		L.Warn(ctx, "systemd readiness notification failed", "error", err.Error())
	} else if sent {
		L.Info(ctx, "notified systemd of readiness")
	}

	<-ctx.Done()
	L.Info(context.Background(), "shutdown signal received")

	gate.Set("draining")
	drain(L, conf.ShutdownDrain)

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	stops = append(stops, namedStop{"otel", shutdownOTEL})
	for _, s := range stops {
		if err := s.stop(sctx); err != nil {
			L.Error(context.Background(), err, "shutdown failed", "part", s.name)
		}
	}

	L.Info(context.Background(), "shutdown complete", "tracked_keys", states.Len())
	return nil
}

type namedStop struct {
	name string
	stop func(context.Context) error
}

// drain keeps serving with readiness failed so load balancers move traffic
// away. A second signal ends it early.
func drain(L log.Logger, d time.Duration) {
	L.Info(context.Background(), "shutdown gate closed", "drain", d.String())

	force := make(chan os.Signal, 1)
	signal.Notify(force, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(force)

	select {
	case <-time.After(d):
		L.Info(context.Background(), "drain period complete")
	case <-force:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
}
