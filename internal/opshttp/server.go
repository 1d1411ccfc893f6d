// Package opshttp serves the admin listener: probes, Prometheus metrics,
// the admin API and optionally pprof. It refuses requests from public
// networks regardless of how the port is exposed.
package opshttp

import (
	"context"
	"fmt"
	"net/http"

	"github.com/keithlinneman/linnemanlabs-ratelimit/internal/health"
	"github.com/keithlinneman/linnemanlabs-ratelimit/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-ratelimit/internal/httpserver"
	"github.com/keithlinneman/linnemanlabs-ratelimit/internal/log"
)

const DefaultPort = 9000

// NewHandler builds the admin handler. Probe routes exist at both /healthz
// and the /-/ paths the public listener uses.
func NewHandler(L log.Logger, opts *Options) http.Handler {
	if L == nil {
		L = log.Nop()
	}
	mux := http.NewServeMux()

	for path, h := range map[string]http.Handler{
		"/healthz":   health.HealthzHandler(opts.Health),
		"/-/healthy": health.HealthzHandler(opts.Health),
		"/readyz":    health.ReadyzHandler(opts.Readiness),
		"/-/ready":   health.ReadyzHandler(opts.Readiness),
	} {
		mux.Handle(path, h)
	}
	if opts.API != nil {
		mux.Handle("/api/", opts.API)
	}
	if opts.Metrics != nil {
		mux.Handle("/metrics", opts.Metrics)
	}
	if opts.EnablePprof {
		RegisterPprof(mux)
	} else {
		// shadow so a stray default-mux registration can't expose it
		mux.Handle("/debug/pprof/", http.NotFoundHandler())
	}

	var recoverMW func(http.Handler) http.Handler
	if opts.UseRecoverMW {
		recoverMW = httpmw.Recover(L, opts.OnPanic)
	}
	return httpmw.Chain(mux,
		recoverMW,
		httpmw.RequestID("X-Request-Id"),
		httpmw.WithLogger(L.With("listener", "admin")),
		func(next http.Handler) http.Handler { return requireNonPublicNetwork(L, next) },
	)
}

// Start listens on opts.Port (DefaultPort when zero) and returns an
// idempotent stop func for graceful shutdown.
func Start(ctx context.Context, L log.Logger, opts *Options) (func(context.Context) error, error) {
	if L == nil {
		L = log.Nop()
	}
	port := opts.Port
	if port == 0 {
		port = DefaultPort
	}
	srv := httpserver.NewServer(fmt.Sprintf(":%d", port), NewHandler(L, opts))
	L = L.With("listener", "admin")
	if opts.EnablePprof {
		L.Info(ctx, "pprof enabled on admin listener")
	}
	return httpserver.Serve(ctx, L, srv)
}
