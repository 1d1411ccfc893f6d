package httpserver_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/keithlinneman/linnemanlabs-ratelimit/internal/checkhttp"
	"github.com/keithlinneman/linnemanlabs-ratelimit/internal/decision"
	"github.com/keithlinneman/linnemanlabs-ratelimit/internal/health"
	"github.com/keithlinneman/linnemanlabs-ratelimit/internal/httpserver"
	"github.com/keithlinneman/linnemanlabs-ratelimit/internal/log"
	"github.com/keithlinneman/linnemanlabs-ratelimit/internal/policy"
	"github.com/keithlinneman/linnemanlabs-ratelimit/internal/ratelimit"
	"github.com/keithlinneman/linnemanlabs-ratelimit/internal/store"
)

const integrationRules = `
default:
  limit: 100
  window: 1m
rules:
  - endpoint: /api/v1/process
    limit: 3
    window: 1m
`

// newIntegrationHandler wires the full check path behind the server
// middleware stack: policy manager, state store, decision service and the
// check handler.
func newIntegrationHandler(t *testing.T) (http.Handler, *policy.Manager) {
	t.Helper()

	doc, err := policy.ParseDocument([]byte(integrationRules), policy.FormatYAML)
	if err != nil {
		t.Fatalf("ParseDocument: %v", err)
	}
	fallback := ratelimit.Policy{Algorithm: ratelimit.AlgorithmSlidingWindow, Limit: 10, Window: time.Minute}
	snap, err := policy.Compile(doc, fallback, policy.Meta{Version: "0123456789abcdef0123", Source: policy.SourceFile})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	mgr := policy.NewManager()
	mgr.Set(snap)

	svc, err := decision.New(decision.Options{
		Logger:   log.Nop(),
		Policies: mgr,
		Store:    store.New(store.Options{Shards: 4}),
	})
	if err != nil {
		t.Fatalf("decision.New: %v", err)
	}

	check, err := checkhttp.New(checkhttp.Options{Logger: log.Nop(), Checker: svc})
	if err != nil {
		t.Fatalf("checkhttp.New: %v", err)
	}

	h := httpserver.NewHandler(httpserver.Options{
		Logger:     log.Nop(),
		Health:     health.Fixed(true, ""),
		Readiness:  health.CheckFunc(func(_ context.Context) error { return mgr.ReadyErr() }),
		APIRoutes:  check.RegisterRoutes,
		PolicyInfo: mgr,
	})
	return h, mgr
}

func checkRequest(h http.Handler, identity, endpoint string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/check-limit", http.NoBody)
	req.Header.Set("ip", identity)
	req.Header.Set("endpoint", endpoint)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestIntegration_CheckLimit(t *testing.T) {
	t.Parallel()
	h, _ := newIntegrationHandler(t)

	for i := range 3 {
		rec := checkRequest(h, "10.0.0.1", "/api/v1/process")
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200", i+1, rec.Code)
		}
		if got, want := rec.Header().Get("rate-limit-remaining"), []string{"2", "1", "0"}[i]; got != want {
			t.Fatalf("request %d: remaining = %q, want %q", i+1, got, want)
		}
	}

	rec := checkRequest(h, "10.0.0.1", "/api/v1/process")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("4th request: status = %d, want 429", rec.Code)
	}
	if ra := rec.Header().Get("Retry-After"); ra == "" || ra == "0" {
		t.Fatalf("Retry-After = %q, want positive seconds", ra)
	}
	var v ratelimit.Verdict
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode verdict: %v", err)
	}
	if v.Allowed || v.Limit != 3 || v.Remaining != 0 || v.Policy != "/api/v1/process" {
		t.Fatalf("verdict = %+v", v)
	}

	// other identities and endpoints have their own state
	if rec := checkRequest(h, "10.0.0.2", "/api/v1/process"); rec.Code != http.StatusOK {
		t.Fatalf("other identity: status = %d, want 200", rec.Code)
	}
	rec = checkRequest(h, "10.0.0.1", "/api/v1/other")
	if rec.Code != http.StatusOK {
		t.Fatalf("other endpoint: status = %d, want 200", rec.Code)
	}
	if got := rec.Header().Get("rate-limit"); got != "100" {
		t.Fatalf("default policy limit = %q, want 100", got)
	}
}

func TestIntegration_ResponseHeaders(t *testing.T) {
	t.Parallel()
	h, _ := newIntegrationHandler(t)

	rec := checkRequest(h, "10.0.0.1", "/api/v1/process")

	for _, name := range []string{
		"Strict-Transport-Security",
		"X-Content-Type-Options",
		"X-Frame-Options",
		"Referrer-Policy",
		"X-Request-Id",
	} {
		if rec.Header().Get(name) == "" {
			t.Errorf("missing header %s", name)
		}
	}
	if got := rec.Header().Get("X-RateLimit-Policy-Version"); got != "0123456789ab" {
		t.Errorf("X-RateLimit-Policy-Version = %q, want first 12 chars of version", got)
	}
	if got := rec.Header().Get("Cache-Control"); got != "no-store" {
		t.Errorf("Cache-Control = %q, want no-store", got)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestIntegration_MissingInputUsesSentinel(t *testing.T) {
	t.Parallel()
	h, _ := newIntegrationHandler(t)

	// no identity or endpoint is still a decision, never an error
	rec := checkRequest(h, "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := rec.Header().Get("X-RateLimit-Policy"); got != "default" {
		t.Fatalf("policy = %q, want default", got)
	}
}

func TestIntegration_HealthAndUnknownRoutes(t *testing.T) {
	t.Parallel()
	h, _ := newIntegrationHandler(t)

	for path, want := range map[string]int{
		"/-/healthy":  http.StatusOK,
		"/-/ready":    http.StatusOK,
		"/nope":       http.StatusNotFound,
		"/check-limi": http.StatusNotFound,
	} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, http.NoBody))
		if rec.Code != want {
			t.Errorf("GET %s: status = %d, want %d", path, rec.Code, want)
		}
	}
}
