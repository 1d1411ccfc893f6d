package adminhttp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/keithlinneman/linnemanlabs-ratelimit/internal/log"
	"github.com/keithlinneman/linnemanlabs-ratelimit/internal/policy"
	"github.com/keithlinneman/linnemanlabs-ratelimit/internal/ratelimit"
	"github.com/keithlinneman/linnemanlabs-ratelimit/internal/store"
)

var testNow = time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)

func fallbackPolicy() ratelimit.Policy {
	return ratelimit.Policy{Algorithm: ratelimit.AlgorithmSlidingWindow, Limit: 10, Window: time.Second}
}

// testManager returns a manager holding /api/v1/process at 5 per second and
// an /admin/* prefix rule.
func testManager(t *testing.T) *policy.Manager {
	t.Helper()
	doc := &policy.Document{Rules: []ratelimit.PolicySpec{
		{Endpoint: "/api/v1/process", Limit: 5, Window: ratelimit.Duration(time.Second)},
		{Endpoint: "/admin/*", Limit: 2, Window: ratelimit.Duration(time.Minute), Algorithm: ratelimit.AlgorithmTokenBucket},
	}}
	snap, err := policy.Compile(doc, fallbackPolicy(), policy.Meta{
		Version:  "abc123",
		Source:   policy.SourceFile,
		LoadedAt: testNow,
	})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	m := policy.NewManager()
	m.Set(snap)
	return m
}

// consume runs n decisions for identity/endpoint against st.
func consume(t *testing.T, st *store.Store, m *policy.Manager, identity, endpoint string, n int) {
	t.Helper()
	k := ratelimit.DeriveKey(identity, endpoint)
	p, err := m.Resolve(k.Endpoint)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	for range n {
		err := st.Update(k, testNow, func(s *store.Slot) {
			_, s.State, _ = ratelimit.Decide(s.State, p, testNow)
		})
		if err != nil {
			t.Fatalf("Update: %v", err)
		}
	}
}

func newTestAPI(t *testing.T, m *policy.Manager, st *store.Store) http.Handler {
	t.Helper()
	opts := Options{
		Logger: log.Nop(),
		Now:    func() time.Time { return testNow },
	}
	if m != nil {
		opts.Policies = m
	}
	if st != nil {
		opts.Store = st
	}
	return NewAPI(opts).Handler()
}

func get(t *testing.T, h http.Handler, path string, out any) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, http.NoBody))
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Fatalf("Content-Type = %q", ct)
	}
	if out != nil {
		if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
			t.Fatalf("decode %s: %v (body %q)", path, err, rec.Body.String())
		}
	}
	return rec
}

func TestHandlePolicies(t *testing.T) {
	h := newTestAPI(t, testManager(t), nil)

	var resp PoliciesResponse
	rec := get(t, h, "/api/policies", &resp)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if resp.Meta.Version != "abc123" || resp.Meta.Source != policy.SourceFile {
		t.Fatalf("meta = %+v", resp.Meta)
	}
	if len(resp.Rules) != 2 {
		t.Fatalf("rules = %+v, want 2", resp.Rules)
	}
	// exact rules are listed before prefixes
	if resp.Rules[0].Endpoint != "/api/v1/process" || resp.Rules[0].Limit != 5 {
		t.Fatalf("rules[0] = %+v", resp.Rules[0])
	}
	if resp.Rules[1].Algorithm != ratelimit.AlgorithmTokenBucket {
		t.Fatalf("rules[1] = %+v", resp.Rules[1])
	}
	if resp.Default.Limit != 10 {
		t.Fatalf("default = %+v", resp.Default)
	}
	if resp.LongestWindow != "1m0s" {
		t.Fatalf("longest window = %q", resp.LongestWindow)
	}
	if !resp.ServerTime.Equal(testNow) {
		t.Fatalf("server time = %v", resp.ServerTime)
	}
}

func TestHandlePolicies_NoSnapshot(t *testing.T) {
	h := newTestAPI(t, policy.NewManager(), nil)

	var resp errorResponse
	rec := get(t, h, "/api/policies", &resp)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if resp.Error == "" {
		t.Fatal("expected error message")
	}
}

func TestHandleKey_Found(t *testing.T) {
	m := testManager(t)
	st := store.New(store.Options{})
	consume(t, st, m, "10.0.0.1", "/api/v1/process", 3)
	h := newTestAPI(t, m, st)

	var resp KeyResponse
	rec := get(t, h, "/api/keys?ip=10.0.0.1&endpoint=/api/v1/process", &resp)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !resp.Found || resp.Remaining != 2 || resp.Capacity != 5 {
		t.Fatalf("resp = %+v", resp)
	}
	if resp.Policy != "/api/v1/process" || resp.Stale {
		t.Fatalf("policy = %q stale = %v", resp.Policy, resp.Stale)
	}
	if resp.LastAccess == nil || !resp.LastAccess.Equal(testNow) {
		t.Fatalf("last access = %v", resp.LastAccess)
	}
	if want := ratelimit.DeriveKey("10.0.0.1", "/api/v1/process").String(); resp.Key != want {
		t.Fatalf("key = %q, want %q", resp.Key, want)
	}
}

func TestHandleKey_DoesNotConsume(t *testing.T) {
	m := testManager(t)
	st := store.New(store.Options{})
	consume(t, st, m, "10.0.0.1", "/api/v1/process", 1)
	h := newTestAPI(t, m, st)

	for range 10 {
		var resp KeyResponse
		get(t, h, "/api/keys?ip=10.0.0.1&endpoint=/api/v1/process", &resp)
		if resp.Remaining != 4 {
			t.Fatalf("remaining = %d, want 4", resp.Remaining)
		}
	}
}

func TestHandleKey_NotFound(t *testing.T) {
	h := newTestAPI(t, testManager(t), store.New(store.Options{}))

	var resp KeyResponse
	rec := get(t, h, "/api/keys?ip=10.0.0.9&endpoint=/admin/users", &resp)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if resp.Found {
		t.Fatal("found = true for unseen key")
	}
	if resp.Policy != "/admin/*" || resp.Remaining != 2 {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestHandleKey_MissingIP(t *testing.T) {
	h := newTestAPI(t, testManager(t), store.New(store.Options{}))

	rec := get(t, h, "/api/keys?endpoint=/x", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandleKey_StaleAfterPolicyChange(t *testing.T) {
	m := testManager(t)
	st := store.New(store.Options{})
	consume(t, st, m, "10.0.0.1", "/api/v1/process", 1)

	doc := &policy.Document{Rules: []ratelimit.PolicySpec{
		{Endpoint: "/api/v1/process", Limit: 50, Window: ratelimit.Duration(time.Second)},
	}}
	snap, err := policy.Compile(doc, fallbackPolicy(), policy.Meta{Version: "def456", Source: policy.SourceFile})
	if err != nil {
		t.Fatal(err)
	}
	m.Set(snap)

	var resp KeyResponse
	get(t, newTestAPI(t, m, st), "/api/keys?ip=10.0.0.1&endpoint=/api/v1/process", &resp)
	if !resp.Stale {
		t.Fatalf("expected stale state after policy change, got %+v", resp)
	}
}

func TestHandleStore(t *testing.T) {
	m := testManager(t)
	st := store.New(store.Options{Shards: 8, MaxKeys: 100})
	consume(t, st, m, "10.0.0.1", "/api/v1/process", 1)
	consume(t, st, m, "10.0.0.2", "/api/v1/process", 1)
	h := newTestAPI(t, m, st)

	var resp StoreResponse
	rec := get(t, h, "/api/store", &resp)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if resp.Keys != 2 || resp.MaxKeys != 100 || resp.Shards != 8 {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestHandleStore_Draining(t *testing.T) {
	m := testManager(t)
	h := NewAPI(Options{
		Policies: m,
		Store:    store.New(store.Options{Shards: 2}),
		Draining: func() bool { return true },
	}).Handler()

	var resp StoreResponse
	if rec := get(t, h, "/api/store", &resp); rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !resp.Draining {
		t.Fatal("draining not reported")
	}
}

func TestHandleStore_NoStore(t *testing.T) {
	rec := get(t, newTestAPI(t, testManager(t), nil), "/api/store", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestHandleVersion(t *testing.T) {
	var resp map[string]any
	rec := get(t, newTestAPI(t, nil, nil), "/api/version", &resp)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if _, ok := resp["version"]; !ok {
		t.Fatalf("body = %v, want version field", resp)
	}
}

func TestNoCacheHeader(t *testing.T) {
	rec := get(t, newTestAPI(t, testManager(t), nil), "/api/policies", nil)
	if got := rec.Header().Get("Cache-Control"); got != "no-cache" {
		t.Fatalf("Cache-Control = %q", got)
	}
}

func TestHandleLogLevel(t *testing.T) {
	var lv slog.LevelVar
	h := NewAPI(Options{Logger: log.Nop(), LogLevel: &lv}).Handler()

	var got LogLevelResponse
	if rec := get(t, h, "/api/log-level", &got); rec.Code != http.StatusOK || got.Level != "info" {
		t.Fatalf("GET = %d %+v, want 200 info", rec.Code, got)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/api/log-level?level=DEBUG", http.NoBody))
	if rec.Code != http.StatusOK {
		t.Fatalf("PUT status = %d, body %s", rec.Code, rec.Body.String())
	}
	if lv.Level() != slog.LevelDebug {
		t.Fatalf("level = %v, want debug", lv.Level())
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/api/log-level?level=loud", http.NoBody))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad level status = %d, want 400", rec.Code)
	}
	if lv.Level() != slog.LevelDebug {
		t.Fatal("a rejected PUT must not change the level")
	}
}

func TestHandleLogLevel_NotMountedWithoutVar(t *testing.T) {
	h := newTestAPI(t, nil, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/log-level", http.NoBody))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func newRuleAPI(t *testing.T) (http.Handler, *policy.RedisSource, *redis.Client) {
	t.Helper()
	server, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(server.Close)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	src, err := policy.NewRedisSource(policy.RedisSourceOptions{Client: client, Channel: policy.DefaultRedisChannel})
	if err != nil {
		t.Fatalf("NewRedisSource: %v", err)
	}
	h := NewAPI(Options{Logger: log.Nop(), Policies: testManager(t), Rules: src}).Handler()
	return h, src, client
}

func send(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, strings.NewReader(body)))
	return rec
}

func TestHandlePutRule(t *testing.T) {
	h, src, _ := newRuleAPI(t)

	rec := send(h, http.MethodPut, "/api/policies/API/v1/Process", `{"limit":3,"window":"2s","algorithm":"token_bucket"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var got RuleChangeResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.Endpoint != "/api/v1/process" || got.Action != "stored" {
		t.Fatalf("response = %+v", got)
	}

	if rec := send(h, http.MethodPut, "/api/policies/api/*", `{"limit":50,"window":10}`); rec.Code != http.StatusAccepted {
		t.Fatalf("prefix rule status = %d, body %s", rec.Code, rec.Body.String())
	}
	if rec := send(h, http.MethodPut, "/api/policies/default", `{"limit":7,"window":"1m"}`); rec.Code != http.StatusAccepted {
		t.Fatalf("default status = %d, body %s", rec.Code, rec.Body.String())
	}

	snap, err := policy.LoadSnapshot(t.Context(), src, fallbackPolicy())
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	p := snap.Resolve("/api/v1/process")
	if p.Limit != 3 || p.Window != 2*time.Second || p.Algorithm != ratelimit.AlgorithmTokenBucket {
		t.Fatalf("exact rule = %+v", p)
	}
	if p := snap.Resolve("/api/other"); p.Limit != 50 || p.Window != 10*time.Second {
		t.Fatalf("prefix rule = %+v", p)
	}
	if snap.Default.Limit != 7 {
		t.Fatalf("default = %+v", snap.Default)
	}
}

func TestHandlePutRule_Rejects(t *testing.T) {
	h, _, client := newRuleAPI(t)
	tests := []struct {
		name, path, body string
	}{
		{"invalid limit", "/api/policies/a", `{"limit":0,"window":"1s"}`},
		{"no window", "/api/policies/a", `{"limit":5}`},
		{"unknown field", "/api/policies/a", `{"limit":5,"window":"1s","max":9}`},
		{"not json", "/api/policies/a", `limit=5`},
		{"no endpoint", "/api/policies/", `{"limit":5,"window":"1s"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := send(h, http.MethodPut, tt.path, tt.body); rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400 (body %s)", rec.Code, rec.Body.String())
			}
		})
	}
	if n := client.HLen(t.Context(), policy.DefaultRedisKey).Val(); n != 0 {
		t.Fatalf("%d rules stored by rejected requests", n)
	}
}

func TestHandleDeleteRule(t *testing.T) {
	h, _, client := newRuleAPI(t)
	if rec := send(h, http.MethodPut, "/api/policies/api/v1/process", `{"limit":3,"window":"1s"}`); rec.Code != http.StatusAccepted {
		t.Fatalf("put status = %d", rec.Code)
	}

	if rec := send(h, http.MethodDelete, "/api/policies/api/v1/process", ""); rec.Code != http.StatusAccepted {
		t.Fatalf("delete status = %d, body %s", rec.Code, rec.Body.String())
	}
	if n := client.HLen(t.Context(), policy.DefaultRedisKey).Val(); n != 0 {
		t.Fatalf("%d rules left after delete", n)
	}
	if rec := send(h, http.MethodDelete, "/api/policies/api/v1/process", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("second delete status = %d, want 404", rec.Code)
	}
}

type failingRules struct{}

func (failingRules) PutRule(context.Context, ratelimit.PolicySpec) (string, error) {
	return "", errors.New("connection refused")
}

func (failingRules) DeleteRule(_ context.Context, e string) (string, bool, error) {
	return e, false, errors.New("connection refused")
}

func TestRuleWrites_StoreDown(t *testing.T) {
	h := NewAPI(Options{Logger: log.Nop(), Rules: failingRules{}}).Handler()
	if rec := send(h, http.MethodPut, "/api/policies/a", `{"limit":5,"window":"1s"}`); rec.Code != http.StatusBadGateway {
		t.Fatalf("put status = %d, want 502", rec.Code)
	}
	if rec := send(h, http.MethodDelete, "/api/policies/a", ""); rec.Code != http.StatusBadGateway {
		t.Fatalf("delete status = %d, want 502", rec.Code)
	}
}

func TestRuleWrites_NotMountedWithoutWriter(t *testing.T) {
	h := newTestAPI(t, testManager(t), nil)
	rec := send(h, http.MethodPut, "/api/policies/a", `{"limit":5,"window":"1s"}`)
	if rec.Code != http.StatusNotFound && rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 404 or 405", rec.Code)
	}
}
