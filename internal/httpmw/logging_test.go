package httpmw

import (
	"bufio"
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/linnemanlabs-ratelimit/internal/log"
)

type logLine struct {
	level string
	msg   string
	kv    []any
}

// recLogger records With fields and log lines. With returns the receiver so
// everything lands in one place.
type recLogger struct {
	mu    sync.Mutex
	lines []logLine
	with  []any
}

func (l *recLogger) With(kv ...any) log.Logger {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.with = append(l.with, kv...)
	return l
}

func (l *recLogger) add(level, msg string, kv []any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, logLine{level: level, msg: msg, kv: kv})
}

func (l *recLogger) Debug(_ context.Context, msg string, kv ...any) { l.add("debug", msg, kv) }
func (l *recLogger) Info(_ context.Context, msg string, kv ...any)  { l.add("info", msg, kv) }
func (l *recLogger) Warn(_ context.Context, msg string, kv ...any)  { l.add("warn", msg, kv) }
func (l *recLogger) Error(_ context.Context, _ error, msg string, kv ...any) {
	l.add("error", msg, kv)
}
func (l *recLogger) Sync() error { return nil }

func (l *recLogger) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.lines)
}

func (l *recLogger) last(t *testing.T) logLine {
	t.Helper()
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.lines) == 0 {
		t.Fatal("nothing logged")
	}
	return l.lines[len(l.lines)-1]
}

func kvGet(kv []any, key string) (any, bool) {
	for i := 0; i+1 < len(kv); i += 2 {
		if k, _ := kv[i].(string); k == key {
			return kv[i+1], true
		}
	}
	return nil, false
}

// serveLogged runs h behind WithLogger and AccessLog.
func serveLogged(L *recLogger, h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	WithLogger(L)(AccessLog()(h)).ServeHTTP(rec, req)
	return rec
}

type flushRec struct {
	*httptest.ResponseRecorder
	flushed bool
}

func (f *flushRec) Flush() { f.flushed = true }

type hijackRec struct {
	*httptest.ResponseRecorder
	hijacked bool
}

func (h *hijackRec) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h.hijacked = true
	return nil, nil, nil
}

func TestStatusWriter(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := &statusWriter{ResponseWriter: rec, ctx: context.Background()}

	if sw.code() != http.StatusOK {
		t.Fatalf("code before write = %d, want 200", sw.code())
	}
	sw.WriteHeader(http.StatusTooManyRequests)
	sw.Write([]byte(`{"allowed":`))
	sw.Write([]byte(`false}`))
	sw.closeSpan()

	if sw.code() != http.StatusTooManyRequests || rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d / %d, want 429", sw.code(), rec.Code)
	}
	if sw.bytes != int64(len(`{"allowed":false}`)) {
		t.Fatalf("bytes = %d", sw.bytes)
	}
	if !sw.spanOpened || sw.span != nil {
		t.Fatal("span should be opened once and nil without a recording parent")
	}
}

func TestStatusWriter_WriteDefaults200(t *testing.T) {
	sw := &statusWriter{ResponseWriter: httptest.NewRecorder(), ctx: context.Background()}
	sw.Write([]byte("ok"))
	if sw.status != http.StatusOK {
		t.Fatalf("status = %d, want 200", sw.status)
	}
}

func TestStatusWriter_FlushHijack(t *testing.T) {
	fr := &flushRec{ResponseRecorder: httptest.NewRecorder()}
	(&statusWriter{ResponseWriter: fr}).Flush()
	if !fr.flushed {
		t.Fatal("Flush not forwarded")
	}

	hr := &hijackRec{ResponseRecorder: httptest.NewRecorder()}
	if _, _, err := (&statusWriter{ResponseWriter: hr}).Hijack(); err != nil || !hr.hijacked {
		t.Fatalf("Hijack not forwarded: %v", err)
	}

	if _, _, err := (&statusWriter{ResponseWriter: httptest.NewRecorder()}).Hijack(); err == nil {
		t.Fatal("expected error when Hijacker unsupported")
	}

	// Flush on a writer without Flusher is a no-op
	(&statusWriter{ResponseWriter: httptest.NewRecorder()}).Flush()
}

func TestSchemeFromRequest(t *testing.T) {
	tests := []struct {
		name string
		xfp  string
		url  string
		tls  bool
		want string
	}{
		{"default", "", "", false, "http"},
		{"tls", "", "", true, "https"},
		{"xfp https", "https", "", false, "https"},
		{"xfp upper", "HTTPS", "", false, "https"},
		{"xfp padded", "  https  ", "", false, "https"},
		{"xfp chain takes first", "https, http", "", false, "https"},
		{"xfp unknown falls through", "ftp", "", false, "http"},
		{"xfp unknown falls to tls", "gopher", "", true, "https"},
		{"xfp injection", "https\r\nX-Evil: 1", "", false, "http"},
		{"xfp null byte", "https\x00", "", false, "http"},
		{"xfp beats tls", "http", "", true, "http"},
		{"url scheme", "", "https", false, "https"},
		{"url scheme unknown", "", "ws", false, "http"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/check-limit", http.NoBody)
			if tt.xfp != "" {
				r.Header["X-Forwarded-Proto"] = []string{tt.xfp}
			}
			r.URL.Scheme = tt.url
			if tt.tls {
				r.TLS = &tls.ConnectionState{}
			}
			if got := schemeFromRequest(r); got != tt.want {
				t.Fatalf("scheme = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestWithLogger_Fields(t *testing.T) {
	L := &recLogger{}
	var sawLogger bool
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawLogger = log.FromContext(r.Context()) == log.Logger(L)
	})

	req := httptest.NewRequest(http.MethodGet, "/check-limit?ip=203.0.113.9&endpoint=/api/v1/login", http.NoBody)
	req.RemoteAddr = "10.0.0.5:41234"
	req.Header.Set("User-Agent", "curl/8")
	req.Header.Set("Cookie", "session=abc")
	ctx := WithRequestID(req.Context(), "req-1")
	ctx = WithClientIP(ctx, "198.51.100.4")
	req = req.WithContext(ctx)

	WithLogger(L)(h).ServeHTTP(httptest.NewRecorder(), req)

	if !sawLogger {
		t.Fatal("handler did not get the request logger")
	}
	want := map[string]any{
		"request_id":           "req-1",
		"client.address":       "198.51.100.4",
		"network.peer.address": "10.0.0.5",
		"http.request.method":  http.MethodGet,
		"url.path":             "/check-limit",
		"url.scheme":           "http",
	}
	for k, v := range want {
		if got, ok := kvGet(L.with, k); !ok || got != v {
			t.Errorf("%s = %v, want %v", k, got, v)
		}
	}
	for _, k := range []string{"url.query", "server.address", "user_agent.original", "http.request.header.cookie"} {
		if _, ok := kvGet(L.with, k); ok {
			t.Errorf("field %s must not be logged", k)
		}
	}
	for _, v := range L.with {
		if s, _ := v.(string); strings.Contains(s, "203.0.113.9") || strings.Contains(s, "session=") {
			t.Errorf("caller supplied value %q leaked into fields", s)
		}
	}
}

func TestWithLogger_ClientFallsBackToPeer(t *testing.T) {
	L := &recLogger{}
	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	req.RemoteAddr = "not-a-hostport"

	WithLogger(L)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})).ServeHTTP(httptest.NewRecorder(), req)

	if got, _ := kvGet(L.with, "client.address"); got != "not-a-hostport" {
		t.Fatalf("client.address = %v", got)
	}
}

func TestAccessLog_RecordsDecision(t *testing.T) {
	L := &recLogger{}
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(HeaderRateLimitReason, "limit_exceeded")
		w.Header().Set(HeaderRateLimitPolicy, "login")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"allowed":false}`))
	})
	req := httptest.NewRequest(http.MethodPost, "/check-limit", strings.NewReader(`{"identity":"u1"}`))

	serveLogged(L, h, req)

	line := L.last(t)
	if line.level != "info" || line.msg != "http request" {
		t.Fatalf("line = %s %q", line.level, line.msg)
	}
	checks := map[string]any{
		"http.response.status_code": http.StatusTooManyRequests,
		"http.response.body.size":   int64(len(`{"allowed":false}`)),
		"http.request.body.size":    int64(len(`{"identity":"u1"}`)),
		"http.route":                "/check-limit",
		"ratelimit.reason":          "limit_exceeded",
		"ratelimit.policy":          "login",
	}
	for k, v := range checks {
		if got, ok := kvGet(line.kv, k); !ok || got != v {
			t.Errorf("%s = %v (%T), want %v", k, got, got, v)
		}
	}
	if d, ok := kvGet(line.kv, "http.server.request.duration"); !ok || d.(float64) < 0 {
		t.Errorf("duration = %v", d)
	}
}

func TestAccessLog_ServerErrorsAtWarn(t *testing.T) {
	L := &recLogger{}
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	serveLogged(L, h, httptest.NewRequest(http.MethodGet, "/check-limit", http.NoBody))

	if line := L.last(t); line.level != "warn" {
		t.Fatalf("level = %s, want warn", line.level)
	}
}

func TestAccessLog_NoRateLimitFieldsWithoutHeaders(t *testing.T) {
	L := &recLogger{}
	serveLogged(L, http.NotFoundHandler(), httptest.NewRequest(http.MethodGet, "/nope", http.NoBody))

	line := L.last(t)
	if _, ok := kvGet(line.kv, "ratelimit.reason"); ok {
		t.Fatal("ratelimit.reason set without header")
	}
	if got, _ := kvGet(line.kv, "http.request.body.size"); got != int64(0) {
		t.Fatalf("body size = %v, want 0", got)
	}
}

func TestAccessLog_SkipsProbes(t *testing.T) {
	for _, p := range []string{"/-/healthy", "/-/ready", "/healthz", "/readyz"} {
		L := &recLogger{}
		serveLogged(L, http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}), httptest.NewRequest(http.MethodGet, p, http.NoBody))
		if L.count() != 0 {
			t.Errorf("%s was logged", p)
		}
	}
}

func TestAccessLog_ChiRoutePattern(t *testing.T) {
	L := &recLogger{}
	r := chi.NewRouter()
	r.Use(AccessLog())
	r.Get("/api/policies/{name}", func(w http.ResponseWriter, r *http.Request) {})

	req := httptest.NewRequest(http.MethodGet, "/api/policies/login", http.NoBody)
	req = req.WithContext(log.WithContext(req.Context(), L))
	r.ServeHTTP(httptest.NewRecorder(), req)

	if got, _ := kvGet(L.last(t).kv, "http.route"); got != "/api/policies/{name}" {
		t.Fatalf("http.route = %v", got)
	}
}

func TestAccessLog_NoLoggerInContext(t *testing.T) {
	rec := httptest.NewRecorder()
	AccessLog()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/check-limit", http.NoBody))

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}
}

func FuzzSchemeFromRequest(f *testing.F) {
	for _, s := range []string{"https", "HTTP", "ftp", "https\r\n", "", " http ,https"} {
		f.Add(s)
	}
	f.Fuzz(func(t *testing.T, xfp string) {
		r := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
		r.Header["X-Forwarded-Proto"] = []string{xfp}
		if got := schemeFromRequest(r); got != "http" && got != "https" {
			t.Fatalf("scheme = %q", got)
		}
	})
}
