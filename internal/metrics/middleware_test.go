package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/trace"
)

func labelsOf(t *testing.T, m *ServerMetrics, name string) []map[string]string {
	t.Helper()
	f := gatherMetric(t, m.reg, name)
	if f == nil {
		return nil
	}
	var out []map[string]string
	for _, mt := range f.GetMetric() {
		l := map[string]string{}
		for _, lp := range mt.GetLabel() {
			l[lp.GetName()] = lp.GetValue()
		}
		out = append(out, l)
	}
	return out
}

// checkRouter mimics the public listener: metrics outside, chi inside.
func checkRouter(m *ServerMetrics) http.Handler {
	r := chi.NewRouter()
	r.Get("/check-limit", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("ip") == "blocked" {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"allowed":true}`))
	})
	r.Get("/api/policies/{name}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	return m.Middleware(r)
}

func TestMiddleware_RouteLabels(t *testing.T) {
	m := New()
	h := checkRouter(m)
	for _, target := range []string{
		"/check-limit?ip=a",
		"/check-limit?ip=blocked",
		"/api/policies/login",
		"/api/policies/signup",
		"/random/path/123",
	} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, target, http.NoBody))
	}

	got := map[string]bool{}
	for _, l := range labelsOf(t, m, "http_requests_total") {
		got[l["route"]+" "+l["status"]] = true
	}
	for _, want := range []string{
		"/check-limit 200",
		"/check-limit 429",
		"/api/policies/{name} 500",
		"unmatched 404",
	} {
		if !got[want] {
			t.Errorf("missing series %q, have %v", want, got)
		}
	}
	if len(got) != 4 {
		t.Errorf("series = %v, raw paths leaked into labels", got)
	}
	if n := counterValue(t, m.reg, "http_errors_total"); n != 2 {
		t.Errorf("http_errors_total = %v, want 2 (429 and 404 excluded)", n)
	}
	if n := histogramCount(t, m.reg, "http_request_duration_seconds"); n == 0 {
		t.Error("no latency observed")
	}
}

func TestMiddleware_DefaultsAndPassthrough(t *testing.T) {
	m := New()
	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// neither WriteHeader nor Write
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/check-limit", http.NoBody))

	l := labelsOf(t, m, "http_requests_total")
	if len(l) != 1 || l[0]["status"] != "200" || l[0]["method"] != http.MethodPost {
		t.Fatalf("labels = %v", l)
	}
	if gatherMetric(t, m.reg, "http_errors_total") != nil {
		t.Fatal("errors counted for a 200")
	}
}

func TestMiddleware_ResponseSize(t *testing.T) {
	m := New()
	body := `{"allowed":true,"limit":100,"remaining":99}`
	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body[:10]))
		w.Write([]byte(body[10:]))
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/check-limit", http.NoBody))

	if rec.Body.String() != body {
		t.Fatalf("body altered: %q", rec.Body.String())
	}
	f := gatherMetric(t, m.reg, "http_response_size_bytes")
	if f == nil {
		t.Fatal("http_response_size_bytes missing")
	}
	if got := f.GetMetric()[0].GetHistogram().GetSampleSum(); got != float64(len(body)) {
		t.Fatalf("size sum = %v, want %d", got, len(body))
	}
}

func TestMiddleware_Inflight(t *testing.T) {
	m := New()
	var during float64
	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		during = gatherMetric(t, m.reg, "http_inflight_requests").GetMetric()[0].GetGauge().GetValue()
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", http.NoBody))

	after := gatherMetric(t, m.reg, "http_inflight_requests").GetMetric()[0].GetGauge().GetValue()
	if during != 1 || after != 0 {
		t.Fatalf("inflight during = %v after = %v", during, after)
	}
}

func TestTraceExemplar(t *testing.T) {
	tid, _ := trace.TraceIDFromHex("0102030405060708090a0b0c0d0e0f10")
	sid, _ := trace.SpanIDFromHex("0102030405060708")
	ctxWith := func(flags trace.TraceFlags) context.Context {
		sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: tid, SpanID: sid, TraceFlags: flags})
		return trace.ContextWithSpanContext(context.Background(), sc)
	}

	if ex := traceExemplar(ctxWith(trace.FlagsSampled)); ex["trace_id"] != tid.String() {
		t.Fatalf("sampled exemplar = %v", ex)
	}
	if ex := traceExemplar(ctxWith(0)); ex != nil {
		t.Fatalf("unsampled exemplar = %v", ex)
	}
	if ex := traceExemplar(context.Background()); ex != nil {
		t.Fatalf("no trace exemplar = %v", ex)
	}
}
