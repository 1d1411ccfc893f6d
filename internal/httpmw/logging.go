package httpmw

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/linnemanlabs-ratelimit/internal/log"
)

const tracerName = "linnemanlabs-ratelimit/httpmw"

// Response headers set by the check handler that the access log picks up.
const (
	HeaderRateLimitReason = "X-RateLimit-Reason"
	HeaderRateLimitPolicy = "X-RateLimit-Policy"
)

// quietPaths are probe endpoints polled by load balancers, not worth a log line.
var quietPaths = map[string]struct{}{
	"/-/healthy": {},
	"/-/ready":   {},
	"/healthz":   {},
	"/readyz":    {},
}

// statusWriter records status and size, and times the response write in its
// own span when the request is being traced.
type statusWriter struct {
	http.ResponseWriter
	status int
	bytes  int64

	ctx   context.Context
	start time.Time

	span       trace.Span
	spanOpened bool
	ttfb       time.Duration
	blocked    time.Duration
	writeErr   error
}

func (sw *statusWriter) openSpan() {
	if sw.spanOpened {
		return
	}
	sw.spanOpened = true
	sw.ttfb = time.Since(sw.start)

	if parent := trace.SpanFromContext(sw.ctx); !parent.IsRecording() {
		return
	}
	sw.ctx, sw.span = otel.Tracer(tracerName).Start(sw.ctx, "response.write",
		trace.WithAttributes(attribute.Float64("http.server.ttfb_seconds", sw.ttfb.Seconds())),
	)
}

func (sw *statusWriter) closeSpan() {
	if sw.span == nil {
		return
	}
	sw.span.SetAttributes(
		attribute.Int("http.response.status_code", sw.code()),
		attribute.Int64("http.response.body.size", sw.bytes),
		attribute.Float64("http.server.write.block_seconds", sw.blocked.Seconds()),
	)
	if sw.writeErr != nil {
		sw.span.RecordError(sw.writeErr)
		sw.span.SetStatus(codes.Error, sw.writeErr.Error())
	}
	sw.span.End()
}

func (sw *statusWriter) code() int {
	if sw.status == 0 {
		return http.StatusOK
	}
	return sw.status
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.openSpan()
	sw.status = code
	t := time.Now()
	sw.ResponseWriter.WriteHeader(code)
	sw.blocked += time.Since(t)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	sw.openSpan()
	if sw.status == 0 {
		sw.status = http.StatusOK
	}
	t := time.Now()
	n, err := sw.ResponseWriter.Write(b)
	sw.blocked += time.Since(t)
	sw.bytes += int64(n)
	if err != nil && sw.writeErr == nil {
		sw.writeErr = err
	}
	return n, err
}

func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sw *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := sw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("underlying ResponseWriter does not implement http.Hijacker")
	}
	return h.Hijack()
}

// WithLogger stores a request-scoped logger in the context. Only values the
// server derived itself are attached: the query string carries caller
// identities and endpoint names, so it stays out of logs and spans.
func WithLogger(base log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			reqID := RequestIDFromContext(ctx)

			peer := r.RemoteAddr
			if host, _, err := net.SplitHostPort(peer); err == nil {
				peer = host
			}
			client := ClientIPFromContext(ctx)
			if client == "" {
				client = peer
			}
			scheme := schemeFromRequest(r)

			if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
				span.SetAttributes(
					attribute.String("request_id", reqID),
					attribute.String("client.address", client),
					attribute.String("network.peer.address", peer),
					attribute.String("url.scheme", scheme),
				)
			}

			L := base.With(
				"request_id", reqID,
				"client.address", client,
				"network.peer.address", peer,
				"http.request.method", r.Method,
				"url.path", r.URL.Path,
				"url.scheme", scheme,
			)
			next.ServeHTTP(w, r.WithContext(log.WithContext(ctx, L)))
		})
	}
}

// AccessLog writes one line per request once the handler returns. Probe
// endpoints are skipped. Rate limit outcomes reported by the check handler
// through response headers are included.
func AccessLog() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, ctx: r.Context(), start: start}

			next.ServeHTTP(sw, r)
			sw.closeSpan()

			if _, quiet := quietPaths[r.URL.Path]; quiet {
				return
			}

			ctx := r.Context()
			route := r.URL.Path
			if rc := chi.RouteContext(ctx); rc != nil {
				if p := rc.RoutePattern(); p != "" {
					route = p
				}
			}

			fields := []any{
				"http.response.status_code", sw.code(),
				"http.server.request.duration", time.Since(start).Seconds(),
				"http.response.body.size", sw.bytes,
				"http.request.body.size", max(r.ContentLength, 0),
				"http.route", route,
			}
			if reason := sw.Header().Get(HeaderRateLimitReason); reason != "" {
				fields = append(fields, "ratelimit.reason", reason)
			}
			if p := sw.Header().Get(HeaderRateLimitPolicy); p != "" {
				fields = append(fields, "ratelimit.policy", p)
			}

			L := log.FromContext(ctx)
			if sw.code() >= http.StatusInternalServerError {
				L.Warn(ctx, "http request", fields...)
				return
			}
			L.Info(ctx, "http request", fields...)
		})
	}
}

// schemeFromRequest reports http or https. X-Forwarded-Proto is only
// present when ClientIP kept it (trusted proxy), and only the two known
// values are accepted from it.
func schemeFromRequest(r *http.Request) string {
	if xf := r.Header.Get("X-Forwarded-Proto"); xf != "" {
		first, _, _ := strings.Cut(xf, ",")
		if s := strings.ToLower(strings.TrimSpace(first)); s == "http" || s == "https" {
			return s
		}
	}
	if r.URL != nil {
		if s := strings.ToLower(r.URL.Scheme); s == "http" || s == "https" {
			return s
		}
	}
	if r.TLS != nil {
		return "https"
	}
	return "http"
}
