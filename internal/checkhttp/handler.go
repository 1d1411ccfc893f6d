// Package checkhttp serves the /check-limit decision endpoint.
//
// A caller (usually an API gateway or a middleware in front of an API) asks
// whether an identity may call an endpoint. The answer is carried both in
// the status code (200 allowed, 429 denied, 503 no decision) and in headers
// so callers can forward them to their own clients unchanged.
package checkhttp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/linnemanlabs-ratelimit/internal/decision"
	"github.com/keithlinneman/linnemanlabs-ratelimit/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-ratelimit/internal/log"
	"github.com/keithlinneman/linnemanlabs-ratelimit/internal/ratelimit"
	"github.com/keithlinneman/linnemanlabs-ratelimit/internal/xerrors"
)

const (
	DefaultIdentityHeader = "ip"
	DefaultEndpointHeader = "endpoint"

	// response headers, the lowercase pair is what existing callers read
	HeaderLimit            = "rate-limit"
	HeaderRemaining        = "rate-limit-remaining"
	HeaderXLimit           = "X-RateLimit-Limit"
	HeaderXRemaining       = "X-RateLimit-Remaining"
	HeaderXReason          = httpmw.HeaderRateLimitReason
	HeaderXPolicy          = httpmw.HeaderRateLimitPolicy
	HeaderRetryAfter       = "Retry-After"
	ReasonUnavailable      = "unavailable"
	contentTypeJSON        = "application/json; charset=utf-8"
	maxIdentityOrEndpoint  = 1024
	unavailableBody        = `{"error":"unavailable"}` + "\n"
	unavailableRetrySecond = "1"
)

// Paths the check endpoint answers on.
var Paths = []string{"/check-limit", "/rate-limiter/check", "/v1/check"}

// Checker is implemented by decision.Service.
type Checker interface {
	Check(ctx context.Context, identity, endpoint string) (ratelimit.Verdict, error)
}

type Options struct {
	Logger  log.Logger
	Checker Checker

	// IdentityHeader and EndpointHeader default to "ip" and "endpoint".
	IdentityHeader string
	EndpointHeader string

	// Identity defaults to FromRequest.
	Identity IdentityFunc
}

type Handler struct {
	logger         log.Logger
	checker        Checker
	identityHeader string
	endpointHeader string
	identity       IdentityFunc
}

func New(opts Options) (*Handler, error) {
	if opts.Checker == nil {
		return nil, xerrors.New("checkhttp: checker is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.IdentityHeader == "" {
		opts.IdentityHeader = DefaultIdentityHeader
	}
	if opts.EndpointHeader == "" {
		opts.EndpointHeader = DefaultEndpointHeader
	}
	if opts.Identity == nil {
		opts.Identity = FromRequest()
	}
	return &Handler{
		logger:         opts.Logger,
		checker:        opts.Checker,
		identityHeader: opts.IdentityHeader,
		endpointHeader: opts.EndpointHeader,
		identity:       opts.Identity,
	}, nil
}

// RegisterRoutes attaches GET and POST on every path in Paths.
func (h *Handler) RegisterRoutes(r chi.Router) {
	for _, p := range Paths {
		r.Get(p, h.ServeHTTP)
		r.Post(p, h.ServeHTTP)
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	req := h.parse(r)
	identity := h.identity(r, req)

	v, err := h.checker.Check(ctx, identity, req.Endpoint)
	status := decision.StatusFor(v, err)

	if span := trace.SpanFromContext(ctx); span != nil && span.IsRecording() {
		span.SetAttributes(
			attribute.Int("ratelimit.status", status),
			attribute.String("ratelimit.reason", reasonOf(v, err)),
			attribute.String("ratelimit.policy", v.Policy),
		)
	}

	hdr := w.Header()
	hdr.Set("Cache-Control", "no-store")

	if err != nil {
		// decision already logged the cause
		hdr.Set("Content-Type", contentTypeJSON)
		hdr.Set(HeaderXReason, ReasonUnavailable)
		hdr.Set(HeaderRetryAfter, unavailableRetrySecond)
		w.WriteHeader(status)
		_, _ = io.WriteString(w, unavailableBody)
		return
	}

	limit := strconv.Itoa(v.Limit)
	remaining := strconv.Itoa(v.Remaining)
	hdr.Set(HeaderLimit, limit)
	hdr.Set(HeaderRemaining, remaining)
	hdr.Set(HeaderXLimit, limit)
	hdr.Set(HeaderXRemaining, remaining)
	hdr.Set(HeaderXReason, string(v.Reason))
	if v.Policy != "" {
		hdr.Set(HeaderXPolicy, v.Policy)
	}
	if !v.Allowed {
		hdr.Set(HeaderRetryAfter, strconv.FormatInt(RetryAfterSeconds(v.RetryAfterMillis), 10))
	}

	hdr.Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn(ctx, "failed to encode verdict", "error", err)
	}
}

// parse collects identity and endpoint. Missing or malformed parts are left
// empty, key derivation maps them to the unknown sentinel.
func (h *Handler) parse(r *http.Request) Request {
	req := Request{
		Identity: r.Header.Get(h.identityHeader),
		Endpoint: r.Header.Get(h.endpointHeader),
	}

	if req.Identity == "" || req.Endpoint == "" {
		q := r.URL.Query()
		if req.Identity == "" {
			req.Identity = q.Get("ip")
		}
		if req.Endpoint == "" {
			req.Endpoint = q.Get("endpoint")
		}
	}

	if (req.Identity == "" || req.Endpoint == "") && r.Method == http.MethodPost && r.Body != nil {
		var body Request
		err := json.NewDecoder(r.Body).Decode(&body)
		switch {
		case err == nil:
			if req.Identity == "" {
				req.Identity = body.Identity
			}
			if req.Endpoint == "" {
				req.Endpoint = body.Endpoint
			}
		case errors.Is(err, io.EOF):
		default:
			h.logger.Debug(r.Context(), "ignoring unreadable check request body", "error", err)
		}
	}

	req.Identity = clip(req.Identity)
	req.Endpoint = clip(req.Endpoint)
	return req
}

// clip bounds attacker-controlled input before it becomes a map key.
func clip(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxIdentityOrEndpoint {
		return s
	}
	// cut on a rune boundary
	n := maxIdentityOrEndpoint
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// RetryAfterSeconds converts a retry hint to whole seconds for Retry-After,
// rounding up and never returning less than 1.
func RetryAfterSeconds(ms int64) int64 {
	if ms <= 0 {
		return 1
	}
	return max(1, int64(math.Ceil(float64(ms)/1000)))
}

func reasonOf(v ratelimit.Verdict, err error) string {
	if err != nil {
		return ReasonUnavailable
	}
	return string(v.Reason)
}
