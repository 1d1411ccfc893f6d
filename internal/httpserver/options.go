package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/linnemanlabs-ratelimit/internal/health"
	"github.com/keithlinneman/linnemanlabs-ratelimit/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-ratelimit/internal/log"
)

// DefaultMaxBodyBytes bounds check request bodies, which only carry an
// identity and an endpoint.
const DefaultMaxBodyBytes = 4 << 10

type Options struct {
	Logger       log.Logger
	Port         int
	UseRecoverMW bool
	OnPanic      func() // called after a recovered panic is logged
	MetricsMW    func(http.Handler) http.Handler
	Health       health.Probe
	Readiness    health.Probe

	// APIRoutes registers the check endpoints on the router
	APIRoutes func(r chi.Router)

	// PolicyInfo adds X-RateLimit-Policy-Version to responses
	PolicyInfo httpmw.PolicyInfo

	ClientIPOpts httpmw.ClientIPOptions

	// MaxBodyBytes defaults to DefaultMaxBodyBytes
	MaxBodyBytes int64
}
