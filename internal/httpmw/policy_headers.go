package httpmw

import (
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// PolicyInfo reports the version of the active rule set
type PolicyInfo interface {
	Version() string
}

// PolicyHeaders middleware adds X-RateLimit-Policy-Version to all responses
// once a rule set has been loaded
func PolicyHeaders(info PolicyInfo) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if info != nil {
				if v := info.Version(); v != "" {
					// versions are usually content hashes, keep the header short
					short := v
					if len(short) > 12 {
						short = short[:12]
					}
					w.Header().Set("X-RateLimit-Policy-Version", short)

					if span := trace.SpanFromContext(r.Context()); span != nil && span.IsRecording() {
						span.SetAttributes(attribute.String("ratelimit.policy_version", v))
					}
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
