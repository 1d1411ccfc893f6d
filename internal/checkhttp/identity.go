package checkhttp

import (
	"fmt"
	"net"
	"net/http"

	"github.com/keithlinneman/linnemanlabs-ratelimit/internal/httpmw"
)

// Request is what the caller asked about, collected from headers, query
// parameters and the JSON body in that order of precedence.
type Request struct {
	Identity string `json:"ip"`
	Endpoint string `json:"endpoint"`
}

// IdentityFunc picks the identity to limit on.
type IdentityFunc func(r *http.Request, req Request) string

const (
	IdentitySourceHeader   = "header"
	IdentitySourceClientIP = "client-ip"
)

// FromRequest limits on the identity the caller sent. This is the normal mode
// when a gateway or middleware asks on behalf of its own clients.
func FromRequest() IdentityFunc {
	return func(_ *http.Request, req Request) string { return req.Identity }
}

// FromClientIP limits on the address of the caller itself, as resolved by
// httpmw.ClientIPWithOptions (trusted hops applied).
func FromClientIP() IdentityFunc {
	return func(r *http.Request, _ Request) string {
		if ip := httpmw.ClientIPFromContext(r.Context()); ip != "" {
			return ip
		}
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			return host
		}
		return r.RemoteAddr
	}
}

// ParseIdentitySource maps the identity-source setting to an IdentityFunc.
func ParseIdentitySource(s string) (IdentityFunc, error) {
	switch s {
	case "", IdentitySourceHeader:
		return FromRequest(), nil
	case IdentitySourceClientIP:
		return FromClientIP(), nil
	}
	return nil, fmt.Errorf("invalid identity source %q (want %s|%s)", s, IdentitySourceHeader, IdentitySourceClientIP)
}
