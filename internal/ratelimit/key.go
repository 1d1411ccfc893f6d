package ratelimit

import (
	"net"
	"net/netip"
	"path"
	"strings"
)

// Unknown is used in place of a missing or unusable identity or endpoint.
// Requests with bad input still get limited, they just share a key.
const Unknown = "unknown"

// Key identifies one limiter. Comparable, safe to use as a map key.
type Key struct {
	Identity string
	Endpoint string
}

func (k Key) String() string { return k.Identity + "|" + k.Endpoint }

// DeriveKey normalizes the raw identity and endpoint into a Key. It never
// fails; anything it can't make sense of becomes Unknown.
func DeriveKey(identity, endpoint string) Key {
	return Key{
		Identity: NormalizeIdentity(identity),
		Endpoint: NormalizeEndpoint(endpoint),
	}
}

// NormalizeIdentity canonicalizes a client identity. IP addresses (with or
// without port or zone, IPv4-mapped IPv6 included) collapse to their canonical
// text form, anything else is trimmed and lowercased.
func NormalizeIdentity(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return Unknown
	}
	if addr, ok := parseAddr(s); ok {
		return addr.String()
	}
	return strings.ToLower(s)
}

func parseAddr(s string) (netip.Addr, bool) {
	if ap, err := netip.ParseAddrPort(s); err == nil {
		return canonAddr(ap.Addr()), true
	}
	if a, err := netip.ParseAddr(strings.Trim(s, "[]")); err == nil {
		return canonAddr(a), true
	}
	// host:port where the port isn't numeric or the host has a zone
	if host, _, err := net.SplitHostPort(s); err == nil {
		if a, err := netip.ParseAddr(host); err == nil {
			return canonAddr(a), true
		}
	}
	return netip.Addr{}, false
}

func canonAddr(a netip.Addr) netip.Addr {
	return a.WithZone("").Unmap()
}

// NormalizeEndpoint canonicalizes a request path: query and fragment are
// dropped, case is folded, duplicate slashes and dot segments are cleaned and
// a trailing slash is removed (except for the root).
func NormalizeEndpoint(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexAny(s, "?#"); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return Unknown
	}
	s = strings.ToLower(s)
	if !strings.HasPrefix(s, "/") {
		s = "/" + s
	}
	// path.Clean also strips the trailing slash
	return path.Clean(s)
}
