package opshttp

import (
	"net/http"
	"net/netip"

	"github.com/keithlinneman/linnemanlabs-ratelimit/internal/log"
)

// requireNonPublicNetwork rejects peers that are not loopback, private or
// link-local. The ops port exposes key state and pprof, it must never be
// reachable from the internet even if a security group is misconfigured.
func requireNonPublicNetwork(L log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ap, err := netip.ParseAddrPort(r.RemoteAddr)
		if err != nil {
			L.Warn(r.Context(), "ops request with unparseable remote addr rejected", "remote_addr", r.RemoteAddr)
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		addr := ap.Addr().Unmap()
		if !addr.IsLoopback() && !addr.IsPrivate() && !addr.IsLinkLocalUnicast() {
			L.Warn(r.Context(), "ops request from public network rejected", "remote_ip", addr.String())
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
