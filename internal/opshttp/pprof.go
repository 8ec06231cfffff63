package opshttp

import (
	"net/http"
	"net/http/pprof"
	"net/netip"

	"github.com/keithlinneman/reqguard/internal/log"
)

// RegisterPprof mounts the runtime profiling handlers on mux.
func RegisterPprof(mux *http.ServeMux) {
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
}

// adminPeer reports whether addr may reach the admin listener: loopback,
// private or link-local only. X-Forwarded-For is never consulted here.
func adminPeer(remoteAddr string) (netip.Addr, bool) {
	ap, err := netip.ParseAddrPort(remoteAddr)
	if err != nil {
		return netip.Addr{}, false
	}
	ip := ap.Addr().Unmap()
	return ip, ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast()
}

// requireNonPublicNetwork keeps the snapshot, metrics and pprof off the
// internet even if a security group is misconfigured.
func requireNonPublicNetwork(L log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip, ok := adminPeer(r.RemoteAddr)
		if !ok {
			L.Warn(r.Context(), "admin request from public or unparseable peer rejected",
				"remote_addr", r.RemoteAddr, "remote_ip", ip.String(), "path", r.URL.Path)
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
