package httpmw

import (
	"context"
	"net/http"
	"net/netip"
	"strings"
)

type clientIPKey struct{}

// ClientIPOptions configures which peers may tell us the client address.
type ClientIPOptions struct {
	// TrustedHops is the number of trusted reverse proxies between the client
	// and this server. 0 ignores X-Forwarded-For, 1 takes the rightmost entry
	// (single ALB), 2 the second from the end (CDN + ALB), and so on.
	TrustedHops int
	// TrustedProxies are the peer networks allowed to set X-Forwarded-For.
	// Empty means the private ranges (10/8, 172.16/12, 192.168/16, fc00::/7).
	TrustedProxies []netip.Prefix
}

func (o ClientIPOptions) trusts(peer netip.Addr) bool {
	if len(o.TrustedProxies) == 0 {
		return peer.IsPrivate()
	}
	for _, p := range o.TrustedProxies {
		if p.Contains(peer) {
			return true
		}
	}
	return false
}

// ClientIP resolves the client address from RemoteAddr only.
func ClientIP(next http.Handler) http.Handler {
	return ClientIPWithOptions(ClientIPOptions{})(next)
}

// ClientIPWithOptions stores the resolved client address in the request
// context. Rate limiting and audit records key on it, so forwarded headers
// from untrusted peers are deleted rather than passed on.
func ClientIPWithOptions(opts ClientIPOptions) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := WithClientIP(r.Context(), resolveClientAddr(r, opts))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func dropForwarded(h http.Header) {
	h.Del("X-Forwarded-For")
	h.Del("X-Forwarded-Proto")
}

// resolveClientAddr returns the peer address, or the X-Forwarded-For entry
// TrustedHops from the end when the peer is a trusted proxy. IPv4-mapped IPv6
// addresses are reported as IPv4 so one client never gets two identities.
func resolveClientAddr(r *http.Request, opts ClientIPOptions) string {
	if r.RemoteAddr == "" {
		return "0.0.0.0"
	}

	var peer netip.Addr
	if ap, err := netip.ParseAddrPort(r.RemoteAddr); err == nil {
		peer = ap.Addr()
	} else if a, err := netip.ParseAddr(r.RemoteAddr); err == nil {
		// no port, e.g. a test server or unix socket shim
		peer = a
	} else {
		dropForwarded(r.Header)
		if strings.Contains(r.RemoteAddr, ":") {
			return "0.0.0.0"
		}
		return r.RemoteAddr
	}
	peer = peer.Unmap()

	if opts.TrustedHops <= 0 || !opts.trusts(peer) {
		dropForwarded(r.Header)
		return peer.String()
	}

	xff := r.Header.Get("X-Forwarded-For")
	if xff == "" {
		return peer.String()
	}
	parts := strings.Split(xff, ",")
	idx := len(parts) - opts.TrustedHops
	if idx < 0 {
		// fewer entries than proxies: misconfigured or forged, fail closed
		dropForwarded(r.Header)
		return peer.String()
	}
	if a, err := netip.ParseAddr(strings.TrimSpace(parts[idx])); err == nil {
		return a.Unmap().String()
	}
	return peer.String()
}

func ClientIPFromContext(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPKey{}).(string)
	return ip
}

func WithClientIP(ctx context.Context, ip string) context.Context {
	if ip == "" {
		return ctx
	}
	return context.WithValue(ctx, clientIPKey{}, ip)
}
