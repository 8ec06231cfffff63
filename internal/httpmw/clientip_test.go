package httpmw

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
)

func resolve(remoteAddr, xff string, opts ClientIPOptions) (string, *http.Request) {
	r := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	r.RemoteAddr = remoteAddr
	if xff != "" {
		r.Header.Set("X-Forwarded-For", xff)
		r.Header.Set("X-Forwarded-Proto", "https")
	}
	return resolveClientAddr(r, opts), r
}

func TestResolveClientAddr(t *testing.T) {
	alb := ClientIPOptions{TrustedHops: 1}
	cdn := ClientIPOptions{TrustedHops: 2}
	edge := ClientIPOptions{TrustedHops: 1, TrustedProxies: []netip.Prefix{netip.MustParsePrefix("198.18.0.0/15")}}

	tests := []struct {
		name       string
		remoteAddr string
		xff        string
		opts       ClientIPOptions
		want       string
		keepsXFF   bool
	}{
		{"no hops ignores xff", "10.0.0.1:1234", "203.0.113.9", ClientIPOptions{}, "10.0.0.1", false},
		{"public peer never trusted", "203.0.113.1:443", "192.0.2.7", alb, "203.0.113.1", false},
		{"loopback is not a private proxy", "127.0.0.1:80", "192.0.2.7", alb, "127.0.0.1", false},
		{"alb rightmost entry", "10.0.0.1:1234", "198.51.100.1, 203.0.113.50", alb, "203.0.113.50", true},
		{"cdn second from end", "10.0.0.1:1234", "203.0.113.50, 198.51.100.7, 10.0.0.2", cdn, "198.51.100.7", true},
		{"too few entries fails closed", "10.0.0.1:1234", "203.0.113.50", cdn, "10.0.0.1", false},
		{"private peer without xff", "192.168.1.4:9000", "", alb, "192.168.1.4", false},
		{"garbage xff entry falls back", "10.0.0.1:1234", "not-an-ip", alb, "10.0.0.1", true},
		{"xff with port falls back", "10.0.0.1:1234", "203.0.113.5:8080", alb, "10.0.0.1", true},
		{"custom proxy range trusted", "198.18.3.4:443", "203.0.113.77", edge, "203.0.113.77", true},
		{"custom range excludes private", "10.0.0.1:443", "203.0.113.77", edge, "10.0.0.1", false},
		{"ipv4-mapped peer unmapped", "[::ffff:10.0.0.1]:80", "", ClientIPOptions{}, "10.0.0.1", false},
		{"ipv4-mapped xff unmapped", "10.0.0.1:80", "::ffff:203.0.113.8", alb, "203.0.113.8", true},
		{"ipv6 private proxy", "[fd00::1]:443", "2001:db8::1", alb, "2001:db8::1", true},
		{"no port", "203.0.113.1", "", ClientIPOptions{}, "203.0.113.1", false},
		{"garbage remote addr kept", "not-an-ip", "", ClientIPOptions{}, "not-an-ip", false},
		{"unparseable host", "example.com:80", "", ClientIPOptions{}, "0.0.0.0", false},
		{"empty remote addr", "", "", ClientIPOptions{}, "0.0.0.0", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, r := resolve(tt.remoteAddr, tt.xff, tt.opts)
			if got != tt.want {
				t.Fatalf("client = %q, want %q", got, tt.want)
			}
			if tt.xff == "" {
				return
			}
			if kept := r.Header.Get("X-Forwarded-For") != ""; kept != tt.keepsXFF {
				t.Fatalf("X-Forwarded-For kept = %v, want %v", kept, tt.keepsXFF)
			}
			if !tt.keepsXFF && r.Header.Get("X-Forwarded-Proto") != "" {
				t.Fatal("X-Forwarded-Proto should be dropped with X-Forwarded-For")
			}
		})
	}
}

func TestClientIPWithOptions_StoresInContext(t *testing.T) {
	var got string
	h := ClientIPWithOptions(ClientIPOptions{TrustedHops: 1})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = ClientIPFromContext(r.Context())
	}))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.1:5555"
	r.Header.Set("X-Forwarded-For", "203.0.113.50")
	h.ServeHTTP(httptest.NewRecorder(), r)

	if got != "203.0.113.50" {
		t.Fatalf("ClientIPFromContext = %q", got)
	}
}

func TestWithClientIP(t *testing.T) {
	ctx := context.Background()
	if WithClientIP(ctx, "") != ctx {
		t.Fatal("empty ip should leave ctx untouched")
	}
	if got := ClientIPFromContext(WithClientIP(ctx, "192.0.2.1")); got != "192.0.2.1" {
		t.Fatalf("got %q", got)
	}
	if got := ClientIPFromContext(ctx); got != "" {
		t.Fatalf("missing key: got %q", got)
	}
}

func FuzzResolveClientAddr(f *testing.F) {
	f.Add("10.0.0.1:8080", "203.0.113.50, 10.0.0.1", 1)
	f.Add("garbage", "", 0)
	f.Add("[::1]:8080", "2001:db8::1", 1)
	f.Add("10.0.0.1:1234", "a, b, c", 2)
	f.Fuzz(func(t *testing.T, remoteAddr, xff string, hops int) {
		if hops < 0 || hops > 10 {
			return
		}
		if got, _ := resolve(remoteAddr, xff, ClientIPOptions{TrustedHops: hops}); got == "" && remoteAddr != "" {
			t.Fatalf("empty client for %q", remoteAddr)
		}
	})
}
