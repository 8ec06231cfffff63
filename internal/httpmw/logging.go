package httpmw

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/felixge/httpsnoop"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/reqguard/internal/log"
)

// writeTrace follows the response as it is written. A "response.write" child
// span opens on the first header or body write so slow clients show up as
// time blocked in the span rather than in the gateway stages.
type writeTrace struct {
	ctx   context.Context
	start time.Time

	span    trace.Span
	begun   bool
	status  int
	bytes   int64
	blocked time.Duration
	err     error
}

func (t *writeTrace) begin() {
	if t.begun {
		return
	}
	t.begun = true
	parent := trace.SpanFromContext(t.ctx)
	if !parent.IsRecording() {
		return
	}
	_, t.span = otel.Tracer("reqguard/httpmw").Start(t.ctx, "response.write",
		trace.WithAttributes(attribute.Float64("http.server.ttfb_seconds", time.Since(t.start).Seconds())),
	)
}

func (t *writeTrace) wrote(n int64, err error, took time.Duration) {
	if t.status == 0 {
		t.status = http.StatusOK
	}
	t.bytes += n
	t.blocked += took
	if err != nil && t.err == nil {
		t.err = err
	}
}

func (t *writeTrace) finish() {
	if t.status == 0 {
		t.status = http.StatusOK
	}
	if t.span == nil {
		return
	}
	t.span.SetAttributes(
		attribute.Int("http.response.status_code", t.status),
		attribute.Int64("http.response.body.size", t.bytes),
		attribute.Float64("http.server.write.block_seconds", t.blocked.Seconds()),
	)
	if t.err != nil {
		t.span.RecordError(t.err)
		t.span.SetStatus(codes.Error, t.err.Error())
	}
	t.span.End()
}

// wrap returns w with write hooks installed. httpsnoop keeps whichever of
// Flusher, Hijacker and ReaderFrom the underlying writer implements.
func (t *writeTrace) wrap(w http.ResponseWriter) http.ResponseWriter {
	return httpsnoop.Wrap(w, httpsnoop.Hooks{
		WriteHeader: func(next httpsnoop.WriteHeaderFunc) httpsnoop.WriteHeaderFunc {
			return func(code int) {
				t.begin()
				// 1xx responses are followed by the real status
				if t.status == 0 && code >= 200 {
					t.status = code
				}
				start := time.Now()
				next(code)
				t.blocked += time.Since(start)
			}
		},
		Write: func(next httpsnoop.WriteFunc) httpsnoop.WriteFunc {
			return func(b []byte) (int, error) {
				t.begin()
				start := time.Now()
				n, err := next(b)
				t.wrote(int64(n), err, time.Since(start))
				return n, err
			}
		},
		ReadFrom: func(next httpsnoop.ReadFromFunc) httpsnoop.ReadFromFunc {
			return func(src io.Reader) (int64, error) {
				t.begin()
				start := time.Now()
				n, err := next(src)
				t.wrote(n, err, time.Since(start))
				return n, err
			}
		},
	})
}

// peerAddress strips the port from RemoteAddr.
func peerAddress(remote string) string {
	if ap, err := netip.ParseAddrPort(remote); err == nil {
		return ap.Addr().Unmap().String()
	}
	if host, _, err := net.SplitHostPort(remote); err == nil {
		return host
	}
	return remote
}

// WithLogger stores a request-scoped logger in the context. The fields are
// derived from connection state and middleware annotations only; query
// strings, host and headers are client controlled and stay out of the logs.
func WithLogger(base log.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			reqID := RequestIDFromContext(ctx)
			peer := peerAddress(r.RemoteAddr)

			// ClientIP runs outside us and has already applied the proxy trust policy
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

// quietPaths are probed constantly and never access logged.
var quietPaths = map[string]bool{
	"/-/ready":   true,
	"/-/healthy": true,
}

// AccessLog writes one line per request once the response is complete.
// Server errors are logged at warn so they survive an info-level filter
// being raised.
func AccessLog() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			wt := &writeTrace{ctx: r.Context(), start: time.Now()}
			next.ServeHTTP(wt.wrap(w), r)
			wt.finish()

			if quietPaths[r.URL.Path] {
				return
			}

			ctx := r.Context()
			var reqSize int64
			if r.ContentLength > 0 {
				reqSize = r.ContentLength
			}
			kv := []any{
				"http.response.status_code", wt.status,
				"http.server.request.duration", time.Since(wt.start).Seconds(),
				"http.response.body.size", wt.bytes,
				"http.request.body.size", reqSize,
				"http.route", RoutePattern(r),
			}
			L := log.FromContext(ctx)
			if wt.status >= 500 {
				L.Warn(ctx, "http request", kv...)
				return
			}
			L.Info(ctx, "http request", kv...)
		})
	}
}

var validSchemes = map[string]bool{"http": true, "https": true}

// schemeFromRequest returns "http" or "https", never anything else.
// X-Forwarded-Proto is only present when ClientIP kept it for a trusted proxy.
func schemeFromRequest(r *http.Request) string {
	if xf := r.Header.Get("X-Forwarded-Proto"); xf != "" {
		first, _, _ := strings.Cut(xf, ",")
		if s := strings.ToLower(strings.TrimSpace(first)); validSchemes[s] {
			return s
		}
	}
	if r.URL != nil {
		if s := strings.ToLower(r.URL.Scheme); validSchemes[s] {
			return s
		}
	}
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

// Scope tags the logger and span with the handler group serving the request.
func Scope(handler string) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			ctx = log.WithContext(ctx, log.FromContext(ctx).With("handler", handler))
			if span := trace.SpanFromContext(ctx); span.IsRecording() {
				span.SetAttributes(attribute.String("app.handler", handler))
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
