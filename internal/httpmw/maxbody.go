package httpmw

import (
	"bytes"
	"errors"
	"io"
	"net/http"

	"github.com/keithlinneman/reqguard/internal/log"
	"github.com/keithlinneman/reqguard/internal/reject"
	"github.com/keithlinneman/reqguard/internal/reqmeta"
)

// MaxBody caps how much of the body any later reader can consume. It is the
// backstop for routes that bypass CaptureBody, such as the probes.
func MaxBody(limit int64) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil && r.Body != http.NoBody {
				r.Body = http.MaxBytesReader(w, r.Body, limit)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// CaptureBody reads the request body once, up to limit bytes, and stores the
// raw bytes with reqmeta.WithBody. Downstream handlers get a fresh reader over
// the same bytes. Bodies over the limit are refused with 413 before any
// downstream stage runs.
func CaptureBody(limit int64) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if r.Body == nil || r.Body == http.NoBody {
				next.ServeHTTP(w, r.WithContext(reqmeta.WithBody(ctx, nil)))
				return
			}
			if r.ContentLength > limit {
				reject.Write(ctx, w, &reject.ValidationError{Reason: reject.OversizedRequest})
				return
			}

			raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
			_ = r.Body.Close()
			if err != nil {
				var mbe *http.MaxBytesError
				if errors.As(err, &mbe) {
					reject.Write(ctx, w, &reject.ValidationError{Reason: reject.OversizedRequest})
					return
				}
				log.FromContext(ctx).Warn(ctx, "request body read failed", "error", err)
				reject.Write(ctx, w, &reject.ValidationError{Reason: reject.MalformedBody})
				return
			}

			r.Body = io.NopCloser(bytes.NewReader(raw))
			r.ContentLength = int64(len(raw))
			r.GetBody = func() (io.ReadCloser, error) {
				return io.NopCloser(bytes.NewReader(raw)), nil
			}
			next.ServeHTTP(w, r.WithContext(reqmeta.WithBody(ctx, raw)))
		})
	}
}
