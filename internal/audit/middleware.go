package audit

import (
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/felixge/httpsnoop"

	"github.com/keithlinneman/reqguard/internal/httpmw"
	"github.com/keithlinneman/reqguard/internal/reqmeta"
	"github.com/keithlinneman/reqguard/internal/xerrors"
)

// ResponseTimeHeader carries the time spent inside the pipeline.
const ResponseTimeHeader = "X-Response-Time"

// Middleware installs the request Outcome for inner stages, records the
// request on the way in and the response on the way out, and stamps
// X-Response-Time on every response. A panic is recorded and re-raised for
// the recovery middleware further out.
func (rc *Recorder) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := rc.cfg.Clock.Now()
		outcome := &reqmeta.Outcome{}
		ctx := reqmeta.WithOutcome(r.Context(), outcome)
		r = r.WithContext(ctx)

		m := Meta{
			Method: r.Method,
			Path:   r.URL.Path,
			Client: httpmw.ClientIPFromContext(ctx),
		}
		rc.RecordRequest(ctx, m)

		var (
			once        sync.Once
			status      = http.StatusOK
			wroteHeader bool
		)
		stamp := func(h http.Header) {
			once.Do(func() {
				h.Set(ResponseTimeHeader, formatSeconds(rc.cfg.Clock.Now().Sub(start)))
			})
		}
		ww := httpsnoop.Wrap(w, httpsnoop.Hooks{
			WriteHeader: func(next httpsnoop.WriteHeaderFunc) httpsnoop.WriteHeaderFunc {
				return func(code int) {
					stamp(w.Header())
					if !wroteHeader {
						status, wroteHeader = code, true
					}
					next(code)
				}
			},
			Write: func(next httpsnoop.WriteFunc) httpsnoop.WriteFunc {
				return func(b []byte) (int, error) {
					stamp(w.Header())
					wroteHeader = true
					return next(b)
				}
			},
			ReadFrom: func(next httpsnoop.ReadFromFunc) httpsnoop.ReadFromFunc {
				return func(src io.Reader) (int64, error) {
					stamp(w.Header())
					wroteHeader = true
					return next(src)
				}
			},
		})

		defer func() {
			if p := recover(); p != nil {
				err, ok := p.(error)
				if !ok {
					err = fmt.Errorf("panic: %v", p)
				}
				rc.RecordException(ctx, m, xerrors.Wrap(err, "handler panic"), rc.cfg.Clock.Now().Sub(start))
				panic(p)
			}
		}()

		next.ServeHTTP(ww, r)

		// a handler that wrote nothing still gets the header on the implicit 200
		stamp(w.Header())
		rc.RecordResponse(ctx, m, status, rc.cfg.Clock.Now().Sub(start))
	})
}

func formatSeconds(d time.Duration) string {
	return fmt.Sprintf("%.3fs", d.Seconds())
}
