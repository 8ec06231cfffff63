package httpmw

import (
	"errors"
	"net/http"
	"runtime/debug"

	"github.com/keithlinneman/reqguard/internal/log"
	"github.com/keithlinneman/reqguard/internal/reject"
	"github.com/keithlinneman/reqguard/internal/xerrors"
)

// Recover turns a panic anywhere in the gateway into the generic JSON 500
// that rejections use, so a crashing stage never leaks a stack or an empty
// reply. onPanic runs after the panic is logged. http.ErrAbortHandler is
// re-raised so net/http can drop the connection.
func Recover(logger log.Logger, onPanic func()) Middleware {
	if logger == nil {
		logger = log.Nop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if err, ok := rec.(error); ok && errors.Is(err, http.ErrAbortHandler) {
					panic(rec)
				}

				var err error
				if v, ok := rec.(error); ok {
					err = xerrors.Wrap(v, "panic")
				} else {
					err = xerrors.Newf("panic: %v", rec)
				}

				ctx := r.Context()
				logger.With(
					"http.request.method", r.Method,
					"url.path", r.URL.Path,
					"request_id", RequestIDFromContext(ctx),
				).Error(ctx, err, "gateway panic recovered", "panic_stack", string(debug.Stack()))

				if onPanic != nil {
					onPanic()
				}
				reject.Write(ctx, w, err)
			}()
			next.ServeHTTP(w, r)
		})
	}
}
