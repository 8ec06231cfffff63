package session

import (
	"net/http"

	"github.com/keithlinneman/reqguard/internal/httpmw"
	"github.com/keithlinneman/reqguard/internal/log"
	"github.com/keithlinneman/reqguard/internal/reject"
	"github.com/keithlinneman/reqguard/internal/reqmeta"
)

// Middleware validates the session cookie when one is presented. Requests
// without a cookie pass untouched; creating sessions is the handler's job.
func (g *Guard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := r.Cookie(g.cfg.CookieName)
		if err != nil || c.Value == "" {
			next.ServeHTTP(w, r)
			return
		}
		ctx := r.Context()
		L := log.FromContext(ctx)

		key, err := g.Validate(ctx, c.Value, r.UserAgent(), httpmw.ClientIPFromContext(ctx))
		if err != nil {
			rej, ok := reject.As(err)
			if !ok {
				if g.cfg.FailOpen {
					L.Warn(ctx, "session store unavailable, continuing without session", "error", err.Error())
					next.ServeHTTP(w, r)
					return
				}
				L.Error(ctx, err, "session validation failed")
				rej = &reject.SessionError{Reason: reject.SessionInvalid}
			} else {
				g.ClearCookie(w)
			}
			if g.cfg.OnReject != nil {
				g.cfg.OnReject(reject.SessionReason(rej.Code()))
			}
			L.Warn(ctx, "session rejected", "reason", rej.Code())
			reject.Write(ctx, w, rej)
			return
		}

		if key != c.Value {
			g.SetCookie(w, key)
			L.Debug(ctx, "session rotated")
		}
		next.ServeHTTP(w, r.WithContext(reqmeta.WithSessionKey(ctx, key)))
	})
}
