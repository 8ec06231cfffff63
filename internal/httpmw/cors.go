package httpmw

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/keithlinneman/reqguard/internal/log"
)

// CORSOptions holds the cross-origin allow-lists.
type CORSOptions struct {
	AllowedOrigins   []string // "*" allows any origin
	AllowedMethods   []string
	AllowedHeaders   []string
	ExposedHeaders   []string
	AllowCredentials bool
	MaxAgeSeconds    int
}

// CORS answers preflight requests and decorates cross-origin responses.
//
// Requests without an Origin header pass through untouched. A preflight from
// an origin not on the list, or asking for a method or header not on the
// lists, gets 403. Other requests from unknown origins proceed with
// Access-Control-Allow-Origin: null so the browser withholds the response.
func CORS(opts CORSOptions) func(http.Handler) http.Handler {
	origins := make(map[string]bool, len(opts.AllowedOrigins))
	for _, o := range opts.AllowedOrigins {
		origins[strings.TrimRight(o, "/")] = true
	}
	allowAll := origins["*"]

	methods := make(map[string]bool, len(opts.AllowedMethods))
	for _, m := range opts.AllowedMethods {
		methods[strings.ToUpper(m)] = true
	}
	headers := make(map[string]bool, len(opts.AllowedHeaders))
	for _, h := range opts.AllowedHeaders {
		headers[http.CanonicalHeaderKey(h)] = true
	}

	allowMethods := strings.Join(opts.AllowedMethods, ", ")
	allowHeaders := strings.Join(opts.AllowedHeaders, ", ")
	exposeHeaders := strings.Join(opts.ExposedHeaders, ", ")
	maxAge := strconv.Itoa(opts.MaxAgeSeconds)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}

			h := w.Header()
			h.Add("Vary", "Origin")
			ok := allowAll || origins[origin]

			preflight := r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != ""
			if preflight {
				h.Add("Vary", "Access-Control-Request-Method")
				h.Add("Vary", "Access-Control-Request-Headers")
				if !ok || !methods[strings.ToUpper(r.Header.Get("Access-Control-Request-Method"))] || !headersAllowed(headers, r.Header.Get("Access-Control-Request-Headers")) {
					log.FromContext(r.Context()).Warn(r.Context(), "cors preflight rejected",
						"origin", origin,
						"requested_method", r.Header.Get("Access-Control-Request-Method"),
					)
					writeCORSForbidden(w)
					return
				}
				setAllowOrigin(h, origin, allowAll, opts.AllowCredentials)
				h.Set("Access-Control-Allow-Methods", allowMethods)
				if allowHeaders != "" {
					h.Set("Access-Control-Allow-Headers", allowHeaders)
				}
				if opts.MaxAgeSeconds > 0 {
					h.Set("Access-Control-Max-Age", maxAge)
				}
				w.WriteHeader(http.StatusNoContent)
				return
			}

			if !ok {
				h.Set("Access-Control-Allow-Origin", "null")
				next.ServeHTTP(w, r)
				return
			}
			setAllowOrigin(h, origin, allowAll, opts.AllowCredentials)
			if exposeHeaders != "" {
				h.Set("Access-Control-Expose-Headers", exposeHeaders)
			}
			next.ServeHTTP(w, r)
		})
	}
}

func setAllowOrigin(h http.Header, origin string, allowAll, creds bool) {
	if allowAll && !creds {
		h.Set("Access-Control-Allow-Origin", "*")
	} else {
		h.Set("Access-Control-Allow-Origin", origin)
	}
	if creds {
		h.Set("Access-Control-Allow-Credentials", "true")
	}
}

// headersAllowed checks a comma separated Access-Control-Request-Headers value.
func headersAllowed(allowed map[string]bool, requested string) bool {
	for _, name := range strings.Split(requested, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if !allowed[http.CanonicalHeaderKey(name)] {
			return false
		}
	}
	return true
}

func writeCORSForbidden(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusForbidden)
	_, _ = w.Write([]byte(`{"error":"Forbidden","message":"Cross-origin request not allowed"}` + "\n"))
}
