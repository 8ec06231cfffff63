package threat

import (
	"net/http"
	"strings"

	"github.com/keithlinneman/reqguard/internal/httpmw"
	"github.com/keithlinneman/reqguard/internal/log"
	"github.com/keithlinneman/reqguard/internal/reject"
	"github.com/keithlinneman/reqguard/internal/reqmeta"
)

// Options configures the threat stage.
type Options struct {
	Scanner *Scanner
	// ExemptPrefixes skips body scanning for matching paths. Query, path
	// and user agent checks still apply.
	ExemptPrefixes []string
	// OnViolation is called once per violation found.
	OnViolation func(v Violation)
}

// Middleware scans each request and blocks it when any critical violation
// is found. Warnings are logged and the request proceeds.
func Middleware(opts Options) func(http.Handler) http.Handler {
	sc := opts.Scanner
	if sc == nil {
		sc = NewScanner(nil, nil)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			L := log.FromContext(ctx)

			in := Input{
				Client:      httpmw.ClientIPFromContext(ctx),
				Path:        r.URL.EscapedPath(),
				RawQuery:    r.URL.RawQuery,
				ContentType: r.Header.Get("Content-Type"),
				UserAgent:   r.UserAgent(),
			}
			if !exempt(r.URL.Path, opts.ExemptPrefixes) {
				in.Body, _ = reqmeta.BodyFrom(ctx)
			}

			violations := sc.Scan(in)
			if len(violations) == 0 {
				next.ServeHTTP(w, r)
				return
			}

			critical := false
			out := reqmeta.OutcomeFrom(ctx)
			for _, v := range violations {
				if opts.OnViolation != nil {
					opts.OnViolation(v)
				}
				if out != nil {
					out.AddViolation(v.Type)
				}
				kv := []any{
					"violation", v.Type,
					"severity", string(v.Severity),
					"field", v.Field,
					"client", v.Client,
				}
				if v.Severity == Critical {
					critical = true
					L.Warn(ctx, "threat detected", kv...)
				} else {
					L.Info(ctx, "suspicious request", kv...)
				}
			}

			if critical {
				reject.Write(ctx, w, &reject.ValidationError{Reason: reject.ThreatDetected})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func exempt(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if p != "" && strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}
