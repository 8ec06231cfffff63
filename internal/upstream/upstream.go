// Package upstream forwards requests that cleared the gateway to the
// application, carrying the gateway's per-request annotations as headers.
package upstream

import (
	"encoding/json"
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/keithlinneman/reqguard/internal/log"
	"github.com/keithlinneman/reqguard/internal/reqmeta"
	"github.com/keithlinneman/reqguard/internal/xerrors"
)

// Annotation headers set on every forwarded request. Inbound copies are
// always stripped so clients cannot forge them.
const (
	HeaderVersion = "X-Reqguard-Version"
	HeaderSession = "X-Reqguard-Session"
	HeaderUploads = "X-Reqguard-Uploads"
)

var annotationHeaders = []string{HeaderVersion, HeaderSession, HeaderUploads}

// New returns a reverse proxy to target.
func New(target string, logger log.Logger) (http.Handler, error) {
	if logger == nil {
		logger = log.Nop()
	}
	u, err := url.Parse(target)
	if err != nil {
		return nil, xerrors.Wrapf(err, "parse upstream url %q", target)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, xerrors.Newf("upstream url must be http(s) with a host (got %q)", target)
	}

	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(u)
			pr.SetXForwarded()
			annotate(pr.Out, pr.In)
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			log.FromContext(r.Context()).Warn(r.Context(), "upstream request failed",
				"upstream", u.Host,
				"error", err,
			)
			writeJSON(w, http.StatusBadGateway, map[string]string{
				"error":   "Bad gateway",
				"message": "Upstream unavailable",
			})
		},
	}, nil
}

func annotate(out, in *http.Request) {
	for _, h := range annotationHeaders {
		out.Header.Del(h)
	}
	ctx := in.Context()
	if v, ok := reqmeta.VersionFrom(ctx); ok {
		out.Header.Set(HeaderVersion, v.ID)
	}
	if k := reqmeta.SessionKeyFrom(ctx); k != "" {
		out.Header.Set(HeaderSession, k)
	}
	if files := reqmeta.UploadsFrom(ctx); len(files) > 0 {
		if b, err := json.Marshal(files); err == nil {
			out.Header.Set(HeaderUploads, string(b))
		}
	}
}

// Echo answers with a summary of what the gateway accepted. It stands in for
// the application when no upstream is configured.
func Echo() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		resp := map[string]any{
			"status": "accepted",
			"method": r.Method,
			"path":   r.URL.Path,
		}
		if b, ok := reqmeta.BodyFrom(ctx); ok {
			resp["body_bytes"] = len(b)
		}
		if v, ok := reqmeta.VersionFrom(ctx); ok {
			resp["version"] = v.ID
			resp["features"] = v.Features
		}
		if files := reqmeta.UploadsFrom(ctx); len(files) > 0 {
			resp["uploads"] = files
		}
		writeJSON(w, http.StatusOK, resp)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
