package upload

import (
	"bytes"
	"context"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/keithlinneman/reqguard/internal/log"
	"github.com/keithlinneman/reqguard/internal/reject"
	"github.com/keithlinneman/reqguard/internal/reqmeta"
)

// Options configures the upload stage.
type Options struct {
	Guard *Guard
	// Quarantine, when set, receives files flagged by the content scan.
	Quarantine Quarantine
	// QuarantineTimeout bounds each quarantine write.
	QuarantineTimeout time.Duration
	// OnRejected is called once per problem found.
	OnRejected func(reason reject.UploadReason)
}

// Middleware validates every file part of a multipart request. Any problem
// rejects the whole request with a per-file report; otherwise the sanitized
// files are attached with reqmeta.WithUploads.
func Middleware(opts Options) func(http.Handler) http.Handler {
	if opts.QuarantineTimeout <= 0 {
		opts.QuarantineTimeout = 5 * time.Second
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			mt, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
			if err != nil || mt != "multipart/form-data" || opts.Guard == nil {
				next.ServeHTTP(w, r)
				return
			}
			ctx := r.Context()
			L := log.FromContext(ctx)

			body, _ := reqmeta.BodyFrom(ctx)
			files, err := readFiles(body, params["boundary"])
			if err != nil {
				L.Info(ctx, "malformed multipart body", "error", err.Error())
				reject.Write(ctx, w, &reject.ValidationError{Reason: reject.MalformedBody})
				return
			}

			var reports []reject.FileReport
			accepted := make([]reqmeta.File, 0, len(files))
			for _, f := range files {
				safe := Sanitize(f)
				problems := opts.Guard.Check(f)
				if len(problems) == 0 {
					accepted = append(accepted, safe)
					continue
				}

				reports = append(reports, reject.FileReport{Field: f.Field, Filename: safe.SafeName, Problems: problems})
				for _, p := range problems {
					if opts.OnRejected != nil {
						opts.OnRejected(p.Reason)
					}
				}
				L.Warn(ctx, "upload rejected",
					"field", f.Field,
					"safe_name", safe.SafeName,
					"sha256", safe.SHA256,
					"reason", string(problems[0].Reason),
				)
				if opts.Quarantine != nil && hasMalware(problems) {
					qctx, cancel := context.WithTimeout(ctx, opts.QuarantineTimeout)
					if err := opts.Quarantine.Store(qctx, safe, f.Data, problems); err != nil {
						L.Error(ctx, err, "quarantine failed", "sha256", safe.SHA256)
					}
					cancel()
				}
			}

			if len(reports) > 0 {
				reject.Write(ctx, w, &reject.FileUploadError{Files: reports})
				return
			}
			if len(accepted) > 0 {
				r = r.WithContext(reqmeta.WithUploads(ctx, accepted))
			}
			next.ServeHTTP(w, r)
		})
	}
}

func hasMalware(problems []reject.FileProblem) bool {
	for _, p := range problems {
		if p.Reason == reject.MalwareSignature {
			return true
		}
	}
	return false
}

var errNoBoundary = errors.New("multipart boundary missing")

// readFiles returns every part that carries a filename. Plain form fields
// are skipped.
func readFiles(body []byte, boundary string) ([]File, error) {
	if boundary == "" {
		return nil, errNoBoundary
	}
	mr := multipart.NewReader(bytes.NewReader(body), boundary)
	var files []File
	for {
		p, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return files, nil
		}
		if err != nil {
			return nil, err
		}
		if p.FileName() == "" {
			p.Close()
			continue
		}
		data, err := io.ReadAll(p)
		p.Close()
		if err != nil {
			return nil, err
		}
		files = append(files, File{
			Field:        p.FormName(),
			Filename:     p.FileName(),
			DeclaredType: p.Header.Get("Content-Type"),
			Data:         data,
		})
	}
}
