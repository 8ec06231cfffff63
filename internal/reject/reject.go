// Package reject holds the client-facing rejection taxonomy and renders
// rejections as JSON error responses.
//
// Every stage that refuses a request returns one of the types here. The
// response body always carries "error" and "message"; some types add fields
// (retry_after, files, supported_versions). Internal error text never reaches
// the body, callers log it separately.
package reject

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/keithlinneman/reqguard/internal/log"
	"github.com/keithlinneman/reqguard/internal/otelx"
	"github.com/keithlinneman/reqguard/internal/reqmeta"
)

// Rejection is a terminal, client-visible refusal of a request.
type Rejection interface {
	error
	// Status is the HTTP status code.
	Status() int
	// Kind names the taxonomy family, e.g. "authentication".
	Kind() string
	// Code is the reason within the family, e.g. "replay_or_expired".
	Code() string
	// Message is safe to show to the client.
	Message() string
}

// extraFields is implemented by rejections that add fields to the JSON body.
type extraFields interface {
	Fields() map[string]any
}

// headerSetter is implemented by rejections that need response headers.
type headerSetter interface {
	SetHeaders(h http.Header)
}

// As extracts a Rejection from err's chain.
func As(err error) (Rejection, bool) {
	var r Rejection
	if errors.As(err, &r) {
		return r, true
	}
	return nil, false
}

// Write renders err as a JSON response. A non-Rejection error becomes a
// generic 500 so internal detail is never exposed.
func Write(ctx context.Context, w http.ResponseWriter, err error) {
	body := map[string]any{}
	status := http.StatusInternalServerError

	rej, ok := As(err)
	if ok {
		status = rej.Status()
		body["error"] = errorTitle(rej)
		body["message"] = rej.Message()
		if ef, ok := rej.(extraFields); ok {
			for k, v := range ef.Fields() {
				body[k] = v
			}
		}
		if hs, ok := rej.(headerSetter); ok {
			hs.SetHeaders(w.Header())
		}
		if o := reqmeta.OutcomeFrom(ctx); o != nil {
			o.Reject(rej.Kind(), rej.Code())
		}
		otelx.RecordRejection(ctx, status, rej.Kind(), rej.Code())
	} else {
		body["error"] = "Internal server error"
		body["message"] = "The server could not process the request"
		if o := reqmeta.OutcomeFrom(ctx); o != nil {
			o.Reject("internal", "error")
		}
		otelx.RecordRejection(ctx, status, "internal", "error")
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if encErr := json.NewEncoder(w).Encode(body); encErr != nil {
		log.FromContext(ctx).Warn(ctx, "failed to encode rejection body", "error", encErr)
	}
}

func errorTitle(r Rejection) string {
	switch r.Kind() {
	case KindAuthentication:
		return "Authentication failed"
	case KindRateLimit:
		return "Rate limit exceeded"
	case KindValidation:
		if r.Status() == http.StatusRequestEntityTooLarge {
			return "Request too large"
		}
		return "Invalid request"
	case KindFileUpload:
		return "File upload rejected"
	case KindVersion:
		if r.Status() == http.StatusGone {
			return "API version sunset"
		}
		return "Invalid API version"
	case KindSession:
		return "Session rejected"
	default:
		return "Request rejected"
	}
}

// retryAfterHeader formats seconds for the Retry-After header.
func retryAfterHeader(seconds int) string {
	if seconds < 1 {
		seconds = 1
	}
	return strconv.Itoa(seconds)
}
