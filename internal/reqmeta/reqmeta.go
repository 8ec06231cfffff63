// Package reqmeta carries per-request annotations that pipeline stages attach
// to the request context. The inbound request is never mutated; stages read
// what earlier stages derived (raw body, resolved version, session key)
// through these helpers.
package reqmeta

import (
	"context"
	"sync"
	"time"
)

type (
	bodyKey    struct{}
	versionKey struct{}
	uploadsKey struct{}
	sessionKey struct{}
	outcomeKey struct{}
)

// WithBody attaches the raw request body bytes exactly as received.
func WithBody(ctx context.Context, b []byte) context.Context {
	if b == nil {
		b = []byte{}
	}
	return context.WithValue(ctx, bodyKey{}, b)
}

// BodyFrom returns the captured raw body. ok is false when no capture stage ran.
func BodyFrom(ctx context.Context) (b []byte, ok bool) {
	b, ok = ctx.Value(bodyKey{}).([]byte)
	return b, ok
}

// LimitOverride replaces a limit class's budget for one API version.
type LimitOverride struct {
	Max    int64
	Window time.Duration
}

// Version is the outcome of API version negotiation.
type Version struct {
	// ID is the normalized "MAJOR.MINOR" form.
	ID         string
	Deprecated bool
	Features   []string
	// LimitOverrides is keyed by limit class name.
	LimitOverrides map[string]LimitOverride
}

func WithVersion(ctx context.Context, v Version) context.Context {
	return context.WithValue(ctx, versionKey{}, v)
}

func VersionFrom(ctx context.Context) (Version, bool) {
	v, ok := ctx.Value(versionKey{}).(Version)
	return v, ok
}

// File describes an accepted, sanitized upload.
type File struct {
	Field        string
	OriginalName string
	SafeName     string
	ContentType  string
	Size         int64
	SHA256       string
}

func WithUploads(ctx context.Context, files []File) context.Context {
	return context.WithValue(ctx, uploadsKey{}, files)
}

func UploadsFrom(ctx context.Context) []File {
	files, _ := ctx.Value(uploadsKey{}).([]File)
	return files
}

// WithSessionKey attaches the validated (possibly rotated) session key.
func WithSessionKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, sessionKey{}, key)
}

func SessionKeyFrom(ctx context.Context) string {
	s, _ := ctx.Value(sessionKey{}).(string)
	return s
}

// Outcome is the one mutable annotation. The recorder installs it before
// inner stages run and reads it after they return, so a stage that rejects
// can report which family and reason ended the request.
type Outcome struct {
	mu         sync.Mutex
	kind       string
	code       string
	violations []string
}

func WithOutcome(ctx context.Context, o *Outcome) context.Context {
	return context.WithValue(ctx, outcomeKey{}, o)
}

// OutcomeFrom returns the request's Outcome, or nil if no recorder is installed.
func OutcomeFrom(ctx context.Context) *Outcome {
	o, _ := ctx.Value(outcomeKey{}).(*Outcome)
	return o
}

// Reject records the rejection that ended the request. Only the first call wins.
func (o *Outcome) Reject(kind, code string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.kind == "" {
		o.kind, o.code = kind, code
	}
}

// Rejection returns the recorded rejection family and reason, if any.
func (o *Outcome) Rejection() (kind, code string, ok bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.kind, o.code, o.kind != ""
}

// AddViolation notes a threat finding type for the audit trail.
func (o *Outcome) AddViolation(typ string) {
	o.mu.Lock()
	o.violations = append(o.violations, typ)
	o.mu.Unlock()
}

func (o *Outcome) Violations() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.violations...)
}
