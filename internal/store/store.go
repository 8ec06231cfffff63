// Package store is the shared key-value capability the pipeline stages
// coordinate through: fixed-window counters, seen nonces, session records
// and the rolling metrics snapshot.
//
// Every operation that more than one request may race on is exposed as a
// single atomic primitive (IncrBelow, SetNX, Update) so callers never do a
// read-then-write across a round trip.
//
// Backends:
//   - Redis: shared across instances, Lua/WATCH based atomics
//   - Memory: single process, driven by an injectable clock
//   - Fallback: Redis with a Memory secondary for stages that fail open
package store

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned by Get when the key is absent or expired.
	ErrNotFound = errors.New("store: key not found")

	// ErrUnavailable wraps every backend connectivity failure. Stages decide
	// per their fail-open flag what to do with it.
	ErrUnavailable = errors.New("store: unavailable")

	// ErrConflict is returned by Update when optimistic retries are exhausted.
	ErrConflict = errors.New("store: update conflict")
)

// Key namespaces, one per stage.
const (
	NSRateLimit = "rate_limit"
	NSNonce     = "nonce"
	NSSession   = "session"
	NSMetrics   = "metrics"
)

// UpdateFunc computes the next value from the current one. exists is false
// when the key is absent. Returning a nil slice deletes the key; returning an
// error aborts the update and is passed back to the caller unchanged.
type UpdateFunc func(cur []byte, exists bool) ([]byte, error)

// Store is the CounterStore capability injected into each stage.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error

	// SetNX stores val only if key is absent, reporting whether it did.
	SetNX(ctx context.Context, key string, val []byte, ttl time.Duration) (bool, error)

	Delete(ctx context.Context, keys ...string) error

	// IncrBelow increments key only while its value is below limit. The TTL is
	// applied when the counter is created and never extended afterwards, so
	// rejected calls do not push the window out. It returns the counter value
	// after the call and whether the increment happened.
	IncrBelow(ctx context.Context, key string, limit int64, ttl time.Duration) (int64, bool, error)

	// Update atomically replaces the value at key with fn(cur). ttl applies
	// only when the key is created; existing keys keep their expiry.
	Update(ctx context.Context, key string, ttl time.Duration, fn UpdateFunc) error

	Ping(ctx context.Context) error
}

// Key joins a namespace and key parts with ':'.
func Key(ns string, parts ...string) string {
	var b strings.Builder
	b.WriteString(ns)
	for _, p := range parts {
		b.WriteByte(':')
		b.WriteString(p)
	}
	return b.String()
}

// IsUnavailable reports whether err is a backend connectivity failure.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled)
}
