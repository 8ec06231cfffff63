// Package replay remembers nonces so a captured signed request cannot be
// replayed inside its timestamp window.
//
// Timestamp freshness is the caller's job; the guard only answers "has this
// nonce been seen within its TTL", atomically, against the shared store.
package replay

import (
	"context"
	"time"

	"github.com/keithlinneman/reqguard/internal/log"
	"github.com/keithlinneman/reqguard/internal/store"
	"github.com/keithlinneman/reqguard/internal/xerrors"
)

// Guard records nonces in the store with SET NX semantics.
type Guard struct {
	store     store.Store
	ttl       time.Duration
	opTimeout time.Duration
	failOpen  bool
	logger    log.Logger

	// OnStoreError is called whenever the store could not answer.
	OnStoreError func()
}

type Option func(*Guard)

// WithTTL sets how long a nonce is remembered.
func WithTTL(d time.Duration) Option {
	return func(g *Guard) { g.ttl = d }
}

// WithOpTimeout bounds each store round trip.
func WithOpTimeout(d time.Duration) Option {
	return func(g *Guard) { g.opTimeout = d }
}

// WithFailOpen lets requests through when the store is unreachable. Config
// validation refuses this for production policies; it exists so the flag is
// explicit rather than inferred from the error type.
func WithFailOpen(v bool) Option {
	return func(g *Guard) { g.failOpen = v }
}

func WithLogger(l log.Logger) Option {
	return func(g *Guard) { g.logger = l }
}

func WithOnStoreError(fn func()) Option {
	return func(g *Guard) { g.OnStoreError = fn }
}

// New returns a fail-closed Guard over s.
func New(s store.Store, opts ...Option) *Guard {
	g := &Guard{
		store:     s,
		ttl:       10 * time.Minute,
		opTimeout: 100 * time.Millisecond,
		logger:    log.Nop(),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// TTL reports the configured replay window.
func (g *Guard) TTL() time.Duration { return g.ttl }

// CheckAndRecord returns true if nonce was unseen and is now recorded, false
// if it is a replay. scope partitions nonces, typically by api key, so two
// callers cannot burn each other's nonces.
//
// When the store is unreachable the result follows the fail-open flag: a
// fail-closed guard returns false with the store error.
func (g *Guard) CheckAndRecord(ctx context.Context, scope, nonce string) (bool, error) {
	key := store.Key(store.NSNonce, scope, nonce)

	opCtx, cancel := context.WithTimeout(ctx, g.opTimeout)
	defer cancel()

	fresh, err := g.store.SetNX(opCtx, key, []byte("1"), g.ttl)
	if err == nil {
		return fresh, nil
	}

	if g.OnStoreError != nil {
		g.OnStoreError()
	}
	if g.failOpen {
		g.logger.Warn(ctx, "nonce store unavailable, accepting request without replay protection",
			"error", err.Error(),
		)
		return true, nil
	}
	return false, xerrors.Wrap(err, "nonce check")
}
