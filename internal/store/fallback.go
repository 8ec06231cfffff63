package store

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/keithlinneman/reqguard/internal/log"
)

// Fallback serves from primary and degrades to secondary whenever primary is
// unavailable. It is only suitable for stages that fail open (rate limiting,
// metrics): counters kept in the secondary are per-process and are not
// reconciled back into the primary.
//
// Never hand a Fallback to the signature/nonce stages. A store outage there
// must reject traffic, not silently switch to a replay window that other
// instances cannot see.
type Fallback struct {
	primary   Store
	secondary Store
	logger    log.Logger

	// warn throttles degradation logs to one per interval
	warn rate.Sometimes

	// OnDegraded is called for every operation served by the secondary.
	OnDegraded func(op string)
}

// NewFallback wraps primary with secondary.
func NewFallback(primary, secondary Store, logger log.Logger) *Fallback {
	if logger == nil {
		logger = log.Nop()
	}
	return &Fallback{
		primary:   primary,
		secondary: secondary,
		logger:    logger,
		warn:      rate.Sometimes{First: 1, Interval: 30 * time.Second},
	}
}

func (f *Fallback) degraded(ctx context.Context, op string, err error) {
	if f.OnDegraded != nil {
		f.OnDegraded(op)
	}
	f.warn.Do(func() {
		f.logger.Warn(ctx, "store unavailable, serving from in-process fallback",
			"op", op,
			"error", err.Error(),
		)
	})
}

func (f *Fallback) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := f.primary.Get(ctx, key)
	if err != nil && IsUnavailable(err) {
		f.degraded(ctx, "get", err)
		return f.secondary.Get(ctx, key)
	}
	return b, err
}

func (f *Fallback) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	err := f.primary.Set(ctx, key, val, ttl)
	if err != nil && IsUnavailable(err) {
		f.degraded(ctx, "set", err)
		return f.secondary.Set(ctx, key, val, ttl)
	}
	return err
}

func (f *Fallback) SetNX(ctx context.Context, key string, val []byte, ttl time.Duration) (bool, error) {
	ok, err := f.primary.SetNX(ctx, key, val, ttl)
	if err != nil && IsUnavailable(err) {
		f.degraded(ctx, "setnx", err)
		return f.secondary.SetNX(ctx, key, val, ttl)
	}
	return ok, err
}

func (f *Fallback) Delete(ctx context.Context, keys ...string) error {
	err := f.primary.Delete(ctx, keys...)
	// always clear the secondary too so stale local state cannot resurface
	_ = f.secondary.Delete(ctx, keys...)
	if err != nil && IsUnavailable(err) {
		f.degraded(ctx, "delete", err)
		return nil
	}
	return err
}

func (f *Fallback) IncrBelow(ctx context.Context, key string, limit int64, ttl time.Duration) (int64, bool, error) {
	n, ok, err := f.primary.IncrBelow(ctx, key, limit, ttl)
	if err != nil && IsUnavailable(err) {
		f.degraded(ctx, "incr_below", err)
		return f.secondary.IncrBelow(ctx, key, limit, ttl)
	}
	return n, ok, err
}

func (f *Fallback) Update(ctx context.Context, key string, ttl time.Duration, fn UpdateFunc) error {
	err := f.primary.Update(ctx, key, ttl, fn)
	if err != nil && IsUnavailable(err) {
		f.degraded(ctx, "update", err)
		return f.secondary.Update(ctx, key, ttl, fn)
	}
	return err
}

// Ping reports the primary's health; the secondary is always available.
func (f *Fallback) Ping(ctx context.Context) error {
	return f.primary.Ping(ctx)
}
