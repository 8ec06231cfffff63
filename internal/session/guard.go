// Package session validates server-side sessions on every request: idle
// expiry, periodic key rotation, fixation and hijack detection.
//
// Rotation is serialized by a short-lived lock key in the store, so it holds
// across instances. The retired key forwards to its successor for a grace
// period so requests already in flight with the old cookie still resolve.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/keithlinneman/reqguard/internal/clock"
	"github.com/keithlinneman/reqguard/internal/reject"
	"github.com/keithlinneman/reqguard/internal/store"
	"github.com/keithlinneman/reqguard/internal/xerrors"
)

type Config struct {
	CookieName       string
	IdleTimeout      time.Duration
	RotationInterval time.Duration
	BindUserAgent    bool
	BindIP           bool
	CookieSecure     bool
	// FailOpen lets requests through without a session while the store is down.
	FailOpen bool
	// OpTimeout bounds each store call.
	OpTimeout time.Duration
	// MovedTTL is how long a rotated key forwards to its successor.
	MovedTTL time.Duration
	// LockTTL bounds how long a crashed rotation can block others.
	LockTTL time.Duration
	Clock   clock.Clock
	// OnReject is called with the reason for every destroyed session.
	OnReject func(reason reject.SessionReason)
}

var errCorrupt = errors.New("session record is corrupt")

// Guard owns session state in a Store.
type Guard struct {
	store store.Store
	cfg   Config
}

func New(s store.Store, cfg Config) (*Guard, error) {
	if s == nil {
		return nil, xerrors.New("session: store is required")
	}
	if cfg.IdleTimeout <= 0 || cfg.RotationInterval <= 0 {
		return nil, xerrors.New("session: idle timeout and rotation interval must be positive")
	}
	if cfg.RotationInterval > cfg.IdleTimeout {
		return nil, xerrors.New("session: rotation interval must not exceed idle timeout")
	}
	if cfg.CookieName == "" {
		cfg.CookieName = "sessionid"
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 100 * time.Millisecond
	}
	if cfg.MovedTTL <= 0 {
		cfg.MovedTTL = 30 * time.Second
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 5 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.System()
	}
	return &Guard{store: s, cfg: cfg}, nil
}

// ttl keeps a record alive for as long as it can still be valid. A key is
// retired by rotation at most RotationInterval+IdleTimeout after issue, which
// the New check bounds by 2*IdleTimeout.
func (g *Guard) ttl() time.Duration { return 2 * g.cfg.IdleTimeout }

func recordKey(key string) string { return store.Key(store.NSSession, key) }
func movedKey(key string) string  { return store.Key(store.NSSession, "moved", key) }
func lockKey(key string) string   { return store.Key(store.NSSession, "lock", key) }

func (g *Guard) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, g.cfg.OpTimeout)
}

// Create issues a new session bound to the client fingerprint and returns its key.
func (g *Guard) Create(ctx context.Context, userAgent, ip string, data map[string]string) (string, error) {
	now := g.cfg.Clock.Now()
	key := newKey()
	rec := &Record{
		Owner:        key,
		CreatedAt:    now,
		LastActivity: now,
		LastRotation: now,
		Data:         data,
	}
	if g.cfg.BindUserAgent {
		rec.UserAgent = userAgent
	}
	if g.cfg.BindIP {
		rec.IP = ip
	}
	b, err := rec.encode()
	if err != nil {
		return "", xerrors.Wrap(err, "encode session")
	}
	cctx, cancel := g.opCtx(ctx)
	defer cancel()
	ok, err := g.store.SetNX(cctx, recordKey(key), b, g.ttl())
	if err != nil {
		return "", xerrors.Wrap(err, "store session")
	}
	if !ok {
		return "", xerrors.New("session key collision")
	}
	return key, nil
}

// Load returns the record stored under key, following a rotation pointer.
// The returned key is the one the record lives under.
func (g *Guard) Load(ctx context.Context, key string) (string, *Record, error) {
	cctx, cancel := g.opCtx(ctx)
	defer cancel()

	b, err := g.store.Get(cctx, recordKey(key))
	if errors.Is(err, store.ErrNotFound) {
		next, perr := g.store.Get(cctx, movedKey(key))
		if perr != nil {
			if errors.Is(perr, store.ErrNotFound) {
				return key, nil, store.ErrNotFound
			}
			return key, nil, perr
		}
		key = string(next)
		b, err = g.store.Get(cctx, recordKey(key))
	}
	if err != nil {
		return key, nil, err
	}
	rec, err := decode(b)
	if err != nil {
		return key, nil, fmt.Errorf("%w: %v", errCorrupt, err)
	}
	return key, rec, nil
}

// Flush destroys the session and any forwarding pointer to it.
func (g *Guard) Flush(ctx context.Context, key string) error {
	cctx, cancel := g.opCtx(ctx)
	defer cancel()
	return g.store.Delete(cctx, recordKey(key), movedKey(key))
}

// Lock marks a session as locked. Its next request destroys it.
func (g *Guard) Lock(ctx context.Context, key string) error {
	cctx, cancel := g.opCtx(ctx)
	defer cancel()
	return g.store.Update(cctx, recordKey(key), g.ttl(), func(cur []byte, exists bool) ([]byte, error) {
		if !exists {
			return nil, store.ErrNotFound
		}
		rec, err := decode(cur)
		if err != nil {
			return nil, err
		}
		rec.Locked = true
		return rec.encode()
	})
}

// Validate checks the session presented as key and returns the key the
// client should hold afterwards, which differs from key after a rotation.
// A *reject.SessionError means the session was destroyed; any other error
// is a store failure.
func (g *Guard) Validate(ctx context.Context, key, userAgent, ip string) (string, error) {
	if !ValidKey(key) {
		return "", &reject.SessionError{Reason: reject.SessionFixation}
	}

	cur, rec, err := g.Load(ctx, key)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return "", &reject.SessionError{Reason: reject.SessionInvalid}
	case errors.Is(err, errCorrupt):
		g.destroy(ctx, cur)
		return "", &reject.SessionError{Reason: reject.SessionInvalid}
	case err != nil:
		return "", err
	}

	if reason, bad := g.check(rec, cur, userAgent, ip); bad {
		g.destroy(ctx, cur)
		return "", &reject.SessionError{Reason: reason}
	}

	now := g.cfg.Clock.Now()
	if now.Sub(rec.LastRotation) > g.cfg.RotationInterval {
		return g.rotate(ctx, cur)
	}
	if err := g.touch(ctx, cur, now); err != nil {
		return "", err
	}
	return cur, nil
}

func (g *Guard) check(rec *Record, key, userAgent, ip string) (reject.SessionReason, bool) {
	switch {
	case rec.Owner != key:
		return reject.SessionFixation, true
	case rec.Locked:
		return reject.SessionInvalid, true
	case g.cfg.Clock.Now().Sub(rec.LastActivity) > g.cfg.IdleTimeout:
		return reject.SessionExpired, true
	case g.cfg.BindUserAgent && rec.UserAgent != "" && rec.UserAgent != userAgent:
		return reject.SessionHijack, true
	case g.cfg.BindIP && rec.IP != "" && rec.IP != ip:
		return reject.SessionHijack, true
	}
	return "", false
}

func (g *Guard) destroy(ctx context.Context, key string) {
	// best effort: the client is rejected whether or not the delete lands
	_ = g.Flush(ctx, key)
}

// touch records activity. A record deleted concurrently stays deleted.
func (g *Guard) touch(ctx context.Context, key string, now time.Time) error {
	cctx, cancel := g.opCtx(ctx)
	defer cancel()
	return g.store.Update(cctx, recordKey(key), g.ttl(), func(cur []byte, exists bool) ([]byte, error) {
		if !exists {
			return nil, nil
		}
		rec, err := decode(cur)
		if err != nil {
			return nil, err
		}
		if rec.LastActivity.After(now) {
			return cur, nil
		}
		rec.LastActivity = now
		return rec.encode()
	})
}

// rotate moves the record under old to a fresh key. Concurrent callers for
// the same old key observe the first rotation's result.
func (g *Guard) rotate(ctx context.Context, old string) (string, error) {
	cctx, cancel := g.opCtx(ctx)
	defer cancel()

	got, err := g.store.SetNX(cctx, lockKey(old), []byte("1"), g.cfg.LockTTL)
	if err != nil {
		return "", err
	}
	if !got {
		// another request is mid-rotation; keep using old until it lands
		return old, nil
	}
	defer func() { _ = g.store.Delete(cctx, lockKey(old)) }()

	// re-read under the lock: an earlier holder may have rotated already
	if next, err := g.store.Get(cctx, movedKey(old)); err == nil {
		return string(next), nil
	}
	b, err := g.store.Get(cctx, recordKey(old))
	if errors.Is(err, store.ErrNotFound) {
		return "", &reject.SessionError{Reason: reject.SessionInvalid}
	}
	if err != nil {
		return "", err
	}
	rec, err := decode(b)
	if err != nil {
		return "", xerrors.Wrap(err, "decode session")
	}

	now := g.cfg.Clock.Now()
	next := newKey()
	rec.Owner = next
	rec.LastRotation = now
	rec.LastActivity = now
	nb, err := rec.encode()
	if err != nil {
		return "", xerrors.Wrap(err, "encode session")
	}
	if err := g.store.Set(cctx, recordKey(next), nb, g.ttl()); err != nil {
		return "", err
	}
	if err := g.store.Set(cctx, movedKey(old), []byte(next), g.cfg.MovedTTL); err != nil {
		return "", err
	}
	if err := g.store.Delete(cctx, recordKey(old)); err != nil {
		return "", err
	}
	return next, nil
}

// SetCookie writes the session cookie for key.
func (g *Guard) SetCookie(w http.ResponseWriter, key string) {
	http.SetCookie(w, &http.Cookie{
		Name:     g.cfg.CookieName,
		Value:    key,
		Path:     "/",
		HttpOnly: true,
		Secure:   g.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

// ClearCookie expires the session cookie.
func (g *Guard) ClearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     g.cfg.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   g.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}
