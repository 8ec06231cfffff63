package signing

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/keithlinneman/reqguard/internal/clock"
	"github.com/keithlinneman/reqguard/internal/log"
	"github.com/keithlinneman/reqguard/internal/reject"
	"github.com/keithlinneman/reqguard/internal/reqmeta"
	"github.com/keithlinneman/reqguard/internal/xerrors"
)

// NonceChecker is satisfied by replay.Guard.
type NonceChecker interface {
	CheckAndRecord(ctx context.Context, scope, nonce string) (bool, error)
}

// Config configures the signature stage.
type Config struct {
	// ProtectedPrefixes lists path prefixes that require a signature.
	ProtectedPrefixes []string
	// MaxSkew bounds |now - timestamp|.
	MaxSkew time.Duration
	Keys    KeyProvider
	Nonces  NonceChecker
	Clock   clock.Clock

	// OnReject is called with the reason for every refused request.
	OnReject func(reason reject.AuthReason)
}

// Stage verifies signed requests on protected paths.
type Stage struct {
	cfg Config
}

// NewStage validates cfg and returns the stage.
func NewStage(cfg Config) (*Stage, error) {
	if cfg.Keys == nil {
		return nil, xerrors.New("signing: key provider is required")
	}
	if cfg.Nonces == nil {
		return nil, xerrors.New("signing: nonce checker is required")
	}
	if cfg.MaxSkew <= 0 {
		cfg.MaxSkew = 300 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.System()
	}
	return &Stage{cfg: cfg}, nil
}

// Protected reports whether path requires a signature.
func (s *Stage) Protected(path string) bool {
	for _, p := range s.cfg.ProtectedPrefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// Check verifies one request. body must be the raw bytes as received.
// The nonce is only recorded after the signature verifies, so unsigned
// garbage cannot burn a legitimate client's nonces.
func (s *Stage) Check(ctx context.Context, r *http.Request, body []byte) error {
	h, err := ParseHeaders(r.Header)
	if err != nil {
		return err
	}

	now := s.cfg.Clock.Now()
	skew := now.Sub(time.Unix(h.Unix, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > s.cfg.MaxSkew {
		return &reject.AuthenticationError{Reason: reject.ReplayOrExpired}
	}

	secret, err := s.cfg.Keys.Secret(ctx, h.APIKey)
	if err != nil {
		if !errors.Is(err, ErrUnknownKey) {
			// fail closed without telling the client the key store is down
			log.FromContext(ctx).Error(ctx, xerrors.Wrap(err, "resolve api key secret"), "api key lookup failed",
				"api_key", h.APIKey,
			)
		}
		return &reject.AuthenticationError{Reason: reject.InvalidSignature}
	}

	c := Canonical{
		Method:    r.Method,
		Path:      r.URL.EscapedPath(),
		RawQuery:  r.URL.RawQuery,
		Timestamp: h.Timestamp,
		Nonce:     h.Nonce,
		Body:      body,
	}
	if !Verify(secret, c.String(), h.Signature) {
		return &reject.AuthenticationError{Reason: reject.InvalidSignature}
	}

	fresh, err := s.cfg.Nonces.CheckAndRecord(ctx, h.APIKey, h.Nonce)
	if err != nil {
		// fail closed: the outage is logged, the client only sees an auth failure
		log.FromContext(ctx).Warn(ctx, "nonce store unavailable, rejecting signed request",
			"api_key", h.APIKey,
			"error", err.Error(),
		)
		return &reject.AuthenticationError{Reason: reject.ReplayOrExpired}
	}
	if !fresh {
		return &reject.AuthenticationError{Reason: reject.ReplayOrExpired}
	}
	return nil
}

// Middleware enforces signatures on protected paths. It depends on body
// capture having run first.
func (s *Stage) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.Protected(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		ctx := r.Context()
		L := log.FromContext(ctx)

		body, ok := reqmeta.BodyFrom(ctx)
		if !ok {
			L.Error(ctx, xerrors.New("raw body not captured before signature stage"), "pipeline misconfigured")
			reject.Write(ctx, w, xerrors.New("body not captured"))
			return
		}

		if err := s.Check(ctx, r, body); err != nil {
			if rej, ok := reject.As(err); ok {
				if s.cfg.OnReject != nil {
					s.cfg.OnReject(reject.AuthReason(rej.Code()))
				}
				L.Warn(ctx, "signed request rejected",
					"reason", rej.Code(),
					"api_key", r.Header.Get(HeaderAPIKey),
				)
			} else {
				L.Error(ctx, err, "signature check failed")
			}
			reject.Write(ctx, w, err)
			return
		}

		L.Debug(ctx, "signature verified", "api_key", r.Header.Get(HeaderAPIKey))
		next.ServeHTTP(w, r)
	})
}
