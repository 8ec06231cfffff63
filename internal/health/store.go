package health

import (
	"context"
	"time"

	"github.com/keithlinneman/reqguard/internal/store"
	"github.com/keithlinneman/reqguard/internal/xerrors"
)

const defaultPingTimeout = 500 * time.Millisecond

// StoreProbe fails while the shared store does not answer a ping. The
// probe error names the store but never carries the driver's message.
func StoreProbe(s store.Store, timeout time.Duration) CheckFunc {
	if timeout <= 0 {
		timeout = defaultPingTimeout
	}
	return func(ctx context.Context) error {
		if s == nil {
			return xerrors.New("store: not configured")
		}
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := s.Ping(ctx); err != nil {
			return xerrors.New("store: unavailable")
		}
		return nil
	}
}
