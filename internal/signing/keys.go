package signing

import (
	"context"
	"errors"
)

// ErrUnknownKey means no secret exists for the api key id.
var ErrUnknownKey = errors.New("unknown api key")

// KeyProvider resolves an api key id to its shared secret.
type KeyProvider interface {
	Secret(ctx context.Context, keyID string) ([]byte, error)
}

// StaticKeys serves secrets from an in-memory map, typically the policy file.
type StaticKeys map[string]string

func (s StaticKeys) Secret(_ context.Context, keyID string) ([]byte, error) {
	if v, ok := s[keyID]; ok && v != "" {
		return []byte(v), nil
	}
	return nil, ErrUnknownKey
}

// ChainKeys tries each provider in order and returns the first secret found.
// A provider failure other than ErrUnknownKey stops the chain.
type ChainKeys []KeyProvider

func (c ChainKeys) Secret(ctx context.Context, keyID string) ([]byte, error) {
	for _, p := range c {
		if p == nil {
			continue
		}
		secret, err := p.Secret(ctx, keyID)
		if err == nil {
			return secret, nil
		}
		if !errors.Is(err, ErrUnknownKey) {
			return nil, err
		}
	}
	return nil, ErrUnknownKey
}
