package signing

import (
	"context"
	"errors"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/keithlinneman/reqguard/internal/log"
	"github.com/keithlinneman/reqguard/internal/xerrors"
)

// ssmAPI is the subset of the SSM client used here.
type ssmAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// SSMKeysOptions configures an SSMKeys provider.
type SSMKeysOptions struct {
	// Prefix is the parameter path; key "abc" resolves to Prefix/abc.
	Prefix string
	// TTL bounds how long a fetched secret is served from cache.
	TTL time.Duration
	// MissTTL bounds how long an unknown key id is remembered.
	MissTTL time.Duration
	// Size is the maximum number of cached secrets.
	Size   int
	Logger log.Logger
}

// SSMKeys resolves secrets from SSM SecureString parameters, one per api key.
// Lookups are cached and concurrent misses for the same key are coalesced so
// a burst of requests costs one GetParameter call.
type SSMKeys struct {
	client ssmAPI
	prefix string
	hits   *expirable.LRU[string, []byte]
	misses *expirable.LRU[string, struct{}]
	group  singleflight.Group
	logger log.Logger
}

// validKeyID restricts key ids to characters that are safe as a parameter path segment.
func validKeyID(id string) bool {
	if id == "" || len(id) > 128 {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
		default:
			return false
		}
	}
	return id != "." && id != ".."
}

// NewSSMKeys returns a provider over client.
func NewSSMKeys(client ssmAPI, opts SSMKeysOptions) (*SSMKeys, error) {
	if client == nil {
		return nil, xerrors.New("ssm client is required")
	}
	if !strings.HasPrefix(opts.Prefix, "/") {
		return nil, xerrors.Newf("ssm key prefix must be absolute (got %q)", opts.Prefix)
	}
	if opts.TTL <= 0 {
		opts.TTL = 5 * time.Minute
	}
	if opts.MissTTL <= 0 {
		opts.MissTTL = time.Minute
	}
	if opts.Size <= 0 {
		opts.Size = 1024
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	return &SSMKeys{
		client: client,
		prefix: strings.TrimRight(opts.Prefix, "/"),
		hits:   expirable.NewLRU[string, []byte](opts.Size, nil, opts.TTL),
		// misses get their own cache so random key ids cannot evict real secrets
		misses: expirable.NewLRU[string, struct{}](opts.Size*4, nil, opts.MissTTL),
		logger: opts.Logger,
	}, nil
}

func (k *SSMKeys) Secret(ctx context.Context, keyID string) ([]byte, error) {
	if !validKeyID(keyID) {
		return nil, ErrUnknownKey
	}
	if v, ok := k.hits.Get(keyID); ok {
		return v, nil
	}
	if _, ok := k.misses.Get(keyID); ok {
		return nil, ErrUnknownKey
	}

	v, err, _ := k.group.Do(keyID, func() (any, error) {
		return k.fetch(ctx, keyID)
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (k *SSMKeys) fetch(ctx context.Context, keyID string) ([]byte, error) {
	name := path.Join(k.prefix, keyID)
	out, err := k.client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		var nf *ssmtypes.ParameterNotFound
		if errors.As(err, &nf) {
			k.misses.Add(keyID, struct{}{})
			return nil, ErrUnknownKey
		}
		return nil, xerrors.Wrapf(err, "get SSM parameter %s", name)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return nil, xerrors.Newf("SSM parameter %s has no value", name)
	}
	secret := strings.TrimSpace(*out.Parameter.Value)
	if secret == "" {
		k.misses.Add(keyID, struct{}{})
		return nil, ErrUnknownKey
	}

	k.logger.Debug(ctx, "loaded api key secret from ssm", "api_key", keyID)
	b := []byte(secret)
	k.hits.Add(keyID, b)
	return b, nil
}
