package upload

import (
	"bytes"
	"context"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/keithlinneman/reqguard/internal/reject"
	"github.com/keithlinneman/reqguard/internal/reqmeta"
	"github.com/keithlinneman/reqguard/internal/xerrors"
)

// Quarantine keeps a copy of a rejected file for later analysis.
type Quarantine interface {
	Store(ctx context.Context, f reqmeta.File, data []byte, problems []reject.FileProblem) error
}

// s3API is the subset of the S3 client used here.
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Quarantine writes flagged files to s3://{bucket}/{prefix}/{sha256}.
// Identical payloads land on the same key.
type S3Quarantine struct {
	client s3API
	bucket string
	prefix string
}

func NewS3Quarantine(client s3API, bucket, prefix string) (*S3Quarantine, error) {
	if client == nil {
		return nil, xerrors.New("s3 client is required")
	}
	if bucket == "" {
		return nil, xerrors.New("quarantine bucket is required")
	}
	return &S3Quarantine{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}, nil
}

func (q *S3Quarantine) key(digest string) string {
	if q.prefix == "" {
		return digest
	}
	return path.Join(q.prefix, digest)
}

func (q *S3Quarantine) Store(ctx context.Context, f reqmeta.File, data []byte, problems []reject.FileProblem) error {
	reasons := make([]string, 0, len(problems))
	for _, p := range problems {
		reasons = append(reasons, string(p.Reason))
	}
	key := q.key(f.SHA256)

	_, err := q.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(q.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"field":     f.Field,
			"safe-name": f.SafeName,
			"reasons":   strings.Join(reasons, ","),
		},
		ServerSideEncryption: s3types.ServerSideEncryptionAes256,
	})
	if err != nil {
		return xerrors.Wrapf(err, "put quarantine object s3://%s/%s", q.bucket, key)
	}
	return nil
}
