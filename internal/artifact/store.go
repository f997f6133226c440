// Package artifact provides access to the object store where builders put
// deployment outputs, and mints short-lived credentials scoped to a single
// deployment's key prefix.
package artifact

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ErrObjectMissing reports that a manifest-referenced object is not in the
// store. Callers treat this as a hard failure, never a skip.
var ErrObjectMissing = fmt.Errorf("artifact: object missing")

// Config holds object store connection settings.
type Config struct {
	Endpoint        string
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	UseTLS          bool
	// STSEndpoint enables prefix-scoped credential minting. Empty means the
	// store hands out its static credentials (local development).
	STSEndpoint string
}

// Credentials are object store credentials handed to a builder. When minted
// through STS they are time-limited and write-scoped to one prefix.
type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	Region          string
	Bucket          string
	Endpoint        string
}

// Store wraps the object store client.
type Store struct {
	client *minio.Client
	cfg    Config
}

// NewStore connects to the object store with the service's root credentials.
func NewStore(cfg Config) (*Store, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("artifact: endpoint cannot be empty")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("artifact: bucket cannot be empty")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseTLS,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create object store client: %w", err)
	}
	return &Store{client: client, cfg: cfg}, nil
}

// Bucket returns the configured bucket name.
func (s *Store) Bucket() string { return s.cfg.Bucket }

// Fetch opens the object at key for reading. A missing key surfaces as
// ErrObjectMissing immediately rather than on first read.
func (s *Store) Fetch(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	obj, err := s.client.GetObject(ctx, s.cfg.Bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, 0, fmt.Errorf("get object %s: %w", key, err)
	}
	info, err := obj.Stat()
	if err != nil {
		obj.Close()
		return nil, 0, normalizeErr(key, err)
	}
	return obj, info.Size, nil
}

// Stat returns the size of the object at key.
func (s *Store) Stat(ctx context.Context, key string) (int64, error) {
	info, err := s.client.StatObject(ctx, s.cfg.Bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return 0, normalizeErr(key, err)
	}
	return info.Size, nil
}

// scopedPolicy limits a credential to put/get under one key prefix.
const scopedPolicy = `{
  "Version": "2012-10-17",
  "Statement": [
    {
      "Effect": "Allow",
      "Action": ["s3:PutObject", "s3:GetObject"],
      "Resource": ["arn:aws:s3:::%s/%s*"]
    }
  ]
}`

// ScopedCredentials mints credentials limited to the given key prefix with
// the given lifetime. Without an STS endpoint the static credentials are
// returned unchanged.
func (s *Store) ScopedCredentials(ctx context.Context, prefix string, ttl time.Duration) (Credentials, error) {
	base := Credentials{
		Region:   s.cfg.Region,
		Bucket:   s.cfg.Bucket,
		Endpoint: s.cfg.Endpoint,
	}
	if s.cfg.STSEndpoint == "" {
		base.AccessKeyID = s.cfg.AccessKeyID
		base.SecretAccessKey = s.cfg.SecretAccessKey
		return base, nil
	}
	provider, err := credentials.NewSTSAssumeRole(s.cfg.STSEndpoint, credentials.STSAssumeRoleOptions{
		AccessKey:       s.cfg.AccessKeyID,
		SecretKey:       s.cfg.SecretAccessKey,
		Policy:          fmt.Sprintf(scopedPolicy, s.cfg.Bucket, prefix),
		DurationSeconds: int(ttl.Seconds()),
	})
	if err != nil {
		return Credentials{}, fmt.Errorf("assume role for %s: %w", prefix, err)
	}
	value, err := provider.Get()
	if err != nil {
		return Credentials{}, fmt.Errorf("fetch scoped credentials for %s: %w", prefix, err)
	}
	base.AccessKeyID = value.AccessKeyID
	base.SecretAccessKey = value.SecretAccessKey
	base.SessionToken = value.SessionToken
	return base, nil
}

func normalizeErr(key string, err error) error {
	resp := minio.ToErrorResponse(err)
	if resp.Code == "NoSuchKey" {
		return fmt.Errorf("%w: %s", ErrObjectMissing, key)
	}
	return fmt.Errorf("stat object %s: %w", key, err)
}
