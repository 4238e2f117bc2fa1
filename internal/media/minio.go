package media

import (
	"bytes"
	"context"
	"fmt"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/mvbarbosa/warelay/internal/config"
)

// MinioStore is the minio-backed ObjectStore.
type MinioStore struct {
	client *minio.Client
	bucket string
	useSSL bool
}

// NewMinioStore connects to the configured object storage endpoint.
func NewMinioStore(cfg config.Storage) (*MinioStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create object storage client: %w", err)
	}
	return &MinioStore{client: client, bucket: cfg.Bucket, useSSL: cfg.UseSSL}, nil
}

// Put uploads one object. An absent bucket is reported as ErrBucketMissing
// so the resolver can provision it and retry.
func (s *MinioStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchBucket" {
			return fmt.Errorf("%w: %s", ErrBucketMissing, s.bucket)
		}
		return fmt.Errorf("put object %s: %w", key, err)
	}
	return nil
}

// EnsureBucket creates the bucket if it does not exist.
func (s *MinioStore) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("make bucket %s: %w", s.bucket, err)
	}
	return nil
}

// PublicURL returns the object's public URL on the storage endpoint.
func (s *MinioStore) PublicURL(key string) string {
	scheme := "http"
	if s.useSSL {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s/%s/%s", scheme, s.client.EndpointURL().Host, s.bucket, key)
}
