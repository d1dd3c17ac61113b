// Package covers stores story cover images in S3-compatible object storage.
package covers

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"inkwell/api/internal/util"
)

// Storage uploads and removes cover images for stories.
type Storage interface {
	Put(ctx context.Context, storyID, filename, contentType string, body io.Reader, size int64) (url, key string, err error)
	Remove(ctx context.Context, key string) error
}

type MinioStorage struct {
	client *minio.Client
	bucket string
	secure bool
}

// NewMinioStorage connects to the endpoint and creates the bucket if it does
// not exist yet.
func NewMinioStorage(ctx context.Context, endpoint, accessKey, secretKey, bucket string, useSSL bool) (*MinioStorage, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("covers: create client: %w", err)
	}
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("covers: check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("covers: create bucket: %w", err)
		}
	}
	return &MinioStorage{client: client, bucket: bucket, secure: useSSL}, nil
}

// Put stores the image under a fresh key and returns its public URL. The key
// embeds the story id so stale covers are easy to trace.
func (s *MinioStorage) Put(ctx context.Context, storyID, filename, contentType string, body io.Reader, size int64) (string, string, error) {
	ext := strings.ToLower(path.Ext(filename))
	switch ext {
	case ".png", ".jpg", ".jpeg", ".gif", ".webp":
	default:
		return "", "", fmt.Errorf("covers: unsupported image type %q", ext)
	}
	key := fmt.Sprintf("covers/%s/%s%s", storyID, util.NewID("img"), ext)

	_, err := s.client.PutObject(ctx, s.bucket, key, body, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", "", fmt.Errorf("covers: put object: %w", err)
	}

	scheme := "http"
	if s.secure {
		scheme = "https"
	}
	url := fmt.Sprintf("%s://%s/%s/%s", scheme, s.client.EndpointURL().Host, s.bucket, key)
	return url, key, nil
}

// Remove deletes a previously stored cover. Missing objects are not an error.
func (s *MinioStorage) Remove(ctx context.Context, key string) error {
	if key == "" {
		return nil
	}
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("covers: remove object: %w", err)
	}
	return nil
}
