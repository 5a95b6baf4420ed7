// Package attach stores thread attachments (screenshots, prototype captures)
// in S3-compatible object storage.
package attach

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

var (
	// ErrTooLarge is returned when an upload exceeds the size limit.
	ErrTooLarge = errors.New("attachment exceeds size limit")
	// ErrUnsupportedType is returned for content types we do not accept.
	ErrUnsupportedType = errors.New("unsupported attachment content type")
)

// MaxSize is the largest attachment we accept.
const MaxSize = 10 << 20 // 10 MiB

var allowedTypes = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/gif":  ".gif",
	"image/webp": ".webp",
}

// Service stores and serves attachments from a single bucket.
type Service struct {
	client *minio.Client
	bucket string
}

// New connects to the object store and ensures the bucket exists.
func New(ctx context.Context, endpoint, accessKey, secretKey, bucket string, useSSL bool) (*Service, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("attach: connect %s: %w", endpoint, err)
	}

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("attach: check bucket %s: %w", bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("attach: create bucket %s: %w", bucket, err)
		}
		log.Printf("attach: created bucket %s", bucket)
	}

	return &Service{client: client, bucket: bucket}, nil
}

// Upload stores an attachment for a thread and returns its object key.
func (s *Service) Upload(ctx context.Context, threadID, contentType string, size int64, body io.Reader) (string, error) {
	ext, ok := allowedTypes[strings.ToLower(contentType)]
	if !ok {
		return "", ErrUnsupportedType
	}
	if size > MaxSize {
		return "", ErrTooLarge
	}

	key := path.Join("threads", threadID, fmt.Sprintf("%d%s", time.Now().UnixNano(), ext))
	_, err := s.client.PutObject(ctx, s.bucket, key, body, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("attach: put %s: %w", key, err)
	}
	return key, nil
}

// PresignedGet returns a time-limited URL for downloading an attachment.
func (s *Service) PresignedGet(ctx context.Context, key string, expiry time.Duration) (string, error) {
	if expiry <= 0 {
		expiry = 15 * time.Minute
	}
	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, expiry, url.Values{})
	if err != nil {
		return "", fmt.Errorf("attach: presign %s: %w", key, err)
	}
	return u.String(), nil
}

// Delete removes an attachment object. Missing objects are not an error.
func (s *Service) Delete(ctx context.Context, key string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("attach: remove %s: %w", key, err)
	}
	return nil
}
