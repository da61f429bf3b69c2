// Package archive provides S3-compatible upload and pre-signed URL generation
// for seed bundles and CSV exports. When S3 is not configured (empty
// endpoint), the NoopUploader is used and all archive operations are skipped,
// keeping the system in local-only mode.
package archive

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/hyperengineering/sitrep/internal/config"
)

// ErrNotConfigured is returned when archive storage is not configured.
var ErrNotConfigured = errors.New("archive storage not configured")

// Uploader uploads artifacts and generates pre-signed download URLs.
type Uploader interface {
	// Upload uploads the file at filePath under the given object key.
	Upload(ctx context.Context, key, filePath string) error

	// UploadBytes uploads an in-memory artifact under the given object key.
	UploadBytes(ctx context.Context, key string, data []byte, contentType string) error

	// PresignedURL returns a pre-signed GET URL for the object.
	// Returns ErrNotConfigured when archive storage is not configured.
	PresignedURL(ctx context.Context, key string) (url string, expiry time.Time, err error)
}

// s3Client defines the minimal minio.Client operations used by S3Uploader.
// This interface enables testing with mock implementations.
type s3Client interface {
	FPutObject(ctx context.Context, bucket, objectName, filePath string) error
	PutObject(ctx context.Context, bucket, objectName string, data []byte, contentType string) error
	PresignedGetObject(ctx context.Context, bucket, objectName string, expiry time.Duration) (*url.URL, error)
}

// minioClientWrapper wraps *minio.Client to satisfy the s3Client interface.
type minioClientWrapper struct {
	client *minio.Client
}

func (w *minioClientWrapper) FPutObject(ctx context.Context, bucket, objectName, filePath string) error {
	_, err := w.client.FPutObject(ctx, bucket, objectName, filePath, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	return err
}

func (w *minioClientWrapper) PutObject(ctx context.Context, bucket, objectName string, data []byte, contentType string) error {
	_, err := w.client.PutObject(ctx, bucket, objectName, strings.NewReader(string(data)), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	return err
}

func (w *minioClientWrapper) PresignedGetObject(ctx context.Context, bucket, objectName string, expiry time.Duration) (*url.URL, error) {
	return w.client.PresignedGetObject(ctx, bucket, objectName, expiry, nil)
}

// S3Uploader uploads artifacts to S3-compatible storage.
type S3Uploader struct {
	client    s3Client
	bucket    string
	prefix    string
	urlExpiry time.Duration
}

// Upload uploads the file at filePath under key.
func (u *S3Uploader) Upload(ctx context.Context, key, filePath string) error {
	if err := u.client.FPutObject(ctx, u.bucket, u.objectKey(key), filePath); err != nil {
		return fmt.Errorf("upload %s to archive: %w", key, err)
	}
	return nil
}

// UploadBytes uploads an in-memory artifact under key.
func (u *S3Uploader) UploadBytes(ctx context.Context, key string, data []byte, contentType string) error {
	if err := u.client.PutObject(ctx, u.bucket, u.objectKey(key), data, contentType); err != nil {
		return fmt.Errorf("upload %s to archive: %w", key, err)
	}
	return nil
}

// PresignedURL returns a pre-signed GET URL for the object at key.
func (u *S3Uploader) PresignedURL(ctx context.Context, key string) (string, time.Time, error) {
	presigned, err := u.client.PresignedGetObject(ctx, u.bucket, u.objectKey(key), u.urlExpiry)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("generate pre-signed URL for %s: %w", key, err)
	}
	expiry := time.Now().Add(u.urlExpiry)
	return presigned.String(), expiry, nil
}

func (u *S3Uploader) objectKey(key string) string {
	if u.prefix == "" {
		return key
	}
	return strings.TrimSuffix(u.prefix, "/") + "/" + key
}

// NoopUploader is used when archive storage is not configured.
// Uploads are no-ops and PresignedURL returns ErrNotConfigured.
type NoopUploader struct{}

func (u *NoopUploader) Upload(ctx context.Context, key, filePath string) error {
	return nil
}

func (u *NoopUploader) UploadBytes(ctx context.Context, key string, data []byte, contentType string) error {
	return nil
}

func (u *NoopUploader) PresignedURL(ctx context.Context, key string) (string, time.Time, error) {
	return "", time.Time{}, ErrNotConfigured
}

// NewUploader creates the appropriate Uploader based on configuration.
// Returns NoopUploader when the endpoint is empty, S3Uploader otherwise.
func NewUploader(cfg config.ArchiveConfig) (Uploader, error) {
	if cfg.Endpoint == "" {
		return &NoopUploader{}, nil
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create archive client: %w", err)
	}

	return &S3Uploader{
		client:    &minioClientWrapper{client: client},
		bucket:    cfg.Bucket,
		prefix:    cfg.Prefix,
		urlExpiry: time.Duration(cfg.PresignExpiry),
	}, nil
}
