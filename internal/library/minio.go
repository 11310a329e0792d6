package library

import (
	"context"
	"fmt"
	"mime"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/kalambet/crate/internal/storage"
)

// MinioConfig describes an S3-compatible bucket.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	Prefix    string
	UseSSL    bool
}

// objectUploader is the part of *minio.Client MinioOrganizer uses.
type objectUploader interface {
	FPutObject(ctx context.Context, bucket, object, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	RemoveObject(ctx context.Context, bucket, object string, opts minio.RemoveObjectOptions) error
}

// MinioOrganizer uploads samples to a bucket. Source files are not touched.
type MinioOrganizer struct {
	client objectUploader
	bucket string
	prefix string
}

// NewMinio connects to the endpoint and creates the bucket if needed.
func NewMinio(ctx context.Context, cfg MinioConfig) (*MinioOrganizer, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("object store bucket is required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("creating object store client: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("checking bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("creating bucket %s: %w", cfg.Bucket, err)
		}
	}
	return newMinioOrganizer(client, cfg.Bucket, cfg.Prefix), nil
}

func newMinioOrganizer(client objectUploader, bucket, prefix string) *MinioOrganizer {
	return &MinioOrganizer{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

// ObjectKey is the bucket key for s.
func (o *MinioOrganizer) ObjectKey(s storage.Sample) string {
	if o.prefix == "" {
		return RelPath(s)
	}
	return path.Join(o.prefix, RelPath(s))
}

// Place uploads srcPath and returns its s3:// URL.
func (o *MinioOrganizer) Place(ctx context.Context, s storage.Sample, srcPath string) (string, error) {
	key := o.ObjectKey(s)
	contentType := mime.TypeByExtension(strings.ToLower(filepath.Ext(srcPath)))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err := o.client.FPutObject(ctx, o.bucket, key, srcPath, minio.PutObjectOptions{
		ContentType:  contentType,
		UserMetadata: map[string]string{"category": string(s.Category), "mood": s.Mood},
	})
	if err != nil {
		return "", fmt.Errorf("uploading %s: %w", key, err)
	}
	return "s3://" + o.bucket + "/" + key, nil
}

// Unplace deletes an uploaded object whose record could not be stored.
func (o *MinioOrganizer) Unplace(ctx context.Context, placed, _ string) error {
	return o.Discard(ctx, placed)
}

// Discard deletes the object at an s3:// location in this bucket. Any other
// location is ignored.
func (o *MinioOrganizer) Discard(ctx context.Context, location string) error {
	key, ok := strings.CutPrefix(location, "s3://"+o.bucket+"/")
	if !ok || key == "" {
		return nil
	}
	if err := o.client.RemoveObject(ctx, o.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("removing %s: %w", key, err)
	}
	return nil
}
