// Package archive copies completed deployment records to S3-compatible
// object storage.
package archive

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"

	"github.com/openfroyo/rollout/pkg/config"
)

// DefaultRegion is used when creating a bucket without a configured region.
const DefaultRegion = "us-east-1"

// S3Uploader uploads archive files with minio-go.
type S3Uploader struct {
	mc     *minio.Client
	bucket string
	prefix string
	region string
	logger zerolog.Logger

	mu          sync.Mutex
	bucketReady bool
}

// NewS3Uploader creates an uploader. No request is made until the first
// upload.
func NewS3Uploader(cfg config.S3Settings, logger zerolog.Logger) (*S3Uploader, error) {
	if !cfg.Configured() {
		return nil, fmt.Errorf("s3 endpoint and bucket are required")
	}

	opts := &minio.Options{
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	}
	if cfg.AccessKey != "" || cfg.SecretKey != "" {
		opts.Creds = credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, "")
	} else {
		// AWS_ACCESS_KEY_ID or MINIO_ACCESS_KEY and friends.
		opts.Creds = credentials.NewChainCredentials([]credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.EnvMinio{},
		})
	}

	mc, err := minio.New(cfg.Endpoint, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create s3 client: %w", err)
	}

	region := cfg.Region
	if region == "" {
		region = DefaultRegion
	}
	return &S3Uploader{
		mc:     mc,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		region: region,
		logger: logger.With().Str("component", "archive").Str("bucket", cfg.Bucket).Logger(),
	}, nil
}

// ObjectKey returns the key a local archive file is stored under.
func (u *S3Uploader) ObjectKey(file string) string {
	name := filepath.Base(file)
	if u.prefix == "" {
		return name
	}
	return path.Join(u.prefix, name)
}

// EnsureBucket creates the bucket if it does not exist. It only talks to
// the server once per uploader.
func (u *S3Uploader) EnsureBucket(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.bucketReady {
		return nil
	}

	exists, err := u.mc.BucketExists(ctx, u.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket %s: %w", u.bucket, err)
	}
	if !exists {
		if err := u.mc.MakeBucket(ctx, u.bucket, minio.MakeBucketOptions{Region: u.region}); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", u.bucket, err)
		}
		u.logger.Info().Msg("created archive bucket")
	}
	u.bucketReady = true
	return nil
}

// Upload stores the file at path and returns its object key.
func (u *S3Uploader) Upload(ctx context.Context, file string) (string, error) {
	if err := u.EnsureBucket(ctx); err != nil {
		return "", err
	}

	key := u.ObjectKey(file)
	info, err := u.mc.FPutObject(ctx, u.bucket, key, file, minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload %s: %w", key, err)
	}

	u.logger.Debug().
		Str("key", key).
		Int64("size", info.Size).
		Msg("archive uploaded")
	return key, nil
}

// Exists reports whether key is present in the bucket.
func (u *S3Uploader) Exists(ctx context.Context, key string) (bool, error) {
	_, err := u.mc.StatObject(ctx, u.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
