package artifact

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

// MinioConfig holds connection settings for an S3-compatible store
type MinioConfig struct {
	Endpoint      string
	AccessKey     string
	SecretKey     string
	UseSSL        bool
	ArchiveBucket string
}

// MinioStore serves s3://<bucket>/<key> references and archives output objects
type MinioStore struct {
	logger        *zap.Logger
	client        *minio.Client
	archiveBucket string
}

// NewMinioStore connects to the store and makes sure the archive bucket exists
func NewMinioStore(ctx context.Context, cfg MinioConfig, logger *zap.Logger) (*MinioStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	s := &MinioStore{
		logger:        logger.Named("minio-store"),
		client:        client,
		archiveBucket: cfg.ArchiveBucket,
	}

	if cfg.ArchiveBucket != "" {
		exists, err := client.BucketExists(ctx, cfg.ArchiveBucket)
		if err != nil {
			return nil, fmt.Errorf("failed to check bucket existence: %w", err)
		}
		if !exists {
			if err := client.MakeBucket(ctx, cfg.ArchiveBucket, minio.MakeBucketOptions{}); err != nil {
				return nil, fmt.Errorf("failed to create bucket: %w", err)
			}
			s.logger.Info("Created bucket", zap.String("bucket", cfg.ArchiveBucket))
		}
	}

	s.logger.Info("Minio store initialized",
		zap.String("endpoint", cfg.Endpoint),
		zap.Bool("use_ssl", cfg.UseSSL))

	return s, nil
}

// Scheme implements Store
func (s *MinioStore) Scheme() string { return "s3" }

// Fetch implements Store
func (s *MinioStore) Fetch(ctx context.Context, ref *url.URL, w io.Writer) error {
	bucket := ref.Host
	key := strings.TrimPrefix(ref.Path, "/")
	if bucket == "" || key == "" {
		return fmt.Errorf("%w: %s", ErrInvalidReference, ref.String())
	}

	object, err := s.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return fmt.Errorf("failed to get object: %w", err)
	}
	defer object.Close()

	if _, err := object.Stat(); err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return fmt.Errorf("%w: %s", ErrNotFound, ref.String())
		}
		return fmt.Errorf("failed to stat object: %w", err)
	}

	if _, err := io.Copy(w, object); err != nil {
		return fmt.Errorf("failed to copy object content: %w", err)
	}
	return nil
}

// Archive implements Archiver
func (s *MinioStore) Archive(ctx context.Context, key string, r io.Reader, size int64) (string, error) {
	if s.archiveBucket == "" {
		return "", fmt.Errorf("no archive bucket configured")
	}

	_, err := s.client.PutObject(ctx, s.archiveBucket, key, r, size, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload object: %w", err)
	}

	s.logger.Debug("Archived object",
		zap.String("bucket", s.archiveBucket),
		zap.String("key", key),
		zap.Int64("size", size))

	return fmt.Sprintf("s3://%s/%s", s.archiveBucket, key), nil
}
