package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// ObjectStore serves nats://<bucket>/<object> references from JetStream
// object store buckets and archives output into a configured bucket.
type ObjectStore struct {
	logger        *zap.Logger
	js            nats.JetStreamContext
	archiveBucket string

	mu      sync.Mutex
	buckets map[string]nats.ObjectStore
}

// NewObjectStore creates a JetStream object store adapter
func NewObjectStore(js nats.JetStreamContext, archiveBucket string, logger *zap.Logger) *ObjectStore {
	return &ObjectStore{
		logger:        logger.Named("object-store"),
		js:            js,
		archiveBucket: archiveBucket,
		buckets:       make(map[string]nats.ObjectStore),
	}
}

// Scheme implements Store
func (s *ObjectStore) Scheme() string { return "nats" }

// Fetch implements Store
func (s *ObjectStore) Fetch(ctx context.Context, ref *url.URL, w io.Writer) error {
	bucket := ref.Host
	name := strings.TrimPrefix(ref.Path, "/")
	if bucket == "" || name == "" {
		return fmt.Errorf("%w: %s", ErrInvalidReference, ref.String())
	}

	obs, err := s.bucket(bucket, false)
	if err != nil {
		return err
	}

	result, err := obs.Get(name, nats.Context(ctx))
	if err != nil {
		if errors.Is(err, nats.ErrObjectNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, ref.String())
		}
		return fmt.Errorf("failed to get object: %w", err)
	}
	defer result.Close()

	if _, err := io.Copy(w, result); err != nil {
		return fmt.Errorf("failed to read object: %w", err)
	}
	return nil
}

// Archive implements Archiver
func (s *ObjectStore) Archive(ctx context.Context, key string, r io.Reader, size int64) (string, error) {
	obs, err := s.bucket(s.archiveBucket, true)
	if err != nil {
		return "", err
	}

	info, err := obs.Put(&nats.ObjectMeta{Name: key}, r, nats.Context(ctx))
	if err != nil {
		return "", fmt.Errorf("failed to put object %s: %w", key, err)
	}

	s.logger.Debug("Archived object",
		zap.String("bucket", s.archiveBucket),
		zap.String("name", key),
		zap.Uint64("size", info.Size))

	return fmt.Sprintf("nats://%s/%s", s.archiveBucket, key), nil
}

// bucket returns a cached handle, creating the bucket when create is set
func (s *ObjectStore) bucket(name string, create bool) (nats.ObjectStore, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if obs, ok := s.buckets[name]; ok {
		return obs, nil
	}

	obs, err := s.js.ObjectStore(name)
	missing := errors.Is(err, nats.ErrBucketNotFound) || errors.Is(err, nats.ErrStreamNotFound)
	switch {
	case err == nil:
	case missing && create:
		obs, err = s.js.CreateObjectStore(&nats.ObjectStoreConfig{
			Bucket:      name,
			Description: "execd execution artifacts",
			Storage:     nats.FileStorage,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create bucket %s: %w", name, err)
		}
		s.logger.Info("Created object store bucket", zap.String("bucket", name))
	case missing:
		return nil, fmt.Errorf("%w: bucket %s", ErrNotFound, name)
	default:
		return nil, fmt.Errorf("failed to open bucket %s: %w", name, err)
	}

	s.buckets[name] = obs
	return obs, nil
}
