//go:build gcp

package storage

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
)

// GCSBlobStoreConfig configures GCSBlobStore.
type GCSBlobStoreConfig struct {
	Bucket string
	Prefix string
}

// GCSBlobStore is a BlobStore backed by Google Cloud Storage,
// content-addressed by SHA-256 under Prefix. Built behind the "gcp"
// build tag so deployments that don't need it avoid the dependency.
type GCSBlobStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSBlobStore creates a GCS-backed BlobStore using Application
// Default Credentials.
func NewGCSBlobStore(ctx context.Context, cfg GCSBlobStoreConfig) (*GCSBlobStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: new gcs client: %w", err)
	}
	return &GCSBlobStore{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// Put implements BlobStore.
func (s *GCSBlobStore) Put(ctx context.Context, data []byte) (string, error) {
	ref := blobRef(data)
	key, _ := blobKey(s.prefix, ref)
	w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("storage: gcs write: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("storage: gcs close: %w", err)
	}
	return ref, nil
}

// Get implements BlobStore.
func (s *GCSBlobStore) Get(ctx context.Context, ref string) ([]byte, error) {
	key, err := blobKey(s.prefix, ref)
	if err != nil {
		return nil, err
	}
	r, err := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: gcs get %s: %w", ref, err)
	}
	defer func() { _ = r.Close() }()
	return io.ReadAll(r)
}

// Exists implements BlobStore.
func (s *GCSBlobStore) Exists(ctx context.Context, ref string) (bool, error) {
	key, err := blobKey(s.prefix, ref)
	if err != nil {
		return false, err
	}
	_, err = s.client.Bucket(s.bucket).Object(key).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("storage: gcs attrs %s: %w", ref, err)
	}
	return true, nil
}

// Delete implements BlobStore.
func (s *GCSBlobStore) Delete(ctx context.Context, ref string) error {
	key, err := blobKey(s.prefix, ref)
	if err != nil {
		return err
	}
	if err := s.client.Bucket(s.bucket).Object(key).Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("storage: gcs delete %s: %w", ref, err)
	}
	return nil
}
