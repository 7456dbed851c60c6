// Package gcs implements blob.Store on a Google Cloud Storage bucket.
// Credentials come from the standard application-default chain.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"

	"github.com/MrWong99/parley/pkg/blob"
)

// Store implements [blob.Store] on one GCS bucket.
type Store struct {
	client *storage.Client
	bucket string
}

var _ blob.Store = (*Store)(nil)

// New opens a GCS client for the given bucket.
func New(ctx context.Context, bucket string) (*Store, error) {
	if bucket == "" {
		return nil, errors.New("gcs blob store: bucket is required")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcs blob store: create client: %w", err)
	}
	return &Store{client: client, bucket: bucket}, nil
}

// Put implements [blob.Store].
func (s *Store) Put(ctx context.Context, key string, r io.Reader) error {
	w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return fmt.Errorf("gcs blob store: write %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("gcs blob store: commit %s: %w", key, err)
	}
	return nil
}

// Get implements [blob.Store].
func (s *Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	r, err := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcs blob store: open %s: %w", key, err)
	}
	return r, nil
}

// Delete implements [blob.Store].
func (s *Store) Delete(ctx context.Context, key string) error {
	err := s.client.Bucket(s.bucket).Object(key).Delete(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("gcs blob store: delete %s: %w", key, err)
	}
	return nil
}

// Probe implements [blob.Store] by fetching the bucket's attributes. Wrong
// credentials or a missing bucket fail here instead of on the first chunk.
func (s *Store) Probe(ctx context.Context) error {
	if _, err := s.client.Bucket(s.bucket).Attrs(ctx); err != nil {
		return fmt.Errorf("gcs blob store: probe bucket %s: %w", s.bucket, err)
	}
	return nil
}

// Close releases the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}
