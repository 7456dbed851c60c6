// Package fs implements blob.Store on a local directory. Pointing Root at a
// network mount covers shared-filesystem deployments with the same code.
package fs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/MrWong99/parley/pkg/blob"
)

// Store implements [blob.Store] under a root directory.
type Store struct {
	root string
}

var _ blob.Store = (*Store)(nil)

// New creates the root directory if needed and returns a Store.
func New(root string) (*Store, error) {
	if root == "" {
		return nil, errors.New("fs blob store: root is required")
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("fs blob store: create root %s: %w", root, err)
	}
	return &Store{root: root}, nil
}

// path resolves key below the root, refusing traversal outside it.
func (s *Store) path(key string) (string, error) {
	p := filepath.Join(s.root, filepath.FromSlash(key))
	if !strings.HasPrefix(p, filepath.Clean(s.root)+string(os.PathSeparator)) {
		return "", fmt.Errorf("fs blob store: key %q escapes root", key)
	}
	return p, nil
}

// Put implements [blob.Store]. The write goes to a temp file first so a
// concurrent Get never observes a half-written object.
func (s *Store) Put(ctx context.Context, key string, r io.Reader) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
		return fmt.Errorf("fs blob store: create dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(p), ".put-*")
	if err != nil {
		return fmt.Errorf("fs blob store: create temp: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return fmt.Errorf("fs blob store: write %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("fs blob store: close temp: %w", err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return fmt.Errorf("fs blob store: commit %s: %w", key, err)
	}
	return nil
}

// Get implements [blob.Store].
func (s *Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, fmt.Errorf("fs blob store: open %s: %w", key, err)
	}
	return f, nil
}

// Delete implements [blob.Store].
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("fs blob store: delete %s: %w", key, err)
	}
	return nil
}

// Probe implements [blob.Store] by writing and removing a marker file under
// the root. A read-only or vanished mount fails here instead of on the first
// chunk.
func (s *Store) Probe(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.root, ".probe-*")
	if err != nil {
		return fmt.Errorf("fs blob store: probe: %w", err)
	}
	name := tmp.Name()
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("fs blob store: probe: %w", err)
	}
	if err := os.Remove(name); err != nil {
		return fmt.Errorf("fs blob store: probe cleanup: %w", err)
	}
	return nil
}
