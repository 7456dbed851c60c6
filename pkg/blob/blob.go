// Package blob defines the Store interface for media payload storage.
//
// Chunk records in the relational store hold only a reference; the bytes live
// behind this interface. Implementations cover a local directory (which also
// serves shared-filesystem deployments via a mounted path) and Google Cloud
// Storage.
//
// Implementations must be safe for concurrent use.
package blob

import (
	"context"
	"fmt"
	"io"
)

// Store is the abstraction over any blob backend.
type Store interface {
	// Put writes the full contents of r under key, replacing any previous
	// object.
	Put(ctx context.Context, key string, r io.Reader) error

	// Get opens the object at key for reading. The caller must close the
	// returned reader.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes the object at key. Deleting a missing key is not an
	// error.
	Delete(ctx context.Context, key string) error

	// Probe verifies the backend is reachable and writable. The storage
	// health endpoint calls it; a non-nil error marks storage unhealthy.
	Probe(ctx context.Context) error
}

// ChunkKey is the canonical object key for a meeting chunk payload.
func ChunkKey(meetingID string, chunkSeq int64) string {
	return fmt.Sprintf("meetings/%s/chunks/%d.bin", meetingID, chunkSeq)
}
