// Package storage defines the content-addressed blob store contract.
package storage

import (
	"context"
	"io"
	"os"
)

// Backend is a content-addressed file store. Blobs are keyed by their hex
// checksum string; the caller owns the checksum namespace, the backend
// never inspects or hashes blob content (content may be compressed or
// encrypted before it reaches the store).
type Backend interface {
	// Put stores the reader's content under the given checksum and returns
	// the number of bytes written. Writing an already-present checksum is a
	// no-op; the incoming content is discarded.
	Put(ctx context.Context, checksum string, reader io.Reader) (int64, error)

	// Get returns a reader for the blob. ErrBlobNotFound if absent.
	Get(ctx context.Context, checksum string) (io.ReadCloser, error)

	// GetSeekable returns an open file handle for the blob, for consumers
	// that need random access (delta basis patching).
	GetSeekable(ctx context.Context, checksum string) (*os.File, error)

	// Exists checks blob presence without opening it.
	Exists(ctx context.Context, checksum string) (bool, error)

	// Remove deletes the blob. ErrBlobNotFound if absent.
	Remove(ctx context.Context, checksum string) error

	// Size returns the on-disk blob size in bytes.
	Size(ctx context.Context, checksum string) (int64, error)

	// Iterate calls fn with every checksum present in the store. Returning
	// an error from fn stops the walk and propagates the error.
	Iterate(ctx context.Context, fn func(checksum string, size int64) error) error

	// HealthCheck verifies the backend is accessible.
	HealthCheck(ctx context.Context) error
}
