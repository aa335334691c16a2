// Package storage defines the blob store abstraction used for progress
// checkpoints. Implementations live in the memory, local and gcs
// subpackages.
package storage

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned by GetObject when no object exists at path.
var ErrNotFound = errors.New("object not found")

// BlobStore saves and loads opaque objects by path.
type BlobStore interface {
	// PutObject stores the reader's content at path and returns a URI for it.
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
	// GetObject returns the content stored at path or ErrNotFound.
	GetObject(ctx context.Context, path string) ([]byte, error)
}
