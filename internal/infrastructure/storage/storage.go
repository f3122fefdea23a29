package storage

import (
	"context"
	"io"
)

// ObjectInfo describes one stored object.
type ObjectInfo struct {
	Key  string
	Size int64
}

// ObjectStorage abstracts the durable object store backing the chunk store.
type ObjectStorage interface {
	// Upload streams an object to storage. The body is consumed exactly once.
	Upload(ctx context.Context, key string, body io.Reader, size int64, contentType string) error

	// Download returns the object body and its content type.
	Download(ctx context.Context, key string) (io.ReadCloser, string, error)

	// List returns all objects under the given key prefix.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)

	// Delete removes an object. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Health verifies the backend is reachable.
	Health(ctx context.Context) error
}
