package blobstore

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get and Delete when no blob exists for a key.
var ErrNotFound = errors.New("blob not found")

// BlobStore holds opaque values under string keys. Put replaces any value
// already stored under the key.
type BlobStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
}
