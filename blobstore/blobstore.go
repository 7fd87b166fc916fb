// Package blobstore is the backing document store behind the cached read
// endpoints.
package blobstore

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
)

// ErrNotFound is returned by Get and Delete when the key does not exist.
var ErrNotFound = errors.New("blob not found")

// Object describes one stored blob.
type Object struct {
	Key          string
	Size         int64
	ContentType  string
	LastModified time.Time
}

// Store reads and writes blobs by key. Keys use '/' as the folder separator.
type Store interface {
	// Get returns the blob body and its content type.
	Get(ctx context.Context, key string) ([]byte, string, error)
	Put(ctx context.Context, key string, data []byte, contentType string) error
	// List returns every object whose key starts with prefix, sorted by key.
	List(ctx context.Context, prefix string) ([]Object, error)
	Delete(ctx context.Context, key string) error
}
