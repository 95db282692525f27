// Package objstore defines the object-store capability set consumed by
// the compaction engine and provides memory, filesystem and S3 backends.
//
// The store is an append-only object space: compaction puts new objects,
// never overwrites, and deletes only tombstoned or orphaned ones, because
// providers offer no atomic rename or in-place patch.
package objstore

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get and Delete when no object exists at the path.
var ErrNotFound = errors.New("object not found")

// Store is the single contract every backend implements: get, put,
// delete and list. There is intentionally no rename or overwrite.
type Store interface {
	Get(ctx context.Context, path string) ([]byte, error)
	Put(ctx context.Context, path string, data []byte) error
	Delete(ctx context.Context, path string) error
	// List returns the paths of all objects whose path starts with prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}
