// Package objectstore is the orchestrator's boundary over the object store
// holding published table outputs, their archive sub-tree, and the stats
// manifests. The Store interface covers exactly the operations the pipeline
// performs: listing a prefix, reading and writing small text blobs, and
// copying, renaming and deleting outputs during archive and rollback.
package objectstore

import (
	"context"
	"errors"
)

// ErrNotExist is returned when the named object is absent from the store.
// Callers should test with errors.Is.
var ErrNotExist = errors.New("objectstore: object does not exist")

// Store abstracts a single bucket. Object names are slash-separated paths
// relative to the bucket root.
type Store interface {
	// List returns the names of all objects under prefix, lexicographically
	// sorted.
	List(ctx context.Context, prefix string) ([]string, error)
	// Read returns the full contents of the named object.
	Read(ctx context.Context, name string) ([]byte, error)
	// Write creates or replaces the named object.
	Write(ctx context.Context, name string, data []byte) error
	// Copy duplicates src to dst, replacing dst if present.
	Copy(ctx context.Context, src, dst string) error
	// Delete removes the named object.
	Delete(ctx context.Context, name string) error
	// Rename moves src to dst (copy then delete on stores without a native
	// move).
	Rename(ctx context.Context, src, dst string) error
	// Exists reports whether the named object is present.
	Exists(ctx context.Context, name string) (bool, error)
}
