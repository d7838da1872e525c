package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// opTimeout bounds every single blob operation. The pipeline's blobs are
// small CSV/JSON files; anything slower than this is a stuck connection.
const opTimeout = 2 * time.Minute

// GCSStore is the Google Cloud Storage implementation of Store, scoped to
// one bucket.
type GCSStore struct {
	client *storage.Client
	bucket string
}

// NewGCSStore opens a storage client authenticated with the service-account
// credentials file and returns a Store over the named bucket.
func NewGCSStore(ctx context.Context, bucket, credentialsFile string) (*GCSStore, error) {
	if bucket == "" {
		return nil, fmt.Errorf("objectstore: bucket name is empty")
	}

	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	opts = append(opts, option.WithScopes(storage.ScopeReadWrite))

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("objectstore: failed to create storage client: %w", err)
	}
	return &GCSStore{client: client, bucket: bucket}, nil
}

// Close releases the underlying client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}

// List returns all object names under prefix, sorted. GCS lists
// lexicographically already, so the iteration order is kept as-is.
func (s *GCSStore) List(ctx context.Context, prefix string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var names []string
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("objectstore: list %q: %w", prefix, err)
		}
		names = append(names, attrs.Name)
	}
	return names, nil
}

// Read returns the full contents of the named object.
func (s *GCSStore) Read(ctx context.Context, name string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	r, err := s.client.Bucket(s.bucket).Object(name).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotExist, name)
		}
		return nil, fmt.Errorf("objectstore: open %q: %w", name, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("objectstore: read %q: %w", name, err)
	}
	return data, nil
}

// Write creates or replaces the named object.
func (s *GCSStore) Write(ctx context.Context, name string, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	w := s.client.Bucket(s.bucket).Object(name).NewWriter(ctx)
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		_ = w.Close()
		return fmt.Errorf("objectstore: write %q: %w", name, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("objectstore: close writer for %q: %w", name, err)
	}
	return nil
}

// Copy duplicates src to dst within the bucket.
func (s *GCSStore) Copy(ctx context.Context, src, dst string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	bkt := s.client.Bucket(s.bucket)
	_, err := bkt.Object(dst).CopierFrom(bkt.Object(src)).Run(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return fmt.Errorf("%w: %s", ErrNotExist, src)
		}
		return fmt.Errorf("objectstore: copy %q -> %q: %w", src, dst, err)
	}
	return nil
}

// Delete removes the named object.
func (s *GCSStore) Delete(ctx context.Context, name string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := s.client.Bucket(s.bucket).Object(name).Delete(ctx); err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return fmt.Errorf("%w: %s", ErrNotExist, name)
		}
		return fmt.Errorf("objectstore: delete %q: %w", name, err)
	}
	return nil
}

// Rename moves src to dst. GCS has no native move, so this is copy + delete.
func (s *GCSStore) Rename(ctx context.Context, src, dst string) error {
	if err := s.Copy(ctx, src, dst); err != nil {
		return err
	}
	return s.Delete(ctx, src)
}

// Exists reports whether the named object is present.
func (s *GCSStore) Exists(ctx context.Context, name string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := s.client.Bucket(s.bucket).Object(name).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("objectstore: stat %q: %w", name, err)
	}
	return true, nil
}
