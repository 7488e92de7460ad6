// Package storage opens and creates batch files on the local filesystem or
// in S3. Locations are plain paths or s3://bucket/key URIs.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// ErrInvalidURI is returned for malformed s3:// locations.
var ErrInvalidURI = errors.New("invalid storage uri")

// Storage reads and writes whole objects by location.
type Storage interface {
	// Open returns a reader for the object at location.
	Open(ctx context.Context, location string) (io.ReadCloser, error)

	// Create returns a writer for the object at location. The object is
	// complete once Close returns nil.
	Create(ctx context.Context, location string) (io.WriteCloser, error)
}

// ParseS3URI splits s3://bucket/key. ok is false for locations without the
// s3 scheme.
func ParseS3URI(location string) (bucket, key string, ok bool, err error) {
	rest, found := strings.CutPrefix(location, "s3://")
	if !found {
		return "", "", false, nil
	}
	bucket, key, _ = strings.Cut(rest, "/")
	if bucket == "" || key == "" {
		return "", "", true, fmt.Errorf("%w: %q", ErrInvalidURI, location)
	}
	return bucket, key, true, nil
}

// Router dispatches s3:// locations to S3 and everything else to the local
// filesystem. The S3 client is created on first use.
type Router struct {
	local *LocalStorage
	cfg   domain.StorageConfig

	once  sync.Once
	s3    *S3Storage
	s3Err error
}

// New creates a router from configuration.
func New(cfg domain.StorageConfig) *Router {
	return &Router{local: NewLocalStorage(cfg.LocalRoot), cfg: cfg}
}

// NewRouter creates a router around explicit backends.
func NewRouter(local *LocalStorage, s3 *S3Storage) *Router {
	r := &Router{local: local, s3: s3}
	r.once.Do(func() {})
	return r
}

// Open implements Storage.
func (r *Router) Open(ctx context.Context, location string) (io.ReadCloser, error) {
	backend, err := r.backend(ctx, location)
	if err != nil {
		return nil, err
	}
	return backend.Open(ctx, location)
}

// Create implements Storage.
func (r *Router) Create(ctx context.Context, location string) (io.WriteCloser, error) {
	backend, err := r.backend(ctx, location)
	if err != nil {
		return nil, err
	}
	return backend.Create(ctx, location)
}

func (r *Router) backend(ctx context.Context, location string) (Storage, error) {
	_, _, isS3, err := ParseS3URI(location)
	if err != nil {
		return nil, err
	}
	if !isS3 {
		return r.local, nil
	}

	r.once.Do(func() {
		r.s3, r.s3Err = NewS3Storage(ctx, S3Config{
			Region:    r.cfg.S3Region,
			Endpoint:  r.cfg.S3Endpoint,
			AccessKey: r.cfg.S3AccessKey,
			SecretKey: r.cfg.S3SecretKey,
		})
	})
	if r.s3Err != nil {
		return nil, r.s3Err
	}
	if r.s3 == nil {
		return nil, fmt.Errorf("s3 storage is not configured for %s", location)
	}
	return r.s3, nil
}
