package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// ObjectStore holds capture bytes for MediaIndexTarget collections. Keys are
// derived from the collection URI by ObjectKey.
type ObjectStore interface {
	Put(ctx context.Context, key string, reader io.Reader, size int64, opts ...PutOption) error
	PutFile(ctx context.Context, key, filePath string, opts ...PutOption) error
	Delete(ctx context.Context, key string) error
	HealthCheck(ctx context.Context) error
}

// PutOption sets per-object upload attributes.
type PutOption func(*putOptions)

type putOptions struct {
	ContentType string
	Metadata    map[string]string
}

func WithContentType(contentType string) PutOption {
	return func(o *putOptions) { o.ContentType = contentType }
}

// WithMetadata adds user metadata. Later options win on key collisions.
func WithMetadata(metadata map[string]string) PutOption {
	return func(o *putOptions) {
		if o.Metadata == nil {
			o.Metadata = make(map[string]string, len(metadata))
		}
		for k, v := range metadata {
			o.Metadata[k] = v
		}
	}
}

func collectPutOptions(opts []PutOption) putOptions {
	var o putOptions
	for _, apply := range opts {
		if apply != nil {
			apply(&o)
		}
	}
	return o
}

var (
	ErrNoObjectStore     = errors.New("no object store configured for media index target")
	ErrInsufficientSpace = errors.New("insufficient free space")
)

// StorageError wraps a failed storage call. StatusCode follows HTTP
// semantics whatever the backend.
type StorageError struct {
	Op         string
	Key        string
	Err        error
	StatusCode int
	Retryable  bool
}

func (e *StorageError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func statusOf(err error) int {
	var serr *StorageError
	if errors.As(err, &serr) {
		return serr.StatusCode
	}
	return 0
}

// IsNotExist reports whether err is a StorageError for a missing object.
func IsNotExist(err error) bool { return statusOf(err) == http.StatusNotFound }

// IsAccessDenied reports whether err is a StorageError for a refused request.
func IsAccessDenied(err error) bool { return statusOf(err) == http.StatusForbidden }
