package storage

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"
)

// ContentTypeOctetStream is the fallback content type for opaque artifacts.
const ContentTypeOctetStream = "application/octet-stream"

// ErrNotFound indicates the requested key or resource is missing.
var (
	ErrNotFound       = errors.New("storage: not found")
	ErrInvalidKey     = errors.New("storage: invalid key")
	ErrNotImplemented = errors.New("storage: not implemented")
)

// ObjectInfo captures metadata exposed by blob backends.
type ObjectInfo struct {
	Key          string
	ETag         string
	Size         int64
	LastModified time.Time
	ContentType  string
}

// PutObjectOptions carries metadata for PutObject.
type PutObjectOptions struct {
	ContentType string
	// Size is the expected body length, or -1 when unknown.
	Size int64
}

// DeleteObjectOptions controls DeleteObject behaviour.
type DeleteObjectOptions struct {
	IgnoreNotFound bool
}

// GetObjectResult captures an object reader with its metadata.
type GetObjectResult struct {
	Reader io.ReadCloser
	Info   *ObjectInfo
}

// Backend stores artifact payloads addressed by slash separated keys.
type Backend interface {
	// GetObject fetches the raw bytes for key. Callers must close the reader.
	GetObject(ctx context.Context, key string) (GetObjectResult, error)
	// PutObject writes body to key, replacing any existing object.
	PutObject(ctx context.Context, key string, body io.Reader, opts PutObjectOptions) (*ObjectInfo, error)
	// DeleteObject removes the object identified by key.
	DeleteObject(ctx context.Context, key string, opts DeleteObjectOptions) error
	// Close releases backend resources.
	Close() error
}

// ObjectStatter is implemented by backends able to report metadata without
// opening the payload.
type ObjectStatter interface {
	StatObject(ctx context.Context, key string) (*ObjectInfo, error)
}

// Stat returns object metadata, falling back to GetObject when the backend has
// no cheaper path.
func Stat(ctx context.Context, backend Backend, key string) (*ObjectInfo, error) {
	if statter, ok := backend.(ObjectStatter); ok {
		return statter.StatObject(ctx, key)
	}
	res, err := backend.GetObject(ctx, key)
	if err != nil {
		return nil, err
	}
	_ = res.Reader.Close()
	return res.Info, nil
}

// CleanKey normalises an object key and rejects traversal attempts.
func CleanKey(key string) (string, error) {
	key = strings.Trim(strings.TrimSpace(key), "/")
	if key == "" {
		return "", ErrInvalidKey
	}
	for _, part := range strings.Split(key, "/") {
		switch part {
		case "", ".", "..":
			return "", ErrInvalidKey
		}
	}
	return key, nil
}

type transientError struct {
	err error
}

func (t transientError) Error() string { return t.err.Error() }
func (t transientError) Unwrap() error { return t.err }

// NewTransientError marks err as retryable.
func NewTransientError(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsTransient reports whether err was marked as retryable.
func IsTransient(err error) bool {
	var te transientError
	return errors.As(err, &te)
}
