package memory

import (
	"bytes"
	"context"
	"io"
	"sync"
	"time"

	"pkt.systems/gridgate/internal/storage"
	"pkt.systems/gridgate/internal/uid"
)

// Store implements storage.Backend in memory; intended for tests and local dev.
type Store struct {
	mu   sync.RWMutex
	objs map[string]*objectEntry
}

type objectEntry struct {
	payload     []byte
	etag        string
	contentType string
	updated     time.Time
}

// New returns a ready to use in-memory store.
func New() *Store {
	return &Store{objs: make(map[string]*objectEntry)}
}

// Close satisfies storage.Backend.
func (s *Store) Close() error { return nil }

// GetObject returns a reader over a snapshot of the stored payload.
func (s *Store) GetObject(_ context.Context, key string) (storage.GetObjectResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.objs[key]
	if !ok {
		return storage.GetObjectResult{}, storage.ErrNotFound
	}
	return storage.GetObjectResult{
		Reader: io.NopCloser(bytes.NewReader(entry.payload)),
		Info:   entry.info(key),
	}, nil
}

// StatObject reports metadata for key.
func (s *Store) StatObject(_ context.Context, key string) (*storage.ObjectInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.objs[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return entry.info(key), nil
}

// PutObject stores or replaces the object for key.
func (s *Store) PutObject(_ context.Context, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	payload, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	contentType := opts.ContentType
	if contentType == "" {
		contentType = storage.ContentTypeOctetStream
	}
	entry := &objectEntry{
		payload:     payload,
		etag:        uid.New(),
		contentType: contentType,
		updated:     time.Now().UTC(),
	}
	s.mu.Lock()
	s.objs[key] = entry
	s.mu.Unlock()
	return entry.info(key), nil
}

// DeleteObject removes the object for key.
func (s *Store) DeleteObject(_ context.Context, key string, opts storage.DeleteObjectOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objs[key]; !ok {
		if opts.IgnoreNotFound {
			return nil
		}
		return storage.ErrNotFound
	}
	delete(s.objs, key)
	return nil
}

// Len reports the number of stored objects.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objs)
}

func (e *objectEntry) info(key string) *storage.ObjectInfo {
	return &storage.ObjectInfo{
		Key:          key,
		ETag:         e.etag,
		Size:         int64(len(e.payload)),
		LastModified: e.updated,
		ContentType:  e.contentType,
	}
}
