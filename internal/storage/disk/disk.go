package disk

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"pkt.systems/gridgate/internal/storage"
	"pkt.systems/pslog"
)

// Config captures the tunables for the disk backend.
type Config struct {
	Root string
	Now  func() time.Time
}

// Store implements storage.Backend backed by the local filesystem. Payloads
// live under objects/, content metadata in sidecar files under info/.
type Store struct {
	root      string
	objectDir string
	infoDir   string
	tmpDir    string
	lockDir   string
	now       func() time.Time
}

type infoRecord struct {
	ETag          string `json:"etag"`
	ContentType   string `json:"content_type,omitempty"`
	UpdatedAtUnix int64  `json:"updated_at_unix"`
}

// New initialises a disk-backed store rooted at cfg.Root.
func New(cfg Config) (*Store, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("disk: root path required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	root := filepath.Clean(cfg.Root)
	s := &Store{
		root:      root,
		objectDir: filepath.Join(root, "objects"),
		infoDir:   filepath.Join(root, "info"),
		tmpDir:    filepath.Join(root, "tmp"),
		lockDir:   filepath.Join(root, "locks"),
		now:       cfg.Now,
	}
	for _, dir := range []string{s.objectDir, s.infoDir, s.tmpDir, s.lockDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("disk: prepare directory %q: %w", dir, err)
		}
	}
	return s, nil
}

// Root returns the directory the store was opened on.
func (s *Store) Root() string { return s.root }

// Close satisfies storage.Backend.
func (s *Store) Close() error { return nil }

func (s *Store) loggers(ctx context.Context) pslog.Logger {
	logger := pslog.LoggerFromContext(ctx)
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return logger.With("storage_backend", "disk")
}

func (s *Store) paths(key string) (data, info string, err error) {
	clean, err := storage.CleanKey(key)
	if err != nil {
		return "", "", fmt.Errorf("disk: key %q: %w", key, err)
	}
	rel := filepath.FromSlash(clean)
	return filepath.Join(s.objectDir, rel), filepath.Join(s.infoDir, rel+".json"), nil
}

// GetObject opens the payload stored for key.
func (s *Store) GetObject(ctx context.Context, key string) (storage.GetObjectResult, error) {
	logger := s.loggers(ctx)
	logger.Trace("disk.get_object.begin", "key", key)
	dataPath, _, err := s.paths(key)
	if err != nil {
		return storage.GetObjectResult{}, err
	}
	f, err := os.Open(dataPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Debug("disk.get_object.not_found", "key", key)
			return storage.GetObjectResult{}, storage.ErrNotFound
		}
		logger.Debug("disk.get_object.open_error", "key", key, "error", err)
		return storage.GetObjectResult{}, fmt.Errorf("disk: open object %q: %w", key, err)
	}
	info, err := s.StatObject(ctx, key)
	if err != nil {
		f.Close()
		return storage.GetObjectResult{}, err
	}
	return storage.GetObjectResult{Reader: f, Info: info}, nil
}

// StatObject reports the size and sidecar metadata for key.
func (s *Store) StatObject(_ context.Context, key string) (*storage.ObjectInfo, error) {
	dataPath, infoPath, err := s.paths(key)
	if err != nil {
		return nil, err
	}
	fi, err := os.Stat(dataPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("disk: stat object %q: %w", key, err)
	}
	info := &storage.ObjectInfo{
		Key:          key,
		Size:         fi.Size(),
		LastModified: fi.ModTime().UTC(),
		ContentType:  storage.ContentTypeOctetStream,
	}
	raw, err := os.ReadFile(infoPath)
	switch {
	case err == nil:
		var rec infoRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("disk: decode object info %q: %w", key, err)
		}
		info.ETag = rec.ETag
		if rec.ContentType != "" {
			info.ContentType = rec.ContentType
		}
		if rec.UpdatedAtUnix > 0 {
			info.LastModified = time.Unix(rec.UpdatedAtUnix, 0).UTC()
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("disk: read object info %q: %w", key, err)
	}
	return info, nil
}

// PutObject streams body into a temp file and renames it into place.
func (s *Store) PutObject(ctx context.Context, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	logger := s.loggers(ctx)
	logger.Trace("disk.put_object.begin", "key", key, "size", opts.Size)
	dataPath, infoPath, err := s.paths(key)
	if err != nil {
		return nil, err
	}
	lock, err := s.lockKey(key)
	if err != nil {
		return nil, err
	}
	defer lock.Unlock()

	for _, dir := range []string{filepath.Dir(dataPath), filepath.Dir(infoPath)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("disk: prepare object directory for %q: %w", key, err)
		}
	}
	tmp, err := os.CreateTemp(s.tmpDir, "object-*")
	if err != nil {
		return nil, fmt.Errorf("disk: create temp object for %q: %w", key, err)
	}
	hasher := md5.New()
	written, err := io.Copy(io.MultiWriter(tmp, hasher), body)
	if err == nil {
		err = syncFile(tmp)
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmp.Name())
		logger.Debug("disk.put_object.write_error", "key", key, "error", err)
		return nil, fmt.Errorf("disk: write object %q: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), dataPath); err != nil {
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("disk: rename object %q: %w", key, err)
	}
	_ = syncDir(filepath.Dir(dataPath))
	now := s.now().UTC()
	contentType := opts.ContentType
	if contentType == "" {
		contentType = storage.ContentTypeOctetStream
	}
	rec := infoRecord{
		ETag:          hex.EncodeToString(hasher.Sum(nil)),
		ContentType:   contentType,
		UpdatedAtUnix: now.Unix(),
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("disk: encode object info %q: %w", key, err)
	}
	if err := os.WriteFile(infoPath, raw, 0o644); err != nil {
		return nil, fmt.Errorf("disk: write object info %q: %w", key, err)
	}
	logger.Debug("disk.put_object.success", "key", key, "size", written, "etag", rec.ETag)
	return &storage.ObjectInfo{
		Key:          key,
		ETag:         rec.ETag,
		Size:         written,
		LastModified: now,
		ContentType:  contentType,
	}, nil
}

// DeleteObject removes the payload and sidecar for key and prunes empty
// parent directories.
func (s *Store) DeleteObject(ctx context.Context, key string, opts storage.DeleteObjectOptions) error {
	logger := s.loggers(ctx)
	logger.Trace("disk.delete_object.begin", "key", key, "ignore_not_found", opts.IgnoreNotFound)
	dataPath, infoPath, err := s.paths(key)
	if err != nil {
		return err
	}
	lock, err := s.lockKey(key)
	if err != nil {
		return err
	}
	defer lock.Unlock()

	if err := os.Remove(dataPath); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logger.Debug("disk.delete_object.remove_error", "key", key, "error", err)
			return fmt.Errorf("disk: remove object %q: %w", key, err)
		}
		if !opts.IgnoreNotFound {
			return storage.ErrNotFound
		}
	}
	if err := os.Remove(infoPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("disk: remove object info %q: %w", key, err)
	}
	s.prune(filepath.Dir(dataPath), s.objectDir)
	s.prune(filepath.Dir(infoPath), s.infoDir)
	logger.Debug("disk.delete_object.success", "key", key)
	return nil
}

func (s *Store) prune(dir, stop string) {
	for dir != stop && dir != "." && dir != string(filepath.Separator) {
		if err := os.Remove(dir); err != nil {
			if errors.Is(err, syscall.ENOTEMPTY) || errors.Is(err, syscall.EEXIST) {
				return
			}
			if !errors.Is(err, os.ErrNotExist) {
				return
			}
		}
		dir = filepath.Dir(dir)
	}
}

type keyLock struct {
	file *os.File
}

func (l *keyLock) Unlock() {
	if l.file == nil {
		return
	}
	_ = unlockFile(l.file)
	_ = l.file.Close()
}

// lockKey takes an advisory lock so concurrent processes sharing the root do
// not interleave a payload with another writer's sidecar.
func (s *Store) lockKey(key string) (*keyLock, error) {
	sum := md5.Sum([]byte(key))
	path := filepath.Join(s.lockDir, hex.EncodeToString(sum[:])+".lock")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("disk: open lock: %w", err)
	}
	if err := lockFile(f); err != nil {
		f.Close()
		return nil, fmt.Errorf("disk: lock key: %w", err)
	}
	return &keyLock{file: f}, nil
}

func syncDir(path string) error {
	dir, err := os.Open(path)
	if err != nil {
		return err
	}
	defer dir.Close()
	return dir.Sync()
}
