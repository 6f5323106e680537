package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path"
	"strings"
	"syscall"
	"time"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/minio/minio-go/v7/pkg/encrypt"

	"pkt.systems/gridgate/internal/loggingutil"
	"pkt.systems/gridgate/internal/storage"
	"pkt.systems/pslog"
)

// Config controls the behaviour of the S3 storage backend.
type Config struct {
	Endpoint       string
	Region         string
	Bucket         string
	Prefix         string
	Insecure       bool
	ForcePathStyle bool
	PartSize       int64
	ServerSideEnc  string
	KMSKeyID       string
	CustomCreds    *credentials.Credentials
	Transport      http.RoundTripper
}

// defaultPartSize bounds the buffer minio allocates for uploads of unknown length.
const defaultPartSize = 16 << 20

// Store implements storage.Backend backed by S3-compatible object storage.
type Store struct {
	client *minio.Client
	cfg    Config
}

// New builds a MinIO client for cfg. Credentials default to the environment,
// the shared credentials file and then instance metadata.
func New(cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3: bucket is required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		if cfg.Region != "" {
			endpoint = fmt.Sprintf("s3.%s.amazonaws.com", cfg.Region)
		} else {
			endpoint = "s3.amazonaws.com"
		}
	}
	if cfg.Transport == nil {
		cfg.Transport = defaultTransport()
	}
	creds := cfg.CustomCreds
	if creds == nil {
		creds = credentials.NewChainCredentials([]credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.EnvMinio{},
			&credentials.FileAWSCredentials{},
			&credentials.IAM{},
		})
	}
	options := &minio.Options{
		Creds:     creds,
		Secure:    !cfg.Insecure,
		Region:    cfg.Region,
		Transport: cfg.Transport,
	}
	if cfg.ForcePathStyle {
		options.BucketLookup = minio.BucketLookupPath
	}
	client, err := minio.New(endpoint, options)
	if err != nil {
		return nil, fmt.Errorf("s3: create client: %w", err)
	}
	if cfg.PartSize <= 0 {
		cfg.PartSize = defaultPartSize
	}
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	return &Store{client: client, cfg: cfg}, nil
}

func defaultTransport() http.RoundTripper {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return http.DefaultTransport
	}
	clone := base.Clone()
	clone.MaxIdleConnsPerHost = 64
	if clone.IdleConnTimeout == 0 {
		clone.IdleConnTimeout = 90 * time.Second
	}
	if clone.TLSHandshakeTimeout == 0 {
		clone.TLSHandshakeTimeout = 10 * time.Second
	}
	return clone
}

// Close is a no-op for the S3 client.
func (s *Store) Close() error { return nil }

// BucketExists reports whether the configured bucket exists.
func (s *Store) BucketExists(ctx context.Context) (bool, error) {
	return s.client.BucketExists(ctx, s.cfg.Bucket)
}

// Config returns a copy of the configuration used to build the store.
func (s *Store) Config() Config {
	return s.cfg
}

func (s *Store) logger(ctx context.Context) pslog.Logger {
	return loggingutil.FromContext(ctx).With("storage_backend", "s3")
}

// GetObject streams the object for key.
func (s *Store) GetObject(ctx context.Context, key string) (storage.GetObjectResult, error) {
	logger := s.logger(ctx)
	object, err := s.objectKey(key)
	if err != nil {
		return storage.GetObjectResult{}, err
	}
	logger.Trace("s3.get_object.begin", "key", key, "object", object)
	obj, err := s.client.GetObject(ctx, s.cfg.Bucket, object, minio.GetObjectOptions{})
	if err != nil {
		logger.Debug("s3.get_object.get_error", "key", key, "error", err)
		return storage.GetObjectResult{}, s.wrapError(err, "s3: get object")
	}
	stat, err := obj.Stat()
	if err != nil {
		_ = obj.Close()
		if isNotFound(err) {
			logger.Debug("s3.get_object.not_found", "key", key)
			return storage.GetObjectResult{}, storage.ErrNotFound
		}
		return storage.GetObjectResult{}, s.wrapError(err, "s3: stat object")
	}
	return storage.GetObjectResult{Reader: obj, Info: objectInfo(key, stat)}, nil
}

// StatObject fetches metadata for key without reading the payload.
func (s *Store) StatObject(ctx context.Context, key string) (*storage.ObjectInfo, error) {
	object, err := s.objectKey(key)
	if err != nil {
		return nil, err
	}
	stat, err := s.client.StatObject(ctx, s.cfg.Bucket, object, minio.StatObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return nil, storage.ErrNotFound
		}
		return nil, s.wrapError(err, "s3: stat object")
	}
	return objectInfo(key, stat), nil
}

// PutObject uploads body under key. A negative opts.Size streams a multipart
// upload of unknown length.
func (s *Store) PutObject(ctx context.Context, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	logger := s.logger(ctx)
	object, err := s.objectKey(key)
	if err != nil {
		return nil, err
	}
	logger.Trace("s3.put_object.begin", "key", key, "object", object, "size", opts.Size)
	putOpts := minio.PutObjectOptions{ContentType: opts.ContentType}
	if putOpts.ContentType == "" {
		putOpts.ContentType = storage.ContentTypeOctetStream
	}
	s.applySSE(&putOpts)
	length := opts.Size
	if length < 0 {
		putOpts.PartSize = uint64(s.cfg.PartSize)
	}
	info, err := s.client.PutObject(ctx, s.cfg.Bucket, object, body, length, putOpts)
	if err != nil {
		logger.Debug("s3.put_object.put_error", "key", key, "error", err)
		return nil, s.wrapError(err, "s3: put object")
	}
	logger.Debug("s3.put_object.success", "key", key, "etag", stripETag(info.ETag), "size", info.Size)
	return &storage.ObjectInfo{
		Key:          key,
		ETag:         stripETag(info.ETag),
		Size:         info.Size,
		LastModified: time.Now().UTC(),
		ContentType:  putOpts.ContentType,
	}, nil
}

// DeleteObject removes key. S3 deletes are idempotent, so existence is checked
// first when the caller cares about missing objects.
func (s *Store) DeleteObject(ctx context.Context, key string, opts storage.DeleteObjectOptions) error {
	logger := s.logger(ctx)
	object, err := s.objectKey(key)
	if err != nil {
		return err
	}
	if !opts.IgnoreNotFound {
		if _, err := s.client.StatObject(ctx, s.cfg.Bucket, object, minio.StatObjectOptions{}); err != nil {
			if isNotFound(err) {
				return storage.ErrNotFound
			}
			return s.wrapError(err, "s3: stat object")
		}
	}
	if err := s.client.RemoveObject(ctx, s.cfg.Bucket, object, minio.RemoveObjectOptions{}); err != nil {
		if isNotFound(err) && opts.IgnoreNotFound {
			return nil
		}
		logger.Debug("s3.delete_object.remove_error", "key", key, "error", err)
		return s.wrapError(err, "s3: delete object")
	}
	logger.Debug("s3.delete_object.success", "key", key)
	return nil
}

func (s *Store) objectKey(key string) (string, error) {
	clean, err := storage.CleanKey(key)
	if err != nil {
		return "", fmt.Errorf("s3: key %q: %w", key, err)
	}
	if s.cfg.Prefix == "" {
		return clean, nil
	}
	return path.Join(s.cfg.Prefix, clean), nil
}

func (s *Store) applySSE(opts *minio.PutObjectOptions) {
	switch strings.ToUpper(s.cfg.ServerSideEnc) {
	case "AES256":
		opts.ServerSideEncryption = encrypt.NewSSE()
	case "AWS:KMS", "KMS":
		if s.cfg.KMSKeyID != "" {
			if enc, err := encrypt.NewSSEKMS(s.cfg.KMSKeyID, nil); err == nil {
				opts.ServerSideEncryption = enc
			}
		}
	}
}

func objectInfo(key string, stat minio.ObjectInfo) *storage.ObjectInfo {
	contentType := stat.ContentType
	if contentType == "" {
		contentType = storage.ContentTypeOctetStream
	}
	return &storage.ObjectInfo{
		Key:          key,
		ETag:         stripETag(stat.ETag),
		Size:         stat.Size,
		LastModified: stat.LastModified.UTC(),
		ContentType:  contentType,
	}
}

func stripETag(etag string) string {
	return strings.Trim(etag, "\"")
}

func isNotFound(err error) bool {
	errResp := minio.ErrorResponse{}
	if errors.As(err, &errResp) {
		return errResp.StatusCode == http.StatusNotFound
	}
	return false
}

func (s *Store) wrapError(err error, msg string) error {
	if err == nil {
		return nil
	}
	retryable := isRetryable(err)
	err = fmt.Errorf("%s: %w", msg, err)
	if retryable {
		return storage.NewTransientError(err)
	}
	return err
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || isNetworkConnectionError(err) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsTemporary {
		return true
	}
	resp := minio.ToErrorResponse(err)
	switch {
	case resp.StatusCode >= http.StatusInternalServerError:
		return true
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode == http.StatusRequestTimeout:
		return true
	}
	return false
}

func isNetworkConnectionError(err error) bool {
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	for _, errno := range []syscall.Errno{syscall.ECONNRESET, syscall.ECONNABORTED, syscall.EPIPE, syscall.ECONNREFUSED, syscall.EHOSTUNREACH, syscall.ENETUNREACH} {
		if errors.Is(err, errno) {
			return true
		}
	}
	return false
}
