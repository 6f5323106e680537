package aws

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithy "github.com/aws/smithy-go"

	"pkt.systems/gridgate/internal/loggingutil"
	"pkt.systems/gridgate/internal/storage"
	"pkt.systems/pslog"
)

// Config controls the behaviour of the AWS S3 storage backend.
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
}

// Store implements storage.Backend backed by AWS S3.
type Store struct {
	client   *s3.Client
	uploader *manager.Uploader
	cfg      Config
}

const awsOpTimeout = 5 * time.Minute

// New constructs a Store from the default AWS credential chain.
func New(cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("aws: bucket is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("aws: region is required")
	}
	cfg.Endpoint = strings.TrimSpace(cfg.Endpoint)
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")

	awsCfg, err := awsconfig.LoadDefaultConfig(
		context.Background(),
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithHTTPClient(&http.Client{Transport: defaultTransport(cfg.Insecure)}),
	)
	if err != nil {
		return nil, fmt.Errorf("aws: load config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ForcePathStyle
		if cfg.Endpoint != "" {
			endpoint := cfg.Endpoint
			if !strings.Contains(endpoint, "://") {
				scheme := "https"
				if cfg.Insecure {
					scheme = "http"
				}
				endpoint = scheme + "://" + endpoint
			}
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		if cfg.PartSize > 0 {
			u.PartSize = cfg.PartSize
		}
	})
	return &Store{client: client, uploader: uploader, cfg: cfg}, nil
}

func defaultTransport(insecure bool) http.RoundTripper {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return http.DefaultTransport
	}
	clone := base.Clone()
	clone.MaxIdleConnsPerHost = 64
	if clone.IdleConnTimeout == 0 {
		clone.IdleConnTimeout = 90 * time.Second
	}
	if insecure {
		clone.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return clone
}

// Close is a no-op for the AWS client.
func (s *Store) Close() error { return nil }

// Config returns a copy of the configuration used to build the store.
func (s *Store) Config() Config {
	return s.cfg
}

func (s *Store) logger(ctx context.Context) pslog.Logger {
	return loggingutil.FromContext(ctx).With("storage_backend", "aws")
}

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) <= awsOpTimeout {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, awsOpTimeout)
}

// BucketExists returns whether the configured bucket exists.
func (s *Store) BucketExists(ctx context.Context) (bool, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.cfg.Bucket)})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// GetObject streams the object for key. The returned reader owns the
// operation timeout and cancels it on Close.
func (s *Store) GetObject(ctx context.Context, key string) (storage.GetObjectResult, error) {
	logger := s.logger(ctx)
	object, err := s.objectKey(key)
	if err != nil {
		return storage.GetObjectResult{}, err
	}
	ctx, cancel := withTimeout(ctx)
	logger.Trace("aws.get_object.begin", "key", key, "object", object)
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(object),
	})
	if err != nil {
		cancel()
		if isNotFound(err) {
			logger.Debug("aws.get_object.not_found", "key", key)
			return storage.GetObjectResult{}, storage.ErrNotFound
		}
		logger.Debug("aws.get_object.get_error", "key", key, "error", err)
		return storage.GetObjectResult{}, fmt.Errorf("aws: get object: %w", err)
	}
	info := &storage.ObjectInfo{
		Key:          key,
		ETag:         stripETag(aws.ToString(resp.ETag)),
		Size:         aws.ToInt64(resp.ContentLength),
		LastModified: aws.ToTime(resp.LastModified).UTC(),
		ContentType:  contentTypeOrDefault(aws.ToString(resp.ContentType)),
	}
	return storage.GetObjectResult{Reader: &cancelReadCloser{ReadCloser: resp.Body, cancel: cancel}, Info: info}, nil
}

// StatObject issues a HEAD request for key.
func (s *Store) StatObject(ctx context.Context, key string) (*storage.ObjectInfo, error) {
	object, err := s.objectKey(key)
	if err != nil {
		return nil, err
	}
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	resp, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(object),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("aws: head object: %w", err)
	}
	return &storage.ObjectInfo{
		Key:          key,
		ETag:         stripETag(aws.ToString(resp.ETag)),
		Size:         aws.ToInt64(resp.ContentLength),
		LastModified: aws.ToTime(resp.LastModified).UTC(),
		ContentType:  contentTypeOrDefault(aws.ToString(resp.ContentType)),
	}, nil
}

// PutObject uploads body under key. Bodies of unknown length go through the
// multipart upload manager.
func (s *Store) PutObject(ctx context.Context, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	logger := s.logger(ctx)
	object, err := s.objectKey(key)
	if err != nil {
		return nil, err
	}
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	contentType := contentTypeOrDefault(opts.ContentType)
	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.Bucket),
		Key:         aws.String(object),
		Body:        body,
		ContentType: aws.String(contentType),
	}
	applySSEToPut(input, s.cfg.ServerSideEnc, s.cfg.KMSKeyID)
	logger.Trace("aws.put_object.begin", "key", key, "object", object, "size", opts.Size)

	var etag string
	if opts.Size >= 0 {
		input.ContentLength = aws.Int64(opts.Size)
		out, err := s.client.PutObject(ctx, input)
		if err != nil {
			logger.Debug("aws.put_object.put_error", "key", key, "error", err)
			return nil, fmt.Errorf("aws: put object: %w", err)
		}
		etag = aws.ToString(out.ETag)
	} else {
		out, err := s.uploader.Upload(ctx, input)
		if err != nil {
			logger.Debug("aws.put_object.upload_error", "key", key, "error", err)
			return nil, fmt.Errorf("aws: upload object: %w", err)
		}
		etag = aws.ToString(out.ETag)
	}
	info, err := s.StatObject(ctx, key)
	if err != nil {
		return nil, err
	}
	if info.ETag == "" {
		info.ETag = stripETag(etag)
	}
	logger.Debug("aws.put_object.success", "key", key, "etag", info.ETag, "size", info.Size)
	return info, nil
}

// DeleteObject removes key, reporting ErrNotFound unless told otherwise.
func (s *Store) DeleteObject(ctx context.Context, key string, opts storage.DeleteObjectOptions) error {
	logger := s.logger(ctx)
	if !opts.IgnoreNotFound {
		if _, err := s.StatObject(ctx, key); err != nil {
			return err
		}
	}
	object, err := s.objectKey(key)
	if err != nil {
		return err
	}
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(object),
	})
	if err != nil {
		if isNotFound(err) && opts.IgnoreNotFound {
			return nil
		}
		logger.Debug("aws.delete_object.error", "key", key, "error", err)
		return fmt.Errorf("aws: delete object: %w", err)
	}
	logger.Debug("aws.delete_object.success", "key", key)
	return nil
}

func (s *Store) objectKey(key string) (string, error) {
	clean, err := storage.CleanKey(key)
	if err != nil {
		return "", fmt.Errorf("aws: key %q: %w", key, err)
	}
	if s.cfg.Prefix == "" {
		return clean, nil
	}
	return path.Join(s.cfg.Prefix, clean), nil
}

type cancelReadCloser struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelReadCloser) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

func applySSEToPut(input *s3.PutObjectInput, mode, keyID string) {
	switch strings.ToUpper(mode) {
	case "AES256":
		input.ServerSideEncryption = types.ServerSideEncryptionAes256
	case "AWS:KMS", "KMS":
		input.ServerSideEncryption = types.ServerSideEncryptionAwsKms
		if keyID != "" {
			input.SSEKMSKeyId = aws.String(keyID)
		}
	}
}

func contentTypeOrDefault(ct string) string {
	if ct == "" {
		return storage.ContentTypeOctetStream
	}
	return ct
}

func stripETag(etag string) string {
	return strings.Trim(etag, "\"")
}

func httpStatusCode(err error) (int, bool) {
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode(), true
	}
	return 0, false
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			return true
		}
	}
	if status, ok := httpStatusCode(err); ok {
		return status == http.StatusNotFound
	}
	return false
}
