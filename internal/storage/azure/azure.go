package azure

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"

	"pkt.systems/gridgate/internal/loggingutil"
	"pkt.systems/gridgate/internal/storage"
	"pkt.systems/pslog"
)

// Config controls connectivity to Azure Blob Storage.
type Config struct {
	Account    string
	AccountKey string
	Endpoint   string
	SASToken   string
	Container  string
	Prefix     string
}

// Store implements storage.Backend backed by Azure Blob Storage.
type Store struct {
	client    *azblob.Client
	endpoint  string
	container string
	prefix    string
}

// New constructs a Store and creates the container when missing.
func New(cfg Config) (*Store, error) {
	if cfg.Account == "" {
		return nil, fmt.Errorf("azure: account is required")
	}
	if cfg.Container == "" {
		return nil, fmt.Errorf("azure: container is required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.blob.core.windows.net", cfg.Account)
	}
	var (
		client *azblob.Client
		err    error
	)
	clientOpts := &azblob.ClientOptions{ClientOptions: azcore.ClientOptions{Transport: defaultTransporter()}}
	if cfg.SASToken != "" {
		endpointWithSAS, serr := appendSASToken(endpoint, cfg.SASToken)
		if serr != nil {
			return nil, serr
		}
		client, err = azblob.NewClientWithNoCredential(endpointWithSAS, clientOpts)
	} else {
		if cfg.AccountKey == "" {
			return nil, fmt.Errorf("azure: account key or SAS token required")
		}
		cred, credErr := azblob.NewSharedKeyCredential(cfg.Account, cfg.AccountKey)
		if credErr != nil {
			return nil, fmt.Errorf("azure: build credentials: %w", credErr)
		}
		client, err = azblob.NewClientWithSharedKeyCredential(endpoint, cred, clientOpts)
	}
	if err != nil {
		return nil, fmt.Errorf("azure: create client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := client.CreateContainer(ctx, cfg.Container, nil); err != nil && !isContainerExists(err) {
		return nil, fmt.Errorf("azure: create container: %w", err)
	}
	return &Store{
		client:    client,
		endpoint:  endpoint,
		container: cfg.Container,
		prefix:    strings.Trim(cfg.Prefix, "/"),
	}, nil
}

type transportAdapter struct {
	rt http.RoundTripper
}

func (t transportAdapter) Do(req *http.Request) (*http.Response, error) {
	return t.rt.RoundTrip(req)
}

func defaultTransporter() policy.Transporter {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return transportAdapter{rt: http.DefaultTransport}
	}
	clone := base.Clone()
	clone.MaxIdleConnsPerHost = 64
	if clone.IdleConnTimeout == 0 {
		clone.IdleConnTimeout = 90 * time.Second
	}
	return transportAdapter{rt: clone}
}

func appendSASToken(endpoint, sas string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("azure: parse endpoint: %w", err)
	}
	sas = strings.TrimPrefix(sas, "?")
	if u.RawQuery != "" {
		u.RawQuery = u.RawQuery + "&" + sas
	} else {
		u.RawQuery = sas
	}
	return u.String(), nil
}

// Close is a no-op for Azure.
func (s *Store) Close() error { return nil }

func (s *Store) logger(ctx context.Context) pslog.Logger {
	return loggingutil.FromContext(ctx).With("storage_backend", "azure")
}

func (s *Store) blobName(key string) (string, error) {
	clean, err := storage.CleanKey(key)
	if err != nil {
		return "", fmt.Errorf("azure: key %q: %w", key, err)
	}
	if s.prefix == "" {
		return clean, nil
	}
	return path.Join(s.prefix, clean), nil
}

// GetObject downloads the blob for key as a stream.
func (s *Store) GetObject(ctx context.Context, key string) (storage.GetObjectResult, error) {
	name, err := s.blobName(key)
	if err != nil {
		return storage.GetObjectResult{}, err
	}
	resp, err := s.client.DownloadStream(ctx, s.container, name, nil)
	if err != nil {
		if isNotFound(err) {
			return storage.GetObjectResult{}, storage.ErrNotFound
		}
		s.logger(ctx).Debug("azure.get_object.error", "key", key, "error", err)
		return storage.GetObjectResult{}, fmt.Errorf("azure: download object: %w", err)
	}
	info := &storage.ObjectInfo{Key: key, ContentType: storage.ContentTypeOctetStream}
	if resp.ETag != nil {
		info.ETag = string(*resp.ETag)
	}
	if resp.ContentLength != nil {
		info.Size = *resp.ContentLength
	}
	if resp.LastModified != nil {
		info.LastModified = resp.LastModified.UTC()
	}
	if resp.ContentType != nil && *resp.ContentType != "" {
		info.ContentType = *resp.ContentType
	}
	return storage.GetObjectResult{Reader: resp.Body, Info: info}, nil
}

// StatObject reads blob properties for key.
func (s *Store) StatObject(ctx context.Context, key string) (*storage.ObjectInfo, error) {
	name, err := s.blobName(key)
	if err != nil {
		return nil, err
	}
	props, err := s.client.ServiceClient().NewContainerClient(s.container).NewBlobClient(name).GetProperties(ctx, nil)
	if err != nil {
		if isNotFound(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("azure: get properties: %w", err)
	}
	info := &storage.ObjectInfo{Key: key, ContentType: storage.ContentTypeOctetStream}
	if props.ETag != nil {
		info.ETag = string(*props.ETag)
	}
	if props.ContentLength != nil {
		info.Size = *props.ContentLength
	}
	if props.LastModified != nil {
		info.LastModified = props.LastModified.UTC()
	}
	if props.ContentType != nil && *props.ContentType != "" {
		info.ContentType = *props.ContentType
	}
	return info, nil
}

// PutObject uploads body as a block blob.
func (s *Store) PutObject(ctx context.Context, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	name, err := s.blobName(key)
	if err != nil {
		return nil, err
	}
	contentType := opts.ContentType
	if contentType == "" {
		contentType = storage.ContentTypeOctetStream
	}
	counter := &countingReader{r: body}
	resp, err := s.client.UploadStream(ctx, s.container, name, counter, &azblob.UploadStreamOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: to.Ptr(contentType)},
	})
	if err != nil {
		s.logger(ctx).Debug("azure.put_object.error", "key", key, "error", err)
		return nil, fmt.Errorf("azure: upload object: %w", err)
	}
	info := &storage.ObjectInfo{Key: key, ContentType: contentType, Size: counter.n, LastModified: time.Now().UTC()}
	if resp.ETag != nil {
		info.ETag = string(*resp.ETag)
	}
	if resp.LastModified != nil {
		info.LastModified = resp.LastModified.UTC()
	}
	return info, nil
}

// DeleteObject removes the blob for key.
func (s *Store) DeleteObject(ctx context.Context, key string, opts storage.DeleteObjectOptions) error {
	name, err := s.blobName(key)
	if err != nil {
		return err
	}
	if _, err := s.client.DeleteBlob(ctx, s.container, name, nil); err != nil {
		if isNotFound(err) {
			if opts.IgnoreNotFound {
				return nil
			}
			return storage.ErrNotFound
		}
		return fmt.Errorf("azure: delete object: %w", err)
	}
	return nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

func isContainerExists(err error) bool {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == http.StatusConflict && strings.EqualFold(respErr.ErrorCode, "ContainerAlreadyExists")
	}
	return false
}

func isNotFound(err error) bool {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == http.StatusNotFound
	}
	return false
}
