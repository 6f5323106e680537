package gridgate

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	minioCredentials "github.com/minio/minio-go/v7/pkg/credentials"

	"pkt.systems/gridgate/internal/clock"
	"pkt.systems/gridgate/internal/session"
	"pkt.systems/gridgate/internal/storage"
	awsstore "pkt.systems/gridgate/internal/storage/aws"
	azurestore "pkt.systems/gridgate/internal/storage/azure"
	"pkt.systems/gridgate/internal/storage/disk"
	storagelog "pkt.systems/gridgate/internal/storage/logging"
	"pkt.systems/gridgate/internal/storage/memory"
	"pkt.systems/gridgate/internal/storage/retry"
	"pkt.systems/gridgate/internal/storage/s3"
	"pkt.systems/gridgate/internal/store"
	"pkt.systems/gridgate/internal/store/memstore"
	"pkt.systems/gridgate/internal/store/sqlstore"
	"pkt.systems/gridgate/internal/svcfields"
	"pkt.systems/pslog"
)

// CredentialSummary describes which credentials were selected for object storage.
type CredentialSummary struct {
	AccessKey string
	HasSecret bool
	Source    string
}

// bucketChecker is implemented by the S3-family backends.
type bucketChecker interface {
	BucketExists(ctx context.Context) (bool, error)
}

// OpenBackend opens the artifact content backend named by cfg.Store and
// wraps it with retries and logging.
func OpenBackend(ctx context.Context, cfg Config, logger pslog.Logger, clk clock.Clock) (storage.Backend, error) {
	raw, err := openRawBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}
	wrapped := retry.Wrap(raw, svcfields.WithSubsystem(logger, "storage.retry"), clk, retry.Config{
		MaxAttempts: cfg.StorageRetryMaxAttempts,
		BaseDelay:   cfg.StorageRetryBaseDelay,
		MaxDelay:    cfg.StorageRetryMaxDelay,
		Multiplier:  cfg.StorageRetryMultiplier,
	})
	return storagelog.Wrap(wrapped, logger, "storage.backend"), nil
}

func openRawBackend(ctx context.Context, cfg Config) (storage.Backend, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("parse store URL: %w", err)
	}
	switch u.Scheme {
	case "memory", "mem", "":
		return memory.New(), nil
	case "disk":
		diskCfg, err := BuildDiskConfig(cfg)
		if err != nil {
			return nil, err
		}
		return disk.New(diskCfg)
	case "s3":
		s3cfg, _, err := BuildGenericS3Config(cfg)
		if err != nil {
			return nil, err
		}
		backend, err := s3.New(s3cfg)
		if err != nil {
			return nil, err
		}
		return ensureBucket(ctx, backend, s3cfg.Bucket)
	case "aws":
		awscfg, err := BuildAWSConfig(cfg)
		if err != nil {
			return nil, err
		}
		backend, err := awsstore.New(awscfg)
		if err != nil {
			return nil, err
		}
		return ensureBucket(ctx, backend, awscfg.Bucket)
	case "azure":
		azureCfg, err := BuildAzureConfig(cfg)
		if err != nil {
			return nil, err
		}
		return azurestore.New(azureCfg)
	default:
		return nil, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
}

func ensureBucket[B interface {
	storage.Backend
	bucketChecker
}](ctx context.Context, backend B, bucket string) (storage.Backend, error) {
	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	exists, err := backend.BucketExists(checkCtx)
	if err == nil && !exists {
		err = fmt.Errorf("bucket %s does not exist", bucket)
	}
	if err != nil {
		_ = backend.Close()
		return nil, fmt.Errorf("object store connectivity check failed: %w", err)
	}
	return backend, nil
}

// BuildDiskConfig parses disk:// URLs.
func BuildDiskConfig(cfg Config) (disk.Config, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return disk.Config{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "disk" {
		return disk.Config{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	p := strings.TrimSpace(u.Path)
	if host := strings.TrimSpace(u.Host); host != "" {
		p = "/" + host + "/" + strings.TrimPrefix(p, "/")
	}
	if strings.Trim(p, "/") == "" {
		return disk.Config{}, fmt.Errorf("disk store path required (e.g. disk:///var/lib/gridgate)")
	}
	return disk.Config{Root: filepath.Clean(p)}, nil
}

// BuildGenericS3Config parses s3://host[:port]/bucket[/prefix] URLs for
// S3-compatible services.
func BuildGenericS3Config(cfg Config) (s3.Config, CredentialSummary, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "s3" {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	endpoint := strings.TrimSpace(u.Host)
	if endpoint == "" {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("s3 store missing host (expected s3://host[:port]/bucket[/prefix])")
	}
	bucket, prefix := splitBucket(u.Path)
	if bucket == "" {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("s3 store missing bucket (expected s3://host[:port]/bucket[/prefix])")
	}
	query := u.Query()
	secure := !strings.EqualFold(query.Get("scheme"), "http")
	if v, ok := queryBool(query, "insecure"); ok && v {
		secure = false
	}
	forcePath, _ := queryBool(query, "path-style")
	kmsKey := cfg.S3KMSKeyID
	if v := query.Get("kms-key-id"); v != "" {
		kmsKey = v
	}
	cred, summary, err := resolveGenericS3Credentials(cfg)
	if err != nil {
		return s3.Config{}, summary, err
	}
	return s3.Config{
		Endpoint:       endpoint,
		Region:         cfg.AWSRegion,
		Bucket:         bucket,
		Prefix:         prefix,
		Insecure:       !secure,
		ForcePathStyle: forcePath,
		PartSize:       cfg.S3MaxPartSize,
		ServerSideEnc:  cfg.S3SSE,
		KMSKeyID:       kmsKey,
		CustomCreds:    cred,
	}, summary, nil
}

// BuildAWSConfig parses aws://bucket[/prefix] URLs. Credentials come from
// the default AWS chain.
func BuildAWSConfig(cfg Config) (awsstore.Config, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return awsstore.Config{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "aws" {
		return awsstore.Config{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	bucket := strings.TrimSpace(u.Host)
	if bucket == "" {
		return awsstore.Config{}, fmt.Errorf("aws store missing bucket (expected aws://bucket[/prefix])")
	}
	query := u.Query()
	region := strings.TrimSpace(cfg.AWSRegion)
	if v := strings.TrimSpace(query.Get("region")); v != "" {
		region = v
	}
	if region == "" {
		region = firstEnv("AWS_REGION", "AWS_DEFAULT_REGION")
	}
	if region == "" {
		return awsstore.Config{}, fmt.Errorf("aws store requires region (set --aws-region or GRIDGATE_AWS_REGION)")
	}
	insecure, _ := queryBool(query, "insecure")
	kmsKey := cfg.S3KMSKeyID
	if v := query.Get("kms-key-id"); v != "" {
		kmsKey = v
	}
	forcePath, _ := queryBool(query, "path-style")
	return awsstore.Config{
		Endpoint:       query.Get("endpoint"),
		Region:         region,
		Bucket:         bucket,
		Prefix:         strings.Trim(u.Path, "/"),
		Insecure:       insecure,
		ForcePathStyle: forcePath,
		PartSize:       cfg.S3MaxPartSize,
		ServerSideEnc:  cfg.S3SSE,
		KMSKeyID:       kmsKey,
	}, nil
}

// BuildAzureConfig parses azure://account/container[/prefix] URLs.
func BuildAzureConfig(cfg Config) (azurestore.Config, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return azurestore.Config{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "azure" {
		return azurestore.Config{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	account := strings.TrimSpace(u.Host)
	if cfg.AzureAccount != "" {
		account = cfg.AzureAccount
	}
	if account == "" {
		account = firstEnv("AZURE_STORAGE_ACCOUNT", "AZURE_STORAGE_ACCOUNT_NAME")
	}
	if account == "" {
		return azurestore.Config{}, fmt.Errorf("azure: account name required (set azure://account/... or AZURE_STORAGE_ACCOUNT)")
	}
	container, prefix := splitBucket(u.Path)
	if container == "" {
		return azurestore.Config{}, fmt.Errorf("azure store missing container (expected azure://account/container[/prefix])")
	}
	query := u.Query()
	endpoint := strings.TrimSpace(cfg.AzureEndpoint)
	if v := strings.TrimSpace(query.Get("endpoint")); v != "" {
		endpoint = v
	}
	if endpoint == "" {
		endpoint = fmt.Sprintf(DefaultAzureEndpointPattern, account)
	}
	accountKey := strings.TrimSpace(cfg.AzureAccountKey)
	if accountKey == "" {
		accountKey = firstEnv("GRIDGATE_AZURE_ACCOUNT_KEY", "AZURE_STORAGE_ACCOUNT_KEY", "AZURE_STORAGE_KEY")
	}
	sas := strings.TrimSpace(cfg.AzureSASToken)
	if v := strings.TrimSpace(query.Get("sas")); v != "" {
		sas = v
	}
	if sas == "" {
		sas = firstEnv("GRIDGATE_AZURE_SAS_TOKEN", "AZURE_STORAGE_SAS_TOKEN")
	}
	return azurestore.Config{
		Account:    account,
		AccountKey: accountKey,
		Endpoint:   endpoint,
		SASToken:   sas,
		Container:  container,
		Prefix:     prefix,
	}, nil
}

func resolveGenericS3Credentials(cfg Config) (*minioCredentials.Credentials, CredentialSummary, error) {
	accessKey := strings.TrimSpace(cfg.S3AccessKeyID)
	secretKey := cfg.S3SecretAccessKey
	sessionToken := cfg.S3SessionToken
	source := "config"
	if accessKey == "" && secretKey == "" && sessionToken == "" {
		accessKey = strings.TrimSpace(os.Getenv("GRIDGATE_S3_ACCESS_KEY_ID"))
		secretKey = os.Getenv("GRIDGATE_S3_SECRET_ACCESS_KEY")
		sessionToken = os.Getenv("GRIDGATE_S3_SESSION_TOKEN")
		source = "env:GRIDGATE_S3_ACCESS_KEY_ID"
	}
	summary := CredentialSummary{AccessKey: accessKey, HasSecret: secretKey != "", Source: source}
	switch {
	case accessKey == "" && secretKey == "" && sessionToken == "":
		return nil, CredentialSummary{Source: "chain"}, nil
	case accessKey == "" || secretKey == "":
		return nil, summary, fmt.Errorf("s3 credentials incomplete (need access key and secret key)")
	}
	return minioCredentials.NewStaticV4(accessKey, secretKey, sessionToken), summary, nil
}

// OpenDatabase opens the identity and artifact store named by cfg.Database.
func OpenDatabase(ctx context.Context, cfg Config) (store.Store, error) {
	switch dsn := strings.TrimSpace(cfg.Database); dsn {
	case "", "mem://", "memory://":
		return memstore.New(), nil
	default:
		return sqlstore.Open(ctx, dsn)
	}
}

// OpenSessions opens the login session store named by cfg.Sessions.
func OpenSessions(ctx context.Context, cfg Config, clk clock.Clock) (session.Store, error) {
	return session.Open(ctx, cfg.Sessions, cfg.SessionTTL, clk)
}

func splitBucket(p string) (bucket, prefix string) {
	p = strings.Trim(p, "/")
	bucket, prefix, _ = strings.Cut(p, "/")
	return strings.TrimSpace(bucket), strings.Trim(prefix, "/")
}

func queryBool(q url.Values, key string) (bool, bool) {
	v := q.Get(key)
	if v == "" {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	return b, err == nil
}

func firstEnv(names ...string) string {
	for _, name := range names {
		if val := strings.TrimSpace(os.Getenv(name)); val != "" {
			return val
		}
	}
	return ""
}
