package gridgate

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pkt.systems/gridgate/internal/session"
)

const (
	// DefaultListen is the default TCP endpoint the server binds to.
	DefaultListen = ":4321"
	// DefaultListenProto is the listener network.
	DefaultListenProto = "tcp"
	// DefaultStore keeps artifact content in memory.
	DefaultStore = "mem://"
	// DefaultDatabase keeps identities and artifact metadata in memory.
	DefaultDatabase = "mem://"
	// DefaultSessions keeps login sessions in memory.
	DefaultSessions = "mem://"
	// DefaultSessionTTL bounds how long an idle login session survives.
	DefaultSessionTTL = session.DefaultTTL
	// DefaultAdminLogin is the identity that owns provisioned users.
	DefaultAdminLogin = "admin"
	// DefaultLoginPage is where unauthenticated callers are redirected.
	DefaultLoginPage = "/login.html"
	// DefaultAdmitTimeout is zero: a busy channel is waited on until the
	// request context ends.
	DefaultAdmitTimeout = time.Duration(0)
	// DefaultMaxUpload caps request bodies.
	DefaultMaxUpload = int64(1 << 30)
	// DefaultSpoolMemory is how much of an upload is buffered in memory
	// before spilling to a temporary file.
	DefaultSpoolMemory = int64(4 << 20)
	// DefaultMaxConcurrentStreams caps HTTP/2 streams per connection.
	DefaultMaxConcurrentStreams = 256
	// DefaultShutdownTimeout caps graceful shutdown.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultConnGuardThreshold is how many failed handshakes block a host.
	DefaultConnGuardThreshold = 5
	// DefaultConnGuardWindow is the period failed handshakes are counted in.
	DefaultConnGuardWindow = 10 * time.Second
	// DefaultConnGuardBlock is how long a blocked host is refused.
	DefaultConnGuardBlock = 5 * time.Minute
	// DefaultHandshakeTimeout bounds a single TLS handshake.
	DefaultHandshakeTimeout = 10 * time.Second
	// ClientAuthRequire rejects TLS clients that present no certificate.
	ClientAuthRequire = "require"
	// ClientAuthOptional verifies a client certificate when one is offered
	// and otherwise leaves authentication to the login strategies.
	ClientAuthOptional = "optional"
	// DefaultNonceIssuer is the issuer of nonce and state tokens.
	DefaultNonceIssuer = "gridgate"
	// DefaultStorageRetryMaxAttempts describes how many transient storage errors are retried.
	DefaultStorageRetryMaxAttempts = 4
	// DefaultStorageRetryBaseDelay configures the base delay between storage retries.
	DefaultStorageRetryBaseDelay = 100 * time.Millisecond
	// DefaultStorageRetryMaxDelay caps the exponential backoff between storage retries.
	DefaultStorageRetryMaxDelay = 5 * time.Second
	// DefaultStorageRetryMultiplier defines the exponential backoff ratio.
	DefaultStorageRetryMultiplier = 2.0
	// DefaultAzureEndpointPattern expands Azure account names into their HTTPS endpoint.
	DefaultAzureEndpointPattern = "https://%s.blob.core.windows.net"
	// DefaultConfigFileName is the config file searched for when --config is omitted.
	DefaultConfigFileName = "config.yaml"
	// DefaultServerBundleName is the server PEM bundle written by the auth helpers.
	DefaultServerBundleName = "server.pem"
	// DefaultCABundleName is the CA PEM bundle written by the auth helpers.
	DefaultCABundleName = "ca.pem"
)

// Config captures the tunables of a gridgate Server.
type Config struct {
	// Listen is the server bind address.
	Listen string
	// ListenProto is the listener network ("tcp", "tcp4", "tcp6" or "unix").
	ListenProto string

	// DisableMTLS serves plain HTTP. Certificate authentication is then
	// never used.
	DisableMTLS bool
	// BundlePath is the server PEM bundle (CA, server certificate and key).
	BundlePath string
	// BundlePEM provides the bundle bytes directly and wins over BundlePath.
	BundlePEM []byte
	// ClientAuth is ClientAuthRequire (default) or ClientAuthOptional.
	ClientAuth string
	// DenylistPath lists revoked client serials, one per line. The file is
	// reloaded on change.
	DenylistPath string
	// HTTP2MaxConcurrentStreams caps HTTP/2 streams per connection.
	HTTP2MaxConcurrentStreams int
	// DisableConnGuard turns off blocking of hosts that keep failing the
	// client certificate handshake.
	DisableConnGuard bool
	// ConnGuardThreshold failed handshakes within ConnGuardWindow block a
	// host for ConnGuardBlock.
	ConnGuardThreshold int
	ConnGuardWindow    time.Duration
	ConnGuardBlock     time.Duration
	// HandshakeTimeout bounds a single TLS handshake.
	HandshakeTimeout time.Duration

	// Store is the artifact content URL (mem://, disk:///path, s3://,
	// aws://, azure://).
	Store string
	// Database is the identity and artifact metadata DSN (mem://,
	// sqlite:///path, postgres://...).
	Database string
	// Sessions is the login session store URL (mem://, redis://, rediss://).
	Sessions string
	// SessionTTL bounds idle login sessions.
	SessionTTL time.Duration

	// AdminLogin names the identity that owns provisioned users.
	AdminLogin string
	// DelegatedRegistration lets federated logins create identities.
	DelegatedRegistration bool
	// NonceSecret signs and verifies nonce and state tokens. Empty rejects
	// every federated login.
	NonceSecret string
	// NonceIssuer is the expected token issuer.
	NonceIssuer string
	// LoginPage is the Location of 401 answers.
	LoginPage string

	// AdmitTimeout bounds the wait for a busy channel; zero waits until the
	// request context ends.
	AdmitTimeout time.Duration
	// MaxUpload caps request bodies.
	MaxUpload int64
	// SpoolMemory bounds in-memory upload buffering.
	SpoolMemory int64
	// ShutdownTimeout caps graceful shutdown.
	ShutdownTimeout time.Duration

	// MetricsListen serves Prometheus metrics; empty disables.
	MetricsListen string
	// OTLPEndpoint enables trace export.
	OTLPEndpoint string
	// DisableHTTPTracing disables spans around the dispatcher.
	DisableHTTPTracing bool

	// S3 and AWS settings.
	AWSRegion         string
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3SessionToken    string
	S3SSE             string
	S3KMSKeyID        string
	S3MaxPartSize     int64

	// Azure settings.
	AzureAccount    string
	AzureAccountKey string
	AzureEndpoint   string
	AzureSASToken   string

	// StorageRetryMaxAttempts caps transient backend retry attempts.
	StorageRetryMaxAttempts int
	// StorageRetryBaseDelay is the exponential retry base delay.
	StorageRetryBaseDelay time.Duration
	// StorageRetryMaxDelay caps backend retry backoff.
	StorageRetryMaxDelay time.Duration
	// StorageRetryMultiplier is the exponential growth factor.
	StorageRetryMultiplier float64
}

// MTLSEnabled reports whether mutual TLS is active.
func (c Config) MTLSEnabled() bool {
	return !c.DisableMTLS
}

// Validate applies defaults and sanity-checks the configuration.
func (c *Config) Validate() error {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.ListenProto == "" {
		c.ListenProto = DefaultListenProto
	}
	switch c.ListenProto {
	case "tcp", "tcp4", "tcp6", "unix":
	default:
		return fmt.Errorf("config: unsupported listen proto %q", c.ListenProto)
	}
	if c.Store == "" {
		c.Store = DefaultStore
	}
	if c.Database == "" {
		c.Database = DefaultDatabase
	}
	if c.Sessions == "" {
		c.Sessions = DefaultSessions
	}
	if c.SessionTTL < 0 {
		return fmt.Errorf("config: session ttl must be >= 0")
	}
	if c.SessionTTL == 0 {
		c.SessionTTL = DefaultSessionTTL
	}
	c.AdminLogin = strings.TrimSpace(c.AdminLogin)
	if c.AdminLogin == "" {
		c.AdminLogin = DefaultAdminLogin
	}
	if c.NonceIssuer == "" {
		c.NonceIssuer = DefaultNonceIssuer
	}
	if c.LoginPage == "" {
		c.LoginPage = DefaultLoginPage
	}
	if c.AdmitTimeout < 0 {
		return fmt.Errorf("config: admit timeout must be >= 0")
	}
	if c.MaxUpload < 0 {
		return fmt.Errorf("config: max upload must be >= 0")
	}
	if c.MaxUpload == 0 {
		c.MaxUpload = DefaultMaxUpload
	}
	if c.SpoolMemory <= 0 {
		c.SpoolMemory = DefaultSpoolMemory
	}
	if c.HTTP2MaxConcurrentStreams < 0 {
		return fmt.Errorf("config: http2 max concurrent streams must be >= 0")
	}
	if c.HTTP2MaxConcurrentStreams == 0 {
		c.HTTP2MaxConcurrentStreams = DefaultMaxConcurrentStreams
	}
	if c.ConnGuardThreshold < 0 {
		return fmt.Errorf("config: connguard threshold must be >= 0")
	}
	if c.ConnGuardThreshold == 0 {
		c.ConnGuardThreshold = DefaultConnGuardThreshold
	}
	if c.ConnGuardWindow <= 0 {
		c.ConnGuardWindow = DefaultConnGuardWindow
	}
	if c.ConnGuardBlock <= 0 {
		c.ConnGuardBlock = DefaultConnGuardBlock
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	c.ClientAuth = strings.ToLower(strings.TrimSpace(c.ClientAuth))
	switch c.ClientAuth {
	case "":
		c.ClientAuth = ClientAuthRequire
	case ClientAuthRequire, ClientAuthOptional:
	default:
		return fmt.Errorf("config: client auth must be %q or %q, got %q", ClientAuthRequire, ClientAuthOptional, c.ClientAuth)
	}
	if c.MTLSEnabled() && len(c.BundlePEM) == 0 {
		if c.BundlePath == "" {
			path, err := DefaultBundlePath()
			if err != nil {
				return fmt.Errorf("config: resolve default bundle: %w", err)
			}
			c.BundlePath = path
		}
		if _, err := os.Stat(c.BundlePath); err != nil {
			return fmt.Errorf("config: server bundle %s: %w", c.BundlePath, err)
		}
	}
	if c.StorageRetryMaxAttempts <= 0 {
		c.StorageRetryMaxAttempts = DefaultStorageRetryMaxAttempts
	}
	if c.StorageRetryBaseDelay <= 0 {
		c.StorageRetryBaseDelay = DefaultStorageRetryBaseDelay
	}
	if c.StorageRetryMaxDelay <= 0 {
		c.StorageRetryMaxDelay = DefaultStorageRetryMaxDelay
	}
	if c.StorageRetryMultiplier <= 0 {
		c.StorageRetryMultiplier = DefaultStorageRetryMultiplier
	}
	return nil
}

// DefaultConfigDir returns the configuration directory, $GRIDGATE_CONFIG_DIR
// or $HOME/.gridgate.
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("GRIDGATE_CONFIG_DIR")); override != "" {
		return filepath.Abs(override)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".gridgate"), nil
}

// DefaultBundlePath returns the default server bundle location.
func DefaultBundlePath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, DefaultServerBundleName), nil
}

// DefaultCAPath returns the default CA bundle location.
func DefaultCAPath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, DefaultCABundleName), nil
}
