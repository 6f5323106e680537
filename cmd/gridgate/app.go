package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"pkt.systems/gridgate"
	"pkt.systems/gridgate/internal/svcfields"
	"pkt.systems/pslog"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("GRIDGATE_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "gridgate")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if executed, err := cmd.ExecuteContextC(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			if executed == cmd {
				svcfields.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
			} else {
				fmt.Fprintf(os.Stderr, "%s\n", err)
			}
		}
		return 1
	}
	return 0
}

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.IBytes(uint64(n)), " ", "")
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""
	if cfgPath == "" {
		if dir, err := gridgate.DefaultConfigDir(); err == nil {
			candidate := filepath.Join(dir, gridgate.DefaultConfigFileName)
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}
	if cfgPath == "" {
		return "", nil
	}
	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}
	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	return filepath.Abs(p)
}

var configKeys = []string{
	"config",
	"listen", "listen-proto", "disable-mtls", "client-auth", "bundle", "denylist-path", "http2-max-concurrent-streams",
	"disable-connguard", "connguard-threshold", "connguard-window", "connguard-block", "handshake-timeout",
	"store", "database", "sessions", "session-ttl",
	"admin-login", "delegated-registration", "nonce-secret", "nonce-issuer", "login-page",
	"admit-timeout", "max-upload", "spool-mem", "shutdown-timeout",
	"metrics-listen", "otlp-endpoint", "disable-http-tracing",
	"aws-region", "s3-access-key-id", "s3-secret-access-key", "s3-session-token", "s3-sse", "s3-kms-key-id", "s3-max-part-size",
	"azure-account", "azure-key", "azure-endpoint", "azure-sas-token",
	"storage-retry-attempts", "storage-retry-base-delay", "storage-retry-max-delay", "storage-retry-multiplier",
	"log-level",
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "gridgate",
		Short:         "gridgate is the authenticated HTTP front end of a desktop-grid dispatcher",
		SilenceErrors: true,
		Example: `
  # Development server without TLS and with in-memory stores
  gridgate --disable-mtls

  # SQLite identities, disk artifacts, Redis sessions
  gridgate --database sqlite:///var/lib/gridgate/grid.db --store disk:///var/lib/gridgate/data --sessions redis://localhost:6379/0

  # MinIO artifact storage (append ?insecure=1 for plain HTTP)
  GRIDGATE_STORE=s3://localhost:9000/gridgate?insecure=1 GRIDGATE_S3_ACCESS_KEY_ID=minioadmin GRIDGATE_S3_SECRET_ACCESS_KEY=minioadmin gridgate
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return runServer(cmd.Context(), baseLogger)
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.gridgate/"+gridgate.DefaultConfigFileName+")")
	persistentFlags.String("database", gridgate.DefaultDatabase, "identity and artifact database (mem://, sqlite:///path, postgres://...)")
	persistentFlags.String("log-level", "info", "log level (trace, debug, info, warn, error)")

	flags := cmd.Flags()
	flags.String("listen", gridgate.DefaultListen, "listen address")
	flags.String("listen-proto", gridgate.DefaultListenProto, "listen network (tcp, tcp4, tcp6, unix)")
	flags.Bool("disable-mtls", false, "serve plain HTTP without client certificate authentication")
	flags.String("client-auth", gridgate.ClientAuthRequire, "client certificate policy over TLS: require or optional")
	flags.String("bundle", "", "server bundle PEM (defaults to $HOME/.gridgate/"+gridgate.DefaultServerBundleName+")")
	flags.String("denylist-path", "", "file of revoked client certificate serials, reloaded on change")
	flags.Int("http2-max-concurrent-streams", gridgate.DefaultMaxConcurrentStreams, "maximum concurrent HTTP/2 streams per connection")
	flags.Bool("disable-connguard", false, "do not block hosts that keep failing the client certificate handshake")
	flags.Int("connguard-threshold", gridgate.DefaultConnGuardThreshold, "failed handshakes within the window that block a host")
	flags.Duration("connguard-window", gridgate.DefaultConnGuardWindow, "window in which failed handshakes are counted")
	flags.Duration("connguard-block", gridgate.DefaultConnGuardBlock, "how long a blocked host is refused")
	flags.Duration("handshake-timeout", gridgate.DefaultHandshakeTimeout, "maximum duration of a TLS handshake")
	flags.String("store", gridgate.DefaultStore, "artifact content backend (mem://, disk:///path, s3://host[:port]/bucket, aws://bucket, azure://account/container)")
	flags.String("sessions", gridgate.DefaultSessions, "login session store (mem://, redis://host:port/db)")
	flags.Duration("session-ttl", gridgate.DefaultSessionTTL, "idle login session lifetime")
	flags.String("admin-login", gridgate.DefaultAdminLogin, "identity that owns provisioned users")
	flags.Bool("delegated-registration", false, "let federated logins create identities")
	flags.String("nonce-secret", "", "HS256 secret verifying federated nonce and state tokens")
	flags.String("nonce-issuer", gridgate.DefaultNonceIssuer, "expected issuer of nonce and state tokens")
	flags.String("login-page", gridgate.DefaultLoginPage, "redirect target for unauthenticated callers")
	flags.Duration("admit-timeout", gridgate.DefaultAdmitTimeout, "maximum wait for a busy channel (0 waits for the request)")
	flags.String("max-upload", humanizeBytes(gridgate.DefaultMaxUpload), "maximum request body size")
	flags.String("spool-mem", humanizeBytes(gridgate.DefaultSpoolMemory), "upload bytes buffered in memory before spooling to disk")
	flags.Duration("shutdown-timeout", gridgate.DefaultShutdownTimeout, "graceful shutdown timeout")
	flags.String("metrics-listen", "", "Prometheus metrics listen address (empty disables)")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	flags.Bool("disable-http-tracing", false, "disable spans around the dispatcher")
	flags.String("aws-region", "", "AWS region for aws:// and s3:// backends")
	flags.String("s3-access-key-id", "", "static access key for s3:// backends")
	flags.String("s3-secret-access-key", "", "static secret key for s3:// backends")
	flags.String("s3-session-token", "", "session token for s3:// backends")
	flags.String("s3-sse", "", "server-side encryption mode for S3 objects")
	flags.String("s3-kms-key-id", "", "KMS key ID for S3 server-side encryption")
	flags.String("s3-max-part-size", "", "maximum S3 multipart upload part size (empty uses the SDK default)")
	flags.String("azure-account", "", "Azure Storage account (overrides the URL host)")
	flags.String("azure-key", "", "Azure Storage account key (or use GRIDGATE_AZURE_ACCOUNT_KEY)")
	flags.String("azure-endpoint", "", "Azure Blob service endpoint")
	flags.String("azure-sas-token", "", "Azure SAS token (alternative to the account key)")
	flags.Int("storage-retry-attempts", gridgate.DefaultStorageRetryMaxAttempts, "maximum storage retry attempts")
	flags.Duration("storage-retry-base-delay", gridgate.DefaultStorageRetryBaseDelay, "initial backoff for storage retries")
	flags.Duration("storage-retry-max-delay", gridgate.DefaultStorageRetryMaxDelay, "maximum backoff delay for storage retries")
	flags.Float64("storage-retry-multiplier", gridgate.DefaultStorageRetryMultiplier, "backoff multiplier for storage retries")

	viper.SetEnvPrefix("GRIDGATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	bindFlags(configKeys, flags, persistentFlags)

	cmd.AddCommand(newAuthCommand())
	cmd.AddCommand(newAdminCommand(svcfields.WithSubsystem(baseLogger, "cli.admin")))
	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

// bindFlags binds every key to the first flag set defining it.
func bindFlags(keys []string, sets ...*pflag.FlagSet) {
	for _, name := range keys {
		var flag *pflag.Flag
		for _, set := range sets {
			if flag = set.Lookup(name); flag != nil {
				break
			}
		}
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}
}

func runServer(ctx context.Context, baseLogger pslog.Logger) error {
	logger := baseLogger
	configFile, err := loadConfigFile()
	if err != nil {
		return err
	}
	logger = applyLogLevel(logger)
	cliLogger := svcfields.WithSubsystem(logger, "cli.root")
	svcfields.WithSubsystem(logger, "server.lifecycle.init").Info(
		"welcome to gridgate",
		"pid", os.Getpid(),
		"uid", os.Getuid(),
	)
	if configFile != "" {
		cliLogger.Info("loaded config file", "path", configFile)
	}
	var cfg gridgate.Config
	if err := bindConfig(&cfg); err != nil {
		return err
	}
	server, err := gridgate.NewServer(cfg, gridgate.WithLogger(logger))
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			cliLogger.Error("shutdown failed", "error", err)
		}
	}()
	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func applyLogLevel(logger pslog.Logger) pslog.Logger {
	logLevel := strings.TrimSpace(viper.GetString("log-level"))
	if logLevel == "" {
		return logger
	}
	if level, ok := pslog.ParseLevel(logLevel); ok {
		return logger.LogLevel(level)
	}
	return logger
}

func bindConfig(cfg *gridgate.Config) error {
	cfg.Listen = viper.GetString("listen")
	cfg.ListenProto = viper.GetString("listen-proto")
	cfg.DisableMTLS = viper.GetBool("disable-mtls")
	cfg.ClientAuth = viper.GetString("client-auth")
	cfg.BundlePath = viper.GetString("bundle")
	cfg.DenylistPath = viper.GetString("denylist-path")
	cfg.HTTP2MaxConcurrentStreams = viper.GetInt("http2-max-concurrent-streams")
	cfg.DisableConnGuard = viper.GetBool("disable-connguard")
	cfg.ConnGuardThreshold = viper.GetInt("connguard-threshold")
	cfg.ConnGuardWindow = viper.GetDuration("connguard-window")
	cfg.ConnGuardBlock = viper.GetDuration("connguard-block")
	cfg.HandshakeTimeout = viper.GetDuration("handshake-timeout")
	cfg.Store = viper.GetString("store")
	cfg.Database = viper.GetString("database")
	cfg.Sessions = viper.GetString("sessions")
	cfg.SessionTTL = viper.GetDuration("session-ttl")
	cfg.AdminLogin = viper.GetString("admin-login")
	cfg.DelegatedRegistration = viper.GetBool("delegated-registration")
	cfg.NonceSecret = viper.GetString("nonce-secret")
	cfg.NonceIssuer = viper.GetString("nonce-issuer")
	cfg.LoginPage = viper.GetString("login-page")
	cfg.AdmitTimeout = viper.GetDuration("admit-timeout")
	cfg.ShutdownTimeout = viper.GetDuration("shutdown-timeout")
	cfg.MetricsListen = viper.GetString("metrics-listen")
	cfg.OTLPEndpoint = viper.GetString("otlp-endpoint")
	cfg.DisableHTTPTracing = viper.GetBool("disable-http-tracing")
	cfg.AWSRegion = viper.GetString("aws-region")
	cfg.S3AccessKeyID = viper.GetString("s3-access-key-id")
	cfg.S3SecretAccessKey = viper.GetString("s3-secret-access-key")
	cfg.S3SessionToken = viper.GetString("s3-session-token")
	cfg.S3SSE = viper.GetString("s3-sse")
	cfg.S3KMSKeyID = viper.GetString("s3-kms-key-id")
	cfg.AzureAccount = viper.GetString("azure-account")
	cfg.AzureAccountKey = viper.GetString("azure-key")
	cfg.AzureEndpoint = viper.GetString("azure-endpoint")
	cfg.AzureSASToken = viper.GetString("azure-sas-token")
	cfg.StorageRetryMaxAttempts = viper.GetInt("storage-retry-attempts")
	cfg.StorageRetryBaseDelay = viper.GetDuration("storage-retry-base-delay")
	cfg.StorageRetryMaxDelay = viper.GetDuration("storage-retry-max-delay")
	cfg.StorageRetryMultiplier = viper.GetFloat64("storage-retry-multiplier")
	sizes := []struct {
		key string
		dst *int64
	}{
		{"max-upload", &cfg.MaxUpload},
		{"spool-mem", &cfg.SpoolMemory},
		{"s3-max-part-size", &cfg.S3MaxPartSize},
	}
	for _, s := range sizes {
		raw := strings.TrimSpace(viper.GetString(s.key))
		if raw == "" {
			continue
		}
		size, err := humanize.ParseBytes(raw)
		if err != nil {
			return fmt.Errorf("parse %s: %w", s.key, err)
		}
		*s.dst = int64(size)
	}
	return nil
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
