package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/gridgate"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage gridgate configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var (
		outPath string
		force   bool
		stdout  bool
	)
	defaultOutput := "$HOME/.gridgate/config.yaml"
	if dir, err := gridgate.DefaultConfigDir(); err == nil {
		defaultOutput = filepath.Join(dir, gridgate.DefaultConfigFileName)
	}
	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default gridgate configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if outPath == "" {
				dir, err := gridgate.DefaultConfigDir()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = filepath.Join(dir, gridgate.DefaultConfigFileName)
			}
			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

// configDefaults mirrors the root command flags; keys match flag names so
// viper reads them back unchanged.
type configDefaults struct {
	Listen                    string  `yaml:"listen"`
	ListenProto               string  `yaml:"listen-proto"`
	DisableMTLS               bool    `yaml:"disable-mtls"`
	ClientAuth                string  `yaml:"client-auth"`
	Bundle                    string  `yaml:"bundle"`
	DenylistPath              string  `yaml:"denylist-path"`
	HTTP2MaxConcurrentStreams int     `yaml:"http2-max-concurrent-streams"`
	Store                     string  `yaml:"store"`
	Database                  string  `yaml:"database"`
	Sessions                  string  `yaml:"sessions"`
	SessionTTL                string  `yaml:"session-ttl"`
	AdminLogin                string  `yaml:"admin-login"`
	DelegatedRegistration     bool    `yaml:"delegated-registration"`
	NonceIssuer               string  `yaml:"nonce-issuer"`
	LoginPage                 string  `yaml:"login-page"`
	AdmitTimeout              string  `yaml:"admit-timeout"`
	MaxUpload                 string  `yaml:"max-upload"`
	SpoolMem                  string  `yaml:"spool-mem"`
	ShutdownTimeout           string  `yaml:"shutdown-timeout"`
	MetricsListen             string  `yaml:"metrics-listen"`
	OTLPEndpoint              string  `yaml:"otlp-endpoint"`
	AWSRegion                 string  `yaml:"aws-region"`
	S3SSE                     string  `yaml:"s3-sse"`
	S3KMSKeyID                string  `yaml:"s3-kms-key-id"`
	StorageRetryMaxAttempts   int     `yaml:"storage-retry-attempts"`
	StorageRetryBaseDelay     string  `yaml:"storage-retry-base-delay"`
	StorageRetryMaxDelay      string  `yaml:"storage-retry-max-delay"`
	StorageRetryMultiplier    float64 `yaml:"storage-retry-multiplier"`
	LogLevel                  string  `yaml:"log-level"`
}

func defaultConfigYAML() ([]byte, error) {
	bundle := ""
	if path, err := gridgate.DefaultBundlePath(); err == nil {
		bundle = path
	}
	defaults := configDefaults{
		Listen:                    gridgate.DefaultListen,
		ListenProto:               gridgate.DefaultListenProto,
		ClientAuth:                gridgate.ClientAuthRequire,
		Bundle:                    bundle,
		HTTP2MaxConcurrentStreams: gridgate.DefaultMaxConcurrentStreams,
		Store:                     gridgate.DefaultStore,
		Database:                  gridgate.DefaultDatabase,
		Sessions:                  gridgate.DefaultSessions,
		SessionTTL:                gridgate.DefaultSessionTTL.String(),
		AdminLogin:                gridgate.DefaultAdminLogin,
		NonceIssuer:               gridgate.DefaultNonceIssuer,
		LoginPage:                 gridgate.DefaultLoginPage,
		AdmitTimeout:              gridgate.DefaultAdmitTimeout.String(),
		MaxUpload:                 humanizeBytes(gridgate.DefaultMaxUpload),
		SpoolMem:                  humanizeBytes(gridgate.DefaultSpoolMemory),
		ShutdownTimeout:           gridgate.DefaultShutdownTimeout.String(),
		StorageRetryMaxAttempts:   gridgate.DefaultStorageRetryMaxAttempts,
		StorageRetryBaseDelay:     gridgate.DefaultStorageRetryBaseDelay.String(),
		StorageRetryMaxDelay:      gridgate.DefaultStorageRetryMaxDelay.String(),
		StorageRetryMultiplier:    gridgate.DefaultStorageRetryMultiplier,
		LogLevel:                  "info",
	}
	data, err := yaml.Marshal(defaults)
	if err != nil {
		return nil, fmt.Errorf("encode default config: %w", err)
	}
	return data, nil
}
