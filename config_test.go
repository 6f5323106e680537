package gridgate

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestConfigValidateDefaults(t *testing.T) {
	cfg := Config{DisableMTLS: true}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Listen != DefaultListen || cfg.ListenProto != "tcp" {
		t.Fatalf("listen defaults = %q %q", cfg.Listen, cfg.ListenProto)
	}
	if cfg.Store != DefaultStore || cfg.Database != DefaultDatabase || cfg.Sessions != DefaultSessions {
		t.Fatalf("store defaults = %q %q %q", cfg.Store, cfg.Database, cfg.Sessions)
	}
	if cfg.SessionTTL != DefaultSessionTTL {
		t.Fatalf("session ttl = %s", cfg.SessionTTL)
	}
	if cfg.AdminLogin != DefaultAdminLogin || cfg.LoginPage != DefaultLoginPage || cfg.NonceIssuer != DefaultNonceIssuer {
		t.Fatalf("identity defaults = %+v", cfg)
	}
	if cfg.AdmitTimeout != 0 {
		t.Fatalf("admit timeout = %s", cfg.AdmitTimeout)
	}
	if cfg.MaxUpload != DefaultMaxUpload || cfg.SpoolMemory != DefaultSpoolMemory {
		t.Fatalf("upload defaults = %d %d", cfg.MaxUpload, cfg.SpoolMemory)
	}
	if cfg.HTTP2MaxConcurrentStreams != DefaultMaxConcurrentStreams {
		t.Fatalf("expected http2 max concurrent streams default %d, got %d", DefaultMaxConcurrentStreams, cfg.HTTP2MaxConcurrentStreams)
	}
	if cfg.StorageRetryMaxAttempts <= 0 || cfg.StorageRetryBaseDelay <= 0 || cfg.StorageRetryMultiplier <= 0 || cfg.StorageRetryMaxDelay <= 0 {
		t.Fatal("expected storage retry defaults")
	}
	if cfg.ConnGuardThreshold != DefaultConnGuardThreshold || cfg.ConnGuardWindow != DefaultConnGuardWindow || cfg.ConnGuardBlock != DefaultConnGuardBlock || cfg.HandshakeTimeout != DefaultHandshakeTimeout {
		t.Fatalf("connguard defaults = %d %s %s %s", cfg.ConnGuardThreshold, cfg.ConnGuardWindow, cfg.ConnGuardBlock, cfg.HandshakeTimeout)
	}
	if cfg.ShutdownTimeout != DefaultShutdownTimeout {
		t.Fatalf("shutdown timeout = %s", cfg.ShutdownTimeout)
	}
	if cfg.ClientAuth != ClientAuthRequire {
		t.Fatalf("client auth = %q", cfg.ClientAuth)
	}
}

func TestConfigValidateClientAuth(t *testing.T) {
	cfg := Config{DisableMTLS: true, ClientAuth: " Optional "}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.ClientAuth != ClientAuthOptional {
		t.Fatalf("client auth = %q", cfg.ClientAuth)
	}
	bad := Config{DisableMTLS: true, ClientAuth: "sometimes"}
	if err := bad.Validate(); err == nil {
		t.Fatal("expected unknown client auth to be rejected")
	}
}

func TestConfigValidateRejectsNegatives(t *testing.T) {
	cases := map[string]Config{
		"admit":   {DisableMTLS: true, AdmitTimeout: -time.Second},
		"upload":  {DisableMTLS: true, MaxUpload: -1},
		"ttl":     {DisableMTLS: true, SessionTTL: -time.Minute},
		"streams": {DisableMTLS: true, HTTP2MaxConcurrentStreams: -1},
		"proto":   {DisableMTLS: true, ListenProto: "udp"},
		"guard":   {DisableMTLS: true, ConnGuardThreshold: -1},
	}
	for name, cfg := range cases {
		t.Run(name, func(t *testing.T) {
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestConfigValidateRequiresBundleWithMTLS(t *testing.T) {
	t.Setenv("GRIDGATE_CONFIG_DIR", t.TempDir())
	cfg := Config{}
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "server bundle") {
		t.Fatalf("expected missing bundle error, got %v", err)
	}

	path := filepath.Join(t.TempDir(), "server.pem")
	if err := os.WriteFile(path, []byte("x"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg = Config{BundlePath: path}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	cfg = Config{BundlePEM: []byte("inline")}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate inline: %v", err)
	}
}

func TestDefaultConfigDirOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("GRIDGATE_CONFIG_DIR", dir)
	got, err := DefaultBundlePath()
	if err != nil {
		t.Fatalf("bundle path: %v", err)
	}
	if got != filepath.Join(dir, DefaultServerBundleName) {
		t.Fatalf("bundle path = %s", got)
	}
	ca, err := DefaultCAPath()
	if err != nil {
		t.Fatalf("ca path: %v", err)
	}
	if ca != filepath.Join(dir, DefaultCABundleName) {
		t.Fatalf("ca path = %s", ca)
	}
}
