package tlsutil

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pkt.systems/pslog"
)

func newCA(t *testing.T) *CA {
	t.Helper()
	ca, err := GenerateCA("test-ca", time.Hour)
	if err != nil {
		t.Fatalf("generate ca: %v", err)
	}
	return ca
}

func TestServerBundleRoundTrip(t *testing.T) {
	ca := newCA(t)
	server, err := ca.IssueServer(ServerRequest{Hosts: []string{"grid.example.org", "127.0.0.1"}})
	if err != nil {
		t.Fatalf("issue server: %v", err)
	}
	data, err := EncodeServerBundle(ca, server, []string{" ABC ", "abc", "0f"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	bundle, err := ParseServerBundle(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if bundle.Leaf.Subject.CommonName != "gridgate-server" {
		t.Fatalf("leaf cn = %q", bundle.Leaf.Subject.CommonName)
	}
	if len(bundle.Leaf.IPAddresses) != 1 || len(bundle.Leaf.DNSNames) != 1 {
		t.Fatalf("sans = %v %v", bundle.Leaf.IPAddresses, bundle.Leaf.DNSNames)
	}
	if got := strings.Join(bundle.Revoked, ","); got != "0f,abc" {
		t.Fatalf("revoked = %q", got)
	}
	if _, err := bundle.Leaf.Verify(x509.VerifyOptions{Roots: bundle.CAPool, DNSName: "grid.example.org"}); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestClientCertificateCarriesEmail(t *testing.T) {
	ca := newCA(t)
	client, err := ca.IssueClient(ClientRequest{CommonName: "worker-7", Email: "w7@example.org", Organization: "Grid"})
	if err != nil {
		t.Fatalf("issue client: %v", err)
	}
	var found bool
	for _, atv := range client.Cert.Subject.Names {
		if atv.Type.Equal(OIDEmailAddress) && atv.Value == "w7@example.org" {
			found = true
		}
	}
	if !found {
		t.Fatalf("subject %s lacks email attribute", client.Cert.Subject)
	}
	data, err := EncodeClientBundle(ca, client)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	bundle, err := ParseClientBundle(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if _, err := bundle.Leaf.Verify(x509.VerifyOptions{
		Roots:     bundle.CAPool,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if cfg := bundle.ClientConfig(); len(cfg.Certificates) != 1 || cfg.MinVersion != tls.VersionTLS12 {
		t.Fatalf("client config = %+v", cfg)
	}
}

func TestParseCA(t *testing.T) {
	ca := newCA(t)
	parsed, err := ParseCA(ca.Bundle())
	if err != nil {
		t.Fatalf("parse ca: %v", err)
	}
	if !parsed.Cert.Equal(ca.Cert) || !parsed.Key.Equal(ca.Key) {
		t.Fatalf("ca mismatch")
	}
	if _, err := ParseCA(ca.CertPEM); err == nil {
		t.Fatalf("expected missing key error")
	}
}

func TestBundleMissingKey(t *testing.T) {
	ca := newCA(t)
	server, err := ca.IssueServer(ServerRequest{})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	data := append(append([]byte(nil), ca.CertPEM...), server.CertPEM...)
	if _, err := ParseServerBundle(data); err == nil {
		t.Fatalf("expected error")
	}
}

func TestDenylist(t *testing.T) {
	ca := newCA(t)
	client, err := ca.IssueClient(ClientRequest{})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	path := filepath.Join(t.TempDir(), "denylist")
	if err := os.WriteFile(path, []byte("# revoked\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	d, err := NewDenylist([]string{"ff"}, path, pslog.NewStructured(context.Background(), io.Discard))
	if err != nil {
		t.Fatalf("denylist: %v", err)
	}
	if d.Denied(client.Cert) {
		t.Fatalf("fresh certificate denied")
	}
	if err := os.WriteFile(path, []byte(strings.ToUpper(SerialHex(client.Cert))+"\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := d.Reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !d.Denied(client.Cert) || d.Len() != 2 {
		t.Fatalf("denylist not reloaded: len=%d", d.Len())
	}
	err = d.VerifyConnection(nil, [][]*x509.Certificate{{client.Cert, ca.Cert}})
	if !errors.Is(err, ErrRevoked) {
		t.Fatalf("verify = %v", err)
	}
	if err := d.VerifyConnection(nil, nil); err != nil {
		t.Fatalf("verify without a client certificate = %v", err)
	}
}

func TestDenylistWatchReloads(t *testing.T) {
	ca := newCA(t)
	client, err := ca.IssueClient(ClientRequest{})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "denylist")
	if err := os.WriteFile(path, nil, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	d, err := NewDenylist(nil, path, nil)
	if err != nil {
		t.Fatalf("denylist: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := d.Watch(ctx); err != nil {
		t.Fatalf("watch: %v", err)
	}
	if err := os.WriteFile(path, []byte(SerialHex(client.Cert)+"\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for !d.Denied(client.Cert) {
		if time.Now().After(deadline) {
			t.Fatalf("watcher never reloaded")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
