package connguard

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"io"
	"net"
	"testing"
	"time"

	"pkt.systems/gridgate/internal/clock"
	"pkt.systems/gridgate/internal/tlsutil"
	"pkt.systems/pslog"
)

func discard() pslog.Logger { return pslog.NewStructured(context.Background(), io.Discard) }

func TestGuardBlocksAfterThreshold(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	g := New(Config{Threshold: 3, Window: time.Second, Block: 500 * time.Millisecond, Clock: clk}, discard())
	remote := "10.0.0.7:5555"

	if g.Failure(remote, "certificate") || g.Failure("10.0.0.7:6000", "certificate") {
		t.Fatalf("blocked before threshold")
	}
	clk.Advance(50 * time.Millisecond)
	if !g.Failure(remote, "certificate") {
		t.Fatalf("third failure from the same host should block")
	}
	if !g.Blocked("10.0.0.7:1") {
		t.Fatalf("block must apply to every port of the host")
	}
	if g.Blocked("10.0.0.8:1") {
		t.Fatalf("other hosts must not be blocked")
	}
	clk.Advance(600 * time.Millisecond)
	if g.Blocked(remote) {
		t.Fatalf("block should expire")
	}
	if g.Failure(remote, "certificate") {
		t.Fatalf("expired block must restart counting")
	}
}

func TestGuardWindowForgetsOldFailures(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	g := New(Config{Threshold: 2, Window: time.Second, Clock: clk}, discard())
	g.Failure("192.0.2.1:1", "timeout")
	clk.Advance(2 * time.Second)
	if g.Failure("192.0.2.1:1", "timeout") {
		t.Fatalf("failures outside the window must not count")
	}
}

func TestGuardZeroThresholdNeverBlocks(t *testing.T) {
	g := New(Config{}, nil)
	for i := 0; i < 10; i++ {
		if g.Failure("192.0.2.1:1", "handshake") {
			t.Fatalf("zero threshold blocked")
		}
	}
}

func TestListenerHandshakesAndRejects(t *testing.T) {
	ca, err := tlsutil.GenerateCA("guard-ca", time.Hour)
	if err != nil {
		t.Fatalf("ca: %v", err)
	}
	server, err := ca.IssueServer(tlsutil.ServerRequest{Hosts: []string{"127.0.0.1"}})
	if err != nil {
		t.Fatalf("server: %v", err)
	}
	bundleData, err := tlsutil.EncodeServerBundle(ca, server, nil)
	if err != nil {
		t.Fatalf("bundle: %v", err)
	}
	bundle, err := tlsutil.ParseServerBundle(bundleData)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	client, err := ca.IssueClient(tlsutil.ClientRequest{CommonName: "w"})
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	clientData, err := tlsutil.EncodeClientBundle(ca, client)
	if err != nil {
		t.Fatalf("client bundle: %v", err)
	}
	clientBundle, err := tlsutil.ParseClientBundle(clientData)
	if err != nil {
		t.Fatalf("parse client: %v", err)
	}
	serverTLS := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{bundle.Certificate},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    bundle.CAPool,
	}

	raw, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	g := New(Config{Threshold: 1, Block: time.Minute, HandshakeTimeout: 2 * time.Second}, discard())
	ln := g.Listen(raw, serverTLS)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			accepted <- conn
		}
	}()

	good, err := tls.Dial("tcp", raw.Addr().String(), clientBundle.ClientConfig())
	if err != nil {
		t.Fatalf("dial with certificate: %v", err)
	}
	defer good.Close()
	select {
	case conn := <-accepted:
		tc, ok := conn.(*tls.Conn)
		if !ok || len(tc.ConnectionState().PeerCertificates) == 0 {
			t.Fatalf("accepted %T without peer certificates", conn)
		}
		_ = conn.Close()
	case <-time.After(5 * time.Second):
		t.Fatalf("no connection accepted")
	}

	pool := x509.NewCertPool()
	pool.AddCert(ca.Cert)
	bad, err := tls.Dial("tcp", raw.Addr().String(), &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12})
	if err == nil {
		_ = bad.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, _ = bad.Read(make([]byte, 1))
		_ = bad.Close()
	}
	deadline := time.Now().Add(5 * time.Second)
	for !g.Blocked("127.0.0.1:0") {
		if time.Now().After(deadline) {
			t.Fatalf("failed handshake never blocked the host")
		}
		time.Sleep(10 * time.Millisecond)
	}
	select {
	case conn := <-accepted:
		t.Fatalf("unexpected accepted connection from %s", conn.RemoteAddr())
	default:
	}
}
