// Package connguard blocks remote hosts that keep failing the client
// certificate handshake.
//
// The guarded listener performs the TLS handshake itself, one goroutine per
// connection, and only hands completed *tls.Conn values to http.Server. A
// host that fails Threshold handshakes within Window is refused for Block.
package connguard

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/gridgate/internal/clock"
	"pkt.systems/gridgate/internal/loggingutil"
	"pkt.systems/gridgate/internal/svcfields"
	"pkt.systems/pslog"
)

// Config tunes the guard. A zero Threshold records nothing and never blocks.
type Config struct {
	Threshold        int
	Window           time.Duration
	Block            time.Duration
	HandshakeTimeout time.Duration
	Clock            clock.Clock
}

type record struct {
	failures     []time.Time
	blockedUntil time.Time
}

// Guard tracks handshake failures per remote host.
type Guard struct {
	cfg      Config
	logger   pslog.Logger
	mu       sync.Mutex
	hosts    map[string]*record
	rejected metric.Int64Counter
}

// New returns a guard with defaults applied.
func New(cfg Config, logger pslog.Logger) *Guard {
	if cfg.Threshold < 0 {
		cfg.Threshold = 0
	}
	if cfg.Window <= 0 {
		cfg.Window = 10 * time.Second
	}
	if cfg.Block <= 0 {
		cfg.Block = 5 * time.Minute
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	g := &Guard{
		cfg:    cfg,
		logger: svcfields.WithSubsystem(loggingutil.EnsureLogger(logger), "server.connguard"),
		hosts:  make(map[string]*record),
	}
	counter, err := otel.Meter("pkt.systems/gridgate/connguard").Int64Counter(
		"gridgate.connguard.rejected",
		metric.WithDescription("Connections refused or dropped by the handshake guard"),
	)
	if err != nil {
		g.logger.Warn("telemetry.metric.init_failed", "name", "gridgate.connguard.rejected", "error", err)
	} else {
		g.rejected = counter
	}
	return g
}

// Failure records a failed handshake from remote and reports whether the
// host is now blocked.
func (g *Guard) Failure(remote, reason string) bool {
	host := hostOf(remote)
	if g == nil || g.cfg.Threshold == 0 || host == "" {
		return false
	}
	now := g.cfg.Clock.Now()
	g.mu.Lock()
	defer g.mu.Unlock()
	rec := g.hosts[host]
	if rec == nil {
		rec = &record{}
		g.hosts[host] = rec
	}
	if rec.blockedUntil.After(now) {
		return true
	}
	rec.blockedUntil = time.Time{}
	cutoff := now.Add(-g.cfg.Window)
	kept := rec.failures[:0]
	for _, at := range rec.failures {
		if !at.Before(cutoff) {
			kept = append(kept, at)
		}
	}
	rec.failures = append(kept, now)
	if len(rec.failures) < g.cfg.Threshold {
		g.logger.Debug("connguard.handshake.failed", "remote", host, "reason", reason, "count", len(rec.failures))
		return false
	}
	rec.failures = nil
	rec.blockedUntil = now.Add(g.cfg.Block)
	g.logger.Warn("connguard.host.blocked", "remote", host, "reason", reason, "threshold", g.cfg.Threshold, "window", g.cfg.Window, "duration", g.cfg.Block)
	return true
}

// Blocked reports whether remote is currently refused. Expired blocks are
// cleared.
func (g *Guard) Blocked(remote string) bool {
	host := hostOf(remote)
	if g == nil || host == "" {
		return false
	}
	now := g.cfg.Clock.Now()
	g.mu.Lock()
	defer g.mu.Unlock()
	rec := g.hosts[host]
	if rec == nil || rec.blockedUntil.IsZero() {
		return false
	}
	if rec.blockedUntil.After(now) {
		return true
	}
	rec.blockedUntil = time.Time{}
	if len(rec.failures) == 0 {
		delete(g.hosts, host)
	}
	g.logger.Info("connguard.host.unblocked", "remote", host)
	return false
}

func (g *Guard) count(reason string) {
	if g.rejected != nil {
		g.rejected.Add(context.Background(), 1, metric.WithAttributes(attribute.String("gridgate.connguard.reason", reason)))
	}
}

// Listen wraps ln so Accept returns only connections whose TLS handshake
// under cfg succeeded.
func (g *Guard) Listen(ln net.Listener, cfg *tls.Config) net.Listener {
	gl := &listener{
		Listener: ln,
		guard:    g,
		tls:      cfg,
		ready:    make(chan net.Conn),
		failed:   make(chan error, 1),
		done:     make(chan struct{}),
	}
	go gl.acceptLoop()
	return gl
}

type listener struct {
	net.Listener
	guard     *Guard
	tls       *tls.Config
	ready     chan net.Conn
	failed    chan error
	done      chan struct{}
	closeOnce sync.Once
}

func (l *listener) Accept() (net.Conn, error) {
	select {
	case conn := <-l.ready:
		return conn, nil
	case err := <-l.failed:
		return nil, err
	case <-l.done:
		return nil, net.ErrClosed
	}
}

func (l *listener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		err = l.Listener.Close()
	})
	return err
}

func (l *listener) acceptLoop() {
	for {
		raw, err := l.Listener.Accept()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			select {
			case l.failed <- err:
			case <-l.done:
			}
			return
		}
		remote := raw.RemoteAddr().String()
		if l.guard.Blocked(remote) {
			l.guard.count("blocked")
			_ = raw.Close()
			continue
		}
		go l.handshake(raw, remote)
	}
}

func (l *listener) handshake(raw net.Conn, remote string) {
	conn := tls.Server(raw, l.tls)
	ctx, cancel := context.WithTimeout(context.Background(), l.guard.cfg.HandshakeTimeout)
	err := conn.HandshakeContext(ctx)
	cancel()
	if err != nil {
		l.guard.count("handshake")
		l.guard.Failure(remote, handshakeReason(err))
		_ = conn.Close()
		return
	}
	select {
	case l.ready <- conn:
	case <-l.done:
		_ = conn.Close()
	}
}

func handshakeReason(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case strings.Contains(err.Error(), "certificate"):
		return "certificate"
	default:
		return "handshake"
	}
}

func hostOf(remote string) string {
	remote = strings.TrimSpace(remote)
	if host, _, err := net.SplitHostPort(remote); err == nil {
		return host
	}
	return remote
}
