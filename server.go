package gridgate

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/http2"

	"pkt.systems/gridgate/internal/clock"
	"pkt.systems/gridgate/internal/connguard"
	"pkt.systems/gridgate/internal/executor"
	"pkt.systems/gridgate/internal/httpapi"
	"pkt.systems/gridgate/internal/identity"
	"pkt.systems/gridgate/internal/loggingutil"
	"pkt.systems/gridgate/internal/session"
	"pkt.systems/gridgate/internal/storage"
	"pkt.systems/gridgate/internal/store"
	"pkt.systems/gridgate/internal/svcfields"
	"pkt.systems/gridgate/internal/tlsutil"
	"pkt.systems/pslog"
)

// Server wires the dispatcher to its listener, stores and telemetry.
type Server struct {
	cfg       Config
	logger    pslog.Logger
	clock     clock.Clock
	backend   storage.Backend
	db        store.Store
	sessions  session.Store
	handler   *httpapi.Handler
	httpSrv   *http.Server
	denylist  *tlsutil.Denylist
	guard     *connguard.Guard
	telemetry *telemetry

	watchCancel context.CancelFunc

	mu           sync.Mutex
	listener     net.Listener
	shutdown     bool
	lastServeErr error
	readyOnce    sync.Once
	readyCh      chan struct{}
}

// Option configures server instances.
type Option func(*options)

type options struct {
	logger   pslog.Logger
	backend  storage.Backend
	db       store.Store
	sessions session.Store
	exec     executor.Executor
	clock    clock.Clock
	fallback http.Handler
}

// WithLogger supplies the base logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithBackend injects a pre-built artifact content backend.
func WithBackend(b storage.Backend) Option {
	return func(o *options) { o.backend = b }
}

// WithStore injects a pre-built identity and artifact store.
func WithStore(s store.Store) Option {
	return func(o *options) { o.db = s }
}

// WithSessions injects a pre-built session store.
func WithSessions(s session.Store) Option {
	return func(o *options) { o.sessions = s }
}

// WithExecutor replaces the reference executor.
func WithExecutor(e executor.Executor) Option {
	return func(o *options) { o.exec = e }
}

// WithClock injects a custom clock implementation.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithFallback serves paths that name no command, such as the login page.
func WithFallback(h http.Handler) Option {
	return func(o *options) { o.fallback = h }
}

// NewServer constructs a gridgate server according to cfg.
//
//	cfg := gridgate.Config{Listen: ":4321", DisableMTLS: true}
//	srv, err := gridgate.NewServer(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go srv.Start()
func NewServer(cfg Config, opts ...Option) (srv *Server, err error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := loggingutil.EnsureLogger(o.logger)
	clk := o.clock
	if clk == nil {
		clk = clock.Real{}
	}
	ctx := pslog.ContextWithLogger(context.Background(), logger)

	var cleanups []func()
	defer func() {
		if err == nil {
			return
		}
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}()

	tel, err := setupTelemetry(ctx, cfg, svcfields.WithSubsystem(logger, "telemetry"))
	if err != nil {
		return nil, err
	}
	if tel != nil {
		cleanups = append(cleanups, func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tel.Shutdown(shutdownCtx)
		})
	}

	var (
		bundle   *tlsutil.ServerBundle
		denylist *tlsutil.Denylist
	)
	if cfg.MTLSEnabled() {
		if len(cfg.BundlePEM) > 0 {
			bundle, err = tlsutil.ParseServerBundle(cfg.BundlePEM)
		} else {
			bundle, err = tlsutil.LoadServerBundle(cfg.BundlePath)
		}
		if err != nil {
			return nil, err
		}
		denylist, err = tlsutil.NewDenylist(bundle.Revoked, cfg.DenylistPath, svcfields.WithSubsystem(logger, "server.tls"))
		if err != nil {
			return nil, err
		}
	}

	backend := o.backend
	if backend == nil {
		backend, err = OpenBackend(ctx, cfg, logger, clk)
		if err != nil {
			return nil, err
		}
		cleanups = append(cleanups, func() { _ = backend.Close() })
	}
	db := o.db
	if db == nil {
		db, err = OpenDatabase(ctx, cfg)
		if err != nil {
			return nil, err
		}
		cleanups = append(cleanups, func() { _ = db.Close() })
	}
	sessions := o.sessions
	if sessions == nil {
		sessions, err = OpenSessions(ctx, cfg, clk)
		if err != nil {
			return nil, err
		}
		cleanups = append(cleanups, func() { _ = sessions.Close() })
	}

	var verifier identity.NonceVerifier
	if cfg.NonceSecret != "" {
		jwtVerifier, err := identity.NewJWTVerifier([]byte(cfg.NonceSecret), cfg.NonceIssuer)
		if err != nil {
			return nil, err
		}
		verifier = jwtVerifier
	}
	resolver, err := identity.NewResolver(identity.Config{
		Store:                 db,
		AdminLogin:            cfg.AdminLogin,
		DelegatedRegistration: cfg.DelegatedRegistration,
		Verifier:              verifier,
		Clock:                 clk,
		Logger:                svcfields.WithSubsystem(logger, "identity"),
	})
	if err != nil {
		return nil, err
	}
	exec := o.exec
	if exec == nil {
		exec = executor.NewReference(db, backend, clk)
	}
	handler, err := httpapi.New(httpapi.Config{
		Resolver:           resolver,
		Executor:           exec,
		Artifacts:          db,
		Blobs:              backend,
		Sessions:           sessions,
		Logger:             logger,
		Clock:              clk,
		LoginPage:          cfg.LoginPage,
		AdmitTimeout:       cfg.AdmitTimeout,
		MaxUpload:          cfg.MaxUpload,
		SpoolMemory:        cfg.SpoolMemory,
		Fallback:           o.fallback,
		DisableHTTPTracing: cfg.DisableHTTPTracing,
	})
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	handler.Register(mux)

	httpSrv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second,
		IdleTimeout:       2 * time.Minute,
		MaxHeaderBytes:    1 << 20,
		ConnContext:       handler.ConnContext,
		ConnState:         handler.ConnState,
		ErrorLog:          log.New(errorLogWriter{svcfields.WithSubsystem(logger, "server.http")}, "", 0),
	}
	if bundle != nil {
		httpSrv.TLSConfig = buildServerTLS(bundle, denylist, cfg.ClientAuth)
		if err := http2.ConfigureServer(httpSrv, &http2.Server{
			MaxConcurrentStreams: uint32(cfg.HTTP2MaxConcurrentStreams),
		}); err != nil {
			return nil, fmt.Errorf("configure http2: %w", err)
		}
	}

	var guard *connguard.Guard
	if bundle != nil && !cfg.DisableConnGuard {
		guard = connguard.New(connguard.Config{
			Threshold:        cfg.ConnGuardThreshold,
			Window:           cfg.ConnGuardWindow,
			Block:            cfg.ConnGuardBlock,
			HandshakeTimeout: cfg.HandshakeTimeout,
			Clock:            clk,
		}, logger)
	}

	return &Server{
		cfg:       cfg,
		logger:    svcfields.WithSubsystem(logger, "server"),
		clock:     clk,
		backend:   backend,
		db:        db,
		sessions:  sessions,
		handler:   handler,
		httpSrv:   httpSrv,
		denylist:  denylist,
		guard:     guard,
		telemetry: tel,
		readyCh:   make(chan struct{}),
	}, nil
}

// buildServerTLS verifies client certificates against the bundle CA and
// rejects denied serials. In optional mode a client may present none.
func buildServerTLS(bundle *tlsutil.ServerBundle, denylist *tlsutil.Denylist, clientAuth string) *tls.Config {
	mode := tls.RequireAndVerifyClientCert
	if clientAuth == ClientAuthOptional {
		mode = tls.VerifyClientCertIfGiven
	}
	return &tls.Config{
		MinVersion:            tls.VersionTLS12,
		Certificates:          []tls.Certificate{bundle.Certificate},
		ClientAuth:            mode,
		ClientCAs:             bundle.CAPool,
		VerifyPeerCertificate: denylist.VerifyConnection,
	}
}

type errorLogWriter struct{ logger pslog.Logger }

func (w errorLogWriter) Write(p []byte) (int, error) {
	w.logger.Warn("http.server.error", "message", strings.TrimSpace(string(p)))
	return len(p), nil
}

// Handler returns the HTTP handler so the dispatcher can be mounted inside
// another server.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Start listens and serves until Shutdown. It returns nil on a clean stop.
func (s *Server) Start() error {
	if s.cfg.ListenProto == "unix" {
		if err := os.Remove(s.cfg.Listen); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove stale unix socket: %w", err)
		}
	}
	ln, err := net.Listen(s.cfg.ListenProto, s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen (%s %s): %w", s.cfg.ListenProto, s.cfg.Listen, err)
	}
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		_ = ln.Close()
		return nil
	}
	s.listener = ln
	watchCtx, cancel := context.WithCancel(context.Background())
	s.watchCancel = cancel
	s.mu.Unlock()
	if s.denylist != nil {
		if err := s.denylist.Watch(watchCtx); err != nil {
			s.logger.Warn("server.denylist.watch_failed", "error", err)
		}
	}
	s.signalReady()
	s.logger.Info("server.listening", "network", s.cfg.ListenProto, "address", ln.Addr().String(), "mtls", s.cfg.MTLSEnabled(), "client_auth", s.cfg.ClientAuth)

	var serveErr error
	switch {
	case s.guard != nil:
		serveErr = s.httpSrv.Serve(s.guard.Listen(ln, s.httpSrv.TLSConfig))
	case s.httpSrv.TLSConfig != nil:
		serveErr = s.httpSrv.ServeTLS(ln, "", "")
	default:
		serveErr = s.httpSrv.Serve(ln)
	}
	s.mu.Lock()
	s.lastServeErr = serveErr
	s.mu.Unlock()
	if serveErr == nil || errors.Is(serveErr, http.ErrServerClosed) {
		return nil
	}
	return fmt.Errorf("http serve: %w", serveErr)
}

// Shutdown stops accepting connections, waits for in-flight commands and
// closes the stores.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	cancel := s.watchCancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if _, ok := ctx.Deadline(); !ok {
		var stop context.CancelFunc
		ctx, stop = context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
		defer stop()
	}
	var errs []error
	if err := s.httpSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := s.sessions.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close sessions: %w", err))
	}
	if err := s.db.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	if err := s.backend.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close backend: %w", err))
	}
	if s.telemetry != nil {
		telCtx := ctx
		if telCtx.Err() != nil {
			var stop context.CancelFunc
			telCtx, stop = context.WithTimeout(context.Background(), 5*time.Second)
			defer stop()
		}
		if err := s.telemetry.Shutdown(telCtx); err != nil {
			errs = append(errs, err)
		}
	}
	if s.cfg.ListenProto == "unix" {
		if err := os.Remove(s.cfg.Listen); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	err := errors.Join(errs...)
	if err != nil {
		s.logger.Warn("server.shutdown.failed", "error", err)
	} else {
		s.logger.Info("server.shutdown.complete")
	}
	return err
}

// Close shuts the server down with the configured timeout.
func (s *Server) Close() error {
	return s.Shutdown(context.Background())
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() { close(s.readyCh) })
}

// WaitUntilReady blocks until the listener is bound or ctx ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenerAddr returns the bound listener address once available.
func (s *Server) ListenerAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// MetricsAddr returns the bound metrics address when metrics are enabled.
func (s *Server) MetricsAddr() net.Addr {
	return s.telemetry.MetricsAddr()
}

// LastServeError returns the error Start's serve loop ended with.
func (s *Server) LastServeError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastServeErr
}

// StartServer starts a server in a background goroutine and waits until it
// accepts connections. The returned stop function shuts it down.
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()
	select {
	case <-srv.readyCh:
	case err := <-errCh:
		_ = srv.Shutdown(context.Background())
		if err == nil {
			err = errors.New("server stopped before it was ready")
		}
		return nil, nil, err
	case <-ctx.Done():
		_ = srv.Shutdown(context.Background())
		return nil, nil, ctx.Err()
	}
	var (
		once    sync.Once
		stopErr error
	)
	stop := func(shutdownCtx context.Context) error {
		once.Do(func() {
			stopErr = srv.Shutdown(shutdownCtx)
			if err := <-errCh; err != nil && stopErr == nil {
				stopErr = err
			}
		})
		return stopErr
	}
	go func() {
		<-ctx.Done()
		_ = stop(context.Background())
	}()
	return srv, stop, nil
}
