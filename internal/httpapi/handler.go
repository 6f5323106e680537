// Package httpapi serves the dispatcher's HTTP surface: it routes a request
// to a command kind, serializes commands per connection, resolves the caller
// and hands the built command to an executor.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/gridgate/internal/clock"
	"pkt.systems/gridgate/internal/correlation"
	"pkt.systems/gridgate/internal/executor"
	"pkt.systems/gridgate/internal/gate"
	"pkt.systems/gridgate/internal/identity"
	"pkt.systems/gridgate/internal/loggingutil"
	"pkt.systems/gridgate/internal/session"
	"pkt.systems/gridgate/internal/storage"
	"pkt.systems/gridgate/internal/store"
	"pkt.systems/gridgate/internal/svcfields"
	"pkt.systems/gridgate/internal/transfer"
	"pkt.systems/gridgate/internal/uid"
	"pkt.systems/pslog"
)

// DefaultLoginPage is where unauthenticated callers are sent.
const DefaultLoginPage = "/login.html"

// IdentityResolver maps a request to the calling identity.
type IdentityResolver interface {
	Resolve(ctx context.Context, req identity.Request) (*store.Identity, error)
}

// Config wires a Handler.
type Config struct {
	Resolver  IdentityResolver
	Executor  executor.Executor
	Artifacts store.Artifacts
	Blobs     storage.Backend
	// Sessions defaults to an in-memory store.
	Sessions session.Store
	Logger   pslog.Logger
	Clock    clock.Clock
	// LoginPage is the Location of 401 answers.
	LoginPage string
	// AdmitTimeout bounds the wait for a busy channel; zero waits until the
	// request context ends.
	AdmitTimeout time.Duration
	MaxUpload    int64
	SpoolMemory  int64
	// Fallback serves paths that name no command. Defaults to 404.
	Fallback           http.Handler
	DisableHTTPTracing bool
}

// Handler dispatches dispatcher commands.
type Handler struct {
	resolver  IdentityResolver
	exec      executor.Executor
	artifacts store.Artifacts
	blobs     storage.Backend
	sessions  session.Store
	logger    pslog.Logger
	clk       clock.Clock
	loginPage string
	limits    transfer.Limits
	fallback  http.Handler

	channels       *channelRegistry
	defaultChannel *Channel

	metrics        *handlerMetrics
	tracer         trace.Tracer
	tracingEnabled bool
}

// New validates cfg and builds a Handler.
func New(cfg Config) (*Handler, error) {
	switch {
	case cfg.Resolver == nil:
		return nil, fmt.Errorf("httpapi: resolver is required")
	case cfg.Executor == nil:
		return nil, fmt.Errorf("httpapi: executor is required")
	case cfg.Artifacts == nil:
		return nil, fmt.Errorf("httpapi: artifact store is required")
	case cfg.Blobs == nil:
		return nil, fmt.Errorf("httpapi: blob backend is required")
	}
	logger := loggingutil.EnsureLogger(cfg.Logger)
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	sessions := cfg.Sessions
	if sessions == nil {
		sessions = session.NewMemory(session.DefaultTTL, clk)
	}
	loginPage := cfg.LoginPage
	if loginPage == "" {
		loginPage = DefaultLoginPage
	}
	fallback := cfg.Fallback
	if fallback == nil {
		fallback = http.NotFoundHandler()
	}
	h := &Handler{
		resolver:       cfg.Resolver,
		exec:           cfg.Executor,
		artifacts:      cfg.Artifacts,
		blobs:          cfg.Blobs,
		sessions:       sessions,
		logger:         logger,
		clk:            clk,
		loginPage:      loginPage,
		limits:         transfer.Limits{MaxUpload: cfg.MaxUpload, SpoolMemory: cfg.SpoolMemory},
		fallback:       fallback,
		metrics:        newHandlerMetrics(logger),
		tracer:         otel.Tracer("pkt.systems/gridgate/httpapi"),
		tracingEnabled: !cfg.DisableHTTPTracing,
	}
	gateOpts := []gate.Option{gate.WithTimeout(cfg.AdmitTimeout), gate.WithClock(clk)}
	build := func(id, remote string) *Channel {
		return &Channel{
			id:     id,
			remote: remote,
			gate:   gate.New(gateOpts...),
			guard:  transfer.NewGuard(cfg.Artifacts, cfg.Blobs, clk, svcfields.WithSubsystem(logger, "transfer.guard")),
		}
	}
	h.channels = newChannelRegistry(build)
	h.defaultChannel = build("default", "")
	return h, nil
}

// Register mounts the dispatcher and the health check on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("/healthz", h.instrument("healthz", http.HandlerFunc(handleHealth)))
	mux.Handle("/", h.instrument("dispatch", h))
}

// DefaultChannel returns the channel shared by requests that arrive without
// a connection channel.
func (h *Handler) DefaultChannel() *Channel { return h.defaultChannel }

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// ServeHTTP dispatches r and hands paths naming no command to the fallback.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	outcome, err := h.Dispatch(w, r)
	switch outcome {
	case NotMine:
		h.fallback.ServeHTTP(w, r)
	case Failed:
		loggingutil.FromContextOr(r.Context(), h.logger).Debug("http.request.failed", "error", err)
	}
}

// instrument adds request ids, correlation, the request logger, tracing and
// panic recovery around next.
func (h *Handler) instrument(operation string, next http.Handler) http.Handler {
	sys := svcfields.Subsystem("server", "http", operation)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := r.Context()
		var span trace.Span
		if h.tracingEnabled {
			ctx, span = h.tracer.Start(ctx, "gridgate.http."+operation,
				trace.WithSpanKind(trace.SpanKindInternal),
				trace.WithAttributes(attribute.String("gridgate.sys", sys)),
			)
			defer span.End()
		} else {
			span = trace.SpanFromContext(ctx)
		}
		reqID := uid.New()
		corr := correlation.FromRequest(r)
		ctx = correlation.With(ctx, corr)
		span.SetAttributes(
			attribute.String("gridgate.correlation_id", corr),
			attribute.String("gridgate.route", r.URL.Path),
		)
		w.Header().Set(correlation.Header, corr)

		logger := svcfields.WithSubsystem(h.logger, sys).With(
			svcfields.RequestIDKey, reqID,
			"method", r.Method,
			"path", r.URL.Path,
			"cid", corr,
		)
		ctx = pslog.ContextWithLogger(ctx, logger)
		sw := &statusWriter{ResponseWriter: w}
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			span.SetStatus(codes.Error, "panic")
			logger.Error("http.request.panic", "panic", fmt.Sprint(rec))
			if !sw.wroteHeader {
				writeStatus(sw, httpError{Status: http.StatusInternalServerError, Code: "internal"})
			}
		}()
		logger.Trace("http.request.start", "remote_addr", r.RemoteAddr)
		next.ServeHTTP(sw, r.WithContext(ctx))
		logger.Trace("http.request.complete", "status", sw.status, "elapsed", time.Since(start))
	})
	if !h.tracingEnabled {
		return handler
	}
	return otelhttp.NewHandler(handler, "gridgate.http."+operation,
		otelhttp.WithMessageEvents(otelhttp.ReadEvents, otelhttp.WriteEvents))
}

type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(p []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(p)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
