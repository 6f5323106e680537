package httpapi

import (
	"context"
	"crypto/x509"
	"errors"
	"net/http"
	"sort"

	"pkt.systems/gridgate/internal/executor"
	"pkt.systems/gridgate/internal/gate"
	"pkt.systems/gridgate/internal/identity"
	"pkt.systems/gridgate/internal/loggingutil"
	"pkt.systems/gridgate/internal/rpc"
	"pkt.systems/gridgate/internal/session"
	"pkt.systems/gridgate/internal/store"
	"pkt.systems/gridgate/internal/svcfields"
	"pkt.systems/gridgate/internal/transfer"
	"pkt.systems/gridgate/internal/xmlwire"
	"pkt.systems/pslog"
)

// sessionCookie carries the server-side session id.
const sessionCookie = "GRIDSESSION"

// delegationDetail is the envelope text clients match for federated login
// failures.
const delegationDetail = "openid delegation error"

// Outcome classifies how Dispatch finished.
type Outcome int

const (
	// Handled means a response was written.
	Handled Outcome = iota
	// NotMine means the path names no command and nothing was written.
	NotMine
	// Failed means the request was answered with an error.
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Handled:
		return "handled"
	case NotMine:
		return "not_mine"
	default:
		return "failed"
	}
}

// Dispatch runs one request through route, admission, identity resolution,
// command construction and execution. The channel gate is released exactly
// once on every path.
func (h *Handler) Dispatch(w http.ResponseWriter, r *http.Request) (outcome Outcome, err error) {
	rt := parseRoute(r.URL.Path)
	if rt.kind == routeNotMine {
		return NotMine, nil
	}
	ch := h.channelFor(r)
	label := rt.label()
	logger := loggingutil.FromContextOr(r.Context(), h.logger).With(
		svcfields.ChannelKey, ch.id,
		svcfields.RPCKey, label,
	)
	if ch.remote != "" {
		logger = logger.With("remote_addr", ch.remote)
	}
	ctx := pslog.ContextWithLogger(r.Context(), logger)
	r = r.WithContext(ctx)
	defer func() { h.metrics.recordCommand(ctx, label, outcome.String()) }()

	ticket, err := ch.gate.Admit(ctx, label)
	if err != nil {
		logger.Info("gate.admit.failed", "error", err)
		herr := httpError{Status: http.StatusServiceUnavailable, Code: "channel_busy", Detail: err.Error()}
		if !isContextErr(err) {
			writeStatus(w, herr)
		}
		return Failed, herr
	}
	defer ticket.Release()
	if waited := ticket.Waited(); waited > 0 {
		logger.Debug("gate.admit.wait", "waited", waited)
	}
	h.metrics.recordGateWait(ctx, label, ticket.Waited())
	return h.dispatchAdmitted(ctx, w, r, rt, ch, ticket)
}

func (h *Handler) dispatchAdmitted(ctx context.Context, w http.ResponseWriter, r *http.Request, rt route, ch *Channel, ticket *gate.Ticket) (Outcome, error) {
	logger := loggingutil.FromContext(ctx)
	req, err := transfer.ReadRequest(w, r, h.limits)
	if err != nil {
		herr := httpError{Status: http.StatusBadRequest, Code: "bad_request", Detail: err.Error()}
		if errors.Is(err, transfer.ErrTooLarge) {
			herr.Status = http.StatusRequestEntityTooLarge
			herr.Code = "too_large"
		}
		writeStatus(w, herr)
		return Failed, herr
	}
	defer req.Close()
	traceRequest(logger, r, req)

	sess := h.loadSession(ctx, r)
	who, err := h.resolver.Resolve(ctx, identity.Request{
		Certificates: peerChain(r),
		Params:       req.Params,
		Session:      sess,
	})
	h.saveSession(ctx, w, r, sess)
	rw := newResponder(w, ticket)
	if err != nil {
		code, detail := "internal", err.Error()
		switch {
		case errors.Is(err, identity.ErrProvisioning):
			code = "provisioning"
		case errors.Is(err, identity.ErrDelegation):
			code, detail = "delegation", delegationDetail
		}
		logger.Warn("http.identity.failed", "code", code, "error", err)
		_ = rw.WriteResult(ctx, xmlwire.Error{Code: code, Detail: detail})
		return Failed, err
	}
	if who == nil {
		herr := httpError{Status: http.StatusUnauthorized, Code: "unauthenticated", Location: h.loginPage}
		ticket.Release()
		writeStatus(w, herr)
		return Failed, herr
	}
	logger = logger.With(svcfields.CallerKey, who.Login)
	ctx = pslog.ContextWithLogger(ctx, logger)

	switch rt.kind {
	case routeUsage:
		if err := h.writeUsage(ctx, w, r, who); err != nil {
			return Failed, err
		}
		return Handled, nil
	case routeAPI:
		if err := h.writeAPI(ctx, w, who); err != nil {
			return Failed, err
		}
		return Handled, nil
	}

	caller := rpc.Caller{ID: who.ID, Login: who.Login, Password: who.Password, Email: who.Email}
	cmd, err := buildCommand(r, rt, req.Params, caller)
	if err != nil {
		logger.Warn("http.command.build_failed", "policy", "degradeToEmptyEnvelope", "error", err)
		_ = rw.WriteResult(ctx, nil)
		return Handled, nil
	}
	call := &executor.Call{Command: cmd, Identity: who}
	if rt.spec.Upload {
		ch.guard.Begin(req.Parts, req.Params)
		call.Upload = ch.guard
	}
	if rt.spec.Download {
		return h.serveDownload(ctx, rw, call, ticket)
	}
	result, err := h.exec.Execute(ctx, call)
	if err != nil {
		logger.Debug("http.command.failed", "error", err)
		result = executor.Envelope(err)
	}
	if err := rw.WriteResult(ctx, result); err != nil {
		return Failed, err
	}
	return Handled, nil
}

// serveDownload streams the artifact outside the envelope. The gate is
// released once the executor returns.
func (h *Handler) serveDownload(ctx context.Context, rw *responder, call *executor.Call, ticket *gate.Ticket) (Outcome, error) {
	logger := loggingutil.FromContext(ctx)
	var meta *store.Artifact
	if target := call.Command.TargetUID(); target != "" {
		a, err := h.artifacts.Artifact(ctx, target)
		switch {
		case err != nil:
			logger.Debug("http.download.headers.lookup_failed", "artifact_id", target, "error", err)
		case !a.CanRead(call.Identity):
			logger.Debug("http.download.headers.denied", "artifact_id", target)
		default:
			meta = a
		}
	}
	rw.writeDownloadHeaders(ctx, meta)
	call.Raw = rw.Raw()
	_, err := h.exec.Execute(ctx, call)
	ticket.Release()
	if err == nil {
		return Handled, nil
	}
	if rw.written() == 0 && !rw.sent {
		rw.clearDownloadHeaders()
		logger.Debug("http.download.failed", "error", err)
		_ = rw.WriteResult(ctx, executor.Envelope(err))
		return Handled, nil
	}
	logger.Warn("http.download.interrupted", "bytes", rw.written(), "error", err)
	return Failed, err
}

func (h *Handler) loadSession(ctx context.Context, r *http.Request) *session.Session {
	if c, err := r.Cookie(sessionCookie); err == nil && c.Value != "" {
		s, err := h.sessions.Load(ctx, c.Value)
		if err == nil {
			return s
		}
		if !errors.Is(err, session.ErrNotFound) {
			loggingutil.FromContext(ctx).Warn("http.session.load_failed", "error", err)
		}
	}
	return session.New()
}

func (h *Handler) saveSession(ctx context.Context, w http.ResponseWriter, r *http.Request, s *session.Session) {
	if !s.Dirty() {
		return
	}
	if err := h.sessions.Save(ctx, s); err != nil {
		loggingutil.FromContext(ctx).Warn("http.session.save_failed", "error", err)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    s.ID,
		Path:     "/",
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})
}

// peerChain returns the verified client chain, leaf first.
func peerChain(r *http.Request) []*x509.Certificate {
	if r.TLS == nil || len(r.TLS.VerifiedChains) == 0 {
		return nil
	}
	return r.TLS.VerifiedChains[0]
}

func traceRequest(logger pslog.Logger, r *http.Request, req *transfer.Request) {
	names := make([]string, 0, len(req.Params))
	for k := range req.Params {
		names = append(names, k)
	}
	sort.Strings(names)
	headers := make([]string, 0, len(r.Header))
	for k := range r.Header {
		headers = append(headers, k)
	}
	sort.Strings(headers)
	logger.Trace("http.request.params", "params", names, "headers", headers, "files", len(req.Parts))
}
