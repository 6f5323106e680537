// Package identity maps an inbound request to a stored identity. Strategies
// run in a fixed order (certificate, federated login, OAuth, credentials) and
// the first one that yields an identity wins.
package identity

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"net/url"

	"pkt.systems/gridgate/internal/clock"
	"pkt.systems/gridgate/internal/loggingutil"
	"pkt.systems/gridgate/internal/session"
	"pkt.systems/gridgate/internal/store"
	"pkt.systems/pslog"
)

var (
	// ErrProvisioning reports that a new identity could not be created.
	ErrProvisioning = errors.New("identity: provisioning failed")
	// ErrDelegation reports a failed federated login.
	ErrDelegation = errors.New("identity: delegation failed")
)

// Request parameter names, upper-cased.
const (
	FieldNonce    = "AUTH_NONCE"
	FieldEmail    = "AUTH_EMAIL"
	FieldIdentity = "AUTH_IDENTITY"
	FieldState    = "AUTH_STATE"
	FieldLogin    = "XWLOGIN"
	FieldPassword = "XWPASSWD"
)

// Request carries everything a strategy may inspect.
type Request struct {
	// Certificates is the verified peer chain, leaf first.
	Certificates []*x509.Certificate
	// Params holds query, form and multipart values keyed by upper-cased name.
	Params url.Values
	// Session is updated in place by strategies that persist state. It may be nil.
	Session *session.Session
}

// value returns the parameter when present, else the session value.
func (r Request) value(field, key string) string {
	if v := r.Params.Get(field); v != "" {
		return v
	}
	return r.Session.Get(key)
}

func (r Request) remember(key, value string) {
	if r.Session == nil || value == "" {
		return
	}
	r.Session.Set(key, value)
}

type strategy interface {
	name() string
	resolve(ctx context.Context, req Request) (*store.Identity, error)
}

// Config wires a Resolver.
type Config struct {
	Store store.Identities
	// AdminLogin names the identity that owns provisioned identities.
	AdminLogin string
	// DelegatedRegistration allows federated logins to create identities.
	DelegatedRegistration bool
	// Verifier checks federated nonces and OAuth state tokens. Nil rejects all.
	Verifier NonceVerifier
	Clock    clock.Clock
	Logger   pslog.Logger
}

// Resolver runs the strategy chain.
type Resolver struct {
	strategies []strategy
	logger     pslog.Logger
}

// NewResolver validates cfg and builds the strategy chain.
func NewResolver(cfg Config) (*Resolver, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("identity: store is required")
	}
	if cfg.Verifier == nil {
		cfg.Verifier = rejectAll{}
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	logger := loggingutil.EnsureLogger(cfg.Logger)
	prov := newProvisioner(cfg.Store, cfg.AdminLogin, cfg.Clock, logger)
	fed := federation{
		store:        cfg.Store,
		verifier:     cfg.Verifier,
		prov:         prov,
		allowRegistr: cfg.DelegatedRegistration,
	}
	return &Resolver{
		strategies: []strategy{
			certificateStrategy{store: cfg.Store, prov: prov},
			openIDStrategy{federation: fed},
			oauthStrategy{federation: fed},
			credentialStrategy{store: cfg.Store},
		},
		logger: logger,
	}, nil
}

// Resolve returns the caller's identity, nil when no strategy matched, or an
// error wrapping ErrProvisioning or ErrDelegation.
func (r *Resolver) Resolve(ctx context.Context, req Request) (*store.Identity, error) {
	logger := loggingutil.FromContextOr(ctx, r.logger)
	for _, s := range r.strategies {
		rec, err := s.resolve(ctx, req)
		if err != nil {
			logger.Warn("identity.resolve.failed", "strategy", s.name(), "error", err)
			return nil, err
		}
		if rec != nil {
			logger.Debug("identity.resolve.success", "strategy", s.name(), "login", rec.Login, "identity_id", rec.ID)
			return rec, nil
		}
	}
	logger.Trace("identity.resolve.none")
	return nil, nil
}
