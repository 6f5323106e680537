package identity

import (
	"context"
	"errors"
	"fmt"

	"pkt.systems/gridgate/internal/session"
	"pkt.systems/gridgate/internal/store"
)

type certificateStrategy struct {
	store store.Identities
	prov  *provisioner
}

func (certificateStrategy) name() string { return "certified" }

func (s certificateStrategy) resolve(ctx context.Context, req Request) (*store.Identity, error) {
	if len(req.Certificates) == 0 || req.Certificates[0] == nil {
		return nil, nil
	}
	leaf := req.Certificates[0]
	login := certificateLogin(leaf)
	email := certificateEmail(req.Certificates)
	rec, err := s.store.IdentityByLogin(ctx, login)
	switch {
	case err == nil:
		if email != "" {
			rec.Email = email
		}
		return rec, nil
	case !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("identity: lookup certified user: %w", err)
	}
	return s.prov.provision(ctx, s.name(), login, email, true)
}

// federation holds what the OpenID and OAuth strategies share.
type federation struct {
	store        store.Identities
	verifier     NonceVerifier
	prov         *provisioner
	allowRegistr bool
}

// lookupOrRegister finds the identity by email or provisions one when
// delegated registration is enabled. A login taken from the identity hint is
// never matched against an existing identity.
func (f federation) lookupOrRegister(ctx context.Context, strategy, email, hint string) (*store.Identity, error) {
	rec, err := f.store.IdentityByEmail(ctx, email)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("identity: lookup %s user: %w", strategy, err)
	}
	if !f.allowRegistr {
		return nil, fmt.Errorf("%w: delegated registration is not allowed", ErrDelegation)
	}
	login, derived := hint, false
	if login == "" {
		login, derived = email, true
	}
	return f.prov.provision(ctx, strategy, login, email, derived)
}

func (f federation) verify(ctx context.Context, token, email string) error {
	if err := f.verifier.Verify(ctx, token, email); err != nil {
		return fmt.Errorf("%w: %v", ErrDelegation, err)
	}
	return nil
}

type openIDStrategy struct{ federation }

func (openIDStrategy) name() string { return "openid" }

func (s openIDStrategy) resolve(ctx context.Context, req Request) (*store.Identity, error) {
	nonce := req.value(FieldNonce, session.KeyNonce)
	email := req.value(FieldEmail, session.KeyEmail)
	hint := req.value(FieldIdentity, session.KeyIdentity)
	if nonce == "" || email == "" {
		return nil, nil
	}
	if err := s.verify(ctx, nonce, email); err != nil {
		return nil, err
	}
	rec, err := s.lookupOrRegister(ctx, s.name(), email, hint)
	if err != nil {
		return nil, err
	}
	req.remember(session.KeyNonce, nonce)
	req.remember(session.KeyEmail, email)
	req.remember(session.KeyIdentity, hint)
	return rec, nil
}

type oauthStrategy struct{ federation }

func (oauthStrategy) name() string { return "oauth" }

func (s oauthStrategy) resolve(ctx context.Context, req Request) (*store.Identity, error) {
	state := req.value(FieldState, session.KeyState)
	email := req.value(FieldEmail, session.KeyEmail)
	if state == "" || email == "" {
		return nil, nil
	}
	nonce := req.value(FieldNonce, session.KeyNonce)
	hint := req.value(FieldIdentity, session.KeyIdentity)
	token := nonce
	if token == "" {
		token = state
	}
	if err := s.verify(ctx, token, email); err != nil {
		return nil, err
	}
	rec, err := s.lookupOrRegister(ctx, s.name(), email, hint)
	if err != nil {
		return nil, err
	}
	req.remember(session.KeyNonce, nonce)
	req.remember(session.KeyState, state)
	req.remember(session.KeyEmail, email)
	req.remember(session.KeyIdentity, hint)
	return rec, nil
}

type credentialStrategy struct {
	store store.Identities
}

func (credentialStrategy) name() string { return "credentials" }

func (s credentialStrategy) resolve(ctx context.Context, req Request) (*store.Identity, error) {
	login := req.value(FieldLogin, session.KeyLogin)
	password := req.value(FieldPassword, session.KeyPassword)
	if login == "" || password == "" {
		return nil, nil
	}
	rec, err := s.store.IdentityByCredentials(ctx, login, password)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("identity: lookup credentials: %w", err)
	}
	req.remember(session.KeyLogin, login)
	req.remember(session.KeyPassword, password)
	return rec, nil
}
