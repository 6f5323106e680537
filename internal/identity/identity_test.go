package identity

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"io"
	"math/big"
	"net/url"
	"testing"
	"time"

	"pkt.systems/gridgate/internal/clock"
	"pkt.systems/gridgate/internal/session"
	"pkt.systems/gridgate/internal/store"
	"pkt.systems/gridgate/internal/store/memstore"
	"pkt.systems/pslog"
)

const adminLogin = "admin"

func newTestStore(t *testing.T, withAdmin bool) *memstore.Store {
	t.Helper()
	s := memstore.New()
	if withAdmin {
		if err := s.CreateIdentity(context.Background(), &store.Identity{
			ID: "admin-id", Login: adminLogin, Password: "root", Rights: store.RightsAdministrator,
		}); err != nil {
			t.Fatalf("seed admin: %v", err)
		}
	}
	return s
}

func newTestResolver(t *testing.T, s store.Identities, delegated bool, verifier NonceVerifier) *Resolver {
	t.Helper()
	r, err := NewResolver(Config{
		Store:                 s,
		AdminLogin:            adminLogin,
		DelegatedRegistration: delegated,
		Verifier:              verifier,
		Clock:                 clock.NewManual(time.Unix(1700000000, 0)),
		Logger:                pslog.NewStructured(context.Background(), io.Discard),
	})
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}
	return r
}

func issueCert(t *testing.T, subject pkix.Name) *x509.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(7),
		Subject:      subject,
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create cert: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse cert: %v", err)
	}
	return cert
}

func emailSubject(cn, email string) pkix.Name {
	name := pkix.Name{CommonName: cn, Organization: []string{"Grid"}}
	if email != "" {
		name.ExtraNames = []pkix.AttributeTypeAndValue{{
			Type:  asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 1},
			Value: email,
		}}
	}
	return name
}

type staticVerifier struct {
	accept map[string]bool
	seen   []string
}

func (v *staticVerifier) Verify(_ context.Context, token, _ string) error {
	v.seen = append(v.seen, token)
	if v.accept[token] {
		return nil
	}
	return errors.New("bad token")
}

func TestEmailFromDN(t *testing.T) {
	tests := []struct {
		dn   string
		want string
	}{
		{"EMAILADDRESS=a@b.org, CN=worker, O=Grid", "a@b.org"},
		{"CN=x, emailAddress=last@b.org", "last@b.org"},
		{"CN=x, O=Grid", ""},
		{"", ""},
	}
	for _, tc := range tests {
		if got := emailFromDN(tc.dn); got != tc.want {
			t.Fatalf("emailFromDN(%q) = %q want %q", tc.dn, got, tc.want)
		}
	}
}

func TestRenderDNPutsEmailFirst(t *testing.T) {
	cert := issueCert(t, emailSubject("worker-1", "w1@example.org"))
	dn := renderDN(cert.Subject)
	if dn != "EMAILADDRESS=w1@example.org, CN=worker-1, O=Grid" {
		t.Fatalf("unexpected dn %q", dn)
	}
}

func TestCertificateProvisionsStandardUser(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, true)
	r := newTestResolver(t, s, false, nil)
	cert := issueCert(t, emailSubject("worker-1", "w1@example.org"))

	rec, err := r.Resolve(ctx, Request{Certificates: []*x509.Certificate{cert}})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if rec == nil {
		t.Fatal("expected identity")
	}
	wantLogin := cert.Subject.String() + "_" + cert.Issuer.String()
	if rec.Login != wantLogin || rec.Email != "w1@example.org" {
		t.Fatalf("unexpected identity %+v", rec)
	}
	if rec.Rights != store.RightsStandardUser || rec.OwnerID != "admin-id" {
		t.Fatalf("unexpected rights/owner %+v", rec)
	}
	if len(rec.Password) != 32 {
		t.Fatalf("expected hex md5 password, got %q", rec.Password)
	}
	again, err := r.Resolve(ctx, Request{Certificates: []*x509.Certificate{cert}})
	if err != nil || again.ID != rec.ID {
		t.Fatalf("second resolve: %+v %v", again, err)
	}
}

func TestCertificateWithoutEmailDefaultsToLogin(t *testing.T) {
	s := newTestStore(t, true)
	r := newTestResolver(t, s, false, nil)
	cert := issueCert(t, emailSubject("anon", ""))
	rec, err := r.Resolve(context.Background(), Request{Certificates: []*x509.Certificate{cert}})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if rec.Email != rec.Login {
		t.Fatalf("email should default to login, got %q", rec.Email)
	}
}

func TestCertificateWithoutAdminFails(t *testing.T) {
	r := newTestResolver(t, newTestStore(t, false), false, nil)
	cert := issueCert(t, emailSubject("w", "w@example.org"))
	_, err := r.Resolve(context.Background(), Request{Certificates: []*x509.Certificate{cert}})
	if !errors.Is(err, ErrProvisioning) {
		t.Fatalf("expected provisioning error, got %v", err)
	}
}

func TestCertificateBeatsSessionCredentials(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, true)
	if err := s.CreateIdentity(ctx, &store.Identity{ID: "u1", Login: "alice", Password: "pw"}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	r := newTestResolver(t, s, false, nil)
	sess := session.New()
	sess.Set(session.KeyLogin, "alice")
	sess.Set(session.KeyPassword, "pw")
	cert := issueCert(t, emailSubject("w", "w@example.org"))
	rec, err := r.Resolve(ctx, Request{Certificates: []*x509.Certificate{cert}, Session: sess})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if rec.Login == "alice" {
		t.Fatal("session credentials must not win over the certificate")
	}
}

func TestFederatedProvisionThenReresolve(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, true)
	v := &staticVerifier{accept: map[string]bool{"n-1": true}}
	r := newTestResolver(t, s, true, v)
	sess := session.New()
	params := url.Values{FieldNonce: {"n-1"}, FieldEmail: {"fed@example.org"}, FieldIdentity: {"https://id.example.org/fed"}}

	first, err := r.Resolve(ctx, Request{Params: params, Session: sess})
	if err != nil || first == nil {
		t.Fatalf("first resolve: %+v %v", first, err)
	}
	if first.Login != "https://id.example.org/fed" || first.Email != "fed@example.org" {
		t.Fatalf("unexpected identity %+v", first)
	}
	if sess.Get(session.KeyNonce) != "n-1" || sess.Get(session.KeyEmail) != "fed@example.org" {
		t.Fatalf("session not updated: %+v", sess.Values)
	}
	second, err := r.Resolve(ctx, Request{Session: sess})
	if err != nil || second == nil || second.ID != first.ID {
		t.Fatalf("re-resolve: %+v %v", second, err)
	}
}

// lateStore hides email matches once, as if another request inserted the
// identity between lookup and insert.
type lateStore struct {
	*memstore.Store
	hidden bool
}

func (s *lateStore) IdentityByEmail(ctx context.Context, email string) (*store.Identity, error) {
	if !s.hidden {
		s.hidden = true
		return nil, store.ErrNotFound
	}
	return s.Store.IdentityByEmail(ctx, email)
}

func TestFederatedLoginCollisions(t *testing.T) {
	ctx := context.Background()
	verifier, err := NewJWTVerifier([]byte("secret"), "gridgate")
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	nonce := func(email string) string {
		token, err := verifier.Issue(email, time.Minute)
		if err != nil {
			t.Fatalf("issue: %v", err)
		}
		return token
	}
	tests := []struct {
		name    string
		seed    []*store.Identity
		late    bool
		email   string
		hint    string
		wantErr bool
		wantID  string
	}{
		{
			name:    "hint names the administrator",
			email:   "mallory@example.net",
			hint:    adminLogin,
			wantErr: true,
		},
		{
			name:    "hint reuses another user's login",
			seed:    []*store.Identity{{ID: "u-shared", Login: "shared", Email: "first@example.org"}},
			email:   "second@example.org",
			hint:    "shared",
			wantErr: true,
		},
		{
			name:    "email login owned by a different email",
			seed:    []*store.Identity{{ID: "u-squat", Login: "victim@example.org", Email: "squatter@example.org"}},
			email:   "victim@example.org",
			wantErr: true,
		},
		{
			name:   "concurrent insert of the same email",
			seed:   []*store.Identity{{ID: "u-race", Login: "race@example.org", Email: "race@example.org"}},
			late:   true,
			email:  "race@example.org",
			wantID: "u-race",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			mem := newTestStore(t, true)
			for _, id := range tc.seed {
				if err := mem.CreateIdentity(ctx, id); err != nil {
					t.Fatalf("seed: %v", err)
				}
			}
			var ids store.Identities = mem
			if tc.late {
				ids = &lateStore{Store: mem}
			}
			r := newTestResolver(t, ids, true, verifier)
			sess := session.New()
			params := url.Values{FieldNonce: {nonce(tc.email)}, FieldEmail: {tc.email}}
			if tc.hint != "" {
				params.Set(FieldIdentity, tc.hint)
			}
			rec, err := r.Resolve(ctx, Request{Params: params, Session: sess})
			if tc.wantErr {
				if !errors.Is(err, ErrProvisioning) || rec != nil {
					t.Fatalf("expected provisioning error, got %+v %v", rec, err)
				}
				if sess.Dirty() {
					t.Fatalf("failed login wrote the session: %+v", sess.Values)
				}
				return
			}
			if err != nil || rec == nil || rec.ID != tc.wantID {
				t.Fatalf("resolve: %+v %v", rec, err)
			}
		})
	}
}

func TestFailedFederatedLoginLeavesSessionUsable(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, true)
	if err := s.CreateIdentity(ctx, &store.Identity{ID: "u-alice", Login: "alice", Password: "pw"}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	v := &staticVerifier{accept: map[string]bool{"good": true}}
	r := newTestResolver(t, s, false, v)
	attempts := []url.Values{
		{FieldNonce: {"good"}, FieldEmail: {"unknown@example.org"}},
		{FieldState: {"good"}, FieldEmail: {"unknown@example.org"}},
	}
	for _, params := range attempts {
		sess := session.New()
		if _, err := r.Resolve(ctx, Request{Params: params, Session: sess}); !errors.Is(err, ErrDelegation) {
			t.Fatalf("federated attempt: %v", err)
		}
		if sess.Dirty() {
			t.Fatalf("failed attempt wrote the session: %+v", sess.Values)
		}
		rec, err := r.Resolve(ctx, Request{
			Params:  url.Values{FieldLogin: {"alice"}, FieldPassword: {"pw"}},
			Session: sess,
		})
		if err != nil || rec == nil || rec.ID != "u-alice" {
			t.Fatalf("credentials after failed attempt: %+v %v", rec, err)
		}
	}
}

func TestFederatedFailures(t *testing.T) {
	ctx := context.Background()
	v := &staticVerifier{accept: map[string]bool{"good": true}}
	params := func(nonce string) url.Values {
		return url.Values{FieldNonce: {nonce}, FieldEmail: {"new@example.org"}}
	}
	r := newTestResolver(t, newTestStore(t, true), false, v)
	if _, err := r.Resolve(ctx, Request{Params: params("bad")}); !errors.Is(err, ErrDelegation) {
		t.Fatalf("bad nonce: %v", err)
	}
	_, err := r.Resolve(ctx, Request{Params: params("good")})
	if !errors.Is(err, ErrDelegation) || err.Error() != "identity: delegation failed: delegated registration is not allowed" {
		t.Fatalf("registration disabled: %v", err)
	}
	r = newTestResolver(t, newTestStore(t, false), true, v)
	if _, err := r.Resolve(ctx, Request{Params: params("good")}); !errors.Is(err, ErrProvisioning) {
		t.Fatalf("missing admin: %v", err)
	}
}

func TestOAuthVerifiesStateWithoutNonce(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, true)
	if err := s.CreateIdentity(ctx, &store.Identity{ID: "u2", Login: "bob", Email: "bob@example.org"}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	v := &staticVerifier{accept: map[string]bool{"state-1": true}}
	r := newTestResolver(t, s, false, v)
	sess := session.New()
	rec, err := r.Resolve(ctx, Request{
		Params:  url.Values{FieldState: {"state-1"}, FieldEmail: {"bob@example.org"}},
		Session: sess,
	})
	if err != nil || rec == nil || rec.ID != "u2" {
		t.Fatalf("resolve: %+v %v", rec, err)
	}
	if len(v.seen) != 1 || v.seen[0] != "state-1" {
		t.Fatalf("verifier saw %v", v.seen)
	}
	if sess.Get(session.KeyState) != "state-1" {
		t.Fatal("state not persisted")
	}
}

func TestCredentialsPersistOnlyOnSuccess(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, true)
	if err := s.CreateIdentity(ctx, &store.Identity{ID: "u3", Login: "carol", Password: "pw"}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	r := newTestResolver(t, s, false, nil)

	sess := session.New()
	rec, err := r.Resolve(ctx, Request{Params: url.Values{FieldLogin: {"carol"}, FieldPassword: {"nope"}}, Session: sess})
	if err != nil || rec != nil {
		t.Fatalf("wrong password: %+v %v", rec, err)
	}
	if sess.Dirty() {
		t.Fatal("failed login must not touch the session")
	}
	rec, err = r.Resolve(ctx, Request{Params: url.Values{FieldLogin: {"carol"}, FieldPassword: {"pw"}}, Session: sess})
	if err != nil || rec == nil || rec.ID != "u3" {
		t.Fatalf("login: %+v %v", rec, err)
	}
	if sess.Get(session.KeyLogin) != "carol" || sess.Get(session.KeyPassword) != "pw" {
		t.Fatalf("session not updated: %+v", sess.Values)
	}
}

func TestResolveNothing(t *testing.T) {
	r := newTestResolver(t, newTestStore(t, true), true, nil)
	rec, err := r.Resolve(context.Background(), Request{})
	if err != nil || rec != nil {
		t.Fatalf("expected no identity, got %+v %v", rec, err)
	}
}

func TestJWTVerifier(t *testing.T) {
	v, err := NewJWTVerifier([]byte("secret"), "gridgate")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	token, err := v.Issue("fed@example.org", time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	ctx := context.Background()
	if err := v.Verify(ctx, token, "FED@example.org"); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if err := v.Verify(ctx, token, "other@example.org"); err == nil {
		t.Fatal("expected email mismatch")
	}
	other, _ := NewJWTVerifier([]byte("different"), "gridgate")
	if err := other.Verify(ctx, token, "fed@example.org"); err == nil {
		t.Fatal("expected signature failure")
	}
	v.now = func() time.Time { return time.Now().Add(time.Hour) }
	if err := v.Verify(ctx, token, "fed@example.org"); err == nil {
		t.Fatal("expected expiry failure")
	}
	if _, err := NewJWTVerifier(nil, ""); err == nil {
		t.Fatal("expected secret error")
	}
}
