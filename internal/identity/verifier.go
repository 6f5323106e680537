package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// NonceVerifier validates a federated login token for email.
type NonceVerifier interface {
	Verify(ctx context.Context, token, email string) error
}

type rejectAll struct{}

func (rejectAll) Verify(context.Context, string, string) error {
	return errors.New("no nonce verifier configured")
}

// JWTVerifier accepts HS256 tokens signed with a shared secret. When the
// token carries an email claim it must match the asserted email.
type JWTVerifier struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewJWTVerifier returns a verifier for secret. An empty issuer skips the
// issuer check.
func NewJWTVerifier(secret []byte, issuer string) (*JWTVerifier, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("identity: nonce secret is required")
	}
	return &JWTVerifier{secret: secret, issuer: issuer, now: time.Now}, nil
}

type nonceClaims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// Verify checks signature, expiry, issuer and email binding.
func (v *JWTVerifier) Verify(_ context.Context, token, email string) error {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	claims := &nonceClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return fmt.Errorf("verify nonce: %w", err)
	}
	if !parsed.Valid {
		return errors.New("verify nonce: invalid token")
	}
	if claims.Email != "" && !strings.EqualFold(claims.Email, email) {
		return errors.New("verify nonce: email mismatch")
	}
	return nil
}

// Issue signs a token binding email for ttl. Login pages and tests use it to
// mint nonces the verifier accepts.
func (v *JWTVerifier) Issue(email string, ttl time.Duration) (string, error) {
	now := v.now()
	claims := nonceClaims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
