// Package session keeps per-client state across requests: the federated
// login nonce and email, OAuth state and stored credentials.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/rs/xid"
)

// ErrNotFound reports an unknown or expired session id.
var ErrNotFound = errors.New("session: not found")

// Well known session keys.
const (
	KeyNonce    = "nonce"
	KeyEmail    = "email"
	KeyIdentity = "identity"
	KeyState    = "state"
	KeyLogin    = "login"
	KeyPassword = "password"
)

// Session is a string bag addressed by ID.
type Session struct {
	ID     string
	Values map[string]string
	dirty  bool
}

// New returns an empty session with a fresh id.
func New() *Session {
	return &Session{ID: xid.New().String(), Values: make(map[string]string)}
}

// Get returns the value for key or "".
func (s *Session) Get(key string) string {
	if s == nil {
		return ""
	}
	return s.Values[key]
}

// Set stores value under key and marks the session modified.
func (s *Session) Set(key, value string) {
	if s.Values == nil {
		s.Values = make(map[string]string)
	}
	if s.Values[key] == value {
		return
	}
	s.Values[key] = value
	s.dirty = true
}

// Dirty reports whether Set changed anything since load.
func (s *Session) Dirty() bool { return s != nil && s.dirty }

// Store persists sessions with a sliding TTL.
type Store interface {
	// Load returns the session for id or ErrNotFound.
	Load(ctx context.Context, id string) (*Session, error)
	// Save writes s and refreshes its TTL.
	Save(ctx context.Context, s *Session) error
	Delete(ctx context.Context, id string) error
	Close() error
}

// DefaultTTL applies when a store is built with a non-positive TTL.
const DefaultTTL = 30 * time.Minute

func clone(values map[string]string) map[string]string {
	out := make(map[string]string, len(values))
	for k, v := range values {
		out[k] = v
	}
	return out
}
