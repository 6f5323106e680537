// Package memstore is an in-process store.Store for tests and single-node
// development.
package memstore

import (
	"context"
	"crypto/subtle"
	"sort"
	"strings"
	"sync"

	"pkt.systems/gridgate/internal/store"
)

// Store keeps identities and artifacts in maps guarded by one RWMutex.
type Store struct {
	mu         sync.RWMutex
	identities map[string]*store.Identity
	byLogin    map[string]string
	artifacts  map[string]*store.Artifact
}

// New returns an empty store.
func New() *Store {
	return &Store{
		identities: make(map[string]*store.Identity),
		byLogin:    make(map[string]string),
		artifacts:  make(map[string]*store.Artifact),
	}
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

// IdentityByID returns the identity with id.
func (s *Store) IdentityByID(_ context.Context, id string) (*store.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if rec, ok := s.identities[id]; ok {
		return rec.Clone(), nil
	}
	return nil, store.ErrNotFound
}

// IdentityByLogin returns the identity with login.
func (s *Store) IdentityByLogin(_ context.Context, login string) (*store.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if id, ok := s.byLogin[login]; ok {
		return s.identities[id].Clone(), nil
	}
	return nil, store.ErrNotFound
}

// IdentityByEmail returns the oldest identity carrying email.
func (s *Store) IdentityByEmail(_ context.Context, email string) (*store.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var found *store.Identity
	for _, rec := range s.identities {
		if !strings.EqualFold(rec.Email, email) {
			continue
		}
		if found == nil || rec.CreatedAt.Before(found.CreatedAt) {
			found = rec
		}
	}
	if found == nil {
		return nil, store.ErrNotFound
	}
	return found.Clone(), nil
}

// IdentityByCredentials returns the identity whose login and password match.
func (s *Store) IdentityByCredentials(_ context.Context, login, password string) (*store.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byLogin[login]
	if !ok {
		return nil, store.ErrNotFound
	}
	rec := s.identities[id]
	if subtle.ConstantTimeCompare([]byte(rec.Password), []byte(password)) != 1 {
		return nil, store.ErrNotFound
	}
	return rec.Clone(), nil
}

// CreateIdentity inserts rec, enforcing unique id and login.
func (s *Store) CreateIdentity(_ context.Context, rec *store.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.identities[rec.ID]; ok {
		return store.ErrConflict
	}
	if _, ok := s.byLogin[rec.Login]; ok {
		return store.ErrConflict
	}
	s.identities[rec.ID] = rec.Clone()
	s.byLogin[rec.Login] = rec.ID
	return nil
}

// Artifact returns the artifact with id.
func (s *Store) Artifact(_ context.Context, id string) (*store.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if a, ok := s.artifacts[id]; ok {
		return a.Clone(), nil
	}
	return nil, store.ErrNotFound
}

// PutArtifact inserts or replaces a.
func (s *Store) PutArtifact(_ context.Context, a *store.Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.artifacts[a.ID] = a.Clone()
	return nil
}

// DeleteArtifact removes the artifact with id.
func (s *Store) DeleteArtifact(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.artifacts[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.artifacts, id)
	return nil
}

// ListArtifacts returns artifacts ordered by id.
func (s *Store) ListArtifacts(_ context.Context, ownerID string) ([]*store.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*store.Artifact, 0, len(s.artifacts))
	for _, a := range s.artifacts {
		if ownerID == "" || a.OwnerID == ownerID {
			out = append(out, a.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
