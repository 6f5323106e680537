// Package storetest runs behavioural checks shared by store.Store
// implementations.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/xid"

	"pkt.systems/gridgate/internal/store"
)

// Run exercises identity and artifact semantics against s.
func Run(t *testing.T, s store.Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("IdentityLookups", func(t *testing.T) {
		rec := &store.Identity{
			ID:        xid.New().String(),
			Login:     "login-" + xid.New().String(),
			Password:  "secret",
			Email:     "worker@example.org",
			Rights:    store.RightsStandardUser,
			OwnerID:   "admin",
			CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
		}
		if err := s.CreateIdentity(ctx, rec); err != nil {
			t.Fatalf("create: %v", err)
		}
		byLogin, err := s.IdentityByLogin(ctx, rec.Login)
		if err != nil || byLogin.ID != rec.ID || byLogin.Rights != store.RightsStandardUser {
			t.Fatalf("by login: %+v %v", byLogin, err)
		}
		if got, err := s.IdentityByID(ctx, rec.ID); err != nil || got.Login != rec.Login {
			t.Fatalf("by id: %+v %v", got, err)
		}
		if got, err := s.IdentityByEmail(ctx, rec.Email); err != nil || got.Email != rec.Email {
			t.Fatalf("by email: %+v %v", got, err)
		}
		if got, err := s.IdentityByCredentials(ctx, rec.Login, "secret"); err != nil || got.ID != rec.ID {
			t.Fatalf("by credentials: %+v %v", got, err)
		}
		if _, err := s.IdentityByCredentials(ctx, rec.Login, "Secret"); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("password must match exactly, got %v", err)
		}
		dup := rec.Clone()
		dup.ID = xid.New().String()
		if err := s.CreateIdentity(ctx, dup); !errors.Is(err, store.ErrConflict) {
			t.Fatalf("expected login conflict, got %v", err)
		}
		if _, err := s.IdentityByLogin(ctx, "nobody-"+xid.New().String()); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("expected not found, got %v", err)
		}
	})

	t.Run("Artifacts", func(t *testing.T) {
		owner := xid.New().String()
		a := &store.Artifact{
			ID:           xid.New().String(),
			OwnerID:      owner,
			Name:         "input.bin",
			Type:         "application/octet-stream",
			Size:         -1,
			Status:       store.StatusPending,
			Path:         "data/x",
			AccessRights: 0x755,
			ModifiedAt:   time.Now().UTC().Truncate(time.Millisecond),
		}
		if err := s.PutArtifact(ctx, a); err != nil {
			t.Fatalf("put: %v", err)
		}
		a.Size = 42
		a.Checksum = "deadbeef"
		a.Status = store.StatusAvailable
		if err := s.PutArtifact(ctx, a); err != nil {
			t.Fatalf("update: %v", err)
		}
		got, err := s.Artifact(ctx, a.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Size != 42 || got.Checksum != "deadbeef" || got.Status != store.StatusAvailable || got.AccessRights != 0x755 {
			t.Fatalf("unexpected artifact %+v", got)
		}
		list, err := s.ListArtifacts(ctx, owner)
		if err != nil || len(list) != 1 {
			t.Fatalf("list: %v %v", list, err)
		}
		if err := s.DeleteArtifact(ctx, a.ID); err != nil {
			t.Fatalf("delete: %v", err)
		}
		if _, err := s.Artifact(ctx, a.ID); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("expected not found after delete, got %v", err)
		}
		if err := s.DeleteArtifact(ctx, a.ID); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("expected not found on second delete, got %v", err)
		}
	})
}
