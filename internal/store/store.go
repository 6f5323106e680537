// Package store defines the dispatcher's persistent identity and artifact
// records and the interfaces used to read and write them.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotFound reports a missing identity or artifact.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict reports a uniqueness violation such as a duplicate login.
	ErrConflict = errors.New("store: conflict")
)

// Rights is an identity's privilege level. Higher values include lower ones.
type Rights int

// Privilege levels.
const (
	RightsNone Rights = iota
	RightsStandardUser
	RightsWorkerUser
	RightsAdvancedUser
	RightsSuperUser
	RightsAdministrator
)

var rightsNames = []string{"none", "standard_user", "worker_user", "advanced_user", "super_user", "administrator"}

func (r Rights) String() string {
	if r < 0 || int(r) >= len(rightsNames) {
		return fmt.Sprintf("rights(%d)", int(r))
	}
	return rightsNames[r]
}

// ParseRights accepts the names produced by String, ignoring case.
func ParseRights(s string) (Rights, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range rightsNames {
		if s == name {
			return Rights(i), nil
		}
	}
	return RightsNone, fmt.Errorf("store: unknown rights %q", s)
}

// AtLeast reports whether r grants at least min.
func (r Rights) AtLeast(min Rights) bool { return r >= min }

// Identity is an authenticated principal. Login is unique.
type Identity struct {
	ID        string
	Login     string
	Password  string
	Email     string
	Rights    Rights
	OwnerID   string
	CreatedAt time.Time
}

// Clone returns a copy safe to mutate.
func (i *Identity) Clone() *Identity {
	if i == nil {
		return nil
	}
	c := *i
	return &c
}

// ArtifactStatus tracks a data artifact's content lifecycle.
type ArtifactStatus string

// Artifact statuses.
const (
	StatusPending   ArtifactStatus = "pending"
	StatusAvailable ArtifactStatus = "available"
	StatusError     ArtifactStatus = "error"
)

// Artifact is the metadata of a data blob exchanged with workers.
type Artifact struct {
	ID           string
	OwnerID      string
	Name         string
	Type         string
	Size         int64
	Checksum     string
	Status       ArtifactStatus
	Path         string
	AccessRights uint32
	ModifiedAt   time.Time
}

// Unix-style permission bits for the "others" class of AccessRights.
const (
	othersRead  = 0x4
	othersWrite = 0x2
)

// CanRead reports whether who may read the artifact: its owner, a super user
// or anyone when others may read.
func (a *Artifact) CanRead(who *Identity) bool {
	return a.allowed(who, othersRead)
}

// CanWrite reports whether who may replace or delete the artifact.
func (a *Artifact) CanWrite(who *Identity) bool {
	return a.allowed(who, othersWrite)
}

func (a *Artifact) allowed(who *Identity, bit uint32) bool {
	if a.AccessRights&bit != 0 {
		return true
	}
	if who == nil {
		return false
	}
	return who.ID == a.OwnerID || who.Rights.AtLeast(RightsSuperUser)
}

// Clone returns a copy safe to mutate.
func (a *Artifact) Clone() *Artifact {
	if a == nil {
		return nil
	}
	c := *a
	return &c
}

// Identities looks up and creates identities. Lookups return ErrNotFound when
// nothing matches.
type Identities interface {
	IdentityByID(ctx context.Context, id string) (*Identity, error)
	IdentityByLogin(ctx context.Context, login string) (*Identity, error)
	IdentityByEmail(ctx context.Context, email string) (*Identity, error)
	// IdentityByCredentials matches login and password exactly.
	IdentityByCredentials(ctx context.Context, login, password string) (*Identity, error)
	// CreateIdentity inserts id and fails with ErrConflict on a duplicate
	// login or id.
	CreateIdentity(ctx context.Context, id *Identity) error
}

// Artifacts reads and writes artifact metadata.
type Artifacts interface {
	Artifact(ctx context.Context, id string) (*Artifact, error)
	// PutArtifact inserts or replaces the artifact with a.ID.
	PutArtifact(ctx context.Context, a *Artifact) error
	DeleteArtifact(ctx context.Context, id string) error
	// ListArtifacts returns artifacts owned by ownerID, or all when empty.
	ListArtifacts(ctx context.Context, ownerID string) ([]*Artifact, error)
}

// Store is the full persistence contract.
type Store interface {
	Identities
	Artifacts
	Close() error
}
