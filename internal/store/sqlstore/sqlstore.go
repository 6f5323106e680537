// Package sqlstore persists identities and artifacts in SQLite or
// PostgreSQL through database/sql.
package sqlstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	_ "modernc.org/sqlite"

	"pkt.systems/gridgate/internal/loggingutil"
	"pkt.systems/gridgate/internal/store"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Dialect selects placeholder style and duplicate-key detection.
type Dialect int

const (
	// SQLite uses ? placeholders.
	SQLite Dialect = iota
	// Postgres uses $n placeholders.
	Postgres
)

// Store implements store.Store on a *sql.DB.
type Store struct {
	db      *sql.DB
	dialect Dialect
}

// Open connects to dsn. Accepted forms are sqlite://<path>, a bare file path
// and postgres:// or postgresql:// URLs.
func Open(ctx context.Context, dsn string) (*Store, error) {
	driver, source, dialect, err := parseDSN(dsn)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driver, source)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open: %w", err)
	}
	if dialect == SQLite {
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlstore: ping: %w", err)
	}
	s := New(db, dialect)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing handle without running migrations.
func New(db *sql.DB, dialect Dialect) *Store {
	return &Store{db: db, dialect: dialect}
}

func parseDSN(dsn string) (driver, source string, dialect Dialect, err error) {
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return "postgres", dsn, Postgres, nil
	case strings.HasPrefix(dsn, "sqlite://"):
		dsn = strings.TrimPrefix(dsn, "sqlite://")
	}
	if dsn == "" {
		return "", "", SQLite, errors.New("sqlstore: empty dsn")
	}
	if !strings.Contains(dsn, "?") {
		dsn += "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)"
	}
	return "sqlite", dsn, SQLite, nil
}

// Migrate applies embedded migrations in lexical order.
func (s *Store) Migrate(ctx context.Context) error {
	names, err := fs.Glob(migrationFiles, "migrations/*.sql")
	if err != nil {
		return fmt.Errorf("sqlstore: list migrations: %w", err)
	}
	sort.Strings(names)
	logger := loggingutil.FromContext(ctx)
	for _, name := range names {
		content, err := migrationFiles.ReadFile(name)
		if err != nil {
			return fmt.Errorf("sqlstore: read %s: %w", name, err)
		}
		for _, stmt := range strings.Split(string(content), ";") {
			stmt = strings.TrimSpace(stmt)
			if stmt == "" {
				continue
			}
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("sqlstore: migrate %s: %w", name, err)
			}
		}
		logger.Debug("sqlstore.migrate.applied", "migration", name)
	}
	return nil
}

// Close closes the database handle.
func (s *Store) Close() error { return s.db.Close() }

// rebind rewrites ? placeholders for the active dialect.
func (s *Store) rebind(query string) string {
	if s.dialect != Postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const identityColumns = "id, login, password, email, rights, owner_id, created_at"

func scanIdentity(row interface{ Scan(...any) error }) (*store.Identity, error) {
	var (
		rec     store.Identity
		rights  int
		created int64
	)
	if err := row.Scan(&rec.ID, &rec.Login, &rec.Password, &rec.Email, &rights, &rec.OwnerID, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	rec.Rights = store.Rights(rights)
	rec.CreatedAt = time.UnixMilli(created).UTC()
	return &rec, nil
}

func (s *Store) identityWhere(ctx context.Context, where string, args ...any) (*store.Identity, error) {
	query := s.rebind("SELECT " + identityColumns + " FROM identities WHERE " + where)
	rec, err := scanIdentity(s.db.QueryRowContext(ctx, query, args...))
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("sqlstore: query identity: %w", err)
	}
	return rec, err
}

// IdentityByID returns the identity with id.
func (s *Store) IdentityByID(ctx context.Context, id string) (*store.Identity, error) {
	return s.identityWhere(ctx, "id = ?", id)
}

// IdentityByLogin returns the identity with login.
func (s *Store) IdentityByLogin(ctx context.Context, login string) (*store.Identity, error) {
	return s.identityWhere(ctx, "login = ?", login)
}

// IdentityByEmail returns the oldest identity carrying email.
func (s *Store) IdentityByEmail(ctx context.Context, email string) (*store.Identity, error) {
	return s.identityWhere(ctx, "LOWER(email) = LOWER(?) ORDER BY created_at LIMIT 1", email)
}

// IdentityByCredentials returns the identity whose login and password match.
func (s *Store) IdentityByCredentials(ctx context.Context, login, password string) (*store.Identity, error) {
	return s.identityWhere(ctx, "login = ? AND password = ?", login, password)
}

// CreateIdentity inserts rec.
func (s *Store) CreateIdentity(ctx context.Context, rec *store.Identity) error {
	query := s.rebind("INSERT INTO identities (" + identityColumns + ") VALUES (?, ?, ?, ?, ?, ?, ?)")
	_, err := s.db.ExecContext(ctx, query,
		rec.ID, rec.Login, rec.Password, rec.Email, int(rec.Rights), rec.OwnerID, rec.CreatedAt.UnixMilli())
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		return fmt.Errorf("sqlstore: insert identity: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "constraint failed: UNIQUE")
}

const artifactColumns = "id, owner_id, name, type, size, checksum, status, path, access_rights, modified_at"

func scanArtifact(row interface{ Scan(...any) error }) (*store.Artifact, error) {
	var (
		a        store.Artifact
		status   string
		rights   int64
		modified int64
	)
	if err := row.Scan(&a.ID, &a.OwnerID, &a.Name, &a.Type, &a.Size, &a.Checksum, &status, &a.Path, &rights, &modified); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	a.Status = store.ArtifactStatus(status)
	a.AccessRights = uint32(rights)
	a.ModifiedAt = time.UnixMilli(modified).UTC()
	return &a, nil
}

// Artifact returns the artifact with id.
func (s *Store) Artifact(ctx context.Context, id string) (*store.Artifact, error) {
	query := s.rebind("SELECT " + artifactColumns + " FROM artifacts WHERE id = ?")
	a, err := scanArtifact(s.db.QueryRowContext(ctx, query, id))
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("sqlstore: query artifact: %w", err)
	}
	return a, err
}

// PutArtifact upserts a.
func (s *Store) PutArtifact(ctx context.Context, a *store.Artifact) error {
	query := s.rebind("INSERT INTO artifacts (" + artifactColumns + ") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?) " +
		"ON CONFLICT (id) DO UPDATE SET owner_id = excluded.owner_id, name = excluded.name, type = excluded.type, " +
		"size = excluded.size, checksum = excluded.checksum, status = excluded.status, path = excluded.path, " +
		"access_rights = excluded.access_rights, modified_at = excluded.modified_at")
	_, err := s.db.ExecContext(ctx, query,
		a.ID, a.OwnerID, a.Name, a.Type, a.Size, a.Checksum, string(a.Status), a.Path, int64(a.AccessRights), a.ModifiedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("sqlstore: upsert artifact: %w", err)
	}
	return nil
}

// DeleteArtifact removes the artifact with id.
func (s *Store) DeleteArtifact(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.rebind("DELETE FROM artifacts WHERE id = ?"), id)
	if err != nil {
		return fmt.Errorf("sqlstore: delete artifact: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlstore: delete artifact: %w", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ListArtifacts returns artifacts ordered by id.
func (s *Store) ListArtifacts(ctx context.Context, ownerID string) ([]*store.Artifact, error) {
	query := "SELECT " + artifactColumns + " FROM artifacts"
	var args []any
	if ownerID != "" {
		query += " WHERE owner_id = ?"
		args = append(args, ownerID)
	}
	query += " ORDER BY id"
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: list artifacts: %w", err)
	}
	defer rows.Close()
	var out []*store.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlstore: scan artifact: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
