package sqlstore

import (
	"context"
	"errors"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"pkt.systems/gridgate/internal/store"
	"pkt.systems/gridgate/internal/store/storetest"
)

func TestSQLiteStore(t *testing.T) {
	s, err := Open(context.Background(), "sqlite://"+filepath.Join(t.TempDir(), "grid.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	storetest.Run(t, s)
}

func TestParseDSN(t *testing.T) {
	driver, source, dialect, err := parseDSN("postgres://u@h/db")
	if err != nil || driver != "postgres" || source != "postgres://u@h/db" || dialect != Postgres {
		t.Fatalf("postgres: %s %s %v %v", driver, source, dialect, err)
	}
	driver, source, dialect, err = parseDSN("sqlite:///tmp/x.db")
	if err != nil || driver != "sqlite" || dialect != SQLite {
		t.Fatalf("sqlite: %s %v %v", driver, dialect, err)
	}
	if source != "/tmp/x.db?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)" {
		t.Fatalf("unexpected source %q", source)
	}
	if _, _, _, err := parseDSN(""); err == nil {
		t.Fatal("expected error for empty dsn")
	}
}

func TestRebindPostgres(t *testing.T) {
	s := &Store{dialect: Postgres}
	if got := s.rebind("a = ? AND b = ?"); got != "a = $1 AND b = $2" {
		t.Fatalf("rebind: %q", got)
	}
	s.dialect = SQLite
	if got := s.rebind("a = ?"); got != "a = ?" {
		t.Fatalf("sqlite rebind changed query: %q", got)
	}
}

func TestPostgresUniqueViolationMapsToConflict(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	s := New(db, Postgres)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO identities")).
		WillReturnError(&pq.Error{Code: "23505"})
	err = s.CreateIdentity(context.Background(), &store.Identity{ID: "1", Login: "dup"})
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresLookupUsesNumberedPlaceholders(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	s := New(db, Postgres)
	rows := sqlmock.NewRows([]string{"id", "login", "password", "email", "rights", "owner_id", "created_at"}).
		AddRow("1", "alice", "pw", "alice@example.org", int(store.RightsStandardUser), "admin", int64(1700000000000))
	mock.ExpectQuery(regexp.QuoteMeta("FROM identities WHERE login = $1 AND password = $2")).
		WithArgs("alice", "pw").
		WillReturnRows(rows)
	rec, err := s.IdentityByCredentials(context.Background(), "alice", "pw")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if rec.Email != "alice@example.org" || rec.Rights != store.RightsStandardUser {
		t.Fatalf("unexpected identity %+v", rec)
	}
	mock.ExpectQuery(regexp.QuoteMeta("FROM identities WHERE login = $1")).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	if _, err := s.IdentityByLogin(context.Background(), "ghost"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
