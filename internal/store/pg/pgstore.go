// Package pg implements every revealgate store on PostgreSQL through the
// pgx database/sql driver.
package pg

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"io/fs"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"revealgate.dev/internal/vault"
)

const (
	pgErrUniqueViolation = "23505"
	pgErrCheckViolation  = "23514"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

//go:embed seeds/*.sql
var seedFiles embed.FS

// Migrations is the embedded schema, for migrate.NewManager.
func Migrations() fs.FS {
	sub, _ := fs.Sub(migrationFiles, "migrations")
	return sub
}

// Seeds is the embedded seed data.
func Seeds() fs.FS {
	sub, _ := fs.Sub(seedFiles, "seeds")
	return sub
}

// Store is the shared handle. Secret columns are sealed with cipher.
type Store struct {
	db     *sql.DB
	cipher *vault.Cipher
	now    func() time.Time
}

// Open connects with pool defaults suited to the reveal workload.
func Open(dsn string, cipher *vault.Cipher) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return New(db, cipher), nil
}

// New wraps an existing pool.
func New(db *sql.DB, cipher *vault.Cipher) *Store {
	return &Store{db: db, cipher: cipher, now: func() time.Time { return time.Now().UTC() }}
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// Directory is the trust, doctype and field-permission store.
func (s *Store) Directory() *Directory { return &Directory{db: s.db} }

// Sessions is the reveal session ledger.
func (s *Store) Sessions() *Sessions { return &Sessions{db: s.db, now: s.now} }

// Links is the capability link store.
func (s *Store) Links() *Links { return &Links{db: s.db} }

// MFA is the TOTP secret store; secrets are sealed with the store cipher.
func (s *Store) MFA() *MFASecrets { return &MFASecrets{db: s.db, cipher: s.cipher} }

// Rotation is the rotation policy and history store.
func (s *Store) Rotation() *Policies { return &Policies{db: s.db} }

// Documents is the vault accessor over the documents tables.
func (s *Store) Documents() *Documents { return &Documents{db: s.db, cipher: s.cipher} }

// Ping checks connectivity for the readiness check.
func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	return s.db.PingContext(ctx)
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func fromNullTime(t sql.NullTime) time.Time {
	if !t.Valid {
		return time.Time{}
	}
	return t.Time.UTC()
}

func nullIfEmpty(s string) sql.NullString {
	s = strings.TrimSpace(s)
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
