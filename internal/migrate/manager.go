// Package migrate applies the embedded schema and seed files and records
// which ones ran.
package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"revealgate.dev/internal/obs"
)

const (
	defaultMigrationsTable = "revealgate_migrations"
	defaultSeedsTable      = "revealgate_seeds"

	upSuffix   = ".up.sql"
	downSuffix = ".down.sql"
)

// ErrNothingApplied is returned by Down when no migration has run.
var ErrNothingApplied = errors.New("migrate: no migrations applied")

// Manager runs migration and seed files read from an fs.FS.
type Manager struct {
	db              *sql.DB
	migrations      fs.FS
	seeds           fs.FS
	migrationsTable string
	seedsTable      string
	now             func() time.Time
}

type Option func(*Manager)

func WithMigrationsTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.migrationsTable = name
		}
	}
}

func WithSeedsTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.seedsTable = name
		}
	}
}

// WithClock sets the applied_at source; tests pin it.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager builds a Manager. Either filesystem may be nil.
func NewManager(db *sql.DB, migrations, seeds fs.FS, opts ...Option) *Manager {
	m := &Manager{
		db:              db,
		migrations:      migrations,
		seeds:           seeds,
		migrationsTable: defaultMigrationsTable,
		seedsTable:      defaultSeedsTable,
		now:             func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Up applies every pending migration in name order and returns the names applied.
func (m *Manager) Up(ctx context.Context) ([]string, error) {
	return m.apply(ctx, m.migrations, upSuffix, m.migrationsTable, "migration")
}

// Seed applies pending seed files. Seeds run once each.
func (m *Manager) Seed(ctx context.Context) ([]string, error) {
	return m.apply(ctx, m.seeds, ".sql", m.seedsTable, "seed")
}

func (m *Manager) apply(ctx context.Context, fsys fs.FS, suffix, table, kind string) ([]string, error) {
	if err := m.ensureTables(ctx); err != nil {
		return nil, err
	}
	done, err := m.applied(ctx, table)
	if err != nil {
		return nil, err
	}
	files, err := collectSQL(fsys, suffix)
	if err != nil {
		return nil, err
	}
	var ran []string
	for _, name := range files {
		if _, ok := done[name]; ok {
			continue
		}
		body, err := fs.ReadFile(fsys, name)
		if err != nil {
			return ran, err
		}
		insert := fmt.Sprintf(`insert into %s (name, applied_at) values ($1, $2)`, table)
		if err := m.execFile(ctx, string(body), insert, name, m.now()); err != nil {
			return ran, fmt.Errorf("apply %s %s: %w", kind, name, err)
		}
		obs.Logger().Info("migrate: applied", zap.String("kind", kind), zap.String("name", name))
		ran = append(ran, name)
	}
	return ran, nil
}

// Down reverts the most recently applied migration and returns its name.
func (m *Manager) Down(ctx context.Context) (string, error) {
	if err := m.ensureTables(ctx); err != nil {
		return "", err
	}
	history, err := m.Status(ctx)
	if err != nil {
		return "", err
	}
	if len(history) == 0 {
		return "", ErrNothingApplied
	}
	last := history[len(history)-1]
	downName := strings.TrimSuffix(last, upSuffix) + downSuffix
	if m.migrations == nil {
		return "", fmt.Errorf("migrate: missing down migration for %s", last)
	}
	body, err := fs.ReadFile(m.migrations, downName)
	if err != nil {
		return "", fmt.Errorf("migrate: missing down migration for %s", last)
	}
	del := fmt.Sprintf(`delete from %s where name = $1`, m.migrationsTable)
	if err := m.execFile(ctx, string(body), del, last); err != nil {
		return "", fmt.Errorf("rollback migration %s: %w", last, err)
	}
	obs.Logger().Info("migrate: rolled back", zap.String("name", last))
	return last, nil
}

// Status lists applied migrations, oldest first.
func (m *Manager) Status(ctx context.Context) ([]string, error) {
	if err := m.ensureTables(ctx); err != nil {
		return nil, err
	}
	rows, err := m.db.QueryContext(ctx, fmt.Sprintf(`select name from %s order by applied_at asc, name asc`, m.migrationsTable))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

func (m *Manager) ensureTables(ctx context.Context) error {
	for _, table := range []string{m.migrationsTable, m.seedsTable} {
		ddl := fmt.Sprintf(`create table if not exists %s (
			name text primary key,
			applied_at timestamptz not null default now()
		)`, table)
		if _, err := m.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("migrate: ensure %s: %w", table, err)
		}
	}
	return nil
}

func (m *Manager) applied(ctx context.Context, table string) (map[string]struct{}, error) {
	rows, err := m.db.QueryContext(ctx, fmt.Sprintf(`select name from %s`, table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]struct{})
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out[name] = struct{}{}
	}
	return out, rows.Err()
}

// execFile runs every statement of body and the bookkeeping statement in
// one transaction, so a failed file leaves no record.
func (m *Manager) execFile(ctx context.Context, body, bookkeeping string, args ...any) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, stmt := range splitStatements(body) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, bookkeeping, args...); err != nil {
		return err
	}
	return tx.Commit()
}

func collectSQL(fsys fs.FS, suffix string) ([]string, error) {
	if fsys == nil {
		return nil, nil
	}
	var names []string
	err := fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		name := path.Base(p)
		if !strings.HasSuffix(name, suffix) {
			return nil
		}
		// Seeds match ".sql", which would also pick up down files.
		if suffix != downSuffix && strings.HasSuffix(name, downSuffix) {
			return nil
		}
		names = append(names, p)
		return nil
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

// splitStatements splits on semicolons outside quoted strings and line
// comments, dropping empty statements.
func splitStatements(sql string) []string {
	var (
		stmts    []string
		current  strings.Builder
		inString bool
		inLine   bool
	)
	flush := func() {
		if s := strings.TrimSpace(current.String()); s != "" {
			stmts = append(stmts, s)
		}
		current.Reset()
	}
	runes := []rune(sql)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case inLine:
			if r == '\n' {
				inLine = false
				current.WriteRune(r)
			}
		case r == '-' && !inString && i+1 < len(runes) && runes[i+1] == '-':
			inLine = true
			i++
		case r == '\'':
			inString = !inString
			current.WriteRune(r)
		case r == ';' && !inString:
			flush()
		default:
			current.WriteRune(r)
		}
	}
	flush()
	return stmts
}
