// Package migrate applies the embedded schema migrations (via goose) and the
// idempotent seed files.
package migrate

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
)

//go:embed sql/*.sql
var migrationsFS embed.FS

//go:embed seeds/*.sql
var seedsFS embed.FS

const defaultSeedsTable = "schema_seeds"

type migrator interface {
	Up(ctx context.Context) ([]*goose.MigrationResult, error)
	Down(ctx context.Context) (*goose.MigrationResult, error)
	Status(ctx context.Context) ([]*goose.MigrationStatus, error)
}

// newMigrator is a seam for tests.
var newMigrator = func(db *sql.DB, fsys fs.FS) (migrator, error) {
	p, err := goose.NewProvider(goose.DialectPostgres, db, fsys)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Manager runs schema migrations and seed files.
type Manager struct {
	db         *sql.DB
	migrations fs.FS
	seeds      fs.FS
	seedsTable string
}

// Option configures Manager.
type Option func(*Manager)

// WithSeedsTable overrides the default seeds bookkeeping table.
func WithSeedsTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.seedsTable = name
		}
	}
}

// WithFS replaces the embedded migrations and seeds. A nil value keeps the
// embedded set.
func WithFS(migrations, seeds fs.FS) Option {
	return func(m *Manager) {
		if migrations != nil {
			m.migrations = migrations
		}
		if seeds != nil {
			m.seeds = seeds
		}
	}
}

// NewManager constructs a Manager over the embedded SQL files.
func NewManager(db *sql.DB, opts ...Option) *Manager {
	migrations, _ := fs.Sub(migrationsFS, "sql")
	seeds, _ := fs.Sub(seedsFS, "seeds")
	m := &Manager{
		db:         db,
		migrations: migrations,
		seeds:      seeds,
		seedsTable: defaultSeedsTable,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Up applies all pending migrations and returns the names applied.
func (m *Manager) Up(ctx context.Context) ([]string, error) {
	p, err := newMigrator(m.db, m.migrations)
	if err != nil {
		return nil, fmt.Errorf("init migrations: %w", err)
	}
	results, err := p.Up(ctx)
	if err != nil {
		return nil, fmt.Errorf("apply migrations: %w", err)
	}
	applied := make([]string, 0, len(results))
	for _, r := range results {
		if r.Source != nil {
			applied = append(applied, path.Base(r.Source.Path))
		}
	}
	return applied, nil
}

// Down rolls back the most recent applied migration.
func (m *Manager) Down(ctx context.Context) (string, error) {
	p, err := newMigrator(m.db, m.migrations)
	if err != nil {
		return "", fmt.Errorf("init migrations: %w", err)
	}
	res, err := p.Down(ctx)
	if err != nil {
		return "", fmt.Errorf("rollback migration: %w", err)
	}
	if res == nil || res.Source == nil {
		return "", errors.New("no migrations applied")
	}
	return path.Base(res.Source.Path), nil
}

// Status returns ordered applied migrations.
func (m *Manager) Status(ctx context.Context) ([]string, error) {
	p, err := newMigrator(m.db, m.migrations)
	if err != nil {
		return nil, fmt.Errorf("init migrations: %w", err)
	}
	statuses, err := p.Status(ctx)
	if err != nil {
		return nil, err
	}
	var applied []string
	for _, st := range statuses {
		if st.State == goose.StateApplied && st.Source != nil {
			applied = append(applied, path.Base(st.Source.Path))
		}
	}
	return applied, nil
}

// Seed applies seed files idempotently.
func (m *Manager) Seed(ctx context.Context) error {
	if err := m.ensureSeedsTable(ctx); err != nil {
		return err
	}
	executed, err := m.listSeeded(ctx)
	if err != nil {
		return err
	}
	names, err := fs.Glob(m.seeds, "*.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)
	for _, name := range names {
		if executed[name] {
			continue
		}
		body, err := fs.ReadFile(m.seeds, name)
		if err != nil {
			return err
		}
		if err := m.exec(ctx, string(body)); err != nil {
			return fmt.Errorf("apply seed %s: %w", name, err)
		}
		if _, err := m.db.ExecContext(ctx, fmt.Sprintf(`insert into %s(name, applied_at) values ($1, $2)`, m.seedsTable),
			name, time.Now().UTC()); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) ensureSeedsTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, fmt.Sprintf(`
		create table if not exists %s (
			name text primary key,
			applied_at timestamptz not null default now()
		);`, m.seedsTable))
	return err
}

func (m *Manager) listSeeded(ctx context.Context) (map[string]bool, error) {
	rows, err := m.db.QueryContext(ctx, fmt.Sprintf(`select name from %s`, m.seedsTable))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	result := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		result[name] = true
	}
	return result, rows.Err()
}

func (m *Manager) exec(ctx context.Context, body string) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, stmt := range splitStatements(body) {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// splitStatements naively splits SQL by semicolon outside single quotes.
func splitStatements(sql string) []string {
	var stmts []string
	var current strings.Builder
	var inString bool
	for _, r := range sql {
		current.WriteRune(r)
		switch r {
		case '\'':
			inString = !inString
		case ';':
			if !inString {
				stmts = append(stmts, current.String())
				current.Reset()
			}
		}
	}
	if strings.TrimSpace(current.String()) != "" {
		stmts = append(stmts, current.String())
	}
	return stmts
}
