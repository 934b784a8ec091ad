// Package store persists sessions, filter profiles, and captured requests in
// a single SQLite database file.
package store

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Sentinel errors surfaced to the pipeline for status mapping.
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrProfileMissing  = errors.New("filter profile missing")
)

// Store wraps the SQLite pool. Safe for concurrent use; SQLite serializes
// writes and WAL keeps readers unblocked.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path, applies pending
// migrations in order, and seeds the default filter profile.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.ensureDefaultProfile(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying pool.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the pool for the dashboard's read queries.
func (s *Store) DB() *sql.DB { return s.db }

// migrate applies numbered migration files that have not run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	entries, err := fs.ReadDir(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		var applied int
		err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_migrations WHERE version = ?`, name).Scan(&applied)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if applied > 0 {
			continue
		}
		script, err := fs.ReadFile(migrationFS, "migrations/"+name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := s.db.Exec(string(script)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		if _, err := s.db.Exec(`INSERT INTO schema_migrations (version) VALUES (?)`, name); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
		log.Info().Str("migration", name).Msg("applied migration")
	}
	return nil
}

// ensureDefaultProfile seeds the singleton default profile on first start.
func (s *Store) ensureDefaultProfile() error {
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM filter_profiles WHERE is_default = 1`).Scan(&count); err != nil {
		return fmt.Errorf("count default profiles: %w", err)
	}
	if count > 0 {
		return nil
	}
	_, err := s.db.Exec(
		`INSERT INTO filter_profiles (id, name, is_default, keep_tool_pairs) VALUES (?, 'default', 1, 1)`,
		uuid.New().String(),
	)
	if err != nil {
		return fmt.Errorf("seed default profile: %w", err)
	}
	return nil
}
