// Package store provides durable persistence for accounts, configuration
// and proxy logs in a single SQLite database (antigravity.db).
package store

import (
	"database/sql"
	"fmt"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/poemonsense/antigravity-hub/internal/config"
	"github.com/poemonsense/antigravity-hub/internal/utils"
)

// Store wraps the SQLite database with domain operations.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the database under dataDir and runs
// migrations. Migrations are additive: new columns are appended as
// nullable so older databases keep working.
func Open(dataDir string) (*Store, error) {
	path := filepath.Join(dataDir, config.DatabaseFileName)

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Conservative pool: SQLite serializes writers anyway.
	db.SetMaxOpenConns(5)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("pragma %q: %w", pragma, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	utils.Info("[Store] Database ready at %s", path)
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the raw handle for tests.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			id TEXT PRIMARY KEY,
			email TEXT UNIQUE NOT NULL,
			access_token TEXT NOT NULL,
			refresh_token TEXT NOT NULL,
			expires_in INTEGER NOT NULL,
			expiry_timestamp INTEGER NOT NULL,
			project_id TEXT,
			subscription_tier TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS configs (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS proxy_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp INTEGER NOT NULL,
			method TEXT NOT NULL,
			url TEXT NOT NULL,
			account_email TEXT NOT NULL,
			model TEXT NOT NULL,
			tokens_in INTEGER NOT NULL,
			tokens_out INTEGER NOT NULL,
			latency_ms INTEGER NOT NULL,
			status_code INTEGER NOT NULL,
			error TEXT,
			request_body TEXT,
			response_body TEXT
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	// Additive columns for schema evolution. Missing columns read as NULL.
	accountColumns := []struct{ name, typ string }{
		{"name", "TEXT"},
		{"created_at", "INTEGER"},
		{"last_used", "INTEGER"},
		{"is_current", "BOOLEAN DEFAULT FALSE"},
		{"quota", "TEXT"},
		{"device_profile", "TEXT"},
		{"disabled", "BOOLEAN DEFAULT FALSE"},
		{"disabled_reason", "TEXT"},
		{"disabled_at", "INTEGER"},
		{"proxy_disabled", "BOOLEAN DEFAULT FALSE"},
		{"proxy_disabled_reason", "TEXT"},
		{"proxy_disabled_at", "INTEGER"},
	}
	for _, col := range accountColumns {
		if s.columnExists("accounts", col.name) {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE accounts ADD COLUMN %s %s", col.name, col.typ)
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("add column %s: %w", col.name, err)
		}
	}
	return nil
}

func (s *Store) columnExists(table, column string) bool {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, typ string
		var notNull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			continue
		}
		if name == column {
			return true
		}
	}
	return false
}
