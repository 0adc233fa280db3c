// Package modcache persists transformed module source in a SQLite database.
package modcache

import (
	"database/sql"
	"fmt"

	// Pure-Go SQLite driver for database/sql.
	_ "github.com/glebarez/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS module_cache (
	hash TEXT PRIMARY KEY,
	code TEXT NOT NULL
);`

// Store is a hash-keyed code cache backed by a single SQLite table.
type Store struct {
	db *sql.DB
}

// Open opens the database at path, creating the schema if needed.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	// The driver is not safe for concurrent writes on one connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating module_cache table: %w", err)
	}
	return &Store{db: db}, nil
}

// Get returns the cached code for hash, if present.
func (s *Store) Get(hash string) (string, bool, error) {
	var code string
	err := s.db.QueryRow(`SELECT code FROM module_cache WHERE hash = ?`, hash).Scan(&code)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("querying module cache: %w", err)
	}
	return code, true, nil
}

// Set stores code under hash, replacing any previous entry.
func (s *Store) Set(hash, code string) error {
	_, err := s.db.Exec(
		`INSERT INTO module_cache (hash, code) VALUES (?, ?)
		 ON CONFLICT(hash) DO UPDATE SET code = excluded.code`, hash, code)
	if err != nil {
		return fmt.Errorf("writing module cache: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
