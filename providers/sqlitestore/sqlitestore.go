// Package sqlitestore implements keyguard.SecretStore on a local SQLite file.
//
// It backs the GCP and local backends, which have no managed secret store of
// their own. Values are stored as opaque blobs keyed by path.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hengadev/keyguard"
	_ "github.com/mattn/go-sqlite3"
)

const schema = `
	CREATE TABLE IF NOT EXISTS secrets (
		path TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
`

// Store implements keyguard.SecretStore on SQLite.
type Store struct {
	db     *sql.DB
	dbPath string
}

// Open creates the parent directory if needed, opens the database at dbPath
// and applies the schema.
func Open(ctx context.Context, dbPath string) (*Store, error) {
	if dbPath == "" {
		dbPath = keyguard.DefaultDBPath
	}
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("%w: failed to create database directory '%s': %w", keyguard.ErrPersistenceFailure, dir, err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open database at '%s': %w", keyguard.ErrPersistenceFailure, dbPath, err)
	}
	// A single connection serializes writers and avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: database connection test failed for '%s': %w", keyguard.ErrPersistenceFailure, dbPath, err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: failed to create database schema in '%s': %w", keyguard.ErrPersistenceFailure, dbPath, err)
	}

	return &Store{db: db, dbPath: dbPath}, nil
}

// Path returns the database file location.
func (s *Store) Path() string {
	return s.dbPath
}

// Ping checks that the database is still reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %w", keyguard.ErrPersistenceFailure, err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) PutSecret(ctx context.Context, path string, value []byte) error {
	if path == "" {
		return fmt.Errorf("%w: secret path cannot be empty", keyguard.ErrInvalidConfiguration)
	}
	if value == nil {
		value = []byte{}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO secrets (path, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(path) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP
	`, path, value)
	if err != nil {
		return fmt.Errorf("%w: failed to write '%s': %w", keyguard.ErrPersistenceFailure, path, err)
	}
	return nil
}

func (s *Store) GetSecret(ctx context.Context, path string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM secrets WHERE path = ?`, path).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", keyguard.ErrSecretNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read '%s': %w", keyguard.ErrPersistenceFailure, path, err)
	}
	return value, nil
}

// ListSecrets matches on a literal prefix, so "_" and "%" in paths need no escaping.
func (s *Store) ListSecrets(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT path FROM secrets WHERE substr(path, 1, length(?1)) = ?1 ORDER BY path
	`, prefix)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list '%s': %w", keyguard.ErrPersistenceFailure, prefix, err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("%w: failed to scan path: %w", keyguard.ErrPersistenceFailure, err)
		}
		paths = append(paths, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: failed to list '%s': %w", keyguard.ErrPersistenceFailure, prefix, err)
	}
	return paths, nil
}

func (s *Store) DeleteSecret(ctx context.Context, path string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM secrets WHERE path = ?`, path); err != nil {
		return fmt.Errorf("%w: failed to delete '%s': %w", keyguard.ErrPersistenceFailure, path, err)
	}
	return nil
}

var _ keyguard.SecretStore = (*Store)(nil)
