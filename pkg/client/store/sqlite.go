package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLite is the default on-disk store. One database file holds every
// namespace; rows are keyed by the full slash path.
type SQLite struct {
	db  *sql.DB
	dir string // Directory where state is stored
}

// migrations are applied in order; PRAGMA user_version records progress.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS KV (
		key        TEXT PRIMARY KEY,
		value      BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
}

// OpenSQLite opens or creates the client state database
func OpenSQLite(path string) (*SQLite, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}

	// Client only needs one connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &SQLite{db: db, dir: dir}, nil
}

// NewSQLiteFromDB wraps an already opened database. The schema must exist.
func NewSQLiteFromDB(db *sql.DB) *SQLite {
	return &SQLite{db: db}
}

func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return err
	}

	for i := version; i < len(migrations); i++ {
		if _, err := db.Exec(migrations[i]); err != nil {
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
		if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", i+1)); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the state database
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Dir returns the directory where state is stored
func (s *SQLite) Dir() string {
	return s.dir
}

// Get retrieves a value
func (s *SQLite) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, "SELECT value FROM KV WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// Set stores a value
func (s *SQLite) Set(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO KV (key, value, updated_at) VALUES (?, ?, ?)
	`, key, value, time.Now().Unix())
	return err
}

// Delete removes a value
func (s *SQLite) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM KV WHERE key = ?", key)
	return err
}

// Keys lists stored keys with the given prefix
func (s *SQLite) Keys(ctx context.Context, prefix string) ([]string, error) {
	var rows *sql.Rows
	var err error
	if upper, ok := prefixUpperBound(prefix); ok {
		rows, err = s.db.QueryContext(ctx, `
			SELECT key FROM KV WHERE key >= ? AND key < ? ORDER BY key
		`, prefix, upper)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT key FROM KV WHERE key >= ? ORDER BY key
		`, prefix)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return keys, rows.Err()
}

// prefixUpperBound returns the smallest string greater than every string
// starting with prefix, compared bytewise. It fails for prefixes that are
// empty or all 0xff.
func prefixUpperBound(prefix string) (string, bool) {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xff {
			b[i]++
			return string(b[:i+1]), true
		}
	}
	return "", false
}
