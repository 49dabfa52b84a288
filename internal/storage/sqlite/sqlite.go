// Package sqlite implements the memory storage backend on SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"github.com/palacehq/palace/internal/types"
)

// SQLiteStorage implements storage.Storage backed by a single SQLite file.
type SQLiteStorage struct {
	db   *sql.DB
	path string
}

// Options tunes store construction.
type Options struct {
	// MigrationLockFile overrides the default sibling lock file
	// (<path>.migrate.lock).
	MigrationLockFile string
	// MigrationLockTimeout bounds the wait for the migration lock. Zero
	// means a single non-blocking attempt.
	MigrationLockTimeout time.Duration
}

// New opens (creating if needed) the store at path, applies schema and
// pending migrations under a cross-process file lock, and returns the store.
func New(ctx context.Context, path string) (*SQLiteStorage, error) {
	return NewWithOptions(ctx, path, Options{MigrationLockTimeout: 10 * time.Second})
}

// NewWithOptions is New with explicit lock configuration.
func NewWithOptions(ctx context.Context, path string, opts Options) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer at a time keeps SQLITE_BUSY handling simple; readers
	// still get snapshot isolation through WAL.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	s := &SQLiteStorage{db: db, path: path}

	if err := s.initSchema(ctx, opts); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

// initSchema creates base tables and runs migrations while holding the
// migration lock. On lock timeout the process must abort rather than risk
// concurrent migrations.
func (s *SQLiteStorage) initSchema(ctx context.Context, opts Options) error {
	lockPath := opts.MigrationLockFile
	if lockPath == "" {
		lockPath = s.path + ".migrate.lock"
	}

	lock := flock.New(lockPath)
	lockCtx := ctx
	if opts.MigrationLockTimeout > 0 {
		var cancel context.CancelFunc
		lockCtx, cancel = context.WithTimeout(ctx, opts.MigrationLockTimeout)
		defer cancel()
	}

	locked, err := lock.TryLockContext(lockCtx, 100*time.Millisecond)
	if err != nil || !locked {
		return types.NewError(types.KindMigrationLockTimeout,
			fmt.Sprintf("timed out waiting for migration lock: %s", lockPath))
	}
	defer func() { _ = lock.Unlock() }()

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	if err := RunMigrations(s.db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *SQLiteStorage) Path() string {
	return s.path
}

// UnderlyingDB returns the underlying *sql.DB connection.
func (s *SQLiteStorage) UnderlyingDB() *sql.DB {
	return s.db
}

// SetMeta upserts an internal bookkeeping key.
func (s *SQLiteStorage) SetMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO index_meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to set meta %s: %w", key, err)
	}
	return nil
}

// GetMeta reads an internal bookkeeping key; missing keys return "".
func (s *SQLiteStorage) GetMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM index_meta WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get meta %s: %w", key, err)
	}
	return value, nil
}

// isUniqueConstraintError checks if an error is a UNIQUE constraint violation.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "constraint failed: UNIQUE")
}
