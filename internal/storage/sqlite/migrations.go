// Package sqlite - database migrations
package sqlite

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/palacehq/palace/internal/types"
)

// Migration represents a single database migration.
type Migration struct {
	Name string
	SQL  string
	Func func(*sql.DB) error
}

// migrationsList is the ordered list of all migrations to run.
// Migrations run in order during database initialization; applied versions
// are recorded in schema_migrations along with a checksum of the migration
// body, and a checksum mismatch is fatal.
var migrationsList = []Migration{
	{Name: "0001_paths_created_at_index", SQL: `
		CREATE INDEX IF NOT EXISTS idx_paths_created_at ON paths(created_at);
	`},
	{Name: "0002_memories_last_accessed_index", SQL: `
		CREATE INDEX IF NOT EXISTS idx_memories_last_accessed ON memories(last_accessed_at);
	`},
	{Name: "0003_populate_fts", Func: migratePopulateFTS},
	{Name: "0004_gists_method_index", SQL: `
		CREATE INDEX IF NOT EXISTS idx_gists_method ON gists(gist_method);
	`},
}

// migratePopulateFTS rebuilds the full-text index from the content table.
// Safe to run on an empty database; idempotent because 'rebuild' replaces
// the index wholesale.
func migratePopulateFTS(db *sql.DB) error {
	_, err := db.Exec(`INSERT INTO memories_fts(memories_fts) VALUES('rebuild')`)
	if err != nil {
		return fmt.Errorf("failed to rebuild fts index: %w", err)
	}
	return nil
}

// MigrationInfo contains metadata about a migration for inspection.
type MigrationInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ListMigrations returns all registered migrations with descriptions.
func ListMigrations() []MigrationInfo {
	result := make([]MigrationInfo, len(migrationsList))
	for i, m := range migrationsList {
		result[i] = MigrationInfo{
			Name:        m.Name,
			Description: getMigrationDescription(m.Name),
		}
	}
	return result
}

func getMigrationDescription(name string) string {
	descriptions := map[string]string{
		"0001_paths_created_at_index":       "Adds index on paths.created_at for recent-path queries",
		"0002_memories_last_accessed_index": "Adds index on memories.last_accessed_at for cleanup candidate scans",
		"0003_populate_fts":                 "Populates the full-text index from existing memory content",
		"0004_gists_method_index":           "Adds index on gists.gist_method for consolidation reporting",
	}
	if desc, ok := descriptions[name]; ok {
		return desc
	}
	return "Unknown migration"
}

// migrationChecksum fingerprints a migration body. Function-backed
// migrations hash their name; their behavior is pinned by tests instead.
func migrationChecksum(m Migration) string {
	payload := m.SQL
	if payload == "" {
		payload = "func:" + m.Name
	}
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// RunMigrations executes all pending migrations in order, recording each
// applied version and checksum. A recorded version whose checksum no longer
// matches the registered migration aborts startup.
func RunMigrations(db *sql.DB) error {
	applied, err := loadAppliedChecksums(db)
	if err != nil {
		return err
	}

	for _, m := range migrationsList {
		checksum := migrationChecksum(m)
		if recorded, ok := applied[m.Name]; ok {
			if recorded != checksum {
				return types.NewError(types.KindChecksumMismatch,
					fmt.Sprintf("migration %s: recorded=%s current=%s", m.Name, recorded, checksum))
			}
			continue
		}

		if m.Func != nil {
			if err := m.Func(db); err != nil {
				return fmt.Errorf("migration %s failed: %w", m.Name, err)
			}
		} else {
			if _, err := db.Exec(m.SQL); err != nil {
				return fmt.Errorf("migration %s failed: %w", m.Name, err)
			}
		}

		_, err := db.Exec(
			`INSERT INTO schema_migrations (version, applied_at, checksum) VALUES (?, ?, ?)`,
			m.Name, time.Now().UTC(), checksum,
		)
		if err != nil {
			return fmt.Errorf("failed to record migration %s: %w", m.Name, err)
		}
	}

	return nil
}

func loadAppliedChecksums(db *sql.DB) (map[string]string, error) {
	rows, err := db.Query(`SELECT version, checksum FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("failed to load applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]string)
	for rows.Next() {
		var version, checksum string
		if err := rows.Scan(&version, &checksum); err != nil {
			return nil, fmt.Errorf("failed to scan migration row: %w", err)
		}
		applied[version] = checksum
	}
	return applied, rows.Err()
}
