package sqlite

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/palacehq/palace/internal/types"
)

// ListPaths returns every path pointing at the memory.
func (s *SQLiteStorage) ListPaths(ctx context.Context, memoryID int64) ([]types.PathEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT domain, path, memory_id FROM paths WHERE memory_id = ? ORDER BY domain, path
	`, memoryID)
	if err != nil {
		return nil, fmt.Errorf("failed to list paths for memory %d: %w", memoryID, err)
	}
	defer rows.Close()

	var entries []types.PathEntry
	for rows.Next() {
		var e types.PathEntry
		if err := rows.Scan(&e.Domain, &e.Path, &e.MemoryID); err != nil {
			return nil, fmt.Errorf("failed to scan path: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// AddPath registers an alias path for an existing memory.
func (s *SQLiteStorage) AddPath(ctx context.Context, domain, path string, memoryID int64) (*types.PathEntry, error) {
	mem, err := s.GetMemory(ctx, memoryID)
	if err != nil {
		return nil, err
	}
	if mem == nil {
		return nil, types.NewError(types.KindAddressNotFound, fmt.Sprintf("memory %d not found", memoryID))
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO paths (domain, path, memory_id, created_at) VALUES (?, ?, ?, ?)
	`, domain, path, memoryID, time.Now().UTC())
	if err != nil {
		if isUniqueConstraintError(err) {
			return nil, types.NewError(types.KindInvalidPath,
				fmt.Sprintf("path already exists: %s://%s", domain, path))
		}
		return nil, fmt.Errorf("failed to add path: %w", err)
	}
	return &types.PathEntry{Domain: domain, Path: path, MemoryID: memoryID}, nil
}

// RemovePath deletes one path. When it was the last path, the memory is
// marked deprecated but never destroyed; snapshots and rollback keep
// working against the record. Removal is refused while children exist
// under the path.
func (s *SQLiteStorage) RemovePath(ctx context.Context, domain, path string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var memoryID int64
	err = tx.QueryRowContext(ctx, `
		SELECT memory_id FROM paths WHERE domain = ? AND path = ?
	`, domain, path).Scan(&memoryID)
	if err != nil {
		return 0, types.NewError(types.KindAddressNotFound,
			fmt.Sprintf("address not found: %s://%s", domain, path))
	}

	var childCount int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM paths WHERE domain = ? AND path LIKE ? ESCAPE '\'
	`, domain, escapeLike(path)+"/%").Scan(&childCount)
	if err != nil {
		return 0, fmt.Errorf("failed to count children: %w", err)
	}
	if childCount > 0 {
		return 0, types.NewError(types.KindInvalidPath,
			fmt.Sprintf("path %s://%s has %d children; remove them first", domain, path, childCount))
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM paths WHERE domain = ? AND path = ?
	`, domain, path); err != nil {
		return 0, fmt.Errorf("failed to delete path: %w", err)
	}

	var survivors int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM paths WHERE memory_id = ?
	`, memoryID).Scan(&survivors)
	if err != nil {
		return 0, fmt.Errorf("failed to count surviving paths: %w", err)
	}

	if survivors == 0 {
		if _, err := tx.ExecContext(ctx, `
			UPDATE memories SET deprecated = 1, updated_at = ? WHERE id = ?
		`, time.Now().UTC(), memoryID); err != nil {
			return 0, fmt.Errorf("failed to deprecate memory %d: %w", memoryID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit path removal: %w", err)
	}
	return survivors, nil
}

// RestorePath reinstates a path (rollback of a delete). The memory is
// un-deprecated if the restore gives it a live path again.
func (s *SQLiteStorage) RestorePath(ctx context.Context, domain, path string, memoryID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO paths (domain, path, memory_id, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(domain, path) DO UPDATE SET memory_id = excluded.memory_id
	`, domain, path, memoryID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to restore path: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE memories SET deprecated = 0, migrated_to = NULL, updated_at = ? WHERE id = ?
	`, time.Now().UTC(), memoryID)
	if err != nil {
		return fmt.Errorf("failed to revive memory %d: %w", memoryID, err)
	}

	return tx.Commit()
}

// ListChildren returns direct children of the given path prefix.
func (s *SQLiteStorage) ListChildren(ctx context.Context, domain, pathPrefix string) ([]types.PathEntry, error) {
	prefix := ""
	if pathPrefix != "" {
		prefix = pathPrefix + "/"
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT domain, path, memory_id FROM paths
		WHERE domain = ? AND path LIKE ? ESCAPE '\'
		ORDER BY path
	`, domain, escapeLike(prefix)+"%")
	if err != nil {
		return nil, fmt.Errorf("failed to list children: %w", err)
	}
	defer rows.Close()

	var entries []types.PathEntry
	for rows.Next() {
		var e types.PathEntry
		if err := rows.Scan(&e.Domain, &e.Path, &e.MemoryID); err != nil {
			return nil, fmt.Errorf("failed to scan path: %w", err)
		}
		leaf := strings.TrimPrefix(e.Path, prefix)
		if leaf == "" || strings.Contains(leaf, "/") {
			continue // the prefix itself or a deeper descendant
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ListOrphans returns live memories that no path points at.
func (s *SQLiteStorage) ListOrphans(ctx context.Context) ([]*types.Memory, error) {
	rows, err := s.db.QueryContext(ctx, memorySelect+`
		WHERE deprecated = 0
		  AND id NOT IN (SELECT memory_id FROM paths)
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list orphans: %w", err)
	}
	defer rows.Close()

	var memories []*types.Memory
	for rows.Next() {
		mem, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan memory: %w", err)
		}
		memories = append(memories, mem)
	}
	return memories, rows.Err()
}

// escapeLike neutralizes LIKE wildcards in a stored prefix. Underscores
// are legal path characters, so "a_b" must not match "axb".
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}

// ListRecentMemories returns the most recently updated live memories.
func (s *SQLiteStorage) ListRecentMemories(ctx context.Context, limit int) ([]*types.Memory, error) {
	rows, err := s.db.QueryContext(ctx, memorySelect+`
		WHERE deprecated = 0
		ORDER BY updated_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent memories: %w", err)
	}
	defer rows.Close()

	var memories []*types.Memory
	for rows.Next() {
		mem, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan memory: %w", err)
		}
		memories = append(memories, mem)
	}
	return memories, rows.Err()
}
