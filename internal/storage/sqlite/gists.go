package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/palacehq/palace/internal/types"
)

// UpsertGist writes a gist keyed on (memory_id, source_content_hash). A
// later gist for the same key replaces the earlier one.
func (s *SQLiteStorage) UpsertGist(ctx context.Context, g *types.Gist) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO gists (memory_id, source_content_hash, gist_text, gist_method, quality)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(memory_id, source_content_hash) DO UPDATE SET
			gist_text = excluded.gist_text,
			gist_method = excluded.gist_method,
			quality = excluded.quality
	`, g.MemoryID, g.SourceContentHash, g.Text, g.Method, g.Quality)
	if err != nil {
		return fmt.Errorf("failed to upsert gist for memory %d: %w", g.MemoryID, err)
	}
	return nil
}

// GetGist reads the gist for a (memory, content hash) pair. Returns nil
// when no gist has been generated for that content version.
func (s *SQLiteStorage) GetGist(ctx context.Context, memoryID int64, sourceContentHash string) (*types.Gist, error) {
	var g types.Gist
	err := s.db.QueryRowContext(ctx, `
		SELECT memory_id, source_content_hash, gist_text, gist_method, quality
		FROM gists WHERE memory_id = ? AND source_content_hash = ?
	`, memoryID, sourceContentHash).Scan(&g.MemoryID, &g.SourceContentHash, &g.Text, &g.Method, &g.Quality)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get gist for memory %d: %w", memoryID, err)
	}
	return &g, nil
}
