package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/palacehq/palace/internal/storage"
	"github.com/palacehq/palace/internal/types"
)

var titlePattern = regexp.MustCompile(`^[a-z0-9_-]+$`)

// CreateMemory inserts a new memory and its initial path. When no title is
// given, a numeric token unique under the parent is assigned.
func (s *SQLiteStorage) CreateMemory(ctx context.Context, p storage.CreateParams) (*types.Memory, *types.PathEntry, error) {
	if p.Priority < 0 {
		return nil, nil, fmt.Errorf("priority must be non-negative, got %d", p.Priority)
	}
	title := p.Title
	if title != "" && !titlePattern.MatchString(title) {
		return nil, nil, types.NewError(types.KindInvalidTitle,
			fmt.Sprintf("title %q must match [a-z0-9_-]+", title))
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if title == "" {
		title, err = nextNumericToken(ctx, tx, p.Domain, p.ParentPath)
		if err != nil {
			return nil, nil, err
		}
	}

	path := title
	if p.ParentPath != "" {
		path = p.ParentPath + "/" + title
	}

	now := time.Now().UTC()
	contentHash := types.HashContent(p.Content)

	res, err := tx.ExecContext(ctx, `
		INSERT INTO memories (content, title, priority, disclosure, vitality_score,
			content_hash, created_at, updated_at)
		VALUES (?, ?, ?, ?, 1.0, ?, ?, ?)
	`, p.Content, title, p.Priority, p.Disclosure, contentHash, now, now)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to insert memory: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get memory id: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO paths (domain, path, memory_id, created_at) VALUES (?, ?, ?, ?)
	`, p.Domain, path, id, now)
	if err != nil {
		if isUniqueConstraintError(err) {
			return nil, nil, types.NewError(types.KindInvalidPath,
				fmt.Sprintf("path already exists: %s://%s", p.Domain, path))
		}
		return nil, nil, fmt.Errorf("failed to insert path: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("failed to commit create: %w", err)
	}

	mem := &types.Memory{
		ID:            id,
		Content:       p.Content,
		Title:         title,
		Priority:      p.Priority,
		Disclosure:    p.Disclosure,
		VitalityScore: 1.0,
		ContentHash:   contentHash,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	entry := &types.PathEntry{Domain: p.Domain, Path: path, MemoryID: id}
	return mem, entry, nil
}

// nextNumericToken picks the smallest positive integer token not yet used
// directly under the parent path.
func nextNumericToken(ctx context.Context, tx *sql.Tx, domain, parentPath string) (string, error) {
	prefix := ""
	if parentPath != "" {
		prefix = parentPath + "/"
	}
	rows, err := tx.QueryContext(ctx, `
		SELECT path FROM paths WHERE domain = ? AND path LIKE ? ESCAPE '\'
	`, domain, escapeLike(prefix)+"%")
	if err != nil {
		return "", fmt.Errorf("failed to list sibling paths: %w", err)
	}
	defer rows.Close()

	used := make(map[int]bool)
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			return "", fmt.Errorf("failed to scan path: %w", err)
		}
		leaf := strings.TrimPrefix(path, prefix)
		if strings.Contains(leaf, "/") {
			continue // deeper descendant, not a direct child
		}
		if n, err := strconv.Atoi(leaf); err == nil && n > 0 {
			used[n] = true
		}
	}
	if err := rows.Err(); err != nil {
		return "", err
	}

	n := 1
	for used[n] {
		n++
	}
	return strconv.Itoa(n), nil
}

// GetMemory fetches a memory by id. Returns nil when not found.
func (s *SQLiteStorage) GetMemory(ctx context.Context, id int64) (*types.Memory, error) {
	row := s.db.QueryRowContext(ctx, memorySelect+` WHERE id = ?`, id)
	mem, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get memory %d: %w", id, err)
	}
	return mem, nil
}

// GetMemoryByPath resolves a (domain, path) address to its memory.
// Returns (nil, nil, nil) when the address does not exist.
func (s *SQLiteStorage) GetMemoryByPath(ctx context.Context, domain, path string) (*types.Memory, *types.PathEntry, error) {
	var memoryID int64
	err := s.db.QueryRowContext(ctx, `
		SELECT memory_id FROM paths WHERE domain = ? AND path = ?
	`, domain, path).Scan(&memoryID)
	if err == sql.ErrNoRows {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to resolve path %s://%s: %w", domain, path, err)
	}

	mem, err := s.GetMemory(ctx, memoryID)
	if err != nil {
		return nil, nil, err
	}
	entry := &types.PathEntry{Domain: domain, Path: path, MemoryID: memoryID}
	return mem, entry, nil
}

// UpdatePatch replaces exactly one occurrence of old with new in the memory
// content. Zero occurrences fail with patch_not_found, multiple with
// patch_ambiguous.
func (s *SQLiteStorage) UpdatePatch(ctx context.Context, id int64, oldStr, newStr string) (*types.Memory, error) {
	mem, err := s.GetMemory(ctx, id)
	if err != nil {
		return nil, err
	}
	if mem == nil {
		return nil, types.NewError(types.KindAddressNotFound, fmt.Sprintf("memory %d not found", id))
	}

	switch strings.Count(mem.Content, oldStr) {
	case 0:
		return nil, types.NewError(types.KindPatchNotFound,
			"old string not found in memory content")
	case 1:
		// exactly one match
	default:
		return nil, types.NewError(types.KindPatchAmbiguous,
			"old string matches more than once in memory content")
	}

	return s.ReplaceContent(ctx, id, strings.Replace(mem.Content, oldStr, newStr, 1))
}

// UpdateAppend atomically appends tail to the memory content.
func (s *SQLiteStorage) UpdateAppend(ctx context.Context, id int64, tail string) (*types.Memory, error) {
	mem, err := s.GetMemory(ctx, id)
	if err != nil {
		return nil, err
	}
	if mem == nil {
		return nil, types.NewError(types.KindAddressNotFound, fmt.Sprintf("memory %d not found", id))
	}
	return s.ReplaceContent(ctx, id, mem.Content+tail)
}

// ReplaceContent installs new content as a fresh memory version: the old
// record is deprecated with a migrated_to pointer and every path is
// repointed to the new record, so aliases stay in sync.
func (s *SQLiteStorage) ReplaceContent(ctx context.Context, id int64, content string) (*types.Memory, error) {
	old, err := s.GetMemory(ctx, id)
	if err != nil {
		return nil, err
	}
	if old == nil {
		return nil, types.NewError(types.KindAddressNotFound, fmt.Sprintf("memory %d not found", id))
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	contentHash := types.HashContent(content)

	res, err := tx.ExecContext(ctx, `
		INSERT INTO memories (content, title, priority, disclosure, vitality_score,
			access_count, content_hash, created_at, updated_at, last_accessed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, content, old.Title, old.Priority, old.Disclosure, old.VitalityScore,
		old.AccessCount, contentHash, old.CreatedAt, now, nullableTime(old.LastAccessedAt))
	if err != nil {
		return nil, fmt.Errorf("failed to insert replacement memory: %w", err)
	}
	newID, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get replacement id: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE memories SET deprecated = 1, migrated_to = ?, updated_at = ? WHERE id = ?
	`, newID, now, id); err != nil {
		return nil, fmt.Errorf("failed to deprecate memory %d: %w", id, err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE paths SET memory_id = ? WHERE memory_id = ?
	`, newID, id); err != nil {
		return nil, fmt.Errorf("failed to repoint paths: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit content replacement: %w", err)
	}

	return s.GetMemory(ctx, newID)
}

// UpdateMeta applies a metadata-only change in place. No new version is
// created and the record keeps its content hash, so no reindex is needed.
func (s *SQLiteStorage) UpdateMeta(ctx context.Context, id int64, patch storage.MetaPatch) (*types.Memory, error) {
	sets := []string{"updated_at = ?"}
	args := []interface{}{time.Now().UTC()}
	if patch.Priority != nil {
		if *patch.Priority < 0 {
			return nil, fmt.Errorf("priority must be non-negative, got %d", *patch.Priority)
		}
		sets = append(sets, "priority = ?")
		args = append(args, *patch.Priority)
	}
	if patch.Disclosure != nil {
		sets = append(sets, "disclosure = ?")
		args = append(args, *patch.Disclosure)
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx,
		`UPDATE memories SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to update memory meta: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, types.NewError(types.KindAddressNotFound, fmt.Sprintf("memory %d not found", id))
	}
	return s.GetMemory(ctx, id)
}

// TouchAccess records an access: bumps access_count, refreshes
// last_accessed_at, and reinforces vitality with diminishing returns as the
// access count grows.
func (s *SQLiteStorage) TouchAccess(ctx context.Context, id int64, reinforceDelta, maxScore float64) error {
	mem, err := s.GetMemory(ctx, id)
	if err != nil {
		return err
	}
	if mem == nil {
		return types.NewError(types.KindAddressNotFound, fmt.Sprintf("memory %d not found", id))
	}

	boost := reinforceDelta / (1 + math.Log1p(float64(mem.AccessCount)))
	score := math.Min(maxScore, mem.VitalityScore+boost)

	_, err = s.db.ExecContext(ctx, `
		UPDATE memories
		SET access_count = access_count + 1, last_accessed_at = ?, vitality_score = ?
		WHERE id = ?
	`, time.Now().UTC(), score, id)
	if err != nil {
		return fmt.Errorf("failed to touch memory %d: %w", id, err)
	}
	return nil
}

// PermanentlyDeleteMemory removes the memory and all dependent rows. Only
// the confirmed cleanup path may call this; normal deletes deprecate.
func (s *SQLiteStorage) PermanentlyDeleteMemory(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range []string{
		`DELETE FROM memory_vectors WHERE memory_id = ?`,
		`DELETE FROM gists WHERE memory_id = ?`,
		`DELETE FROM paths WHERE memory_id = ?`,
		`DELETE FROM memories WHERE id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
			return fmt.Errorf("failed to delete memory %d: %w", id, err)
		}
	}

	return tx.Commit()
}

const memorySelect = `
	SELECT id, content, title, priority, disclosure, vitality_score, access_count,
		deprecated, migrated_to, content_hash, created_at, updated_at, last_accessed_at
	FROM memories`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMemory(row rowScanner) (*types.Memory, error) {
	var mem types.Memory
	var migratedTo sql.NullInt64
	var lastAccessed sql.NullTime
	var deprecated int
	err := row.Scan(&mem.ID, &mem.Content, &mem.Title, &mem.Priority, &mem.Disclosure,
		&mem.VitalityScore, &mem.AccessCount, &deprecated, &migratedTo,
		&mem.ContentHash, &mem.CreatedAt, &mem.UpdatedAt, &lastAccessed)
	if err != nil {
		return nil, err
	}
	mem.Deprecated = deprecated != 0
	if migratedTo.Valid {
		mem.MigratedTo = &migratedTo.Int64
	}
	if lastAccessed.Valid {
		t := lastAccessed.Time
		mem.LastAccessedAt = &t
	}
	return &mem, nil
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}
