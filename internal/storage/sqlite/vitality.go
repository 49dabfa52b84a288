package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	"github.com/palacehq/palace/internal/storage"
	"github.com/palacehq/palace/internal/types"
)

// ApplyVitalityDecay decays every live memory's vitality by its idle age.
// Frequently accessed memories resist decay: the half life is stretched by
// 1 + min(2, log1p(access_count) * 0.35). Returns how many rows changed.
func (s *SQLiteStorage) ApplyVitalityDecay(ctx context.Context, halfLifeDays, floor float64, now time.Time) (int, error) {
	if halfLifeDays <= 0 {
		return 0, fmt.Errorf("half life must be positive, got %f", halfLifeDays)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, vitality_score, access_count, COALESCE(last_accessed_at, updated_at)
		FROM memories WHERE deprecated = 0
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to scan memories for decay: %w", err)
	}

	type decayUpdate struct {
		id    int64
		score float64
	}
	var updates []decayUpdate
	for rows.Next() {
		var id int64
		var score float64
		var accessCount int64
		var lastActive time.Time
		if err := rows.Scan(&id, &score, &accessCount, &lastActive); err != nil {
			_ = rows.Close()
			return 0, fmt.Errorf("failed to scan decay row: %w", err)
		}

		ageDays := now.Sub(lastActive).Hours() / 24
		if ageDays <= 0 {
			continue
		}
		resistance := 1 + math.Min(2, math.Log1p(float64(accessCount))*0.35)
		factor := math.Exp(-math.Ln2 * ageDays / (halfLifeDays * resistance))
		decayed := math.Max(floor, score*factor)
		if decayed < score {
			updates = append(updates, decayUpdate{id: id, score: decayed})
		}
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return 0, err
	}
	_ = rows.Close()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin decay transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, u := range updates {
		if _, err := tx.ExecContext(ctx, `
			UPDATE memories SET vitality_score = ? WHERE id = ?
		`, u.score, u.id); err != nil {
			return 0, fmt.Errorf("failed to apply decay to memory %d: %w", u.id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit decay: %w", err)
	}
	return len(updates), nil
}

// SetVitality pins a memory's vitality score (cleanup "keep" bumps to max).
func (s *SQLiteStorage) SetVitality(ctx context.Context, id int64, score float64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE memories SET vitality_score = ? WHERE id = ?`, score, id)
	if err != nil {
		return fmt.Errorf("failed to set vitality for memory %d: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return types.NewError(types.KindAddressNotFound, fmt.Sprintf("memory %d not found", id))
	}
	return nil
}

// ListCleanupCandidates returns memories eligible for the two-phase cleanup
// review: low vitality, long inactive, or orphaned. Each candidate carries
// the state hash the prepare phase must echo back, pinning the exact state
// reviewed.
func (s *SQLiteStorage) ListCleanupCandidates(ctx context.Context, f storage.CandidateFilter) ([]types.CleanupCandidate, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -f.InactiveDays)

	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.title, m.content_hash, m.vitality_score, m.deprecated,
			m.last_accessed_at, m.updated_at,
			(SELECT COUNT(*) FROM paths p WHERE p.memory_id = m.id) AS path_count
		FROM memories m
		WHERE m.vitality_score <= ?
		   OR COALESCE(m.last_accessed_at, m.updated_at) < ?
		   OR m.id NOT IN (SELECT memory_id FROM paths)
		ORDER BY m.vitality_score ASC, m.id ASC
		LIMIT ?
	`, f.VitalityThreshold, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list cleanup candidates: %w", err)
	}
	var candidates []types.CleanupCandidate
	for rows.Next() {
		var (
			id            int64
			title         string
			contentHash   string
			vitality      float64
			deprecatedInt int
			lastAccessed  sql.NullTime
			updatedAt     time.Time
			pathCount     int
		)
		if err := rows.Scan(&id, &title, &contentHash, &vitality, &deprecatedInt,
			&lastAccessed, &updatedAt, &pathCount); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("failed to scan cleanup candidate: %w", err)
		}
		deprecated := deprecatedInt != 0

		var reasons []string
		if vitality <= f.VitalityThreshold {
			reasons = append(reasons, types.ReasonLowVitality)
		}
		lastActive := updatedAt
		if lastAccessed.Valid {
			lastActive = lastAccessed.Time
		}
		if lastActive.Before(cutoff) {
			reasons = append(reasons, types.ReasonInactive)
		}
		if pathCount == 0 {
			reasons = append(reasons, types.ReasonOrphaned)
		}

		cand := types.CleanupCandidate{
			MemoryID:      id,
			Title:         title,
			VitalityScore: vitality,
			Deprecated:    deprecated,
			PathCount:     pathCount,
			StateHash:     types.CleanupStateHash(id, contentHash, vitality, deprecated),
			CanDelete:     pathCount == 0 || deprecated,
			ReasonCodes:   reasons,
		}
		if lastAccessed.Valid {
			t := lastAccessed.Time
			cand.LastAccessedAt = &t
		}
		candidates = append(candidates, cand)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	// Path URIs fetched after the candidate scan completes so the scan does
	// not hold the only connection open across nested queries.
	for i := range candidates {
		entries, err := s.ListPaths(ctx, candidates[i].MemoryID)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			candidates[i].URIs = append(candidates[i].URIs, e.URI())
		}
	}
	return candidates, nil
}
