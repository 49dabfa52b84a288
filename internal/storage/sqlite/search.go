package sqlite

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"github.com/palacehq/palace/internal/storage"
)

// SearchKeyword runs a full-text query over live memories. Scores are
// normalized by result rank: 1/(1+rank) with rank 0 for the best match.
func (s *SQLiteStorage) SearchKeyword(ctx context.Context, query string, limit int) ([]storage.KeywordHit, error) {
	match := buildFTSMatch(query)
	if match == "" {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT f.rowid
		FROM memories_fts f
		JOIN memories m ON m.id = f.rowid
		WHERE memories_fts MATCH ? AND m.deprecated = 0
		ORDER BY bm25(memories_fts)
		LIMIT ?
	`, match, limit)
	if err != nil {
		return nil, fmt.Errorf("keyword search failed: %w", err)
	}
	defer rows.Close()

	var hits []storage.KeywordHit
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan keyword hit: %w", err)
		}
		hits = append(hits, storage.KeywordHit{
			MemoryID: id,
			Score:    1.0 / float64(1+len(hits)),
		})
	}
	return hits, rows.Err()
}

// buildFTSMatch quotes each token so user input cannot inject FTS syntax.
// Tokens are OR-ed: any matching token qualifies a candidate; ranking sorts
// the good ones up.
func buildFTSMatch(query string) string {
	fields := strings.Fields(query)
	quoted := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.ReplaceAll(f, `"`, "")
		if f == "" {
			continue
		}
		quoted = append(quoted, `"`+f+`"`)
	}
	return strings.Join(quoted, " OR ")
}

// SearchVector returns the memories whose stored chunk vectors are nearest
// to the query vector by cosine similarity. Each memory reports its best
// chunk.
func (s *SQLiteStorage) SearchVector(ctx context.Context, vector []float32, limit int) ([]storage.VectorHit, error) {
	if len(vector) == 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT v.memory_id, v.vector
		FROM memory_vectors v
		JOIN memories m ON m.id = v.memory_id
		WHERE m.deprecated = 0
	`)
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}
	defer rows.Close()

	best := make(map[int64]float64)
	for rows.Next() {
		var id int64
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("failed to scan vector row: %w", err)
		}
		stored := decodeVector(blob)
		cos := cosine(vector, stored)
		if prev, ok := best[id]; !ok || cos > prev {
			best[id] = cos
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	hits := make([]storage.VectorHit, 0, len(best))
	for id, cos := range best {
		hits = append(hits, storage.VectorHit{MemoryID: id, Cosine: cos})
	}
	sortVectorHits(hits)
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func sortVectorHits(hits []storage.VectorHit) {
	// insertion sort; candidate sets are small
	for i := 1; i < len(hits); i++ {
		for j := i; j > 0; j-- {
			a, b := hits[j-1], hits[j]
			if b.Cosine > a.Cosine || (b.Cosine == a.Cosine && b.MemoryID < a.MemoryID) {
				hits[j-1], hits[j] = b, a
			} else {
				break
			}
		}
	}
}

// StoreVectors replaces the chunk vectors for a memory.
func (s *SQLiteStorage) StoreVectors(ctx context.Context, memoryID int64, vectors [][]float32) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM memory_vectors WHERE memory_id = ?`, memoryID); err != nil {
		return fmt.Errorf("failed to clear vectors for memory %d: %w", memoryID, err)
	}
	for chunkID, vec := range vectors {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO memory_vectors (memory_id, chunk_id, vector) VALUES (?, ?, ?)
		`, memoryID, chunkID, encodeVector(vec)); err != nil {
			return fmt.Errorf("failed to store vector chunk %d for memory %d: %w", chunkID, memoryID, err)
		}
	}
	return tx.Commit()
}

// ReindexMemory re-syncs the full-text row for one memory from its content.
// Idempotent: running it twice leaves the same index state.
func (s *SQLiteStorage) ReindexMemory(ctx context.Context, id int64) error {
	mem, err := s.GetMemory(ctx, id)
	if err != nil {
		return err
	}
	if mem == nil {
		return nil // deleted since enqueue; nothing to index
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// 'delete' is a no-op mismatch risk on a drifted index, so refresh by
	// delete-then-insert against the current content row.
	_, _ = tx.ExecContext(ctx, `
		INSERT INTO memories_fts(memories_fts, rowid, content, title)
		VALUES ('delete', ?, ?, ?)
	`, id, mem.Content, mem.Title)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO memories_fts(rowid, content, title) VALUES (?, ?, ?)
	`, id, mem.Content, mem.Title); err != nil {
		return fmt.Errorf("failed to reindex memory %d: %w", id, err)
	}

	return tx.Commit()
}

// RebuildIndex rebuilds the full-text index wholesale and drops vectors for
// deprecated memories. Vector recomputation for live memories is the index
// worker's job since it needs the embedding adapter.
func (s *SQLiteStorage) RebuildIndex(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `INSERT INTO memories_fts(memories_fts) VALUES('rebuild')`); err != nil {
		return fmt.Errorf("failed to rebuild fts index: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM memory_vectors WHERE memory_id IN (SELECT id FROM memories WHERE deprecated = 1)
	`); err != nil {
		return fmt.Errorf("failed to prune deprecated vectors: %w", err)
	}
	return nil
}

func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, f := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(blob []byte) []float32 {
	vec := make([]float32, len(blob)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return vec
}

func cosine(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, normA, normB float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
