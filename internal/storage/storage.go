// Package storage defines the interface for memory storage backends.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/palacehq/palace/internal/types"
)

// ErrDBNotInitialized is returned when attempting to use a database storage
// feature when the database has not been initialized.
var ErrDBNotInitialized = errors.New("database not initialized")

// CreateParams carries the inputs for a new memory record. When Title is
// empty the store assigns a numeric token unique under the parent path.
type CreateParams struct {
	Domain     string
	ParentPath string // "" creates directly under the domain root
	Title      string
	Content    string
	Priority   int
	Disclosure string
}

// MetaPatch carries a metadata-only update. Nil fields are left unchanged.
type MetaPatch struct {
	Priority   *int
	Disclosure *string
}

// CandidateFilter selects cleanup candidates.
type CandidateFilter struct {
	VitalityThreshold float64
	InactiveDays      int
	Limit             int
}

// VectorHit is one vector-index match with its raw cosine similarity.
type VectorHit struct {
	MemoryID int64
	Cosine   float64
}

// KeywordHit is one full-text match with its normalized bm25 score.
type KeywordHit struct {
	MemoryID int64
	Score    float64
}

// Storage defines the interface for memory storage backends.
//
// Content mutations never happen in place: UpdatePatch and UpdateAppend
// create a replacement memory, deprecate the old one with a migrated_to
// pointer, and repoint every path. Callers therefore always receive the id
// of the live record back.
type Storage interface {
	// Memories
	CreateMemory(ctx context.Context, p CreateParams) (*types.Memory, *types.PathEntry, error)
	GetMemory(ctx context.Context, id int64) (*types.Memory, error)
	GetMemoryByPath(ctx context.Context, domain, path string) (*types.Memory, *types.PathEntry, error)
	UpdatePatch(ctx context.Context, id int64, oldStr, newStr string) (*types.Memory, error)
	UpdateAppend(ctx context.Context, id int64, tail string) (*types.Memory, error)
	UpdateMeta(ctx context.Context, id int64, patch MetaPatch) (*types.Memory, error)
	ReplaceContent(ctx context.Context, id int64, content string) (*types.Memory, error)
	TouchAccess(ctx context.Context, id int64, reinforceDelta, maxScore float64) error
	PermanentlyDeleteMemory(ctx context.Context, id int64) error

	// Paths
	ListPaths(ctx context.Context, memoryID int64) ([]types.PathEntry, error)
	AddPath(ctx context.Context, domain, path string, memoryID int64) (*types.PathEntry, error)
	RemovePath(ctx context.Context, domain, path string) (survivors int, err error)
	RestorePath(ctx context.Context, domain, path string, memoryID int64) error
	ListChildren(ctx context.Context, domain, pathPrefix string) ([]types.PathEntry, error)
	ListOrphans(ctx context.Context) ([]*types.Memory, error)
	ListRecentMemories(ctx context.Context, limit int) ([]*types.Memory, error)

	// Gists
	UpsertGist(ctx context.Context, g *types.Gist) error
	GetGist(ctx context.Context, memoryID int64, sourceContentHash string) (*types.Gist, error)

	// Snapshots
	SaveSnapshot(ctx context.Context, s *types.Snapshot) error
	GetSnapshot(ctx context.Context, sessionID, resourceID string) (*types.Snapshot, error)
	ListSnapshots(ctx context.Context, sessionID string) ([]*types.Snapshot, error)
	DeleteSnapshot(ctx context.Context, sessionID, resourceID string) error
	ClearSnapshots(ctx context.Context, sessionID string) (int, error)

	// Search indices
	SearchKeyword(ctx context.Context, query string, limit int) ([]KeywordHit, error)
	SearchVector(ctx context.Context, vector []float32, limit int) ([]VectorHit, error)
	StoreVectors(ctx context.Context, memoryID int64, vectors [][]float32) error
	ReindexMemory(ctx context.Context, id int64) error
	RebuildIndex(ctx context.Context) error

	// Vitality and cleanup
	ApplyVitalityDecay(ctx context.Context, halfLifeDays, floor float64, now time.Time) (int, error)
	SetVitality(ctx context.Context, id int64, score float64) error
	ListCleanupCandidates(ctx context.Context, f CandidateFilter) ([]types.CleanupCandidate, error)

	// Index jobs: durable record of queue activity
	SaveIndexJob(ctx context.Context, job *types.IndexJob) error
	ListRecentIndexJobs(ctx context.Context, limit int) ([]types.IndexJob, error)

	// Cleanup reviews: pending two-phase authorizations
	SaveCleanupReview(ctx context.Context, review *types.CleanupReview) error
	GetCleanupReview(ctx context.Context, reviewID string) (*types.CleanupReview, error)
	DeleteCleanupReview(ctx context.Context, reviewID string) error
	DeleteExpiredCleanupReviews(ctx context.Context, now time.Time) (int, error)
	CountCleanupReviews(ctx context.Context) (int, error)

	// Internal metadata (decay day markers, index bookkeeping)
	SetMeta(ctx context.Context, key, value string) error
	GetMeta(ctx context.Context, key string) (string, error)

	// Lifecycle
	Close() error

	// Database path (for lock placement and diagnostics)
	Path() string

	// UnderlyingDB returns the underlying *sql.DB connection.
	// Provided for extensions that need their own tables.
	UnderlyingDB() *sql.DB
}
