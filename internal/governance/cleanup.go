package governance

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/palacehq/palace/internal/storage"
	"github.com/palacehq/palace/internal/types"
)

const (
	DefaultReviewTTL         = 900 * time.Second
	DefaultMaxPendingReviews = 64
)

// CleanupCoordinator runs the two-phase cleanup protocol: prepare pins the
// reviewed state behind a random review id, token, and confirmation
// phrase; confirm consumes the review exactly once. Pending reviews live
// in the cleanup review table, so an open authorization window survives a
// process restart.
type CleanupCoordinator struct {
	store       storage.Storage
	ttl         time.Duration
	maxPending  int
	maxVitality float64

	mu sync.Mutex // serializes the sweep-count-save and load-consume sequences
}

// NewCleanupCoordinator builds a coordinator; zero values use defaults.
func NewCleanupCoordinator(store storage.Storage, ttl time.Duration, maxPending int, maxVitality float64) *CleanupCoordinator {
	if ttl <= 0 {
		ttl = DefaultReviewTTL
	}
	if maxPending <= 0 {
		maxPending = DefaultMaxPendingReviews
	}
	if maxVitality <= 0 {
		maxVitality = DefaultVitalityConfig().Max
	}
	return &CleanupCoordinator{
		store:       store,
		ttl:         ttl,
		maxPending:  maxPending,
		maxVitality: maxVitality,
	}
}

// Prepare validates every selection against the current store state and
// opens a pending review. A state hash that no longer matches means the
// client reviewed stale data and must re-query.
func (c *CleanupCoordinator) Prepare(ctx context.Context, action, reviewer string, selections []types.CleanupSelection) (*types.CleanupReview, error) {
	switch action {
	case types.CleanupActionDelete, types.CleanupActionKeep:
	default:
		return nil, fmt.Errorf("unknown cleanup action %q", action)
	}
	if len(selections) == 0 {
		return nil, fmt.Errorf("cleanup review requires at least one selection")
	}

	for _, sel := range selections {
		current, err := c.currentStateHash(ctx, sel.MemoryID)
		if err != nil {
			return nil, err
		}
		if current != sel.StateHash {
			return nil, types.NewError(types.KindStaleState,
				fmt.Sprintf("memory %d changed since it was reviewed", sel.MemoryID))
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now().UTC()
	if _, err := c.store.DeleteExpiredCleanupReviews(ctx, now); err != nil {
		return nil, err
	}
	pending, err := c.store.CountCleanupReviews(ctx)
	if err != nil {
		return nil, err
	}
	if pending >= c.maxPending {
		return nil, types.NewError(types.KindPendingReviewsFull,
			fmt.Sprintf("at most %d pending cleanup reviews", c.maxPending))
	}

	review := &types.CleanupReview{
		ReviewID:           newReviewID(),
		Token:              strings.ReplaceAll(uuid.NewString(), "-", ""),
		Action:             action,
		Reviewer:           reviewer,
		Selections:         selections,
		ConfirmationPhrase: fmt.Sprintf("CONFIRM %s %d", strings.ToUpper(action), len(selections)),
		CreatedAt:          now,
		ExpiresAt:          now.Add(c.ttl),
	}
	if err := c.store.SaveCleanupReview(ctx, review); err != nil {
		return nil, err
	}
	return review, nil
}

// ConfirmResult reports the per-selection outcomes of a confirmed review.
type ConfirmResult struct {
	Status       string `json:"status"`
	DeletedCount int    `json:"deleted_count"`
	KeptCount    int    `json:"kept_count"`
	SkippedCount int    `json:"skipped_count"`
	ErrorCount   int    `json:"error_count"`
}

// Confirm consumes a pending review. The review id, token, and typed
// phrase must all match; each failure mode reports its own reason. A
// phrase mismatch leaves the review pending so the client can retype it.
func (c *CleanupCoordinator) Confirm(ctx context.Context, reviewID, token, phrase string) (*ConfirmResult, error) {
	c.mu.Lock()
	review, err := c.store.GetCleanupReview(ctx, reviewID)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	if review == nil {
		c.mu.Unlock()
		return nil, types.NewError(types.KindReviewNotFound, "no pending review "+reviewID)
	}
	now := time.Now().UTC()
	if now.After(review.ExpiresAt) {
		_ = c.store.DeleteCleanupReview(ctx, reviewID)
		c.mu.Unlock()
		return nil, types.NewError(types.KindReviewExpired, "review "+reviewID+" expired")
	}
	if review.Token != token {
		c.mu.Unlock()
		return nil, types.NewError(types.KindReviewNotFound, "no pending review "+reviewID)
	}
	if review.ConfirmationPhrase != phrase {
		c.mu.Unlock()
		return nil, types.NewError(types.KindPhraseMismatch,
			"expected confirmation phrase was not supplied")
	}
	// one-shot: consumed before any mutation
	if err := c.store.DeleteCleanupReview(ctx, reviewID); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	c.mu.Unlock()

	result := &ConfirmResult{Status: "ok"}
	for _, sel := range review.Selections {
		switch review.Action {
		case types.CleanupActionDelete:
			canDelete, err := c.canDelete(ctx, sel.MemoryID)
			if err != nil {
				result.ErrorCount++
				continue
			}
			if !canDelete {
				result.SkippedCount++
				continue
			}
			if err := c.store.PermanentlyDeleteMemory(ctx, sel.MemoryID); err != nil {
				result.ErrorCount++
				continue
			}
			result.DeletedCount++
		case types.CleanupActionKeep:
			if err := c.store.SetVitality(ctx, sel.MemoryID, c.maxVitality); err != nil {
				result.ErrorCount++
				continue
			}
			result.KeptCount++
		}
	}
	return result, nil
}

// PendingCount reports how many reviews are open after expiry sweeping.
func (c *CleanupCoordinator) PendingCount(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.store.DeleteExpiredCleanupReviews(ctx, time.Now().UTC()); err != nil {
		return 0, err
	}
	return c.store.CountCleanupReviews(ctx)
}

func (c *CleanupCoordinator) currentStateHash(ctx context.Context, memoryID int64) (string, error) {
	mem, err := c.store.GetMemory(ctx, memoryID)
	if err != nil {
		return "", err
	}
	if mem == nil {
		return "", types.NewError(types.KindStaleState,
			fmt.Sprintf("memory %d no longer exists", memoryID))
	}
	return types.CleanupStateHash(mem.ID, mem.ContentHash, mem.VitalityScore, mem.Deprecated), nil
}

// canDelete re-checks liveness at confirm time: a memory still reachable
// through a live path is never hard-deleted by a review.
func (c *CleanupCoordinator) canDelete(ctx context.Context, memoryID int64) (bool, error) {
	mem, err := c.store.GetMemory(ctx, memoryID)
	if err != nil {
		return false, err
	}
	if mem == nil {
		return false, nil
	}
	if mem.Deprecated {
		return true, nil
	}
	entries, err := c.store.ListPaths(ctx, memoryID)
	if err != nil {
		return false, err
	}
	return len(entries) == 0, nil
}

func newReviewID() string {
	buf := make([]byte, 5)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("cleanup-%010d", time.Now().UnixNano()%1e10)
	}
	return "cleanup-" + hex.EncodeToString(buf)
}
