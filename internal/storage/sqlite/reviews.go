package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/palacehq/palace/internal/types"
)

// SaveCleanupReview persists a pending two-phase review. Pending reviews
// live in the store so a restart cannot silently void an authorization
// window the client is still inside.
func (s *SQLiteStorage) SaveCleanupReview(ctx context.Context, review *types.CleanupReview) error {
	selections, err := json.Marshal(review.Selections)
	if err != nil {
		return fmt.Errorf("failed to encode selections for review %s: %w", review.ReviewID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO cleanup_reviews (review_id, token, action, reviewer, confirmation_phrase, selections, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, review.ReviewID, review.Token, review.Action, review.Reviewer,
		review.ConfirmationPhrase, string(selections), review.CreatedAt, review.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to save cleanup review %s: %w", review.ReviewID, err)
	}
	return nil
}

// GetCleanupReview reads one pending review. Returns nil when absent.
func (s *SQLiteStorage) GetCleanupReview(ctx context.Context, reviewID string) (*types.CleanupReview, error) {
	var review types.CleanupReview
	var selections string
	err := s.db.QueryRowContext(ctx, `
		SELECT review_id, token, action, reviewer, confirmation_phrase, selections, created_at, expires_at
		FROM cleanup_reviews WHERE review_id = ?
	`, reviewID).Scan(&review.ReviewID, &review.Token, &review.Action, &review.Reviewer,
		&review.ConfirmationPhrase, &selections, &review.CreatedAt, &review.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cleanup review %s: %w", reviewID, err)
	}
	if err := json.Unmarshal([]byte(selections), &review.Selections); err != nil {
		return nil, fmt.Errorf("failed to decode selections for review %s: %w", reviewID, err)
	}
	return &review, nil
}

// DeleteCleanupReview consumes a review. One-shot confirm deletes before
// any mutation runs.
func (s *SQLiteStorage) DeleteCleanupReview(ctx context.Context, reviewID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM cleanup_reviews WHERE review_id = ?`, reviewID)
	if err != nil {
		return fmt.Errorf("failed to delete cleanup review %s: %w", reviewID, err)
	}
	return nil
}

// DeleteExpiredCleanupReviews sweeps reviews whose TTL has passed.
func (s *SQLiteStorage) DeleteExpiredCleanupReviews(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cleanup_reviews WHERE expires_at < ?`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep expired cleanup reviews: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

// CountCleanupReviews reports how many reviews are stored, expired or not.
func (s *SQLiteStorage) CountCleanupReviews(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cleanup_reviews`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count cleanup reviews: %w", err)
	}
	return count, nil
}
