package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/palacehq/palace/internal/types"
)

// SaveSnapshot records a pre-mutation state. At most one pending snapshot
// exists per (session, resource); a newer capture replaces the pending one.
func (s *SQLiteStorage) SaveSnapshot(ctx context.Context, snap *types.Snapshot) error {
	if snap.SnapshotTime.IsZero() {
		snap.SnapshotTime = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO snapshots (session_id, resource_id, resource_type, operation_type, snapshot_time, pre_state)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, resource_id) DO UPDATE SET
			resource_type = excluded.resource_type,
			operation_type = excluded.operation_type,
			snapshot_time = excluded.snapshot_time,
			pre_state = excluded.pre_state
	`, snap.SessionID, snap.ResourceID, snap.ResourceType, snap.OperationType,
		snap.SnapshotTime, snap.PreState)
	if err != nil {
		return fmt.Errorf("failed to save snapshot %s/%s: %w", snap.SessionID, snap.ResourceID, err)
	}
	return nil
}

// GetSnapshot reads one pending snapshot. Returns nil when absent.
func (s *SQLiteStorage) GetSnapshot(ctx context.Context, sessionID, resourceID string) (*types.Snapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, resource_id, resource_type, operation_type, snapshot_time, pre_state
		FROM snapshots WHERE session_id = ? AND resource_id = ?
	`, sessionID, resourceID)
	snap, err := scanSnapshot(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot %s/%s: %w", sessionID, resourceID, err)
	}
	return snap, nil
}

// ListSnapshots returns a session's pending snapshots in admission order.
func (s *SQLiteStorage) ListSnapshots(ctx context.Context, sessionID string) ([]*types.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, resource_id, resource_type, operation_type, snapshot_time, pre_state
		FROM snapshots WHERE session_id = ? ORDER BY id
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots for %s: %w", sessionID, err)
	}
	defer rows.Close()

	var snaps []*types.Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

// DeleteSnapshot removes one pending snapshot.
func (s *SQLiteStorage) DeleteSnapshot(ctx context.Context, sessionID, resourceID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM snapshots WHERE session_id = ? AND resource_id = ?
	`, sessionID, resourceID)
	if err != nil {
		return fmt.Errorf("failed to delete snapshot %s/%s: %w", sessionID, resourceID, err)
	}
	return nil
}

// ClearSnapshots removes all pending snapshots in a session and reports how
// many were removed.
func (s *SQLiteStorage) ClearSnapshots(ctx context.Context, sessionID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE session_id = ?`, sessionID)
	if err != nil {
		return 0, fmt.Errorf("failed to clear snapshots for %s: %w", sessionID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

func scanSnapshot(row rowScanner) (*types.Snapshot, error) {
	var snap types.Snapshot
	err := row.Scan(&snap.ID, &snap.SessionID, &snap.ResourceID, &snap.ResourceType,
		&snap.OperationType, &snap.SnapshotTime, &snap.PreState)
	if err != nil {
		return nil, err
	}
	return &snap, nil
}
