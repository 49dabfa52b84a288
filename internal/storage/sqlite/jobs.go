package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/palacehq/palace/internal/types"
)

// SaveIndexJob upserts the durable record of an index job. The worker
// writes on every state transition so queue activity survives restarts.
func (s *SQLiteStorage) SaveIndexJob(ctx context.Context, job *types.IndexJob) error {
	degrades := "[]"
	if len(job.DegradeReasons) > 0 {
		raw, err := json.Marshal(job.DegradeReasons)
		if err != nil {
			return fmt.Errorf("failed to encode degrade reasons for job %s: %w", job.JobID, err)
		}
		degrades = string(raw)
	}

	var started, finished sql.NullTime
	if job.StartedAt != nil {
		started = sql.NullTime{Time: *job.StartedAt, Valid: true}
	}
	if job.FinishedAt != nil {
		finished = sql.NullTime{Time: *job.FinishedAt, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO index_jobs (job_id, task_type, memory_id, reason, state, error, degrade_reasons, requested_at, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET
			state = excluded.state,
			error = excluded.error,
			degrade_reasons = excluded.degrade_reasons,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at
	`, job.JobID, job.TaskType, job.MemoryID, job.Reason, job.State, job.Error,
		degrades, job.RequestedAt, started, finished)
	if err != nil {
		return fmt.Errorf("failed to save index job %s: %w", job.JobID, err)
	}
	return nil
}

// ListRecentIndexJobs returns the newest index jobs, newest first.
func (s *SQLiteStorage) ListRecentIndexJobs(ctx context.Context, limit int) ([]types.IndexJob, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, task_type, memory_id, reason, state, error, degrade_reasons, requested_at, started_at, finished_at
		FROM index_jobs ORDER BY requested_at DESC, job_id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list index jobs: %w", err)
	}
	defer rows.Close()

	var jobs []types.IndexJob
	for rows.Next() {
		var job types.IndexJob
		var degrades string
		var started, finished sql.NullTime
		if err := rows.Scan(&job.JobID, &job.TaskType, &job.MemoryID, &job.Reason,
			&job.State, &job.Error, &degrades, &job.RequestedAt, &started, &finished); err != nil {
			return nil, fmt.Errorf("failed to scan index job: %w", err)
		}
		if degrades != "" && degrades != "[]" {
			if err := json.Unmarshal([]byte(degrades), &job.DegradeReasons); err != nil {
				return nil, fmt.Errorf("failed to decode degrade reasons for job %s: %w", job.JobID, err)
			}
		}
		if started.Valid {
			t := started.Time
			job.StartedAt = &t
		}
		if finished.Valid {
			t := finished.Time
			job.FinishedAt = &t
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}
