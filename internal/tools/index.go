package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/palacehq/palace/internal/indexer"
	"github.com/palacehq/palace/internal/types"
)

// RebuildRequest enqueues background index work. MemoryID targets one
// record; SleepConsolidation requests the singleton consolidation pass and
// cannot be combined with MemoryID.
type RebuildRequest struct {
	MemoryID           int64  `json:"memory_id,omitempty"`
	Reason             string `json:"reason,omitempty"`
	Wait               bool   `json:"wait,omitempty"`
	TimeoutSeconds     int    `json:"timeout,omitempty"`
	SleepConsolidation bool   `json:"sleep_consolidation,omitempty"`
}

// RebuildResult reports the enqueue outcome and, when waited for, the
// final job state.
type RebuildResult struct {
	JobID   string          `json:"job_id,omitempty"`
	Outcome string          `json:"outcome"` // queued, deduped, dropped
	Job     *types.IndexJob `json:"job,omitempty"`
}

// RebuildIndex enqueues a rebuild, reindex, or sleep consolidation job.
// With Wait the call blocks until the job finalizes or the timeout lapses
// with wait_timeout.
func (s *Service) RebuildIndex(ctx context.Context, req RebuildRequest) (*RebuildResult, error) {
	if req.SleepConsolidation && req.MemoryID != 0 {
		return nil, fmt.Errorf("sleep_consolidation and memory_id are mutually exclusive")
	}

	taskType := types.TaskRebuildIndex
	switch {
	case req.SleepConsolidation:
		taskType = types.TaskSleepConsolidation
	case req.MemoryID != 0:
		taskType = types.TaskReindexMemory
	}
	reason := req.Reason
	if reason == "" {
		reason = "rebuild_index tool"
	}

	jobID, outcome := s.worker.Enqueue(taskType, req.MemoryID, reason)
	if outcome == types.EnqueueDropped {
		return &RebuildResult{Outcome: outcome},
			types.NewError(types.KindQueueFull, "index queue is at capacity")
	}

	result := &RebuildResult{JobID: jobID, Outcome: outcome}
	if !req.Wait {
		return result, nil
	}

	timeout := DefaultRebuildWaitLimit
	if req.TimeoutSeconds > 0 {
		timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}
	job, err := s.worker.Wait(ctx, jobID, timeout)
	if err != nil {
		return result, err
	}
	result.Job = job
	return result, nil
}

// IndexStatusResult augments the worker status with the sleep pending
// flag clients poll for.
type IndexStatusResult struct {
	indexer.Status
	SleepPending bool `json:"sleep_pending"`
}

// IndexStatus snapshots the index worker.
func (s *Service) IndexStatus() *IndexStatusResult {
	return &IndexStatusResult{
		Status:       s.worker.Status(),
		SleepPending: s.worker.SleepPending(),
	}
}
