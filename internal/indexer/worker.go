// Package indexer runs background index maintenance through a bounded
// queue: per-record reindexing, full rebuilds, and sleep consolidation.
// Jobs move through a small state machine (queued, running, cancelling,
// then a terminal state) and the worker keeps a ring of recent jobs for
// inspection.
package indexer

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/palacehq/palace/internal/embed"
	"github.com/palacehq/palace/internal/storage"
	"github.com/palacehq/palace/internal/types"
)

const (
	DefaultQueueCapacity = 256
	DefaultRecentRing    = 30

	metaLastIndexedMemoryID = "index.last_indexed_memory_id"
	metaLastRebuildAt       = "index.last_rebuild_at"
	metaLastSleepAt         = "index.last_sleep_at"
)

// SleepFunc runs the sleep-consolidation pass. The worker owns scheduling
// and the job record; the policy lives with the caller.
type SleepFunc func(ctx context.Context, job *types.IndexJob) error

// Counters are the lifetime totals exposed in Status.
type Counters struct {
	QueuedTotal    int64 `json:"queued_total"`
	DedupedTotal   int64 `json:"deduped_total"`
	DroppedTotal   int64 `json:"dropped_total"`
	SucceededTotal int64 `json:"succeeded_total"`
	FailedTotal    int64 `json:"failed_total"`
	CancelledTotal int64 `json:"cancelled_total"`
}

// Status is a point-in-time view of the worker.
type Status struct {
	QueueDepth      int              `json:"queue_depth"`
	Active          *types.IndexJob  `json:"active_job,omitempty"`
	Recent          []types.IndexJob `json:"recent_jobs"`
	CancellingCount int              `json:"cancelling_count"`
	Counters        Counters         `json:"counters"`
	LastError       string           `json:"last_error,omitempty"`
}

type jobRecord struct {
	job    types.IndexJob
	cancel context.CancelFunc // set while running
	done   chan struct{}      // closed on terminal state
}

// Worker is the single background index runner. Safe for concurrent use.
type Worker struct {
	store    storage.Storage
	embedder embed.Embedder // nil disables vector refresh
	sleepFn  SleepFunc      // nil rejects sleep_consolidation jobs
	log      zerolog.Logger

	capacity int
	ringSize int
	queue    chan string

	mu        sync.Mutex
	jobs      map[string]*jobRecord
	queuedKey map[string]string // dedup key -> queued job id
	activeID  string
	recent    []types.IndexJob
	counters  Counters
	lastError string

	stop chan struct{}
	wg   sync.WaitGroup
}

// Options tunes the worker; zero values fall back to defaults.
type Options struct {
	QueueCapacity int
	RecentRing    int
	Embedder      embed.Embedder
	Sleep         SleepFunc
	Logger        zerolog.Logger
}

// New builds a worker. Call Start to begin draining the queue.
func New(store storage.Storage, opts Options) *Worker {
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = DefaultQueueCapacity
	}
	if opts.RecentRing <= 0 {
		opts.RecentRing = DefaultRecentRing
	}
	return &Worker{
		store:     store,
		embedder:  opts.Embedder,
		sleepFn:   opts.Sleep,
		log:       opts.Logger,
		capacity:  opts.QueueCapacity,
		ringSize:  opts.RecentRing,
		queue:     make(chan string, opts.QueueCapacity),
		jobs:      make(map[string]*jobRecord),
		queuedKey: make(map[string]string),
		stop:      make(chan struct{}),
	}
}

// Start launches the worker loop, first seeding the recent ring from the
// durable job table so a restarted daemon still shows past queue activity.
func (w *Worker) Start() {
	w.restoreRecent()
	w.wg.Add(1)
	go w.loop()
}

func (w *Worker) restoreRecent() {
	jobs, err := w.store.ListRecentIndexJobs(context.Background(), w.ringSize)
	if err != nil {
		w.log.Warn().Err(err).Msg("could not restore index job history")
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.recent) > 0 {
		return
	}
	// newest first from the store; the ring appends oldest first. Jobs
	// left queued or running by a previous process are not revived.
	for i := len(jobs) - 1; i >= 0; i-- {
		if jobs[i].Terminal() {
			w.recent = append(w.recent, jobs[i])
		}
	}
}

// persistLocked mirrors the job record into the index job table. Durable
// history is best effort; a write failure never blocks the queue. Caller
// holds w.mu.
func (w *Worker) persistLocked(rec *jobRecord) {
	if err := w.store.SaveIndexJob(context.Background(), &rec.job); err != nil {
		w.log.Warn().Err(err).Str("job_id", rec.job.JobID).Msg("could not persist index job")
	}
}

// Stop halts the loop after the current job finishes.
func (w *Worker) Stop() {
	close(w.stop)
	w.wg.Wait()
}

// Enqueue requests a task. The outcome is queued, deduped (an equivalent
// job is already waiting), or dropped (queue full).
func (w *Worker) Enqueue(taskType string, memoryID int64, reason string) (string, string) {
	key := dedupKey(taskType, memoryID)

	w.mu.Lock()
	defer w.mu.Unlock()

	if existing, ok := w.queuedKey[key]; ok {
		w.counters.DedupedTotal++
		return existing, types.EnqueueDeduped
	}

	rec := &jobRecord{
		job: types.IndexJob{
			JobID:       newJobID(),
			TaskType:    taskType,
			MemoryID:    memoryID,
			Reason:      reason,
			State:       types.JobQueued,
			RequestedAt: time.Now().UTC(),
		},
		done: make(chan struct{}),
	}

	select {
	case w.queue <- rec.job.JobID:
	default:
		// dropped is a terminal state like any other: the job gets a
		// record, lands on the recent ring, and is persisted
		w.jobs[rec.job.JobID] = rec
		w.finalizeLocked(rec, types.JobDropped, "queue full")
		return rec.job.JobID, types.EnqueueDropped
	}

	w.jobs[rec.job.JobID] = rec
	w.queuedKey[key] = rec.job.JobID
	w.counters.QueuedTotal++
	w.persistLocked(rec)
	return rec.job.JobID, types.EnqueueQueued
}

// Get returns a copy of the job record.
func (w *Worker) Get(jobID string) (*types.IndexJob, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	rec, ok := w.jobs[jobID]
	if !ok {
		return nil, types.NewError(types.KindJobNotFound, "no index job "+jobID)
	}
	job := rec.job
	return &job, nil
}

// Cancel moves a queued job straight to cancelled; a running job enters
// cancelling and the task observes it at the next stage boundary.
// Terminal jobs cannot be cancelled again.
func (w *Worker) Cancel(jobID string) (*types.IndexJob, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	rec, ok := w.jobs[jobID]
	if !ok {
		return nil, types.NewError(types.KindJobNotFound, "no index job "+jobID)
	}

	switch rec.job.State {
	case types.JobQueued:
		delete(w.queuedKey, dedupKey(rec.job.TaskType, rec.job.MemoryID))
		w.finalizeLocked(rec, types.JobCancelled, "")
	case types.JobRunning:
		rec.job.State = types.JobCancelling
		if rec.cancel != nil {
			rec.cancel()
		}
	case types.JobCancelling:
		// already on its way out
	default:
		return nil, types.NewError(types.KindJobAlreadyFinalized,
			fmt.Sprintf("index job %s already %s", jobID, rec.job.State))
	}

	job := rec.job
	return &job, nil
}

// Retry re-enqueues a terminal job's original parameters under a new id.
func (w *Worker) Retry(jobID string) (string, string, error) {
	w.mu.Lock()
	rec, ok := w.jobs[jobID]
	if !ok {
		w.mu.Unlock()
		return "", "", types.NewError(types.KindJobNotFound, "no index job "+jobID)
	}
	if !rec.job.Terminal() {
		w.mu.Unlock()
		return "", "", fmt.Errorf("index job %s is still %s", jobID, rec.job.State)
	}
	taskType, memoryID, reason := rec.job.TaskType, rec.job.MemoryID, rec.job.Reason
	w.mu.Unlock()

	newID, outcome := w.Enqueue(taskType, memoryID, reason)
	return newID, outcome, nil
}

// Wait blocks until the job reaches a terminal state or the timeout
// elapses.
func (w *Worker) Wait(ctx context.Context, jobID string, timeout time.Duration) (*types.IndexJob, error) {
	w.mu.Lock()
	rec, ok := w.jobs[jobID]
	if !ok {
		w.mu.Unlock()
		return nil, types.NewError(types.KindJobNotFound, "no index job "+jobID)
	}
	done := rec.done
	w.mu.Unlock()

	select {
	case <-done:
		return w.Get(jobID)
	case <-time.After(timeout):
		return nil, types.NewError(types.KindWaitTimeout,
			fmt.Sprintf("index job %s did not finish within %s", jobID, timeout))
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Status reports queue depth, the active job, the recent ring, and the
// lifetime counters.
func (w *Worker) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()

	st := Status{
		QueueDepth: len(w.queue),
		Counters:   w.counters,
		LastError:  w.lastError,
	}
	if w.activeID != "" {
		if rec, ok := w.jobs[w.activeID]; ok {
			job := rec.job
			st.Active = &job
		}
	}
	for _, rec := range w.jobs {
		if rec.job.State == types.JobCancelling {
			st.CancellingCount++
		}
	}
	st.Recent = make([]types.IndexJob, len(w.recent))
	copy(st.Recent, w.recent)
	return st
}

// SleepPending reports whether a sleep consolidation job is queued or
// running right now.
func (w *Worker) SleepPending() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, rec := range w.jobs {
		if rec.job.TaskType == types.TaskSleepConsolidation && !rec.job.Terminal() {
			return true
		}
	}
	return false
}

func (w *Worker) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.stop:
			return
		case jobID := <-w.queue:
			w.runJob(jobID)
		}
	}
}

func (w *Worker) runJob(jobID string) {
	w.mu.Lock()
	rec, ok := w.jobs[jobID]
	if !ok || rec.job.State != types.JobQueued {
		// cancelled while queued
		w.mu.Unlock()
		return
	}
	delete(w.queuedKey, dedupKey(rec.job.TaskType, rec.job.MemoryID))
	now := time.Now().UTC()
	rec.job.State = types.JobRunning
	rec.job.StartedAt = &now
	ctx, cancel := context.WithCancel(context.Background())
	rec.cancel = cancel
	w.activeID = jobID
	w.persistLocked(rec)
	job := rec.job
	w.mu.Unlock()

	err := w.execute(ctx, &job)
	cancel()

	w.mu.Lock()
	defer w.mu.Unlock()
	w.activeID = ""
	rec.job.DegradeReasons = job.DegradeReasons

	switch {
	case rec.job.State == types.JobCancelling:
		w.finalizeLocked(rec, types.JobCancelled, "")
	case err != nil:
		w.finalizeLocked(rec, types.JobFailed, err.Error())
	default:
		w.finalizeLocked(rec, types.JobSucceeded, "")
	}
}

// finalizeLocked moves a job to its terminal state, pushes it onto the
// recent ring, and wakes waiters. Caller holds w.mu.
func (w *Worker) finalizeLocked(rec *jobRecord, state, errMsg string) {
	now := time.Now().UTC()
	rec.job.State = state
	rec.job.FinishedAt = &now
	rec.job.Error = errMsg
	rec.cancel = nil

	switch state {
	case types.JobSucceeded:
		w.counters.SucceededTotal++
	case types.JobFailed:
		w.counters.FailedTotal++
		w.lastError = errMsg
	case types.JobCancelled:
		w.counters.CancelledTotal++
	case types.JobDropped:
		w.counters.DroppedTotal++
	}

	w.recent = append(w.recent, rec.job)
	if len(w.recent) > w.ringSize {
		w.recent = w.recent[len(w.recent)-w.ringSize:]
	}
	w.persistLocked(rec)
	close(rec.done)

	w.log.Debug().
		Str("job_id", rec.job.JobID).
		Str("task", rec.job.TaskType).
		Str("state", state).
		Msg("index job finished")
}

func (w *Worker) execute(ctx context.Context, job *types.IndexJob) error {
	switch job.TaskType {
	case types.TaskReindexMemory:
		return w.reindexMemory(ctx, job)
	case types.TaskRebuildIndex:
		return w.rebuildIndex(ctx, job)
	case types.TaskSleepConsolidation:
		if w.sleepFn == nil {
			return fmt.Errorf("sleep consolidation is not configured")
		}
		if err := w.sleepFn(ctx, job); err != nil {
			return err
		}
		return w.store.SetMeta(ctx, metaLastSleepAt, time.Now().UTC().Format(time.RFC3339))
	default:
		return fmt.Errorf("unknown index task type %q", job.TaskType)
	}
}

func (w *Worker) reindexMemory(ctx context.Context, job *types.IndexJob) error {
	if err := w.store.ReindexMemory(ctx, job.MemoryID); err != nil {
		return err
	}
	if err := w.revectorize(ctx, job, job.MemoryID); err != nil {
		return err
	}
	return w.store.SetMeta(ctx, metaLastIndexedMemoryID, strconv.FormatInt(job.MemoryID, 10))
}

func (w *Worker) rebuildIndex(ctx context.Context, job *types.IndexJob) error {
	if err := w.store.RebuildIndex(ctx); err != nil {
		return err
	}

	// Revectorize every live record; a negative limit returns all rows.
	memories, err := w.store.ListRecentMemories(ctx, -1)
	if err != nil {
		return err
	}
	for _, mem := range memories {
		// stage boundary: cancellation lands between records
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := w.revectorize(ctx, job, mem.ID); err != nil {
			return err
		}
	}
	return w.store.SetMeta(ctx, metaLastRebuildAt, time.Now().UTC().Format(time.RFC3339))
}

func (w *Worker) revectorize(ctx context.Context, job *types.IndexJob, memoryID int64) error {
	if w.embedder == nil {
		job.DegradeReasons = appendUnique(job.DegradeReasons, types.DegradeVectorBackendDisabled)
		return nil
	}
	mem, err := w.store.GetMemory(ctx, memoryID)
	if err != nil {
		return err
	}
	if mem == nil || mem.Deprecated {
		return nil
	}
	chunks := embed.ChunkText(mem.Content, embed.DefaultChunkSize, embed.DefaultChunkOverlap)
	if len(chunks) == 0 {
		return nil
	}
	vectors, err := w.embedder.Embed(ctx, chunks)
	if err != nil {
		job.DegradeReasons = appendUnique(job.DegradeReasons, types.DegradeEmbeddingRequestFailed)
		return nil
	}
	return w.store.StoreVectors(ctx, memoryID, vectors)
}

// dedupKey collapses equivalent queued work: per-record tasks key on the
// memory id, rebuild and sleep are singletons.
func dedupKey(taskType string, memoryID int64) string {
	if taskType == types.TaskReindexMemory {
		return taskType + ":" + strconv.FormatInt(memoryID, 10)
	}
	return taskType
}

func newJobID() string {
	buf := make([]byte, 5)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("idx-%010d", time.Now().UnixNano()%1e10)
	}
	return "idx-" + hex.EncodeToString(buf)
}

func appendUnique(reasons []string, reason string) []string {
	for _, r := range reasons {
		if r == reason {
			return reasons
		}
	}
	return append(reasons, reason)
}
