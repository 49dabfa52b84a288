// Package types defines the core data structures shared across the memory core.
package types

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Memory is a single long-term memory record. Content mutations never happen
// in place: an update creates a new record and deprecates the old one with a
// migrated_to pointer so rollback and audit trails stay intact.
type Memory struct {
	ID             int64      `json:"id"`
	Content        string     `json:"content"`
	Title          string     `json:"title,omitempty"`
	Priority       int        `json:"priority"`
	Disclosure     string     `json:"disclosure,omitempty"`
	VitalityScore  float64    `json:"vitality_score"`
	AccessCount    int64      `json:"access_count"`
	Deprecated     bool       `json:"deprecated"`
	MigratedTo     *int64     `json:"migrated_to,omitempty"`
	ContentHash    string     `json:"content_hash"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	LastAccessedAt *time.Time `json:"last_accessed_at,omitempty"`
}

// PathEntry maps a domain://path address onto a memory. A memory may carry
// several paths (aliases); removing one path never removes the memory while
// another path still points at it.
type PathEntry struct {
	Domain   string `json:"domain"`
	Path     string `json:"path"`
	MemoryID int64  `json:"memory_id"`
}

// URI renders the canonical address for the entry.
func (p PathEntry) URI() string {
	return p.Domain + "://" + p.Path
}

// Gist is a short summary of a memory keyed by the content hash it was
// generated from, so stale gists are detectable after content changes.
type Gist struct {
	MemoryID          int64   `json:"memory_id"`
	SourceContentHash string  `json:"source_content_hash"`
	Text              string  `json:"gist_text"`
	Method            string  `json:"gist_method"`
	Quality           float64 `json:"quality"`
}

// Gist generation methods, ordered by the fallback chain.
const (
	GistMethodLLM        = "llm_gist"
	GistMethodExtractive = "extractive_bullets"
	GistMethodSentence   = "sentence_fallback"
	GistMethodTruncate   = "truncate_fallback"
	GistMethodRollup     = "sleep_rollup"
)

// Snapshot resource types.
const (
	ResourceTypeMemory = "memory"
	ResourceTypePath   = "path"
)

// Snapshot operation types.
const (
	OpCreate        = "create"
	OpModifyContent = "modify_content"
	OpModifyMeta    = "modify_meta"
	OpDelete        = "delete"
	OpCreateAlias   = "create_alias"
)

// Snapshot is a per-session pre-mutation record. ResourceID is the address
// URI for path snapshots and "memory:{id}" for content snapshots.
type Snapshot struct {
	ID            int64     `json:"id"`
	SessionID     string    `json:"session_id"`
	ResourceID    string    `json:"resource_id"`
	ResourceType  string    `json:"resource_type"`
	OperationType string    `json:"operation_type"`
	SnapshotTime  time.Time `json:"snapshot_time"`
	PreState      string    `json:"pre_state"`
}

// MemoryResourceID builds the snapshot resource id for memory content.
func MemoryResourceID(memoryID int64) string {
	return fmt.Sprintf("memory:%d", memoryID)
}

// Guard actions.
const (
	GuardAdd    = "ADD"
	GuardUpdate = "UPDATE"
	GuardNoop   = "NOOP"
	GuardDelete = "DELETE"
	GuardBypass = "BYPASS"
)

// Guard decision methods.
const (
	GuardMethodEmbedding = "embedding"
	GuardMethodKeyword   = "keyword"
	GuardMethodLLM       = "llm"
	GuardMethodBypass    = "bypass"
	GuardMethodFallback  = "fallback"
)

// GuardDecision is the write guard verdict for a proposed write.
type GuardDecision struct {
	Action     string  `json:"action"`
	TargetID   int64   `json:"target_id,omitempty"`
	TargetURI  string  `json:"target_uri,omitempty"`
	Method     string  `json:"method"`
	Reason     string  `json:"reason"`
	Confidence float64 `json:"confidence"`
}

// Index job task types.
const (
	TaskRebuildIndex       = "rebuild_index"
	TaskReindexMemory      = "reindex_memory"
	TaskSleepConsolidation = "sleep_consolidation"
)

// Index job states. Terminal states are cancelled, succeeded, failed, dropped.
const (
	JobQueued     = "queued"
	JobRunning    = "running"
	JobCancelling = "cancelling"
	JobCancelled  = "cancelled"
	JobSucceeded  = "succeeded"
	JobFailed     = "failed"
	JobDropped    = "dropped"
)

// IndexJob tracks one unit of background index work through its state machine.
type IndexJob struct {
	JobID          string     `json:"job_id"`
	TaskType       string     `json:"task_type"`
	MemoryID       int64      `json:"memory_id,omitempty"`
	Reason         string     `json:"reason,omitempty"`
	State          string     `json:"state"`
	RequestedAt    time.Time  `json:"requested_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	Error          string     `json:"error,omitempty"`
	DegradeReasons []string   `json:"degrade_reasons,omitempty"`
}

// Terminal reports whether the job reached a stable final state.
func (j *IndexJob) Terminal() bool {
	switch j.State {
	case JobCancelled, JobSucceeded, JobFailed, JobDropped:
		return true
	}
	return false
}

// EnqueueStats reports the outcome of index enqueue attempts attached to a
// write response.
type EnqueueStats struct {
	Queued  int `json:"index_queued"`
	Deduped int `json:"index_deduped"`
	Dropped int `json:"index_dropped"`
}

// Add accumulates another enqueue outcome into the stats.
func (s *EnqueueStats) Add(outcome string) {
	switch outcome {
	case EnqueueQueued:
		s.Queued++
	case EnqueueDeduped:
		s.Deduped++
	case EnqueueDropped:
		s.Dropped++
	}
}

// Enqueue outcomes.
const (
	EnqueueQueued  = "queued"
	EnqueueDeduped = "deduped"
	EnqueueDropped = "dropped"
)

// Cleanup review actions.
const (
	CleanupActionDelete = "delete"
	CleanupActionKeep   = "keep"
)

// CleanupSelection is one (memory, state) pair submitted for review. The
// state hash pins the reviewed state so a confirm against a mutated memory
// is rejected as stale.
type CleanupSelection struct {
	MemoryID  int64  `json:"memory_id"`
	StateHash string `json:"state_hash"`
}

// CleanupReview is a pending two-phase cleanup authorization. One-shot:
// consumed on confirm, expired after TTL.
type CleanupReview struct {
	ReviewID           string             `json:"review_id"`
	Token              string             `json:"token"`
	Action             string             `json:"action"`
	Reviewer           string             `json:"reviewer"`
	Selections         []CleanupSelection `json:"selections"`
	ConfirmationPhrase string             `json:"confirmation_phrase"`
	CreatedAt          time.Time          `json:"created_at"`
	ExpiresAt          time.Time          `json:"expires_at"`
}

// CleanupCandidate is a memory eligible for review, with the state hash the
// prepare phase must echo back.
type CleanupCandidate struct {
	MemoryID       int64      `json:"memory_id"`
	URIs           []string   `json:"uris"`
	Title          string     `json:"title,omitempty"`
	VitalityScore  float64    `json:"vitality_score"`
	LastAccessedAt *time.Time `json:"last_accessed_at,omitempty"`
	Deprecated     bool       `json:"deprecated"`
	PathCount      int        `json:"path_count"`
	StateHash      string     `json:"state_hash"`
	CanDelete      bool       `json:"can_delete"`
	ReasonCodes    []string   `json:"reason_codes"`
}

// Cleanup candidate reason codes.
const (
	ReasonLowVitality = "low_vitality"
	ReasonInactive    = "inactive"
	ReasonOrphaned    = "orphaned"
)

// SearchResult is one scored hit from the retrieval pipeline.
type SearchResult struct {
	MemoryID   int64    `json:"memory_id"`
	URI        string   `json:"uri"`
	Title      string   `json:"title,omitempty"`
	Content    string   `json:"content"`
	Priority   int      `json:"priority"`
	UpdatedAt  string   `json:"updated_at"`
	Score      float64  `json:"score"`
	Source     string   `json:"source"` // "global" or "session"
	Breadcrumb []string `json:"breadcrumb,omitempty"`
}

// Search result sources.
const (
	SourceGlobal  = "global"
	SourceSession = "session"
)

// HashContent computes the canonical content hash used for dedup signals,
// gist keys, and cleanup state pinning.
func HashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// CleanupStateHash pins the reviewed state of a memory. Any content,
// vitality, or lifecycle change invalidates outstanding review selections.
func CleanupStateHash(id int64, contentHash string, vitality float64, deprecated bool) string {
	payload := fmt.Sprintf("%d|%s|%.6f|%t", id, contentHash, vitality, deprecated)
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}
