package httpapi

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/palacehq/palace/internal/storage"
	"github.com/palacehq/palace/internal/types"
)

// treeNode is one address in the browse tree.
type treeNode struct {
	URI      string `json:"uri"`
	MemoryID int64  `json:"memory_id"`
}

func (s *Server) handleBrowseTree(w http.ResponseWriter, r *http.Request) {
	tree := make(map[string][]treeNode, len(s.domains))
	for _, domain := range s.domains {
		entries, err := s.store.ListChildren(r.Context(), domain, "")
		if err != nil {
			s.writeError(w, err)
			return
		}
		nodes := make([]treeNode, 0, len(entries))
		for _, e := range entries {
			nodes = append(nodes, treeNode{URI: e.URI(), MemoryID: e.MemoryID})
		}
		tree[domain] = nodes
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"domains": tree})
}

func (s *Server) handleListOrphans(w http.ResponseWriter, r *http.Request) {
	orphans, err := s.store.ListOrphans(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"orphans": orphans})
}

func (s *Server) handleGetOrphan(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	mem, err := s.store.GetMemory(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if mem == nil {
		s.writeError(w, types.NewError(types.KindAddressNotFound, "no such memory"))
		return
	}
	writeJSON(w, http.StatusOK, mem)
}

func (s *Server) handleDeleteOrphan(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	ctx := r.Context()
	mem, err := s.store.GetMemory(ctx, id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if mem == nil {
		s.writeError(w, types.NewError(types.KindAddressNotFound, "no such memory"))
		return
	}
	entries, err := s.store.ListPaths(ctx, id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if len(entries) > 0 && !mem.Deprecated {
		s.writeError(w, types.NewError(types.KindStaleState, "memory still has live paths"))
		return
	}
	if err := s.store.PermanentlyDeleteMemory(ctx, id); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"deleted": true, "memory_id": id})
}

func (s *Server) handleDecay(w http.ResponseWriter, r *http.Request) {
	force := r.URL.Query().Get("force") == "true"
	applied, ran, err := s.governor.RunDecay(r.Context(), force)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"applied": applied, "ran": ran})
}

func (s *Server) handleCandidatesQuery(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Threshold    float64 `json:"threshold"`
		InactiveDays int     `json:"inactive_days"`
		Limit        int     `json:"limit"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request", "detail": err.Error()})
		return
	}
	candidates, err := s.governor.Candidates(r.Context(), storage.CandidateFilter{
		VitalityThreshold: req.Threshold,
		InactiveDays:      req.InactiveDays,
		Limit:             req.Limit,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"candidates": candidates})
}

func (s *Server) handleCleanupPrepare(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Action     string                   `json:"action"`
		Reviewer   string                   `json:"reviewer"`
		Selections []types.CleanupSelection `json:"selections"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request", "detail": err.Error()})
		return
	}
	review, err := s.cleanup.Prepare(r.Context(), req.Action, req.Reviewer, req.Selections)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"review": review})
}

func (s *Server) handleCleanupConfirm(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ReviewID           string `json:"review_id"`
		Token              string `json:"token"`
		ConfirmationPhrase string `json:"confirmation_phrase"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request", "detail": err.Error()})
		return
	}
	result, err := s.cleanup.Confirm(r.Context(), req.ReviewID, req.Token, req.ConfirmationPhrase)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleWorkerStatus(w http.ResponseWriter, r *http.Request) {
	status := s.worker.Status()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"worker":        status,
		"sleep_pending": s.worker.SleepPending(),
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.worker.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.worker.Cancel(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	jobID, outcome, err := s.worker.Retry(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if outcome == types.EnqueueDropped {
		writeJSON(w, http.StatusServiceUnavailable,
			map[string]string{"error": "index_job_enqueue_failed", "reason": "queue_full"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"job_id": jobID, "outcome": outcome})
}

func (s *Server) handleRebuild(w http.ResponseWriter, r *http.Request) {
	s.enqueue(w, types.TaskRebuildIndex, 0, "http rebuild")
}

func (s *Server) handleReindex(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.enqueue(w, types.TaskReindexMemory, id, "http reindex")
}

func (s *Server) handleSleepConsolidation(w http.ResponseWriter, r *http.Request) {
	s.enqueue(w, types.TaskSleepConsolidation, 0, "http sleep consolidation")
}

// enqueue reports the wire contract {job_id, queued, deduped, dropped};
// a full queue is a 503 so operators can tell backpressure from success.
func (s *Server) enqueue(w http.ResponseWriter, taskType string, memoryID int64, reason string) {
	jobID, outcome := s.worker.Enqueue(taskType, memoryID, reason)
	if outcome == types.EnqueueDropped {
		writeJSON(w, http.StatusServiceUnavailable,
			map[string]string{"error": "index_job_enqueue_failed", "reason": "queue_full"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"job_id":  jobID,
		"queued":  outcome == types.EnqueueQueued,
		"deduped": outcome == types.EnqueueDeduped,
		"dropped": false,
	})
}

func pathID(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, types.NewError(types.KindInvalidPath, "id must be a positive integer")
	}
	return id, nil
}
