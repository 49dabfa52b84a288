package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/rs/zerolog"

	"github.com/palacehq/palace/internal/governance"
	"github.com/palacehq/palace/internal/indexer"
	"github.com/palacehq/palace/internal/storage"
	"github.com/palacehq/palace/internal/storage/sqlite"
	"github.com/palacehq/palace/internal/types"
)

const testKey = "test-api-key"

type env struct {
	server *Server
	store  *sqlite.SQLiteStorage
	worker *indexer.Worker
}

func newEnv(t *testing.T, startWorker bool) *env {
	t.Helper()
	store, err := sqlite.New(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	governor := governance.NewGovernor(store, governance.VitalityConfig{}, governance.SleepConfig{}, zerolog.Nop())
	cleanup := governance.NewCleanupCoordinator(store, time.Minute, 8, 0)
	worker := indexer.New(store, indexer.Options{})
	if startWorker {
		worker.Start()
		t.Cleanup(worker.Stop)
	}

	server := New(store, Options{
		Governor: governor,
		Cleanup:  cleanup,
		Worker:   worker,
		Domains:  []string{"core", "notes"},
		APIKey:   testKey,
	})
	return &env{server: server, store: store, worker: worker}
}

func seedMemory(t *testing.T, store *sqlite.SQLiteStorage, domain, title, content string) *types.Memory {
	t.Helper()
	mem, _, err := store.CreateMemory(context.Background(), storage.CreateParams{
		Domain: domain, Title: title, Content: content,
	})
	if err != nil {
		t.Fatalf("failed to create memory: %v", err)
	}
	return mem
}

func request(t *testing.T, e *env, method, path, key string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = "203.0.113.9:55555"
	if key != "" {
		req.Header.Set("X-MCP-API-Key", key)
	}
	rec := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, into interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), into); err != nil {
		t.Fatalf("failed to decode %q: %v", rec.Body.String(), err)
	}
}

func TestAuthRejectsMissingKey(t *testing.T) {
	e := newEnv(t, false)
	rec := request(t, e, http.MethodGet, "/maintenance/orphans", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]string
	decode(t, rec, &body)
	if body["error"] != ReasonInvalidOrMissingKey {
		t.Errorf("error = %q", body["error"])
	}
}

func TestAuthAcceptsHeaderAndBearer(t *testing.T) {
	e := newEnv(t, false)

	rec := request(t, e, http.MethodGet, "/maintenance/orphans", testKey, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("header auth status = %d: %s", rec.Code, rec.Body.String())
	}

	req := httptest.NewRequest(http.MethodGet, "/maintenance/orphans", nil)
	req.Header.Set("Authorization", "Bearer "+testKey)
	out := httptest.NewRecorder()
	e.server.Router().ServeHTTP(out, req)
	if out.Code != http.StatusOK {
		t.Errorf("bearer auth status = %d", out.Code)
	}
}

func TestAuthKeyNotConfigured(t *testing.T) {
	e := newEnv(t, false)
	e.server.apiKey = ""

	rec := request(t, e, http.MethodGet, "/maintenance/orphans", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]string
	decode(t, rec, &body)
	if body["error"] != ReasonKeyNotConfigured {
		t.Errorf("error = %q", body["error"])
	}
}

func TestAuthInsecureLocalRequiresLoopback(t *testing.T) {
	e := newEnv(t, false)
	e.server.apiKey = ""
	e.server.allowInsecureLocal = true

	// remote client: rejected with the specific reason
	rec := request(t, e, http.MethodGet, "/maintenance/orphans", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]string
	decode(t, rec, &body)
	if body["error"] != ReasonInsecureLocalLoopback {
		t.Errorf("error = %q", body["error"])
	}

	// loopback client: admitted
	req := httptest.NewRequest(http.MethodGet, "/maintenance/orphans", nil)
	req.RemoteAddr = "127.0.0.1:44444"
	out := httptest.NewRecorder()
	e.server.Router().ServeHTTP(out, req)
	if out.Code != http.StatusOK {
		t.Errorf("loopback status = %d", out.Code)
	}
}

func TestBrowseTreeUnauthenticated(t *testing.T) {
	e := newEnv(t, false)
	seedMemory(t, e.store, "notes", "a", "tree content")

	rec := request(t, e, http.MethodGet, "/browse/tree", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Domains map[string][]treeNode `json:"domains"`
	}
	decode(t, rec, &body)
	if len(body.Domains["notes"]) != 1 || body.Domains["notes"][0].URI != "notes://a" {
		t.Errorf("tree = %+v", body.Domains)
	}
}

func TestOrphanLifecycle(t *testing.T) {
	e := newEnv(t, false)
	mem := seedMemory(t, e.store, "notes", "orphan", "orphan content")
	if _, err := e.store.RemovePath(context.Background(), "notes", "orphan"); err != nil {
		t.Fatalf("RemovePath failed: %v", err)
	}

	rec := request(t, e, http.MethodGet, "/maintenance/orphans", testKey, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	var listed struct {
		Orphans []types.Memory `json:"orphans"`
	}
	decode(t, rec, &listed)
	if len(listed.Orphans) != 1 || listed.Orphans[0].ID != mem.ID {
		t.Fatalf("orphans = %+v", listed.Orphans)
	}

	rec = request(t, e, http.MethodDelete, fmt.Sprintf("/maintenance/orphans/%d", mem.ID), testKey, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d: %s", rec.Code, rec.Body.String())
	}
	if got, _ := e.store.GetMemory(context.Background(), mem.ID); got != nil {
		t.Error("orphan not deleted")
	}
}

func TestDeleteOrphanRefusesLiveMemory(t *testing.T) {
	e := newEnv(t, false)
	mem := seedMemory(t, e.store, "notes", "alive", "still addressed")

	rec := request(t, e, http.MethodDelete, fmt.Sprintf("/maintenance/orphans/%d", mem.ID), testKey, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
}

func TestDecayEndpoint(t *testing.T) {
	e := newEnv(t, false)
	seedMemory(t, e.store, "notes", "d", "decay subject")

	rec := request(t, e, http.MethodPost, "/maintenance/vitality/decay", testKey, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Ran bool `json:"ran"`
	}
	decode(t, rec, &body)
	if !body.Ran {
		t.Error("first decay tick should run")
	}
}

func TestCleanupWireContract(t *testing.T) {
	e := newEnv(t, false)
	mem := seedMemory(t, e.store, "notes", "doomed", "cleanup subject")
	if _, err := e.store.RemovePath(context.Background(), "notes", "doomed"); err != nil {
		t.Fatalf("RemovePath failed: %v", err)
	}
	cur, _ := e.store.GetMemory(context.Background(), mem.ID)

	prepare := map[string]interface{}{
		"action":   "delete",
		"reviewer": "operator",
		"selections": []types.CleanupSelection{{
			MemoryID:  cur.ID,
			StateHash: types.CleanupStateHash(cur.ID, cur.ContentHash, cur.VitalityScore, cur.Deprecated),
		}},
	}
	rec := request(t, e, http.MethodPost, "/maintenance/vitality/cleanup/prepare", testKey, prepare)
	if rec.Code != http.StatusOK {
		t.Fatalf("prepare status = %d: %s", rec.Code, rec.Body.String())
	}
	var prepared struct {
		Review types.CleanupReview `json:"review"`
	}
	decode(t, rec, &prepared)
	if prepared.Review.ReviewID == "" || prepared.Review.Token == "" {
		t.Fatalf("review = %+v", prepared.Review)
	}

	// wrong phrase: 409 confirmation_phrase_mismatch
	rec = request(t, e, http.MethodPost, "/maintenance/vitality/cleanup/confirm", testKey, map[string]string{
		"review_id":           prepared.Review.ReviewID,
		"token":               prepared.Review.Token,
		"confirmation_phrase": "WRONG",
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("mismatch status = %d", rec.Code)
	}

	rec = request(t, e, http.MethodPost, "/maintenance/vitality/cleanup/confirm", testKey, map[string]string{
		"review_id":           prepared.Review.ReviewID,
		"token":               prepared.Review.Token,
		"confirmation_phrase": prepared.Review.ConfirmationPhrase,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("confirm status = %d: %s", rec.Code, rec.Body.String())
	}
	var result governance.ConfirmResult
	decode(t, rec, &result)
	if result.Status != "ok" || result.DeletedCount != 1 {
		t.Errorf("result = %+v", result)
	}

	// one-shot: 404 review_not_found
	rec = request(t, e, http.MethodPost, "/maintenance/vitality/cleanup/confirm", testKey, map[string]string{
		"review_id":           prepared.Review.ReviewID,
		"token":               prepared.Review.Token,
		"confirmation_phrase": prepared.Review.ConfirmationPhrase,
	})
	if rec.Code != http.StatusNotFound {
		t.Errorf("replay status = %d", rec.Code)
	}
}

func TestIndexEndpoints(t *testing.T) {
	e := newEnv(t, true)
	mem := seedMemory(t, e.store, "notes", "idx", "index subject")

	rec := request(t, e, http.MethodPost, fmt.Sprintf("/maintenance/index/reindex/%d", mem.ID), testKey, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("reindex status = %d: %s", rec.Code, rec.Body.String())
	}
	var enq struct {
		JobID  string `json:"job_id"`
		Queued bool   `json:"queued"`
	}
	decode(t, rec, &enq)
	if enq.JobID == "" || !enq.Queued {
		t.Fatalf("enqueue = %+v", enq)
	}

	if _, err := e.worker.Wait(context.Background(), enq.JobID, 10*time.Second); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}

	rec = request(t, e, http.MethodGet, "/maintenance/index/job/"+enq.JobID, testKey, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get job status = %d", rec.Code)
	}
	var job types.IndexJob
	decode(t, rec, &job)
	if job.State != types.JobSucceeded {
		t.Errorf("job = %+v", job)
	}

	rec = request(t, e, http.MethodGet, "/maintenance/index/worker", testKey, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("worker status = %d", rec.Code)
	}

	rec = request(t, e, http.MethodGet, "/maintenance/index/job/idx-nope", testKey, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown job status = %d", rec.Code)
	}
}

func TestRebuildQueueFull(t *testing.T) {
	e := newEnv(t, false)
	// capacity-1 worker, never started, so the slot stays occupied
	e.server.worker = indexer.New(e.store, indexer.Options{QueueCapacity: 1})
	e.server.worker.Enqueue(types.TaskReindexMemory, 42, "fill the queue")

	rec := request(t, e, http.MethodPost, "/maintenance/index/rebuild", testKey, nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var body map[string]string
	decode(t, rec, &body)
	if body["error"] != "index_job_enqueue_failed" || body["reason"] != "queue_full" {
		t.Errorf("body = %+v", body)
	}
}

func TestCancelFinalizedJobConflicts(t *testing.T) {
	e := newEnv(t, true)
	mem := seedMemory(t, e.store, "notes", "c", "cancel subject")

	jobID, _ := e.worker.Enqueue(types.TaskReindexMemory, mem.ID, "seed")
	if _, err := e.worker.Wait(context.Background(), jobID, 10*time.Second); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}

	rec := request(t, e, http.MethodPost, "/maintenance/index/job/"+jobID+"/cancel", testKey, nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d: %s", rec.Code, rec.Body.String())
	}
}
