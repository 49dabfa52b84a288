package governance

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/rs/zerolog"

	"github.com/palacehq/palace/internal/embed"
	"github.com/palacehq/palace/internal/storage"
	"github.com/palacehq/palace/internal/storage/sqlite"
	"github.com/palacehq/palace/internal/types"
)

func newTestStore(t *testing.T) *sqlite.SQLiteStorage {
	t.Helper()
	store, err := sqlite.New(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func newGovernor(t *testing.T, store *sqlite.SQLiteStorage, sleep SleepConfig) *Governor {
	t.Helper()
	return NewGovernor(store, VitalityConfig{}, sleep, zerolog.Nop())
}

func seedMemory(t *testing.T, store *sqlite.SQLiteStorage, domain, parent, title, content string) *types.Memory {
	t.Helper()
	mem, _, err := store.CreateMemory(context.Background(), storage.CreateParams{
		Domain: domain, ParentPath: parent, Title: title, Content: content,
	})
	if err != nil {
		t.Fatalf("failed to create memory: %v", err)
	}
	return mem
}

// deleteReadySelection deprecates the memory so can_delete holds, then
// returns its current selection.
func deleteReadySelection(t *testing.T, store *sqlite.SQLiteStorage, mem *types.Memory) types.CleanupSelection {
	t.Helper()
	ctx := context.Background()
	entries, err := store.ListPaths(ctx, mem.ID)
	if err != nil {
		t.Fatalf("ListPaths failed: %v", err)
	}
	for _, e := range entries {
		if _, err := store.RemovePath(ctx, e.Domain, e.Path); err != nil {
			t.Fatalf("RemovePath failed: %v", err)
		}
	}
	cur, err := store.GetMemory(ctx, mem.ID)
	if err != nil || cur == nil {
		t.Fatalf("GetMemory failed: %v", err)
	}
	return types.CleanupSelection{
		MemoryID:  cur.ID,
		StateHash: types.CleanupStateHash(cur.ID, cur.ContentHash, cur.VitalityScore, cur.Deprecated),
	}
}

func TestRunDecayOncePerDay(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedMemory(t, store, "notes", "", "a", "decay subject")

	g := newGovernor(t, store, SleepConfig{})
	_, ran, err := g.RunDecay(ctx, false)
	if err != nil {
		t.Fatalf("RunDecay failed: %v", err)
	}
	if !ran {
		t.Fatal("first decay tick should run")
	}

	_, ran, err = g.RunDecay(ctx, false)
	if err != nil {
		t.Fatalf("RunDecay failed: %v", err)
	}
	if ran {
		t.Error("second same-day tick should be a no-op")
	}

	_, ran, err = g.RunDecay(ctx, true)
	if err != nil {
		t.Fatalf("RunDecay failed: %v", err)
	}
	if !ran {
		t.Error("force should bypass the day marker")
	}
}

func TestCleanupTwoPhase(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	c := NewCleanupCoordinator(store, 0, 0, 0)
	selections := []types.CleanupSelection{
		deleteReadySelection(t, store, seedMemory(t, store, "notes", "", "one", "first delete subject")),
		deleteReadySelection(t, store, seedMemory(t, store, "notes", "", "two", "second delete subject")),
	}

	review, err := c.Prepare(ctx, types.CleanupActionDelete, "operator", selections)
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	if review.ConfirmationPhrase != "CONFIRM DELETE 2" {
		t.Errorf("phrase = %q", review.ConfirmationPhrase)
	}

	// wrong phrase: rejected, review stays pending
	_, err = c.Confirm(ctx, review.ReviewID, review.Token, "X")
	if types.ErrorKind(err) != types.KindPhraseMismatch {
		t.Fatalf("expected confirmation_phrase_mismatch, got %v", err)
	}

	result, err := c.Confirm(ctx, review.ReviewID, review.Token, review.ConfirmationPhrase)
	if err != nil {
		t.Fatalf("Confirm failed: %v", err)
	}
	if result.Status != "ok" || result.DeletedCount != 2 {
		t.Errorf("result = %+v, want 2 deletions", result)
	}

	// one-shot: the same arguments no longer match anything
	_, err = c.Confirm(ctx, review.ReviewID, review.Token, review.ConfirmationPhrase)
	if types.ErrorKind(err) != types.KindReviewNotFound {
		t.Errorf("expected review_not_found, got %v", err)
	}
}

func TestCleanupPrepareRejectsStaleState(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	mem := seedMemory(t, store, "notes", "", "stale", "original content")

	sel := types.CleanupSelection{
		MemoryID:  mem.ID,
		StateHash: types.CleanupStateHash(mem.ID, mem.ContentHash, mem.VitalityScore, mem.Deprecated),
	}
	// Mutate after the client reviewed it.
	if _, err := store.ReplaceContent(ctx, mem.ID, "changed content"); err != nil {
		t.Fatalf("ReplaceContent failed: %v", err)
	}

	c := NewCleanupCoordinator(store, 0, 0, 0)
	_, err := c.Prepare(ctx, types.CleanupActionDelete, "operator", []types.CleanupSelection{sel})
	if types.ErrorKind(err) != types.KindStaleState {
		t.Errorf("expected stale_state, got %v", err)
	}
}

func TestCleanupDeleteSkipsLivePaths(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	mem := seedMemory(t, store, "notes", "", "alive", "still addressed")

	sel := types.CleanupSelection{
		MemoryID:  mem.ID,
		StateHash: types.CleanupStateHash(mem.ID, mem.ContentHash, mem.VitalityScore, mem.Deprecated),
	}
	c := NewCleanupCoordinator(store, 0, 0, 0)
	review, err := c.Prepare(ctx, types.CleanupActionDelete, "operator", []types.CleanupSelection{sel})
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	result, err := c.Confirm(ctx, review.ReviewID, review.Token, review.ConfirmationPhrase)
	if err != nil {
		t.Fatalf("Confirm failed: %v", err)
	}
	if result.SkippedCount != 1 || result.DeletedCount != 0 {
		t.Errorf("result = %+v, want 1 skip", result)
	}
	if got, _ := store.GetMemory(ctx, mem.ID); got == nil {
		t.Error("live memory was deleted")
	}
}

func TestCleanupKeepBumpsVitality(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	mem := seedMemory(t, store, "notes", "", "keeper", "worth keeping")
	if err := store.SetVitality(ctx, mem.ID, 0.1); err != nil {
		t.Fatalf("SetVitality failed: %v", err)
	}
	cur, _ := store.GetMemory(ctx, mem.ID)

	sel := types.CleanupSelection{
		MemoryID:  cur.ID,
		StateHash: types.CleanupStateHash(cur.ID, cur.ContentHash, cur.VitalityScore, cur.Deprecated),
	}
	c := NewCleanupCoordinator(store, 0, 0, 3.0)
	review, err := c.Prepare(ctx, types.CleanupActionKeep, "operator", []types.CleanupSelection{sel})
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	if review.ConfirmationPhrase != "CONFIRM KEEP 1" {
		t.Errorf("phrase = %q", review.ConfirmationPhrase)
	}
	result, err := c.Confirm(ctx, review.ReviewID, review.Token, review.ConfirmationPhrase)
	if err != nil {
		t.Fatalf("Confirm failed: %v", err)
	}
	if result.KeptCount != 1 {
		t.Errorf("result = %+v", result)
	}
	got, _ := store.GetMemory(ctx, mem.ID)
	if got.VitalityScore != 3.0 {
		t.Errorf("vitality = %f, want 3.0", got.VitalityScore)
	}
}

func TestCleanupExpiredReview(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	mem := seedMemory(t, store, "notes", "", "fleeting", "short lived review")

	sel := types.CleanupSelection{
		MemoryID:  mem.ID,
		StateHash: types.CleanupStateHash(mem.ID, mem.ContentHash, mem.VitalityScore, mem.Deprecated),
	}
	c := NewCleanupCoordinator(store, time.Millisecond, 0, 0)
	review, err := c.Prepare(ctx, types.CleanupActionKeep, "operator", []types.CleanupSelection{sel})
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	_, err = c.Confirm(ctx, review.ReviewID, review.Token, review.ConfirmationPhrase)
	if types.ErrorKind(err) != types.KindReviewExpired {
		t.Errorf("expected review_expired, got %v", err)
	}
}

func TestCleanupPendingCap(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	c := NewCleanupCoordinator(store, 0, 2, 0)

	for i := 0; i < 2; i++ {
		mem := seedMemory(t, store, "notes", "", fmt.Sprintf("cap%d", i), "cap subject")
		sel := types.CleanupSelection{
			MemoryID:  mem.ID,
			StateHash: types.CleanupStateHash(mem.ID, mem.ContentHash, mem.VitalityScore, mem.Deprecated),
		}
		if _, err := c.Prepare(ctx, types.CleanupActionKeep, "operator", []types.CleanupSelection{sel}); err != nil {
			t.Fatalf("Prepare %d failed: %v", i, err)
		}
	}

	mem := seedMemory(t, store, "notes", "", "overflow", "cap subject")
	sel := types.CleanupSelection{
		MemoryID:  mem.ID,
		StateHash: types.CleanupStateHash(mem.ID, mem.ContentHash, mem.VitalityScore, mem.Deprecated),
	}
	_, err := c.Prepare(ctx, types.CleanupActionKeep, "operator", []types.CleanupSelection{sel})
	if types.ErrorKind(err) != types.KindPendingReviewsFull {
		t.Errorf("expected pending_reviews_full, got %v", err)
	}
	pending, err := c.PendingCount(ctx)
	if err != nil {
		t.Fatalf("PendingCount failed: %v", err)
	}
	if pending != 2 {
		t.Errorf("pending = %d", pending)
	}
}

func TestCleanupReviewSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	sel := deleteReadySelection(t, store, seedMemory(t, store, "notes", "", "durable", "restart subject"))

	review, err := NewCleanupCoordinator(store, 0, 0, 0).
		Prepare(ctx, types.CleanupActionDelete, "operator", []types.CleanupSelection{sel})
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}

	// A fresh coordinator over the same store sees the pending review: the
	// authorization window lives in the cleanup review table, not in memory.
	c2 := NewCleanupCoordinator(store, 0, 0, 0)
	result, err := c2.Confirm(ctx, review.ReviewID, review.Token, review.ConfirmationPhrase)
	if err != nil {
		t.Fatalf("Confirm after restart failed: %v", err)
	}
	if result.DeletedCount != 1 {
		t.Errorf("result = %+v, want 1 deletion", result)
	}
}

func TestSleepConsolidationPreview(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	embedder := embed.NewHashEmbedder(embed.DefaultDim)

	dupContent := "identical duplicate content for clustering"
	a := seedMemory(t, store, "notes", "", "dup_a", dupContent)
	seedMemory(t, store, "notes", "", "dup_b", dupContent)
	seedMemory(t, store, "notes", "", "unique", "entirely different material about transports")

	// fragments under a shared parent
	seedMemory(t, store, "notes", "frag", "p1", "tiny piece one")
	seedMemory(t, store, "notes", "frag", "p2", "tiny piece two")

	g := newGovernor(t, store, SleepConfig{Embedder: embedder})
	if err := g.RunSleepConsolidation(ctx, nil); err != nil {
		t.Fatalf("RunSleepConsolidation failed: %v", err)
	}

	report, err := g.LastSleepReport(ctx)
	if err != nil || report == nil {
		t.Fatalf("LastSleepReport failed: %v", err)
	}
	if len(report.DedupClusters) != 1 {
		t.Fatalf("dedup clusters = %+v, want 1", report.DedupClusters)
	}
	cluster := report.DedupClusters[0]
	if cluster.CanonicalID != a.ID || len(cluster.DuplicateIDs) != 1 {
		t.Errorf("cluster = %+v", cluster)
	}
	if cluster.Applied {
		t.Error("preview must not apply")
	}

	found := false
	for _, r := range report.Rollups {
		if r.Parent == "notes://frag" {
			found = true
			if r.Applied {
				t.Error("rollup applied in preview mode")
			}
			if len(r.MemberURIs) != 2 {
				t.Errorf("rollup members = %v", r.MemberURIs)
			}
		}
	}
	if !found {
		t.Errorf("fragment rollup missing: %+v", report.Rollups)
	}

	// preview leaves the store untouched
	if got, _, _ := store.GetMemoryByPath(ctx, "notes", "dup_b"); got == nil {
		t.Error("duplicate binding vanished in preview mode")
	}
}

func TestSleepConsolidationApplyDedup(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	embedder := embed.NewHashEmbedder(embed.DefaultDim)

	dupContent := "identical duplicate content for merge"
	a := seedMemory(t, store, "notes", "", "keep", dupContent)
	b := seedMemory(t, store, "notes", "", "fold", dupContent)

	g := newGovernor(t, store, SleepConfig{Embedder: embedder, ApplyDedup: true})
	if err := g.RunSleepConsolidation(ctx, nil); err != nil {
		t.Fatalf("RunSleepConsolidation failed: %v", err)
	}

	// The duplicate's address now resolves to the canonical memory.
	got, _, err := store.GetMemoryByPath(ctx, "notes", "fold")
	if err != nil {
		t.Fatalf("GetMemoryByPath failed: %v", err)
	}
	if got == nil || got.ID != a.ID {
		t.Errorf("fold resolves to %+v, want canonical %d", got, a.ID)
	}
	// The folded record is deprecated.
	folded, _ := store.GetMemory(ctx, b.ID)
	if folded == nil || !folded.Deprecated {
		t.Errorf("duplicate not deprecated: %+v", folded)
	}
}

func TestSleepConsolidationApplyRollup(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	seedMemory(t, store, "notes", "frag", "p1", "tiny piece one")
	seedMemory(t, store, "notes", "frag", "p2", "tiny piece two")

	g := newGovernor(t, store, SleepConfig{ApplyRollup: true})
	if err := g.RunSleepConsolidation(ctx, nil); err != nil {
		t.Fatalf("RunSleepConsolidation failed: %v", err)
	}

	rolled, _, err := store.GetMemoryByPath(ctx, "notes", "frag/rollup")
	if err != nil {
		t.Fatalf("GetMemoryByPath failed: %v", err)
	}
	if rolled == nil {
		t.Fatal("rollup memory missing")
	}
	gist, err := store.GetGist(ctx, rolled.ID, rolled.ContentHash)
	if err != nil {
		t.Fatalf("GetGist failed: %v", err)
	}
	if gist == nil || gist.Method != types.GistMethodRollup {
		t.Errorf("gist = %+v, want sleep_rollup method", gist)
	}
}

func TestSleepWithoutEmbedderDegrades(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedMemory(t, store, "notes", "", "a", "content one")
	seedMemory(t, store, "notes", "", "b", "content two")

	g := newGovernor(t, store, SleepConfig{})
	job := &types.IndexJob{JobID: "idx-0000000000", TaskType: types.TaskSleepConsolidation}
	if err := g.RunSleepConsolidation(ctx, job); err != nil {
		t.Fatalf("RunSleepConsolidation failed: %v", err)
	}
	found := false
	for _, r := range job.DegradeReasons {
		if r == types.DegradeVectorBackendDisabled {
			found = true
		}
	}
	if !found {
		t.Errorf("degrade reasons = %v", job.DegradeReasons)
	}
}

func TestSchedulerRunsDecay(t *testing.T) {
	store := newTestStore(t)
	seedMemory(t, store, "notes", "", "a", "scheduled decay subject")
	g := newGovernor(t, store, SleepConfig{})

	s := NewScheduler(g, time.Hour)
	s.Start()
	defer s.Stop()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		day, err := store.GetMeta(context.Background(), metaLastDecayDay)
		if err == nil && day != "" {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("scheduler never applied decay")
}
