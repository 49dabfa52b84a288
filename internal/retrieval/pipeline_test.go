package retrieval

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

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

func seedVectors(t *testing.T, store *sqlite.SQLiteStorage, e embed.Embedder, mem *types.Memory) {
	t.Helper()
	ctx := context.Background()
	vecs, err := e.Embed(ctx, []string{mem.Content})
	if err != nil {
		t.Fatalf("embed failed: %v", err)
	}
	if err := store.StoreVectors(ctx, mem.ID, vecs); err != nil {
		t.Fatalf("StoreVectors failed: %v", err)
	}
}

type failingEmbedder struct{}

func (failingEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, errors.New("endpoint unreachable")
}

func (failingEmbedder) Backend() string { return "api" }

func TestSearchKeywordMode(t *testing.T) {
	store := newTestStore(t)
	seedMemory(t, store, "notes", "deploys", "weekly deploy train schedule")
	seedMemory(t, store, "notes", "tests", "storage layer test conventions")

	p := New(store, Options{})
	resp, err := p.Search(context.Background(), Request{Query: "deploy train", Mode: ModeKeyword})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if !resp.OK || resp.Degraded {
		t.Fatalf("unexpected response flags: %+v", resp)
	}
	if resp.ModeApplied != ModeKeyword {
		t.Errorf("mode_applied = %s", resp.ModeApplied)
	}
	if len(resp.Results) == 0 || resp.Results[0].URI != "notes://deploys" {
		t.Errorf("unexpected results: %+v", resp.Results)
	}
	if resp.Counts.Returned != len(resp.Results) || resp.Counts.Global != len(resp.Results) {
		t.Errorf("counts inconsistent: %+v", resp.Counts)
	}
}

func TestSearchHybridDegradesToKeyword(t *testing.T) {
	store := newTestStore(t)
	seedMemory(t, store, "notes", "alpha", "alpha release checklist")

	p := New(store, Options{Embedder: failingEmbedder{}})
	resp, err := p.Search(context.Background(), Request{Query: "alpha", Mode: ModeHybrid})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if !resp.OK {
		t.Error("degraded search must still report ok")
	}
	if resp.ModeApplied != ModeKeyword {
		t.Errorf("mode_applied = %s, want keyword", resp.ModeApplied)
	}
	if !resp.Degraded {
		t.Error("degraded flag not set")
	}
	found := false
	for _, r := range resp.DegradeReasons {
		if r == types.DegradeEmbeddingRequestFailed {
			found = true
		}
	}
	if !found {
		t.Errorf("degrade reasons = %v", resp.DegradeReasons)
	}
	if len(resp.Results) == 0 {
		t.Error("keyword results should survive the vector degrade")
	}
}

func TestSearchHybridUsesVectors(t *testing.T) {
	store := newTestStore(t)
	embedder := embed.NewHashEmbedder(embed.DefaultDim)
	mem := seedMemory(t, store, "notes", "caching", "redis cache eviction policy tuning")
	seedVectors(t, store, embedder, mem)

	p := New(store, Options{Embedder: embedder})
	resp, err := p.Search(context.Background(), Request{
		Query: "redis cache eviction policy tuning", Mode: ModeHybrid,
	})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if resp.Degraded {
		t.Errorf("unexpected degrade: %v", resp.DegradeReasons)
	}
	if resp.ModeApplied != ModeHybrid {
		t.Errorf("mode_applied = %s", resp.ModeApplied)
	}
	if len(resp.Results) == 0 || resp.Results[0].MemoryID != mem.ID {
		t.Errorf("unexpected results: %+v", resp.Results)
	}
}

func TestSearchTemporalIntentFiltersWindow(t *testing.T) {
	store := newTestStore(t)
	fresh := seedMemory(t, store, "notes", "standup", "team meetings agenda for the sprint")
	stale := seedMemory(t, store, "notes", "archive", "old team meetings archive")

	// Push the stale record outside any recent window.
	_, err := store.UnderlyingDB().Exec(
		`UPDATE memories SET updated_at = ? WHERE id = ?`,
		time.Now().UTC().AddDate(0, -6, 0), stale.ID)
	if err != nil {
		t.Fatalf("failed to backdate memory: %v", err)
	}

	p := New(store, Options{})
	resp, err := p.Search(context.Background(), Request{Query: "meetings yesterday", Mode: ModeKeyword})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if resp.Intent != IntentTemporal {
		t.Errorf("intent = %s, want temporal", resp.Intent)
	}
	if resp.StrategyTemplate != "temporal_time_filtered" {
		t.Errorf("template = %s", resp.StrategyTemplate)
	}
	for _, r := range resp.Results {
		if r.MemoryID == stale.ID {
			t.Error("stale memory leaked through the time window")
		}
	}
	found := false
	for _, r := range resp.Results {
		if r.MemoryID == fresh.ID {
			found = true
		}
	}
	if !found {
		t.Error("fresh memory missing from temporal results")
	}
}

func TestSearchEmptyQuery(t *testing.T) {
	p := New(newTestStore(t), Options{})
	resp, err := p.Search(context.Background(), Request{Query: "   !!! ???"})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if !resp.OK || !resp.Degraded {
		t.Errorf("flags = ok:%v degraded:%v", resp.OK, resp.Degraded)
	}
	if len(resp.DegradeReasons) != 1 || resp.DegradeReasons[0] != types.DegradeEmptyQuery {
		t.Errorf("degrade reasons = %v", resp.DegradeReasons)
	}
	if len(resp.Results) != 0 {
		t.Errorf("results = %+v", resp.Results)
	}
}

func TestSearchValidation(t *testing.T) {
	p := New(newTestStore(t), Options{})
	if _, err := p.Search(context.Background(), Request{Query: "x", MaxResults: 51}); err == nil {
		t.Error("max_results 51 should be rejected")
	}
	if _, err := p.Search(context.Background(), Request{Query: "x", Multiplier: 21}); err == nil {
		t.Error("candidate_multiplier 21 should be rejected")
	}
	if _, err := p.Search(context.Background(), Request{Query: "x", Mode: "fuzzy"}); err == nil {
		t.Error("unknown mode should be rejected")
	}
}

func TestSearchMaxResultsCut(t *testing.T) {
	store := newTestStore(t)
	for i := 0; i < 5; i++ {
		seedMemory(t, store, "notes", "", "shared keyword corpus entry")
	}
	p := New(store, Options{})
	resp, err := p.Search(context.Background(), Request{
		Query: "shared keyword corpus", Mode: ModeKeyword, MaxResults: 2,
	})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(resp.Results) > 2 {
		t.Errorf("results = %d, want at most 2", len(resp.Results))
	}
}

func TestSearchSessionInclusion(t *testing.T) {
	store := newTestStore(t)
	mem := seedMemory(t, store, "notes", "session_note", "context from the current working session")
	seedMemory(t, store, "notes", "global_note", "matching global corpus entry")

	ring := NewSessionRing(0)
	ring.Touch("s1", mem.ID)

	p := New(store, Options{Ring: ring})
	resp, err := p.Search(context.Background(), Request{
		Query:          "matching global corpus",
		Mode:           ModeKeyword,
		IncludeSession: true,
		SessionID:      "s1",
	})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	var sessionSeen bool
	for _, r := range resp.Results {
		if r.MemoryID == mem.ID {
			sessionSeen = true
			if r.Source != types.SourceSession {
				t.Errorf("session hit tagged %s", r.Source)
			}
		}
	}
	if !sessionSeen {
		t.Fatal("session seed missing from results")
	}
	if resp.Counts.Session != 1 {
		t.Errorf("session count = %d, want 1", resp.Counts.Session)
	}
}

func TestSearchFilters(t *testing.T) {
	store := newTestStore(t)
	seedMemory(t, store, "core", "keep", "filter corpus entry one")
	noisy := seedMemory(t, store, "notes", "drop", "filter corpus entry two")

	p := New(store, Options{})
	resp, err := p.Search(context.Background(), Request{
		Query:   "filter corpus entry",
		Mode:    ModeKeyword,
		Filters: Filters{Domain: "core"},
	})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	for _, r := range resp.Results {
		if r.MemoryID == noisy.ID {
			t.Error("domain filter leaked a notes:// memory")
		}
	}
	if len(resp.Results) == 0 {
		t.Error("core memory missing")
	}

	max := 0
	p2 := New(store, Options{})
	resp, err = p2.Search(context.Background(), Request{
		Query:   "filter corpus entry",
		Mode:    ModeKeyword,
		Filters: Filters{MaxPriority: &max},
	})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(resp.Results) != 2 {
		t.Errorf("priority 0 records should pass max_priority 0, got %d", len(resp.Results))
	}
}

type fixedReranker struct {
	scores []float64
	err    error
}

func (f fixedReranker) Rerank(ctx context.Context, query string, docs []string) ([]float64, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([]float64, len(docs))
	copy(out, f.scores)
	return out, nil
}

func TestSearchRerankBlends(t *testing.T) {
	store := newTestStore(t)
	seedMemory(t, store, "notes", "first", "rerank corpus shared text")
	seedMemory(t, store, "notes", "second", "rerank corpus shared text body")

	// The reranker strongly prefers whichever document arrives second in
	// base order; the blend must lift it to the top.
	p := New(store, Options{
		Reranker:     fixedReranker{scores: []float64{0, 1}},
		RerankWeight: 5,
	})
	resp, err := p.Search(context.Background(), Request{Query: "rerank corpus shared", Mode: ModeKeyword})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(resp.Results) < 2 {
		t.Fatalf("need two results, got %d", len(resp.Results))
	}
	if resp.Results[0].Score <= resp.Results[1].Score {
		t.Errorf("results not score-ordered: %+v", resp.Results)
	}
	if resp.Results[0].Score < 4 {
		t.Errorf("rerank blend not applied, top score %f", resp.Results[0].Score)
	}
}

func TestSearchRerankFailureDegrades(t *testing.T) {
	store := newTestStore(t)
	seedMemory(t, store, "notes", "a", "degrade corpus entry one")
	seedMemory(t, store, "notes", "b", "degrade corpus entry two")

	p := New(store, Options{Reranker: fixedReranker{err: errors.New("down")}})
	resp, err := p.Search(context.Background(), Request{Query: "degrade corpus entry", Mode: ModeKeyword})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	found := false
	for _, r := range resp.DegradeReasons {
		if r == types.DegradeRerankerRequestFailed {
			found = true
		}
	}
	if !found || !resp.Degraded {
		t.Errorf("rerank failure not reported: %v", resp.DegradeReasons)
	}
	if len(resp.Results) == 0 {
		t.Error("base-ordered results should survive a rerank failure")
	}
}
