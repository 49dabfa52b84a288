package ledger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/palacehq/palace/internal/lane"
	"github.com/palacehq/palace/internal/storage"
	"github.com/palacehq/palace/internal/storage/sqlite"
	"github.com/palacehq/palace/internal/types"
)

func newTestLedger(t *testing.T) (*Ledger, *sqlite.SQLiteStorage) {
	t.Helper()
	store, err := sqlite.New(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return New(store, lane.New(4, time.Second)), store
}

func mustCreate(t *testing.T, store *sqlite.SQLiteStorage, domain, title, content string) (*types.Memory, *types.PathEntry) {
	t.Helper()
	mem, entry, err := store.CreateMemory(context.Background(), storage.CreateParams{
		Domain: domain, Title: title, Content: content,
	})
	if err != nil {
		t.Fatalf("failed to create memory: %v", err)
	}
	return mem, entry
}

func TestRollbackRestoresContent(t *testing.T) {
	ctx := context.Background()
	l, store := newTestLedger(t)
	mem, _ := mustCreate(t, store, "core", "rules", "A")

	if err := l.CaptureMemory(ctx, "s1", types.OpModifyContent, mem); err != nil {
		t.Fatalf("CaptureMemory failed: %v", err)
	}
	if _, err := store.ReplaceContent(ctx, mem.ID, "B"); err != nil {
		t.Fatalf("ReplaceContent failed: %v", err)
	}

	resourceID := types.MemoryResourceID(mem.ID)
	if err := l.Rollback(ctx, "s1", resourceID); err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}

	live, _, err := store.GetMemoryByPath(ctx, "core", "rules")
	if err != nil {
		t.Fatalf("GetMemoryByPath failed: %v", err)
	}
	if live == nil || live.Content != "A" {
		t.Fatalf("content after rollback = %+v, want A", live)
	}

	// The snapshot is consumed: diff afterward reports review_not_found.
	if _, err := l.Diff(ctx, "s1", resourceID); types.ErrorKind(err) != types.KindReviewNotFound {
		t.Errorf("expected review_not_found after rollback, got %v", err)
	}
}

func TestRollbackUndoesCreate(t *testing.T) {
	ctx := context.Background()
	l, store := newTestLedger(t)
	mem, _ := mustCreate(t, store, "notes", "scratch", "temporary")

	if err := l.CaptureMemory(ctx, "s1", types.OpCreate, mem); err != nil {
		t.Fatalf("CaptureMemory failed: %v", err)
	}

	if err := l.Rollback(ctx, "s1", types.MemoryResourceID(mem.ID)); err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}
	got, err := store.GetMemory(ctx, mem.ID)
	if err != nil {
		t.Fatalf("GetMemory failed: %v", err)
	}
	if got != nil {
		t.Errorf("memory survived create rollback: %+v", got)
	}
}

func TestRollbackRestoresDeletedPaths(t *testing.T) {
	ctx := context.Background()
	l, store := newTestLedger(t)
	mem, entry := mustCreate(t, store, "notes", "keep", "do not lose this")

	if err := l.CaptureMemory(ctx, "s1", types.OpDelete, mem); err != nil {
		t.Fatalf("CaptureMemory failed: %v", err)
	}
	if _, err := store.RemovePath(ctx, entry.Domain, entry.Path); err != nil {
		t.Fatalf("RemovePath failed: %v", err)
	}
	if got, _, _ := store.GetMemoryByPath(ctx, "notes", "keep"); got != nil {
		t.Fatal("path should be gone before rollback")
	}

	if err := l.Rollback(ctx, "s1", types.MemoryResourceID(mem.ID)); err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}
	got, _, err := store.GetMemoryByPath(ctx, "notes", "keep")
	if err != nil {
		t.Fatalf("GetMemoryByPath failed: %v", err)
	}
	if got == nil || got.ID != mem.ID || got.Deprecated {
		t.Errorf("memory not revived: %+v", got)
	}
}

func TestRollbackRemovesCreatedAlias(t *testing.T) {
	ctx := context.Background()
	l, store := newTestLedger(t)
	mem, _ := mustCreate(t, store, "notes", "origin", "aliased content")

	if err := l.CapturePath(ctx, "s1", types.OpCreateAlias, "notes", "alias", 0, false); err != nil {
		t.Fatalf("CapturePath failed: %v", err)
	}
	if _, err := store.AddPath(ctx, "notes", "alias", mem.ID); err != nil {
		t.Fatalf("AddPath failed: %v", err)
	}

	if err := l.Rollback(ctx, "s1", "notes://alias"); err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}
	if got, _, _ := store.GetMemoryByPath(ctx, "notes", "alias"); got != nil {
		t.Errorf("alias survived rollback: %+v", got)
	}
	// The original binding is untouched.
	if got, _, _ := store.GetMemoryByPath(ctx, "notes", "origin"); got == nil {
		t.Error("origin binding lost")
	}
}

func TestRollbackRestoresMeta(t *testing.T) {
	ctx := context.Background()
	l, store := newTestLedger(t)
	mem, _ := mustCreate(t, store, "notes", "prio", "meta target")

	if err := l.CaptureMemory(ctx, "s1", types.OpModifyMeta, mem); err != nil {
		t.Fatalf("CaptureMemory failed: %v", err)
	}
	p := 5
	if _, err := store.UpdateMeta(ctx, mem.ID, storage.MetaPatch{Priority: &p}); err != nil {
		t.Fatalf("UpdateMeta failed: %v", err)
	}

	if err := l.Rollback(ctx, "s1", types.MemoryResourceID(mem.ID)); err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}
	got, err := store.GetMemory(ctx, mem.ID)
	if err != nil {
		t.Fatalf("GetMemory failed: %v", err)
	}
	if got.Priority != mem.Priority {
		t.Errorf("priority = %d, want %d", got.Priority, mem.Priority)
	}
}

func TestDiffReportsChange(t *testing.T) {
	ctx := context.Background()
	l, store := newTestLedger(t)
	mem, _ := mustCreate(t, store, "core", "rules", "A")

	if err := l.CaptureMemory(ctx, "s1", types.OpModifyContent, mem); err != nil {
		t.Fatalf("CaptureMemory failed: %v", err)
	}
	if _, err := store.ReplaceContent(ctx, mem.ID, "B"); err != nil {
		t.Fatalf("ReplaceContent failed: %v", err)
	}

	diff, err := l.Diff(ctx, "s1", types.MemoryResourceID(mem.ID))
	if err != nil {
		t.Fatalf("Diff failed: %v", err)
	}
	if !diff.Changed {
		t.Error("diff should report a change")
	}
	if diff.OperationType != types.OpModifyContent {
		t.Errorf("operation type = %s", diff.OperationType)
	}
}

func TestApproveRemovesWithoutMutating(t *testing.T) {
	ctx := context.Background()
	l, store := newTestLedger(t)
	mem, _ := mustCreate(t, store, "core", "rules", "A")

	if err := l.CaptureMemory(ctx, "s1", types.OpModifyContent, mem); err != nil {
		t.Fatalf("CaptureMemory failed: %v", err)
	}
	updated, err := store.ReplaceContent(ctx, mem.ID, "B")
	if err != nil {
		t.Fatalf("ReplaceContent failed: %v", err)
	}

	if err := l.Approve(ctx, "s1", types.MemoryResourceID(mem.ID)); err != nil {
		t.Fatalf("Approve failed: %v", err)
	}
	got, err := store.GetMemory(ctx, updated.ID)
	if err != nil {
		t.Fatalf("GetMemory failed: %v", err)
	}
	if got.Content != "B" {
		t.Errorf("approve mutated the store: %q", got.Content)
	}
	if err := l.Approve(ctx, "s1", types.MemoryResourceID(mem.ID)); types.ErrorKind(err) != types.KindReviewNotFound {
		t.Errorf("second approve should report review_not_found, got %v", err)
	}
}

func TestClearRemovesAllSessionSnapshots(t *testing.T) {
	ctx := context.Background()
	l, store := newTestLedger(t)
	a, _ := mustCreate(t, store, "notes", "a", "one")
	b, _ := mustCreate(t, store, "notes", "b", "two")

	for _, mem := range []*types.Memory{a, b} {
		if err := l.CaptureMemory(ctx, "s1", types.OpModifyContent, mem); err != nil {
			t.Fatalf("CaptureMemory failed: %v", err)
		}
	}
	n, err := l.Clear(ctx, "s1")
	if err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if n != 2 {
		t.Errorf("cleared %d snapshots, want 2", n)
	}
	snaps, err := l.List(ctx, "s1")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(snaps) != 0 {
		t.Errorf("%d snapshots remain after clear", len(snaps))
	}
}

func TestDiscardDropsSnapshot(t *testing.T) {
	ctx := context.Background()
	l, store := newTestLedger(t)
	mem, _ := mustCreate(t, store, "notes", "a", "one")

	if err := l.CaptureMemory(ctx, "s1", types.OpModifyContent, mem); err != nil {
		t.Fatalf("CaptureMemory failed: %v", err)
	}
	if err := l.Discard(ctx, "s1", types.MemoryResourceID(mem.ID)); err != nil {
		t.Fatalf("Discard failed: %v", err)
	}
	snaps, err := l.List(ctx, "s1")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(snaps) != 0 {
		t.Errorf("snapshot survived discard")
	}
}

func TestSplitURI(t *testing.T) {
	tests := []struct {
		uri          string
		domain, path string
		ok           bool
	}{
		{"notes://a/b", "notes", "a/b", true},
		{"core://rules", "core", "rules", true},
		{"no-scheme", "", "", false},
		{"://x", "", "", false},
	}
	for _, tt := range tests {
		domain, path, ok := splitURI(tt.uri)
		if domain != tt.domain || path != tt.path || ok != tt.ok {
			t.Errorf("splitURI(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tt.uri, domain, path, ok, tt.domain, tt.path, tt.ok)
		}
	}
}
