package resolver

import (
	"context"
	"path/filepath"
	"testing"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/palacehq/palace/internal/storage"
	"github.com/palacehq/palace/internal/storage/sqlite"
	"github.com/palacehq/palace/internal/types"
)

func newTestResolver(t *testing.T) (*Resolver, *sqlite.SQLiteStorage) {
	t.Helper()
	store, err := sqlite.New(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	r := New(store, []string{"core", "notes"}, []string{"core://agent/identity"})
	return r, store
}

func TestParse(t *testing.T) {
	r, _ := newTestResolver(t)

	tests := []struct {
		uri      string
		wantKind string
		domain   string
		path     string
	}{
		{"core://agent/style", "", "core", "agent/style"},
		{"notes://r/1", "", "notes", "r/1"},
		{"system://boot", "", "system", "boot"},
		{"bogus://x", types.KindInvalidDomain, "", ""},
		{"core://", types.KindInvalidPath, "", ""},
		{"core://Agent/Style", types.KindInvalidPath, "", ""},
		{"core://a//b", types.KindInvalidPath, "", ""},
		{"no-scheme", types.KindInvalidPath, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.uri, func(t *testing.T) {
			addr, err := r.Parse(tt.uri)
			if tt.wantKind != "" {
				if types.ErrorKind(err) != tt.wantKind {
					t.Errorf("expected %s, got %v", tt.wantKind, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse failed: %v", err)
			}
			if addr.Domain != tt.domain || addr.Path != tt.path {
				t.Errorf("got %s://%s, want %s://%s", addr.Domain, addr.Path, tt.domain, tt.path)
			}
		})
	}
}

func TestResolve(t *testing.T) {
	r, store := newTestResolver(t)
	ctx := context.Background()

	mem, _, err := store.CreateMemory(ctx, storage.CreateParams{
		Domain: "core", ParentPath: "", Title: "style", Content: "concise",
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	got, entry, err := r.Resolve(ctx, "core://style")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if got.ID != mem.ID || entry.URI() != "core://style" {
		t.Errorf("unexpected resolution: %+v %+v", got, entry)
	}

	_, _, err = r.Resolve(ctx, "core://missing")
	if types.ErrorKind(err) != types.KindAddressNotFound {
		t.Errorf("expected address_not_found, got %v", err)
	}
}

func TestBreadcrumbs(t *testing.T) {
	addr := Address{Domain: "notes", Path: "a/b/c"}
	crumbs := addr.Breadcrumbs()
	want := []string{"notes://a", "notes://a/b", "notes://a/b/c"}
	if len(crumbs) != len(want) {
		t.Fatalf("expected %d crumbs, got %d", len(want), len(crumbs))
	}
	for i := range want {
		if crumbs[i] != want[i] {
			t.Errorf("crumb %d: got %s, want %s", i, crumbs[i], want[i])
		}
	}
}

func TestResolveSystemRecent(t *testing.T) {
	r, store := newTestResolver(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _, err := store.CreateMemory(ctx, storage.CreateParams{
			Domain: "notes", Content: "entry",
		})
		if err != nil {
			t.Fatalf("create failed: %v", err)
		}
	}

	addr, _ := r.Parse("system://recent/2")
	summary, err := r.ResolveSystem(ctx, addr)
	if err != nil {
		t.Fatalf("ResolveSystem failed: %v", err)
	}
	if summary.Kind != "recent" || len(summary.Recent) != 2 {
		t.Errorf("expected 2 recent memories, got %+v", summary)
	}

	addr, _ = r.Parse("system://recent/zero")
	if _, err := r.ResolveSystem(ctx, addr); types.ErrorKind(err) != types.KindInvalidPath {
		t.Errorf("expected invalid_path for bad count, got %v", err)
	}
}

func TestResolveSystemBoot(t *testing.T) {
	r, store := newTestResolver(t)
	ctx := context.Background()

	// the configured core bundle entry is missing; boot still succeeds
	summary, err := r.ResolveSystem(ctx, Address{Domain: "system", Path: "boot"})
	if err != nil {
		t.Fatalf("ResolveSystem failed: %v", err)
	}
	if len(summary.Core) != 1 || !summary.Core[0].Missing {
		t.Errorf("expected one missing core entry, got %+v", summary.Core)
	}

	_, _, err = store.CreateMemory(ctx, storage.CreateParams{
		Domain: "core", ParentPath: "", Title: "agent", Content: "ns",
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	_, _, err = store.CreateMemory(ctx, storage.CreateParams{
		Domain: "core", ParentPath: "agent", Title: "identity", Content: "I am the agent",
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	summary, err = r.ResolveSystem(ctx, Address{Domain: "system", Path: "boot"})
	if err != nil {
		t.Fatalf("ResolveSystem failed: %v", err)
	}
	if summary.Core[0].Missing || summary.Core[0].Content != "I am the agent" {
		t.Errorf("expected populated core entry, got %+v", summary.Core[0])
	}
}

func TestResolveSystemIndex(t *testing.T) {
	r, store := newTestResolver(t)
	ctx := context.Background()

	_, _, err := store.CreateMemory(ctx, storage.CreateParams{Domain: "notes", Content: "x"})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	summary, err := r.ResolveSystem(ctx, Address{Domain: "system", Path: "index"})
	if err != nil {
		t.Fatalf("ResolveSystem failed: %v", err)
	}
	if summary.Counts["notes"] != 1 {
		t.Errorf("expected notes count 1, got %+v", summary.Counts)
	}
}
