// Package ledger records per-session pre-mutation snapshots and replays
// them: list, diff, rollback, approve, clear. Snapshots are captured
// before any store mutation so a session's writes stay reviewable.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/palacehq/palace/internal/lane"
	"github.com/palacehq/palace/internal/storage"
	"github.com/palacehq/palace/internal/types"
)

// Ledger owns the snapshot table. Rollback is itself a write and goes
// through the write lane.
type Ledger struct {
	store storage.Storage
	lane  *lane.Lane
}

// New builds a ledger over the store and lane.
func New(store storage.Storage, l *lane.Lane) *Ledger {
	return &Ledger{store: store, lane: l}
}

// MemoryPreState is the pre-mutation image of a memory record, including
// the paths that pointed at it when the snapshot was taken.
type MemoryPreState struct {
	MemoryID   int64    `json:"memory_id"`
	Content    string   `json:"content"`
	Title      string   `json:"title,omitempty"`
	Priority   int      `json:"priority"`
	Disclosure string   `json:"disclosure,omitempty"`
	Deprecated bool     `json:"deprecated"`
	Paths      []string `json:"paths,omitempty"`
	Existed    bool     `json:"existed"`
}

// PathPreState is the pre-mutation image of a single address binding.
type PathPreState struct {
	Domain   string `json:"domain"`
	Path     string `json:"path"`
	MemoryID int64  `json:"memory_id,omitempty"`
	Existed  bool   `json:"existed"`
}

// CaptureMemory saves the pre-state of a memory before a content or
// metadata mutation. For creates the pre-state is the absent record.
func (l *Ledger) CaptureMemory(ctx context.Context, sessionID, opType string, mem *types.Memory) error {
	pre := MemoryPreState{}
	resourceID := ""
	if mem != nil {
		entries, err := l.store.ListPaths(ctx, mem.ID)
		if err != nil {
			return err
		}
		uris := make([]string, 0, len(entries))
		for _, e := range entries {
			uris = append(uris, e.URI())
		}
		pre = MemoryPreState{
			MemoryID:   mem.ID,
			Content:    mem.Content,
			Title:      mem.Title,
			Priority:   mem.Priority,
			Disclosure: mem.Disclosure,
			Deprecated: mem.Deprecated,
			Paths:      uris,
			Existed:    true,
		}
		resourceID = types.MemoryResourceID(mem.ID)
	}
	if resourceID == "" {
		return fmt.Errorf("memory snapshot requires an existing record")
	}
	return l.save(ctx, sessionID, resourceID, types.ResourceTypeMemory, opType, pre)
}

// CapturePath saves the pre-state of an address binding. existed=false
// records an absent binding, which rollback removes again.
func (l *Ledger) CapturePath(ctx context.Context, sessionID, opType, domain, path string, memoryID int64, existed bool) error {
	pre := PathPreState{Domain: domain, Path: path, MemoryID: memoryID, Existed: existed}
	resourceID := domain + "://" + path
	return l.save(ctx, sessionID, resourceID, types.ResourceTypePath, opType, pre)
}

func (l *Ledger) save(ctx context.Context, sessionID, resourceID, resourceType, opType string, pre interface{}) error {
	blob, err := json.Marshal(pre)
	if err != nil {
		return fmt.Errorf("failed to encode pre-state: %w", err)
	}
	return l.store.SaveSnapshot(ctx, &types.Snapshot{
		SessionID:     sessionID,
		ResourceID:    resourceID,
		ResourceType:  resourceType,
		OperationType: opType,
		SnapshotTime:  time.Now().UTC(),
		PreState:      string(blob),
	})
}

// Discard removes a snapshot that was captured for a mutation that never
// happened, so no phantom review is left behind.
func (l *Ledger) Discard(ctx context.Context, sessionID, resourceID string) error {
	return l.store.DeleteSnapshot(ctx, sessionID, resourceID)
}

// List returns every pending snapshot for a session in admission order.
func (l *Ledger) List(ctx context.Context, sessionID string) ([]*types.Snapshot, error) {
	return l.store.ListSnapshots(ctx, sessionID)
}

// Diff compares a snapshot's pre-state against the current store state.
type Diff struct {
	ResourceID    string          `json:"resource_id"`
	ResourceType  string          `json:"resource_type"`
	OperationType string          `json:"operation_type"`
	SnapshotTime  time.Time       `json:"snapshot_time"`
	PreState      json.RawMessage `json:"pre_state"`
	CurrentState  json.RawMessage `json:"current_state"`
	Changed       bool            `json:"changed"`
}

// Diff returns the pre-state vs current comparison for one review key.
func (l *Ledger) Diff(ctx context.Context, sessionID, resourceID string) (*Diff, error) {
	snap, err := l.lookup(ctx, sessionID, resourceID)
	if err != nil {
		return nil, err
	}

	current, err := l.currentState(ctx, snap)
	if err != nil {
		return nil, err
	}
	return &Diff{
		ResourceID:    snap.ResourceID,
		ResourceType:  snap.ResourceType,
		OperationType: snap.OperationType,
		SnapshotTime:  snap.SnapshotTime,
		PreState:      json.RawMessage(snap.PreState),
		CurrentState:  current,
		Changed:       !jsonEqual(json.RawMessage(snap.PreState), current),
	}, nil
}

// Approve accepts the current state: the snapshot is removed without
// touching the store.
func (l *Ledger) Approve(ctx context.Context, sessionID, resourceID string) error {
	if _, err := l.lookup(ctx, sessionID, resourceID); err != nil {
		return err
	}
	return l.store.DeleteSnapshot(ctx, sessionID, resourceID)
}

// Clear removes every snapshot in the session and reports how many.
func (l *Ledger) Clear(ctx context.Context, sessionID string) (int, error) {
	return l.store.ClearSnapshots(ctx, sessionID)
}

// Rollback restores the pre-state into the store and removes the snapshot.
// It acquires the write lane for the resource like any other write.
func (l *Ledger) Rollback(ctx context.Context, sessionID, resourceID string) error {
	snap, err := l.lookup(ctx, sessionID, resourceID)
	if err != nil {
		return err
	}

	return l.lane.Run(ctx, resourceID, func(ctx context.Context) error {
		if err := l.restore(ctx, snap); err != nil {
			return err
		}
		return l.store.DeleteSnapshot(ctx, sessionID, resourceID)
	})
}

func (l *Ledger) lookup(ctx context.Context, sessionID, resourceID string) (*types.Snapshot, error) {
	snap, err := l.store.GetSnapshot(ctx, sessionID, resourceID)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, types.NewError(types.KindReviewNotFound, "no snapshot for "+resourceID)
	}
	return snap, nil
}

func (l *Ledger) restore(ctx context.Context, snap *types.Snapshot) error {
	switch snap.ResourceType {
	case types.ResourceTypeMemory:
		var pre MemoryPreState
		if err := json.Unmarshal([]byte(snap.PreState), &pre); err != nil {
			return fmt.Errorf("failed to decode memory pre-state: %w", err)
		}
		return l.restoreMemory(ctx, snap.OperationType, pre)
	case types.ResourceTypePath:
		var pre PathPreState
		if err := json.Unmarshal([]byte(snap.PreState), &pre); err != nil {
			return fmt.Errorf("failed to decode path pre-state: %w", err)
		}
		return l.restorePath(ctx, pre)
	default:
		return fmt.Errorf("unknown snapshot resource type %q", snap.ResourceType)
	}
}

func (l *Ledger) restoreMemory(ctx context.Context, opType string, pre MemoryPreState) error {
	switch opType {
	case types.OpCreate:
		// Undo a create: the record and its paths go away entirely.
		return l.store.PermanentlyDeleteMemory(ctx, pre.MemoryID)

	case types.OpModifyContent:
		live, err := l.resolveLive(ctx, pre.MemoryID)
		if err != nil {
			return err
		}
		if live.Content != pre.Content {
			if _, err := l.store.ReplaceContent(ctx, live.ID, pre.Content); err != nil {
				return err
			}
		}
		return nil

	case types.OpModifyMeta:
		live, err := l.resolveLive(ctx, pre.MemoryID)
		if err != nil {
			return err
		}
		priority, disclosure := pre.Priority, pre.Disclosure
		_, err = l.store.UpdateMeta(ctx, live.ID, storage.MetaPatch{
			Priority:   &priority,
			Disclosure: &disclosure,
		})
		return err

	case types.OpDelete:
		// Undo a delete: revive every path binding; RestorePath clears the
		// deprecation flag on the record.
		for _, uri := range pre.Paths {
			domain, path, ok := splitURI(uri)
			if !ok {
				return fmt.Errorf("pre-state carried malformed uri %q", uri)
			}
			if err := l.store.RestorePath(ctx, domain, path, pre.MemoryID); err != nil {
				return err
			}
		}
		return nil

	default:
		return fmt.Errorf("unknown snapshot operation type %q", opType)
	}
}

func (l *Ledger) restorePath(ctx context.Context, pre PathPreState) error {
	if pre.Existed {
		return l.store.RestorePath(ctx, pre.Domain, pre.Path, pre.MemoryID)
	}
	_, err := l.store.RemovePath(ctx, pre.Domain, pre.Path)
	return err
}

// resolveLive follows the migrated_to chain from a snapshotted id to the
// current live record.
func (l *Ledger) resolveLive(ctx context.Context, id int64) (*types.Memory, error) {
	for hops := 0; hops < 64; hops++ {
		mem, err := l.store.GetMemory(ctx, id)
		if err != nil {
			return nil, err
		}
		if mem == nil {
			return nil, fmt.Errorf("memory %d no longer exists", id)
		}
		if mem.MigratedTo == nil {
			return mem, nil
		}
		id = *mem.MigratedTo
	}
	return nil, fmt.Errorf("migration chain from memory %d did not terminate", id)
}

func (l *Ledger) currentState(ctx context.Context, snap *types.Snapshot) (json.RawMessage, error) {
	switch snap.ResourceType {
	case types.ResourceTypeMemory:
		var pre MemoryPreState
		if err := json.Unmarshal([]byte(snap.PreState), &pre); err != nil {
			return nil, err
		}
		live, err := l.resolveLive(ctx, pre.MemoryID)
		if err != nil {
			// Deleted since the snapshot: current state is the absent record.
			blob, _ := json.Marshal(MemoryPreState{MemoryID: pre.MemoryID})
			return blob, nil
		}
		entries, err := l.store.ListPaths(ctx, live.ID)
		if err != nil {
			return nil, err
		}
		uris := make([]string, 0, len(entries))
		for _, e := range entries {
			uris = append(uris, e.URI())
		}
		return json.Marshal(MemoryPreState{
			MemoryID:   live.ID,
			Content:    live.Content,
			Title:      live.Title,
			Priority:   live.Priority,
			Disclosure: live.Disclosure,
			Deprecated: live.Deprecated,
			Paths:      uris,
			Existed:    true,
		})

	case types.ResourceTypePath:
		var pre PathPreState
		if err := json.Unmarshal([]byte(snap.PreState), &pre); err != nil {
			return nil, err
		}
		mem, _, err := l.store.GetMemoryByPath(ctx, pre.Domain, pre.Path)
		if err != nil {
			return nil, err
		}
		cur := PathPreState{Domain: pre.Domain, Path: pre.Path}
		if mem != nil {
			cur.MemoryID = mem.ID
			cur.Existed = true
		}
		return json.Marshal(cur)

	default:
		return nil, fmt.Errorf("unknown snapshot resource type %q", snap.ResourceType)
	}
}

func splitURI(uri string) (domain, path string, ok bool) {
	for i := 0; i+2 < len(uri); i++ {
		if uri[i] == ':' && uri[i+1] == '/' && uri[i+2] == '/' {
			if i == 0 || i+3 >= len(uri) {
				return "", "", false
			}
			return uri[:i], uri[i+3:], true
		}
	}
	return "", "", false
}

func jsonEqual(a, b json.RawMessage) bool {
	var va, vb interface{}
	if err := json.Unmarshal(a, &va); err != nil {
		return false
	}
	if err := json.Unmarshal(b, &vb); err != nil {
		return false
	}
	return fmt.Sprintf("%v", va) == fmt.Sprintf("%v", vb)
}
