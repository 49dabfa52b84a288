package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/palacehq/palace/internal/guard"
	"github.com/palacehq/palace/internal/storage"
	"github.com/palacehq/palace/internal/types"
)

// CreateRequest asks for a new memory under a parent address. Parent may
// address the domain root ("notes://").
type CreateRequest struct {
	Parent     string `json:"parent"`
	Content    string `json:"content"`
	Priority   int    `json:"priority"`
	Title      string `json:"title,omitempty"`
	Disclosure string `json:"disclosure,omitempty"`
	SessionID  string `json:"session_id,omitempty"`
}

// WriteResult is the shared envelope for create, update, and alias calls.
type WriteResult struct {
	Created        bool                 `json:"created,omitempty"`
	Updated        bool                 `json:"updated,omitempty"`
	CreatedAlias   bool                 `json:"created_alias,omitempty"`
	URI            string               `json:"uri,omitempty"`
	MemoryID       int64                `json:"memory_id,omitempty"`
	Message        string               `json:"message,omitempty"`
	Guard          *types.GuardDecision `json:"guard,omitempty"`
	Enqueue        types.EnqueueStats   `json:"enqueue_stats"`
	DegradeReasons []string             `json:"degrade_reasons,omitempty"`
	Degraded       bool                 `json:"degraded,omitempty"`
}

// CreateMemory runs the write path for a new memory: guard, snapshot,
// store create, index enqueue. A guard NOOP or UPDATE verdict blocks the
// create and is reported as created=false, not as an error.
func (s *Service) CreateMemory(ctx context.Context, req CreateRequest) (*WriteResult, error) {
	if strings.TrimSpace(req.Content) == "" {
		return nil, fmt.Errorf("content must not be empty")
	}
	if req.Priority < 0 {
		return nil, fmt.Errorf("priority must be non-negative, got %d", req.Priority)
	}
	parent, err := s.resolver.ParseParent(req.Parent)
	if err != nil {
		return nil, err
	}

	laneKey := parent.URI()
	if req.Title != "" {
		laneKey += "/" + req.Title
	}

	result := &WriteResult{}
	err = s.lane.Run(ctx, laneKey, func(ctx context.Context) error {
		outcome, err := s.guard.Evaluate(ctx, req.Content)
		if err != nil {
			return err
		}
		result.DegradeReasons = append(result.DegradeReasons, outcome.DegradeReasons...)
		decision := outcome.Decision
		result.Guard = &decision

		switch decision.Action {
		case types.GuardNoop:
			result.Message = fmt.Sprintf("duplicate of %s; nothing created", decision.TargetURI)
			return nil
		case types.GuardUpdate:
			result.Message = fmt.Sprintf("supersedes %s; update that memory instead of creating a new one", decision.TargetURI)
			return nil
		}

		mem, entry, err := s.store.CreateMemory(ctx, storage.CreateParams{
			Domain:     parent.Domain,
			ParentPath: parent.Path,
			Title:      req.Title,
			Content:    req.Content,
			Priority:   req.Priority,
			Disclosure: req.Disclosure,
		})
		if err != nil {
			return err
		}
		if err := s.ledger.CaptureMemory(ctx, req.SessionID, types.OpCreate, mem); err != nil {
			// no snapshot means no rollback; unwind the create
			_ = s.store.PermanentlyDeleteMemory(ctx, mem.ID)
			return err
		}

		result.Created = true
		result.URI = entry.URI()
		result.MemoryID = mem.ID
		s.enqueueReindex(mem.ID, "create_memory", &result.Enqueue, &result.DegradeReasons)
		return nil
	})
	if err != nil {
		return nil, err
	}
	result.Degraded = len(result.DegradeReasons) > 0
	return result, nil
}

// UpdateRequest mutates one memory. Exactly one mode must be used: a
// patch (Old+New), an append (Append), or a metadata-only change
// (Priority/Disclosure with no content fields).
type UpdateRequest struct {
	Address    string  `json:"address"`
	Old        *string `json:"old,omitempty"`
	New        *string `json:"new,omitempty"`
	Append     string  `json:"append,omitempty"`
	Priority   *int    `json:"priority,omitempty"`
	Disclosure *string `json:"disclosure,omitempty"`
	SessionID  string  `json:"session_id,omitempty"`
}

// UpdateMemory applies a patch, append, or metadata change. Metadata-only
// changes bypass the guard ladder and never trigger a reindex.
func (s *Service) UpdateMemory(ctx context.Context, req UpdateRequest) (*WriteResult, error) {
	mode, err := updateMode(req)
	if err != nil {
		return nil, err
	}
	mem, entry, err := s.resolver.Resolve(ctx, req.Address)
	if err != nil {
		return nil, err
	}
	if req.Priority != nil && *req.Priority < 0 {
		return nil, fmt.Errorf("priority must be non-negative, got %d", *req.Priority)
	}

	result := &WriteResult{URI: entry.URI(), MemoryID: mem.ID}
	err = s.lane.Run(ctx, types.MemoryResourceID(mem.ID), func(ctx context.Context) error {
		fresh, err := s.store.GetMemory(ctx, mem.ID)
		if err != nil {
			return err
		}
		if fresh == nil {
			return types.NewError(types.KindAddressNotFound, "memory vanished: "+entry.URI())
		}

		if mode == updateMeta {
			decision := guard.Bypass()
			result.Guard = &decision
			if err := s.ledger.CaptureMemory(ctx, req.SessionID, types.OpModifyMeta, fresh); err != nil {
				return err
			}
			if _, err := s.store.UpdateMeta(ctx, fresh.ID, storage.MetaPatch{
				Priority:   req.Priority,
				Disclosure: req.Disclosure,
			}); err != nil {
				return err
			}
			result.Updated = true
			return nil
		}

		prospective, err := prospectiveContent(mode, fresh.Content, req)
		if err != nil {
			return err
		}
		if prospective == fresh.Content {
			decision := guard.Bypass()
			result.Guard = &decision
			result.Message = "content unchanged"
			return nil
		}

		outcome, err := s.guard.Evaluate(ctx, prospective)
		if err != nil {
			return err
		}
		result.DegradeReasons = append(result.DegradeReasons, outcome.DegradeReasons...)
		decision := outcome.Decision
		result.Guard = &decision

		// Verdicts against the record being updated are expected: the new
		// content naturally resembles the old. Only a different target
		// signals a duplicate and blocks the write.
		if decision.TargetID != 0 && decision.TargetID != fresh.ID {
			switch decision.Action {
			case types.GuardNoop:
				result.Message = fmt.Sprintf("new content duplicates %s; nothing updated", decision.TargetURI)
				return nil
			case types.GuardUpdate:
				result.Message = fmt.Sprintf("new content supersedes %s; update that memory instead", decision.TargetURI)
				return nil
			}
		}

		if err := s.ledger.CaptureMemory(ctx, req.SessionID, types.OpModifyContent, fresh); err != nil {
			return err
		}

		var live *types.Memory
		switch mode {
		case updatePatch:
			live, err = s.store.UpdatePatch(ctx, fresh.ID, *req.Old, *req.New)
		case updateAppend:
			live, err = s.store.UpdateAppend(ctx, fresh.ID, req.Append)
		}
		if err != nil {
			// the snapshot stays: the caller can inspect or roll back
			// whatever state the failed mutate left behind
			return err
		}

		result.Updated = true
		result.MemoryID = live.ID
		s.enqueueReindex(live.ID, "update_memory", &result.Enqueue, &result.DegradeReasons)
		return nil
	})
	if err != nil {
		return nil, err
	}
	result.Degraded = len(result.DegradeReasons) > 0
	return result, nil
}

type updateKind int

const (
	updatePatch updateKind = iota
	updateAppend
	updateMeta
)

func updateMode(req UpdateRequest) (updateKind, error) {
	patch := req.Old != nil || req.New != nil
	app := req.Append != ""
	meta := req.Priority != nil || req.Disclosure != nil

	switch {
	case patch && !app:
		if req.Old == nil || req.New == nil {
			return 0, fmt.Errorf("patch requires both old and new")
		}
		if meta {
			return 0, fmt.Errorf("patch and metadata changes cannot be combined")
		}
		return updatePatch, nil
	case app && !patch:
		if meta {
			return 0, fmt.Errorf("append and metadata changes cannot be combined")
		}
		return updateAppend, nil
	case meta && !patch && !app:
		return updateMeta, nil
	case patch && app:
		return 0, fmt.Errorf("patch and append are mutually exclusive")
	default:
		return 0, fmt.Errorf("update requires a patch, an append, or a metadata change")
	}
}

// prospectiveContent computes what the content would become, surfacing
// patch errors before any snapshot is taken.
func prospectiveContent(mode updateKind, content string, req UpdateRequest) (string, error) {
	switch mode {
	case updatePatch:
		switch n := strings.Count(content, *req.Old); n {
		case 0:
			return "", types.NewError(types.KindPatchNotFound,
				fmt.Sprintf("old string %q not found in content", *req.Old))
		case 1:
			return strings.Replace(content, *req.Old, *req.New, 1), nil
		default:
			return "", types.NewError(types.KindPatchAmbiguous,
				fmt.Sprintf("old string %q appears %d times; patch target must be unique", *req.Old, n))
		}
	case updateAppend:
		return content + req.Append, nil
	}
	return content, nil
}

// DeleteResult reports a path removal.
type DeleteResult struct {
	Deleted        bool `json:"deleted"`
	SurvivingPaths int  `json:"surviving_paths"`
}

// DeleteMemory removes one address. The memory itself is deprecated only
// when the removed path was its last.
func (s *Service) DeleteMemory(ctx context.Context, address, sessionID string) (*DeleteResult, error) {
	mem, entry, err := s.resolver.Resolve(ctx, address)
	if err != nil {
		return nil, err
	}

	result := &DeleteResult{}
	err = s.lane.Run(ctx, entry.URI(), func(ctx context.Context) error {
		fresh, err := s.store.GetMemory(ctx, mem.ID)
		if err != nil {
			return err
		}
		if fresh == nil {
			return types.NewError(types.KindAddressNotFound, "memory vanished: "+entry.URI())
		}
		if err := s.ledger.CaptureMemory(ctx, sessionID, types.OpDelete, fresh); err != nil {
			return err
		}
		// a failed removal keeps the snapshot for inspection
		survivors, err := s.store.RemovePath(ctx, entry.Domain, entry.Path)
		if err != nil {
			return err
		}
		result.Deleted = true
		result.SurvivingPaths = survivors
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// AliasRequest binds a new address to an existing memory.
type AliasRequest struct {
	NewAddress    string  `json:"new_address"`
	TargetAddress string  `json:"target_address"`
	Priority      *int    `json:"priority,omitempty"`
	Disclosure    *string `json:"disclosure,omitempty"`
	SessionID     string  `json:"session_id,omitempty"`
}

// AddAlias creates a secondary path to an existing memory. The guard runs
// for observability, but an existing target always admits the alias.
func (s *Service) AddAlias(ctx context.Context, req AliasRequest) (*WriteResult, error) {
	newAddr, err := s.resolver.Parse(req.NewAddress)
	if err != nil {
		return nil, err
	}
	if newAddr.IsSystem() {
		return nil, types.NewError(types.KindInvalidDomain, "aliases cannot live under the system domain")
	}
	target, _, err := s.resolver.Resolve(ctx, req.TargetAddress)
	if err != nil {
		return nil, err
	}
	if req.Priority != nil && *req.Priority < 0 {
		return nil, fmt.Errorf("priority must be non-negative, got %d", *req.Priority)
	}

	result := &WriteResult{MemoryID: target.ID}
	err = s.lane.Run(ctx, newAddr.URI(), func(ctx context.Context) error {
		outcome, err := s.guard.Evaluate(ctx, target.Content)
		if err != nil {
			return err
		}
		result.DegradeReasons = append(result.DegradeReasons, outcome.DegradeReasons...)
		decision := outcome.Decision
		result.Guard = &decision

		if err := s.ledger.CapturePath(ctx, req.SessionID, types.OpCreateAlias,
			newAddr.Domain, newAddr.Path, target.ID, false); err != nil {
			return err
		}
		if _, err := s.store.AddPath(ctx, newAddr.Domain, newAddr.Path, target.ID); err != nil {
			return err
		}
		if req.Priority != nil || req.Disclosure != nil {
			if _, err := s.store.UpdateMeta(ctx, target.ID, storage.MetaPatch{
				Priority:   req.Priority,
				Disclosure: req.Disclosure,
			}); err != nil {
				return err
			}
		}
		result.CreatedAlias = true
		result.URI = newAddr.URI()
		return nil
	})
	if err != nil {
		return nil, err
	}
	result.Degraded = len(result.DegradeReasons) > 0
	return result, nil
}
