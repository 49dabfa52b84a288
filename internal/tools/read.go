package tools

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/palacehq/palace/internal/embed"
	"github.com/palacehq/palace/internal/resolver"
	"github.com/palacehq/palace/internal/types"
)

// ReadRequest addresses one memory. At most one of ChunkID, Range, or
// MaxChars may be set; all absent returns the full content.
type ReadRequest struct {
	Address   string `json:"address"`
	ChunkID   *int   `json:"chunk_id,omitempty"`
	Range     string `json:"range,omitempty"` // "start:end" byte offsets
	MaxChars  int    `json:"max_chars,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// ReadResult carries the content or slice, or a system summary for
// system:// addresses.
type ReadResult struct {
	URI         string                  `json:"uri"`
	Content     string                  `json:"content,omitempty"`
	Title       string                  `json:"title,omitempty"`
	Priority    int                     `json:"priority"`
	Disclosure  string                  `json:"disclosure,omitempty"`
	TotalChars  int                     `json:"total_chars"`
	ChunkID     *int                    `json:"chunk_id,omitempty"`
	ChunkCount  int                     `json:"chunk_count,omitempty"`
	Truncated   bool                    `json:"truncated,omitempty"`
	Breadcrumbs []string                `json:"breadcrumbs,omitempty"`
	System      *resolver.SystemSummary `json:"system,omitempty"`
}

// ReadMemory resolves the address and returns its content or the
// requested slice. Reads reinforce vitality and record session access.
func (s *Service) ReadMemory(ctx context.Context, req ReadRequest) (*ReadResult, error) {
	if err := validateSlice(req); err != nil {
		return nil, err
	}

	addr, err := s.resolver.Parse(req.Address)
	if err != nil {
		return nil, err
	}
	if addr.IsSystem() {
		summary, err := s.resolver.ResolveSystem(ctx, addr)
		if err != nil {
			return nil, err
		}
		return &ReadResult{URI: addr.URI(), System: summary}, nil
	}

	mem, entry, err := s.resolver.Resolve(ctx, req.Address)
	if err != nil {
		return nil, err
	}

	if err := s.store.TouchAccess(ctx, mem.ID, s.reinforceDelta, s.vitalityMax); err != nil {
		return nil, err
	}
	if s.pipeline != nil && req.SessionID != "" {
		s.pipeline.Ring().Touch(req.SessionID, mem.ID)
	}

	result := &ReadResult{
		URI:         entry.URI(),
		Title:       mem.Title,
		Priority:    mem.Priority,
		Disclosure:  mem.Disclosure,
		TotalChars:  len(mem.Content),
		Breadcrumbs: addr.Breadcrumbs(),
	}

	switch {
	case req.ChunkID != nil:
		chunks := embed.ChunkText(mem.Content, s.chunkSize, s.chunkOverlap)
		if *req.ChunkID >= len(chunks) {
			return nil, types.NewError(types.KindInvalidPath,
				fmt.Sprintf("chunk %d out of range, memory has %d chunks", *req.ChunkID, len(chunks)))
		}
		result.Content = chunks[*req.ChunkID]
		result.ChunkID = req.ChunkID
		result.ChunkCount = len(chunks)
		result.Truncated = len(chunks) > 1
	case req.Range != "":
		start, end, err := parseRange(req.Range, len(mem.Content))
		if err != nil {
			return nil, err
		}
		result.Content = mem.Content[start:end]
		result.Truncated = start > 0 || end < len(mem.Content)
	case req.MaxChars > 0:
		if req.MaxChars < len(mem.Content) {
			result.Content = mem.Content[:req.MaxChars]
			result.Truncated = true
		} else {
			result.Content = mem.Content
		}
	default:
		result.Content = mem.Content
	}
	return result, nil
}

func validateSlice(req ReadRequest) error {
	set := 0
	if req.ChunkID != nil {
		if *req.ChunkID < 0 {
			return fmt.Errorf("chunk_id must be non-negative, got %d", *req.ChunkID)
		}
		set++
	}
	if req.Range != "" {
		set++
	}
	if req.MaxChars != 0 {
		if req.MaxChars < 0 {
			return fmt.Errorf("max_chars must be at least 1, got %d", req.MaxChars)
		}
		set++
	}
	if set > 1 {
		return fmt.Errorf("chunk_id, range, and max_chars are mutually exclusive")
	}
	return nil
}

// parseRange interprets "start:end" byte offsets, clamping end to the
// content length.
func parseRange(spec string, total int) (int, int, error) {
	parts := strings.SplitN(spec, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("range must look like start:end, got %q", spec)
	}
	start, err := strconv.Atoi(parts[0])
	if err != nil || start < 0 {
		return 0, 0, fmt.Errorf("range start must be a non-negative integer, got %q", parts[0])
	}
	end, err := strconv.Atoi(parts[1])
	if err != nil || end <= start {
		return 0, 0, fmt.Errorf("range end must be an integer greater than start, got %q", parts[1])
	}
	if start >= total {
		return 0, 0, fmt.Errorf("range start %d is past the end of content (%d chars)", start, total)
	}
	if end > total {
		end = total
	}
	return start, end, nil
}
