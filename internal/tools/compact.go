package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/palacehq/palace/internal/storage"
	"github.com/palacehq/palace/internal/types"
)

// Gister produces an LLM summary of session content. Implemented by
// llm.Client; nil disables the first rung of the fallback chain.
type Gister interface {
	Gist(ctx context.Context, content string, maxLines int) (string, error)
}

// CompactRequest compresses session content into a durable gist note.
type CompactRequest struct {
	Content   string `json:"content"`
	Reason    string `json:"reason,omitempty"`
	Force     bool   `json:"force,omitempty"`
	MaxLines  int    `json:"max_lines,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// CompactResult reports the gist, where it was flushed, and how it was
// produced.
type CompactResult struct {
	OK             bool               `json:"ok"`
	SessionID      string             `json:"session_id"`
	Flushed        string             `json:"flushed,omitempty"` // uri of the flushed note
	Message        string             `json:"message,omitempty"`
	GistMethod     string             `json:"gist_method,omitempty"`
	Quality        float64            `json:"quality,omitempty"`
	SourceHash     string             `json:"source_hash"`
	Enqueue        types.EnqueueStats `json:"enqueue_stats"`
	DegradeReasons []string           `json:"degrade_reasons,omitempty"`
	Degraded       bool               `json:"degraded,omitempty"`
}

// CompactContext gists the content through the fallback chain (llm_gist,
// extractive_bullets, sentence_fallback, truncate_fallback), flushes the
// gist as a memory under the configured parent, and upserts a gist record
// keyed by the source content hash.
func (s *Service) CompactContext(ctx context.Context, req CompactRequest) (*CompactResult, error) {
	if strings.TrimSpace(req.Content) == "" {
		return nil, fmt.Errorf("content must not be empty")
	}
	if req.MaxLines != 0 && req.MaxLines < 3 {
		return nil, fmt.Errorf("max_lines must be at least 3, got %d", req.MaxLines)
	}
	maxLines := req.MaxLines
	if maxLines == 0 {
		maxLines = s.compactMaxLines
	}
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = newSessionID(time.Now())
	}

	result := &CompactResult{
		OK:         true,
		SessionID:  sessionID,
		SourceHash: types.HashContent(req.Content),
	}

	if !req.Force && len(req.Content) < s.compactMinChars {
		result.Message = fmt.Sprintf("content is %d chars, below the %d compaction threshold; pass force to flush anyway",
			len(req.Content), s.compactMinChars)
		return result, nil
	}

	gist, method, quality := s.makeGist(ctx, req.Content, maxLines, &result.DegradeReasons)
	result.GistMethod = method
	result.Quality = quality

	parent, err := s.resolver.ParseParent(s.flushParent)
	if err != nil {
		return nil, fmt.Errorf("flush parent misconfigured: %w", err)
	}

	laneKey := parent.URI() + "/" + sessionID
	err = s.lane.Run(ctx, laneKey, func(ctx context.Context) error {
		mem, entry, err := s.store.CreateMemory(ctx, storage.CreateParams{
			Domain:     parent.Domain,
			ParentPath: parent.Path,
			Title:      sessionID,
			Content:    gist,
			Disclosure: req.Reason,
		})
		if err != nil {
			return err
		}
		if err := s.ledger.CaptureMemory(ctx, sessionID, types.OpCreate, mem); err != nil {
			_ = s.store.PermanentlyDeleteMemory(ctx, mem.ID)
			return err
		}
		if err := s.store.UpsertGist(ctx, &types.Gist{
			MemoryID:          mem.ID,
			SourceContentHash: result.SourceHash,
			Text:              gist,
			Method:            method,
			Quality:           quality,
		}); err != nil {
			return err
		}
		result.Flushed = entry.URI()
		s.enqueueReindex(mem.ID, "compact_context", &result.Enqueue, &result.DegradeReasons)
		return nil
	})
	if err != nil {
		return nil, err
	}
	result.Degraded = len(result.DegradeReasons) > 0
	return result, nil
}

// makeGist walks the fallback chain until a rung produces text.
func (s *Service) makeGist(ctx context.Context, content string, maxLines int, degrades *[]string) (string, string, float64) {
	if s.gister != nil {
		text, err := s.gister.Gist(ctx, content, maxLines)
		if err != nil {
			*degrades = appendUnique(*degrades, types.DegradeCompactGistLLMFailed)
		} else if strings.TrimSpace(text) == "" {
			*degrades = appendUnique(*degrades, types.DegradeCompactGistLLMEmpty)
		} else {
			return text, types.GistMethodLLM, gistQuality(text, content)
		}
	}

	if bullets := extractiveBullets(content, maxLines); bullets != "" {
		return bullets, types.GistMethodExtractive, gistQuality(bullets, content)
	}

	if text, rich := sentenceFallback(content, maxLines); text != "" {
		quality := 0.40
		if rich {
			quality = 0.52
		}
		return text, types.GistMethodSentence, quality
	}

	const truncateAt = 400
	text := content
	if len(text) > truncateAt {
		text = text[:truncateAt]
	}
	return strings.TrimSpace(text), types.GistMethodTruncate, 0.30
}

// gistQuality scores length-appropriateness: a gist should be a real
// compression but not a stub.
func gistQuality(gist, source string) float64 {
	floor := float64(len(source)) * 0.8
	if floor < 120 {
		floor = 120
	}
	q := float64(len(gist)) / floor
	if q > 0.95 {
		q = 0.95
	}
	if q < 0.45 {
		q = 0.45
	}
	return q
}

// extractiveBullets keeps the lines that carry structure: headings, list
// items, and lines with decision markers.
func extractiveBullets(content string, maxLines int) string {
	var picked []string
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if isSignalLine(trimmed) {
			picked = append(picked, trimmed)
			if len(picked) >= maxLines {
				break
			}
		}
	}
	if len(picked) == 0 {
		return ""
	}
	return strings.Join(picked, "\n")
}

var signalPrefixes = []string{"- ", "* ", "#", "TODO", "DECISION", "FIXME", "NOTE:"}

func isSignalLine(line string) bool {
	for _, p := range signalPrefixes {
		if strings.HasPrefix(line, p) {
			return true
		}
	}
	// numbered list items
	if len(line) > 2 && line[0] >= '0' && line[0] <= '9' && (line[1] == '.' || line[1] == ')') {
		return true
	}
	return false
}

// sentenceFallback takes the leading sentences. rich means at least two
// sentences were captured.
func sentenceFallback(content string, maxLines int) (string, bool) {
	text := strings.Join(strings.Fields(content), " ")
	if text == "" {
		return "", false
	}
	var sentences []string
	start := 0
	for i := 0; i < len(text) && len(sentences) < maxLines; i++ {
		switch text[i] {
		case '.', '!', '?':
			sentence := strings.TrimSpace(text[start : i+1])
			if sentence != "" {
				sentences = append(sentences, sentence)
			}
			start = i + 1
		}
	}
	if len(sentences) == 0 {
		return "", false
	}
	return strings.Join(sentences, " "), len(sentences) >= 2
}
