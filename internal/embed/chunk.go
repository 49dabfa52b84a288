package embed

import "strings"

// Chunk defaults.
const (
	DefaultChunkSize    = 500
	DefaultChunkOverlap = 80
)

// ChunkText splits content into overlapping chunks for per-chunk vectors.
// A chunk prefers to break at the last newline past the half-chunk mark,
// then the last space, and only cuts mid-word as a last resort.
func ChunkText(content string, size, overlap int) []string {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 || overlap >= size {
		overlap = DefaultChunkOverlap
		if overlap >= size {
			overlap = size / 4
		}
	}
	if len(content) <= size {
		if strings.TrimSpace(content) == "" {
			return nil
		}
		return []string{content}
	}

	var chunks []string
	start := 0
	for start < len(content) {
		end := start + size
		if end >= len(content) {
			chunk := content[start:]
			if strings.TrimSpace(chunk) != "" {
				chunks = append(chunks, chunk)
			}
			break
		}

		cut := end
		window := content[start:end]
		half := size / 2
		if idx := strings.LastIndexByte(window, '\n'); idx > half {
			cut = start + idx + 1
		} else if idx := strings.LastIndexByte(window, ' '); idx > half {
			cut = start + idx + 1
		}

		chunk := content[start:cut]
		if strings.TrimSpace(chunk) != "" {
			chunks = append(chunks, chunk)
		}

		next := cut - overlap
		if next <= start {
			next = cut
		}
		start = next
	}
	return chunks
}
