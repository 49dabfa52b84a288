package embed

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
	"regexp"
	"strings"
)

// DefaultDim is the hash embedding dimensionality when none is configured.
const DefaultDim = 64

var tokenPattern = regexp.MustCompile(`[a-z0-9_]+`)

// HashEmbedder is the deterministic local fallback: each token's sha256
// digest scatters signed weights into a fixed-dimension vector, which is
// then L2-normalized. No model, no network, stable across runs.
type HashEmbedder struct {
	dim int
}

// NewHashEmbedder builds a hash embedder of the given dimension.
func NewHashEmbedder(dim int) *HashEmbedder {
	if dim <= 0 {
		dim = DefaultDim
	}
	return &HashEmbedder{dim: dim}
}

// Backend names the backend.
func (h *HashEmbedder) Backend() string {
	return BackendHash
}

// Embed hashes each text into a vector. Never fails.
func (h *HashEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		vectors[i] = h.embedOne(text)
	}
	return vectors, nil
}

func (h *HashEmbedder) embedOne(text string) []float32 {
	vec := make([]float64, h.dim)
	tokens := tokenPattern.FindAllString(strings.ToLower(text), -1)
	for _, token := range tokens {
		digest := sha256.Sum256([]byte(token))
		// three scatter positions per token, with decreasing weight
		for k := 0; k < 3; k++ {
			idx := int(binary.BigEndian.Uint32(digest[k*4:]) % uint32(h.dim))
			sign := 1.0
			if digest[k*4+3]&1 == 1 {
				sign = -1.0
			}
			vec[idx] += sign / float64(1+k)
		}
	}

	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	out := make([]float32, h.dim)
	if norm == 0 {
		return out
	}
	norm = math.Sqrt(norm)
	for i, v := range vec {
		out[i] = float32(v / norm)
	}
	return out
}
