// Package embed provides the embedding adapter for the retrieval pipeline
// and the write guard: a remote API backend with a deterministic local
// hashing fallback.
package embed

import (
	"context"

	"github.com/palacehq/palace/internal/types"
)

// Backends.
const (
	BackendNone = "none"
	BackendHash = "hash"
	BackendAPI  = "api"
)

// Embedder turns texts into vectors. Implementations must be safe for
// concurrent use.
type Embedder interface {
	// Embed returns one vector per input text.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// Backend names the active backend for degrade reporting.
	Backend() string
}

// Config selects and parameterizes the backend.
type Config struct {
	Backend string
	APIBase string
	APIKey  string
	Model   string
	Dim     int
}

// Result couples an embedder with the degrade reason its construction
// produced, if any. A nil Embedder means the vector stage is disabled.
type Result struct {
	Embedder      Embedder
	DegradeReason string
}

// Build constructs the configured embedder. Misconfiguration never fails:
// the vector stage degrades to the hash fallback or turns off, and the
// reason is reported.
func Build(cfg Config) Result {
	switch cfg.Backend {
	case BackendNone, "":
		return Result{DegradeReason: types.DegradeVectorBackendDisabled}
	case BackendHash:
		return Result{Embedder: NewHashEmbedder(cfg.Dim)}
	case BackendAPI:
		if cfg.APIBase == "" || cfg.Model == "" {
			// fall back to hashing so retrieval keeps a vector stage
			return Result{
				Embedder:      NewHashEmbedder(cfg.Dim),
				DegradeReason: types.DegradeEmbeddingConfigMissing,
			}
		}
		return Result{Embedder: NewAPIEmbedder(cfg)}
	default:
		return Result{DegradeReason: types.DegradeEmbeddingBackendUnsupported}
	}
}
