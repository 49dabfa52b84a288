package tools

import (
	"context"

	"github.com/palacehq/palace/internal/retrieval"
)

// SearchMemory runs the retrieval pipeline. Validation and degrade
// semantics live in the pipeline; this is the tool-surface entry point.
func (s *Service) SearchMemory(ctx context.Context, req retrieval.Request) (*retrieval.Response, error) {
	return s.pipeline.Search(ctx, req)
}
