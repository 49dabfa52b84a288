// Package retrieval implements the staged search pipeline: preprocess,
// intent classification, strategy selection, keyword and vector stages,
// weighted merge, optional remote rerank, then filters and cut. Stages
// that fail degrade the answer instead of failing the request.
package retrieval

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/palacehq/palace/internal/embed"
	"github.com/palacehq/palace/internal/rerank"
	"github.com/palacehq/palace/internal/storage"
	"github.com/palacehq/palace/internal/types"
)

const (
	MaxResultsLimit        = 50
	MaxMultiplier          = 20
	DefaultMaxResults      = 10
	DefaultRerankWeight    = 0.30
	DefaultRecencyHalfLife = 30.0
)

// Filters restrict the result set after scoring.
type Filters struct {
	Domain       string     `json:"domain,omitempty"`
	PathPrefix   string     `json:"path_prefix,omitempty"`
	MaxPriority  *int       `json:"max_priority,omitempty"`
	UpdatedAfter *time.Time `json:"updated_after,omitempty"`
}

// Request is one search call.
type Request struct {
	Query          string
	Mode           string // keyword, semantic, hybrid; "" picks hybrid
	MaxResults     int
	Multiplier     int // candidate pool multiplier, clamped by the template
	IncludeSession bool
	SessionID      string
	Filters        Filters
}

// Counts breaks down where returned results came from.
type Counts struct {
	Session  int `json:"session"`
	Global   int `json:"global"`
	Returned int `json:"returned"`
}

// Response is the full search envelope.
type Response struct {
	OK               bool                 `json:"ok"`
	Query            string               `json:"query"`
	QueryEffective   string               `json:"query_effective"`
	ModeRequested    string               `json:"mode_requested"`
	ModeApplied      string               `json:"mode_applied"`
	Intent           string               `json:"intent"`
	IntentConfidence float64              `json:"intent_confidence"`
	StrategyTemplate string               `json:"strategy_template"`
	Results          []types.SearchResult `json:"results"`
	Counts           Counts               `json:"counts"`
	DegradeReasons   []string             `json:"degrade_reasons"`
	Degraded         bool                 `json:"degraded"`
}

// Options wires the pipeline's adapters and tuning.
type Options struct {
	Embedder        embed.Embedder  // nil disables the vector stage
	Reranker        rerank.Reranker // nil disables the rerank stage
	Ring            *SessionRing
	RerankWeight    float64
	RecencyHalfLife float64 // days
	AmbiguousMargin float64
	Logger          zerolog.Logger
}

// Pipeline executes searches. Safe for concurrent use.
type Pipeline struct {
	store           storage.Storage
	embedder        embed.Embedder
	reranker        rerank.Reranker
	ring            *SessionRing
	rerankWeight    float64
	recencyHalfLife float64
	ambiguousMargin float64
	log             zerolog.Logger
}

// New builds a pipeline over the store.
func New(store storage.Storage, opts Options) *Pipeline {
	if opts.RerankWeight <= 0 {
		opts.RerankWeight = DefaultRerankWeight
	}
	if opts.RecencyHalfLife <= 0 {
		opts.RecencyHalfLife = DefaultRecencyHalfLife
	}
	if opts.Ring == nil {
		opts.Ring = NewSessionRing(0)
	}
	return &Pipeline{
		store:           store,
		embedder:        opts.Embedder,
		reranker:        opts.Reranker,
		ring:            opts.Ring,
		rerankWeight:    opts.RerankWeight,
		recencyHalfLife: opts.RecencyHalfLife,
		ambiguousMargin: opts.AmbiguousMargin,
		log:             opts.Logger,
	}
}

// Ring exposes the session ring so write paths can record touches.
func (p *Pipeline) Ring() *SessionRing {
	return p.ring
}

type candidate struct {
	mem     *types.Memory
	uri     string
	text    float64
	vector  float64
	base    float64
	final   float64
	session bool
}

// Search runs the full pipeline.
func (p *Pipeline) Search(ctx context.Context, req Request) (*Response, error) {
	if req.MaxResults == 0 {
		req.MaxResults = DefaultMaxResults
	}
	if req.MaxResults < 1 || req.MaxResults > MaxResultsLimit {
		return nil, fmt.Errorf("max_results must be between 1 and %d", MaxResultsLimit)
	}
	if req.Multiplier < 0 || req.Multiplier > MaxMultiplier {
		return nil, fmt.Errorf("candidate_multiplier must be between 1 and %d", MaxMultiplier)
	}
	mode := req.Mode
	if mode == "" {
		mode = ModeHybrid
	}
	switch mode {
	case ModeKeyword, ModeSemantic, ModeHybrid:
	default:
		return nil, fmt.Errorf("unknown search mode %q", mode)
	}

	resp := &Response{
		OK:            true,
		ModeRequested: mode,
		ModeApplied:   mode,
		Results:       []types.SearchResult{},
	}

	query := Preprocess(req.Query)
	resp.Query = query.Raw
	resp.QueryEffective = query.Effective
	if query.Empty() {
		resp.DegradeReasons = append(resp.DegradeReasons, types.DegradeEmptyQuery)
		resp.Degraded = true
		return resp, nil
	}

	intent := ClassifyIntent(query.Tokens, p.ambiguousMargin)
	tmpl := SelectTemplate(intent.Name)
	resp.Intent = intent.Name
	resp.IntentConfidence = intent.Confidence
	resp.StrategyTemplate = tmpl.Name

	weights := tmpl.Weights
	switch mode {
	case ModeKeyword:
		weights = keywordModeWeights
	case ModeSemantic:
		weights = semanticModeWeights
	}

	pool := req.MaxResults * tmpl.Multiplier(req.Multiplier)

	// keyword stage
	textScores := map[int64]float64{}
	if mode != ModeSemantic {
		hits, err := p.store.SearchKeyword(ctx, query.Effective, pool)
		if err != nil {
			resp.DegradeReasons = append(resp.DegradeReasons, types.DegradeQueryPreprocessFailed)
		}
		for _, h := range hits {
			textScores[h.MemoryID] = h.Score
		}
	}

	// vector stage
	vectorScores := map[int64]float64{}
	if mode != ModeKeyword {
		scores, reason := p.vectorStage(ctx, query.Effective, pool)
		if reason != "" {
			resp.DegradeReasons = append(resp.DegradeReasons, reason)
			resp.ModeApplied = ModeKeyword
			if mode == ModeSemantic {
				// fall back to keyword retrieval so the caller still
				// gets an answer
				weights = keywordModeWeights
				hits, err := p.store.SearchKeyword(ctx, query.Effective, pool)
				if err == nil {
					for _, h := range hits {
						textScores[h.MemoryID] = h.Score
					}
				}
			}
		} else {
			vectorScores = scores
		}
	}

	// candidate union, plus session seeds
	seen := map[int64]*candidate{}
	for id, s := range textScores {
		seen[id] = &candidate{text: s}
	}
	for id, s := range vectorScores {
		if c, ok := seen[id]; ok {
			c.vector = s
		} else {
			seen[id] = &candidate{vector: s}
		}
	}
	sessionIDs := map[int64]bool{}
	if req.IncludeSession && req.SessionID != "" {
		for _, id := range p.ring.Recent(req.SessionID) {
			sessionIDs[id] = true
			if _, ok := seen[id]; !ok {
				seen[id] = &candidate{}
			}
		}
	}

	// time window: the temporal template derives an updated_after bound
	// from the query itself unless the caller already set one
	updatedAfter := req.Filters.UpdatedAfter
	if tmpl.TimeWindow && updatedAfter == nil {
		updatedAfter = ParseTimeWindow(query.Raw, time.Now().UTC())
	}

	// hydrate and score
	now := time.Now().UTC()
	firstToken := ""
	if len(query.Tokens) > 0 {
		firstToken = query.Tokens[0]
	}
	candidates := make([]*candidate, 0, len(seen))
	for id, c := range seen {
		mem, err := p.store.GetMemory(ctx, id)
		if err != nil {
			return nil, err
		}
		if mem == nil || mem.Deprecated {
			continue
		}
		c.mem = mem
		c.session = sessionIDs[id]

		entries, err := p.store.ListPaths(ctx, id)
		if err != nil {
			return nil, err
		}
		if len(entries) > 0 {
			c.uri = entries[0].URI()
		}

		if !p.passesFilters(c, entries, req.Filters, updatedAfter) {
			continue
		}

		ageDays := now.Sub(mem.UpdatedAt).Hours() / 24
		recency := math.Exp(-math.Ln2 * ageDays / p.recencyHalfLife)
		priority := 1.0 / (1.0 + float64(mem.Priority))
		prefix := 0.0
		if firstToken != "" && (strings.HasPrefix(mem.Title, firstToken) ||
			strings.HasPrefix(strings.ToLower(mem.Content), firstToken)) {
			prefix = 1.0
		}

		c.base = weights.Vector*c.vector + weights.Text*c.text +
			weights.Priority*priority + weights.Recency*recency + weights.Prefix*prefix
		c.final = c.base
		candidates = append(candidates, c)
	}

	sortCandidates(candidates)

	// rerank stage over the surviving pool
	if p.reranker != nil && len(candidates) > 1 {
		docs := make([]string, len(candidates))
		for i, c := range candidates {
			docs[i] = c.mem.Content
		}
		scores, err := p.reranker.Rerank(ctx, query.Effective, docs)
		if err != nil {
			resp.DegradeReasons = append(resp.DegradeReasons, types.DegradeRerankerRequestFailed)
		} else {
			for i, c := range candidates {
				c.final = c.base + p.rerankWeight*scores[i]
			}
			sortCandidates(candidates)
		}
	}

	if len(candidates) > req.MaxResults {
		candidates = candidates[:req.MaxResults]
	}

	for _, c := range candidates {
		source := types.SourceGlobal
		if c.session {
			source = types.SourceSession
			resp.Counts.Session++
		} else {
			resp.Counts.Global++
		}
		resp.Results = append(resp.Results, types.SearchResult{
			MemoryID:   c.mem.ID,
			URI:        c.uri,
			Title:      c.mem.Title,
			Content:    c.mem.Content,
			Priority:   c.mem.Priority,
			UpdatedAt:  c.mem.UpdatedAt.UTC().Format(time.RFC3339),
			Score:      c.final,
			Source:     source,
			Breadcrumb: breadcrumb(c.uri),
		})
	}
	resp.Counts.Returned = len(resp.Results)
	resp.Degraded = len(resp.DegradeReasons) > 0

	p.log.Debug().
		Str("intent", resp.Intent).
		Str("template", resp.StrategyTemplate).
		Str("mode_applied", resp.ModeApplied).
		Int("returned", resp.Counts.Returned).
		Msg("search completed")
	return resp, nil
}

// vectorStage embeds the query and collects cosine hits mapped into [0,1].
// A non-empty reason means the stage degraded and produced nothing.
func (p *Pipeline) vectorStage(ctx context.Context, query string, pool int) (map[int64]float64, string) {
	if p.embedder == nil {
		return nil, types.DegradeVectorBackendDisabled
	}
	vectors, err := p.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, types.DegradeEmbeddingRequestFailed
	}
	hits, err := p.store.SearchVector(ctx, vectors[0], pool)
	if err != nil {
		return nil, types.DegradeEmbeddingRequestFailed
	}
	scores := make(map[int64]float64, len(hits))
	for _, h := range hits {
		scores[h.MemoryID] = (h.Cosine + 1) / 2
	}
	return scores, ""
}

func (p *Pipeline) passesFilters(c *candidate, entries []types.PathEntry, f Filters, updatedAfter *time.Time) bool {
	if f.Domain != "" {
		match := false
		for _, e := range entries {
			if e.Domain == f.Domain {
				match = true
				break
			}
		}
		if !match {
			return false
		}
	}
	if f.PathPrefix != "" {
		match := false
		for _, e := range entries {
			if strings.HasPrefix(e.Path, f.PathPrefix) {
				match = true
				break
			}
		}
		if !match {
			return false
		}
	}
	if f.MaxPriority != nil && c.mem.Priority > *f.MaxPriority {
		return false
	}
	if updatedAfter != nil && c.mem.UpdatedAt.Before(*updatedAfter) {
		return false
	}
	return true
}

// sortCandidates orders by score descending with deterministic tie-breaks:
// lower priority value first, then newer updated_at, then lower id.
func sortCandidates(candidates []*candidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.final != b.final {
			return a.final > b.final
		}
		if a.mem.Priority != b.mem.Priority {
			return a.mem.Priority < b.mem.Priority
		}
		if !a.mem.UpdatedAt.Equal(b.mem.UpdatedAt) {
			return a.mem.UpdatedAt.After(b.mem.UpdatedAt)
		}
		return a.mem.ID < b.mem.ID
	})
}

func breadcrumb(uri string) []string {
	i := strings.Index(uri, "://")
	if i < 0 {
		return nil
	}
	domain, path := uri[:i], uri[i+3:]
	crumbs := []string{domain}
	acc := ""
	for _, seg := range strings.Split(path, "/") {
		if acc == "" {
			acc = seg
		} else {
			acc += "/" + seg
		}
		crumbs = append(crumbs, domain+"://"+acc)
	}
	return crumbs
}
