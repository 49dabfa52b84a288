// Package guard implements the pre-write decision ladder: semantic match,
// keyword match, optional LLM arbitration, then default ADD. The guard
// never mutates the store.
package guard

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/palacehq/palace/internal/embed"
	"github.com/palacehq/palace/internal/llm"
	"github.com/palacehq/palace/internal/storage"
	"github.com/palacehq/palace/internal/types"
)

// Decision thresholds. The keyword ladder mirrors the semantic one at
// lower confidence since token overlap is a weaker signal than embedding
// distance.
const (
	SemNoopThreshold    = 0.92
	SemUpdateThreshold  = 0.78
	KwNoopThreshold     = 0.82
	KwUpdateThreshold   = 0.55
	LLMConsultThreshold = 0.50

	candidateLimit = 5
)

// Arbiter is the optional LLM classifier consulted when the cheap signals
// are inconclusive.
type Arbiter interface {
	Arbitrate(ctx context.Context, existing, proposal string) (*llm.GuardVerdict, error)
}

// Guard evaluates proposed writes against the current store view.
type Guard struct {
	store    storage.Storage
	embedder embed.Embedder // nil disables the semantic rung
	arbiter  Arbiter        // nil disables LLM arbitration
}

// New builds a guard. embedder and arbiter may be nil; the ladder skips
// the corresponding rungs.
func New(store storage.Storage, embedder embed.Embedder, arbiter Arbiter) *Guard {
	return &Guard{store: store, embedder: embedder, arbiter: arbiter}
}

// Outcome couples the decision with the degrade reasons classification
// produced along the way.
type Outcome struct {
	Decision       types.GuardDecision
	DegradeReasons []string
}

// Evaluate runs the decision ladder for proposed content. The first
// definitive verdict wins; with no verdict the proposal is an ADD.
func (g *Guard) Evaluate(ctx context.Context, proposal string) (*Outcome, error) {
	out := &Outcome{}

	// rung 1: semantic match
	var bestSemantic *scoredCandidate
	if g.embedder != nil {
		cand, err := g.semanticCandidate(ctx, proposal)
		if err != nil {
			out.DegradeReasons = append(out.DegradeReasons, types.DegradeEmbeddingRequestFailed)
		} else if cand != nil {
			bestSemantic = cand
			if cand.score >= SemNoopThreshold {
				out.Decision = g.decision(ctx, types.GuardNoop, cand,
					types.GuardMethodEmbedding,
					fmt.Sprintf("semantic similarity %.2f duplicates existing memory", cand.score))
				return out, nil
			}
			if cand.score >= SemUpdateThreshold && supersedes(proposal, cand.content) {
				out.Decision = g.decision(ctx, types.GuardUpdate, cand,
					types.GuardMethodEmbedding,
					fmt.Sprintf("semantic similarity %.2f and proposal supersedes existing", cand.score))
				return out, nil
			}
		}
	}

	// rung 2: keyword match
	bestKeyword, err := g.keywordCandidate(ctx, proposal)
	if err != nil {
		out.DegradeReasons = append(out.DegradeReasons, types.DegradeQueryPreprocessFailed)
	} else if bestKeyword != nil {
		if bestKeyword.score >= KwNoopThreshold {
			out.Decision = g.decision(ctx, types.GuardNoop, bestKeyword,
				types.GuardMethodKeyword,
				fmt.Sprintf("token overlap %.2f duplicates existing memory", bestKeyword.score))
			return out, nil
		}
		if bestKeyword.score >= KwUpdateThreshold && supersedes(proposal, bestKeyword.content) {
			out.Decision = g.decision(ctx, types.GuardUpdate, bestKeyword,
				types.GuardMethodKeyword,
				fmt.Sprintf("token overlap %.2f and proposal supersedes existing", bestKeyword.score))
			return out, nil
		}
	}

	// rung 3: optional LLM arbitration on a near-miss candidate
	consult := strongest(bestSemantic, bestKeyword)
	if g.arbiter != nil && consult != nil && consult.score >= LLMConsultThreshold {
		verdict, err := g.arbiter.Arbitrate(ctx, consult.content, proposal)
		if err != nil {
			out.DegradeReasons = append(out.DegradeReasons, types.DegradeWriteGuardLLMFailed)
		} else if verdict.Action != types.GuardAdd {
			out.Decision = g.decision(ctx, verdict.Action, consult, types.GuardMethodLLM, verdict.Reason)
			out.Decision.Confidence = verdict.Confidence
			return out, nil
		}
	}

	// rung 4: default
	method := types.GuardMethodKeyword
	if g.embedder != nil && bestSemantic != nil {
		method = types.GuardMethodEmbedding
	}
	if bestSemantic == nil && bestKeyword == nil && len(out.DegradeReasons) > 0 {
		method = types.GuardMethodFallback
	}
	out.Decision = types.GuardDecision{
		Action:     types.GuardAdd,
		Method:     method,
		Reason:     "no strong duplicate signal",
		Confidence: 0.6,
	}
	return out, nil
}

// Bypass is the decision attached to metadata-only updates, which skip the
// ladder entirely.
func Bypass() types.GuardDecision {
	return types.GuardDecision{
		Action:     types.GuardBypass,
		Method:     types.GuardMethodBypass,
		Reason:     "metadata-only update",
		Confidence: 1.0,
	}
}

type scoredCandidate struct {
	memoryID int64
	content  string
	score    float64
}

func (g *Guard) semanticCandidate(ctx context.Context, proposal string) (*scoredCandidate, error) {
	vectors, err := g.embedder.Embed(ctx, []string{proposal})
	if err != nil {
		return nil, err
	}
	hits, err := g.store.SearchVector(ctx, vectors[0], candidateLimit)
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return nil, nil
	}

	best := hits[0]
	mem, err := g.store.GetMemory(ctx, best.MemoryID)
	if err != nil || mem == nil {
		return nil, err
	}
	return &scoredCandidate{memoryID: mem.ID, content: mem.Content, score: best.Cosine}, nil
}

func (g *Guard) keywordCandidate(ctx context.Context, proposal string) (*scoredCandidate, error) {
	hits, err := g.store.SearchKeyword(ctx, proposal, candidateLimit)
	if err != nil {
		return nil, err
	}

	var best *scoredCandidate
	for _, hit := range hits {
		mem, err := g.store.GetMemory(ctx, hit.MemoryID)
		if err != nil {
			return nil, err
		}
		if mem == nil {
			continue
		}
		score := jaccard(proposal, mem.Content)
		if best == nil || score > best.score {
			best = &scoredCandidate{memoryID: mem.ID, content: mem.Content, score: score}
		}
	}
	return best, nil
}

func (g *Guard) decision(ctx context.Context, action string, cand *scoredCandidate, method, reason string) types.GuardDecision {
	d := types.GuardDecision{
		Action:     action,
		TargetID:   cand.memoryID,
		Method:     method,
		Reason:     reason,
		Confidence: cand.score,
	}
	if entries, err := g.store.ListPaths(ctx, cand.memoryID); err == nil && len(entries) > 0 {
		d.TargetURI = entries[0].URI()
	}
	return d
}

func strongest(a, b *scoredCandidate) *scoredCandidate {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case b.score > a.score:
		return b
	default:
		return a
	}
}

// supersedes applies the content-intent heuristic: a clearly longer
// proposal, or one sharing most of the existing tokens, replaces rather
// than duplicates.
func supersedes(proposal, existing string) bool {
	if float64(len(proposal)) > float64(len(existing))*1.2 {
		return true
	}
	return tokenOverlap(proposal, existing) >= 0.6
}

var guardTokenPattern = regexp.MustCompile(`[a-z0-9_]+`)

func tokenSet(text string) map[string]bool {
	set := make(map[string]bool)
	for _, tok := range guardTokenPattern.FindAllString(strings.ToLower(text), -1) {
		set[tok] = true
	}
	return set
}

// jaccard is |A∩B| / |A∪B| over normalized token sets.
func jaccard(a, b string) float64 {
	setA, setB := tokenSet(a), tokenSet(b)
	if len(setA) == 0 && len(setB) == 0 {
		return 0
	}
	inter := 0
	for tok := range setA {
		if setB[tok] {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// tokenOverlap is the share of existing tokens also present in the
// proposal.
func tokenOverlap(proposal, existing string) float64 {
	setP, setE := tokenSet(proposal), tokenSet(existing)
	if len(setE) == 0 {
		return 0
	}
	inter := 0
	for tok := range setE {
		if setP[tok] {
			inter++
		}
	}
	return float64(inter) / float64(len(setE))
}
