package retrieval

import (
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
)

// Search modes.
const (
	ModeKeyword  = "keyword"
	ModeSemantic = "semantic"
	ModeHybrid   = "hybrid"
)

// Weights distribute the merged score across signal components. Each
// template's weights sum to 1.
type Weights struct {
	Vector   float64
	Text     float64
	Priority float64
	Recency  float64
	Prefix   float64
}

// Template is a named parameter bundle selected by intent: candidate pool
// multiplier, score weights, and an optional time-window filter.
type Template struct {
	Name       string
	Multiplier func(requested int) int
	Weights    Weights
	TimeWindow bool
}

var (
	factualTemplate = Template{
		Name:       "factual_high_precision",
		Multiplier: func(x int) int { return min(atLeastOne(x), 2) },
		Weights:    Weights{Vector: 0.22, Text: 0.58, Priority: 0.12, Recency: 0.06, Prefix: 0.02},
	}
	exploratoryTemplate = Template{
		Name:       "exploratory_high_recall",
		Multiplier: func(x int) int { return max(atLeastOne(x), 6) },
		Weights:    Weights{Vector: 0.58, Text: 0.24, Priority: 0.12, Recency: 0.04, Prefix: 0.02},
	}
	temporalTemplate = Template{
		Name:       "temporal_time_filtered",
		Multiplier: func(x int) int { return max(atLeastOne(x), 5) },
		Weights:    Weights{Vector: 0.22, Text: 0.32, Priority: 0.06, Recency: 0.38, Prefix: 0.02},
		TimeWindow: true,
	}
	causalTemplate = Template{
		Name:       "causal_wide_pool",
		Multiplier: func(x int) int { return max(atLeastOne(x), 8) },
		Weights:    Weights{Vector: 0.52, Text: 0.28, Priority: 0.12, Recency: 0.06, Prefix: 0.02},
	}
	defaultTemplate = Template{
		Name:       "default",
		Multiplier: atLeastOne,
		Weights:    Weights{Vector: 0.45, Text: 0.45, Priority: 0.06, Recency: 0.03, Prefix: 0.01},
	}
)

// Single-mode weight tables replace the template weights when the caller
// pins the mode.
var (
	keywordModeWeights  = Weights{Text: 0.80, Priority: 0.12, Recency: 0.06, Prefix: 0.02}
	semanticModeWeights = Weights{Vector: 0.82, Priority: 0.10, Recency: 0.06, Prefix: 0.02}
)

// SelectTemplate maps an intent onto its strategy template.
func SelectTemplate(intent string) Template {
	switch intent {
	case IntentFactual:
		return factualTemplate
	case IntentExploratory:
		return exploratoryTemplate
	case IntentTemporal:
		return temporalTemplate
	case IntentCausal:
		return causalTemplate
	default:
		return defaultTemplate
	}
}

var timeParser = func() *when.Parser {
	p := when.New(nil)
	p.Add(en.All...)
	p.Add(common.All...)
	return p
}()

// ParseTimeWindow extracts a natural-language time reference from the raw
// query and returns it as an updated_after bound. Phrases in the past
// open a window from that point; future references yield no window.
func ParseTimeWindow(raw string, now time.Time) *time.Time {
	result, err := timeParser.Parse(raw, now)
	if err != nil || result == nil {
		return nil
	}
	if !result.Time.Before(now) {
		return nil
	}
	t := result.Time
	return &t
}

func atLeastOne(x int) int {
	if x < 1 {
		return 1
	}
	return x
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
