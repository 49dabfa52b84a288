package retrieval

import "math"

// Intent names. Unknown routes to the default template.
const (
	IntentFactual     = "factual"
	IntentExploratory = "exploratory"
	IntentTemporal    = "temporal"
	IntentCausal      = "causal"
	IntentUnknown     = "unknown"
)

// DefaultAmbiguousMargin separates a decisive top intent from a tie.
const DefaultAmbiguousMargin = 0.06

const perHitScore = 0.07

var intentKeywords = map[string][]string{
	IntentTemporal: {
		"yesterday", "today", "tomorrow", "week", "month", "year", "day",
		"recent", "recently", "last", "latest", "ago", "when", "date",
		"morning", "evening", "night", "since", "before", "after",
	},
	IntentCausal: {
		"why", "because", "cause", "caused", "causes", "reason", "reasons",
		"led", "root",
	},
	IntentExploratory: {
		"list", "kinds", "types", "examples", "options", "ideas", "ways",
		"overview", "compare", "alternatives", "everything", "all",
	},
}

// Intent is the classified purpose of a query with the scoring trace.
type Intent struct {
	Name       string             `json:"intent"`
	Confidence float64            `json:"confidence"`
	Scores     map[string]float64 `json:"scores,omitempty"`
}

// ClassifyIntent scores the token stream against per-intent keyword lists.
// The top score must clear the runner-up by the ambiguous margin or the
// intent is unknown; queries with no signal default to factual.
func ClassifyIntent(tokens []string, ambiguousMargin float64) Intent {
	if ambiguousMargin <= 0 {
		ambiguousMargin = DefaultAmbiguousMargin
	}

	scores := make(map[string]float64, len(intentKeywords))
	for name, words := range intentKeywords {
		hits := 0
		for _, tok := range tokens {
			for _, w := range words {
				if tok == w {
					hits++
					break
				}
			}
		}
		if hits > 0 {
			scores[name] = float64(hits) * perHitScore
		}
	}

	if len(scores) == 0 {
		return Intent{Name: IntentFactual, Confidence: 0.55}
	}

	top, second := "", 0.0
	topScore := 0.0
	for name, score := range scores {
		switch {
		case score > topScore:
			second = topScore
			top, topScore = name, score
		case score > second:
			second = score
		}
	}

	margin := topScore - second
	if second > 0 && margin < ambiguousMargin {
		return Intent{Name: IntentUnknown, Confidence: 0.5, Scores: scores}
	}

	confidence := math.Min(0.96, 0.58+topScore+(margin/perHitScore)*0.04)
	return Intent{Name: top, Confidence: confidence, Scores: scores}
}
