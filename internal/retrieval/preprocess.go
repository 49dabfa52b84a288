package retrieval

import (
	"regexp"
	"strings"
	"unicode"
)

const maxQueryTokens = 16

var queryTokenPattern = regexp.MustCompile(`[a-z0-9_]+`)

// Query is the preprocessed form of a search input. Raw is preserved for
// display; Effective is what the index stages match against.
type Query struct {
	Raw       string   `json:"query"`
	Effective string   `json:"query_effective"`
	Tokens    []string `json:"-"`
	Preserved bool     `json:"-"` // raw kept verbatim (URI-like or non-ASCII)
}

// Empty reports whether nothing usable survived preprocessing.
func (q Query) Empty() bool {
	return q.Effective == ""
}

// Preprocess trims and collapses whitespace, lowercases, and tokenizes the
// query. Tokens are deduplicated in order and capped. URI-like and
// non-ASCII queries keep the raw string as the effective query since
// token extraction would destroy them.
func Preprocess(raw string) Query {
	trimmed := strings.Join(strings.Fields(raw), " ")
	q := Query{Raw: trimmed}

	lower := strings.ToLower(trimmed)
	seen := make(map[string]bool)
	for _, tok := range queryTokenPattern.FindAllString(lower, -1) {
		if seen[tok] {
			continue
		}
		seen[tok] = true
		q.Tokens = append(q.Tokens, tok)
		if len(q.Tokens) == maxQueryTokens {
			break
		}
	}

	if strings.Contains(trimmed, "://") || !isASCII(trimmed) {
		q.Effective = trimmed
		q.Preserved = true
		return q
	}

	q.Effective = strings.Join(q.Tokens, " ")
	return q
}

func isASCII(s string) bool {
	for _, r := range s {
		if r > unicode.MaxASCII {
			return false
		}
	}
	return true
}
