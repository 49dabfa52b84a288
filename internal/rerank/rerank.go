// Package rerank calls a remote reranking endpoint and normalizes its
// scores into the unit interval.
package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
)

// Reranker scores documents against a query. Safe for concurrent use.
type Reranker interface {
	// Rerank returns one unit-interval score per document, index-aligned
	// with the input.
	Rerank(ctx context.Context, query string, documents []string) ([]float64, error)
}

// Config parameterizes the remote client.
type Config struct {
	APIBase string
	APIKey  string
	Model   string
}

// Configured reports whether the config is complete enough to build a
// client.
func (c Config) Configured() bool {
	return c.APIBase != "" && c.Model != ""
}

// Client is the HTTP reranker. A circuit breaker protects the endpoint
// from stampedes while it is unhealthy.
type Client struct {
	base    string
	apiKey  string
	model   string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

// New builds the remote rerank client.
func New(cfg Config) *Client {
	return &Client{
		base:   strings.TrimRight(cfg.APIBase, "/"),
		apiKey: cfg.APIKey,
		model:  cfg.Model,
		client: &http.Client{Timeout: 15 * time.Second},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "reranker",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

type rerankRequest struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
}

// rerankResult tolerates the two common wire shapes: {index, score} and
// {document_index, relevance_score}.
type rerankResult struct {
	Index          *int     `json:"index"`
	DocumentIndex  *int     `json:"document_index"`
	Score          *float64 `json:"score"`
	RelevanceScore *float64 `json:"relevance_score"`
}

type rerankResponse struct {
	Results []rerankResult `json:"results"`
	Data    []rerankResult `json:"data"`
}

// Rerank posts the query and documents and maps the response back onto
// input positions. Documents absent from the response keep score 0.
func (c *Client) Rerank(ctx context.Context, query string, documents []string) ([]float64, error) {
	if len(documents) == 0 {
		return nil, nil
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		body, err := json.Marshal(rerankRequest{Model: c.model, Query: query, Documents: documents})
		if err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/rerank", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
			req.Header.Set("X-API-Key", c.apiKey)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("rerank endpoint returned status %d", resp.StatusCode)
		}

		var parsed rerankResponse
		if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
			return nil, fmt.Errorf("failed to decode rerank response: %w", err)
		}
		return parsed, nil
	})
	if err != nil {
		return nil, err
	}

	parsed := result.(rerankResponse)
	results := parsed.Results
	if len(results) == 0 {
		results = parsed.Data
	}
	return ExtractScores(results, len(documents))
}

// ExtractScores maps wire results back onto document positions,
// normalizing every score into [0,1].
func ExtractScores(results []rerankResult, docCount int) ([]float64, error) {
	scores := make([]float64, docCount)
	seen := false
	for _, r := range results {
		var idx int
		switch {
		case r.Index != nil:
			idx = *r.Index
		case r.DocumentIndex != nil:
			idx = *r.DocumentIndex
		default:
			continue
		}
		if idx < 0 || idx >= docCount {
			continue
		}

		var raw float64
		switch {
		case r.Score != nil:
			raw = *r.Score
		case r.RelevanceScore != nil:
			raw = *r.RelevanceScore
		default:
			continue
		}
		scores[idx] = NormalizeUnitScore(raw)
		seen = true
	}
	if !seen {
		return nil, fmt.Errorf("rerank response carried no usable scores")
	}
	return scores, nil
}

// NormalizeUnitScore maps a raw model score into [0,1]: unit-range scores
// pass through, [-1,1] scores are shifted, anything else goes through a
// sigmoid.
func NormalizeUnitScore(raw float64) float64 {
	switch {
	case raw >= 0 && raw <= 1:
		return raw
	case raw >= -1 && raw <= 1:
		return (raw + 1) / 2
	default:
		return 1 / (1 + math.Exp(-raw))
	}
}
