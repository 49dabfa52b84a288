package embed

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// APIEmbedder calls a remote OpenAI-compatible /embeddings endpoint. A
// circuit breaker caps stampedes against an unhealthy endpoint, and a
// small cache keyed by model and normalized text absorbs repeat queries.
type APIEmbedder struct {
	base    string
	apiKey  string
	model   string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker

	mu    sync.Mutex
	cache map[string][]float32
}

const cacheLimit = 512

// NewAPIEmbedder builds the remote backend.
func NewAPIEmbedder(cfg Config) *APIEmbedder {
	return &APIEmbedder{
		base:   strings.TrimRight(cfg.APIBase, "/"),
		apiKey: cfg.APIKey,
		model:  cfg.Model,
		client: &http.Client{Timeout: 15 * time.Second},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "embeddings",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
		cache: make(map[string][]float32),
	}
}

// Backend names the backend.
func (a *APIEmbedder) Backend() string {
	return BackendAPI
}

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed fetches vectors for the given texts, serving cached entries where
// possible and requesting only the misses.
func (a *APIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	var missing []string
	var missingIdx []int

	for i, text := range texts {
		if vec, ok := a.cached(text); ok {
			vectors[i] = vec
		} else {
			missing = append(missing, text)
			missingIdx = append(missingIdx, i)
		}
	}
	if len(missing) == 0 {
		return vectors, nil
	}

	fetched, err := a.fetch(ctx, missing)
	if err != nil {
		return nil, err
	}
	if len(fetched) != len(missing) {
		return nil, fmt.Errorf("embedding endpoint returned %d vectors for %d inputs", len(fetched), len(missing))
	}
	for j, vec := range fetched {
		vectors[missingIdx[j]] = vec
		a.put(missing[j], vec)
	}
	return vectors, nil
}

func (a *APIEmbedder) fetch(ctx context.Context, texts []string) ([][]float32, error) {
	result, err := a.breaker.Execute(func() (interface{}, error) {
		body, err := json.Marshal(embeddingRequest{Model: a.model, Input: texts})
		if err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.base+"/embeddings", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		if a.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+a.apiKey)
			req.Header.Set("X-API-Key", a.apiKey)
		}

		resp, err := a.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("embedding endpoint returned status %d", resp.StatusCode)
		}

		var parsed embeddingResponse
		if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
			return nil, fmt.Errorf("failed to decode embedding response: %w", err)
		}
		vectors := make([][]float32, len(parsed.Data))
		for i, d := range parsed.Data {
			vectors[i] = d.Embedding
		}
		return vectors, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([][]float32), nil
}

// cacheKey normalizes whitespace and case so trivially different requests
// share an entry.
func (a *APIEmbedder) cacheKey(text string) string {
	normalized := strings.ToLower(strings.Join(strings.Fields(text), " "))
	sum := sha256.Sum256([]byte(normalized))
	return a.model + ":" + hex.EncodeToString(sum[:])
}

func (a *APIEmbedder) cached(text string) ([]float32, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	vec, ok := a.cache[a.cacheKey(text)]
	return vec, ok
}

func (a *APIEmbedder) put(text string, vec []float32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.cache) >= cacheLimit {
		// drop an arbitrary entry; recency bookkeeping is not worth it here
		for k := range a.cache {
			delete(a.cache, k)
			break
		}
	}
	a.cache[a.cacheKey(text)] = vec
}
