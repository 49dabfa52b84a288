package rerank

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNormalizeUnitScore(t *testing.T) {
	tests := []struct {
		raw  float64
		want float64
	}{
		{0.5, 0.5},
		{0, 0},
		{1, 1},
		{-0.5, 0.25},
		{-1, 0},
		{4, 1 / (1 + math.Exp(-4))},
		{-3, 1 / (1 + math.Exp(3))},
	}
	for _, tt := range tests {
		got := NormalizeUnitScore(tt.raw)
		if math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("NormalizeUnitScore(%f) = %f, want %f", tt.raw, got, tt.want)
		}
	}
}

func TestExtractScores(t *testing.T) {
	i0, i1 := 0, 1
	s0, s1 := 0.9, -0.5

	// index/score shape
	scores, err := ExtractScores([]rerankResult{
		{Index: &i0, Score: &s0},
		{Index: &i1, Score: &s1},
	}, 2)
	if err != nil {
		t.Fatalf("ExtractScores failed: %v", err)
	}
	if scores[0] != 0.9 || scores[1] != 0.25 {
		t.Errorf("unexpected scores: %v", scores)
	}

	// document_index/relevance_score shape
	scores, err = ExtractScores([]rerankResult{
		{DocumentIndex: &i1, RelevanceScore: &s0},
	}, 2)
	if err != nil {
		t.Fatalf("ExtractScores failed: %v", err)
	}
	if scores[0] != 0 || scores[1] != 0.9 {
		t.Errorf("unexpected scores: %v", scores)
	}

	// out-of-range indices are skipped; no usable score is an error
	bad := 7
	if _, err := ExtractScores([]rerankResult{{Index: &bad, Score: &s0}}, 2); err == nil {
		t.Error("expected error when no score maps onto a document")
	}
	if _, err := ExtractScores(nil, 2); err == nil {
		t.Error("expected error for empty results")
	}
}

func TestClientRerank(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rerank" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer k" {
			t.Errorf("missing bearer header")
		}
		var req rerankRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("bad request body: %v", err)
		}
		if req.Query != "q" || len(req.Documents) != 2 {
			t.Errorf("unexpected request: %+v", req)
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"results": []map[string]interface{}{
				{"index": 1, "relevance_score": 0.8},
				{"index": 0, "relevance_score": 0.2},
			},
		})
	}))
	defer srv.Close()

	c := New(Config{APIBase: srv.URL, APIKey: "k", Model: "m"})
	scores, err := c.Rerank(context.Background(), "q", []string{"a", "b"})
	if err != nil {
		t.Fatalf("Rerank failed: %v", err)
	}
	if scores[0] != 0.2 || scores[1] != 0.8 {
		t.Errorf("unexpected scores: %v", scores)
	}
}

func TestClientRerankErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := New(Config{APIBase: srv.URL, Model: "m"})
	if _, err := c.Rerank(context.Background(), "q", []string{"a"}); err == nil {
		t.Error("expected error for non-200 response")
	}
}
