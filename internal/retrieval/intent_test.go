package retrieval

import (
	"testing"
	"time"
)

func TestPreprocess(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		effective string
		tokens    int
		preserved bool
	}{
		{"plain", "Deploy  Train   schedule", "deploy train schedule", 3, false},
		{"dedupes", "go go go gadget", "go gadget", 2, false},
		{"punctuation stripped", "what's the plan?", "what s the plan", 4, false},
		{"uri preserved", "read core://agent/style now", "read core://agent/style now", 5, true},
		{"non-ascii preserved", "café notes", "café notes", 2, true},
		{"empty", "   ", "", 0, false},
		{"symbols only", "!!! ???", "", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := Preprocess(tt.raw)
			if q.Effective != tt.effective {
				t.Errorf("effective = %q, want %q", q.Effective, tt.effective)
			}
			if len(q.Tokens) != tt.tokens {
				t.Errorf("tokens = %v, want %d", q.Tokens, tt.tokens)
			}
			if q.Preserved != tt.preserved {
				t.Errorf("preserved = %v", q.Preserved)
			}
			if q.Empty() != (tt.effective == "") {
				t.Errorf("Empty() = %v", q.Empty())
			}
		})
	}
}

func TestPreprocessTokenCap(t *testing.T) {
	raw := "a0 a1 a2 a3 a4 a5 a6 a7 a8 a9 b0 b1 b2 b3 b4 b5 b6 b7"
	q := Preprocess(raw)
	if len(q.Tokens) != maxQueryTokens {
		t.Errorf("tokens = %d, want %d", len(q.Tokens), maxQueryTokens)
	}
}

func TestClassifyIntent(t *testing.T) {
	tests := []struct {
		name   string
		query  string
		intent string
	}{
		{"temporal", "meetings last week", IntentTemporal},
		{"causal", "why did the deploy fail", IntentCausal},
		{"exploratory", "list all caching options", IntentExploratory},
		{"factual default", "postgres connection string", IntentFactual},
		{"tie is unknown", "why list", IntentUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := Preprocess(tt.query)
			got := ClassifyIntent(q.Tokens, 0)
			if got.Name != tt.intent {
				t.Errorf("intent = %s (%+v), want %s", got.Name, got.Scores, tt.intent)
			}
		})
	}
}

func TestClassifyIntentConfidence(t *testing.T) {
	q := Preprocess("postgres connection string")
	got := ClassifyIntent(q.Tokens, 0)
	if got.Confidence != 0.55 {
		t.Errorf("no-signal confidence = %f, want 0.55", got.Confidence)
	}

	q = Preprocess("meetings last week")
	got = ClassifyIntent(q.Tokens, 0)
	if got.Confidence <= 0.58 || got.Confidence > 0.96 {
		t.Errorf("temporal confidence = %f out of expected range", got.Confidence)
	}
}

func TestSelectTemplate(t *testing.T) {
	tests := []struct {
		intent   string
		template string
	}{
		{IntentFactual, "factual_high_precision"},
		{IntentExploratory, "exploratory_high_recall"},
		{IntentTemporal, "temporal_time_filtered"},
		{IntentCausal, "causal_wide_pool"},
		{IntentUnknown, "default"},
	}
	for _, tt := range tests {
		if got := SelectTemplate(tt.intent); got.Name != tt.template {
			t.Errorf("SelectTemplate(%s) = %s, want %s", tt.intent, got.Name, tt.template)
		}
	}
}

func TestTemplateMultipliers(t *testing.T) {
	if got := factualTemplate.Multiplier(10); got != 2 {
		t.Errorf("factual multiplier caps at 2, got %d", got)
	}
	if got := exploratoryTemplate.Multiplier(1); got != 6 {
		t.Errorf("exploratory multiplier floors at 6, got %d", got)
	}
	if got := causalTemplate.Multiplier(0); got != 8 {
		t.Errorf("causal multiplier floors at 8, got %d", got)
	}
	if got := defaultTemplate.Multiplier(3); got != 3 {
		t.Errorf("default multiplier passes through, got %d", got)
	}
}

func TestTemplateWeightsSumToOne(t *testing.T) {
	for _, tmpl := range []Template{
		factualTemplate, exploratoryTemplate, temporalTemplate, causalTemplate, defaultTemplate,
	} {
		w := tmpl.Weights
		sum := w.Vector + w.Text + w.Priority + w.Recency + w.Prefix
		if sum < 0.999 || sum > 1.001 {
			t.Errorf("%s weights sum to %f", tmpl.Name, sum)
		}
	}
}

func TestParseTimeWindow(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	got := ParseTimeWindow("meetings yesterday", now)
	if got == nil {
		t.Fatal("yesterday should produce a window")
	}
	if !got.Before(now) {
		t.Errorf("window %v is not in the past", got)
	}

	if got := ParseTimeWindow("plain factual query", now); got != nil {
		t.Errorf("no time reference should mean no window, got %v", got)
	}
}

func TestSessionRing(t *testing.T) {
	r := NewSessionRing(3)
	for id := int64(1); id <= 5; id++ {
		r.Touch("s1", id)
	}
	got := r.Recent("s1")
	if len(got) != 3 || got[0] != 5 || got[2] != 3 {
		t.Errorf("ring = %v, want [5 4 3]", got)
	}

	// Re-touching moves to the newest slot without duplication.
	r.Touch("s1", 3)
	got = r.Recent("s1")
	if got[0] != 3 || len(got) != 3 {
		t.Errorf("ring after re-touch = %v", got)
	}

	r.Drop("s1")
	if len(r.Recent("s1")) != 0 {
		t.Error("ring survived drop")
	}
}
