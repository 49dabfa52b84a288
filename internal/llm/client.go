// Package llm wraps the Anthropic API for write-guard arbitration and gist
// summarization.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net"
	"os"
	"strings"
	"text/template"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/palacehq/palace/internal/types"
)

const (
	defaultModel   = "claude-3-5-haiku-latest"
	maxRetries     = 3
	initialBackoff = 1 * time.Second
)

// ErrAPIKeyRequired is returned when an API key is needed but not provided.
var ErrAPIKeyRequired = errors.New("API key required")

// Client wraps the Anthropic API.
type Client struct {
	client         anthropic.Client
	model          anthropic.Model
	guardTemplate  *template.Template
	gistTemplate   *template.Template
	maxRetries     int
	initialBackoff time.Duration
}

// New creates a new LLM client. Env var ANTHROPIC_API_KEY takes precedence
// over the explicit apiKey.
func New(apiKey, model string) (*Client, error) {
	envKey := os.Getenv("ANTHROPIC_API_KEY")
	if envKey != "" {
		apiKey = envKey
	}
	if apiKey == "" {
		return nil, fmt.Errorf("%w: set ANTHROPIC_API_KEY environment variable or provide via config", ErrAPIKeyRequired)
	}
	if model == "" {
		model = defaultModel
	}

	client := anthropic.NewClient(option.WithAPIKey(apiKey))

	guardTmpl, err := template.New("guard").Parse(guardPromptTemplate)
	if err != nil {
		return nil, fmt.Errorf("failed to parse guard template: %w", err)
	}
	gistTmpl, err := template.New("gist").Parse(gistPromptTemplate)
	if err != nil {
		return nil, fmt.Errorf("failed to parse gist template: %w", err)
	}

	return &Client{
		client:         client,
		model:          anthropic.Model(model),
		guardTemplate:  guardTmpl,
		gistTemplate:   gistTmpl,
		maxRetries:     maxRetries,
		initialBackoff: initialBackoff,
	}, nil
}

// GuardVerdict is the strict-JSON arbitration answer.
type GuardVerdict struct {
	Action     string  `json:"action"`
	Reason     string  `json:"reason"`
	Confidence float64 `json:"confidence"`
}

// Arbitrate asks the model whether a proposed write duplicates, supersedes,
// or complements the closest existing memory. The answer must be strict
// JSON; anything else is rejected so the caller can fall back.
func (c *Client) Arbitrate(ctx context.Context, existing, proposal string) (*GuardVerdict, error) {
	prompt, err := render(c.guardTemplate, guardData{Existing: existing, Proposal: proposal})
	if err != nil {
		return nil, fmt.Errorf("failed to render guard prompt: %w", err)
	}

	resp, err := c.callWithRetry(ctx, prompt)
	if err != nil {
		return nil, err
	}

	verdict, err := parseGuardVerdict(resp)
	if err != nil {
		return nil, err
	}
	return verdict, nil
}

// parseGuardVerdict accepts only a JSON object with a valid action. Models
// occasionally wrap the object in prose or fences, so the first balanced
// object is extracted before decoding.
func parseGuardVerdict(resp string) (*GuardVerdict, error) {
	start := strings.Index(resp, "{")
	end := strings.LastIndex(resp, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("guard response carried no JSON object")
	}

	var verdict GuardVerdict
	if err := json.Unmarshal([]byte(resp[start:end+1]), &verdict); err != nil {
		return nil, fmt.Errorf("failed to decode guard verdict: %w", err)
	}

	verdict.Action = strings.ToUpper(strings.TrimSpace(verdict.Action))
	switch verdict.Action {
	case types.GuardAdd, types.GuardUpdate, types.GuardNoop, types.GuardDelete:
	default:
		return nil, fmt.Errorf("guard verdict carried invalid action %q", verdict.Action)
	}
	if verdict.Confidence < 0 || verdict.Confidence > 1 {
		verdict.Confidence = 0.5
	}
	return &verdict, nil
}

// Gist produces a compressed summary of session content, at most maxLines
// lines.
func (c *Client) Gist(ctx context.Context, content string, maxLines int) (string, error) {
	if maxLines < 3 {
		maxLines = 3
	}
	prompt, err := render(c.gistTemplate, gistData{Content: content, MaxLines: maxLines})
	if err != nil {
		return "", fmt.Errorf("failed to render gist prompt: %w", err)
	}
	return c.callWithRetry(ctx, prompt)
}

func (c *Client) callWithRetry(ctx context.Context, prompt string) (string, error) {
	var lastErr error
	params := anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: 1024,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.initialBackoff * time.Duration(math.Pow(2, float64(attempt-1)))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		message, err := c.client.Messages.New(ctx, params)

		if err == nil {
			if len(message.Content) > 0 {
				content := message.Content[0]
				if content.Type == "text" {
					return content.Text, nil
				}
				return "", fmt.Errorf("unexpected response format: not a text block (type=%s)", content.Type)
			}
			return "", fmt.Errorf("unexpected response format: no content blocks")
		}

		lastErr = err

		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		if !isRetryable(err) {
			return "", fmt.Errorf("non-retryable error: %w", err)
		}
	}

	return "", fmt.Errorf("failed after %d retries: %w", c.maxRetries+1, lastErr)
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		statusCode := apiErr.StatusCode
		if statusCode == 429 || statusCode >= 500 {
			return true
		}
		return false
	}

	return false
}

type guardData struct {
	Existing string
	Proposal string
}

type gistData struct {
	Content  string
	MaxLines int
}

func render(tmpl *template.Template, data interface{}) (string, error) {
	var sb strings.Builder
	if err := tmpl.Execute(&sb, data); err != nil {
		return "", err
	}
	return sb.String(), nil
}

const guardPromptTemplate = `You are a write guard for an agent memory store. Compare a proposed new memory against the closest existing memory and decide the correct action.

**Existing memory:**
{{.Existing}}

**Proposed memory:**
{{.Proposal}}

Decide:
- NOOP: the proposal adds nothing over the existing memory.
- UPDATE: the proposal supersedes or meaningfully extends the existing memory.
- ADD: the proposal is about something else and should be stored separately.
- DELETE: the proposal explicitly invalidates the existing memory.

Answer with ONLY a JSON object, no prose:
{"action": "ADD|UPDATE|NOOP|DELETE", "reason": "one short sentence", "confidence": 0.0-1.0}`

const gistPromptTemplate = `You are compressing an agent working-session transcript into a durable gist. The output MUST be significantly shorter than the input while preserving decisions, outcomes, and open threads.

**Session content:**
{{.Content}}

Write at most {{.MaxLines}} lines. Use terse bullet points. No preamble, no closing remarks.`
