// Package anthropic implements the provider.Adapter for the Anthropic
// Messages API, including extended thinking for smart-mode requests.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	relay "github.com/veylan/relay/internal"
	"github.com/veylan/relay/internal/provider"
)

const (
	defaultBaseURL = "https://api.anthropic.com"
	providerName   = "anthropic"

	apiVersion = "2023-06-01"
	// thinkingBeta enables interleaved thinking on smart-mode requests.
	thinkingBeta = "interleaved-thinking-2025-05-14"
	// thinkingBudgetCap bounds the thinking token budget regardless of the
	// request's output budget.
	thinkingBudgetCap = 10000
)

var _ provider.Adapter = (*Adapter)(nil)

// Adapter translates ModelRequests into the Anthropic Messages format.
type Adapter struct {
	baseURL string
}

// New creates an Anthropic adapter. An empty baseURL defaults to the
// public API.
func New(baseURL string) *Adapter {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Adapter{baseURL: strings.TrimRight(baseURL, "/")}
}

// Name returns the provider identifier.
func (a *Adapter) Name() string { return providerName }

type messagesRequest struct {
	Model     string          `json:"model"`
	System    string          `json:"system,omitempty"`
	Messages  []message       `json:"messages"`
	MaxTokens int             `json:"max_tokens"`
	Stream    bool            `json:"stream"`
	Thinking  *thinkingConfig `json:"thinking,omitempty"`
}

type message struct {
	Role    string `json:"role"`
	Content any    `json:"content"` // string, or []contentBlock for vision
}

type contentBlock struct {
	Type   string       `json:"type"`
	Text   string       `json:"text,omitempty"`
	Source *imageSource `json:"source,omitempty"`
}

type imageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type thinkingConfig struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens"`
}

// BuildRequest builds the upstream Messages request.
func (a *Adapter) BuildRequest(ctx context.Context, apiKey string, req *relay.ModelRequest, stream bool) (*http.Request, error) {
	var userContent any = req.UserMessage
	if req.ImageBase64 != "" {
		userContent = []contentBlock{
			{Type: "text", Text: req.UserMessage},
			{Type: "image", Source: &imageSource{Type: "base64", MediaType: "image/jpeg", Data: req.ImageBase64}},
		}
	}

	out := messagesRequest{
		Model:     req.Model,
		System:    req.SystemPrompt,
		Messages:  []message{{Role: "user", Content: userContent}},
		MaxTokens: req.MaxTokens,
		Stream:    stream,
	}
	if req.SmartMode {
		out.Thinking = &thinkingConfig{Type: "enabled", BudgetTokens: thinkingBudget(req.MaxTokens)}
	}

	body, err := json.Marshal(&out)
	if err != nil {
		return nil, fmt.Errorf("anthropic: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("anthropic: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", apiKey)
	httpReq.Header.Set("anthropic-version", apiVersion)
	if req.SmartMode {
		httpReq.Header.Set("anthropic-beta", thinkingBeta)
	}
	return httpReq, nil
}

func thinkingBudget(maxTokens int) int {
	if b := maxTokens * 2; b < thinkingBudgetCap {
		return b
	}
	return thinkingBudgetCap
}
