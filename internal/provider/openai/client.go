// Package openai implements the provider.Adapter for OpenAI-compatible chat
// completion APIs. Grok speaks the same wire format, so a second instance
// with a different name and base URL serves it too.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	relay "github.com/veylan/relay/internal"
	"github.com/veylan/relay/internal/provider"
	"github.com/veylan/relay/internal/provider/sseutil"
)

const defaultBaseURL = "https://api.openai.com/v1"

var _ provider.Adapter = (*Adapter)(nil)

// Adapter translates ModelRequests into the OpenAI chat completions format.
type Adapter struct {
	name    string
	baseURL string
}

// New creates an adapter instance. name distinguishes compatible upstreams
// ("openai", "grok"); an empty baseURL defaults to the OpenAI API.
func New(name, baseURL string) *Adapter {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Adapter{name: name, baseURL: strings.TrimRight(baseURL, "/")}
}

// Name returns the provider identifier.
func (a *Adapter) Name() string { return a.name }

type chatRequest struct {
	Model               string    `json:"model"`
	Messages            []message `json:"messages"`
	Temperature         float64   `json:"temperature"`
	Stream              bool      `json:"stream"`
	MaxTokens           int       `json:"max_tokens,omitempty"`
	MaxCompletionTokens int       `json:"max_completion_tokens,omitempty"`
}

type message struct {
	Role    string `json:"role"`
	Content any    `json:"content"` // string, or []contentPart for vision
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

// newerTokenParamPrefixes lists the model families that reject max_tokens
// and require max_completion_tokens instead.
var newerTokenParamPrefixes = []string{"gpt-5", "gpt-4.1", "o4-", "o1-"}

func usesCompletionTokensParam(model string) bool {
	for _, p := range newerTokenParamPrefixes {
		if strings.HasPrefix(model, p) {
			return true
		}
	}
	return false
}

// BuildRequest builds the upstream chat completions request.
func (a *Adapter) BuildRequest(ctx context.Context, apiKey string, req *relay.ModelRequest, stream bool) (*http.Request, error) {
	var userContent any = req.UserMessage
	if req.ImageBase64 != "" {
		userContent = []contentPart{
			{Type: "text", Text: req.UserMessage},
			{Type: "image_url", ImageURL: &imageURL{URL: "data:image/jpeg;base64," + req.ImageBase64}},
		}
	}

	out := chatRequest{
		Model:       req.Model,
		Temperature: 0.7,
		Stream:      stream,
		Messages: []message{
			{Role: "system", Content: req.SystemPrompt},
			{Role: "user", Content: userContent},
		},
	}
	if usesCompletionTokensParam(req.Model) {
		out.MaxCompletionTokens = req.MaxTokens
	} else {
		out.MaxTokens = req.MaxTokens
	}

	body, err := json.Marshal(&out)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", a.name, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", a.name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	return httpReq, nil
}

// ReadStream reads SSE frames and emits neutral events. The "[DONE]"
// sentinel and plain EOF both terminate the stream.
func (a *Adapter) ReadStream(ctx context.Context, body io.Reader, ch chan<- relay.StreamEvent) {
	defer close(ch)

	scanner := sseutil.NewScanner(body)
	for scanner.Scan() {
		_, data, ok := sseutil.ParseSSELine(scanner.Text())
		if !ok || data == "" {
			continue
		}
		if data == "[DONE]" {
			send(ctx, ch, relay.StreamEvent{Done: true})
			return
		}

		if delta := gjson.Get(data, "choices.0.delta.content"); delta.Exists() && delta.String() != "" {
			if !send(ctx, ch, relay.StreamEvent{Delta: delta.String()}) {
				return
			}
		}
		if u := parseUsage(gjson.Get(data, "usage")); u != nil {
			if !send(ctx, ch, relay.StreamEvent{Usage: u}) {
				return
			}
		}
	}
	if err := scanner.Err(); err != nil {
		send(ctx, ch, relay.StreamEvent{Err: fmt.Errorf("%s: read stream: %w", a.name, err)})
		return
	}
	send(ctx, ch, relay.StreamEvent{Done: true})
}

// ParseResponse extracts the completion text and usage from a non-streaming
// response body.
func (a *Adapter) ParseResponse(body []byte) (string, *relay.TokenUsage, error) {
	r := gjson.ParseBytes(body)
	content := r.Get("choices.0.message.content")
	if !content.Exists() {
		return "", nil, fmt.Errorf("%s: response has no content", a.name)
	}
	return content.String(), parseUsage(r.Get("usage")), nil
}

func parseUsage(u gjson.Result) *relay.TokenUsage {
	if !u.IsObject() {
		return nil
	}
	usage := &relay.TokenUsage{
		InputTokens:  int(u.Get("prompt_tokens").Int()),
		OutputTokens: int(u.Get("completion_tokens").Int()),
		TotalTokens:  int(u.Get("total_tokens").Int()),
	}
	if usage.TotalTokens == 0 {
		return nil
	}
	return usage
}

func send(ctx context.Context, ch chan<- relay.StreamEvent, ev relay.StreamEvent) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		// The receiver may already be gone; never block on the farewell.
		select {
		case ch <- relay.StreamEvent{Err: ctx.Err()}:
		default:
		}
		return false
	}
}
