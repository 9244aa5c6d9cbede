// Package gemini implements the provider.Adapter for the Google Gemini
// generateContent API.
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"

	relay "github.com/veylan/relay/internal"
	"github.com/veylan/relay/internal/provider"
	"github.com/veylan/relay/internal/provider/sseutil"
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta/models"
	providerName   = "gemini"
)

var _ provider.Adapter = (*Adapter)(nil)

// Adapter translates ModelRequests into the Gemini generateContent format.
type Adapter struct {
	baseURL string
}

// New creates a Gemini adapter. An empty baseURL defaults to the public
// Generative Language API.
func New(baseURL string) *Adapter {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Adapter{baseURL: strings.TrimRight(baseURL, "/")}
}

// Name returns the provider identifier.
func (a *Adapter) Name() string { return providerName }

type generateRequest struct {
	Contents         []content        `json:"contents"`
	GenerationConfig generationConfig `json:"generationConfig"`
}

type content struct {
	Role  string `json:"role"`
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inline_data,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type generationConfig struct {
	MaxOutputTokens int     `json:"maxOutputTokens"`
	Temperature     float64 `json:"temperature"`
}

// BuildRequest builds the upstream generateContent request. Gemini has no
// separate system role here; the system prompt is folded into the single
// user part. The API key travels as a query parameter.
func (a *Adapter) BuildRequest(ctx context.Context, apiKey string, req *relay.ModelRequest, stream bool) (*http.Request, error) {
	parts := []part{{Text: req.SystemPrompt + "\n\n" + req.UserMessage}}
	if req.ImageBase64 != "" {
		parts = append(parts, part{InlineData: &inlineData{MimeType: "image/jpeg", Data: req.ImageBase64}})
	}

	out := generateRequest{
		Contents: []content{{Role: "user", Parts: parts}},
		GenerationConfig: generationConfig{
			MaxOutputTokens: req.MaxTokens,
			Temperature:     0.7,
		},
	}
	body, err := json.Marshal(&out)
	if err != nil {
		return nil, fmt.Errorf("gemini: marshal request: %w", err)
	}

	method := "generateContent"
	query := "?key=" + url.QueryEscape(apiKey)
	if stream {
		method = "streamGenerateContent"
		query = "?alt=sse&key=" + url.QueryEscape(apiKey)
	}
	target := fmt.Sprintf("%s/%s:%s%s", a.baseURL, req.Model, method, query)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("gemini: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	return httpReq, nil
}

// ReadStream reads SSE frames until EOF; Gemini has no done sentinel.
func (a *Adapter) ReadStream(ctx context.Context, body io.Reader, ch chan<- relay.StreamEvent) {
	defer close(ch)

	var lastUsage *relay.TokenUsage
	scanner := sseutil.NewScanner(body)
	for scanner.Scan() {
		_, data, ok := sseutil.ParseSSELine(scanner.Text())
		if !ok || data == "" {
			continue
		}

		r := gjson.Parse(data)
		if text := r.Get("candidates.0.content.parts.0.text"); text.Exists() && text.String() != "" {
			if !send(ctx, ch, relay.StreamEvent{Delta: text.String()}) {
				return
			}
		}
		if u := parseUsage(r.Get("usageMetadata")); u != nil {
			lastUsage = u
		}
	}
	if err := scanner.Err(); err != nil {
		send(ctx, ch, relay.StreamEvent{Err: fmt.Errorf("gemini: read stream: %w", err)})
		return
	}
	if lastUsage != nil {
		if !send(ctx, ch, relay.StreamEvent{Usage: lastUsage}) {
			return
		}
	}
	send(ctx, ch, relay.StreamEvent{Done: true})
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

// ParseResponse extracts the completion text and usage from a non-streaming
// generateContent response body.
func (a *Adapter) ParseResponse(body []byte) (string, *relay.TokenUsage, error) {
	r := gjson.ParseBytes(body)
	text := r.Get("candidates.0.content.parts.0.text")
	if !text.Exists() {
		return "", nil, fmt.Errorf("gemini: response has no content")
	}
	return text.String(), parseUsage(r.Get("usageMetadata")), nil
}

func parseUsage(u gjson.Result) *relay.TokenUsage {
	if !u.IsObject() {
		return nil
	}
	usage := &relay.TokenUsage{
		InputTokens:  int(u.Get("promptTokenCount").Int()),
		OutputTokens: int(u.Get("candidatesTokenCount").Int()),
		TotalTokens:  int(u.Get("totalTokenCount").Int()),
	}
	if usage.TotalTokens == 0 {
		return nil
	}
	return usage
}
