package provider

import (
	"fmt"
	"io"
	"net/http"
	"strings"
)

// previewLimit caps how much of an upstream error body is retained.
const previewLimit = 4096

// APIError represents an error response from an upstream model provider.
// Cascade failover decisions and the details log are built from it.
type APIError struct {
	Provider   string
	Model      string
	StatusCode int
	Body       string
}

// Error returns a formatted error string including provider, status, and body.
func (e *APIError) Error() string {
	return fmt.Sprintf("%s: HTTP %d: %s", e.Provider, e.StatusCode, e.Body)
}

// HTTPStatus returns the upstream HTTP status code.
func (e *APIError) HTTPStatus() int { return e.StatusCode }

// Summary renders the single-line form recorded in cascade details:
// "provider/model: status preview".
func (e *APIError) Summary() string {
	preview := strings.Join(strings.Fields(e.Body), " ")
	if len(preview) > 200 {
		preview = preview[:200]
	}
	return fmt.Sprintf("%s/%s: %d %s", e.Provider, e.Model, e.StatusCode, preview)
}

// ParseAPIError reads up to 4KB from the response body and returns an APIError.
func ParseAPIError(provider, model string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, previewLimit))
	return &APIError{Provider: provider, Model: model, StatusCode: resp.StatusCode, Body: string(body)}
}
