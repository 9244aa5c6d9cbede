// Package provider implements the registry and shared plumbing for upstream
// model provider adapters.
package provider

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"slices"
	"sync"

	relay "github.com/veylan/relay/internal"
)

// Adapter translates the neutral ModelRequest into one provider's wire
// format and parses that provider's responses back into neutral events.
// Adapters are pure translation; they never open connections themselves.
type Adapter interface {
	// Name returns the provider identifier ("openai", "anthropic", ...).
	Name() string

	// BuildRequest returns a ready-to-send upstream request with credentials
	// applied. stream selects the streaming endpoint and body variant.
	BuildRequest(ctx context.Context, apiKey string, req *relay.ModelRequest, stream bool) (*http.Request, error)

	// ReadStream parses the upstream SSE body into neutral events.
	// It closes ch when the stream ends; the caller owns closing body.
	ReadStream(ctx context.Context, body io.Reader, ch chan<- relay.StreamEvent)

	// ParseResponse extracts the completion text and usage from a
	// non-streaming response body.
	ParseResponse(body []byte) (string, *relay.TokenUsage, error)
}

// Registry maps provider names to Adapter instances.
// It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry returns an empty, ready-to-use Registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter under the given name.
// It overwrites any previously registered adapter with the same name.
func (r *Registry) Register(name string, a Adapter) {
	r.mu.Lock()
	r.adapters[name] = a
	r.mu.Unlock()
}

// Get returns the adapter registered under name, or an error if not found.
func (r *Registry) Get(name string) (Adapter, error) {
	r.mu.RLock()
	a, ok := r.adapters[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("provider %q not registered", name)
	}
	return a, nil
}

// List returns a sorted slice of all registered provider names.
func (r *Registry) List() []string {
	r.mu.RLock()
	names := slices.Collect(func(yield func(string) bool) {
		for name := range r.adapters {
			if !yield(name) {
				return
			}
		}
	})
	r.mu.RUnlock()
	slices.Sort(names)
	return names
}
