package testutil

import (
	"context"
	"io"
	"net/http"
	"sync"

	relay "github.com/veylan/relay/internal"
)

// FakeAdapter is a scripted provider adapter. BuildRequest targets Target
// (usually an httptest server) and ReadStream replays Events regardless of
// the response body.
type FakeAdapter struct {
	AdapterName string
	Target      string
	BuildErr    error

	Events   []relay.StreamEvent
	Content  string
	Usage    *relay.TokenUsage
	ParseErr error

	mu       sync.Mutex
	Requests []relay.ModelRequest
	Keys     []string
}

func (f *FakeAdapter) Name() string { return f.AdapterName }

func (f *FakeAdapter) BuildRequest(ctx context.Context, apiKey string, req *relay.ModelRequest, stream bool) (*http.Request, error) {
	if f.BuildErr != nil {
		return nil, f.BuildErr
	}
	f.mu.Lock()
	f.Requests = append(f.Requests, *req)
	f.Keys = append(f.Keys, apiKey)
	f.mu.Unlock()
	return http.NewRequestWithContext(ctx, http.MethodPost, f.Target, nil)
}

func (f *FakeAdapter) ReadStream(ctx context.Context, body io.Reader, ch chan<- relay.StreamEvent) {
	defer close(ch)
	for _, ev := range f.Events {
		select {
		case ch <- ev:
		case <-ctx.Done():
			return
		}
	}
}

func (f *FakeAdapter) ParseResponse([]byte) (string, *relay.TokenUsage, error) {
	if f.ParseErr != nil {
		return "", nil, f.ParseErr
	}
	return f.Content, f.Usage, nil
}

// RequestCount returns how many upstream requests were built.
func (f *FakeAdapter) RequestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Requests)
}

// FakeKeys is an in-memory cascade.KeySource.
type FakeKeys map[string]string

func (f FakeKeys) Active(_ context.Context, provider string) (string, error) {
	k, ok := f[provider]
	if !ok {
		return "", relay.ErrProviderNotConfigured
	}
	return k, nil
}

// Configured implements policy.KeyChecker.
func (f FakeKeys) Configured(_ context.Context, provider string) bool {
	_, ok := f[provider]
	return ok
}

// SinkRecorder records frames written by a cascade run.
type SinkRecorder struct {
	mu          sync.Mutex
	Deltas      []string
	FailCode    string
	FailMessage string
	FailDetails []string
	DoneCalled  bool

	DeltaErr     error // returned by Delta after DeltaErrAfter writes
	DeltaErrAfter int
}

func (r *SinkRecorder) Delta(text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.DeltaErr != nil && len(r.Deltas) >= r.DeltaErrAfter {
		return r.DeltaErr
	}
	r.Deltas = append(r.Deltas, text)
	return nil
}

func (r *SinkRecorder) Fail(code, message string, details []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.FailCode = code
	r.FailMessage = message
	r.FailDetails = details
	return nil
}

func (r *SinkRecorder) Done() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.DoneCalled = true
	return nil
}

// Text joins all recorded deltas.
func (r *SinkRecorder) Text() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := ""
	for _, d := range r.Deltas {
		out += d
	}
	return out
}
