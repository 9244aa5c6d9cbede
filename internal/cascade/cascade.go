// Package cascade walks an ordered list of (provider, model) entries until
// one of them delivers a streamed answer. Failover is only permitted before
// the first byte reaches the client; after that the chosen provider is
// committed and its failures are surfaced, not retried.
package cascade

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	relay "github.com/veylan/relay/internal"
	"github.com/veylan/relay/internal/provider"
)

// KeySource resolves the admin credential for a provider.
type KeySource interface {
	Active(ctx context.Context, providerName string) (string, error)
}

// Sink receives client-bound stream frames. The server's SSE writer
// implements it; tests use an in-memory recorder.
type Sink interface {
	// Delta writes one content frame. An error means the client is gone.
	Delta(text string) error
	// Fail writes a terminal error frame.
	Fail(code, message string, details []string) error
	// Done writes the stream terminator.
	Done() error
}

// Orchestrator runs cascades against upstream providers.
type Orchestrator struct {
	registry *provider.Registry
	keys     KeySource
	client   *http.Client
}

// New wires the orchestrator. client should come from provider.NewHTTPClient.
func New(registry *provider.Registry, keys KeySource, client *http.Client) *Orchestrator {
	return &Orchestrator{registry: registry, keys: keys, client: client}
}

// Result reports what one cascade run did, for metering and logging.
type Result struct {
	Provider  string
	Model     string
	Content   string
	Usage     *relay.TokenUsage
	Details   []string // one line per failed or skipped entry
	Committed bool     // at least one byte reached the client
	Completed bool     // terminator sent
}

// Stream walks entries in order and forwards the first successful stream to
// w. Exactly one of the terminator or a terminal error frame is written,
// unless the client disconnects first.
func (o *Orchestrator) Stream(ctx context.Context, w Sink, req *relay.ModelRequest, entries []relay.CascadeEntry) (*Result, error) {
	res := &Result{}

	for _, entry := range entries {
		key, err := o.keys.Active(ctx, entry.Provider)
		if err != nil {
			res.Details = append(res.Details, entry.Provider+": not configured")
			continue
		}
		adapter, err := o.registry.Get(entry.Provider)
		if err != nil {
			res.Details = append(res.Details, entry.Provider+": not configured")
			continue
		}

		mreq := *req
		mreq.Model = entry.Model
		body, err := o.open(ctx, adapter, key, &mreq, entry)
		if err != nil {
			res.Details = append(res.Details, failureDetail(entry, err))
			continue
		}

		res.Provider = entry.Provider
		res.Model = entry.Model
		done, err := o.forward(ctx, w, adapter, body, entry, res)
		if done || err != nil {
			if len(res.Details) > 0 {
				slog.Warn("cascade fell back",
					"provider", entry.Provider, "model", entry.Model,
					"skipped", strings.Join(res.Details, "; "))
			}
			return res, err
		}
		// Stream broke before the first byte; keep walking.
	}

	msg := "all providers failed"
	if len(entries) == 0 {
		msg = "no providers available"
	}
	if err := w.Fail("all_providers_failed", msg, res.Details); err != nil {
		return res, err
	}
	return res, nil
}

// open builds and sends the upstream request, returning the response body
// wrapped with the idle-read watchdog. Non-2xx responses become APIErrors.
func (o *Orchestrator) open(ctx context.Context, adapter provider.Adapter, key string, req *relay.ModelRequest, entry relay.CascadeEntry) (io.ReadCloser, error) {
	httpReq, err := adapter.BuildRequest(ctx, key, req, true)
	if err != nil {
		return nil, err
	}
	resp, err := o.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, provider.ParseAPIError(entry.Provider, entry.Model, resp)
	}
	return provider.NewIdleBody(resp.Body, provider.IdleReadTimeout), nil
}

// forward pumps adapter events to the sink. It returns done=true when the
// cascade is finished (terminator or terminal error frame written, or the
// client disconnected); done=false means no byte was forwarded and the next
// entry may be tried.
func (o *Orchestrator) forward(ctx context.Context, w Sink, adapter provider.Adapter, body io.ReadCloser, entry relay.CascadeEntry, res *Result) (bool, error) {
	defer body.Close()

	ch := make(chan relay.StreamEvent, 8)
	go adapter.ReadStream(ctx, body, ch)

	for ev := range ch {
		switch {
		case ev.Err != nil:
			if !res.Committed {
				// Nothing forwarded yet: treat like a pre-first-byte
				// failure and fail over.
				res.Details = append(res.Details, failureDetail(entry, ev.Err))
				body.Close()
				drain(ch)
				return false, nil
			}
			slog.Warn("upstream stream error",
				"provider", entry.Provider, "model", entry.Model, "error", ev.Err)
			if err := w.Fail("provider_error", ev.Err.Error(), nil); err != nil {
				return true, err
			}
			return true, nil

		case ev.Delta != "":
			if err := w.Delta(ev.Delta); err != nil {
				// Client disconnected; cancel the upstream read.
				body.Close()
				drain(ch)
				return true, err
			}
			res.Committed = true
			res.Content += ev.Delta

		case ev.Usage != nil:
			res.Usage = ev.Usage

		case ev.Done:
			if err := w.Done(); err != nil {
				return true, err
			}
			res.Committed = true
			res.Completed = true
			return true, nil
		}
	}
	// Adapter closed without a terminal event; treat as a broken stream.
	if !res.Committed {
		res.Details = append(res.Details, failureDetail(entry, fmt.Errorf("stream ended unexpectedly")))
		return false, nil
	}
	if err := w.Fail("provider_error", "upstream stream ended unexpectedly", nil); err != nil {
		return true, err
	}
	return true, nil
}

// Generate runs the cascade without streaming and returns the first
// successful completion.
func (o *Orchestrator) Generate(ctx context.Context, req *relay.ModelRequest, entries []relay.CascadeEntry) (*relay.GenerateResult, error) {
	var details []string
	start := time.Now()

	for _, entry := range entries {
		key, err := o.keys.Active(ctx, entry.Provider)
		if err != nil {
			details = append(details, entry.Provider+": not configured")
			continue
		}
		adapter, err := o.registry.Get(entry.Provider)
		if err != nil {
			details = append(details, entry.Provider+": not configured")
			continue
		}

		mreq := *req
		mreq.Model = entry.Model
		out, usage, err := o.generateOne(ctx, adapter, key, &mreq, entry)
		if err != nil {
			details = append(details, failureDetail(entry, err))
			continue
		}

		if len(details) > 0 {
			slog.Warn("cascade fell back",
				"provider", entry.Provider, "model", entry.Model,
				"skipped", strings.Join(details, "; "))
		}
		res := &relay.GenerateResult{
			Content:   out,
			Provider:  entry.Provider,
			Model:     entry.Model,
			LatencyMs: time.Since(start).Milliseconds(),
		}
		if usage != nil {
			res.TokensUsed = usage.TotalTokens
		}
		return res, nil
	}

	return nil, relay.ErrAllProvidersFailed.WithMessage("%s", strings.Join(details, "; "))
}

const maxResponseBody = 4 << 20 // generous for a single completion

func (o *Orchestrator) generateOne(ctx context.Context, adapter provider.Adapter, key string, req *relay.ModelRequest, entry relay.CascadeEntry) (string, *relay.TokenUsage, error) {
	httpReq, err := adapter.BuildRequest(ctx, key, req, false)
	if err != nil {
		return "", nil, err
	}
	resp, err := o.client.Do(httpReq)
	if err != nil {
		return "", nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", nil, provider.ParseAPIError(entry.Provider, entry.Model, resp)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return "", nil, err
	}
	return adapter.ParseResponse(body)
}

// failureDetail renders one cascade details line: "provider/model: reason".
func failureDetail(entry relay.CascadeEntry, err error) string {
	var apiErr *provider.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Summary()
	}
	return fmt.Sprintf("%s/%s: %v", entry.Provider, entry.Model, err)
}

func drain(ch <-chan relay.StreamEvent) {
	for range ch {
	}
}
