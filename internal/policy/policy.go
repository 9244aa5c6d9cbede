// Package policy is the admission gate in front of the proxy endpoints. It
// decides, per request, whether the caller may proceed and with which model
// budget, before any upstream connection is opened.
package policy

import (
	"context"
	"time"

	relay "github.com/veylan/relay/internal"
	"github.com/veylan/relay/internal/storage"
)

// KeyChecker reports whether a provider has a usable upstream credential.
type KeyChecker interface {
	Configured(ctx context.Context, provider string) bool
}

// Engine evaluates admission for inference requests.
type Engine struct {
	plans   map[string]relay.Plan
	catalog *Catalog
	usage   storage.UsageStore
	keys    KeyChecker
}

// NewEngine wires the admission engine.
func NewEngine(plans map[string]relay.Plan, catalog *Catalog, usage storage.UsageStore, keys KeyChecker) *Engine {
	return &Engine{plans: plans, catalog: catalog, usage: usage, keys: keys}
}

// Request carries the caller-controlled inputs to one admission check.
type Request struct {
	Provider  string // explicit provider pin; empty for cascade default
	SmartMode bool
	MaxTokens int  // requested output budget; 0 = plan default
	Streaming bool // cascade endpoints resolve the full provider list
}

// Decision is a granted admission. Model and MaxTokens are the effective
// values; Cascade is populated for streaming requests only.
type Decision struct {
	Plan      relay.Plan
	Mode      string
	Provider  string
	Model     string
	MaxTokens int
	Cascade   []relay.CascadeEntry
}

// knownProviders are the inference providers a request may pin.
var knownProviders = map[string]bool{
	relay.ProviderOpenAI:    true,
	relay.ProviderGrok:      true,
	relay.ProviderAnthropic: true,
	relay.ProviderGemini:    true,
}

// Admit runs the checks in a fixed order so a caller failing several always
// sees the same error: plan gate, smart-mode entitlement, daily budget,
// provider pin, model resolution, token clamp, cascade availability.
func (e *Engine) Admit(ctx context.Context, u *relay.User, req Request) (*Decision, error) {
	plan, ok := e.plans[u.Plan]
	if !ok {
		plan = e.plans[relay.PlanFree]
	}

	mode := relay.ModeStandard
	if req.SmartMode {
		if !plan.SmartMode {
			return nil, relay.ErrSmartModeNotAvailable
		}
		mode = relay.ModeSmart
	}

	if !plan.Unlimited() {
		n, err := e.usage.CountActionsSince(ctx, u.ID, relay.ActionAIRequest, StartOfDay(time.Now()))
		if err != nil {
			return nil, err
		}
		if n >= plan.DailyLimit {
			return nil, relay.ErrDailyLimitReached.WithMessage("daily limit of %d requests reached", plan.DailyLimit)
		}
	}

	provider := req.Provider
	if provider != "" {
		if !knownProviders[provider] {
			return nil, relay.ErrUnsupportedProvider.WithMessage("unknown provider %q", provider)
		}
		if !e.keys.Configured(ctx, provider) {
			return nil, relay.ErrProviderNotConfigured.WithMessage("no active key for %s", provider)
		}
	} else {
		cascade := e.catalog.Cascade(plan.Name, mode)
		if len(cascade) == 0 {
			return nil, relay.ErrNoProviders
		}
		provider = cascade[0].Provider
	}

	model, ok := e.catalog.Resolve(plan.Name, mode, provider)
	if !ok {
		return nil, relay.ErrUnsupportedModel.WithMessage("no %s model for %s", mode, provider)
	}

	maxTokens := plan.MaxTokens
	if req.MaxTokens > 0 && req.MaxTokens < maxTokens {
		maxTokens = req.MaxTokens
	}

	d := &Decision{
		Plan:      plan,
		Mode:      mode,
		Provider:  provider,
		Model:     model,
		MaxTokens: maxTokens,
	}

	if req.Streaming {
		full := e.catalog.Cascade(plan.Name, mode)
		d.Cascade = make([]relay.CascadeEntry, 0, len(full))
		for _, entry := range full {
			if e.keys.Configured(ctx, entry.Provider) {
				d.Cascade = append(d.Cascade, entry)
			}
		}
		if len(d.Cascade) == 0 {
			return nil, relay.ErrNoProviders
		}
	}
	return d, nil
}

// StartOfDay returns local midnight for t. Daily budgets reset on the
// server's local day boundary.
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
