package policy

import (
	"testing"

	relay "github.com/veylan/relay/internal"
	"github.com/veylan/relay/internal/config"
)

func TestCatalogConfigOverlay(t *testing.T) {
	t.Parallel()
	c := NewCatalog(config.ModelsConfig{
		Standard: config.ModeEntry{
			Cascade: []config.CascadeEntry{
				{Provider: relay.ProviderGrok, Model: "grok-4"},
			},
			Resolve: map[string]string{relay.ProviderGrok: "grok-4"},
		},
	})

	cascade := c.Cascade(relay.PlanFree, relay.ModeStandard)
	if len(cascade) != 1 || cascade[0].Provider != relay.ProviderGrok {
		t.Errorf("standard cascade = %v, want the override", cascade)
	}
	if _, ok := c.Resolve(relay.PlanFree, relay.ModeStandard, relay.ProviderOpenAI); ok {
		t.Error("override should replace the standard resolution map wholesale")
	}

	// Smart mode was not overridden and keeps the defaults.
	smart := c.Cascade(relay.PlanEnterprise, relay.ModeSmart)
	if len(smart) != 3 || smart[0].Provider != relay.ProviderAnthropic {
		t.Errorf("smart cascade = %v, want defaults", smart)
	}
	if model, ok := c.Resolve(relay.PlanEnterprise, relay.ModeSmart, relay.ProviderOpenAI); !ok || model != "gpt-5" {
		t.Errorf("smart openai resolves to %q", model)
	}
}

func TestCatalogPlanOverlay(t *testing.T) {
	t.Parallel()
	c := NewCatalog(config.ModelsConfig{
		Plans: map[string]config.PlanModes{
			relay.PlanEnterprise: {
				Standard: config.ModeEntry{
					Resolve: map[string]string{relay.ProviderOpenAI: "gpt-5"},
				},
			},
		},
	})

	// The overlaid plan resolves through its own map, wholesale.
	if model, ok := c.Resolve(relay.PlanEnterprise, relay.ModeStandard, relay.ProviderOpenAI); !ok || model != "gpt-5" {
		t.Errorf("enterprise standard openai = %q", model)
	}
	if _, ok := c.Resolve(relay.PlanEnterprise, relay.ModeStandard, relay.ProviderGemini); ok {
		t.Error("plan overlay should replace the resolution map wholesale")
	}

	// A mode the overlay leaves empty falls back to the shared catalog,
	// as does the cascade when only resolve was overlaid.
	if model, ok := c.Resolve(relay.PlanEnterprise, relay.ModeSmart, relay.ProviderAnthropic); !ok || model != "claude-sonnet-4-5" {
		t.Errorf("enterprise smart anthropic = %q", model)
	}
	if cascade := c.Cascade(relay.PlanEnterprise, relay.ModeStandard); len(cascade) != 4 {
		t.Errorf("enterprise standard cascade = %v, want the shared one", cascade)
	}

	// Other plans never see the overlay.
	if model, ok := c.Resolve(relay.PlanFree, relay.ModeStandard, relay.ProviderOpenAI); !ok || model != "gpt-4o-mini" {
		t.Errorf("free standard openai = %q", model)
	}
}

func TestCatalogResolveUnknown(t *testing.T) {
	t.Parallel()
	c := NewCatalog(config.ModelsConfig{})
	if _, ok := c.Resolve(relay.PlanPro, relay.ModeSmart, relay.ProviderGrok); ok {
		t.Error("grok has no smart model by default")
	}
	if _, ok := c.Resolve(relay.PlanPro, "turbo", relay.ProviderOpenAI); ok {
		t.Error("unknown mode should not resolve")
	}
}
