package policy

import (
	relay "github.com/veylan/relay/internal"
	"github.com/veylan/relay/internal/config"
)

// modeCatalog is one mode's ordered cascade plus its provider -> model map.
type modeCatalog struct {
	cascade []relay.CascadeEntry
	resolve map[string]string
}

// Catalog answers (plan, mode, provider) model lookups. Plans without an
// overlay share the base catalog; an overlaid mode replaces the shared
// cascade or resolution map wholesale for that plan. Configuration changes
// take effect on the next request; nothing reshuffles in flight.
type Catalog struct {
	base  map[string]modeCatalog
	plans map[string]map[string]modeCatalog
}

// defaultCatalog is the compiled-in model catalog, used where the config
// file does not override a mode.
func defaultCatalog() *Catalog {
	return &Catalog{
		base: map[string]modeCatalog{
			relay.ModeStandard: {
				cascade: []relay.CascadeEntry{
					{Provider: relay.ProviderOpenAI, Model: "gpt-4o-mini"},
					{Provider: relay.ProviderAnthropic, Model: "claude-haiku-4-5"},
					{Provider: relay.ProviderGemini, Model: "gemini-2.5-flash"},
					{Provider: relay.ProviderGrok, Model: "grok-3-mini"},
				},
				resolve: map[string]string{
					relay.ProviderOpenAI:    "gpt-4o-mini",
					relay.ProviderAnthropic: "claude-haiku-4-5",
					relay.ProviderGemini:    "gemini-2.5-flash",
					relay.ProviderGrok:      "grok-3-mini",
				},
			},
			relay.ModeSmart: {
				cascade: []relay.CascadeEntry{
					{Provider: relay.ProviderAnthropic, Model: "claude-sonnet-4-5"},
					{Provider: relay.ProviderOpenAI, Model: "gpt-5"},
					{Provider: relay.ProviderGemini, Model: "gemini-2.5-pro"},
				},
				resolve: map[string]string{
					relay.ProviderOpenAI:    "gpt-5",
					relay.ProviderAnthropic: "claude-sonnet-4-5",
					relay.ProviderGemini:    "gemini-2.5-pro",
				},
			},
		},
		plans: make(map[string]map[string]modeCatalog),
	}
}

// NewCatalog builds the catalog from config, falling back to the compiled-in
// defaults per mode. Plan overlays apply on top of the shared catalog.
func NewCatalog(cfg config.ModelsConfig) *Catalog {
	c := defaultCatalog()
	overlayMode(c.base, relay.ModeStandard, cfg.Standard)
	overlayMode(c.base, relay.ModeSmart, cfg.Smart)
	for plan, modes := range cfg.Plans {
		overlay := make(map[string]modeCatalog)
		overlayMode(overlay, relay.ModeStandard, modes.Standard)
		overlayMode(overlay, relay.ModeSmart, modes.Smart)
		if len(overlay) > 0 {
			c.plans[plan] = overlay
		}
	}
	return c
}

// overlayMode writes a non-empty config entry into dst. An empty entry is a
// no-op so untouched modes keep whatever dst already holds.
func overlayMode(dst map[string]modeCatalog, mode string, entry config.ModeEntry) {
	if len(entry.Cascade) == 0 && len(entry.Resolve) == 0 {
		return
	}
	mc := dst[mode]
	if len(entry.Cascade) > 0 {
		mc.cascade = make([]relay.CascadeEntry, len(entry.Cascade))
		for i, e := range entry.Cascade {
			mc.cascade[i] = relay.CascadeEntry{Provider: e.Provider, Model: e.Model}
		}
	}
	if len(entry.Resolve) > 0 {
		mc.resolve = make(map[string]string, len(entry.Resolve))
		for provider, model := range entry.Resolve {
			mc.resolve[provider] = model
		}
	}
	dst[mode] = mc
}

// Cascade returns the ordered cascade for a plan and mode.
func (c *Catalog) Cascade(plan, mode string) []relay.CascadeEntry {
	if mc, ok := c.plans[plan][mode]; ok && len(mc.cascade) > 0 {
		return mc.cascade
	}
	return c.base[mode].cascade
}

// Resolve maps (plan, mode, provider) to a model id.
func (c *Catalog) Resolve(plan, mode, provider string) (string, bool) {
	if mc, ok := c.plans[plan][mode]; ok && len(mc.resolve) > 0 {
		model, ok := mc.resolve[provider]
		return model, ok
	}
	mc, ok := c.base[mode]
	if !ok {
		return "", false
	}
	model, ok := mc.resolve[provider]
	return model, ok
}
