package llm

import (
	"fmt"
	"os"
	"strings"

	"github.com/thebobhuff/Astromech-Agent/pkg/config"
)

// Catalogue resolves model aliases and builds ChatModel instances from
// the configured provider endpoints. One catalogue serves the whole
// process; it holds no mutable state.
type Catalogue struct {
	cfg config.LLMConfig
}

// NewCatalogue builds a catalogue over the configured providers.
func NewCatalogue(cfg config.LLMConfig) *Catalogue {
	return &Catalogue{cfg: cfg}
}

// ActiveModels returns the configured active model list.
func (c *Catalogue) ActiveModels() []config.ModelRef {
	return c.cfg.ActiveModels
}

// MetaModel returns the fast model used for structured meta-calls,
// falling back to the default provider's default model.
func (c *Catalogue) MetaModel() config.ModelRef {
	if c.cfg.MetaModel.Provider != "" && c.cfg.MetaModel.ModelID != "" {
		return c.cfg.MetaModel
	}
	if ref, ok := c.DefaultForProvider(c.cfg.DefaultProvider); ok {
		return ref
	}
	return config.ModelRef{Provider: "gemini", ModelID: "gemini-2.0-flash"}
}

// ResolveAlias finds the active model carrying the given alias
// ("default", "smart").
func (c *Catalogue) ResolveAlias(alias string) (config.ModelRef, bool) {
	for _, m := range c.cfg.ActiveModels {
		if m.Alias == alias {
			return m, true
		}
	}
	return config.ModelRef{}, false
}

// DefaultForProvider returns the provider's configured default model.
func (c *Catalogue) DefaultForProvider(provider string) (config.ModelRef, bool) {
	p, ok := c.cfg.Providers[NormalizeProvider(provider)]
	if !ok || !p.IsEnabled() || p.DefaultModel == "" {
		return config.ModelRef{}, false
	}
	return config.ModelRef{Provider: NormalizeProvider(provider), ModelID: p.DefaultModel}, true
}

// EnabledProviderDefaults lists the default model of every enabled
// provider, used to seed a failover chain when the active list is thin.
func (c *Catalogue) EnabledProviderDefaults() []config.ModelRef {
	var refs []config.ModelRef
	for name, p := range c.cfg.Providers {
		if !p.IsEnabled() || p.DefaultModel == "" {
			continue
		}
		if p.APIKeyEnv != "" && os.Getenv(p.APIKeyEnv) == "" {
			continue
		}
		refs = append(refs, config.ModelRef{Provider: name, ModelID: p.DefaultModel})
	}
	return refs
}

// LastResortProviders returns the providers ordered to the back of a
// failover chain (local models).
func (c *Catalogue) LastResortProviders() map[string]bool {
	set := make(map[string]bool, len(c.cfg.LastResortProviders))
	for _, p := range c.cfg.LastResortProviders {
		set[p] = true
	}
	return set
}

// ToolUnfriendlyProviders returns providers that must be skipped during
// failover while tools are bound.
func (c *Catalogue) ToolUnfriendlyProviders() map[string]bool {
	set := make(map[string]bool, len(c.cfg.ToolUnfriendlyFailoverProviders))
	for _, p := range c.cfg.ToolUnfriendlyFailoverProviders {
		set[p] = true
	}
	return set
}

// New builds a ChatModel for the given provider/model pair.
func (c *Catalogue) New(provider, modelID string) (ChatModel, error) {
	provider = NormalizeProvider(provider)
	p, ok := c.cfg.Providers[provider]
	if !ok {
		return nil, fmt.Errorf("unknown llm provider %q", provider)
	}
	if !p.IsEnabled() {
		return nil, fmt.Errorf("llm provider %q is disabled", provider)
	}
	if modelID == "" {
		modelID = p.DefaultModel
	}
	apiKey := ""
	if p.APIKeyEnv != "" {
		apiKey = os.Getenv(p.APIKeyEnv)
	}
	switch p.Type {
	case "anthropic":
		return newAnthropicModel(provider, modelID, apiKey), nil
	default:
		return newOpenAIModel(provider, modelID, apiKey, p.BaseURL), nil
	}
}

// NormalizeProvider maps provider aliases onto catalogue keys.
func NormalizeProvider(provider string) string {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "google" {
		return "gemini"
	}
	return provider
}

// NormalizeModelName splits an optional "provider/model" override into
// its parts. The provider prefix is stripped unless it is the literal
// "models" namespace some catalogues use; a bare or trailing "default"
// collapses to the empty model id so the provider default applies.
func NormalizeModelName(name string) (provider, model string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", ""
	}
	if idx := strings.Index(name, "/"); idx > 0 && !strings.HasPrefix(name, "models/") {
		provider = NormalizeProvider(name[:idx])
		model = name[idx+1:]
	} else {
		model = name
	}
	if model == "default" || strings.HasSuffix(model, "/default") {
		model = ""
	}
	return provider, model
}
