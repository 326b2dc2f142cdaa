package providers

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/cerise-ai/cerise/internal/cerr"
)

// ProviderConfig configures one named provider entry.
type ProviderConfig struct {
	// Type selects the adapter: "openai" or "anthropic". OpenAI-compatible
	// endpoints (ollama, vllm, openrouter) use "openai" with a BaseURL.
	Type string `yaml:"type"`

	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`

	// Model is the default chat model; EmbeddingModel the default for Embed.
	Model          string   `yaml:"model"`
	EmbeddingModel string   `yaml:"embedding_model"`
	Models         []string `yaml:"models"`

	// Capabilities overrides the adapter's defaults when set.
	Capabilities *Capabilities `yaml:"capabilities"`
}

// Config is the providers.yaml document.
type Config struct {
	Default   string                    `yaml:"default"`
	Providers map[string]ProviderConfig `yaml:"providers"`
}

// Builder constructs a Provider from its config entry. Adapters register
// themselves by type name.
type Builder func(name string, cfg ProviderConfig, logger *slog.Logger) (Provider, error)

// Registry builds and caches providers from config and resolves them by
// name or capability.
type Registry struct {
	mu       sync.Mutex
	cfg      Config
	builders map[string]Builder
	cache    map[string]Provider
	logger   *slog.Logger
}

// NewRegistry creates a registry with the built-in adapters registered.
func NewRegistry(cfg Config, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		cfg:      cfg,
		builders: make(map[string]Builder),
		cache:    make(map[string]Provider),
		logger:   logger.With("component", "providers"),
	}
	r.RegisterBuilder("openai", newOpenAIProvider)
	r.RegisterBuilder("anthropic", newAnthropicProvider)
	return r
}

// RegisterBuilder adds or replaces an adapter builder for a provider type.
func (r *Registry) RegisterBuilder(providerType string, b Builder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders[providerType] = b
}

// Put injects a prebuilt provider, bypassing config. Used for tests and for
// programmatic providers.
func (r *Registry) Put(name string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[name] = p
}

// Get returns the provider with the given name, building and caching it on
// first use.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getLocked(name)
}

func (r *Registry) getLocked(name string) (Provider, error) {
	if p, ok := r.cache[name]; ok {
		return p, nil
	}
	cfg, ok := r.cfg.Providers[name]
	if !ok {
		return nil, cerr.NotFound("provider %q", name)
	}
	builder, ok := r.builders[cfg.Type]
	if !ok {
		return nil, cerr.InvalidArgument("provider %q has unknown type %q", name, cfg.Type)
	}
	p, err := builder(name, cfg, r.logger)
	if err != nil {
		return nil, fmt.Errorf("build provider %q: %w", name, err)
	}
	r.cache[name] = p
	r.logger.Info("provider ready", "provider", name, "type", cfg.Type)
	return p, nil
}

// Default returns the configured default provider, or the only configured
// one when no default is named.
func (r *Registry) Default() (Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cfg.Default != "" {
		return r.getLocked(r.cfg.Default)
	}
	names := r.namesLocked()
	if len(names) == 1 {
		return r.getLocked(names[0])
	}
	return nil, cerr.Wrap(cerr.ErrFailedPrecondition, "no default provider configured")
}

// WithCapability returns the first provider (default first, then the rest
// in name order) that reports the capability.
func (r *Registry) WithCapability(capName string) (Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tried := map[string]bool{}
	order := []string{}
	if r.cfg.Default != "" {
		order = append(order, r.cfg.Default)
	}
	order = append(order, r.namesLocked()...)

	for _, name := range order {
		if tried[name] {
			continue
		}
		tried[name] = true
		p, err := r.getLocked(name)
		if err != nil {
			r.logger.Warn("skipping provider during capability search",
				"provider", name, "capability", capName, "error", err)
			continue
		}
		if p.Capabilities().Has(capName) {
			return p, nil
		}
	}
	return nil, cerr.Wrap(cerr.ErrFailedPrecondition, "no provider supports %q", capName)
}

// namesLocked lists configured and injected provider names, sorted.
func (r *Registry) namesLocked() []string {
	seen := map[string]bool{}
	names := []string{}
	for name := range r.cfg.Providers {
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	for name := range r.cache {
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
