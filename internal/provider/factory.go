package provider

import (
	"fmt"
	"sort"
	"sync"

	"github.com/julianshen/cpghunter/internal/config"
)

// ProviderConstructor is a function that creates a new LLMProvider.
type ProviderConstructor func(opts Options) (LLMProvider, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]ProviderConstructor{}
)

// RegisterProvider registers a provider constructor by name. Provider
// packages call it from init.
func RegisterProvider(name string, constructor ProviderConstructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = constructor
}

// Registered returns the names of all registered providers, sorted.
func Registered() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewProvider creates the LLMProvider named by cfg.Provider.
func NewProvider(cfg config.LLMConfig) (LLMProvider, error) {
	registryMu.RLock()
	constructor, ok := registry[cfg.Provider]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown provider: %q", cfg.Provider)
	}

	apiKey, err := cfg.ResolveKey()
	if err != nil {
		return nil, fmt.Errorf("resolving %s API key: %w", cfg.Provider, err)
	}

	baseURL := cfg.BaseURL
	if cfg.Provider != "ollama" && baseURL == config.DefaultOllamaURL {
		// The stock base_url points at a local Ollama; other providers use
		// their own endpoint unless one is configured explicitly.
		baseURL = ""
	}
	p, err := constructor(Options{
		BaseURL:      baseURL,
		APIKey:       apiKey,
		ExtraHeaders: cfg.ExtraHeaders,
	})
	if err != nil {
		return nil, fmt.Errorf("creating %s provider: %w", cfg.Provider, err)
	}
	return p, nil
}
