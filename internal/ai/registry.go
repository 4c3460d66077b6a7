package ai

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

type ProviderFactory func(ctx context.Context, model string) (Provider, error)

// Registry maps provider names (case-insensitive) to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]ProviderFactory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]ProviderFactory)}
}

func (r *Registry) Register(name string, f ProviderFactory) {
	name = normalizeName(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

func (r *Registry) Get(ctx context.Context, name string, model string) (Provider, error) {
	name = normalizeName(name)
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown ai provider %q (registered: %s)", name, strings.Join(r.Names(), ", "))
	}
	return f(ctx, model)
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ProviderSettings carries the connection settings for the built-in providers.
type ProviderSettings struct {
	OllamaBaseURL     string
	OllamaModel       string
	OpenRouterBaseURL string
	OpenRouterAPIKey  string
	OpenRouterModel   string
	OpenRouterSiteURL string
	OpenRouterAppName string
}

// NewDefaultRegistry registers ollama and openrouter. An empty model falls back to the
// configured default for that provider.
func NewDefaultRegistry(s ProviderSettings) *Registry {
	reg := NewRegistry()
	reg.Register("ollama", func(_ context.Context, model string) (Provider, error) {
		if strings.TrimSpace(model) == "" {
			model = s.OllamaModel
		}
		return NewOllamaProvider(s.OllamaBaseURL, model), nil
	})
	reg.Register("openrouter", func(_ context.Context, model string) (Provider, error) {
		if strings.TrimSpace(model) == "" {
			model = s.OpenRouterModel
		}
		return NewOpenRouterProvider(s.OpenRouterBaseURL, s.OpenRouterAPIKey, model, s.OpenRouterSiteURL, s.OpenRouterAppName), nil
	})
	return reg
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
