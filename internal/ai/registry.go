package ai

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// CredentialSource resolves a provider id to its API key. A missing key is
// reported as "" with a nil error.
type CredentialSource interface {
	APIKey(ctx context.Context, provider string) (string, error)
}

// ProviderFactory builds an adapter bound to an already-resolved API key.
type ProviderFactory func(apiKey string) Provider

type Registry struct {
	mu        sync.RWMutex
	factories map[string]ProviderFactory
	creds     CredentialSource
}

func NewRegistry(creds CredentialSource) *Registry {
	return &Registry{factories: make(map[string]ProviderFactory), creds: creds}
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func (r *Registry) Register(name string, f ProviderFactory) {
	name = normalizeName(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Supports reports whether name is a registered provider id.
func (r *Registry) Supports(name string) bool {
	name = normalizeName(name)
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[name]
	return ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for n := range r.factories {
		out = append(out, n)
	}
	return out
}

// Get resolves the credential for name and returns a fresh adapter.
func (r *Registry) Get(ctx context.Context, name string) (Provider, error) {
	name = normalizeName(name)
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}

	var key string
	if r.creds != nil {
		k, err := r.creds.APIKey(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("resolve credential for %s: %w", name, err)
		}
		key = k
	}
	return f(key), nil
}

// Endpoints overrides vendor base URLs; empty fields use the vendor default.
type Endpoints struct {
	OpenAI            string
	Anthropic         string
	Gemini            string
	OpenRouter        string
	OpenRouterSiteURL string
	OpenRouterAppName string
	DeepSeek          string
	Ollama            string
}

// RegisterDefaults registers every built-in vendor adapter.
func (r *Registry) RegisterDefaults(ep Endpoints) {
	r.Register(ProviderOpenAI, func(key string) Provider { return NewOpenAIProvider(ep.OpenAI, key) })
	r.Register(ProviderAnthropic, func(key string) Provider { return NewAnthropicProvider(ep.Anthropic, key) })
	r.Register(ProviderGemini, func(key string) Provider { return NewGeminiProvider(ep.Gemini, key) })
	r.Register(ProviderOpenRouter, func(key string) Provider {
		return NewOpenRouterProvider(ep.OpenRouter, key, ep.OpenRouterSiteURL, ep.OpenRouterAppName)
	})
	r.Register(ProviderDeepSeek, func(key string) Provider { return NewDeepSeekProvider(ep.DeepSeek, key) })
	r.Register(ProviderOllama, func(string) Provider { return NewOllamaProvider(ep.Ollama) })
}
