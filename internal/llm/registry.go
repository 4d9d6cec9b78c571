package llm

import (
	"fmt"
	"strings"
	"sync"
)

// Registry routes model names to providers.
type Registry struct {
	mu          sync.RWMutex
	providers   map[string]Provider
	defaultName string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds a provider. The first registered provider becomes the
// default.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
	if r.defaultName == "" {
		r.defaultName = p.Name()
	}
}

// SetDefault overrides the fallback provider.
func (r *Registry) SetDefault(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[name]; !ok {
		return fmt.Errorf("llm: unknown provider %q", name)
	}
	r.defaultName = name
	return nil
}

// Get returns a provider by name.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("llm: unknown provider %q", name)
	}
	return p, nil
}

// ForModel routes a model name to its provider: claude models to
// anthropic, gpt and o-series to openai, everything else to the default.
func (r *Registry) ForModel(model string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	name := r.defaultName
	switch {
	case strings.HasPrefix(model, "claude"):
		name = "anthropic"
	case strings.HasPrefix(model, "gpt") || strings.HasPrefix(model, "o1") || strings.HasPrefix(model, "o3"):
		name = "openai"
	}

	if p, ok := r.providers[name]; ok {
		return p, nil
	}
	if p, ok := r.providers[r.defaultName]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("llm: no provider for model %q", model)
}
