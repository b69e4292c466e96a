package llm

import (
	"fmt"
	"sort"
	"sync"
)

// Factory builds a provider's generator and embedder for a model name.
type Factory func(model string) (Generator, Embedder, error)

var (
	providersMu sync.RWMutex
	providers   = map[string]Factory{}
)

// Register makes a provider available to Open, database/sql driver style.
// Provider packages call it from init.
func Register(name string, f Factory) {
	providersMu.Lock()
	defer providersMu.Unlock()
	if _, dup := providers[name]; dup {
		panic(fmt.Sprintf("llm: provider %q registered twice", name))
	}
	providers[name] = f
}

// Open resolves a registered provider by name.
func Open(provider, model string) (Generator, Embedder, error) {
	providersMu.RLock()
	f, ok := providers[provider]
	providersMu.RUnlock()
	if !ok {
		return nil, nil, fmt.Errorf("llm: unknown provider %q (compiled in: %v)", provider, Providers())
	}
	return f(model)
}

// Providers lists the registered provider names, sorted.
func Providers() []string {
	providersMu.RLock()
	defer providersMu.RUnlock()
	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
