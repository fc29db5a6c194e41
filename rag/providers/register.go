// Package providers holds the pluggable in-process embedding runtime used
// by the "local-transformer" provider (spec.md §4.1). Every other provider
// in the gateway's table talks HTTP and is implemented directly in
// rag.Gateway; this package exists only for the in-process case, where the
// host embeds a transformer runtime that never leaves the process.
package providers

import (
	"context"
	"fmt"
	"sync"
)

// EmbedderFactory creates a new in-process Embedder from its options.
type EmbedderFactory func(config map[string]interface{}) (Embedder, error)

var (
	embedderFactories = make(map[string]EmbedderFactory)
	mu                sync.RWMutex
)

// RegisterEmbedder registers an in-process embedder factory under name.
// The host application calls this during startup to wire a local
// transformer runtime; tests register a fake.
func RegisterEmbedder(name string, factory EmbedderFactory) {
	mu.Lock()
	defer mu.Unlock()
	embedderFactories[name] = factory
}

// GetEmbedderFactory looks up a registered in-process embedder factory.
func GetEmbedderFactory(name string) (EmbedderFactory, error) {
	mu.RLock()
	defer mu.RUnlock()
	factory, ok := embedderFactories[name]
	if !ok {
		return nil, fmt.Errorf("embedder not found: %s", name)
	}
	return factory, nil
}

// Embedder is the contract an in-process embedding runtime satisfies.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
	GetDimension() (int, error)
}
