package cache

import (
	"sync"

	"github.com/agentic-research/rangecache/internal/chunk"
)

// shadow holds the committed chunk graph of this process. Published graphs
// are never mutated again; writers clone, change and swap.
type shadow struct {
	mu      sync.RWMutex
	current *chunk.Graph
}

func newShadow(initial *chunk.Graph) *shadow {
	return &shadow{current: initial}
}

// Swap replaces the current graph.
func (s *shadow) Swap(g *chunk.Graph) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = g
}

// Load returns the current graph. Callers must not mutate it.
func (s *shadow) Load() *chunk.Graph {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}
