package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/agentic-research/rangecache/internal/broadcast"
)

// Registry tracks the caches open in this process, at most one per name.
// Caches opened without a bus share the registry's in-process bus.
type Registry struct {
	mu     sync.Mutex
	caches map[string]*Cache
	bus    *broadcast.MemoryBus
}

func NewRegistry() *Registry {
	return &Registry{
		caches: make(map[string]*Cache),
		bus:    broadcast.NewMemoryBus(),
	}
}

// Open loads and starts the cache name. A second Open of a name that is
// still open fails with ErrAlreadyOpen.
func (r *Registry) Open(ctx context.Context, name string, opts Options) (*Cache, error) {
	if name == "" {
		return nil, errors.New("cache name is required")
	}
	r.mu.Lock()
	if _, ok := r.caches[name]; ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", name, ErrAlreadyOpen)
	}
	if opts.Bus == nil {
		opts.Bus = r.bus
	}
	c := newCache(name, opts)
	r.caches[name] = c
	r.mu.Unlock()

	c.onClose = func() { r.forget(name, c) }
	if err := c.start(ctx); err != nil {
		r.forget(name, c)
		return nil, err
	}
	return c, nil
}

// Get returns the open cache name, if any.
func (r *Registry) Get(name string) (*Cache, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.caches[name]
	return c, ok
}

func (r *Registry) forget(name string, c *Cache) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.caches[name] == c {
		delete(r.caches, name)
	}
}

// Close closes every open cache and the in-process bus.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	open := make([]*Cache, 0, len(r.caches))
	for _, c := range r.caches {
		open = append(open, c)
	}
	r.mu.Unlock()

	var errs []error
	for _, c := range open {
		if err := c.Close(ctx, false); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", c.Name(), err))
		}
	}
	r.bus.Close()
	return errors.Join(errs...)
}
