package thinpool

import (
	"sync"
)

// Registry is a process-wide table of pools keyed by their metadata
// identity, so several consumers binding the same metadata share one
// pool object instead of racing two engines over it.
type Registry struct {
	mu    sync.Mutex
	pools map[string]*registryEntry
}

type registryEntry struct {
	pool     *Pool
	refCount int
}

var defaultRegistry = NewRegistry()

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{pools: make(map[string]*registryEntry)}
}

// DefaultRegistry returns the process-wide registry.
func DefaultRegistry() *Registry { return defaultRegistry }

// GetOrCreate returns the pool bound to params.MetadataPath, creating
// it on first use. It reports whether this call created the pool.
// Pools with no metadata path are never shared.
func (r *Registry) GetOrCreate(params PoolParams) (*Pool, bool, error) {
	if params.MetadataPath == "" {
		pool, err := NewPool(params)
		return pool, err == nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.pools[params.MetadataPath]; ok {
		if entry.pool.blockSectors != params.BlockSizeSectors {
			return nil, false, NewError("pool_table", ErrCodeInvalidParameters,
				"metadata device already in use by a pool with a different block size")
		}
		entry.refCount++
		return entry.pool, false, nil
	}

	pool, err := NewPool(params)
	if err != nil {
		return nil, false, err
	}
	r.pools[params.MetadataPath] = &registryEntry{pool: pool, refCount: 1}
	return pool, true, nil
}

// Release drops one reference to the pool. The last reference closes
// it.
func (r *Registry) Release(pool *Pool) error {
	if pool.params.MetadataPath == "" {
		return pool.Close()
	}

	r.mu.Lock()
	entry, ok := r.pools[pool.params.MetadataPath]
	if !ok || entry.pool != pool {
		r.mu.Unlock()
		return NewError("pool_table", ErrCodeInvalidParameters, "pool is not registered")
	}
	entry.refCount--
	last := entry.refCount == 0
	if last {
		delete(r.pools, pool.params.MetadataPath)
	}
	r.mu.Unlock()

	if last {
		return pool.Close()
	}
	return nil
}
