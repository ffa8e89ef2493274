package sfc

import (
	"sync"

	kerrors "github.com/conneroisu/kiln/internal/errors"
)

// DescriptorCache holds the current descriptor per file and a separate
// previous slot that only the hot-update comparison reads and writes.
type DescriptorCache struct {
	mu      sync.RWMutex
	current map[string]*Descriptor
	prev    map[string]*Descriptor
}

// NewDescriptorCache creates an empty cache.
func NewDescriptorCache() *DescriptorCache {
	return &DescriptorCache{
		current: make(map[string]*Descriptor),
		prev:    make(map[string]*Descriptor),
	}
}

// Get returns the current descriptor for file. A miss means a sub-module was
// requested before its component was parsed, which is a pipeline bug.
func (c *DescriptorCache) Get(file string) (*Descriptor, error) {
	c.mu.RLock()
	d, ok := c.current[file]
	c.mu.RUnlock()
	if !ok {
		return nil, kerrors.NewInternalError("DESCRIPTOR_MISSING", "no descriptor cached for "+file, nil).
			WithContext("file", file)
	}
	return d, nil
}

// Peek returns the current descriptor without treating a miss as an error.
func (c *DescriptorCache) Peek(file string) (*Descriptor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.current[file]
	return d, ok
}

// Set installs d as the current descriptor.
func (c *DescriptorCache) Set(file string, d *Descriptor) {
	c.mu.Lock()
	c.current[file] = d
	c.mu.Unlock()
}

// Swap installs next as current and moves the old current into the previous
// slot in one step, returning it. Overlapping swaps for the same file each
// see a consistent baseline.
func (c *DescriptorCache) Swap(file string, next *Descriptor) *Descriptor {
	c.mu.Lock()
	defer c.mu.Unlock()
	old := c.current[file]
	if old != nil {
		c.prev[file] = old
	}
	c.current[file] = next
	return old
}

// Prev returns the descriptor captured by the last Swap.
func (c *DescriptorCache) Prev(file string) *Descriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.prev[file]
}

// Delete forgets file entirely.
func (c *DescriptorCache) Delete(file string) {
	c.mu.Lock()
	delete(c.current, file)
	delete(c.prev, file)
	c.mu.Unlock()
}

// Len returns the number of cached components.
func (c *DescriptorCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.current)
}
