// Package build drives production builds: it walks the module graph from the
// entry points through the plugin container, then hands the transformed
// modules to an emitter that bundles and writes them.
//
// It also owns the content-identity transform cache shared with the dev
// server's pipeline.
package build

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/conneroisu/kiln/internal/sourcemap"
)

// CachedTransform is a transform chain output stored by content identity.
type CachedTransform struct {
	Code string
	Map  *sourcemap.Map
}

func (c *CachedTransform) size() int64 {
	n := int64(len(c.Code))
	if c.Map != nil {
		n += int64(len(c.Map.Mappings))
		for _, s := range c.Map.SourcesContent {
			n += int64(len(s))
		}
	}
	return n
}

// TransformCache caches transform outputs with LRU eviction bounded by
// total bytes and entry count. A zero ttl keeps entries until evicted.
type TransformCache struct {
	entries     map[string]*cacheEntry
	mutex       sync.Mutex
	maxSize     int64
	maxEntries  int
	currentSize int64
	ttl         time.Duration
	// LRU list with sentinel head and tail
	head *cacheEntry
	tail *cacheEntry

	hits      int64
	misses    int64
	sets      int64
	evictions int64
}

type cacheEntry struct {
	key       string
	value     *CachedTransform
	createdAt time.Time
	size      int64

	prev *cacheEntry
	next *cacheEntry
}

// NewTransformCache creates a cache holding at most maxEntries entries and
// maxSize bytes. Non-positive limits disable that bound.
func NewTransformCache(maxEntries int, maxSize int64, ttl time.Duration) *TransformCache {
	cache := &TransformCache{
		entries:    make(map[string]*cacheEntry),
		maxSize:    maxSize,
		maxEntries: maxEntries,
		ttl:        ttl,
	}

	cache.head = &cacheEntry{}
	cache.tail = &cacheEntry{}
	cache.head.next = cache.tail
	cache.tail.prev = cache.head

	return cache
}

// Get retrieves a value from the cache
func (tc *TransformCache) Get(key string) (*CachedTransform, bool) {
	tc.mutex.Lock()
	defer tc.mutex.Unlock()

	entry, exists := tc.entries[key]
	if !exists {
		atomic.AddInt64(&tc.misses, 1)
		return nil, false
	}

	if tc.ttl > 0 && time.Since(entry.createdAt) > tc.ttl {
		tc.removeLocked(entry)
		atomic.AddInt64(&tc.misses, 1)
		return nil, false
	}

	tc.moveToFront(entry)
	atomic.AddInt64(&tc.hits, 1)
	return entry.value, true
}

// Set stores a value in the cache. Values larger than the byte bound are
// not stored.
func (tc *TransformCache) Set(key string, value *CachedTransform) {
	if value == nil {
		return
	}
	size := value.size()

	tc.mutex.Lock()
	defer tc.mutex.Unlock()

	if tc.maxSize > 0 && size > tc.maxSize {
		return
	}

	if existing, ok := tc.entries[key]; ok {
		tc.currentSize += size - existing.size
		existing.value = value
		existing.size = size
		existing.createdAt = time.Now()
		tc.moveToFront(existing)
		tc.evictIfNeeded(0, 0)
		atomic.AddInt64(&tc.sets, 1)
		return
	}

	tc.evictIfNeeded(size, 1)

	entry := &cacheEntry{
		key:       key,
		value:     value,
		createdAt: time.Now(),
		size:      size,
	}
	tc.entries[key] = entry
	tc.currentSize += size
	tc.addToFront(entry)
	atomic.AddInt64(&tc.sets, 1)
}

// Delete drops key.
func (tc *TransformCache) Delete(key string) {
	tc.mutex.Lock()
	defer tc.mutex.Unlock()
	if entry, ok := tc.entries[key]; ok {
		tc.removeLocked(entry)
	}
}

// evictIfNeeded removes least recently used entries until extra bytes and
// entries fit.
func (tc *TransformCache) evictIfNeeded(extraSize int64, extraEntries int) {
	for tc.tail.prev != tc.head {
		overSize := tc.maxSize > 0 && tc.currentSize+extraSize > tc.maxSize
		overCount := tc.maxEntries > 0 && len(tc.entries)+extraEntries > tc.maxEntries
		if !overSize && !overCount {
			return
		}
		tc.removeLocked(tc.tail.prev)
		atomic.AddInt64(&tc.evictions, 1)
	}
}

func (tc *TransformCache) removeLocked(entry *cacheEntry) {
	tc.removeFromList(entry)
	delete(tc.entries, entry.key)
	tc.currentSize -= entry.size
}

// Clear clears all cache entries and resets statistics
func (tc *TransformCache) Clear() {
	tc.mutex.Lock()
	defer tc.mutex.Unlock()

	tc.entries = make(map[string]*cacheEntry)
	tc.currentSize = 0
	tc.head.next = tc.tail
	tc.tail.prev = tc.head

	atomic.StoreInt64(&tc.hits, 0)
	atomic.StoreInt64(&tc.misses, 0)
	atomic.StoreInt64(&tc.sets, 0)
	atomic.StoreInt64(&tc.evictions, 0)
}

// LRU doubly-linked list operations
func (tc *TransformCache) addToFront(entry *cacheEntry) {
	entry.prev = tc.head
	entry.next = tc.head.next
	tc.head.next.prev = entry
	tc.head.next = entry
}

func (tc *TransformCache) removeFromList(entry *cacheEntry) {
	entry.prev.next = entry.next
	entry.next.prev = entry.prev
}

func (tc *TransformCache) moveToFront(entry *cacheEntry) {
	tc.removeFromList(entry)
	tc.addToFront(entry)
}

// CacheStats is a point-in-time view of cache counters.
type CacheStats struct {
	Entries   int
	Size      int64
	MaxSize   int64
	Hits      int64
	Misses    int64
	Sets      int64
	Evictions int64
}

// HitRate returns hits over lookups in [0, 1].
func (s CacheStats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0.0
	}
	return float64(s.Hits) / float64(total)
}

// Stats returns cache statistics
func (tc *TransformCache) Stats() CacheStats {
	tc.mutex.Lock()
	entries, size := len(tc.entries), tc.currentSize
	tc.mutex.Unlock()

	return CacheStats{
		Entries:   entries,
		Size:      size,
		MaxSize:   tc.maxSize,
		Hits:      atomic.LoadInt64(&tc.hits),
		Misses:    atomic.LoadInt64(&tc.misses),
		Sets:      atomic.LoadInt64(&tc.sets),
		Evictions: atomic.LoadInt64(&tc.evictions),
	}
}
