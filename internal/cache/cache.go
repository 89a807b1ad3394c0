package cache

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Entry represents a cached blob.
type Entry struct {
	Data      []byte
	ExpiresAt time.Time
}

// IsExpired checks if the cache entry has expired.
func (e *Entry) IsExpired() bool {
	return time.Now().After(e.ExpiresAt)
}

// Cache is an interface for caching blobs by ID. Blob IDs are content
// derived, so a cached entry never goes stale; the TTL bounds memory use.
type Cache interface {
	// Get retrieves a cached blob.
	Get(ctx context.Context, blobID string) (*Entry, bool)

	// Set stores a blob in the cache.
	Set(ctx context.Context, blobID string, data []byte, ttl time.Duration) error

	// Delete removes a blob from the cache.
	Delete(ctx context.Context, blobID string) error

	// Clear clears all cached blobs.
	Clear(ctx context.Context) error

	// Stats returns cache statistics.
	Stats() Stats
}

// Stats holds cache statistics.
type Stats struct {
	Size      int64
	Items     int
	Hits      int64
	Misses    int64
	Evictions int64
}

// memoryCache is an in-memory implementation of Cache.
type memoryCache struct {
	mu       sync.Mutex
	entries  map[string]*Entry
	maxSize  int64
	maxItems int
	stats    Stats
	ttl      time.Duration
}

// NewMemoryCache creates a new in-memory cache.
func NewMemoryCache(maxSize int64, maxItems int, defaultTTL time.Duration) Cache {
	return &memoryCache{
		entries:  make(map[string]*Entry),
		maxSize:  maxSize,
		maxItems: maxItems,
		ttl:      defaultTTL,
	}
}

// Get retrieves a cached blob.
func (c *memoryCache) Get(ctx context.Context, blobID string) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[blobID]
	if !ok || entry.IsExpired() {
		c.stats.Misses++
		return nil, false
	}

	c.stats.Hits++
	return entry, true
}

// Set stores a blob in the cache, evicting older entries when over budget.
func (c *memoryCache) Set(ctx context.Context, blobID string, data []byte, ttl time.Duration) error {
	if ttl == 0 {
		ttl = c.ttl
	}

	entry := &Entry{
		Data:      data,
		ExpiresAt: time.Now().Add(ttl),
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	entrySize := int64(len(data))
	if entrySize > c.maxSize {
		return fmt.Errorf("blob of %d bytes exceeds cache capacity", entrySize)
	}

	c.evictExpiredLocked()

	if c.currentSizeLocked()+entrySize > c.maxSize || len(c.entries) >= c.maxItems {
		c.evictForSpaceLocked(entrySize)
	}

	c.entries[blobID] = entry

	return nil
}

// Delete removes a blob from the cache.
func (c *memoryCache) Delete(ctx context.Context, blobID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, blobID)

	return nil
}

// Clear clears all cached blobs.
func (c *memoryCache) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*Entry)
	c.stats = Stats{}

	return nil
}

// Stats returns cache statistics.
func (c *memoryCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := c.stats
	stats.Size = c.currentSizeLocked()
	stats.Items = len(c.entries)

	return stats
}

// currentSizeLocked calculates the current cache size (must be called with lock held).
func (c *memoryCache) currentSizeLocked() int64 {
	var size int64
	for _, entry := range c.entries {
		if !entry.IsExpired() {
			size += int64(len(entry.Data))
		}
	}
	return size
}

// evictExpiredLocked removes expired entries (must be called with lock held).
func (c *memoryCache) evictExpiredLocked() {
	for key, entry := range c.entries {
		if entry.IsExpired() {
			delete(c.entries, key)
			c.stats.Evictions++
		}
	}
}

// evictForSpaceLocked evicts entries until the new blob fits (must be called
// with lock held). Map iteration order stands in for a proper LRU; entries
// are immutable so any victim is safe.
func (c *memoryCache) evictForSpaceLocked(neededSpace int64) {
	currentSize := c.currentSizeLocked()
	targetSize := c.maxSize - neededSpace

	for key, entry := range c.entries {
		if currentSize <= targetSize && len(c.entries) < c.maxItems {
			break
		}
		delete(c.entries, key)
		c.stats.Evictions++
		currentSize -= int64(len(entry.Data))
	}
}
