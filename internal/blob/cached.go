package blob

import (
	"context"
	"time"

	"github.com/sealstore/sealstore/internal/cache"
)

// cachedClient decorates a Client with a read cache. Blob IDs are content
// derived, so cached data never diverges from the backend.
type cachedClient struct {
	inner Client
	cache cache.Cache
	ttl   time.Duration
}

// NewCachedClient wraps a client so repeated reads of the same blob are
// served from memory.
func NewCachedClient(inner Client, c cache.Cache, ttl time.Duration) Client {
	return &cachedClient{
		inner: inner,
		cache: c,
		ttl:   ttl,
	}
}

func (c *cachedClient) Put(ctx context.Context, data []byte, epochs int) (*PutResult, error) {
	result, err := c.inner.Put(ctx, data, epochs)
	if err != nil {
		return nil, err
	}

	// Write-through: an uploaded blob is likely to be read back soon.
	buf := make([]byte, len(data))
	copy(buf, data)
	_ = c.cache.Set(ctx, result.BlobID, buf, c.ttl)

	return result, nil
}

func (c *cachedClient) Get(ctx context.Context, blobID string) ([]byte, error) {
	if entry, ok := c.cache.Get(ctx, blobID); ok {
		buf := make([]byte, len(entry.Data))
		copy(buf, entry.Data)
		return buf, nil
	}

	data, err := c.inner.Get(ctx, blobID)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, len(data))
	copy(buf, data)
	_ = c.cache.Set(ctx, blobID, buf, c.ttl)

	return data, nil
}

func (c *cachedClient) Head(ctx context.Context, blobID string) (*HeadResult, error) {
	if entry, ok := c.cache.Get(ctx, blobID); ok {
		return &HeadResult{Exists: true, Size: int64(len(entry.Data))}, nil
	}

	return c.inner.Head(ctx, blobID)
}
