package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keySetKeyPrefix = "jwks:"

// KeySetCache stores raw key-set documents in Redis so every instance of the
// service shares one fetch per URL. It satisfies tokens.KeySetCache.
type KeySetCache struct {
	client redis.Cmdable
	prefix string
}

// NewKeySetCache builds a cache on top of client.
func NewKeySetCache(client redis.Cmdable) *KeySetCache {
	return &KeySetCache{client: client, prefix: keySetKeyPrefix}
}

// Get returns the cached document for url, or nil when nothing is cached.
func (c *KeySetCache) Get(ctx context.Context, url string) ([]byte, error) {
	doc, err := c.client.Get(ctx, c.prefix+url).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get key set %s: %w", url, err)
	}
	return doc, nil
}

// Set stores document for url. A zero ttl keeps it until overwritten.
func (c *KeySetCache) Set(ctx context.Context, url string, document []byte, ttl time.Duration) error {
	if err := c.client.Set(ctx, c.prefix+url, document, ttl).Err(); err != nil {
		return fmt.Errorf("set key set %s: %w", url, err)
	}
	return nil
}
