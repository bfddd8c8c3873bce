package lock

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"report-scheduler/internal/clock"
)

// RedisCache keeps lease markers in Redis with PX expiry.
type RedisCache struct {
	client redis.UniversalClient
}

func NewRedisCache(client redis.UniversalClient) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) SetNX(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return c.client.SetNX(ctx, key, 1, ttl).Result()
}

func (c *RedisCache) Del(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

// MemoryCache is a process-local TTL map.
type MemoryCache struct {
	mu      sync.Mutex
	clock   clock.Clock
	expires map[string]time.Time
}

func NewMemoryCache(clk clock.Clock) *MemoryCache {
	if clk == nil {
		clk = clock.Real{}
	}
	return &MemoryCache{clock: clk, expires: make(map[string]time.Time)}
}

func (c *MemoryCache) live(key string) bool {
	exp, ok := c.expires[key]
	if !ok {
		return false
	}
	if !c.clock.Now().Before(exp) {
		delete(c.expires, key)
		return false
	}
	return true
}

func (c *MemoryCache) SetNX(_ context.Context, key string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.live(key) {
		return false, nil
	}
	c.expires[key] = c.clock.Now().Add(ttl)
	return true, nil
}

func (c *MemoryCache) Del(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.expires, key)
	c.mu.Unlock()
	return nil
}
