package discovery

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Hfirstxlovef/cyberlab-sub002/internal/core/domain"
)

// DefaultCacheTTL is how long a host's container listing is served from cache.
const DefaultCacheTTL = 30 * time.Second

// ListingCache caches per-host container listings.
type ListingCache interface {
	// Get returns the cached listing. ok is false on a miss.
	Get(ctx context.Context, hostID string) (containers []domain.ContainerInfo, ok bool, err error)
	Set(ctx context.Context, hostID string, containers []domain.ContainerInfo) error
	Delete(ctx context.Context, hostID string) error
}

// NopCache never caches.
type NopCache struct{}

func (NopCache) Get(context.Context, string) ([]domain.ContainerInfo, bool, error) {
	return nil, false, nil
}

func (NopCache) Set(context.Context, string, []domain.ContainerInfo) error { return nil }

func (NopCache) Delete(context.Context, string) error { return nil }

// =============================================================================
// Redis
// =============================================================================

// RedisCache stores listings as JSON values with a TTL.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache creates a cache over client. A non-positive ttl uses
// DefaultCacheTTL.
func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &RedisCache{client: client, ttl: ttl}
}

func listingKey(hostID string) string {
	return "fleet:discovery:host:" + hostID + ":containers"
}

func (c *RedisCache) Get(ctx context.Context, hostID string) ([]domain.ContainerInfo, bool, error) {
	data, err := c.client.Get(ctx, listingKey(hostID)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var containers []domain.ContainerInfo
	if err := json.Unmarshal(data, &containers); err != nil {
		return nil, false, err
	}
	return containers, true, nil
}

func (c *RedisCache) Set(ctx context.Context, hostID string, containers []domain.ContainerInfo) error {
	data, err := json.Marshal(containers)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, listingKey(hostID), data, c.ttl).Err()
}

func (c *RedisCache) Delete(ctx context.Context, hostID string) error {
	return c.client.Del(ctx, listingKey(hostID)).Err()
}
