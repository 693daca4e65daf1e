package auction

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCancellationCache remembers recently cancelled order ids so settlement
// workers can drop queued iterations without a database round trip.
type RedisCancellationCache struct {
	client         *redis.Client
	expireDuration time.Duration
	keyPrefix      string
}

func NewRedisCancellationCache(client *redis.Client, expireDuration time.Duration, keyPrefix string) *RedisCancellationCache {
	return &RedisCancellationCache{
		client:         client,
		expireDuration: expireDuration,
		keyPrefix:      keyPrefix,
	}
}

func (c *RedisCancellationCache) Add(ctx context.Context, orderID string) error {
	return c.client.Set(ctx, c.keyPrefix+orderID, 1, c.expireDuration).Err()
}

// IsCancelled reports whether any of the given order ids was cancelled.
// Workers pass the order id together with its parent id for split orders.
func (c *RedisCancellationCache) IsCancelled(ctx context.Context, orderIDs []string) (bool, error) {
	keys := make([]string, len(orderIDs))
	for i, id := range orderIDs {
		keys[i] = c.keyPrefix + id
	}
	res, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		return false, err
	}
	for _, r := range res {
		if r != nil {
			return true, nil
		}
	}
	return false, nil
}

// DeleteAll deletes all the keys in the cache. It can be very slow and should only be used for testing.
func (c *RedisCancellationCache) DeleteAll(ctx context.Context) error {
	keys, err := c.client.Keys(ctx, c.keyPrefix+"*").Result()
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return c.client.Del(ctx, keys...).Err()
}
