// Package redis provides an adapter to redis client
package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// SequenceCache hands out monotonically increasing quote sequence numbers
// per order. Sequences expire together with the auction.
type SequenceCache struct {
	client         *redis.Client
	expireDuration time.Duration
	keyPrefix      string
}

func NewSequenceCache(client *redis.Client, expireDuration time.Duration, keyPrefix string) *SequenceCache {
	return &SequenceCache{
		client:         client,
		expireDuration: expireDuration,
		keyPrefix:      keyPrefix,
	}
}

func (r *SequenceCache) NextSequence(ctx context.Context, orderID string) (uint64, error) {
	sequence, err := r.client.Incr(ctx, r.keyPrefix+orderID).Result()
	if err != nil {
		return 0, err
	}
	// the expiry error is not critical, the key just lives longer
	_ = r.client.Expire(ctx, r.keyPrefix+orderID, r.expireDuration).Err()
	return uint64(sequence), nil
}

func (r *SequenceCache) GetSequence(ctx context.Context, orderID string) (uint64, error) {
	sequence, err := r.client.Get(ctx, r.keyPrefix+orderID).Int64()
	return uint64(sequence), err
}
