package redisdb

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const dedupKeyPrefix = "poolrelay:dedup:"

// Dedup is the queue-admission guard for the submit stage. A redelivered
// request with an idempotency key that was already admitted collapses here
// before it reaches the executor. The ledger remains the source of truth;
// this only saves pointless work.
type Dedup struct {
	client *redis.Client
	ttl    time.Duration
}

func NewDedup(client *redis.Client, ttl time.Duration) *Dedup {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Dedup{client: client, ttl: ttl}
}

// Admit returns true the first time a key is seen within the TTL window.
func (d *Dedup) Admit(ctx context.Context, idempotencyKey string) (bool, error) {
	return d.client.SetNX(ctx, dedupKeyPrefix+idempotencyKey, 1, d.ttl).Result()
}

// Release drops the guard so a failed admission can be retried cleanly.
func (d *Dedup) Release(ctx context.Context, idempotencyKey string) error {
	return d.client.Del(ctx, dedupKeyPrefix+idempotencyKey).Err()
}
