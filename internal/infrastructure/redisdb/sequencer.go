package redisdb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"poolrelay/internal/application"
)

const defaultNonceKey = "poolrelay:relayer:nonce"

// Sequencer owns the relayer's transaction sequence. The counter lives in
// Redis because workers run as separate processes; every mutation is a
// single atomic server-side operation, never a read-then-write pair.
//
// The stored value is the next nonce to hand out.
type Sequencer struct {
	client *redis.Client
	key    string
}

// NewClient dials Redis and verifies connectivity. The same client backs
// the sequencer and the dedup guard.
func NewClient(addr string) (*redis.Client, error) {
	if addr == "" {
		return nil, errors.New("redis addr is required")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

func NewSequencer(client *redis.Client, key string) *Sequencer {
	if key == "" {
		key = defaultNonceKey
	}
	return &Sequencer{client: client, key: key}
}

// initScript sets the counter to the chain nonce unless the persisted value
// is already ahead, so the counter never regresses below chain truth.
var initScript = redis.NewScript(`
local cur = tonumber(redis.call("GET", KEYS[1]))
local chain = tonumber(ARGV[1])
if cur == nil or chain > cur then
	redis.call("SET", KEYS[1], chain)
	return chain
end
return cur
`)

// Initialize seeds the counter with max(chainNonce, persisted). Called once
// at process start.
func (s *Sequencer) Initialize(ctx context.Context, chainNonce uint64) (uint64, error) {
	result, err := initScript.Run(ctx, s.client, []string{s.key}, chainNonce).Int64()
	if err != nil {
		return 0, fmt.Errorf("nonce initialize: %w", err)
	}
	return uint64(result), nil
}

// Allocate atomically reserves the next sequence number. INCR returns the
// post-increment value; the caller gets the pre-increment one.
func (s *Sequencer) Allocate(ctx context.Context) (uint64, error) {
	next, err := s.client.Incr(ctx, s.key).Result()
	if err != nil {
		return 0, fmt.Errorf("nonce allocate: %w", err)
	}
	return uint64(next - 1), nil
}

// reclaimScript decrements only when the counter proves the given sequence
// was the most recent allocation. Reclaiming anything older would double-
// issue a number still held by an in-flight transaction.
var reclaimScript = redis.NewScript(`
local cur = tonumber(redis.call("GET", KEYS[1]))
local seq = tonumber(ARGV[1])
if cur ~= nil and cur == seq + 1 then
	redis.call("DECR", KEYS[1])
	return 1
end
return 0
`)

// Reclaim returns a sequence that never reached the chain. Refusal is not an
// infrastructure failure; callers log it and move on.
func (s *Sequencer) Reclaim(ctx context.Context, sequence uint64) error {
	ok, err := reclaimScript.Run(ctx, s.client, []string{s.key}, sequence).Int64()
	if err != nil {
		return fmt.Errorf("nonce reclaim: %w", err)
	}
	if ok != 1 {
		return application.ErrReclaimRefused
	}
	return nil
}

// Resync force-sets the counter to chain truth. Operator recovery path.
func (s *Sequencer) Resync(ctx context.Context, chainNonce uint64) error {
	if err := s.client.Set(ctx, s.key, chainNonce, 0).Err(); err != nil {
		return fmt.Errorf("nonce resync: %w", err)
	}
	return nil
}

// Current reads the counter without mutating it.
func (s *Sequencer) Current(ctx context.Context) (uint64, error) {
	value, err := s.client.Get(ctx, s.key).Uint64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return value, nil
}
