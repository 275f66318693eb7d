package router

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"courier/internal/constants"
)

// Guard remembers which routing claims were already taken, so broker
// redeliveries do not produce duplicate envelopes downstream. Keys are the
// inbound message ID for the event as a whole, plus one key per dispatched
// action group.
type Guard interface {
	FirstSeen(ctx context.Context, key string) (bool, error)
	Forget(ctx context.Context, key string) error
}

type RedisGuard struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisGuard(client *redis.Client, ttl time.Duration) *RedisGuard {
	if ttl <= 0 {
		ttl = time.Duration(constants.DefaultInboundTTLSeconds) * time.Second
	}
	return &RedisGuard{client: client, ttl: ttl}
}

func (g *RedisGuard) FirstSeen(ctx context.Context, claimKey string) (bool, error) {
	key := constants.CacheKeyPrefixInbound + claimKey
	first, err := g.client.SetNX(ctx, key, time.Now().Unix(), g.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis SetNX failed: %w", err)
	}
	return first, nil
}

// Forget releases a claim so a failed routing pass can be redelivered.
func (g *RedisGuard) Forget(ctx context.Context, claimKey string) error {
	if err := g.client.Del(ctx, constants.CacheKeyPrefixInbound+claimKey).Err(); err != nil {
		return fmt.Errorf("redis DEL failed: %w", err)
	}
	return nil
}
