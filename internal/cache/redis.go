// Package cache keeps succeeded chat results in redis for fast replays.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/creditengine/pkg/settlement"
	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix  = "creditengine:chat:"
	defaultTTL = 24 * time.Hour
)

// RedisCache implements settlement.ResultCache.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache wraps client. A non-positive ttl selects 24h.
func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &RedisCache{client: client, ttl: ttl}
}

func (cache *RedisCache) Get(ctx context.Context, userID string, idempotencyToken string) (settlement.ChatResult, bool, error) {
	payload, err := cache.client.Get(ctx, resultKey(userID, idempotencyToken)).Bytes()
	if errors.Is(err, redis.Nil) {
		return settlement.ChatResult{}, false, nil
	}
	if err != nil {
		return settlement.ChatResult{}, false, err
	}
	var result settlement.ChatResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return settlement.ChatResult{}, false, err
	}
	return result, true, nil
}

func (cache *RedisCache) Set(ctx context.Context, userID string, idempotencyToken string, result settlement.ChatResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return cache.client.Set(ctx, resultKey(userID, idempotencyToken), payload, cache.ttl).Err()
}

func resultKey(userID string, idempotencyToken string) string {
	return keyPrefix + userID + ":" + idempotencyToken
}
