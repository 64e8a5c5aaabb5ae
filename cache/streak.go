// Package cache implements the redis-backed collab.StreakCache (C9),
// generalizing the reference Redis adapter's per-key hash pattern to one
// HSET per (symbol, timeframe) pair plus a set tracking known pairs for
// LoadAll.
package cache

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/synapsestrike/signalcore/signal"
)

const (
	streakKeyPrefix = "signalcore:streak"
	streakSetKey    = "signalcore:streak:pairs"
)

// RedisStreakCache persists signal.Streak state per (symbol, timeframe).
type RedisStreakCache struct {
	client *redis.Client
}

func NewRedisStreakCache(client *redis.Client) *RedisStreakCache {
	return &RedisStreakCache{client: client}
}

func pairID(symbol, timeframe string) string {
	return symbol + ":" + timeframe
}

func streakKey(symbol, timeframe string) string {
	return fmt.Sprintf("%s:%s", streakKeyPrefix, pairID(symbol, timeframe))
}

// Save writes s for (symbol, timeframe) and registers the pair so LoadAll
// can discover it, atomically via a pipeline.
func (c *RedisStreakCache) Save(ctx context.Context, symbol, timeframe string, s signal.Streak) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("cache: marshaling streak for %s/%s: %w", symbol, timeframe, err)
	}

	pipe := c.client.TxPipeline()
	pipe.Set(ctx, streakKey(symbol, timeframe), data, 0)
	pipe.SAdd(ctx, streakSetKey, pairID(symbol, timeframe))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache: saving streak for %s/%s: %w", symbol, timeframe, err)
	}
	return nil
}

// LoadAll reconstructs every known pair's streak state.
func (c *RedisStreakCache) LoadAll(ctx context.Context) (map[[2]string]signal.Streak, error) {
	pairs, err := c.client.SMembers(ctx, streakSetKey).Result()
	if err != nil {
		if err == redis.Nil {
			return map[[2]string]signal.Streak{}, nil
		}
		return nil, fmt.Errorf("cache: listing streak pairs: %w", err)
	}

	out := make(map[[2]string]signal.Streak, len(pairs))
	for _, p := range pairs {
		symbol, timeframe, ok := splitPair(p)
		if !ok {
			continue
		}
		data, err := c.client.Get(ctx, streakKey(symbol, timeframe)).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("cache: loading streak for %s: %w", p, err)
		}
		var s signal.Streak
		if err := json.Unmarshal([]byte(data), &s); err != nil {
			return nil, fmt.Errorf("cache: unmarshaling streak for %s: %w", p, err)
		}
		out[[2]string{symbol, timeframe}] = s
	}
	return out, nil
}

func splitPair(p string) (symbol, timeframe string, ok bool) {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == ':' {
			return p[:i], p[i+1:], true
		}
	}
	return "", "", false
}
