package stats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisKey = "tunefetch:stats:snapshot"

// RedisCache shares the snapshot between API replicas.
type RedisCache struct {
	rdb redis.Cmdable
	key string
}

func NewRedisCache(rdb redis.Cmdable, key string) *RedisCache {
	if key == "" {
		key = defaultRedisKey
	}
	return &RedisCache{rdb: rdb, key: key}
}

func (c *RedisCache) Get(ctx context.Context) (Snapshot, bool, error) {
	raw, err := c.rdb.Get(ctx, c.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("redis get %s: %w", c.key, err)
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return Snapshot{}, false, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, true, nil
}

func (c *RedisCache) Set(ctx context.Context, snap Snapshot, ttl time.Duration) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := c.rdb.Set(ctx, c.key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", c.key, err)
	}
	return nil
}
