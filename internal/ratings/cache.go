package ratings

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// StatsCache fronts RatingStats reads. A miss is (nil, nil).
type StatsCache interface {
	Get(ctx context.Context, userID uuid.UUID) (*Stats, error)
	Set(ctx context.Context, stats *Stats) error
	Invalidate(ctx context.Context, userID uuid.UUID) error
}

// NopCache always misses.
type NopCache struct{}

func (NopCache) Get(context.Context, uuid.UUID) (*Stats, error) { return nil, nil }
func (NopCache) Set(context.Context, *Stats) error              { return nil }
func (NopCache) Invalidate(context.Context, uuid.UUID) error    { return nil }

const defaultStatsTTL = 5 * time.Minute

type RedisCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisCache(rdb *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = defaultStatsTTL
	}
	return &RedisCache{rdb: rdb, ttl: ttl}
}

func statsKey(userID uuid.UUID) string { return "rating-stats:" + userID.String() }

func (c *RedisCache) Get(ctx context.Context, userID uuid.UUID) (*Stats, error) {
	raw, err := c.rdb.Get(ctx, statsKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var s Stats
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *RedisCache) Set(ctx context.Context, stats *Stats) error {
	raw, err := json.Marshal(stats)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, statsKey(stats.UserID), raw, c.ttl).Err()
}

func (c *RedisCache) Invalidate(ctx context.Context, userID uuid.UUID) error {
	return c.rdb.Del(ctx, statsKey(userID)).Err()
}
