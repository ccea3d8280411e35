package session

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// session cache key: support:sess:<session_id>
func cacheKey(sessionID string) string { return "support:sess:" + sessionID }

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
	TTL      time.Duration // 0 => no expiry
}

// RedisCache is the durable Cache implementation for hosts that have a
// redis alongside (kiosk/edge deployments); MemoryCache covers the rest.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisCache(c RedisConfig) (*RedisCache, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     c.Addr,
		Password: c.Password,
		DB:       c.DB,
		PoolSize: c.PoolSize,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, errors.WithMessage(err, "redis ping")
	}
	return &RedisCache{client: rdb, ttl: c.TTL}, nil
}

func (c *RedisCache) Load(ctx context.Context, sessionID string) ([]byte, bool, error) {
	b, err := c.client.Get(ctx, cacheKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (c *RedisCache) Save(ctx context.Context, sessionID string, data []byte) error {
	return c.client.Set(ctx, cacheKey(sessionID), data, c.ttl).Err()
}

func (c *RedisCache) Delete(ctx context.Context, sessionID string) error {
	return c.client.Del(ctx, cacheKey(sessionID)).Err()
}

func (c *RedisCache) Close() error { return c.client.Close() }
