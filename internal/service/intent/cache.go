package intent

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
)

// Cache 意图结果缓存。
type Cache interface {
	Get(ctx context.Context, key string) (Decision, bool, error)
	Set(ctx context.Context, key string, d Decision, ttl time.Duration) error
}

// NoopCache 未配置 REDIS_URL 时使用。
type NoopCache struct{}

func (NoopCache) Get(context.Context, string) (Decision, bool, error)        { return Decision{}, false, nil }
func (NoopCache) Set(context.Context, string, Decision, time.Duration) error { return nil }

// RedisCache 以规范化输入的 sha1 作为键。
type RedisCache struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisCache(client redis.UniversalClient) *RedisCache {
	return &RedisCache{client: client, prefix: "intent:"}
}

// NewRedisCacheFromURL 解析 redis:// 地址并检查连通性。
func NewRedisCacheFromURL(ctx context.Context, rawURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return NewRedisCache(client), nil
}

func (c *RedisCache) key(k string) string {
	sum := sha1.Sum([]byte(k))
	return c.prefix + hex.EncodeToString(sum[:])
}

func (c *RedisCache) Get(ctx context.Context, key string) (Decision, bool, error) {
	raw, err := c.client.Get(ctx, c.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Decision{}, false, nil
	}
	if err != nil {
		return Decision{}, false, err
	}
	var d Decision
	if err := sonic.Unmarshal(raw, &d); err != nil {
		return Decision{}, false, err
	}
	return d, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, d Decision, ttl time.Duration) error {
	raw, err := sonic.Marshal(d)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.key(key), raw, ttl).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
