package cache

import (
	"context"
	"time"

	pkgredis "github.com/ouvidoriag/ogfinal-sub001/pkg/redis"
)

// RedisBackend keeps entries in Redis with native expiry. Pattern deletes
// SCAN the keyspace and unlink matches in batches.
type RedisBackend struct {
	client *pkgredis.Client
}

// NewRedisBackend creates a RedisBackend.
func NewRedisBackend(client *pkgredis.Client) *RedisBackend {
	return &RedisBackend{client: client}
}

func (b *RedisBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := b.client.Get(ctx, key)
	if err != nil {
		if pkgredis.IsNilError(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return data, true, nil
}

func (b *RedisBackend) Set(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	return b.client.Set(ctx, key, data, ttl)
}

func (b *RedisBackend) DeletePattern(ctx context.Context, pattern string) (int64, error) {
	return b.client.FlushByPattern(ctx, pattern)
}

func (b *RedisBackend) Ping(ctx context.Context) error {
	return b.client.Ping(ctx)
}

func (b *RedisBackend) Name() string { return "redis" }
