package cursor

import (
	"context"

	"github.com/go-redis/redis/v8"
)

// RedisBackend stores cursors as plain Redis string keys
type RedisBackend struct {
	client func(ctx context.Context) (*redis.Client, error)
}

// NewRedisBackend creates a backend that acquires its client per call
func NewRedisBackend(client func(ctx context.Context) (*redis.Client, error)) *RedisBackend {
	return &RedisBackend{client: client}
}

func (r *RedisBackend) Load(ctx context.Context, key string) (string, bool, error) {
	c, err := r.client(ctx)
	if err != nil {
		return "", false, err
	}
	val, err := c.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (r *RedisBackend) Save(ctx context.Context, key, value string) error {
	c, err := r.client(ctx)
	if err != nil {
		return err
	}
	return c.Set(ctx, key, value, 0).Err()
}

func (r *RedisBackend) Delete(ctx context.Context, key string) error {
	c, err := r.client(ctx)
	if err != nil {
		return err
	}
	return c.Del(ctx, key).Err()
}

// Close is a no-op; the client belongs to the connection manager
func (r *RedisBackend) Close() error {
	return nil
}
