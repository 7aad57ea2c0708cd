// Package cache holds the online feature cache read by the scoring service.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/ha1tch/ledgersync/pkg/conn"
	"github.com/ha1tch/ledgersync/pkg/syncerr"
)

var (
	// ErrNotFound is returned by Get for absent keys
	ErrNotFound = errors.New("key not found")

	// ErrConflict is returned when an Update keeps losing to concurrent writers
	ErrConflict = errors.New("update conflict")
)

// UpdateFunc computes a new value from the current one. found is false when
// the key is absent.
type UpdateFunc func(old []byte, found bool) ([]byte, error)

// Cache interface defines caching operations
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	// Update is an atomic read-modify-write of a single key
	Update(ctx context.Context, key string, fn UpdateFunc) error
	Close() error
}

// MemoryCache implements an in-memory LRU cache
type MemoryCache struct {
	cache *lru.LRU[string, []byte]
	mu    sync.Mutex
}

// NewMemoryCache creates a new in-memory cache. A zero ttl never expires entries.
func NewMemoryCache(size int, ttl time.Duration) *MemoryCache {
	return &MemoryCache{
		cache: lru.NewLRU[string, []byte](size, nil, ttl),
	}
}

// Get retrieves a value from the cache
func (m *MemoryCache) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	val, ok := m.cache.Get(key)
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), val...), nil
}

// Set stores a value in the cache
func (m *MemoryCache) Set(ctx context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cache.Add(key, append([]byte(nil), value...))
	return nil
}

// Update holds the cache lock across the read and the write
func (m *MemoryCache) Update(ctx context.Context, key string, fn UpdateFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	old, found := m.cache.Get(key)
	val, err := fn(append([]byte(nil), old...), found)
	if err != nil {
		return err
	}
	m.cache.Add(key, append([]byte(nil), val...))
	return nil
}

// Len returns the number of cached entries
func (m *MemoryCache) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cache.Len()
}

// Close purges the cache
func (m *MemoryCache) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cache.Purge()
	return nil
}

// RedisCache implements a Redis-backed cache on a connection slot
type RedisCache struct {
	conns      *conn.Manager
	slot       string
	ttl        time.Duration
	maxRetries int
}

// NewRedisCache creates a cache that acquires its client from the named slot
func NewRedisCache(conns *conn.Manager, slot string, ttl time.Duration) *RedisCache {
	return &RedisCache{conns: conns, slot: slot, ttl: ttl, maxRetries: 10}
}

// Get retrieves a value from Redis
func (r *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	client, err := r.conns.Redis(ctx, r.slot)
	if err != nil {
		return nil, err
	}

	val, err := client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, r.fail(err)
	}
	return val, nil
}

// Set stores a value in Redis
func (r *RedisCache) Set(ctx context.Context, key string, value []byte) error {
	client, err := r.conns.Redis(ctx, r.slot)
	if err != nil {
		return err
	}
	if err := client.Set(ctx, key, value, r.ttl).Err(); err != nil {
		return r.fail(err)
	}
	return nil
}

// Update runs fn under WATCH and commits with MULTI/EXEC, retrying when
// another writer touched the key in between
func (r *RedisCache) Update(ctx context.Context, key string, fn UpdateFunc) error {
	client, err := r.conns.Redis(ctx, r.slot)
	if err != nil {
		return err
	}

	var fnErr error
	txf := func(tx *redis.Tx) error {
		old, err := tx.Get(ctx, key).Bytes()
		found := true
		if err == redis.Nil {
			old, found = nil, false
		} else if err != nil {
			return err
		}

		val, err := fn(old, found)
		if err != nil {
			fnErr = err
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, val, r.ttl)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < r.maxRetries; attempt++ {
		fnErr = nil
		err := client.Watch(ctx, txf, key)
		if err == nil {
			return nil
		}
		if fnErr != nil {
			return fnErr
		}
		if err != redis.TxFailedErr {
			return r.fail(err)
		}
	}
	return fmt.Errorf("%w: %s", ErrConflict, key)
}

func (r *RedisCache) fail(err error) error {
	r.conns.Invalidate(r.slot, err)
	return syncerr.Connectivity(r.slot, err)
}

// Close is a no-op; the client belongs to the connection manager
func (r *RedisCache) Close() error {
	return nil
}
