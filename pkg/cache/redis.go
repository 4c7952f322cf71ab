package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrTierClosed is returned when operating on a closed Redis tier.
var ErrTierClosed = errors.New("redis tier is closed")

// RedisTier is the distributed cache tier. Values are stored with a per-write
// TTL under a shared key prefix.
type RedisTier struct {
	client *redis.Client
	prefix string
	mu     sync.RWMutex
	closed bool
}

// RedisOptions holds Redis connection configuration.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// Prefix is prepended to every key (default "convoy:").
	Prefix string
	// PoolSize bounds the connection pool (default 20).
	PoolSize int
}

// NewRedisTier connects to Redis and verifies the connection.
func NewRedisTier(opts RedisOptions) (*RedisTier, error) {
	if opts.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	prefix := opts.Prefix
	if prefix == "" {
		prefix = "convoy:"
	}
	poolSize := opts.PoolSize
	if poolSize <= 0 {
		poolSize = 20
	}

	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
		PoolSize: poolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &RedisTier{client: client, prefix: prefix}, nil
}

// NewRedisTierFromClient wraps an existing client. Useful for testing with
// miniredis.
func NewRedisTierFromClient(client *redis.Client, prefix string) *RedisTier {
	if prefix == "" {
		prefix = "convoy:"
	}
	return &RedisTier{client: client, prefix: prefix}
}

func (t *RedisTier) key(k string) string {
	return t.prefix + k
}

func (t *RedisTier) isClosed() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.closed
}

// Get returns the value for a key. A cache miss returns (nil, nil).
func (t *RedisTier) Get(ctx context.Context, key string) ([]byte, error) {
	if t.isClosed() {
		return nil, ErrTierClosed
	}

	data, err := t.client.Get(ctx, t.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return data, nil
}

// Set stores a value with the given TTL (0 = no expiry).
func (t *RedisTier) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if t.isClosed() {
		return ErrTierClosed
	}

	if err := t.client.Set(ctx, t.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// MGet returns values for multiple keys; missing keys map to nil.
func (t *RedisTier) MGet(ctx context.Context, keys []string) (map[string][]byte, error) {
	if t.isClosed() {
		return nil, ErrTierClosed
	}
	if len(keys) == 0 {
		return map[string][]byte{}, nil
	}

	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = t.key(k)
	}

	values, err := t.client.MGet(ctx, prefixed...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget: %w", err)
	}

	result := make(map[string][]byte, len(keys))
	for i, v := range values {
		if v == nil {
			continue
		}
		switch data := v.(type) {
		case string:
			result[keys[i]] = []byte(data)
		case []byte:
			result[keys[i]] = data
		}
	}
	return result, nil
}

// Delete removes a key.
func (t *RedisTier) Delete(ctx context.Context, key string) error {
	if t.isClosed() {
		return ErrTierClosed
	}
	if err := t.client.Del(ctx, t.key(key)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Ping checks the connection.
func (t *RedisTier) Ping(ctx context.Context) error {
	if t.isClosed() {
		return ErrTierClosed
	}
	return t.client.Ping(ctx).Err()
}

// Close releases the connection pool.
func (t *RedisTier) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	return t.client.Close()
}
