// Package cache implements the engine's tiered key/value cache: a bounded
// in-process LRU in front of a Redis tier. A full miss signals the caller to
// recompute from the backing store; Redis outages degrade to local-only mode
// without failing the calling operation.
package cache

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/convoy-dev/convoy/pkg/observability"
)

// Tier labels used in stats and metrics.
const (
	TierLocal = "local"
	TierRedis = "redis"
)

// Stats is a snapshot of cache counters.
type Stats struct {
	LocalHits      uint64 `json:"local_hits"`
	LocalMisses    uint64 `json:"local_misses"`
	RedisHits      uint64 `json:"redis_hits"`
	RedisMisses    uint64 `json:"redis_misses"`
	Writes         uint64 `json:"writes"`
	RedisAvailable bool   `json:"redis_available"`
}

// HitRate returns the combined hit percentage across both tiers.
func (s Stats) HitRate() float64 {
	total := s.LocalHits + s.LocalMisses + s.RedisHits + s.RedisMisses
	if total == 0 {
		return 0
	}
	return float64(s.LocalHits+s.RedisHits) / float64(total) * 100
}

// Manager is the tiered cache. Safe for concurrent use.
type Manager struct {
	local   *LRU
	redis   *RedisTier
	metrics *observability.Metrics
	log     zerolog.Logger

	redisAvailable atomic.Bool

	localHits   atomic.Uint64
	localMisses atomic.Uint64
	redisHits   atomic.Uint64
	redisMisses atomic.Uint64
	writes      atomic.Uint64
}

// ManagerOptions configures a Manager. Redis may be nil for local-only mode.
type ManagerOptions struct {
	LocalCapacity int
	Redis         *RedisTier
	Metrics       *observability.Metrics
	Logger        zerolog.Logger
}

// NewManager creates a tiered cache manager.
func NewManager(opts ManagerOptions) *Manager {
	capacity := opts.LocalCapacity
	if capacity <= 0 {
		capacity = 1000
	}
	m := &Manager{
		local:   NewLRU(capacity),
		redis:   opts.Redis,
		metrics: opts.Metrics,
		log:     opts.Logger,
	}
	m.redisAvailable.Store(opts.Redis != nil)
	return m
}

// Key joins key parts into a namespaced cache key.
func Key(parts ...string) string {
	return strings.Join(parts, ":")
}

// Get reads through the tiers: local LRU first, then Redis. A Redis hit is
// written back into the local tier. Returns (nil, false) on a full miss.
func (m *Manager) Get(ctx context.Context, key string) ([]byte, bool) {
	if value, ok := m.local.Get(key); ok {
		m.localHits.Add(1)
		m.recordHit(TierLocal)
		return value, true
	}
	m.localMisses.Add(1)
	m.recordMiss(TierLocal)

	if !m.redisAvailable.Load() {
		return nil, false
	}

	value, err := m.redis.Get(ctx, key)
	if err != nil {
		m.degrade("get", key, err)
		return nil, false
	}
	if value == nil {
		m.redisMisses.Add(1)
		m.recordMiss(TierRedis)
		return nil, false
	}

	m.redisHits.Add(1)
	m.recordHit(TierRedis)
	m.local.Set(key, value)
	return value, true
}

// Set writes to both tiers. Redis failures degrade silently to local-only.
func (m *Manager) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	m.local.Set(key, value)
	m.writes.Add(1)
	m.recordWrite(TierLocal)

	if !m.redisAvailable.Load() {
		return
	}
	if err := m.redis.Set(ctx, key, value, ttl); err != nil {
		m.degrade("set", key, err)
		return
	}
	m.recordWrite(TierRedis)
}

// BatchGet resolves multiple keys, batching the Redis round trip for keys the
// local tier misses. Missing keys are absent from the result.
func (m *Manager) BatchGet(ctx context.Context, keys []string) map[string][]byte {
	results := make(map[string][]byte, len(keys))
	var missing []string

	for _, key := range keys {
		if value, ok := m.local.Get(key); ok {
			m.localHits.Add(1)
			m.recordHit(TierLocal)
			results[key] = value
		} else {
			m.localMisses.Add(1)
			m.recordMiss(TierLocal)
			missing = append(missing, key)
		}
	}

	if len(missing) == 0 || !m.redisAvailable.Load() {
		return results
	}

	values, err := m.redis.MGet(ctx, missing)
	if err != nil {
		m.degrade("mget", "", err)
		return results
	}
	for _, key := range missing {
		value, ok := values[key]
		if !ok {
			m.redisMisses.Add(1)
			m.recordMiss(TierRedis)
			continue
		}
		m.redisHits.Add(1)
		m.recordHit(TierRedis)
		m.local.Set(key, value)
		results[key] = value
	}
	return results
}

// Delete removes a key from both tiers.
func (m *Manager) Delete(ctx context.Context, key string) {
	m.local.Delete(key)
	if !m.redisAvailable.Load() {
		return
	}
	if err := m.redis.Delete(ctx, key); err != nil {
		m.degrade("del", key, err)
	}
}

// Stats returns a counter snapshot.
func (m *Manager) Stats() Stats {
	return Stats{
		LocalHits:      m.localHits.Load(),
		LocalMisses:    m.localMisses.Load(),
		RedisHits:      m.redisHits.Load(),
		RedisMisses:    m.redisMisses.Load(),
		Writes:         m.writes.Load(),
		RedisAvailable: m.redisAvailable.Load(),
	}
}

// RedisAvailable reports whether the distributed tier is still in use.
func (m *Manager) RedisAvailable() bool {
	return m.redisAvailable.Load()
}

func (m *Manager) degrade(op, key string, err error) {
	if m.redisAvailable.CompareAndSwap(true, false) {
		m.log.Warn().Err(err).Str("op", op).Str("key", key).
			Msg("redis tier unavailable, falling back to local cache only")
	}
}

func (m *Manager) recordHit(tier string) {
	if m.metrics != nil {
		m.metrics.RecordCacheHit(tier)
	}
}

func (m *Manager) recordMiss(tier string) {
	if m.metrics != nil {
		m.metrics.RecordCacheMiss(tier)
	}
}

func (m *Manager) recordWrite(tier string) {
	if m.metrics != nil {
		m.metrics.RecordCacheWrite(tier)
	}
}
