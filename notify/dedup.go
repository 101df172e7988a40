package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
)

// Deduplicator suppresses repeated notifications for the same key.
type Deduplicator interface {
	// MarkSent records key and reports whether it was not already recorded
	// within the retention window.
	MarkSent(ctx context.Context, key string) (bool, error)
}

// NopDeduplicator never suppresses anything.
type NopDeduplicator struct{}

func (NopDeduplicator) MarkSent(context.Context, string) (bool, error) { return true, nil }

// MemoryDeduplicator keeps recently notified keys in a bounded LRU.
type MemoryDeduplicator struct {
	cache *lru.Cache[string, time.Time]
	ttl   time.Duration
	now   func() time.Time
	mu    sync.Mutex
}

// NewMemoryDeduplicator holds up to size keys for ttl each.
func NewMemoryDeduplicator(size int, ttl time.Duration) (*MemoryDeduplicator, error) {
	cache, err := lru.New[string, time.Time](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create dedup cache: %w", err)
	}
	return &MemoryDeduplicator{cache: cache, ttl: ttl, now: time.Now}, nil
}

func (d *MemoryDeduplicator) MarkSent(_ context.Context, key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if seen, ok := d.cache.Get(key); ok && (d.ttl <= 0 || now.Sub(seen) < d.ttl) {
		return false, nil
	}
	d.cache.Add(key, now)
	return true, nil
}

// RedisConfig addresses the Redis instance shared by deduplicating replicas.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// RedisDeduplicator shares notified keys between processes with SET NX.
type RedisDeduplicator struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisDeduplicator connects to Redis and verifies the connection.
func NewRedisDeduplicator(ctx context.Context, cfg RedisConfig, ttl time.Duration) (*RedisDeduplicator, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}
	return &RedisDeduplicator{client: client, prefix: "querywatch:notified:", ttl: ttl}, nil
}

func (d *RedisDeduplicator) MarkSent(ctx context.Context, key string) (bool, error) {
	ok, err := d.client.SetNX(ctx, d.prefix+key, 1, d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}
	return ok, nil
}

// Close releases the Redis connection pool.
func (d *RedisDeduplicator) Close() error {
	return d.client.Close()
}
