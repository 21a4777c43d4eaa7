package governance

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// CacheKey derives a stable hash of the decision input. encoding/json emits
// map keys in sorted order, so two structurally identical inputs hash the
// same no matter how their maps were built.
func CacheKey(input DecisionInput) (string, error) {
	raw, err := json.Marshal(input)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return "policy:" + hex.EncodeToString(sum[:]), nil
}

// DecisionCache stores evaluated policy decisions. Implementations must be
// safe for concurrent use; a failing cache is bypassed by the enforcer, so
// no implementation may degrade to a default allow.
type DecisionCache interface {
	Get(ctx context.Context, key string) (*PolicyDecision, bool, error)
	Set(ctx context.Context, key string, decision PolicyDecision, ttl time.Duration) error
}

type memoryCacheEntry struct {
	decision  PolicyDecision
	expiresAt time.Time
}

// MemoryCache is the in-process TTL- and size-bounded decision cache.
type MemoryCache struct {
	mu         sync.Mutex
	entries    map[string]memoryCacheEntry
	maxEntries int
	now        func() time.Time
}

// NewMemoryCache builds a cache bounded to maxEntries decisions.
func NewMemoryCache(maxEntries int) *MemoryCache {
	if maxEntries <= 0 {
		maxEntries = 1024
	}
	return &MemoryCache{
		entries:    make(map[string]memoryCacheEntry),
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

func (c *MemoryCache) Get(ctx context.Context, key string) (*PolicyDecision, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	if c.now().After(entry.expiresAt) {
		delete(c.entries, key)
		return nil, false, nil
	}
	decision := entry.decision
	return &decision, true, nil
}

func (c *MemoryCache) Set(ctx context.Context, key string, decision PolicyDecision, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= c.maxEntries {
		c.evictLocked()
	}
	c.entries[key] = memoryCacheEntry{decision: decision, expiresAt: c.now().Add(ttl)}
	return nil
}

// evictLocked drops expired entries first, then the soonest-to-expire one.
func (c *MemoryCache) evictLocked() {
	now := c.now()
	var soonestKey string
	var soonest time.Time
	for key, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, key)
			continue
		}
		if soonestKey == "" || entry.expiresAt.Before(soonest) {
			soonestKey, soonest = key, entry.expiresAt
		}
	}
	if len(c.entries) >= c.maxEntries && soonestKey != "" {
		delete(c.entries, soonestKey)
	}
}

// RedisCache shares decisions across processes through a key-value store.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache wraps an existing redis client.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) Get(ctx context.Context, key string) (*PolicyDecision, bool, error) {
	raw, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var decision PolicyDecision
	if err := json.Unmarshal(raw, &decision); err != nil {
		return nil, false, err
	}
	return &decision, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, decision PolicyDecision, ttl time.Duration) error {
	raw, err := json.Marshal(decision)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, raw, ttl).Err()
}
