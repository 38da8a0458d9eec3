package sandbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/courselab/runbox/config"
)

// ErrCacheMiss indicates the key is not cached.
var ErrCacheMiss = errors.New("cache miss")

// ResultCache stores successful execution results under a
// content-addressed key for a fixed TTL. Caching is a latency
// optimization only: disabling it must never change computed results.
type ResultCache interface {
	Get(ctx context.Context, key string) (*ExecutionResult, error)
	Set(ctx context.Context, key string, result *ExecutionResult) error
}

// NewCache creates the configured cache backend
func NewCache(logger *zap.Logger, cfg *config.Config) (ResultCache, error) {
	switch cfg.Cache.Backend {
	case "memory":
		return NewMemoryCache(cfg.CacheTTL()), nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr: cfg.Cache.RedisAddr,
			DB:   cfg.Cache.RedisDB,
		})
		return NewRedisCache(logger, client, cfg.CacheTTL()), nil
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported cache backend: %s", cfg.Cache.Backend)
	}
}

// CacheKey derives the content-addressed key for a submission. The code
// is normalized (CRLF folded, surrounding whitespace trimmed) so
// byte-level noise does not defeat the cache, and the test specs are
// folded in via their canonical JSON form.
func CacheKey(code string, tests []TestCaseSpec) string {
	normalized := strings.TrimSpace(strings.ReplaceAll(code, "\r\n", "\n"))

	hasher := sha256.New()
	hasher.Write([]byte(normalized))
	hasher.Write([]byte{0})
	if len(tests) > 0 {
		specs, err := json.Marshal(tests)
		if err == nil {
			hasher.Write(specs)
		}
	}
	return hex.EncodeToString(hasher.Sum(nil))
}

type memoryEntry struct {
	payload   []byte
	expiresAt time.Time
}

// MemoryCache is an in-process ResultCache with per-entry expiry.
// Results are stored as marshaled snapshots so cached values stay
// immutable no matter what callers do with returned copies.
type MemoryCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryCache creates a MemoryCache with the given TTL
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{
		ttl:     ttl,
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

// Get returns the cached result or ErrCacheMiss.
func (c *MemoryCache) Get(_ context.Context, key string) (*ExecutionResult, error) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		return nil, ErrCacheMiss
	}
	if c.now().After(entry.expiresAt) {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return nil, ErrCacheMiss
	}

	var result ExecutionResult
	if err := json.Unmarshal(entry.payload, &result); err != nil {
		return nil, ErrCacheMiss
	}
	return &result, nil
}

// Set stores a snapshot of the result.
func (c *MemoryCache) Set(_ context.Context, key string, result *ExecutionResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal cached result: %w", err)
	}

	c.mu.Lock()
	c.entries[key] = memoryEntry{payload: payload, expiresAt: c.now().Add(c.ttl)}
	c.mu.Unlock()
	return nil
}

// RedisCache is a Redis-backed ResultCache. Entry expiry is delegated
// to the server via key TTLs.
type RedisCache struct {
	logger *zap.Logger
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache creates a RedisCache using the given client
func NewRedisCache(logger *zap.Logger, client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{
		logger: logger,
		client: client,
		ttl:    ttl,
	}
}

func (c *RedisCache) redisKey(key string) string {
	return "runbox:result:" + key
}

// Get returns the cached result or ErrCacheMiss.
func (c *RedisCache) Get(ctx context.Context, key string) (*ExecutionResult, error) {
	payload, err := c.client.Get(ctx, c.redisKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("cache read failed: %w", err)
	}

	var result ExecutionResult
	if err := json.Unmarshal(payload, &result); err != nil {
		c.logger.Warn("dropping undecodable cache entry", zap.String("key", key), zap.Error(err))
		return nil, ErrCacheMiss
	}
	return &result, nil
}

// Set stores a snapshot of the result with the configured TTL.
func (c *RedisCache) Set(ctx context.Context, key string, result *ExecutionResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal cached result: %w", err)
	}
	return c.client.Set(ctx, c.redisKey(key), payload, c.ttl).Err()
}
