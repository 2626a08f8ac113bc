package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// ResourceListPrefix scopes every cached approved-resource listing.
	ResourceListPrefix = "resources:approved:"
	resourcePrefix     = "resource:"
	rateLimitPrefix    = "ratelimit:"
	healthCheckKey     = "health-check"
	filterAll          = "all"
)

var (
	ErrCacheMiss            = errors.New("cache miss")
	ErrInvalidKey           = errors.New("invalid cache key")
	ErrInvalidTTL           = errors.New("invalid cache ttl")
	ErrInvalidServiceConfig = errors.New("invalid cache config")
)

// Counter is a windowed counter value.
type Counter struct {
	Count     int64
	ExpiresAt time.Time
}

// Store is the shared key-value backend. Entries past their expiry are invisible to Get and Increment.
type Store interface {
	Get(ctx context.Context, key string, now time.Time) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, expiresAt time.Time) error
	Delete(ctx context.Context, key string) error
	DeletePrefix(ctx context.Context, prefix string) (int64, error)
	// Increment adds one to the counter at key, starting a new window ending at expiresAt when none is live.
	Increment(ctx context.Context, key string, now time.Time, expiresAt time.Time) (Counter, error)
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

// Cache adds TTL handling and JSON encoding on top of a Store.
type Cache struct {
	store Store
	nowFn func() time.Time
}

// New wires a Cache.
func New(store Store, now func() time.Time) (*Cache, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	return &Cache{store: store, nowFn: now}, nil
}

// GetJSON decodes the cached value into target. It reports false on a miss.
func (cache *Cache) GetJSON(ctx context.Context, key string, target any) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}
	raw, err := cache.store.Get(ctx, key, cache.nowFn())
	if errors.Is(err, ErrCacheMiss) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return false, fmt.Errorf("decode cached %s: %w", key, err)
	}
	return true, nil
}

// SetJSON stores value under key for ttl.
func (cache *Cache) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if ttl <= 0 {
		return fmt.Errorf("%w: must be positive", ErrInvalidTTL)
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode cached %s: %w", key, err)
	}
	return cache.store.Set(ctx, key, raw, cache.nowFn().Add(ttl))
}

// Delete removes a single key.
func (cache *Cache) Delete(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	return cache.store.Delete(ctx, key)
}

// InvalidatePrefix removes every key starting with prefix.
func (cache *Cache) InvalidatePrefix(ctx context.Context, prefix string) (int64, error) {
	if err := validateKey(prefix); err != nil {
		return 0, err
	}
	return cache.store.DeletePrefix(ctx, prefix)
}

// Increment counts a hit in the fixed window at key.
func (cache *Cache) Increment(ctx context.Context, key string, window time.Duration) (Counter, error) {
	if err := validateKey(key); err != nil {
		return Counter{}, err
	}
	if window <= 0 {
		return Counter{}, fmt.Errorf("%w: must be positive", ErrInvalidTTL)
	}
	now := cache.nowFn()
	return cache.store.Increment(ctx, key, now, now.Add(window))
}

// PurgeExpired deletes entries whose TTL has elapsed.
func (cache *Cache) PurgeExpired(ctx context.Context) (int64, error) {
	return cache.store.PurgeExpired(ctx, cache.nowFn())
}

// Ping performs a read against the backend.
func (cache *Cache) Ping(ctx context.Context) error {
	_, err := cache.store.Get(ctx, healthCheckKey, cache.nowFn())
	if err == nil || errors.Is(err, ErrCacheMiss) {
		return nil
	}
	return err
}

// ResourceListKey builds the cache key of one approved-resource listing page.
func ResourceListKey(page int, category string, level string) string {
	return ResourceListPrefix +
		"page:" + strconv.Itoa(page) +
		":category:" + valueOrAll(category) +
		":level:" + valueOrAll(level)
}

// ResourceKey builds the cache key of a single resource detail.
func ResourceKey(resourceID string) string {
	return resourcePrefix + strings.TrimSpace(resourceID)
}

// RateLimitKey builds the counter key for a rate-limited subject.
func RateLimitKey(subject string) string {
	return rateLimitPrefix + subject
}

func valueOrAll(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return filterAll
	}
	return trimmed
}

func validateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("%w: empty value", ErrInvalidKey)
	}
	return nil
}
