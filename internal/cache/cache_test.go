package cache

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryEntry struct {
	value     []byte
	count     int64
	expiresAt time.Time
}

type memoryStore struct {
	mutex   sync.Mutex
	entries map[string]memoryEntry
	getErr  error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{entries: map[string]memoryEntry{}}
}

func (store *memoryStore) Get(ctx context.Context, key string, now time.Time) ([]byte, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.getErr != nil {
		return nil, store.getErr
	}
	entry, ok := store.entries[key]
	if !ok || !entry.expiresAt.After(now) {
		return nil, ErrCacheMiss
	}
	return entry.value, nil
}

func (store *memoryStore) Set(ctx context.Context, key string, value []byte, expiresAt time.Time) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.entries[key] = memoryEntry{value: value, expiresAt: expiresAt}
	return nil
}

func (store *memoryStore) Delete(ctx context.Context, key string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	delete(store.entries, key)
	return nil
}

func (store *memoryStore) DeletePrefix(ctx context.Context, prefix string) (int64, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	var deleted int64
	for key := range store.entries {
		if strings.HasPrefix(key, prefix) {
			delete(store.entries, key)
			deleted++
		}
	}
	return deleted, nil
}

func (store *memoryStore) Increment(ctx context.Context, key string, now time.Time, expiresAt time.Time) (Counter, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	entry, ok := store.entries[key]
	if !ok || !entry.expiresAt.After(now) {
		entry = memoryEntry{expiresAt: expiresAt}
	}
	entry.count++
	store.entries[key] = entry
	return Counter{Count: entry.count, ExpiresAt: entry.expiresAt}, nil
}

func (store *memoryStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	var purged int64
	for key, entry := range store.entries {
		if !entry.expiresAt.After(now) {
			delete(store.entries, key)
			purged++
		}
	}
	return purged, nil
}

type manualClock struct {
	now time.Time
}

func (clock *manualClock) Now() time.Time {
	return clock.now
}

func newTestCache(test *testing.T) (*Cache, *memoryStore, *manualClock) {
	test.Helper()
	store := newMemoryStore()
	clock := &manualClock{now: time.Date(2024, time.May, 1, 12, 0, 0, 0, time.UTC)}
	cache, err := New(store, clock.Now)
	require.NoError(test, err)
	return cache, store, clock
}

func TestJSONRoundTripHonorsTTL(test *testing.T) {
	test.Parallel()
	cache, _, clock := newTestCache(test)
	ctx := context.Background()
	type page struct {
		Titles []string `json:"titles"`
	}

	require.NoError(test, cache.SetJSON(ctx, "resources:approved:page:1:category:all:level:all", page{Titles: []string{"A"}}, 300*time.Second))

	var cached page
	found, err := cache.GetJSON(ctx, "resources:approved:page:1:category:all:level:all", &cached)
	require.NoError(test, err)
	assert.True(test, found)
	assert.Equal(test, []string{"A"}, cached.Titles)

	clock.now = clock.now.Add(301 * time.Second)
	found, err = cache.GetJSON(ctx, "resources:approved:page:1:category:all:level:all", &cached)
	require.NoError(test, err)
	assert.False(test, found)
}

func TestInvalidatePrefixRemovesListingsOnly(test *testing.T) {
	test.Parallel()
	cache, store, _ := newTestCache(test)
	ctx := context.Background()
	require.NoError(test, cache.SetJSON(ctx, ResourceListKey(1, "", ""), []int{1}, time.Minute))
	require.NoError(test, cache.SetJSON(ctx, ResourceListKey(2, "grammar", "beginner"), []int{2}, time.Minute))
	require.NoError(test, cache.SetJSON(ctx, RateLimitKey("user-1"), 1, time.Minute))
	require.NoError(test, cache.SetJSON(ctx, ResourceKey("page-1"), "detail", time.Minute))

	deleted, err := cache.InvalidatePrefix(ctx, ResourceListPrefix)
	require.NoError(test, err)
	assert.EqualValues(test, 2, deleted)
	assert.Len(test, store.entries, 2)
	assert.Contains(test, store.entries, "resource:page-1")
}

func TestIncrementUsesFixedWindow(test *testing.T) {
	test.Parallel()
	cache, _, clock := newTestCache(test)
	ctx := context.Background()
	windowStart := clock.now

	first, err := cache.Increment(ctx, RateLimitKey("user-1"), time.Minute)
	require.NoError(test, err)
	clock.now = clock.now.Add(30 * time.Second)
	second, err := cache.Increment(ctx, RateLimitKey("user-1"), time.Minute)
	require.NoError(test, err)
	assert.EqualValues(test, 1, first.Count)
	assert.EqualValues(test, 2, second.Count)
	assert.True(test, second.ExpiresAt.Equal(windowStart.Add(time.Minute)))

	clock.now = windowStart.Add(61 * time.Second)
	third, err := cache.Increment(ctx, RateLimitKey("user-1"), time.Minute)
	require.NoError(test, err)
	assert.EqualValues(test, 1, third.Count)
}

func TestResourceListKey(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		page     int
		category string
		level    string
		expected string
	}{
		{page: 1, expected: "resources:approved:page:1:category:all:level:all"},
		{page: 3, category: "grammar", level: " advanced ", expected: "resources:approved:page:3:category:grammar:level:advanced"},
	}
	for _, testCase := range testCases {
		assert.Equal(test, testCase.expected, ResourceListKey(testCase.page, testCase.category, testCase.level))
	}
}

func TestCacheValidation(test *testing.T) {
	test.Parallel()
	cache, _, _ := newTestCache(test)
	ctx := context.Background()
	assert.ErrorIs(test, cache.SetJSON(ctx, " ", 1, time.Minute), ErrInvalidKey)
	assert.ErrorIs(test, cache.SetJSON(ctx, "key", 1, 0), ErrInvalidTTL)
	_, err := cache.Increment(ctx, "key", -time.Second)
	assert.ErrorIs(test, err, ErrInvalidTTL)
	_, err = New(nil, time.Now)
	assert.ErrorIs(test, err, ErrInvalidServiceConfig)
}

func TestPingTreatsMissAsHealthy(test *testing.T) {
	test.Parallel()
	cache, store, _ := newTestCache(test)
	require.NoError(test, cache.Ping(context.Background()))
	store.getErr = errors.New("backend down")
	assert.Error(test, cache.Ping(context.Background()))
}
