package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-mcp/logger"
	"github.com/saiset-co/sai-mcp/types"
)

func newTestCache(t *testing.T, maxBytes int64, defaultTTL time.Duration) types.CacheManager {
	t.Helper()

	cache, err := NewMemoryCache(context.Background(), logger.NewZapWrapper(zap.NewNop()), &types.CacheConfig{
		Enabled:    true,
		Type:       "memory",
		DefaultTTL: defaultTTL,
		Config: map[string]interface{}{
			"max_bytes":        maxBytes,
			"cleanup_interval": "50ms",
		},
	}, nil)
	require.NoError(t, err)

	return cache
}

// tenBytes measures 13 bytes: ten characters, two quotes and the
// encoder's trailing newline.
const tenBytes = "0123456789"

func TestMemoryCacheSetGet(t *testing.T) {
	cache := newTestCache(t, 0, 0)

	require.NoError(t, cache.Set("chat:1:history", tenBytes, time.Minute))

	value, found := cache.Get("chat:1:history")
	require.True(t, found)
	assert.Equal(t, tenBytes, value)

	_, found = cache.Get("chat:2:history")
	assert.False(t, found)

	stats := cache.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, 1, stats.Entries)
	assert.Equal(t, int64(13), stats.Bytes)
}

func TestMemoryCacheRejectsEmptyKey(t *testing.T) {
	cache := newTestCache(t, 0, 0)

	err := cache.Set("", tenBytes, time.Minute)
	assert.True(t, types.IsError(err, types.ErrCacheKeyEmpty))
}

func TestMemoryCacheEvictsLeastRecentlyUsed(t *testing.T) {
	// Room for two 13-byte entries, not three.
	cache := newTestCache(t, 30, 0)

	require.NoError(t, cache.Set("a", tenBytes, time.Minute))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, cache.Set("b", tenBytes, time.Minute))
	time.Sleep(5 * time.Millisecond)

	// Touch "a" so "b" becomes the oldest.
	_, found := cache.Get("a")
	require.True(t, found)
	time.Sleep(5 * time.Millisecond)

	require.NoError(t, cache.Set("c", tenBytes, time.Minute))

	_, found = cache.Get("a")
	assert.True(t, found)
	_, found = cache.Get("c")
	assert.True(t, found)
	_, found = cache.Get("b")
	assert.False(t, found)

	stats := cache.Stats()
	assert.Equal(t, uint64(1), stats.Evictions)
	assert.Equal(t, 2, stats.Entries)
	assert.LessOrEqual(t, stats.Bytes, int64(30))
}

func TestMemoryCacheExpiredEntryIsMissAndEviction(t *testing.T) {
	cache := newTestCache(t, 0, 0)

	require.NoError(t, cache.Set("ephemeral", tenBytes, 20*time.Millisecond))
	time.Sleep(50 * time.Millisecond)

	_, found := cache.Get("ephemeral")
	assert.False(t, found)

	stats := cache.Stats()
	assert.Equal(t, uint64(0), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, uint64(1), stats.Evictions)
	assert.Equal(t, 0, stats.Entries)
	assert.Equal(t, int64(0), stats.Bytes)
}

func TestMemoryCacheReplaceFreesOldSize(t *testing.T) {
	cache := newTestCache(t, 0, 0)

	require.NoError(t, cache.Set("key", tenBytes+tenBytes, time.Minute))
	require.NoError(t, cache.Set("key", tenBytes, time.Minute))

	stats := cache.Stats()
	assert.Equal(t, 1, stats.Entries)
	assert.Equal(t, int64(13), stats.Bytes)
}

func TestMemoryCacheInvalidatePattern(t *testing.T) {
	cache := newTestCache(t, 0, 0)

	require.NoError(t, cache.Set("chat:1:history", tenBytes, time.Minute))
	require.NoError(t, cache.Set("chat:2:history", tenBytes, time.Minute))
	require.NoError(t, cache.Set("user:1:profile", tenBytes, time.Minute))

	// Matching is case-insensitive substring.
	removed, err := cache.InvalidatePattern("CHAT")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	_, found := cache.Get("chat:1:history")
	assert.False(t, found)
	_, found = cache.Get("user:1:profile")
	assert.True(t, found)

	removed, err = cache.InvalidatePattern("nothing-matches")
	require.NoError(t, err)
	assert.Equal(t, 0, removed)

	_, err = cache.InvalidatePattern("")
	assert.True(t, types.IsError(err, types.ErrCachePatternEmpty))
}

func TestMemoryCacheDeleteAndClear(t *testing.T) {
	cache := newTestCache(t, 0, 0)

	require.NoError(t, cache.Set("a", tenBytes, time.Minute))
	require.NoError(t, cache.Set("b", tenBytes, time.Minute))

	require.NoError(t, cache.Delete("a"))
	_, found := cache.Get("a")
	assert.False(t, found)

	// Deleting an absent key is not an error.
	require.NoError(t, cache.Delete("a"))

	require.NoError(t, cache.Clear())
	stats := cache.Stats()
	assert.Equal(t, 0, stats.Entries)
	assert.Equal(t, int64(0), stats.Bytes)
}

func TestMemoryCacheDefaultTTLApplied(t *testing.T) {
	cache := newTestCache(t, 0, 30*time.Millisecond)

	// ttl <= 0 falls back to the configured default.
	require.NoError(t, cache.Set("short-lived", tenBytes, 0))

	_, found := cache.Get("short-lived")
	require.True(t, found)

	time.Sleep(60 * time.Millisecond)

	_, found = cache.Get("short-lived")
	assert.False(t, found)
}

func TestMemoryCacheSweepRemovesExpiredEntries(t *testing.T) {
	cache := newTestCache(t, 0, 0)

	require.NoError(t, cache.Start())
	defer func() {
		_ = cache.Stop()
	}()

	require.NoError(t, cache.Set("write-once", tenBytes, 20*time.Millisecond))

	// The entry is never read again, so only the sweep can remove it.
	require.Eventually(t, func() bool {
		return cache.Stats().Entries == 0
	}, 2*time.Second, 10*time.Millisecond)

	stats := cache.Stats()
	assert.Equal(t, uint64(1), stats.Evictions)
	assert.Equal(t, uint64(0), stats.Hits)
	assert.Equal(t, uint64(0), stats.Misses)
	assert.Equal(t, int64(0), stats.Bytes)
}

func TestMemoryCacheLifecycle(t *testing.T) {
	cache := newTestCache(t, 0, 0)

	require.NoError(t, cache.Start())
	assert.True(t, cache.IsRunning())
	assert.True(t, types.IsError(cache.Start(), types.ErrServerAlreadyRunning))

	require.NoError(t, cache.Set("a", tenBytes, time.Minute))

	require.NoError(t, cache.Stop())
	assert.False(t, cache.IsRunning())

	// Stop clears the store.
	stats := cache.Stats()
	assert.Equal(t, 0, stats.Entries)
}
