package embeddings

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestCache(maxSize int, ttl time.Duration) *Cache {
	return NewCache(CacheConfig{
		MaxSize:       maxSize,
		TTL:           ttl,
		SweepInterval: time.Hour, // keep the sweeper out of timing-sensitive tests
	}, zap.NewNop())
}

func TestCache_HitAndMiss(t *testing.T) {
	c := newTestCache(10, time.Hour)
	defer c.Close()

	_, ok := c.Get("clause")
	assert.False(t, ok)

	c.Put("clause", []float32{1, 2, 3})
	v, ok := c.Get("clause")
	require.True(t, ok)
	assert.Equal(t, []float32{1, 2, 3}, v)
}

func TestCache_ExactTrimmedMatch(t *testing.T) {
	c := newTestCache(10, time.Hour)
	defer c.Close()

	c.Put("  indemnification clause \n", []float32{1})
	_, ok := c.Get("indemnification clause")
	assert.True(t, ok, "lookup is trimmed-text equality")

	_, ok = c.Get("Indemnification clause")
	assert.False(t, ok, "no fuzzy matching")
}

func TestCache_EvictsExactlyOneLRUEntry(t *testing.T) {
	c := newTestCache(5, time.Hour)
	defer c.Close()

	for i := 0; i < 5; i++ {
		c.Put(fmt.Sprintf("text-%d", i), []float32{float32(i)})
	}
	// Touch everything except text-2, making it least recently accessed.
	for _, k := range []string{"text-0", "text-1", "text-3", "text-4"} {
		_, ok := c.Get(k)
		require.True(t, ok)
	}

	c.Put("text-5", []float32{5})

	assert.Equal(t, 5, c.Len(), "inserting into a full cache evicts exactly one entry")
	_, ok := c.Get("text-2")
	assert.False(t, ok, "the least-recently-accessed entry was evicted")
	for _, k := range []string{"text-0", "text-1", "text-3", "text-4", "text-5"} {
		_, ok := c.Get(k)
		assert.True(t, ok, "%s should survive", k)
	}
}

func TestCache_TTLExpiryIsAMiss(t *testing.T) {
	c := newTestCache(10, 30*time.Millisecond)
	defer c.Close()

	c.Put("stale", []float32{1})
	time.Sleep(50 * time.Millisecond)

	_, ok := c.Get("stale")
	assert.False(t, ok, "expired entry is a miss even without eviction")
	assert.Equal(t, 0, c.Len(), "expired entry purged lazily on lookup")
}

func TestCache_PutSweepsExpiredBeforeEvicting(t *testing.T) {
	c := newTestCache(5, 30*time.Millisecond)
	defer c.Close()

	for i := 0; i < 5; i++ {
		c.Put(fmt.Sprintf("old-%d", i), []float32{float32(i)})
	}
	time.Sleep(50 * time.Millisecond)

	c.Put("fresh", []float32{9})
	// All five expired entries were swept; only the fresh one remains.
	assert.Equal(t, 1, c.Len())
	_, ok := c.Get("fresh")
	assert.True(t, ok)
}

func TestCache_BackgroundSweepPurgesWithoutTraffic(t *testing.T) {
	c := NewCache(CacheConfig{
		MaxSize:       10,
		TTL:           20 * time.Millisecond,
		SweepInterval: 10 * time.Millisecond,
	}, zap.NewNop())
	defer c.Close()

	c.Put("ephemeral", []float32{1})
	assert.Eventually(t, func() bool { return c.Len() == 0 },
		500*time.Millisecond, 10*time.Millisecond,
		"sweeper purges expired entries with no reads or writes")
}

func TestCache_PutRefreshesExistingEntry(t *testing.T) {
	c := newTestCache(5, time.Hour)
	defer c.Close()

	c.Put("clause", []float32{1})
	c.Put("clause", []float32{2})

	assert.Equal(t, 1, c.Len())
	v, ok := c.Get("clause")
	require.True(t, ok)
	assert.Equal(t, []float32{2}, v)
}

func TestCache_Clear(t *testing.T) {
	c := newTestCache(5, time.Hour)
	defer c.Close()

	c.Put("a", []float32{1})
	c.Put("b", []float32{2})
	c.Clear()
	c.Clear()

	assert.Equal(t, 0, c.Len())
}
