package embeddings

import (
	"container/list"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lexrag/retrievald/internal/metrics"
)

// CacheConfig controls the in-process embedding cache
type CacheConfig struct {
	MaxSize       int           `mapstructure:"max_size"`
	TTL           time.Duration `mapstructure:"ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	// SimilarityThreshold is configurable but unused for lookup: matching is
	// exact trimmed-text equality only. Kept for config compatibility;
	// introducing real fuzzy matching would change hit rates.
	SimilarityThreshold float64 `mapstructure:"similarity_threshold"`
}

// DefaultCacheConfig returns sensible cache defaults
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		MaxSize:             2048,
		TTL:                 time.Hour,
		SweepInterval:       5 * time.Minute,
		SimilarityThreshold: 0.95,
	}
}

type cacheEntry struct {
	text           string
	vec            []float32
	createdAt      time.Time
	lastAccessedAt time.Time
	accessCount    int
}

// Cache memoizes text -> embedding-vector computations. Lookup is exact
// trimmed-text equality. Entries expire after TTL; at capacity the least
// recently accessed entry is evicted, after a sweep of expired entries once
// the cache passes 80% load. A background ticker also purges expired entries
// so memory stays bounded under a read-only workload.
type Cache struct {
	mu     sync.Mutex
	cfg    CacheConfig
	list   *list.List               // front = most recently accessed
	m      map[string]*list.Element // trimmed text -> element
	logger *zap.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewCache creates the cache and starts its background sweeper. Callers own
// the lifecycle and must Close it on shutdown.
func NewCache(cfg CacheConfig, logger *zap.Logger) *Cache {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultCacheConfig().MaxSize
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultCacheConfig().TTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultCacheConfig().SweepInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Cache{
		cfg:    cfg,
		list:   list.New(),
		m:      make(map[string]*list.Element, cfg.MaxSize),
		logger: logger,
		stopCh: make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

// Get returns the cached vector for text, or ok=false on miss. An entry past
// its TTL is a miss and is purged lazily. Hits refresh recency and bump the
// access counter.
func (c *Cache) Get(text string) ([]float32, bool) {
	key := strings.TrimSpace(text)

	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.m[key]
	if !ok {
		metrics.EmbeddingCacheMisses.Inc()
		return nil, false
	}
	ent := el.Value.(*cacheEntry)
	if time.Since(ent.createdAt) >= c.cfg.TTL {
		c.removeLocked(el, "expired")
		metrics.EmbeddingCacheMisses.Inc()
		return nil, false
	}
	ent.lastAccessedAt = time.Now()
	ent.accessCount++
	c.list.MoveToFront(el)
	metrics.EmbeddingCacheHits.WithLabelValues("memory").Inc()
	return ent.vec, true
}

// Put inserts or refreshes the vector for text. Past 80% load, expired
// entries are swept first; if the cache is still full, the least recently
// accessed entry is evicted.
func (c *Cache) Put(text string, vec []float32) {
	key := strings.TrimSpace(text)
	if key == "" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.m[key]; ok {
		ent := el.Value.(*cacheEntry)
		ent.vec = vec
		ent.createdAt = time.Now()
		ent.lastAccessedAt = time.Now()
		c.list.MoveToFront(el)
		return
	}

	if c.list.Len() >= c.cfg.MaxSize*8/10 {
		c.purgeExpiredLocked()
	}
	if c.list.Len() >= c.cfg.MaxSize {
		if lru := c.list.Back(); lru != nil {
			c.removeLocked(lru, "lru")
		}
	}

	now := time.Now()
	el := c.list.PushFront(&cacheEntry{
		text:           key,
		vec:            vec,
		createdAt:      now,
		lastAccessedAt: now,
	})
	c.m[key] = el
	metrics.EmbeddingCacheSize.Set(float64(c.list.Len()))
}

// Len returns the current number of entries
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.list.Len()
}

// Clear removes every entry. Administrative operation; idempotent.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.list.Init()
	c.m = make(map[string]*list.Element, c.cfg.MaxSize)
	metrics.EmbeddingCacheSize.Set(0)
}

// Close stops the background sweeper. Safe to call more than once.
func (c *Cache) Close() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

func (c *Cache) sweepLoop() {
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			purged := c.purgeExpiredLocked()
			c.mu.Unlock()
			if purged > 0 {
				c.logger.Debug("Swept expired embedding cache entries", zap.Int("purged", purged))
			}
		case <-c.stopCh:
			return
		}
	}
}

// purgeExpiredLocked removes every TTL-expired entry. Caller holds c.mu.
func (c *Cache) purgeExpiredLocked() int {
	purged := 0
	for el := c.list.Back(); el != nil; {
		prev := el.Prev()
		if time.Since(el.Value.(*cacheEntry).createdAt) >= c.cfg.TTL {
			c.removeLocked(el, "expired")
			purged++
		}
		el = prev
	}
	return purged
}

func (c *Cache) removeLocked(el *list.Element, cause string) {
	ent := el.Value.(*cacheEntry)
	delete(c.m, ent.text)
	c.list.Remove(el)
	metrics.EmbeddingCacheEvictions.WithLabelValues(cause).Inc()
	metrics.EmbeddingCacheSize.Set(float64(c.list.Len()))
}
