package retrieval

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lexrag/retrievald/internal/fanout"
	"github.com/lexrag/retrievald/internal/metrics"
	"github.com/lexrag/retrievald/internal/vectordb"
)

// Searcher is the vector-search provider boundary. *vectordb.Client satisfies it.
type Searcher interface {
	Search(ctx context.Context, collection string, vec []float32, limit int, threshold float64, filter *vectordb.Filter) ([]vectordb.Point, error)
}

// SearchRequest describes one logical vector search.
type SearchRequest struct {
	Vector     []float32
	Filters    map[string]string
	Limit      int
	Collection string // empty means the default collection
}

// SearchResult is one ranked hit.
type SearchResult struct {
	Content  string
	Metadata map[string]interface{}
	Score    float64
}

// Config tunes the optimizer.
type Config struct {
	Collection          string        `mapstructure:"collection"`
	MaxRetries          int           `mapstructure:"max_retries"`
	BackoffUnit         time.Duration `mapstructure:"backoff_unit"`
	SimilarityThreshold float64       `mapstructure:"similarity_threshold"`
	CacheSize           int           `mapstructure:"cache_size"`
	DefaultLimit        int           `mapstructure:"default_limit"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Collection:          "document_chunks",
		MaxRetries:          3,
		BackoffUnit:         time.Second,
		SimilarityThreshold: 0.7,
		CacheSize:           256,
		DefaultLimit:        5,
	}
}

// Optimizer wraps the vector-search provider with a result cache, retry with
// exponential backoff, and similarity filtering. Provider failure after all
// retries degrades to an empty result set rather than an error: a chat answer
// without supporting context beats a hard failure.
type Optimizer struct {
	cfg      Config
	searcher Searcher
	runner   *fanout.Runner
	logger   *zap.Logger

	mu    sync.Mutex
	cache map[string][]SearchResult
	// insertion order of cache keys; the cache has no TTL, so the oldest
	// inserted entry is the one evicted when full
	order []string
}

func NewOptimizer(cfg Config, searcher Searcher, runner *fanout.Runner, logger *zap.Logger) *Optimizer {
	def := DefaultConfig()
	if cfg.Collection == "" {
		cfg.Collection = def.Collection
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.BackoffUnit <= 0 {
		cfg.BackoffUnit = def.BackoffUnit
	}
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = def.SimilarityThreshold
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = def.CacheSize
	}
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = def.DefaultLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Optimizer{
		cfg:      cfg,
		searcher: searcher,
		runner:   runner,
		logger:   logger,
		cache:    make(map[string][]SearchResult),
	}
}

// Search runs one vector search, consulting the result cache first. Results
// are filtered to similarity >= the configured threshold and returned in the
// provider's order, which is already descending by score.
func (o *Optimizer) Search(ctx context.Context, req SearchRequest) []SearchResult {
	start := time.Now()
	if req.Limit <= 0 {
		req.Limit = o.cfg.DefaultLimit
	}
	if req.Collection == "" {
		req.Collection = o.cfg.Collection
	}

	key := cacheKey(req)
	if results, ok := o.cacheGet(key); ok {
		metrics.SearchCacheHits.Inc()
		metrics.SearchRequests.WithLabelValues("cached").Inc()
		return results
	}

	points, err := o.searchWithRetry(ctx, req)
	if err != nil {
		o.logger.Warn("search degraded to empty results",
			zap.String("collection", req.Collection),
			zap.Error(err))
		metrics.SearchRequests.WithLabelValues("degraded").Inc()
		metrics.SearchDuration.WithLabelValues(req.Collection).Observe(time.Since(start).Seconds())
		return []SearchResult{}
	}

	results := make([]SearchResult, 0, len(points))
	for _, p := range points {
		if p.Score < o.cfg.SimilarityThreshold {
			continue
		}
		r := SearchResult{Metadata: p.Payload, Score: p.Score}
		if c, ok := p.Payload["content"].(string); ok {
			r.Content = c
		}
		results = append(results, r)
	}

	o.cachePut(key, results)
	metrics.SearchRequests.WithLabelValues("ok").Inc()
	metrics.SearchResultsReturned.Observe(float64(len(results)))
	metrics.SearchDuration.WithLabelValues(req.Collection).Observe(time.Since(start).Seconds())
	return results
}

// searchWithRetry attempts the provider call up to MaxRetries times with
// 2^attempt backoff between attempts.
func (o *Optimizer) searchWithRetry(ctx context.Context, req SearchRequest) ([]vectordb.Point, error) {
	var lastErr error
	for attempt := 0; attempt < o.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			metrics.SearchRetries.Inc()
			backoff := time.Duration(1<<uint(attempt)) * o.cfg.BackoffUnit
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		points, err := o.searcher.Search(ctx, req.Collection, req.Vector, req.Limit,
			o.cfg.SimilarityThreshold, filtersToQdrant(req.Filters))
		if err == nil {
			return points, nil
		}
		lastErr = err
		o.logger.Debug("search attempt failed",
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
	return nil, fmt.Errorf("search failed after %d attempts: %w", o.cfg.MaxRetries, lastErr)
}

// BulkSearch runs independent searches concurrently through the fanout
// runner. Output preserves input order; a query whose slot failed outright
// yields an empty result set.
func (o *Optimizer) BulkSearch(ctx context.Context, reqs []SearchRequest) [][]SearchResult {
	ops := make([]fanout.Operation, len(reqs))
	for i, req := range reqs {
		req := req
		ops[i] = func(ctx context.Context) (interface{}, error) {
			return o.Search(ctx, req), nil
		}
	}

	raw := o.runner.RunAll(ctx, ops)
	out := make([][]SearchResult, len(raw))
	for i, v := range raw {
		if rs, ok := v.([]SearchResult); ok {
			out[i] = rs
		} else {
			out[i] = []SearchResult{}
		}
	}
	return out
}

// SwarmSearch runs the base query alongside reformulated variants and merges
// the hits, deduplicating by content and keeping the highest score per hit.
func (o *Optimizer) SwarmSearch(ctx context.Context, base SearchRequest, variants []SearchRequest) []SearchResult {
	variantOps := make([]fanout.Operation, len(variants))
	for i, req := range variants {
		req := req
		variantOps[i] = func(ctx context.Context) (interface{}, error) {
			return o.Search(ctx, req), nil
		}
	}
	baseOp := func(ctx context.Context) (interface{}, error) {
		return o.Search(ctx, base), nil
	}

	swarm := o.runner.RunSwarm(ctx, baseOp, variantOps)

	best := make(map[string]SearchResult)
	merge := func(v interface{}) {
		rs, ok := v.([]SearchResult)
		if !ok {
			return
		}
		for _, r := range rs {
			if prev, ok := best[r.Content]; !ok || r.Score > prev.Score {
				best[r.Content] = r
			}
		}
	}
	merge(swarm.BaseResult)
	for _, v := range swarm.VariantResults {
		merge(v)
	}

	out := make([]SearchResult, 0, len(best))
	for _, r := range best {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// ClearCache drops all cached result sets.
func (o *Optimizer) ClearCache() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cache = make(map[string][]SearchResult)
	o.order = nil
}

func (o *Optimizer) cacheGet(key string) ([]SearchResult, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	v, ok := o.cache[key]
	return v, ok
}

func (o *Optimizer) cachePut(key string, results []SearchResult) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.cache[key]; exists {
		o.cache[key] = results
		return
	}
	if len(o.order) >= o.cfg.CacheSize {
		oldest := o.order[0]
		o.order = o.order[1:]
		delete(o.cache, oldest)
	}
	o.cache[key] = results
	o.order = append(o.order, key)
}

// cacheKey derives a stable key from a truncated prefix of the query vector
// plus the filters and limit. The prefix is enough to distinguish real
// queries; hashing the full vector buys nothing.
func cacheKey(req SearchRequest) string {
	var b strings.Builder
	n := len(req.Vector)
	if n > 8 {
		n = 8
	}
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "%.6f,", req.Vector[i])
	}
	b.WriteByte('|')
	keys := make([]string, 0, len(req.Filters))
	for k := range req.Filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%s;", k, req.Filters[k])
	}
	fmt.Fprintf(&b, "|%s|%d", req.Collection, req.Limit)
	return b.String()
}

func filtersToQdrant(filters map[string]string) *vectordb.Filter {
	if len(filters) == 0 {
		return nil
	}
	f := &vectordb.Filter{}
	keys := make([]string, 0, len(filters))
	for k := range filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		f.Match(k, filters[k])
	}
	return f
}
