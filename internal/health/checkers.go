package health

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/lexrag/retrievald/internal/circuitbreaker"
)

// HTTPDependencyChecker probes an HTTP dependency (the embedding provider or
// the vector-search service) with a GET against its health URL.
type HTTPDependencyChecker struct {
	name     string
	url      string
	critical bool
	client   *http.Client
	logger   *zap.Logger
}

func NewHTTPDependencyChecker(name, url string, critical bool, logger *zap.Logger) *HTTPDependencyChecker {
	return &HTTPDependencyChecker{
		name:     name,
		url:      url,
		critical: critical,
		client:   &http.Client{Timeout: 5 * time.Second},
		logger:   logger,
	}
}

func (h *HTTPDependencyChecker) Name() string           { return h.name }
func (h *HTTPDependencyChecker) IsCritical() bool       { return h.critical }
func (h *HTTPDependencyChecker) Timeout() time.Duration { return 5 * time.Second }

func (h *HTTPDependencyChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Component: h.name, Critical: h.critical}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url, nil)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}
	resp, err := h.client.Do(req)
	result.Duration = time.Since(start)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		return result
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		result.Status = StatusUnhealthy
		result.Error = fmt.Sprintf("status %d", resp.StatusCode)
		return result
	}
	result.Status = StatusHealthy
	result.Message = fmt.Sprintf("status %d", resp.StatusCode)
	return result
}

// RedisHealthChecker checks the second-tier cache's Redis connection. Not
// critical: the in-process cache alone keeps the daemon serviceable.
type RedisHealthChecker struct {
	client  redis.UniversalClient
	wrapper *circuitbreaker.RedisWrapper
	logger  *zap.Logger
}

func NewRedisHealthChecker(client redis.UniversalClient, wrapper *circuitbreaker.RedisWrapper, logger *zap.Logger) *RedisHealthChecker {
	return &RedisHealthChecker{client: client, wrapper: wrapper, logger: logger}
}

func (r *RedisHealthChecker) Name() string           { return "redis" }
func (r *RedisHealthChecker) IsCritical() bool       { return false }
func (r *RedisHealthChecker) Timeout() time.Duration { return 5 * time.Second }

func (r *RedisHealthChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Component: "redis"}

	if r.wrapper != nil && r.wrapper.IsCircuitBreakerOpen() {
		result.Status = StatusUnhealthy
		result.Error = "circuit breaker open"
		result.Duration = time.Since(start)
		return result
	}

	err := r.client.Ping(ctx).Err()
	result.Duration = time.Since(start)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		return result
	}
	result.Status = StatusHealthy
	return result
}

// CacheChecker reports the embedding cache's fill level. Purely informational,
// never critical; a full cache degrades hit rates, not availability.
type CacheChecker struct {
	name    string
	lenFn   func() int
	maxSize int
}

func NewCacheChecker(name string, lenFn func() int, maxSize int) *CacheChecker {
	return &CacheChecker{name: name, lenFn: lenFn, maxSize: maxSize}
}

func (c *CacheChecker) Name() string           { return c.name }
func (c *CacheChecker) IsCritical() bool       { return false }
func (c *CacheChecker) Timeout() time.Duration { return time.Second }

func (c *CacheChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	n := c.lenFn()
	result := CheckResult{
		Component: c.name,
		Status:    StatusHealthy,
		Message:   fmt.Sprintf("%d/%d entries", n, c.maxSize),
		Duration:  time.Since(start),
	}
	if c.maxSize > 0 && n >= c.maxSize {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("cache full: %d/%d entries", n, c.maxSize)
	}
	return result
}
