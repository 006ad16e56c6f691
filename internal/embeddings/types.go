package embeddings

import "time"

// Config controls the embedding service behavior
type Config struct {
	// BaseURL points to the embedding provider's /embeddings endpoint
	BaseURL string `mapstructure:"base_url"`
	// DefaultModel is the default embedding model
	DefaultModel string `mapstructure:"default_model"`
	// Timeout for outbound HTTP calls
	Timeout time.Duration `mapstructure:"timeout"`
	// EnableRedis enables the Redis second-tier cache
	EnableRedis bool `mapstructure:"enable_redis"`
	// RedisAddr in host:port form when EnableRedis is true
	RedisAddr string `mapstructure:"redis_addr"`
	// RedisTTL sets TTL for second-tier entries
	RedisTTL time.Duration `mapstructure:"redis_ttl"`
	// Cache configures the in-process cache
	Cache CacheConfig `mapstructure:"cache"`
}
