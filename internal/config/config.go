package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/lexrag/retrievald/internal/admission"
	"github.com/lexrag/retrievald/internal/chunking"
	"github.com/lexrag/retrievald/internal/embeddings"
	"github.com/lexrag/retrievald/internal/fanout"
	"github.com/lexrag/retrievald/internal/retrieval"
	"github.com/lexrag/retrievald/internal/tracing"
	"github.com/lexrag/retrievald/internal/vectordb"
)

// ServiceConfig holds daemon-level knobs.
type ServiceConfig struct {
	MetricsPort int `mapstructure:"metrics_port"`
	AdminPort   int `mapstructure:"admin_port"`
	HealthPort  int `mapstructure:"health_port"`
	Logging     struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"logging"`
}

// Config is the full daemon configuration loaded from retrievald.yaml.
type Config struct {
	Service     ServiceConfig     `mapstructure:"service"`
	Credentials []string          `mapstructure:"credentials"`
	Admission   admission.Config  `mapstructure:"admission"`
	Chunking    chunking.Config   `mapstructure:"chunking"`
	Embeddings  embeddings.Config `mapstructure:"embeddings"`
	Fanout      fanout.Config     `mapstructure:"fanout"`
	Retrieval   retrieval.Config  `mapstructure:"retrieval"`
	VectorDB    vectordb.Config   `mapstructure:"vectordb"`
	Tracing     tracing.Config    `mapstructure:"tracing"`
}

// Path returns the config file location: CONFIG_PATH or the default.
func Path() string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return "/app/config/retrievald.yaml"
}

// Load reads and validates the daemon configuration.
func Load() (*Config, error) {
	return LoadFile(Path())
}

// LoadFile reads configuration from an explicit path.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.metrics_port", 2112)
	v.SetDefault("service.admin_port", 8081)
	v.SetDefault("service.health_port", 8082)
	v.SetDefault("service.logging.level", "info")

	v.SetDefault("admission.max_requests_per_hour", 30)
	v.SetDefault("admission.max_tokens_per_hour", 100000)
	v.SetDefault("admission.max_concurrent", 3)
	v.SetDefault("admission.window", time.Hour)
	v.SetDefault("admission.fallback_threshold", 0.8)

	v.SetDefault("chunking.target_size", 700)
	v.SetDefault("chunking.overlap", 150)
	v.SetDefault("chunking.min_chunk_size", 100)
	v.SetDefault("chunking.allowed_variation", 50)

	v.SetDefault("embeddings.default_model", "text-embedding-3-small")
	v.SetDefault("embeddings.timeout", 5*time.Second)
	v.SetDefault("embeddings.cache.max_size", 2048)
	v.SetDefault("embeddings.cache.ttl", time.Hour)
	v.SetDefault("embeddings.cache.sweep_interval", 5*time.Minute)

	v.SetDefault("fanout.max_concurrency", 8)
	v.SetDefault("fanout.op_timeout", 15*time.Second)

	v.SetDefault("retrieval.collection", "document_chunks")
	v.SetDefault("retrieval.max_retries", 3)
	v.SetDefault("retrieval.backoff_unit", time.Second)
	v.SetDefault("retrieval.similarity_threshold", 0.7)
	v.SetDefault("retrieval.cache_size", 256)
	v.SetDefault("retrieval.default_limit", 5)

	v.SetDefault("vectordb.port", 6333)
	v.SetDefault("vectordb.timeout", 5*time.Second)
	v.SetDefault("vectordb.document_chunks", "document_chunks")
	v.SetDefault("vectordb.top_k", 5)
}

// Dump renders the effective configuration as YAML. Credentials are redacted
// so the admin surface can expose it safely.
func (c *Config) Dump() ([]byte, error) {
	redacted := *c
	redacted.Credentials = make([]string, len(c.Credentials))
	for i := range c.Credentials {
		redacted.Credentials[i] = "[redacted]"
	}
	return yaml.Marshal(redacted)
}

func (c *Config) validate() error {
	if c.Admission.MaxRequestsPerHour <= 0 {
		return fmt.Errorf("admission.max_requests_per_hour must be positive")
	}
	if c.Admission.MaxConcurrent <= 0 {
		return fmt.Errorf("admission.max_concurrent must be positive")
	}
	if c.Chunking.Overlap >= c.Chunking.TargetSize {
		return fmt.Errorf("chunking.overlap must be smaller than chunking.target_size")
	}
	if c.Retrieval.SimilarityThreshold < 0 || c.Retrieval.SimilarityThreshold > 1 {
		return fmt.Errorf("retrieval.similarity_threshold must be within [0,1]")
	}
	if c.VectorDB.Enabled && c.VectorDB.Host == "" {
		return fmt.Errorf("vectordb.host required when vectordb is enabled")
	}
	return nil
}
