package embeddings

import (
	"context"
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"math"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/lexrag/retrievald/internal/circuitbreaker"
	"github.com/lexrag/retrievald/internal/metrics"
)

// SecondTier is an optional shared cache behind the in-process one
type SecondTier interface {
	Get(ctx context.Context, key string) ([]float32, bool)
	Set(ctx context.Context, key string, v []float32, ttl time.Duration)
}

// RedisCache is a circuit-breaker wrapped Redis second tier. Vectors are
// stored as little-endian float32 bytes.
type RedisCache struct {
	raw *redis.Client
	cli *circuitbreaker.RedisWrapper
}

// NewRedisCache connects to Redis at addr and verifies the connection
func NewRedisCache(addr, password string, logger *zap.Logger) (*RedisCache, error) {
	rc := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	wrapper := circuitbreaker.NewRedisWrapper(rc, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := wrapper.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &RedisCache{raw: rc, cli: wrapper}, nil
}

// Client exposes the underlying connection for health probing.
func (r *RedisCache) Client() redis.UniversalClient { return r.raw }

// Wrapper exposes the circuit breaker wrapper for health probing.
func (r *RedisCache) Wrapper() *circuitbreaker.RedisWrapper { return r.cli }

func (r *RedisCache) Get(ctx context.Context, key string) ([]float32, bool) {
	b, err := r.cli.Get(ctx, key).Bytes()
	if err != nil {
		return nil, false
	}
	if len(b) == 0 || len(b)%4 != 0 {
		return nil, false
	}
	out := make([]float32, len(b)/4)
	for i := 0; i < len(out); i++ {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	metrics.EmbeddingCacheHits.WithLabelValues("redis").Inc()
	return out, true
}

func (r *RedisCache) Set(ctx context.Context, key string, v []float32, ttl time.Duration) {
	b := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(f))
	}
	_ = r.cli.Set(ctx, key, b, ttl).Err()
}

// Close releases the underlying connection
func (r *RedisCache) Close() error { return r.cli.Close() }

// MakeKey builds a stable cache key for a model/text pair
func MakeKey(model, text string) string {
	h := md5.Sum([]byte(model + "|" + text))
	return "emb:" + hex.EncodeToString(h[:])
}
