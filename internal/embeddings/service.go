package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/lexrag/retrievald/internal/metrics"
	"github.com/lexrag/retrievald/internal/tracing"
)

// Service computes embeddings through the external provider, consulting the
// in-process cache and the optional Redis tier first. Embedding failure is
// fatal to the calling request: without a query vector no search is possible,
// so errors propagate instead of degrading to a fallback vector.
type Service struct {
	cfg    Config
	http   *http.Client
	cache  *Cache
	second SecondTier
	logger *zap.Logger
}

// NewService creates an embedding service. second may be nil.
func NewService(cfg Config, cache *Cache, second SecondTier, logger *zap.Logger) *Service {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "text-embedding-3-small"
	}
	if cfg.RedisTTL <= 0 {
		cfg.RedisTTL = time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		cache:  cache,
		second: second,
		logger: logger,
	}
}

type embedRequest struct {
	Texts []string `json:"texts"`
	Model string   `json:"model"`
}

type embedResponse struct {
	Embeddings [][]float64 `json:"embeddings"`
	Dimensions int         `json:"dimensions"`
	ModelUsed  string      `json:"model_used"`
}

// Embed returns the vector for a single text
func (s *Service) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := s.cache.Get(text); ok {
		return v, nil
	}
	if s.second != nil {
		key := MakeKey(s.cfg.DefaultModel, text)
		if v, ok := s.second.Get(ctx, key); ok {
			s.cache.Put(text, v)
			return v, nil
		}
	}

	vecs, err := s.callProvider(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	v := vecs[0]

	s.cache.Put(text, v)
	if s.second != nil {
		s.second.Set(ctx, MakeKey(s.cfg.DefaultModel, text), v, s.cfg.RedisTTL)
	}
	return v, nil
}

// EmbedBatch returns vectors for multiple texts in one provider call,
// preserving input order. Cached texts are not re-sent.
func (s *Service) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	results := make([][]float32, len(texts))
	var uncached []string
	var uncachedIdx []int

	for i, text := range texts {
		if v, ok := s.cache.Get(text); ok {
			results[i] = v
			continue
		}
		if s.second != nil {
			if v, ok := s.second.Get(ctx, MakeKey(s.cfg.DefaultModel, text)); ok {
				results[i] = v
				s.cache.Put(text, v)
				continue
			}
		}
		uncached = append(uncached, text)
		uncachedIdx = append(uncachedIdx, i)
	}
	if len(uncached) == 0 {
		return results, nil
	}

	vecs, err := s.callProvider(ctx, uncached)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(uncached) {
		return nil, fmt.Errorf("embedding provider returned %d vectors for %d texts", len(vecs), len(uncached))
	}

	for i, v := range vecs {
		idx := uncachedIdx[i]
		results[idx] = v
		s.cache.Put(uncached[i], v)
		if s.second != nil {
			s.second.Set(ctx, MakeKey(s.cfg.DefaultModel, uncached[i]), v, s.cfg.RedisTTL)
		}
	}
	return results, nil
}

func (s *Service) callProvider(ctx context.Context, texts []string) ([][]float32, error) {
	start := time.Now()
	url := fmt.Sprintf("%s/embeddings/", s.cfg.BaseURL)

	ctx, span := tracing.StartHTTPSpan(ctx, "POST", url)
	defer span.End()

	payload := embedRequest{Texts: texts, Model: s.cfg.DefaultModel}
	buf, _ := json.Marshal(payload)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, req)

	resp, err := s.http.Do(req)
	if err != nil {
		metrics.RecordEmbedding(s.cfg.DefaultModel, "error", time.Since(start).Seconds())
		return nil, fmt.Errorf("embedding request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.RecordEmbedding(s.cfg.DefaultModel, "error", time.Since(start).Seconds())
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("embedding provider status %d: %s", resp.StatusCode, string(body))
	}

	var er embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		metrics.RecordEmbedding(s.cfg.DefaultModel, "error", time.Since(start).Seconds())
		return nil, err
	}
	if len(er.Embeddings) == 0 {
		metrics.RecordEmbedding(s.cfg.DefaultModel, "empty", time.Since(start).Seconds())
		return nil, fmt.Errorf("no embeddings returned")
	}

	out := make([][]float32, len(er.Embeddings))
	for i, emb := range er.Embeddings {
		v := make([]float32, len(emb))
		for j, f := range emb {
			v[j] = float32(f)
		}
		out[i] = v
	}
	metrics.RecordEmbedding(s.cfg.DefaultModel, "ok", time.Since(start).Seconds())
	return out, nil
}
