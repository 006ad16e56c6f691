package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lexrag/retrievald/internal/admission"
	"github.com/lexrag/retrievald/internal/chunking"
	"github.com/lexrag/retrievald/internal/fanout"
	"github.com/lexrag/retrievald/internal/retrieval"
	"github.com/lexrag/retrievald/internal/vectordb"
)

type stubEmbedder struct {
	err     error
	embeds  int
	batches int
}

func (s *stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	s.embeds++
	if s.err != nil {
		return nil, s.err
	}
	return []float32{float32(len(text))}, nil
}

func (s *stubEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	s.batches++
	if s.err != nil {
		return nil, s.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t))}
	}
	return out, nil
}

type stubSearcher struct {
	points []vectordb.Point
	err    error
}

func (s *stubSearcher) Search(ctx context.Context, collection string, vec []float32, limit int, threshold float64, filter *vectordb.Filter) ([]vectordb.Point, error) {
	return s.points, s.err
}

type stubStore struct {
	upserts [][]vectordb.ChunkPoint
	err     error
}

func (s *stubStore) UpsertChunks(ctx context.Context, chunks []vectordb.ChunkPoint) (*vectordb.UpsertResponse, error) {
	s.upserts = append(s.upserts, chunks)
	if s.err != nil {
		return nil, s.err
	}
	return &vectordb.UpsertResponse{Status: "ok"}, nil
}

func newTestGateway(t *testing.T, admCfg admission.Config, emb *stubEmbedder, search *stubSearcher, store *stubStore) (*Gateway, *admission.Controller) {
	t.Helper()
	adm := admission.NewController(admCfg, admission.NewKeyring([]string{"key-1", "key-2"}, zap.NewNop()), zap.NewNop())
	chunker := chunking.NewEngine(chunking.Config{}, zap.NewNop())
	runner := fanout.NewRunner(fanout.Config{MaxConcurrency: 4, OpTimeout: time.Second}, zap.NewNop())
	opt := retrieval.NewOptimizer(retrieval.Config{
		BackoffUnit:         time.Millisecond,
		SimilarityThreshold: 0.5,
	}, search, runner, zap.NewNop())
	return New(adm, chunker, emb, opt, store, zap.NewNop()), adm
}

func defaultAdmCfg() admission.Config {
	return admission.Config{
		MaxRequestsPerHour: 30,
		MaxTokensPerHour:   100000,
		MaxConcurrent:      3,
		Window:             time.Hour,
		FallbackThreshold:  0.8,
	}
}

func TestHandleQuery_AdmittedWithResults(t *testing.T) {
	emb := &stubEmbedder{}
	search := &stubSearcher{points: []vectordb.Point{
		{Score: 0.9, Payload: map[string]interface{}{"content": "indemnity clause"}},
	}}
	g, _ := newTestGateway(t, defaultAdmCfg(), emb, search, &stubStore{})

	resp, err := g.HandleQuery(context.Background(), QueryRequest{
		UserID: "u1",
		Query:  "who bears indemnity",
	})
	require.NoError(t, err)

	assert.True(t, resp.Admitted)
	assert.Equal(t, admission.TierPrimary, resp.Tier)
	assert.Empty(t, resp.Message)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "indemnity clause", resp.Results[0].Content)
}

func TestHandleQuery_DeniedSurfacesLighterMode(t *testing.T) {
	cfg := defaultAdmCfg()
	cfg.MaxConcurrent = 1
	emb := &stubEmbedder{}
	g, adm := newTestGateway(t, cfg, emb, &stubSearcher{}, &stubStore{})

	adm.StartRequest("u1") // saturate concurrency

	resp, err := g.HandleQuery(context.Background(), QueryRequest{UserID: "u1", Query: "q"})
	require.NoError(t, err, "a quota denial is a normal response, not an error")

	assert.False(t, resp.Admitted)
	assert.Equal(t, msgTryLighterMode, resp.Message)
	assert.Equal(t, 0, emb.embeds, "denied queries are never embedded")
}

func TestHandleQuery_EmptyResultsSurfaceNoContext(t *testing.T) {
	g, _ := newTestGateway(t, defaultAdmCfg(), &stubEmbedder{}, &stubSearcher{}, &stubStore{})

	resp, err := g.HandleQuery(context.Background(), QueryRequest{UserID: "u1", Query: "q"})
	require.NoError(t, err)

	assert.True(t, resp.Admitted)
	assert.Equal(t, msgNoContext, resp.Message)
	assert.Empty(t, resp.Results)
}

func TestHandleQuery_EmbeddingFailureIsFatal(t *testing.T) {
	emb := &stubEmbedder{err: errors.New("provider down")}
	g, _ := newTestGateway(t, defaultAdmCfg(), emb, &stubSearcher{}, &stubStore{})

	_, err := g.HandleQuery(context.Background(), QueryRequest{UserID: "u1", Query: "q"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "embedding query")
}

func TestHandleQuery_ConcurrencyReleasedAfterCompletion(t *testing.T) {
	g, adm := newTestGateway(t, defaultAdmCfg(), &stubEmbedder{}, &stubSearcher{}, &stubStore{})

	for i := 0; i < 5; i++ {
		_, err := g.HandleQuery(context.Background(), QueryRequest{UserID: "u1", Query: "q"})
		require.NoError(t, err)
	}

	// If slots leaked, the fourth query would already have been denied.
	d := adm.CheckLimit("u1")
	assert.True(t, d.Allowed)
}

func TestHandleQuery_ConcurrencyReleasedOnEmbeddingFailure(t *testing.T) {
	cfg := defaultAdmCfg()
	cfg.MaxConcurrent = 1
	emb := &stubEmbedder{err: errors.New("provider down")}
	g, adm := newTestGateway(t, cfg, emb, &stubSearcher{}, &stubStore{})

	for i := 0; i < 3; i++ {
		_, err := g.HandleQuery(context.Background(), QueryRequest{UserID: "u1", Query: "q"})
		require.Error(t, err)
	}

	d := adm.CheckLimit("u1")
	assert.True(t, d.Allowed, "failed queries must not leak concurrency slots")
}

func TestIngestDocument(t *testing.T) {
	store := &stubStore{}
	emb := &stubEmbedder{}
	g, _ := newTestGateway(t, defaultAdmCfg(), emb, &stubSearcher{}, store)

	text := "First paragraph of the lease agreement.\n\nSecond paragraph with the renewal option."
	res, err := g.IngestDocument(context.Background(), IngestRequest{
		DocumentID: "lease-42",
		Text:       text,
		Metadata:   map[string]interface{}{"doc_type": "contract"},
	})
	require.NoError(t, err)

	assert.Equal(t, "lease-42", res.DocumentID)
	require.NotEmpty(t, res.Chunks)
	assert.Equal(t, len(res.Chunks), res.Stored)
	assert.Equal(t, 1, emb.batches, "all chunks embedded in one batch")

	require.Len(t, store.upserts, 1)
	first := store.upserts[0][0]
	assert.Equal(t, "lease-42:0", first.ChunkID)
	assert.Equal(t, "lease-42", first.Metadata["document_id"])
	assert.Equal(t, "contract", first.Metadata["doc_type"])
	assert.Equal(t, 0, first.Metadata["chunk_index"])
}

func TestIngestDocument_EmptyText(t *testing.T) {
	store := &stubStore{}
	g, _ := newTestGateway(t, defaultAdmCfg(), &stubEmbedder{}, &stubSearcher{}, store)

	res, err := g.IngestDocument(context.Background(), IngestRequest{DocumentID: "d", Text: "   "})
	require.NoError(t, err)
	assert.Zero(t, res.Stored)
	assert.Empty(t, store.upserts)
}

func TestIngestDocument_EmbedFailure(t *testing.T) {
	emb := &stubEmbedder{err: errors.New("provider down")}
	store := &stubStore{}
	g, _ := newTestGateway(t, defaultAdmCfg(), emb, &stubSearcher{}, store)

	_, err := g.IngestDocument(context.Background(), IngestRequest{DocumentID: "d", Text: "Some document text."})
	require.Error(t, err)
	assert.Empty(t, store.upserts, "nothing stored when embedding fails")
}

func TestIngestDocument_StoreFailure(t *testing.T) {
	store := &stubStore{err: errors.New("qdrant down")}
	g, _ := newTestGateway(t, defaultAdmCfg(), &stubEmbedder{}, &stubSearcher{}, store)

	_, err := g.IngestDocument(context.Background(), IngestRequest{DocumentID: "d", Text: "Some document text."})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storing chunks")
}
