package gateway

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lexrag/retrievald/internal/admission"
	"github.com/lexrag/retrievald/internal/chunking"
	"github.com/lexrag/retrievald/internal/metrics"
	"github.com/lexrag/retrievald/internal/retrieval"
	"github.com/lexrag/retrievald/internal/vectordb"
)

// Embedder is the embedding boundary. *embeddings.Service satisfies it.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// ChunkWriter is the chunk storage boundary. *vectordb.Client satisfies it.
type ChunkWriter interface {
	UpsertChunks(ctx context.Context, chunks []vectordb.ChunkPoint) (*vectordb.UpsertResponse, error)
}

// Gateway glues admission, embedding, retrieval, and ingestion together. It
// is the surface an HTTP or RPC layer in front of this daemon would call.
type Gateway struct {
	admission *admission.Controller
	chunker   *chunking.Engine
	embedder  Embedder
	optimizer *retrieval.Optimizer
	store     ChunkWriter
	logger    *zap.Logger
}

func New(adm *admission.Controller, chunker *chunking.Engine, embedder Embedder, opt *retrieval.Optimizer, store ChunkWriter, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		admission: adm,
		chunker:   chunker,
		embedder:  embedder,
		optimizer: opt,
		store:     store,
		logger:    logger,
	}
}

// QueryRequest is one user query entering the retrieval layer.
type QueryRequest struct {
	UserID   string
	Query    string
	Category string
	Limit    int
	// TokensUsed is reported by the caller once the answer is generated;
	// zero here means the caller will settle tokens through the release func.
	TokensUsed int
}

// QueryResponse carries the admission outcome and, when admitted, the
// supporting context found for the query.
type QueryResponse struct {
	Admitted bool
	Tier     admission.Tier
	// Message is the user-facing hint: set when denied or when no context
	// was found.
	Message string
	Results []retrieval.SearchResult
}

const (
	msgTryLighterMode = "try a lighter-weight mode"
	msgNoContext      = "no supporting context found"
)

// HandleQuery checks admission, embeds the query, and runs the search. A
// quota denial is a normal response, not an error; only embedding failure is
// fatal, since without a query vector no search is possible.
func (g *Gateway) HandleQuery(ctx context.Context, req QueryRequest) (QueryResponse, error) {
	decision := g.admission.CheckLimit(req.UserID)
	if !decision.Allowed {
		g.logger.Info("query denied",
			zap.String("user_id", req.UserID),
			zap.String("reason", decision.Reason),
			zap.String("tier", string(decision.Tier)))
		metrics.QueriesServed.WithLabelValues("denied", string(decision.Tier)).Inc()
		return QueryResponse{
			Admitted: false,
			Tier:     decision.Tier,
			Message:  msgTryLighterMode,
		}, nil
	}

	release := g.admission.Begin(req.UserID)
	defer release(req.TokensUsed)

	vec, err := g.embedder.Embed(ctx, req.Query)
	if err != nil {
		metrics.QueriesServed.WithLabelValues("embed_failed", string(decision.Tier)).Inc()
		return QueryResponse{}, fmt.Errorf("embedding query: %w", err)
	}

	var results []retrieval.SearchResult
	if req.Category != "" {
		results = g.optimizer.SearchByCategory(ctx, vec, req.Category, req.Limit)
	} else {
		results = g.optimizer.Search(ctx, retrieval.SearchRequest{Vector: vec, Limit: req.Limit})
	}

	resp := QueryResponse{
		Admitted: true,
		Tier:     decision.Tier,
		Results:  results,
	}
	if len(results) == 0 {
		resp.Message = msgNoContext
		metrics.QueriesServed.WithLabelValues("empty", string(decision.Tier)).Inc()
		return resp, nil
	}
	metrics.QueriesServed.WithLabelValues("ok", string(decision.Tier)).Inc()
	return resp, nil
}

// IngestRequest carries raw extracted document text, parsed upstream.
type IngestRequest struct {
	DocumentID string
	Text       string
	Metadata   map[string]interface{}
}

// IngestResult reports what ingestion produced.
type IngestResult struct {
	DocumentID string
	Chunks     []chunking.Chunk
	Stored     int
}

// IngestDocument chunks the document, embeds every chunk in one batch, and
// writes the chunk points to the vector store.
func (g *Gateway) IngestDocument(ctx context.Context, req IngestRequest) (IngestResult, error) {
	chunks := g.chunker.Chunk(req.DocumentID, req.Text)
	if len(chunks) == 0 {
		return IngestResult{DocumentID: req.DocumentID}, nil
	}

	texts := make([]string, len(chunks))
	for i, ch := range chunks {
		texts[i] = ch.Content
	}
	vectors, err := g.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return IngestResult{}, fmt.Errorf("embedding chunks for %s: %w", req.DocumentID, err)
	}

	points := make([]vectordb.ChunkPoint, len(chunks))
	for i, ch := range chunks {
		meta := map[string]interface{}{
			"document_id":  req.DocumentID,
			"chunk_index":  ch.Index,
			"total_chunks": ch.TotalChunks,
		}
		for k, v := range req.Metadata {
			meta[k] = v
		}
		points[i] = vectordb.ChunkPoint{
			ChunkID:  ch.ID,
			Vector:   vectors[i],
			Content:  ch.Content,
			Metadata: meta,
		}
	}

	if _, err := g.store.UpsertChunks(ctx, points); err != nil {
		return IngestResult{}, fmt.Errorf("storing chunks for %s: %w", req.DocumentID, err)
	}

	metrics.DocumentsIngested.Inc()
	g.logger.Info("document ingested",
		zap.String("document_id", req.DocumentID),
		zap.Int("chunks", len(chunks)))
	return IngestResult{
		DocumentID: req.DocumentID,
		Chunks:     chunks,
		Stored:     len(points),
	}, nil
}
