package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Admission metrics
	AdmissionDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lexrag_admission_decisions_total",
			Help: "Total number of admission decisions",
		},
		[]string{"outcome", "reason"},
	)

	AdmissionActiveUsers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lexrag_admission_active_users",
			Help: "Number of users with a live quota window",
		},
	)

	AdmissionTierDowngrades = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lexrag_admission_tier_downgrades_total",
			Help: "Total number of sticky downgrades to the fallback tier",
		},
	)

	CredentialRotations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lexrag_credential_rotations_total",
			Help: "Total number of provider credential rotations",
		},
		[]string{"result"},
	)

	// Chunking metrics
	ChunksPerDocument = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lexrag_chunks_per_document",
			Help:    "Number of chunks produced per ingested document",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250},
		},
	)

	ChunkSizeChars = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lexrag_chunk_size_chars",
			Help:    "Chunk size in characters",
			Buckets: []float64{100, 250, 500, 750, 1000, 1500, 2000},
		},
	)

	// Embedding metrics
	EmbeddingCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lexrag_embedding_cache_hits_total",
			Help: "Total embedding cache hits by tier",
		},
		[]string{"tier"},
	)

	EmbeddingCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lexrag_embedding_cache_misses_total",
			Help: "Total embedding cache misses",
		},
	)

	EmbeddingCacheEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lexrag_embedding_cache_evictions_total",
			Help: "Total embedding cache evictions",
		},
		[]string{"cause"},
	)

	EmbeddingCacheSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lexrag_embedding_cache_size",
			Help: "Current number of entries in the embedding cache",
		},
	)

	EmbeddingRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lexrag_embedding_request_duration_seconds",
			Help:    "Embedding provider request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"model", "status"},
	)

	// Fan-out metrics
	FanoutBatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lexrag_fanout_batches_total",
			Help: "Total fan-out batches by completion mode",
		},
		[]string{"mode"},
	)

	FanoutOperationTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lexrag_fanout_operation_timeouts_total",
			Help: "Total fan-out operations that hit their per-operation deadline",
		},
	)

	// Retrieval metrics
	SearchRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lexrag_search_requests_total",
			Help: "Total vector search requests",
		},
		[]string{"status"},
	)

	SearchCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lexrag_search_cache_hits_total",
			Help: "Total search result cache hits",
		},
	)

	SearchRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lexrag_search_retries_total",
			Help: "Total vector search retry attempts",
		},
	)

	SearchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lexrag_search_duration_seconds",
			Help:    "Vector search duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"collection"},
	)

	SearchResultsReturned = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lexrag_search_results_returned",
			Help:    "Number of results returned per search after filtering",
			Buckets: []float64{0, 1, 2, 5, 10, 20, 50},
		},
	)

	// Provider-level vector search calls (one logical search may make
	// several of these across retries and endpoint fallback)
	VectorSearchCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lexrag_vectordb_calls_total",
			Help: "Total calls to the vector-search provider",
		},
		[]string{"collection", "status"},
	)

	VectorSearchCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lexrag_vectordb_call_duration_seconds",
			Help:    "Vector-search provider call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"collection"},
	)

	// Gateway metrics
	QueriesServed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lexrag_queries_served_total",
			Help: "Total queries served by outcome",
		},
		[]string{"outcome", "tier"},
	)

	DocumentsIngested = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lexrag_documents_ingested_total",
			Help: "Total documents ingested",
		},
	)
)

// RecordVectorSearch records a single provider-level vector search call.
func RecordVectorSearch(collection, status string, seconds float64) {
	VectorSearchCalls.WithLabelValues(collection, status).Inc()
	VectorSearchCallDuration.WithLabelValues(collection).Observe(seconds)
}

// RecordEmbedding records a single embedding provider call.
func RecordEmbedding(model, status string, seconds float64) {
	EmbeddingRequestDuration.WithLabelValues(model, status).Observe(seconds)
}
