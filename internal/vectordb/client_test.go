package vectordb

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testClientFor(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return NewClient(Config{
		Enabled:        true,
		Host:           u.Hostname(),
		Port:           port,
		DocumentChunks: "document_chunks",
		TopK:           5,
		Timeout:        2 * time.Second,
	}, zap.NewNop())
}

func TestClientDisabled(t *testing.T) {
	c := NewClient(Config{Enabled: false}, zap.NewNop())

	_, err := c.Search(context.Background(), "document_chunks", []float32{0.1, 0.2}, 3, 0, nil)
	require.Error(t, err)

	_, err = c.Upsert(context.Background(), "document_chunks", nil)
	require.Error(t, err)
}

func TestSearch_QueryEndpoint(t *testing.T) {
	var gotBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/collections/document_chunks/points/query", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode(map[string]interface{}{
			"result": map[string]interface{}{
				"points": []map[string]interface{}{
					{"id": "p1", "score": 0.92, "payload": map[string]interface{}{"content": "clause text"}},
					{"id": 7, "score": 0.81, "payload": map[string]interface{}{"content": "other"}},
				},
			},
			"status": "ok",
		})
	}))
	defer srv.Close()

	c := testClientFor(t, srv)
	f := (&Filter{}).Match("jurisdiction", "DE")

	pts, err := c.Search(context.Background(), "document_chunks", []float32{0.1, 0.2}, 2, 0.5, f)
	require.NoError(t, err)
	require.Len(t, pts, 2)

	assert.Equal(t, "p1", pts[0].ID)
	assert.Equal(t, 0.92, pts[0].Score)
	assert.Equal(t, "clause text", pts[0].Payload["content"])
	assert.Equal(t, "7", pts[1].ID, "integer point IDs are stringified")

	assert.Equal(t, 0.5, gotBody["score_threshold"])
	assert.NotNil(t, gotBody["filter"], "filter must be forwarded")
}

func TestSearch_FallsBackToLegacySearchEndpoint(t *testing.T) {
	var legacyCalled bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/collections/document_chunks/points/query":
			http.Error(w, "unknown endpoint", http.StatusNotFound)
		case "/collections/document_chunks/points/search":
			legacyCalled = true
			var body map[string]interface{}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			require.NotNil(t, body["vector"], "legacy endpoint uses the vector field")
			json.NewEncoder(w).Encode(qdrantSearchResponse{
				Result: []qdrantPoint{{ID: "legacy", Score: 0.7}},
				Status: "ok",
			})
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	c := testClientFor(t, srv)

	pts, err := c.Search(context.Background(), "document_chunks", []float32{0.3}, 1, 0, nil)
	require.NoError(t, err)
	require.True(t, legacyCalled)
	require.Len(t, pts, 1)
	assert.Equal(t, "legacy", pts[0].ID)
}

func TestUpsertChunks(t *testing.T) {
	var got struct {
		Points []UpsertItem `json:"points"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		require.Equal(t, "/collections/document_chunks/points", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(UpsertResponse{Status: "ok", Time: 0.01})
	}))
	defer srv.Close()

	c := testClientFor(t, srv)
	resp, err := c.UpsertChunks(context.Background(), []ChunkPoint{
		{
			ChunkID: "lease-42:0",
			Vector:  []float32{0.1, 0.2},
			Content: "first chunk",
			Metadata: map[string]interface{}{
				"document_id": "lease-42",
				"doc_type":    "lease",
			},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Status)

	require.Len(t, got.Points, 1)
	p := got.Points[0]
	assert.NotEmpty(t, p.ID, "point ID is a generated UUID")
	assert.Equal(t, "lease-42:0", p.Payload["chunk_id"])
	assert.Equal(t, "first chunk", p.Payload["content"])
	assert.Equal(t, "lease-42", p.Payload["document_id"])
}

func TestScrollByDocument(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/collections/document_chunks/points/scroll", r.URL.Path)
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.NotNil(t, body["filter"])
		json.NewEncoder(w).Encode(map[string]interface{}{
			"result": map[string]interface{}{
				"points": []map[string]interface{}{
					{"id": "a", "payload": map[string]interface{}{"chunk_id": "lease-42:0"}},
				},
			},
		})
	}))
	defer srv.Close()

	c := testClientFor(t, srv)
	pts, err := c.ScrollByDocument(context.Background(), "lease-42", 10)
	require.NoError(t, err)
	require.Len(t, pts, 1)
	assert.Equal(t, "lease-42:0", pts[0].Payload["chunk_id"])
}

func TestValidateEmbeddingDimensions(t *testing.T) {
	collectionSize := 1536
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/collections/document_chunks", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"result": map[string]interface{}{
				"points_count": 12,
				"config": map[string]interface{}{
					"params": map[string]interface{}{
						"vectors": map[string]interface{}{"size": collectionSize, "distance": "Cosine"},
					},
				},
			},
		})
	}))
	defer srv.Close()

	u, _ := url.Parse(srv.URL)
	port, _ := strconv.Atoi(u.Port())
	cfg := Config{
		Enabled:              true,
		Host:                 u.Hostname(),
		Port:                 port,
		DocumentChunks:       "document_chunks",
		ExpectedEmbeddingDim: 1536,
	}

	c := NewClient(cfg, zap.NewNop())
	require.NoError(t, c.ValidateEmbeddingDimensions(context.Background()))

	collectionSize = 768
	c2 := NewClient(cfg, zap.NewNop())
	err := c2.ValidateEmbeddingDimensions(context.Background())
	require.Error(t, err)
	var dim DimensionMismatchError
	require.ErrorAs(t, err, &dim)
	assert.Equal(t, 1536, dim.ExpectedDimension)
	assert.Equal(t, 768, dim.ReceivedDimension)
}

func TestFilter(t *testing.T) {
	var f Filter
	assert.True(t, f.Empty())
	assert.Nil(t, f.toQdrant())

	f.Match("jurisdiction", "US").Match("ignored", "").MatchAny("doc_type", []string{"lease", "contract"})
	q := f.toQdrant()
	require.NotNil(t, q)
	must := q["must"].([]map[string]interface{})
	assert.Len(t, must, 2, "empty string match is skipped")
}
