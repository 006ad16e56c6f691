package httpapi

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/lexrag/retrievald/internal/gateway"
)

// APIHandler exposes the query and ingestion boundaries over HTTP.
type APIHandler struct {
	gw     *gateway.Gateway
	logger *zap.Logger
}

func NewAPIHandler(gw *gateway.Gateway, logger *zap.Logger) *APIHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &APIHandler{gw: gw, logger: logger}
}

// RegisterRoutes registers the serving routes on the provided mux.
func (h *APIHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/query", h.handleQuery)
	mux.HandleFunc("/v1/ingest", h.handleIngest)
}

type queryRequest struct {
	UserID   string `json:"user_id"`
	Query    string `json:"query"`
	Category string `json:"category,omitempty"`
	Limit    int    `json:"limit,omitempty"`
	// TokensUsed is the caller's token count for the turn this query
	// supports; it settles against the user's hourly token quota.
	TokensUsed int `json:"tokens_used,omitempty"`
}

func (h *APIHandler) handleQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}

	var req queryRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.UserID == "" || req.Query == "" {
		http.Error(w, `{"error":"user_id and query are required"}`, http.StatusBadRequest)
		return
	}
	if req.TokensUsed < 0 {
		http.Error(w, `{"error":"tokens_used must be non-negative"}`, http.StatusBadRequest)
		return
	}

	resp, err := h.gw.HandleQuery(r.Context(), gateway.QueryRequest{
		UserID:     req.UserID,
		Query:      req.Query,
		Category:   req.Category,
		Limit:      req.Limit,
		TokensUsed: req.TokensUsed,
	})
	if err != nil {
		h.logger.Error("query failed", zap.String("user_id", req.UserID), zap.Error(err))
		http.Error(w, `{"error":"query failed"}`, http.StatusBadGateway)
		return
	}

	status := http.StatusOK
	if !resp.Admitted {
		status = http.StatusTooManyRequests
	}
	h.writeJSON(w, status, resp)
}

type ingestRequest struct {
	DocumentID string                 `json:"document_id"`
	Text       string                 `json:"text"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

func (h *APIHandler) handleIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}

	var req ingestRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.DocumentID == "" || req.Text == "" {
		http.Error(w, `{"error":"document_id and text are required"}`, http.StatusBadRequest)
		return
	}

	res, err := h.gw.IngestDocument(r.Context(), gateway.IngestRequest{
		DocumentID: req.DocumentID,
		Text:       req.Text,
		Metadata:   req.Metadata,
	})
	if err != nil {
		h.logger.Error("ingestion failed", zap.String("document_id", req.DocumentID), zap.Error(err))
		http.Error(w, `{"error":"ingestion failed"}`, http.StatusBadGateway)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"document_id": res.DocumentID,
		"chunks":      res.Stored,
	})
}

func (h *APIHandler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("failed to encode response", zap.Error(err))
	}
}
