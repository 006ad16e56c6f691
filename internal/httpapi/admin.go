package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/lexrag/retrievald/internal/admission"
	"github.com/lexrag/retrievald/internal/config"
	"github.com/lexrag/retrievald/internal/vectordb"
)

// DocumentReader reads back the stored chunks of an ingested document.
type DocumentReader interface {
	ScrollByDocument(ctx context.Context, docID string, limit int) ([]vectordb.Point, error)
}

// AdminHandler exposes the operator surface: quota resets, usage snapshots,
// credential state, document inspection, and the effective configuration.
type AdminHandler struct {
	admission *admission.Controller
	cfgSource func() *config.Config
	documents DocumentReader
	logger    *zap.Logger
	authToken string
}

// NewAdminHandler creates the handler. cfgSource may be nil when no config
// watcher runs, documents may be nil when the vector store is disabled;
// authToken empty disables auth (local-only deployments).
func NewAdminHandler(adm *admission.Controller, cfgSource func() *config.Config, documents DocumentReader, logger *zap.Logger, authToken string) *AdminHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AdminHandler{
		admission: adm,
		cfgSource: cfgSource,
		documents: documents,
		logger:    logger,
		authToken: authToken,
	}
}

// RegisterRoutes registers admin routes on the provided mux.
func (h *AdminHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/admin/quotas/reset", h.withAuth(h.handleResetUser))
	mux.HandleFunc("/admin/quotas/reset-all", h.withAuth(h.handleResetAll))
	mux.HandleFunc("/admin/usage", h.withAuth(h.handleUsage))
	mux.HandleFunc("/admin/credentials", h.withAuth(h.handleCredentials))
	mux.HandleFunc("/admin/documents/{id}", h.withAuth(h.handleDocument))
	mux.HandleFunc("/admin/config", h.withAuth(h.handleConfig))
}

func (h *AdminHandler) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.authToken != "" {
			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") || strings.TrimPrefix(auth, "Bearer ") != h.authToken {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
		}
		next(w, r)
	}
}

type resetUserRequest struct {
	UserID string `json:"user_id"`
}

func (h *AdminHandler) handleResetUser(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}

	var req resetUserRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		h.logger.Warn("reset decode error", zap.Error(err))
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		http.Error(w, `{"error":"user_id is required"}`, http.StatusBadRequest)
		return
	}

	h.admission.ResetUserQuota(req.UserID)
	h.logger.Info("user quota reset", zap.String("user_id", req.UserID))
	h.writeJSON(w, http.StatusOK, map[string]any{
		"status":  "reset",
		"user_id": req.UserID,
	})
}

func (h *AdminHandler) handleResetAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}

	h.admission.ClearAllQuotas()
	h.logger.Info("all quotas cleared")
	h.writeJSON(w, http.StatusOK, map[string]any{"status": "reset"})
}

func (h *AdminHandler) handleUsage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}

	usage := h.admission.Snapshot()
	h.writeJSON(w, http.StatusOK, map[string]any{
		"active_users": len(usage),
		"usage":        usage,
	})
}

func (h *AdminHandler) handleCredentials(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"credentials": h.admission.CredentialStatus(),
	})
}

func (h *AdminHandler) handleDocument(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}
	if h.documents == nil {
		http.Error(w, `{"error":"vector store not available"}`, http.StatusNotFound)
		return
	}
	docID := r.PathValue("id")
	if docID == "" {
		http.Error(w, `{"error":"document id is required"}`, http.StatusBadRequest)
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, `{"error":"limit must be a positive integer"}`, http.StatusBadRequest)
			return
		}
		limit = n
	}

	points, err := h.documents.ScrollByDocument(r.Context(), docID, limit)
	if err != nil {
		h.logger.Error("document scroll failed", zap.String("document_id", docID), zap.Error(err))
		http.Error(w, `{"error":"document lookup failed"}`, http.StatusBadGateway)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"document_id": docID,
		"chunks":      len(points),
		"points":      points,
	})
}

func (h *AdminHandler) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}
	if h.cfgSource == nil {
		http.Error(w, `{"error":"config source not available"}`, http.StatusNotFound)
		return
	}
	out, err := h.cfgSource().Dump()
	if err != nil {
		h.logger.Error("config dump failed", zap.Error(err))
		http.Error(w, `{"error":"config dump failed"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out)
}

func (h *AdminHandler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("failed to encode admin response", zap.Error(err))
	}
}
