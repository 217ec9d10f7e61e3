package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/yourusername/livequery/core"
	"github.com/yourusername/livequery/store"
	"go.uber.org/zap"
)

// Handler serves record reads and commits against a store
type Handler struct {
	store  store.Store
	logger *zap.Logger
}

// NewHandler creates a new API handler. A nil logger discards output.
func NewHandler(s store.Store, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		store:  s,
		logger: logger,
	}
}

// CommitRequest represents the incoming commit request
type CommitRequest struct {
	Records map[core.CacheKey]core.Record `json:"records"`          // Required: records to merge into the store
	Origin  core.OriginToken              `json:"origin,omitempty"` // Optional: tag for the resulting notification
}

// CommitResponse lists the keys the commit actually changed
type CommitResponse struct {
	Changed []core.CacheKey `json:"changed"`
}

// RecordResponse represents a single record read
type RecordResponse struct {
	Key    core.CacheKey `json:"key"`
	Record core.Record   `json:"record"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Commit handles POST /commit requests
func (h *Handler) Commit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.sendError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only POST requests are allowed")
		return
	}

	// Parse request
	var req CommitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body")
		return
	}

	if len(req.Records) == 0 {
		h.sendError(w, http.StatusBadRequest, "missing_records", "records is required")
		return
	}

	changed, err := h.store.Commit(r.Context(), req.Records, req.Origin)
	switch {
	case errors.Is(err, store.ErrInvalidKey):
		h.sendError(w, http.StatusBadRequest, "invalid_key", err.Error())
		return
	case errors.Is(err, store.ErrStoreClosed):
		h.sendError(w, http.StatusServiceUnavailable, "store_closed", err.Error())
		return
	case err != nil:
		h.logger.Error("commit failed", zap.Error(err))
		h.sendError(w, http.StatusInternalServerError, "commit_failed", "Commit failed")
		return
	}

	changedKeys := changed.Sorted()
	h.logger.Debug("records committed",
		zap.Int("records", len(req.Records)),
		zap.Int("changed", len(changedKeys)),
		zap.String("origin", string(req.Origin)),
	)

	h.sendJSON(w, http.StatusOK, CommitResponse{Changed: changedKeys})
}

// GetRecord handles GET /record?key= requests
func (h *Handler) GetRecord(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.sendError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET requests are allowed")
		return
	}

	key := core.CacheKey(r.URL.Query().Get("key"))
	if key == "" {
		h.sendError(w, http.StatusBadRequest, "missing_key", "key is required")
		return
	}

	record, ok, err := h.store.Get(r.Context(), key)
	if err != nil {
		h.logger.Error("record read failed", zap.String("key", string(key)), zap.Error(err))
		h.sendError(w, http.StatusInternalServerError, "read_failed", "Read failed")
		return
	}
	if !ok {
		h.sendError(w, http.StatusNotFound, "not_found", "No record for "+string(key))
		return
	}

	h.sendJSON(w, http.StatusOK, RecordResponse{Key: key, Record: record})
}

// pinger is implemented by stores backed by a remote server
type pinger interface {
	Ping(ctx context.Context) error
}

// Health handles GET /health requests
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if p, ok := h.store.(pinger); ok {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			h.sendJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "unavailable", Error: err.Error()})
			return
		}
	}
	h.sendJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

func (h *Handler) sendJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(body)
}

func (h *Handler) sendError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	h.sendJSON(w, statusCode, ErrorResponse{
		Error:   errorCode,
		Message: message,
	})
}
