package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-forensics/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-forensics/pkg/models"
	"github.com/ekaya-inc/ekaya-forensics/pkg/services"
)

const (
	// MaxBatchSize bounds POST /api/analyses/batch.
	MaxBatchSize = 100
	// maxRequestBytes bounds request bodies; narratives are capped well below.
	maxRequestBytes = 8 << 20
)

// ============================================================================
// Request/Response Types
// ============================================================================

// BatchRequest for POST /api/analyses/batch
type BatchRequest struct {
	Requests []models.AnalysisRequest `json:"requests"`
}

// BatchResponse for POST /api/analyses/batch
type BatchResponse struct {
	Results []services.BatchItemResult `json:"results"`
	Summary services.BatchSummary      `json:"summary"`
}

// EventHistory replays stored progress events. Implemented by the Redis publisher.
type EventHistory interface {
	History(ctx context.Context, analysisID string) ([]models.ProgressEvent, error)
}

// ============================================================================
// Handler
// ============================================================================

// AnalysisHandler exposes the analysis pipeline over HTTP.
type AnalysisHandler struct {
	pipeline    services.PipelineService
	batch       services.BatchService
	persistence services.PersistenceService
	history     EventHistory
	logger      *zap.Logger
}

// NewAnalysisHandler creates an analysis handler. history may be nil.
func NewAnalysisHandler(
	pipeline services.PipelineService,
	batch services.BatchService,
	persistence services.PersistenceService,
	history EventHistory,
	logger *zap.Logger,
) *AnalysisHandler {
	return &AnalysisHandler{
		pipeline:    pipeline,
		batch:       batch,
		persistence: persistence,
		history:     history,
		logger:      logger.Named("analysis-handler"),
	}
}

// RegisterRoutes registers the analysis routes on the given mux.
func (h *AnalysisHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/analyses", h.Analyze)
	mux.HandleFunc("POST /api/analyses/batch", h.Batch)
	mux.HandleFunc("POST /api/analyses/reconcile", h.Reconcile)
	mux.HandleFunc("GET /api/analyses/{id}", h.Get)
	mux.HandleFunc("GET /api/analyses/{id}/events", h.Events)
}

// Analyze handles POST /api/analyses.
// The response is a Server-Sent Events stream of progress events ending with
// analysis_complete or error. With ?stream=false the run is synchronous and
// the terminal result is returned as JSON.
func (h *AnalysisHandler) Analyze(w http.ResponseWriter, r *http.Request) {
	var req models.AnalysisRequest
	if !h.decode(w, r, &req) {
		return
	}

	if r.URL.Query().Get("stream") == "false" {
		h.analyzeSync(w, r, req)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.logger.Error("SSE not supported")
		h.writeError(w, http.StatusInternalServerError, "sse_unsupported", "SSE not supported")
		return
	}

	events, err := h.pipeline.Run(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for event := range events {
		data, err := json.Marshal(event)
		if err != nil {
			h.logger.Error("Failed to marshal event", zap.Error(err))
			continue
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.EventType, data)
		flusher.Flush()
	}
}

func (h *AnalysisHandler) analyzeSync(w http.ResponseWriter, r *http.Request, req models.AnalysisRequest) {
	result, err := h.pipeline.Execute(r.Context(), req, nil)
	if err != nil {
		if result == nil {
			h.writeServiceError(w, err)
			return
		}
		// Stage failures still return the ERROR record.
		code := apperrors.Code(err)
		h.logger.Warn("Analysis did not complete", zap.String("code", code), zap.Error(err))
		response := ApiResponse{Success: false, Data: result, Error: code, Message: err.Error()}
		if err := WriteJSON(w, StatusForCode(code), response); err != nil {
			h.logger.Error("Failed to write response", zap.Error(err))
		}
		return
	}

	response := ApiResponse{Success: true, Data: result}
	if err := WriteJSON(w, http.StatusOK, response); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// Batch handles POST /api/analyses/batch.
func (h *AnalysisHandler) Batch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if !h.decode(w, r, &req) {
		return
	}
	if len(req.Requests) == 0 {
		h.writeError(w, http.StatusBadRequest, "missing_requests", "At least one request is required")
		return
	}
	if len(req.Requests) > MaxBatchSize {
		h.writeError(w, http.StatusBadRequest, "batch_too_large",
			fmt.Sprintf("At most %d requests per batch", MaxBatchSize))
		return
	}

	results := h.batch.Run(r.Context(), req.Requests, nil)
	data := BatchResponse{Results: results, Summary: services.Summarize(results)}

	response := ApiResponse{Success: true, Data: data}
	if err := WriteJSON(w, http.StatusOK, response); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// Get handles GET /api/analyses/{id}.
func (h *AnalysisHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	record, err := h.persistence.Get(r.Context(), id)
	if err != nil {
		h.logger.Error("Failed to get analysis", zap.String("analysis_id", id), zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to get analysis")
		return
	}
	if record == nil {
		h.writeError(w, http.StatusNotFound, "not_found", "Analysis not found")
		return
	}

	response := ApiResponse{Success: true, Data: record}
	if err := WriteJSON(w, http.StatusOK, response); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// Events handles GET /api/analyses/{id}/events, replaying stored progress.
func (h *AnalysisHandler) Events(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		h.writeError(w, http.StatusNotImplemented, "not_configured", "Progress history requires Redis")
		return
	}

	id := r.PathValue("id")
	events, err := h.history.History(r.Context(), id)
	if err != nil {
		h.logger.Error("Failed to read progress history", zap.String("analysis_id", id), zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to read progress history")
		return
	}
	if len(events) == 0 {
		h.writeError(w, http.StatusNotFound, "not_found", "No progress recorded for analysis")
		return
	}

	response := ApiResponse{Success: true, Data: events}
	if err := WriteJSON(w, http.StatusOK, response); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// Reconcile handles POST /api/analyses/reconcile?limit=N.
func (h *AnalysisHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		l, err := strconv.Atoi(limitStr)
		if err != nil || l < 1 {
			h.writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = l
	}

	result, err := h.persistence.Reconcile(r.Context(), limit)
	if err != nil {
		h.logger.Error("Reconciliation failed", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "reconcile_failed", "Reconciliation failed")
		return
	}

	response := ApiResponse{Success: true, Data: result}
	if err := WriteJSON(w, http.StatusOK, response); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// ============================================================================
// Helper Methods
// ============================================================================

func (h *AnalysisHandler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := decodeJSONBody(w, r, v, maxRequestBytes); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return false
	}
	return true
}

func (h *AnalysisHandler) writeServiceError(w http.ResponseWriter, err error) {
	code := apperrors.Code(err)
	status := StatusForCode(code)
	if status >= http.StatusInternalServerError || code == apperrors.CodeAnalysisFailed {
		h.logger.Error("Analysis request failed", zap.String("code", code), zap.Error(err))
	}
	h.writeError(w, status, code, err.Error())
}

func (h *AnalysisHandler) writeError(w http.ResponseWriter, status int, code, message string) {
	if err := ErrorResponse(w, status, code, message); err != nil {
		h.logger.Error("Failed to write error response", zap.Error(err))
	}
}
