package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-forensics/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-forensics/pkg/models"
	"github.com/ekaya-inc/ekaya-forensics/pkg/services"
)

type mockPipelineService struct {
	RunFunc     func(ctx context.Context, req models.AnalysisRequest) (<-chan models.ProgressEvent, error)
	ExecuteFunc func(ctx context.Context, req models.AnalysisRequest, emit services.EmitFunc) (*models.AnalysisResult, error)
}

func (m *mockPipelineService) Run(ctx context.Context, req models.AnalysisRequest) (<-chan models.ProgressEvent, error) {
	return m.RunFunc(ctx, req)
}

func (m *mockPipelineService) Execute(ctx context.Context, req models.AnalysisRequest, emit services.EmitFunc) (*models.AnalysisResult, error) {
	return m.ExecuteFunc(ctx, req, emit)
}

type mockBatchService struct {
	RunFunc func(ctx context.Context, requests []models.AnalysisRequest, onEvent services.EmitFunc) []services.BatchItemResult
}

func (m *mockBatchService) Run(ctx context.Context, requests []models.AnalysisRequest, onEvent services.EmitFunc) []services.BatchItemResult {
	return m.RunFunc(ctx, requests, onEvent)
}

type mockPersistenceService struct {
	records       map[string]*models.AnalysisRecord
	getErr        error
	reconcileFunc func(ctx context.Context, limit int) (*services.ReconcileResult, error)
}

func (m *mockPersistenceService) Persist(ctx context.Context, record *models.AnalysisRecord) models.PersistOutcome {
	return models.PersistOutcome{DocumentStoreOK: true, TripleStoreOK: true}
}

func (m *mockPersistenceService) Reconcile(ctx context.Context, limit int) (*services.ReconcileResult, error) {
	return m.reconcileFunc(ctx, limit)
}

func (m *mockPersistenceService) Get(ctx context.Context, id string) (*models.AnalysisRecord, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	return m.records[id], nil
}

type mockEventHistory struct {
	events []models.ProgressEvent
}

func (m *mockEventHistory) History(ctx context.Context, analysisID string) ([]models.ProgressEvent, error) {
	return m.events, nil
}

func completedRecord(id string) *models.AnalysisRecord {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := models.NewAnalysisRecord(id, models.AnalysisRequest{Narrative: "narrative", Source: "manual"}, now)
	_ = rec.Complete(now)
	return rec
}

func newTestAnalysisHandler(pipeline *mockPipelineService, batch *mockBatchService, persistence *mockPersistenceService) *http.ServeMux {
	if pipeline == nil {
		pipeline = &mockPipelineService{}
	}
	if batch == nil {
		batch = &mockBatchService{}
	}
	if persistence == nil {
		persistence = &mockPersistenceService{}
	}
	mux := http.NewServeMux()
	NewAnalysisHandler(pipeline, batch, persistence, nil, zap.NewNop()).RegisterRoutes(mux)
	return mux
}

func TestAnalysisHandler_AnalyzeStreamsEvents(t *testing.T) {
	pipeline := &mockPipelineService{RunFunc: func(ctx context.Context, req models.AnalysisRequest) (<-chan models.ProgressEvent, error) {
		assert.Equal(t, "LLM agent deleted the production database.", req.Narrative)
		ch := make(chan models.ProgressEvent, 3)
		ch <- models.ProgressEvent{AnalysisID: "a1", EventType: models.EventStageStart, StepName: models.StageExtracting}
		ch <- models.ProgressEvent{AnalysisID: "a1", EventType: models.EventStageComplete, StepName: models.StageExtracting, ProgressPercent: 20}
		ch <- models.ProgressEvent{AnalysisID: "a1", EventType: models.EventAnalysisComplete, StepName: models.StageCompleted, ProgressPercent: 100}
		close(ch)
		return ch, nil
	}}
	mux := newTestAnalysisHandler(pipeline, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/analyses",
		strings.NewReader(`{"narrative": "LLM agent deleted the production database."}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	var eventNames []string
	var last models.ProgressEvent
	scanner := bufio.NewScanner(rec.Body)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			eventNames = append(eventNames, strings.TrimPrefix(line, "event: "))
		case strings.HasPrefix(line, "data: "):
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &last))
		}
	}
	assert.Equal(t, []string{"stage_start", "stage_complete", "analysis_complete"}, eventNames)
	assert.Equal(t, 100, last.ProgressPercent)
	assert.True(t, last.IsTerminal())
}

func TestAnalysisHandler_AnalyzeValidationError(t *testing.T) {
	pipeline := &mockPipelineService{RunFunc: func(ctx context.Context, req models.AnalysisRequest) (<-chan models.ProgressEvent, error) {
		return nil, apperrors.NewValidationError("narrative", "is required")
	}}
	mux := newTestAnalysisHandler(pipeline, nil, nil)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/analyses", strings.NewReader(`{}`)))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var body map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "validation_error", body["error"])
	assert.Contains(t, body["message"], "narrative")
}

func TestAnalysisHandler_AnalyzeInvalidJSON(t *testing.T) {
	mux := newTestAnalysisHandler(nil, nil, nil)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/analyses", strings.NewReader(`{"narrative":`)))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var body map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "invalid_request", body["error"])
}

func TestAnalysisHandler_AnalyzeTrailingData(t *testing.T) {
	mux := newTestAnalysisHandler(nil, nil, nil)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/analyses?stream=false",
		strings.NewReader(`{"narrative": "a"} {"narrative": "b"}`)))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAnalysisHandler_AnalyzeSynchronous(t *testing.T) {
	pipeline := &mockPipelineService{ExecuteFunc: func(ctx context.Context, req models.AnalysisRequest, emit services.EmitFunc) (*models.AnalysisResult, error) {
		return &models.AnalysisResult{
			Record:      completedRecord("a2"),
			Persistence: &models.PersistOutcome{DocumentStoreOK: true},
		}, nil
	}}
	mux := newTestAnalysisHandler(pipeline, nil, nil)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/analyses?stream=false",
		strings.NewReader(`{"narrative": "LLM agent deleted the production database."}`)))

	assert.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Success bool                  `json:"success"`
		Data    models.AnalysisResult `json:"data"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.True(t, body.Success)
	assert.Equal(t, "a2", body.Data.Record.ID)
	assert.True(t, body.Data.Persistence.NeedsReconciliation())
}

func TestAnalysisHandler_AnalyzeSynchronousStageFailure(t *testing.T) {
	pipeline := &mockPipelineService{ExecuteFunc: func(ctx context.Context, req models.AnalysisRequest, emit services.EmitFunc) (*models.AnalysisResult, error) {
		return &models.AnalysisResult{Record: completedRecord("a3")},
			apperrors.NewStageError("CLASSIFYING", apperrors.ErrKnowledgeServiceUnavailable, errors.New("HTTP 503"))
	}}
	mux := newTestAnalysisHandler(pipeline, nil, nil)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/analyses?stream=false",
		strings.NewReader(`{"narrative": "LLM agent deleted the production database."}`)))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var body ApiResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.False(t, body.Success)
	assert.Equal(t, "knowledge_service_unavailable", body.Error)
	assert.NotNil(t, body.Data)
	assert.Contains(t, body.Message, "CLASSIFYING")
}

func TestAnalysisHandler_Batch(t *testing.T) {
	batch := &mockBatchService{RunFunc: func(ctx context.Context, requests []models.AnalysisRequest, onEvent services.EmitFunc) []services.BatchItemResult {
		require.Len(t, requests, 2)
		return []services.BatchItemResult{
			{Index: 0, AnalysisID: "b1", Launched: true, Result: &models.AnalysisResult{
				Record: completedRecord("b1"), Persistence: &models.PersistOutcome{DocumentStoreOK: true, TripleStoreOK: true},
			}},
			{Index: 1, Err: apperrors.NewValidationError("narrative", "is required"), Error: "validation failed: narrative: is required"},
		}
	}}
	mux := newTestAnalysisHandler(nil, batch, nil)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/analyses/batch",
		strings.NewReader(`{"requests": [{"narrative": "first incident narrative text"}, {"narrative": ""}]}`)))

	assert.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Data BatchResponse `json:"data"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, 2, body.Data.Summary.Total)
	assert.Equal(t, 1, body.Data.Summary.Completed)
	assert.Equal(t, 1, body.Data.Summary.Invalid)
	assert.Equal(t, "validation failed: narrative: is required", body.Data.Results[1].Error)
}

func TestAnalysisHandler_BatchLimits(t *testing.T) {
	mux := newTestAnalysisHandler(nil, nil, nil)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/analyses/batch", strings.NewReader(`{"requests": []}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var sb strings.Builder
	sb.WriteString(`{"requests": [`)
	for i := 0; i <= MaxBatchSize; i++ {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString(`{"narrative": "x"}`)
	}
	sb.WriteString(`]}`)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/analyses/batch", strings.NewReader(sb.String())))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAnalysisHandler_Get(t *testing.T) {
	persistence := &mockPersistenceService{records: map[string]*models.AnalysisRecord{"INC-7": completedRecord("INC-7")}}
	mux := newTestAnalysisHandler(nil, nil, persistence)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/analyses/INC-7", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Data models.AnalysisRecord `json:"data"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, models.AnalysisStatusCompleted, body.Data.Status)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/analyses/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAnalysisHandler_GetReportsPendingReconciliation(t *testing.T) {
	pending := completedRecord("INC-8")
	pending.GraphSync = &models.GraphSyncState{NeedsReconciliation: true}
	persistence := &mockPersistenceService{records: map[string]*models.AnalysisRecord{"INC-8": pending}}
	mux := newTestAnalysisHandler(nil, nil, persistence)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/analyses/INC-8", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Data struct {
			GraphSync map[string]any `json:"graph_sync"`
		} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, map[string]any{"needs_reconciliation": true}, body.Data.GraphSync)
}

func TestAnalysisHandler_GetStoreError(t *testing.T) {
	persistence := &mockPersistenceService{getErr: errors.New("connection refused")}
	mux := newTestAnalysisHandler(nil, nil, persistence)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/analyses/INC-7", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestAnalysisHandler_Reconcile(t *testing.T) {
	var gotLimit int
	persistence := &mockPersistenceService{reconcileFunc: func(ctx context.Context, limit int) (*services.ReconcileResult, error) {
		gotLimit = limit
		return &services.ReconcileResult{Scanned: 2, Synced: 1, FailedIDs: []string{"INC-9"}}, nil
	}}
	mux := newTestAnalysisHandler(nil, nil, persistence)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/analyses/reconcile?limit=25", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 25, gotLimit)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/analyses/reconcile?limit=-1", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAnalysisHandler_Events(t *testing.T) {
	mux := newTestAnalysisHandler(nil, nil, nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/analyses/a1/events", nil))
	assert.Equal(t, http.StatusNotImplemented, rec.Code)

	history := &mockEventHistory{events: []models.ProgressEvent{
		{AnalysisID: "a1", EventType: models.EventStageStart, StepName: models.StageExtracting},
	}}
	mux = http.NewServeMux()
	NewAnalysisHandler(&mockPipelineService{}, &mockBatchService{}, &mockPersistenceService{}, history, zap.NewNop()).RegisterRoutes(mux)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/analyses/a1/events", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Data []models.ProgressEvent `json:"data"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.Len(t, body.Data, 1)
	assert.Equal(t, models.EventStageStart, body.Data[0].EventType)
}
