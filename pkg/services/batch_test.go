package services

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-forensics/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-forensics/pkg/llm"
	"github.com/ekaya-inc/ekaya-forensics/pkg/models"
	"github.com/ekaya-inc/ekaya-forensics/pkg/workerpool"
)

type mockPipelineService struct {
	ExecuteFunc func(ctx context.Context, req models.AnalysisRequest, emit EmitFunc) (*models.AnalysisResult, error)
}

func (m *mockPipelineService) Run(ctx context.Context, req models.AnalysisRequest) (<-chan models.ProgressEvent, error) {
	return nil, fmt.Errorf("not implemented")
}

func (m *mockPipelineService) Execute(ctx context.Context, req models.AnalysisRequest, emit EmitFunc) (*models.AnalysisResult, error) {
	return m.ExecuteFunc(ctx, req, emit)
}

func batchRequests(n int) []models.AnalysisRequest {
	reqs := make([]models.AnalysisRequest, n)
	for i := range reqs {
		reqs[i] = models.AnalysisRequest{
			ID:        fmt.Sprintf("INC-%02d", i),
			Narrative: recruitmentNarrative,
		}
	}
	return reqs
}

func completedResult(req models.AnalysisRequest) *models.AnalysisResult {
	now := time.Now()
	rec := models.NewAnalysisRecord(req.ID, req, now)
	_ = rec.Complete(now)
	return &models.AnalysisResult{Record: rec, Persistence: &models.PersistOutcome{DocumentStoreOK: true, TripleStoreOK: true}}
}

func TestBatchService_ResultsInSubmissionOrder(t *testing.T) {
	pipeline := &mockPipelineService{ExecuteFunc: func(ctx context.Context, req models.AnalysisRequest, emit EmitFunc) (*models.AnalysisResult, error) {
		// Earlier items finish last.
		var n int
		fmt.Sscanf(req.ID, "INC-%d", &n)
		time.Sleep(time.Duration(6-n) * 2 * time.Millisecond)
		return completedResult(req), nil
	}}
	svc := NewBatchService(pipeline, workerpool.New(workerpool.Config{MaxConcurrent: 3}, zap.NewNop()), zap.NewNop())

	results := svc.Run(context.Background(), batchRequests(6), nil)

	require.Len(t, results, 6)
	for i, r := range results {
		assert.Equal(t, i, r.Index)
		assert.Equal(t, fmt.Sprintf("INC-%02d", i), r.AnalysisID)
		assert.True(t, r.Launched)
		require.NoError(t, r.Err)
		assert.Equal(t, r.AnalysisID, r.Result.Record.ID)
	}
	assert.Equal(t, BatchSummary{Total: 6, Completed: 6}, Summarize(results))
}

func TestBatchService_ConcurrencyBounded(t *testing.T) {
	var inFlight, peak int32
	pipeline := &mockPipelineService{ExecuteFunc: func(ctx context.Context, req models.AnalysisRequest, emit EmitFunc) (*models.AnalysisResult, error) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return completedResult(req), nil
	}}
	svc := NewBatchService(pipeline, workerpool.New(workerpool.Config{MaxConcurrent: 2}, zap.NewNop()), zap.NewNop())

	results := svc.Run(context.Background(), batchRequests(8), nil)

	assert.Len(t, results, 8)
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

func TestBatchService_InvalidRequestsNotLaunched(t *testing.T) {
	var calls int32
	pipeline := &mockPipelineService{ExecuteFunc: func(ctx context.Context, req models.AnalysisRequest, emit EmitFunc) (*models.AnalysisResult, error) {
		atomic.AddInt32(&calls, 1)
		return completedResult(req), nil
	}}
	svc := NewBatchService(pipeline, workerpool.New(workerpool.DefaultConfig(), zap.NewNop()), zap.NewNop())

	reqs := batchRequests(3)
	reqs[1].Narrative = "short"

	results := svc.Run(context.Background(), reqs, nil)

	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.False(t, results[1].Launched)
	assert.ErrorIs(t, results[1].Err, apperrors.ErrValidation)
	assert.Contains(t, results[1].Error, "narrative")
	assert.Equal(t, "INC-01", results[1].AnalysisID)
	assert.True(t, results[2].Launched)
	assert.Equal(t, BatchSummary{Total: 3, Completed: 2, Invalid: 1}, Summarize(results))
}

func TestBatchService_CancellationStopsNewLaunches(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var launched int32
	pipeline := &mockPipelineService{ExecuteFunc: func(ctx context.Context, req models.AnalysisRequest, emit EmitFunc) (*models.AnalysisResult, error) {
		atomic.AddInt32(&launched, 1)
		cancel()
		<-ctx.Done()
		return nil, apperrors.NewStageError(string(models.StageExtracting), apperrors.ErrCancelled, ctx.Err())
	}}
	svc := NewBatchService(pipeline, workerpool.New(workerpool.Config{MaxConcurrent: 1}, zap.NewNop()), zap.NewNop())

	results := svc.Run(ctx, batchRequests(4), nil)

	assert.Equal(t, int32(1), atomic.LoadInt32(&launched))
	assert.True(t, results[0].Launched)
	for _, r := range results[1:] {
		assert.False(t, r.Launched)
		assert.ErrorIs(t, r.Err, apperrors.ErrCancelled)
	}
	assert.Equal(t, 4, Summarize(results).Cancelled)
}

func TestBatchService_EventsOrderedPerIncident(t *testing.T) {
	tc := setupPipelineTest(t, llm.NewMockLLMClientWithResponses(completeDraftJSON))
	svc := NewBatchService(tc.svc, workerpool.New(workerpool.Config{MaxConcurrent: 3}, zap.NewNop()), zap.NewNop())

	var mu sync.Mutex
	byID := make(map[string][]models.ProgressEvent)
	results := svc.Run(context.Background(), batchRequests(3), func(e models.ProgressEvent) {
		mu.Lock()
		defer mu.Unlock()
		byID[e.AnalysisID] = append(byID[e.AnalysisID], e)
	})

	require.Len(t, results, 3)
	require.Len(t, byID, 3)
	for id, events := range byID {
		assertStreamShape(t, events)
		assert.Equal(t, models.EventAnalysisComplete, events[len(events)-1].EventType, "incident %s", id)
	}
	for _, r := range results {
		require.NoError(t, r.Err)
		stored, err := tc.repo.Get(context.Background(), r.AnalysisID)
		require.NoError(t, err)
		assert.NotNil(t, stored)
	}
}

func TestSummarize_CountsReconciliationAndFailures(t *testing.T) {
	req := models.AnalysisRequest{ID: "a", Narrative: recruitmentNarrative}
	partial := completedResult(req)
	partial.Persistence = &models.PersistOutcome{DocumentStoreOK: true}

	now := time.Now()
	low := models.NewAnalysisRecord("b", req, now)
	require.NoError(t, low.MarkLowConfidence("requires human review", now))

	results := []BatchItemResult{
		{Result: partial},
		{Result: &models.AnalysisResult{Record: low, Persistence: &models.PersistOutcome{DocumentStoreOK: true, TripleStoreOK: true}}},
		{Err: apperrors.NewStageError("CLASSIFYING", apperrors.ErrKnowledgeServiceUnavailable, nil)},
	}

	assert.Equal(t, BatchSummary{
		Total:               3,
		Completed:           1,
		LowConfidence:       1,
		Failed:              1,
		NeedsReconciliation: 1,
	}, Summarize(results))
}
