package services

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-forensics/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-forensics/pkg/models"
	"github.com/ekaya-inc/ekaya-forensics/pkg/workerpool"
)

// BatchItemResult is the outcome of one incident in a batch, at the index it
// was submitted.
type BatchItemResult struct {
	Index      int                    `json:"index"`
	AnalysisID string                 `json:"analysis_id,omitempty"`
	Result     *models.AnalysisResult `json:"result,omitempty"`
	Err        error                  `json:"-"`
	Error      string                 `json:"error,omitempty"`
	// Launched is false for items rejected by validation or never started
	// because the batch was cancelled.
	Launched bool `json:"launched"`
}

// BatchSummary counts batch outcomes by terminal status.
type BatchSummary struct {
	Total               int `json:"total"`
	Completed           int `json:"completed"`
	LowConfidence       int `json:"low_confidence"`
	Failed              int `json:"failed"`
	Cancelled           int `json:"cancelled"`
	Invalid             int `json:"invalid"`
	NeedsReconciliation int `json:"needs_reconciliation"`
}

// BatchService analyses many incidents with bounded concurrency.
type BatchService interface {
	// Run analyses every request and returns results in submission order.
	// onEvent may be nil; calls to it are serialized, and the events of one
	// incident arrive in order. Cancelling ctx stops new instances from
	// starting and cancels the in-flight ones.
	Run(ctx context.Context, requests []models.AnalysisRequest, onEvent EmitFunc) []BatchItemResult
}

type batchService struct {
	pipeline PipelineService
	pool     *workerpool.Pool
	logger   *zap.Logger
}

// NewBatchService creates a batch runner over pipeline.
func NewBatchService(pipeline PipelineService, pool *workerpool.Pool, logger *zap.Logger) BatchService {
	return &batchService{
		pipeline: pipeline,
		pool:     pool,
		logger:   logger.Named("batch"),
	}
}

var _ BatchService = (*batchService)(nil)

func (s *batchService) Run(ctx context.Context, requests []models.AnalysisRequest, onEvent EmitFunc) []BatchItemResult {
	results := make([]BatchItemResult, len(requests))

	var mu sync.Mutex
	emit := func(e models.ProgressEvent) {
		if onEvent == nil {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		onEvent(e)
	}

	// Invalid requests are reported without occupying a worker.
	items := make([]workerpool.WorkItem[*models.AnalysisResult], 0, len(requests))
	positions := make([]int, 0, len(requests))
	for i, req := range requests {
		normalized, err := NormalizeRequest(req)
		if err != nil {
			results[i] = BatchItemResult{Index: i, AnalysisID: req.ID, Err: err, Error: err.Error()}
			continue
		}
		results[i] = BatchItemResult{Index: i, AnalysisID: normalized.ID}
		items = append(items, workerpool.WorkItem[*models.AnalysisResult]{
			ID: normalized.ID,
			Execute: func(ctx context.Context) (*models.AnalysisResult, error) {
				return s.pipeline.Execute(ctx, normalized, emit)
			},
		})
		positions = append(positions, i)
	}

	s.logger.Info("Starting batch",
		zap.Int("requests", len(requests)),
		zap.Int("valid", len(items)),
		zap.Int("max_concurrent", s.pool.MaxConcurrent()))

	onProgress := func(completed, total int) {
		s.logger.Debug("Batch progress", zap.Int("completed", completed), zap.Int("total", total))
	}
	for k, r := range workerpool.Process(ctx, s.pool, items, onProgress) {
		i := positions[k]
		results[i].Result = r.Result
		results[i].Launched = r.Launched
		if r.Err != nil {
			err := r.Err
			if !r.Launched && errors.Is(err, context.Canceled) {
				err = errors.Join(apperrors.ErrCancelled, err)
			}
			results[i].Err = err
			results[i].Error = err.Error()
		}
	}

	summary := Summarize(results)
	s.logger.Info("Batch finished",
		zap.Int("completed", summary.Completed),
		zap.Int("low_confidence", summary.LowConfidence),
		zap.Int("failed", summary.Failed),
		zap.Int("cancelled", summary.Cancelled),
		zap.Int("needs_reconciliation", summary.NeedsReconciliation))
	return results
}

// Summarize counts results by outcome.
func Summarize(results []BatchItemResult) BatchSummary {
	summary := BatchSummary{Total: len(results)}
	for _, r := range results {
		switch {
		case errors.Is(r.Err, apperrors.ErrValidation):
			summary.Invalid++
		case errors.Is(r.Err, apperrors.ErrCancelled), errors.Is(r.Err, context.Canceled):
			summary.Cancelled++
		case r.Err != nil:
			summary.Failed++
		case r.Result != nil && r.Result.Record.Status == models.AnalysisStatusLowConfidence:
			summary.LowConfidence++
		case r.Result != nil:
			summary.Completed++
		}
		if r.Err == nil && r.Result != nil && r.Result.Persistence != nil &&
			r.Result.Persistence.NeedsReconciliation() {
			summary.NeedsReconciliation++
		}
	}
	return summary
}
