package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-forensics/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-forensics/pkg/logging"
	"github.com/ekaya-inc/ekaya-forensics/pkg/models"
	"github.com/ekaya-inc/ekaya-forensics/pkg/repositories"
	"github.com/ekaya-inc/ekaya-forensics/pkg/retry"
	"github.com/ekaya-inc/ekaya-forensics/pkg/sparql"
	"github.com/ekaya-inc/ekaya-forensics/pkg/triplestore"
)

// ErrTripleStoreDisabled is reported when no SPARQL update endpoint is configured.
var ErrTripleStoreDisabled = errors.New("triple store not configured")

// PersistenceService writes finished records to the document store and the triple store.
type PersistenceService interface {
	// Persist attempts both writes independently. Failures are reported in the
	// outcome; Persist itself never fails the analysis.
	Persist(ctx context.Context, record *models.AnalysisRecord) models.PersistOutcome
	// Reconcile rewrites the graphs of records whose triple store write failed.
	Reconcile(ctx context.Context, limit int) (*ReconcileResult, error)
	// Get reads a stored record; nil, nil when absent.
	Get(ctx context.Context, id string) (*models.AnalysisRecord, error)
}

// ReconcileResult summarises one reconciliation pass.
type ReconcileResult struct {
	Scanned   int      `json:"scanned"`
	Synced    int      `json:"synced"`
	FailedIDs []string `json:"failed_ids"`
}

// WriteConfig bounds one backend write.
type WriteConfig struct {
	Timeout time.Duration // per attempt
	Retry   *retry.Config
}

// PersistenceConfig configures both writes.
type PersistenceConfig struct {
	Document WriteConfig
	Triple   WriteConfig
}

// DefaultPersistenceConfig returns the persistence defaults.
func DefaultPersistenceConfig() PersistenceConfig {
	return PersistenceConfig{
		Document: WriteConfig{
			Timeout: 10 * time.Second,
			Retry: &retry.Config{
				MaxRetries:   3,
				InitialDelay: 200 * time.Millisecond,
				MaxDelay:     2 * time.Second,
				Multiplier:   2.0,
				JitterFactor: 0.1,
			},
		},
		Triple: WriteConfig{
			Timeout: 20 * time.Second,
			Retry: &retry.Config{
				MaxRetries:       3,
				InitialDelay:     500 * time.Millisecond,
				MaxDelay:         5 * time.Second,
				Multiplier:       2.0,
				JitterFactor:     0.1,
				MaxSameErrorType: 3,
			},
		},
	}
}

type persistenceService struct {
	records repositories.AnalysisRecordRepository
	graphs  triplestore.GraphWriter
	config  PersistenceConfig
	logger  *zap.Logger
}

// NewPersistenceService creates a persistence coordinator. graphs may be nil,
// in which case every triple store write is reported as failed and left for
// reconciliation once an endpoint is configured.
func NewPersistenceService(
	records repositories.AnalysisRecordRepository,
	graphs triplestore.GraphWriter,
	config PersistenceConfig,
	logger *zap.Logger,
) PersistenceService {
	defaults := DefaultPersistenceConfig()
	if config.Document.Timeout <= 0 {
		config.Document.Timeout = defaults.Document.Timeout
	}
	if config.Document.Retry == nil {
		config.Document.Retry = defaults.Document.Retry
	}
	if config.Triple.Timeout <= 0 {
		config.Triple.Timeout = defaults.Triple.Timeout
	}
	if config.Triple.Retry == nil {
		config.Triple.Retry = defaults.Triple.Retry
	}
	config.Triple.Retry = config.Triple.Retry.WithRetryable(func(err error) bool {
		return sparql.IsUnavailable(err) || retry.IsRetryable(err)
	})

	return &persistenceService{
		records: records,
		graphs:  graphs,
		config:  config,
		logger:  logger.Named("persistence"),
	}
}

var _ PersistenceService = (*persistenceService)(nil)

func (s *persistenceService) Persist(ctx context.Context, record *models.AnalysisRecord) models.PersistOutcome {
	var outcome models.PersistOutcome

	if err := s.writeGraph(ctx, record); err != nil {
		outcome.TripleStoreError = logging.SanitizeError(err)
		s.logger.Warn("Triple store write failed; record left for reconciliation",
			zap.String("analysis_id", record.ID),
			zap.String("error", outcome.TripleStoreError))
	} else {
		outcome.TripleStoreOK = true
	}

	if err := s.writeDocument(ctx, record, outcome.TripleStoreOK); err != nil {
		outcome.DocumentStoreError = logging.SanitizeError(err)
		s.logger.Error("Document store write failed",
			zap.String("analysis_id", record.ID),
			zap.String("error", outcome.DocumentStoreError))
	} else {
		outcome.DocumentStoreOK = true
	}

	s.logger.Info("Persisted analysis record",
		zap.String("analysis_id", record.ID),
		zap.String("status", string(record.Status)),
		zap.Bool("document_store_ok", outcome.DocumentStoreOK),
		zap.Bool("triple_store_ok", outcome.TripleStoreOK))
	return outcome
}

func (s *persistenceService) writeGraph(ctx context.Context, record *models.AnalysisRecord) error {
	if s.graphs == nil {
		return ErrTripleStoreDisabled
	}
	return s.withRetry(ctx, s.config.Triple, func(attemptCtx context.Context) error {
		return s.graphs.WriteRecord(attemptCtx, record)
	})
}

func (s *persistenceService) writeDocument(ctx context.Context, record *models.AnalysisRecord, synced bool) error {
	return s.withRetry(ctx, s.config.Document, func(attemptCtx context.Context) error {
		return s.records.Upsert(attemptCtx, record, synced)
	})
}

// withRetry runs write under cfg, giving every attempt its own timeout.
func (s *persistenceService) withRetry(ctx context.Context, cfg WriteConfig, write func(context.Context) error) error {
	err := retry.DoIfRetryable(ctx, cfg.Retry, func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
		return write(attemptCtx)
	})
	if err != nil {
		return fmt.Errorf("%w: %w", apperrors.ErrPersistence, err)
	}
	return nil
}

func (s *persistenceService) Reconcile(ctx context.Context, limit int) (*ReconcileResult, error) {
	if s.graphs == nil {
		return nil, ErrTripleStoreDisabled
	}

	pending, err := s.records.ListUnsynced(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list unsynced records: %w", err)
	}

	result := &ReconcileResult{Scanned: len(pending), FailedIDs: []string{}}
	for _, record := range pending {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		if err := s.writeGraph(ctx, record); err != nil {
			s.logger.Warn("Reconciliation write failed",
				zap.String("analysis_id", record.ID),
				zap.String("error", logging.SanitizeError(err)))
			result.FailedIDs = append(result.FailedIDs, record.ID)
			continue
		}
		if err := s.records.MarkSynced(ctx, record.ID); err != nil {
			s.logger.Warn("Failed to mark record synced",
				zap.String("analysis_id", record.ID),
				zap.Error(err))
			result.FailedIDs = append(result.FailedIDs, record.ID)
			continue
		}
		result.Synced++
	}

	s.logger.Info("Reconciliation pass finished",
		zap.Int("scanned", result.Scanned),
		zap.Int("synced", result.Synced),
		zap.Int("failed", len(result.FailedIDs)))
	return result, nil
}

func (s *persistenceService) Get(ctx context.Context, id string) (*models.AnalysisRecord, error) {
	record, err := s.records.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get analysis record: %w", err)
	}
	return record, nil
}
