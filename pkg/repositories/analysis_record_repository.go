package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ekaya-inc/ekaya-forensics/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-forensics/pkg/models"
)

// Querier is the subset of pgxpool.Pool used by repositories.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// AnalysisRecordRepository provides data access for the document store.
type AnalysisRecordRepository interface {
	// Upsert replaces the whole document keyed by record ID.
	Upsert(ctx context.Context, record *models.AnalysisRecord, tripleStoreSynced bool) error
	// Get returns nil, nil when no record has the id.
	Get(ctx context.Context, id string) (*models.AnalysisRecord, error)
	// ListUnsynced returns records whose graph write has not succeeded, oldest first.
	ListUnsynced(ctx context.Context, limit int) ([]*models.AnalysisRecord, error)
	MarkSynced(ctx context.Context, id string) error
}

type analysisRecordRepository struct {
	db Querier
}

// NewAnalysisRecordRepository creates a new AnalysisRecordRepository.
func NewAnalysisRecordRepository(db Querier) AnalysisRecordRepository {
	return &analysisRecordRepository{db: db}
}

var _ AnalysisRecordRepository = (*analysisRecordRepository)(nil)

func (r *analysisRecordRepository) Upsert(ctx context.Context, record *models.AnalysisRecord, tripleStoreSynced bool) error {
	document, err := json.Marshal(record.WithoutGraphSync())
	if err != nil {
		return fmt.Errorf("failed to marshal analysis record: %w", err)
	}

	var riskLevel *string
	if record.Classification != nil && record.Classification.RiskLevel != nil {
		s := record.Classification.RiskLevel.String()
		riskLevel = &s
	}

	var syncedAt *time.Time
	if tripleStoreSynced {
		now := time.Now()
		syncedAt = &now
	}

	query := `
		INSERT INTO forensics_analysis_records (
			id, status, risk_level, source, document, triple_store_synced, synced_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id)
		DO UPDATE SET
			status = EXCLUDED.status,
			risk_level = EXCLUDED.risk_level,
			source = EXCLUDED.source,
			document = EXCLUDED.document,
			triple_store_synced = EXCLUDED.triple_store_synced,
			synced_at = EXCLUDED.synced_at,
			updated_at = EXCLUDED.updated_at`

	_, err = r.db.Exec(ctx, query,
		record.ID, string(record.Status), riskLevel, record.Request.Source, document,
		tripleStoreSynced, syncedAt, record.CreatedAt, record.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert analysis record: %w", err)
	}

	return nil
}

func (r *analysisRecordRepository) Get(ctx context.Context, id string) (*models.AnalysisRecord, error) {
	query := `
		SELECT document, triple_store_synced, synced_at
		FROM forensics_analysis_records
		WHERE id = $1`

	var (
		document []byte
		synced   bool
		syncedAt *time.Time
	)
	err := r.db.QueryRow(ctx, query, id).Scan(&document, &synced, &syncedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get analysis record: %w", err)
	}

	return decodeRecord(document, synced, syncedAt)
}

func (r *analysisRecordRepository) ListUnsynced(ctx context.Context, limit int) ([]*models.AnalysisRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT document, synced_at
		FROM forensics_analysis_records
		WHERE triple_store_synced = FALSE
		ORDER BY updated_at, id
		LIMIT $1`

	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list unsynced analysis records: %w", err)
	}
	defer rows.Close()

	records := make([]*models.AnalysisRecord, 0)
	for rows.Next() {
		var (
			document []byte
			syncedAt *time.Time
		)
		if err := rows.Scan(&document, &syncedAt); err != nil {
			return nil, fmt.Errorf("failed to scan analysis record: %w", err)
		}
		rec, err := decodeRecord(document, false, syncedAt)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating analysis records: %w", err)
	}

	return records, nil
}

func (r *analysisRecordRepository) MarkSynced(ctx context.Context, id string) error {
	query := `
		UPDATE forensics_analysis_records
		SET triple_store_synced = TRUE, synced_at = now()
		WHERE id = $1`

	tag, err := r.db.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to mark analysis record synced: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("analysis record %s: %w", id, apperrors.ErrNotFound)
	}
	return nil
}

func decodeRecord(document []byte, synced bool, syncedAt *time.Time) (*models.AnalysisRecord, error) {
	var rec models.AnalysisRecord
	if err := json.Unmarshal(document, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode analysis record: %w", err)
	}
	rec.GraphSync = &models.GraphSyncState{NeedsReconciliation: !synced, SyncedAt: syncedAt}
	return &rec, nil
}
