//go:build integration

package repositories

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ekaya-forensics/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-forensics/pkg/models"
	"github.com/ekaya-inc/ekaya-forensics/pkg/testhelpers"
)

// analysisRecordTestContext holds test dependencies for analysis record repository tests.
type analysisRecordTestContext struct {
	t       *testing.T
	storeDB *testhelpers.StoreDB
	repo    AnalysisRecordRepository
}

func setupAnalysisRecordTest(t *testing.T) *analysisRecordTestContext {
	storeDB := testhelpers.GetStoreDB(t)
	testhelpers.TruncateAnalysisRecords(t, storeDB)
	return &analysisRecordTestContext{
		t:       t,
		storeDB: storeDB,
		repo:    NewAnalysisRecordRepository(storeDB.DB.Pool),
	}
}

func (tc *analysisRecordTestContext) completedRecord(id string, risk models.RiskLevel) *models.AnalysisRecord {
	tc.t.Helper()
	now := time.Now().UTC().Truncate(time.Millisecond)
	rec := models.NewAnalysisRecord(id, models.AnalysisRequest{
		Narrative: "A chatbot gave dangerous dosage advice to a patient.",
		Source:    "hotline",
	}, now)
	require.NoError(tc.t, rec.SetClassification(&models.ClassificationResult{
		Scope:           models.ScopeInScope,
		RiskLevel:       &risk,
		MatchedPurposes: []string{"medical_triage"},
		Requirements:    []string{"EUAI-ART9"},
	}, now))
	require.NoError(tc.t, rec.Complete(now))
	return rec
}

func (tc *analysisRecordTestContext) syncFlag(id string) bool {
	tc.t.Helper()
	var synced bool
	err := tc.storeDB.DB.Pool.QueryRow(context.Background(),
		"SELECT triple_store_synced FROM forensics_analysis_records WHERE id = $1", id).Scan(&synced)
	require.NoError(tc.t, err)
	return synced
}

func TestAnalysisRecordRepository_UpsertAndGet(t *testing.T) {
	tc := setupAnalysisRecordTest(t)
	ctx := context.Background()

	rec := tc.completedRecord("repo-get-1", models.RiskHigh)
	require.NoError(t, tc.repo.Upsert(ctx, rec, true))

	got, err := tc.repo.Get(ctx, "repo-get-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, models.AnalysisStatusCompleted, got.Status)
	assert.Equal(t, "hotline", got.Request.Source)
	require.NotNil(t, got.Classification)
	assert.Equal(t, models.RiskHigh, got.Classification.Risk())
	assert.True(t, tc.syncFlag("repo-get-1"))
	require.NotNil(t, got.GraphSync)
	assert.False(t, got.GraphSync.NeedsReconciliation)
	assert.NotNil(t, got.GraphSync.SyncedAt)

	var stored map[string]any
	err = tc.storeDB.DB.Pool.QueryRow(ctx,
		"SELECT document FROM forensics_analysis_records WHERE id = $1", "repo-get-1").Scan(&stored)
	require.NoError(t, err)
	assert.NotContains(t, stored, "graph_sync", "sync state lives in columns, not in the document")

	var riskLevel string
	err = tc.storeDB.DB.Pool.QueryRow(ctx,
		"SELECT risk_level FROM forensics_analysis_records WHERE id = $1", "repo-get-1").Scan(&riskLevel)
	require.NoError(t, err)
	assert.Equal(t, "HighRisk", riskLevel)
}

func TestAnalysisRecordRepository_GetMissingReturnsNil(t *testing.T) {
	tc := setupAnalysisRecordTest(t)

	got, err := tc.repo.Get(context.Background(), "does-not-exist")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestAnalysisRecordRepository_UpsertReplacesDocument(t *testing.T) {
	tc := setupAnalysisRecordTest(t)
	ctx := context.Background()

	require.NoError(t, tc.repo.Upsert(ctx, tc.completedRecord("repo-replace", models.RiskLimited), true))
	require.NoError(t, tc.repo.Upsert(ctx, tc.completedRecord("repo-replace", models.RiskHigh), false))

	var count int
	err := tc.storeDB.DB.Pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM forensics_analysis_records WHERE id = $1", "repo-replace").Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 1, count, "re-analysis with the same id must not create a second row")

	got, err := tc.repo.Get(ctx, "repo-replace")
	require.NoError(t, err)
	assert.Equal(t, models.RiskHigh, got.Classification.Risk())
	assert.False(t, tc.syncFlag("repo-replace"))
	require.NotNil(t, got.GraphSync)
	assert.True(t, got.GraphSync.NeedsReconciliation)
	assert.Nil(t, got.GraphSync.SyncedAt)
}

func TestAnalysisRecordRepository_ListUnsyncedAndMarkSynced(t *testing.T) {
	tc := setupAnalysisRecordTest(t)
	ctx := context.Background()

	require.NoError(t, tc.repo.Upsert(ctx, tc.completedRecord("repo-synced", models.RiskHigh), true))
	require.NoError(t, tc.repo.Upsert(ctx, tc.completedRecord("repo-pending-a", models.RiskHigh), false))
	require.NoError(t, tc.repo.Upsert(ctx, tc.completedRecord("repo-pending-b", models.RiskHigh), false))

	unsynced, err := tc.repo.ListUnsynced(ctx, 10)
	require.NoError(t, err)
	ids := make([]string, 0, len(unsynced))
	for _, r := range unsynced {
		ids = append(ids, r.ID)
	}
	assert.ElementsMatch(t, []string{"repo-pending-a", "repo-pending-b"}, ids)

	limited, err := tc.repo.ListUnsynced(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	for _, r := range unsynced {
		require.NotNil(t, r.GraphSync)
		assert.True(t, r.GraphSync.NeedsReconciliation)
	}

	require.NoError(t, tc.repo.MarkSynced(ctx, "repo-pending-a"))
	assert.True(t, tc.syncFlag("repo-pending-a"))
	got, err := tc.repo.Get(ctx, "repo-pending-a")
	require.NoError(t, err)
	assert.False(t, got.GraphSync.NeedsReconciliation)

	unsynced, err = tc.repo.ListUnsynced(ctx, 10)
	require.NoError(t, err)
	require.Len(t, unsynced, 1)
	assert.Equal(t, "repo-pending-b", unsynced[0].ID)
}

func TestAnalysisRecordRepository_MarkSyncedMissing(t *testing.T) {
	tc := setupAnalysisRecordTest(t)

	err := tc.repo.MarkSynced(context.Background(), "never-written")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))
}
