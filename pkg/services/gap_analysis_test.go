package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-forensics/pkg/catalog"
	"github.com/ekaya-inc/ekaya-forensics/pkg/models"
)

func TestGapAnalysis_OneFoundationalTwoStandardMissing(t *testing.T) {
	svc := NewGapAnalysisService(catalog.MustLoadEmbedded(), zap.NewNop())

	requirements := []string{
		"EUAI-ART9", "EUAI-ART10", "EUAI-ART11", "EUAI-ART12", "EUAI-ART13",
		"EUAI-ART14", "EUAI-ART15", "EUAI-ART17", "EUAI-ART26", "EUAI-ART72",
	}
	draft := &models.ExtractedDraft{Evidence: models.EvidenceFacts{
		RiskManagement:         []string{"annual risk assessment"},
		DataGovernance:         []string{"datasheet for training data"},
		HumanOversight:         []string{"recruiters approve every rejection"},
		AccuracyRobustness:     []string{"quarterly accuracy testing"},
		QualityManagement:      []string{"ISO 9001 QMS"},
		PostMarketMonitoring:   []string{"monthly drift review"},
	}}
	// ART11 (foundational), ART12 and ART13 (standard) have no evidence.

	report := svc.Analyze(requirements, draft)

	assert.Equal(t, 10, report.Total)
	assert.Equal(t, 3, report.Missing)
	assert.InDelta(t, 0.7, report.ComplianceRatio, 1e-9)

	bySeverity := map[models.GapSeverity][]string{}
	for _, g := range report.Gaps {
		assert.False(t, g.Present)
		bySeverity[g.Severity] = append(bySeverity[g.Severity], g.RequirementID)
	}
	assert.Equal(t, []string{"EUAI-ART11"}, bySeverity[models.GapCritical])
	assert.Equal(t, []string{"EUAI-ART12", "EUAI-ART13"}, bySeverity[models.GapMajor])
}

func TestGapAnalysis_RecordKeepingFromDatedTimeline(t *testing.T) {
	svc := NewGapAnalysisService(catalog.MustLoadEmbedded(), zap.NewNop())
	draft := &models.ExtractedDraft{Incident: models.IncidentFacts{Timeline: []models.TimelineEntry{
		{Date: "2024-01-02", Event: "model deployed"},
		{Date: "2024-02-10", Event: "first complaint"},
	}}}

	report := svc.Analyze([]string{"EUAI-ART12"}, draft)
	assert.Equal(t, 0, report.Missing)
	assert.Equal(t, 1.0, report.ComplianceRatio)
	assert.Empty(t, report.Gaps)
}

func TestGapAnalysis_UnknownRequirementAndAdvisory(t *testing.T) {
	svc := NewGapAnalysisService(catalog.MustLoadEmbedded(), zap.NewNop())

	report := svc.Analyze([]string{"EUAI-ART999", "EUAI-ART95", "EUAI-ART5"}, &models.ExtractedDraft{})
	require.Len(t, report.Gaps, 3)

	assert.Equal(t, models.GapMajor, report.Gaps[0].Severity)
	assert.Equal(t, "no evidence rule", report.Gaps[0].Reason)
	assert.Equal(t, models.GapMinor, report.Gaps[1].Severity)
	assert.Equal(t, models.GapCritical, report.Gaps[2].Severity)
	assert.Equal(t, 0.0, report.ComplianceRatio)
}

func TestGapAnalysis_NoRequirements(t *testing.T) {
	report := NewGapAnalysisService(catalog.MustLoadEmbedded(), zap.NewNop()).Analyze(nil, &models.ExtractedDraft{})
	assert.Equal(t, 1.0, report.ComplianceRatio)
	assert.Equal(t, 0, report.Total)
}

func TestComplianceRatio_MonotonicInMissing(t *testing.T) {
	for total := 1; total <= 12; total++ {
		prev := -1.0
		for missing := total; missing >= 0; missing-- {
			r := ComplianceRatio(total, missing)
			assert.GreaterOrEqual(t, r, prev)
			assert.GreaterOrEqual(t, r, 0.0)
			assert.LessOrEqual(t, r, 1.0)
			prev = r
		}
		assert.Equal(t, 1.0, ComplianceRatio(total, 0))
	}
}

func TestEvidenceRules_CoverCatalog(t *testing.T) {
	c := catalog.MustLoadEmbedded()
	for _, id := range c.RequirementIDs() {
		req, _ := c.Requirement(id)
		assert.True(t, HasEvidenceRule(req.Rule), "requirement %s uses unregistered rule %q", id, req.Rule)
	}
}
