package services

import (
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-forensics/pkg/catalog"
	"github.com/ekaya-inc/ekaya-forensics/pkg/models"
)

// EvidenceRule reports whether a draft evidences a requirement.
type EvidenceRule func(d *models.ExtractedDraft) bool

// evidenceRules are the predicates catalog entries refer to by name.
var evidenceRules = map[string]EvidenceRule{
	"ai_literacy": func(d *models.ExtractedDraft) bool {
		return len(d.Evidence.QualityManagement) > 0 || len(d.Evidence.HumanOversight) > 0
	},
	// A prohibited practice cannot be remedied by evidence.
	"prohibited_practice":     func(*models.ExtractedDraft) bool { return false },
	"risk_management":         evidenceField(func(e models.EvidenceFacts) []string { return e.RiskManagement }),
	"data_governance":         evidenceField(func(e models.EvidenceFacts) []string { return e.DataGovernance }),
	"technical_documentation": evidenceField(func(e models.EvidenceFacts) []string { return e.TechnicalDocumentation }),
	"record_keeping": func(d *models.ExtractedDraft) bool {
		return len(d.Evidence.RecordKeeping) > 0 || datedTimelineEntries(d) >= 2
	},
	"transparency":        evidenceField(func(e models.EvidenceFacts) []string { return e.Transparency }),
	"human_oversight":     evidenceField(func(e models.EvidenceFacts) []string { return e.HumanOversight }),
	"accuracy_robustness": evidenceField(func(e models.EvidenceFacts) []string { return e.AccuracyRobustness }),
	"quality_management":  evidenceField(func(e models.EvidenceFacts) []string { return e.QualityManagement }),
	"deployer_obligations": func(d *models.ExtractedDraft) bool {
		return len(d.Evidence.HumanOversight) > 0 || len(d.Evidence.PostMarketMonitoring) > 0
	},
	"impact_assessment":      evidenceField(func(e models.EvidenceFacts) []string { return e.ImpactAssessment }),
	"post_market_monitoring": evidenceField(func(e models.EvidenceFacts) []string { return e.PostMarketMonitoring }),
	"incident_reporting":     evidenceField(func(e models.EvidenceFacts) []string { return e.IncidentReporting }),
}

func evidenceField(get func(models.EvidenceFacts) []string) EvidenceRule {
	return func(d *models.ExtractedDraft) bool {
		return len(get(d.Evidence)) > 0
	}
}

func datedTimelineEntries(d *models.ExtractedDraft) int {
	n := 0
	for _, e := range d.Incident.Timeline {
		if !models.IsPlaceholder(e.Date) && !models.IsPlaceholder(e.Event) {
			n++
		}
	}
	return n
}

// HasEvidenceRule reports whether name is a registered rule.
func HasEvidenceRule(name string) bool {
	_, ok := evidenceRules[name]
	return ok
}

// GapAnalysisService scores requirements against the evidence in a draft.
type GapAnalysisService interface {
	Analyze(requirements []string, draft *models.ExtractedDraft) *models.GapReport
}

type gapAnalysisService struct {
	catalog *catalog.Catalog
	logger  *zap.Logger
}

// NewGapAnalysisService creates a gap analyzer over the requirement catalog.
func NewGapAnalysisService(c *catalog.Catalog, logger *zap.Logger) GapAnalysisService {
	return &gapAnalysisService{
		catalog: c,
		logger:  logger.Named("gap-analysis"),
	}
}

var _ GapAnalysisService = (*gapAnalysisService)(nil)

func (s *gapAnalysisService) Analyze(requirements []string, draft *models.ExtractedDraft) *models.GapReport {
	report := &models.GapReport{Gaps: []models.ComplianceGap{}, Total: len(requirements)}

	for _, id := range requirements {
		req, ok := s.catalog.Requirement(id)
		if !ok {
			report.Gaps = append(report.Gaps, models.ComplianceGap{
				RequirementID: id,
				Severity:      models.GapMajor,
				Reason:        "no evidence rule",
			})
			continue
		}

		rule, ok := evidenceRules[req.Rule]
		if !ok {
			report.Gaps = append(report.Gaps, models.ComplianceGap{
				RequirementID: id,
				Title:         req.Title,
				Severity:      models.GapMajor,
				Reason:        "no evidence rule",
			})
			continue
		}
		if rule(draft) {
			continue
		}

		report.Gaps = append(report.Gaps, models.ComplianceGap{
			RequirementID: id,
			Title:         req.Title,
			Severity:      req.Importance.GapSeverity(),
			Reason:        "no evidence of " + req.Title + " (" + req.Article + ") in the narrative",
		})
	}

	report.Missing = len(report.Gaps)
	report.ComplianceRatio = ComplianceRatio(report.Total, report.Missing)

	s.logger.Debug("Gap analysis complete",
		zap.Int("total", report.Total),
		zap.Int("missing", report.Missing),
		zap.Float64("ratio", report.ComplianceRatio))

	return report
}

// ComplianceRatio is (total-missing)/total, or 1 when nothing is required.
func ComplianceRatio(total, missing int) float64 {
	if total <= 0 {
		return 1.0
	}
	return float64(total-missing) / float64(total)
}
