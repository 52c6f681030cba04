package services

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-forensics/pkg/catalog"
	"github.com/ekaya-inc/ekaya-forensics/pkg/models"
)

// EvidencePlanService turns gaps into an evidence collection plan.
type EvidencePlanService interface {
	Generate(gaps *models.GapReport) *models.EvidencePlan
}

type evidencePlanService struct {
	catalog *catalog.Catalog
	logger  *zap.Logger
}

// NewEvidencePlanService creates an evidence plan generator over the catalog templates.
func NewEvidencePlanService(c *catalog.Catalog, logger *zap.Logger) EvidencePlanService {
	return &evidencePlanService{
		catalog: c,
		logger:  logger.Named("evidence-plan"),
	}
}

var _ EvidencePlanService = (*evidencePlanService)(nil)

// SeverityPriority maps a gap severity to the default item priority.
func SeverityPriority(s models.GapSeverity) string {
	switch s {
	case models.GapCritical:
		return "P1"
	case models.GapMajor:
		return "P2"
	default:
		return "P3"
	}
}

func (s *evidencePlanService) Generate(gaps *models.GapReport) *models.EvidencePlan {
	plan := &models.EvidencePlan{Entries: []models.EvidencePlanEntry{}}
	if gaps == nil {
		return plan
	}

	for _, gap := range gaps.Gaps {
		if gap.Present {
			continue
		}
		template, ok := s.catalog.EvidenceTemplate(gap.RequirementID)
		if !ok || len(template) == 0 {
			s.logger.Debug("No evidence template", zap.String("requirement_id", gap.RequirementID))
			continue
		}

		entry := models.EvidencePlanEntry{
			RequirementID: gap.RequirementID,
			Severity:      gap.Severity,
			Items:         make([]models.EvidenceItem, 0, len(template)),
		}
		for i, t := range template {
			priority := t.Priority
			if priority == "" {
				priority = SeverityPriority(gap.Severity)
			}
			entry.Items = append(entry.Items, models.EvidenceItem{
				ID:              fmt.Sprintf("%s-EV-%02d", gap.RequirementID, i+1),
				Name:            t.Name,
				Description:     t.Description,
				Type:            t.Type,
				Priority:        priority,
				Cadence:         t.Cadence,
				ResponsibleRole: t.ResponsibleRole,
				LinkedMeasureID: t.LinkedMeasureID,
			})
		}
		plan.Entries = append(plan.Entries, entry)
	}
	return plan
}
