package services

import (
	"strings"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-forensics/pkg/catalog"
	"github.com/ekaya-inc/ekaya-forensics/pkg/matcher"
	"github.com/ekaya-inc/ekaya-forensics/pkg/models"
)

// NotificationDeadlineDays is the reporting window for a serious incident.
const NotificationDeadlineDays = 15

// SeriousIncidentService triages whether an incident must be notified.
type SeriousIncidentService interface {
	// Classify picks at most one category. Callers skip it when the
	// classification is OutOfScope.
	Classify(draft *models.ExtractedDraft, classification *models.ClassificationResult, narrative string) *models.SeriousIncidentRecord
}

type seriousIncidentService struct {
	matchers map[models.SeriousIncidentCategory]matcher.Matcher
	logger   *zap.Logger
}

// NewSeriousIncidentService builds one weighted keyword matcher per category.
func NewSeriousIncidentService(vocab catalog.Vocabularies, logger *zap.Logger) SeriousIncidentService {
	matchers := make(map[models.SeriousIncidentCategory]matcher.Matcher, len(vocab.SeriousIncident))
	for category, indicators := range vocab.SeriousIncident {
		terms := make([]matcher.Term, len(indicators))
		for i, ind := range indicators {
			terms[i] = matcher.Term{Value: ind.Term, Weight: ind.Weight}
		}
		matchers[category] = matcher.NewKeywordMatcher(terms)
	}
	return &seriousIncidentService{
		matchers: matchers,
		logger:   logger.Named("serious-incident"),
	}
}

var _ SeriousIncidentService = (*seriousIncidentService)(nil)

func (s *seriousIncidentService) Classify(draft *models.ExtractedDraft, classification *models.ClassificationResult, narrative string) *models.SeriousIncidentRecord {
	input := matcher.Input{Text: incidentText(draft, narrative), Tags: draft.ContextTags}

	record := &models.SeriousIncidentRecord{Indicators: []string{}}
	bestScore := 0
	// Categories are visited in precedence order so a tie keeps the earlier one.
	for _, category := range models.SeriousIncidentCategories {
		m, ok := s.matchers[category]
		if !ok {
			continue
		}
		matches := m.Match(input)
		score := matcher.Score(matches)
		if score > bestScore {
			bestScore = score
			c := category
			record.Category = &c
			record.Indicators = matcher.Indicators(matches)
		}
	}

	if record.Category != nil && classification.Risk().AtLeast(models.RiskHigh) {
		record.MandatoryNotification = true
		record.NotificationDeadlineDays = NotificationDeadlineDays
	}

	if record.Category != nil {
		s.logger.Info("Serious incident category matched",
			zap.String("category", string(*record.Category)),
			zap.Int("score", bestScore),
			zap.Bool("notify", record.MandatoryNotification))
	}
	return record
}

func incidentText(d *models.ExtractedDraft, narrative string) string {
	parts := []string{narrative, d.Incident.Type, d.Incident.Severity, d.Incident.Description}
	parts = append(parts, d.Incident.AffectedPopulations...)
	for _, e := range d.Incident.Timeline {
		parts = append(parts, e.Event)
	}
	return strings.Join(parts, "\n")
}
