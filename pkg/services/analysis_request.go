package services

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/ekaya-inc/ekaya-forensics/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-forensics/pkg/models"
)

const (
	MinNarrativeRunes = 20
	MaxNarrativeRunes = 100_000
	MaxSourceLength   = 128
	DefaultSource     = "manual"
)

var analysisIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

var blankLineRuns = regexp.MustCompile(`\n[ \t]*(\n[ \t]*)+\n`)

// NormalizeRequest validates req and returns the shaped copy the pipeline owns.
// A missing ID is replaced by a fresh UUID.
func NormalizeRequest(req models.AnalysisRequest) (models.AnalysisRequest, error) {
	out := req.Clone()

	out.ID = strings.TrimSpace(out.ID)
	if out.ID == "" {
		out.ID = uuid.New().String()
	} else if !analysisIDPattern.MatchString(out.ID) {
		return models.AnalysisRequest{}, apperrors.NewValidationError("id",
			"must be 1-128 characters of letters, digits, '.', '_', ':' or '-'")
	}

	out.Narrative = normalizeNarrative(out.Narrative)
	n := utf8.RuneCountInString(out.Narrative)
	switch {
	case n == 0:
		return models.AnalysisRequest{}, apperrors.NewValidationError("narrative", "is required")
	case n < MinNarrativeRunes:
		return models.AnalysisRequest{}, apperrors.NewValidationError("narrative",
			"must be at least %d characters", MinNarrativeRunes)
	case n > MaxNarrativeRunes:
		return models.AnalysisRequest{}, apperrors.NewValidationError("narrative",
			"must be at most %d characters", MaxNarrativeRunes)
	}

	out.Source = strings.TrimSpace(out.Source)
	if out.Source == "" {
		out.Source = DefaultSource
	}
	if len(out.Source) > MaxSourceLength {
		return models.AnalysisRequest{}, apperrors.NewValidationError("source",
			"must be at most %d characters", MaxSourceLength)
	}

	if out.Options.AgentMode == "" {
		out.Options.AgentMode = models.AgentModeStandard
	}
	if !out.Options.AgentMode.IsValid() {
		return models.AnalysisRequest{}, apperrors.NewValidationError("options.agent_mode",
			"unknown mode %q", out.Options.AgentMode)
	}

	for k := range out.Metadata {
		if strings.TrimSpace(k) == "" {
			return models.AnalysisRequest{}, apperrors.NewValidationError("metadata", "keys must not be empty")
		}
	}

	return out, nil
}

func normalizeNarrative(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = blankLineRuns.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
