// Package knowledge queries the regulatory knowledge service that holds the
// AI Act ontology: purpose profiles and the requirements mandated per risk tier.
package knowledge

import (
	"context"
	"regexp"
	"strings"

	"github.com/ekaya-inc/ekaya-forensics/pkg/models"
)

// Query names reported in query_exchange events.
const (
	QueryPurposeProfiles     = "purpose_profiles"
	QueryRequirementsForRisk = "requirements_for_risk"
)

// PurposeProfile is what the knowledge base says about one purpose.
// Empty basis strings mean the property does not hold.
type PurposeProfile struct {
	PurposeID         string   `json:"purpose_id"`
	Label             string   `json:"label"`
	MatchedCandidate  string   `json:"matched_candidate"`
	ExclusionBasis    string   `json:"exclusion_basis,omitempty"`
	ProhibitedBasis   string   `json:"prohibited_basis,omitempty"`
	HighRiskBasis     string   `json:"high_risk_basis,omitempty"`
	TransparencyBasis string   `json:"transparency_basis,omitempty"`
	Criteria          []string `json:"criteria,omitempty"`
	Requirements      []string `json:"requirements,omitempty"`
}

// Excluded reports whether the purpose falls under a scope exclusion.
func (p PurposeProfile) Excluded() bool {
	return p.ExclusionBasis != ""
}

// BaseRisk is the tier the purpose implies on its own.
func (p PurposeProfile) BaseRisk() models.RiskLevel {
	switch {
	case p.ProhibitedBasis != "":
		return models.RiskUnacceptable
	case p.HighRiskBasis != "":
		return models.RiskHigh
	case p.TransparencyBasis != "":
		return models.RiskLimited
	default:
		return models.RiskMinimal
	}
}

// QueryInfo describes one executed query for auditing.
type QueryInfo struct {
	Name  string
	Query string
	Rows  int
}

// Service is the knowledge service contract used by classification.
// Implementations wrap apperrors.ErrKnowledgeServiceUnavailable when the
// service cannot answer.
type Service interface {
	PurposeProfiles(ctx context.Context, candidates []string) ([]PurposeProfile, QueryInfo, error)
	RequirementsForRisk(ctx context.Context, level models.RiskLevel) ([]string, QueryInfo, error)
}

var nonWord = regexp.MustCompile(`[^a-z0-9]+`)

// normalizePhrase lowercases p and reduces every run of punctuation or
// whitespace to one space, so "Real-time" and "real time" compare equal.
// purposeProfilesQuery applies the same reduction to labels in SPARQL.
func normalizePhrase(p string) string {
	return strings.TrimSpace(nonWord.ReplaceAllString(strings.ToLower(p), " "))
}

// containsPhrase reports whether phrase occurs in candidate as whole words.
// Both arguments must already be normalised.
func containsPhrase(candidate, phrase string) bool {
	if phrase == "" {
		return false
	}
	return strings.Contains(" "+candidate+" ", " "+phrase+" ")
}

// normalizeCandidates normalises and deduplicates candidate phrases.
func normalizeCandidates(candidates []string) []string {
	seen := make(map[string]bool, len(candidates))
	out := make([]string, 0, len(candidates))
	for _, c := range candidates {
		c = normalizePhrase(c)
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}
