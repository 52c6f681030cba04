package models

import (
	"strings"
	"unicode/utf8"
)

// ExtractedDraft is the structured reading of an incident narrative.
type ExtractedDraft struct {
	System      SystemFacts     `json:"system"`
	Incident    IncidentFacts   `json:"incident"`
	Evidence    EvidenceFacts   `json:"evidence"`
	ContextTags []string        `json:"context_tags,omitempty"`
	Confidence  ConfidenceScore `json:"confidence"`
}

// SystemFacts describes the AI system involved in the incident.
type SystemFacts struct {
	Name               string   `json:"name"`
	Organization       string   `json:"organization"`
	SystemType         string   `json:"system_type"`
	Description        string   `json:"description,omitempty"`
	Purposes           []string `json:"purposes"`
	DeploymentContexts []string `json:"deployment_contexts"`
	DataTypes          []string `json:"data_types"`
}

// IncidentFacts describes what happened.
type IncidentFacts struct {
	Type                string          `json:"type"`
	Severity            string          `json:"severity"`
	Description         string          `json:"description,omitempty"`
	AffectedPopulations []string        `json:"affected_populations"`
	Timeline            []TimelineEntry `json:"timeline"`
}

// TimelineEntry is one dated (or undated) event in the incident.
type TimelineEntry struct {
	Date  string `json:"date,omitempty"`
	Event string `json:"event"`
}

// EvidenceFacts holds narrative statements that show a compliance measure was in place.
type EvidenceFacts struct {
	RiskManagement         []string `json:"risk_management,omitempty"`
	DataGovernance         []string `json:"data_governance,omitempty"`
	TechnicalDocumentation []string `json:"technical_documentation,omitempty"`
	RecordKeeping          []string `json:"record_keeping,omitempty"`
	Transparency           []string `json:"transparency,omitempty"`
	HumanOversight         []string `json:"human_oversight,omitempty"`
	AccuracyRobustness     []string `json:"accuracy_robustness,omitempty"`
	QualityManagement      []string `json:"quality_management,omitempty"`
	PostMarketMonitoring   []string `json:"post_market_monitoring,omitempty"`
	IncidentReporting      []string `json:"incident_reporting,omitempty"`
	ImpactAssessment       []string `json:"impact_assessment,omitempty"`
}

// EvidenceFieldNames lists the keys accepted by EvidenceFacts.Field.
var EvidenceFieldNames = []string{
	"risk_management",
	"data_governance",
	"technical_documentation",
	"record_keeping",
	"transparency",
	"human_oversight",
	"accuracy_robustness",
	"quality_management",
	"post_market_monitoring",
	"incident_reporting",
	"impact_assessment",
}

// Field returns the statements recorded under a JSON field name.
func (e EvidenceFacts) Field(name string) ([]string, bool) {
	switch name {
	case "risk_management":
		return e.RiskManagement, true
	case "data_governance":
		return e.DataGovernance, true
	case "technical_documentation":
		return e.TechnicalDocumentation, true
	case "record_keeping":
		return e.RecordKeeping, true
	case "transparency":
		return e.Transparency, true
	case "human_oversight":
		return e.HumanOversight, true
	case "accuracy_robustness":
		return e.AccuracyRobustness, true
	case "quality_management":
		return e.QualityManagement, true
	case "post_market_monitoring":
		return e.PostMarketMonitoring, true
	case "incident_reporting":
		return e.IncidentReporting, true
	case "impact_assessment":
		return e.ImpactAssessment, true
	}
	return nil, false
}

// ============================================================================
// Confidence
// ============================================================================

// ConfidenceScore holds per-field scores in [0,1] and their weighted mean.
type ConfidenceScore struct {
	Fields  map[string]float64 `json:"fields"`
	Overall float64            `json:"overall"`
}

// Confidence field keys.
const (
	FieldSystemName          = "system.name"
	FieldOrganization        = "system.organization"
	FieldSystemType          = "system.system_type"
	FieldPurposes            = "system.purposes"
	FieldDeploymentContexts  = "system.deployment_contexts"
	FieldDataTypes           = "system.data_types"
	FieldIncidentType        = "incident.type"
	FieldIncidentSeverity    = "incident.severity"
	FieldAffectedPopulations = "incident.affected_populations"
	FieldTimeline            = "incident.timeline"
)

// ConfidenceWeights sum to 1.0. Purposes drive classification and weigh most.
var ConfidenceWeights = map[string]float64{
	FieldPurposes:            0.25,
	FieldDeploymentContexts:  0.15,
	FieldSystemName:          0.10,
	FieldSystemType:          0.10,
	FieldDataTypes:           0.10,
	FieldIncidentType:        0.10,
	FieldIncidentSeverity:    0.06,
	FieldAffectedPopulations: 0.06,
	FieldOrganization:        0.05,
	FieldTimeline:            0.03,
}

var placeholderValues = map[string]bool{
	"":        true,
	"unknown": true,
	"n/a":     true,
	"na":      true,
	"none":    true,
	"null":    true,
	"-":       true,
	"?":       true,
}

// IsPlaceholder reports whether s carries no information.
func IsPlaceholder(s string) bool {
	return placeholderValues[strings.ToLower(strings.TrimSpace(s))]
}

func scoreString(s string) float64 {
	if IsPlaceholder(s) {
		return 0
	}
	if utf8.RuneCountInString(strings.TrimSpace(s)) < 3 {
		return 0.5
	}
	return 1
}

func scoreList(items []string) float64 {
	for _, item := range items {
		if !IsPlaceholder(item) {
			return 1
		}
	}
	return 0
}

func scoreTimeline(entries []TimelineEntry) float64 {
	described := 0
	dated := 0
	for _, e := range entries {
		if IsPlaceholder(e.Event) {
			continue
		}
		described++
		if !IsPlaceholder(e.Date) {
			dated++
		}
	}
	switch {
	case described == 0:
		return 0
	case dated == described:
		return 1
	default:
		return 0.5
	}
}

// ComputeConfidence scores every weighted field of d and returns the weighted mean.
// Unpopulated fields score 0 and still count toward the denominator.
func ComputeConfidence(d *ExtractedDraft) ConfidenceScore {
	fields := map[string]float64{
		FieldSystemName:          scoreString(d.System.Name),
		FieldOrganization:        scoreString(d.System.Organization),
		FieldSystemType:          scoreString(d.System.SystemType),
		FieldPurposes:            scoreList(d.System.Purposes),
		FieldDeploymentContexts:  scoreList(d.System.DeploymentContexts),
		FieldDataTypes:           scoreList(d.System.DataTypes),
		FieldIncidentType:        scoreString(d.Incident.Type),
		FieldIncidentSeverity:    scoreString(d.Incident.Severity),
		FieldAffectedPopulations: scoreList(d.Incident.AffectedPopulations),
		FieldTimeline:            scoreTimeline(d.Incident.Timeline),
	}

	var overall, total float64
	for field, weight := range ConfidenceWeights {
		overall += weight * fields[field]
		total += weight
	}
	if total > 0 {
		overall /= total
	}
	overall = clamp01(overall)

	return ConfidenceScore{Fields: fields, Overall: roundScore(overall)}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// roundScore trims float noise so 0.6 compares as 0.6 at the gate.
func roundScore(v float64) float64 {
	return float64(int64(v*1e6+0.5)) / 1e6
}
