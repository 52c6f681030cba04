package models

import (
	"fmt"
	"strings"
)

// ============================================================================
// Risk Level
// ============================================================================

// RiskLevel is the EU AI Act risk tier. The integer values define a total
// order; a higher value is a more severe tier.
type RiskLevel int

const (
	RiskMinimal RiskLevel = iota + 1
	RiskLimited
	RiskHigh
	RiskUnacceptable
)

var riskLevelNames = map[RiskLevel]string{
	RiskMinimal:      "MinimalRisk",
	RiskLimited:      "LimitedRisk",
	RiskHigh:         "HighRisk",
	RiskUnacceptable: "Unacceptable",
}

// AllRiskLevels lists the tiers in ascending order.
var AllRiskLevels = []RiskLevel{RiskMinimal, RiskLimited, RiskHigh, RiskUnacceptable}

// String returns the canonical tier name.
func (r RiskLevel) String() string {
	if name, ok := riskLevelNames[r]; ok {
		return name
	}
	return fmt.Sprintf("RiskLevel(%d)", int(r))
}

// IsValid reports whether r is one of the four tiers.
func (r RiskLevel) IsValid() bool {
	_, ok := riskLevelNames[r]
	return ok
}

// AtLeast reports whether r is as severe as other or more.
func (r RiskLevel) AtLeast(other RiskLevel) bool {
	return r >= other
}

// MaxRiskLevel returns the more severe of a and b.
func MaxRiskLevel(a, b RiskLevel) RiskLevel {
	if a > b {
		return a
	}
	return b
}

// ParseRiskLevel parses a canonical tier name (case-insensitive).
func ParseRiskLevel(s string) (RiskLevel, error) {
	for level, name := range riskLevelNames {
		if strings.EqualFold(name, strings.TrimSpace(s)) {
			return level, nil
		}
	}
	return 0, fmt.Errorf("unknown risk level %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (r RiskLevel) MarshalText() ([]byte, error) {
	if !r.IsValid() {
		return nil, fmt.Errorf("invalid risk level %d", int(r))
	}
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *RiskLevel) UnmarshalText(text []byte) error {
	level, err := ParseRiskLevel(string(text))
	if err != nil {
		return err
	}
	*r = level
	return nil
}

// ============================================================================
// Scope
// ============================================================================

// ScopeDecision records whether the regulation applies to the system.
type ScopeDecision string

const (
	ScopeInScope    ScopeDecision = "InScope"
	ScopeOutOfScope ScopeDecision = "OutOfScope"
)

// ============================================================================
// Severities
// ============================================================================

// GapSeverity grades a missing requirement.
type GapSeverity string

const (
	GapCritical GapSeverity = "CRITICAL"
	GapMajor    GapSeverity = "MAJOR"
	GapMinor    GapSeverity = "MINOR"
)

// Rank orders severities; CRITICAL is highest.
func (s GapSeverity) Rank() int {
	switch s {
	case GapCritical:
		return 3
	case GapMajor:
		return 2
	case GapMinor:
		return 1
	}
	return 0
}

// RequirementImportance is the catalog grading that drives gap severity.
type RequirementImportance string

const (
	ImportanceFoundational RequirementImportance = "foundational"
	ImportanceStandard     RequirementImportance = "standard"
	ImportanceAdvisory     RequirementImportance = "advisory"
)

// GapSeverity maps importance to the severity of a gap on that requirement.
func (i RequirementImportance) GapSeverity() GapSeverity {
	switch i {
	case ImportanceFoundational:
		return GapCritical
	case ImportanceAdvisory:
		return GapMinor
	default:
		return GapMajor
	}
}

// MappingConfidence grades how closely a control matches a requirement.
type MappingConfidence string

const (
	MappingHigh   MappingConfidence = "HIGH"
	MappingMedium MappingConfidence = "MEDIUM"
	MappingLow    MappingConfidence = "LOW"
)

// IsValid reports whether c is a known confidence grade.
func (c MappingConfidence) IsValid() bool {
	return c == MappingHigh || c == MappingMedium || c == MappingLow
}

// ============================================================================
// Serious Incident Category
// ============================================================================

// SeriousIncidentCategory is one of the four harm categories of a serious incident.
type SeriousIncidentCategory string

const (
	CategoryHealthHarm                    SeriousIncidentCategory = "HealthHarm"
	CategoryCriticalInfrastructure        SeriousIncidentCategory = "CriticalInfrastructureDisruption"
	CategoryFundamentalRightsInfringement SeriousIncidentCategory = "FundamentalRightsInfringement"
	CategoryPropertyEnvironmentHarm       SeriousIncidentCategory = "PropertyEnvironmentHarm"
)

// SeriousIncidentCategories is ordered by tie-break precedence, most severe first.
var SeriousIncidentCategories = []SeriousIncidentCategory{
	CategoryHealthHarm,
	CategoryCriticalInfrastructure,
	CategoryFundamentalRightsInfringement,
	CategoryPropertyEnvironmentHarm,
}

// Precedence returns the tie-break position (0 is highest) or -1 if unknown.
func (c SeriousIncidentCategory) Precedence() int {
	for i, v := range SeriousIncidentCategories {
		if v == c {
			return i
		}
	}
	return -1
}
