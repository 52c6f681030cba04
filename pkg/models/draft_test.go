package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func fullDraft() *ExtractedDraft {
	return &ExtractedDraft{
		System: SystemFacts{
			Name:               "HireRank",
			Organization:       "Acme Staffing",
			SystemType:         "ranking model",
			Purposes:           []string{"recruitment screening"},
			DeploymentContexts: []string{"employment"},
			DataTypes:          []string{"CVs"},
		},
		Incident: IncidentFacts{
			Type:                "discrimination",
			Severity:            "high",
			AffectedPopulations: []string{"female applicants"},
			Timeline:            []TimelineEntry{{Date: "2023-04-01", Event: "complaint filed"}},
		},
	}
}

func TestConfidenceWeights_SumToOne(t *testing.T) {
	var sum float64
	for _, w := range ConfidenceWeights {
		sum += w
	}
	assert.InDelta(t, 1.0, sum, 1e-9)
	assert.Len(t, ConfidenceWeights, 10)
}

func TestComputeConfidence_FullDraft(t *testing.T) {
	score := ComputeConfidence(fullDraft())
	assert.Equal(t, 1.0, score.Overall)
	for field, v := range score.Fields {
		assert.Equal(t, 1.0, v, field)
	}
}

func TestComputeConfidence_NameOnly(t *testing.T) {
	score := ComputeConfidence(&ExtractedDraft{System: SystemFacts{Name: "ChatHelper"}})
	assert.InDelta(t, 0.10, score.Overall, 1e-9)
	assert.Equal(t, 0.0, score.Fields[FieldPurposes])
}

func TestComputeConfidence_Empty(t *testing.T) {
	score := ComputeConfidence(&ExtractedDraft{})
	assert.Equal(t, 0.0, score.Overall)
}

func TestComputeConfidence_PlaceholdersScoreZero(t *testing.T) {
	d := fullDraft()
	d.System.Organization = "Unknown"
	d.System.DataTypes = []string{"n/a"}

	score := ComputeConfidence(d)
	assert.Equal(t, 0.0, score.Fields[FieldOrganization])
	assert.Equal(t, 0.0, score.Fields[FieldDataTypes])
	assert.InDelta(t, 0.85, score.Overall, 1e-9)
}

func TestComputeConfidence_PartialFields(t *testing.T) {
	d := fullDraft()
	d.Incident.Timeline = []TimelineEntry{{Event: "model deployed"}, {Date: "2024-01-02", Event: "audit"}}
	d.Incident.Severity = "hi"

	score := ComputeConfidence(d)
	assert.Equal(t, 0.5, score.Fields[FieldTimeline])
	assert.Equal(t, 0.5, score.Fields[FieldIncidentSeverity])
	assert.InDelta(t, 1.0-0.015-0.03, score.Overall, 1e-9)
}

func TestComputeConfidence_PurposesWeighMost(t *testing.T) {
	withPurpose := ComputeConfidence(&ExtractedDraft{System: SystemFacts{Purposes: []string{"credit scoring"}}})
	withTimeline := ComputeConfidence(&ExtractedDraft{Incident: IncidentFacts{Timeline: []TimelineEntry{{Date: "2022", Event: "launch"}}}})
	assert.Greater(t, withPurpose.Overall, withTimeline.Overall)
	assert.InDelta(t, 0.03, withTimeline.Overall, 1e-9)
}

func TestComputeConfidence_Bounds(t *testing.T) {
	drafts := []*ExtractedDraft{{}, fullDraft(), {System: SystemFacts{Name: "x", Purposes: []string{"", "unknown"}}}}
	for _, d := range drafts {
		score := ComputeConfidence(d)
		assert.GreaterOrEqual(t, score.Overall, 0.0)
		assert.LessOrEqual(t, score.Overall, 1.0)
	}
}

func TestEvidenceFacts_Field(t *testing.T) {
	e := EvidenceFacts{HumanOversight: []string{"operator reviews every decision"}}

	got, ok := e.Field("human_oversight")
	assert.True(t, ok)
	assert.Len(t, got, 1)

	for _, name := range EvidenceFieldNames {
		_, ok := e.Field(name)
		assert.True(t, ok, name)
	}

	_, ok = e.Field("telepathy")
	assert.False(t, ok)
}
