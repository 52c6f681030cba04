package triplestore

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-forensics/pkg/models"
)

var testVocab = Vocabulary{
	Ontology:  "https://w3id.org/ai-incident-forensics/ai-act#",
	GraphBase: "https://forensics.example.org/graph/",
}

func sampleRecord(t *testing.T) *models.AnalysisRecord {
	t.Helper()
	now := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
	rec := models.NewAnalysisRecord("inc-42", models.AnalysisRequest{
		Narrative: "The CV screening tool \"HireRank\" rejected applicants over 50.\nHR noticed in May.",
		Source:    "manual",
		Options:   models.AnalysisOptions{AgentMode: models.AgentModeStandard},
	}, now)

	high := models.RiskHigh
	rights := models.CategoryFundamentalRightsInfringement
	require.NoError(t, rec.SetDraft(&models.ExtractedDraft{
		System: models.SystemFacts{
			Name:         "HireRank",
			Organization: "Acme",
			Purposes:     []string{"recruitment screening"},
		},
		Incident: models.IncidentFacts{
			Type:     "discrimination",
			Timeline: []models.TimelineEntry{{Date: "2026-05-01", Event: "HR noticed"}},
		},
		ContextTags: []string{"employment"},
		Confidence:  models.ConfidenceScore{Overall: 0.82},
	}, now))
	require.NoError(t, rec.SetClassification(&models.ClassificationResult{
		Scope:             models.ScopeInScope,
		RiskLevel:         &high,
		MatchedPurposes:   []string{"recruitment"},
		ActivatedCriteria: []string{"annex_iii_4a"},
		Requirements:      []string{"EUAI-ART9", "EUAI-ART10"},
	}, now))
	require.NoError(t, rec.SetMappings([]models.FrameworkMapping{{
		RequirementID: "EUAI-ART9",
		Controls: []models.ControlMapping{
			{Standard: "ISO/IEC 42001", ControlID: "6.1.2", Confidence: models.MappingHigh},
			{Standard: "NIST AI RMF", ControlID: "MANAGE 1.1", Confidence: models.MappingHigh},
		},
	}}, now))
	require.NoError(t, rec.SetGaps(&models.GapReport{
		Gaps:            []models.ComplianceGap{{RequirementID: "EUAI-ART10", Severity: models.GapMajor, Reason: "no data governance evidence"}},
		Total:           2,
		Missing:         1,
		ComplianceRatio: 0.5,
	}, now))
	require.NoError(t, rec.SetSeriousIncident(&models.SeriousIncidentRecord{
		Category:                 &rights,
		Indicators:               []string{"discriminat"},
		MandatoryNotification:    true,
		NotificationDeadlineDays: 15,
	}, now))
	require.NoError(t, rec.SetEvidencePlan(&models.EvidencePlan{Entries: []models.EvidencePlanEntry{{
		RequirementID: "EUAI-ART10",
		Severity:      models.GapMajor,
		Items:         []models.EvidenceItem{{ID: "EUAI-ART10-EV-01", Name: "Dataset bias audit", Type: "report", Priority: "P2", ResponsibleRole: "Data Steward"}},
	}}}, now))
	require.NoError(t, rec.Complete(now.Add(time.Minute)))
	return rec
}

func TestGraph_AddSkipsEmptyAndDuplicates(t *testing.T) {
	g := NewGraph()
	g.Add("urn:s", "urn:p", Literal(""))
	g.Add("urn:s", "urn:p", Literal("x"))
	g.Add("urn:s", "urn:p", Literal("x"))
	g.Add("urn:s", "urn:p", IRI("urn:o"))

	assert.Equal(t, 2, g.Len())
}

func TestTerm_String(t *testing.T) {
	assert.Equal(t, `<urn:a>`, IRI("urn:a").String())
	assert.True(t, strings.HasPrefix(Literal("say \"hi\"\nbye").String(), `"say \"hi\"\nbye"`))
	assert.Equal(t, `"0.5"^^<http://www.w3.org/2001/XMLSchema#decimal>`, Decimal(0.5).String())
	assert.Equal(t, `"true"^^<http://www.w3.org/2001/XMLSchema#boolean>`, Boolean(true).String())
	assert.Equal(t,
		`"2026-03-04T10:00:00Z"^^<http://www.w3.org/2001/XMLSchema#dateTime>`,
		DateTime(time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)).String())
}

func TestGraph_ValidateRejectsUnwritableIRIs(t *testing.T) {
	tests := []struct {
		name   string
		triple Triple
	}{
		{name: "subject with space", triple: Triple{Subject: "urn:bad iri", Predicate: "urn:p", Object: Literal("x")}},
		{name: "predicate with angle bracket", triple: Triple{Subject: "urn:s", Predicate: "urn:<p>", Object: Literal("x")}},
		{name: "object with quote", triple: Triple{Subject: "urn:s", Predicate: "urn:p", Object: IRI(`urn:"o"`)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewGraph()
			g.Add(tt.triple.Subject, tt.triple.Predicate, tt.triple.Object)
			assert.Error(t, g.Validate())
			_, err := g.NTriples()
			assert.Error(t, err)
		})
	}
}

func TestVocabulary_GraphIRI(t *testing.T) {
	assert.Equal(t, "https://forensics.example.org/graph/analysis/inc-42", testVocab.GraphIRI("inc-42"))
	assert.Equal(t, "https://forensics.example.org/graph/analysis/src:7", testVocab.GraphIRI("src:7"))
}

func TestBuildRecordGraph(t *testing.T) {
	rec := sampleRecord(t)
	g := BuildRecordGraph(rec, testVocab)
	require.NoError(t, g.Validate())

	nt, err := g.NTriples()
	require.NoError(t, err)
	recIRI := "<https://forensics.example.org/graph/analysis/inc-42#analysis>"
	ns := "https://w3id.org/ai-incident-forensics/ai-act#"

	assert.Contains(t, nt, recIRI+" <"+ns+"status> \"COMPLETED\"")
	assert.Contains(t, nt, recIRI+" <"+ns+"hasRiskLevel> <"+ns+"HighRisk> .")
	assert.Contains(t, nt, recIRI+" <"+ns+"triggersRequirement> <"+ns+"EUAI-ART9> .")
	assert.Contains(t, nt, recIRI+" <"+ns+"matchedPurpose> <"+ns+"recruitment> .")
	assert.Contains(t, nt, "<"+ns+"harmCategory> <"+ns+"FundamentalRightsInfringement> .")
	assert.Contains(t, nt, "#mapping/EUAI-ART9/ISO%2FIEC%2042001/6.1.2>")
	assert.Contains(t, nt, "#mapping/EUAI-ART9/NIST%20AI%20RMF/MANAGE%201.1>")
	assert.Contains(t, nt, "#evidence/EUAI-ART10-EV-01>")
	assert.Contains(t, nt, `\"HireRank\" rejected applicants over 50.\nHR noticed in May.`)

	lines := strings.Split(strings.TrimSpace(nt), "\n")
	assert.Len(t, lines, g.Len())
	for _, line := range lines {
		assert.True(t, strings.HasSuffix(strings.TrimSpace(line), "."), "line %q must be a complete statement", line)
	}
}

func TestBuildRecordGraph_Deterministic(t *testing.T) {
	rec := sampleRecord(t)
	first, err := BuildRecordGraph(rec, testVocab).NTriples()
	require.NoError(t, err)
	second, err := BuildRecordGraph(rec, testVocab).NTriples()
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestBuildRecordGraph_LowConfidenceRecord(t *testing.T) {
	now := time.Now()
	rec := models.NewAnalysisRecord("inc-low", models.AnalysisRequest{Narrative: "vague report", Source: "manual"}, now)
	require.NoError(t, rec.SetDraft(&models.ExtractedDraft{Confidence: models.ConfidenceScore{Overall: 0.3}}, now))
	require.NoError(t, rec.MarkLowConfidence("requires human review", now))

	g := BuildRecordGraph(rec, testVocab)
	require.NoError(t, g.Validate())
	nt, err := g.NTriples()
	require.NoError(t, err)
	assert.Contains(t, nt, `"LOW_CONFIDENCE"`)
	assert.Contains(t, nt, `"requires human review"`)
	assert.NotContains(t, nt, "hasRiskLevel")
}

type recordingUpdater struct {
	updates []string
	err     error
}

func (u *recordingUpdater) Update(ctx context.Context, update string) error {
	u.updates = append(u.updates, update)
	return u.err
}

func TestGraphWriter_WriteRecord(t *testing.T) {
	updater := &recordingUpdater{}
	w := NewGraphWriter(updater, testVocab, zap.NewNop())

	rec := sampleRecord(t)
	require.NoError(t, w.WriteRecord(context.Background(), rec))
	require.NoError(t, w.WriteRecord(context.Background(), rec))

	require.Len(t, updater.updates, 2)
	assert.Equal(t, updater.updates[0], updater.updates[1], "rewriting a record must send an identical update")

	u := updater.updates[0]
	graph := "<https://forensics.example.org/graph/analysis/inc-42>"
	assert.True(t, strings.HasPrefix(u, "DROP SILENT GRAPH "+graph+" ;\n"))
	assert.Contains(t, u, "INSERT DATA {\n  GRAPH "+graph+" {\n")
	assert.True(t, strings.HasSuffix(u, "  }\n}\n"))
}

func TestGraphWriter_PropagatesUpdateError(t *testing.T) {
	boom := errors.New("HTTP 503")
	w := NewGraphWriter(&recordingUpdater{err: boom}, testVocab, zap.NewNop())

	err := w.WriteRecord(context.Background(), sampleRecord(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "replace graph")
}

func TestGraphWriter_RejectsInvalidIRI(t *testing.T) {
	updater := &recordingUpdater{}
	w := NewGraphWriter(updater, Vocabulary{Ontology: "bad ns#", GraphBase: "https://g"}, zap.NewNop())

	err := w.WriteRecord(context.Background(), sampleRecord(t))
	require.Error(t, err)
	assert.Empty(t, updater.updates)
}
