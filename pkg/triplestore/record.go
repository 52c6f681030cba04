package triplestore

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/ekaya-inc/ekaya-forensics/pkg/models"
)

// Vocabulary names the IRIs used when serialising a record.
// Requirements, risk tiers and purposes are linked into Ontology so the
// analysis graph joins the regulatory knowledge graph.
type Vocabulary struct {
	Ontology  string // e.g. https://w3id.org/ai-incident-forensics/ai-act#
	GraphBase string // e.g. https://forensics.ekaya.ai/graph
}

// GraphIRI is the named graph holding one analysis.
func (v Vocabulary) GraphIRI(analysisID string) string {
	return strings.TrimRight(v.GraphBase, "/") + "/analysis/" + url.PathEscape(analysisID)
}

// resource returns the IRI of a node inside the analysis graph.
func (v Vocabulary) resource(analysisID string, segments ...string) string {
	iri := v.GraphIRI(analysisID) + "#"
	for i, s := range segments {
		if i > 0 {
			iri += "/"
		}
		iri += url.PathEscape(s)
	}
	return iri
}

func (v Vocabulary) term(local string) string {
	return v.Ontology + url.PathEscape(local)
}

// BuildRecordGraph converts a record into triples.
func BuildRecordGraph(record *models.AnalysisRecord, v Vocabulary) *Graph {
	g := NewGraph()
	id := record.ID
	rec := v.resource(id, "analysis")

	g.AddType(rec, v.term("IncidentAnalysis"))
	g.Add(rec, v.term("analysisId"), Literal(id))
	g.Add(rec, v.term("status"), Literal(string(record.Status)))
	g.Add(rec, v.term("statusReason"), Literal(record.StatusReason))
	g.Add(rec, v.term("source"), Literal(record.Request.Source))
	g.Add(rec, v.term("narrative"), Literal(record.Request.Narrative))
	g.Add(rec, v.term("agentMode"), Literal(string(record.Request.Options.AgentMode)))
	g.Add(rec, v.term("createdAt"), DateTime(record.CreatedAt))
	if record.CompletedAt != nil {
		g.Add(rec, v.term("completedAt"), DateTime(*record.CompletedAt))
	}

	if record.Draft != nil {
		addDraft(g, v, id, rec, record.Draft)
	}
	if record.Classification != nil {
		addClassification(g, v, rec, record.Classification)
	}
	for _, m := range record.Mappings {
		addMapping(g, v, id, rec, m)
	}
	if record.Gaps != nil {
		addGaps(g, v, id, rec, record.Gaps)
	}
	if record.SeriousIncident != nil {
		addSeriousIncident(g, v, id, rec, record.SeriousIncident)
	}
	if record.EvidencePlan != nil {
		addEvidencePlan(g, v, id, rec, record.EvidencePlan)
	}
	return g
}

func addDraft(g *Graph, v Vocabulary, id, rec string, d *models.ExtractedDraft) {
	g.Add(rec, v.term("extractionConfidence"), Decimal(d.Confidence.Overall))
	g.AddLiterals(rec, v.term("contextTag"), d.ContextTags)

	sys := v.resource(id, "system")
	g.Add(rec, v.term("concernsSystem"), IRI(sys))
	g.AddType(sys, v.term("AISystem"))
	g.Add(sys, v.term("name"), Literal(d.System.Name))
	g.Add(sys, v.term("organization"), Literal(d.System.Organization))
	g.Add(sys, v.term("systemType"), Literal(d.System.SystemType))
	g.Add(sys, v.term("description"), Literal(d.System.Description))
	g.AddLiterals(sys, v.term("statedPurpose"), d.System.Purposes)
	g.AddLiterals(sys, v.term("deploymentContext"), d.System.DeploymentContexts)
	g.AddLiterals(sys, v.term("processesDataType"), d.System.DataTypes)

	inc := v.resource(id, "incident")
	g.Add(rec, v.term("describesIncident"), IRI(inc))
	g.AddType(inc, v.term("Incident"))
	g.Add(inc, v.term("incidentType"), Literal(d.Incident.Type))
	g.Add(inc, v.term("severity"), Literal(d.Incident.Severity))
	g.Add(inc, v.term("description"), Literal(d.Incident.Description))
	g.AddLiterals(inc, v.term("affectedPopulation"), d.Incident.AffectedPopulations)
	for i, e := range d.Incident.Timeline {
		ev := v.resource(id, "incident", "timeline", itoa(i+1))
		g.Add(inc, v.term("hasTimelineEvent"), IRI(ev))
		g.Add(ev, v.term("sequence"), Integer(i+1))
		g.Add(ev, v.term("date"), Literal(e.Date))
		g.Add(ev, v.term("event"), Literal(e.Event))
	}
}

func addClassification(g *Graph, v Vocabulary, rec string, c *models.ClassificationResult) {
	g.Add(rec, v.term("scope"), Literal(string(c.Scope)))
	if c.RiskLevel != nil {
		g.Add(rec, v.term("hasRiskLevel"), IRI(v.term(c.RiskLevel.String())))
	}
	for _, p := range c.MatchedPurposes {
		g.Add(rec, v.term("matchedPurpose"), IRI(v.term(p)))
	}
	for _, p := range c.ExcludedPurposes {
		g.Add(rec, v.term("excludedPurpose"), IRI(v.term(p)))
	}
	g.AddLiterals(rec, v.term("activatedCriterion"), c.ActivatedCriteria)
	for _, r := range c.Requirements {
		g.Add(rec, v.term("triggersRequirement"), IRI(v.term(r)))
	}
	g.AddLiterals(rec, v.term("overrideSignal"), c.OverrideSignals)
	g.Add(rec, v.term("profilingDetected"), Boolean(c.ProfilingDetected))
	g.Add(rec, v.term("profilingEscalated"), Boolean(c.ProfilingEscalated))
}

func addMapping(g *Graph, v Vocabulary, id, rec string, m models.FrameworkMapping) {
	for _, c := range m.Controls {
		node := v.resource(id, "mapping", m.RequirementID, c.Standard, c.ControlID)
		g.Add(rec, v.term("hasControlMapping"), IRI(node))
		g.AddType(node, v.term("ControlMapping"))
		g.Add(node, v.term("forRequirement"), IRI(v.term(m.RequirementID)))
		g.Add(node, v.term("standard"), Literal(c.Standard))
		g.Add(node, v.term("controlId"), Literal(c.ControlID))
		g.Add(node, v.term("title"), Literal(c.Title))
		g.Add(node, v.term("mappingConfidence"), Literal(string(c.Confidence)))
	}
}

func addGaps(g *Graph, v Vocabulary, id, rec string, r *models.GapReport) {
	g.Add(rec, v.term("requirementsAssessed"), Integer(r.Total))
	g.Add(rec, v.term("requirementsMissing"), Integer(r.Missing))
	g.Add(rec, v.term("complianceRatio"), Decimal(r.ComplianceRatio))
	for _, gap := range r.Gaps {
		node := v.resource(id, "gap", gap.RequirementID)
		g.Add(rec, v.term("hasComplianceGap"), IRI(node))
		g.AddType(node, v.term("ComplianceGap"))
		g.Add(node, v.term("forRequirement"), IRI(v.term(gap.RequirementID)))
		g.Add(node, v.term("gapSeverity"), Literal(string(gap.Severity)))
		g.Add(node, v.term("reason"), Literal(gap.Reason))
	}
}

func addSeriousIncident(g *Graph, v Vocabulary, id, rec string, s *models.SeriousIncidentRecord) {
	node := v.resource(id, "serious-incident")
	g.Add(rec, v.term("hasSeriousIncidentAssessment"), IRI(node))
	g.AddType(node, v.term("SeriousIncidentAssessment"))
	if s.Category != nil {
		g.Add(node, v.term("harmCategory"), IRI(v.term(string(*s.Category))))
	}
	g.AddLiterals(node, v.term("indicator"), s.Indicators)
	g.Add(node, v.term("mandatoryNotification"), Boolean(s.MandatoryNotification))
	if s.NotificationDeadlineDays > 0 {
		g.Add(node, v.term("notificationDeadlineDays"), Integer(s.NotificationDeadlineDays))
	}
}

func addEvidencePlan(g *Graph, v Vocabulary, id, rec string, p *models.EvidencePlan) {
	for _, entry := range p.Entries {
		for _, item := range entry.Items {
			node := v.resource(id, "evidence", item.ID)
			g.Add(rec, v.term("requiresEvidence"), IRI(node))
			g.AddType(node, v.term("EvidenceItem"))
			g.Add(node, v.term("forRequirement"), IRI(v.term(entry.RequirementID)))
			g.Add(node, v.term("name"), Literal(item.Name))
			g.Add(node, v.term("evidenceType"), Literal(item.Type))
			g.Add(node, v.term("priority"), Literal(item.Priority))
			g.Add(node, v.term("responsibleRole"), Literal(item.ResponsibleRole))
			g.Add(node, v.term("cadence"), Literal(item.Cadence))
		}
	}
}

func itoa(i int) string {
	return strconv.Itoa(i)
}
