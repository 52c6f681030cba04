package models

import (
	"errors"
	"time"
)

// ErrRecordFinalized is returned when a stage tries to mutate a record whose
// status is already terminal.
var ErrRecordFinalized = errors.New("analysis record is finalized")

// ============================================================================
// Request
// ============================================================================

// AgentMode selects a pipeline variant.
type AgentMode string

const (
	// AgentModeStandard runs every stage.
	AgentModeStandard AgentMode = "standard"
	// AgentModeTriage runs extraction, classification and the serious-incident
	// check only, for fast notification decisions.
	AgentModeTriage AgentMode = "triage"
)

// IsValid reports whether m is a known mode.
func (m AgentMode) IsValid() bool {
	return m == AgentModeStandard || m == AgentModeTriage
}

// AnalysisOptions are caller switches for a run.
type AnalysisOptions struct {
	WithEvidencePlan bool      `json:"with_evidence_plan"`
	AgentMode        AgentMode `json:"agent_mode"`
}

// AnalysisRequest is one incident submitted for analysis.
type AnalysisRequest struct {
	// ID is an optional caller-supplied identifier; a repeated ID replaces the earlier record.
	ID        string          `json:"id,omitempty"`
	Narrative string          `json:"narrative"`
	Source    string          `json:"source"`
	Metadata  map[string]any  `json:"metadata,omitempty"`
	Options   AnalysisOptions `json:"options"`
}

// Clone returns a copy that shares no mutable state with r.
func (r AnalysisRequest) Clone() AnalysisRequest {
	out := r
	out.Metadata = cloneMetadata(r.Metadata)
	return out
}

func cloneMetadata(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch tv := v.(type) {
		case map[string]any:
			out[k] = cloneMetadata(tv)
		case []any:
			out[k] = append([]any(nil), tv...)
		default:
			out[k] = v
		}
	}
	return out
}

// ============================================================================
// Stage outputs
// ============================================================================

// ClassificationResult is the scope and risk verdict.
type ClassificationResult struct {
	Scope ScopeDecision `json:"scope"`
	// RiskLevel is nil when Scope is OutOfScope.
	RiskLevel          *RiskLevel `json:"risk_level,omitempty"`
	MatchedPurposes    []string   `json:"matched_purposes"`
	ExcludedPurposes   []string   `json:"excluded_purposes,omitempty"`
	ActivatedCriteria  []string   `json:"activated_criteria"`
	Requirements       []string   `json:"requirements"`
	OverrideSignals    []string   `json:"override_signals,omitempty"`
	ProfilingDetected  bool       `json:"profiling_detected"`
	ProfilingEscalated bool       `json:"profiling_escalated"`
}

// InScope reports whether the regulation applies.
func (c *ClassificationResult) InScope() bool {
	return c != nil && c.Scope == ScopeInScope
}

// Risk returns the risk level or zero when out of scope.
func (c *ClassificationResult) Risk() RiskLevel {
	if c == nil || c.RiskLevel == nil {
		return 0
	}
	return *c.RiskLevel
}

// ControlMapping links a requirement to one control of an auxiliary standard.
type ControlMapping struct {
	Standard   string            `json:"standard" yaml:"standard"`
	ControlID  string            `json:"control_id" yaml:"control_id"`
	Title      string            `json:"title,omitempty" yaml:"title"`
	Confidence MappingConfidence `json:"confidence" yaml:"confidence"`
}

// FrameworkMapping lists the controls equivalent to one requirement.
type FrameworkMapping struct {
	RequirementID string           `json:"requirement_id"`
	Controls      []ControlMapping `json:"controls"`
}

// ComplianceGap records whether one requirement is evidenced in the narrative.
type ComplianceGap struct {
	RequirementID string      `json:"requirement_id"`
	Title         string      `json:"title,omitempty"`
	Present       bool        `json:"present"`
	Severity      GapSeverity `json:"severity,omitempty"`
	Reason        string      `json:"reason,omitempty"`
}

// GapReport is the outcome of gap analysis.
type GapReport struct {
	Gaps            []ComplianceGap `json:"gaps"`
	Total           int             `json:"total"`
	Missing         int             `json:"missing"`
	ComplianceRatio float64         `json:"compliance_ratio"`
}

// SeriousIncidentRecord is the notification triage outcome.
type SeriousIncidentRecord struct {
	Category                 *SeriousIncidentCategory `json:"category,omitempty"`
	Indicators               []string                 `json:"indicators"`
	MandatoryNotification    bool                     `json:"mandatory_notification"`
	NotificationDeadlineDays int                      `json:"notification_deadline_days,omitempty"`
}

// EvidenceItem is one concrete artefact to collect.
type EvidenceItem struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Description     string `json:"description,omitempty"`
	Type            string `json:"type"`
	Priority        string `json:"priority"`
	Cadence         string `json:"cadence,omitempty"`
	ResponsibleRole string `json:"responsible_role"`
	LinkedMeasureID string `json:"linked_measure_id,omitempty"`
}

// EvidencePlanEntry groups the items that close one gap.
type EvidencePlanEntry struct {
	RequirementID string         `json:"requirement_id"`
	Severity      GapSeverity    `json:"severity"`
	Items         []EvidenceItem `json:"items"`
}

// EvidencePlan is the ordered remediation checklist.
type EvidencePlan struct {
	Entries []EvidencePlanEntry `json:"entries"`
}

// ============================================================================
// Record
// ============================================================================

// AnalysisStatus is the lifecycle status of a record.
type AnalysisStatus string

const (
	AnalysisStatusPending       AnalysisStatus = "PENDING"
	AnalysisStatusCompleted     AnalysisStatus = "COMPLETED"
	AnalysisStatusLowConfidence AnalysisStatus = "LOW_CONFIDENCE"
	AnalysisStatusError         AnalysisStatus = "ERROR"
)

// IsTerminal returns true for COMPLETED, LOW_CONFIDENCE and ERROR.
func (s AnalysisStatus) IsTerminal() bool {
	return s == AnalysisStatusCompleted || s == AnalysisStatusLowConfidence || s == AnalysisStatusError
}

// AnalysisRecord accumulates every stage output for one incident.
// Stage outputs are set through methods that refuse to touch a terminal record.
type AnalysisRecord struct {
	ID              string                 `json:"id"`
	Request         AnalysisRequest        `json:"request"`
	Draft           *ExtractedDraft        `json:"draft,omitempty"`
	Classification  *ClassificationResult  `json:"classification,omitempty"`
	Mappings        []FrameworkMapping     `json:"mappings,omitempty"`
	Gaps            *GapReport             `json:"gaps,omitempty"`
	SeriousIncident *SeriousIncidentRecord `json:"serious_incident,omitempty"`
	EvidencePlan    *EvidencePlan          `json:"evidence_plan,omitempty"`
	Status          AnalysisStatus         `json:"status"`
	StatusReason    string                 `json:"status_reason,omitempty"`
	FailedStage     Stage                  `json:"failed_stage,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
	UpdatedAt       time.Time              `json:"updated_at"`
	CompletedAt     *time.Time             `json:"completed_at,omitempty"`

	// GraphSync is set when the record is read back from the document store.
	GraphSync *GraphSyncState `json:"graph_sync,omitempty"`
}

// GraphSyncState reports whether the triple store holds the current graph of
// a stored record. It is kept in document store columns, not in the document.
type GraphSyncState struct {
	NeedsReconciliation bool       `json:"needs_reconciliation"`
	SyncedAt            *time.Time `json:"synced_at,omitempty"`
}

// WithoutGraphSync returns a shallow copy of r with GraphSync cleared, the
// form in which the record is stored.
func (r *AnalysisRecord) WithoutGraphSync() *AnalysisRecord {
	out := *r
	out.GraphSync = nil
	return &out
}

// NewAnalysisRecord creates a PENDING record owning a copy of req.
func NewAnalysisRecord(id string, req AnalysisRequest, now time.Time) *AnalysisRecord {
	req = req.Clone()
	req.ID = id
	return &AnalysisRecord{
		ID:        id,
		Request:   req,
		Status:    AnalysisStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (r *AnalysisRecord) mutate(now time.Time, fn func()) error {
	if r.Status.IsTerminal() {
		return ErrRecordFinalized
	}
	fn()
	r.UpdatedAt = now
	return nil
}

// SetDraft stores the extraction output.
func (r *AnalysisRecord) SetDraft(d *ExtractedDraft, now time.Time) error {
	return r.mutate(now, func() { r.Draft = d })
}

// SetClassification stores the scope and risk verdict.
func (r *AnalysisRecord) SetClassification(c *ClassificationResult, now time.Time) error {
	return r.mutate(now, func() { r.Classification = c })
}

// SetMappings stores the framework mappings.
func (r *AnalysisRecord) SetMappings(m []FrameworkMapping, now time.Time) error {
	return r.mutate(now, func() { r.Mappings = m })
}

// SetGaps stores the gap report.
func (r *AnalysisRecord) SetGaps(g *GapReport, now time.Time) error {
	return r.mutate(now, func() { r.Gaps = g })
}

// SetSeriousIncident stores the notification triage outcome.
func (r *AnalysisRecord) SetSeriousIncident(s *SeriousIncidentRecord, now time.Time) error {
	return r.mutate(now, func() { r.SeriousIncident = s })
}

// SetEvidencePlan stores the evidence plan.
func (r *AnalysisRecord) SetEvidencePlan(p *EvidencePlan, now time.Time) error {
	return r.mutate(now, func() { r.EvidencePlan = p })
}

func (r *AnalysisRecord) finalize(status AnalysisStatus, reason string, stage Stage, now time.Time) error {
	return r.mutate(now, func() {
		r.Status = status
		r.StatusReason = reason
		r.FailedStage = stage
		r.CompletedAt = &now
	})
}

// Complete marks the record COMPLETED.
func (r *AnalysisRecord) Complete(now time.Time) error {
	return r.finalize(AnalysisStatusCompleted, "", "", now)
}

// MarkLowConfidence halts the record for human review.
func (r *AnalysisRecord) MarkLowConfidence(reason string, now time.Time) error {
	return r.finalize(AnalysisStatusLowConfidence, reason, "", now)
}

// Fail marks the record ERROR at stage.
func (r *AnalysisRecord) Fail(stage Stage, cause error, now time.Time) error {
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	return r.finalize(AnalysisStatusError, reason, stage, now)
}

// Snapshot returns a copy safe to hand to a consumer. Stage outputs are
// shared; they are never mutated after being set.
func (r *AnalysisRecord) Snapshot() *AnalysisRecord {
	out := *r
	out.Request = r.Request.Clone()
	return &out
}

// ============================================================================
// Persistence outcome
// ============================================================================

// PersistOutcome reports each backend independently.
type PersistOutcome struct {
	DocumentStoreOK    bool   `json:"document_store_ok"`
	TripleStoreOK      bool   `json:"triple_store_ok"`
	DocumentStoreError string `json:"document_store_error,omitempty"`
	TripleStoreError   string `json:"triple_store_error,omitempty"`
}

// Full is true when both writes succeeded.
func (o PersistOutcome) Full() bool {
	return o.DocumentStoreOK && o.TripleStoreOK
}

// Partial is true when exactly one write succeeded.
func (o PersistOutcome) Partial() bool {
	return o.DocumentStoreOK != o.TripleStoreOK
}

// NeedsReconciliation is true when the document exists but its graph does not.
func (o PersistOutcome) NeedsReconciliation() bool {
	return o.DocumentStoreOK && !o.TripleStoreOK
}

// AnalysisResult is the terminal payload of a run.
type AnalysisResult struct {
	Record      *AnalysisRecord `json:"record"`
	Persistence *PersistOutcome `json:"persistence,omitempty"`
}
