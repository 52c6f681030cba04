package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-forensics/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-forensics/pkg/models"
)

const (
	// DefaultConfidenceThreshold gates classification.
	DefaultConfidenceThreshold = 0.6
	// DefaultEventBuffer is the capacity of the channel returned by Run.
	DefaultEventBuffer = 32
	// DefaultTerminalEventWait bounds how long Run waits, after cancellation,
	// for a reader to take the terminal event.
	DefaultTerminalEventWait = 2 * time.Second

	skippedOutOfScope = "skipped: out of scope"
	skippedTriage     = "skipped: triage mode"
	causeCancelled    = "cancelled"
)

// ProgressPublisher receives a copy of every event, best effort.
type ProgressPublisher interface {
	Publish(ctx context.Context, event models.ProgressEvent) error
}

// EmitFunc receives progress events in order. It must not block for long.
type EmitFunc func(event models.ProgressEvent)

// PipelineService runs the forensic analysis of one incident.
type PipelineService interface {
	// Run validates req synchronously and then streams progress on the returned
	// channel. The last event is always analysis_complete or error, after which
	// the channel is closed.
	Run(ctx context.Context, req models.AnalysisRequest) (<-chan models.ProgressEvent, error)
	// Execute is the synchronous form of Run. The returned result carries the
	// record in its terminal state; err is non-nil for validation failures,
	// stage failures and cancellation.
	Execute(ctx context.Context, req models.AnalysisRequest, emit EmitFunc) (*models.AnalysisResult, error)
}

// PipelineConfig tunes the orchestrator.
type PipelineConfig struct {
	ConfidenceThreshold float64
	EventBuffer         int
	TerminalEventWait   time.Duration
}

// PipelineStages are the collaborators the orchestrator drives.
type PipelineStages struct {
	Extraction      ExtractionService
	Classification  ClassificationService
	Mapping         MappingService
	GapAnalysis     GapAnalysisService
	SeriousIncident SeriousIncidentService
	EvidencePlan    EvidencePlanService
	Persistence     PersistenceService
}

type pipelineService struct {
	stages    PipelineStages
	publisher ProgressPublisher
	config    PipelineConfig
	now       func() time.Time
	logger    *zap.Logger
}

// NewPipelineService creates the orchestrator. publisher may be nil.
func NewPipelineService(stages PipelineStages, publisher ProgressPublisher, config PipelineConfig, logger *zap.Logger) PipelineService {
	if config.ConfidenceThreshold <= 0 {
		config.ConfidenceThreshold = DefaultConfidenceThreshold
	}
	if config.EventBuffer <= 0 {
		config.EventBuffer = DefaultEventBuffer
	}
	if config.TerminalEventWait <= 0 {
		config.TerminalEventWait = DefaultTerminalEventWait
	}
	return &pipelineService{
		stages:    stages,
		publisher: publisher,
		config:    config,
		now:       time.Now,
		logger:    logger.Named("pipeline"),
	}
}

var _ PipelineService = (*pipelineService)(nil)

func (s *pipelineService) Run(ctx context.Context, req models.AnalysisRequest) (<-chan models.ProgressEvent, error) {
	normalized, err := NormalizeRequest(req)
	if err != nil {
		return nil, err
	}

	events := make(chan models.ProgressEvent, s.config.EventBuffer)
	go func() {
		defer close(events)
		emit := func(e models.ProgressEvent) {
			// Buffer space is used even after cancellation.
			select {
			case events <- e:
				return
			default:
			}
			select {
			case events <- e:
				return
			case <-ctx.Done():
			}
			if e.IsTerminal() {
				s.deliverTerminal(events, e)
			}
		}
		_, _ = s.execute(ctx, normalized, emit)
	}()
	return events, nil
}

// deliverTerminal hands the last event to a reader that may still be draining
// after cancellation. Non-terminal events are dropped once ctx is done; the
// terminal event waits up to TerminalEventWait so the stream still ends with it.
func (s *pipelineService) deliverTerminal(events chan<- models.ProgressEvent, e models.ProgressEvent) {
	timer := time.NewTimer(s.config.TerminalEventWait)
	defer timer.Stop()
	select {
	case events <- e:
	case <-timer.C:
		s.logger.Warn("Dropped terminal progress event, reader stopped draining",
			zap.String("analysis_id", e.AnalysisID),
			zap.String("event_type", string(e.EventType)))
	}
}

func (s *pipelineService) Execute(ctx context.Context, req models.AnalysisRequest, emit EmitFunc) (*models.AnalysisResult, error) {
	normalized, err := NormalizeRequest(req)
	if err != nil {
		return nil, err
	}
	if emit == nil {
		emit = func(models.ProgressEvent) {}
	}
	return s.execute(ctx, normalized, emit)
}

// run carries the state of one pipeline instance.
type run struct {
	s       *pipelineService
	ctx     context.Context
	record  *models.AnalysisRecord
	emit    EmitFunc
	percent int
}

func (r *run) send(eventType models.ProgressEventType, stage models.Stage, message string, data any) {
	event := models.ProgressEvent{
		AnalysisID:      r.record.ID,
		EventType:       eventType,
		StepName:        stage,
		StepNumber:      stage.Number(),
		ProgressPercent: r.percent,
		Message:         message,
		Data:            data,
		Timestamp:       r.s.now().UTC(),
	}
	r.emit(event)
	r.s.publish(r.ctx, event)
}

func (r *run) start(stage models.Stage) {
	r.send(models.EventStageStart, stage, "", nil)
}

func (r *run) complete(stage models.Stage, message string, data any) {
	if p := stage.CompletePercent(); p > r.percent {
		r.percent = p
	}
	r.send(models.EventStageComplete, stage, message, data)
}

func (r *run) skip(stage models.Stage, reason string) {
	r.start(stage)
	r.complete(stage, reason, nil)
}

func (s *pipelineService) publish(ctx context.Context, event models.ProgressEvent) {
	if s.publisher == nil {
		return
	}
	// Detached from cancellation so the terminal error event still reaches subscribers.
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := s.publisher.Publish(pubCtx, event); err != nil {
		s.logger.Debug("Failed to publish progress event",
			zap.String("analysis_id", event.AnalysisID),
			zap.String("event_type", string(event.EventType)),
			zap.Error(err))
	}
}

func (s *pipelineService) execute(ctx context.Context, req models.AnalysisRequest, emit EmitFunc) (*models.AnalysisResult, error) {
	r := &run{
		s:      s,
		ctx:    ctx,
		record: models.NewAnalysisRecord(req.ID, req, s.now()),
		emit:   emit,
	}
	s.logger.Info("Starting analysis",
		zap.String("analysis_id", req.ID),
		zap.String("source", req.Source),
		zap.String("agent_mode", string(req.Options.AgentMode)))

	// EXTRACTING
	r.start(models.StageExtracting)
	extraction, err := s.stages.Extraction.Extract(ctx, req.Narrative, req.Metadata)
	if err != nil {
		return r.fail(models.StageExtracting, err)
	}
	r.send(models.EventLLMExchange, models.StageExtracting, "", extraction.Exchange)
	draft := extraction.Draft
	if err := r.record.SetDraft(draft, s.now()); err != nil {
		return r.fail(models.StageExtracting, err)
	}
	r.complete(models.StageExtracting, fmt.Sprintf("confidence %.2f", draft.Confidence.Overall), draft.Confidence)

	if draft.Confidence.Overall < s.config.ConfidenceThreshold {
		reason := fmt.Sprintf("requires human review: confidence %.2f below %.2f",
			draft.Confidence.Overall, s.config.ConfidenceThreshold)
		if err := r.record.MarkLowConfidence(reason, s.now()); err != nil {
			return r.fail(models.StageExtracting, err)
		}
		return r.finish(models.StageLowConfidence, reason)
	}

	// CLASSIFYING
	if err := ctx.Err(); err != nil {
		return r.fail(models.StageClassifying, err)
	}
	r.start(models.StageClassifying)
	classification, err := s.stages.Classification.Classify(ctx, draft, req.Narrative)
	if classification != nil {
		for _, exchange := range classification.Exchanges {
			r.send(models.EventQueryExchange, models.StageClassifying, "", exchange)
		}
	}
	if err != nil {
		return r.fail(models.StageClassifying, err)
	}
	verdict := classification.Result
	if err := r.record.SetClassification(verdict, s.now()); err != nil {
		return r.fail(models.StageClassifying, err)
	}
	r.complete(models.StageClassifying, classificationSummary(verdict), verdict)

	triage := req.Options.AgentMode == models.AgentModeTriage
	inScope := verdict.InScope()

	// MAPPING and GAP_ANALYSIS
	switch {
	case !inScope:
		r.skip(models.StageMapping, skippedOutOfScope)
		r.skip(models.StageGapAnalysis, skippedOutOfScope)
	case triage:
		r.skip(models.StageMapping, skippedTriage)
		r.skip(models.StageGapAnalysis, skippedTriage)
	default:
		if err := ctx.Err(); err != nil {
			return r.fail(models.StageMapping, err)
		}
		r.start(models.StageMapping)
		mappings := s.stages.Mapping.Map(verdict.Requirements)
		if err := r.record.SetMappings(mappings, s.now()); err != nil {
			return r.fail(models.StageMapping, err)
		}
		r.complete(models.StageMapping, fmt.Sprintf("%d requirements mapped", len(mappings)), mappings)

		r.start(models.StageGapAnalysis)
		gaps := s.stages.GapAnalysis.Analyze(verdict.Requirements, draft)
		if err := r.record.SetGaps(gaps, s.now()); err != nil {
			return r.fail(models.StageGapAnalysis, err)
		}
		r.complete(models.StageGapAnalysis,
			fmt.Sprintf("%d of %d requirements missing", gaps.Missing, gaps.Total), gaps)
	}

	// SERIOUS_INCIDENT_CHECK
	if !inScope {
		r.skip(models.StageSeriousIncident, skippedOutOfScope)
	} else {
		if err := ctx.Err(); err != nil {
			return r.fail(models.StageSeriousIncident, err)
		}
		r.start(models.StageSeriousIncident)
		serious := s.stages.SeriousIncident.Classify(draft, verdict, req.Narrative)
		if err := r.record.SetSeriousIncident(serious, s.now()); err != nil {
			return r.fail(models.StageSeriousIncident, err)
		}
		r.complete(models.StageSeriousIncident, seriousIncidentSummary(serious), serious)
	}

	// EVIDENCE_PLANNING
	if req.Options.WithEvidencePlan {
		switch {
		case !inScope:
			r.skip(models.StageEvidencePlanning, skippedOutOfScope)
		case triage:
			r.skip(models.StageEvidencePlanning, skippedTriage)
		default:
			r.start(models.StageEvidencePlanning)
			plan := s.stages.EvidencePlan.Generate(r.record.Gaps)
			if err := r.record.SetEvidencePlan(plan, s.now()); err != nil {
				return r.fail(models.StageEvidencePlanning, err)
			}
			r.complete(models.StageEvidencePlanning, fmt.Sprintf("%d plan entries", len(plan.Entries)), plan)
		}
	}

	if err := ctx.Err(); err != nil {
		return r.fail(models.StagePersisting, err)
	}
	if err := r.record.Complete(s.now()); err != nil {
		return r.fail(models.StagePersisting, err)
	}
	return r.finish(models.StageCompleted, "")
}

// finish persists the finalized record and emits analysis_complete.
func (r *run) finish(terminal models.Stage, message string) (*models.AnalysisResult, error) {
	r.start(models.StagePersisting)
	outcome := r.s.stages.Persistence.Persist(r.ctx, r.record)
	r.complete(models.StagePersisting, persistSummary(outcome), outcome)

	result := &models.AnalysisResult{Record: r.record.Snapshot(), Persistence: &outcome}
	r.percent = terminal.CompletePercent()
	r.send(models.EventAnalysisComplete, terminal, message, result)

	r.s.logger.Info("Analysis finished",
		zap.String("analysis_id", r.record.ID),
		zap.String("status", string(r.record.Status)),
		zap.Bool("document_store_ok", outcome.DocumentStoreOK),
		zap.Bool("triple_store_ok", outcome.TripleStoreOK))
	return result, nil
}

// fail finalizes the record as ERROR and emits the terminal error event.
// Failed and cancelled runs are not persisted.
func (r *run) fail(stage models.Stage, err error) (*models.AnalysisResult, error) {
	cause := err.Error()
	kind := stageErrorKind(err)
	if ctxErr := r.ctx.Err(); ctxErr != nil || errors.Is(err, context.Canceled) {
		cause = causeCancelled
		kind = apperrors.ErrCancelled
		r.s.logger.Info("Analysis cancelled",
			zap.String("analysis_id", r.record.ID),
			zap.String("stage", string(stage)))
	} else {
		r.s.logger.Error("Analysis failed",
			zap.String("analysis_id", r.record.ID),
			zap.String("stage", string(stage)),
			zap.Error(err))
	}

	stageErr := apperrors.NewStageError(string(stage), kind, err)
	_ = r.record.Fail(stage, stageErr, r.s.now())

	r.send(models.EventError, stage, cause, models.StageErrorPayload{Stage: stage, Cause: cause})
	return &models.AnalysisResult{Record: r.record.Snapshot()}, stageErr
}

func stageErrorKind(err error) error {
	for _, kind := range []error{
		apperrors.ErrExtractionTimeout,
		apperrors.ErrExtractionMalformed,
		apperrors.ErrKnowledgeServiceUnavailable,
		apperrors.ErrValidation,
		models.ErrRecordFinalized,
	} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

func classificationSummary(c *models.ClassificationResult) string {
	if !c.InScope() {
		return string(c.Scope)
	}
	msg := fmt.Sprintf("%s %s", c.Scope, c.Risk())
	if c.ProfilingEscalated {
		msg += " (profiling escalation)"
	}
	return msg
}

func seriousIncidentSummary(s *models.SeriousIncidentRecord) string {
	if s.Category == nil {
		return "no serious-incident category matched"
	}
	if s.MandatoryNotification {
		return fmt.Sprintf("%s, notification due within %d days", *s.Category, s.NotificationDeadlineDays)
	}
	return string(*s.Category)
}

func persistSummary(o models.PersistOutcome) string {
	switch {
	case o.Full():
		return "stored in document and triple stores"
	case o.NeedsReconciliation():
		return "stored in document store; triple store pending reconciliation"
	case o.Partial():
		return "stored in triple store only"
	default:
		return "persistence failed"
	}
}
