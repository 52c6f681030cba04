package models

import "time"

// Stage names a pipeline state.
type Stage string

const (
	StageExtracting       Stage = "EXTRACTING"
	StageClassifying      Stage = "CLASSIFYING"
	StageMapping          Stage = "MAPPING"
	StageGapAnalysis      Stage = "GAP_ANALYSIS"
	StageSeriousIncident  Stage = "SERIOUS_INCIDENT_CHECK"
	StageEvidencePlanning Stage = "EVIDENCE_PLANNING"
	StagePersisting       Stage = "PERSISTING"
	StageCompleted        Stage = "COMPLETED"
	StageLowConfidence    Stage = "LOW_CONFIDENCE"
	StageError            Stage = "ERROR"
)

type stageInfo struct {
	number int
	// percent reached when the stage completes
	percent int
}

var stageTable = map[Stage]stageInfo{
	StageExtracting:       {1, 20},
	StageClassifying:      {2, 35},
	StageMapping:          {3, 50},
	StageGapAnalysis:      {4, 65},
	StageSeriousIncident:  {5, 75},
	StageEvidencePlanning: {6, 85},
	StagePersisting:       {7, 95},
	StageCompleted:        {8, 100},
	StageLowConfidence:    {8, 100},
}

// Number returns the ordinal position of the stage (0 for ERROR).
func (s Stage) Number() int {
	return stageTable[s].number
}

// CompletePercent returns the progress percent once s has finished.
func (s Stage) CompletePercent() int {
	return stageTable[s].percent
}

// ProgressEventType enumerates progress event kinds.
type ProgressEventType string

const (
	EventStageStart       ProgressEventType = "stage_start"
	EventStageComplete    ProgressEventType = "stage_complete"
	EventLLMExchange      ProgressEventType = "llm_exchange"
	EventQueryExchange    ProgressEventType = "query_exchange"
	EventAnalysisComplete ProgressEventType = "analysis_complete"
	EventError            ProgressEventType = "error"
)

// ProgressEvent is one entry of a run's progress stream.
type ProgressEvent struct {
	AnalysisID      string            `json:"analysis_id"`
	EventType       ProgressEventType `json:"event_type"`
	StepName        Stage             `json:"step_name"`
	StepNumber      int               `json:"step_number"`
	ProgressPercent int               `json:"progress_percent"`
	Message         string            `json:"message,omitempty"`
	Data            any               `json:"data,omitempty"`
	Timestamp       time.Time         `json:"timestamp"`
}

// IsTerminal is true for the final event of a run.
func (e ProgressEvent) IsTerminal() bool {
	return e.EventType == EventAnalysisComplete || e.EventType == EventError
}

// LLMExchange is the payload of an llm_exchange event.
type LLMExchange struct {
	Model          string `json:"model"`
	Endpoint       string `json:"endpoint,omitempty"`
	PromptChars    int    `json:"prompt_chars"`
	Response       string `json:"response"`
	Attempts       int    `json:"attempts"`
	DurationMs     int64  `json:"duration_ms"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// QueryExchange is the payload of a query_exchange event.
type QueryExchange struct {
	Name       string `json:"name"`
	Query      string `json:"query"`
	Rows       int    `json:"rows"`
	Attempts   int    `json:"attempts"`
	DurationMs int64  `json:"duration_ms"`
}

// StageErrorPayload is the payload of an error event.
type StageErrorPayload struct {
	Stage Stage  `json:"stage"`
	Cause string `json:"cause"`
}
