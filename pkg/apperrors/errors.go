package apperrors

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrValidation = errors.New("validation failed")
	ErrCancelled  = errors.New("cancelled")

	// ErrExtractionTimeout: the extraction call kept timing out or failing transiently.
	ErrExtractionTimeout = errors.New("extraction timeout")
	// ErrExtractionMalformed: the model kept returning output that does not match the schema.
	ErrExtractionMalformed = errors.New("extraction malformed")
	// ErrKnowledgeServiceUnavailable: the regulatory knowledge service could not be queried.
	ErrKnowledgeServiceUnavailable = errors.New("knowledge service unavailable")
	// ErrPersistence: a storage backend rejected or failed a write.
	ErrPersistence = errors.New("persistence failure")
)

// ValidationError describes one rejected request field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Message)
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

// Unwrap lets errors.Is(err, ErrValidation) match.
func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// IsRetryable implements retry.RetryableError; bad input never improves.
func (e *ValidationError) IsRetryable() bool {
	return false
}

// NewValidationError creates a ValidationError.
func NewValidationError(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// StageError attributes a failure to the pipeline stage where it happened.
type StageError struct {
	Stage string
	// Kind is the sentinel classifying the failure, e.g. ErrKnowledgeServiceUnavailable.
	Kind  error
	Cause error
}

func (e *StageError) Error() string {
	switch {
	case e.Cause != nil && e.Kind != nil:
		return fmt.Sprintf("%s: %v: %v", e.Stage, e.Kind, e.Cause)
	case e.Kind != nil:
		return fmt.Sprintf("%s: %v", e.Stage, e.Kind)
	case e.Cause != nil:
		return fmt.Sprintf("%s: %v", e.Stage, e.Cause)
	}
	return e.Stage + ": failed"
}

// Unwrap exposes both the kind and the cause to errors.Is/As.
func (e *StageError) Unwrap() []error {
	var errs []error
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	return errs
}

// IsRetryable reports whether the kind is transient. Timeouts and an
// unavailable knowledge service are; malformed output and validation are not.
func (e *StageError) IsRetryable() bool {
	return IsTransient(e.Kind)
}

// NewStageError creates a StageError.
func NewStageError(stage string, kind, cause error) *StageError {
	return &StageError{Stage: stage, Kind: kind, Cause: cause}
}

// IsTransient reports whether err belongs to a transient failure class.
func IsTransient(err error) bool {
	return errors.Is(err, ErrExtractionTimeout) || errors.Is(err, ErrKnowledgeServiceUnavailable)
}

// Error codes reported to API and MCP callers.
const (
	CodeValidation           = "validation_error"
	CodeNotFound             = "not_found"
	CodeCancelled            = "cancelled"
	CodeKnowledgeUnavailable = "knowledge_service_unavailable"
	CodeExtractionTimeout    = "extraction_timeout"
	CodeExtractionMalformed  = "extraction_malformed"
	CodePersistence          = "persistence_failed"
	CodeAnalysisFailed       = "analysis_failed"
)

// Code maps err onto a stable caller-facing code. Unclassified errors are
// reported as CodeAnalysisFailed.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return CodeValidation
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrCancelled):
		return CodeCancelled
	case errors.Is(err, ErrKnowledgeServiceUnavailable):
		return CodeKnowledgeUnavailable
	case errors.Is(err, ErrExtractionTimeout):
		return CodeExtractionTimeout
	case errors.Is(err, ErrExtractionMalformed):
		return CodeExtractionMalformed
	case errors.Is(err, ErrPersistence):
		return CodePersistence
	}
	return CodeAnalysisFailed
}
