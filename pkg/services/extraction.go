package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-forensics/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-forensics/pkg/jsonutil"
	"github.com/ekaya-inc/ekaya-forensics/pkg/llm"
	"github.com/ekaya-inc/ekaya-forensics/pkg/matcher"
	"github.com/ekaya-inc/ekaya-forensics/pkg/models"
	"github.com/ekaya-inc/ekaya-forensics/pkg/prompts"
	"github.com/ekaya-inc/ekaya-forensics/pkg/retry"
)

// ExtractionOutput is the draft plus the exchange that produced it.
type ExtractionOutput struct {
	Draft    *models.ExtractedDraft
	Exchange models.LLMExchange
}

// ExtractionService turns a narrative into an ExtractedDraft.
type ExtractionService interface {
	// Extract calls the LLM and parses its answer. Transient failures that
	// outlast the retry budget return apperrors.ErrExtractionTimeout; answers
	// that keep failing to parse return apperrors.ErrExtractionMalformed.
	Extract(ctx context.Context, narrative string, metadata map[string]any) (*ExtractionOutput, error)
}

// ExtractionConfig bounds the extraction call.
type ExtractionConfig struct {
	AttemptTimeout      time.Duration // per LLM call
	Retry               *retry.Config // transient transport failures
	MaxMalformedRetries int           // re-prompts after an unparseable answer
}

// DefaultExtractionConfig returns the extraction defaults.
func DefaultExtractionConfig() ExtractionConfig {
	return ExtractionConfig{
		AttemptTimeout: 60 * time.Second,
		Retry: &retry.Config{
			MaxRetries:       3,
			InitialDelay:     500 * time.Millisecond,
			MaxDelay:         8 * time.Second,
			Multiplier:       2.0,
			JitterFactor:     0.1,
			MaxSameErrorType: 4,
		},
		MaxMalformedRetries: 2,
	}
}

type extractionService struct {
	client llm.LLMClient
	config ExtractionConfig
	logger *zap.Logger
}

// NewExtractionService creates an extraction service.
func NewExtractionService(client llm.LLMClient, config ExtractionConfig, logger *zap.Logger) ExtractionService {
	defaults := DefaultExtractionConfig()
	if config.AttemptTimeout <= 0 {
		config.AttemptTimeout = defaults.AttemptTimeout
	}
	if config.Retry == nil {
		config.Retry = defaults.Retry
	}
	if config.MaxMalformedRetries < 0 {
		config.MaxMalformedRetries = 0
	}
	return &extractionService{
		client: client,
		config: config,
		logger: logger.Named("extraction"),
	}
}

var _ ExtractionService = (*extractionService)(nil)

func (s *extractionService) Extract(ctx context.Context, narrative string, metadata map[string]any) (*ExtractionOutput, error) {
	start := time.Now()
	systemMessage := prompts.BuildExtractionSystemMessage()
	prompt := prompts.BuildExtractionPrompt(narrative, metadata)

	exchange := models.LLMExchange{
		Model:    s.client.GetModel(),
		Endpoint: s.client.GetEndpoint(),
	}

	delay := s.config.Retry.InitialDelay
	for malformed := 0; ; malformed++ {
		exchange.PromptChars = len(systemMessage) + len(prompt)

		result, err := retry.DoIfRetryableWithResult(ctx, s.config.Retry, func() (*llm.GenerateResponseResult, error) {
			exchange.Attempts++
			attemptCtx, cancel := context.WithTimeout(
				llm.WithContext(ctx, map[string]any{"stage": string(models.StageExtracting), "attempt": exchange.Attempts}),
				s.config.AttemptTimeout)
			defer cancel()
			return s.client.GenerateResponse(attemptCtx, prompt, systemMessage, 0)
		})
		exchange.DurationMs = time.Since(start).Milliseconds()

		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			if retry.IsRetryable(err) || errors.Is(err, context.DeadlineExceeded) {
				s.logger.Error("Extraction call kept failing",
					zap.Int("attempts", exchange.Attempts),
					zap.Error(err))
				return nil, fmt.Errorf("%w: %w", apperrors.ErrExtractionTimeout, err)
			}
			s.logger.Error("Extraction call failed", zap.Error(err))
			return nil, fmt.Errorf("extraction call: %w", err)
		}

		exchange.Response = result.Content
		if result.ConversationID != uuid.Nil {
			exchange.ConversationID = result.ConversationID.String()
		}

		draft, perr := ParseExtractedDraft(result.Content)
		if perr == nil {
			draft.Confidence = models.ComputeConfidence(draft)
			s.logger.Info("Extraction complete",
				zap.Float64("confidence", draft.Confidence.Overall),
				zap.Int("attempts", exchange.Attempts),
				zap.Int("purposes", len(draft.System.Purposes)))
			return &ExtractionOutput{Draft: draft, Exchange: exchange}, nil
		}

		if malformed >= s.config.MaxMalformedRetries {
			s.logger.Error("Extraction output malformed",
				zap.Int("attempts", exchange.Attempts),
				zap.Error(perr))
			return nil, fmt.Errorf("%w: %w", apperrors.ErrExtractionMalformed, perr)
		}

		s.logger.Warn("Extraction output malformed, re-prompting",
			zap.Int("malformed", malformed+1),
			zap.Error(perr))
		prompt = prompts.BuildExtractionRetryPrompt(narrative, metadata, perr.Error())

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		delay = min(delay*2, s.config.Retry.MaxDelay)
	}
}

type rawDraft struct {
	System      *rawSystem           `json:"system"`
	Incident    *rawIncident         `json:"incident"`
	Evidence    models.EvidenceFacts `json:"evidence"`
	ContextTags jsonutil.StringList  `json:"context_tags"`
}

// rawSystem and rawIncident accept scalars where models answer with the
// wrong JSON type.
type rawSystem struct {
	Name               jsonutil.String     `json:"name"`
	Organization       jsonutil.String     `json:"organization"`
	SystemType         jsonutil.String     `json:"system_type"`
	Description        jsonutil.String     `json:"description"`
	Purposes           jsonutil.StringList `json:"purposes"`
	DeploymentContexts jsonutil.StringList `json:"deployment_contexts"`
	DataTypes          jsonutil.StringList `json:"data_types"`
}

type rawIncident struct {
	Type                jsonutil.String     `json:"type"`
	Severity            jsonutil.String     `json:"severity"`
	Description         jsonutil.String     `json:"description"`
	AffectedPopulations jsonutil.StringList `json:"affected_populations"`
	Timeline            []struct {
		Date  jsonutil.String `json:"date"`
		Event jsonutil.String `json:"event"`
	} `json:"timeline"`
}

// ParseExtractedDraft parses a model answer into a cleaned draft. The
// confidence score is left zero; callers compute it.
func ParseExtractedDraft(content string) (*models.ExtractedDraft, error) {
	raw, err := llm.ParseJSONResponse[rawDraft](content)
	if err != nil {
		return nil, err
	}
	if raw.System == nil {
		return nil, fmt.Errorf("%w: missing system object", llm.ErrMalformedResponse)
	}
	if raw.Incident == nil {
		return nil, fmt.Errorf("%w: missing incident object", llm.ErrMalformedResponse)
	}

	rs := raw.System
	sys := models.SystemFacts{
		Name:               cleanString(string(rs.Name)),
		Organization:       cleanString(string(rs.Organization)),
		SystemType:         cleanString(string(rs.SystemType)),
		Description:        cleanString(string(rs.Description)),
		Purposes:           cleanList(rs.Purposes),
		DeploymentContexts: cleanList(rs.DeploymentContexts),
		DataTypes:          cleanList(rs.DataTypes),
	}

	ri := raw.Incident
	inc := models.IncidentFacts{
		Type:                cleanString(string(ri.Type)),
		Severity:            cleanString(string(ri.Severity)),
		Description:         cleanString(string(ri.Description)),
		AffectedPopulations: cleanList(ri.AffectedPopulations),
		Timeline:            make([]models.TimelineEntry, 0, len(ri.Timeline)),
	}
	for _, e := range ri.Timeline {
		entry := models.TimelineEntry{
			Date:  cleanString(string(e.Date)),
			Event: cleanString(string(e.Event)),
		}
		if entry.Event == "" {
			continue
		}
		inc.Timeline = append(inc.Timeline, entry)
	}

	ev := raw.Evidence
	for _, field := range []*[]string{
		&ev.RiskManagement, &ev.DataGovernance, &ev.TechnicalDocumentation, &ev.RecordKeeping,
		&ev.Transparency, &ev.HumanOversight, &ev.AccuracyRobustness, &ev.QualityManagement,
		&ev.PostMarketMonitoring, &ev.IncidentReporting, &ev.ImpactAssessment,
	} {
		*field = cleanList(*field)
	}

	var tags []string
	for _, t := range raw.ContextTags {
		if n := matcher.NormalizeTag(t); n != "" && !containsFold(tags, n) {
			tags = append(tags, n)
		}
	}

	return &models.ExtractedDraft{
		System:      sys,
		Incident:    inc,
		Evidence:    ev,
		ContextTags: tags,
	}, nil
}

// cleanString trims s and drops placeholder values.
func cleanString(s string) string {
	s = strings.TrimSpace(s)
	if models.IsPlaceholder(s) {
		return ""
	}
	return s
}

// cleanList trims entries, drops placeholders and removes case-insensitive duplicates.
func cleanList(items []string) []string {
	var out []string
	for _, item := range items {
		item = cleanString(item)
		if item == "" || containsFold(out, item) {
			continue
		}
		out = append(out, item)
	}
	return out
}

func containsFold(items []string, s string) bool {
	for _, item := range items {
		if strings.EqualFold(item, s) {
			return true
		}
	}
	return false
}
