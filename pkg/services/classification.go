package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-forensics/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-forensics/pkg/catalog"
	"github.com/ekaya-inc/ekaya-forensics/pkg/knowledge"
	"github.com/ekaya-inc/ekaya-forensics/pkg/matcher"
	"github.com/ekaya-inc/ekaya-forensics/pkg/models"
	"github.com/ekaya-inc/ekaya-forensics/pkg/retry"
)

// CriterionProfiling is recorded when profiling of natural persons is detected.
const CriterionProfiling = "profiling_of_natural_persons"

// ClassificationOutput is the verdict plus the knowledge queries behind it.
type ClassificationOutput struct {
	Result    *models.ClassificationResult
	Exchanges []models.QueryExchange
}

// ClassificationService decides regulatory scope and risk tier.
type ClassificationService interface {
	// Classify queries the knowledge service with the draft's facts. When the
	// service stays unavailable past the retry budget the error wraps
	// apperrors.ErrKnowledgeServiceUnavailable; no default tier is assumed.
	Classify(ctx context.Context, draft *models.ExtractedDraft, narrative string) (*ClassificationOutput, error)
}

// ClassificationConfig bounds knowledge queries.
type ClassificationConfig struct {
	QueryTimeout time.Duration
	Retry        *retry.Config
}

// DefaultClassificationConfig returns the classification defaults.
func DefaultClassificationConfig() ClassificationConfig {
	return ClassificationConfig{
		QueryTimeout: 15 * time.Second,
		Retry:        retry.DefaultConfig(),
	}
}

type classificationService struct {
	knowledge knowledge.Service
	override  matcher.Matcher
	profiling matcher.Matcher
	config    ClassificationConfig
	logger    *zap.Logger
}

// NewClassificationService creates a classification service. Override and
// profiling matchers are built from the catalog vocabularies.
func NewClassificationService(
	ks knowledge.Service,
	vocab catalog.Vocabularies,
	config ClassificationConfig,
	logger *zap.Logger,
) ClassificationService {
	if config.QueryTimeout <= 0 {
		config.QueryTimeout = DefaultClassificationConfig().QueryTimeout
	}
	if config.Retry == nil {
		config.Retry = retry.DefaultConfig()
	}
	config.Retry = config.Retry.WithRetryable(func(err error) bool {
		return errors.Is(err, apperrors.ErrKnowledgeServiceUnavailable)
	})

	return &classificationService{
		knowledge: ks,
		override:  vocabularyMatcher(vocab.Override),
		profiling: vocabularyMatcher(vocab.Profiling),
		config:    config,
		logger:    logger.Named("classification"),
	}
}

var _ ClassificationService = (*classificationService)(nil)

func vocabularyMatcher(v catalog.Vocabulary) matcher.Matcher {
	return matcher.AnyMatcher{
		matcher.Keywords(v.Terms...),
		matcher.NewTagMatcher(1, v.Tags...),
	}
}

func (s *classificationService) Classify(ctx context.Context, draft *models.ExtractedDraft, narrative string) (*ClassificationOutput, error) {
	out := &ClassificationOutput{}

	candidates := slices.Concat(draft.System.Purposes, draft.System.DeploymentContexts, draft.System.DataTypes)
	profiles, exchange, err := runKnowledgeQuery(ctx, s, func(ctx context.Context) ([]knowledge.PurposeProfile, knowledge.QueryInfo, error) {
		return s.knowledge.PurposeProfiles(ctx, candidates)
	})
	if exchange.Query != "" {
		out.Exchanges = append(out.Exchanges, exchange)
	}
	if err != nil {
		return nil, err
	}

	input := matcher.Input{Text: classificationText(draft, narrative), Tags: draft.ContextTags}
	overrides := matcher.Indicators(s.override.Match(input))
	profilingDetected := len(s.profiling.Match(input)) > 0

	result := &models.ClassificationResult{
		MatchedPurposes:   []string{},
		ActivatedCriteria: []string{},
		Requirements:      []string{},
		OverrideSignals:   overrides,
		ProfilingDetected: profilingDetected,
	}

	allExcluded := len(profiles) > 0
	for _, p := range profiles {
		result.MatchedPurposes = append(result.MatchedPurposes, p.PurposeID)
		if p.Excluded() {
			result.ExcludedPurposes = append(result.ExcludedPurposes, p.PurposeID)
		} else {
			allExcluded = false
		}
	}

	if allExcluded && len(overrides) == 0 && !profilingDetected {
		result.Scope = models.ScopeOutOfScope
		out.Result = result
		s.logger.Info("Incident out of scope",
			zap.Strings("excluded_purposes", result.ExcludedPurposes))
		return out, nil
	}
	result.Scope = models.ScopeInScope

	risk := models.RiskMinimal
	var purposeRequirements []string
	for _, p := range profiles {
		if p.Excluded() {
			continue
		}
		risk = models.MaxRiskLevel(risk, p.BaseRisk())
		result.ActivatedCriteria = append(result.ActivatedCriteria, p.Criteria...)
		purposeRequirements = append(purposeRequirements, p.Requirements...)
	}

	// Profiling escalation is applied last and unconditionally.
	if profilingDetected {
		result.ActivatedCriteria = append(result.ActivatedCriteria, CriterionProfiling)
		if !risk.AtLeast(models.RiskHigh) {
			risk = models.RiskHigh
			result.ProfilingEscalated = true
		}
	}
	result.RiskLevel = &risk

	tierRequirements, exchange, err := runKnowledgeQuery(ctx, s, func(ctx context.Context) ([]string, knowledge.QueryInfo, error) {
		return s.knowledge.RequirementsForRisk(ctx, risk)
	})
	out.Exchanges = append(out.Exchanges, exchange)
	if err != nil {
		return nil, err
	}

	result.ActivatedCriteria = sortedUnique(result.ActivatedCriteria)
	result.Requirements = sortedUnique(slices.Concat(purposeRequirements, tierRequirements))
	out.Result = result

	s.logger.Info("Incident classified",
		zap.String("risk_level", risk.String()),
		zap.Strings("purposes", result.MatchedPurposes),
		zap.Bool("profiling", profilingDetected),
		zap.Int("requirements", len(result.Requirements)))

	return out, nil
}

// runKnowledgeQuery retries one knowledge query while the service is
// unavailable, giving each attempt its own timeout.
func runKnowledgeQuery[T any](
	ctx context.Context,
	s *classificationService,
	query func(ctx context.Context) (T, knowledge.QueryInfo, error),
) (T, models.QueryExchange, error) {
	var exchange models.QueryExchange
	start := time.Now()

	result, err := retry.DoIfRetryableWithResult(ctx, s.config.Retry, func() (T, error) {
		exchange.Attempts++
		attemptCtx, cancel := context.WithTimeout(ctx, s.config.QueryTimeout)
		defer cancel()

		r, info, err := query(attemptCtx)
		exchange.Name = info.Name
		exchange.Query = info.Query
		exchange.Rows = info.Rows
		if err != nil && attemptCtx.Err() != nil && ctx.Err() == nil &&
			!errors.Is(err, apperrors.ErrKnowledgeServiceUnavailable) {
			err = fmt.Errorf("%s: %w: %w", info.Name, apperrors.ErrKnowledgeServiceUnavailable, err)
		}
		return r, err
	})
	exchange.DurationMs = time.Since(start).Milliseconds()

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return result, exchange, ctxErr
		}
		s.logger.Error("Knowledge query failed",
			zap.String("query", exchange.Name),
			zap.Int("attempts", exchange.Attempts),
			zap.Error(err))
		return result, exchange, fmt.Errorf("knowledge query %s: %w", exchange.Name, err)
	}
	return result, exchange, nil
}

// classificationText joins the narrative and the draft facts matchers look at.
func classificationText(d *models.ExtractedDraft, narrative string) string {
	parts := []string{narrative, d.System.Description, d.Incident.Type, d.Incident.Description}
	parts = append(parts, d.System.Purposes...)
	parts = append(parts, d.System.DataTypes...)
	parts = append(parts, d.Incident.AffectedPopulations...)
	for _, e := range d.Incident.Timeline {
		parts = append(parts, e.Event)
	}
	return strings.Join(parts, "\n")
}

func sortedUnique(items []string) []string {
	out := slices.Clone(items)
	slices.Sort(out)
	out = slices.Compact(out)
	if out == nil {
		out = []string{}
	}
	return out
}
