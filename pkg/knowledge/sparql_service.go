package knowledge

import (
	"context"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-forensics/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-forensics/pkg/models"
	"github.com/ekaya-inc/ekaya-forensics/pkg/sparql"
)

// Selecter runs SPARQL SELECT queries. *sparql.Client implements it.
type Selecter interface {
	Select(ctx context.Context, query string) (*sparql.Results, error)
}

// SPARQLService answers knowledge queries from a remote SPARQL endpoint.
type SPARQLService struct {
	client    Selecter
	namespace string
	logger    *zap.Logger
}

// NewSPARQLService creates a knowledge service backed by a SPARQL endpoint.
func NewSPARQLService(client Selecter, namespace string, logger *zap.Logger) *SPARQLService {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return &SPARQLService{
		client:    client,
		namespace: namespace,
		logger:    logger.Named("knowledge-sparql"),
	}
}

var _ Service = (*SPARQLService)(nil)

// PurposeProfiles matches candidates against ontology purposes.
func (s *SPARQLService) PurposeProfiles(ctx context.Context, candidates []string) ([]PurposeProfile, QueryInfo, error) {
	normalized := normalizeCandidates(candidates)
	info := QueryInfo{Name: QueryPurposeProfiles}
	if len(normalized) == 0 {
		return nil, info, nil
	}
	info.Query = purposeProfilesQuery(s.namespace, normalized)

	res, err := s.client.Select(ctx, info.Query)
	if err != nil {
		return nil, info, s.wrap(QueryPurposeProfiles, err)
	}
	info.Rows = len(res.Results.Bindings)

	byID := make(map[string]*PurposeProfile)
	var order []string
	for _, b := range res.Results.Bindings {
		id := sparql.LocalName(b.Value("purpose"))
		p, ok := byID[id]
		if !ok {
			p = &PurposeProfile{
				PurposeID:        id,
				Label:            b.Value("label"),
				MatchedCandidate: b.Value("candidate"),
			}
			byID[id] = p
			order = append(order, id)
		}
		setOnce(&p.ExclusionBasis, b, "exclusion")
		setOnce(&p.ProhibitedBasis, b, "prohibited")
		setOnce(&p.HighRiskBasis, b, "highRisk")
		setOnce(&p.TransparencyBasis, b, "transparency")
		appendUnique(&p.Criteria, b, "criterion")
		appendUnique(&p.Requirements, b, "requirement")
	}

	profiles := make([]PurposeProfile, 0, len(order))
	for _, id := range order {
		profiles = append(profiles, *byID[id])
	}

	s.logger.Debug("Purpose profiles resolved",
		zap.Int("candidates", len(normalized)),
		zap.Int("rows", info.Rows),
		zap.Int("purposes", len(profiles)))

	return profiles, info, nil
}

// RequirementsForRisk returns the requirement ids mandated for a tier.
func (s *SPARQLService) RequirementsForRisk(ctx context.Context, level models.RiskLevel) ([]string, QueryInfo, error) {
	info := QueryInfo{Name: QueryRequirementsForRisk}
	if !level.IsValid() {
		return nil, info, fmt.Errorf("requirements for risk: invalid level %d", int(level))
	}
	info.Query = requirementsForRiskQuery(s.namespace, level)

	res, err := s.client.Select(ctx, info.Query)
	if err != nil {
		return nil, info, s.wrap(QueryRequirementsForRisk, err)
	}
	info.Rows = len(res.Results.Bindings)

	var reqs []string
	for _, b := range res.Results.Bindings {
		appendUnique(&reqs, b, "requirement")
	}
	return reqs, info, nil
}

func (s *SPARQLService) wrap(name string, err error) error {
	if sparql.IsUnavailable(err) {
		s.logger.Warn("Knowledge service unavailable",
			zap.String("query", name),
			zap.Error(err))
		return fmt.Errorf("%s: %w: %w", name, apperrors.ErrKnowledgeServiceUnavailable, err)
	}
	return fmt.Errorf("%s: %w", name, err)
}

func termValue(b sparql.Binding, name string) string {
	t := b[name]
	if t.Type == "uri" {
		return sparql.LocalName(t.Value)
	}
	return t.Value
}

func setOnce(dst *string, b sparql.Binding, name string) {
	if *dst == "" && b.Has(name) {
		*dst = termValue(b, name)
	}
}

func appendUnique(dst *[]string, b sparql.Binding, name string) {
	if !b.Has(name) {
		return
	}
	v := termValue(b, name)
	if v != "" && !slices.Contains(*dst, v) {
		*dst = append(*dst, v)
	}
}
