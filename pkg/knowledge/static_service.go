package knowledge

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"slices"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/ekaya-inc/ekaya-forensics/pkg/models"
)

//go:embed data/knowledge_base.yaml
var embeddedKnowledgeBase []byte

type staticPurpose struct {
	ID           string   `yaml:"id"`
	Label        string   `yaml:"label"`
	Synonyms     []string `yaml:"synonyms"`
	Exclusion    string   `yaml:"exclusion"`
	Prohibited   string   `yaml:"prohibited"`
	HighRisk     string   `yaml:"high_risk"`
	Transparency string   `yaml:"transparency"`
	Criteria     []string `yaml:"criteria"`
	Requirements []string `yaml:"requirements"`
}

// matches reports whether the label or a synonym occurs as whole words in a
// normalised candidate.
func (p staticPurpose) matches(candidate string) bool {
	if containsPhrase(candidate, normalizePhrase(p.Label)) {
		return true
	}
	for _, syn := range p.Synonyms {
		if containsPhrase(candidate, normalizePhrase(syn)) {
			return true
		}
	}
	return false
}

type staticKnowledgeBase struct {
	Purposes         []staticPurpose     `yaml:"purposes"`
	RiskRequirements map[string][]string `yaml:"risk_requirements"`
}

// StaticService answers knowledge queries from a YAML knowledge base held in memory.
// It reports the equivalent SPARQL text so audit trails look the same as with
// a remote endpoint.
type StaticService struct {
	kb        staticKnowledgeBase
	risk      map[models.RiskLevel][]string
	namespace string
	logger    *zap.Logger
}

var _ Service = (*StaticService)(nil)

// NewStaticService loads the knowledge base from path, or the embedded copy when path is empty.
func NewStaticService(path string, logger *zap.Logger) (*StaticService, error) {
	data := embeddedKnowledgeBase
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read knowledge base: %w", err)
		}
	}

	var kb staticKnowledgeBase
	if err := yaml.Unmarshal(data, &kb); err != nil {
		return nil, fmt.Errorf("parse knowledge base: %w", err)
	}

	risk := make(map[models.RiskLevel][]string, len(kb.RiskRequirements))
	for name, reqs := range kb.RiskRequirements {
		level, err := models.ParseRiskLevel(name)
		if err != nil {
			return nil, fmt.Errorf("knowledge base risk_requirements: %w", err)
		}
		risk[level] = reqs
	}

	seen := make(map[string]bool, len(kb.Purposes))
	for _, p := range kb.Purposes {
		if p.ID == "" || p.Label == "" {
			return nil, fmt.Errorf("knowledge base: purpose needs id and label")
		}
		if seen[p.ID] {
			return nil, fmt.Errorf("knowledge base: duplicate purpose %s", p.ID)
		}
		seen[p.ID] = true
	}

	logger.Named("knowledge-static").Info("Loaded static knowledge base",
		zap.Int("purposes", len(kb.Purposes)),
		zap.Int("risk_levels", len(risk)))

	return &StaticService{
		kb:        kb,
		risk:      risk,
		namespace: DefaultNamespace,
		logger:    logger.Named("knowledge-static"),
	}, nil
}

// PurposeProfiles matches candidates against the in-memory purposes.
func (s *StaticService) PurposeProfiles(ctx context.Context, candidates []string) ([]PurposeProfile, QueryInfo, error) {
	info := QueryInfo{Name: QueryPurposeProfiles}
	if err := ctx.Err(); err != nil {
		return nil, info, err
	}

	normalized := normalizeCandidates(candidates)
	if len(normalized) == 0 {
		return nil, info, nil
	}
	info.Query = purposeProfilesQuery(s.namespace, normalized)

	var profiles []PurposeProfile
	matched := make(map[string]bool)
	for _, c := range normalized {
		for _, p := range s.kb.Purposes {
			if matched[p.ID] || !p.matches(c) {
				continue
			}
			matched[p.ID] = true
			profiles = append(profiles, PurposeProfile{
				PurposeID:         p.ID,
				Label:             p.Label,
				MatchedCandidate:  c,
				ExclusionBasis:    p.Exclusion,
				ProhibitedBasis:   p.Prohibited,
				HighRiskBasis:     p.HighRisk,
				TransparencyBasis: p.Transparency,
				Criteria:          slices.Clone(p.Criteria),
				Requirements:      slices.Clone(p.Requirements),
			})
		}
	}
	info.Rows = len(profiles)

	return profiles, info, nil
}

// RequirementsForRisk returns the requirement ids mandated for a tier.
func (s *StaticService) RequirementsForRisk(ctx context.Context, level models.RiskLevel) ([]string, QueryInfo, error) {
	info := QueryInfo{Name: QueryRequirementsForRisk}
	if err := ctx.Err(); err != nil {
		return nil, info, err
	}
	if !level.IsValid() {
		return nil, info, fmt.Errorf("requirements for risk: invalid level %d", int(level))
	}
	info.Query = requirementsForRiskQuery(s.namespace, level)

	reqs := slices.Clone(s.risk[level])
	info.Rows = len(reqs)
	return reqs, info, nil
}
