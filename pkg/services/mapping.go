package services

import (
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-forensics/pkg/catalog"
	"github.com/ekaya-inc/ekaya-forensics/pkg/models"
)

// MappingService links requirements to controls of the auxiliary standards.
type MappingService interface {
	// Map returns one mapping per requirement in input order. A requirement
	// missing from the mapping table gets an empty control list.
	Map(requirements []string) []models.FrameworkMapping
}

type mappingService struct {
	catalog *catalog.Catalog
	logger  *zap.Logger
}

// NewMappingService creates a mapping service over the catalog mapping table.
func NewMappingService(c *catalog.Catalog, logger *zap.Logger) MappingService {
	return &mappingService{
		catalog: c,
		logger:  logger.Named("mapping"),
	}
}

var _ MappingService = (*mappingService)(nil)

func (s *mappingService) Map(requirements []string) []models.FrameworkMapping {
	mappings := make([]models.FrameworkMapping, 0, len(requirements))
	for _, id := range requirements {
		controls := s.catalog.Controls(id)
		if controls == nil {
			s.logger.Debug("Requirement has no mapped controls", zap.String("requirement_id", id))
			controls = []models.ControlMapping{}
		}
		mappings = append(mappings, models.FrameworkMapping{RequirementID: id, Controls: controls})
	}
	return mappings
}
