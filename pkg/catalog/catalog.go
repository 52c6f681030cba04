// Package catalog loads the static regulatory reference tables: the
// requirement catalog, the cross-framework mapping table, evidence templates
// and matcher vocabularies. Tables are embedded and may be replaced by files
// on disk at startup.
package catalog

import (
	"embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ekaya-inc/ekaya-forensics/pkg/models"
)

//go:embed data/*.yaml
var embedded embed.FS

// Requirement is one catalog entry.
type Requirement struct {
	ID         string                       `yaml:"id"`
	Title      string                       `yaml:"title"`
	Article    string                       `yaml:"article"`
	Importance models.RequirementImportance `yaml:"importance"`
	// Rule names the evidence predicate used by gap analysis.
	Rule string `yaml:"rule"`
}

// EvidenceTemplateItem is one artefact in a template.
type EvidenceTemplateItem struct {
	Name            string `yaml:"name"`
	Description     string `yaml:"description"`
	Type            string `yaml:"type"`
	Priority        string `yaml:"priority"`
	Cadence         string `yaml:"cadence"`
	ResponsibleRole string `yaml:"responsible_role"`
	LinkedMeasureID string `yaml:"linked_measure_id"`
}

// EvidenceDefaults fill template fields left empty.
type EvidenceDefaults struct {
	ResponsibleRole string `yaml:"responsible_role"`
	Cadence         string `yaml:"cadence"`
}

// Indicator is a weighted vocabulary term.
type Indicator struct {
	Term   string `yaml:"term"`
	Weight int    `yaml:"weight"`
}

// Vocabulary is a term list plus semantic tags.
type Vocabulary struct {
	Terms []string `yaml:"terms"`
	Tags  []string `yaml:"tags"`
}

// Vocabularies are the matcher inputs for classification and triage.
type Vocabularies struct {
	Override        Vocabulary                                     `yaml:"override"`
	Profiling       Vocabulary                                     `yaml:"profiling"`
	SeriousIncident map[models.SeriousIncidentCategory][]Indicator `yaml:"serious_incident"`
}

// Catalog bundles every reference table.
type Catalog struct {
	requirements     map[string]Requirement
	requirementOrder []string
	mappings         map[string][]models.ControlMapping
	evidenceDefaults EvidenceDefaults
	evidence         map[string][]EvidenceTemplateItem
	vocabularies     Vocabularies
}

// Paths overrides embedded tables with files on disk. Empty fields keep the embedded table.
type Paths struct {
	Requirements      string
	Mappings          string
	EvidenceTemplates string
	Vocabularies      string
}

// Load reads the embedded tables, replacing any for which a path is set.
func Load(paths Paths) (*Catalog, error) {
	c := &Catalog{}

	var reqDoc struct {
		Requirements []Requirement `yaml:"requirements"`
	}
	if err := decode(paths.Requirements, "data/requirements.yaml", &reqDoc); err != nil {
		return nil, err
	}
	c.requirements = make(map[string]Requirement, len(reqDoc.Requirements))
	for _, r := range reqDoc.Requirements {
		if r.ID == "" {
			return nil, fmt.Errorf("requirement catalog: entry without id")
		}
		if _, dup := c.requirements[r.ID]; dup {
			return nil, fmt.Errorf("requirement catalog: duplicate id %s", r.ID)
		}
		switch r.Importance {
		case models.ImportanceFoundational, models.ImportanceStandard, models.ImportanceAdvisory:
		default:
			return nil, fmt.Errorf("requirement catalog: %s has unknown importance %q", r.ID, r.Importance)
		}
		c.requirements[r.ID] = r
		c.requirementOrder = append(c.requirementOrder, r.ID)
	}

	var mapDoc struct {
		Mappings map[string][]models.ControlMapping `yaml:"mappings"`
	}
	if err := decode(paths.Mappings, "data/mappings.yaml", &mapDoc); err != nil {
		return nil, err
	}
	for reqID, controls := range mapDoc.Mappings {
		for _, ctl := range controls {
			if !ctl.Confidence.IsValid() {
				return nil, fmt.Errorf("mapping table: %s -> %s has invalid confidence %q", reqID, ctl.ControlID, ctl.Confidence)
			}
		}
	}
	c.mappings = mapDoc.Mappings

	var evDoc struct {
		Defaults  EvidenceDefaults                  `yaml:"defaults"`
		Templates map[string][]EvidenceTemplateItem `yaml:"templates"`
	}
	if err := decode(paths.EvidenceTemplates, "data/evidence_templates.yaml", &evDoc); err != nil {
		return nil, err
	}
	c.evidenceDefaults = evDoc.Defaults
	c.evidence = evDoc.Templates

	if err := decode(paths.Vocabularies, "data/vocabularies.yaml", &c.vocabularies); err != nil {
		return nil, err
	}
	for category := range c.vocabularies.SeriousIncident {
		if category.Precedence() < 0 {
			return nil, fmt.Errorf("vocabularies: unknown serious incident category %q", category)
		}
	}

	return c, nil
}

// MustLoadEmbedded loads the embedded tables and panics on error. For tests and tools.
func MustLoadEmbedded() *Catalog {
	c, err := Load(Paths{})
	if err != nil {
		panic(err)
	}
	return c
}

func decode(path, embeddedName string, out any) error {
	var data []byte
	var err error
	source := embeddedName
	if strings.TrimSpace(path) != "" {
		source = path
		data, err = os.ReadFile(path)
	} else {
		data, err = embedded.ReadFile(embeddedName)
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", source, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse %s: %w", source, err)
	}
	return nil
}

// Requirement looks up a catalog entry.
func (c *Catalog) Requirement(id string) (Requirement, bool) {
	r, ok := c.requirements[id]
	return r, ok
}

// RequirementIDs returns catalog ids in file order.
func (c *Catalog) RequirementIDs() []string {
	return append([]string(nil), c.requirementOrder...)
}

// Controls returns the mapped controls for a requirement (nil when unmapped).
func (c *Catalog) Controls(requirementID string) []models.ControlMapping {
	controls := c.mappings[requirementID]
	if controls == nil {
		return nil
	}
	return append([]models.ControlMapping(nil), controls...)
}

// EvidenceTemplate returns the template for a requirement with defaults applied.
func (c *Catalog) EvidenceTemplate(requirementID string) ([]EvidenceTemplateItem, bool) {
	items, ok := c.evidence[requirementID]
	if !ok {
		return nil, false
	}
	out := make([]EvidenceTemplateItem, len(items))
	for i, item := range items {
		if item.ResponsibleRole == "" {
			item.ResponsibleRole = c.evidenceDefaults.ResponsibleRole
		}
		if item.Cadence == "" {
			item.Cadence = c.evidenceDefaults.Cadence
		}
		out[i] = item
	}
	return out, true
}

// Vocabularies returns the matcher vocabularies.
func (c *Catalog) Vocabularies() Vocabularies {
	return c.vocabularies
}
