package prompts

import (
	"fmt"
	"maps"
	"slices"
	"strings"
)

// ExtractionSchema is the JSON shape the extractor must return.
const ExtractionSchema = `{
  "system": {
    "name": "string",
    "organization": "string",
    "system_type": "string",
    "description": "string",
    "purposes": ["string"],
    "deployment_contexts": ["string"],
    "data_types": ["string"]
  },
  "incident": {
    "type": "string",
    "severity": "string",
    "description": "string",
    "affected_populations": ["string"],
    "timeline": [{"date": "YYYY-MM-DD or empty", "event": "string"}]
  },
  "evidence": {
    "risk_management": ["string"],
    "data_governance": ["string"],
    "technical_documentation": ["string"],
    "record_keeping": ["string"],
    "transparency": ["string"],
    "human_oversight": ["string"],
    "accuracy_robustness": ["string"],
    "quality_management": ["string"],
    "post_market_monitoring": ["string"],
    "incident_reporting": ["string"],
    "impact_assessment": ["string"]
  },
  "context_tags": ["string"]
}`

// ContextTagVocabulary lists the semantic tags the model may emit.
var ContextTagVocabulary = []string{
	"profiling_of_natural_persons",
	"harm_to_persons",
	"legal_proceedings",
	"rights_violation",
	"vulnerable_groups",
	"public_space",
	"law_enforcement",
	"automated_decision",
}

// BuildExtractionSystemMessage returns the fixed system message for extraction.
func BuildExtractionSystemMessage() string {
	var b strings.Builder

	b.WriteString("You are a forensic analyst for AI incidents. You read an incident narrative and extract ")
	b.WriteString("structured facts about the AI system and the incident for a regulatory assessment under ")
	b.WriteString("the EU AI Act.\n\n")

	b.WriteString("## Rules\n\n")
	b.WriteString("- Extract only facts stated or directly implied by the narrative. Never invent names, dates or organizations.\n")
	b.WriteString("- Use an empty string or an empty array when a fact is not in the narrative. Do not write \"unknown\".\n")
	b.WriteString("- `purposes` are what the system is used for (e.g. \"cv screening\", \"credit scoring\", \"facial recognition\").\n")
	b.WriteString("- `deployment_contexts` are where and by whom it is used (e.g. \"law enforcement\", \"public space\", \"hospital\").\n")
	b.WriteString("- `data_types` are the kinds of data processed (e.g. \"biometric data\", \"health records\").\n")
	b.WriteString("- `evidence` fields hold short statements showing a compliance measure WAS in place. Leave a field empty when the narrative does not show it.\n")
	b.WriteString("- Timeline dates use YYYY-MM-DD; leave `date` empty when the narrative gives no date.\n")
	b.WriteString("- `context_tags` may only contain: ")
	b.WriteString(strings.Join(ContextTagVocabulary, ", "))
	b.WriteString(".\n\n")

	b.WriteString("## Output Format\n\n")
	b.WriteString("Respond with a single JSON object matching this schema:\n")
	b.WriteString("```json\n")
	b.WriteString(ExtractionSchema)
	b.WriteString("\n```\n\n")
	b.WriteString("Return ONLY the JSON, no additional text.\n")

	return b.String()
}

// BuildExtractionPrompt creates the user prompt carrying the narrative and caller metadata.
func BuildExtractionPrompt(narrative string, metadata map[string]any) string {
	var b strings.Builder

	b.WriteString("# Incident Narrative\n\n")
	b.WriteString(narrative)
	b.WriteString("\n")

	if len(metadata) > 0 {
		b.WriteString("\n## Reporter Metadata\n\n")
		for _, k := range slices.Sorted(maps.Keys(metadata)) {
			b.WriteString(fmt.Sprintf("- %s: %v\n", k, metadata[k]))
		}
	}

	b.WriteString("\nExtract the facts as JSON.\n")
	return b.String()
}

// BuildExtractionRetryPrompt re-asks after a response that did not parse.
func BuildExtractionRetryPrompt(narrative string, metadata map[string]any, problem string) string {
	var b strings.Builder
	b.WriteString(BuildExtractionPrompt(narrative, metadata))
	b.WriteString("\n## Correction\n\n")
	b.WriteString("Your previous answer could not be used: ")
	b.WriteString(problem)
	b.WriteString("\nReturn one JSON object with the `system` and `incident` objects exactly as in the schema.\n")
	return b.String()
}
