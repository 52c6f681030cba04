package knowledge

import (
	"fmt"
	"strings"

	"github.com/ekaya-inc/ekaya-forensics/pkg/models"
	"github.com/ekaya-inc/ekaya-forensics/pkg/sparql"
)

// DefaultNamespace is the ontology namespace used when none is configured.
const DefaultNamespace = "https://w3id.org/ai-incident-forensics/ai-act#"

func purposeProfilesQuery(namespace string, candidates []string) string {
	var values strings.Builder
	for i, c := range candidates {
		if i > 0 {
			values.WriteByte(' ')
		}
		values.WriteString(`"` + sparql.EscapeLiteral(c) + `"`)
	}

	return fmt.Sprintf(`PREFIX aia: <%s>
PREFIX rdfs: <http://www.w3.org/2000/01/rdf-schema#>
SELECT ?purpose ?label ?candidate ?exclusion ?prohibited ?highRisk ?transparency ?criterion ?requirement
WHERE {
  VALUES ?candidate { %s }
  BIND (CONCAT(" ", ?candidate, " ") AS ?padded)
  ?purpose a aia:Purpose ;
           rdfs:label ?label .
  OPTIONAL { ?purpose aia:synonym ?synonym }
  BIND (CONCAT(" ", REPLACE(LCASE(STR(?label)), "[^a-z0-9]+", " "), " ") AS ?labelWords)
  BIND (IF(BOUND(?synonym), CONCAT(" ", REPLACE(LCASE(STR(?synonym)), "[^a-z0-9]+", " "), " "), "") AS ?synonymWords)
  FILTER (CONTAINS(?padded, ?labelWords) ||
          (?synonymWords != "" && CONTAINS(?padded, ?synonymWords)))
  OPTIONAL { ?purpose aia:scopeExclusion ?exclusion }
  OPTIONAL { ?purpose aia:prohibitedBy ?prohibited }
  OPTIONAL { ?purpose aia:annexIIICriterion ?highRisk }
  OPTIONAL { ?purpose aia:transparencyObligation ?transparency }
  OPTIONAL { ?purpose aia:activatesCriterion ?criterion }
  OPTIONAL { ?purpose aia:requires ?requirement }
}
ORDER BY ?purpose`, namespace, values.String())
}

func requirementsForRiskQuery(namespace string, level models.RiskLevel) string {
	return fmt.Sprintf(`PREFIX aia: <%s>
SELECT DISTINCT ?requirement
WHERE {
  aia:%s aia:mandates ?requirement .
}
ORDER BY ?requirement`, namespace, level.String())
}
