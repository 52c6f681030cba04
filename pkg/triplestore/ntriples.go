// Package triplestore serialises analysis records as RDF and writes them to a
// SPARQL 1.1 store, one named graph per analysis.
package triplestore

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/knakk/rdf"
)

const (
	rdfType     = "http://www.w3.org/1999/02/22-rdf-syntax-ns#type"
	xsdString   = "http://www.w3.org/2001/XMLSchema#string"
	xsdDateTime = "http://www.w3.org/2001/XMLSchema#dateTime"
	xsdDecimal  = "http://www.w3.org/2001/XMLSchema#decimal"
	xsdBoolean  = "http://www.w3.org/2001/XMLSchema#boolean"
	xsdInteger  = "http://www.w3.org/2001/XMLSchema#integer"
)

// Term is an RDF node in object position: an IRI or a literal.
type Term struct {
	IRI      string
	Literal  string
	Datatype string
	isIRI    bool
}

// IRI returns an IRI term.
func IRI(iri string) Term {
	return Term{IRI: iri, isIRI: true}
}

// Literal returns a plain string literal.
func Literal(s string) Term {
	return Term{Literal: s}
}

// DateTime returns an xsd:dateTime literal in UTC.
func DateTime(t time.Time) Term {
	return Term{Literal: t.UTC().Format(time.RFC3339Nano), Datatype: xsdDateTime}
}

// Decimal returns an xsd:decimal literal.
func Decimal(v float64) Term {
	return Term{Literal: strconv.FormatFloat(v, 'f', -1, 64), Datatype: xsdDecimal}
}

// Boolean returns an xsd:boolean literal.
func Boolean(v bool) Term {
	return Term{Literal: strconv.FormatBool(v), Datatype: xsdBoolean}
}

// Integer returns an xsd:integer literal.
func Integer(v int) Term {
	return Term{Literal: strconv.Itoa(v), Datatype: xsdInteger}
}

// rdfObject converts t into an rdf object, validating IRIs.
func (t Term) rdfObject() (rdf.Object, error) {
	if t.isIRI {
		iri, err := rdf.NewIRI(t.IRI)
		if err != nil {
			return nil, err
		}
		return iri, nil
	}
	dt := t.Datatype
	if dt == "" {
		dt = xsdString
	}
	dtIRI, err := rdf.NewIRI(dt)
	if err != nil {
		return nil, fmt.Errorf("datatype %q: %w", dt, err)
	}
	return rdf.NewTypedLiteral(t.Literal, dtIRI), nil
}

// String renders t in N-Triples syntax.
func (t Term) String() string {
	obj, err := t.rdfObject()
	if err != nil {
		return "<" + t.IRI + ">"
	}
	return obj.Serialize(rdf.NTriples)
}

// Triple is one statement.
type Triple struct {
	Subject   string
	Predicate string
	Object    Term
}

func (t Triple) key() string {
	return strings.Join([]string{t.Subject, t.Predicate, strconv.FormatBool(t.Object.isIRI),
		t.Object.IRI, t.Object.Literal, t.Object.Datatype}, "\x00")
}

func (t Triple) rdfTriple() (rdf.Triple, error) {
	subj, err := rdf.NewIRI(t.Subject)
	if err != nil {
		return rdf.Triple{}, fmt.Errorf("invalid subject IRI %q: %w", t.Subject, err)
	}
	pred, err := rdf.NewIRI(t.Predicate)
	if err != nil {
		return rdf.Triple{}, fmt.Errorf("invalid predicate IRI %q: %w", t.Predicate, err)
	}
	obj, err := t.Object.rdfObject()
	if err != nil {
		return rdf.Triple{}, fmt.Errorf("invalid object IRI %q: %w", t.Object.IRI, err)
	}
	return rdf.Triple{Subj: subj, Pred: pred, Obj: obj}, nil
}

// Graph is an ordered set of triples. Duplicate statements are dropped.
type Graph struct {
	triples []Triple
	seen    map[string]struct{}
}

// NewGraph returns an empty graph.
func NewGraph() *Graph {
	return &Graph{seen: make(map[string]struct{})}
}

// Add appends a statement. Empty literals are skipped.
func (g *Graph) Add(subject, predicate string, object Term) {
	if !object.isIRI && object.Literal == "" {
		return
	}
	t := Triple{Subject: subject, Predicate: predicate, Object: object}
	key := t.key()
	if _, dup := g.seen[key]; dup {
		return
	}
	g.seen[key] = struct{}{}
	g.triples = append(g.triples, t)
}

// AddType is Add with rdf:type.
func (g *Graph) AddType(subject, class string) {
	g.Add(subject, rdfType, IRI(class))
}

// AddLiterals adds one literal statement per value.
func (g *Graph) AddLiterals(subject, predicate string, values []string) {
	for _, v := range values {
		g.Add(subject, predicate, Literal(v))
	}
}

// Len returns the number of statements.
func (g *Graph) Len() int {
	return len(g.triples)
}

// Triples returns the statements in insertion order.
func (g *Graph) Triples() []Triple {
	return append([]Triple(nil), g.triples...)
}

// rdfTriples converts the graph, failing on the first IRI that cannot be
// written without escaping.
func (g *Graph) rdfTriples() ([]rdf.Triple, error) {
	out := make([]rdf.Triple, 0, len(g.triples))
	for _, t := range g.triples {
		rt, err := t.rdfTriple()
		if err != nil {
			return nil, err
		}
		out = append(out, rt)
	}
	return out, nil
}

// Validate checks every IRI in the graph can be written without escaping.
func (g *Graph) Validate() error {
	_, err := g.rdfTriples()
	return err
}

// NTriples renders the graph in N-Triples, one statement per line, sorted so
// the same record always produces the same text.
func (g *Graph) NTriples() (string, error) {
	triples, err := g.rdfTriples()
	if err != nil {
		return "", err
	}
	keys := make([]string, len(triples))
	for i, t := range triples {
		keys[i] = t.Subj.Serialize(rdf.NTriples) + " " + t.Pred.Serialize(rdf.NTriples) + " " + t.Obj.Serialize(rdf.NTriples)
	}
	sort.Sort(byKey{triples: triples, keys: keys})

	var b strings.Builder
	enc := rdf.NewTripleEncoder(&b, rdf.NTriples)
	if err := enc.EncodeAll(triples); err != nil {
		return "", fmt.Errorf("encode n-triples: %w", err)
	}
	if err := enc.Close(); err != nil {
		return "", fmt.Errorf("encode n-triples: %w", err)
	}
	return b.String(), nil
}

type byKey struct {
	triples []rdf.Triple
	keys    []string
}

func (s byKey) Len() int           { return len(s.keys) }
func (s byKey) Less(i, j int) bool { return s.keys[i] < s.keys[j] }
func (s byKey) Swap(i, j int) {
	s.keys[i], s.keys[j] = s.keys[j], s.keys[i]
	s.triples[i], s.triples[j] = s.triples[j], s.triples[i]
}
