// Package matcher detects indicator signals in incident facts. Keyword
// matching over narrative text and tag matching over LLM-derived context
// tags share one interface so classification does not depend on either.
package matcher

import (
	"regexp"
	"slices"
	"strings"
)

// Source names where a match came from.
const (
	SourceKeyword = "keyword"
	SourceTag     = "tag"
)

// Input is the text and tags a matcher inspects.
type Input struct {
	Text string
	Tags []string
}

// Match is one indicator found in an Input.
type Match struct {
	Indicator string `json:"indicator"`
	Weight    int    `json:"weight"`
	Source    string `json:"source"`
}

// Matcher finds indicators in an Input.
type Matcher interface {
	Match(in Input) []Match
}

// Term is a weighted indicator.
type Term struct {
	Value  string
	Weight int
}

// KeywordMatcher matches terms as case-insensitive words of Input.Text.
// A term must start at a word boundary. A term ending in "*" is a stem and
// may run on into any word ending ("injur*" matches "injured", "injuries");
// any other term may only take a plural or verb ending ("court" matches
// "courts" but not "courtesy"). Spaces inside a term match any whitespace.
type KeywordMatcher struct {
	terms    []Term
	patterns []*regexp.Regexp
}

// NewKeywordMatcher creates a KeywordMatcher. Terms without a positive weight count as 1.
func NewKeywordMatcher(terms []Term) *KeywordMatcher {
	m := &KeywordMatcher{terms: make([]Term, 0, len(terms))}
	for _, t := range terms {
		v := strings.ToLower(strings.TrimSpace(t.Value))
		re := TermPattern(v)
		if re == nil {
			continue
		}
		if t.Weight <= 0 {
			t.Weight = 1
		}
		m.terms = append(m.terms, Term{Value: strings.TrimSuffix(v, "*"), Weight: t.Weight})
		m.patterns = append(m.patterns, re)
	}
	return m
}

// inflection is the ending a whole-word term may carry.
const inflection = `(?:s|es|d|ed|ing)?`

// TermPattern compiles the word-anchored pattern KeywordMatcher uses for
// term. It returns nil for an empty term or a bare "*".
func TermPattern(term string) *regexp.Regexp {
	term = strings.TrimSpace(term)
	stem := strings.HasSuffix(term, "*")
	words := strings.Fields(strings.TrimSuffix(term, "*"))
	if len(words) == 0 {
		return nil
	}
	for i, w := range words {
		words[i] = regexp.QuoteMeta(w)
	}
	expr := `(?i)\b` + strings.Join(words, `\s+`)
	if !stem {
		expr += inflection + `\b`
	}
	return regexp.MustCompile(expr)
}

// Keywords is shorthand for a KeywordMatcher over unweighted terms.
func Keywords(terms ...string) *KeywordMatcher {
	ts := make([]Term, len(terms))
	for i, t := range terms {
		ts[i] = Term{Value: t, Weight: 1}
	}
	return NewKeywordMatcher(ts)
}

func (m *KeywordMatcher) Match(in Input) []Match {
	if in.Text == "" {
		return nil
	}
	var out []Match
	for i, t := range m.terms {
		if m.patterns[i].MatchString(in.Text) {
			out = append(out, Match{Indicator: t.Value, Weight: t.Weight, Source: SourceKeyword})
		}
	}
	return out
}

// TagMatcher matches Input.Tags exactly after normalisation (lowercase, spaces and hyphens to underscores).
type TagMatcher struct {
	tags  map[string]int
	order []string
}

// NewTagMatcher creates a TagMatcher where every tag weighs weight (minimum 1).
func NewTagMatcher(weight int, tags ...string) *TagMatcher {
	if weight <= 0 {
		weight = 1
	}
	m := &TagMatcher{tags: make(map[string]int, len(tags))}
	for _, t := range tags {
		n := NormalizeTag(t)
		if n == "" {
			continue
		}
		if _, ok := m.tags[n]; !ok {
			m.order = append(m.order, n)
		}
		m.tags[n] = weight
	}
	return m
}

func (m *TagMatcher) Match(in Input) []Match {
	if len(in.Tags) == 0 {
		return nil
	}
	present := make(map[string]bool, len(in.Tags))
	for _, t := range in.Tags {
		present[NormalizeTag(t)] = true
	}
	var out []Match
	for _, t := range m.order {
		if present[t] {
			out = append(out, Match{Indicator: t, Weight: m.tags[t], Source: SourceTag})
		}
	}
	return out
}

// NormalizeTag lowercases a tag and joins words with underscores.
func NormalizeTag(tag string) string {
	tag = strings.ToLower(strings.TrimSpace(tag))
	tag = strings.NewReplacer("-", " ", "_", " ").Replace(tag)
	return strings.Join(strings.Fields(tag), "_")
}

// AnyMatcher combines matchers. An indicator found by several matchers is reported once.
type AnyMatcher []Matcher

func (a AnyMatcher) Match(in Input) []Match {
	var out []Match
	seen := make(map[string]bool)
	for _, m := range a {
		for _, match := range m.Match(in) {
			if seen[match.Indicator] {
				continue
			}
			seen[match.Indicator] = true
			out = append(out, match)
		}
	}
	return out
}

// Score sums match weights.
func Score(matches []Match) int {
	total := 0
	for _, m := range matches {
		total += m.Weight
	}
	return total
}

// Indicators returns the distinct indicator names of matches, sorted.
func Indicators(matches []Match) []string {
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		if !slices.Contains(out, m.Indicator) {
			out = append(out, m.Indicator)
		}
	}
	slices.Sort(out)
	return out
}
