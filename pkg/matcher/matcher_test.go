package matcher

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeywordMatcher(t *testing.T) {
	m := NewKeywordMatcher([]Term{
		{Value: "Wrongful Arrest", Weight: 3},
		{Value: "injur*", Weight: 2},
		{Value: "  ", Weight: 5},
		{Value: "bias"},
	})

	matches := m.Match(Input{Text: "A man was wrongful arrest victim; two officers were injured. Bias suspected."})
	assert.Equal(t, []Match{
		{Indicator: "wrongful arrest", Weight: 3, Source: SourceKeyword},
		{Indicator: "injur", Weight: 2, Source: SourceKeyword},
		{Indicator: "bias", Weight: 1, Source: SourceKeyword},
	}, matches)
	assert.Equal(t, 6, Score(matches))

	assert.Empty(t, m.Match(Input{}))
}

func TestKeywordMatcher_WordBoundaries(t *testing.T) {
	tests := []struct {
		name  string
		term  string
		text  string
		match bool
	}{
		{name: "term inside issued", term: "sued", text: "The council issued a statement.", match: false},
		{name: "term inside studied", term: "died", text: "The team studied the model output.", match: false},
		{name: "term inside defined", term: "fined", text: "Thresholds were defined by the vendor.", match: false},
		{name: "term inside courtesy", term: "court", text: "A courtesy notice was sent.", match: false},
		{name: "whole word", term: "sued", text: "The family sued the operator.", match: true},
		{name: "plural ending", term: "court", text: "Two courts heard the appeal.", match: true},
		{name: "verb ending", term: "damage", text: "Several vehicles were damaged.", match: true},
		{name: "stem", term: "hospitali*", text: "She required hospitalisation.", match: true},
		{name: "stem must start a word", term: "injur*", text: "Noninjurious contact only.", match: false},
		{name: "phrase across whitespace", term: "wrongful arrest", text: "a wrongful\narrest followed", match: true},
		{name: "hyphenated term", term: "self-harm", text: "content promoting Self-Harm", match: true},
		{name: "case insensitive", term: "Regulator", text: "the REGULATORS opened a case", match: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			matches := Keywords(tt.term).Match(Input{Text: tt.text})
			if tt.match {
				assert.Len(t, matches, 1)
			} else {
				assert.Empty(t, matches)
			}
		})
	}
}

func TestKeywordMatcher_StemIndicatorDropsMarker(t *testing.T) {
	matches := Keywords("misdiagnos*").Match(Input{Text: "The triage model misdiagnosed two patients."})
	assert.Equal(t, []string{"misdiagnos"}, Indicators(matches))
}

func TestTermPattern_Empty(t *testing.T) {
	assert.Nil(t, TermPattern("  "))
	assert.Nil(t, TermPattern("*"))
	assert.NotNil(t, TermPattern("bias"))
}

func TestTagMatcher(t *testing.T) {
	m := NewTagMatcher(2, "profiling_of_natural_persons", "Harm to Persons")

	matches := m.Match(Input{Tags: []string{"harm-to-persons", "PROFILING OF NATURAL PERSONS", "other"}})
	assert.Equal(t, []string{"harm_to_persons", "profiling_of_natural_persons"}, Indicators(matches))
	assert.Equal(t, 4, Score(matches))

	assert.Empty(t, m.Match(Input{Text: "profiling_of_natural_persons"}))
}

func TestAnyMatcher_Deduplicates(t *testing.T) {
	m := AnyMatcher{
		Keywords("profiling", "harm_to_persons"),
		NewTagMatcher(1, "harm_to_persons"),
	}

	matches := m.Match(Input{Text: "profiling detected; harm_to_persons", Tags: []string{"harm_to_persons"}})
	assert.Len(t, matches, 2)
	assert.Equal(t, SourceKeyword, matches[1].Source)
}

func TestNormalizeTag(t *testing.T) {
	assert.Equal(t, "legal_proceedings", NormalizeTag("  Legal - Proceedings "))
	assert.Equal(t, "", NormalizeTag(" _ "))
}
