package query

import (
	"strings"
	"unicode/utf8"

	"github.com/kalambet/crate/internal/classify"
	"github.com/kalambet/crate/internal/features"
	"github.com/kalambet/crate/internal/storage"
)

// Keyword weights.
const (
	nameWeight       = 3
	categoryWeight   = 2
	subtypeWeight    = 2
	moodWeight       = 2
	tagWeight        = 1
	descriptorWeight = 1.5
)

// descriptor maps query words to a predicate over a feature vector.
type descriptor struct {
	words []string
	match func(v features.Vector) bool
}

func above(name string, min float64) func(features.Vector) bool {
	return func(v features.Vector) bool {
		x, ok := v.Get(name)
		return ok && x > min
	}
}

func below(name string, max float64) func(features.Vector) bool {
	return func(v features.Vector) bool {
		x, ok := v.Get(name)
		return ok && x < max
	}
}

var descriptors = []descriptor{
	{[]string{"short", "brief", "tiny"}, below(features.Duration, 1)},
	{[]string{"long", "extended"}, above(features.Duration, 4)},
	{[]string{"bright", "crisp", "sharp"}, above(features.SpectralCentroid, 3000)},
	{[]string{"dark", "muffled", "warm"}, below(features.SpectralCentroid, 1500)},
	{[]string{"punchy", "snappy", "tight"}, func(v features.Vector) bool {
		t, ok1 := v.Get(features.HasTransient)
		a, ok2 := v.Get(features.AttackTime)
		return ok1 && ok2 && t > 0.5 && a < 0.02
	}},
	{[]string{"sustained", "held", "drone"}, above(features.IsSustained, 0.5)},
	{[]string{"heavy", "deep", "boomy"}, func(v features.Vector) bool {
		sub, ok1 := v.Get(features.SubBassRatio)
		bass, ok2 := v.Get(features.BassRatio)
		return ok1 && ok2 && sub+bass > 0.4
	}},
	{[]string{"airy", "breathy", "light"}, above(features.HighRatio, 0.2)},
	{[]string{"fast", "uptempo"}, above(features.Tempo, 130)},
	{[]string{"slow", "downtempo"}, func(v features.Vector) bool {
		x, ok := v.Get(features.Tempo)
		return ok && x > 0 && x < 90
	}},
}

// field is a searchable text with its tokens precomputed.
type field struct {
	tokens []string
	joined string
}

func newField(text string) field {
	toks := classify.Tokens(text)
	return field{tokens: toks, joined: strings.Join(toks, " ")}
}

// has matches whole tokens for short terms and substrings otherwise.
func (f field) has(term string) bool {
	if utf8.RuneCountInString(term) > 3 {
		return strings.Contains(f.joined, term)
	}
	for _, t := range f.tokens {
		if t == term {
			return true
		}
	}
	return false
}

// keywordScore rates s against the query terms.
func keywordScore(terms []string, s storage.Sample) float64 {
	name := newField(s.Name)
	category := newField(string(s.Category))
	subtype := newField(s.Subtype)
	moods := []string{s.Mood}
	if s.MoodDetails != nil {
		moods = append(moods, s.MoodDetails.Overall...)
	}
	mood := newField(strings.Join(moods, " "))
	tags := newField(s.Tags)

	var score float64
	for _, term := range terms {
		if name.has(term) {
			score += nameWeight
		}
		if category.has(term) || (s.Category != classify.Other && classify.ParseCategory(term) == s.Category) {
			score += categoryWeight
		}
		if subtype.has(term) {
			score += subtypeWeight
		}
		if mood.has(term) {
			score += moodWeight
		}
		if tags.has(term) {
			score += tagWeight
		}
	}
	if s.HasFeatures() {
		for _, d := range descriptors {
			if mentions(terms, d.words) && d.match(s.Features) {
				score += descriptorWeight
			}
		}
	}
	return score
}

func mentions(terms, words []string) bool {
	for _, t := range terms {
		for _, w := range words {
			if t == w {
				return true
			}
		}
	}
	return false
}
