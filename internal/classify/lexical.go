package classify

import (
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"
)

// shortKeyword is the rune length at or below which a keyword must match a
// whole token rather than any substring ("bd" must not match "abduction").
// Longer keywords match inside run-together names such as "closedhat".
const shortKeyword = 2

type matcher struct {
	label    string
	category Category
	keywords []string // normalized, space-padded
}

// Lexical classifies a sample from its filename. The keyword tables are
// copied at construction and never mutated, so a Lexical is safe for
// concurrent use.
type Lexical struct {
	categories []matcher
	moods      []matcher
}

// NewLexical builds a classifier over ordered keyword tables. Earlier rules
// take precedence over later ones.
func NewLexical(rules []KeywordRule, moods []MoodRule) *Lexical {
	l := &Lexical{
		categories: make([]matcher, 0, len(rules)),
		moods:      make([]matcher, 0, len(moods)),
	}
	for _, r := range rules {
		l.categories = append(l.categories, matcher{
			label:    r.Subtype,
			category: r.Category,
			keywords: compileKeywords(r.Keywords),
		})
	}
	for _, m := range moods {
		l.moods = append(l.moods, matcher{label: m.Mood, keywords: compileKeywords(m.Keywords)})
	}
	return l
}

// NewDefaultLexical uses DefaultKeywords and DefaultMoods.
func NewDefaultLexical() *Lexical {
	return NewLexical(DefaultKeywords(), DefaultMoods())
}

// Classify never fails: names without any keyword map to Other/unknown.
func (l *Lexical) Classify(filename string) Result {
	return l.ClassifyText(strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename)))
}

// ClassifyText applies the keyword tables to arbitrary text such as
// embedded tag values.
func (l *Lexical) ClassifyText(text string) Result {
	name := normalizeName(text)
	res := Result{Category: Other, Mood: UnknownMood}

	for _, m := range l.categories {
		if m.matches(name) {
			res.Category = m.category
			res.Subtype = m.label
			break
		}
	}
	for _, m := range l.moods {
		if m.matches(name) {
			res.Mood = m.label
			break
		}
	}
	return res.normalize()
}

// MoodOf returns the first mood whose keywords occur in text, or "".
func (l *Lexical) MoodOf(text string) string {
	name := normalizeName(text)
	for _, m := range l.moods {
		if m.matches(name) {
			return m.label
		}
	}
	return ""
}

func (m matcher) matches(padded string) bool {
	for _, kw := range m.keywords {
		if strings.Contains(padded, kw) {
			return true
		}
	}
	return false
}

func compileKeywords(keywords []string) []string {
	out := make([]string, 0, len(keywords))
	for _, kw := range keywords {
		norm := strings.TrimSpace(normalizeName(kw))
		if norm == "" {
			continue
		}
		if utf8.RuneCountInString(norm) <= shortKeyword {
			out = append(out, " "+norm+" ")
		} else {
			out = append(out, norm)
		}
	}
	return out
}

// normalizeName turns separators into single spaces, splits camelCase and
// letter/digit boundaries, case-folds the result and pads it with a space on
// each side. "OpenHiHat_02" becomes " open hi hat 02 ".
func normalizeName(s string) string {
	runes := []rune(s)
	var b strings.Builder
	b.Grow(len(s) + 2)
	b.WriteByte(' ')
	lastSpace := true
	for i, r := range runes {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			if !lastSpace {
				b.WriteByte(' ')
				lastSpace = true
			}
			continue
		}
		if !lastSpace && wordBoundary(runes, i) {
			b.WriteByte(' ')
		}
		b.WriteRune(r)
		lastSpace = false
	}
	if !lastSpace {
		b.WriteByte(' ')
	}
	return cases.Fold().String(b.String())
}

// wordBoundary reports whether a new word starts at runes[i], which follows
// a letter or digit.
func wordBoundary(runes []rune, i int) bool {
	prev, r := runes[i-1], runes[i]
	switch {
	case unicode.IsDigit(r) != unicode.IsDigit(prev):
		return true
	case unicode.IsLower(prev) && unicode.IsUpper(r):
		return true
	case unicode.IsUpper(prev) && unicode.IsUpper(r):
		// "HHOpen": the last capital of a run starts the next word.
		return i+1 < len(runes) && unicode.IsLower(runes[i+1])
	}
	return false
}

// Tokens splits s the way filenames are split for keyword matching.
func Tokens(s string) []string {
	return strings.Fields(normalizeName(s))
}
