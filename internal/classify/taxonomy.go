// Package classify assigns taxonomy labels to samples, either from the
// filename alone (Lexical) or from an acoustic feature vector (Acoustic).
package classify

import "strings"

// Category is the closed instrument taxonomy shared by every classifier.
type Category string

const (
	Percussion Category = "percussion"
	Bass       Category = "bass"
	SynthLead  Category = "synth/lead"
	PadAmbient Category = "pad/ambient"
	Vocal      Category = "vocal"
	FX         Category = "fx"
	Other      Category = "other"
)

// UnknownMood is the mood assigned when nothing matched.
const UnknownMood = "unknown"

// Categories returns every category in display order.
func Categories() []Category {
	return []Category{Percussion, Bass, SynthLead, PadAmbient, Vocal, FX, Other}
}

// Valid reports whether c is a member of the taxonomy.
func (c Category) Valid() bool {
	for _, k := range Categories() {
		if c == k {
			return true
		}
	}
	return false
}

// Slug is a filesystem-safe form of the category ("synth/lead" -> "synth-lead").
func (c Category) Slug() string {
	return strings.ReplaceAll(string(c), "/", "-")
}

// ParseCategory maps a name or slug back to a Category, defaulting to Other.
func ParseCategory(s string) Category {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, c := range Categories() {
		if s == string(c) || s == c.Slug() {
			return c
		}
	}
	switch s {
	case "drums", "percussion/drums", "drum":
		return Percussion
	case "lead", "synth":
		return SynthLead
	case "pad", "ambient":
		return PadAmbient
	}
	return Other
}

// Result is a classification decision.
type Result struct {
	Category    Category     `json:"category"`
	Subtype     string       `json:"subtype,omitempty"`
	Mood        string       `json:"mood"`
	MoodDetails *MoodDetails `json:"mood_details,omitempty"`
	Usage       *Usage       `json:"usage,omitempty"`
}

// normalize guarantees the taxonomy invariants on a result.
func (r Result) normalize() Result {
	if !r.Category.Valid() {
		r.Category = Other
	}
	if r.Mood == "" {
		r.Mood = UnknownMood
	}
	return r
}
