package classify

// KeywordRule maps filename keywords to a subtype and its category.
type KeywordRule struct {
	Subtype  string
	Category Category
	Keywords []string
}

// MoodRule maps filename keywords to a mood label.
type MoodRule struct {
	Mood     string
	Keywords []string
}

// DefaultKeywords returns the category table in precedence order. Percussion
// comes before bass so "bass_drum" and "808 kick" resolve to percussion.
func DefaultKeywords() []KeywordRule {
	return []KeywordRule{
		{"kick", Percussion, []string{"kick", "bass drum", "bd", "808"}},
		{"snare", Percussion, []string{"snare", "sd", "rim"}},
		{"hi_hat_cymbal", Percussion, []string{"hat", "hh", "hi-hat", "hihat", "cymbal", "crash", "ride"}},
		{"tom", Percussion, []string{"tom", "floor", "rack"}},
		{"clap", Percussion, []string{"clap", "handclap"}},
		{"other_percussion", Percussion, []string{"perc", "drum", "percussion", "shaker", "tambourine", "conga", "bongo"}},
		{"bass", Bass, []string{"bass", "sub", "808 bass", "bassline", "bass line"}},
		{"synth_lead", SynthLead, []string{"lead", "synth lead", "lead synth", "melody", "arp", "pluck", "saw lead"}},
		{"piano_keys", SynthLead, []string{"piano", "keys", "keyboard", "rhodes", "wurlitzer", "organ", "epiano", "e-piano"}},
		{"guitar", SynthLead, []string{"guitar", "gtr", "acoustic guitar", "electric guitar"}},
		{"synth_pad", PadAmbient, []string{"pad", "synth pad", "atmosphere", "ambient", "texture", "drone"}},
		{"strings", PadAmbient, []string{"strings", "violin", "viola", "cello", "orchestral", "orchestra"}},
		{"brass", PadAmbient, []string{"brass", "trumpet", "trombone", "horn", "sax", "saxophone"}},
		{"vocal", Vocal, []string{"vocal", "vox", "voice", "acapella", "sing", "choir", "adlib"}},
		{"fx", FX, []string{"fx", "effect", "riser", "downlifter", "impact", "whoosh", "transition", "foley"}},
	}
}

// DefaultMoods returns the mood table in precedence order.
func DefaultMoods() []MoodRule {
	return []MoodRule{
		{"dark", []string{"dark", "minor", "sad", "moody", "melancholy", "scary", "horror", "tense"}},
		{"bright", []string{"bright", "major", "happy", "uplifting", "cheerful", "light"}},
		{"energetic", []string{"energetic", "energy", "powerful", "driving", "hard", "aggressive"}},
		{"chill", []string{"chill", "calm", "relaxed", "soft", "gentle", "mellow", "ambient"}},
		{"epic", []string{"epic", "cinematic", "movie", "trailer", "dramatic"}},
	}
}
