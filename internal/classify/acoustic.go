package classify

import "github.com/kalambet/crate/internal/features"

// Acoustic classifies a sample from its feature vector using ordered
// threshold rules. A rule whose inputs are missing or NaN is skipped.
type Acoustic struct{}

// NewAcoustic returns the rule-based acoustic classifier.
func NewAcoustic() *Acoustic { return &Acoustic{} }

type rule struct {
	category Category
	match    func(v features.Vector) (bool, bool) // (matched, inputs present)
}

var acousticRules = []rule{
	{Percussion, isPercussion},
	{Bass, func(v features.Vector) (bool, bool) {
		bass, ok1 := v.Get(features.BassRatio)
		sub, ok2 := v.Get(features.SubBassRatio)
		c, ok3 := v.Get(features.SpectralCentroid)
		if !ok1 || !ok2 || !ok3 {
			return false, false
		}
		return bass+sub > 0.5 && c < 500, true
	}},
	{PadAmbient, func(v features.Vector) (bool, bool) {
		sus, ok1 := v.Get(features.IsSustained)
		dur, ok2 := v.Get(features.Duration)
		zcr, ok3 := v.Get(features.ZeroCrossingRate)
		if !ok1 || !ok2 || !ok3 {
			return false, false
		}
		return sus > 0.5 && dur > 1.5 && zcr < 0.2, true
	}},
	{SynthLead, func(v features.Vector) (bool, bool) {
		mid, ok1 := v.Get(features.MidRatio)
		upper, ok2 := v.Get(features.UpperMidRatio)
		if !ok1 || !ok2 {
			return false, false
		}
		return mid > 0.4 && upper > 0.2, true
	}},
	{FX, func(v features.Vector) (bool, bool) {
		present := false
		if x, ok := v.Get(features.SpectralFlatness); ok {
			present = true
			if x > 0.3 {
				return true, true
			}
		}
		if x, ok := v.Get(features.ZeroCrossingRate); ok {
			present = true
			if x > 0.3 {
				return true, true
			}
		}
		if x, ok := v.Get(features.HighRatio); ok {
			present = true
			if x > 0.5 {
				return true, true
			}
		}
		return false, present
	}},
	{Vocal, func(v features.Vector) (bool, bool) {
		h, ok1 := v.Get(features.HarmonicRatio)
		mid, ok2 := v.Get(features.MidRatio)
		c, ok3 := v.Get(features.SpectralCentroid)
		zcr, ok4 := v.Get(features.ZeroCrossingRate)
		if !ok1 || !ok2 || !ok3 || !ok4 {
			return false, false
		}
		return h > 0.6 && mid > 0.3 && c > 150 && c < 3000 && zcr > 0.02 && zcr < 0.2, true
	}},
}

func isPercussion(v features.Vector) (bool, bool) {
	present := false
	transient, ok1 := v.Get(features.HasTransient)
	rate, ok2 := v.Get(features.OnsetRate)
	if ok1 && ok2 {
		present = true
		if transient > 0.5 && rate > 1 {
			return true, true
		}
	}
	count, ok1 := v.Get(features.OnsetCount)
	attack, ok2 := v.Get(features.AttackTime)
	perc, ok3 := v.Get(features.PercussiveRatio)
	if ok1 && ok2 && ok3 {
		present = true
		if count <= 2 && attack < 0.02 && perc > 0.5 {
			return true, true
		}
	}
	return false, present
}

func percussionSubtype(v features.Vector) string {
	bass, okBass := v.Get(features.BassRatio)
	mid, okMid := v.Get(features.MidRatio)
	high, okHigh := v.Get(features.HighRatio)
	c, okC := v.Get(features.SpectralCentroid)
	attack, okAttack := v.Get(features.AttackTime)
	switch {
	case okBass && okC && bass > 0.4 && c < 500:
		return "kick"
	case okMid && okAttack && mid > 0.4 && attack < 0.05:
		return "snare"
	case okHigh && okC && high > 0.4 && c > 5000:
		return "hi_hat_cymbal"
	default:
		return "other_percussion"
	}
}

// Classify applies the rules in order and attaches mood details and usage
// hints. The primary mood is the first overall mood.
func (a *Acoustic) Classify(v features.Vector) Result {
	res := Result{Category: Other}
	for _, r := range acousticRules {
		if matched, present := r.match(v); present && matched {
			res.Category = r.category
			break
		}
	}
	if res.Category == Percussion {
		res.Subtype = percussionSubtype(v)
	}

	res.MoodDetails = describeMood(v)
	if len(res.MoodDetails.Overall) > 0 {
		res.Mood = res.MoodDetails.Overall[0]
	}
	res.Usage = describeUsage(v)
	return res.normalize()
}
