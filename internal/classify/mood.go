package classify

import (
	"math"

	"github.com/kalambet/crate/internal/features"
)

// Scale is a 0-10 score with a qualitative label.
type Scale struct {
	Value float64 `json:"value"`
	Label string  `json:"label"`
}

// MoodDetails describes the perceived character of a sample.
type MoodDetails struct {
	Energy     Scale    `json:"energy"`
	Brightness Scale    `json:"brightness"`
	Texture    Scale    `json:"texture"`
	Weight     Scale    `json:"weight"`
	Overall    []string `json:"overall"`
}

// scoreAcc averages the contributions whose inputs were present.
type scoreAcc struct {
	sum   float64
	count int
}

func (a *scoreAcc) add(x float64) {
	a.sum += x
	a.count++
}

func (a scoreAcc) value() float64 {
	if a.count == 0 {
		return 5
	}
	return math.Max(0, math.Min(a.sum/float64(a.count), 10))
}

func label(v float64, labels [4]string) string {
	switch {
	case v > 7.5:
		return labels[0]
	case v > 5:
		return labels[1]
	case v > 2.5:
		return labels[2]
	default:
		return labels[3]
	}
}

// describeMood scores energy, brightness, texture and weight, then derives
// the overall mood labels. Missing or NaN dimensions are left out of the
// averages.
func describeMood(v features.Vector) *MoodDetails {
	var energy, bright, texture, weight scoreAcc

	if x, ok := v.Get(features.RMSMean); ok {
		energy.add(x * 10)
	}
	if x, ok := v.Get(features.DynamicRange); ok {
		energy.add(math.Min(x*10, 5))
	}
	if x, ok := v.Get(features.AttackTime); ok {
		energy.add(math.Max(0, 1-x*20) * 3)
	}
	if x, ok := v.Get(features.OnsetRate); ok {
		energy.add(math.Min(x, 5))
	}
	zcr, hasZCR := v.Get(features.ZeroCrossingRate)
	if hasZCR {
		energy.add(zcr * 30)
	}
	centroid, hasCentroid := v.Get(features.SpectralCentroid)
	if hasCentroid {
		energy.add(math.Min(centroid/10000, 1) * 3)
		bright.add(math.Min(centroid/1000, 10))
	}

	high, okHigh := v.Get(features.HighRatio)
	upper, okUpper := v.Get(features.UpperMidRatio)
	if okHigh && okUpper {
		bright.add((high + upper) * 10)
	}
	bass, okBass := v.Get(features.BassRatio)
	sub, okSub := v.Get(features.SubBassRatio)
	if okBass && okSub {
		bright.add(-(bass + sub) * 5)
		weight.add((bass + sub*2) * 10)
	}

	if x, ok := v.Get(features.SpectralFlatness); ok {
		texture.add((1 - x) * 5)
	}
	if hasZCR {
		texture.add(zcr * 20)
	}

	if x, ok := v.Get(features.RMSMean); ok {
		weight.add(x * 5)
	}
	if x, ok := v.Get(features.IsSustained); ok {
		if x > 0.5 {
			weight.add(3)
		} else {
			weight.add(0)
		}
	}

	d := &MoodDetails{}
	d.Energy.Value = round2(energy.value())
	d.Energy.Label = label(d.Energy.Value, [4]string{"aggressive", "energetic", "moderate", "chill"})
	d.Brightness.Value = round2(bright.value())
	d.Brightness.Label = label(d.Brightness.Value, [4]string{"bright", "balanced", "warm", "dark"})
	d.Texture.Value = round2(texture.value())
	d.Texture.Label = label(d.Texture.Value, [4]string{"rough", "textured", "balanced", "smooth"})
	d.Weight.Value = round2(weight.value())
	d.Weight.Label = label(d.Weight.Value, [4]string{"heavy", "solid", "balanced", "light"})

	duration, _ := v.Get(features.Duration)
	d.Overall = overallMoods(d, zcr, hasZCR, duration)
	return d
}

func overallMoods(d *MoodDetails, zcr float64, hasZCR bool, duration float64) []string {
	e, b, t, w := d.Energy.Label, d.Brightness.Label, d.Texture.Label, d.Weight.Label
	smoothish := t == "smooth" || t == "balanced"
	darkish := b == "dark" || b == "warm"

	var out []string
	if e == "aggressive" && (t == "rough" || t == "textured") {
		out = append(out, "aggressive")
	}
	if (e == "chill" || e == "moderate") && smoothish {
		out = append(out, "chill")
	}
	if darkish && d.Brightness.Value < 4 {
		out = append(out, "dark")
	}
	if b == "bright" && d.Brightness.Value > 6 {
		out = append(out, "bright")
	}
	if w == "heavy" && d.Weight.Value > 7 {
		out = append(out, "heavy")
	}
	if e == "chill" && smoothish && (b == "bright" || b == "balanced") {
		out = append(out, "ethereal")
	}
	if (e == "energetic" || e == "aggressive") && (w == "heavy" || w == "solid") && duration > 2 {
		out = append(out, "epic")
	}
	if e == "chill" && darkish && d.Brightness.Value < 3.5 {
		out = append(out, "sad")
	}
	if hasZCR && zcr > 0.2 && darkish {
		out = append(out, "tense")
	}

	if len(out) == 0 {
		switch {
		case d.Energy.Value > 5 && d.Brightness.Value > 5:
			out = append(out, "vibrant")
		case d.Energy.Value > 5:
			out = append(out, "intense")
		case d.Brightness.Value > 5:
			out = append(out, "airy")
		default:
			out = append(out, "reserved")
		}
	}
	return out
}

func round2(x float64) float64 {
	return math.Round(x*100) / 100
}
