package classify

import "github.com/kalambet/crate/internal/features"

// Usage hints at how a sample fits into a production.
type Usage struct {
	SampleType    string `json:"sample_type"`    // one_shot, atmosphere, loop, element
	MixPosition   string `json:"mix_position"`   // foundation, center, top, flexible
	StartingPoint string `json:"starting_point"` // rhythmic_element, background, accent, building_block
}

func describeUsage(v features.Vector) *Usage {
	duration, ok := v.Get(features.Duration)
	if !ok {
		return nil
	}
	transient := flag(v, features.HasTransient)
	sustainedFlag := flag(v, features.IsSustained)
	tempo, _ := v.Get(features.Tempo)

	u := &Usage{}
	switch {
	case duration < 0.5 && transient:
		u.SampleType = "one_shot"
	case duration > 1 && sustainedFlag:
		u.SampleType = "atmosphere"
	case duration > 2 && tempo > 20:
		u.SampleType = "loop"
	default:
		u.SampleType = "element"
	}

	bass, okBass := v.Get(features.BassRatio)
	mid, okMid := v.Get(features.MidRatio)
	high, okHigh := v.Get(features.HighRatio)
	switch {
	case okBass && bass > 0.5:
		u.MixPosition = "foundation"
	case okMid && mid > 0.5:
		u.MixPosition = "center"
	case okHigh && high > 0.4:
		u.MixPosition = "top"
	default:
		u.MixPosition = "flexible"
	}

	switch {
	case transient && duration < 0.5:
		u.StartingPoint = "rhythmic_element"
	case sustainedFlag && duration > 2:
		u.StartingPoint = "background"
	case okHigh && okMid && high+mid > 0.7:
		u.StartingPoint = "accent"
	default:
		u.StartingPoint = "building_block"
	}
	return u
}

func flag(v features.Vector, name string) bool {
	x, ok := v.Get(name)
	return ok && x > 0.5
}
