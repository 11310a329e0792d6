package features

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

const (
	onsetWindow  = 3   // frames on each side a peak must dominate
	onsetMinGap  = 3   // frames between accepted onsets
	onsetRelPeak = 0.1 // onset flux must reach this fraction of the maximum
	minBPM       = 60.0
	maxBPM       = 200.0
)

// spectralFlux is the half-wave rectified frame-to-frame magnitude increase.
// The first frame is measured against silence so an initial hit counts.
func spectralFlux(spec [][]float64) []float64 {
	flux := make([]float64, len(spec))
	for f, row := range spec {
		var sum float64
		for k, m := range row {
			prev := 0.0
			if f > 0 {
				prev = spec[f-1][k]
			}
			if d := m - prev; d > 0 {
				sum += d
			}
		}
		flux[f] = sum
	}
	return flux
}

// detectOnsets picks local maxima of spectral flux that stand above the
// mean-plus-half-deviation threshold.
func detectOnsets(spec [][]float64) ([]int, []float64) {
	flux := spectralFlux(spec)
	if len(flux) == 0 {
		return nil, flux
	}
	peak := floats.Max(flux)
	if peak <= 0 {
		return nil, flux
	}
	mean, std := meanStd(flux)
	threshold := mean + 0.5*std
	if floor := onsetRelPeak * peak; threshold < floor {
		threshold = floor
	}

	var onsets []int
	last := -onsetMinGap - 1
	for i, v := range flux {
		if v < threshold || i-last <= onsetMinGap {
			continue
		}
		isPeak := true
		for j := max(0, i-onsetWindow); j <= min(len(flux)-1, i+onsetWindow); j++ {
			if flux[j] > v {
				isPeak = false
				break
			}
		}
		if isPeak {
			onsets = append(onsets, i)
			last = i
		}
	}
	return onsets, flux
}

// estimateTempo returns the BPM whose beat period maximizes the
// autocorrelation of the mean-removed onset envelope.
func estimateTempo(flux []float64, sr float64, hop int) float64 {
	frameRate := sr / float64(hop)
	minLag := int(frameRate * 60 / maxBPM)
	maxLag := int(frameRate * 60 / minBPM)
	if minLag < 1 {
		minLag = 1
	}
	if maxLag >= len(flux) {
		maxLag = len(flux) - 1
	}
	if maxLag < minLag {
		return 0
	}

	mean := stat.Mean(flux, nil)
	centered := make([]float64, len(flux))
	for i, v := range flux {
		centered[i] = v - mean
	}

	bestLag := 0
	bestScore := 0.0
	for lag := minLag; lag <= maxLag; lag++ {
		score := floats.Dot(centered[:len(centered)-lag], centered[lag:]) / float64(len(centered)-lag)
		if score > bestScore {
			bestScore = score
			bestLag = lag
		}
	}
	if bestLag == 0 {
		return 0
	}
	return 60 * frameRate / float64(bestLag)
}
