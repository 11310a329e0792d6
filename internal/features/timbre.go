package features

import (
	"math"
	"sort"
)

const (
	melBands   = 26
	mfccCount  = 5
	hpssKernel = 9
)

// hpssRatios splits spectrogram energy into harmonic and percussive parts
// with median filters across time and frequency and soft masks. The two
// ratios sum to 1 for non-silent input.
func hpssRatios(spec [][]float64) (float64, float64) {
	frames := len(spec)
	if frames == 0 {
		return 0, 0
	}
	bins := len(spec[0])
	half := hpssKernel / 2
	win := make([]float64, 0, hpssKernel)

	var harmonic, percussive float64
	for f := 0; f < frames; f++ {
		for k := 0; k < bins; k++ {
			m := spec[f][k]
			if m == 0 {
				continue
			}

			win = win[:0]
			for t := max(0, f-half); t <= min(frames-1, f+half); t++ {
				win = append(win, spec[t][k])
			}
			h := median(win)

			win = win[:0]
			for b := max(0, k-half); b <= min(bins-1, k+half); b++ {
				win = append(win, spec[f][b])
			}
			p := median(win)

			h2, p2 := h*h, p*p
			if h2+p2 == 0 {
				continue
			}
			e := m * m
			harmonic += e * h2 / (h2 + p2)
			percussive += e * p2 / (h2 + p2)
		}
	}
	total := harmonic + percussive
	if total == 0 {
		return 0, 0
	}
	return harmonic / total, percussive / total
}

func median(x []float64) float64 {
	sort.Float64s(x)
	n := len(x)
	if n%2 == 1 {
		return x[n/2]
	}
	return (x[n/2-1] + x[n/2]) / 2
}

type melFilter struct {
	start   int
	weights []float64
}

func hzToMel(f float64) float64 { return 2595 * math.Log10(1+f/700) }
func melToHz(m float64) float64 { return 700 * (math.Pow(10, m/2595) - 1) }

// melFilterbank builds triangular filters evenly spaced on the mel scale
// between 0 Hz and Nyquist.
func melFilterbank(bands, frameSize, sampleRate int) []melFilter {
	bins := frameSize/2 + 1
	maxMel := hzToMel(float64(sampleRate) / 2)
	points := make([]int, bands+2)
	for i := range points {
		hz := melToHz(maxMel * float64(i) / float64(bands+1))
		points[i] = int(math.Floor(float64(frameSize+1) * hz / float64(sampleRate)))
		if points[i] >= bins {
			points[i] = bins - 1
		}
	}

	filters := make([]melFilter, bands)
	for b := 0; b < bands; b++ {
		lo, mid, hi := points[b], points[b+1], points[b+2]
		w := make([]float64, hi-lo+1)
		for k := lo; k <= hi; k++ {
			switch {
			case k < mid && mid > lo:
				w[k-lo] = float64(k-lo) / float64(mid-lo)
			case k >= mid && hi > mid:
				w[k-lo] = float64(hi-k) / float64(hi-mid)
			case k == mid:
				w[k-lo] = 1
			}
		}
		filters[b] = melFilter{start: lo, weights: w}
	}
	return filters
}

// mfcc returns coefficients 1..mfccCount averaged over frames.
func (e *Extractor) mfcc(spec [][]float64) []float64 {
	out := make([]float64, mfccCount)
	if len(spec) == 0 {
		return out
	}
	logMel := make([]float64, len(e.mel))
	for _, row := range spec {
		for b, filt := range e.mel {
			var energy float64
			for i, w := range filt.weights {
				m := row[filt.start+i]
				energy += w * m * m
			}
			logMel[b] = math.Log(energy + 1e-10)
		}
		for c := 1; c <= mfccCount; c++ {
			out[c-1] += dct2(logMel, c)
		}
	}
	for i := range out {
		out[i] /= float64(len(spec))
	}
	return out
}

// dct2 returns the orthonormal DCT-II coefficient c of x.
func dct2(x []float64, c int) float64 {
	n := float64(len(x))
	var sum float64
	for i, v := range x {
		sum += v * math.Cos(math.Pi*float64(c)*(float64(i)+0.5)/n)
	}
	return sum * math.Sqrt(2/n)
}
