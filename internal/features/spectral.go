package features

import (
	"math"
	"math/cmplx"
	"sort"

	"github.com/mjibson/go-dsp/fft"
)

// bandEdges are the frequency-band boundaries in Hz for BandRatios.
var bandEdges = [][2]float64{
	{20, 60},
	{60, 250},
	{250, 500},
	{500, 2000},
	{2000, 4000},
	{4000, math.Inf(1)},
}

// frameEnergyFloor is the per-frame power below which a frame is ignored by
// spectral shape statistics.
const frameEnergyFloor = 1e-10

func hann(n int) []float64 {
	w := make([]float64, n)
	if n == 1 {
		w[0] = 1
		return w
	}
	for i := range w {
		w[i] = 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(n-1)))
	}
	return w
}

// stft returns the magnitude spectrogram, one row of FrameSize/2+1 bins per
// frame. Short signals are zero-padded into a single frame.
func (e *Extractor) stft(x []float64) [][]float64 {
	n := e.cfg.FrameSize
	hop := e.cfg.HopSize
	frames := 1
	if len(x) > n {
		frames = 1 + (len(x)-n)/hop
	}
	bins := n/2 + 1
	spec := make([][]float64, frames)
	buf := make([]float64, n)
	for f := 0; f < frames; f++ {
		start := f * hop
		for i := 0; i < n; i++ {
			if start+i < len(x) {
				buf[i] = x[start+i] * e.window[i]
			} else {
				buf[i] = 0
			}
		}
		coeffs := fft.FFTReal(buf)
		row := make([]float64, bins)
		for k := 0; k < bins; k++ {
			row[k] = cmplx.Abs(coeffs[k])
		}
		spec[f] = row
	}
	return spec
}

type spectral struct {
	centroid  float64
	bandwidth float64
	rolloff   float64
	flatness  float64
	contrast  float64
	bands     [6]float64
}

// spectralStats averages per-frame spectral shape measures over non-silent
// frames and accumulates band energy ratios over the whole spectrogram.
func spectralStats(spec [][]float64, frameSize int, sr float64) spectral {
	var out spectral
	binHz := sr / float64(frameSize)
	var used int
	var bandEnergy [6]float64
	var total float64

	for _, row := range spec {
		var magSum, powSum float64
		for k, m := range row {
			p := m * m
			magSum += m
			powSum += p
			total += p
			f := float64(k) * binHz
			for b, edge := range bandEdges {
				if f >= edge[0] && f < edge[1] {
					bandEnergy[b] += p
					break
				}
			}
		}
		if powSum < frameEnergyFloor {
			continue
		}
		used++

		var centroid float64
		for k, m := range row {
			centroid += float64(k) * binHz * m
		}
		centroid /= magSum

		var spread float64
		for k, m := range row {
			d := float64(k)*binHz - centroid
			spread += m * d * d
		}

		var cum float64
		rolloff := float64(len(row)-1) * binHz
		for k, m := range row {
			cum += m * m
			if cum >= 0.85*powSum {
				rolloff = float64(k) * binHz
				break
			}
		}

		var logSum float64
		for _, m := range row {
			logSum += math.Log(m*m + frameEnergyFloor)
		}
		geo := math.Exp(logSum / float64(len(row)))
		arith := powSum / float64(len(row))

		out.centroid += centroid
		out.bandwidth += math.Sqrt(spread / magSum)
		out.rolloff += rolloff
		out.flatness += geo / arith
		out.contrast += frameContrast(row)
	}

	if used > 0 {
		n := float64(used)
		out.centroid /= n
		out.bandwidth /= n
		out.rolloff /= n
		out.flatness /= n
		out.contrast /= n
	}
	if total > 0 {
		for b := range bandEnergy {
			out.bands[b] = bandEnergy[b] / total
		}
	}
	return out
}

// frameContrast is the mean log10 ratio between the loudest and quietest
// fifth of bins across octave-spaced sub-bands.
func frameContrast(row []float64) float64 {
	var sum float64
	var bands int
	lo := 1
	for hi := 8; lo < len(row); hi *= 2 {
		if hi > len(row) {
			hi = len(row)
		}
		seg := append([]float64(nil), row[lo:hi]...)
		lo = hi
		if len(seg) < 2 {
			continue
		}
		sort.Float64s(seg)
		q := max(1, len(seg)/5)
		var valley, peak float64
		for i := 0; i < q; i++ {
			valley += seg[i]
			peak += seg[len(seg)-1-i]
		}
		sum += math.Log10((peak/float64(q) + 1e-10) / (valley/float64(q) + 1e-10))
		bands++
	}
	if bands == 0 {
		return 0
	}
	return sum / float64(bands)
}
