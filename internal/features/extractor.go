package features

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/kalambet/crate/internal/audio"
)

// minSampleRate is the lowest input rate accepted.
const minSampleRate = 4000

// silenceFloor is the peak frame RMS below which a signal counts as silent.
const silenceFloor = 1e-6

// Extractor computes feature vectors. It holds only read-only tables and is
// safe for concurrent use.
type Extractor struct {
	cfg    Config
	window []float64
	mel    []melFilter
}

// NewExtractor precomputes the analysis window and mel filterbank.
func NewExtractor(cfg Config) *Extractor {
	def := DefaultConfig()
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = def.SampleRate
	}
	if cfg.FrameSize <= 0 {
		cfg.FrameSize = def.FrameSize
	}
	if cfg.HopSize <= 0 {
		cfg.HopSize = def.HopSize
	}
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = def.MaxDuration
	}
	return &Extractor{
		cfg:    cfg,
		window: hann(cfg.FrameSize),
		mel:    melFilterbank(melBands, cfg.FrameSize, cfg.SampleRate),
	}
}

// Config returns the extraction configuration.
func (e *Extractor) Config() Config {
	return e.cfg
}

// Extract computes the full feature vector for a mono signal sampled at
// sampleRate. Only the first MaxDuration of the signal is analyzed.
func (e *Extractor) Extract(samples []float64, sampleRate int) (Vector, error) {
	if sampleRate < minSampleRate {
		return nil, &audio.UnsupportedFormatError{Format: "pcm", Reason: "sample rate too low"}
	}
	if len(samples) == 0 {
		return nil, &audio.DecodeError{Err: errors.New("empty signal")}
	}
	for _, s := range samples {
		if math.IsNaN(s) || math.IsInf(s, 0) {
			return nil, &audio.DecodeError{Err: errors.New("signal contains non-finite samples")}
		}
	}

	x := resample(samples, sampleRate, e.cfg.SampleRate)
	if limit := int(e.cfg.MaxDuration.Seconds() * float64(e.cfg.SampleRate)); len(x) > limit {
		x = x[:limit]
	}
	sr := float64(e.cfg.SampleRate)
	duration := float64(len(x)) / sr

	v := make(Vector, len(Schema))
	for _, name := range Schema {
		v[name] = 0
	}
	v[Duration] = duration

	rms := frameRMS(x, e.cfg.FrameSize, e.cfg.HopSize)
	rmsMax := floats.Max(rms)
	if rmsMax < silenceFloor {
		return v, nil
	}
	rmsMean, rmsStd := meanStd(rms)
	v[RMSMean] = rmsMean
	v[RMSStd] = rmsStd
	v[RMSMax] = rmsMax
	v[DynamicRange] = rmsMax - floats.Min(rms)
	v[ZeroCrossingRate] = zeroCrossingRate(x)

	spec := e.stft(x)
	sp := spectralStats(spec, e.cfg.FrameSize, sr)
	v[SpectralCentroid] = sp.centroid
	v[SpectralBandwidth] = sp.bandwidth
	v[SpectralRolloff] = sp.rolloff
	v[SpectralFlatness] = sp.flatness
	v[SpectralContrast] = sp.contrast
	v[Brightness] = sp.centroid / (sr / 2)
	for i, name := range BandRatios {
		v[name] = sp.bands[i]
	}

	onsets, flux := detectOnsets(spec)
	v[OnsetCount] = float64(len(onsets))
	if duration > 0 {
		v[OnsetRate] = float64(len(onsets)) / duration
	}
	if len(onsets) >= 2 {
		v[Tempo] = estimateTempo(flux, sr, e.cfg.HopSize)
	}

	h, p := hpssRatios(spec)
	v[HarmonicRatio] = h
	v[PercussiveRatio] = p

	env := envelope(x, sr)
	attack := attackTime(env, sr)
	v[AttackTime] = attack
	v[HasTransient] = boolValue(attack < 0.05)
	v[IsSustained] = boolValue(sustained(env))

	for i, c := range e.mfcc(spec) {
		v[Schema[indexOf(MFCC1)+i]] = c
	}

	return v, nil
}

// resample converts x from rate `from` to rate `to` by linear interpolation.
func resample(x []float64, from, to int) []float64 {
	if from == to {
		out := make([]float64, len(x))
		copy(out, x)
		return out
	}
	ratio := float64(from) / float64(to)
	n := int(float64(len(x)) / ratio)
	if n < 1 {
		n = 1
	}
	out := make([]float64, n)
	for i := range out {
		pos := float64(i) * ratio
		j := int(pos)
		if j >= len(x)-1 {
			out[i] = x[len(x)-1]
			continue
		}
		frac := pos - float64(j)
		out[i] = x[j]*(1-frac) + x[j+1]*frac
	}
	return out
}

// frameRMS returns per-frame RMS. Signals shorter than one frame yield a
// single frame over the whole signal.
func frameRMS(x []float64, frame, hop int) []float64 {
	if len(x) <= frame {
		return []float64{rmsOf(x)}
	}
	n := 1 + (len(x)-frame)/hop
	out := make([]float64, n)
	for i := range out {
		out[i] = rmsOf(x[i*hop : i*hop+frame])
	}
	return out
}

func rmsOf(x []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	return math.Sqrt(floats.Dot(x, x) / float64(len(x)))
}

func meanStd(x []float64) (float64, float64) {
	if len(x) < 2 {
		return stat.Mean(x, nil), 0
	}
	return stat.MeanStdDev(x, nil)
}

func zeroCrossingRate(x []float64) float64 {
	if len(x) < 2 {
		return 0
	}
	var crossings int
	for i := 1; i < len(x); i++ {
		if (x[i-1] >= 0) != (x[i] >= 0) {
			crossings++
		}
	}
	return float64(crossings) / float64(len(x)-1)
}

// envelope is an RMS envelope over 30 ms frames with a 10 ms hop.
func envelope(x []float64, sr float64) []float64 {
	frame := int(0.03 * sr)
	hop := int(0.01 * sr)
	return frameRMS(x, frame, hop)
}

// attackTime is the time until the envelope first reaches 80% of its peak.
func attackTime(env []float64, sr float64) float64 {
	peak := floats.Max(env)
	if peak <= 0 {
		return 0
	}
	hop := 0.01
	for i, e := range env {
		if e >= 0.8*peak {
			return float64(i) * hop
		}
	}
	return float64(len(env)-1) * hop
}

// sustained reports whether the second half of the envelope keeps more than
// half the energy of the first half.
func sustained(env []float64) bool {
	if len(env) < 2 {
		return false
	}
	mid := len(env) / 2
	early := stat.Mean(env[:mid], nil)
	late := stat.Mean(env[mid:], nil)
	return early > 0 && late > 0.5*early
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func indexOf(name string) int {
	for i, n := range Schema {
		if n == name {
			return i
		}
	}
	return -1
}
