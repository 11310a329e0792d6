// Package features computes the fixed-schema acoustic feature vector used by
// the acoustic classifier, similarity search and clustering.
package features

import (
	"fmt"
	"math"
	"time"
)

// Dimension names. Schema lists them in canonical order.
const (
	Duration          = "duration"
	RMSMean           = "rms_mean"
	RMSStd            = "rms_std"
	RMSMax            = "rms_max"
	DynamicRange      = "dynamic_range"
	SpectralCentroid  = "spectral_centroid"
	SpectralBandwidth = "spectral_bandwidth"
	SpectralRolloff   = "spectral_rolloff"
	SpectralFlatness  = "spectral_flatness"
	SpectralContrast  = "spectral_contrast"
	ZeroCrossingRate  = "zero_crossing_rate"
	Tempo             = "tempo"
	OnsetCount        = "onset_count"
	OnsetRate         = "onset_rate"
	HarmonicRatio     = "harmonic_ratio"
	PercussiveRatio   = "percussive_ratio"
	AttackTime        = "attack_time"
	HasTransient      = "has_transient"
	IsSustained       = "is_sustained"
	Brightness        = "brightness"
	MFCC1             = "mfcc_1"
	MFCC2             = "mfcc_2"
	MFCC3             = "mfcc_3"
	MFCC4             = "mfcc_4"
	MFCC5             = "mfcc_5"
	SubBassRatio      = "sub_bass_ratio"
	BassRatio         = "bass_ratio"
	LowMidRatio       = "low_mid_ratio"
	MidRatio          = "mid_ratio"
	UpperMidRatio     = "upper_mid_ratio"
	HighRatio         = "high_ratio"
)

// Schema is the ordered list of every dimension in a Vector.
var Schema = []string{
	Duration, RMSMean, RMSStd, RMSMax, DynamicRange,
	SpectralCentroid, SpectralBandwidth, SpectralRolloff, SpectralFlatness, SpectralContrast,
	ZeroCrossingRate, Tempo, OnsetCount, OnsetRate,
	HarmonicRatio, PercussiveRatio, AttackTime, HasTransient, IsSustained, Brightness,
	MFCC1, MFCC2, MFCC3, MFCC4, MFCC5,
	SubBassRatio, BassRatio, LowMidRatio, MidRatio, UpperMidRatio, HighRatio,
}

// BandRatios lists the frequency-band energy ratio dimensions.
var BandRatios = []string{SubBassRatio, BassRatio, LowMidRatio, MidRatio, UpperMidRatio, HighRatio}

// Vector maps dimension name to value.
type Vector map[string]float64

// Get returns the named value, reporting false when it is missing or NaN.
func (v Vector) Get(name string) (float64, bool) {
	x, ok := v[name]
	if !ok || math.IsNaN(x) {
		return 0, false
	}
	return x, true
}

// Complete reports whether every schema dimension is present and finite.
func (v Vector) Complete() bool {
	if len(v) < len(Schema) {
		return false
	}
	for _, name := range Schema {
		x, ok := v[name]
		if !ok || math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}

// Values returns the vector in Schema order.
func (v Vector) Values() []float64 {
	out := make([]float64, len(Schema))
	for i, name := range Schema {
		out[i] = v[name]
	}
	return out
}

// FromValues builds a Vector from values in Schema order.
func FromValues(values []float64) (Vector, error) {
	if len(values) != len(Schema) {
		return nil, fmt.Errorf("feature vector has %d values, schema has %d", len(values), len(Schema))
	}
	v := make(Vector, len(Schema))
	for i, name := range Schema {
		v[name] = values[i]
	}
	return v, nil
}

// Config fixes the extraction parameters. Vectors are comparable only when
// extracted with the same Config.
type Config struct {
	SampleRate  int
	FrameSize   int
	HopSize     int
	MaxDuration time.Duration
}

// DefaultConfig returns the analysis configuration used across the library.
func DefaultConfig() Config {
	return Config{
		SampleRate:  22050,
		FrameSize:   2048,
		HopSize:     512,
		MaxDuration: 30 * time.Second,
	}
}

// Fingerprint identifies the configuration; stored alongside each vector.
func (c Config) Fingerprint() string {
	return fmt.Sprintf("v1/sr%d/n%d/h%d/max%s", c.SampleRate, c.FrameSize, c.HopSize, c.MaxDuration)
}
