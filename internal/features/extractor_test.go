package features

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/kalambet/crate/internal/audio"
	"github.com/kalambet/crate/internal/audio/audiotest"
)

func extract(t *testing.T, samples []float64, rate int) Vector {
	t.Helper()
	v, err := NewExtractor(DefaultConfig()).Extract(samples, rate)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	return v
}

func TestExtract_SchemaComplete(t *testing.T) {
	v := extract(t, audiotest.Sine(440, 1, 22050, 0.5), 22050)
	if !v.Complete() {
		t.Fatalf("vector is not complete: %v", v)
	}
	if len(v) != len(Schema) {
		t.Errorf("len(vector) = %d, want %d", len(v), len(Schema))
	}
}

func TestExtract_Deterministic(t *testing.T) {
	sig := audiotest.Noise(0.5, 22050, 0.3, 7)
	a := extract(t, sig, 22050)
	b := extract(t, sig, 22050)
	for _, name := range Schema {
		if a[name] != b[name] {
			t.Errorf("%s differs between runs: %v vs %v", name, a[name], b[name])
		}
	}
}

func TestExtract_BandRatiosBounded(t *testing.T) {
	signals := map[string][]float64{
		"sine":  audiotest.Sine(440, 1, 22050, 0.5),
		"noise": audiotest.Noise(1, 22050, 0.5, 1),
		"kick":  audiotest.Kick(1, 0.25, 22050),
	}
	for name, sig := range signals {
		v := extract(t, sig, 22050)
		var sum float64
		for _, dim := range BandRatios {
			if v[dim] < 0 {
				t.Errorf("%s: %s = %f, want >= 0", name, dim, v[dim])
			}
			sum += v[dim]
		}
		if sum > 1+1e-9 {
			t.Errorf("%s: band ratios sum to %f, want <= 1", name, sum)
		}
	}
}

func TestExtract_LowToneIsBass(t *testing.T) {
	v := extract(t, audiotest.Sine(100, 1, 22050, 0.6), 22050)
	if v[BassRatio] < 0.8 {
		t.Errorf("bass_ratio = %f, want >= 0.8", v[BassRatio])
	}
	if v[SpectralCentroid] > 400 {
		t.Errorf("spectral_centroid = %f, want < 400", v[SpectralCentroid])
	}
	if v[IsSustained] != 1 {
		t.Errorf("is_sustained = %f, want 1", v[IsSustained])
	}
}

func TestExtract_NoiseBrighterAndFlatterThanTone(t *testing.T) {
	tone := extract(t, audiotest.Sine(300, 1, 22050, 0.5), 22050)
	noise := extract(t, audiotest.Noise(1, 22050, 0.5, 3), 22050)

	if noise[SpectralCentroid] <= tone[SpectralCentroid] {
		t.Errorf("noise centroid %f <= tone centroid %f", noise[SpectralCentroid], tone[SpectralCentroid])
	}
	if noise[SpectralFlatness] <= tone[SpectralFlatness] {
		t.Errorf("noise flatness %f <= tone flatness %f", noise[SpectralFlatness], tone[SpectralFlatness])
	}
	if noise[ZeroCrossingRate] <= tone[ZeroCrossingRate] {
		t.Errorf("noise zcr %f <= tone zcr %f", noise[ZeroCrossingRate], tone[ZeroCrossingRate])
	}
	if noise[HighRatio] <= tone[HighRatio] {
		t.Errorf("noise high_ratio %f <= tone high_ratio %f", noise[HighRatio], tone[HighRatio])
	}
}

func TestExtract_RepeatedKicks(t *testing.T) {
	v := extract(t, audiotest.Kick(4, 0.5, 22050), 22050)
	if v[HasTransient] != 1 {
		t.Errorf("has_transient = %f, want 1 (attack %f)", v[HasTransient], v[AttackTime])
	}
	if v[OnsetCount] < 4 {
		t.Errorf("onset_count = %f, want >= 4", v[OnsetCount])
	}
	if v[OnsetRate] <= 1 {
		t.Errorf("onset_rate = %f, want > 1", v[OnsetRate])
	}
	if v[Tempo] < minBPM || v[Tempo] > maxBPM+5 {
		t.Errorf("tempo = %f, want within [%v, %v]", v[Tempo], minBPM, maxBPM)
	}
}

func TestExtract_HPSSRatiosSumToOne(t *testing.T) {
	v := extract(t, audiotest.Kick(1, 0.25, 22050), 22050)
	if got := v[HarmonicRatio] + v[PercussiveRatio]; math.Abs(got-1) > 1e-9 {
		t.Errorf("harmonic + percussive = %f, want 1", got)
	}
}

func TestExtract_Silence(t *testing.T) {
	v := extract(t, make([]float64, 22050), 22050)
	if !v.Complete() {
		t.Fatal("silent vector is not complete")
	}
	for _, name := range Schema {
		if name == Duration {
			continue
		}
		if v[name] != 0 {
			t.Errorf("%s = %f, want 0 for silence", name, v[name])
		}
	}
	if v[Duration] != 1 {
		t.Errorf("duration = %f, want 1", v[Duration])
	}
}

func TestExtract_ResamplesInput(t *testing.T) {
	v := extract(t, audiotest.Sine(440, 1, 44100, 0.5), 44100)
	if math.Abs(v[Duration]-1) > 1e-3 {
		t.Errorf("duration = %f, want 1", v[Duration])
	}
	if math.Abs(v[SpectralCentroid]-440) > 60 {
		t.Errorf("spectral_centroid = %f, want ~440", v[SpectralCentroid])
	}
}

func TestExtract_MaxDurationCap(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxDuration = time.Second
	v, err := NewExtractor(cfg).Extract(audiotest.Sine(200, 3, 22050, 0.4), 22050)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if v[Duration] != 1 {
		t.Errorf("duration = %f, want 1 (capped)", v[Duration])
	}
}

func TestExtract_Errors(t *testing.T) {
	e := NewExtractor(DefaultConfig())

	_, err := e.Extract(nil, 22050)
	var decErr *audio.DecodeError
	if !errors.As(err, &decErr) {
		t.Errorf("empty signal: error = %v, want *DecodeError", err)
	}

	_, err = e.Extract([]float64{0, math.NaN(), 0}, 22050)
	if !errors.As(err, &decErr) {
		t.Errorf("NaN signal: error = %v, want *DecodeError", err)
	}

	_, err = e.Extract([]float64{0, 0.1, 0}, 1000)
	var unsup *audio.UnsupportedFormatError
	if !errors.As(err, &unsup) {
		t.Errorf("low rate: error = %v, want *UnsupportedFormatError", err)
	}
}

func TestVector_ValuesRoundTrip(t *testing.T) {
	v := extract(t, audiotest.Sine(440, 0.5, 22050, 0.5), 22050)
	back, err := FromValues(v.Values())
	if err != nil {
		t.Fatalf("FromValues: %v", err)
	}
	for _, name := range Schema {
		if back[name] != v[name] {
			t.Errorf("%s = %v after round trip, want %v", name, back[name], v[name])
		}
	}
	if _, err := FromValues([]float64{1, 2}); err == nil {
		t.Error("FromValues with short slice: expected error")
	}
}

func TestVector_GetSkipsNaN(t *testing.T) {
	v := Vector{Tempo: math.NaN(), RMSMean: 0.2}
	if _, ok := v.Get(Tempo); ok {
		t.Error("Get(tempo) reported NaN as present")
	}
	if _, ok := v.Get(OnsetRate); ok {
		t.Error("Get(onset_rate) reported missing as present")
	}
	if x, ok := v.Get(RMSMean); !ok || x != 0.2 {
		t.Errorf("Get(rms_mean) = %v, %v; want 0.2, true", x, ok)
	}
}
