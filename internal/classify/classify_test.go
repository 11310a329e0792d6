package classify

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kalambet/crate/internal/audio"
	"github.com/kalambet/crate/internal/audio/audiotest"
	"github.com/kalambet/crate/internal/features"
)

func TestLexical_Classify(t *testing.T) {
	l := NewDefaultLexical()
	tests := []struct {
		name     string
		category Category
		subtype  string
		mood     string
	}{
		{"kick_808_dark.wav", Percussion, "kick", "dark"},
		{"bass_drum.wav", Percussion, "kick", UnknownMood},
		{"Deep Sub Bass 01.wav", Bass, "bass", UnknownMood},
		{"SNARE-tight.aiff", Percussion, "snare", UnknownMood},
		{"OpenHiHat.wav", Percussion, "hi_hat_cymbal", UnknownMood},
		{"warm pad chill.flac", PadAmbient, "synth_pad", "chill"},
		{"Rhodes Chords.mp3", SynthLead, "piano_keys", UnknownMood},
		{"acoustic guitar strum.wav", SynthLead, "guitar", UnknownMood},
		{"female_vox_happy.wav", Vocal, "vocal", "bright"},
		{"riser_epic.wav", FX, "fx", "epic"},
		{"/music/crates/untitled.wav", Other, "", UnknownMood},
		{"", Other, "", UnknownMood},
		{"abduction.wav", Other, "", UnknownMood},
		{"BD01.wav", Percussion, "kick", UnknownMood},
		{"OpenHat.wav", Percussion, "hi_hat_cymbal", UnknownMood},
		{"closedhat_01.wav", Percussion, "hi_hat_cymbal", UnknownMood},
		{"HHOpen.wav", Percussion, "hi_hat_cymbal", UnknownMood},
		{"SynthPad_warm.wav", PadAmbient, "synth_pad", UnknownMood},
		{"ArpLoop.wav", SynthLead, "synth_lead", UnknownMood},
		{"rimshot.wav", Percussion, "snare", UnknownMood},
		{"subdrop.wav", Bass, "bass", UnknownMood},
		{"DarkSaxRiff.wav", PadAmbient, "brass", "dark"},
		{"sd_tight.wav", Percussion, "snare", UnknownMood},
		{"fxchain.wav", Other, "", UnknownMood},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := l.Classify(tt.name)
			if got.Category != tt.category {
				t.Errorf("category = %q, want %q", got.Category, tt.category)
			}
			if got.Subtype != tt.subtype {
				t.Errorf("subtype = %q, want %q", got.Subtype, tt.subtype)
			}
			if got.Mood != tt.mood {
				t.Errorf("mood = %q, want %q", got.Mood, tt.mood)
			}
		})
	}
}

func TestTokens(t *testing.T) {
	tests := map[string][]string{
		"OpenHiHat_02":   {"open", "hi", "hat", "02"},
		"HHOpen":         {"hh", "open"},
		"SynthPad warm":  {"synth", "pad", "warm"},
		"kick808":        {"kick", "808"},
		"SNARE-tight":    {"snare", "tight"},
		"  __  ":         {},
	}
	for in, want := range tests {
		got := Tokens(in)
		if strings.Join(got, "|") != strings.Join(want, "|") {
			t.Errorf("Tokens(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestLexical_TotalOverArbitraryInput(t *testing.T) {
	l := NewDefaultLexical()
	inputs := []string{"\x00\xff", "ünïcödé", "....", "a/b/c/", "🥁 drum loop", "___"}
	for _, in := range inputs {
		got := l.Classify(in)
		if !got.Category.Valid() {
			t.Errorf("Classify(%q) category = %q, not in taxonomy", in, got.Category)
		}
		if got.Mood == "" {
			t.Errorf("Classify(%q) mood is empty", in)
		}
	}
}

func TestLexical_CustomTablePrecedence(t *testing.T) {
	l := NewLexical([]KeywordRule{
		{"bass", Bass, []string{"bass"}},
		{"kick", Percussion, []string{"bass drum"}},
	}, nil)
	if got := l.Classify("bass_drum.wav"); got.Category != Bass {
		t.Errorf("category = %q, want %q with bass rule first", got.Category, Bass)
	}
}

func TestParseCategory(t *testing.T) {
	tests := map[string]Category{
		"percussion": Percussion,
		"synth-lead": SynthLead,
		"SYNTH/LEAD": SynthLead,
		"pad":        PadAmbient,
		"drums":      Percussion,
		"nonsense":   Other,
	}
	for in, want := range tests {
		if got := ParseCategory(in); got != want {
			t.Errorf("ParseCategory(%q) = %q, want %q", in, got, want)
		}
	}
}

// vec fills every schema dimension with a neutral value and applies overrides.
func vec(overrides map[string]float64) features.Vector {
	v := make(features.Vector, len(features.Schema))
	for _, name := range features.Schema {
		v[name] = 0
	}
	v[features.Duration] = 1
	v[features.ZeroCrossingRate] = 0.05
	v[features.SpectralCentroid] = 1500
	v[features.AttackTime] = 0.2
	v[features.HarmonicRatio] = 0.5
	v[features.PercussiveRatio] = 0.5
	for k, x := range overrides {
		v[k] = x
	}
	return v
}

func TestAcoustic_Rules(t *testing.T) {
	a := NewAcoustic()
	tests := []struct {
		name     string
		v        features.Vector
		category Category
		subtype  string
	}{
		{"kick", vec(map[string]float64{
			features.HasTransient: 1, features.OnsetRate: 2, features.BassRatio: 0.6,
			features.SpectralCentroid: 200, features.AttackTime: 0.01,
		}), Percussion, "kick"},
		{"hat", vec(map[string]float64{
			features.HasTransient: 1, features.OnsetRate: 4, features.HighRatio: 0.7,
			features.SpectralCentroid: 8000, features.AttackTime: 0.1,
		}), Percussion, "hi_hat_cymbal"},
		{"single hit", vec(map[string]float64{
			features.OnsetCount: 1, features.AttackTime: 0.005, features.PercussiveRatio: 0.8,
		}), Percussion, "other_percussion"},
		{"bass", vec(map[string]float64{
			features.BassRatio: 0.4, features.SubBassRatio: 0.3, features.SpectralCentroid: 150,
		}), Bass, ""},
		{"pad", vec(map[string]float64{
			features.IsSustained: 1, features.Duration: 4, features.ZeroCrossingRate: 0.05,
		}), PadAmbient, ""},
		{"lead", vec(map[string]float64{
			features.MidRatio: 0.5, features.UpperMidRatio: 0.3,
		}), SynthLead, ""},
		{"fx", vec(map[string]float64{features.SpectralFlatness: 0.6}), FX, ""},
		{"vocal", vec(map[string]float64{
			features.HarmonicRatio: 0.8, features.MidRatio: 0.35, features.SpectralCentroid: 1200,
			features.ZeroCrossingRate: 0.08,
		}), Vocal, ""},
		{"other", vec(nil), Other, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := a.Classify(tt.v)
			if got.Category != tt.category {
				t.Errorf("category = %q, want %q", got.Category, tt.category)
			}
			if got.Subtype != tt.subtype {
				t.Errorf("subtype = %q, want %q", got.Subtype, tt.subtype)
			}
			if got.MoodDetails == nil || len(got.MoodDetails.Overall) == 0 {
				t.Fatal("mood details missing")
			}
			if got.Mood != got.MoodDetails.Overall[0] {
				t.Errorf("mood = %q, want first overall mood %q", got.Mood, got.MoodDetails.Overall[0])
			}
		})
	}
}

func TestAcoustic_SkipsMissingAndNaN(t *testing.T) {
	a := NewAcoustic()
	v := features.Vector{
		features.BassRatio:        0.7,
		features.SubBassRatio:     0.2,
		features.SpectralCentroid: 120,
		features.HasTransient:     math.NaN(),
	}
	got := a.Classify(v)
	if got.Category != Bass {
		t.Errorf("category = %q, want %q", got.Category, Bass)
	}
	if got := a.Classify(features.Vector{}); got.Category != Other || got.Mood == "" {
		t.Errorf("empty vector = %+v, want other with a mood", got)
	}
}

func TestMood_ScalesBounded(t *testing.T) {
	loud := vec(map[string]float64{
		features.RMSMean: 5, features.ZeroCrossingRate: 2, features.SpectralCentroid: 20000,
		features.HighRatio: 1, features.UpperMidRatio: 1,
	})
	d := describeMood(loud)
	for name, s := range map[string]Scale{"energy": d.Energy, "brightness": d.Brightness, "texture": d.Texture, "weight": d.Weight} {
		if s.Value < 0 || s.Value > 10 {
			t.Errorf("%s = %f, want within [0, 10]", name, s.Value)
		}
		if s.Label == "" {
			t.Errorf("%s label is empty", name)
		}
	}
}

func TestUsage(t *testing.T) {
	oneShot := describeUsage(vec(map[string]float64{
		features.Duration: 0.3, features.HasTransient: 1, features.BassRatio: 0.7,
	}))
	if oneShot.SampleType != "one_shot" || oneShot.MixPosition != "foundation" {
		t.Errorf("usage = %+v, want one_shot/foundation", oneShot)
	}
	atmos := describeUsage(vec(map[string]float64{
		features.Duration: 6, features.IsSustained: 1, features.HighRatio: 0.5,
	}))
	if atmos.SampleType != "atmosphere" || atmos.MixPosition != "top" {
		t.Errorf("usage = %+v, want atmosphere/top", atmos)
	}
	if describeUsage(features.Vector{}) != nil {
		t.Error("usage without duration should be nil")
	}
}

func TestLexicalStrategy(t *testing.T) {
	dir := t.TempDir()
	path := audiotest.WriteWAV(t, dir, "kick_808_dark.wav", audiotest.Kick(0.5, 0.25, 22050), 22050, 1)

	s := NewLexicalStrategy(nil)
	out, err := s.Classify(context.Background(), path)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if out.Category != Percussion || out.Subtype != "kick" || out.Mood != "dark" {
		t.Errorf("outcome = %s/%s/%s, want percussion/kick/dark", out.Category, out.Subtype, out.Mood)
	}
	if out.Method != MethodLexical || out.Features != nil {
		t.Errorf("method = %q features = %v, want lexical without features", out.Method, out.Features)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Classify(ctx, path); !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled Classify error = %v, want context.Canceled", err)
	}
}

// writeID3v1 writes a file whose only metadata is an ID3v1 tag with title.
func writeID3v1(t *testing.T, path, title string) {
	t.Helper()
	tagBlock := make([]byte, 128)
	copy(tagBlock, "TAG")
	copy(tagBlock[3:33], title)
	tagBlock[127] = 255
	data := append(make([]byte, 256), tagBlock...)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLexicalStrategy_TagEnrichment(t *testing.T) {
	dir := t.TempDir()
	s := NewLexicalStrategy(nil)

	untitled := filepath.Join(dir, "untitled_01.mp3")
	writeID3v1(t, untitled, "Dark Bass Hit")
	out, err := s.Classify(context.Background(), untitled)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if out.Category != Bass || out.Mood != "dark" {
		t.Errorf("outcome = %s/%s, want bass/dark from tag text", out.Category, out.Mood)
	}
	if !strings.Contains(out.Tags.Text(), "Dark Bass Hit") {
		t.Errorf("tags = %+v", out.Tags)
	}

	// The filename wins over tag text.
	named := filepath.Join(dir, "snare_bright.mp3")
	writeID3v1(t, named, "Dark Bass Hit")
	out, err = s.Classify(context.Background(), named)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if out.Category != Percussion || out.Subtype != "snare" || out.Mood != "bright" {
		t.Errorf("outcome = %s/%s/%s, want percussion/snare/bright", out.Category, out.Subtype, out.Mood)
	}
}

func TestAcousticStrategy_Analyzes(t *testing.T) {
	dir := t.TempDir()
	path := audiotest.WriteWAV(t, dir, "loop.wav", audiotest.Kick(2, 0.25, 22050), 22050, 1)

	s := NewAcousticStrategy(AcousticOptions{})
	out, err := s.Classify(context.Background(), path)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if out.Method != MethodAcoustic {
		t.Errorf("method = %q, want %q", out.Method, MethodAcoustic)
	}
	if !out.Features.Complete() {
		t.Error("features incomplete")
	}
	if out.Fingerprint != features.DefaultConfig().Fingerprint() {
		t.Errorf("fingerprint = %q", out.Fingerprint)
	}
	if out.Category != Percussion {
		t.Errorf("category = %q, want %q", out.Category, Percussion)
	}
	if out.MoodDetails == nil || out.Usage == nil {
		t.Error("deep outcome missing mood details or usage")
	}
}

func TestAcousticStrategy_FallbackPolicy(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "snare_dark.wav")
	if err := os.WriteFile(path, []byte("RIFF not really a wav file at all"), 0o644); err != nil {
		t.Fatal(err)
	}

	graceful := NewAcousticStrategy(AcousticOptions{})
	out, err := graceful.Classify(context.Background(), path)
	if err != nil {
		t.Fatalf("graceful Classify: %v", err)
	}
	if out.Method != MethodLexical || out.Category != Percussion || out.Subtype != "snare" {
		t.Errorf("fallback outcome = %s %s/%s, want lexical percussion/snare", out.Method, out.Category, out.Subtype)
	}
	var decErr *audio.DecodeError
	if !errors.As(out.DeepErr, &decErr) {
		t.Errorf("DeepErr = %v, want *audio.DecodeError", out.DeepErr)
	}

	strict := NewAcousticStrategy(AcousticOptions{Policy: FallbackStrict})
	if _, err := strict.Classify(context.Background(), path); !errors.As(err, &decErr) {
		t.Errorf("strict Classify error = %v, want *audio.DecodeError", err)
	}
}

func TestParseFallbackPolicy(t *testing.T) {
	if got := ParseFallbackPolicy("strict"); got != FallbackStrict {
		t.Errorf("ParseFallbackPolicy(strict) = %q", got)
	}
	if got := ParseFallbackPolicy(""); got != FallbackLexical {
		t.Errorf("ParseFallbackPolicy(\"\") = %q, want %q", got, FallbackLexical)
	}
}
