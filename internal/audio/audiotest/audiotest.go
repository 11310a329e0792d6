// Package audiotest writes synthetic audio fixtures for tests.
package audiotest

import (
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// WriteWAV encodes interleaved samples in [-1, 1] as a 16-bit PCM WAV file
// at dir/name and returns its path.
func WriteWAV(t testing.TB, dir, name string, samples []float64, rate, channels int) string {
	t.Helper()
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("creating %s: %v", path, err)
	}
	defer f.Close()

	enc := wav.NewEncoder(f, rate, 16, channels, 1)
	data := make([]int, len(samples))
	for i, s := range samples {
		s = math.Max(-1, math.Min(1, s))
		data[i] = int(s * 32767)
	}
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: channels, SampleRate: rate},
		Data:           data,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		t.Fatalf("writing wav %s: %v", path, err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("closing wav encoder %s: %v", path, err)
	}
	return path
}

// Sine returns a mono sine tone.
func Sine(freq, seconds float64, rate int, amp float64) []float64 {
	n := int(seconds * float64(rate))
	out := make([]float64, n)
	for i := range out {
		out[i] = amp * math.Sin(2*math.Pi*freq*float64(i)/float64(rate))
	}
	return out
}

// Kick returns a decaying low sine burst, repeated every interval seconds.
func Kick(seconds, interval float64, rate int) []float64 {
	n := int(seconds * float64(rate))
	out := make([]float64, n)
	step := int(interval * float64(rate))
	for start := 0; start < n; start += step {
		for i := 0; i < step && start+i < n; i++ {
			tt := float64(i) / float64(rate)
			freq := 50 + 100*math.Exp(-tt*40)
			out[start+i] = 0.9 * math.Exp(-tt*18) * math.Sin(2*math.Pi*freq*tt)
		}
	}
	return out
}

// Noise returns deterministic white noise.
func Noise(seconds float64, rate int, amp float64, seed int64) []float64 {
	r := rand.New(rand.NewSource(seed))
	n := int(seconds * float64(rate))
	out := make([]float64, n)
	for i := range out {
		out[i] = amp * (2*r.Float64() - 1)
	}
	return out
}

// Interleave builds a stereo buffer from two mono channels of equal length.
func Interleave(left, right []float64) []float64 {
	out := make([]float64, 2*len(left))
	for i := range left {
		out[2*i] = left[i]
		out[2*i+1] = right[i]
	}
	return out
}
