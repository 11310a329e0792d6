package audio

import (
	"errors"
	"fmt"
	"os"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const (
	wavFormatPCM        = 1
	wavFormatExtensible = 0xFFFE
)

// wavChunkFrames is the number of frames read per PCMBuffer call.
const wavChunkFrames = 4096

func decodeWAV(path string, limit time.Duration) (Signal, error) {
	f, err := os.Open(path)
	if err != nil {
		return Signal{}, &DecodeError{Path: path, Err: err}
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		err := dec.Err()
		if err == nil {
			err = errors.New("not a RIFF/WAVE file")
		}
		return Signal{}, &DecodeError{Path: path, Err: err}
	}

	if dec.WavAudioFormat != wavFormatPCM && dec.WavAudioFormat != wavFormatExtensible {
		return Signal{}, &UnsupportedFormatError{
			Path:   path,
			Format: "wav",
			Reason: fmt.Sprintf("encoding %d is not integer PCM", dec.WavAudioFormat),
		}
	}
	switch dec.BitDepth {
	case 8, 16, 24, 32:
	default:
		return Signal{}, &UnsupportedFormatError{Path: path, Format: "wav", Reason: fmt.Sprintf("bit depth %d", dec.BitDepth)}
	}
	channels := int(dec.NumChans)
	if channels < 1 || channels > maxChannels {
		return Signal{}, &UnsupportedFormatError{Path: path, Format: "wav", Reason: fmt.Sprintf("%d channels", channels)}
	}
	rate := int(dec.SampleRate)
	if rate <= 0 {
		return Signal{}, &DecodeError{Path: path, Err: errors.New("zero sample rate")}
	}

	frameCap := maxFrames(rate, limit)
	buf := &goaudio.IntBuffer{
		Format: &goaudio.Format{NumChannels: channels, SampleRate: rate},
		Data:   make([]int, wavChunkFrames*channels),
	}
	scale := pcmScale(int(dec.BitDepth))
	unsigned8 := dec.BitDepth == 8

	mono := make([]float64, 0, min(frameCap, 1<<16))
	for len(mono) < frameCap {
		n, err := dec.PCMBuffer(buf)
		if err != nil {
			return Signal{}, &DecodeError{Path: path, Err: err}
		}
		if n == 0 {
			break
		}
		frames := n / channels
		for i := 0; i < frames && len(mono) < frameCap; i++ {
			var sum float64
			for c := 0; c < channels; c++ {
				v := buf.Data[i*channels+c]
				if unsigned8 {
					v -= 128
				}
				sum += float64(v) / scale
			}
			mono = append(mono, sum/float64(channels))
		}
		if n < len(buf.Data) {
			break
		}
	}

	if len(mono) == 0 {
		return Signal{}, &DecodeError{Path: path, Err: errors.New("no PCM frames")}
	}

	return Signal{
		Samples:    mono,
		SampleRate: rate,
		Channels:   channels,
		Duration:   float64(len(mono)) / float64(rate),
	}, nil
}

// pcmScale returns the divisor that maps signed integer PCM of the given bit
// depth into [-1, 1].
func pcmScale(bitDepth int) float64 {
	return float64(int64(1) << (bitDepth - 1))
}
