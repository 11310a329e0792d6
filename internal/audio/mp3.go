package audio

import (
	"encoding/binary"
	"errors"
	"io"
	"os"
	"time"

	"github.com/hajimehoshi/go-mp3"
)

// go-mp3 always emits 16-bit little-endian stereo.
const mp3BytesPerFrame = 4

func decodeMP3(path string, limit time.Duration) (Signal, error) {
	f, err := os.Open(path)
	if err != nil {
		return Signal{}, &DecodeError{Path: path, Err: err}
	}
	defer f.Close()

	dec, err := mp3.NewDecoder(f)
	if err != nil {
		return Signal{}, &DecodeError{Path: path, Err: err}
	}
	rate := dec.SampleRate()
	if rate <= 0 {
		return Signal{}, &DecodeError{Path: path, Err: errors.New("zero sample rate")}
	}

	frameCap := maxFrames(rate, limit)
	raw, err := io.ReadAll(io.LimitReader(dec, int64(frameCap*mp3BytesPerFrame)))
	if err != nil {
		return Signal{}, &DecodeError{Path: path, Err: err}
	}

	frames := len(raw) / mp3BytesPerFrame
	if frames == 0 {
		return Signal{}, &DecodeError{Path: path, Err: errors.New("no PCM frames")}
	}
	mono := make([]float64, frames)
	for i := 0; i < frames; i++ {
		l := int16(binary.LittleEndian.Uint16(raw[i*4:]))
		r := int16(binary.LittleEndian.Uint16(raw[i*4+2:]))
		mono[i] = (float64(l) + float64(r)) / 2 / 32768.0
	}

	return Signal{
		Samples:    mono,
		SampleRate: rate,
		Channels:   2,
		Duration:   float64(frames) / float64(rate),
	}, nil
}
