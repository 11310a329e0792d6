package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// ffmpegRate is the output rate requested from ffmpeg.
const ffmpegRate = 44100

// decodeFFmpeg shells out to ffmpeg for signed 16-bit little-endian mono PCM.
func decodeFFmpeg(ctx context.Context, ffmpeg, path string, limit time.Duration) (Signal, error) {
	cmd := exec.CommandContext(ctx, ffmpeg,
		"-hide_banner", "-loglevel", "error",
		"-i", path,
		"-t", strconv.FormatFloat(limit.Seconds(), 'f', 3, 64),
		"-f", "s16le", "-acodec", "pcm_s16le",
		"-ac", "1", "-ar", strconv.Itoa(ffmpegRate),
		"-",
	)
	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return Signal{}, ctx.Err()
		}
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			err = fmt.Errorf("%w: %s", err, msg)
		}
		return Signal{}, &DecodeError{Path: path, Err: err}
	}

	data := out.Bytes()
	frames := len(data) / 2
	if frames == 0 {
		return Signal{}, &DecodeError{Path: path, Err: errors.New("ffmpeg produced no audio for " + filepath.Base(path))}
	}
	samples := make([]float64, frames)
	for i := range samples {
		samples[i] = float64(int16(binary.LittleEndian.Uint16(data[i*2:]))) / 32768.0
	}
	return Signal{
		Samples:    samples,
		SampleRate: ffmpegRate,
		Channels:   1,
		Duration:   float64(frames) / ffmpegRate,
	}, nil
}
