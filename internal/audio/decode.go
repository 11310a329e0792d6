package audio

import (
	"context"
	"errors"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DefaultMaxDuration bounds how much of a file is decoded.
const DefaultMaxDuration = 30 * time.Second

// maxChannels is the widest channel layout the decoder accepts.
const maxChannels = 8

// Signal is a decoded mono PCM signal with samples in [-1, 1].
type Signal struct {
	Samples    []float64
	SampleRate int
	Channels   int // channel count of the source before downmixing
	Duration   float64
}

// ffmpegExts lists containers decoded through an ffmpeg subprocess.
var ffmpegExts = map[string]bool{
	".aif":  true,
	".aiff": true,
	".flac": true,
	".ogg":  true,
	".oga":  true,
	".m4a":  true,
	".aac":  true,
	".opus": true,
	".wma":  true,
}

// IsSupported reports whether path has an extension the decoder knows about.
func IsSupported(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".wav", ".wave", ".mp3":
		return true
	}
	return ffmpegExts[ext]
}

// Decoder turns audio files into mono float PCM.
type Decoder struct {
	maxDuration time.Duration
	ffmpegPath  string
	logger      *zap.Logger
}

// Options configures a Decoder.
type Options struct {
	// MaxDuration caps decoded length. Zero means DefaultMaxDuration.
	MaxDuration time.Duration
	// FFmpegPath overrides ffmpeg discovery. Empty means look it up on PATH.
	FFmpegPath string
	Logger     *zap.Logger
}

// NewDecoder creates a Decoder. ffmpeg is optional; without it only WAV and
// MP3 input can be decoded.
func NewDecoder(opts Options) *Decoder {
	if opts.MaxDuration <= 0 {
		opts.MaxDuration = DefaultMaxDuration
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	ffmpeg := opts.FFmpegPath
	if ffmpeg == "" {
		if p, err := exec.LookPath("ffmpeg"); err == nil {
			ffmpeg = p
		}
	}
	return &Decoder{
		maxDuration: opts.MaxDuration,
		ffmpegPath:  ffmpeg,
		logger:      opts.Logger,
	}
}

// MaxDuration returns the decode length cap.
func (d *Decoder) MaxDuration() time.Duration {
	return d.maxDuration
}

// Decode reads path and returns a mono signal at the file's native rate
// (ffmpeg-decoded input is resampled to 44100 Hz).
func (d *Decoder) Decode(ctx context.Context, path string) (Signal, error) {
	if err := ctx.Err(); err != nil {
		return Signal{}, err
	}
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".wav", ".wave":
		sig, err := decodeWAV(path, d.maxDuration)
		if err != nil {
			var unsupported *UnsupportedFormatError
			if errors.As(err, &unsupported) && d.ffmpegPath != "" {
				d.logger.Debug("native wav decoder rejected file, retrying with ffmpeg",
					zap.String("path", path), zap.Error(err))
				return decodeFFmpeg(ctx, d.ffmpegPath, path, d.maxDuration)
			}
			return Signal{}, err
		}
		return sig, nil
	case ".mp3":
		return decodeMP3(path, d.maxDuration)
	}

	if !ffmpegExts[ext] {
		return Signal{}, &UnsupportedFormatError{Path: path, Format: ext, Reason: "unknown extension"}
	}
	if d.ffmpegPath == "" {
		return Signal{}, &UnsupportedFormatError{Path: path, Format: ext, Reason: "ffmpeg not available"}
	}
	return decodeFFmpeg(ctx, d.ffmpegPath, path, d.maxDuration)
}

// maxFrames converts a duration cap into a frame count at rate.
func maxFrames(rate int, limit time.Duration) int {
	return int(limit.Seconds() * float64(rate))
}
