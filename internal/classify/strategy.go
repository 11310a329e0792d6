package classify

import (
	"context"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/kalambet/crate/internal/audio"
	"github.com/kalambet/crate/internal/features"
)

// Method records which strategy produced a classification.
type Method string

const (
	MethodLexical  Method = "lexical"
	MethodAcoustic Method = "acoustic"
)

// FallbackPolicy decides what a deep run does when acoustic analysis of a
// file fails.
type FallbackPolicy string

const (
	// FallbackLexical returns the lexical outcome annotated with the error.
	FallbackLexical FallbackPolicy = "lexical"
	// FallbackStrict returns the analysis error.
	FallbackStrict FallbackPolicy = "strict"
)

// ParseFallbackPolicy maps a config value to a policy, defaulting to
// FallbackLexical.
func ParseFallbackPolicy(s string) FallbackPolicy {
	if FallbackPolicy(s) == FallbackStrict {
		return FallbackStrict
	}
	return FallbackLexical
}

// Outcome is what a strategy learned about one file.
type Outcome struct {
	Result
	Name        string
	Method      Method
	Features    features.Vector // nil for lexical outcomes
	Fingerprint string
	Duration    float64
	SampleRate  int
	Tags        audio.Tags
	// DeepErr is set when acoustic analysis failed and the lexical outcome
	// was used instead.
	DeepErr error
}

// Strategy classifies a single file.
type Strategy interface {
	Name() string
	Classify(ctx context.Context, path string) (Outcome, error)
}

// LexicalStrategy classifies from the filename, falling back to embedded
// tag text when the name alone matches nothing.
type LexicalStrategy struct {
	lexical *Lexical
}

// NewLexicalStrategy wraps l. A nil l uses the default keyword tables.
func NewLexicalStrategy(l *Lexical) *LexicalStrategy {
	if l == nil {
		l = NewDefaultLexical()
	}
	return &LexicalStrategy{lexical: l}
}

func (s *LexicalStrategy) Name() string { return string(MethodLexical) }

// Classify only fails when ctx is done.
func (s *LexicalStrategy) Classify(ctx context.Context, path string) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}
	out := Outcome{
		Name:   filepath.Base(path),
		Method: MethodLexical,
		Result: s.lexical.Classify(path),
	}
	if tags, err := audio.ReadTags(path); err == nil && !tags.Empty() {
		out.Tags = tags
		if out.Category == Other {
			if r := s.lexical.ClassifyText(tags.Text()); r.Category != Other {
				out.Category, out.Subtype = r.Category, r.Subtype
			}
		}
		if out.Mood == UnknownMood {
			if m := s.lexical.MoodOf(tags.Text()); m != "" {
				out.Mood = m
			}
		}
	}
	return out, nil
}

// AcousticStrategy decodes the file, extracts features and applies the
// acoustic rules. Failures follow the configured FallbackPolicy.
type AcousticStrategy struct {
	decoder   *audio.Decoder
	extractor *features.Extractor
	acoustic  *Acoustic
	lexical   *LexicalStrategy
	policy    FallbackPolicy
	logger    *zap.Logger
}

// AcousticOptions configures NewAcousticStrategy.
type AcousticOptions struct {
	Decoder   *audio.Decoder
	Extractor *features.Extractor
	Lexical   *Lexical
	Policy    FallbackPolicy
	Logger    *zap.Logger
}

func NewAcousticStrategy(opts AcousticOptions) *AcousticStrategy {
	if opts.Extractor == nil {
		opts.Extractor = features.NewExtractor(features.DefaultConfig())
	}
	if opts.Decoder == nil {
		opts.Decoder = audio.NewDecoder(audio.Options{
			MaxDuration: opts.Extractor.Config().MaxDuration,
			Logger:      opts.Logger,
		})
	}
	if opts.Policy == "" {
		opts.Policy = FallbackLexical
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &AcousticStrategy{
		decoder:   opts.Decoder,
		extractor: opts.Extractor,
		acoustic:  NewAcoustic(),
		lexical:   NewLexicalStrategy(opts.Lexical),
		policy:    opts.Policy,
		logger:    opts.Logger,
	}
}

func (s *AcousticStrategy) Name() string { return string(MethodAcoustic) }

func (s *AcousticStrategy) Classify(ctx context.Context, path string) (Outcome, error) {
	out, err := s.analyze(ctx, path)
	if err == nil {
		return out, nil
	}
	if ctx.Err() != nil || s.policy == FallbackStrict {
		return Outcome{}, err
	}

	s.logger.Warn("acoustic analysis failed, using filename",
		zap.String("path", path), zap.Error(err))
	out, lexErr := s.lexical.Classify(ctx, path)
	if lexErr != nil {
		return Outcome{}, lexErr
	}
	out.DeepErr = err
	return out, nil
}

func (s *AcousticStrategy) analyze(ctx context.Context, path string) (Outcome, error) {
	sig, err := s.decoder.Decode(ctx, path)
	if err != nil {
		return Outcome{}, err
	}
	vec, err := s.extractor.Extract(sig.Samples, sig.SampleRate)
	if err != nil {
		return Outcome{}, fmt.Errorf("extracting features from %s: %w", filepath.Base(path), err)
	}

	out := Outcome{
		Name:        filepath.Base(path),
		Method:      MethodAcoustic,
		Result:      s.acoustic.Classify(vec),
		Features:    vec,
		Fingerprint: s.extractor.Config().Fingerprint(),
		Duration:    sig.Duration,
		SampleRate:  sig.SampleRate,
	}

	// Only percussion gets an acoustic subtype; take the rest from the name.
	lex := s.lexical.lexical.Classify(path)
	if lex.Category == out.Category && lex.Subtype != "" && out.Subtype == "" {
		out.Subtype = lex.Subtype
	}
	if tags, err := audio.ReadTags(path); err == nil {
		out.Tags = tags
	}
	return out, nil
}

var (
	_ Strategy = (*LexicalStrategy)(nil)
	_ Strategy = (*AcousticStrategy)(nil)
)
