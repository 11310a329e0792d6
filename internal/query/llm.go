package query

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kalambet/crate/internal/ollama"
	"github.com/kalambet/crate/internal/storage"
)

const defaultRankConcurrency = 3

// ErrRankTimeout is returned when the model did not score any candidate in
// time.
var ErrRankTimeout = errors.New("ranking timed out")

// Chatter is the subset of the Ollama client the LLM ranker needs.
type Chatter interface {
	Chat(ctx context.Context, model string, messages []ollama.Message, format *ollama.Schema) (string, error)
}

// Ranker re-scores keyword candidates.
type Ranker interface {
	Rank(ctx context.Context, query string, candidates []storage.Sample) ([]Match, error)
}

// LLMRanker asks a local model to rate each candidate against the query.
// Candidates are scored concurrently; those rated below Threshold are
// dropped.
type LLMRanker struct {
	chat      Chatter
	model     string
	timeout   time.Duration
	threshold float64
	logger    *zap.Logger
}

// NewLLMRanker returns a ranker using model on chat.
func NewLLMRanker(chat Chatter, model string, timeout time.Duration, threshold float64, logger *zap.Logger) *LLMRanker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LLMRanker{chat: chat, model: model, timeout: timeout, threshold: threshold, logger: logger}
}

var scoreSchema = &ollama.Schema{
	Type: "object",
	Properties: map[string]ollama.SchemaProperty{
		"score": {Type: "number", Description: "Relevance score 0.0-1.0"},
	},
	Required: []string{"score"},
}

// Rank returns ErrRankTimeout when the deadline passes before every
// candidate is scored, and the last model error when none could be scored.
func (r *LLMRanker) Rank(ctx context.Context, query string, candidates []storage.Sample) ([]Match, error) {
	if len(candidates) == 0 {
		return []Match{}, nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	type scored struct {
		m   Match
		err error
	}
	results := make(chan scored, len(candidates))
	sem := make(chan struct{}, defaultRankConcurrency)
	var wg sync.WaitGroup
	for _, c := range candidates {
		wg.Add(1)
		go func(s storage.Sample) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			defer func() { <-sem }()
			score, err := r.score(ctx, query, s)
			results <- scored{Match{Sample: s, Score: score}, err}
		}(c)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	var (
		out     []Match
		lastErr error
		n       int
	)
	for n < len(candidates) {
		select {
		case res, ok := <-results:
			if !ok {
				n = len(candidates)
				continue
			}
			n++
			if res.err != nil {
				lastErr = res.err
				continue
			}
			if res.m.Score >= r.threshold {
				out = append(out, res.m)
			}
		case <-ctx.Done():
			return nil, ErrRankTimeout
		}
	}
	if ctx.Err() != nil {
		return nil, ErrRankTimeout
	}
	if out == nil && lastErr != nil {
		return nil, lastErr
	}
	sortMatches(out)
	return out, nil
}

func (r *LLMRanker) score(ctx context.Context, query string, s storage.Sample) (float64, error) {
	prompt := "You are a sample librarian. Rate how well the audio sample matches the search on a scale of 0.0 to 1.0.\n" +
		"Search: " + query + "\n" +
		"Sample: " + describe(s) + "\n" +
		`Respond with only a JSON object: {"score": <float>}`

	resp, err := r.chat.Chat(ctx, r.model, []ollama.Message{{Role: "user", Content: prompt}}, scoreSchema)
	if err != nil {
		return 0, err
	}
	score, err := parseScore(resp)
	if err != nil {
		r.logger.Debug("unparseable rank response", zap.String("sample", s.ID), zap.String("resp", resp), zap.Error(err))
		return 0, err
	}
	return score, nil
}

// describe renders the sample metadata the model sees.
func describe(s storage.Sample) string {
	var b strings.Builder
	fmt.Fprintf(&b, "name=%q category=%s", s.Name, s.Category)
	if s.Subtype != "" {
		fmt.Fprintf(&b, " subtype=%s", s.Subtype)
	}
	fmt.Fprintf(&b, " mood=%s", s.Mood)
	if s.MoodDetails != nil && len(s.MoodDetails.Overall) > 0 {
		fmt.Fprintf(&b, " character=%s", strings.Join(s.MoodDetails.Overall, ","))
	}
	if s.Duration > 0 {
		fmt.Fprintf(&b, " duration=%.2fs", s.Duration)
	}
	if t, ok := s.Features.Get("tempo"); ok && t > 0 {
		fmt.Fprintf(&b, " tempo=%.0f", t)
	}
	if s.Tags != "" {
		fmt.Fprintf(&b, " tags=%q", s.Tags)
	}
	return b.String()
}

// parseScore extracts {"score": x} from a model reply, tolerating markdown
// fences and surrounding prose. The score is clamped to [0, 1].
func parseScore(resp string) (float64, error) {
	s := strings.TrimSpace(resp)
	if idx := strings.Index(s, "```"); idx != -1 {
		s = strings.TrimPrefix(s[idx+3:], "json")
		if end := strings.Index(s, "```"); end != -1 {
			s = s[:end]
		}
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end <= start {
		return 0, fmt.Errorf("no JSON object in response")
	}
	var obj struct {
		Score *float64 `json:"score"`
	}
	if err := json.Unmarshal([]byte(s[start:end+1]), &obj); err != nil {
		return 0, fmt.Errorf("unmarshal score: %w", err)
	}
	if obj.Score == nil {
		return 0, fmt.Errorf("response has no score")
	}
	return min(max(*obj.Score, 0), 1), nil
}
