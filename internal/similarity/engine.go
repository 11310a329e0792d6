// Package similarity ranks stored samples by feature-space distance to a
// reference sample.
package similarity

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/kalambet/crate/internal/features"
	"github.com/kalambet/crate/internal/storage"
)

// DefaultMaxCandidates bounds how many samples one search compares.
const DefaultMaxCandidates = 50000

// NotFoundError is returned when the reference is unknown or has no usable
// feature vector.
type NotFoundError struct {
	ID     string
	Reason string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("sample %s: %s", e.ID, e.Reason)
}

// Source provides samples to compare.
type Source interface {
	GetSample(ctx context.Context, id string) (storage.Sample, error)
	AllWithFeatures(ctx context.Context, scope storage.Scope, limit int) ([]storage.Sample, error)
}

// Match is a ranked result.
type Match struct {
	Sample storage.Sample
	Score  float64
}

// Options configures New.
type Options struct {
	Policy Policy
	// Weights scales individual dimensions; missing names weigh 1.
	Weights       map[string]float64
	MaxCandidates int
	// Fingerprint, when set, restricts comparisons to vectors extracted with
	// the same configuration.
	Fingerprint string
	Logger      *zap.Logger
}

// Engine finds nearest neighbours. It is safe for concurrent use.
type Engine struct {
	src           Source
	policy        Policy
	weights       []float64
	maxCandidates int
	fingerprint   string
	logger        *zap.Logger
}

func New(src Source, opts Options) *Engine {
	if opts.Policy == "" {
		opts.Policy = PolicyMinMax
	}
	if opts.MaxCandidates <= 0 {
		opts.MaxCandidates = DefaultMaxCandidates
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	weights := make([]float64, len(features.Schema))
	for i, name := range features.Schema {
		weights[i] = 1
		if w, ok := opts.Weights[name]; ok && w >= 0 {
			weights[i] = w
		}
	}
	return &Engine{
		src:           src,
		policy:        opts.Policy,
		weights:       weights,
		maxCandidates: opts.MaxCandidates,
		fingerprint:   opts.Fingerprint,
		logger:        opts.Logger,
	}
}

// Policy returns the engine's normalization policy.
func (e *Engine) Policy() Policy { return e.policy }

// Compatible reports whether s has a complete vector comparable under this
// engine's fingerprint.
func (e *Engine) Compatible(s storage.Sample) bool {
	if !s.HasFeatures() {
		return false
	}
	return e.fingerprint == "" || s.Fingerprint == e.fingerprint
}

// FindSimilar returns up to k samples in scope closest to referenceID,
// excluding the reference. Results are ordered by score descending, then id
// ascending. k <= 0 yields an empty list.
func (e *Engine) FindSimilar(ctx context.Context, referenceID string, scope storage.Scope, k int) ([]Match, error) {
	if k <= 0 {
		return []Match{}, nil
	}

	ref, err := e.src.GetSample(ctx, referenceID)
	var corrupt *storage.StoreCorruptionError
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return nil, &NotFoundError{ID: referenceID, Reason: "not found"}
	case errors.As(err, &corrupt):
		return nil, &NotFoundError{ID: referenceID, Reason: "stored record is corrupt"}
	case err != nil:
		return nil, fmt.Errorf("loading reference %s: %w", referenceID, err)
	}
	if !e.Compatible(ref) {
		return nil, &NotFoundError{ID: referenceID, Reason: "no feature vector (run deep analysis first)"}
	}

	pool, err := e.src.AllWithFeatures(ctx, scope, e.maxCandidates+1)
	if err != nil {
		return nil, fmt.Errorf("loading candidates: %w", err)
	}
	candidates := make([]storage.Sample, 0, len(pool))
	for _, s := range pool {
		if s.ID == ref.ID || !e.Compatible(s) {
			continue
		}
		if len(candidates) == e.maxCandidates {
			e.logger.Warn("similarity candidate cap reached", zap.Int("cap", e.maxCandidates))
			break
		}
		candidates = append(candidates, s)
	}
	if len(candidates) == 0 {
		return []Match{}, nil
	}

	rows := make([][]float64, 0, len(candidates)+1)
	rows = append(rows, ref.Features.Values())
	for _, c := range candidates {
		rows = append(rows, c.Features.Values())
	}
	Normalize(e.policy, rows)

	h := &matchHeap{}
	for i, c := range candidates {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		m := Match{Sample: c, Score: Score(e.distance(rows[0], rows[i+1]))}
		if h.Len() < k {
			heap.Push(h, m)
		} else if better(m, (*h)[0]) {
			(*h)[0] = m
			heap.Fix(h, 0)
		}
	}

	out := make([]Match, h.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(h).(Match)
	}
	return out, nil
}

func (e *Engine) distance(a, b []float64) float64 {
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += e.weights[i] * d * d
	}
	return math.Sqrt(sum)
}

// Score maps a distance to (0, 1].
func Score(distance float64) float64 {
	return 1 / (1 + distance)
}

// better reports whether a ranks ahead of b.
func better(a, b Match) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	return a.Sample.ID < b.Sample.ID
}

// matchHeap keeps the worst retained match at the root.
type matchHeap []Match

func (h matchHeap) Len() int           { return len(h) }
func (h matchHeap) Less(i, j int) bool { return better(h[j], h[i]) }
func (h matchHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *matchHeap) Push(x any)        { *h = append(*h, x.(Match)) }
func (h *matchHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
