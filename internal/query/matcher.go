// Package query ranks stored samples against free-text searches.
package query

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/OneOfOne/xxhash"
	"go.uber.org/zap"

	"github.com/kalambet/crate/internal/cache"
	"github.com/kalambet/crate/internal/classify"
	"github.com/kalambet/crate/internal/storage"
)

const (
	// DefaultLimit caps results when the caller passes limit <= 0.
	DefaultLimit = 10
	// DefaultRankCandidates is how many samples are sent to the model.
	DefaultRankCandidates = 20
	defaultCacheTTL       = 10 * time.Minute
)

// EmptyQueryError is returned for blank or whitespace-only queries.
type EmptyQueryError struct{}

func (*EmptyQueryError) Error() string { return "query is empty" }

// Match is a ranked search result. It encodes as the sample's fields plus
// score.
type Match struct {
	storage.Sample
	Score float64 `json:"score"`
}

// Source provides the samples to search.
type Source interface {
	ListSamples(ctx context.Context, scope storage.Scope) ([]storage.Sample, error)
	Revision(ctx context.Context) (int64, error)
}

// Options configures New. Ranker and Cache are optional.
type Options struct {
	Ranker         Ranker
	RankCandidates int
	Cache          cache.Cache
	CacheTTL       time.Duration
	Logger         *zap.Logger
}

// Matcher answers searches. It is safe for concurrent use.
type Matcher struct {
	src            Source
	ranker         Ranker
	rankCandidates int
	cache          cache.Cache
	cacheTTL       time.Duration
	logger         *zap.Logger
}

func New(src Source, opts Options) *Matcher {
	if opts.RankCandidates <= 0 {
		opts.RankCandidates = DefaultRankCandidates
	}
	if opts.Cache == nil {
		opts.Cache = cache.Noop{}
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = defaultCacheTTL
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Matcher{
		src:            src,
		ranker:         opts.Ranker,
		rankCandidates: opts.RankCandidates,
		cache:          opts.Cache,
		cacheTTL:       opts.CacheTTL,
		logger:         opts.Logger,
	}
}

// Search returns samples in scope matching query, best first. No match is an
// empty slice, not an error.
func (m *Matcher) Search(ctx context.Context, query string, scope storage.Scope, limit int) ([]Match, error) {
	query = strings.TrimSpace(query)
	terms := classify.Tokens(query)
	if len(terms) == 0 {
		return nil, &EmptyQueryError{}
	}
	if limit <= 0 {
		limit = DefaultLimit
	}

	rev, err := m.src.Revision(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading store revision: %w", err)
	}
	key := cacheKey(terms, scope, rev, limit)
	if cached, ok := m.fromCache(ctx, key); ok {
		return cached, nil
	}

	samples, err := m.src.ListSamples(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("listing samples: %w", err)
	}

	matches := make([]Match, 0)
	for _, s := range samples {
		if score := keywordScore(terms, s); score > 0 {
			matches = append(matches, Match{Sample: s, Score: score})
		}
	}
	sortMatches(matches)

	if m.ranker != nil {
		matches = m.rank(ctx, query, samples, matches)
	}
	if len(matches) > limit {
		matches = matches[:limit]
	}

	m.toCache(ctx, key, matches)
	return matches, nil
}

// rank re-scores candidates with the model, keeping the keyword ranking when
// it fails. Without keyword hits the model sees the first samples in scope.
func (m *Matcher) rank(ctx context.Context, query string, samples []storage.Sample, keyword []Match) []Match {
	var candidates []storage.Sample
	if len(keyword) > 0 {
		for _, km := range keyword[:min(len(keyword), m.rankCandidates)] {
			candidates = append(candidates, km.Sample)
		}
	} else {
		candidates = samples[:min(len(samples), m.rankCandidates)]
	}
	if len(candidates) == 0 {
		return keyword
	}

	ranked, err := m.ranker.Rank(ctx, query, candidates)
	if err != nil {
		m.logger.Warn("model ranking failed, using keyword ranking", zap.String("query", query), zap.Error(err))
		return keyword
	}
	return ranked
}

func (m *Matcher) fromCache(ctx context.Context, key string) ([]Match, bool) {
	b, ok, err := m.cache.Get(ctx, key)
	if err != nil {
		m.logger.Warn("query cache read failed", zap.Error(err))
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var out []Match
	if err := json.Unmarshal(b, &out); err != nil {
		m.logger.Warn("query cache entry unreadable", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	return out, true
}

func (m *Matcher) toCache(ctx context.Context, key string, matches []Match) {
	b, err := json.Marshal(matches)
	if err != nil {
		m.logger.Warn("encoding query cache entry", zap.Error(err))
		return
	}
	if err := m.cache.Set(ctx, key, b, m.cacheTTL); err != nil {
		m.logger.Warn("query cache write failed", zap.Error(err))
	}
}

// cacheKey changes whenever the store is written, so entries never outlive
// the data they were computed from.
func cacheKey(terms []string, scope storage.Scope, rev int64, limit int) string {
	h := xxhash.ChecksumString64(strings.Join(terms, " "))
	return fmt.Sprintf("search:%d:%s:%d:%016x", rev, scope.SessionID, limit, h)
}

// sortMatches orders by score descending, then id ascending.
func sortMatches(ms []Match) {
	sort.Slice(ms, func(i, j int) bool {
		if ms[i].Score != ms[j].Score {
			return ms[i].Score > ms[j].Score
		}
		return ms[i].Sample.ID < ms[j].Sample.ID
	})
}
