package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/kalambet/crate/internal/cluster"
	"github.com/kalambet/crate/internal/library"
	"github.com/kalambet/crate/internal/query"
	"github.com/kalambet/crate/internal/similarity"
	"github.com/kalambet/crate/internal/storage"
)

const (
	defaultSimilarK = 10
	maxSimilarK     = 100
	maxSearchLimit  = 100
	defaultClusterK = 8
	maxClusterK     = 64
)

// SimilarSample is a stored sample annotated with its similarity to the
// reference.
type SimilarSample struct {
	storage.Sample
	Similarity float64 `json:"similarity"`
}

// SearchRequest is the body of POST /search.
type SearchRequest struct {
	Query   string `json:"query"`
	Session string `json:"session,omitempty"`
	Limit   int    `json:"limit,omitempty"`
}

func handleListSamples(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		samples, err := deps.Store.ListSamples(r.Context(), scopeParam(r))
		if err != nil {
			writeError(w, deps.Logger, err)
			return
		}
		if samples == nil {
			samples = []storage.Sample{}
		}
		writeJSON(w, samples)
	}
}

func handleGetSample(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, err := deps.Store.GetSample(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, deps.Logger, err)
			return
		}
		writeJSON(w, s)
	}
}

func handleSimilar(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		k := parseIntParam(r, "k", defaultSimilarK, maxSimilarK)
		ctx, cancel := context.WithTimeout(r.Context(), lookupTimeout)
		defer cancel()

		matches, err := deps.Similar.FindSimilar(ctx, chi.URLParam(r, "id"), scopeParam(r), k)
		if err != nil {
			writeError(w, deps.Logger, err)
			return
		}
		writeJSON(w, map[string]any{"samples": similarSamples(matches)})
	}
}

func similarSamples(matches []similarity.Match) []SimilarSample {
	out := make([]SimilarSample, len(matches))
	for i, m := range matches {
		out[i] = SimilarSample{Sample: m.Sample, Similarity: m.Score}
	}
	return out
}

func handleSearch(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SearchRequest
		if !decodeBody(w, r, &req) {
			return
		}
		limit := req.Limit
		if limit <= 0 {
			limit = query.DefaultLimit
		}
		limit = min(limit, maxSearchLimit)

		ctx, cancel := context.WithTimeout(r.Context(), lookupTimeout)
		defer cancel()

		results, err := deps.Search.Search(ctx, req.Query, storage.Scope{SessionID: req.Session}, limit)
		if err != nil {
			writeError(w, deps.Logger, err)
			return
		}
		writeJSON(w, map[string]any{"results": results})
	}
}

func handleListSessions(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessions, err := deps.Store.ListSessions(r.Context())
		if err != nil {
			writeError(w, deps.Logger, err)
			return
		}
		writeJSON(w, sessions)
	}
}

func handleDeleteSession(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Store.DeleteSession(r.Context(), chi.URLParam(r, "id")); err != nil {
			writeError(w, deps.Logger, err)
			return
		}
		writeJSON(w, map[string]string{"status": "deleted"})
	}
}

func handleClusters(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		k := parseIntParam(r, "k", defaultClusterK, maxClusterK)
		ctx, cancel := context.WithTimeout(r.Context(), lookupTimeout)
		defer cancel()

		pool, err := deps.Store.AllWithFeatures(ctx, scopeParam(r), similarity.DefaultMaxCandidates)
		if err != nil {
			writeError(w, deps.Logger, err)
			return
		}
		compatible := pool[:0]
		for _, s := range pool {
			if deps.Similar.Compatible(s) {
				compatible = append(compatible, s)
			}
		}
		groups, err := cluster.Cluster(compatible, k, deps.Similar.Policy())
		if err != nil {
			writeError(w, deps.Logger, err)
			return
		}
		writeJSON(w, map[string]any{"groups": groups})
	}
}

func handleExport(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		format := library.Format(r.URL.Query().Get("format"))
		if format == "" {
			format = library.FormatJSON
		}
		if format != library.FormatJSON && format != library.FormatYAML {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown format %q", format)
			return
		}
		scope := scopeParam(r)
		samples, err := deps.Store.ListSamples(r.Context(), scope)
		if err != nil {
			writeError(w, deps.Logger, err)
			return
		}
		if format == library.FormatYAML {
			w.Header().Set("Content-Type", "application/yaml")
		} else {
			w.Header().Set("Content-Type", "application/json")
		}
		if err := library.ExportManifest(w, samples, scope, format); err != nil {
			deps.Logger.Warn("writing manifest failed", zap.Error(err))
		}
	}
}
