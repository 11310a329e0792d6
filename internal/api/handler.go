package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/kalambet/crate/internal/batch"
	"github.com/kalambet/crate/internal/cluster"
	"github.com/kalambet/crate/internal/query"
	"github.com/kalambet/crate/internal/similarity"
	"github.com/kalambet/crate/internal/storage"
)

const (
	maxRequestBodySize = 1 << 20 // 1MB
	lookupTimeout      = 10 * time.Second
)

// Watcher starts folder watches on behalf of the API.
type Watcher interface {
	Watch(dir string, useDeep bool) error
	Dirs() []string
}

type AppDeps struct {
	Store   *storage.Store
	Runs    *batch.Manager
	Similar *similarity.Engine
	Search  *query.Matcher
	Watcher Watcher // optional; nil disables POST /watch
	Token   string
	Logger  *zap.Logger
}

// NewAppHandler returns the HTTP API. Every route except /health requires
// the bearer token.
func NewAppHandler(deps AppDeps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	r := chi.NewRouter()
	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/runs", handleStartRun(deps))
		r.Get("/runs", handleListRuns(deps))
		r.Get("/runs/{id}", handleGetRun(deps))
		r.Get("/runs/{id}/result", handleRunResult(deps))
		r.Get("/runs/{id}/events", handleRunEvents(deps))
		r.Delete("/runs/{id}", handleCancelRun(deps))
		r.Post("/import", handleImport(deps))
		r.Post("/watch", handleWatch(deps))
		r.Get("/watch", handleListWatches(deps))

		r.Get("/samples", handleListSamples(deps))
		r.Get("/samples/{id}", handleGetSample(deps))
		r.Get("/samples/{id}/similar", handleSimilar(deps))
		r.Post("/search", handleSearch(deps))
		r.Get("/sessions", handleListSessions(deps))
		r.Delete("/sessions/{id}", handleDeleteSession(deps))
		r.Get("/clusters", handleClusters(deps))
		r.Get("/export", handleExport(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

// writeError maps domain errors to status codes.
func writeError(w http.ResponseWriter, logger *zap.Logger, err error) {
	var (
		notFound   *similarity.NotFoundError
		emptyQuery *query.EmptyQueryError
		corrupt    *storage.StoreCorruptionError
	)
	switch {
	case errors.As(err, &notFound):
		httpError(w, http.StatusNotFound, "not_found", "%v", err)
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, batch.ErrRunNotFound):
		httpError(w, http.StatusNotFound, "not_found", "%v", err)
	case errors.As(err, &emptyQuery), errors.Is(err, cluster.ErrInvalidK):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	case errors.Is(err, batch.ErrRunInProgress):
		httpError(w, http.StatusConflict, "conflict", "%v", err)
	case errors.As(err, &corrupt):
		logger.Error("corrupt record", zap.String("id", corrupt.ID), zap.Error(err))
		httpError(w, http.StatusInternalServerError, "store_corruption", "%v", err)
	case errors.Is(err, context.DeadlineExceeded):
		httpError(w, http.StatusGatewayTimeout, "timeout", "%v", err)
	default:
		logger.Error("request failed", zap.Error(err))
		httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
	}
}

func scopeParam(r *http.Request) storage.Scope {
	return storage.Scope{SessionID: r.URL.Query().Get("session")}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
