package api

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kalambet/crate/internal/batch"
	"github.com/kalambet/crate/internal/library"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
)

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// RunResponse is returned when a run is accepted.
type RunResponse struct {
	ID        string       `json:"id"`
	Status    batch.Status `json:"status"`
	SessionID string       `json:"session_id,omitempty"`
	Total     int          `json:"total_files"`
}

func handleStartRun(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req batch.Request
		if !decodeBody(w, r, &req) {
			return
		}
		job := deps.Runs.Start(req)
		writeJSONStatus(w, http.StatusAccepted, RunResponse{ID: job.ID, Status: job.Status, SessionID: job.SessionID, Total: job.TotalFiles})
	}
}

// ImportRequest classifies every supported file under Dir into a new
// session.
type ImportRequest struct {
	Dir        string `json:"dir"`
	Label      string `json:"label,omitempty"`
	UseDeep    bool   `json:"use_deep"`
	BatchSize  int    `json:"batch_size,omitempty"`
	MaxWorkers int    `json:"max_workers,omitempty"`
}

func handleImport(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ImportRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Dir == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "dir is required")
			return
		}
		if fi, err := os.Stat(req.Dir); err != nil || !fi.IsDir() {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%s is not a readable directory", req.Dir)
			return
		}
		paths, err := library.Scan(req.Dir)
		if err != nil {
			writeError(w, deps.Logger, err)
			return
		}
		label := req.Label
		if label == "" {
			label = filepath.Base(filepath.Clean(req.Dir))
		}
		sess, err := deps.Store.CreateSession(r.Context(), label)
		if err != nil {
			writeError(w, deps.Logger, err)
			return
		}
		job := deps.Runs.Start(batch.Request{
			Paths:      paths,
			UseDeep:    req.UseDeep,
			BatchSize:  req.BatchSize,
			MaxWorkers: req.MaxWorkers,
			SessionID:  sess.ID,
		})
		deps.Logger.Info("import started",
			zap.String("dir", req.Dir),
			zap.String("session", sess.ID),
			zap.Int("files", len(paths)),
		)
		writeJSONStatus(w, http.StatusAccepted, RunResponse{ID: job.ID, Status: job.Status, SessionID: sess.ID, Total: job.TotalFiles})
	}
}

func handleListRuns(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, deps.Runs.List())
	}
}

func handleGetRun(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := deps.Runs.Get(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, deps.Logger, err)
			return
		}
		writeJSON(w, job)
	}
}

func handleRunResult(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := deps.Runs.Result(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, deps.Logger, err)
			return
		}
		writeJSON(w, res)
	}
}

func handleCancelRun(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := deps.Runs.Cancel(id); err != nil {
			writeError(w, deps.Logger, err)
			return
		}
		writeJSON(w, map[string]string{"id": id, "status": "cancelling"})
	}
}

// handleRunEvents streams progress events over a websocket and closes the
// connection after the run's terminal event.
func handleRunEvents(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		events, unsubscribe, err := deps.Runs.Subscribe(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, deps.Logger, err)
			return
		}
		defer unsubscribe()

		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			deps.Logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}
		defer conn.Close()

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		go readUntilClosed(conn, cancel)

		ticker := time.NewTicker(wsPingPeriod)
		defer ticker.Stop()
		for {
			select {
			case e, ok := <-events:
				conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if !ok {
					conn.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished"))
					return
				}
				if err := conn.WriteJSON(e); err != nil {
					return
				}
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}
}

// readUntilClosed drains client frames so control messages are processed,
// and cancels once the client goes away.
func readUntilClosed(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}

// WatchRequest starts watching Dir for new files.
type WatchRequest struct {
	Dir     string `json:"dir"`
	UseDeep bool   `json:"use_deep"`
}

func handleWatch(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Watcher == nil {
			httpError(w, http.StatusNotImplemented, "api_error", "folder watching is not available")
			return
		}
		var req WatchRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Dir == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "dir is required")
			return
		}
		if err := deps.Watcher.Watch(req.Dir, req.UseDeep); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		writeJSONStatus(w, http.StatusAccepted, map[string]string{"dir": req.Dir, "status": "watching"})
	}
}

func handleListWatches(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dirs := []string{}
		if deps.Watcher != nil {
			dirs = append(dirs, deps.Watcher.Dirs()...)
		}
		writeJSON(w, map[string][]string{"dirs": dirs})
	}
}
