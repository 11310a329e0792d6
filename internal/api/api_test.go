package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/crate/internal/batch"
	"github.com/kalambet/crate/internal/classify"
	"github.com/kalambet/crate/internal/features"
	"github.com/kalambet/crate/internal/query"
	"github.com/kalambet/crate/internal/similarity"
	"github.com/kalambet/crate/internal/storage"
)

const testToken = "test-token"

// fakeRunner records requests and optionally blocks until released.
type fakeRunner struct {
	mu      sync.Mutex
	reqs    []batch.Request
	release chan struct{}
	events  []batch.Event
}

func (f *fakeRunner) Normalize(req batch.Request) batch.Request {
	if req.BatchSize <= 0 {
		req.BatchSize = 20
	}
	if req.MaxWorkers <= 0 {
		req.MaxWorkers = 4
	}
	return req
}

func (f *fakeRunner) Run(ctx context.Context, req batch.Request, reporter batch.Reporter) (batch.Result, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return batch.Result{Success: true, Status: batch.StatusCompleted, Cancelled: true}, nil
		}
	}
	for _, e := range f.events {
		reporter.Report(e)
	}
	return batch.Result{Success: true, Status: batch.StatusCompleted, Samples: []storage.Sample{}, Errors: []batch.FileError{}, Skipped: []string{}}, nil
}

func (f *fakeRunner) requests() []batch.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]batch.Request(nil), f.reqs...)
}

type fakeWatcher struct {
	dirs []string
	err  error
}

func (f *fakeWatcher) Watch(dir string, useDeep bool) error {
	if f.err != nil {
		return f.err
	}
	f.dirs = append(f.dirs, dir)
	return nil
}

func (f *fakeWatcher) Dirs() []string { return f.dirs }

func vectorAt(x float64) features.Vector {
	values := make([]float64, len(features.Schema))
	for i := range values {
		values[i] = 0.5
	}
	v, _ := features.FromValues(values)
	v[features.Tempo] = 100 + x*10
	v[features.SpectralCentroid] = 1000 + x*500
	return v
}

func newTestDeps(t *testing.T, runner batch.Runner) (AppDeps, *storage.Store) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	if runner == nil {
		runner = &fakeRunner{}
	}
	return AppDeps{
		Store:   store,
		Runs:    batch.NewManager(ctx, runner, nil),
		Similar: similarity.New(store, similarity.Options{}),
		Search:  query.New(store, query.Options{}),
		Token:   testToken,
	}, store
}

func seedSamples(t *testing.T, store *storage.Store) {
	t.Helper()
	samples := []storage.Sample{
		{ID: "k1", Name: "kick_dark.wav", Category: classify.Percussion, Subtype: "kick", Mood: "dark", Features: vectorAt(0), Fingerprint: "fp"},
		{ID: "k2", Name: "kick_big.wav", Category: classify.Percussion, Subtype: "kick", Mood: "aggressive", Features: vectorAt(1), Fingerprint: "fp"},
		{ID: "p1", Name: "warm_pad.wav", Category: classify.PadAmbient, Mood: "chill", Features: vectorAt(8), Fingerprint: "fp"},
		{ID: "lex", Name: "vocal_chop.wav", Category: classify.Vocal, Mood: "unknown"},
	}
	for _, s := range samples {
		if _, err := store.UpsertSample(context.Background(), s); err != nil {
			t.Fatalf("UpsertSample(%s): %v", s.ID, err)
		}
	}
}

func doRequest(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Authorization", "Bearer "+testToken)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decoding %q: %v", rec.Body.String(), err)
	}
	return v
}

func errorType(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	body := decode[struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}](t, rec)
	return body.Error.Type
}

func TestHealth_NoAuth(t *testing.T) {
	deps, _ := newTestDeps(t, nil)
	h := NewAppHandler(deps)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestAuth(t *testing.T) {
	deps, _ := newTestDeps(t, nil)
	h := NewAppHandler(deps)

	tests := []struct {
		name   string
		header string
		query  string
		want   int
	}{
		{"missing", "", "", http.StatusUnauthorized},
		{"wrong token", "Bearer nope", "", http.StatusUnauthorized},
		{"not bearer", "Basic " + testToken, "", http.StatusUnauthorized},
		{"query token without upgrade", "", "?access_token=" + testToken, http.StatusUnauthorized},
		{"valid", "Bearer " + testToken, "", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/samples"+tt.query, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
			if tt.want == http.StatusUnauthorized && errorType(t, rec) != "authentication_error" {
				t.Errorf("error type = %q", errorType(t, rec))
			}
		})
	}
}

func TestSamples_ListAndGet(t *testing.T) {
	deps, store := newTestDeps(t, nil)
	seedSamples(t, store)
	h := NewAppHandler(deps)

	rec := doRequest(t, h, http.MethodGet, "/samples", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := decode[[]storage.Sample](t, rec); len(got) != 4 {
		t.Errorf("listed %d samples, want 4", len(got))
	}

	rec = doRequest(t, h, http.MethodGet, "/samples/k1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := decode[storage.Sample](t, rec); got.Category != classify.Percussion || got.Subtype != "kick" {
		t.Errorf("sample = %+v", got)
	}

	rec = doRequest(t, h, http.MethodGet, "/samples/missing", nil)
	if rec.Code != http.StatusNotFound || errorType(t, rec) != "not_found" {
		t.Errorf("missing sample: status %d body %s", rec.Code, rec.Body)
	}
}

func TestSamples_EmptySession(t *testing.T) {
	deps, store := newTestDeps(t, nil)
	seedSamples(t, store)
	rec := doRequest(t, NewAppHandler(deps), http.MethodGet, "/samples?session=nope", nil)
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Errorf("body = %s, want []", rec.Body)
	}
}

func TestSimilar(t *testing.T) {
	deps, store := newTestDeps(t, nil)
	seedSamples(t, store)
	h := NewAppHandler(deps)

	rec := doRequest(t, h, http.MethodGet, "/samples/k1/similar?k=2", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body)
	}
	got := decode[struct {
		Samples []SimilarSample `json:"samples"`
	}](t, rec)
	if len(got.Samples) != 2 || got.Samples[0].ID != "k2" || got.Samples[1].ID != "p1" {
		t.Fatalf("similar = %+v", got.Samples)
	}
	if got.Samples[0].Similarity <= got.Samples[1].Similarity {
		t.Error("similarity not descending")
	}

	for _, id := range []string{"lex", "missing"} {
		rec := doRequest(t, h, http.MethodGet, "/samples/"+id+"/similar", nil)
		if rec.Code != http.StatusNotFound {
			t.Errorf("%s: status = %d, want 404", id, rec.Code)
		}
	}
}

func TestSearch(t *testing.T) {
	deps, store := newTestDeps(t, nil)
	seedSamples(t, store)
	h := NewAppHandler(deps)

	rec := doRequest(t, h, http.MethodPost, "/search", SearchRequest{Query: "dark kick"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body)
	}
	got := decode[struct {
		Results []query.Match `json:"results"`
	}](t, rec)
	if len(got.Results) == 0 || got.Results[0].ID != "k1" {
		t.Errorf("results = %+v", got.Results)
	}

	rec = doRequest(t, h, http.MethodPost, "/search", SearchRequest{Query: "dark kick"})
	flat := decode[struct {
		Results []map[string]any `json:"results"`
	}](t, rec)
	if len(flat.Results) == 0 || flat.Results[0]["id"] != "k1" || flat.Results[0]["score"] == nil {
		t.Fatalf("results = %v, want sample fields and score at the top level", flat.Results)
	}
	if _, nested := flat.Results[0]["sample"]; nested {
		t.Error("result nests the sample under \"sample\"")
	}

	rec = doRequest(t, h, http.MethodPost, "/search", SearchRequest{Query: "   "})
	if rec.Code != http.StatusBadRequest || errorType(t, rec) != "invalid_request_error" {
		t.Errorf("empty query: status %d body %s", rec.Code, rec.Body)
	}

	rec = doRequest(t, h, http.MethodPost, "/search", SearchRequest{Query: "zzz"})
	if !strings.Contains(rec.Body.String(), `"results":[]`) {
		t.Errorf("no-match body = %s, want empty results", rec.Body)
	}
}

func TestSessions(t *testing.T) {
	deps, store := newTestDeps(t, nil)
	sess, err := store.CreateSession(context.Background(), "drums")
	if err != nil {
		t.Fatal(err)
	}
	h := NewAppHandler(deps)

	rec := doRequest(t, h, http.MethodGet, "/sessions", nil)
	if got := decode[[]storage.Session](t, rec); len(got) != 1 || got[0].Label != "drums" {
		t.Errorf("sessions = %+v", got)
	}

	rec = doRequest(t, h, http.MethodDelete, "/sessions/"+sess.ID, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("delete status = %d", rec.Code)
	}
	rec = doRequest(t, h, http.MethodDelete, "/sessions/"+sess.ID, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", rec.Code)
	}
}

func TestClusters(t *testing.T) {
	deps, store := newTestDeps(t, nil)
	seedSamples(t, store)
	h := NewAppHandler(deps)

	rec := doRequest(t, h, http.MethodGet, "/clusters?k=2", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body)
	}
	got := decode[struct {
		Groups []struct {
			Members []string `json:"members"`
		} `json:"groups"`
	}](t, rec)
	total := 0
	for _, g := range got.Groups {
		total += len(g.Members)
	}
	if len(got.Groups) == 0 || len(got.Groups) > 2 || total != 3 {
		t.Errorf("groups = %+v, want at most 2 groups covering 3 samples", got.Groups)
	}

	rec = doRequest(t, h, http.MethodGet, "/clusters?k=0", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("k=0 status = %d, want 400", rec.Code)
	}
}

func TestExport(t *testing.T) {
	deps, store := newTestDeps(t, nil)
	seedSamples(t, store)
	h := NewAppHandler(deps)

	rec := doRequest(t, h, http.MethodGet, "/export?format=yaml", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/yaml" {
		t.Errorf("content type = %q", ct)
	}
	if !strings.Contains(rec.Body.String(), "count: 4") {
		t.Errorf("yaml manifest = %s", rec.Body)
	}

	rec = doRequest(t, h, http.MethodGet, "/export", nil)
	if got := decode[struct {
		Count int `json:"count"`
	}](t, rec); got.Count != 4 {
		t.Errorf("json count = %d", got.Count)
	}

	rec = doRequest(t, h, http.MethodGet, "/export?format=xml", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("xml status = %d, want 400", rec.Code)
	}
}

func TestRuns_Lifecycle(t *testing.T) {
	runner := &fakeRunner{}
	deps, _ := newTestDeps(t, runner)
	h := NewAppHandler(deps)

	rec := doRequest(t, h, http.MethodPost, "/runs", batch.Request{Paths: []string{"/a.wav", "/b.wav"}, SessionID: "s1"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body)
	}
	run := decode[RunResponse](t, rec)
	if run.ID == "" || run.Total != 2 || run.SessionID != "s1" {
		t.Fatalf("run = %+v", run)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := deps.Runs.Wait(ctx, run.ID); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	rec = doRequest(t, h, http.MethodGet, "/runs/"+run.ID, nil)
	if job := decode[batch.Job](t, rec); job.Status != batch.StatusCompleted || job.BatchSize != 20 {
		t.Errorf("job = %+v", job)
	}
	rec = doRequest(t, h, http.MethodGet, "/runs/"+run.ID+"/result", nil)
	if res := decode[batch.Result](t, rec); !res.Success {
		t.Errorf("result = %+v", res)
	}
	rec = doRequest(t, h, http.MethodGet, "/runs", nil)
	if jobs := decode[[]batch.Job](t, rec); len(jobs) != 1 {
		t.Errorf("listed %d runs, want 1", len(jobs))
	}

	for _, path := range []string{"/runs/nope", "/runs/nope/result"} {
		if rec := doRequest(t, h, http.MethodGet, path, nil); rec.Code != http.StatusNotFound {
			t.Errorf("%s status = %d, want 404", path, rec.Code)
		}
	}
	if rec := doRequest(t, h, http.MethodDelete, "/runs/nope", nil); rec.Code != http.StatusNotFound {
		t.Errorf("cancel unknown status = %d, want 404", rec.Code)
	}
}

func TestRuns_InProgressAndCancel(t *testing.T) {
	runner := &fakeRunner{release: make(chan struct{})}
	deps, _ := newTestDeps(t, runner)
	h := NewAppHandler(deps)

	run := decode[RunResponse](t, doRequest(t, h, http.MethodPost, "/runs", batch.Request{Paths: []string{"/a.wav"}}))

	rec := doRequest(t, h, http.MethodGet, "/runs/"+run.ID+"/result", nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("result while running: status %d, want 409", rec.Code)
	}

	rec = doRequest(t, h, http.MethodDelete, "/runs/"+run.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel status = %d", rec.Code)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := deps.Runs.Wait(ctx, run.ID)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if !res.Cancelled {
		t.Errorf("result = %+v, want cancelled", res)
	}
}

func TestImport(t *testing.T) {
	runner := &fakeRunner{}
	deps, store := newTestDeps(t, runner)
	h := NewAppHandler(deps)

	dir := t.TempDir()
	for _, name := range []string{"kick.wav", "loop.mp3", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	rec := doRequest(t, h, http.MethodPost, "/import", ImportRequest{Dir: dir, Label: "pack"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body)
	}
	run := decode[RunResponse](t, rec)
	if run.Total != 2 || run.SessionID == "" {
		t.Fatalf("run = %+v", run)
	}
	sess, err := store.GetSession(context.Background(), run.SessionID)
	if err != nil || sess.Label != "pack" {
		t.Errorf("session = %+v, %v", sess, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := deps.Runs.Wait(ctx, run.ID); err != nil {
		t.Fatal(err)
	}
	reqs := runner.requests()
	if len(reqs) != 1 || reqs[0].SessionID != run.SessionID || len(reqs[0].Paths) != 2 {
		t.Errorf("runner saw %+v", reqs)
	}

	for _, body := range []ImportRequest{{}, {Dir: filepath.Join(dir, "missing")}} {
		if rec := doRequest(t, h, http.MethodPost, "/import", body); rec.Code != http.StatusBadRequest {
			t.Errorf("import %+v status = %d, want 400", body, rec.Code)
		}
	}
}

func TestWatch(t *testing.T) {
	deps, _ := newTestDeps(t, nil)
	if rec := doRequest(t, NewAppHandler(deps), http.MethodPost, "/watch", WatchRequest{Dir: "/tmp"}); rec.Code != http.StatusNotImplemented {
		t.Errorf("without watcher status = %d, want 501", rec.Code)
	}

	w := &fakeWatcher{}
	deps.Watcher = w
	h := NewAppHandler(deps)
	if rec := doRequest(t, h, http.MethodPost, "/watch", WatchRequest{Dir: "/inbox"}); rec.Code != http.StatusAccepted {
		t.Errorf("status = %d", rec.Code)
	}
	rec := doRequest(t, h, http.MethodGet, "/watch", nil)
	if got := decode[map[string][]string](t, rec); len(got["dirs"]) != 1 || got["dirs"][0] != "/inbox" {
		t.Errorf("dirs = %v", got)
	}

	w.err = errors.New("no such directory")
	if rec := doRequest(t, h, http.MethodPost, "/watch", WatchRequest{Dir: "/missing"}); rec.Code != http.StatusBadRequest {
		t.Errorf("failing watch status = %d, want 400", rec.Code)
	}
}
