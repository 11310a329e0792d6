package main

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

	"github.com/gorilla/websocket"

	"github.com/kalambet/crate/internal/api"
	"github.com/kalambet/crate/internal/batch"
	"github.com/kalambet/crate/internal/storage"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
}

type testServer struct {
	server *httptest.Server

	mu       sync.Mutex
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.mu.Lock()
		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Auth:   r.Header.Get("Authorization"),
		})
		ts.mu.Unlock()

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

func (ts *testServer) recorded() []recordedRequest {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return append([]recordedRequest(nil), ts.requests...)
}

var ctx = context.Background()

func TestStartRun_PostsRequest(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /runs": `{"id":"run-1","status":"pending","total_files":2}`,
	})

	req := batch.Request{Paths: []string{"/a/kick.wav", "/a/snare.wav"}, UseDeep: true, MaxWorkers: 1}
	var run api.RunResponse
	if err := ts.client().postJSON(ctx, "/runs", req, &run); err != nil {
		t.Fatalf("postJSON: %v", err)
	}
	if run.ID != "run-1" || run.Total != 2 {
		t.Errorf("run = %+v, want id run-1 with 2 files", run)
	}

	reqs := ts.recorded()
	if len(reqs) != 1 {
		t.Fatalf("expected 1 request, got %d", len(reqs))
	}
	r := reqs[0]
	if r.Method != "POST" || r.Path != "/runs" {
		t.Errorf("request = %s %s, want POST /runs", r.Method, r.Path)
	}
	if r.Auth != "Bearer test-token" {
		t.Errorf("auth = %q, want Bearer test-token", r.Auth)
	}
	var body batch.Request
	if err := json.Unmarshal([]byte(r.Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if !body.UseDeep || len(body.Paths) != 2 || body.MaxWorkers != 1 {
		t.Errorf("body = %+v", body)
	}
}

func TestDecodeJSON_ErrorEnvelope(t *testing.T) {
	ts := newTestServer(t, nil)

	var out map[string]any
	err := ts.client().getJSON(ctx, "/samples/missing", &out)
	if err == nil {
		t.Fatal("expected error for 404")
	}
	if !strings.Contains(err.Error(), "not found") || !strings.Contains(err.Error(), "HTTP 404") {
		t.Errorf("error = %q, want message and status", err)
	}
	var se *statusError
	if !errors.As(err, &se) || se.Code != 404 {
		t.Errorf("error = %#v, want *statusError with code 404", err)
	}
}

func TestDecodeJSON_PlainTextError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	c := &apiClient{baseURL: srv.URL, token: "t", httpClient: srv.Client()}
	err := c.getJSON(ctx, "/samples", nil)
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Errorf("error = %v, want body text", err)
	}
}

func TestFetchSimilar_QueryParams(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /samples/abc/similar": `{"samples":[{"id":"x","name":"x.wav","category":"bass","similarity":0.8}]}`,
	})

	got, err := fetchSimilar(ctx, ts.client(), "abc", "s1", 5)
	if err != nil {
		t.Fatalf("fetchSimilar: %v", err)
	}
	if len(got) != 1 || got[0].ID != "x" || got[0].Similarity != 0.8 {
		t.Errorf("got %+v", got)
	}
	path := ts.recorded()[0].Path
	if !strings.Contains(path, "k=5") || !strings.Contains(path, "session=s1") {
		t.Errorf("path = %q, want k and session params", path)
	}
}

func TestSearch_PostsQuery(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /search": `{"results":[{"id":"p1","name":"dark pad.wav","category":"pad/ambient","score":0.9}]}`,
	})

	got, err := search(ctx, ts.client(), "dark pad", "", 3)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(got) != 1 || got[0].ID != "p1" || got[0].Score != 0.9 {
		t.Errorf("got %+v", got)
	}

	var body api.SearchRequest
	if err := json.Unmarshal([]byte(ts.recorded()[0].Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body.Query != "dark pad" || body.Limit != 3 {
		t.Errorf("body = %+v", body)
	}
}

func TestWithSession(t *testing.T) {
	if got := withSession("/samples", "", nil); got != "/samples" {
		t.Errorf("no session = %q", got)
	}
	if got := withSession("/samples", "a b", nil); got != "/samples?session=a+b" {
		t.Errorf("session = %q", got)
	}
}

func TestExportManifest(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /export": `{"version":1,"samples":[]}`,
	})

	var buf bytes.Buffer
	if err := exportManifest(ctx, ts.client(), "/export?format=json", &buf); err != nil {
		t.Fatalf("exportManifest: %v", err)
	}
	if buf.String() != `{"version":1,"samples":[]}` {
		t.Errorf("body = %q", buf.String())
	}

	buf.Reset()
	if err := exportManifest(ctx, ts.client(), "/nope", &buf); err == nil {
		t.Error("expected error for 404")
	}
	if buf.Len() != 0 {
		t.Errorf("error body written to output: %q", buf.String())
	}
}

func TestExpandPaths(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"kick.wav", "notes.txt", "loop.mp3"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	single := filepath.Join(dir, "kick.wav")

	got, err := expandPaths([]string{dir, single})
	if err != nil {
		t.Fatalf("expandPaths: %v", err)
	}
	want := []string{filepath.Join(dir, "kick.wav"), filepath.Join(dir, "loop.mp3"), single}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("path %d = %q, want %q", i, got[i], want[i])
		}
	}

	if _, err := expandPaths([]string{filepath.Join(dir, "missing.wav")}); err == nil {
		t.Error("expected error for missing path")
	}
}

func TestWriteRunTable(t *testing.T) {
	var buf bytes.Buffer
	writeRunTable(&buf, nil)
	if !strings.Contains(buf.String(), "No runs") {
		t.Errorf("empty table = %q", buf.String())
	}

	buf.Reset()
	writeRunTable(&buf, []batch.Job{{ID: "r1", Status: batch.StatusRunning, TotalFiles: 4, ProcessedFiles: 2, Progress: 50, UseDeep: true}})
	out := buf.String()
	for _, want := range []string{"r1", "running", "2/4", "50%", "deep"} {
		if !strings.Contains(out, want) {
			t.Errorf("table missing %q:\n%s", want, out)
		}
	}
}

func TestPrintResult(t *testing.T) {
	noColor = true
	var buf bytes.Buffer
	printResult(&buf, batch.Result{
		Status:     batch.StatusCompleted,
		Samples:    []storage.Sample{{ID: "a"}},
		Errors:     []batch.FileError{{File: "/x/bad.wav", Reason: "decode failed"}},
		Cancelled:  true,
		NotStarted: []string{"/x/c.wav", "/x/d.wav"},
	})
	out := buf.String()
	for _, want := range []string{"1 classified", "1 failed", "2 files were not started", "/x/bad.wav: decode failed"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestFollowRun_PollsWithoutWebsocket(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /runs/r1":        `{"id":"r1","status":"completed","total_files":1,"processed_files":1}`,
		"GET /runs/r1/result": `{"success":true,"status":"completed","samples":[{"id":"a"}],"errors":[],"skipped":[]}`,
	})

	res, err := followRun(ctx, ts.client(), api.RunResponse{ID: "r1", Total: 1}, &bytes.Buffer{})
	if err != nil {
		t.Fatalf("followRun: %v", err)
	}
	if !res.Success || len(res.Samples) != 1 {
		t.Errorf("result = %+v", res)
	}
}

func TestFollowRun_StreamsEvents(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var resultCalls int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/runs/r2/events":
			if r.Header.Get("Authorization") != "Bearer test-token" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			conn, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				return
			}
			defer conn.Close()
			conn.WriteJSON(batch.Event{Progress: 50, FilesProcessed: 1, FilesTotal: 2})
			conn.WriteJSON(batch.Event{Progress: 100, FilesProcessed: 2, FilesTotal: 2, Done: true})
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished"))
			conn.ReadMessage()
		case "/runs/r2/result":
			mu.Lock()
			resultCalls++
			first := resultCalls == 1
			mu.Unlock()
			if first {
				w.WriteHeader(http.StatusConflict)
				w.Write([]byte(`{"error":{"message":"run still in progress","type":"conflict"}}`))
				return
			}
			w.Write([]byte(`{"success":true,"status":"completed","samples":[{"id":"a"},{"id":"b"}]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)

	old := pollInterval
	pollInterval = 10 * time.Millisecond
	t.Cleanup(func() { pollInterval = old })

	c := &apiClient{baseURL: srv.URL, token: "test-token", httpClient: srv.Client()}
	res, err := followRun(ctx, c, api.RunResponse{ID: "r2", Total: 2}, &bytes.Buffer{})
	if err != nil {
		t.Fatalf("followRun: %v", err)
	}
	if len(res.Samples) != 2 {
		t.Errorf("samples = %d, want 2", len(res.Samples))
	}
	mu.Lock()
	defer mu.Unlock()
	if resultCalls != 2 {
		t.Errorf("result fetched %d times, want 2 (one retry after 409)", resultCalls)
	}
}

func TestFollowRun_UnknownRun(t *testing.T) {
	ts := newTestServer(t, nil)
	if _, err := followRun(ctx, ts.client(), api.RunResponse{ID: "nope"}, &bytes.Buffer{}); err == nil {
		t.Error("expected error for unknown run")
	}
}
