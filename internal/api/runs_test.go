package api

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kalambet/crate/internal/batch"
)

func TestRunEvents_StreamsUntilTerminal(t *testing.T) {
	runner := &fakeRunner{
		release: make(chan struct{}),
		events: []batch.Event{
			{Progress: 50, Message: "1/2", FilesProcessed: 1, FilesTotal: 2, BatchCurrent: 1, BatchTotal: 1},
			{Progress: 100, Message: "done", FilesProcessed: 2, FilesTotal: 2, BatchCurrent: 1, BatchTotal: 1, Done: true},
		},
	}
	deps, _ := newTestDeps(t, runner)
	srv := httptest.NewServer(NewAppHandler(deps))
	defer srv.Close()

	job := deps.Runs.Start(batch.Request{Paths: []string{"/a.wav", "/b.wav"}})

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/runs/" + job.ID + "/events"
	header := http.Header{"Authorization": []string{"Bearer " + testToken}}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	close(runner.release)

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var got []batch.Event
	for {
		var e batch.Event
		err := conn.ReadJSON(&e)
		if err != nil {
			var ce *websocket.CloseError
			if !errors.As(err, &ce) || ce.Code != websocket.CloseNormalClosure {
				t.Fatalf("ReadJSON: %v", err)
			}
			break
		}
		got = append(got, e)
	}

	if len(got) != 2 {
		t.Fatalf("received %d events, want 2: %+v", len(got), got)
	}
	if got[0].Progress > got[1].Progress {
		t.Errorf("progress went backwards: %v then %v", got[0].Progress, got[1].Progress)
	}
	if !got[1].Terminal() {
		t.Errorf("last event %+v is not terminal", got[1])
	}
}

func TestRunEvents_QueryToken(t *testing.T) {
	deps, _ := newTestDeps(t, nil)
	srv := httptest.NewServer(NewAppHandler(deps))
	defer srv.Close()

	job := deps.Runs.Start(batch.Request{})
	base := "ws" + strings.TrimPrefix(srv.URL, "http") + "/runs/" + job.ID + "/events"

	if _, resp, err := websocket.DefaultDialer.Dial(base, nil); err == nil {
		t.Error("dial without token succeeded")
	} else if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("dial without token: %v", err)
	}

	conn, _, err := websocket.DefaultDialer.Dial(base+"?access_token="+testToken, nil)
	if err != nil {
		t.Fatalf("Dial with query token: %v", err)
	}
	conn.Close()
}

func TestRunEvents_UnknownRun(t *testing.T) {
	deps, _ := newTestDeps(t, nil)
	rec := doRequest(t, NewAppHandler(deps), http.MethodGet, "/runs/nope/events", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}
