package watch

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/crate/internal/ingest"
	"github.com/kalambet/crate/internal/storage"
)

type memQueue struct {
	mu   sync.Mutex
	jobs []storage.Job
}

func (q *memQueue) EnqueueJob(_ context.Context, job storage.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *memQueue) snapshot() []storage.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]storage.Job(nil), q.jobs...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestWatcher_DebouncesIntoOneJob(t *testing.T) {
	root := t.TempDir()
	q := &memQueue{}
	w := New(root, q, Options{Debounce: 200 * time.Millisecond, SessionID: "inbox"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- w.Run(ctx) }()
	time.Sleep(100 * time.Millisecond)

	for _, name := range []string{"a.wav", "b.mp3", "notes.txt", ".hidden.wav"} {
		if err := os.WriteFile(filepath.Join(root, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	waitFor(t, func() bool { return len(q.snapshot()) == 1 })
	job := q.snapshot()[0]
	if job.Type != ingest.ClassifyFilesJob {
		t.Errorf("job type = %q", job.Type)
	}
	var p ingest.Payload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &p); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if len(p.Paths) != 2 || filepath.Base(p.Paths[0]) != "a.wav" || filepath.Base(p.Paths[1]) != "b.mp3" {
		t.Errorf("paths = %v, want [a.wav b.mp3]", p.Paths)
	}
	if p.SessionID != "inbox" {
		t.Errorf("session = %q", p.SessionID)
	}

	cancel()
	if err := <-errc; err != nil {
		t.Errorf("Run: %v", err)
	}
}

func TestWatcher_NewSubdirectory(t *testing.T) {
	root := t.TempDir()
	q := &memQueue{}
	w := New(root, q, Options{Debounce: 150 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)
	time.Sleep(100 * time.Millisecond)

	sub := filepath.Join(root, "drums")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(sub, "snare.wav"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool { return len(q.snapshot()) == 1 })
}

func TestWatcher_MissingRoot(t *testing.T) {
	w := New(filepath.Join(t.TempDir(), "nope"), &memQueue{}, Options{})
	if err := w.Run(context.Background()); err == nil {
		t.Error("expected error for missing root")
	}
}
