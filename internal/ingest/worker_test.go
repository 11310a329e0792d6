package ingest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/crate/internal/batch"
	"github.com/kalambet/crate/internal/storage"
)

type mockRunner struct {
	runFn func(ctx context.Context, req batch.Request) (batch.Result, error)
}

func (m *mockRunner) Run(ctx context.Context, req batch.Request, _ batch.Reporter) (batch.Result, error) {
	return m.runFn(ctx, req)
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func enqueueTestJob(t *testing.T, store *storage.Store, p Payload) storage.Job {
	t.Helper()
	job, err := NewJob(p)
	if err != nil {
		t.Fatalf("NewJob: %v", err)
	}
	if err := store.EnqueueJob(context.Background(), job); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	return job
}

func jobStatus(t *testing.T, store *storage.Store, id string) (string, int) {
	t.Helper()
	j, err := store.GetJob(context.Background(), id)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	return j.Status, j.Attempts
}

// resetRunAfter makes a backed-off job immediately claimable.
func resetRunAfter(t *testing.T, store *storage.Store, jobID string) {
	t.Helper()
	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := store.DB().Exec(`UPDATE jobs SET run_after = ? WHERE id = ?`, now, jobID); err != nil {
		t.Fatalf("resetRunAfter: %v", err)
	}
}

func TestWorker_ClassifiesFiles(t *testing.T) {
	store := openTestStore(t)
	dir := t.TempDir()
	var paths []string
	for _, name := range []string{"kick_808_dark.wav", "warm_pad.wav"} {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, []byte(name), 0o644); err != nil {
			t.Fatal(err)
		}
		paths = append(paths, p)
	}
	job := enqueueTestJob(t, store, Payload{Paths: paths, SessionID: "watch"})

	w := NewWorker(store, batch.New(batch.Options{Store: store}), 0, nil)
	didWork, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}
	if !didWork {
		t.Fatal("RunOnce returned false, expected true")
	}

	if status, _ := jobStatus(t, store, job.ID); status != storage.JobCompleted {
		t.Errorf("status = %q, want completed", status)
	}
	n, err := store.CountSamples(context.Background(), storage.Scope{SessionID: "watch"})
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("session has %d samples, want 2", n)
	}
}

func TestWorker_NoJob(t *testing.T) {
	store := openTestStore(t)
	w := NewWorker(store, &mockRunner{}, 0, nil)
	didWork, err := w.RunOnce(context.Background())
	if err != nil || didWork {
		t.Errorf("RunOnce = %v, %v; want false, nil", didWork, err)
	}
}

func TestWorker_RetryOnSystemicFailure(t *testing.T) {
	store := openTestStore(t)
	job := enqueueTestJob(t, store, Payload{Paths: []string{"/x.wav"}, UseDeep: true})

	var calls atomic.Int32
	w := NewWorker(store, &mockRunner{runFn: func(_ context.Context, req batch.Request) (batch.Result, error) {
		if !req.UseDeep || len(req.Paths) != 1 {
			t.Errorf("request = %+v", req)
		}
		if calls.Add(1) == 1 {
			return batch.Result{}, errors.New("database is locked")
		}
		return batch.Result{Success: true, Status: batch.StatusCompleted}, nil
	}}, 0, nil)

	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce 1: %v", err)
	}
	if status, attempts := jobStatus(t, store, job.ID); status != storage.JobPending || attempts != 1 {
		t.Errorf("after failure: %s/%d, want pending/1", status, attempts)
	}

	resetRunAfter(t, store, job.ID)
	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce 2: %v", err)
	}
	if status, _ := jobStatus(t, store, job.ID); status != storage.JobCompleted {
		t.Errorf("after retry: %s, want completed", status)
	}
}

func TestWorker_PerFileErrorsComplete(t *testing.T) {
	store := openTestStore(t)
	job := enqueueTestJob(t, store, Payload{Paths: []string{"/missing.wav"}})

	w := NewWorker(store, &mockRunner{runFn: func(context.Context, batch.Request) (batch.Result, error) {
		return batch.Result{Status: batch.StatusFailed, Errors: []batch.FileError{{File: "/missing.wav", Reason: "not found"}}}, nil
	}}, 0, nil)
	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if status, _ := jobStatus(t, store, job.ID); status != storage.JobCompleted {
		t.Errorf("status = %s, want completed", status)
	}
}

func TestWorker_BadPayload(t *testing.T) {
	store := openTestStore(t)
	job := storage.Job{ID: "bad", Type: ClassifyFilesJob, PayloadJSON: "{", MaxAttempts: 1}
	if err := store.EnqueueJob(context.Background(), job); err != nil {
		t.Fatal(err)
	}
	w := NewWorker(store, &mockRunner{}, 0, nil)
	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if status, _ := jobStatus(t, store, "bad"); status != storage.JobFailed {
		t.Errorf("status = %s, want failed", status)
	}
}

func TestWorker_RunStopsOnCancel(t *testing.T) {
	store := openTestStore(t)
	w := NewWorker(store, &mockRunner{}, 10*time.Millisecond, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
