// Package ingest drains queued classification jobs through the batch
// orchestrator.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kalambet/crate/internal/batch"
	"github.com/kalambet/crate/internal/storage"
)

// ClassifyFilesJob is the job type carrying a list of files to classify.
const ClassifyFilesJob = "classify_files"

// JobStore abstracts the job queue operations.
type JobStore interface {
	ClaimNextJob(ctx context.Context, types []string) (*storage.Job, error)
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id string, errMsg string) error
}

// Runner executes one classification run.
type Runner interface {
	Run(ctx context.Context, req batch.Request, reporter batch.Reporter) (batch.Result, error)
}

// Payload is the JSON body of a classify_files job.
type Payload struct {
	Paths     []string `json:"paths"`
	UseDeep   bool     `json:"use_deep"`
	SessionID string   `json:"session_id,omitempty"`
}

// NewJob builds a classify_files job for p.
func NewJob(p Payload) (storage.Job, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return storage.Job{}, err
	}
	return storage.Job{ID: uuid.New().String(), Type: ClassifyFilesJob, PayloadJSON: string(b)}, nil
}

// Worker processes classify_files jobs from the SQLite job queue.
type Worker struct {
	store  JobStore
	runner Runner
	poll   time.Duration
	logger *zap.Logger
}

// NewWorker creates a Worker. If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store JobStore, runner Runner, pollInterval time.Duration, logger *zap.Logger) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{store: store, runner: runner, poll: pollInterval, logger: logger}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", zap.Error(err))
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single job. It reports whether a job was
// processed, whatever its outcome.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob(ctx, []string{ClassifyFilesJob})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		w.logger.Warn("job failed", zap.String("job_id", job.ID), zap.Error(err))
		if failErr := w.store.FailJob(ctx, job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", zap.String("job_id", job.ID), zap.Error(failErr))
		}
		return true, nil
	}

	if err := w.store.CompleteJob(ctx, job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

// processJob fails only on systemic errors; per-file errors are logged and
// the job still completes.
func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	var p Payload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &p); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}

	res, err := w.runner.Run(ctx, batch.Request{Paths: p.Paths, UseDeep: p.UseDeep, SessionID: p.SessionID}, nil)
	if err != nil {
		return err
	}
	for _, fe := range res.Errors {
		w.logger.Warn("file not classified", zap.String("job_id", job.ID), zap.String("file", fe.File), zap.String("reason", fe.Reason))
	}
	w.logger.Info("job completed",
		zap.String("job_id", job.ID),
		zap.Int("classified", len(res.Samples)),
		zap.Int("skipped", len(res.Skipped)),
		zap.Int("failed", len(res.Errors)),
		zap.Bool("cancelled", res.Cancelled),
	)
	return nil
}
