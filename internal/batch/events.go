package batch

import (
	"fmt"

	"github.com/kalambet/crate/internal/storage"
)

// Status is a run's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Event is a progress update. Progress never decreases within a run and the
// last event of a run is either Done at 100 or carries Error.
type Event struct {
	Progress       float64 `json:"progress"`
	Message        string  `json:"message"`
	FilesProcessed int     `json:"files_processed"`
	FilesTotal     int     `json:"files_total"`
	BatchCurrent   int     `json:"batch_current"`
	BatchTotal     int     `json:"batch_total"`
	Done           bool    `json:"done,omitempty"`
	Error          string  `json:"error,omitempty"`
}

// Terminal reports whether e is the last event of its run.
func (e Event) Terminal() bool {
	return e.Done || e.Error != ""
}

// Reporter receives progress events. Report is called from worker
// goroutines, one call at a time, and should not block.
type Reporter interface {
	Report(Event)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(Event)

func (f ReporterFunc) Report(e Event) { f(e) }

type nopReporter struct{}

func (nopReporter) Report(Event) {}

// FileError is a per-file failure.
type FileError struct {
	File   string `json:"file"`
	Reason string `json:"reason"`
}

// Result is the terminal output of a run.
type Result struct {
	Success   bool             `json:"success"`
	Status    Status           `json:"status"`
	Message   string           `json:"message,omitempty"`
	Samples   []storage.Sample `json:"samples"`
	Errors    []FileError      `json:"errors"`
	Skipped   []string         `json:"skipped"`
	Cancelled bool             `json:"cancelled,omitempty"`
	// NotStarted lists files that were never dispatched because the run was
	// cancelled.
	NotStarted []string `json:"not_started,omitempty"`
}

// WorkerFailure is a panic recovered while processing one file.
type WorkerFailure struct {
	Path  string
	Value any
}

func (e *WorkerFailure) Error() string {
	return fmt.Sprintf("worker crashed on %s: %v", e.Path, e.Value)
}
