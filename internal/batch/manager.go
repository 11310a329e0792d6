package batch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultRetainedRuns is how many finished runs the Manager remembers.
const DefaultRetainedRuns = 64

var (
	ErrRunNotFound   = errors.New("run not found")
	ErrRunInProgress = errors.New("run still in progress")
)

// Job is a point-in-time snapshot of a run.
type Job struct {
	ID             string     `json:"id"`
	Status         Status     `json:"status"`
	TotalFiles     int        `json:"total_files"`
	ProcessedFiles int        `json:"processed_files"`
	FailedFiles    int        `json:"failed_files"`
	SkippedFiles   int        `json:"skipped_files"`
	BatchSize      int        `json:"batch_size"`
	MaxWorkers     int        `json:"max_workers"`
	UseDeep        bool       `json:"use_deep"`
	SessionID      string     `json:"session_id,omitempty"`
	Progress       float64    `json:"progress"`
	Message        string     `json:"message,omitempty"`
	Cancelled      bool       `json:"cancelled,omitempty"`
	StartedAt      time.Time  `json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
}

// Runner executes one run. *Orchestrator implements it.
type Runner interface {
	Normalize(req Request) Request
	Run(ctx context.Context, req Request, reporter Reporter) (Result, error)
}

type run struct {
	job    Job
	result *Result
	last   *Event
	cancel context.CancelFunc
	subs   map[chan Event]struct{}
	done   chan struct{}
}

// Manager starts runs in the background, keeps their snapshots and fans
// progress events out to subscribers.
type Manager struct {
	runner Runner
	base   context.Context
	retain int
	logger *zap.Logger

	mu    sync.Mutex
	runs  map[string]*run
	order []string
}

// NewManager ties runs to base: cancelling base cancels every run.
func NewManager(base context.Context, runner Runner, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		runner: runner,
		base:   base,
		retain: DefaultRetainedRuns,
		logger: logger,
		runs:   make(map[string]*run),
	}
}

// Start launches req and returns its initial snapshot.
func (m *Manager) Start(req Request) Job {
	req = m.runner.Normalize(req)
	ctx, cancel := context.WithCancel(m.base)
	r := &run{
		job: Job{
			ID:         uuid.New().String(),
			Status:     StatusPending,
			TotalFiles: len(req.Paths),
			BatchSize:  req.BatchSize,
			MaxWorkers: req.MaxWorkers,
			UseDeep:    req.UseDeep,
			SessionID:  req.SessionID,
			StartedAt:  time.Now().UTC(),
		},
		cancel: cancel,
		subs:   make(map[chan Event]struct{}),
		done:   make(chan struct{}),
	}

	m.mu.Lock()
	m.runs[r.job.ID] = r
	m.order = append(m.order, r.job.ID)
	m.evictLocked()
	snapshot := r.job
	m.mu.Unlock()

	go m.execute(ctx, r, req)
	return snapshot
}

func (m *Manager) execute(ctx context.Context, r *run, req Request) {
	defer r.cancel()
	m.mu.Lock()
	r.job.Status = StatusRunning
	m.mu.Unlock()

	res, err := m.runner.Run(ctx, req, ReporterFunc(func(e Event) { m.publish(r, e) }))
	if err != nil {
		m.logger.Error("run failed", zap.String("run", r.job.ID), zap.Error(err))
	}

	m.mu.Lock()
	now := time.Now().UTC()
	r.result = &res
	r.job.Status = res.Status
	r.job.Message = res.Message
	r.job.Cancelled = res.Cancelled
	r.job.ProcessedFiles = len(res.Samples) + len(res.Skipped)
	r.job.SkippedFiles = len(res.Skipped)
	r.job.FailedFiles = len(res.Errors)
	r.job.FinishedAt = &now
	if r.job.Status == "" {
		r.job.Status = StatusFailed
	}
	for ch := range r.subs {
		close(ch)
		delete(r.subs, ch)
	}
	close(r.done)
	m.mu.Unlock()
}

func (m *Manager) publish(r *run, e Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.last = &e
	r.job.Progress = e.Progress
	r.job.Message = e.Message
	if e.FilesTotal > 0 {
		r.job.ProcessedFiles = e.FilesProcessed
	}
	for ch := range r.subs {
		select {
		case ch <- e:
		default:
			// Slow subscriber: drop the oldest queued event to make room.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- e:
			default:
			}
		}
	}
}

// evictLocked drops the oldest finished runs beyond the retention limit.
func (m *Manager) evictLocked() {
	if len(m.order) <= m.retain {
		return
	}
	kept := m.order[:0]
	excess := len(m.order) - m.retain
	for _, id := range m.order {
		r := m.runs[id]
		if excess > 0 && r.job.Status.Terminal() {
			delete(m.runs, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	m.order = kept
}

// Get returns the current snapshot of run id.
func (m *Manager) Get(id string) (Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return Job{}, ErrRunNotFound
	}
	return r.job, nil
}

// List returns snapshots of all retained runs, oldest first.
func (m *Manager) List() []Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Job, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.runs[id].job)
	}
	return out
}

// Result returns the terminal result of a finished run, or
// ErrRunInProgress.
func (m *Manager) Result(id string) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return Result{}, ErrRunNotFound
	}
	if r.result == nil {
		return Result{}, ErrRunInProgress
	}
	return *r.result, nil
}

// Wait blocks until run id finishes or ctx is done.
func (m *Manager) Wait(ctx context.Context, id string) (Result, error) {
	m.mu.Lock()
	r, ok := m.runs[id]
	m.mu.Unlock()
	if !ok {
		return Result{}, ErrRunNotFound
	}
	select {
	case <-r.done:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return *r.result, nil
}

// Cancel asks run id to stop dispatching new files.
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return ErrRunNotFound
	}
	r.cancel()
	return nil
}

// Subscribe returns a channel of progress events for run id. The latest
// event, if any, is delivered first. The channel is closed when the run
// finishes; call the returned func to stop early.
func (m *Manager) Subscribe(id string) (<-chan Event, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, nil, ErrRunNotFound
	}
	ch := make(chan Event, 32)
	if r.last != nil {
		ch <- *r.last
	}
	if r.result != nil {
		close(ch)
		return ch, func() {}, nil
	}
	r.subs[ch] = struct{}{}
	unsubscribe := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if _, ok := r.subs[ch]; ok {
			delete(r.subs, ch)
			close(ch)
		}
	}
	return ch, unsubscribe, nil
}
