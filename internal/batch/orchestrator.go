// Package batch runs classification over file lists in batches with a
// bounded worker pool, reporting progress and collecting per-file outcomes.
package batch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/kalambet/crate/internal/audio"
	"github.com/kalambet/crate/internal/classify"
	"github.com/kalambet/crate/internal/storage"
)

// Default batch sizes and worker counts. Deep analysis is heavier, so it
// runs smaller batches on fewer workers.
const (
	DefaultQuickBatchSize  = 20
	DefaultQuickMaxWorkers = 4
	DefaultDeepBatchSize   = 10
	DefaultDeepMaxWorkers  = 2
)

// Request describes one run.
type Request struct {
	Paths      []string `json:"paths"`
	UseDeep    bool     `json:"use_deep"`
	BatchSize  int      `json:"batch_size,omitempty"`
	MaxWorkers int      `json:"max_workers,omitempty"`
	SessionID  string   `json:"session_id,omitempty"`
}

// Store is the subset of the sample store the orchestrator writes to. Both
// lookups return storage.ErrNotFound for unknown samples.
type Store interface {
	LookupSource(ctx context.Context, path string) (storage.SampleRef, error)
	LookupSample(ctx context.Context, id string) (storage.SampleRef, error)
	UpsertSample(ctx context.Context, s storage.Sample) (storage.Sample, error)
	AddToSession(ctx context.Context, sessionID string, sampleIDs ...string) error
}

// Organizer places a classified file into the library and returns its new
// location. Unplace reverts a Place whose record was never stored; Discard
// drops a library copy superseded by a newer placement.
type Organizer interface {
	Place(ctx context.Context, s storage.Sample, srcPath string) (string, error)
	Unplace(ctx context.Context, placed, srcPath string) error
	Discard(ctx context.Context, location string) error
}

// Limits holds the batch size and worker defaults for each mode.
type Limits struct {
	QuickBatchSize  int
	QuickMaxWorkers int
	DeepBatchSize   int
	DeepMaxWorkers  int
}

// DefaultLimits returns the built-in defaults.
func DefaultLimits() Limits {
	return Limits{
		QuickBatchSize:  DefaultQuickBatchSize,
		QuickMaxWorkers: DefaultQuickMaxWorkers,
		DeepBatchSize:   DefaultDeepBatchSize,
		DeepMaxWorkers:  DefaultDeepMaxWorkers,
	}
}

// Options configures New.
type Options struct {
	Store     Store
	Lexical   classify.Strategy
	Acoustic  classify.Strategy
	Organizer Organizer // nil keeps files where they are
	Limits    Limits
	Logger    *zap.Logger
	// IDFunc computes sample ids. Defaults to audio.ContentID.
	IDFunc func(path string) (string, error)
}

// Orchestrator executes runs. It holds no per-run state and may execute
// several runs concurrently.
type Orchestrator struct {
	store     Store
	lexical   classify.Strategy
	acoustic  classify.Strategy
	organizer Organizer
	limits    Limits
	logger    *zap.Logger
	idFunc    func(string) (string, error)
}

func New(opts Options) *Orchestrator {
	if opts.Lexical == nil {
		opts.Lexical = classify.NewLexicalStrategy(nil)
	}
	if opts.Acoustic == nil {
		opts.Acoustic = classify.NewAcousticStrategy(classify.AcousticOptions{Logger: opts.Logger})
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.IDFunc == nil {
		opts.IDFunc = audio.ContentID
	}
	def := DefaultLimits()
	if opts.Limits.QuickBatchSize <= 0 {
		opts.Limits.QuickBatchSize = def.QuickBatchSize
	}
	if opts.Limits.QuickMaxWorkers <= 0 {
		opts.Limits.QuickMaxWorkers = def.QuickMaxWorkers
	}
	if opts.Limits.DeepBatchSize <= 0 {
		opts.Limits.DeepBatchSize = def.DeepBatchSize
	}
	if opts.Limits.DeepMaxWorkers <= 0 {
		opts.Limits.DeepMaxWorkers = def.DeepMaxWorkers
	}
	return &Orchestrator{
		store:     opts.Store,
		lexical:   opts.Lexical,
		acoustic:  opts.Acoustic,
		organizer: opts.Organizer,
		limits:    opts.Limits,
		logger:    opts.Logger,
		idFunc:    opts.IDFunc,
	}
}

// Normalize fills in default batch size and worker count for req.
func (o *Orchestrator) Normalize(req Request) Request {
	if req.UseDeep {
		if req.BatchSize <= 0 {
			req.BatchSize = o.limits.DeepBatchSize
		}
		if req.MaxWorkers <= 0 {
			req.MaxWorkers = o.limits.DeepMaxWorkers
		}
	} else {
		if req.BatchSize <= 0 {
			req.BatchSize = o.limits.QuickBatchSize
		}
		if req.MaxWorkers <= 0 {
			req.MaxWorkers = o.limits.QuickMaxWorkers
		}
	}
	return req
}

// aggregate collects outcomes from concurrent workers and emits progress.
type aggregate struct {
	mu       sync.Mutex
	reporter Reporter
	total    int
	batches  int
	done     int
	progress float64
	result   Result
}

func (a *aggregate) record(batch int, msg string, apply func(r *Result)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	apply(&a.result)
	a.done++
	if p := 100 * float64(a.done) / float64(a.total); p > a.progress {
		a.progress = p
	}
	a.reporter.Report(Event{
		Progress:       a.progress,
		Message:        msg,
		FilesProcessed: a.done,
		FilesTotal:     a.total,
		BatchCurrent:   batch,
		BatchTotal:     a.batches,
	})
}

func (a *aggregate) emit(e Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e.FilesProcessed, e.FilesTotal, e.BatchTotal = a.done, a.total, a.batches
	if e.Progress < a.progress {
		e.Progress = a.progress
	}
	a.progress = e.Progress
	a.reporter.Report(e)
}

// Run classifies req.Paths. Per-file failures are collected in the result.
// The returned error is non-nil only for systemic failures, such as an
// unwritable store, in which case the result status is failed.
//
// Cancelling ctx stops dispatch; files already in flight finish and are
// stored, and the run completes with Cancelled set.
func (o *Orchestrator) Run(ctx context.Context, req Request, reporter Reporter) (Result, error) {
	if reporter == nil {
		reporter = nopReporter{}
	}
	req = o.Normalize(req)
	total := len(req.Paths)
	if total == 0 {
		reporter.Report(Event{Progress: 100, Message: "No files to process", Done: true})
		return Result{Success: true, Status: StatusCompleted, Message: "No files to process",
			Samples: []storage.Sample{}, Errors: []FileError{}, Skipped: []string{}}, nil
	}
	if o.store == nil {
		return o.fail(reporter, Result{}, errors.New("no sample store configured"))
	}

	strategy := o.lexical
	if req.UseDeep {
		strategy = o.acoustic
	}
	batches := (total + req.BatchSize - 1) / req.BatchSize
	agg := &aggregate{
		reporter: reporter,
		total:    total,
		batches:  batches,
		result:   Result{Samples: []storage.Sample{}, Errors: []FileError{}, Skipped: []string{}},
	}
	o.logger.Info("run started",
		zap.Int("files", total), zap.Int("batches", batches), zap.Int("workers", req.MaxWorkers),
		zap.String("strategy", strategy.Name()))
	agg.emit(Event{Message: fmt.Sprintf("Processing %d files in %d batches", total, batches)})

	// Batches run one after another. In-flight files finish even when the
	// caller cancels; only a systemic failure cancels them. A file waiting
	// for a worker slot is not dispatched once ctx is done.
	var sysErr error
	dispatched := 0
	for b := 0; b < batches && sysErr == nil && ctx.Err() == nil; b++ {
		g, workCtx := errgroup.WithContext(context.WithoutCancel(ctx))
		slots := semaphore.NewWeighted(int64(req.MaxWorkers))

		batchNo := b + 1
		agg.emit(Event{Message: fmt.Sprintf("Processing batch %d/%d", batchNo, batches), BatchCurrent: batchNo})
		lo, hi := b*req.BatchSize, min((b+1)*req.BatchSize, total)
		for _, path := range req.Paths[lo:hi] {
			if err := slots.Acquire(ctx, 1); err != nil {
				break
			}
			// Acquire may succeed on a done context.
			if ctx.Err() != nil || workCtx.Err() != nil {
				slots.Release(1)
				break
			}
			dispatched++
			g.Go(func() error {
				defer slots.Release(1)
				return o.processFile(workCtx, strategy, req, path, batchNo, agg)
			})
		}
		sysErr = g.Wait()
	}

	res := agg.result
	if dispatched < total {
		res.NotStarted = append([]string(nil), req.Paths[dispatched:]...)
	}
	if sysErr != nil {
		return o.fail(reporter, res, sysErr)
	}

	res.Cancelled = ctx.Err() != nil
	succeeded := len(res.Samples) + len(res.Skipped)
	switch {
	case succeeded == 0 && len(res.Errors) > 0:
		res.Status = StatusFailed
		res.Message = fmt.Sprintf("All %d files failed", len(res.Errors))
	case res.Cancelled:
		res.Status = StatusCompleted
		res.Success = true
		res.Message = fmt.Sprintf("Cancelled after %d of %d files", agg.done, total)
	default:
		res.Status = StatusCompleted
		res.Success = true
		res.Message = fmt.Sprintf("Processed %d files: %d classified, %d skipped, %d failed",
			total, len(res.Samples), len(res.Skipped), len(res.Errors))
	}

	o.logger.Info("run finished",
		zap.String("status", string(res.Status)), zap.Int("samples", len(res.Samples)),
		zap.Int("skipped", len(res.Skipped)), zap.Int("errors", len(res.Errors)),
		zap.Bool("cancelled", res.Cancelled))
	if res.Status == StatusFailed {
		agg.emit(Event{Message: res.Message, Error: res.Message})
	} else {
		agg.emit(Event{Progress: 100, Message: res.Message, Done: true})
	}
	return res, nil
}

func (o *Orchestrator) fail(reporter Reporter, res Result, err error) (Result, error) {
	res.Status = StatusFailed
	res.Success = false
	res.Message = err.Error()
	o.logger.Error("run failed", zap.Error(err))
	reporter.Report(Event{Message: res.Message, Error: res.Message})
	return res, err
}

// processFile handles one file end to end. It returns an error only for
// systemic failures; everything else is recorded in the aggregate.
func (o *Orchestrator) processFile(ctx context.Context, strategy classify.Strategy, req Request, path string, batchNo int, agg *aggregate) (sysErr error) {
	name := filepath.Base(path)
	defer func() {
		if v := recover(); v != nil {
			wf := &WorkerFailure{Path: path, Value: v}
			o.logger.Error("worker panic", zap.String("path", path), zap.Any("panic", v))
			agg.record(batchNo, "Failed "+name, func(r *Result) {
				r.Errors = append(r.Errors, FileError{File: path, Reason: wf.Error()})
			})
			sysErr = nil
		}
	}()

	fileErr := func(err error) error {
		o.logger.Warn("file failed", zap.String("path", path), zap.Error(err))
		agg.record(batchNo, "Failed "+name, func(r *Result) {
			r.Errors = append(r.Errors, FileError{File: path, Reason: err.Error()})
		})
		return nil
	}

	ref, known, err := o.lookup(ctx, path)
	if err != nil {
		var de *audio.DecodeError
		if errors.As(err, &de) {
			return fileErr(err)
		}
		return err
	}
	if known && (!req.UseDeep || ref.HasFeatures) {
		if req.SessionID != "" {
			if err := o.store.AddToSession(ctx, req.SessionID, ref.ID); err != nil {
				return fmt.Errorf("adding %s to session: %w", ref.ID, err)
			}
		}
		agg.record(batchNo, "Already processed "+name, func(r *Result) {
			r.Skipped = append(r.Skipped, path)
		})
		return nil
	}

	// A sample whose source was moved into the library is upgraded from its
	// library copy.
	input := path
	if known && ref.Path != "" && ref.Path != path && !fileExists(path) && fileExists(ref.Path) {
		input = ref.Path
	}

	out, err := strategy.Classify(ctx, input)
	if err != nil {
		return fileErr(err)
	}
	if input != path && out.Features == nil {
		// Library copies carry an id prefix; label from the imported name.
		if lex, err := o.lexical.Classify(ctx, path); err == nil {
			out.Result = lex.Result
		}
	}

	smp := storage.Sample{
		ID:          ref.ID,
		Name:        name,
		Path:        input,
		Category:    out.Category,
		Subtype:     out.Subtype,
		Mood:        out.Mood,
		MoodDetails: out.MoodDetails,
		Usage:       out.Usage,
		Method:      out.Method,
		Features:    out.Features,
		Fingerprint: out.Fingerprint,
		Duration:    out.Duration,
		SampleRate:  out.SampleRate,
		Tags:        out.Tags.Text(),
		SessionID:   req.SessionID,
		Source:      path,
	}
	if o.organizer != nil {
		placed, err := o.organizer.Place(ctx, smp, input)
		if err != nil {
			return fileErr(fmt.Errorf("organizing %s: %w", name, err))
		}
		smp.Path = placed
	}

	stored, err := o.store.UpsertSample(ctx, smp)
	if err != nil {
		if o.organizer != nil && smp.Path != input {
			if uerr := o.organizer.Unplace(context.WithoutCancel(ctx), smp.Path, input); uerr != nil {
				o.logger.Warn("reverting placement failed", zap.String("path", smp.Path), zap.Error(uerr))
			}
		}
		return fmt.Errorf("storing %s: %w", name, err)
	}
	if o.organizer != nil && known && ref.Path != "" && ref.Path != stored.Path {
		if err := o.organizer.Discard(ctx, ref.Path); err != nil {
			o.logger.Warn("removing superseded copy failed", zap.String("path", ref.Path), zap.Error(err))
		}
	}

	msg := "Classified " + name
	if out.DeepErr != nil {
		msg += " (filename fallback)"
	}
	agg.record(batchNo, msg, func(r *Result) {
		r.Samples = append(r.Samples, stored)
	})
	return nil
}

// lookup finds what the store knows about path, first by the path it was
// imported from and then by content id. An unknown file gets a ref holding
// its new id. Unreadable files yield a *audio.DecodeError.
func (o *Orchestrator) lookup(ctx context.Context, path string) (storage.SampleRef, bool, error) {
	ref, err := o.store.LookupSource(ctx, path)
	if err == nil {
		return ref, true, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return storage.SampleRef{}, false, fmt.Errorf("looking up %s: %w", path, err)
	}

	id, err := o.idFunc(path)
	if err != nil {
		return storage.SampleRef{}, false, &audio.DecodeError{Path: path, Err: err}
	}
	ref, err = o.store.LookupSample(ctx, id)
	switch {
	case err == nil:
		return ref, true, nil
	case errors.Is(err, storage.ErrNotFound):
		return storage.SampleRef{ID: id}, false, nil
	default:
		return storage.SampleRef{}, false, fmt.Errorf("looking up %s: %w", id, err)
	}
}

func fileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}
