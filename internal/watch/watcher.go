// Package watch turns new audio files under a directory into queued
// classification jobs.
package watch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/kalambet/crate/internal/audio"
	"github.com/kalambet/crate/internal/ingest"
	"github.com/kalambet/crate/internal/storage"
)

// DefaultDebounce is how long a directory must be quiet before pending files
// are enqueued.
const DefaultDebounce = 2 * time.Second

// Enqueuer accepts jobs.
type Enqueuer interface {
	EnqueueJob(ctx context.Context, job storage.Job) error
}

// Options configures New.
type Options struct {
	Debounce  time.Duration
	UseDeep   bool
	SessionID string
	Logger    *zap.Logger
}

// Watcher watches a directory tree.
type Watcher struct {
	root     string
	queue    Enqueuer
	debounce time.Duration
	useDeep  bool
	session  string
	logger   *zap.Logger
}

func New(root string, queue Enqueuer, opts Options) *Watcher {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Watcher{
		root:     root,
		queue:    queue,
		debounce: opts.Debounce,
		useDeep:  opts.UseDeep,
		session:  opts.SessionID,
		logger:   opts.Logger,
	}
}

// Run watches until ctx is cancelled. Files created or written are collected
// and enqueued as one classify_files job once no event has arrived for the
// debounce window.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer fw.Close()

	if err := w.addTree(fw, w.root); err != nil {
		return err
	}
	w.logger.Info("watching", zap.String("root", w.root), zap.Duration("debounce", w.debounce))

	pending := make(map[string]struct{})
	var lastEvent time.Time
	tick := time.NewTicker(w.debounce / 4)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			if len(pending) > 0 {
				w.flush(context.WithoutCancel(ctx), pending)
			}
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			if hidden(ev.Name) {
				continue
			}
			info, err := os.Stat(ev.Name)
			if err != nil {
				continue
			}
			if info.IsDir() {
				if ev.Has(fsnotify.Create) {
					if err := w.addTree(fw, ev.Name); err != nil {
						w.logger.Warn("watching new directory", zap.String("dir", ev.Name), zap.Error(err))
					}
				}
				continue
			}
			if audio.IsSupported(ev.Name) {
				pending[ev.Name] = struct{}{}
				lastEvent = time.Now()
			}

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", zap.Error(err))

		case <-tick.C:
			if len(pending) > 0 && time.Since(lastEvent) >= w.debounce {
				w.flush(ctx, pending)
				pending = make(map[string]struct{})
			}
		}
	}
}

func (w *Watcher) flush(ctx context.Context, pending map[string]struct{}) {
	paths := make([]string, 0, len(pending))
	for p := range pending {
		if abs, err := filepath.Abs(p); err == nil {
			p = abs
		}
		paths = append(paths, p)
	}
	sort.Strings(paths)

	job, err := ingest.NewJob(ingest.Payload{Paths: paths, UseDeep: w.useDeep, SessionID: w.session})
	if err != nil {
		w.logger.Error("building job", zap.Error(err))
		return
	}
	if err := w.queue.EnqueueJob(ctx, job); err != nil {
		w.logger.Error("enqueueing watched files", zap.Int("files", len(paths)), zap.Error(err))
		return
	}
	w.logger.Info("queued watched files", zap.String("job_id", job.ID), zap.Int("files", len(paths)))
}

// addTree watches dir and every non-hidden directory below it.
func (w *Watcher) addTree(fw *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if p != dir && hidden(p) {
			return filepath.SkipDir
		}
		if err := fw.Add(p); err != nil {
			return fmt.Errorf("watching %s: %w", p, err)
		}
		return nil
	})
}

func hidden(p string) bool {
	return strings.HasPrefix(filepath.Base(p), ".")
}
