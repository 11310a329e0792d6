package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"github.com/kalambet/crate/internal/api"
	"github.com/kalambet/crate/internal/batch"
)

var (
	pollInterval  = 500 * time.Millisecond
	resultRetries = 20
)

// progressBar draws run progress; a nil bar draws nothing.
type progressBar struct {
	p    *mpb.Progress
	bar  *mpb.Bar
	last time.Time
}

func newProgressBar(w io.Writer, total int) *progressBar {
	if total <= 0 {
		return nil
	}
	p := mpb.New(mpb.WithOutput(w), mpb.WithWidth(64))
	bar := p.AddBar(int64(total),
		mpb.PrependDecorators(
			decor.Name("classify "),
			decor.CountersNoUnit("%d / %d"),
		),
		mpb.AppendDecorators(
			decor.Percentage(),
			decor.Name(" "),
			decor.EwmaETA(decor.ET_STYLE_GO, 30),
		),
	)
	return &progressBar{p: p, bar: bar, last: time.Now()}
}

func (b *progressBar) update(processed int) {
	if b == nil {
		return
	}
	now := time.Now()
	b.bar.EwmaSetCurrent(int64(processed), now.Sub(b.last))
	b.last = now
}

func (b *progressBar) finish(ok bool) {
	if b == nil {
		return
	}
	if ok {
		b.bar.SetTotal(-1, true)
	} else {
		b.bar.Abort(false)
	}
	b.p.Wait()
}

// followRun shows progress for run until it finishes and returns its result.
// It streams events over the websocket and falls back to polling when the
// stream cannot be opened.
func followRun(ctx context.Context, client *apiClient, run api.RunResponse, w io.Writer) (batch.Result, error) {
	bar := newProgressBar(w, run.Total)

	conn, err := client.dialEvents(ctx, run.ID)
	if err != nil {
		err = pollRun(ctx, client, run.ID, bar)
	} else {
		err = streamRun(ctx, conn, bar)
	}
	if err != nil {
		bar.finish(false)
		return batch.Result{}, err
	}

	res, err := fetchResult(ctx, client, run.ID)
	bar.finish(err == nil && res.Success)
	return res, err
}

// streamRun reads events until the server closes the stream.
func streamRun(ctx context.Context, conn *websocket.Conn, bar *progressBar) error {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		var e batch.Event
		if err := conn.ReadJSON(&e); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("reading progress: %w", err)
		}
		bar.update(e.FilesProcessed)
	}
}

func pollRun(ctx context.Context, client *apiClient, id string, bar *progressBar) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		var job batch.Job
		if err := client.getJSON(ctx, "/runs/"+url.PathEscape(id), &job); err != nil {
			return err
		}
		bar.update(job.ProcessedFiles)
		if job.Status.Terminal() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// fetchResult retries while the server is still recording the result.
func fetchResult(ctx context.Context, client *apiClient, id string) (batch.Result, error) {
	var res batch.Result
	var err error
	for range resultRetries {
		res = batch.Result{}
		err = client.getJSON(ctx, "/runs/"+url.PathEscape(id)+"/result", &res)
		if err == nil || !isInProgress(err) {
			return res, err
		}
		select {
		case <-ctx.Done():
			return batch.Result{}, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
	return batch.Result{}, errors.Join(errors.New("run did not finish"), err)
}

func isInProgress(err error) bool {
	var se *statusError
	return errors.As(err, &se) && se.Code == http.StatusConflict
}
