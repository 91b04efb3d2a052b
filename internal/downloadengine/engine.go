// Package downloadengine implements the Resumable Download Engine
// (§4.5): it fetches every file of a Model Download Coordinator job
// concurrently, resuming partial files from their on-disk size via
// HTTP Range requests, and ticks aggregate progress to the Download
// Store on a fixed interval (500ms by default). Progress is written
// only on that tick; there is no byte-count trigger.
//
// Grounded on the worker-pool/progress-callback/context-cancellation
// shape of other_examples' downurl downloader (channel-fed workers,
// io-streamed writes, a result per job), adapted from a channel-based
// worker pool to golang.org/x/sync/errgroup's bounded concurrency, and
// from "download whole URL into one file" to per-file Range-resumable
// streaming.
package downloadengine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/fairyhunter13/dmctl/internal/adapter/observability"
	"github.com/fairyhunter13/dmctl/internal/domain"
)

const readBufferBytes = 32 * 1024

// Engine is the Resumable Download Engine.
type Engine struct {
	downloads domain.DownloadRepository
	bus       domain.EventPublisher
	client    *http.Client
	resolve   URLResolver

	concurrency     int
	tickInterval    time.Duration
	retryMaxElapsed time.Duration

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// New constructs an Engine.
func New(downloads domain.DownloadRepository, bus domain.EventPublisher, client *http.Client, resolve URLResolver, concurrency int, tickInterval, retryMaxElapsed time.Duration) *Engine {
	if concurrency <= 0 {
		concurrency = 3
	}
	if tickInterval <= 0 {
		tickInterval = 500 * time.Millisecond
	}
	if client == nil {
		client = &http.Client{}
	}
	return &Engine{
		downloads:       downloads,
		bus:             bus,
		client:          client,
		resolve:         resolve,
		concurrency:     concurrency,
		tickInterval:    tickInterval,
		retryMaxElapsed: retryMaxElapsed,
		cancels:         make(map[string]context.CancelFunc),
	}
}

// StartDownload begins downloading every file of d in the background
// and returns immediately; progress is persisted via the Download
// Store and published on the Event Bus as it proceeds.
func (e *Engine) StartDownload(parentCtx context.Context, d *domain.Download) {
	ctx, cancel := context.WithCancel(parentCtx)
	e.registerCancel(d.ID, cancel)
	go e.run(ctx, d)
}

// Cancel stops an in-flight download. Reports whether a download with
// that id was running.
func (e *Engine) Cancel(downloadID string) bool {
	e.mu.Lock()
	cancel, ok := e.cancels[downloadID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}

func (e *Engine) registerCancel(id string, cancel context.CancelFunc) {
	e.mu.Lock()
	e.cancels[id] = cancel
	e.mu.Unlock()
}

func (e *Engine) unregisterCancel(id string) {
	e.mu.Lock()
	delete(e.cancels, id)
	e.mu.Unlock()
}

func (e *Engine) run(ctx context.Context, d *domain.Download) {
	defer e.unregisterCancel(d.ID)

	var mu sync.Mutex
	mu.Lock()
	d.Status = domain.DownloadDownloading
	mu.Unlock()
	observability.DownloadsActive.Inc()
	defer observability.DownloadsActive.Dec()

	stop := make(chan struct{})
	go e.tickProgress(ctx, d, &mu, stop)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for i := range d.Files {
		i := i
		g.Go(func() error {
			return e.downloadFile(gctx, d.Repo, d.ID, &d.Files[i], &mu)
		})
	}
	err := g.Wait()
	close(stop)

	mu.Lock()
	d.Recompute()
	now := time.Now().UTC()
	d.CompletedAt = &now
	switch {
	case err == nil:
		d.Status = domain.DownloadCompleted
	case errors.Is(err, context.Canceled):
		d.Status = domain.DownloadCancelled
		d.Error = "cancelled"
	default:
		d.Status = domain.DownloadFailed
		d.Error = err.Error()
	}
	snapshot := *d
	snapshot.Files = append([]domain.DownloadFile(nil), d.Files...)
	mu.Unlock()

	if uerr := e.downloads.Update(context.Background(), &snapshot); uerr != nil {
		slog.Error("failed to persist final download state", slog.String("download_id", d.ID), slog.Any("error", uerr))
	}
	e.publish(eventForStatus(snapshot.Status), snapshot)
	if err != nil {
		slog.Warn("download ended with error", slog.String("download_id", d.ID), slog.Any("error", err))
	} else {
		slog.Info("download completed", slog.String("download_id", d.ID), slog.String("repo", d.Repo))
	}
}

func eventForStatus(status domain.DownloadStatus) string {
	if status == domain.DownloadCompleted {
		return "download.completed"
	}
	return "download.failed"
}

// tickProgress persists and publishes a snapshot of d every interval
// until stop fires, giving pollers a roughly-500ms-fresh view (§4.5).
func (e *Engine) tickProgress(ctx context.Context, d *domain.Download, mu *sync.Mutex, stop <-chan struct{}) {
	ticker := time.NewTicker(e.tickInterval)
	defer ticker.Stop()
	var lastBytes int64
	var lastTick = time.Now()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			mu.Lock()
			d.Recompute()
			elapsed := now.Sub(lastTick).Seconds()
			if elapsed > 0 {
				d.SpeedBytesPerS = float64(d.BytesDownloaded-lastBytes) / elapsed
			}
			if d.SpeedBytesPerS > 0 && d.TotalBytes > d.BytesDownloaded {
				d.ETASeconds = float64(d.TotalBytes-d.BytesDownloaded) / d.SpeedBytesPerS
			}
			lastBytes = d.BytesDownloaded
			lastTick = now
			snapshot := *d
			snapshot.Files = append([]domain.DownloadFile(nil), d.Files...)
			mu.Unlock()

			if err := e.downloads.Update(ctx, &snapshot); err != nil {
				slog.Error("failed to persist download progress", slog.String("download_id", d.ID), slog.Any("error", err))
			}
			e.publish("download.progress", snapshot)
		}
	}
}

// downloadFile fetches one file, resuming from its on-disk size via a
// Range request when the file already partially exists (§4.5).
func (e *Engine) downloadFile(ctx context.Context, repo, downloadID string, f *domain.DownloadFile, mu *sync.Mutex) error {
	if err := os.MkdirAll(filepath.Dir(f.DestPath), 0o755); err != nil {
		return fmt.Errorf("op=downloadengine.download_file: %w", err)
	}
	url := e.resolve(repo, f.RemotePath)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 10 * time.Second
	if e.retryMaxElapsed > 0 {
		bo.MaxElapsedTime = e.retryMaxElapsed
	}

	attempt := func() error {
		return e.fetchOnce(ctx, url, downloadID, f, mu)
	}
	if err := backoff.Retry(attempt, backoff.WithContext(bo, ctx)); err != nil {
		return fmt.Errorf("op=downloadengine.download_file: %s: %w", f.RemotePath, err)
	}
	return nil
}

func (e *Engine) fetchOnce(ctx context.Context, url, downloadID string, f *domain.DownloadFile, mu *sync.Mutex) error {
	info, statErr := os.Stat(f.DestPath)
	var startOffset int64
	if statErr == nil {
		startOffset = info.Size()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return backoff.Permanent(err)
	}
	if startOffset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", startOffset))
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusRequestedRangeNotSatisfiable:
		mu.Lock()
		f.Complete = true
		if f.TotalBytes == 0 {
			f.TotalBytes = startOffset
		}
		f.Downloaded = startOffset
		mu.Unlock()
		return nil
	case http.StatusOK:
		if startOffset > 0 {
			// The server ignored our Range request; restart clean.
			startOffset = 0
			if err := os.Remove(f.DestPath); err != nil && !os.IsNotExist(err) {
				return backoff.Permanent(fmt.Errorf("op=downloadengine.fetch: reset %s: %w", f.DestPath, err))
			}
		}
	case http.StatusPartialContent:
		// resuming as requested
	default:
		return fmt.Errorf("op=downloadengine.fetch: %w: status %d", domain.ErrUpstreamBadResp, resp.StatusCode)
	}

	if resp.ContentLength > 0 {
		mu.Lock()
		f.TotalBytes = startOffset + resp.ContentLength
		mu.Unlock()
	}

	flags := os.O_CREATE | os.O_WRONLY
	if startOffset > 0 {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	out, err := os.OpenFile(f.DestPath, flags, 0o644)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("op=downloadengine.fetch: open %s: %w", f.DestPath, err))
	}
	defer func() { _ = out.Close() }()

	written, err := e.copyChunks(ctx, out, resp.Body, startOffset, downloadID, f, mu)
	if err != nil {
		return err
	}

	mu.Lock()
	f.Complete = true
	if f.TotalBytes == 0 {
		f.TotalBytes = written
	}
	mu.Unlock()

	if written == 0 && f.TotalBytes > 0 {
		return backoff.Permanent(fmt.Errorf("op=downloadengine.fetch: %w: %s downloaded zero bytes", domain.ErrDownloadIntegrity, f.RemotePath))
	}
	return nil
}

func (e *Engine) copyChunks(ctx context.Context, out io.Writer, body io.Reader, startOffset int64, downloadID string, f *domain.DownloadFile, mu *sync.Mutex) (int64, error) {
	buf := make([]byte, readBufferBytes)
	written := startOffset
	for {
		if ctx.Err() != nil {
			return written, ctx.Err()
		}
		n, rerr := body.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return written, backoff.Permanent(werr)
			}
			written += int64(n)
			observability.RecordDownloadBytes(downloadID, int64(n))
			mu.Lock()
			f.Downloaded = written
			mu.Unlock()
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}

func (e *Engine) publish(eventType string, payload any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(context.Background(), "downloads", eventType, payload)
}
