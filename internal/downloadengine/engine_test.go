package downloadengine_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/dmctl/internal/domain"
	"github.com/fairyhunter13/dmctl/internal/downloadengine"
)

type fakeDownloadRepo struct {
	mu        sync.Mutex
	snapshots []domain.Download
}

func (f *fakeDownloadRepo) Create(ctx domain.Context, d *domain.Download) error { return nil }

func (f *fakeDownloadRepo) Update(ctx domain.Context, d *domain.Download) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots = append(f.snapshots, *d)
	return nil
}

func (f *fakeDownloadRepo) Get(ctx domain.Context, id string) (domain.Download, error) {
	return domain.Download{}, domain.ErrNotFound
}
func (f *fakeDownloadRepo) All(ctx domain.Context) ([]domain.Download, error) { return nil, nil }
func (f *fakeDownloadRepo) Delete(ctx domain.Context, id string) error        { return nil }
func (f *fakeDownloadRepo) CleanupOlderThan(ctx domain.Context, cutoff time.Time) (int, error) {
	return 0, nil
}

func (f *fakeDownloadRepo) last() domain.Download {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshots[len(f.snapshots)-1]
}

func (f *fakeDownloadRepo) waitForTerminal(t *testing.T, timeout time.Duration) domain.Download {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		n := len(f.snapshots)
		var snap domain.Download
		if n > 0 {
			snap = f.snapshots[n-1]
		}
		f.mu.Unlock()
		if n > 0 && snap.CompletedAt != nil {
			return snap
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("download did not reach a terminal state in time")
	return domain.Download{}
}

type fakeBus struct {
	mu     sync.Mutex
	events []string
}

func (f *fakeBus) Publish(ctx domain.Context, topic, eventType string, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, topic+":"+eventType)
}

func newEngineForTest(srv *httptest.Server, repo *fakeDownloadRepo, bus *fakeBus, concurrency int) *downloadengine.Engine {
	resolver := func(repo, remotePath string) string { return srv.URL + "/" + repo + "/" + remotePath }
	return downloadengine.New(repo, bus, srv.Client(), resolver, concurrency, 10*time.Millisecond, time.Second)
}

func TestEngineCompletesMultiFileDownload(t *testing.T) {
	fileA := []byte("weights-a-content")
	fileB := []byte("weights-b-content-longer")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch filepath.Base(r.URL.Path) {
		case "a.bin":
			_, _ = w.Write(fileA)
		case "b.bin":
			_, _ = w.Write(fileB)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	dir := t.TempDir()
	repo := &fakeDownloadRepo{}
	bus := &fakeBus{}
	e := newEngineForTest(srv, repo, bus, 2)

	d := &domain.Download{
		ID:   "dl-1",
		Repo: "sd15",
		Files: []domain.DownloadFile{
			{RemotePath: "a.bin", DestPath: filepath.Join(dir, "a.bin")},
			{RemotePath: "b.bin", DestPath: filepath.Join(dir, "b.bin")},
		},
	}
	e.StartDownload(context.Background(), d)

	final := repo.waitForTerminal(t, 2*time.Second)
	assert.Equal(t, domain.DownloadCompleted, final.Status)
	assert.EqualValues(t, len(fileA)+len(fileB), final.BytesDownloaded)
	assert.Contains(t, bus.events, "downloads:download.completed")
}

func TestEngineCancelStopsDownloadAndMarksCancelled(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher, _ := w.(http.Flusher)
		_, _ = w.Write([]byte("partial-"))
		if flusher != nil {
			flusher.Flush()
		}
		<-block
		_, _ = w.Write([]byte("rest"))
	}))
	defer srv.Close()
	defer close(block)

	dir := t.TempDir()
	repo := &fakeDownloadRepo{}
	bus := &fakeBus{}
	e := newEngineForTest(srv, repo, bus, 1)

	d := &domain.Download{
		ID:   "dl-cancel",
		Repo: "sd15",
		Files: []domain.DownloadFile{
			{RemotePath: "big.bin", DestPath: filepath.Join(dir, "big.bin")},
		},
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.StartDownload(ctx, d)

	require.Eventually(t, func() bool { return e.Cancel("dl-cancel") }, time.Second, 5*time.Millisecond)

	final := repo.waitForTerminal(t, 2*time.Second)
	assert.Equal(t, domain.DownloadCancelled, final.Status)
}
