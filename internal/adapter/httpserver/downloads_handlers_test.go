package httpserver

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/dmctl/internal/config"
	"github.com/fairyhunter13/dmctl/internal/domain"
)

type fakeDownloadRepo struct {
	domain.DownloadRepository
	downloads map[string]domain.Download
	created   *domain.Download
}

func newFakeDownloadRepo() *fakeDownloadRepo {
	return &fakeDownloadRepo{downloads: map[string]domain.Download{}}
}

func (f *fakeDownloadRepo) Create(ctx domain.Context, d *domain.Download) error {
	f.created = d
	f.downloads[d.ID] = *d
	return nil
}

func (f *fakeDownloadRepo) Get(ctx domain.Context, id string) (domain.Download, error) {
	d, ok := f.downloads[id]
	if !ok {
		return domain.Download{}, domain.ErrNotFound
	}
	return d, nil
}

type fakeDownloadEngine struct {
	started   *domain.Download
	cancelled string
}

func (f *fakeDownloadEngine) StartDownload(ctx domain.Context, d *domain.Download) { f.started = d }
func (f *fakeDownloadEngine) Cancel(downloadID string) bool {
	f.cancelled = downloadID
	return true
}

type fakeRegistryClient struct {
	info domain.ModelInfo
	err  error
}

func (f *fakeRegistryClient) FetchModelInfo(ctx domain.Context, repo string) (domain.ModelInfo, error) {
	return f.info, f.err
}

func newDownloadsTestServer(downloads domain.DownloadRepository, engine DownloadEngine, reg domain.RegistryClient) *Server {
	return NewServer(
		config.Config{RateLimitPerMin: 1000, MaxUploadMB: 5, DataDir: "/tmp/dmctl-downloads-test"},
		nil,
		downloads,
		nil,
		nil,
		engine,
		nil,
		reg,
		"/tmp/dmctl-handlers-test",
	)
}

func TestStartDownloadHandlerWithExplicitFiles(t *testing.T) {
	downloads := newFakeDownloadRepo()
	engine := &fakeDownloadEngine{}
	srv := newDownloadsTestServer(downloads, engine, nil)

	body, _ := json.Marshal(map[string]any{"repo": "stabilityai/sd-turbo", "files": []string{"model.safetensors"}})
	req := httptest.NewRequest(http.MethodPost, "/models/download", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.StartDownloadHandler()(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	require.NotNil(t, downloads.created)
	require.Len(t, downloads.created.Files, 1)
	assert.Equal(t, "model.safetensors", downloads.created.Files[0].RemotePath)
	require.NotNil(t, engine.started)
}

func TestStartDownloadHandlerResolvesFromRegistry(t *testing.T) {
	downloads := newFakeDownloadRepo()
	engine := &fakeDownloadEngine{}
	reg := &fakeRegistryClient{info: domain.ModelInfo{Siblings: []string{"a.bin", "b.json"}}}
	srv := newDownloadsTestServer(downloads, engine, reg)

	body, _ := json.Marshal(map[string]any{"repo": "stabilityai/sd-turbo"})
	req := httptest.NewRequest(http.MethodPost, "/models/download", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.StartDownloadHandler()(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	require.Len(t, downloads.created.Files, 2)
}

func TestStartDownloadHandlerNoFilesNoRegistryFails(t *testing.T) {
	downloads := newFakeDownloadRepo()
	engine := &fakeDownloadEngine{}
	srv := newDownloadsTestServer(downloads, engine, nil)

	body, _ := json.Marshal(map[string]any{"repo": "stabilityai/sd-turbo"})
	req := httptest.NewRequest(http.MethodPost, "/models/download", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.StartDownloadHandler()(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStartDownloadHandlerMissingRepoFailsValidation(t *testing.T) {
	downloads := newFakeDownloadRepo()
	engine := &fakeDownloadEngine{}
	srv := newDownloadsTestServer(downloads, engine, nil)

	body, _ := json.Marshal(map[string]any{"files": []string{"a.bin"}})
	req := httptest.NewRequest(http.MethodPost, "/models/download", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.StartDownloadHandler()(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetDownloadHandlerUnknownReturns404(t *testing.T) {
	downloads := newFakeDownloadRepo()
	srv := newDownloadsTestServer(downloads, &fakeDownloadEngine{}, nil)

	r := chi.NewRouter()
	r.Get("/models/download/{id}", srv.GetDownloadHandler())
	req := httptest.NewRequest(http.MethodGet, "/models/download/nope", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetDownloadHandlerReturnsKnownDownload(t *testing.T) {
	downloads := newFakeDownloadRepo()
	downloads.downloads["dl-1"] = domain.Download{ID: "dl-1", Repo: "stabilityai/sd-turbo", Status: domain.DownloadDownloading}
	srv := newDownloadsTestServer(downloads, &fakeDownloadEngine{}, nil)

	r := chi.NewRouter()
	r.Get("/models/download/{id}", srv.GetDownloadHandler())
	req := httptest.NewRequest(http.MethodGet, "/models/download/dl-1", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "stabilityai/sd-turbo")
}

func TestCancelDownloadHandlerCancelsKnownDownload(t *testing.T) {
	downloads := newFakeDownloadRepo()
	downloads.downloads["dl-1"] = domain.Download{ID: "dl-1", Status: domain.DownloadDownloading}
	engine := &fakeDownloadEngine{}
	srv := newDownloadsTestServer(downloads, engine, nil)

	r := chi.NewRouter()
	r.Delete("/models/download/{id}", srv.CancelDownloadHandler())
	req := httptest.NewRequest(http.MethodDelete, "/models/download/dl-1", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "dl-1", engine.cancelled)
}

func TestCancelDownloadHandlerUnknownReturns404(t *testing.T) {
	downloads := newFakeDownloadRepo()
	srv := newDownloadsTestServer(downloads, &fakeDownloadEngine{}, nil)

	r := chi.NewRouter()
	r.Delete("/models/download/{id}", srv.CancelDownloadHandler())
	req := httptest.NewRequest(http.MethodDelete, "/models/download/nope", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}
