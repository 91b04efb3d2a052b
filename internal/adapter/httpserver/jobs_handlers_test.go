package httpserver

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/dmctl/internal/config"
	"github.com/fairyhunter13/dmctl/internal/domain"
)

type fakeJobRepo struct {
	domain.JobRepository
	jobs      map[string]domain.Job
	images    map[string]domain.GeneratedImage
	enqueued  *domain.Job
	cancelled string
	listErr   error
}

func newFakeJobRepo() *fakeJobRepo {
	return &fakeJobRepo{jobs: map[string]domain.Job{}, images: map[string]domain.GeneratedImage{}}
}

func (f *fakeJobRepo) Enqueue(ctx domain.Context, j *domain.Job) error {
	j.ID = "job-new"
	j.Status = domain.JobPending
	f.enqueued = j
	f.jobs[j.ID] = *j
	return nil
}

func (f *fakeJobRepo) Get(ctx domain.Context, id string) (domain.Job, error) {
	j, ok := f.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	return j, nil
}

func (f *fakeJobRepo) GetImage(ctx domain.Context, imageID string) (domain.GeneratedImage, error) {
	img, ok := f.images[imageID]
	if !ok {
		return domain.GeneratedImage{}, domain.ErrNotFound
	}
	return img, nil
}

func (f *fakeJobRepo) List(ctx domain.Context, filter domain.JobFilter) ([]domain.Job, domain.Page, error) {
	if f.listErr != nil {
		return nil, domain.Page{}, f.listErr
	}
	var out []domain.Job
	for _, j := range f.jobs {
		out = append(out, j)
	}
	return out, domain.Page{Total: len(out), Limit: filter.Limit, Offset: filter.Offset}, nil
}

func (f *fakeJobRepo) Cancel(ctx domain.Context, id string) error {
	if _, ok := f.jobs[id]; !ok {
		return domain.ErrNotFound
	}
	f.cancelled = id
	return nil
}

type fakeModelController struct {
	ModelController
	models map[string]domain.ModelDescriptor
}

func newFakeModelController(models ...domain.ModelDescriptor) *fakeModelController {
	m := map[string]domain.ModelDescriptor{}
	for _, d := range models {
		m[d.ID] = d
	}
	return &fakeModelController{models: m}
}

func (f *fakeModelController) Get(modelID string) (domain.ModelDescriptor, bool) {
	d, ok := f.models[modelID]
	return d, ok
}

func (f *fakeModelController) All() []domain.ModelDescriptor {
	var out []domain.ModelDescriptor
	for _, d := range f.models {
		out = append(out, d)
	}
	return out
}

func newTestServer(jobs domain.JobRepository, manager ModelController) *Server {
	return NewServer(
		config.Config{RateLimitPerMin: 1000, MaxUploadMB: 5},
		jobs,
		nil,
		nil,
		manager,
		nil,
		nil,
		nil,
		"/tmp/dmctl-handlers-test",
	)
}

func TestSubmitJobHandlerRejectsUnknownModel(t *testing.T) {
	jobs := newFakeJobRepo()
	srv := newTestServer(jobs, newFakeModelController())

	body, _ := json.Marshal(map[string]any{"model": "nope", "prompt": "a cat"})
	req := httptest.NewRequest(http.MethodPost, "/generations", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.SubmitJobHandler(domain.JobTypeGenerate)(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "UNKNOWN_MODEL")
}

func TestSubmitJobHandlerRejectsMissingPrompt(t *testing.T) {
	jobs := newFakeJobRepo()
	srv := newTestServer(jobs, newFakeModelController(domain.ModelDescriptor{ID: "sd-1"}))

	body, _ := json.Marshal(map[string]any{"model": "sd-1"})
	req := httptest.NewRequest(http.MethodPost, "/generations", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.SubmitJobHandler(domain.JobTypeGenerate)(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "INVALID_ARGUMENT")
}

func TestSubmitJobHandlerEnqueuesWithDefaults(t *testing.T) {
	jobs := newFakeJobRepo()
	srv := newTestServer(jobs, newFakeModelController(domain.ModelDescriptor{ID: "sd-1"}))

	body, _ := json.Marshal(map[string]any{"model": "sd-1", "prompt": "a cat in a hat"})
	req := httptest.NewRequest(http.MethodPost, "/generations", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.SubmitJobHandler(domain.JobTypeGenerate)(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.NotNil(t, jobs.enqueued)
	assert.Equal(t, defaultJobDimension, jobs.enqueued.Width)
	assert.Equal(t, defaultJobDimension, jobs.enqueued.Height)
	assert.Equal(t, 1, jobs.enqueued.BatchSize)
	assert.Equal(t, "sd-1", jobs.enqueued.ModelID)
}

func TestSubmitJobHandlerRequiresSourceImageForEdit(t *testing.T) {
	jobs := newFakeJobRepo()
	srv := newTestServer(jobs, newFakeModelController(domain.ModelDescriptor{ID: "sd-1"}))

	body, _ := json.Marshal(map[string]any{"model": "sd-1", "prompt": "make it blue"})
	req := httptest.NewRequest(http.MethodPost, "/edits", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.SubmitJobHandler(domain.JobTypeEdit)(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "source image is required")
}

func TestSubmitJobHandlerMultipartUploadWithMask(t *testing.T) {
	jobs := newFakeJobRepo()
	srv := newTestServer(jobs, newFakeModelController(domain.ModelDescriptor{ID: "sd-1"}))

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("model", "sd-1"))
	require.NoError(t, mw.WriteField("prompt", "paint the sky"))
	writeFakePNGPart(t, mw, "image")
	writeFakePNGPart(t, mw, "mask")
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/edits", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	srv.SubmitJobHandler(domain.JobTypeEdit)(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	require.NotNil(t, jobs.enqueued)
	assert.NotEmpty(t, jobs.enqueued.SourceImagePath)
	assert.NotEmpty(t, jobs.enqueued.MaskImagePath)
}

func writeFakePNGPart(t *testing.T, mw *multipart.Writer, field string) {
	t.Helper()
	pngHeader := []byte{0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a}
	part, err := mw.CreateFormFile(field, field+".png")
	require.NoError(t, err)
	_, err = part.Write(pngHeader)
	require.NoError(t, err)
}

func TestListJobsHandlerReturnsPagination(t *testing.T) {
	jobs := newFakeJobRepo()
	jobs.jobs["job-1"] = domain.Job{ID: "job-1", Status: domain.JobCompleted}
	srv := newTestServer(jobs, newFakeModelController())

	req := httptest.NewRequest(http.MethodGet, "/jobs?limit=5&offset=0", nil)
	rec := httptest.NewRecorder()
	srv.ListJobsHandler()(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	pagination := out["pagination"].(map[string]any)
	assert.Equal(t, float64(1), pagination["total"])
	assert.Equal(t, float64(5), pagination["limit"])
}

func TestGetJobHandlerUnknownReturns404(t *testing.T) {
	jobs := newFakeJobRepo()
	srv := newTestServer(jobs, newFakeModelController())

	r := chi.NewRouter()
	r.Get("/jobs/{id}", srv.GetJobHandler())
	req := httptest.NewRequest(http.MethodGet, "/jobs/nope", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelJobHandlerCancelsKnownJob(t *testing.T) {
	jobs := newFakeJobRepo()
	jobs.jobs["job-1"] = domain.Job{ID: "job-1", Status: domain.JobPending}
	srv := newTestServer(jobs, newFakeModelController())

	r := chi.NewRouter()
	r.Delete("/jobs/{id}", srv.CancelJobHandler())
	req := httptest.NewRequest(http.MethodDelete, "/jobs/job-1", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "job-1", jobs.cancelled)
}

func TestGetImageHandlerUnknownImageReturns404(t *testing.T) {
	jobs := newFakeJobRepo()
	srv := newTestServer(jobs, newFakeModelController())

	r := chi.NewRouter()
	r.Get("/images/{id}", srv.GetImageHandler())
	req := httptest.NewRequest(http.MethodGet, "/images/nope", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}
