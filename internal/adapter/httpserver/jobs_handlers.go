package httpserver

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/fairyhunter13/dmctl/internal/domain"
	"github.com/fairyhunter13/dmctl/pkg/textx"
)

// jobRequest is the JSON (or multipart form field) shape accepted by
// the job submission endpoints (§3, §6).
type jobRequest struct {
	Model          string   `json:"model" validate:"required"`
	Prompt         string   `json:"prompt" validate:"required"`
	NegativePrompt string   `json:"negative_prompt,omitempty"`
	Width          int      `json:"width,omitempty"`
	Height         int      `json:"height,omitempty"`
	Seed           *int64   `json:"seed,omitempty"`
	BatchSize      int      `json:"batch_size,omitempty"`
	Quality        string   `json:"quality,omitempty"`
	Style          string   `json:"style,omitempty"`
	Strength       *float64 `json:"strength,omitempty"`
	CFGScale       *float64 `json:"cfg_scale,omitempty"`
	SampleSteps    *int     `json:"sample_steps,omitempty"`
	SamplingMethod *string  `json:"sampling_method,omitempty"`
	ClipSkip       *int     `json:"clip_skip,omitempty"`
	Size           *string  `json:"size,omitempty"`
}

const defaultJobDimension = 512

func allowedImageMIME(m string) bool {
	return strings.HasPrefix(strings.ToLower(m), "image/")
}

// SubmitJobHandler builds the handler for one of generate/edit/variation/upscale.
// Every job type accepts a JSON body or multipart form data; multipart is
// how edit, variation, and upscale upload their source image (and, for
// edit, an optional mask).
func (s *Server) SubmitJobHandler(jobType domain.JobType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req jobRequest
		var sourcePath, maskPath string

		if strings.Contains(r.Header.Get("Content-Type"), "multipart/form-data") {
			parsed, srcPath, mPath, err := s.parseMultipartJob(w, r, jobType)
			if err != nil {
				writeError(w, r, err, nil)
				return
			}
			req, sourcePath, maskPath = parsed, srcPath, mPath
		} else {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
				return
			}
		}
		if jobType != domain.JobTypeGenerate && sourcePath == "" {
			writeError(w, r, fmt.Errorf("%w: a source image is required for %s jobs", domain.ErrInvalidArgument, jobType), nil)
			return
		}

		if err := getValidator().Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("%w: %s", domain.ErrInvalidArgument, validationDetail(err)), nil)
			return
		}
		if _, ok := s.Manager.Get(req.Model); !ok {
			writeError(w, r, fmt.Errorf("%w: %s", domain.ErrUnknownModel, req.Model), nil)
			return
		}

		width, height := req.Width, req.Height
		if width <= 0 {
			width = defaultJobDimension
		}
		if height <= 0 {
			height = defaultJobDimension
		}

		job := &domain.Job{
			Type:            jobType,
			ModelID:         req.Model,
			Prompt:          textx.SanitizeText(req.Prompt),
			NegativePrompt:  textx.SanitizeText(req.NegativePrompt),
			Width:           width,
			Height:          height,
			Seed:            req.Seed,
			BatchSize:       req.BatchSize,
			Quality:         req.Quality,
			Style:           req.Style,
			SourceImagePath: sourcePath,
			MaskImagePath:   maskPath,
			Strength:        req.Strength,
			Params: domain.GenerationParams{
				CFGScale:       req.CFGScale,
				SampleSteps:    req.SampleSteps,
				SamplingMethod: req.SamplingMethod,
				ClipSkip:       req.ClipSkip,
				Size:           req.Size,
			},
		}
		if job.BatchSize <= 0 {
			job.BatchSize = 1
		}

		if err := s.Jobs.Enqueue(r.Context(), job); err != nil {
			writeError(w, r, fmt.Errorf("op=httpserver.submit_job: %w", err), nil)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"job_id": job.ID, "status": string(job.Status)})
	}
}

func (s *Server) parseMultipartJob(w http.ResponseWriter, r *http.Request, jobType domain.JobType) (jobRequest, string, string, error) {
	var req jobRequest

	maxBytes := s.Cfg.MaxUploadMB * 1024 * 1024
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	if err := r.ParseMultipartForm(maxBytes); err != nil {
		return req, "", "", fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}

	req.Model = r.FormValue("model")
	req.Prompt = r.FormValue("prompt")
	req.NegativePrompt = r.FormValue("negative_prompt")
	req.Quality = r.FormValue("quality")
	req.Style = r.FormValue("style")
	if width, height, ok := parseWidthHeight(r.FormValue("width"), r.FormValue("height")); ok {
		req.Width, req.Height = width, height
	}
	if v := r.FormValue("strength"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			req.Strength = &f
		}
	}

	sourcePath, err := s.saveUploadedImage(r, "image")
	if err != nil {
		return req, "", "", err
	}
	var maskPath string
	if jobType == domain.JobTypeEdit {
		maskPath, err = s.saveUploadedImage(r, "mask")
		if err != nil {
			return req, "", "", err
		}
	}
	return req, sourcePath, maskPath, nil
}

func parseWidthHeight(w, h string) (int, int, bool) {
	wi, err1 := strconv.Atoi(w)
	hi, err2 := strconv.Atoi(h)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return wi, hi, true
}

// saveUploadedImage reads the named multipart file field, sniffs its
// content type, and persists it under the images directory. Returns
// "" with no error when the field is absent (the field is optional
// except where the caller enforces otherwise).
func (s *Server) saveUploadedImage(r *http.Request, field string) (string, error) {
	file, header, err := r.FormFile(field)
	if err != nil {
		return "", nil //nolint:nilerr // absent optional field, not an error
	}
	defer func() { _ = file.Close() }()

	data, err := io.ReadAll(file)
	if err != nil {
		return "", fmt.Errorf("%w: read %s: %v", domain.ErrInvalidArgument, field, err)
	}
	mt := mimetype.Detect(data)
	if !allowedImageMIME(mt.String()) {
		return "", fmt.Errorf("%w: %s must be an image, got %s", domain.ErrInvalidArgument, field, mt.String())
	}

	dir := filepath.Join(s.ImagesDir, "uploads")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("op=httpserver.save_upload: %w", err)
	}
	ext := mt.Extension()
	if ext == "" {
		ext = filepath.Ext(header.Filename)
	}
	dest := filepath.Join(dir, uuid.NewString()+ext)
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return "", fmt.Errorf("op=httpserver.save_upload: %w", err)
	}
	return dest, nil
}

func validationDetail(err error) string {
	if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
		fe := verrs[0]
		return fmt.Sprintf("%s failed %s", strings.ToLower(fe.Field()), fe.Tag())
	}
	return err.Error()
}

// ListJobsHandler handles GET /jobs.
func (s *Server) ListJobsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		filter := domain.JobFilter{
			Status: domain.JobStatus(q.Get("status")),
			Limit:  atoiDefault(q.Get("limit"), 20),
			Offset: atoiDefault(q.Get("offset"), 0),
		}
		jobs, page, err := s.Jobs.List(r.Context(), filter)
		if err != nil {
			writeError(w, r, fmt.Errorf("op=httpserver.list_jobs: %w", err), nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"jobs": jobs,
			"pagination": map[string]any{
				"total": page.Total, "limit": page.Limit, "offset": page.Offset, "hasMore": page.HasMore,
			},
		})
	}
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

// GetJobHandler handles GET /jobs/{id} and GET /generations/{id} — a
// generation and its owning job are the same record (§9).
func (s *Server) GetJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		job, err := s.Jobs.Get(r.Context(), id)
		if err != nil {
			writeError(w, r, fmt.Errorf("op=httpserver.get_job: %w", err), nil)
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

// CancelJobHandler handles DELETE /jobs/{id} (cancel-if-pending).
func (s *Server) CancelJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := s.Jobs.Cancel(r.Context(), id); err != nil {
			writeError(w, r, fmt.Errorf("op=httpserver.cancel_job: %w", err), nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(domain.JobCancelled)})
	}
}

// GetGenerationImagesHandler handles GET /generations/{id}/images.
func (s *Server) GetGenerationImagesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		job, err := s.Jobs.Get(r.Context(), id)
		if err != nil {
			writeError(w, r, fmt.Errorf("op=httpserver.get_generation_images: %w", err), nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"images": job.Images})
	}
}

// GetImageHandler handles GET /images/{id}: the binary bytes with the
// stored MIME type (§6).
func (s *Server) GetImageHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		img, err := s.Jobs.GetImage(r.Context(), id)
		if err != nil {
			writeError(w, r, fmt.Errorf("op=httpserver.get_image: %w", err), nil)
			return
		}
		f, err := os.Open(img.FilePath)
		if err != nil {
			writeError(w, r, fmt.Errorf("op=httpserver.get_image: %w: %v", domain.ErrInternal, err), nil)
			return
		}
		defer func() { _ = f.Close() }()

		mt := img.MimeType
		if mt == "" {
			mt = "application/octet-stream"
		}
		w.Header().Set("Content-Type", mt)
		_, _ = io.Copy(w, f)
	}
}
