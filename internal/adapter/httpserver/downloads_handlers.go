package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/fairyhunter13/dmctl/internal/domain"
)

type downloadRequest struct {
	Repo  string   `json:"repo" validate:"required"`
	Files []string `json:"files,omitempty"`
}

// StartDownloadHandler handles POST /models/download. When files is
// omitted, the file listing is resolved from the registry's siblings
// for the repo (§6 model registry protocol).
func (s *Server) StartDownloadHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req downloadRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("%w: %s", domain.ErrInvalidArgument, validationDetail(err)), nil)
			return
		}

		files := req.Files
		if len(files) == 0 {
			if s.Registry == nil {
				writeError(w, r, fmt.Errorf("%w: files must be specified (no registry client configured)", domain.ErrInvalidArgument), nil)
				return
			}
			info, err := s.Registry.FetchModelInfo(r.Context(), req.Repo)
			if err != nil {
				writeError(w, r, fmt.Errorf("op=httpserver.start_download: %w", err), nil)
				return
			}
			files = info.Siblings
		}
		if len(files) == 0 {
			writeError(w, r, fmt.Errorf("%w: repo %s has no resolvable files", domain.ErrInvalidArgument, req.Repo), nil)
			return
		}

		dl := &domain.Download{
			ID:        uuid.NewString(),
			Repo:      req.Repo,
			Status:    domain.DownloadPending,
			StartedAt: time.Now().UTC(),
		}
		for _, f := range files {
			dl.Files = append(dl.Files, domain.DownloadFile{
				RemotePath: f,
				DestPath:   filepath.Join(s.Cfg.DataDir, "models", req.Repo, f),
			})
		}

		if err := s.Downloads.Create(r.Context(), dl); err != nil {
			writeError(w, r, fmt.Errorf("op=httpserver.start_download: %w", err), nil)
			return
		}
		s.Engine.StartDownload(context.WithoutCancel(r.Context()), dl)
		writeJSON(w, http.StatusAccepted, map[string]string{"download_id": dl.ID, "status": string(dl.Status)})
	}
}

// GetDownloadHandler handles GET /models/download/{id}.
func (s *Server) GetDownloadHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		dl, err := s.Downloads.Get(r.Context(), id)
		if err != nil {
			writeError(w, r, fmt.Errorf("op=httpserver.get_download: %w", err), nil)
			return
		}
		writeJSON(w, http.StatusOK, dl)
	}
}

// CancelDownloadHandler handles DELETE /models/download/{id}.
func (s *Server) CancelDownloadHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if _, err := s.Downloads.Get(r.Context(), id); err != nil {
			writeError(w, r, fmt.Errorf("op=httpserver.cancel_download: %w", err), nil)
			return
		}
		s.Engine.Cancel(id)
		writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(domain.DownloadCancelled)})
	}
}
