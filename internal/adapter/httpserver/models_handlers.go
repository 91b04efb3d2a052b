package httpserver

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/fairyhunter13/dmctl/internal/domain"
)

// ListModelsHandler handles GET /models.
func (s *Server) ListModelsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"models": s.Manager.All()})
	}
}

// GetModelHandler handles GET /models/{id}.
func (s *Server) GetModelHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		model, ok := s.Manager.Get(id)
		if !ok {
			writeError(w, r, fmt.Errorf("%w: %s", domain.ErrUnknownModel, id), nil)
			return
		}
		writeJSON(w, http.StatusOK, model)
	}
}

// ModelStatusHandler handles GET /models/{id}/status.
func (s *Server) ModelStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if _, ok := s.Manager.Get(id); !ok {
			writeError(w, r, fmt.Errorf("%w: %s", domain.ErrUnknownModel, id), nil)
			return
		}
		status, err := s.Manager.Status(id)
		if err != nil {
			writeError(w, r, fmt.Errorf("op=httpserver.model_status: %w", err), nil)
			return
		}
		writeJSON(w, http.StatusOK, status)
	}
}

// RunningModelsHandler handles GET /models/running.
func (s *Server) RunningModelsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"running": s.Manager.Running()})
	}
}

// StartModelHandler handles POST /models/{id}/start.
func (s *Server) StartModelHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		rec, err := s.Manager.Start(r.Context(), id, 0)
		if err != nil {
			writeError(w, r, fmt.Errorf("op=httpserver.start_model: %w", err), nil)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	}
}

// StopModelHandler handles POST /models/{id}/stop.
func (s *Server) StopModelHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if _, ok := s.Manager.Get(id); !ok {
			writeError(w, r, fmt.Errorf("%w: %s", domain.ErrUnknownModel, id), nil)
			return
		}
		if err := s.Manager.Stop(id); err != nil {
			writeError(w, r, fmt.Errorf("op=httpserver.stop_model: %w", err), nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(domain.ProcessStopping)})
	}
}
