// Package app wires application components and startup helpers.
package app

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "github.com/fairyhunter13/dmctl/internal/adapter/httpserver"
	"github.com/fairyhunter13/dmctl/internal/adapter/observability"
	"github.com/fairyhunter13/dmctl/internal/config"
	"github.com/fairyhunter13/dmctl/internal/domain"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming spaces.
// If the input is empty, returns ["*"].
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return []string{"*"}
	}
	if s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the HTTP handler with all middlewares and the
// full §6 route surface.
func BuildRouter(cfg config.Config, srv *httpserver.Server, readyCheck func(ctx context.Context) error) http.Handler {
	reqTimeout := cfg.EngineRequestDeadline
	if reqTimeout <= 0 {
		reqTimeout = 30 * time.Second
	}

	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	// http.TimeoutHandler's writer cannot be hijacked, so the /events
	// websocket upgrade bypasses the request timeout.
	withTimeout := httpserver.TimeoutMiddleware(reqTimeout)
	r.Use(func(next http.Handler) http.Handler {
		timed := withTimeout(next)
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if req.URL.Path == "/events" {
				next.ServeHTTP(w, req)
				return
			}
			timed.ServeHTTP(w, req)
		})
	})
	r.Use(httpserver.TraceMiddleware)
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", healthzHandler)
	r.Get("/readyz", readyzHandler(readyCheck))
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.Group(func(wr chi.Router) {
		wr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, time.Minute))

		wr.Post("/jobs/generate", srv.SubmitJobHandler(domain.JobTypeGenerate))
		wr.Post("/jobs/edit", srv.SubmitJobHandler(domain.JobTypeEdit))
		wr.Post("/jobs/variation", srv.SubmitJobHandler(domain.JobTypeVariation))
		wr.Post("/jobs/upscale", srv.SubmitJobHandler(domain.JobTypeUpscale))
		wr.Get("/jobs", srv.ListJobsHandler())
		wr.Get("/jobs/{id}", srv.GetJobHandler())
		wr.Delete("/jobs/{id}", srv.CancelJobHandler())

		wr.Get("/generations/{id}", srv.GetJobHandler())
		wr.Get("/generations/{id}/images", srv.GetGenerationImagesHandler())
		wr.Get("/images/{id}", srv.GetImageHandler())

		wr.Get("/models", srv.ListModelsHandler())
		wr.Get("/models/running", srv.RunningModelsHandler())
		wr.Get("/models/{id}", srv.GetModelHandler())
		wr.Get("/models/{id}/status", srv.ModelStatusHandler())
		wr.Post("/models/{id}/start", srv.StartModelHandler())
		wr.Post("/models/{id}/stop", srv.StopModelHandler())

		wr.Post("/models/download", srv.StartDownloadHandler())
		wr.Get("/models/download/{id}", srv.GetDownloadHandler())
		wr.Delete("/models/download/{id}", srv.CancelDownloadHandler())

		wr.Get("/events", srv.EventsHandler())
	})

	return httpserver.SecurityHeaders(r)
}

func healthzHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func readyzHandler(check func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		if check == nil {
			w.WriteHeader(http.StatusOK)
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
			return
		}
		if err := check(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "not_ready", "error": err.Error()})
			return
		}
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
	}
}
