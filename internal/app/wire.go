package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

// Runnable is a long-lived background loop that runs until ctx is
// cancelled. The job processor, the zombie reaper, and the stuck-job
// sweeper all share this shape.
type Runnable func(ctx context.Context)

// Supervisor runs the HTTP server alongside every background loop under
// one errgroup, mirroring the teacher's single-errgroup startup/shutdown
// shape. Cancelling ctx or a failure of the HTTP server shuts every
// component down; a background loop that returns on its own does not
// stop the others.
type Supervisor struct {
	HTTPServer      *http.Server
	ShutdownTimeout time.Duration
	Background      []Runnable
}

// Run blocks until ctx is cancelled or the HTTP server fails, then
// shuts down every component and returns the first error encountered.
func (s *Supervisor) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	for _, bg := range s.Background {
		bg := bg
		g.Go(func() error {
			bg(gctx)
			return nil
		})
	}

	g.Go(func() error {
		slog.Info("http server starting", slog.String("addr", s.HTTPServer.Addr))
		if err := s.HTTPServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("op=app.supervisor.http: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.ShutdownTimeout)
		defer cancel()
		if err := s.HTTPServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("op=app.supervisor.shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}
