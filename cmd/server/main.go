// Command server starts the diffusion model control plane's HTTP API
// and background workers: the job processor, the zombie reaper, and
// the stuck-job sweeper, all supervised together (§6).
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	httpserver "github.com/fairyhunter13/dmctl/internal/adapter/httpserver"
	"github.com/fairyhunter13/dmctl/internal/adapter/observability"
	"github.com/fairyhunter13/dmctl/internal/app"
	"github.com/fairyhunter13/dmctl/internal/config"
	"github.com/fairyhunter13/dmctl/internal/domain"
	"github.com/fairyhunter13/dmctl/internal/downloadengine"
	"github.com/fairyhunter13/dmctl/internal/engineclient"
	"github.com/fairyhunter13/dmctl/internal/eventbus"
	"github.com/fairyhunter13/dmctl/internal/jobprocessor"
	"github.com/fairyhunter13/dmctl/internal/jobstore/sqlite"
	"github.com/fairyhunter13/dmctl/internal/modelmanager"
	"github.com/fairyhunter13/dmctl/internal/modelregistry"
	"github.com/fairyhunter13/dmctl/internal/registry"
)

// dbPinger adapts *sql.DB's PingContext to app.Pinger.
type dbPinger struct{ *sql.DB }

func (p dbPinger) Ping(ctx context.Context) error { return p.DB.PingContext(ctx) }

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	db, err := sqlite.Open(cfg.StoreDBURL)
	if err != nil {
		slog.Error("store open failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	jobRepo := sqlite.NewJobRepo(db)
	downloadRepo := sqlite.NewDownloadRepo(db)
	modelRepo := sqlite.NewModelRepo(db)

	models, err := config.LoadModels(cfg.ModelsConfigPath)
	if err != nil {
		slog.Error("model config load failed", slog.Any("error", err))
		os.Exit(1)
	}
	var preload []string
	for _, m := range models {
		if err := modelRepo.Upsert(context.Background(), m); err != nil {
			slog.Error("model mirror upsert failed", slog.String("model_id", m.ID), slog.Any("error", err))
			os.Exit(1)
		}
		if m.LoadMode == domain.LoadModePreload {
			preload = append(preload, m.ID)
		}
	}

	procRegistry := registry.New(cfg.PortRangeStart, cfg.PortRangeEnd)
	manager := modelmanager.New(models, procRegistry)

	bus := eventbus.New()

	imagesDir := cfg.DataDir + "/images"
	dispatcher := engineclient.New(
		engineclient.NewHTTPDispatcher(engineclient.NewHTTPClient(cfg.EngineRequestDeadline), imagesDir),
		engineclient.NewCLIDispatcher(imagesDir),
	)

	downloadMaxElapsed, _ := cfg.DownloadBackoff()
	downloadEngine := downloadengine.New(
		downloadRepo, bus, &http.Client{},
		downloadengine.HuggingFaceResolver(cfg.HuggingFaceBaseURL),
		cfg.DownloadWorkerConcurrency, 0, downloadMaxElapsed,
	)

	registryClient := modelregistry.New(cfg.HuggingFaceBaseURL, cfg.HuggingFaceToken)

	processor := jobprocessor.New(jobRepo, manager, dispatcher, bus, cfg.JobPollInterval)
	sweeper := app.NewStuckJobSweeper(jobRepo, cfg.JobStuckAfter, cfg.JobSweepInterval)

	readyCheck := app.BuildReadinessCheck(dbPinger{db}, procRegistry, preload)

	srv := httpserver.NewServer(cfg, jobRepo, downloadRepo, modelRepo, manager, downloadEngine, bus, registryClient, imagesDir)
	handler := app.BuildRouter(cfg, srv, readyCheck)

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	for _, id := range preload {
		if _, err := manager.Start(context.Background(), id, 0); err != nil {
			slog.Error("preload model failed to start", slog.String("model_id", id), slog.Any("error", err))
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	supervisor := &app.Supervisor{
		HTTPServer:      httpSrv,
		ShutdownTimeout: cfg.ServerShutdownTimeout,
		Background: []app.Runnable{
			func(ctx context.Context) { _ = processor.Run(ctx) },
			func(ctx context.Context) { manager.ReapLoop(ctx, cfg.ProcessReapInterval) },
			sweeper.Run,
		},
	}

	if err := supervisor.Run(ctx); err != nil {
		slog.Error("server stopped with error", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("server stopped cleanly")
}
