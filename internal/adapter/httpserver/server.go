package httpserver

import (
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/dmctl/internal/config"
	"github.com/fairyhunter13/dmctl/internal/domain"
	"github.com/fairyhunter13/dmctl/internal/modelmanager"
)

// ModelController is the subset of the Model Manager the HTTP layer
// needs to serve the model lifecycle endpoints (§6).
type ModelController interface {
	Get(modelID string) (domain.ModelDescriptor, bool)
	All() []domain.ModelDescriptor
	Running() []string
	Start(ctx domain.Context, modelID string, timeoutOverride time.Duration) (domain.ProcessRecord, error)
	Stop(modelID string) error
	Status(modelID string) (modelmanager.StatusView, error)
}

// DownloadEngine starts and cancels model downloads. The HTTP layer
// never touches file transfer directly; it hands off to the engine
// and polls the Download Store for status (§4.5).
type DownloadEngine interface {
	StartDownload(ctx domain.Context, d *domain.Download)
	Cancel(downloadID string) bool
}

// EventSubscriber exposes Subscribe so the events endpoint can hand a
// connection a live channel without importing the Event Bus directly.
type EventSubscriber interface {
	Subscribe(topics ...string) (<-chan domain.Event, func())
}

// Server aggregates every dependency the HTTP handlers need.
type Server struct {
	Cfg config.Config

	Jobs      domain.JobRepository
	Downloads domain.DownloadRepository
	Models    domain.ModelRepository
	Manager   ModelController
	Engine    DownloadEngine
	Bus       EventSubscriber
	Registry  domain.RegistryClient

	ImagesDir string
}

// NewServer constructs a Server with all handler dependencies wired.
func NewServer(cfg config.Config, jobs domain.JobRepository, downloads domain.DownloadRepository, models domain.ModelRepository, manager ModelController, engine DownloadEngine, bus EventSubscriber, reg domain.RegistryClient, imagesDir string) *Server {
	return &Server{
		Cfg:       cfg,
		Jobs:      jobs,
		Downloads: downloads,
		Models:    models,
		Manager:   manager,
		Engine:    engine,
		Bus:       bus,
		Registry:  reg,
		ImagesDir: imagesDir,
	}
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}
