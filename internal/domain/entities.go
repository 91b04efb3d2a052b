// Package domain defines core entities, ports, and domain-specific errors.
package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrRateLimited       = errors.New("rate limited")
	ErrAlreadyRunning    = errors.New("already running")
	ErrStartupTimeout    = errors.New("startup timeout")
	ErrPortExhausted     = errors.New("port exhausted")
	ErrProcessCrashed    = errors.New("process crashed")
	ErrUpstreamTimeout   = errors.New("upstream timeout")
	ErrUpstreamBadResp   = errors.New("upstream bad response")
	ErrCLIFailed         = errors.New("cli invocation failed")
	ErrCancelled         = errors.New("cancelled")
	ErrDownloadIntegrity = errors.New("download integrity error")
	ErrUnknownModel      = errors.New("unknown model")
	ErrInternal          = errors.New("internal error")
)

// ExecMode is how an engine is invoked.
type ExecMode string

// Execution modes.
const (
	ExecModeServer ExecMode = "server"
	ExecModeCLI    ExecMode = "cli"
)

// LoadMode determines when a model's engine is started.
type LoadMode string

// Load modes.
const (
	LoadModeOnDemand LoadMode = "on_demand"
	LoadModePreload  LoadMode = "preload"
)

// Capability names a kind of generation a model supports.
type Capability string

// Capabilities.
const (
	CapabilityTextToImage  Capability = "text-to-image"
	CapabilityImageToImage Capability = "image-to-image"
	CapabilityInpaint      Capability = "inpaint"
	CapabilityUpscale      Capability = "upscale"
)

// GenerationParams are the generation defaults carried by a model
// descriptor and the per-job overrides supplied by a caller. Pointer
// fields distinguish "absent" from the zero value so the effective-
// parameter fallback rule (user value, else model default, else
// omitted) can be applied without a hard-coded constant standing in
// for "absent".
type GenerationParams struct {
	CFGScale       *float64 `json:"cfg_scale,omitempty" yaml:"cfg_scale,omitempty"`
	SampleSteps    *int     `json:"sample_steps,omitempty" yaml:"sample_steps,omitempty"`
	SamplingMethod *string  `json:"sampling_method,omitempty" yaml:"sampling_method,omitempty"`
	ClipSkip       *int     `json:"clip_skip,omitempty" yaml:"clip_skip,omitempty"`
	Size           *string  `json:"size,omitempty" yaml:"size,omitempty"`
	Strength       *float64 `json:"strength,omitempty" yaml:"strength,omitempty"`
}

// ModelDescriptor is the static, config-loaded description of a model.
type ModelDescriptor struct {
	ID               string           `yaml:"id" json:"id"`
	Name             string           `yaml:"name" json:"name"`
	Description      string           `yaml:"description,omitempty" json:"description,omitempty"`
	Command          string           `yaml:"command" json:"command"`
	Args             []string         `yaml:"args,omitempty" json:"args,omitempty"`
	APIURL           string           `yaml:"api_url,omitempty" json:"api_url,omitempty"`
	LoadMode         LoadMode         `yaml:"load_mode" json:"load_mode"`
	ExecMode         ExecMode         `yaml:"exec_mode" json:"exec_mode"`
	Port             int              `yaml:"port,omitempty" json:"port,omitempty"`
	StartupTimeoutMS int              `yaml:"startup_timeout_ms,omitempty" json:"startup_timeout_ms,omitempty"`
	GenerationParams GenerationParams `yaml:"generation_params,omitempty" json:"generation_params,omitempty"`
	RegistryRepo     string           `yaml:"registry_repo,omitempty" json:"registry_repo,omitempty"`
	RegistryFiles    []string         `yaml:"registry_files,omitempty" json:"registry_files,omitempty"`
	Capabilities     []Capability     `yaml:"capabilities,omitempty" json:"capabilities,omitempty"`
}

// EffectiveStartupTimeout applies the default from §4.2: the caller's
// override, else the descriptor's configured value, else 90s.
func (m ModelDescriptor) EffectiveStartupTimeout(override time.Duration) time.Duration {
	if override > 0 {
		return override
	}
	if m.StartupTimeoutMS > 0 {
		return time.Duration(m.StartupTimeoutMS) * time.Millisecond
	}
	return 90 * time.Second
}

// HasCapability reports whether the descriptor advertises cap.
func (m ModelDescriptor) HasCapability(cap Capability) bool {
	for _, c := range m.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// ProcessStatus is the lifecycle state of a running engine.
type ProcessStatus string

// Process statuses.
const (
	ProcessStarting ProcessStatus = "starting"
	ProcessRunning  ProcessStatus = "running"
	ProcessStopping ProcessStatus = "stopping"
	ProcessStopped  ProcessStatus = "stopped"
	ProcessError    ProcessStatus = "error"
)

// ProcessRecord is the in-memory runtime record for a live engine. Only
// server-mode engines are ever registered here (§9): CLI invocations
// are one-shot and own no state beyond their argv.
type ProcessRecord struct {
	ModelID         string
	PID             int
	Port            int
	ExecMode        ExecMode
	Status          ProcessStatus
	StartedAt       time.Time
	LastHeartbeatAt time.Time
}

// JobType enumerates the kinds of generation work a job can request.
type JobType string

// Job types.
const (
	JobTypeGenerate  JobType = "generate"
	JobTypeEdit      JobType = "edit"
	JobTypeVariation JobType = "variation"
	JobTypeUpscale   JobType = "upscale"
)

// JobStatus captures the lifecycle state of a generation job.
type JobStatus string

// Job status values.
const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

// DefaultVariationStrength is applied only when a variation job omits
// strength explicitly (§3); it must never stand in for other
// generation parameters.
const DefaultVariationStrength = 0.75

// Job is the persisted request/result row: queue and history share one
// table (§9, "merged queue/history table is deliberate").
type Job struct {
	ID      string
	Type    JobType
	ModelID string

	Prompt         string
	NegativePrompt string
	Width          int
	Height         int
	Seed           *int64
	BatchSize      int
	Quality        string
	Style          string

	SourceImagePath string
	MaskImagePath   string
	Strength        *float64

	Params GenerationParams

	Status   JobStatus
	Progress float64
	Error    string

	CreatedAt   time.Time
	UpdatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time

	ModelLoadingTimeMS int64
	GenerationTimeMS   int64

	Images []GeneratedImage
}

// GeneratedImage is an output artifact belonging to a completed job.
type GeneratedImage struct {
	ID            string
	JobID         string
	Index         int
	MimeType      string
	FilePath      string
	RevisedPrompt string
	Width         int
	Height        int
	CreatedAt     time.Time
}

// JobFilter narrows a job listing query.
type JobFilter struct {
	Status JobStatus
	Limit  int
	Offset int
}

// Page describes pagination metadata returned alongside a listing.
type Page struct {
	Total   int
	Limit   int
	Offset  int
	HasMore bool
}

// DownloadStatus is the lifecycle state of a model download.
type DownloadStatus string

// Download status values.
const (
	DownloadPending     DownloadStatus = "pending"
	DownloadDownloading DownloadStatus = "downloading"
	DownloadPaused      DownloadStatus = "paused"
	DownloadCompleted   DownloadStatus = "completed"
	DownloadFailed      DownloadStatus = "failed"
	DownloadCancelled   DownloadStatus = "cancelled"
)

// DownloadFile tracks one remote file within a download job.
type DownloadFile struct {
	RemotePath string
	DestPath   string
	TotalBytes int64
	Downloaded int64
	Complete   bool
}

// Progress is bytes downloaded over total bytes, 0 when total unknown.
func (f DownloadFile) Progress() float64 {
	if f.TotalBytes <= 0 {
		return 0
	}
	return float64(f.Downloaded) / float64(f.TotalBytes)
}

// Download is a persisted multi-file download job.
type Download struct {
	ID    string
	Repo  string
	Files []DownloadFile

	Status          DownloadStatus
	BytesDownloaded int64
	TotalBytes      int64
	SpeedBytesPerS  float64
	ETASeconds      float64
	Error           string

	StartedAt   time.Time
	CompletedAt *time.Time
}

// Recompute refreshes aggregate byte counters from per-file state.
// Called by the download engine after every per-file progress tick
// (§8 invariant 5: bytes_downloaded = Σ per-file downloaded).
func (d *Download) Recompute() {
	var downloaded, total int64
	for _, f := range d.Files {
		downloaded += f.Downloaded
		total += f.TotalBytes
	}
	d.BytesDownloaded = downloaded
	d.TotalBytes = total
}

// Progress is the download's aggregate fraction complete.
func (d Download) Progress() float64 {
	if d.TotalBytes <= 0 {
		return 0
	}
	return float64(d.BytesDownloaded) / float64(d.TotalBytes)
}

// JobRepository persists jobs and their generated images.
//
//go:generate mockery --name=JobRepository --with-expecter --filename=job_repository_mock.go
type JobRepository interface {
	Enqueue(ctx Context, j *Job) error
	ClaimNextPending(ctx Context) (*Job, error)
	Get(ctx Context, id string) (Job, error)
	SetStatus(ctx Context, id string, status JobStatus, errMsg *string) error
	SetProgress(ctx Context, id string, progress float64) error
	SetTimings(ctx Context, id string, modelLoadingMS, generationMS int64) error
	AppendImage(ctx Context, jobID string, img GeneratedImage) error
	GetImage(ctx Context, imageID string) (GeneratedImage, error)
	List(ctx Context, filter JobFilter) ([]Job, Page, error)
	Cancel(ctx Context, id string) error
	Delete(ctx Context, id string) error
	ListStuckProcessing(ctx Context, olderThan time.Time) ([]Job, error)
}

// DownloadRepository persists download jobs and their file state.
//
//go:generate mockery --name=DownloadRepository --with-expecter --filename=download_repository_mock.go
type DownloadRepository interface {
	Create(ctx Context, d *Download) error
	Update(ctx Context, d *Download) error
	Get(ctx Context, id string) (Download, error)
	All(ctx Context) ([]Download, error)
	Delete(ctx Context, id string) error
	CleanupOlderThan(ctx Context, cutoff time.Time) (int, error)
}

// ModelRepository mirrors config-loaded model descriptors into the
// store for cross-process visibility (§6).
//
//go:generate mockery --name=ModelRepository --with-expecter --filename=model_repository_mock.go
type ModelRepository interface {
	Upsert(ctx Context, m ModelDescriptor) error
	Get(ctx Context, id string) (ModelDescriptor, error)
	All(ctx Context) ([]ModelDescriptor, error)
}

// DispatchRequest carries everything a dispatch to a resolved engine
// needs: the job, its static descriptor, the engine's current API URL
// (empty for cli-mode models), and the effective generation params
// already resolved by the job processor's fallback rule.
type DispatchRequest struct {
	Job             Job
	Model           ModelDescriptor
	APIURL          string
	EffectiveParams GenerationParams
}

// DispatchResult is an engine's generation output.
type DispatchResult struct {
	Images []GeneratedImage
}

// EngineDispatcher sends a job to its resolved engine — HTTP for
// server-mode models, CLI invocation for cli-mode models — and
// returns the generated images (§4.4 steps 6-7).
//
//go:generate mockery --name=EngineDispatcher --with-expecter --filename=engine_dispatcher_mock.go
type EngineDispatcher interface {
	Dispatch(ctx Context, req DispatchRequest) (DispatchResult, error)
}

// Event is a single message published on the Event Bus (§4.6).
type Event struct {
	Topic     string
	Type      string
	Payload   any
	Timestamp time.Time
}

// EventPublisher fans out events to subscribers of a topic. Publish
// never blocks the caller on a slow subscriber: a full subscriber
// buffer drops the event and increments a counter instead (§4.6).
//
//go:generate mockery --name=EventPublisher --with-expecter --filename=event_publisher_mock.go
type EventPublisher interface {
	Publish(ctx Context, topic, eventType string, payload any)
}

// ModelInfo is the registry metadata returned for a repo (§6). The
// source queried getHuggingFaceModelInfo and getHuggingFaceModelFiles
// separately; here they collapse into one FetchModelInfo call (§9 open
// question) with Siblings carrying the file listing either way.
type ModelInfo struct {
	Repo     string
	Siblings []string
}

// RegistryClient resolves model metadata from the remote model registry.
//
//go:generate mockery --name=RegistryClient --with-expecter --filename=registry_client_mock.go
type RegistryClient interface {
	FetchModelInfo(ctx Context, repo string) (ModelInfo, error)
}

// Context is a type alias to stdlib context.Context for convenience
// across layers without importing "context" everywhere by name.
type Context = context.Context
