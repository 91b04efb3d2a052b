// Package config defines configuration parsing and helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds all application configuration parsed from environment variables.
type Config struct {
	AppEnv string `env:"APP_ENV" envDefault:"dev"`
	Port   int    `env:"PORT" envDefault:"8080"`

	// DataDir is the directory holding the embedded job store, model
	// weights cache, and generated-image output.
	DataDir    string `env:"DATA_DIR" envDefault:"./data"`
	StoreDBURL string `env:"STORE_DB_URL" envDefault:"file:./data/control-plane.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"`

	// ModelsConfigPath points at the YAML model descriptor document.
	ModelsConfigPath string `env:"MODELS_CONFIG_PATH" envDefault:"./models.yaml"`

	// HuggingFaceBaseURL is the model registry used to resolve repo
	// metadata and file listings for downloads.
	HuggingFaceBaseURL string `env:"HUGGINGFACE_BASE_URL" envDefault:"https://huggingface.co"`
	HuggingFaceToken   string `env:"HUGGINGFACE_TOKEN"`

	// PortRangeStart/End bound the ports allocated to server-mode engines.
	PortRangeStart int `env:"PORT_RANGE_START" envDefault:"9000"`
	PortRangeEnd   int `env:"PORT_RANGE_END" envDefault:"9100"`

	// ProcessStartupTimeout is parsed but not read: the model manager's
	// Start waits for a model's startup_timeout_ms, else 90s.
	ProcessStartupTimeout time.Duration `env:"PROCESS_STARTUP_TIMEOUT" envDefault:"120s"`
	ProcessHeartbeatEvery time.Duration `env:"PROCESS_HEARTBEAT_INTERVAL" envDefault:"10s"`
	ProcessReapInterval   time.Duration `env:"PROCESS_REAP_INTERVAL" envDefault:"15s"`
	ProcessReapAfterMiss  int           `env:"PROCESS_REAP_AFTER_MISSED_HEARTBEATS" envDefault:"3"`

	// JobPollInterval is how often the processor checks for pending work
	// when no job is in flight.
	JobPollInterval    time.Duration `env:"JOB_POLL_INTERVAL" envDefault:"500ms"`
	JobStuckAfter      time.Duration `env:"JOB_STUCK_AFTER" envDefault:"10m"`
	JobSweepInterval   time.Duration `env:"JOB_SWEEP_INTERVAL" envDefault:"1m"`
	EngineRequestDeadline time.Duration `env:"ENGINE_REQUEST_DEADLINE" envDefault:"10m"`

	// DownloadWorkerConcurrency bounds concurrent per-file transfers
	// within a single download job.
	DownloadWorkerConcurrency int           `env:"DOWNLOAD_WORKER_CONCURRENCY" envDefault:"3"`
	DownloadChunkBytes        int64         `env:"DOWNLOAD_CHUNK_BYTES" envDefault:"1048576"`
	DownloadRetryMaxElapsed   time.Duration `env:"DOWNLOAD_RETRY_MAX_ELAPSED" envDefault:"2m"`

	MaxUploadMB           int64         `env:"MAX_UPLOAD_MB" envDefault:"25"`
	CORSAllowOrigins      string        `env:"CORS_ALLOW_ORIGINS" envDefault:"*"`
	RateLimitPerMin       int           `env:"RATE_LIMIT_PER_MIN" envDefault:"60"`
	ServerShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	HTTPReadTimeout       time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	HTTPWriteTimeout      time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	HTTPIdleTimeout       time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`

	OTLPEndpoint    string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	OTELServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"dmctl"`

	// EventBufferPerSubscriber is parsed but not read: the event bus
	// gives every subscriber a fixed 64-event channel before it drops
	// events.
	EventBufferPerSubscriber int `env:"EVENT_BUFFER_PER_SUBSCRIBER" envDefault:"64"`
}

// Load parses environment variables into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	return cfg, nil
}

// IsDev reports whether the app is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }

// IsProd reports whether the app is running in production mode.
func (c Config) IsProd() bool { return strings.ToLower(c.AppEnv) == "prod" }

// IsTest reports whether the app is running in test mode.
func (c Config) IsTest() bool { return strings.ToLower(c.AppEnv) == "test" }

// DownloadBackoff returns backoff tuning appropriate for the current
// environment; tests want fast retries rather than the production profile.
func (c Config) DownloadBackoff() (maxElapsed, initialInterval time.Duration) {
	if c.IsTest() {
		return 2 * time.Second, 20 * time.Millisecond
	}
	return c.DownloadRetryMaxElapsed, 500 * time.Millisecond
}
