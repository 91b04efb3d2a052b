// Package modelmanager implements the Model Manager (§4.2): it loads
// model descriptors from config, spawns and stops engine processes,
// probes readiness, and exposes the ensure_running contract used by
// the job processor.
//
// Grounded on the inference-manager Serve/Stop shape (ensure model
// available, allocate port, spawn, wait for health, track running
// state) adapted from a container runtime to os/exec child processes,
// and on the teacher's use of cenkalti/backoff for bounded retry loops.
package modelmanager

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/fairyhunter13/dmctl/internal/domain"
	"github.com/fairyhunter13/dmctl/internal/registry"
)

const portPlaceholder = "{{port}}"

// ringBuffer keeps the last N lines written to it, mirroring the
// "captured to a ring buffer" requirement in §4.2.
type ringBuffer struct {
	mu    sync.Mutex
	lines []string
	max   int
}

func newRingBuffer(max int) *ringBuffer {
	return &ringBuffer{max: max}
}

func (b *ringBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, line := range strings.Split(strings.TrimRight(string(p), "\n"), "\n") {
		if line == "" {
			continue
		}
		b.lines = append(b.lines, line)
		if len(b.lines) > b.max {
			b.lines = b.lines[len(b.lines)-b.max:]
		}
	}
	return len(p), nil
}

func (b *ringBuffer) Lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.lines))
	copy(out, b.lines)
	return out
}

type runningProc struct {
	cmd     *exec.Cmd
	cancel  context.CancelFunc
	logs    *ringBuffer
	execMode domain.ExecMode
}

// StatusView is the response shape for Status (§4.2).
type StatusView struct {
	Status   domain.ProcessStatus
	PID      int
	Port     int
	UptimeMS int64
	Logs     []string
}

// Manager is the Model Manager.
type Manager struct {
	mu       sync.Mutex
	models   map[string]domain.ModelDescriptor
	order    []string
	registry *registry.Registry
	procs    map[string]*runningProc

	httpClient            *http.Client
	defaultStartupTimeout time.Duration
	logBufferLines        int
}

// Option configures a Manager.
type Option func(*Manager)

// WithHTTPClient overrides the readiness-probe/dispatch HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) { m.httpClient = c }
}

// WithLogBufferLines overrides the per-process ring buffer depth.
func WithLogBufferLines(n int) Option {
	return func(m *Manager) { m.logBufferLines = n }
}

// New constructs a Manager over the given descriptors and registry.
func New(models []domain.ModelDescriptor, reg *registry.Registry, opts ...Option) *Manager {
	m := &Manager{
		models:                make(map[string]domain.ModelDescriptor, len(models)),
		registry:              reg,
		procs:                 make(map[string]*runningProc),
		httpClient:            &http.Client{Timeout: 5 * time.Second},
		defaultStartupTimeout: 90 * time.Second,
		logBufferLines:        200,
	}
	for _, d := range models {
		m.models[d.ID] = d
		m.order = append(m.order, d.ID)
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Get returns the descriptor for modelID.
func (m *Manager) Get(modelID string) (domain.ModelDescriptor, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.models[modelID]
	return d, ok
}

// All returns every known descriptor in config order.
func (m *Manager) All() []domain.ModelDescriptor {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.ModelDescriptor, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.models[id])
	}
	return out
}

// Default returns the first preload-mode model, else the first model
// in config order.
func (m *Manager) Default() (domain.ModelDescriptor, bool) {
	all := m.All()
	for _, d := range all {
		if d.LoadMode == domain.LoadModePreload {
			return d, true
		}
	}
	if len(all) == 0 {
		return domain.ModelDescriptor{}, false
	}
	return all[0], true
}

// Running lists model ids with a live registry record.
func (m *Manager) Running() []string {
	var out []string
	for _, rec := range m.registry.All() {
		out = append(out, rec.ModelID)
	}
	return out
}

// Start spawns modelID's engine (§4.2). timeoutOverride <= 0 uses the
// descriptor's configured value, else the 90s default.
func (m *Manager) Start(ctx context.Context, modelID string, timeoutOverride time.Duration) (domain.ProcessRecord, error) {
	desc, ok := m.Get(modelID)
	if !ok {
		return domain.ProcessRecord{}, fmt.Errorf("op=modelmanager.Start: %w: %s", domain.ErrUnknownModel, modelID)
	}
	if rec, ok := m.registry.Get(modelID); ok && (rec.Status == domain.ProcessStarting || rec.Status == domain.ProcessRunning) {
		return domain.ProcessRecord{}, fmt.Errorf("op=modelmanager.Start: %w: %s", domain.ErrAlreadyRunning, modelID)
	}

	if desc.ExecMode == domain.ExecModeCLI {
		// CLI invocations are per-job and own no persistent state; Start
		// is a no-op beyond a stub record (§4.2).
		return domain.ProcessRecord{ModelID: modelID, ExecMode: domain.ExecModeCLI, Status: domain.ProcessRunning}, nil
	}

	port, err := m.registry.AllocatePort(desc.Port)
	if err != nil {
		return domain.ProcessRecord{}, fmt.Errorf("op=modelmanager.Start: %w", err)
	}

	args := substitutePort(desc.Args, port)
	procCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(procCtx, desc.Command, args...)
	logs := newRingBuffer(m.logBufferLines)
	cmd.Stdout = logs
	cmd.Stderr = logs

	if err := cmd.Start(); err != nil {
		cancel()
		return domain.ProcessRecord{}, fmt.Errorf("op=modelmanager.Start: spawn %s: %w", modelID, err)
	}

	rec, err := m.registry.Register(modelID, cmd.Process.Pid, port, domain.ExecModeServer)
	if err != nil {
		cancel()
		_ = cmd.Process.Kill()
		return domain.ProcessRecord{}, fmt.Errorf("op=modelmanager.Start: %w", err)
	}

	m.mu.Lock()
	m.procs[modelID] = &runningProc{cmd: cmd, cancel: cancel, logs: logs, execMode: domain.ExecModeServer}
	m.mu.Unlock()

	go func() {
		_ = cmd.Wait()
		if m.registry.UpdateStatusIfNot(modelID, domain.ProcessStopped, domain.ProcessStopping) {
			slog.Warn("engine process exited unexpectedly", slog.String("model_id", modelID))
		}
	}()

	timeout := desc.EffectiveStartupTimeout(timeoutOverride)
	apiURL := resolveAPIURL(desc, port)
	if err := m.waitForHealth(ctx, apiURL, timeout); err != nil {
		m.killLocked(modelID)
		return domain.ProcessRecord{}, fmt.Errorf("op=modelmanager.Start: %w", domain.ErrStartupTimeout)
	}

	m.registry.Heartbeat(modelID)
	updated, _ := m.registry.Get(modelID)
	return updated, nil
}

func resolveAPIURL(desc domain.ModelDescriptor, port int) string {
	if desc.APIURL != "" {
		return strings.ReplaceAll(desc.APIURL, portPlaceholder, strconv.Itoa(port))
	}
	return fmt.Sprintf("http://127.0.0.1:%d", port)
}

func substitutePort(args []string, port int) []string {
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = strings.ReplaceAll(a, portPlaceholder, strconv.Itoa(port))
	}
	return out
}

// waitForHealth polls the engine's health endpoint with bounded,
// exponential backoff until it responds 2xx or the timeout elapses.
func (m *Manager) waitForHealth(ctx context.Context, apiURL string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	bo.MaxElapsedTime = timeout

	op := func() error {
		if time.Now().After(deadline) {
			return backoff.Permanent(domain.ErrStartupTimeout)
		}
		reqCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, apiURL+"/health", nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := m.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		return fmt.Errorf("health status %d", resp.StatusCode)
	}
	return backoff.Retry(op, backoff.WithContext(bo, ctx))
}

// Stop kills modelID's process and releases its registry record.
func (m *Manager) Stop(modelID string) error {
	m.killLocked(modelID)
	return nil
}

func (m *Manager) killLocked(modelID string) {
	m.registry.UpdateStatus(modelID, domain.ProcessStopping)

	m.mu.Lock()
	proc, ok := m.procs[modelID]
	if ok {
		delete(m.procs, modelID)
	}
	m.mu.Unlock()

	if ok && proc.cmd.Process != nil {
		_ = proc.cmd.Process.Signal(syscall.SIGTERM)
		done := make(chan struct{})
		go func() { _ = proc.cmd.Wait(); close(done) }()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			_ = proc.cmd.Process.Kill()
		}
		proc.cancel()
	}
	m.registry.Unregister(modelID)
}

// Status returns a point-in-time view of modelID's process.
func (m *Manager) Status(modelID string) (StatusView, error) {
	rec, ok := m.registry.Get(modelID)
	if !ok {
		return StatusView{Status: domain.ProcessStopped}, nil
	}
	m.mu.Lock()
	proc := m.procs[modelID]
	m.mu.Unlock()
	var logs []string
	if proc != nil {
		logs = proc.logs.Lines()
	}
	return StatusView{
		Status:   rec.Status,
		PID:      rec.PID,
		Port:     rec.Port,
		UptimeMS: time.Since(rec.StartedAt).Milliseconds(),
		Logs:     logs,
	}, nil
}

// EnsureRunning starts modelID if it is not already running and
// returns its API URL; CLI-mode models return an empty URL (§4.2).
func (m *Manager) EnsureRunning(ctx context.Context, modelID string) (string, error) {
	desc, ok := m.Get(modelID)
	if !ok {
		return "", fmt.Errorf("op=modelmanager.EnsureRunning: %w: %s", domain.ErrUnknownModel, modelID)
	}
	if desc.ExecMode == domain.ExecModeCLI {
		return "", nil
	}
	if rec, ok := m.registry.Get(modelID); ok && m.registry.IsRunning(modelID) {
		return resolveAPIURL(desc, rec.Port), nil
	}
	rec, err := m.Start(ctx, modelID, 0)
	if err != nil {
		return "", err
	}
	return resolveAPIURL(desc, rec.Port), nil
}

// ReapZombies runs one pass of zombie reclamation (§4.1) and kills the
// local process handles for any removed records.
func (m *Manager) ReapZombies() []string {
	removed := m.registry.CleanupZombies()
	if len(removed) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range removed {
		if proc, ok := m.procs[id]; ok {
			proc.cancel()
			delete(m.procs, id)
		}
	}
	return removed
}

// ReapLoop runs ReapZombies on interval until ctx is cancelled.
func (m *Manager) ReapLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, id := range m.ReapZombies() {
				slog.Info("reaped zombie process record", slog.String("model_id", id))
			}
		}
	}
}
