// Package registry implements the in-process Process Registry: a
// thread-safe map from model id to the runtime record of its engine,
// plus the set of ports currently in use.
//
// Grounded on the running-model tracking in an inference-manager style
// lifecycle component: a map guarded by a single RWMutex, with port
// bookkeeping folded into the same lock rather than a separate
// component, so "no two records share a port" is trivially enforced.
package registry

import (
	"fmt"
	"net"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/fairyhunter13/dmctl/internal/domain"
)

// Registry is the Process Registry (§4.1).
type Registry struct {
	mu      sync.RWMutex
	records map[string]*domain.ProcessRecord
	ports   map[int]string // port -> model_id holding it

	portRangeStart int
	portRangeEnd   int
}

// New creates an empty registry that allocates ports from
// [rangeStart, rangeEnd] when no preferred port is bindable.
func New(rangeStart, rangeEnd int) *Registry {
	if rangeEnd <= rangeStart {
		rangeStart, rangeEnd = 8000, 9000
	}
	return &Registry{
		records:        make(map[string]*domain.ProcessRecord),
		ports:          make(map[int]string),
		portRangeStart: rangeStart,
		portRangeEnd:   rangeEnd,
	}
}

// Register creates or replaces the record for modelID. The caller is
// responsible for having already terminated any previous process for
// this model id (§9 open question: never leave the old child running).
func (r *Registry) Register(modelID string, pid, port int, execMode domain.ExecMode) (domain.ProcessRecord, error) {
	if modelID == "" || pid <= 0 || port <= 0 {
		return domain.ProcessRecord{}, fmt.Errorf("op=registry.Register: %w: modelID, pid, and port are required", domain.ErrInvalidArgument)
	}
	if execMode != domain.ExecModeServer && execMode != domain.ExecModeCLI {
		return domain.ProcessRecord{}, fmt.Errorf("op=registry.Register: %w: unknown exec_mode %q", domain.ErrInvalidArgument, execMode)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.records[modelID]; ok {
		delete(r.ports, existing.Port)
	}

	rec := &domain.ProcessRecord{
		ModelID:         modelID,
		PID:             pid,
		Port:            port,
		ExecMode:        execMode,
		Status:          domain.ProcessStarting,
		StartedAt:       time.Now(),
		LastHeartbeatAt: time.Now(),
	}
	r.records[modelID] = rec
	r.ports[port] = modelID
	out := *rec
	return out, nil
}

// Unregister releases the port held by modelID. Idempotent on absence.
func (r *Registry) Unregister(modelID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[modelID]
	if !ok {
		return false
	}
	delete(r.ports, rec.Port)
	delete(r.records, modelID)
	return true
}

// Get returns a copy of the record for modelID, if any.
func (r *Registry) Get(modelID string) (domain.ProcessRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[modelID]
	if !ok {
		return domain.ProcessRecord{}, false
	}
	return *rec, true
}

// GetByPort returns a copy of the record bound to port, if any.
func (r *Registry) GetByPort(port int) (domain.ProcessRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	modelID, ok := r.ports[port]
	if !ok {
		return domain.ProcessRecord{}, false
	}
	rec := r.records[modelID]
	return *rec, true
}

// All returns a snapshot of every record.
func (r *Registry) All() []domain.ProcessRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.ProcessRecord, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, *rec)
	}
	return out
}

// ByExecMode filters All() by execution mode.
func (r *Registry) ByExecMode(mode domain.ExecMode) []domain.ProcessRecord {
	all := r.All()
	out := make([]domain.ProcessRecord, 0, len(all))
	for _, rec := range all {
		if rec.ExecMode == mode {
			out = append(out, rec)
		}
	}
	return out
}

// IsRunning reports whether modelID has a record not in a terminal
// stopped/error state.
func (r *Registry) IsRunning(modelID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[modelID]
	if !ok {
		return false
	}
	return rec.Status != domain.ProcessStopped && rec.Status != domain.ProcessError
}

// Heartbeat records a liveness signal; a starting record transitions
// to running on its first heartbeat.
func (r *Registry) Heartbeat(modelID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[modelID]
	if !ok {
		return
	}
	rec.LastHeartbeatAt = time.Now()
	if rec.Status == domain.ProcessStarting {
		rec.Status = domain.ProcessRunning
	}
}

// UpdateStatus sets the record's status directly.
func (r *Registry) UpdateStatus(modelID string, status domain.ProcessStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[modelID]; ok {
		rec.Status = status
	}
}

// UpdateStatusIfNot sets modelID's status to newStatus unless it is
// already unless. Used by a process-exit watcher to avoid overwriting
// a status already set by an in-progress Stop call. Reports whether it
// applied the change.
func (r *Registry) UpdateStatusIfNot(modelID string, newStatus, unless domain.ProcessStatus) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[modelID]
	if !ok || rec.Status == unless {
		return false
	}
	rec.Status = newStatus
	return true
}

// Kill marks modelID's record stopping and removes nothing. The caller
// (the model manager owns the actual os.Process handle and sends
// SIGTERM/SIGKILL) removes the record with Unregister once the child
// has exited.
func (r *Registry) Kill(modelID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[modelID]; ok {
		rec.Status = domain.ProcessStopping
	}
}

// CleanupZombies removes records whose status is stopped, or whose PID
// no longer exists in the OS, and reports the removed model ids.
func (r *Registry) CleanupZombies() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []string
	for modelID, rec := range r.records {
		zombie := rec.Status == domain.ProcessStopped || !pidAlive(rec.PID)
		if zombie {
			delete(r.ports, rec.Port)
			delete(r.records, modelID)
			removed = append(removed, modelID)
		}
	}
	return removed
}

func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal 0 performs existence/permission checks without delivering
	// a real signal.
	err = proc.Signal(syscall.Signal(0))
	return err == nil
}

// AllocatePort returns preferred if it is free and bindable, else the
// first bindable port in the configured range.
func (r *Registry) AllocatePort(preferred int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if preferred > 0 {
		if _, taken := r.ports[preferred]; !taken && bindable(preferred) {
			return preferred, nil
		}
	}
	for p := r.portRangeStart; p <= r.portRangeEnd; p++ {
		if _, taken := r.ports[p]; taken {
			continue
		}
		if bindable(p) {
			return p, nil
		}
	}
	return 0, fmt.Errorf("op=registry.AllocatePort: %w: no bindable port in [%d,%d]", domain.ErrPortExhausted, r.portRangeStart, r.portRangeEnd)
}

func bindable(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}
