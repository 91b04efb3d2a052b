package app

import (
	"context"
	"fmt"

	"github.com/fairyhunter13/dmctl/internal/domain"
)

// Pinger is the minimal interface for a database pool capable of Ping.
type Pinger interface {
	Ping(ctx context.Context) error
}

// BuildReadinessCheck returns a single readiness probe covering the
// embedded store and, if preload models are configured, that at least
// one of them is running. A control plane
// with no external services has nothing else to probe (§6).
func BuildReadinessCheck(db Pinger, registry ProcessRegistry, preloadModels []string) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if db == nil {
			return fmt.Errorf("op=app.readiness: store not configured")
		}
		if err := db.Ping(ctx); err != nil {
			return fmt.Errorf("op=app.readiness: store: %w", err)
		}
		if len(preloadModels) == 0 {
			return nil
		}
		for _, id := range preloadModels {
			if rec, ok := registry.Get(id); ok && rec.Status == domain.ProcessRunning {
				return nil
			}
		}
		return fmt.Errorf("op=app.readiness: no preload model running")
	}
}

// ProcessRegistry is the subset of the Process Registry readiness
// needs, kept narrow so tests can fake it without a real registry.
type ProcessRegistry interface {
	Get(modelID string) (domain.ProcessRecord, bool)
}
