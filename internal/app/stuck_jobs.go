package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/dmctl/internal/domain"
)

// StuckJobSweeper periodically fails any job that has sat in
// `processing` past maxProcessingAge — most plausibly a job whose
// owning process crashed or whose engine call hung past the HTTP
// client's own deadline without the processor observing it (§7).
type StuckJobSweeper struct {
	jobs             domain.JobRepository
	maxProcessingAge time.Duration
	interval         time.Duration
}

// NewStuckJobSweeper constructs a sweeper. Returns nil if jobs is nil,
// so callers can skip starting it unconditionally.
func NewStuckJobSweeper(jobs domain.JobRepository, maxProcessingAge, interval time.Duration) *StuckJobSweeper {
	if jobs == nil {
		return nil
	}
	if maxProcessingAge <= 0 {
		maxProcessingAge = 10 * time.Minute
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &StuckJobSweeper{jobs: jobs, maxProcessingAge: maxProcessingAge, interval: interval}
}

// Run sweeps immediately, then on every interval tick, until ctx is done.
func (s *StuckJobSweeper) Run(ctx context.Context) {
	if s == nil || s.jobs == nil {
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("stuck job sweeper stopping")
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *StuckJobSweeper) sweepOnce(ctx context.Context) {
	tracer := otel.Tracer("jobs.sweeper")
	ctx, span := tracer.Start(ctx, "StuckJobSweeper.sweepOnce")
	defer span.End()

	cutoff := time.Now().Add(-s.maxProcessingAge)
	span.SetAttributes(attribute.Float64("jobs.max_processing_age_seconds", s.maxProcessingAge.Seconds()))

	stuck, err := s.jobs.ListStuckProcessing(ctx, cutoff)
	if err != nil {
		span.RecordError(err)
		slog.Error("stuck job sweep failed to list jobs", slog.Any("error", err))
		return
	}

	marked := 0
	for _, j := range stuck {
		msg := fmt.Sprintf("job processing exceeded maximum age %v; marked failed by sweeper", s.maxProcessingAge)
		if err := s.jobs.SetStatus(ctx, j.ID, domain.JobFailed, &msg); err != nil {
			slog.Error("stuck job sweep failed to update job status", slog.String("job_id", j.ID), slog.Any("error", err))
			continue
		}
		marked++
	}
	span.SetAttributes(
		attribute.Int("jobs.total_checked", len(stuck)),
		attribute.Int("jobs.total_marked_failed", marked),
	)
}
