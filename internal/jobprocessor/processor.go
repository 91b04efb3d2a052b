// Package jobprocessor implements the Job Processor (§4.4): a single
// worker that polls the Job Store for pending jobs and runs each one
// to completion before claiming the next, publishing progress events
// along the way.
//
// Grounded on the teacher's asynq worker claim/process/persist loop
// (internal/adapter/queue/asynq/worker.go): mark processing, load
// inputs, call out to the generation backend, persist the result,
// mark completed or failed, with the same per-stage metrics helpers.
// There is no external broker here — one in-process goroutine polls
// the store directly, matching the "single worker polling loop"
// shape of the spec rather than the teacher's asynq/redis queue.
package jobprocessor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fairyhunter13/dmctl/internal/adapter/observability"
	"github.com/fairyhunter13/dmctl/internal/domain"
)

// ModelRunner is the subset of the Model Manager the processor needs:
// descriptor lookup and the ensure_running contract (§4.2).
type ModelRunner interface {
	Get(modelID string) (domain.ModelDescriptor, bool)
	EnsureRunning(ctx context.Context, modelID string) (string, error)
}

// Processor is the Job Processor.
type Processor struct {
	jobs       domain.JobRepository
	models     ModelRunner
	dispatcher domain.EngineDispatcher
	bus        domain.EventPublisher

	pollInterval time.Duration
}

// New constructs a Processor. bus may be nil when event publishing is
// not wired (progress is still persisted to the job store either way).
func New(jobs domain.JobRepository, models ModelRunner, dispatcher domain.EngineDispatcher, bus domain.EventPublisher, pollInterval time.Duration) *Processor {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Processor{jobs: jobs, models: models, dispatcher: dispatcher, bus: bus, pollInterval: pollInterval}
}

// Run polls for pending jobs and processes them one at a time until
// ctx is cancelled. Errors processing one job never stop the loop
// (§4.4: "continuing on error" — the loop claims the next job).
func (p *Processor) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			job, err := p.jobs.ClaimNextPending(ctx)
			if err != nil {
				if errors.Is(err, domain.ErrNotFound) {
					continue
				}
				slog.Error("failed to claim next pending job", slog.Any("error", err))
				continue
			}
			p.process(ctx, job)
		}
	}
}

func (p *Processor) process(ctx context.Context, job *domain.Job) {
	observability.StartProcessingJob(string(job.Type))
	defer observability.ClearJobProgress(job.ID)

	model, ok := p.models.Get(job.ModelID)
	if !ok {
		p.fail(ctx, job, string(job.Type), fmt.Errorf("op=jobprocessor.process: %w: %s", domain.ErrUnknownModel, job.ModelID))
		return
	}

	job.Params = computeEffectiveParams(*job, model)
	p.publishProgress(ctx, job, 0.1)

	loadStart := time.Now()
	apiURL, err := p.models.EnsureRunning(ctx, job.ModelID)
	modelLoadingMS := time.Since(loadStart).Milliseconds()
	if err != nil {
		p.fail(ctx, job, string(job.Type), fmt.Errorf("op=jobprocessor.ensure_running: %w", err))
		return
	}
	p.publishProgress(ctx, job, 0.3)

	genStart := time.Now()
	result, err := p.dispatcher.Dispatch(ctx, domain.DispatchRequest{
		Job:             *job,
		Model:           model,
		APIURL:          apiURL,
		EffectiveParams: job.Params,
	})
	if err != nil {
		p.fail(ctx, job, string(job.Type), fmt.Errorf("op=jobprocessor.dispatch: %w", err))
		return
	}
	p.publishProgress(ctx, job, 0.7)

	for i, img := range result.Images {
		img.JobID = job.ID
		img.Index = i
		if err := p.jobs.AppendImage(ctx, job.ID, img); err != nil {
			p.fail(ctx, job, string(job.Type), fmt.Errorf("op=jobprocessor.append_image: %w", err))
			return
		}
	}
	p.publishProgress(ctx, job, 0.9)

	generationMS := time.Since(genStart).Milliseconds()
	if err := p.jobs.SetTimings(ctx, job.ID, modelLoadingMS, generationMS); err != nil {
		slog.Error("failed to record job timings", slog.String("job_id", job.ID), slog.Any("error", err))
	}
	if err := p.jobs.SetStatus(ctx, job.ID, domain.JobCompleted, nil); err != nil {
		slog.Error("failed to mark job completed", slog.String("job_id", job.ID), slog.Any("error", err))
		return
	}
	p.publishProgress(ctx, job, 1.0)
	observability.CompleteJob(string(job.Type))
	slog.Info("job completed", slog.String("job_id", job.ID), slog.String("model_id", job.ModelID),
		slog.Int64("model_loading_time_ms", modelLoadingMS), slog.Int64("generation_time_ms", generationMS))
}

func (p *Processor) fail(ctx context.Context, job *domain.Job, jobType string, cause error) {
	msg := cause.Error()
	if err := p.jobs.SetStatus(ctx, job.ID, domain.JobFailed, &msg); err != nil {
		slog.Error("failed to mark job failed", slog.String("job_id", job.ID), slog.Any("error", err))
	}
	observability.FailJob(jobType)
	p.publish(ctx, "queue", "job.failed", job.ID)
	slog.Warn("job failed", slog.String("job_id", job.ID), slog.Any("error", cause))
}

func (p *Processor) publishProgress(ctx context.Context, job *domain.Job, progress float64) {
	if err := p.jobs.SetProgress(ctx, job.ID, progress); err != nil {
		slog.Error("failed to persist job progress", slog.String("job_id", job.ID), slog.Any("error", err))
	}
	observability.RecordJobProgress(job.ID, progress)
	p.publish(ctx, "generations", "job.progress", map[string]any{"job_id": job.ID, "progress": progress})
}

func (p *Processor) publish(ctx context.Context, topic, eventType string, payload any) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(ctx, topic, eventType, payload)
}

// qualityToSteps maps a job's free-text quality hint to a sample-step
// count. Consulted only when neither the job nor the model descriptor
// supplies sample_steps directly (§4.4 step 7); unrecognised or empty
// quality values resolve to no mapping, leaving steps omitted entirely
// rather than falling back to a hard-coded constant (§4.4: "No
// hard-coded fallback for sample steps is permitted").
var qualityToSteps = map[string]int{
	"draft":  10,
	"low":    15,
	"medium": 25,
	"high":   35,
	"ultra":  50,
}

// resolveSampleSteps applies the full steps fallback chain: user
// value, else model default, else the quality→steps mapping when the
// job carries a quality hint, else omitted.
func resolveSampleSteps(job domain.Job, md domain.GenerationParams) *int {
	if steps := firstNonNil(job.Params.SampleSteps, md.SampleSteps); steps != nil {
		return steps
	}
	if job.Quality == "" {
		return nil
	}
	if steps, ok := qualityToSteps[job.Quality]; ok {
		return &steps
	}
	return nil
}

// computeEffectiveParams applies the fallback rule of §4.4 step 4:
// the job's own override wins, else the model descriptor's default,
// else the field stays unset. Two exceptions: sample steps fall back
// further to the quality→steps mapping (resolveSampleSteps), and
// DefaultVariationStrength is applied to variation jobs missing strength.
func computeEffectiveParams(job domain.Job, model domain.ModelDescriptor) domain.GenerationParams {
	md := model.GenerationParams
	eff := domain.GenerationParams{
		CFGScale:       firstNonNil(job.Params.CFGScale, md.CFGScale),
		SampleSteps:    resolveSampleSteps(job, md),
		SamplingMethod: firstNonNil(job.Params.SamplingMethod, md.SamplingMethod),
		ClipSkip:       firstNonNil(job.Params.ClipSkip, md.ClipSkip),
		Size:           firstNonNil(job.Params.Size, md.Size),
	}

	strength := firstNonNil(job.Strength, md.Strength)
	if strength == nil && job.Type == domain.JobTypeVariation {
		v := domain.DefaultVariationStrength
		strength = &v
	}
	eff.Strength = strength
	return eff
}

func firstNonNil[T any](a, b *T) *T {
	if a != nil {
		return a
	}
	return b
}
