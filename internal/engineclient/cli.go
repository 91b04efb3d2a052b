package engineclient

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"

	"github.com/fairyhunter13/dmctl/internal/domain"
)

// CLIDispatcher dispatches jobs to cli-mode engines: a one-shot
// process per job, argv built from the descriptor plus job-specific
// flags (§4.4 step 7). CLI invocations own no state beyond their argv
// and output path — the lifecycle manager never registers them.
type CLIDispatcher struct {
	imagesDir string
}

// NewCLIDispatcher constructs a CLIDispatcher. Produced images are
// written under imagesDir.
func NewCLIDispatcher(imagesDir string) *CLIDispatcher {
	return &CLIDispatcher{imagesDir: imagesDir}
}

// Dispatch implements the CLI half of domain.EngineDispatcher.
func (c *CLIDispatcher) Dispatch(ctx domain.Context, req domain.DispatchRequest) (domain.DispatchResult, error) {
	if err := os.MkdirAll(c.imagesDir, 0o755); err != nil {
		return domain.DispatchResult{}, fmt.Errorf("op=engineclient.cli_dispatch: %w", err)
	}
	outPath := filepath.Join(c.imagesDir, uuid.NewString()+".png")

	argv := buildArgv(req, outPath)
	cmd := exec.CommandContext(ctx, req.Model.Command, argv...)

	output, err := cmd.CombinedOutput()
	if err != nil {
		return domain.DispatchResult{}, fmt.Errorf("op=engineclient.cli_dispatch: %w: %s: %s", domain.ErrCLIFailed, req.Model.Command, output)
	}
	if _, statErr := os.Stat(outPath); statErr != nil {
		return domain.DispatchResult{}, fmt.Errorf("op=engineclient.cli_dispatch: %w: no output produced at %s", domain.ErrCLIFailed, outPath)
	}

	return domain.DispatchResult{Images: []domain.GeneratedImage{{
		MimeType: "image/png",
		FilePath: outPath,
		Width:    req.Job.Width,
		Height:   req.Job.Height,
	}}}, nil
}

// buildArgv appends job-specific flags to the descriptor's base argv.
// Only one --steps flag is ever emitted: req.EffectiveParams.SampleSteps
// already carries the fully resolved value (user override, else model
// default, else the quality→steps mapping), computed upstream by the
// job processor's computeEffectiveParams (§4.4 step 7).
func buildArgv(req domain.DispatchRequest, outPath string) []string {
	argv := append([]string(nil), req.Model.Args...)
	argv = append(argv, "--prompt", req.Job.Prompt)
	if req.Job.NegativePrompt != "" {
		argv = append(argv, "--negative-prompt", req.Job.NegativePrompt)
	}
	if req.Job.Width > 0 {
		argv = append(argv, "--width", strconv.Itoa(req.Job.Width))
	}
	if req.Job.Height > 0 {
		argv = append(argv, "--height", strconv.Itoa(req.Job.Height))
	}
	if req.Job.Seed != nil {
		argv = append(argv, "--seed", strconv.FormatInt(*req.Job.Seed, 10))
	}
	if req.EffectiveParams.SampleSteps != nil {
		argv = append(argv, "--steps", strconv.Itoa(*req.EffectiveParams.SampleSteps))
	}
	if req.Job.Type == domain.JobTypeVariation && req.EffectiveParams.Strength != nil {
		argv = append(argv, "--strength", strconv.FormatFloat(*req.EffectiveParams.Strength, 'f', -1, 64))
	}
	if req.Job.SourceImagePath != "" {
		argv = append(argv, "--init-img", req.Job.SourceImagePath)
	}
	if req.Job.MaskImagePath != "" {
		argv = append(argv, "--mask", req.Job.MaskImagePath)
	}
	argv = append(argv, "-o", outPath)
	return argv
}
