package engineclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fairyhunter13/dmctl/internal/domain"
)

// NewHTTPClient builds an otel-instrumented client for talking to
// server-mode engines, matching the span-naming convention the
// teacher uses for its outbound AI calls.
func NewHTTPClient(timeout time.Duration) *http.Client {
	transport := otelhttp.NewTransport(http.DefaultTransport,
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return fmt.Sprintf("engine %s %s", r.Method, r.URL.Path)
		}),
	)
	return &http.Client{Timeout: timeout, Transport: transport}
}

// sideChannelParams are generation settings the engine's base JSON
// schema has no field for; they ride along as a prompt suffix
// (§6: `<sd_cpp_extra_args>{json}</sd_cpp_extra_args>`).
type sideChannelParams struct {
	ClipSkip       *int    `json:"clip_skip,omitempty"`
	SamplingMethod *string `json:"sampling_method,omitempty"`
}

func withSideChannel(prompt string, p domain.GenerationParams) string {
	side := sideChannelParams{ClipSkip: p.ClipSkip}
	if side.ClipSkip == nil {
		return prompt
	}
	encoded, err := json.Marshal(side)
	if err != nil {
		return prompt
	}
	return fmt.Sprintf("%s<sd_cpp_extra_args>%s</sd_cpp_extra_args>", prompt, encoded)
}

type generationRequest struct {
	Prompt         string   `json:"prompt"`
	NegativePrompt string   `json:"negative_prompt,omitempty"`
	Width          int      `json:"width,omitempty"`
	Height         int      `json:"height,omitempty"`
	N              int      `json:"n,omitempty"`
	Seed           *int64   `json:"seed,omitempty"`
	Steps          *int     `json:"steps,omitempty"`
	CFGScale       *float64 `json:"cfg_scale,omitempty"`
	Sampler        *string  `json:"sampler,omitempty"`
	Strength       *float64 `json:"strength,omitempty"`
	InitImages     []string `json:"init_images,omitempty"`
	Mask           string   `json:"mask,omitempty"`
}

type generationResponse struct {
	Data []struct {
		B64JSON       string `json:"b64_json"`
		RevisedPrompt string `json:"revised_prompt"`
	} `json:"data"`
}

type upscaleRequest struct {
	Image           string `json:"image"`
	ResizeMode      int    `json:"resize_mode"`
	UpscalingResize int    `json:"upscaling_resize"`
	Upscaler1       string `json:"upscaler_1"`
}

type upscaleResponse struct {
	Image string `json:"image"`
}

// HTTPDispatcher dispatches jobs to server-mode engines.
type HTTPDispatcher struct {
	client    *http.Client
	imagesDir string
}

// NewHTTPDispatcher constructs an HTTPDispatcher. Decoded images are
// written under imagesDir.
func NewHTTPDispatcher(client *http.Client, imagesDir string) *HTTPDispatcher {
	if client == nil {
		client = NewHTTPClient(2 * time.Minute)
	}
	return &HTTPDispatcher{client: client, imagesDir: imagesDir}
}

// Dispatch implements the HTTP half of domain.EngineDispatcher.
func (h *HTTPDispatcher) Dispatch(ctx domain.Context, req domain.DispatchRequest) (domain.DispatchResult, error) {
	if req.Job.Type == domain.JobTypeUpscale {
		return h.dispatchUpscale(ctx, req)
	}
	return h.dispatchGeneration(ctx, req)
}

func (h *HTTPDispatcher) endpointFor(job domain.Job) string {
	if job.Type == domain.JobTypeGenerate {
		return "/sdapi/v1/txt2img"
	}
	return "/sdapi/v1/img2img"
}

func (h *HTTPDispatcher) dispatchGeneration(ctx context.Context, req domain.DispatchRequest) (domain.DispatchResult, error) {
	body := generationRequest{
		Prompt:         withSideChannel(req.Job.Prompt, req.EffectiveParams),
		NegativePrompt: req.Job.NegativePrompt,
		Width:          req.Job.Width,
		Height:         req.Job.Height,
		N:              maxInt(req.Job.BatchSize, 1),
		Seed:           req.Job.Seed,
		Steps:          req.EffectiveParams.SampleSteps,
		CFGScale:       req.EffectiveParams.CFGScale,
		Sampler:        req.EffectiveParams.SamplingMethod,
	}
	if req.Job.Type == domain.JobTypeEdit || req.Job.Type == domain.JobTypeVariation {
		body.Strength = req.EffectiveParams.Strength
		if img, err := readImageB64(req.Job.SourceImagePath); err == nil && img != "" {
			body.InitImages = []string{img}
		}
		if req.Job.MaskImagePath != "" {
			if mask, err := readImageB64(req.Job.MaskImagePath); err == nil {
				body.Mask = mask
			}
		}
	}

	var parsed generationResponse
	if err := h.postJSON(ctx, req.APIURL+h.endpointFor(req.Job), body, &parsed); err != nil {
		return domain.DispatchResult{}, err
	}

	result := domain.DispatchResult{}
	for i, item := range parsed.Data {
		path, err := writeB64Image(h.imagesDir, item.B64JSON)
		if err != nil {
			return domain.DispatchResult{}, fmt.Errorf("op=engineclient.http_dispatch: %w", err)
		}
		result.Images = append(result.Images, domain.GeneratedImage{
			Index:         i,
			MimeType:      "image/png",
			FilePath:      path,
			RevisedPrompt: item.RevisedPrompt,
			Width:         req.Job.Width,
			Height:        req.Job.Height,
		})
	}
	return result, nil
}

func (h *HTTPDispatcher) dispatchUpscale(ctx context.Context, req domain.DispatchRequest) (domain.DispatchResult, error) {
	img, err := readImageB64(req.Job.SourceImagePath)
	if err != nil {
		return domain.DispatchResult{}, fmt.Errorf("op=engineclient.http_dispatch: %w", err)
	}
	body := upscaleRequest{Image: img, ResizeMode: 0, UpscalingResize: 2, Upscaler1: "ESRGAN_4x"}

	var parsed upscaleResponse
	if err := h.postJSON(ctx, req.APIURL+"/sdapi/v1/extra-single-image", body, &parsed); err != nil {
		return domain.DispatchResult{}, err
	}
	path, err := writeB64Image(h.imagesDir, parsed.Image)
	if err != nil {
		return domain.DispatchResult{}, fmt.Errorf("op=engineclient.http_dispatch: %w", err)
	}
	return domain.DispatchResult{Images: []domain.GeneratedImage{{MimeType: "image/png", FilePath: path}}}, nil
}

func (h *HTTPDispatcher) postJSON(ctx context.Context, url string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("op=engineclient.post: encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("op=engineclient.post: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("op=engineclient.post: %w: %w", domain.ErrUpstreamTimeout, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("op=engineclient.post: %w: status %d: %s", domain.ErrUpstreamBadResp, resp.StatusCode, snippet)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("op=engineclient.post: %w: decode response: %w", domain.ErrUpstreamBadResp, err)
	}
	return nil
}

func readImageB64(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

func writeB64Image(dir, b64 string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return "", fmt.Errorf("decode image: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, uuid.NewString()+".png")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
