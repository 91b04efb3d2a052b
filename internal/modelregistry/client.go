// Package modelregistry implements domain.RegistryClient against a
// Hugging-Face-Hub-compatible model registry: `{base}/api/models/{repo}`
// returns metadata including a `siblings` array enumerating every file
// path in the repo (§6 model registry protocol).
//
// Grounded on the otelhttp-instrumented client shape used throughout
// the control plane's outbound HTTP calls (internal/engineclient,
// internal/modelmanager).
package modelregistry

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fairyhunter13/dmctl/internal/domain"
)

// Client resolves model metadata from the remote registry.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New constructs a Client. An empty token omits the Authorization header.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport,
				otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
					return "registry " + r.Method + " " + r.URL.Path
				}),
			),
		},
	}
}

type modelInfoResponse struct {
	ID       string   `json:"id"`
	Siblings []sibling `json:"siblings"`
}

type sibling struct {
	RFilename string `json:"rfilename"`
}

// FetchModelInfo implements domain.RegistryClient.
func (c *Client) FetchModelInfo(ctx domain.Context, repo string) (domain.ModelInfo, error) {
	url := fmt.Sprintf("%s/api/models/%s", c.baseURL, strings.Trim(repo, "/"))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return domain.ModelInfo{}, fmt.Errorf("op=modelregistry.fetch_model_info: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return domain.ModelInfo{}, fmt.Errorf("op=modelregistry.fetch_model_info: %w: %v", domain.ErrUpstreamTimeout, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return domain.ModelInfo{}, fmt.Errorf("op=modelregistry.fetch_model_info: %w: %s", domain.ErrUnknownModel, repo)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return domain.ModelInfo{}, fmt.Errorf("op=modelregistry.fetch_model_info: %w: status %d: %s", domain.ErrUpstreamBadResp, resp.StatusCode, body)
	}

	var out modelInfoResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return domain.ModelInfo{}, fmt.Errorf("op=modelregistry.fetch_model_info: %w: decode: %v", domain.ErrUpstreamBadResp, err)
	}

	info := domain.ModelInfo{Repo: repo}
	for _, s := range out.Siblings {
		info.Siblings = append(info.Siblings, s.RFilename)
	}
	return info, nil
}
