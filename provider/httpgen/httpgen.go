// Package httpgen adapts generation services that speak a JSON-over-HTTP
// API: POST {baseURL}/generations returning a list of asset URLs.
package httpgen

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"

	"github.com/ineyio/creditgate"
)

// Provider is a JSON-over-HTTP generation adapter.
type Provider struct {
	name       string
	baseURL    string
	apiKey     string
	httpClient *http.Client
	models     []string
}

var _ creditgate.Provider = (*Provider)(nil)

// Option configures the provider.
type Option func(*Provider)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// WithModels sets the list of supported models.
func WithModels(models ...string) Option {
	return func(p *Provider) { p.models = models }
}

// WithAPIKey sets the bearer token sent with every call.
func WithAPIKey(key string) Option {
	return func(p *Provider) { p.apiKey = key }
}

// New creates a new provider named name calling baseURL.
func New(name, baseURL string, opts ...Option) *Provider {
	p := &Provider{
		name:       name,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) SupportsModel(model string) bool {
	if len(p.models) == 0 {
		return true // no filter → accept all
	}
	return slices.Contains(p.models, model)
}

type apiRequest struct {
	Model    string         `json:"model"`
	TaskType string         `json:"task_type"`
	Prompt   string         `json:"prompt"`
	N        int            `json:"n"`
	Tool     string         `json:"tool,omitempty"`
	Params   map[string]any `json:"params,omitempty"`
}

type apiResponse struct {
	ID    string `json:"id"`
	Model string `json:"model"`
	Data  []struct {
		URL      string `json:"url"`
		MimeType string `json:"mime_type"`
	} `json:"data"`
}

// Generate performs one generation call.
func (p *Provider) Generate(ctx context.Context, req creditgate.ProviderRequest) (creditgate.ProviderResponse, error) {
	body := apiRequest{
		Model:    req.Model,
		TaskType: req.TaskType.String(),
		Prompt:   req.Prompt,
		N:        max(req.Count, 1),
		Tool:     req.Tool,
		Params:   req.Params,
	}

	httpResp, err := p.doRequest(ctx, body)
	if err != nil {
		return creditgate.ProviderResponse{}, err
	}
	defer httpResp.Body.Close()

	if err := mapHTTPError(httpResp); err != nil {
		return creditgate.ProviderResponse{}, err
	}

	var resp apiResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return creditgate.ProviderResponse{}, fmt.Errorf("%w: decode response: %v", creditgate.ErrProviderUnavailable, err)
	}

	if len(resp.Data) == 0 {
		return creditgate.ProviderResponse{}, fmt.Errorf("%w: empty data in response", creditgate.ErrProviderUnavailable)
	}

	out := creditgate.ProviderResponse{ID: resp.ID, Model: resp.Model}
	if out.Model == "" {
		out.Model = req.Model
	}
	for _, d := range resp.Data {
		out.Assets = append(out.Assets, creditgate.Asset{URL: d.URL, MimeType: d.MimeType})
	}
	return out, nil
}

func (p *Provider) doRequest(ctx context.Context, body apiRequest) (*http.Response, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("creditgate: marshal request: %w", err)
	}

	url := p.baseURL + "/generations"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("creditgate: create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", creditgate.ErrProviderUnavailable, err)
	}

	return resp, nil
}

func mapHTTPError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	// Read body for error context, but don't fail if we can't.
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		return creditgate.ErrProviderRateLimited
	case http.StatusUnauthorized, http.StatusForbidden:
		return creditgate.ErrProviderAuthFailed
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: %s", creditgate.ErrProviderRejected, strings.TrimSpace(string(body)))
	default:
		return fmt.Errorf("%w: status %d", creditgate.ErrProviderUnavailable, resp.StatusCode)
	}
}
