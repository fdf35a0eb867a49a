package creditgate

import "context"

// Provider is the interface that generation provider adapters must implement.
type Provider interface {
	// Name returns the provider identifier used in model config.
	Name() string

	// SupportsModel returns true if this provider can handle the given model.
	SupportsModel(model string) bool

	// Generate performs one generation call.
	Generate(ctx context.Context, req ProviderRequest) (ProviderResponse, error)
}

// ProviderRequest is the request sent to a provider adapter.
type ProviderRequest struct {
	Model    string
	TaskType TaskType
	Prompt   string
	Count    int
	Tool     string
	Params   map[string]any
}

// ProviderResponse is the response from a provider adapter.
type ProviderResponse struct {
	ID     string
	Model  string
	Assets []Asset
}
