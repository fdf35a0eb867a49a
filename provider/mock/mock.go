// Package mock provides an in-process generation provider for tests and demos.
package mock

import (
	"context"
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	"github.com/ineyio/creditgate"
)

// Provider is a mock generation provider.
type Provider struct {
	name         string
	models       []string
	latency      time.Duration
	failAfter    int
	callCount    atomic.Int64
	staticErr    error
	responseFunc func(creditgate.ProviderRequest) (creditgate.ProviderResponse, error)
}

var _ creditgate.Provider = (*Provider)(nil)

// Option configures a mock Provider.
type Option func(*Provider)

// New creates a mock provider with the given options.
func New(opts ...Option) *Provider {
	p := &Provider{
		name:   "mock",
		models: []string{"mock-model"},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WithName sets the provider name.
func WithName(name string) Option {
	return func(p *Provider) { p.name = name }
}

// WithModels sets supported models.
func WithModels(models ...string) Option {
	return func(p *Provider) { p.models = models }
}

// WithLatency adds simulated latency to each call.
func WithLatency(d time.Duration) Option {
	return func(p *Provider) { p.latency = d }
}

// WithFailAfter makes the provider fail after N successful calls.
func WithFailAfter(n int) Option {
	return func(p *Provider) { p.failAfter = n }
}

// WithError makes the provider always return this error.
func WithError(err error) Option {
	return func(p *Provider) { p.staticErr = err }
}

// WithResponseFunc sets a custom response function.
func WithResponseFunc(fn func(creditgate.ProviderRequest) (creditgate.ProviderResponse, error)) Option {
	return func(p *Provider) { p.responseFunc = fn }
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) SupportsModel(model string) bool {
	return slices.Contains(p.models, model)
}

// Generate returns one placeholder asset per requested item.
func (p *Provider) Generate(ctx context.Context, req creditgate.ProviderRequest) (creditgate.ProviderResponse, error) {
	if p.latency > 0 {
		select {
		case <-time.After(p.latency):
		case <-ctx.Done():
			return creditgate.ProviderResponse{}, ctx.Err()
		}
	}

	count := p.callCount.Add(1)

	if p.staticErr != nil {
		return creditgate.ProviderResponse{}, p.staticErr
	}

	if p.failAfter > 0 && int(count) > p.failAfter {
		return creditgate.ProviderResponse{}, creditgate.ErrProviderUnavailable
	}

	if p.responseFunc != nil {
		return p.responseFunc(req)
	}

	n := max(req.Count, 1)
	assets := make([]creditgate.Asset, n)
	for i := range assets {
		assets[i] = creditgate.Asset{
			URL:      fmt.Sprintf("mock://%s/%s/%d-%d", p.name, req.Model, count, i),
			MimeType: mimeType(req.TaskType),
		}
	}
	return creditgate.ProviderResponse{
		ID:     fmt.Sprintf("mock-%d", count),
		Model:  req.Model,
		Assets: assets,
	}, nil
}

// CallCount returns the number of calls made to the provider.
func (p *Provider) CallCount() int64 { return p.callCount.Load() }

func mimeType(t creditgate.TaskType) string {
	if t == creditgate.TaskVideo {
		return "video/mp4"
	}
	return "image/png"
}
